package pyannote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kbukum/minutes/diarization"
	"github.com/kbukum/minutes/errors"
)

func newSidecar(t *testing.T, form *map[string]string) *Backend {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("POST /pipelines/load", func(w http.ResponseWriter, r *http.Request) {
		var req loadRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Pipeline == "pyannote/speaker-diarization-3.1" && req.AuthToken == "" {
			http.Error(w, "gated model", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(loadResponse{Pipeline: req.Pipeline, Device: req.Device, SupportsThreshold: true})
	})
	mux.HandleFunc("POST /diarize", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		*form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			(*form)[k] = v[0]
		}
		_, _ = w.Write([]byte(`{"segments":[{"start":0.5,"end":2,"speaker":"SPEAKER_01"},{"start":2.1,"end":4,"speaker":"SPEAKER_00"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	b, err := NewBackend(Config{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBackend(t *testing.T) {
	var form map[string]string
	b := newSidecar(t, &form)
	ctx := context.Background()
	if !b.IsAvailable(ctx) {
		t.Fatal("sidecar should be available")
	}

	p, err := b.LoadPipeline(ctx, diarization.PipelineKey{Pipeline: "pyannote/speaker-diarization-3.1", Device: "cpu"}, "hf_x")
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if !p.Info().SupportsThreshold {
		t.Error("expected threshold support")
	}

	audio := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	threshold := 0.6
	turns, err := p.Diarize(ctx, audio, diarization.InferenceParams{MaxSpeakers: 3, ClusteringThreshold: &threshold})
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if len(turns) != 2 || turns[0].Label != "SPEAKER_01" {
		t.Errorf("unexpected turns %+v", turns)
	}
	if form["max_speakers"] != "3" || form["clustering_threshold"] != "0.6" {
		t.Errorf("unexpected form %v", form)
	}
	if _, ok := form["min_speakers"]; ok {
		t.Error("min_speakers should not be sent")
	}
}

func TestBackend_GatedWithoutToken(t *testing.T) {
	var form map[string]string
	b := newSidecar(t, &form)
	_, err := b.LoadPipeline(context.Background(), diarization.PipelineKey{Pipeline: "pyannote/speaker-diarization-3.1", Device: "cpu"}, "")
	if errors.CodeOf(err) != errors.ErrCodeModelLoad {
		t.Fatalf("expected MODEL_LOAD_ERROR, got %v", err)
	}
	if _, err := b.LoadPipeline(context.Background(), diarization.PipelineKey{Pipeline: diarization.BaselinePipeline, Device: "cpu"}, ""); err != nil {
		t.Errorf("baseline should load without a token: %v", err)
	}
}
