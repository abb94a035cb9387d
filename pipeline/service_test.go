package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/fusion"
	"github.com/kbukum/minutes/llm"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/minutes"
	"github.com/kbukum/minutes/storage"
)

const ordinaryTemplate = `
code: ORD
name: Ordinary session
default_provider: openai
sections:
  - order: 1
    kind: static
    name: header
    category: heading
    static_body: "ACTA {{number}}"
  - order: 2
    kind: dynamic
    name: summary
    category: summary
    prompt_template: "Resume la sesión de {{participants}}."
    required: true
`

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func chatServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": reply}}},
			"usage":   map[string]any{"total_tokens": 12},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, endpoint string) *Service {
	t.Helper()
	templates := t.TempDir()
	writeTestFile(t, templates, "ordinary.yaml", ordinaryTemplate)

	settings := Settings{
		Storage:   storage.Config{Provider: storage.ProviderLocal, BasePath: t.TempDir()},
		Templates: TemplateSettings{Dir: templates},
		Providers: []llm.ProviderConfig{{ID: "openai", Kind: llm.KindOpenAI, Endpoint: endpoint, APIKey: "sk-test"}},
	}
	svc, err := NewService(context.Background(), settings,
		WithRegisterer(prometheus.NewRegistry()),
		WithServiceLogger(logger.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func storedTranscript() *fusion.Document {
	return &fusion.Document{
		FileID:           "f-100",
		SpeakersDetected: 1,
		Speakers:         []fusion.SpeakerBinding{{SpeakerIndex: 0, Name: "Alberto"}},
		Segments: []fusion.CombinedSegment{
			{Start: 0, End: 4, StartStr: "00:00", EndStr: "00:04", Text: "Se instala la sesión.", SpeakerIndex: 0},
		},
	}
}

func TestSettings_ApplyDefaults(t *testing.T) {
	s := Settings{}
	s.ApplyDefaults()
	if s.Name != "minutes" || s.Environment != "development" {
		t.Errorf("service = %s/%s", s.Name, s.Environment)
	}
	if s.Storage.Provider != storage.ProviderLocal || s.Templates.Dir != DefaultTemplatesDir {
		t.Errorf("storage/templates = %+v / %+v", s.Storage, s.Templates)
	}
	if s.Observability.ServiceName != "minutes" {
		t.Errorf("observability service = %q", s.Observability.ServiceName)
	}
	if s.Gateway.MaxRetries == nil || *s.Gateway.MaxRetries != llm.DefaultMaxRetries || s.Gateway.MaxFanOut != minutes.DefaultMaxFanOut {
		t.Errorf("gateway = %+v", s.Gateway)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSettings_ValidateRejectsS3WithoutBucket(t *testing.T) {
	s := Settings{Storage: storage.Config{Provider: storage.ProviderS3}}
	s.ApplyDefaults()
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for s3 without bucket")
	}
}

func TestSettings_ValidateRejectsNegativeRetries(t *testing.T) {
	neg := -1
	s := Settings{Gateway: GatewaySettings{MaxRetries: &neg}}
	s.ApplyDefaults()
	if *s.Gateway.MaxRetries != -1 {
		t.Fatalf("ApplyDefaults replaced max_retries: %d", *s.Gateway.MaxRetries)
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for negative max_retries")
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	file := writeTestFile(t, dir, "minutes.yaml", `
name: actas
environment: staging
templates:
  dir: /srv/templates
gateway:
  max_fan_out: 3
  max_retries: 0
providers:
  - id: local
    kind: ollama
    endpoint: http://localhost:11434
    model: llama3.1
    max_retries: 1
`)
	t.Setenv("STORAGE_BASE_PATH", "/data/out")

	s, err := LoadSettings(file, "")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Name != "actas" || s.Environment != "staging" {
		t.Errorf("service = %s/%s", s.Name, s.Environment)
	}
	if s.Templates.Dir != "/srv/templates" || s.Gateway.MaxFanOut != 3 {
		t.Errorf("templates/gateway = %+v / %+v", s.Templates, s.Gateway)
	}
	if s.Gateway.MaxRetries == nil || *s.Gateway.MaxRetries != 0 {
		t.Errorf("explicit max_retries: 0 was replaced: %v", s.Gateway.MaxRetries)
	}
	if len(s.Providers) != 1 || s.Providers[0].MaxRetries == nil || *s.Providers[0].MaxRetries != 1 {
		t.Errorf("provider max_retries not loaded: %+v", s.Providers)
	}
	if s.Storage.BasePath != "/data/out" {
		t.Errorf("base path = %q, want env override", s.Storage.BasePath)
	}
	if len(s.Providers) != 1 || s.Providers[0].Kind != "ollama" || s.Providers[0].Model != "llama3.1" {
		t.Errorf("providers = %+v", s.Providers)
	}
}

func TestService_GenerateMinutes(t *testing.T) {
	srv := chatServer(t, "Se aprobó el acta anterior.")
	svc := newTestService(t, srv.URL)
	ctx := context.Background()
	if err := storage.PutJSON(ctx, svc.Storage, DocumentKey("f-100"), storedTranscript()); err != nil {
		t.Fatal(err)
	}

	out, err := svc.GenerateMinutes(ctx, MinutesRequest{
		TemplateCode: "ORD",
		FileID:       "f-100",
		Meeting:      minutes.MeetingContext{Number: "7"},
	})
	if err != nil {
		t.Fatalf("GenerateMinutes: %v", err)
	}
	if want := "ACTA 7\n\nSe aprobó el acta anterior."; out.FinalBody != want {
		t.Errorf("FinalBody = %q, want %q", out.FinalBody, want)
	}
	if out.Metrics.LLMCalls != 1 {
		t.Errorf("LLMCalls = %d, want 1", out.Metrics.LLMCalls)
	}

	var stored minutes.Document
	if err := storage.GetJSON(ctx, svc.Storage, MinutesKey("f-100", "ORD"), &stored); err != nil {
		t.Fatalf("minutes not stored: %v", err)
	}
	if stored.FinalBody != out.FinalBody || stored.TemplateCode != "ORD" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestService_GenerateMinutesErrors(t *testing.T) {
	svc := newTestService(t, chatServer(t, "x").URL)
	tests := []struct {
		name string
		req  MinutesRequest
		want errors.ErrorCode
	}{
		{"missing file id", MinutesRequest{TemplateCode: "ORD"}, errors.ErrCodeInput},
		{"unknown template", MinutesRequest{TemplateCode: "NOPE", FileID: "f-100"}, errors.ErrCodeNotFound},
		{"unknown transcript", MinutesRequest{TemplateCode: "ORD", FileID: "f-missing"}, errors.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GenerateMinutes(context.Background(), tt.req)
			if got := errors.CodeOf(err); got != tt.want {
				t.Errorf("code = %s, want %s (%v)", got, tt.want, err)
			}
		})
	}
}

func TestService_Health(t *testing.T) {
	svc := newTestService(t, chatServer(t, "x").URL)
	sh := svc.Health(context.Background())
	names := map[string]bool{}
	for _, c := range sh.Components {
		names[c.Name] = true
	}
	for _, want := range []string{"audio", "asr", "diarization", "templates", "llm"} {
		if !names[want] {
			t.Errorf("health lacks component %q: %+v", want, sh.Components)
		}
	}
}

func TestService_TestProvider(t *testing.T) {
	svc := newTestService(t, chatServer(t, "Quito").URL)
	res, err := svc.TestProvider(context.Background(), "openai")
	if err != nil {
		t.Fatalf("TestProvider: %v", err)
	}
	if !res.Success || res.Response != "Quito" {
		t.Errorf("result = %+v", res)
	}
	if _, err := svc.TestProvider(context.Background(), "nope"); err == nil {
		t.Error("expected an error for an unknown provider")
	}
}
