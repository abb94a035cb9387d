package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/minutes/resilience"
)

func TestClient_DoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o" {
			t.Errorf("expected model in body, got %v", body)
		}
		_, _ = w.Write([]byte(`{"id":"cmpl-1"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Auth: BearerAuth("sk-test")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.DoJSON(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/v1/chat/completions",
		Body:   map[string]any{"model": "gpt-4o"},
	}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if !resp.IsSuccess() || out.ID != "cmpl-1" {
		t.Errorf("unexpected response %d %+v", resp.StatusCode, out)
	}
}

func TestClient_HeadersQueryAndOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("missing default header")
		}
		if r.Header.Get("x-api-key") != "override" {
			t.Errorf("expected request auth to win, got %q", r.Header.Get("x-api-key"))
		}
		if r.URL.Query().Get("alt") != "json" {
			t.Errorf("missing query param")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := New(Config{
		BaseURL: srv.URL,
		Headers: map[string]string{"anthropic-version": "2023-06-01"},
		Auth:    APIKeyAuthHeader("default", "x-api-key"),
	})
	_, err := c.Do(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/v1/messages",
		Query:  map[string]string{"alt": "json"},
		Auth:   APIKeyAuthHeader("override", "x-api-key"),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		code      ErrorCode
		retryable bool
	}{
		{400, ErrCodeValidation, false},
		{401, ErrCodeAuth, false},
		{404, ErrCodeNotFound, false},
		{429, ErrCodeRateLimit, true},
		{500, ErrCodeServer, true},
		{503, ErrCodeServer, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
		}))
		c, _ := New(Config{BaseURL: srv.URL})
		resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/"})
		srv.Close()

		var httpErr *Error
		if !errors.As(err, &httpErr) {
			t.Fatalf("status %d: expected *Error, got %v", tt.status, err)
		}
		if httpErr.Code != tt.code || httpErr.Retryable != tt.retryable {
			t.Errorf("status %d: got code=%s retryable=%v", tt.status, httpErr.Code, httpErr.Retryable)
		}
		if resp == nil || resp.StatusCode != tt.status {
			t.Errorf("status %d: expected response alongside error", tt.status)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: IsRetryable mismatch", tt.status)
		}
	}
}

func TestClient_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	if !IsTimeout(err) || !IsRetryable(err) {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := New(Config{BaseURL: url})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/health"})
	if !IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if c.Ping(context.Background(), "/health") {
		t.Error("ping should fail against a closed server")
	}
}

func TestClient_Retry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	retry := DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	c, _ := New(Config{BaseURL: srv.URL, Retry: retry})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if resp.Text() != "ok" || calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestClient_RetrySkipsClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	retry := DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	c, _ := New(Config{BaseURL: srv.URL, Retry: retry})
	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cb := DefaultCircuitBreakerConfig("groq")
	cb.MaxFailures = 2
	cb.Cooldown = time.Hour
	c, _ := New(Config{Name: "groq", BaseURL: srv.URL, CircuitBreaker: cb})

	for range 2 {
		_, _ = c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	}
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	var httpErr *Error
	if !errors.As(err, &httpErr) || httpErr.Code != ErrCodeCircuitOpen {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Error("expected ErrCircuitOpen in chain")
	}
	if calls.Load() != 2 {
		t.Errorf("open circuit must not reach the server, got %d calls", calls.Load())
	}
}

func TestClient_Multipart(t *testing.T) {
	dir := t.TempDir()
	wav := filepath.Join(dir, "meeting.wav")
	if err := os.WriteFile(wav, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Fatalf("expected multipart, got %q", r.Header.Get("Content-Type"))
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		var names []string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("NextPart: %v", err)
			}
			names = append(names, part.FormName())
			if part.FormName() == "audio" {
				data, _ := io.ReadAll(part)
				if string(data) != "RIFFdata" || part.FileName() != "meeting.wav" {
					t.Errorf("unexpected file part %q %q", part.FileName(), data)
				}
				if ct := part.Header.Get("Content-Type"); ct != "audio/wav" {
					t.Errorf("expected audio/wav part, got %q", ct)
				}
			}
		}
		// fields are written in key order, then files
		want := []string{"beam_size", "model", "audio"}
		if len(names) != len(want) {
			t.Fatalf("parts = %v, want %v", names, want)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("parts = %v, want %v", names, want)
				break
			}
		}
	}))
	defer srv.Close()

	file, err := AudioFile("audio", wav)
	if err != nil {
		t.Fatalf("AudioFile: %v", err)
	}
	c, _ := New(Config{BaseURL: srv.URL})
	_, err = c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/transcribe",
		Body: &MultipartBody{
			Fields: map[string]string{"model": "small", "beam_size": "1"},
			Files:  []FileField{file},
		},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestAudioFile_Missing(t *testing.T) {
	if _, err := AudioFile("audio", "/nonexistent.wav"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestClient_DoStream_SSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"delta\":\"Acta\"}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL})
	stream, err := c.DoStream(context.Background(), Request{Method: http.MethodPost, Path: "/"})
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	defer stream.Close()
	if stream.SSE == nil {
		t.Fatal("expected SSE reader")
	}
	ev, err := stream.SSE.Next()
	if err != nil || ev.Data != `{"delta":"Acta"}` {
		t.Fatalf("unexpected event %+v err=%v", ev, err)
	}
}

func TestClient_DoStream_NDJSONAndError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte("{\"response\":\"a\"}\n"))
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL})
	stream, err := c.DoStream(context.Background(), Request{Method: http.MethodPost, Path: "/api/generate"})
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if stream.Body == nil || stream.SSE != nil {
		t.Error("expected raw body for ndjson")
	}
	_ = stream.Close()

	if _, err := c.DoStream(context.Background(), Request{Method: http.MethodPost, Path: "/fail"}); !IsAuth(err) {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	cfg.TLS = &TLSConfig{CertFile: "client.pem"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for cert without key")
	}
	if _, err := New(Config{TLS: &TLSConfig{CAFile: "/nonexistent/ca.pem"}}); err == nil {
		t.Error("expected error for unreadable CA file")
	}
}

func TestClassifyStatusCode_TruncatesBody(t *testing.T) {
	body := make([]byte, 500)
	for i := range body {
		body[i] = 'x'
	}
	err := ClassifyStatusCode(500, body)
	if len(err.Message) > 260 {
		t.Errorf("message not truncated: %d chars", len(err.Message))
	}
	if ClassifyStatusCode(204, nil) != nil {
		t.Error("2xx should classify as nil")
	}
	if got := ErrCodeCircuitOpen.String(); got != "circuit_open" {
		t.Errorf("unexpected code name %q", got)
	}
}
