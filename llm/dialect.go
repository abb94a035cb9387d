package llm

import (
	"fmt"
	"slices"
	"sync"

	"github.com/kbukum/minutes/httpclient"
)

// StreamFormat indicates how a provider delivers streaming responses.
type StreamFormat int

const (
	// StreamNDJSON uses newline-delimited JSON (Ollama).
	StreamNDJSON StreamFormat = iota
	// StreamSSE uses Server-Sent Events (OpenAI-compatible, Anthropic, Gemini).
	StreamSSE
)

// Dialect maps the provider-neutral request and response to one provider's
// HTTP API.
type Dialect interface {
	// Name returns the dialect identifier.
	Name() string

	// ChatPath returns the path, relative to the endpoint, of the
	// completion call. It may carry a query string.
	ChatPath(model string, stream bool) string

	// Auth returns how apiKey is sent. Nil sends no credentials.
	Auth(apiKey string) *httpclient.AuthConfig

	// Headers returns fixed headers the provider requires.
	Headers() map[string]string

	// BuildRequest maps a CompletionRequest to the provider's JSON body.
	BuildRequest(req CompletionRequest) (any, error)

	// ParseResponse maps the provider's JSON body to a CompletionResponse.
	ParseResponse(body []byte) (*CompletionResponse, error)

	StreamFormat() StreamFormat

	// ParseStreamChunk extracts the text of one streamed event and whether
	// the stream is complete.
	ParseStreamChunk(data []byte) (content string, done bool, err error)
}

var (
	dialectsMu sync.RWMutex
	dialects   = map[string]Dialect{}
)

func init() {
	compat := &openAIDialect{}
	for _, kind := range []string{KindOpenAI, KindDeepSeek, KindGroq, KindLMStudio, KindGeneric} {
		RegisterDialect(kind, compat)
	}
	RegisterDialect(KindAnthropic, &anthropicDialect{})
	RegisterDialect(KindGoogle, &googleDialect{})
	RegisterDialect(KindOllama, &ollamaDialect{})
}

// RegisterDialect maps a provider kind to d, replacing any previous one.
func RegisterDialect(kind string, d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[kind] = d
}

// GetDialect returns the dialect registered for kind.
func GetDialect(kind string) (Dialect, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	d, ok := dialects[kind]
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider kind %q", kind)
	}
	return d, nil
}

// Dialects returns the registered kinds, sorted.
func Dialects() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
