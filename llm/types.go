package llm

import (
	"encoding/json"

	"github.com/kbukum/minutes/audit"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// CompletionRequest is the provider-neutral input handed to a Dialect.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
	Extra        Extra
	Stream       bool
}

// CompletionResponse is the provider-neutral output of a Dialect.
type CompletionResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// Usage reports token consumption. Zero values mean the provider did not
// report them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request carries everything besides the rendered prompt.
type Request struct {
	// SystemPrompt is the section-level system prompt.
	SystemPrompt string
	// Context is appended to the user message as JSON.
	Context map[string]any
	// Section and SectionOrder label the audit entry.
	Section      string
	SectionOrder int
}

// Response is the result of Invoke.
type Response struct {
	Text        string          `json:"text"`
	TokensUsed  int             `json:"tokens_used"`
	LatencyMS   int64           `json:"latency_ms"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	Attempts    int             `json:"attempts"`
	Model       string          `json:"model"`
	// TokensEstimated is true when TokensUsed comes from the length heuristic.
	TokensEstimated bool          `json:"tokens_estimated"`
	Audit           audit.LLMCall `json:"audit"`
}
