package llm

import (
	"encoding/json"
	"strings"

	"github.com/kbukum/minutes/httpclient"
)

const (
	anthropicVersion = "2023-06-01"
	// anthropicDefaultMaxTokens is sent when the config leaves max_tokens
	// unset; the Messages API requires it.
	anthropicDefaultMaxTokens = 1024
)

// anthropicDialect speaks the Messages API. Frequency and presence
// penalties have no equivalent there and are not sent.
type anthropicDialect struct{}

func (anthropicDialect) Name() string { return KindAnthropic }

func (anthropicDialect) ChatPath(string, bool) string { return "/messages" }

func (anthropicDialect) Auth(apiKey string) *httpclient.AuthConfig {
	return httpclient.APIKeyAuthHeader(apiKey, "x-api-key")
}

func (anthropicDialect) Headers() map[string]string {
	return map[string]string{"anthropic-version": anthropicVersion}
}

type anthropicRequest struct {
	Model         string    `json:"model"`
	System        string    `json:"system,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   float64   `json:"temperature"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Type    string `json:"type"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (anthropicDialect) BuildRequest(req CompletionRequest) (any, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return anthropicRequest{
		Model:         req.Model,
		System:        req.SystemPrompt,
		Messages:      req.Messages,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.Extra.TopP,
		StopSequences: req.Extra.Stop,
		Stream:        req.Stream,
	}, nil
}

func (anthropicDialect) ParseResponse(body []byte) (*CompletionResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &CompletionResponse{
		Content: text.String(),
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (anthropicDialect) StreamFormat() StreamFormat { return StreamSSE }

func (anthropicDialect) ParseStreamChunk(data []byte) (string, bool, error) {
	var ev anthropicResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", false, err
	}
	switch ev.Type {
	case "content_block_delta":
		return ev.Delta.Text, false, nil
	case "message_stop":
		return "", true, nil
	}
	return "", false, nil
}
