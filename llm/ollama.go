package llm

import (
	"encoding/json"

	"github.com/kbukum/minutes/httpclient"
)

// ollamaDialect speaks Ollama's native /api/chat.
type ollamaDialect struct{}

func (ollamaDialect) Name() string { return KindOllama }

func (ollamaDialect) ChatPath(string, bool) string { return "/api/chat" }

func (ollamaDialect) Auth(apiKey string) *httpclient.AuthConfig {
	return httpclient.BearerAuth(apiKey)
}

func (ollamaDialect) Headers() map[string]string { return nil }

type ollamaOptions struct {
	Temperature      float64  `json:"temperature"`
	NumPredict       int      `json:"num_predict,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

func (ollamaDialect) BuildRequest(req CompletionRequest) (any, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.Messages...)
	return ollamaChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   req.Stream,
		Options: ollamaOptions{
			Temperature:      req.Temperature,
			NumPredict:       req.MaxTokens,
			TopP:             req.Extra.TopP,
			FrequencyPenalty: req.Extra.FrequencyPenalty,
			PresencePenalty:  req.Extra.PresencePenalty,
			Stop:             req.Extra.Stop,
		},
	}, nil
}

func (ollamaDialect) ParseResponse(body []byte) (*CompletionResponse, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &CompletionResponse{
		Content: resp.Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

func (ollamaDialect) StreamFormat() StreamFormat { return StreamNDJSON }

func (ollamaDialect) ParseStreamChunk(data []byte) (string, bool, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, err
	}
	return resp.Message.Content, resp.Done, nil
}
