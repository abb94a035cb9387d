package llm

import (
	"encoding/json"
	"fmt"

	"github.com/kbukum/minutes/httpclient"
	"github.com/kbukum/minutes/httpclient/sse"
)

// openAIDialect speaks the chat completions API shared by OpenAI,
// DeepSeek, Groq, LM Studio and generic compatible servers.
type openAIDialect struct{}

func (openAIDialect) Name() string { return "openai" }

func (openAIDialect) ChatPath(string, bool) string { return "/chat/completions" }

func (openAIDialect) Auth(apiKey string) *httpclient.AuthConfig {
	return httpclient.BearerAuth(apiKey)
}

func (openAIDialect) Headers() map[string]string { return nil }

type openAIRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (openAIDialect) BuildRequest(req CompletionRequest) (any, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.Messages...)
	return openAIRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.Extra.TopP,
		FrequencyPenalty: req.Extra.FrequencyPenalty,
		PresencePenalty:  req.Extra.PresencePenalty,
		Stop:             req.Extra.Stop,
		Stream:           req.Stream,
	}, nil
}

func (openAIDialect) ParseResponse(body []byte) (*CompletionResponse, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	out := &CompletionResponse{Content: resp.Choices[0].Message.Content, Model: resp.Model}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	}
	return out, nil
}

func (openAIDialect) StreamFormat() StreamFormat { return StreamSSE }

func (openAIDialect) ParseStreamChunk(data []byte) (string, bool, error) {
	if string(data) == sse.DoneMarker {
		return "", true, nil
	}
	var resp openAIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, err
	}
	if len(resp.Choices) == 0 {
		return "", false, nil
	}
	return resp.Choices[0].Delta.Content, false, nil
}
