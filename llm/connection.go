package llm

import (
	"context"
)

// ProbePrompt is sent by TestConnection.
const ProbePrompt = "Reply briefly: what is the capital of Ecuador?"

// ConnectionResult is the outcome of TestConnection.
type ConnectionResult struct {
	Success    bool   `json:"success"`
	Response   string `json:"response,omitempty"`
	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used"`
	LatencyMS  int64  `json:"latency_ms"`
	Message    string `json:"message"`
}

// TestConnection sends ProbePrompt once, without retries, and reports
// whether the provider answered.
func (g *Gateway) TestConnection(ctx context.Context, cfg ProviderConfig) ConnectionResult {
	resp, err := g.invoke(ctx, cfg, ProbePrompt, Request{Context: map[string]any{"probe": "configuration"}}, 1)
	if err != nil {
		res := ConnectionResult{Message: err.Error()}
		if resp != nil {
			res.LatencyMS = resp.LatencyMS
		}
		return res
	}
	return ConnectionResult{
		Success:    true,
		Response:   resp.Text,
		Model:      resp.Model,
		TokensUsed: resp.TokensUsed,
		LatencyMS:  resp.LatencyMS,
		Message:    "connection successful",
	}
}
