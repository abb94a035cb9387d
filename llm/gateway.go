package llm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kbukum/minutes/audit"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/httpclient"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/resilience"
)

// BaseSystemPrompt opens the system channel of every call.
const BaseSystemPrompt = "You are an assistant specialized in drafting municipal council minutes. " +
	"Produce formal, structured and precise content based on meeting transcripts. " +
	"Keep an official tone and use terminology appropriate for government documents."

// Defaults.
const (
	DefaultMaxRetries    = 2
	DefaultRetryBackoff  = 500 * time.Millisecond
	// DefaultMaxConcurrent matches the minutes fan-out so sections that
	// share a provider are not queued behind the bulkhead.
	DefaultMaxConcurrent = 8

	// clientTimeout caps a pooled client; each attempt is bounded by the
	// provider timeout through its context.
	clientTimeout = 30 * time.Minute
)

// Gateway dispatches prompts to providers. It keeps one pooled HTTP client
// and one bulkhead per provider id and is safe for concurrent use.
type Gateway struct {
	mu        sync.Mutex
	clients   map[string]*httpclient.Client
	bulkheads map[string]*resilience.Bulkhead

	maxRetries    int
	backoff       time.Duration
	maxConcurrent int
	basePrompt    string
	log           *logger.Logger
	rec           observability.Recorder
	clock         func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *logger.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithRecorder reports call metrics to rec.
func WithRecorder(rec observability.Recorder) Option {
	return func(g *Gateway) { g.rec = rec }
}

// WithMaxRetries sets how many times a retryable failure is retried.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) { g.maxRetries = max(n, 0) }
}

// WithRetryBackoff sets the delay before the first retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(g *Gateway) { g.backoff = d }
}

// WithMaxConcurrent bounds in-flight calls per provider id. Values below
// one keep the default.
func WithMaxConcurrent(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxConcurrent = n
		}
	}
}

// WithBaseSystemPrompt replaces BaseSystemPrompt.
func WithBaseSystemPrompt(p string) Option {
	return func(g *Gateway) { g.basePrompt = p }
}

// WithClock sets the clock used for audit timestamps.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// NewGateway creates a gateway.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		clients:       make(map[string]*httpclient.Client),
		bulkheads:     make(map[string]*resilience.Bulkhead),
		maxRetries:    DefaultMaxRetries,
		backoff:       DefaultRetryBackoff,
		maxConcurrent: DefaultMaxConcurrent,
		basePrompt:    BaseSystemPrompt,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.GetGlobalLogger()
	}
	g.log = g.log.WithComponent("llm")
	g.rec = observability.OrNop(g.rec)
	return g
}

// Invoke sends prompt to the provider described by cfg. On failure the
// error is a PROVIDER_ERROR (or INPUT_ERROR for a bad config) and the
// returned Response, when non-nil, still carries the attempts and audit
// entry.
func (g *Gateway) Invoke(ctx context.Context, cfg ProviderConfig, prompt string, req Request) (*Response, error) {
	return g.invoke(ctx, cfg, prompt, req, g.attempts(cfg))
}

// MaxConcurrent is the per-provider limit on in-flight calls.
func (g *Gateway) MaxConcurrent() int { return g.maxConcurrent }

// attempts is 1 + the retry budget; the provider's own budget wins over
// the gateway default.
func (g *Gateway) attempts(cfg ProviderConfig) int {
	if cfg.MaxRetries != nil {
		return max(*cfg.MaxRetries, 0) + 1
	}
	return g.maxRetries + 1
}

// SystemPrompt returns the system channel for cfg and a section prompt:
// the base prompt, the provider's global prompt and the section prompt.
func (g *Gateway) SystemPrompt(cfg ProviderConfig, section string) string {
	parts := []string{g.basePrompt}
	if p := strings.TrimSpace(cfg.GlobalSystemPrompt); p != "" {
		parts = append(parts, "Additional instructions: "+p)
	}
	if p := strings.TrimSpace(section); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, "\n\n")
}

type completion struct {
	resp *CompletionResponse
	raw  json.RawMessage
}

func (g *Gateway) invoke(ctx context.Context, cfg ProviderConfig, prompt string, req Request, maxAttempts int) (resp *Response, err error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := GetDialect(cfg.Kind)
	if err != nil {
		return nil, errors.InputError("kind", err.Error())
	}
	client, bulkhead, err := g.pool(cfg)
	if err != nil {
		return nil, errors.Provider(cfg.ID, false, err)
	}

	system := g.SystemPrompt(cfg, req.SystemPrompt)
	user := userMessage(prompt, req.Context)
	creq := CompletionRequest{
		Model:        cfg.Model,
		SystemPrompt: system,
		Messages:     []Message{{Role: "user", Content: user}},
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Extra:        cfg.Extra,
		Stream:       cfg.Extra.Stream,
	}
	call := audit.LLMCall{
		ProviderID:   cfg.ID,
		Kind:         cfg.Kind,
		Model:        cfg.Model,
		SectionOrder: req.SectionOrder,
		Section:      req.Section,
		Parameters:   cfg.Parameters(),
		InputChars:   len(prompt),
	}

	ctx, op := observability.StartOperation(ctx, g.rec, observability.StageLLM)
	defer func() { op.End(ctx, err) }()
	observability.SetSpanAttribute(ctx, observability.AttrProvider, cfg.ID)
	observability.SetSpanAttribute(ctx, observability.AttrKind, cfg.Kind)
	observability.SetSpanAttribute(ctx, observability.AttrModel, cfg.Model)

	log := g.log.WithFields(logger.Fields(logger.FieldProvider, cfg.ID, "kind", cfg.Kind, logger.FieldModel, cfg.Model))
	retry := resilience.RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: g.backoff,
		MaxBackoff:     10 * g.backoff,
		BackoffFactor:  2,
		Jitter:         0.1,
		RetryIf:        errors.IsRetryable,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			log.Warn("provider call failed, retrying", logger.Fields(
				logger.FieldAttempt, attempt, logger.FieldError, err.Error(), "backoff_ms", backoff.Milliseconds()))
		},
	}

	start := time.Now()
	result, attempts, err := resilience.Do(ctx, retry, func(int) (completion, error) {
		return resilience.ExecuteWithResult(ctx, bulkhead, func() (completion, error) {
			return g.send(ctx, client, d, cfg, creq)
		})
	})
	latency := time.Since(start)

	call.Attempts = attempts
	call.LatencyMS = latency.Milliseconds()
	call.Timestamp = g.clock().UTC()
	observability.SetSpanAttribute(ctx, observability.AttrAttempts, attempts)

	if err != nil {
		appErr := providerError(cfg.ID, err)
		call.Error = appErr.Error()
		g.rec.RecordLLMCall(ctx, cfg.ID, cfg.Kind, observability.StatusError, attempts, 0, latency)
		log.Error("provider call failed", logger.Fields(logger.FieldAttempt, attempts, logger.FieldError, appErr.Error()))
		return &Response{Attempts: attempts, LatencyMS: call.LatencyMS, Model: cfg.Model, Audit: call}, appErr
	}

	tokens := result.resp.Usage.TotalTokens
	estimated := tokens <= 0
	if estimated {
		tokens = EstimateTokens(system + user + result.resp.Content)
	}
	model := cfg.Model
	if result.resp.Model != "" {
		model = result.resp.Model
	}
	call.TokensUsed = tokens
	observability.SetSpanAttribute(ctx, observability.AttrTokens, tokens)
	g.rec.RecordLLMCall(ctx, cfg.ID, cfg.Kind, observability.StatusOK, attempts, tokens, latency)
	log.Debug("provider call done", logger.Fields(logger.FieldAttempt, attempts, "tokens", tokens, logger.FieldDuration, call.LatencyMS))

	return &Response{
		Text:            result.resp.Content,
		TokensUsed:      tokens,
		TokensEstimated: estimated,
		LatencyMS:       call.LatencyMS,
		RawResponse:     result.raw,
		Attempts:        attempts,
		Model:           model,
		Audit:           call,
	}, nil
}

// send performs one attempt bounded by the provider timeout.
func (g *Gateway) send(ctx context.Context, client *httpclient.Client, d Dialect, cfg ProviderConfig, creq CompletionRequest) (completion, error) {
	body, err := d.BuildRequest(creq)
	if err != nil {
		return completion{}, errors.Provider(cfg.ID, false, fmt.Errorf("build request: %w", err))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	hreq := httpclient.Request{
		Method:  http.MethodPost,
		Path:    strings.TrimRight(cfg.Endpoint, "/") + d.ChatPath(cfg.Model, creq.Stream),
		Headers: d.Headers(),
		Body:    body,
		Auth:    d.Auth(cfg.APIKey),
	}

	if creq.Stream {
		sresp, err := client.DoStream(attemptCtx, hreq)
		if err != nil {
			return completion{}, providerError(cfg.ID, err)
		}
		text, chunks, err := readStream(d, sresp)
		if err != nil {
			return completion{}, errors.Provider(cfg.ID, true, fmt.Errorf("read stream: %w", err))
		}
		raw, _ := json.Marshal(map[string]any{"streamed": true, "chunks": chunks})
		return completion{resp: &CompletionResponse{Content: text, Model: cfg.Model}, raw: raw}, nil
	}

	hresp, err := client.Do(attemptCtx, hreq)
	if err != nil {
		return completion{}, providerError(cfg.ID, err)
	}
	parsed, err := d.ParseResponse(hresp.Body)
	if err != nil {
		return completion{}, errors.Provider(cfg.ID, false, fmt.Errorf("parse response: %w", err))
	}
	raw := json.RawMessage(hresp.Body)
	if !json.Valid(raw) {
		raw, _ = json.Marshal(string(hresp.Body))
	}
	return completion{resp: parsed, raw: raw}, nil
}

// pool returns the client and bulkhead of cfg.ID, creating them once.
func (g *Gateway) pool(cfg ProviderConfig) (*httpclient.Client, *resilience.Bulkhead, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[cfg.ID]; ok {
		return c, g.bulkheads[cfg.ID], nil
	}
	c, err := httpclient.New(httpclient.Config{Name: "llm-" + cfg.ID, Timeout: clientTimeout})
	if err != nil {
		return nil, nil, err
	}
	b := resilience.NewBulkhead(resilience.BulkheadConfig{
		Name:          "llm-" + cfg.ID,
		MaxConcurrent: g.maxConcurrent,
		MaxWait:       resilience.WaitForever,
	})
	g.clients[cfg.ID] = c
	g.bulkheads[cfg.ID] = b
	return c, b, nil
}

// providerError maps transport failures to PROVIDER_ERROR, keeping the
// retryable classification of the HTTP layer.
func providerError(id string, err error) *errors.AppError {
	if appErr, ok := errors.AsAppError(err); ok {
		return appErr
	}
	var httpErr *httpclient.Error
	if stderrors.As(err, &httpErr) {
		appErr := errors.Provider(id, httpErr.Retryable, err).WithDetail("kind", httpErr.Code.String())
		if httpErr.StatusCode > 0 {
			appErr = appErr.WithDetail("status", httpErr.StatusCode)
		}
		if httpclient.IsAuth(err) {
			appErr.Message = fmt.Sprintf("LLM provider %s rejected the credentials", id)
		}
		return appErr
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Provider(id, false, err)
	}
	return errors.Provider(id, stderrors.Is(err, context.DeadlineExceeded), err)
}

func userMessage(prompt string, ctx map[string]any) string {
	if len(ctx) == 0 {
		return prompt
	}
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return prompt
	}
	return prompt + "\n\nAdditional context:\n" + string(data)
}

// EstimateTokens approximates a token count as one token per four
// characters, rounded up.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
