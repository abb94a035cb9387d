package llm

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/validation"
)

// Provider kinds.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindDeepSeek  = "deepseek"
	KindGoogle    = "google"
	KindGroq      = "groq"
	KindOllama    = "ollama"
	KindLMStudio  = "lmstudio"
	KindGeneric   = "generic"
)

// Kinds lists every supported kind.
var Kinds = []string{KindOpenAI, KindAnthropic, KindDeepSeek, KindGoogle, KindGroq, KindOllama, KindLMStudio, KindGeneric}

// DefaultTimeout applies when a provider sets none.
const DefaultTimeout = 60 * time.Second

// IsLocal reports whether kind runs on a caller-managed server.
func IsLocal(kind string) bool {
	return kind == KindOllama || kind == KindLMStudio
}

var defaultEndpoints = map[string]string{
	KindOpenAI:    "https://api.openai.com/v1",
	KindAnthropic: "https://api.anthropic.com/v1",
	KindDeepSeek:  "https://api.deepseek.com/v1",
	KindGoogle:    "https://generativelanguage.googleapis.com/v1beta",
	KindGroq:      "https://api.groq.com/openai/v1",
}

var defaultModels = map[string]string{
	KindOpenAI:    "gpt-4o-mini",
	KindAnthropic: "claude-3-5-haiku-latest",
	KindDeepSeek:  "deepseek-chat",
	KindGoogle:    "gemini-1.5-flash",
	KindGroq:      "llama-3.1-8b-instant",
	KindOllama:    "llama3",
}

// Extra holds optional sampling parameters forwarded to the provider.
type Extra struct {
	TopP             *float64 `mapstructure:"top_p" json:"top_p,omitempty"`
	FrequencyPenalty *float64 `mapstructure:"frequency_penalty" json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `mapstructure:"presence_penalty" json:"presence_penalty,omitempty"`
	Stop             []string `mapstructure:"stop" json:"stop,omitempty"`
	Stream           bool     `mapstructure:"stream" json:"stream,omitempty"`
}

// Map returns the parameters that are set, keyed by their wire names.
func (e Extra) Map() map[string]any {
	m := map[string]any{}
	if e.TopP != nil {
		m["top_p"] = *e.TopP
	}
	if e.FrequencyPenalty != nil {
		m["frequency_penalty"] = *e.FrequencyPenalty
	}
	if e.PresencePenalty != nil {
		m["presence_penalty"] = *e.PresencePenalty
	}
	if len(e.Stop) > 0 {
		m["stop"] = e.Stop
	}
	if e.Stream {
		m["stream"] = true
	}
	return m
}

// ProviderConfig describes one configured LLM endpoint.
type ProviderConfig struct {
	ID       string `mapstructure:"id" json:"id" validate:"required"`
	Kind     string `mapstructure:"kind" json:"kind" validate:"required"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	APIKey   string `mapstructure:"api_key" json:"-"`
	Model    string `mapstructure:"model" json:"model"`

	Temperature float64       `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" json:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	Extra       Extra         `mapstructure:"extra" json:"extra"`

	// GlobalSystemPrompt is added to the system channel of every call.
	GlobalSystemPrompt string `mapstructure:"global_system_prompt" json:"global_system_prompt,omitempty"`

	// MaxRetries overrides the gateway retry budget for this provider.
	// Nil uses the gateway default; 0 disables retries.
	MaxRetries *int `mapstructure:"max_retries" json:"max_retries,omitempty"`
}

// ApplyDefaults fills the endpoint, model and timeout for the kind.
func (c *ProviderConfig) ApplyDefaults() {
	c.Kind = strings.ToLower(c.Kind)
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoints[c.Kind]
	}
	if c.Model == "" {
		c.Model = defaultModels[c.Kind]
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate checks the config. Missing credentials and endpoints are
// INPUT_ERROR.
func (c *ProviderConfig) Validate() error {
	if err := validation.Validate(c); err != nil {
		return err
	}
	v := validation.New().
		OneOf("kind", c.Kind, Kinds).
		Required("model", c.Model).
		RangeFloat("temperature", c.Temperature, 0, 2).
		Min("max_tokens", c.MaxTokens, 0)
	if c.MaxRetries != nil {
		v.Min("max_retries", *c.MaxRetries, 0)
	}
	if IsLocal(c.Kind) || c.Kind == KindGeneric {
		v.Required("endpoint", c.Endpoint)
	}
	if !IsLocal(c.Kind) {
		v.Custom(c.APIKey != "", "api_key", fmt.Sprintf("is required for %s providers (set %s)", c.Kind, config.APIKeyVar(c.Kind)))
	}
	if c.Endpoint != "" {
		v.URL("endpoint", c.Endpoint)
	}
	if appErr := v.Validate(); appErr != nil {
		return appErr.WithDetail("provider", c.ID)
	}
	return nil
}

// Parameters lists every generation parameter sent for this config.
func (c *ProviderConfig) Parameters() map[string]any {
	p := c.Extra.Map()
	p["model"] = c.Model
	p["temperature"] = c.Temperature
	if c.MaxTokens > 0 {
		p["max_tokens"] = c.MaxTokens
	}
	p["timeout_ms"] = c.Timeout.Milliseconds()
	if c.MaxRetries != nil {
		p["max_retries"] = *c.MaxRetries
	}
	return p
}

// LoadProviderDefaults returns the environment defaults for kind: the API
// key from {KIND}_API_KEY plus the kind's default endpoint and model.
func LoadProviderDefaults(env *config.Env, kind string) ProviderConfig {
	kind = strings.ToLower(kind)
	cfg := ProviderConfig{ID: kind, Kind: kind}
	if env != nil {
		cfg.APIKey = env.ProviderAPIKey(kind)
	}
	cfg.ApplyDefaults()
	return cfg
}

// MergeDefaults fills every zero field of c from defaults. Caller-provided
// values always win.
func (c ProviderConfig) MergeDefaults(defaults ProviderConfig) ProviderConfig {
	if c.ID == "" {
		c.ID = defaults.ID
	}
	if c.Kind == "" {
		c.Kind = defaults.Kind
	}
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.APIKey == "" {
		c.APIKey = defaults.APIKey
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.Temperature == 0 {
		c.Temperature = defaults.Temperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaults.MaxTokens
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.GlobalSystemPrompt == "" {
		c.GlobalSystemPrompt = defaults.GlobalSystemPrompt
	}
	if c.MaxRetries == nil {
		c.MaxRetries = defaults.MaxRetries
	}
	return c
}

// overrideKeys are the keys accepted by WithOverrides.
var overrideKeys = []string{"model", "temperature", "max_tokens", "timeout", "top_p", "frequency_penalty", "presence_penalty", "stop", "stream"}

// WithOverrides returns a copy of c with per-section parameter overrides
// applied. Unknown keys and mistyped values are INPUT_ERROR.
func (c ProviderConfig) WithOverrides(overrides map[string]any) (ProviderConfig, error) {
	for key, raw := range overrides {
		var ok bool
		switch key {
		case "model":
			c.Model, ok = raw.(string)
		case "temperature":
			c.Temperature, ok = toFloat(raw)
		case "max_tokens":
			var f float64
			f, ok = toFloat(raw)
			c.MaxTokens = int(f)
		case "timeout":
			c.Timeout, ok = toDuration(raw)
		case "top_p":
			c.Extra.TopP, ok = floatPtr(raw)
		case "frequency_penalty":
			c.Extra.FrequencyPenalty, ok = floatPtr(raw)
		case "presence_penalty":
			c.Extra.PresencePenalty, ok = floatPtr(raw)
		case "stop":
			c.Extra.Stop, ok = toStrings(raw)
		case "stream":
			c.Extra.Stream, ok = raw.(bool)
		default:
			return c, errors.InputError("parameter_overrides",
				fmt.Sprintf("unknown parameter %q (allowed: %s)", key, strings.Join(overrideKeys, ", ")))
		}
		if !ok {
			return c, errors.InputError("parameter_overrides", fmt.Sprintf("invalid value for %q: %v", key, raw))
		}
	}
	return c, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func floatPtr(v any) (*float64, bool) {
	f, ok := toFloat(v)
	if !ok {
		return nil, false
	}
	return &f, true
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	}
	if f, ok := toFloat(v); ok {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

func toStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return slices.Clone(s), true
	case string:
		return []string{s}, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}
