package llm

import (
	"testing"
	"time"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/errors"
)

func TestLoadProviderDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	env := config.ReadEnv()

	cfg := LoadProviderDefaults(env, "OpenAI")
	if cfg.Kind != KindOpenAI || cfg.APIKey != "sk-env" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Endpoint != defaultEndpoints[KindOpenAI] || cfg.Model == "" || cfg.Timeout != DefaultTimeout {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestNewCatalog_CallerOverridesWin(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "ds-env")
	env := config.ReadEnv()

	cat, err := NewCatalog(env,
		ProviderConfig{ID: "ds", Kind: KindDeepSeek, Model: "deepseek-reasoner", Temperature: 0.1},
		ProviderConfig{ID: "ds-own-key", Kind: KindDeepSeek, APIKey: "caller-key"},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	ds, _ := cat.Get("")
	if ds.ID != "ds" || ds.APIKey != "ds-env" || ds.Model != "deepseek-reasoner" || ds.Temperature != 0.1 {
		t.Errorf("default provider = %+v", ds)
	}
	own, _ := cat.Get("ds-own-key")
	if own.APIKey != "caller-key" || own.Model != defaultModels[KindDeepSeek] {
		t.Errorf("ds-own-key = %+v", own)
	}
	if _, err := cat.Get("nope"); errors.CodeOf(err) != errors.ErrCodeNotFound {
		t.Errorf("unknown id code = %v", errors.CodeOf(err))
	}
	if ids := cat.IDs(); len(ids) != 2 || ids[0] != "ds" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestNewCatalog_MissingKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewCatalog(config.ReadEnv(), ProviderConfig{ID: "claude", Kind: KindAnthropic})
	if errors.CodeOf(err) != errors.ErrCodeInput {
		t.Errorf("code = %v, want INPUT_ERROR", errors.CodeOf(err))
	}
}

func TestWithOverrides(t *testing.T) {
	base := ProviderConfig{ID: "p", Kind: KindOpenAI, Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 1000}

	got, err := base.WithOverrides(map[string]any{
		"model":       "gpt-4o",
		"temperature": 0,
		"max_tokens":  float64(300),
		"top_p":       0.5,
		"stop":        []any{"FIN"},
		"timeout":     "90s",
	})
	if err != nil {
		t.Fatalf("WithOverrides: %v", err)
	}
	if got.Model != "gpt-4o" || got.Temperature != 0 || got.MaxTokens != 300 || got.Timeout != 90*time.Second {
		t.Errorf("got = %+v", got)
	}
	if got.Extra.TopP == nil || *got.Extra.TopP != 0.5 || len(got.Extra.Stop) != 1 {
		t.Errorf("extra = %+v", got.Extra)
	}
	if base.Model != "gpt-4o-mini" {
		t.Error("base config must not change")
	}

	for _, bad := range []map[string]any{
		{"seed": 1},
		{"temperature": "hot"},
		{"stop": []any{1}},
	} {
		if _, err := base.WithOverrides(bad); errors.CodeOf(err) != errors.ErrCodeInput {
			t.Errorf("WithOverrides(%v) code = %v, want INPUT_ERROR", bad, errors.CodeOf(err))
		}
	}
}

func TestAvailableKinds(t *testing.T) {
	for _, kind := range Kinds {
		t.Setenv(config.APIKeyVar(kind), "")
	}
	t.Setenv("GROQ_API_KEY", "g")

	got := AvailableKinds(config.ReadEnv())
	want := []string{KindGroq, KindOllama, KindLMStudio}
	if len(got) != len(want) {
		t.Fatalf("AvailableKinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AvailableKinds()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDialects_AllKindsRegistered(t *testing.T) {
	for _, kind := range Kinds {
		if _, err := GetDialect(kind); err != nil {
			t.Errorf("GetDialect(%q): %v", kind, err)
		}
	}
	if _, err := GetDialect("mistral"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
