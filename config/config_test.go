package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

type stageConfig struct {
	ModelDefault string        `mapstructure:"model_default"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type testConfig struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`
	ASR           stageConfig `mapstructure:"asr"`
}

func TestServiceConfigDefaults(t *testing.T) {
	var cfg ServiceConfig
	cfg.ApplyDefaults()
	if cfg.Name != "minutes" || cfg.Environment != "development" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestServiceConfigValidate(t *testing.T) {
	cfg := ServiceConfig{Environment: "qa"}
	cfg.Logging.ApplyDefaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "config.environment") {
		t.Fatalf("expected environment error, got %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := `
name: council
environment: staging
asr:
  model_default: small
  timeout: 90s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var cfg testConfig
	if err := Load(&cfg, WithConfigFile(path)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "council" || cfg.Environment != "staging" {
		t.Errorf("unexpected service config: %+v", cfg.ServiceConfig)
	}
	if cfg.ASR.ModelDefault != "small" || cfg.ASR.Timeout != 90*time.Second {
		t.Errorf("unexpected asr config: %+v", cfg.ASR)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte("asr:\n  model_default: small\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ASR_MODEL_DEFAULT", "large-v3")

	var cfg testConfig
	if err := Load(&cfg, WithConfigFile(path)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ASR.ModelDefault != "large-v3" {
		t.Errorf("expected env override, got %q", cfg.ASR.ModelDefault)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg testConfig
	if err := Load(&cfg, WithConfigFile("/nonexistent/config.yml")); err != nil {
		t.Fatalf("expected success with missing file, got %v", err)
	}
}

func TestLeafKeys(t *testing.T) {
	keys := LeafKeys(&testConfig{})
	for _, want := range []string{"name", "environment", "logging.level", "asr.model_default", "asr.timeout"} {
		if !slices.Contains(keys, want) {
			t.Errorf("expected key %q in %v", want, keys)
		}
	}
}

type mockFS struct {
	files  map[string]bool
	loaded []string
}

func (m *mockFS) Exists(path string) bool { return m.files[path] }
func (m *mockFS) LoadEnv(path string) error {
	m.loaded = append(m.loaded, path)
	return nil
}

func TestResolveSearchPaths(t *testing.T) {
	fs := &mockFS{files: map[string]bool{
		"./config/config.yml": true,
		"./.env":              true,
	}}
	files := Resolve(LoaderConfig{FileSystem: fs})
	if files.ConfigFile != "./config/config.yml" {
		t.Errorf("unexpected config file %q", files.ConfigFile)
	}
	if files.EnvFile != "./.env" {
		t.Errorf("unexpected env file %q", files.EnvFile)
	}
}

func TestResolveExplicitPaths(t *testing.T) {
	fs := &mockFS{files: map[string]bool{"./config.yml": true}}
	files := Resolve(LoaderConfig{FileSystem: fs, ConfigFile: "/etc/minutes.yml", EnvFile: "/etc/minutes.env"})
	if files.ConfigFile != "/etc/minutes.yml" || files.EnvFile != "/etc/minutes.env" {
		t.Errorf("explicit paths should win: %+v", files)
	}
}

func TestReadEnv(t *testing.T) {
	t.Setenv(EnvASRModelDefault, "medium")
	t.Setenv(EnvUseFasterASRBackend, "false")
	t.Setenv(EnvNumThreads, "4")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	env := ReadEnv()
	if env.ASRModelDefault != "medium" {
		t.Errorf("expected medium, got %q", env.ASRModelDefault)
	}
	if env.UseFasterASRBackend {
		t.Error("expected classic backend")
	}
	if env.NumThreads != 4 {
		t.Errorf("expected 4 threads, got %d", env.NumThreads)
	}
	if env.DiarizerPipelineDefault != "pyannote/speaker-diarization-3.1" {
		t.Errorf("unexpected diarizer default %q", env.DiarizerPipelineDefault)
	}
	if got := env.ProviderAPIKey("anthropic"); got != "sk-ant" {
		t.Errorf("expected anthropic key, got %q", got)
	}
	if got := env.ProviderAPIKey("groq"); got != "" {
		t.Errorf("expected empty groq key, got %q", got)
	}
}
