// Package whisper talks to a whisper inference sidecar over HTTP. The same
// sidecar protocol serves both the faster (CTranslate2) and classic
// (PyTorch) runtimes; the variant picks the runtime and its decoding knobs.
package whisper

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/httpclient"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/provider"
	"github.com/kbukum/minutes/transcription"
)

const (
	defaultURL         = "http://localhost:8387"
	defaultTimeout     = 30 * time.Minute
	defaultLoadTimeout = 10 * time.Minute
	defaultBatchSize   = 8
)

// Config configures a sidecar backend.
type Config struct {
	URL string `mapstructure:"url" json:"url"`
	// Variant is transcription.BackendFaster or transcription.BackendClassic.
	Variant string `mapstructure:"variant" json:"variant"`
	// ComputeType overrides the per-device default.
	ComputeType string        `mapstructure:"compute_type" json:"compute_type,omitempty"`
	NumThreads  int           `mapstructure:"num_threads" json:"num_threads"`
	BatchSize   int           `mapstructure:"batch_size" json:"batch_size"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	LoadTimeout time.Duration `mapstructure:"load_timeout" json:"load_timeout"`
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = defaultURL
	}
	if c.Variant == "" {
		c.Variant = transcription.BackendFaster
	}
	if c.NumThreads <= 0 {
		c.NumThreads = config.ReadEnv().NumThreads
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = defaultLoadTimeout
	}
}

// computeType returns the precision used on device.
func (c *Config) computeType(device string) string {
	if c.ComputeType != "" {
		return c.ComputeType
	}
	switch {
	case device == transcription.DeviceCUDA:
		return "float16"
	case c.Variant == transcription.BackendFaster:
		return "int8"
	default:
		return "float32"
	}
}

// Backend is a whisper sidecar.
type Backend struct {
	cfg    Config
	client *httpclient.Client
	log    *logger.Logger
}

// NewBackend creates a backend for cfg.Variant.
func NewBackend(cfg Config) (*Backend, error) {
	cfg.ApplyDefaults()
	if cfg.Variant != transcription.BackendFaster && cfg.Variant != transcription.BackendClassic {
		return nil, errors.InputError("variant", fmt.Sprintf("unsupported whisper variant %q", cfg.Variant))
	}
	client, err := httpclient.New(httpclient.Config{
		Name:    "whisper-" + cfg.Variant,
		BaseURL: cfg.URL,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Backend{
		cfg:    cfg,
		client: client,
		log:    logger.GetGlobalLogger().WithComponent("whisper").WithFields(logger.Fields("variant", cfg.Variant)),
	}, nil
}

// Factory builds backends of variant from a config map.
func Factory(variant string) provider.Factory[transcription.Backend] {
	return func(cfg map[string]any) (transcription.Backend, error) {
		return NewBackend(Config{
			URL:         provider.String(cfg, "url", ""),
			Variant:     variant,
			ComputeType: provider.String(cfg, "compute_type", ""),
			NumThreads:  provider.Int(cfg, "num_threads", 0),
			BatchSize:   provider.Int(cfg, "batch_size", 0),
		})
	}
}

// Register adds the faster and classic factories to reg.
func Register(reg *provider.Registry[transcription.Backend]) {
	reg.RegisterFactory(transcription.BackendFaster, Factory(transcription.BackendFaster))
	reg.RegisterFactory(transcription.BackendClassic, Factory(transcription.BackendClassic))
}

// Name returns the variant.
func (b *Backend) Name() string { return b.cfg.Variant }

// IsAvailable pings the sidecar's health endpoint.
func (b *Backend) IsAvailable(ctx context.Context) bool {
	return b.client.Ping(ctx, "/health")
}

type loadRequest struct {
	Backend     string `json:"backend"`
	Model       string `json:"model"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
	NumThreads  int    `json:"num_threads"`
}

type loadResponse struct {
	Model       string `json:"model"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
	NumThreads  int    `json:"num_threads"`
}

// LoadModel asks the sidecar to load key.Model on key.Device.
func (b *Backend) LoadModel(ctx context.Context, key transcription.ModelKey) (transcription.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.LoadTimeout)
	defer cancel()

	req := loadRequest{
		Backend:     b.cfg.Variant,
		Model:       key.Model,
		Device:      key.Device,
		ComputeType: b.cfg.computeType(key.Device),
		NumThreads:  b.cfg.NumThreads,
	}
	var out loadResponse
	start := time.Now()
	if _, err := b.client.DoJSON(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/models/load",
		Body:   req,
	}, &out); err != nil {
		return nil, errors.ModelLoad(key.Model, key.Device, err)
	}

	m := &model{
		backend: b,
		info: transcription.ModelInfo{
			Name:        firstNonEmpty(out.Model, key.Model),
			Device:      firstNonEmpty(out.Device, key.Device),
			ComputeType: firstNonEmpty(out.ComputeType, req.ComputeType),
			NumThreads:  out.NumThreads,
		},
	}
	if m.info.NumThreads == 0 {
		m.info.NumThreads = req.NumThreads
	}
	b.log.Info("model loaded", logger.Fields(
		logger.FieldModel, m.info.Name,
		logger.FieldDevice, m.info.Device,
		"compute_type", m.info.ComputeType,
		logger.FieldDuration, time.Since(start).Milliseconds(),
	))
	return m, nil
}

type model struct {
	backend *Backend
	info    transcription.ModelInfo
}

func (m *model) Info() transcription.ModelInfo { return m.info }

// fields builds the form fields and the audit copy of what was sent.
func (m *model) fields(p transcription.InferenceParams) (map[string]string, map[string]any) {
	sent := map[string]any{
		"model":                      m.info.Name,
		"temperature":                p.Temperature,
		"word_timestamps":            p.WordTimestamps,
		"beam_size":                  p.BeamSize,
		"best_of":                    p.BestOf,
		"condition_on_previous_text": p.ConditionOnPreviousText,
		"no_speech_threshold":        p.NoSpeechThreshold,
		"num_threads":                m.info.NumThreads,
	}
	if p.Language != "" {
		sent["language"] = p.Language
	}
	if p.InitialPrompt != "" {
		sent["initial_prompt"] = p.InitialPrompt
	}
	if m.backend.cfg.Variant == transcription.BackendFaster {
		sent["vad_filter"] = p.VADFilter
		sent["batch_size"] = m.backend.cfg.BatchSize
		sent["compute_type"] = m.info.ComputeType
	}

	form := make(map[string]string, len(sent))
	for k, v := range sent {
		switch x := v.(type) {
		case string:
			form[k] = x
		case bool:
			form[k] = strconv.FormatBool(x)
		case int:
			form[k] = strconv.Itoa(x)
		case float64:
			form[k] = strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	return form, sent
}

type wireWord struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

type wireSegment struct {
	Start        float64    `json:"start"`
	End          float64    `json:"end"`
	Text         string     `json:"text"`
	AvgLogProb   *float64   `json:"avg_logprob"`
	NoSpeechProb *float64   `json:"no_speech_prob"`
	Words        []wireWord `json:"words"`
}

type transcribeResponse struct {
	Text                string        `json:"text"`
	Language            string        `json:"language"`
	LanguageProbability float64       `json:"language_probability"`
	Duration            float64       `json:"duration"`
	Segments            []wireSegment `json:"segments"`
}

// Transcribe uploads the audio and decodes the segments.
func (m *model) Transcribe(ctx context.Context, path string, p transcription.InferenceParams) (*transcription.RawTranscript, error) {
	audio, err := httpclient.AudioFile("audio", path)
	if err != nil {
		return nil, errors.InputError("path", err.Error())
	}
	form, sent := m.fields(p)

	var out transcribeResponse
	if _, err := m.backend.client.DoJSON(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/transcribe",
		Body:   &httpclient.MultipartBody{Fields: form, Files: []httpclient.FileField{audio}},
	}, &out); err != nil {
		return nil, fmt.Errorf("whisper %s: %w", m.backend.cfg.Variant, err)
	}

	raw := &transcription.RawTranscript{
		Language:            out.Language,
		LanguageProbability: out.LanguageProbability,
		Duration:            out.Duration,
		ParamsSent:          sent,
		Segments:            make([]transcription.RawSegment, 0, len(out.Segments)),
	}
	for _, s := range out.Segments {
		seg := transcription.RawSegment{
			Start:        s.Start,
			End:          s.End,
			Text:         s.Text,
			AvgLogProb:   s.AvgLogProb,
			NoSpeechProb: s.NoSpeechProb,
		}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, transcription.Word{
				Start: w.Start, End: w.End, Text: w.Word, Probability: w.Probability,
			})
		}
		raw.Segments = append(raw.Segments, seg)
	}
	return raw, nil
}

// Close releases the model on the sidecar.
func (m *model) Close(ctx context.Context) error {
	_, err := m.backend.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/models/release",
		Body: map[string]string{
			"backend": m.backend.cfg.Variant,
			"model":   m.info.Name,
			"device":  m.info.Device,
		},
	})
	if err != nil {
		return fmt.Errorf("whisper: release %s: %w", m.info.Name, err)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

var _ transcription.Backend = (*Backend)(nil)
