// Package googlestt is an ASR backend on Google Cloud Speech-to-Text. It has
// no local model: "loading" resolves the recognition model and the cached
// handle only carries the client.
package googlestt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/provider"
	"github.com/kbukum/minutes/transcription"
)

const (
	defaultLanguage = "es-ES"
	defaultModel    = "latest_long"
)

// Recognizer runs a long-running recognition to completion.
type Recognizer interface {
	Recognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)
	Close() error
}

type clientRecognizer struct {
	client *speech.Client
}

func (r *clientRecognizer) Recognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	op, err := r.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (r *clientRecognizer) Close() error { return r.client.Close() }

// Config configures the backend.
type Config struct {
	// LanguageCode is used when the caller asks for auto-detection.
	LanguageCode string `mapstructure:"language_code" json:"language_code"`
	// Model is the recognition model used when the requested model is a
	// whisper size name.
	Model           string `mapstructure:"model" json:"model"`
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file,omitempty"`
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.LanguageCode == "" {
		c.LanguageCode = defaultLanguage
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
}

// Backend implements transcription.Backend.
type Backend struct {
	cfg Config
	log *logger.Logger

	mu         sync.Mutex
	recognizer Recognizer
}

// NewBackend creates a backend. The Speech client is created lazily on the
// first model load when r is nil.
func NewBackend(cfg Config, r Recognizer) *Backend {
	cfg.ApplyDefaults()
	return &Backend{
		cfg:        cfg,
		recognizer: r,
		log:        logger.GetGlobalLogger().WithComponent("googlestt"),
	}
}

// Factory builds backends from a config map.
func Factory() provider.Factory[transcription.Backend] {
	return func(cfg map[string]any) (transcription.Backend, error) {
		return NewBackend(Config{
			LanguageCode:    provider.String(cfg, "language_code", ""),
			Model:           provider.String(cfg, "model", ""),
			CredentialsFile: provider.String(cfg, "credentials_file", ""),
		}, nil), nil
	}
}

// Name returns transcription.BackendGoogle.
func (b *Backend) Name() string { return transcription.BackendGoogle }

// IsAvailable reports whether credentials are configured.
func (b *Backend) IsAvailable(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recognizer != nil {
		return true
	}
	if b.cfg.CredentialsFile != "" {
		_, err := os.Stat(b.cfg.CredentialsFile)
		return err == nil
	}
	return os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != ""
}

func (b *Backend) client(ctx context.Context) (Recognizer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recognizer != nil {
		return b.recognizer, nil
	}
	var opts []option.ClientOption
	if b.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(b.cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	b.recognizer = &clientRecognizer{client: c}
	return b.recognizer, nil
}

// LoadModel resolves the recognition model. Whisper size names map to the
// configured default model.
func (b *Backend) LoadModel(ctx context.Context, key transcription.ModelKey) (transcription.Model, error) {
	r, err := b.client(ctx)
	if err != nil {
		return nil, errors.ModelLoad(key.Model, key.Device, err)
	}
	name := key.Model
	if transcription.ModelSizeMB(name) > 0 {
		name = b.cfg.Model
	}
	b.log.Debug("recognition model resolved", logger.Fields("requested", key.Model, logger.FieldModel, name))
	return &model{
		recognizer: r,
		language:   b.cfg.LanguageCode,
		info: transcription.ModelInfo{
			Name:   name,
			Device: "remote",
		},
	}, nil
}

type model struct {
	recognizer Recognizer
	language   string
	info       transcription.ModelInfo
}

func (m *model) Info() transcription.ModelInfo { return m.info }

func (m *model) request(content []byte, p transcription.InferenceParams) *speechpb.LongRunningRecognizeRequest {
	lang := p.Language
	if lang == "" {
		lang = m.language
	}
	cfg := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		LanguageCode:               lang,
		Model:                      m.info.Name,
		EnableWordTimeOffsets:      true,
		EnableWordConfidence:       true,
		EnableAutomaticPunctuation: true,
		MaxAlternatives:            1,
	}
	if p.InitialPrompt != "" {
		cfg.SpeechContexts = []*speechpb.SpeechContext{{Phrases: strings.Fields(p.InitialPrompt)}}
	}
	return &speechpb.LongRunningRecognizeRequest{
		Config: cfg,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: content}},
	}
}

// Transcribe sends the audio inline and maps each result to a segment.
func (m *model) Transcribe(ctx context.Context, path string, p transcription.InferenceParams) (*transcription.RawTranscript, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.InputError("path", err.Error())
	}
	req := m.request(content, p)
	resp, err := m.recognizer.Recognize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("google speech: %w", err)
	}

	raw := &transcription.RawTranscript{
		Language: req.Config.LanguageCode,
		ParamsSent: map[string]any{
			"language_code":                req.Config.LanguageCode,
			"model":                        req.Config.Model,
			"encoding":                     req.Config.Encoding.String(),
			"enable_word_time_offsets":     true,
			"enable_word_confidence":       true,
			"enable_automatic_punctuation": true,
		},
	}
	prevEnd := 0.0
	for _, res := range resp.GetResults() {
		if len(res.GetAlternatives()) == 0 {
			continue
		}
		alt := res.GetAlternatives()[0]
		end := res.GetResultEndTime().AsDuration().Seconds()
		seg := transcription.RawSegment{Start: prevEnd, End: end, Text: alt.GetTranscript()}
		if c := alt.GetConfidence(); c > 0 {
			conf := float64(c)
			seg.Confidence = &conf
		}
		for _, w := range alt.GetWords() {
			seg.Words = append(seg.Words, transcription.Word{
				Start:       w.GetStartTime().AsDuration().Seconds(),
				End:         w.GetEndTime().AsDuration().Seconds(),
				Text:        w.GetWord(),
				Probability: float64(w.GetConfidence()),
			})
		}
		if len(seg.Words) > 0 {
			seg.Start = seg.Words[0].Start
		}
		if lc := res.GetLanguageCode(); lc != "" {
			raw.Language = lc
		}
		raw.Segments = append(raw.Segments, seg)
		prevEnd = end
	}
	raw.Duration = prevEnd
	return raw, nil
}

// Close is a no-op; the client is shared across models.
func (m *model) Close(context.Context) error { return nil }

var _ transcription.Backend = (*Backend)(nil)
