// Package pyannote is a diarization backend on a pyannote.audio HTTP
// sidecar.
package pyannote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kbukum/minutes/diarization"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/httpclient"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/provider"
)

const (
	defaultURL         = "http://localhost:8388"
	defaultTimeout     = 30 * time.Minute
	defaultLoadTimeout = 10 * time.Minute
)

// Config configures the sidecar client.
type Config struct {
	URL         string        `mapstructure:"url" json:"url"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	LoadTimeout time.Duration `mapstructure:"load_timeout" json:"load_timeout"`
}

// Backend implements diarization.Backend.
type Backend struct {
	cfg    Config
	client *httpclient.Client
	log    *logger.Logger
}

// NewBackend creates a sidecar backend.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	client, err := httpclient.New(httpclient.Config{
		Name:    diarization.BackendPyannote,
		BaseURL: cfg.URL,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Backend{
		cfg:    cfg,
		client: client,
		log:    logger.GetGlobalLogger().WithComponent("pyannote"),
	}, nil
}

// Factory builds backends from a config map.
func Factory() provider.Factory[diarization.Backend] {
	return func(cfg map[string]any) (diarization.Backend, error) {
		return NewBackend(Config{URL: provider.String(cfg, "url", "")})
	}
}

// Name returns "pyannote".
func (b *Backend) Name() string { return diarization.BackendPyannote }

// IsAvailable pings the sidecar.
func (b *Backend) IsAvailable(ctx context.Context) bool {
	return b.client.Ping(ctx, "/health")
}

type loadRequest struct {
	Pipeline  string `json:"pipeline"`
	Device    string `json:"device"`
	AuthToken string `json:"auth_token,omitempty"`
}

type loadResponse struct {
	Pipeline          string `json:"pipeline"`
	Device            string `json:"device"`
	SupportsThreshold bool   `json:"supports_threshold"`
}

// LoadPipeline asks the sidecar to instantiate key.Pipeline. A gated
// pipeline without a valid token fails with 401 or 403.
func (b *Backend) LoadPipeline(ctx context.Context, key diarization.PipelineKey, token string) (diarization.Pipeline, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.LoadTimeout)
	defer cancel()

	var out loadResponse
	if _, err := b.client.DoJSON(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/pipelines/load",
		Body:   loadRequest{Pipeline: key.Pipeline, Device: key.Device, AuthToken: token},
	}, &out); err != nil {
		if httpclient.IsAuth(err) {
			err = fmt.Errorf("pipeline %s requires a valid access token: %w", key.Pipeline, err)
		}
		return nil, errors.ModelLoad(key.Pipeline, key.Device, err)
	}
	info := diarization.PipelineInfo{
		Name:              out.Pipeline,
		Device:            out.Device,
		SupportsThreshold: out.SupportsThreshold,
	}
	if info.Name == "" {
		info.Name = key.Pipeline
	}
	if info.Device == "" {
		info.Device = key.Device
	}
	b.log.Info("pipeline loaded", logger.Fields("pipeline", info.Name, logger.FieldDevice, info.Device))
	return &pipeline{backend: b, info: info}, nil
}

type pipeline struct {
	backend *Backend
	info    diarization.PipelineInfo
}

func (p *pipeline) Info() diarization.PipelineInfo { return p.info }

type diarizeResponse struct {
	Segments []diarization.Turn `json:"segments"`
}

func (p *pipeline) Diarize(ctx context.Context, path string, params diarization.InferenceParams) ([]diarization.Turn, error) {
	audio, err := httpclient.AudioFile("audio", path)
	if err != nil {
		return nil, errors.InputError("path", err.Error())
	}
	fields := map[string]string{
		"pipeline": p.info.Name,
		"device":   p.info.Device,
	}
	if params.MinSpeakers > 0 {
		fields["min_speakers"] = strconv.Itoa(params.MinSpeakers)
	}
	if params.MaxSpeakers > 0 {
		fields["max_speakers"] = strconv.Itoa(params.MaxSpeakers)
	}
	if params.ClusteringThreshold != nil {
		fields["clustering_threshold"] = strconv.FormatFloat(*params.ClusteringThreshold, 'f', -1, 64)
	}

	var out diarizeResponse
	if _, err := p.backend.client.DoJSON(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/diarize",
		Body:   &httpclient.MultipartBody{Fields: fields, Files: []httpclient.FileField{audio}},
	}, &out); err != nil {
		return nil, fmt.Errorf("pyannote: %w", err)
	}
	return out.Segments, nil
}

func (p *pipeline) Close(ctx context.Context) error {
	_, err := p.backend.client.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/pipelines/release",
		Body:   map[string]string{"pipeline": p.info.Name, "device": p.info.Device},
	})
	return err
}

var _ diarization.Backend = (*Backend)(nil)
