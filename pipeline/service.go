package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbukum/minutes/audio"
	"github.com/kbukum/minutes/config"
	"github.com/kbukum/minutes/diarization"
	"github.com/kbukum/minutes/diarization/pyannote"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/fusion"
	"github.com/kbukum/minutes/llm"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/metrics"
	"github.com/kbukum/minutes/minutes"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/storage"
	_ "github.com/kbukum/minutes/storage/s3" // registers the s3 provider
	"github.com/kbukum/minutes/template"
	"github.com/kbukum/minutes/transcription"
	"github.com/kbukum/minutes/transcription/googlestt"
	"github.com/kbukum/minutes/transcription/whisper"
	"github.com/kbukum/minutes/util"
)

// DefaultTemplatesDir is where template files are read from.
const DefaultTemplatesDir = "./templates"

// TemplateSettings configures the template registry.
type TemplateSettings struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

// GatewaySettings tunes the LLM gateway and the minutes fan-out.
type GatewaySettings struct {
	// MaxRetries is nil when unset; an explicit 0 disables retries.
	MaxRetries    *int `mapstructure:"max_retries" json:"max_retries"`
	MaxConcurrent int `mapstructure:"max_concurrent" json:"max_concurrent"`
	MaxFanOut     int `mapstructure:"max_fan_out" json:"max_fan_out"`
}

// Settings is the deployment configuration, loaded with config.Load.
type Settings struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Storage       storage.Config       `mapstructure:"storage" json:"storage"`
	Observability observability.Config `mapstructure:"observability" json:"observability"`
	Templates     TemplateSettings     `mapstructure:"templates" json:"templates"`
	Providers     []llm.ProviderConfig `mapstructure:"providers" json:"providers"`
	Gateway       GatewaySettings      `mapstructure:"gateway" json:"gateway"`

	// ASRBackends and DiarizationBackends hold per-backend settings keyed
	// by backend name, e.g. asr_backends.faster.url.
	ASRBackends         map[string]map[string]any `mapstructure:"asr_backends" json:"asr_backends"`
	DiarizationBackends map[string]map[string]any `mapstructure:"diarization_backends" json:"diarization_backends"`
}

// ApplyDefaults fills in zero-valued fields.
func (s *Settings) ApplyDefaults() {
	s.ServiceConfig.ApplyDefaults()
	s.Storage.ApplyDefaults()
	if s.Observability.ServiceName == "" {
		s.Observability.ServiceName = s.Name
	}
	if s.Observability.ServiceVersion == "" {
		s.Observability.ServiceVersion = s.Version
	}
	if s.Observability.Environment == "" {
		s.Observability.Environment = s.Environment
	}
	s.Observability.ApplyDefaults()
	if s.Templates.Dir == "" {
		s.Templates.Dir = DefaultTemplatesDir
	}
	if s.Gateway.MaxRetries == nil {
		s.Gateway.MaxRetries = util.Ptr(llm.DefaultMaxRetries)
	}
	if s.Gateway.MaxConcurrent <= 0 {
		s.Gateway.MaxConcurrent = llm.DefaultMaxConcurrent
	}
	if s.Gateway.MaxFanOut <= 0 {
		s.Gateway.MaxFanOut = minutes.DefaultMaxFanOut
	}
}

// Validate checks every section.
func (s *Settings) Validate() error {
	var gatewayErr error
	if s.Gateway.MaxRetries != nil && *s.Gateway.MaxRetries < 0 {
		gatewayErr = errors.InputError("gateway.max_retries", "must not be negative")
	}
	return stderrors.Join(
		s.ServiceConfig.Validate(),
		s.Storage.Validate(),
		s.Observability.Validate(),
		gatewayErr,
	)
}

// LoadSettings reads Settings from the given config file and .env file
// (either may be empty) and the environment.
func LoadSettings(configFile, envFile string) (*Settings, error) {
	var opts []config.LoaderOption
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	if envFile != "" {
		opts = append(opts, config.WithEnvFile(envFile))
	}
	s := &Settings{}
	if err := config.Load(s, opts...); err != nil {
		return nil, err
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ServiceOption configures NewService.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	registerer prometheus.Registerer
	logger     *logger.Logger
	env        *config.Env
}

// WithRegisterer registers the Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) ServiceOption {
	return func(o *serviceOptions) { o.registerer = reg }
}

// WithServiceLogger replaces the logger built from the settings.
func WithServiceLogger(l *logger.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// WithEnv replaces the environment snapshot.
func WithEnv(env *config.Env) ServiceOption {
	return func(o *serviceOptions) { o.env = env }
}

// Service wires every stage of the core from Settings.
type Service struct {
	Settings     Settings
	Storage      storage.Storage
	Templates    *template.Registry
	Providers    *llm.Catalog
	Runner       *Runner
	Orchestrator *minutes.Orchestrator
	Metrics      *metrics.Metrics

	engine   *transcription.Engine
	gateway  *llm.Gateway
	log      *logger.Logger
	shutdown func(context.Context) error
}

// NewService builds the storage, template registry, provider catalog,
// stage implementations and orchestrator described by s.
func NewService(ctx context.Context, s Settings, opts ...ServiceOption) (*Service, error) {
	o := &serviceOptions{}
	for _, opt := range opts {
		opt(o)
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, errors.InputError("settings", err.Error()).WithCause(err)
	}
	log := o.logger
	if log == nil {
		log = logger.New(&s.Logging, s.Name)
	}
	env := o.env
	if env == nil {
		env = config.ReadEnv()
	}

	shutdown, err := observability.Init(ctx, &s.Observability)
	if err != nil {
		return nil, fmt.Errorf("pipeline: init observability: %w", err)
	}
	prom := metrics.New(o.registerer)
	var rec observability.Recorder = prom
	if s.Observability.Enabled {
		otelMetrics, err := observability.NewMetrics(observability.Meter())
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("pipeline: init meter: %w", err)
		}
		rec = observability.Multi(prom, otelMetrics)
	}

	store, err := storage.New(ctx, s.Storage, log)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	templates, err := template.LoadRegistry(s.Templates.Dir)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	catalog, err := llm.NewCatalog(env, s.Providers...)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	asrBackends := transcription.NewRegistry()
	whisper.Register(asrBackends)
	asrBackends.RegisterFactory(transcription.BackendGoogle, googlestt.Factory())
	engineOpts := []transcription.Option{
		transcription.WithEnv(env),
		transcription.WithLogger(log),
		transcription.WithRecorder(rec),
	}
	for name, cfg := range s.ASRBackends {
		engineOpts = append(engineOpts, transcription.WithBackendConfig(name, cfg))
	}
	engine := transcription.NewEngine(asrBackends, engineOpts...)

	diarBackends := diarization.NewRegistry()
	diarBackends.RegisterFactory(diarization.BackendPyannote, pyannote.Factory())
	diarOpts := []diarization.Option{
		diarization.WithEnv(env),
		diarization.WithLogger(log),
		diarization.WithRecorder(rec),
	}
	for name, cfg := range s.DiarizationBackends {
		diarOpts = append(diarOpts, diarization.WithBackendConfig(name, cfg))
	}
	diarizer := diarization.NewDiarizer(diarBackends, diarOpts...)

	enhancer := audio.NewEnhancer(
		audio.WithLogger(log),
		audio.WithRecorder(rec),
		audio.WithPublisher(store),
	)

	gatewayOpts := []llm.Option{
		llm.WithLogger(log),
		llm.WithRecorder(rec),
		llm.WithMaxConcurrent(s.Gateway.MaxConcurrent),
	}
	if s.Gateway.MaxRetries != nil {
		gatewayOpts = append(gatewayOpts, llm.WithMaxRetries(*s.Gateway.MaxRetries))
	}
	gateway := llm.NewGateway(gatewayOpts...)

	svc := &Service{
		Settings:  s,
		Storage:   store,
		Templates: templates,
		Providers: catalog,
		Runner: NewRunner(enhancer, engine, diarizer,
			WithLogger(log), WithRecorder(rec), WithPublisher(store)),
		Orchestrator: minutes.NewOrchestrator(gateway, catalog,
			minutes.WithLogger(log), minutes.WithRecorder(rec), minutes.WithMaxFanOut(s.Gateway.MaxFanOut)),
		Metrics:  prom,
		engine:   engine,
		gateway:  gateway,
		log:      log.WithComponent("service"),
		shutdown: shutdown,
	}
	svc.log.Info("service ready", logger.Fields(
		"templates", templates.Len(),
		"providers", catalog.IDs(),
		"storage", s.Storage.Provider,
	))
	return svc, nil
}

// Transcribe runs the transcript pipeline on rawPath.
func (s *Service) Transcribe(ctx context.Context, rawPath string, cfg TranscriptionConfig) (*fusion.Document, error) {
	return s.Runner.Run(ctx, rawPath, cfg)
}

// Transcript loads the stored transcript document of fileID.
func (s *Service) Transcript(ctx context.Context, fileID string) (*fusion.Document, error) {
	key := DocumentKey(fileID)
	ok, err := s.Storage.Exists(ctx, key)
	if err != nil {
		return nil, errors.Internal(err)
	}
	if !ok {
		return nil, errors.NotFound("transcript", fileID)
	}
	var doc fusion.Document
	if err := storage.GetJSON(ctx, s.Storage, key, &doc); err != nil {
		return nil, errors.Internal(err).WithDetail("file_id", fileID)
	}
	return &doc, nil
}

// TemplateCodes lists the loaded template codes.
func (s *Service) TemplateCodes() []string { return s.Templates.Codes() }

// MinutesRequest asks for the minutes of a stored transcript.
type MinutesRequest struct {
	TemplateCode string                 `json:"template_code" validate:"required"`
	FileID       string                 `json:"file_id" validate:"required"`
	Meeting      minutes.MeetingContext `json:"meeting_context"`
	Options      minutes.Options        `json:"options"`
}

// MinutesKey is the storage key of the minutes of fileID built from
// templateCode.
func MinutesKey(fileID, templateCode string) string {
	return fileID + "." + templateCode + ".minutes.json"
}

// GenerateMinutes loads the transcript of req.FileID from storage,
// generates the minutes and stores them under MinutesKey.
func (s *Service) GenerateMinutes(ctx context.Context, req MinutesRequest) (*minutes.Document, error) {
	if req.FileID == "" {
		return nil, errors.InputError("file_id", "is required")
	}
	tmpl, err := s.Templates.Get(req.TemplateCode)
	if err != nil {
		return nil, err
	}

	doc, err := s.Transcript(ctx, req.FileID)
	if err != nil {
		return nil, err
	}

	out, err := s.Orchestrator.Generate(ctx, tmpl, doc, req.Meeting, req.Options)
	if err != nil {
		return nil, err
	}
	if err := storage.PutJSON(ctx, s.Storage, MinutesKey(req.FileID, tmpl.Code), out); err != nil {
		return nil, errors.Internal(err).WithDetail("file_id", req.FileID)
	}
	return out, nil
}

// WatchTemplates reloads the template registry on file changes until ctx
// is done.
func (s *Service) WatchTemplates(ctx context.Context) error {
	return template.Watch(ctx, s.Settings.Templates.Dir, s.Templates, template.WatchOptions{
		Logger: s.log,
		OnReload: func(codes []string, err error) {
			if err != nil {
				s.log.Warn("template reload rejected", logger.Fields(logger.FieldError, err.Error()))
				return
			}
			s.log.Info("templates reloaded", logger.Fields("codes", codes))
		},
	})
}

// Warm pre-loads ASR models.
func (s *Service) Warm(ctx context.Context, keys []transcription.ModelKey) error {
	return s.engine.Warm(ctx, keys)
}

// Health reports the stage backends and the template registry.
func (s *Service) Health(ctx context.Context) *observability.ServiceHealth {
	sh := s.Runner.CheckHealth(ctx, s.Settings.Name, s.Settings.Version)
	sh.AddComponent(observability.AvailabilityHealth("templates", s.Templates.Len() > 0, false))
	sh.AddComponent(observability.Health{
		Name:    "llm",
		Status:  observability.HealthStatusUp,
		Details: map[string]string{"providers": strings.Join(s.Providers.IDs(), ",")},
	})
	return sh
}

// TestProvider sends the probe prompt to provider id.
func (s *Service) TestProvider(ctx context.Context, id string) (llm.ConnectionResult, error) {
	cfg, err := s.Providers.Get(id)
	if err != nil {
		return llm.ConnectionResult{}, err
	}
	return s.gateway.TestConnection(ctx, cfg), nil
}

// Close flushes telemetry.
func (s *Service) Close(ctx context.Context) error {
	return s.shutdown(ctx)
}
