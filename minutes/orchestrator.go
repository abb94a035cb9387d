package minutes

import (
	"cmp"
	"context"
	stderrors "errors"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/kbukum/minutes/audit"
	"github.com/kbukum/minutes/errors"
	"github.com/kbukum/minutes/fusion"
	"github.com/kbukum/minutes/llm"
	"github.com/kbukum/minutes/logger"
	"github.com/kbukum/minutes/observability"
	"github.com/kbukum/minutes/stream"
	"github.com/kbukum/minutes/template"
)

// TranscriptKey is the placeholder holding the rendered transcript in
// section prompts. Prompts that do not reference it get the transcript
// appended.
const TranscriptKey = "transcript"

// Invoker sends one prompt to a provider. *llm.Gateway implements it.
type Invoker interface {
	Invoke(ctx context.Context, cfg llm.ProviderConfig, prompt string, req llm.Request) (*llm.Response, error)
}

// Orchestrator generates minutes documents.
type Orchestrator struct {
	gateway   Invoker
	providers *llm.Catalog
	log       *logger.Logger
	rec       observability.Recorder
	clock     func() time.Time
	maxFanOut int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithRecorder reports stage metrics and section failures to rec.
func WithRecorder(rec observability.Recorder) Option {
	return func(o *Orchestrator) { o.rec = rec }
}

// WithClock sets the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithMaxFanOut sets the default concurrency cap.
func WithMaxFanOut(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxFanOut = n
		}
	}
}

// NewOrchestrator creates an Orchestrator resolving provider ids through
// providers.
func NewOrchestrator(gateway Invoker, providers *llm.Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:   gateway,
		providers: providers,
		clock:     time.Now,
		maxFanOut: DefaultMaxFanOut,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.GetGlobalLogger()
	}
	o.log = o.log.WithComponent("minutes")
	o.rec = observability.OrNop(o.rec)
	return o
}

// run carries the state of one Generate call.
type run struct {
	tmpl       template.Template
	opts       Options
	vars       map[string]any
	transcript string
	audit      *audit.Recorder
	log        *logger.Logger

	globalLatency int64
	globalTokens  int
}

// Generate runs tmpl against doc. It returns the complete document or a
// single *errors.AppError; partial documents are only returned through the
// success path when opts.AllowPartial is set.
func (o *Orchestrator) Generate(ctx context.Context, tmpl template.Template, doc *fusion.Document, meeting MeetingContext, opts Options) (_ *Document, err error) {
	ctx, op := observability.StartOperation(ctx, o.rec, observability.StageMinutes)
	defer func() { op.End(ctx, err) }()

	if doc == nil || len(doc.Segments) == 0 {
		return nil, errors.InputError("transcript", "transcript has no segments")
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	if err := validateOverrides(tmpl, opts); err != nil {
		return nil, err
	}

	start := time.Now()
	rec := audit.NewRecorder(o.clock)
	rec.SetCallerConfig(map[string]any{
		"template_code":   tmpl.Code,
		"meeting_context": meeting,
		"options":         opts,
	})
	r := &run{
		tmpl:       tmpl,
		opts:       opts,
		vars:       meeting.Vars(doc),
		transcript: doc.Transcript(),
		audit:      rec,
		log:        o.log.WithFields(logger.Fields("template", tmpl.Code, logger.FieldFileID, doc.FileID)),
	}

	static, dynamic := tmpl.Partition()
	fanOut := o.fanOut(tmpl, opts, dynamic)
	results, err := stream.Collect(ctx, stream.Parallel(stream.FromSlice(tmpl.SortedSections()), fanOut,
		func(ctx context.Context, s template.Section) (SectionResult, error) {
			if !s.IsDynamic() {
				return o.renderStatic(r, s), nil
			}
			return o.generateSection(ctx, r, s), nil
		}))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, contextError(err)
	}

	if !opts.AllowPartial {
		for _, res := range results {
			if res.required && !res.HasContent() {
				cause := res.err
				if cause == nil {
					cause = stderrors.New("required section produced no content")
				}
				appErr := errors.Section(res.SectionOrder, res.Name, cause).WithDetail("template", tmpl.Code)
				rec.RecordStage(audit.StageMinutes, audit.Stage{Success: false, Error: appErr.Error(), DurationMS: time.Since(start).Milliseconds()})
				r.log.Error("required section failed", logger.Fields(logger.FieldSection, res.Name, logger.FieldError, appErr.Error()))
				return nil, appErr
			}
		}
	}

	out := &Document{
		TemplateCode:    tmpl.Code,
		PerSection:      results,
		DraftBody:       AssembleDraft(results),
		TranscriptAudit: doc.ProcessingAudit,
	}
	out.FinalBody = out.DraftBody

	globalPrompt := cmp.Or(strings.TrimSpace(opts.GlobalPrompt), strings.TrimSpace(tmpl.GlobalPrompt))
	if globalPrompt != "" {
		o.unify(ctx, r, out, globalPrompt)
	}

	out.Metrics = collectMetrics(results, len(static), len(dynamic), fanOut)
	out.Metrics.GlobalLatencyMS = r.globalLatency
	out.Metrics.TotalLatencyMS = time.Since(start).Milliseconds()
	out.Metrics.LLMCalls = len(rec.Build().LLMCalls)
	out.Metrics.TokensUsed += r.globalTokens

	rec.RecordStage(audit.StageMinutes, audit.Stage{
		Success: true,
		ParametersApplied: map[string]any{
			"template_code": tmpl.Code,
			"sections":      len(tmpl.Sections),
			"fan_out":       fanOut,
			"allow_partial": opts.AllowPartial,
			"global_prompt": globalPrompt != "",
		},
		AuditInfo:  out.Metrics,
		DurationMS: out.Metrics.TotalLatencyMS,
		Error:      out.GlobalError,
	})
	out.Audit = rec.Build()
	if out.GlobalError != "" {
		op.SetStatus(observability.StatusFallback)
	}

	r.log.Info("minutes generated", logger.Fields(
		"sections", len(results),
		"failed", out.Metrics.SectionsFailed,
		"llm_calls", out.Metrics.LLMCalls,
		"tokens", out.Metrics.TokensUsed,
		logger.FieldDuration, out.Metrics.TotalLatencyMS,
	))
	return out, nil
}

// concurrencyLimiter is implemented by invokers that cap in-flight calls
// per provider, as *llm.Gateway does.
type concurrencyLimiter interface {
	MaxConcurrent() int
}

// fanOut is the number of dynamic sections that can actually be in flight:
// the requested cap, bounded by the section count and by the invoker's
// per-provider limit times the number of providers the sections use.
func (o *Orchestrator) fanOut(tmpl template.Template, opts Options, dynamic []template.Section) int {
	n := min(cmp.Or(opts.MaxFanOut, o.maxFanOut), len(dynamic))
	if l, ok := o.gateway.(concurrencyLimiter); ok && l.MaxConcurrent() > 0 {
		providers := make(map[string]struct{})
		for _, s := range dynamic {
			providers[cmp.Or(opts.Overrides[s.Order].ProviderID, s.ProviderID, tmpl.DefaultProvider)] = struct{}{}
		}
		n = min(n, l.MaxConcurrent()*len(providers))
	}
	return max(n, 1)
}

func (o *Orchestrator) renderStatic(r *run, s template.Section) SectionResult {
	body, missing := Render(s.StaticBody, r.vars)
	if len(missing) > 0 {
		r.log.Debug("static section has unresolved placeholders", logger.Fields(logger.FieldSection, s.Name, "missing", missing))
	}
	return SectionResult{
		SectionOrder: s.Order,
		Name:         s.Name,
		Category:     s.Category,
		Kind:         template.KindStatic,
		Body:         body,
		Missing:      missing,
		Timestamp:    o.clock().UTC(),
		required:     s.Required,
	}
}

// generateSection never fails: errors end up in the result.
func (o *Orchestrator) generateSection(ctx context.Context, r *run, s template.Section) SectionResult {
	ctx, op := observability.StartOperation(ctx, o.rec, observability.StageSection)
	observability.SetSpanAttribute(ctx, observability.AttrSection, s.Name)

	res := SectionResult{
		SectionOrder: s.Order,
		Name:         s.Name,
		Category:     s.Category,
		Kind:         template.KindDynamic,
		required:     s.Required,
	}
	fail := func(err error) SectionResult {
		appErr := errors.Section(s.Order, s.Name, err)
		res.err = appErr
		res.Error = err.Error()
		res.ErrorCode = errors.CodeOf(err)
		res.Body = ErrorPrefix + err.Error()
		res.Timestamp = o.clock().UTC()
		op.End(ctx, appErr)
		o.rec.RecordSectionFailure(ctx, r.tmpl.Code, s.Name)
		r.log.Warn("section failed", logger.Fields(logger.FieldSection, s.Name, "order", s.Order, logger.FieldError, err.Error()))
		return res
	}

	ov := r.opts.Overrides[s.Order]
	cfg, err := o.providers.Get(cmp.Or(ov.ProviderID, s.ProviderID, r.tmpl.DefaultProvider))
	if err != nil {
		return fail(err)
	}
	if params := mergeParams(s.ParameterOverrides, ov.Parameters); len(params) > 0 {
		if cfg, err = cfg.WithOverrides(params); err != nil {
			return fail(err)
		}
	}
	res.ProviderUsed = cfg.ID

	promptTmpl := cmp.Or(ov.PromptTemplate, s.PromptTemplate)
	vars := maps.Clone(r.vars)
	vars[TranscriptKey] = r.transcript
	prompt, missing := Render(promptTmpl, vars)
	if !slices.Contains(Placeholders(promptTmpl), TranscriptKey) {
		prompt += "\n\nTranscript:\n" + r.transcript
	}
	res.PromptUsed = prompt
	res.Missing = missing

	resp, err := o.gateway.Invoke(ctx, cfg, prompt, llm.Request{
		SystemPrompt: cmp.Or(ov.SystemPrompt, s.SystemPrompt),
		Context:      r.vars,
		Section:      s.Name,
		SectionOrder: s.Order,
	})
	if resp != nil {
		r.audit.RecordLLMCall(resp.Audit)
		res.Attempts = resp.Attempts
		res.TokensUsed = resp.TokensUsed
		res.LatencyMS = resp.LatencyMS
		res.Model = resp.Model
	}
	if err != nil {
		return fail(err)
	}

	res.Body = strings.TrimSpace(resp.Text)
	res.Timestamp = o.clock().UTC()
	op.End(ctx, nil)
	r.log.Debug("section generated", logger.Fields(logger.FieldSection, s.Name, logger.FieldProvider, cfg.ID, "tokens", resp.TokensUsed))
	return res
}

// unify runs the global prompt over the draft. A failed or empty answer
// keeps the draft as the final body.
func (o *Orchestrator) unify(ctx context.Context, r *run, doc *Document, globalPrompt string) {
	system, _ := Render(globalPrompt, r.vars)
	cfg, err := o.providers.Get(cmp.Or(r.opts.GlobalProvider, r.tmpl.DefaultProvider))
	if err != nil {
		doc.GlobalError = err.Error()
		r.log.Warn("global prompt skipped", logger.Fields(logger.FieldError, err.Error()))
		return
	}

	resp, err := o.gateway.Invoke(ctx, cfg, doc.DraftBody, llm.Request{
		SystemPrompt: system,
		Context:      r.vars,
	})
	if resp != nil {
		r.audit.RecordLLMCall(resp.Audit)
		r.globalLatency = resp.LatencyMS
		r.globalTokens = resp.TokensUsed
	}
	switch {
	case err != nil:
		doc.GlobalError = err.Error()
		r.log.Warn("global prompt failed, keeping draft", logger.Fields(logger.FieldProvider, cfg.ID, logger.FieldError, err.Error()))
	case strings.TrimSpace(resp.Text) == "":
		doc.GlobalError = "global prompt returned no content"
		r.log.Warn("global prompt returned no content, keeping draft", logger.Fields(logger.FieldProvider, cfg.ID))
	default:
		doc.FinalBody = strings.TrimSpace(resp.Text)
	}
}

// AssembleDraft joins section bodies in order with blank lines. A heading
// section follows the previous body on the next line, without a blank line.
// Empty bodies are skipped.
func AssembleDraft(results []SectionResult) string {
	var b strings.Builder
	for _, res := range results {
		body := strings.TrimSpace(res.Body)
		if body == "" {
			continue
		}
		if b.Len() > 0 {
			if res.Category == template.CategoryHeading {
				b.WriteString("\n")
			} else {
				b.WriteString("\n\n")
			}
		}
		b.WriteString(body)
	}
	return b.String()
}

func collectMetrics(results []SectionResult, static, dynamic, fanOut int) Metrics {
	m := Metrics{
		SectionLatencyMS: make(map[int]int64, len(results)),
		SectionsStatic:   static,
		SectionsDynamic:  dynamic,
		FanOut:           fanOut,
	}
	for _, res := range results {
		m.SectionLatencyMS[res.SectionOrder] = res.LatencyMS
		m.TokensUsed += res.TokensUsed
		if res.Failed() {
			m.SectionsFailed++
		}
	}
	return m
}

func mergeParams(layers ...map[string]any) map[string]any {
	var out map[string]any
	for _, l := range layers {
		if len(l) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(l))
		}
		maps.Copy(out, l)
	}
	return out
}

func validateOverrides(tmpl template.Template, opts Options) error {
	if opts.MaxFanOut < 0 {
		return errors.InputError("max_fan_out", "must not be negative")
	}
	for order := range opts.Overrides {
		if !slices.ContainsFunc(tmpl.Sections, func(s template.Section) bool { return s.Order == order }) {
			return errors.InputError("per_section_overrides", "no section with this order").WithDetail("order", order)
		}
	}
	return nil
}

func contextError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout("minutes generation").WithCause(err)
	}
	if appErr, ok := errors.AsAppError(err); ok {
		return appErr
	}
	return errors.Internal(err)
}
