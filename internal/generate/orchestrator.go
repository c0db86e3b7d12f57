// Package generate runs the artifact generation pipeline: context assembly,
// ordered model attempts with validation gating, cloud fallback with backoff,
// and the post-success side effects (promotion, pool emission, graph
// registration, HTML companions).
package generate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/contextbuild"
	"github.com/fabrica-dev/fabrica/internal/events"
	"github.com/fabrica-dev/fabrica/internal/llm"
	"github.com/fabrica-dev/fabrica/internal/metrics"
	"github.com/fabrica-dev/fabrica/internal/modelreg"
	"github.com/fabrica-dev/fabrica/internal/validate"
)

// Kind is the explicit result state: a passing artifact, a best attempt below
// the threshold, or nothing usable at all.
type Kind string

const (
	KindOk         Kind = "ok"
	KindLowQuality Kind = "low_quality"
	KindFailed     Kind = "failed"
)

// Failure reasons for KindFailed.
const (
	ErrNoModelsAvailable = "no_models_available"
	ErrAllAttemptsFailed = "all_attempts_failed"
)

// Attempt records one model call, in the order tried.
type Attempt struct {
	Model      string        `json:"model"`
	Provider   string        `json:"provider"`
	Content    string        `json:"content,omitempty"`
	Score      int           `json:"score,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
	RetryIndex int           `json:"retry_index"`
	Duration   time.Duration `json:"duration"`
}

// Result is the outcome of one Generate call.
type Result struct {
	Kind       Kind      `json:"kind"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	ModelUsed  string    `json:"model_used,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Score      int       `json:"score"`
	Valid      bool      `json:"valid"`
	Warning    string    `json:"warning,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	Attempts   []Attempt `json:"attempts"`
}

// Options tune a single generation. Zero values take the configured defaults;
// MaxRetriesPerModel and ValidationThreshold accept a negative value to mean
// an explicit zero (no retries, accept any parseable artifact).
type Options struct {
	Temperature         float64
	MaxRetriesPerModel  int
	ValidationThreshold int
	CloudMaxTokens      int
	LocalContextWindow  int
	LocalTimeout        time.Duration
	CloudTimeout        time.Duration
	ContextID           string
	IncludeRAG          bool
	IncludeKG           bool
	IncludePatterns     bool
	Upstream            []UpstreamExcerpt
}

func (o Options) withDefaults() Options {
	if o.Temperature == 0 {
		o.Temperature = 0.2
	}
	switch {
	case o.MaxRetriesPerModel == 0:
		o.MaxRetriesPerModel = 2
	case o.MaxRetriesPerModel < 0:
		// Explicit "no retries": one attempt per model.
		o.MaxRetriesPerModel = 0
	}
	switch {
	case o.ValidationThreshold == 0:
		o.ValidationThreshold = validate.PassThreshold
	case o.ValidationThreshold < 0:
		// Explicit zero: any parseable artifact clears the gate.
		o.ValidationThreshold = 0
	}
	if o.LocalTimeout == 0 {
		o.LocalTimeout = 60 * time.Second
	}
	if o.CloudTimeout == 0 {
		o.CloudTimeout = 120 * time.Second
	}
	return o
}

// merged fills zero fields from the configured base options. Sentinels pass
// through untouched so callers can still force an explicit zero.
func (o Options) merged(base Options) Options {
	if o.Temperature == 0 {
		o.Temperature = base.Temperature
	}
	if o.MaxRetriesPerModel == 0 {
		o.MaxRetriesPerModel = base.MaxRetriesPerModel
	}
	if o.ValidationThreshold == 0 {
		o.ValidationThreshold = base.ValidationThreshold
	}
	if o.LocalTimeout == 0 {
		o.LocalTimeout = base.LocalTimeout
	}
	if o.CloudTimeout == 0 {
		o.CloudTimeout = base.CloudTimeout
	}
	return o
}

// ProgressFunc receives coarse progress checkpoints. Callback panics never
// fail generation.
type ProgressFunc func(progress int, message string)

// PoolSink receives high-quality examples for fine-tuning.
type PoolSink interface {
	AddExample(ctx context.Context, t artifact.Type, content, meetingNotes string, score int, modelUsed string) error
}

// GraphRegistrar records produced artifacts in the dependency graph.
type GraphRegistrar interface {
	RegisterArtifact(id string, t artifact.Type, content string, metadata map[string]any) error
}

// Renderer produces the HTML companion for a mermaid diagram. Best-effort.
type Renderer interface {
	RenderHTML(ctx context.Context, t artifact.Type, diagram string) (string, error)
}

// Deps wires the orchestrator's collaborators. Pool, Graph, Renderer and Bus
// are optional.
type Deps struct {
	Types    *artifact.Registry
	Router   *modelreg.Registry
	Contexts *contextbuild.Builder
	Drivers  *llm.Registry
	Pool     PoolSink
	Graph    GraphRegistrar
	Renderer Renderer
	Bus      *events.Broadcaster
	Log      *zap.Logger

	// DefaultCloudModels is tried when a routing has no cloud fallbacks,
	// as "provider:model" ids.
	DefaultCloudModels []string
	// PersistentModels stay loaded in VRAM after use.
	PersistentModels []string
	Backoff          BackoffConfig

	// Options supplies configured per-call defaults: threshold, retries,
	// temperature, timeouts. Zero fields of a Generate call fall back here
	// before the built-in defaults apply.
	Options Options
}

type Orchestrator struct {
	types      *artifact.Registry
	router     *modelreg.Registry
	contexts   *contextbuild.Builder
	drivers    *llm.Registry
	pool       PoolSink
	graph      GraphRegistrar
	renderer   Renderer
	bus        *events.Broadcaster
	log        *zap.Logger
	backoff    BackoffConfig
	baseOpts   Options
	defaults   []string
	persistent map[string]struct{}

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	promoteMu sync.Mutex
	typeLocks map[artifact.Type]*sync.Mutex

	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Backoff == (BackoffConfig{}) {
		deps.Backoff = defaultBackoffConfig()
	}
	persistent := make(map[string]struct{}, len(deps.PersistentModels))
	for _, m := range deps.PersistentModels {
		persistent[modelreg.NormalizeModelID(m, "ollama")] = struct{}{}
	}
	return &Orchestrator{
		types:      deps.Types,
		router:     deps.Router,
		contexts:   deps.Contexts,
		drivers:    deps.Drivers,
		pool:       deps.Pool,
		graph:      deps.Graph,
		renderer:   deps.Renderer,
		bus:        deps.Bus,
		log:        log.Named("generate"),
		backoff:    deps.Backoff,
		baseOpts:   deps.Options,
		defaults:   deps.DefaultCloudModels,
		persistent: persistent,
		breakers:   map[string]*gobreaker.CircuitBreaker{},
		typeLocks:  map[artifact.Type]*sync.Mutex{},
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Generate runs the full pipeline for one artifact. Pipeline outcomes are
// data on the Result; the error return covers only unknown artifact types.
func (o *Orchestrator) Generate(ctx context.Context, typeName, meetingNotes string, opts Options, progress ProgressFunc) (Result, error) {
	def, err := o.types.Resolve(typeName)
	if err != nil {
		return Result{}, err
	}
	opts = opts.merged(o.baseOpts).withDefaults()
	runID := uuid.NewString()
	emit := o.emitter(def.Type, progress)
	emit(10, "building context", events.Event{Stage: events.StageStarted})

	notes := enhanceNotes(meetingNotes, opts.Upstream, 1500)
	c := o.buildContext(ctx, notes, def.Type, opts)
	emit(30, "context assembled", events.Event{Stage: events.StageContext})

	run := &runState{def: def, opts: opts, runID: runID, context: c, emit: emit}

	// Preferred cloud short-circuit: a cloud primary with a credential is
	// tried before any local model.
	if provider, model, ok := o.router.PreferredCloud(def.Type); ok {
		if res, done := o.cloudAttempt(ctx, run, provider, model); done {
			return res, nil
		}
		run.triedCloud = provider + ":" + model
	}

	chain, chainErr := o.router.ModelsForArtifact(def.Type)
	if chainErr != nil || len(chain) == 0 {
		if len(run.attempts) == 0 {
			emit(100, "no models available", events.Event{Stage: events.StageFailed})
			metrics.Generations.WithLabelValues(string(def.Type), "failed").Inc()
			return Result{Kind: KindFailed, ErrorType: ErrNoModelsAvailable, Attempts: run.attempts}, nil
		}
	}
	locals, clouds := splitChain(chain)

	emit(40, "trying local models", events.Event{Stage: events.StageAttempt})
	for i, model := range locals {
		if res, done := o.localAttempts(ctx, run, model); done {
			return res, nil
		}
		emit(40+30*(i+1)/max(len(locals), 1), "local model exhausted", events.Event{Stage: events.StageFallback, Model: model})
	}

	if len(clouds) == 0 {
		clouds = o.defaults
	}
	for _, id := range clouds {
		provider, model := modelreg.SplitModelID(id)
		if !modelreg.IsCloudProvider(provider) || provider+":"+model == run.triedCloud {
			continue
		}
		emit(75, "trying cloud fallback", events.Event{Stage: events.StageFallback, Model: id})
		if res, done := o.cloudAttempt(ctx, run, provider, model); done {
			return res, nil
		}
	}

	return o.bestAttemptResult(run), nil
}

// runState carries the evolving state of one Generate call.
type runState struct {
	def     artifact.Definition
	opts    Options
	runID   string
	context contextbuild.Context
	emit    func(int, string, events.Event)

	attempts    []Attempt
	triedCloud  string
	bestScore   int
	bestContent string
	bestModel   string
	bestProv    string
	hasContent  bool
}

func (r *runState) record(a Attempt) {
	r.attempts = append(r.attempts, a)
}

func (o *Orchestrator) buildContext(ctx context.Context, notes string, t artifact.Type, opts Options) contextbuild.Context {
	copts := contextbuild.Options{
		IncludeRAG:      opts.IncludeRAG,
		IncludeKG:       opts.IncludeKG,
		IncludePatterns: opts.IncludePatterns,
	}
	if opts.ContextID != "" {
		return o.contexts.GetByID(ctx, opts.ContextID, notes, t, copts)
	}
	return o.contexts.Build(ctx, notes, t, copts)
}

// localAttempts runs one local model with its retry budget. Returns done=true
// with the final result when an attempt passed validation.
func (o *Orchestrator) localAttempts(ctx context.Context, run *runState, modelID string) (Result, bool) {
	provider, name := modelreg.SplitModelID(modelID)
	driver, err := o.drivers.Get(provider)
	if err != nil {
		run.record(Attempt{Model: modelID, Provider: provider, Errors: []string{err.Error()}})
		return Result{}, false
	}
	system, prompt := BuildPrompt(run.def, run.context.MeetingNotes, run.context.Assembled)

	for retry := 0; retry <= run.opts.MaxRetriesPerModel; retry++ {
		callCtx, cancel := context.WithTimeout(ctx, run.opts.LocalTimeout)
		start := time.Now()
		resp, err := driver.Generate(callCtx, llm.Request{
			Model:         name,
			Prompt:        prompt,
			SystemMessage: system,
			Temperature:   run.opts.Temperature,
			ContextWindow: run.opts.LocalContextWindow,
		})
		cancel()
		if err != nil {
			o.log.Warn("local model call failed",
				zap.String("model", modelID), zap.Int("retry", retry), zap.Error(err))
			metrics.ProviderAttempts.WithLabelValues(provider, "error").Inc()
			run.record(Attempt{Model: modelID, Provider: provider, RetryIndex: retry,
				Errors: []string{err.Error()}, Duration: time.Since(start)})
			if llm.IsRetryable(err) && ctx.Err() == nil {
				continue
			}
			return Result{}, false // deterministic failure: next model
		}
		metrics.ProviderAttempts.WithLabelValues(provider, "ok").Inc()

		if res, done := o.gate(ctx, run, modelID, provider, resp, retry); done {
			return res, true
		}
	}
	return Result{}, false
}

// cloudAttempt runs one cloud provider with backoff-retried attempts behind
// that provider's circuit breaker.
func (o *Orchestrator) cloudAttempt(ctx context.Context, run *runState, provider, model string) (Result, bool) {
	driver, err := o.drivers.Get(provider)
	if err != nil {
		return Result{}, false
	}
	modelID := provider + ":" + model
	system, prompt := BuildPrompt(run.def, run.context.MeetingNotes, run.context.Assembled)

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		start := time.Now()
		out, err := o.breaker(provider).Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, run.opts.CloudTimeout)
			defer cancel()
			return driver.Generate(callCtx, llm.Request{
				Model:         model,
				Prompt:        prompt,
				SystemMessage: system,
				Temperature:   run.opts.Temperature,
				MaxTokens:     run.opts.CloudMaxTokens,
			})
		})
		if err != nil {
			outcome := "error"
			if llm.IsRateLimited(err) {
				outcome = "rate_limited"
			}
			metrics.ProviderAttempts.WithLabelValues(provider, outcome).Inc()
			run.record(Attempt{Model: modelID, Provider: provider, RetryIndex: attempt,
				Errors: []string{err.Error()}, Duration: time.Since(start)})
			if !llm.IsRetryable(err) || ctx.Err() != nil {
				return Result{}, false
			}
			delay := DelayForAttempt(attempt+1, o.backoff,
				fmt.Sprintf("%s:%s:%d", run.runID, modelID, attempt))
			if ra := llm.RetryAfterOf(err); ra != nil && *ra > delay {
				delay = *ra
			}
			if o.sleep(ctx, delay) != nil {
				return Result{}, false
			}
			continue
		}
		metrics.ProviderAttempts.WithLabelValues(provider, "ok").Inc()

		resp := out.(llm.Response)
		if res, done := o.gate(ctx, run, modelID, provider, resp, attempt); done {
			return res, true
		}
	}
	return Result{}, false
}

// gate validates one response, tracks the best attempt, and finalizes the run
// when the score clears the threshold.
func (o *Orchestrator) gate(ctx context.Context, run *runState, modelID, provider string, resp llm.Response, retry int) (Result, bool) {
	v := validate.Validate(run.def.Type, run.def.Category, resp.Content)
	var errs []string
	for _, d := range v.Diagnostics {
		errs = append(errs, d.Rule+": "+d.Message)
	}
	run.record(Attempt{Model: modelID, Provider: provider, Content: resp.Content,
		Score: v.Score, Errors: errs, RetryIndex: retry, Duration: resp.Duration})
	run.emit(50, "validated", events.Event{Stage: events.StageValidated, Model: modelID, Score: v.Score})

	// Best attempt: highest score wins, ties keep the earlier attempt.
	if strings.TrimSpace(v.Cleaned) != "" && (!run.hasContent || v.Score > run.bestScore) {
		run.hasContent = true
		run.bestScore = v.Score
		run.bestContent = v.Cleaned
		run.bestModel = modelID
		run.bestProv = provider
	}
	if v.Score < run.opts.ValidationThreshold || strings.TrimSpace(v.Cleaned) == "" {
		return Result{}, false
	}

	o.sideEffects(ctx, run, modelID, provider, v)
	metrics.Generations.WithLabelValues(string(run.def.Type), "ok").Inc()
	metrics.ValidationScore.WithLabelValues(string(run.def.Type)).Observe(float64(v.Score))
	run.emit(90, "artifact generated", events.Event{Stage: events.StageCompleted, Model: modelID, Score: v.Score})

	return Result{
		Kind:       KindOk,
		ArtifactID: run.def.Type.ArtifactID(),
		Content:    v.Cleaned,
		ModelUsed:  modelID,
		Provider:   provider,
		Score:      v.Score,
		Valid:      true,
		Attempts:   run.attempts,
	}, true
}

func (o *Orchestrator) bestAttemptResult(run *runState) Result {
	if !run.hasContent {
		run.emit(100, "all attempts failed", events.Event{Stage: events.StageFailed})
		metrics.Generations.WithLabelValues(string(run.def.Type), "failed").Inc()
		errType := ErrAllAttemptsFailed
		if len(run.attempts) == 0 {
			errType = ErrNoModelsAvailable
		}
		return Result{Kind: KindFailed, ErrorType: errType, Attempts: run.attempts}
	}
	run.emit(95, "returning best attempt", events.Event{Stage: events.StageLowQuality, Model: run.bestModel, Score: run.bestScore})
	metrics.Generations.WithLabelValues(string(run.def.Type), "low_quality").Inc()
	metrics.ValidationScore.WithLabelValues(string(run.def.Type)).Observe(float64(run.bestScore))
	return Result{
		Kind:       KindLowQuality,
		ArtifactID: run.def.Type.ArtifactID(),
		Content:    run.bestContent,
		ModelUsed:  run.bestModel,
		Provider:   run.bestProv,
		Score:      run.bestScore,
		Warning: fmt.Sprintf("best score %d below threshold %d",
			run.bestScore, run.opts.ValidationThreshold),
		Attempts: run.attempts,
	}
}

// sideEffects runs the post-success actions. Each is best-effort; failures
// are logged and never undo a produced artifact.
func (o *Orchestrator) sideEffects(ctx context.Context, run *runState, modelID, provider string, v validate.Result) {
	t := run.def.Type

	if !modelreg.IsCloudProvider(provider) {
		o.unloadModel(ctx, modelID, provider)
	}

	if o.pool != nil && v.Score >= validate.PoolThreshold {
		if err := o.pool.AddExample(ctx, t, v.Cleaned, run.context.MeetingNotes, v.Score, modelID); err != nil {
			o.log.Warn("pool emission failed", zap.String("artifact_type", string(t)), zap.Error(err))
		}
	}

	if o.renderer != nil && t.IsMermaid() {
		o.renderCompanion(ctx, run, v.Cleaned)
	}

	// Promotion keys off the fixed pass bar, not the per-call threshold: a
	// lowered gate must not install a sub-par model as primary.
	if v.Score >= validate.PassThreshold {
		o.promote(t, modelID)
	}

	if o.graph != nil {
		meta := map[string]any{"model": modelID, "score": v.Score}
		if err := o.graph.RegisterArtifact(t.ArtifactID(), t, v.Cleaned, meta); err != nil {
			o.log.Warn("graph registration failed", zap.String("artifact_type", string(t)), zap.Error(err))
		}
	}
}

func (o *Orchestrator) unloadModel(ctx context.Context, modelID, provider string) {
	if _, keep := o.persistent[modelID]; keep {
		return
	}
	driver, err := o.drivers.Get(provider)
	if err != nil {
		return
	}
	unloader, ok := driver.(llm.Unloader)
	if !ok {
		return
	}
	_, name := modelreg.SplitModelID(modelID)
	if err := unloader.Unload(ctx, name); err != nil {
		o.log.Debug("model unload failed", zap.String("model", modelID), zap.Error(err))
	}
}

func (o *Orchestrator) renderCompanion(ctx context.Context, run *runState, diagram string) {
	t := run.def.Type
	html, err := o.renderer.RenderHTML(ctx, t, diagram)
	if err != nil {
		o.log.Warn("html companion rendering failed", zap.String("artifact_type", string(t)), zap.Error(err))
		return
	}
	if o.graph == nil || strings.TrimSpace(html) == "" {
		return
	}
	companion := t.HTMLVariant()
	if err := o.graph.RegisterArtifact(companion.ArtifactID(), companion, html, map[string]any{"companion_of": string(t)}); err != nil {
		o.log.Warn("companion registration failed", zap.String("artifact_type", string(companion)), zap.Error(err))
	}
}

// promote serializes promotions per artifact type so concurrent generations
// do not lose updates.
func (o *Orchestrator) promote(t artifact.Type, modelID string) {
	o.promoteMu.Lock()
	lock, ok := o.typeLocks[t]
	if !ok {
		lock = &sync.Mutex{}
		o.typeLocks[t] = lock
	}
	o.promoteMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	if err := o.router.Promote(t, modelID); err != nil {
		o.log.Warn("promotion failed", zap.String("artifact_type", string(t)),
			zap.String("model", modelID), zap.Error(err))
	}
}

func (o *Orchestrator) breaker(provider string) *gobreaker.CircuitBreaker {
	o.breakerMu.Lock()
	defer o.breakerMu.Unlock()
	if cb, ok := o.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	o.breakers[provider] = cb
	return cb
}

func (o *Orchestrator) emitter(t artifact.Type, progress ProgressFunc) func(int, string, events.Event) {
	return func(pct int, msg string, ev events.Event) {
		if progress != nil {
			func() {
				defer func() { _ = recover() }()
				progress(pct, msg)
			}()
		}
		if o.bus != nil {
			ev.ArtifactType = t
			ev.Message = msg
			o.bus.Send(ev)
		}
	}
}

func splitChain(chain []string) (locals, clouds []string) {
	for _, id := range chain {
		provider, _ := modelreg.SplitModelID(id)
		if modelreg.IsCloudProvider(provider) {
			clouds = append(clouds, id)
		} else {
			locals = append(locals, id)
		}
	}
	return locals, clouds
}
