package generate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/contextbuild"
	"github.com/fabrica-dev/fabrica/internal/llm"
	"github.com/fabrica-dev/fabrica/internal/modelreg"
	"github.com/fabrica-dev/fabrica/internal/store"
)

const goodERD = `erDiagram
    USER {
        string id PK
    }
    ORDER {
        string id PK
        string user_id FK
    }
    USER ||--o{ ORDER : places
`

type scriptedDriver struct {
	mu       sync.Mutex
	name     string
	script   []func() (llm.Response, error)
	calls    int
	unloaded []string
}

func (d *scriptedDriver) Name() string { return d.name }

func (d *scriptedDriver) Generate(_ context.Context, _ llm.Request) (llm.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i >= len(d.script) {
		i = len(d.script) - 1
	}
	return d.script[i]()
}

func (d *scriptedDriver) Unload(_ context.Context, model string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unloaded = append(d.unloaded, model)
	return nil
}

func respond(content string) func() (llm.Response, error) {
	return func() (llm.Response, error) {
		return llm.Response{Content: content, Duration: time.Millisecond}, nil
	}
}

func fail(err error) func() (llm.Response, error) {
	return func() (llm.Response, error) { return llm.Response{}, err }
}

type capturePool struct {
	mu      sync.Mutex
	entries []string
}

func (p *capturePool) AddExample(_ context.Context, t artifact.Type, _, _ string, _ int, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, string(t))
	return nil
}

type captureGraph struct {
	mu  sync.Mutex
	ids []string
}

func (g *captureGraph) RegisterArtifact(id string, _ artifact.Type, _ string, _ map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids = append(g.ids, id)
	return nil
}

type fixture struct {
	orch    *Orchestrator
	router  *modelreg.Registry
	drivers *llm.Registry
	pool    *capturePool
	graph   *captureGraph
	slept   []time.Duration
}

func newFixture(t *testing.T, env map[string]string) *fixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	router, err := modelreg.NewRegistry(st, modelreg.Probes{
		LookupEnv: func(k string) (string, bool) { v, ok := env[k]; return v, ok },
	}, nil)
	require.NoError(t, err)

	types, err := artifact.NewRegistry(st)
	require.NoError(t, err)

	f := &fixture{
		router:  router,
		drivers: llm.NewRegistry(),
		pool:    &capturePool{},
		graph:   &captureGraph{},
	}
	f.orch = New(Deps{
		Types:    types,
		Router:   router,
		Contexts: contextbuild.NewBuilder(nil, nil, nil, nil, contextbuild.Limits{}, nil),
		Drivers:  f.drivers,
		Pool:     f.pool,
		Graph:    f.graph,
	})
	f.orch.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func TestGenerateLocalSuccess(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "llama3", []string{"mistral"}, true))
	ollama := &scriptedDriver{name: "ollama", script: []func() (llm.Response, error){respond(goodERD)}}
	f.drivers.Register(ollama)

	res, err := f.orch.Generate(context.Background(), "mermaid_erd",
		"Users have many Orders", Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, KindOk, res.Kind)
	assert.True(t, res.Valid)
	assert.Equal(t, "ollama:llama3", res.ModelUsed)
	assert.Equal(t, "mermaid_erd", res.ArtifactID)
	assert.GreaterOrEqual(t, res.Score, 80)
	assert.Len(t, res.Attempts, 1)

	chain, err := f.router.ModelsForArtifact(artifact.TypeMermaidERD)
	require.NoError(t, err)
	assert.Equal(t, "ollama:llama3", chain[0])

	assert.Equal(t, []string{"llama3"}, ollama.unloaded)
	assert.Equal(t, []string{"mermaid_erd"}, f.pool.entries)
	assert.Equal(t, []string{"mermaid_erd"}, f.graph.ids)
}

func TestGenerateFallbackPromotion(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "broken", []string{"llama3"}, true))
	// First model: deterministic failure on every retry. Second: good output.
	brokenErr := llm.ErrorFromHTTPStatus("ollama", 404, "model not found", nil)
	ollama := &scriptedDriver{name: "ollama", script: []func() (llm.Response, error){
		fail(brokenErr),
		respond(goodERD),
	}}
	f.drivers.Register(ollama)

	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users and Orders", Options{}, nil)
	require.NoError(t, err)

	require.Equal(t, KindOk, res.Kind)
	assert.Equal(t, "ollama:llama3", res.ModelUsed)

	chain, err := f.router.ModelsForArtifact(artifact.TypeMermaidERD)
	require.NoError(t, err)
	assert.Equal(t, "ollama:llama3", chain[0], "successful fallback model must be promoted")
	assert.Equal(t, "ollama:broken", chain[1])
}

func TestGenerateRetriesTransientLocalErrors(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "llama3", nil, true))
	transient := llm.ErrorFromHTTPStatus("ollama", 503, "overloaded", nil)
	ollama := &scriptedDriver{name: "ollama", script: []func() (llm.Response, error){
		fail(transient),
		fail(transient),
		respond(goodERD),
	}}
	f.drivers.Register(ollama)

	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users and Orders", Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindOk, res.Kind)
	assert.Equal(t, 3, ollama.calls)
	assert.Len(t, res.Attempts, 3)
}

func TestGenerateCloudRateLimitBackoff(t *testing.T) {
	f := newFixture(t, map[string]string{"GEMINI_API_KEY": "k"})
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "broken",
		[]string{"gemini:gemini-2.5-flash"}, true))

	brokenErr := llm.ErrorFromHTTPStatus("ollama", 404, "model not found", nil)
	f.drivers.Register(&scriptedDriver{name: "ollama", script: []func() (llm.Response, error){fail(brokenErr)}})

	retryAfter := 2 * time.Second
	limited := llm.ErrorFromHTTPStatus("gemini", 429, "rate limited", &retryAfter)
	gemini := &scriptedDriver{name: "gemini", script: []func() (llm.Response, error){
		fail(limited),
		fail(limited),
		respond(goodERD),
	}}
	f.drivers.Register(gemini)

	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users and Orders", Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, KindOk, res.Kind)
	assert.Equal(t, "gemini", res.Provider)
	assert.Equal(t, 3, gemini.calls)
	require.Len(t, f.slept, 2)
	for _, d := range f.slept {
		assert.GreaterOrEqual(t, d, retryAfter, "Retry-After must floor the backoff delay")
	}
	// Score 100 means a pool entry was emitted for the cloud artifact too.
	assert.Contains(t, f.pool.entries, "mermaid_erd")
}

func TestGeneratePreferredCloudShortCircuit(t *testing.T) {
	f := newFixture(t, map[string]string{"OPENAI_API_KEY": "k"})
	require.NoError(t, f.router.UpdateRouting(artifact.TypeCodePrototype, "openai:gpt-4o",
		[]string{"ollama:codellama"}, true))

	code := "import pytest\n\n=== IMPLEMENTATION ===\ndef add(a, b): return a + b\n=== TESTS ===\ndef test_add(): assert add(1, 2) == 3\n"
	openai := &scriptedDriver{name: "openai", script: []func() (llm.Response, error){respond(code)}}
	ollama := &scriptedDriver{name: "ollama", script: []func() (llm.Response, error){respond("unused")}}
	f.drivers.Register(openai)
	f.drivers.Register(ollama)

	res, err := f.orch.Generate(context.Background(), "code_prototype", "Add two numbers", Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, KindOk, res.Kind)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, 1, openai.calls)
	assert.Equal(t, 0, ollama.calls, "local models must not run when the cloud primary succeeds")
}

func TestGenerateBestAttemptBelowThreshold(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "llama3", nil, true))
	// Valid header but only one entity and no relationship: scores 40.
	thin := "erDiagram\n    USER {\n        string id\n    }\n"
	f.drivers.Register(&scriptedDriver{name: "ollama", script: []func() (llm.Response, error){respond(thin)}})

	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users", Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, KindLowQuality, res.Kind)
	assert.False(t, res.Valid)
	assert.Equal(t, 40, res.Score)
	assert.Contains(t, res.Warning, "below threshold")
	assert.Empty(t, f.pool.entries)
	assert.Empty(t, f.graph.ids, "low-quality artifacts must not register graph nodes")
}

func TestGenerateThresholdZeroAcceptsAnyParseable(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "llama3", nil, true))
	thin := "erDiagram\n    USER {\n        string id\n    }\n"
	f.drivers.Register(&scriptedDriver{name: "ollama", script: []func() (llm.Response, error){respond(thin)}})

	// A negative threshold means an explicit zero: parseable output passes.
	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users",
		Options{ValidationThreshold: -1}, nil)
	require.NoError(t, err)

	assert.Equal(t, KindOk, res.Kind)
	assert.True(t, res.Valid)
	assert.Equal(t, 40, res.Score)
	assert.Empty(t, f.pool.entries, "sub-par artifacts stay out of the pool")
}

func TestGeneratePromotionRequiresPassingScore(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "broken", []string{"llama3"}, true))
	brokenErr := llm.ErrorFromHTTPStatus("ollama", 404, "model not found", nil)
	thin := "erDiagram\n    USER {\n        string id\n    }\n"
	f.drivers.Register(&scriptedDriver{name: "ollama", script: []func() (llm.Response, error){
		fail(brokenErr),
		respond(thin),
	}})

	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users",
		Options{ValidationThreshold: 30}, nil)
	require.NoError(t, err)
	require.Equal(t, KindOk, res.Kind)
	assert.Equal(t, "ollama:llama3", res.ModelUsed)

	chain, err := f.router.ModelsForArtifact(artifact.TypeMermaidERD)
	require.NoError(t, err)
	assert.Equal(t, "ollama:broken", chain[0], "a score below the pass bar must not promote the fallback")
}

func TestGenerateConfiguredDefaultThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.baseOpts = Options{ValidationThreshold: 30}
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "llama3", nil, true))
	thin := "erDiagram\n    USER {\n        string id\n    }\n"
	f.drivers.Register(&scriptedDriver{name: "ollama", script: []func() (llm.Response, error){respond(thin)}})

	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users", Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindOk, res.Kind, "zero options fall back to the configured threshold")

	// A per-call threshold still overrides the configured default.
	res, err = f.orch.Generate(context.Background(), "mermaid_erd", "Users",
		Options{ValidationThreshold: 90}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindLowQuality, res.Kind)
}

func TestGenerateNoModelsAvailable(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users", Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindFailed, res.Kind)
	assert.Equal(t, ErrNoModelsAvailable, res.ErrorType)
}

func TestGenerateUnknownType(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Generate(context.Background(), "not_a_type", "x", Options{}, nil)
	assert.ErrorIs(t, err, artifact.ErrUnknownType)
}

func TestGenerateMaxRetriesZero(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "llama3", nil, true))
	transient := llm.ErrorFromHTTPStatus("ollama", 503, "overloaded", nil)
	ollama := &scriptedDriver{name: "ollama", script: []func() (llm.Response, error){fail(transient)}}
	f.drivers.Register(ollama)

	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users",
		Options{MaxRetriesPerModel: -1}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindFailed, res.Kind)
}

func TestGenerateProgressCallbackPanicIsContained(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.router.UpdateRouting(artifact.TypeMermaidERD, "llama3", nil, true))
	f.drivers.Register(&scriptedDriver{name: "ollama", script: []func() (llm.Response, error){respond(goodERD)}})

	res, err := f.orch.Generate(context.Background(), "mermaid_erd", "Users", Options{},
		func(int, string) { panic("listener bug") })
	require.NoError(t, err)
	assert.Equal(t, KindOk, res.Kind)
}

func TestBackoffDeterministicAndCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, Factor: 2, MaxDelay: 300 * time.Second, Jitter: true}
	a := DelayForAttempt(3, cfg, "run:model:2")
	b := DelayForAttempt(3, cfg, "run:model:2")
	assert.Equal(t, a, b)

	huge := DelayForAttempt(30, cfg, "seed")
	assert.LessOrEqual(t, huge, time.Duration(1.5*float64(300*time.Second)))

	assert.Zero(t, DelayForAttempt(1, BackoffConfig{}, "seed"))
}

func TestBuildPromptCustomTemplate(t *testing.T) {
	def := artifact.Definition{
		Type:           artifact.Type("risk_matrix"),
		Category:       artifact.CategoryDoc,
		Custom:         true,
		PromptTemplate: "Notes: {meeting_notes}\nContext: {context}",
	}
	_, user := BuildPrompt(def, "the notes", "the context")
	assert.Equal(t, "Notes: the notes\nContext: the context", user)
}

func TestBuildPromptDiagramSystemMessage(t *testing.T) {
	def := artifact.Definition{Type: artifact.TypeMermaidERD, Category: artifact.CategoryDiagramMermaid}
	system, user := BuildPrompt(def, "notes", "ctx")
	assert.Contains(t, system, `"erDiagram"`)
	assert.Contains(t, system, "Output ONLY the diagram code")
	assert.Contains(t, user, "## Requirements\nnotes")
	assert.Contains(t, user, "## Project Context (from codebase)\nctx")
}
