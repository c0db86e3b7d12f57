// Package app wires the fabrica components together. The CLI and the worker
// both build their object graphs here so wiring decisions live in one place.
package app

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/config"
	"github.com/fabrica-dev/fabrica/internal/contextbuild"
	"github.com/fabrica-dev/fabrica/internal/events"
	"github.com/fabrica-dev/fabrica/internal/generate"
	"github.com/fabrica-dev/fabrica/internal/graph"
	"github.com/fabrica-dev/fabrica/internal/llm"
	"github.com/fabrica-dev/fabrica/internal/llm/providers/anthropic"
	"github.com/fabrica-dev/fabrica/internal/llm/providers/gemini"
	"github.com/fabrica-dev/fabrica/internal/llm/providers/ollama"
	"github.com/fabrica-dev/fabrica/internal/llm/providers/openaicompat"
	"github.com/fabrica-dev/fabrica/internal/modelreg"
	"github.com/fabrica-dev/fabrica/internal/pool"
	"github.com/fabrica-dev/fabrica/internal/render"
	"github.com/fabrica-dev/fabrica/internal/sprint"
	"github.com/fabrica-dev/fabrica/internal/store"
	"github.com/fabrica-dev/fabrica/internal/train"
)

// App holds the wired engine components.
type App struct {
	Cfg config.Config
	Log *zap.Logger

	Store        *store.Store
	Types        *artifact.Registry
	Router       *modelreg.Registry
	Contexts     *contextbuild.Builder
	Drivers      *llm.Registry
	Pool         *pool.Pool
	Graph        *graph.Graph
	Bus          *events.Broadcaster
	Orchestrator *generate.Orchestrator
	Sprint       *sprint.Generator
}

// graphRegistrar adapts the graph's registration to the narrower surface the
// orchestrator consumes.
type graphRegistrar struct{ g *graph.Graph }

func (r graphRegistrar) RegisterArtifact(id string, t artifact.Type, content string, metadata map[string]any) error {
	_, err := r.g.RegisterArtifact(id, t, content, metadata)
	return err
}

// New builds the full engine. The worker process uses NewWorker instead and
// shares only the store directory.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	types, err := artifact.NewRegistry(st)
	if err != nil {
		return nil, fmt.Errorf("loading artifact types: %w", err)
	}

	ollamaDriver := ollama.New(cfg.OllamaHost)
	router, err := modelreg.NewRegistry(st, modelreg.Probes{
		Ollama:     ollamaDriver,
		HFCacheDir: cfg.HFCacheDir,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("loading model registry: %w", err)
	}
	if err := router.EnsureDefaults(defaultRoutings()); err != nil {
		return nil, fmt.Errorf("installing default routings: %w", err)
	}

	drivers := llm.NewRegistry()
	drivers.Register(ollamaDriver)
	// Locally served HF models (fine-tuned adapters included) speak the
	// OpenAI chat protocol through the local inference server.
	drivers.Register(openaicompat.New(openaicompat.Config{
		Provider: "huggingface",
		BaseURL:  cfg.HFInferenceURL,
	}))
	registerCloudDrivers(drivers, cfg)

	contexts := contextbuild.NewBuilder(nil, nil, nil, contextbuild.NewMemoryCache(), contextbuild.Limits{
		MeetingNotesMax: cfg.ContextMaxChars.MeetingNotes,
		RetrievalMax:    cfg.ContextMaxChars.RAG,
		MinAssembled:    cfg.ContextMaxChars.MinAssembled,
	}, log)

	scheduler := train.NewScheduler(st, cfg.HFTraining.Enabled, log)
	p := pool.New(st, scheduler, poolLimits(cfg), log)

	g, err := graph.New(st, log)
	if err != nil {
		return nil, fmt.Errorf("loading dependency graph: %w", err)
	}

	bus := events.NewBroadcaster()
	orch := generate.New(generate.Deps{
		Types:              types,
		Router:             router,
		Contexts:           contexts,
		Drivers:            drivers,
		Pool:               p,
		Graph:              graphRegistrar{g},
		Renderer:           render.NewHTML(),
		Bus:                bus,
		Log:                log,
		DefaultCloudModels: cfg.DefaultCloudModels,
		PersistentModels:   cfg.PersistentModels,
		Options:            generationDefaults(cfg),
	})

	var overrides map[string][]string
	if cfg.PresetsFile != "" {
		overrides, err = sprint.LoadPresetOverrides(cfg.PresetsFile)
		if err != nil {
			return nil, fmt.Errorf("loading preset overrides: %w", err)
		}
	}

	return &App{
		Cfg:          cfg,
		Log:          log,
		Store:        st,
		Types:        types,
		Router:       router,
		Contexts:     contexts,
		Drivers:      drivers,
		Pool:         p,
		Graph:        g,
		Bus:          bus,
		Orchestrator: orch,
		Sprint:       sprint.New(orch, overrides, log),
	}, nil
}

// NewWorker builds the fine-tuning worker for the same store directory.
func NewWorker(cfg config.Config, log *zap.Logger) (*train.Worker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	router, err := modelreg.NewRegistry(st, modelreg.Probes{
		Ollama:     ollama.New(cfg.OllamaHost),
		HFCacheDir: cfg.HFCacheDir,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("loading model registry: %w", err)
	}
	scheduler := train.NewScheduler(st, cfg.HFTraining.Enabled, log)
	pools := pool.New(st, scheduler, poolLimits(cfg), log)

	ollamaStrategy := train.NewOllamaStrategy(filepath.Join(st.Root(), "modelfiles"), log)
	var hfStrategy train.Strategy
	if cfg.HFTraining.Enabled {
		outputDir := cfg.HFTraining.OutputDir
		if outputDir == "" {
			outputDir = filepath.Join(st.Root(), "adapters")
		}
		hf := train.NewHFLoRAStrategy(cfg.HFTraining.TrainerBinary, outputDir, log)
		hf.LoRARank = cfg.HFTraining.LoRARank
		hf.GradAccum = cfg.HFTraining.GradientAccumulation
		hfStrategy = hf
	}
	return train.NewWorker(st, router, pools, ollamaStrategy, hfStrategy, cfg.CheckInterval(), log), nil
}

func poolLimits(cfg config.Config) pool.Limits {
	return pool.Limits{
		MinScore:       cfg.PoolMinScore,
		BatchThreshold: cfg.IncrementalBatchThreshold,
	}
}

// generationDefaults maps configured values onto per-call option defaults. A
// configured threshold of 0 means "accept any parseable artifact", which the
// options express as a negative sentinel.
func generationDefaults(cfg config.Config) generate.Options {
	threshold := cfg.ValidationThreshold
	if threshold == 0 {
		threshold = -1
	}
	retries := cfg.MaxRetriesPerModel
	if retries == 0 {
		retries = -1
	}
	return generate.Options{
		ValidationThreshold: threshold,
		MaxRetriesPerModel:  retries,
		LocalTimeout:        cfg.LocalTimeout(),
		CloudTimeout:        cfg.CloudTimeout(),
	}
}

// registerCloudDrivers wires one driver per enabled cloud provider. A missing
// API key still registers the driver; generation-time errors report it, and
// the registry marks the model no_api_key.
func registerCloudDrivers(drivers *llm.Registry, cfg config.Config) {
	for _, provider := range cfg.CloudProvidersEnabled {
		provider = modelreg.CanonicalProvider(provider)
		key := os.Getenv(modelreg.APIKeyEnv(provider))
		switch provider {
		case "openai":
			drivers.Register(openaicompat.New(openaicompat.Config{
				Provider: "openai",
				APIKey:   key,
				BaseURL:  "https://api.openai.com",
			}))
		case "groq":
			drivers.Register(openaicompat.New(openaicompat.Config{
				Provider: "groq",
				APIKey:   key,
				BaseURL:  "https://api.groq.com/openai",
			}))
		case "anthropic":
			drivers.Register(anthropic.New(key))
		case "gemini":
			drivers.Register(gemini.New(key))
		}
	}
}

// defaultRoutings seeds a local-first routing for every built-in type. First
// run works offline against ollama; users reroute per type afterwards.
func defaultRoutings() map[artifact.Type]modelreg.Routing {
	out := make(map[artifact.Type]modelreg.Routing)
	for _, t := range artifact.Builtins() {
		out[t] = modelreg.Routing{
			PrimaryModel:   "ollama:llama3.2",
			FallbackModels: []string{"ollama:mistral"},
			Enabled:        true,
		}
	}
	// Code benefits from a code-tuned local model first.
	out[artifact.TypeCodePrototype] = modelreg.Routing{
		PrimaryModel:   "ollama:qwen2.5-coder",
		FallbackModels: []string{"ollama:llama3.2"},
		Enabled:        true,
	}
	return out
}
