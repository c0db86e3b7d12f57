// Package llm defines the provider driver contract the generation pipeline
// consumes, plus the unified error hierarchy drivers translate provider-native
// failures into.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request is a single-shot generation call. Artifact generation has no tool
// calls or multi-turn state; one prompt in, one completion out.
type Request struct {
	Model         string
	Prompt        string
	SystemMessage string
	Temperature   float64
	MaxTokens     int
	ContextWindow int
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return &ConfigurationError{Message: "prompt is required"}
	}
	return nil
}

// Response carries the completion and call accounting.
type Response struct {
	Content         string
	TokensGenerated int
	Duration        time.Duration
}

// Driver is implemented once per provider. Drivers translate provider-native
// errors into the typed Error hierarchy so the orchestrator can classify
// retryability without knowing the provider.
type Driver interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// StatusProber is implemented by drivers that can report availability without
// performing a generation (Ollama /api/tags, cloud key presence).
type StatusProber interface {
	Probe(ctx context.Context) error
}

// Unloader is implemented by local drivers that hold models in VRAM.
type Unloader interface {
	Unload(ctx context.Context, model string) error
}

// Registry maps provider names to drivers.
type Registry struct {
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Driver{}}
}

func (r *Registry) Register(d Driver) {
	if r.drivers == nil {
		r.drivers = map[string]Driver{}
	}
	r.drivers[strings.ToLower(strings.TrimSpace(d.Name()))] = d
}

func (r *Registry) Get(provider string) (Driver, error) {
	d, ok := r.drivers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", provider)}
	}
	return d, nil
}

func (r *Registry) Names() []string {
	if r == nil || len(r.drivers) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	return out
}
