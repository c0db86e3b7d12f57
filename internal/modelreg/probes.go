package modelreg

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	probeTimeout     = 5 * time.Second
	probeConcurrency = 8
)

// OllamaLister lists the tags the local ollama daemon has pulled.
type OllamaLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Probes holds the registry's availability checks. LookupEnv defaults to
// os.LookupEnv; tests inject their own.
type Probes struct {
	Ollama     OllamaLister
	HFCacheDir string
	LookupEnv  func(string) (string, bool)
}

func (p Probes) hasKey(provider string) bool {
	env := APIKeyEnv(provider)
	if env == "" {
		return false
	}
	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(env)
	return ok && strings.TrimSpace(v) != ""
}

// RefreshStatuses probes every routed and registered model and updates its
// status. Probes run with bounded concurrency and a per-probe timeout, and a
// failed probe downgrades the status without ever dropping the record.
func (r *Registry) RefreshStatuses(ctx context.Context) error {
	ids := r.routedModelIDs()

	// One tags call covers every ollama model.
	var ollamaTags map[string]struct{}
	var ollamaErr error
	if r.probes.Ollama != nil {
		tagCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		tags, err := r.probes.Ollama.ListModels(tagCtx)
		cancel()
		if err != nil {
			ollamaErr = err
			r.log.Warn("ollama tag listing failed", zap.Error(err))
		} else {
			ollamaTags = make(map[string]struct{}, len(tags))
			for _, tag := range tags {
				ollamaTags[tag] = struct{}{}
				// "llama3:latest" also answers to "llama3".
				if base, _, found := strings.Cut(tag, ":"); found {
					ollamaTags[base] = struct{}{}
				}
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, probeTimeout)
			defer cancel()
			r.setStatus(id, r.probeOne(probeCtx, id, ollamaTags, ollamaErr))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return r.flushModels()
}

func (r *Registry) probeOne(_ context.Context, id string, ollamaTags map[string]struct{}, ollamaErr error) string {
	provider, name := SplitModelID(id)
	switch {
	case provider == "ollama":
		if ollamaErr != nil || ollamaTags == nil {
			return StatusError
		}
		if _, ok := ollamaTags[name]; ok {
			return StatusAvailable
		}
		return StatusKnown
	case provider == "huggingface":
		if r.hfSnapshotPresent(name) {
			return StatusDownloaded
		}
		return StatusKnown
	case IsCloudProvider(provider):
		if r.probes.hasKey(provider) {
			return StatusAvailable
		}
		return StatusNoAPIKey
	default:
		return StatusError
	}
}

// hfSnapshotPresent checks the hub cache for a materialized snapshot of the
// model, i.e. a snapshots/<rev> directory with at least one weight file.
func (r *Registry) hfSnapshotPresent(name string) bool {
	if r.probes.HFCacheDir == "" {
		return false
	}
	repoDir := "models--" + strings.ReplaceAll(name, "/", "--")
	pattern := filepath.Join(r.probes.HFCacheDir, repoDir, "snapshots", "*", "**", "*.{safetensors,bin,gguf}")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		r.log.Warn("huggingface cache glob failed", zap.String("model", name), zap.Error(err))
		return false
	}
	if len(matches) > 0 {
		return true
	}
	// Adapter-only fine-tunes ship config without weights in the root.
	cfg := filepath.Join(r.probes.HFCacheDir, repoDir, "snapshots", "*", "adapter_config.json")
	matches, err = doublestar.FilepathGlob(cfg)
	return err == nil && len(matches) > 0
}
