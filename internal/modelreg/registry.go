package modelreg

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/store"
)

// Model availability states. Probes only ever move a model between states;
// they never remove it from the registry.
const (
	StatusKnown       = "known"
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusAvailable   = "available"
	StatusNoAPIKey    = "no_api_key"
	StatusError       = "error"
)

// ModelInfo is one registered model, local or cloud.
type ModelInfo struct {
	ID          string    `json:"id"` // "<provider>:<name>"
	Name        string    `json:"name"`
	Provider    string    `json:"provider"`
	Status      string    `json:"status"`
	IsFineTuned bool      `json:"is_fine_tuned,omitempty"`
	BaseModel   string    `json:"base_model,omitempty"`
	AddedAt     time.Time `json:"added_at"`
	LastProbe   time.Time `json:"last_probe,omitempty"`
}

// Routing maps one artifact type to an ordered model chain.
type Routing struct {
	ArtifactType   artifact.Type `json:"artifact_type"`
	PrimaryModel   string        `json:"primary_model"`
	FallbackModels []string      `json:"fallback_models"`
	Enabled        bool          `json:"enabled"`
}

var (
	ErrUnknownArtifact = errors.New("modelreg: no routing for artifact type")
	ErrBadRouting      = errors.New("modelreg: invalid routing")
)

const (
	modelsFile   = "models.json"
	routingsFile = "routings.json"
	pairsFile    = "model_registry.json"
)

// Registry owns the model catalog, the per-artifact routing tables, and the
// fine-tuned pair index. All three persist as JSON documents in the store.
type Registry struct {
	mu       sync.RWMutex
	st       *store.Store
	log      *zap.Logger
	models   map[string]ModelInfo
	routings map[artifact.Type]Routing
	pairs    map[string]string // "<type>|<base>" -> fine-tuned model id
	probes   Probes
}

func NewRegistry(st *store.Store, probes Probes, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		st:       st,
		log:      log.Named("modelreg"),
		models:   map[string]ModelInfo{},
		routings: map[artifact.Type]Routing{},
		pairs:    map[string]string{},
		probes:   probes,
	}
	for name, dst := range map[string]any{
		modelsFile:   &r.models,
		routingsFile: &r.routings,
		pairsFile:    &r.pairs,
	} {
		if err := st.Read(name, dst); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
	}
	return r, nil
}

// EnsureDefaults installs routings for artifact types that have none yet.
// Existing routings are never touched.
func (r *Registry) EnsureDefaults(defaults map[artifact.Type]Routing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for t, routing := range defaults {
		if _, ok := r.routings[t]; ok {
			continue
		}
		routing.ArtifactType = t
		routing.PrimaryModel = NormalizeModelID(routing.PrimaryModel, "ollama")
		for i, m := range routing.FallbackModels {
			routing.FallbackModels[i] = NormalizeModelID(m, "ollama")
		}
		r.routings[t] = routing
		changed = true
	}
	if !changed {
		return nil
	}
	return r.st.Write(routingsFile, r.routings)
}

// AddModel registers a model if absent; an existing record keeps its status.
func (r *Registry) AddModel(id string) (ModelInfo, error) {
	id = NormalizeModelID(id, "ollama")
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[id]; ok {
		return m, nil
	}
	provider, name := SplitModelID(id)
	m := ModelInfo{
		ID:       id,
		Name:     name,
		Provider: provider,
		Status:   StatusKnown,
		AddedAt:  time.Now().UTC(),
	}
	r.models[id] = m
	return m, r.st.Write(modelsFile, r.models)
}

// Model returns the record for a (possibly non-normalized) id.
func (r *Registry) Model(id string) (ModelInfo, bool) {
	id = NormalizeModelID(id, "ollama")
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// Models returns all registered models sorted by id.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b ModelInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Routing returns the routing for one artifact type.
func (r *Registry) Routing(t artifact.Type) (Routing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routing, ok := r.routings[t]
	return routing, ok
}

// Routings returns every routing keyed by artifact type.
func (r *Registry) Routings() map[artifact.Type]Routing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[artifact.Type]Routing, len(r.routings))
	for t, routing := range r.routings {
		out[t] = routing
	}
	return out
}

// ModelsForArtifact returns the ordered model chain for a type: primary
// first, then fallbacks, deduplicated. A fine-tuned model registered for the
// type and the primary's base takes the primary's place.
func (r *Registry) ModelsForArtifact(t artifact.Type) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routing, ok := r.routings[t]
	if !ok || !routing.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArtifact, t)
	}
	chain := make([]string, 0, 1+len(routing.FallbackModels))
	primary := routing.PrimaryModel
	if ft, ok := r.pairs[pairKey(t, primary)]; ok {
		primary = ft
	}
	chain = append(chain, primary)
	for _, m := range routing.FallbackModels {
		if !slices.Contains(chain, m) {
			chain = append(chain, m)
		}
	}
	return chain, nil
}

// UpdateRouting replaces the routing for one artifact type. The write is
// validated first and persisted before the in-memory table changes, so a
// failed write leaves the previous routing intact.
func (r *Registry) UpdateRouting(t artifact.Type, primary string, fallbacks []string, enabled bool) error {
	primary = NormalizeModelID(primary, "ollama")
	normalized := make([]string, 0, len(fallbacks))
	for _, m := range fallbacks {
		normalized = append(normalized, NormalizeModelID(m, "ollama"))
	}
	if primary == "" {
		return fmt.Errorf("%w: empty primary model", ErrBadRouting)
	}
	if slices.Contains(normalized, primary) {
		return fmt.Errorf("%w: primary %s repeated in fallbacks", ErrBadRouting, primary)
	}
	routing := Routing{
		ArtifactType:   t,
		PrimaryModel:   primary,
		FallbackModels: normalized,
		Enabled:        enabled,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[artifact.Type]Routing, len(r.routings)+1)
	for k, v := range r.routings {
		next[k] = v
	}
	next[t] = routing
	if err := r.st.Write(routingsFile, next); err != nil {
		return fmt.Errorf("persisting routing: %w", err)
	}
	r.routings = next
	r.log.Info("routing updated",
		zap.String("artifact_type", string(t)),
		zap.String("primary", primary),
		zap.Strings("fallbacks", normalized))
	return nil
}

// Promote makes model the primary for the artifact type. The displaced
// primary becomes the first fallback. Promoting the current primary is a
// no-op.
func (r *Registry) Promote(t artifact.Type, model string) error {
	model = NormalizeModelID(model, "ollama")

	r.mu.Lock()
	defer r.mu.Unlock()
	routing, ok := r.routings[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArtifact, t)
	}
	if routing.PrimaryModel == model {
		return nil
	}
	fallbacks := make([]string, 0, len(routing.FallbackModels)+1)
	fallbacks = append(fallbacks, routing.PrimaryModel)
	for _, m := range routing.FallbackModels {
		if m != model && m != routing.PrimaryModel {
			fallbacks = append(fallbacks, m)
		}
	}
	routing.PrimaryModel = model
	routing.FallbackModels = fallbacks

	next := make(map[artifact.Type]Routing, len(r.routings))
	for k, v := range r.routings {
		next[k] = v
	}
	next[t] = routing
	if err := r.st.Write(routingsFile, next); err != nil {
		return fmt.Errorf("persisting promotion: %w", err)
	}
	r.routings = next
	r.log.Info("model promoted",
		zap.String("artifact_type", string(t)), zap.String("model", model))
	return nil
}

// RegisterFineTuned records a fine-tuned model produced for an artifact type
// from a base model, and registers the model itself.
func (r *Registry) RegisterFineTuned(t artifact.Type, base, model string) error {
	base = NormalizeModelID(base, "ollama")
	model = NormalizeModelID(model, "ollama")
	provider, name := SplitModelID(model)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[model]; !ok {
		r.models[model] = ModelInfo{
			ID:          model,
			Name:        name,
			Provider:    provider,
			Status:      StatusDownloaded,
			IsFineTuned: true,
			BaseModel:   base,
			AddedAt:     time.Now().UTC(),
		}
	}
	nextPairs := make(map[string]string, len(r.pairs)+1)
	for k, v := range r.pairs {
		nextPairs[k] = v
	}
	nextPairs[pairKey(t, base)] = model
	if err := r.st.WriteAll(map[string]any{
		modelsFile: r.models,
		pairsFile:  nextPairs,
	}); err != nil {
		return fmt.Errorf("persisting fine-tuned registration: %w", err)
	}
	r.pairs = nextPairs
	return nil
}

// FineTunedFor returns the fine-tuned model registered for (type, base).
func (r *Registry) FineTunedFor(t artifact.Type, base string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.pairs[pairKey(t, NormalizeModelID(base, "ollama"))]
	return m, ok
}

// PreferredCloud returns the provider and model when the type's primary is a
// cloud model whose provider has a credential. Generation short-circuits to
// the cloud in that case instead of walking the local chain.
func (r *Registry) PreferredCloud(t artifact.Type) (provider, model string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routing, found := r.routings[t]
	if !found || !routing.Enabled {
		return "", "", false
	}
	provider, name := SplitModelID(routing.PrimaryModel)
	if !IsCloudProvider(provider) {
		return "", "", false
	}
	if m, known := r.models[routing.PrimaryModel]; known && m.Status == StatusNoAPIKey {
		return "", "", false
	}
	if !r.probes.hasKey(provider) {
		return "", "", false
	}
	return provider, name, true
}

func (r *Registry) setStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[id]
	if !ok {
		provider, name := SplitModelID(id)
		m = ModelInfo{ID: id, Name: name, Provider: provider, AddedAt: time.Now().UTC()}
	}
	m.Status = status
	m.LastProbe = time.Now().UTC()
	r.models[id] = m
}

func (r *Registry) flushModels() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Write(modelsFile, r.models)
}

// routedModelIDs returns every model id referenced by any routing.
func (r *Registry) routedModelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, routing := range r.routings {
		add(routing.PrimaryModel)
		for _, m := range routing.FallbackModels {
			add(m)
		}
	}
	for id := range r.models {
		add(id)
	}
	slices.Sort(out)
	return out
}

func pairKey(t artifact.Type, base string) string {
	return fmt.Sprintf("%s|%s", t, base)
}
