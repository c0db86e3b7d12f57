package artifact

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fabrica-dev/fabrica/internal/store"
)

var (
	// ErrInvalidTemplate is returned when a custom prompt template is missing
	// a required placeholder.
	ErrInvalidTemplate = errors.New("artifact: invalid prompt template")
	// ErrConflict is returned when a custom type name collides with a
	// built-in or an existing custom type.
	ErrConflict = errors.New("artifact: type already registered")
	// ErrUnknownType is returned by Resolve for names that match nothing.
	ErrUnknownType = errors.New("artifact: unknown type")
)

const customTypesDoc = "custom_types.json"

// PlaceholderNotes and PlaceholderContext must both appear in every custom
// prompt template.
const (
	PlaceholderNotes   = "{meeting_notes}"
	PlaceholderContext = "{context}"
)

// CustomType is a runtime-registered artifact type with its own prompt
// template. Custom types persist across restarts.
type CustomType struct {
	Name           string    `json:"name"`
	PromptTemplate string    `json:"prompt_template"`
	Category       Category  `json:"category"`
	CreatedAt      time.Time `json:"created_at"`
}

// Definition is the resolved view of a type: built-in or custom.
type Definition struct {
	Type           Type
	Category       Category
	PromptTemplate string // empty for built-ins: the default prompt builder applies
	Custom         bool
}

// Registry resolves artifact type names and owns the custom type set.
type Registry struct {
	mu     sync.RWMutex
	store  *store.Store
	custom map[string]CustomType
}

func NewRegistry(st *store.Store) (*Registry, error) {
	r := &Registry{store: st, custom: map[string]CustomType{}}
	var persisted []CustomType
	if err := st.Read(customTypesDoc, &persisted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	for _, ct := range persisted {
		r.custom[ct.Name] = ct
	}
	return r, nil
}

// Resolve maps a type name to its definition. Built-ins win over custom types
// by construction: RegisterCustom refuses built-in names.
func (r *Registry) Resolve(name string) (Definition, error) {
	t := Type(strings.ToLower(strings.TrimSpace(name)))
	if cat, ok := BuiltinCategory(t); ok {
		return Definition{Type: t, Category: cat}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ct, ok := r.custom[string(t)]; ok {
		return Definition{Type: t, Category: ct.Category, PromptTemplate: ct.PromptTemplate, Custom: true}, nil
	}
	return Definition{}, fmt.Errorf("%w: %s", ErrUnknownType, name)
}

// RegisterCustom adds a custom type. The template must contain both
// placeholders or registration fails with ErrInvalidTemplate.
func (r *Registry) RegisterCustom(name, promptTemplate string, category Category) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("%w: empty name", ErrConflict)
	}
	if !strings.Contains(promptTemplate, PlaceholderNotes) || !strings.Contains(promptTemplate, PlaceholderContext) {
		return fmt.Errorf("%w: template must contain %s and %s", ErrInvalidTemplate, PlaceholderNotes, PlaceholderContext)
	}
	switch category {
	case CategoryDiagramMermaid, CategoryDiagramHTML, CategoryCode, CategoryDoc:
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidTemplate, category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if IsBuiltin(Type(key)) {
		return fmt.Errorf("%w: %s is built-in", ErrConflict, key)
	}
	if _, ok := r.custom[key]; ok {
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}
	r.custom[key] = CustomType{
		Name:           key,
		PromptTemplate: promptTemplate,
		Category:       category,
		CreatedAt:      time.Now().UTC(),
	}
	return r.persistLocked()
}

// CustomTypes returns the registered custom types.
func (r *Registry) CustomTypes() []CustomType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CustomType, 0, len(r.custom))
	for _, ct := range r.custom {
		out = append(out, ct)
	}
	return out
}

func (r *Registry) persistLocked() error {
	out := make([]CustomType, 0, len(r.custom))
	for _, ct := range r.custom {
		out = append(out, ct)
	}
	return r.store.Write(customTypesDoc, out)
}
