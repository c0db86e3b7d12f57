package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-dev/fabrica/internal/store"
)

func newRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	r, err := NewRegistry(st)
	require.NoError(t, err)
	return r, st
}

func TestResolveBuiltin(t *testing.T) {
	r, _ := newRegistry(t)

	def, err := r.Resolve("mermaid_erd")
	require.NoError(t, err)
	assert.Equal(t, TypeMermaidERD, def.Type)
	assert.Equal(t, CategoryDiagramMermaid, def.Category)
	assert.False(t, def.Custom)

	def, err = r.Resolve("API_DOCS")
	require.NoError(t, err)
	assert.Equal(t, TypeAPIDocs, def.Type)
	assert.Equal(t, CategoryDoc, def.Category)
}

func TestResolveUnknown(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Resolve("not_a_type")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegisterCustomRequiresPlaceholders(t *testing.T) {
	r, _ := newRegistry(t)

	err := r.RegisterCustom("risk_matrix", "Generate from {meeting_notes}", CategoryDoc)
	assert.ErrorIs(t, err, ErrInvalidTemplate)

	err = r.RegisterCustom("risk_matrix", "Notes: {meeting_notes}\nContext: {context}", CategoryDoc)
	require.NoError(t, err)

	def, err := r.Resolve("risk_matrix")
	require.NoError(t, err)
	assert.True(t, def.Custom)
	assert.Contains(t, def.PromptTemplate, PlaceholderContext)
}

func TestRegisterCustomConflicts(t *testing.T) {
	r, _ := newRegistry(t)
	tmpl := "{meeting_notes} {context}"

	assert.ErrorIs(t, r.RegisterCustom("mermaid_erd", tmpl, CategoryDiagramMermaid), ErrConflict)

	require.NoError(t, r.RegisterCustom("runbook", tmpl, CategoryDoc))
	assert.ErrorIs(t, r.RegisterCustom("runbook", tmpl, CategoryDoc), ErrConflict)
}

func TestCustomTypesPersistAcrossRestart(t *testing.T) {
	r, st := newRegistry(t)
	require.NoError(t, r.RegisterCustom("runbook", "{meeting_notes} {context}", CategoryDoc))

	r2, err := NewRegistry(st)
	require.NoError(t, err)
	def, err := r2.Resolve("runbook")
	require.NoError(t, err)
	assert.True(t, def.Custom)
	assert.Equal(t, CategoryDoc, def.Category)
}

func TestHTMLVariant(t *testing.T) {
	assert.Equal(t, Type("html_erd"), TypeMermaidERD.HTMLVariant())
	assert.Equal(t, Type("html_c4_context"), TypeMermaidC4Context.HTMLVariant())
	assert.Equal(t, TypeAPIDocs, TypeAPIDocs.HTMLVariant())

	cat, ok := BuiltinCategory(Type("html_erd"))
	require.True(t, ok)
	assert.Equal(t, CategoryDiagramHTML, cat)
}

func TestMermaidHeaders(t *testing.T) {
	assert.Equal(t, "erDiagram", TypeMermaidERD.MermaidHeader())
	assert.Equal(t, "flowchart", TypeMermaidArchitecture.MermaidHeader())
	assert.Equal(t, "gitGraph", TypeMermaidGitGraph.MermaidHeader())
	assert.Equal(t, "", TypeAPIDocs.MermaidHeader())
}

func TestPrettyName(t *testing.T) {
	assert.Equal(t, "Entity Relationship Diagram", TypeMermaidERD.PrettyName())
	assert.Equal(t, "Sequence Diagram", TypeMermaidSequence.PrettyName())
	assert.Equal(t, "Code Prototype", TypeCodePrototype.PrettyName())
	assert.Equal(t, "API Documentation", TypeAPIDocs.PrettyName())
}

func TestBuiltinsIncludeHTMLVariants(t *testing.T) {
	all := Builtins()
	assert.Contains(t, all, Type("html_erd"))
	assert.Contains(t, all, TypeMermaidERD)
	assert.Contains(t, all, TypeFeatureScoring)
	// 17 mermaid + 17 html variants + 9 non-diagram kinds.
	assert.Len(t, all, 43)
}
