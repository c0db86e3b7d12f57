// Package artifact defines the closed set of built-in artifact types, their
// validator categories, and the runtime registry for custom types.
package artifact

import (
	"strings"
)

// Type identifies an artifact kind. Built-in values are closed; custom types
// extend the set at runtime through the Registry.
type Type string

const (
	TypeMermaidERD          Type = "mermaid_erd"
	TypeMermaidArchitecture Type = "mermaid_architecture"
	TypeMermaidSequence     Type = "mermaid_sequence"
	TypeMermaidClass        Type = "mermaid_class"
	TypeMermaidState        Type = "mermaid_state"
	TypeMermaidFlowchart    Type = "mermaid_flowchart"
	TypeMermaidComponent    Type = "mermaid_component"
	TypeMermaidGantt        Type = "mermaid_gantt"
	TypeMermaidPie          Type = "mermaid_pie"
	TypeMermaidJourney      Type = "mermaid_journey"
	TypeMermaidMindmap      Type = "mermaid_mindmap"
	TypeMermaidGitGraph     Type = "mermaid_gitgraph"
	TypeMermaidTimeline     Type = "mermaid_timeline"
	TypeMermaidC4Context    Type = "mermaid_c4_context"
	TypeMermaidC4Container  Type = "mermaid_c4_container"
	TypeMermaidC4Component  Type = "mermaid_c4_component"
	TypeMermaidC4Deployment Type = "mermaid_c4_deployment"

	TypeAPIDocs         Type = "api_docs"
	TypeCodePrototype   Type = "code_prototype"
	TypeVisualPrototype Type = "visual_prototype"

	TypeJira           Type = "jira"
	TypeWorkflows      Type = "workflows"
	TypeBacklog        Type = "backlog"
	TypePersonas       Type = "personas"
	TypeEstimations    Type = "estimations"
	TypeFeatureScoring Type = "feature_scoring"
)

// Category determines which validator family runs for a type.
type Category string

const (
	CategoryDiagramMermaid Category = "diagram-mermaid"
	CategoryDiagramHTML    Category = "diagram-html"
	CategoryCode           Category = "code"
	CategoryDoc            Category = "doc"
)

const htmlPrefix = "html_"

// mermaidTypes lists every Mermaid diagram type; the HTML variants are
// derived from this list.
var mermaidTypes = []Type{
	TypeMermaidERD, TypeMermaidArchitecture, TypeMermaidSequence,
	TypeMermaidClass, TypeMermaidState, TypeMermaidFlowchart,
	TypeMermaidComponent, TypeMermaidGantt, TypeMermaidPie,
	TypeMermaidJourney, TypeMermaidMindmap, TypeMermaidGitGraph,
	TypeMermaidTimeline, TypeMermaidC4Context, TypeMermaidC4Container,
	TypeMermaidC4Component, TypeMermaidC4Deployment,
}

var builtinCategories = buildBuiltinCategories()

func buildBuiltinCategories() map[Type]Category {
	m := map[Type]Category{
		TypeAPIDocs:         CategoryDoc,
		TypeCodePrototype:   CategoryCode,
		TypeVisualPrototype: CategoryDiagramHTML,
		TypeJira:            CategoryDoc,
		TypeWorkflows:       CategoryDoc,
		TypeBacklog:         CategoryDoc,
		TypePersonas:        CategoryDoc,
		TypeEstimations:     CategoryDoc,
		TypeFeatureScoring:  CategoryDoc,
	}
	for _, t := range mermaidTypes {
		m[t] = CategoryDiagramMermaid
		m[t.HTMLVariant()] = CategoryDiagramHTML
	}
	return m
}

// IsBuiltin reports whether t is one of the closed built-in types.
func IsBuiltin(t Type) bool {
	_, ok := builtinCategories[t]
	return ok
}

// BuiltinCategory returns the validator category for a built-in type.
func BuiltinCategory(t Type) (Category, bool) {
	c, ok := builtinCategories[t]
	return c, ok
}

// Builtins returns all built-in types in stable order.
func Builtins() []Type {
	out := make([]Type, 0, len(builtinCategories))
	for _, t := range mermaidTypes {
		out = append(out, t, t.HTMLVariant())
	}
	out = append(out,
		TypeAPIDocs, TypeCodePrototype, TypeVisualPrototype,
		TypeJira, TypeWorkflows, TypeBacklog,
		TypePersonas, TypeEstimations, TypeFeatureScoring,
	)
	return out
}

// IsMermaid reports whether t renders through the Mermaid validator.
func (t Type) IsMermaid() bool {
	return builtinCategories[t] == CategoryDiagramMermaid
}

// HTMLVariant maps a Mermaid type to its HTML companion type
// (mermaid_erd -> html_erd). Non-mermaid types map to themselves.
func (t Type) HTMLVariant() Type {
	s := string(t)
	if strings.HasPrefix(s, "mermaid_") {
		return Type(htmlPrefix + strings.TrimPrefix(s, "mermaid_"))
	}
	return t
}

// ArtifactID is the stable artifact identity used by the dependency graph and
// version history: the type value itself.
func (t Type) ArtifactID() string { return string(t) }

// MermaidHeader returns the diagram header that must open a valid diagram of
// this type. Empty for non-mermaid types.
func (t Type) MermaidHeader() string {
	switch t {
	case TypeMermaidERD:
		return "erDiagram"
	case TypeMermaidArchitecture, TypeMermaidFlowchart, TypeMermaidComponent:
		return "flowchart"
	case TypeMermaidSequence:
		return "sequenceDiagram"
	case TypeMermaidClass:
		return "classDiagram"
	case TypeMermaidState:
		return "stateDiagram-v2"
	case TypeMermaidGantt:
		return "gantt"
	case TypeMermaidPie:
		return "pie"
	case TypeMermaidJourney:
		return "journey"
	case TypeMermaidMindmap:
		return "mindmap"
	case TypeMermaidGitGraph:
		return "gitGraph"
	case TypeMermaidTimeline:
		return "timeline"
	case TypeMermaidC4Context:
		return "C4Context"
	case TypeMermaidC4Container:
		return "C4Container"
	case TypeMermaidC4Component:
		return "C4Component"
	case TypeMermaidC4Deployment:
		return "C4Deployment"
	default:
		return ""
	}
}

var prettyOverrides = map[Type]string{
	TypeMermaidERD:          "Entity Relationship Diagram",
	TypeMermaidGitGraph:     "Git Graph",
	TypeMermaidC4Context:    "C4 Context Diagram",
	TypeMermaidC4Container:  "C4 Container Diagram",
	TypeMermaidC4Component:  "C4 Component Diagram",
	TypeMermaidC4Deployment: "C4 Deployment Diagram",
	TypeAPIDocs:             "API Documentation",
	TypeJira:                "JIRA Stories",
}

// PrettyName renders a human-readable name for prompt headers.
func (t Type) PrettyName() string {
	if name, ok := prettyOverrides[t]; ok {
		return name
	}
	s := string(t)
	s = strings.TrimPrefix(s, "mermaid_")
	if strings.HasPrefix(s, htmlPrefix) {
		s = strings.TrimPrefix(s, htmlPrefix) + " html"
	}
	words := strings.Split(s, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	name := strings.Join(words, " ")
	if t.IsMermaid() && !strings.Contains(strings.ToLower(name), "diagram") {
		name += " Diagram"
	}
	return name
}
