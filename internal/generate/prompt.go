package generate

import (
	"fmt"
	"strings"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/contextbuild"
	"github.com/fabrica-dev/fabrica/internal/validate"
)

// BuildPrompt produces the system and user messages for one model call. A
// custom type's template replaces the default user prompt entirely; the
// category system message still applies.
func BuildPrompt(def artifact.Definition, meetingNotes, contextText string) (system, user string) {
	system = systemMessage(def)
	if def.Custom && def.PromptTemplate != "" {
		user = strings.NewReplacer(
			artifact.PlaceholderNotes, meetingNotes,
			artifact.PlaceholderContext, contextText,
		).Replace(def.PromptTemplate)
		return system, user
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Generate a %s from the requirements below.\n\n", def.Type.PrettyName())
	sb.WriteString("## Requirements\n")
	sb.WriteString(meetingNotes)
	if strings.TrimSpace(contextText) != "" {
		sb.WriteString("\n\n## Project Context (from codebase)\n")
		sb.WriteString(contextText)
	}
	sb.WriteString("\n\n## Instructions\n")
	sb.WriteString("1. Make the output complete and production-ready\n")
	sb.WriteString("2. Follow best practices for this artifact kind\n")
	sb.WriteString("3. Include all necessary details\n")
	sb.WriteString("4. Validate the syntax before answering\n")
	sb.WriteString(categoryInstructions(def))
	return system, sb.String()
}

func systemMessage(def artifact.Definition) string {
	switch def.Category {
	case artifact.CategoryDiagramMermaid:
		header := def.Type.MermaidHeader()
		var sb strings.Builder
		sb.WriteString("You are an expert technical diagrammer producing Mermaid syntax.\n")
		if header != "" {
			fmt.Fprintf(&sb, "The diagram must begin with the %q header on its first line.\n", header)
		}
		sb.WriteString(diagramSyntaxRules(def.Type))
		sb.WriteString("Output ONLY the diagram code. No prose, no markdown fences, no explanations.")
		return sb.String()
	case artifact.CategoryDiagramHTML:
		return "You are an expert frontend engineer. Output a single complete HTML document " +
			"with inline <style> and <script>. No markdown fences, no prose outside the document."
	case artifact.CategoryCode:
		return "You are an expert software engineer. Output runnable code only, structured as " +
			"a " + validate.CodeImplMarker + " section followed by a " + validate.CodeTestsMarker + " section."
	default:
		return "You are an expert technical writer. Output well-structured markdown with headings."
	}
}

func diagramSyntaxRules(t artifact.Type) string {
	switch t {
	case artifact.TypeMermaidERD:
		return "Use entity blocks `NAME { type field }` and relationships with cardinality " +
			"markers such as ||--o{ and }o--o{. Define at least two entities and one relationship.\n"
	case artifact.TypeMermaidArchitecture, artifact.TypeMermaidFlowchart, artifact.TypeMermaidComponent:
		return "Declare a direction (TD or LR), give every node a shape, and connect nodes with --> edges.\n"
	case artifact.TypeMermaidSequence:
		return "Declare participants and exchange messages with ->> and -->> arrows.\n"
	case artifact.TypeMermaidGantt:
		return "Include a title and a dateFormat line. Express ordering with `after <taskId>`; " +
			"the word depend is not valid gantt syntax.\n"
	default:
		return ""
	}
}

func categoryInstructions(def artifact.Definition) string {
	switch def.Type {
	case artifact.TypeJira:
		return "5. Write stories in the form \"As a <role>, I want <capability> so that <benefit>\" with acceptance criteria\n"
	case artifact.TypeAPIDocs:
		return "5. Document every endpoint with its HTTP verb and path\n"
	case artifact.TypeCodePrototype:
		return "5. Separate the sections with " + validate.CodeImplMarker + " and " + validate.CodeTestsMarker + " markers\n"
	default:
		return ""
	}
}

// enhanceNotes appends labeled excerpts of previously generated artifacts so
// later generations see deterministic upstream context.
func enhanceNotes(notes string, upstream []UpstreamExcerpt, excerptChars int) string {
	if len(upstream) == 0 {
		return notes
	}
	var sb strings.Builder
	sb.WriteString(notes)
	sb.WriteString("\n\n---\n")
	for _, u := range upstream {
		fmt.Fprintf(&sb, "\n## Previously generated: %s\n", u.Type.PrettyName())
		sb.WriteString(contextbuild.TruncateRunes(u.Content, excerptChars))
		sb.WriteString("\n")
	}
	return sb.String()
}

// UpstreamExcerpt is a slice of an earlier artifact fed into a later prompt.
type UpstreamExcerpt struct {
	Type    artifact.Type
	Content string
}
