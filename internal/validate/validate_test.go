package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

const goodERD = `erDiagram
    USER {
        string id PK
        string email
    }
    ORDER {
        string id PK
        string user_id FK
    }
    USER ||--o{ ORDER : places
`

const goodFlowchart = `flowchart TD
    A[Client] --> B[API Gateway]
    B --> C[Service]
    C --> D[(Database)]
`

func rules(diags []Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Rule)
	}
	return out
}

func TestValidateGoodERD(t *testing.T) {
	res := Validate(artifact.TypeMermaidERD, artifact.CategoryDiagramMermaid, goodERD)
	assert.Equal(t, 100, res.Score)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Diagnostics)
}

func TestValidateERDMissingRelationship(t *testing.T) {
	content := "erDiagram\n    USER {\n        string id\n    }\n    ORDER {\n        string id\n    }\n"
	res := Validate(artifact.TypeMermaidERD, artifact.CategoryDiagramMermaid, content)
	assert.False(t, res.Passed)
	assert.Contains(t, rules(res.Diagnostics), "erd_relationships")
}

func TestValidateERDSingleEntity(t *testing.T) {
	content := "erDiagram\n    USER {\n        string id\n    }\n"
	res := Validate(artifact.TypeMermaidERD, artifact.CategoryDiagramMermaid, content)
	assert.Contains(t, rules(res.Diagnostics), "erd_entities")
	assert.Contains(t, rules(res.Diagnostics), "erd_relationships")
	assert.Equal(t, 40, res.Score)
}

func TestValidateFlowchart(t *testing.T) {
	res := Validate(artifact.TypeMermaidArchitecture, artifact.CategoryDiagramMermaid, goodFlowchart)
	assert.True(t, res.Passed)

	res = Validate(artifact.TypeMermaidFlowchart, artifact.CategoryDiagramMermaid, "flowchart\n    A[x] --> B[y]\n    B --> C[z]\n")
	assert.Contains(t, rules(res.Diagnostics), "flow_direction")
}

func TestValidateSequenceNeedsMessages(t *testing.T) {
	content := "sequenceDiagram\n    participant A\n    participant B\n    A->>B: hello\n"
	res := Validate(artifact.TypeMermaidSequence, artifact.CategoryDiagramMermaid, content)
	assert.Contains(t, rules(res.Diagnostics), "sequence_messages")

	content += "    B-->>A: reply\n"
	res = Validate(artifact.TypeMermaidSequence, artifact.CategoryDiagramMermaid, content)
	assert.True(t, res.Passed)
}

func TestValidateGanttRejectsDepend(t *testing.T) {
	content := "gantt\n    title Sprint 1\n    dateFormat YYYY-MM-DD\n    section Build\n    Task A :a1, 2026-08-01, 3d\n    Task B :after a1, depends a1, 2d\n"
	res := Validate(artifact.TypeMermaidGantt, artifact.CategoryDiagramMermaid, content)
	require.False(t, res.Passed)
	assert.Contains(t, rules(res.Diagnostics), "gantt_depend")
}

func TestValidateERDFieldShape(t *testing.T) {
	content := "erDiagram\n    USER {\n        string id PK\n        +login() void\n    }\n" +
		"    ORDER {\n        string id PK\n    }\n    USER ||--o{ ORDER : places\n"
	res := Validate(artifact.TypeMermaidERD, artifact.CategoryDiagramMermaid, content)
	assert.False(t, res.Passed)
	assert.Contains(t, rules(res.Diagnostics), "erd_field_shape")
}

func TestValidateGanttTaskShape(t *testing.T) {
	good := "gantt\n    title Sprint 1\n    dateFormat YYYY-MM-DD\n    section Build\n" +
		"    Task A :a1, 2026-08-01, 3d\n    Task B :b1, after a1, 2d\n"
	res := Validate(artifact.TypeMermaidGantt, artifact.CategoryDiagramMermaid, good)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Diagnostics)

	bad := "gantt\n    title Sprint 1\n    dateFormat YYYY-MM-DD\n    section Build\n    Task A : three loose words\n"
	res = Validate(artifact.TypeMermaidGantt, artifact.CategoryDiagramMermaid, bad)
	assert.False(t, res.Passed)
	assert.Contains(t, rules(res.Diagnostics), "gantt_task_shape")
}

func TestValidateEmpty(t *testing.T) {
	res := Validate(artifact.TypeMermaidERD, artifact.CategoryDiagramMermaid, "   \n")
	assert.Equal(t, 0, res.Score)
	assert.False(t, res.Passed)
}

func TestCleanStripsFenceAndProse(t *testing.T) {
	raw := "Here is your diagram:\n```mermaid\n" + goodERD + "```\nLet me know if you need changes."
	res := Validate(artifact.TypeMermaidERD, artifact.CategoryDiagramMermaid, raw)
	assert.True(t, res.Passed)
	assert.True(t, strings.HasPrefix(res.Cleaned, "erDiagram"))
	assert.NotContains(t, res.Cleaned, "```")
}

func TestCleanFixesArrowSyntax(t *testing.T) {
	raw := "flowchart TD\n    A[a] --|> B[b]\n    B --> C[c]\n"
	cleaned := Clean(artifact.TypeMermaidFlowchart, artifact.CategoryDiagramMermaid, raw)
	assert.Contains(t, cleaned, "A[a] --> B[b]")
	assert.NotContains(t, cleaned, "|>")
}

func TestCleanCoercesClassToERD(t *testing.T) {
	raw := "classDiagram\n    USER {\n        string id\n    }\n    ORDER {\n        string id\n    }\n    USER ||--o{ ORDER : places\n"
	cleaned := Clean(artifact.TypeMermaidERD, artifact.CategoryDiagramMermaid, raw)
	assert.True(t, strings.HasPrefix(cleaned, "erDiagram"))
}

func TestCleanConverges(t *testing.T) {
	raw := "Sure! ```mermaid\n" + goodFlowchart + "```"
	once := Clean(artifact.TypeMermaidFlowchart, artifact.CategoryDiagramMermaid, raw)
	twice := Clean(artifact.TypeMermaidFlowchart, artifact.CategoryDiagramMermaid, once)
	assert.Equal(t, once, twice)
}

func TestExtractMermaidFromHeader(t *testing.T) {
	raw := "The entity model follows.\n\n" + goodERD
	got := ExtractMermaid(artifact.TypeMermaidERD, raw)
	assert.True(t, strings.HasPrefix(got, "erDiagram"))
}

func TestValidateCodeMarkers(t *testing.T) {
	content := "import \"testing\"\n\n" + CodeImplMarker + "\nfunc Add(a, b int) int { return a + b }\n" + CodeTestsMarker + "\nfunc TestAdd(t *testing.T) {}\n"
	res := Validate(artifact.TypeCodePrototype, artifact.CategoryCode, content)
	assert.True(t, res.Passed)

	res = Validate(artifact.TypeCodePrototype, artifact.CategoryCode, "import os\nx = 1")
	assert.False(t, res.Passed)
	assert.Contains(t, rules(res.Diagnostics), "code_impl_marker")
	assert.Contains(t, rules(res.Diagnostics), "code_tests_marker")
	assert.Contains(t, rules(res.Diagnostics), "code_definitions")
}

func TestValidateCodeEmptyTests(t *testing.T) {
	content := "import math\n" + CodeImplMarker + "\ndef add(): pass\n" + CodeTestsMarker + "\n   \n"
	res := Validate(artifact.TypeCodePrototype, artifact.CategoryCode, content)
	assert.Contains(t, rules(res.Diagnostics), "code_tests_empty")
}

func TestValidateHTML(t *testing.T) {
	doc := "<!DOCTYPE html>\n<html>\n<head><style>body{margin:0}</style></head>\n" +
		"<body><h1>Entities</h1><div id=\"diagram\"><svg></svg></div></body>\n</html>"
	res := Validate(artifact.Type("html_erd"), artifact.CategoryDiagramHTML, doc)
	assert.True(t, res.Passed, "diagnostics: %v", res.Diagnostics)

	res = Validate(artifact.Type("html_erd"), artifact.CategoryDiagramHTML, "<div>fragment</div>")
	assert.False(t, res.Passed)
	assert.Contains(t, rules(res.Diagnostics), "html_root")
}

func TestValidateHTMLRejectsInlineMermaid(t *testing.T) {
	doc := "<!DOCTYPE html>\n<html>\n<head><style>b{}</style></head>\n" +
		"<body><pre>erDiagram\nUSER ||--o{ ORDER : places</pre><div></div><span></span></body>\n</html>"
	res := Validate(artifact.Type("html_erd"), artifact.CategoryDiagramHTML, doc)
	assert.Contains(t, rules(res.Diagnostics), "html_embeds_mermaid")
}

func TestValidateAPIDocsNeedsEndpoints(t *testing.T) {
	doc := "# API Reference\n\n" + strings.Repeat("General prose about the service. ", 10)
	res := Validate(artifact.TypeAPIDocs, artifact.CategoryDoc, doc)
	assert.Contains(t, rules(res.Diagnostics), "apidocs_endpoints")

	doc += "\n## Endpoints\n\nGET /users\n\nPOST /users\n"
	res = Validate(artifact.TypeAPIDocs, artifact.CategoryDoc, doc)
	assert.True(t, res.Passed)
}

func TestValidateAPIDocsAcceptsOpenAPIDeclaration(t *testing.T) {
	doc := "openapi: 3.0.3\ninfo:\n  title: Orders API\n  version: 1.0.0\npaths:\n  /orders:\n    get:\n      summary: List orders\n" +
		strings.Repeat("# notes\n", 5)
	res := Validate(artifact.TypeAPIDocs, artifact.CategoryDoc, doc)
	assert.NotContains(t, rules(res.Diagnostics), "apidocs_endpoints")
}

func TestValidateDocMinimumLength(t *testing.T) {
	short := "## API\nGET /ping\n"
	res := Validate(artifact.TypeAPIDocs, artifact.CategoryDoc, short)
	assert.Contains(t, rules(res.Diagnostics), "doc_thin")

	long := "## API\nGET /ping\n" + strings.Repeat("The ping endpoint returns pong. ", 4)
	res = Validate(artifact.TypeAPIDocs, artifact.CategoryDoc, long)
	assert.NotContains(t, rules(res.Diagnostics), "doc_thin")
}

func TestValidateJira(t *testing.T) {
	doc := "# Sprint Export\n\n## Epic: Checkout\n\n### Story: Add to cart\n\n" +
		"As a shopper, I want to add items to my cart so that I can buy them later.\n\n" +
		"Acceptance criteria:\n- item appears in cart\n" + strings.Repeat("detail ", 30)
	res := Validate(artifact.TypeJira, artifact.CategoryDoc, doc)
	assert.True(t, res.Passed, "diagnostics: %v", res.Diagnostics)

	res = Validate(artifact.TypeJira, artifact.CategoryDoc, "# Export\n\nShip the checkout.\n"+strings.Repeat("x ", 120))
	assert.Contains(t, rules(res.Diagnostics), "jira_story_shape")
}

func TestScoreFloor(t *testing.T) {
	diags := []Diagnostic{
		errorf("a", "x"), errorf("b", "x"), errorf("c", "x"), errorf("d", "x"),
	}
	assert.Equal(t, 0, scoreOf(diags))
}
