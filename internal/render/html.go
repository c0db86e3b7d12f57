// Package render produces standalone HTML companions for Mermaid diagrams.
// Rendering is best-effort; the generation pipeline never depends on it
// succeeding.
package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

var page = template.Must(template.New("diagram").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { margin: 2rem; font-family: system-ui, sans-serif; background: #fafafa; }
  .diagram { background: #fff; border: 1px solid #ddd; border-radius: 8px; padding: 1.5rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<div class="diagram">
<pre class="mermaid">
{{.Diagram}}
</pre>
</div>
<script type="module">
import mermaid from "https://cdn.jsdelivr.net/npm/mermaid@11/dist/mermaid.esm.min.mjs";
mermaid.initialize({ startOnLoad: true, theme: "neutral" });
</script>
</body>
</html>
`))

// HTML renders Mermaid diagrams into self-contained HTML documents.
type HTML struct{}

func NewHTML() *HTML { return &HTML{} }

func (h *HTML) RenderHTML(_ context.Context, t artifact.Type, diagram string) (string, error) {
	if strings.TrimSpace(diagram) == "" {
		return "", fmt.Errorf("render: empty diagram for %s", t)
	}
	var buf bytes.Buffer
	err := page.Execute(&buf, struct {
		Title   string
		Diagram string
	}{
		Title:   t.PrettyName(),
		Diagram: diagram,
	})
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	return buf.String(), nil
}
