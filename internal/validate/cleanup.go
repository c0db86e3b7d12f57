package validate

import (
	"regexp"
	"strings"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

// maxCleanupPasses bounds the clean-revalidate loop; each pass is idempotent
// so convergence usually happens in one.
const maxCleanupPasses = 3

var (
	preambleRe = regexp.MustCompile(`(?i)^(here is|here's|sure|certainly|below is|the following)`)
	// Models sometimes emit "--|>" where mermaid wants "-->".
	badArrowRe = regexp.MustCompile(`\|>`)
)

// Clean normalizes model output for its category, iterating until the content
// stops changing or the pass limit is reached.
func Clean(t artifact.Type, category artifact.Category, content string) string {
	for range maxCleanupPasses {
		next := cleanOnce(t, category, content)
		if next == content {
			break
		}
		content = next
	}
	return content
}

func cleanOnce(t artifact.Type, category artifact.Category, content string) string {
	content = strings.TrimSpace(content)

	switch category {
	case artifact.CategoryDiagramMermaid:
		content = ExtractMermaid(t, content)
		content = badArrowRe.ReplaceAllString(content, ">")
		content = coerceClassToERD(t, content)
		content = stripLeadingProse(t, content)
	case artifact.CategoryDiagramHTML:
		content = extractHTML(content)
	case artifact.CategoryCode:
		// Keep fenced bodies, drop the fences themselves.
		content = strings.ReplaceAll(content, "```", "")
	default:
		content = stripChatPreamble(content)
	}
	return strings.TrimSpace(content)
}

// coerceClassToERD rewrites a classDiagram header to erDiagram when the model
// answered an ER request with class syntax but the body already carries ER
// cardinality relationships.
func coerceClassToERD(t artifact.Type, content string) string {
	if t != artifact.TypeMermaidERD {
		return content
	}
	first := firstNonEmptyLine(content)
	if !strings.HasPrefix(first, "classDiagram") {
		return content
	}
	if !erRelationRe.MatchString(content) {
		return content
	}
	return strings.Replace(content, "classDiagram", "erDiagram", 1)
}

// stripLeadingProse drops any lines before the diagram header.
func stripLeadingProse(t artifact.Type, content string) string {
	header := t.MermaidHeader()
	if header == "" {
		return content
	}
	if idx := strings.Index(content, header); idx > 0 {
		return content[idx:]
	}
	return content
}

// stripChatPreamble removes a leading conversational line from document
// output ("Here is the backlog you asked for:").
func stripChatPreamble(content string) string {
	lines := strings.SplitN(content, "\n", 2)
	if len(lines) == 2 && preambleRe.MatchString(strings.TrimSpace(lines[0])) {
		return lines[1]
	}
	return content
}

func extractHTML(content string) string {
	lower := strings.ToLower(content)
	if idx := strings.Index(lower, "<!doctype"); idx >= 0 {
		content = content[idx:]
	} else if idx := strings.Index(lower, "<html"); idx >= 0 {
		content = content[idx:]
	} else if m := fenceRe.FindStringSubmatch(content); m != nil {
		content = m[1]
	}
	if end := strings.LastIndex(strings.ToLower(content), "</html>"); end >= 0 {
		content = content[:end+len("</html>")]
	}
	return content
}
