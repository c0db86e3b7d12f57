package validate

import (
	"regexp"
	"strings"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

// Section markers the code-prototype prompt asks the model to emit.
const (
	CodeImplMarker  = "=== IMPLEMENTATION ==="
	CodeTestsMarker = "=== TESTS ==="
)

var (
	httpVerbRe = regexp.MustCompile(`(?m)\b(GET|POST|PUT|PATCH|DELETE)\s+/\S*`)
	openapiRe  = regexp.MustCompile(`(?im)^\s*"?(openapi|swagger)"?\s*:`)
	headingRe  = regexp.MustCompile(`(?m)^#{1,4}\s+\S`)
)

var (
	htmlTagRe       = regexp.MustCompile(`<[a-zA-Z][^>]*>`)
	mermaidHeaderRe = regexp.MustCompile(`\b(erDiagram|flowchart|sequenceDiagram|classDiagram|stateDiagram|gantt|gitGraph|mindmap|journey|timeline|C4Context|C4Container|C4Component|C4Deployment)\b`)
)

func checkHTML(content string) []Diagnostic {
	var diags []Diagnostic
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<html") {
		diags = append(diags, errorf("html_root", "document must contain an <html> element"))
	}
	if !strings.Contains(lower, "<body") {
		diags = append(diags, errorf("html_body", "document must contain a <body> element"))
	}
	if !strings.Contains(lower, "<script") && !strings.Contains(lower, "<style") {
		diags = append(diags, errorf("html_inert", "document has neither <script> nor <style>"))
	}
	if len(htmlTagRe.FindAllString(content, -1)) < 5 {
		diags = append(diags, errorf("html_thin", "document has fewer than 5 tags"))
	}
	if mermaidHeaderRe.MatchString(content) {
		diags = append(diags, errorf("html_embeds_mermaid", "document inlines raw mermaid diagram content"))
	}
	if strings.Contains(content, "```") {
		diags = append(diags, warnf("html_fences", "document still contains markdown fences"))
	}
	return diags
}

func checkCode(content string) []Diagnostic {
	var diags []Diagnostic
	implIdx := strings.Index(content, CodeImplMarker)
	testsIdx := strings.Index(content, CodeTestsMarker)
	if implIdx < 0 {
		diags = append(diags, Diagnostic{
			Rule:     "code_impl_marker",
			Severity: SeverityError,
			Message:  "missing " + CodeImplMarker + " section",
		})
	}
	if testsIdx < 0 {
		diags = append(diags, Diagnostic{
			Rule:     "code_tests_marker",
			Severity: SeverityError,
			Message:  "missing " + CodeTestsMarker + " section",
		})
	}
	if !regexp.MustCompile(`(?m)\b(func|def|class|function|fn)\b`).MatchString(content) {
		diags = append(diags, errorf("code_definitions", "no class or function definition found"))
	}
	if !regexp.MustCompile(`(?m)^\s*(import|from\s+\S+\s+import|using|use|require|#include)\b`).MatchString(content) {
		diags = append(diags, warnf("code_imports", "no import declarations found"))
	}
	if implIdx >= 0 && testsIdx > implIdx {
		impl := strings.TrimSpace(content[implIdx+len(CodeImplMarker) : testsIdx])
		tests := strings.TrimSpace(content[testsIdx+len(CodeTestsMarker):])
		if impl == "" {
			diags = append(diags, errorf("code_impl_empty", "implementation section is empty"))
		}
		if tests == "" {
			diags = append(diags, errorf("code_tests_empty", "tests section is empty"))
		}
	}
	return diags
}

func checkDoc(t artifact.Type, content string) []Diagnostic {
	var diags []Diagnostic
	if len(strings.TrimSpace(content)) < 100 {
		diags = append(diags, warnf("doc_thin", "document is under 100 characters"))
	}
	if !headingRe.MatchString(content) {
		diags = append(diags, warnf("doc_headings", "document has no markdown headings"))
	}

	switch t {
	case artifact.TypeAPIDocs:
		// An OpenAPI/Swagger declaration counts even without inline verb lines.
		if !httpVerbRe.MatchString(content) && !openapiRe.MatchString(content) {
			diags = append(diags, errorf("apidocs_endpoints", "API documentation lists no endpoints"))
		}
	case artifact.TypeJira:
		lower := strings.ToLower(content)
		if !regexp.MustCompile(`(?is)\bas an?\b.{0,200}\bi want\b.{0,200}\bso that\b`).MatchString(lower) {
			diags = append(diags, errorf("jira_story_shape", `stories must follow "as a ... I want ... so that"`))
		}
		if !strings.Contains(lower, "acceptance criteria") {
			diags = append(diags, warnf("jira_acceptance", "stories lack acceptance criteria"))
		}
	case artifact.TypeEstimations:
		if !regexp.MustCompile(`(?i)\b(hours?|days?|points?)\b`).MatchString(content) {
			diags = append(diags, errorf("estimations_units", "estimations carry no time or point units"))
		}
	case artifact.TypeFeatureScoring:
		if !regexp.MustCompile(`(?i)\b(score|rice|impact|effort)\b`).MatchString(content) {
			diags = append(diags, errorf("scoring_dimensions", "feature scoring names no scoring dimensions"))
		}
	}
	return diags
}
