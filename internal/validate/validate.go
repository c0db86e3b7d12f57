// Package validate scores generated artifact content before it is accepted.
// Each artifact category has its own checks; checks emit diagnostics and the
// score derives from them.
package validate

import (
	"strings"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Fix      string   `json:"fix,omitempty"`
}

// Quality gates. PassThreshold admits an artifact; PoolThreshold is the
// stricter bar for fine-tuning examples.
const (
	PassThreshold = 80
	PoolThreshold = 85
)

// Result is the outcome of validating one piece of generated content.
type Result struct {
	Score       int          `json:"score"`
	Passed      bool         `json:"passed"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Cleaned     string       `json:"-"`
}

func errorf(rule, msg string) Diagnostic {
	return Diagnostic{Rule: rule, Severity: SeverityError, Message: msg}
}

func warnf(rule, msg string) Diagnostic {
	return Diagnostic{Rule: rule, Severity: SeverityWarning, Message: msg}
}

// Validate cleans the content for its type, runs the category's checks, and
// scores the outcome. The cleaned content is returned in the result so the
// caller persists what was actually validated.
func Validate(t artifact.Type, category artifact.Category, content string) Result {
	cleaned := Clean(t, category, content)

	var diags []Diagnostic
	if strings.TrimSpace(cleaned) == "" {
		return Result{Score: 0, Diagnostics: []Diagnostic{errorf("empty", "content is empty")}}
	}

	switch category {
	case artifact.CategoryDiagramMermaid:
		diags = checkMermaid(t, cleaned)
	case artifact.CategoryDiagramHTML:
		diags = checkHTML(cleaned)
	case artifact.CategoryCode:
		diags = checkCode(cleaned)
	case artifact.CategoryDoc:
		diags = checkDoc(t, cleaned)
	default:
		diags = checkDoc(t, cleaned)
	}

	score := scoreOf(diags)
	for _, d := range diags {
		if d.Rule == "missing_header" {
			score = 0
		}
	}
	return Result{
		Score:       score,
		Passed:      score >= PassThreshold,
		Diagnostics: diags,
		Cleaned:     cleaned,
	}
}

// scoreOf maps diagnostics to a 0-100 score: each error costs 30 points, each
// warning 10. Clean content scores 100.
func scoreOf(diags []Diagnostic) int {
	score := 100
	for _, d := range diags {
		switch d.Severity {
		case SeverityError:
			score -= 30
		case SeverityWarning:
			score -= 10
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}
