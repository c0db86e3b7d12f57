package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

var (
	fenceRe = regexp.MustCompile("(?s)```(?:mermaid|html|[a-z]*)?\\s*\\n(.*?)```")

	// ER relationship lines carry cardinality markers on both sides.
	erRelationRe = regexp.MustCompile(`\|\|--|\|o--|\}o--|\}\|--|--o\{|--\|\{|--\|\||--o\|`)
	erEntityRe   = regexp.MustCompile(`(?m)^\s*([A-Za-z_][A-Za-z0-9_-]*)\s*\{`)

	// Entity attribute: `type name`, optional PK/FK/UK key, optional quoted comment.
	erFieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_()\[\]]*\s+[A-Za-z_][A-Za-z0-9_-]*(\s+(PK|FK|UK))?(\s+"[^"]*")?$`)

	// Task line: `Name :id[, startRef], duration` with a duration or date last.
	ganttTaskRe = regexp.MustCompile(`^[^:]+:\s*[A-Za-z_][A-Za-z0-9_]*(\s*,\s*[^,]+)?\s*,\s*(\d+(\.\d+)?[dwh]|\d{4}-\d{2}-\d{2})\s*$`)

	flowEdgeRe  = regexp.MustCompile(`--+>|==+>|-\.+->`)
	flowNodeRe  = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s*[\[\({]`)
	seqMsgRe    = regexp.MustCompile(`(?m)^\s*[A-Za-z_][^\n:]*(->>|-->>|->|-->|-x|--x)\s*[A-Za-z_]`)
	classBodyRe = regexp.MustCompile(`(?m)^\s*class\s+[A-Za-z_][A-Za-z0-9_]*\s*\{`)
	stateEdgeRe = regexp.MustCompile(`(?m)^\s*\S+\s*-->\s*\S+`)
)

// ExtractMermaid pulls diagram text out of model output: fenced blocks win,
// otherwise everything from the first diagram header line onward.
func ExtractMermaid(t artifact.Type, content string) string {
	if m := fenceRe.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	header := t.MermaidHeader()
	if header == "" {
		return strings.TrimSpace(content)
	}
	if idx := strings.Index(content, header); idx >= 0 {
		return strings.TrimSpace(content[idx:])
	}
	return strings.TrimSpace(content)
}

func checkMermaid(t artifact.Type, content string) []Diagnostic {
	var diags []Diagnostic
	header := t.MermaidHeader()
	firstLine := firstNonEmptyLine(content)
	headerOK := header == "" || strings.HasPrefix(firstLine, header) ||
		(header == "flowchart" && strings.HasPrefix(firstLine, "graph"))
	if !headerOK {
		// Render-blocking: without its header the diagram cannot render at all.
		return []Diagnostic{{
			Rule:     "missing_header",
			Severity: SeverityError,
			Message:  fmt.Sprintf("diagram must start with %q, got %q", header, firstLine),
			Fix:      "remove prose before the diagram header",
		}}
	}

	switch t {
	case artifact.TypeMermaidERD:
		diags = append(diags, checkERD(content)...)
	case artifact.TypeMermaidArchitecture, artifact.TypeMermaidFlowchart, artifact.TypeMermaidComponent:
		diags = append(diags, checkFlowchart(content)...)
	case artifact.TypeMermaidSequence:
		if len(seqMsgRe.FindAllString(content, -1)) < 2 {
			diags = append(diags, errorf("sequence_messages", "sequence diagram needs at least 2 messages"))
		}
	case artifact.TypeMermaidClass:
		if len(classBodyRe.FindAllString(content, -1)) < 2 {
			diags = append(diags, errorf("class_bodies", "class diagram needs at least 2 class bodies"))
		}
	case artifact.TypeMermaidState:
		if len(stateEdgeRe.FindAllString(content, -1)) < 2 {
			diags = append(diags, errorf("state_transitions", "state diagram needs at least 2 transitions"))
		}
	case artifact.TypeMermaidGantt:
		diags = append(diags, checkGantt(content)...)
	default:
		if countContentLines(content) < 3 {
			diags = append(diags, warnf("diagram_thin", "diagram has fewer than 3 content lines"))
		}
	}
	return diags
}

func checkERD(content string) []Diagnostic {
	var diags []Diagnostic
	if len(erEntityRe.FindAllString(content, -1)) < 2 {
		diags = append(diags, errorf("erd_entities", "ER diagram needs at least 2 entities with attribute blocks"))
	}
	if !erRelationRe.MatchString(content) {
		diags = append(diags, errorf("erd_relationships",
			"ER diagram needs at least 1 relationship with cardinality markers (e.g. ||--o{)"))
	}
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "%%"):
		case inBlock && trimmed == "}":
			inBlock = false
		case inBlock:
			if !erFieldRe.MatchString(trimmed) {
				diags = append(diags, Diagnostic{
					Rule:     "erd_field_shape",
					Severity: SeverityError,
					Message:  fmt.Sprintf("entity attribute %q is not `type name`", trimmed),
					Fix:      "write attributes as `type name` with an optional PK, FK or UK key",
				})
				return diags
			}
		case erEntityRe.MatchString(line):
			inBlock = true
		}
	}
	return diags
}

func checkFlowchart(content string) []Diagnostic {
	var diags []Diagnostic
	first := firstNonEmptyLine(content)
	if !regexp.MustCompile(`^(flowchart|graph)\s+(TD|TB|LR|RL|BT)\b`).MatchString(first) {
		diags = append(diags, errorf("flow_direction", "flowchart must declare a direction (TD, LR, TB, RL or BT)"))
	}
	nodes := map[string]struct{}{}
	for _, m := range flowNodeRe.FindAllStringSubmatch(content, -1) {
		nodes[m[1]] = struct{}{}
	}
	if len(nodes) < 3 {
		diags = append(diags, errorf("flow_nodes", "flowchart needs at least 3 nodes"))
	}
	if len(flowEdgeRe.FindAllString(content, -1)) < 2 {
		diags = append(diags, errorf("flow_edges", "flowchart needs at least 2 edges"))
	}
	return diags
}

func checkGantt(content string) []Diagnostic {
	var diags []Diagnostic
	if !strings.Contains(content, "title ") {
		diags = append(diags, errorf("gantt_title", "gantt chart requires a title"))
	}
	if !strings.Contains(content, "dateFormat") {
		diags = append(diags, errorf("gantt_dateformat", "gantt chart requires a dateFormat declaration"))
	}
	// "depends" is not mermaid gantt syntax; models borrow it from other tools
	// and it breaks rendering.
	if regexp.MustCompile(`(?i)\bdepends?\b`).MatchString(content) {
		diags = append(diags, Diagnostic{
			Rule:     "gantt_depend",
			Severity: SeverityError,
			Message:  "gantt tasks must not use depend/depends",
			Fix:      "use `after <taskId>` instead",
		})
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !strings.Contains(trimmed, ":") || isGanttDirective(trimmed) {
			continue
		}
		if !ganttTaskRe.MatchString(trimmed) {
			diags = append(diags, Diagnostic{
				Rule:     "gantt_task_shape",
				Severity: SeverityError,
				Message:  fmt.Sprintf("task line %q does not parse", trimmed),
				Fix:      "write tasks as `Name :id[, startRef], duration`",
			})
			break
		}
	}
	return diags
}

func isGanttDirective(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range []string{"gantt", "title ", "dateformat", "axisformat", "excludes", "section ", "tickinterval", "todaymarker", "%%"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

func countContentLines(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		t := strings.TrimSpace(line)
		if t != "" && !strings.HasPrefix(t, "%%") {
			n++
		}
	}
	return n
}
