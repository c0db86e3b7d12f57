// Package sprint generates a whole package of related artifacts from one set
// of meeting notes. Artifacts run sequentially, dependencies first, and each
// later artifact sees excerpts of what came before.
package sprint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/generate"
)

// ErrUnknownPreset is returned for preset names with no definition.
var ErrUnknownPreset = errors.New("unknown preset")

// excerptChars bounds how much of each earlier artifact is fed forward.
const excerptChars = 1500

// builtinPresets map preset names to dependency-ordered artifact lists. ERD
// and architecture lead so downstream artifacts have structure to build on.
var builtinPresets = map[string][]string{
	"full": {
		"mermaid_erd", "mermaid_architecture", "mermaid_sequence", "mermaid_class",
		"api_docs", "code_prototype", "visual_prototype",
		"jira", "workflows", "estimations",
	},
	"backend": {
		"mermaid_erd", "mermaid_architecture", "mermaid_class",
		"api_docs", "code_prototype",
	},
	"frontend": {
		"mermaid_architecture", "mermaid_flowchart",
		"visual_prototype", "code_prototype",
	},
	"documentation": {
		"mermaid_erd", "mermaid_architecture", "api_docs", "workflows",
	},
	"pm": {
		"jira", "workflows", "backlog", "personas", "estimations", "feature_scoring",
	},
	"quick": {
		"mermaid_erd", "mermaid_flowchart", "jira",
	},
}

// Presets returns the preset table, with overrides applied.
func (g *Generator) Presets() map[string][]string {
	out := make(map[string][]string, len(builtinPresets)+len(g.overrides))
	for k, v := range builtinPresets {
		out[k] = v
	}
	for k, v := range g.overrides {
		out[k] = v
	}
	return out
}

// LoadPresetOverrides reads a YAML file mapping preset names to artifact-type
// lists. Overrides shadow built-ins of the same name.
func LoadPresetOverrides(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overrides map[string][]string
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parsing preset overrides: %w", err)
	}
	for name, types := range overrides {
		if len(types) == 0 {
			return nil, fmt.Errorf("preset %q has no artifact types", name)
		}
	}
	return overrides, nil
}

// ArtifactGenerator is the single-artifact pipeline the package delegates to.
type ArtifactGenerator interface {
	Generate(ctx context.Context, typeName, meetingNotes string, opts generate.Options, progress generate.ProgressFunc) (generate.Result, error)
}

// EventType discriminates the stream.
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
)

// Event is one element of the package stream: progress updates while
// artifacts run, then a single final result.
type Event struct {
	Type     EventType `json:"type"`
	Progress *Progress `json:"progress,omitempty"`
	Result   *Summary  `json:"result,omitempty"`
}

// Progress reports where the package currently is.
type Progress struct {
	ArtifactType string `json:"artifact_type"`
	Index        int    `json:"index"` // 1-based
	Total        int    `json:"total"`
	Percent      int    `json:"percent"`
	Message      string `json:"message"`
}

// ArtifactOutcome is the per-artifact line of the final summary.
type ArtifactOutcome struct {
	Type        string  `json:"type"`
	Success     bool    `json:"success"`
	Score       int     `json:"score"`
	ModelUsed   string  `json:"model_used,omitempty"`
	Error       string  `json:"error,omitempty"`
	TimeSeconds float64 `json:"time_seconds"`
}

// Summary is the final result of a package run.
type Summary struct {
	PackageID        string            `json:"package_id"`
	Preset           string            `json:"preset"`
	Artifacts        []ArtifactOutcome `json:"artifacts"`
	TotalTimeSeconds float64           `json:"total_time_seconds"`
	SuccessRate      float64           `json:"success_rate"`
	FailedArtifacts  []string          `json:"failed_artifacts"`
}

// EmitFunc receives stream events. Panics inside the callback never fail the
// package run.
type EmitFunc func(Event)

type Generator struct {
	gen       ArtifactGenerator
	log       *zap.Logger
	overrides map[string][]string
	now       func() time.Time
}

func New(gen ArtifactGenerator, overrides map[string][]string, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{gen: gen, log: log.Named("sprint"), overrides: overrides, now: time.Now}
}

// resolveTypes returns the ordered type list for a preset name, or the custom
// list as-is when one is given.
func (g *Generator) resolveTypes(preset string, custom []string) ([]string, error) {
	if len(custom) > 0 {
		return custom, nil
	}
	if types, ok := g.overrides[preset]; ok {
		return types, nil
	}
	if types, ok := builtinPresets[preset]; ok {
		return types, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, preset)
}

// GeneratePackage runs every artifact of the preset (or the custom list) in
// order. One artifact failing never stops the rest; failures land in the
// summary. The returned Summary is also emitted as the final stream event.
func (g *Generator) GeneratePackage(ctx context.Context, meetingNotes, preset string, custom []string, emit EmitFunc) (Summary, error) {
	types, err := g.resolveTypes(preset, custom)
	if err != nil {
		return Summary{}, err
	}
	if len(custom) > 0 {
		preset = "custom"
	}

	packageID := uuid.NewString()
	log := g.log.With(zap.String("package_id", packageID), zap.String("preset", preset))
	log.Info("package started", zap.Int("artifacts", len(types)))
	start := g.now()

	summary := Summary{
		PackageID: packageID,
		Preset:    preset,
		Artifacts: make([]ArtifactOutcome, 0, len(types)),
	}
	var upstream []generate.UpstreamExcerpt

	for i, typeName := range types {
		if err := ctx.Err(); err != nil {
			summary.FailedArtifacts = append(summary.FailedArtifacts, types[i:]...)
			break
		}
		g.emit(emit, Event{Type: EventProgress, Progress: &Progress{
			ArtifactType: typeName,
			Index:        i + 1,
			Total:        len(types),
			Percent:      i * 100 / len(types),
			Message:      fmt.Sprintf("generating %s (%d/%d)", typeName, i+1, len(types)),
		}})

		artifactStart := g.now()
		opts := generate.Options{
			Temperature:        0.3,
			MaxRetriesPerModel: 2,
			Upstream:           upstream,
		}
		res, err := g.gen.Generate(ctx, typeName, meetingNotes, opts, nil)
		outcome := ArtifactOutcome{
			Type:        typeName,
			TimeSeconds: g.now().Sub(artifactStart).Seconds(),
		}
		switch {
		case err != nil:
			outcome.Error = err.Error()
		case res.Kind == generate.KindFailed:
			outcome.Error = res.ErrorType
		default:
			// Low-quality output still counts: it exists and feeds downstream
			// artifacts, the score tells the caller how much to trust it.
			outcome.Success = true
			outcome.Score = res.Score
			outcome.ModelUsed = res.ModelUsed
			upstream = append(upstream, generate.UpstreamExcerpt{
				Type:    artifact.Type(typeName),
				Content: truncate(res.Content, excerptChars),
			})
		}
		summary.Artifacts = append(summary.Artifacts, outcome)
		if !outcome.Success {
			summary.FailedArtifacts = append(summary.FailedArtifacts, typeName)
			log.Warn("artifact failed", zap.String("artifact_type", typeName), zap.String("error", outcome.Error))
		}
	}

	summary.TotalTimeSeconds = g.now().Sub(start).Seconds()
	if n := len(summary.Artifacts); n > 0 {
		succeeded := n - countFailed(summary.Artifacts)
		summary.SuccessRate = float64(succeeded) / float64(n)
	}
	log.Info("package finished",
		zap.Float64("success_rate", summary.SuccessRate),
		zap.Float64("total_seconds", summary.TotalTimeSeconds),
		zap.Strings("failed", summary.FailedArtifacts))

	g.emit(emit, Event{Type: EventResult, Result: &summary})
	return summary, nil
}

func (g *Generator) emit(emit EmitFunc, ev Event) {
	if emit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Warn("package event callback panicked", zap.Any("panic", r))
		}
	}()
	emit(ev)
}

func countFailed(outcomes []ArtifactOutcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.Success {
			n++
		}
	}
	return n
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
