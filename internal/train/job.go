// Package train runs fine-tuning jobs. The worker is a separate OS process
// from the generation engine; all coordination happens through job files in
// a jobs/ directory, rewritten atomically.
package train

import (
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

// Job statuses. Transitions are monotonic except cancelled, which is only
// reachable from queued, preparing, or training.
const (
	StatusQueued     = "queued"
	StatusPreparing  = "preparing"
	StatusTraining   = "training"
	StatusConverting = "converting"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Example is one (prompt, completion) training pair.
type Example struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// Job is one fine-tuning unit of work, persisted as jobs/<job_id>.json.
type Job struct {
	JobID            string            `json:"job_id"`
	ArtifactType     artifact.Type     `json:"artifact_type"`
	BaseModel        string            `json:"base_model"`
	ExamplesCount    int               `json:"examples_count"`
	Status           string            `json:"status"`
	Progress         int               `json:"progress"`
	UseHuggingFace   bool              `json:"use_huggingface,omitempty"`
	CancelRequested  bool              `json:"cancel_requested,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorTraceback   string            `json:"error_traceback,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	TrainingExamples []Example         `json:"training_examples"`
}

// Cancellable reports whether a cancel request can still take effect.
func (j *Job) Cancellable() bool {
	switch j.Status {
	case StatusQueued, StatusPreparing, StatusTraining:
		return true
	}
	return false
}

// OutputModelName derives the fine-tuned model name:
// "{artifact_type}_{sanitized_base}_ft_{timestamp}".
func (j *Job) OutputModelName(now time.Time) string {
	base := j.BaseModel
	if _, name, found := strings.Cut(base, ":"); found {
		base = name
	}
	san := strings.NewReplacer(":", "_", "/", "_", ".", "_").Replace(base)
	return fmt.Sprintf("%s_%s_ft_%s", j.ArtifactType, san, now.UTC().Format("20060102150405"))
}

// jobSchema guards against malformed or hand-edited job files before any
// training starts.
const jobSchema = `{
  "type": "object",
  "required": ["job_id", "artifact_type", "base_model", "status", "training_examples"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "artifact_type": {"type": "string", "minLength": 1},
    "base_model": {"type": "string", "minLength": 1},
    "status": {"enum": ["queued", "preparing", "training", "converting", "completed", "failed", "cancelled"]},
    "progress": {"type": "integer", "minimum": 0, "maximum": 100},
    "training_examples": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["prompt", "completion"],
        "properties": {
          "prompt": {"type": "string", "minLength": 1},
          "completion": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledJobSchema = jsonschema.MustCompileString("job.schema.json", jobSchema)

// ValidateJobDocument checks a decoded job file against the schema.
func ValidateJobDocument(doc any) error {
	if err := compiledJobSchema.Validate(doc); err != nil {
		return fmt.Errorf("job file invalid: %w", err)
	}
	return nil
}
