package train

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/pool"
	"github.com/fabrica-dev/fabrica/internal/store"
)

const jobsDir = "jobs"

// Scheduler turns a ready pool batch into a queued job file for the worker.
type Scheduler struct {
	st             *store.Store
	log            *zap.Logger
	useHuggingFace bool
}

func NewScheduler(st *store.Store, useHuggingFace bool, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{st: st, log: log.Named("train.scheduler"), useHuggingFace: useHuggingFace}
}

// ScheduleTraining writes a queued job holding a snapshot of the batch. The
// worker consumes exactly these examples; entries pooled later belong to a
// subsequent batch.
func (s *Scheduler) ScheduleTraining(_ context.Context, t artifact.Type, baseModel string, entries []pool.Entry) error {
	examples := make([]Example, 0, len(entries))
	for _, e := range entries {
		examples = append(examples, Example{Prompt: e.MeetingNotes, Completion: e.Content})
	}

	now := time.Now().UTC()
	job := Job{
		JobID:            ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ArtifactType:     t,
		BaseModel:        baseModel,
		ExamplesCount:    len(examples),
		Status:           StatusQueued,
		UseHuggingFace:   s.useHuggingFace,
		CreatedAt:        now,
		TrainingExamples: examples,
		Metadata: map[string]string{
			"dataset_fingerprint": datasetFingerprint(examples),
		},
	}
	if err := s.st.Write(fmt.Sprintf("%s/%s.json", jobsDir, job.JobID), job); err != nil {
		return fmt.Errorf("writing job file: %w", err)
	}
	s.log.Info("training job queued",
		zap.String("job_id", job.JobID),
		zap.String("artifact_type", string(t)),
		zap.String("base_model", baseModel),
		zap.Int("examples", len(examples)))
	return nil
}

// datasetFingerprint hashes the batch so identical datasets are recognizable
// across runs even though output model names carry timestamps.
func datasetFingerprint(examples []Example) string {
	h := blake3.New()
	for _, e := range examples {
		h.Write([]byte(e.Prompt))
		h.Write([]byte{0})
		h.Write([]byte(e.Completion))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
