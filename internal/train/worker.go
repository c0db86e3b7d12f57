package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/metrics"
	"github.com/fabrica-dev/fabrica/internal/modelreg"
	"github.com/fabrica-dev/fabrica/internal/store"
)

// Router is the registry surface the worker needs after a training run.
type Router interface {
	RegisterFineTuned(t artifact.Type, base, model string) error
	Promote(t artifact.Type, model string) error
}

// PoolManager releases the consumed batch after a successful run.
type PoolManager interface {
	Clear(t artifact.Type) error
	MarkTrainingDone(t artifact.Type) error
}

// Worker consumes queued job files. It runs in its own OS process; the only
// coupling to the engine is the store directory.
type Worker struct {
	st       *store.Store
	log      *zap.Logger
	router   Router
	pools    PoolManager
	ollama   Strategy
	hf       Strategy
	interval time.Duration
	sweepCh  chan struct{}
}

func NewWorker(st *store.Store, router Router, pools PoolManager, ollama, hf Strategy, interval time.Duration, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Worker{
		st:       st,
		log:      log.Named("train.worker"),
		router:   router,
		pools:    pools,
		ollama:   ollama,
		hf:       hf,
		interval: interval,
		sweepCh:  make(chan struct{}, 1),
	}
}

// Run polls the jobs directory on the configured interval and additionally
// wakes on filesystem events, so fresh jobs start without waiting a full
// tick. Blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	jobsPath := w.st.Path(jobsDir)
	if err := os.MkdirAll(jobsPath, 0o755); err != nil {
		return err
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", w.interval), w.requestSweep); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable; polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(jobsPath); err != nil {
			w.log.Warn("cannot watch jobs directory", zap.Error(err))
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
						w.requestSweep()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					w.log.Warn("jobs watcher error", zap.Error(err))
				}
			}
		}()
	}

	w.requestSweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.sweepCh:
			w.Sweep(ctx)
		}
	}
}

func (w *Worker) requestSweep() {
	select {
	case w.sweepCh <- struct{}{}:
	default:
	}
}

// Sweep processes every queued job once, oldest first (ulid order).
func (w *Worker) Sweep(ctx context.Context) {
	names, err := w.st.List(jobsDir)
	if err != nil {
		w.log.Warn("listing jobs failed", zap.Error(err))
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.processFile(ctx, name)
	}
}

func (w *Worker) processFile(ctx context.Context, name string) {
	var job Job
	if err := w.st.Read(name, &job); err != nil {
		w.log.Warn("unreadable job file", zap.String("file", name), zap.Error(err))
		return
	}
	if job.Status != StatusQueued {
		return
	}
	if job.CancelRequested {
		job.Status = StatusCancelled
		w.persist(name, &job)
		metrics.TrainingJobs.WithLabelValues(StatusCancelled).Inc()
		return
	}
	if err := w.validateJobFile(name); err != nil {
		w.failJob(name, &job, err)
		return
	}
	w.runJob(ctx, name, &job)
}

// validateJobFile re-reads the raw document and checks it against the job
// schema, catching hand-edited or truncated files.
func (w *Worker) validateJobFile(name string) error {
	raw, err := os.ReadFile(w.st.Path(name))
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("job file is not valid JSON: %w", err)
	}
	return ValidateJobDocument(doc)
}

func (w *Worker) runJob(ctx context.Context, name string, job *Job) {
	log := w.log.With(zap.String("job_id", job.JobID), zap.String("artifact_type", string(job.ArtifactType)))
	started := time.Now().UTC()
	job.Status = StatusPreparing
	job.StartedAt = &started
	job.Progress = 5
	w.persist(name, job)

	datasetPath, err := WriteDataset(filepath.Join(w.st.Root(), "datasets"), job)
	if err != nil {
		w.failJob(name, job, fmt.Errorf("%w: %v", ErrDatasetValidation, err))
		return
	}
	if err := ValidateDataset(datasetPath); err != nil {
		w.failJob(name, job, err)
		return
	}

	strategy := w.ollama
	if job.UseHuggingFace || strings.HasPrefix(job.BaseModel, "huggingface:") {
		strategy = w.hf
	}
	if strategy == nil {
		w.failJob(name, job, errors.New("no training strategy configured"))
		return
	}
	log.Info("training started", zap.String("strategy", strategy.Name()), zap.Int("examples", job.ExamplesCount))

	job.Status = StatusTraining
	job.Progress = 20
	w.persist(name, job)

	shouldStop := func() bool {
		var current Job
		if err := w.st.Read(name, &current); err != nil {
			return false
		}
		return current.CancelRequested
	}
	output, err := strategy.Train(ctx, job, datasetPath, shouldStop)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			job.Status = StatusCancelled
			w.persist(name, job)
			metrics.TrainingJobs.WithLabelValues(StatusCancelled).Inc()
			log.Info("training cancelled")
			return
		}
		w.failJob(name, job, err)
		return
	}

	job.Status = StatusConverting
	job.Progress = 85
	w.persist(name, job)

	if err := w.install(job, output); err != nil {
		w.failJob(name, job, err)
		return
	}

	completed := time.Now().UTC()
	job.Status = StatusCompleted
	job.Progress = 100
	job.CompletedAt = &completed
	if job.Metadata == nil {
		job.Metadata = map[string]string{}
	}
	job.Metadata["output_model"] = output
	w.persist(name, job)
	metrics.TrainingJobs.WithLabelValues(StatusCompleted).Inc()
	log.Info("training completed", zap.String("output_model", output), zap.Duration("took", completed.Sub(started)))
}

// install registers the new model, reroutes the artifact type to it, and
// releases the consumed pool.
func (w *Worker) install(job *Job, output string) error {
	provider := "ollama"
	if job.UseHuggingFace || strings.HasPrefix(job.BaseModel, "huggingface:") {
		provider = "huggingface"
	}
	modelID := modelreg.NormalizeModelID(provider+":"+output, provider)

	if err := w.router.RegisterFineTuned(job.ArtifactType, job.BaseModel, modelID); err != nil {
		return fmt.Errorf("registering fine-tuned model: %w", err)
	}
	if err := w.router.Promote(job.ArtifactType, modelID); err != nil {
		return fmt.Errorf("rerouting to fine-tuned model: %w", err)
	}
	if w.pools != nil {
		if err := w.pools.Clear(job.ArtifactType); err != nil {
			w.log.Warn("pool clear failed", zap.Error(err))
		}
		if err := w.pools.MarkTrainingDone(job.ArtifactType); err != nil {
			w.log.Warn("marking training done failed", zap.Error(err))
		}
	}
	return nil
}

// failJob records the failure on the job and in the error log. Failed jobs
// never block future generations.
func (w *Worker) failJob(name string, job *Job, cause error) {
	job.Status = StatusFailed
	job.Error = rootError(cause)
	job.ErrorTraceback = cause.Error()
	w.persist(name, job)
	metrics.TrainingJobs.WithLabelValues(StatusFailed).Inc()
	w.log.Error("training job failed", zap.String("job_id", job.JobID), zap.Error(cause))

	logPath := filepath.Join(w.st.Root(), "training_errors.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s job=%s type=%s error=%s\n",
		time.Now().UTC().Format(time.RFC3339), job.JobID, job.ArtifactType, cause)
}

// rootError maps wrapped sentinel errors to their stable identifiers.
func rootError(err error) string {
	switch {
	case errors.Is(err, ErrDatasetValidation):
		return "dataset_validation_failed"
	case errors.Is(err, ErrOutOfMemory):
		return "oom"
	default:
		return err.Error()
	}
}

// Cancel requests cancellation of a job. Queued jobs cancel immediately;
// running jobs stop at the next step boundary.
func (w *Worker) Cancel(jobID string) error {
	name := jobsDir + "/" + jobID + ".json"
	var job Job
	if err := w.st.Read(name, &job); err != nil {
		return err
	}
	if !job.Cancellable() {
		return fmt.Errorf("job %s is %s and cannot be cancelled", jobID, job.Status)
	}
	job.CancelRequested = true
	if job.Status == StatusQueued {
		job.Status = StatusCancelled
		metrics.TrainingJobs.WithLabelValues(StatusCancelled).Inc()
	}
	return w.st.Write(name, job)
}

// ListJobs returns jobs, optionally filtered by status.
func (w *Worker) ListJobs(status string) ([]Job, error) {
	names, err := w.st.List(jobsDir)
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, name := range names {
		var job Job
		if err := w.st.Read(name, &job); err != nil {
			continue
		}
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

func (w *Worker) persist(name string, job *Job) {
	if err := w.st.Write(name, job); err != nil {
		w.log.Error("persisting job failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}
