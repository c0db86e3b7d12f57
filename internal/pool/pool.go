// Package pool collects high-quality generation examples per artifact type
// and decides when a fine-tuning batch is ready.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/store"
)

// Admission and scheduling thresholds.
const (
	MinScore             = 85
	IncrementalThreshold = 50

	// A lock file older than this is considered abandoned and reclaimed.
	lockStaleAfter = 2 * time.Hour
	// A completed training within this window suppresses re-scheduling.
	trainingCooldown = time.Hour

	lockFile         = "training.lock"
	lastTrainingFile = "last_training.json"
)

// ErrScoreTooLow rejects entries below the admission bar.
var ErrScoreTooLow = errors.New("pool: validation score below admission threshold")

// Entry is one immutable fine-tuning example.
type Entry struct {
	ArtifactType    artifact.Type     `json:"artifact_type"`
	Content         string            `json:"content"`
	MeetingNotes    string            `json:"meeting_notes"`
	ValidationScore int               `json:"validation_score"`
	ModelUsed       string            `json:"model_used"`
	Context         map[string]string `json:"context,omitempty"`
	AddedAt         time.Time         `json:"added_at"`
}

func (e Entry) synthetic() bool { return e.Context["source"] == "synthetic" }

// SourceBreakdown summarizes a pool's composition.
type SourceBreakdown struct {
	Real             int     `json:"real"`
	Synthetic        int     `json:"synthetic"`
	Total            int     `json:"total"`
	SyntheticPct     float64 `json:"synthetic_pct"`
	ReadyForTraining bool    `json:"ready_for_training"`
	// Graduation: enough real examples to drop synthetic bootstrap data.
	ReadyForGraduation bool `json:"ready_for_graduation"`
	NeedsBootstrap     bool `json:"needs_bootstrap"`
}

// Scheduler receives a ready batch. Implementations write the training job
// file the worker process picks up.
type Scheduler interface {
	ScheduleTraining(ctx context.Context, t artifact.Type, baseModel string, entries []Entry) error
}

// Pool owns the per-type example files. One file per artifact type.
type Pool struct {
	mu        sync.Mutex
	st        *store.Store
	log       *zap.Logger
	scheduler Scheduler
	minScore  int
	threshold int
}

// Limits tunes pool admission and batch scheduling. Zero fields take the
// package defaults.
type Limits struct {
	MinScore       int
	BatchThreshold int
}

func New(st *store.Store, scheduler Scheduler, limits Limits, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if limits.MinScore == 0 {
		limits.MinScore = MinScore
	}
	if limits.BatchThreshold == 0 {
		limits.BatchThreshold = IncrementalThreshold
	}
	return &Pool{
		st:        st,
		log:       log.Named("pool"),
		scheduler: scheduler,
		minScore:  limits.MinScore,
		threshold: limits.BatchThreshold,
	}
}

func poolFile(t artifact.Type) string { return fmt.Sprintf("pool_%s.json", t) }

// AddExample admits one entry and schedules training when the pool reaches
// the batch threshold. Entries are immutable once appended.
func (p *Pool) AddExample(ctx context.Context, t artifact.Type, content, meetingNotes string, score int, modelUsed string) error {
	return p.Add(ctx, Entry{
		ArtifactType:    t,
		Content:         content,
		MeetingNotes:    meetingNotes,
		ValidationScore: score,
		ModelUsed:       modelUsed,
	})
}

// Add admits a fully-populated entry.
func (p *Pool) Add(ctx context.Context, e Entry) error {
	if e.ValidationScore < p.minScore {
		return fmt.Errorf("%w: %d < %d", ErrScoreTooLow, e.ValidationScore, p.minScore)
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entries, err := p.readLocked(e.ArtifactType)
	if err != nil {
		return err
	}
	entries = append(entries, e)
	if err := p.st.Write(poolFile(e.ArtifactType), entries); err != nil {
		return fmt.Errorf("persisting pool: %w", err)
	}
	p.log.Debug("example pooled",
		zap.String("artifact_type", string(e.ArtifactType)),
		zap.Int("score", e.ValidationScore),
		zap.Int("pool_size", len(entries)))

	if len(entries) >= p.threshold {
		p.maybeScheduleLocked(ctx, e.ArtifactType, entries)
	}
	return nil
}

// Entries returns a copy of the pool for one type.
func (p *Pool) Entries(t artifact.Type) ([]Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked(t)
}

// SourceStats reports the composition of one pool.
func (p *Pool) SourceStats(t artifact.Type) (SourceBreakdown, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries, err := p.readLocked(t)
	if err != nil {
		return SourceBreakdown{}, err
	}
	b := SourceBreakdown{Total: len(entries)}
	for _, e := range entries {
		if e.synthetic() {
			b.Synthetic++
		} else {
			b.Real++
		}
	}
	if b.Total > 0 {
		b.SyntheticPct = 100 * float64(b.Synthetic) / float64(b.Total)
	}
	b.ReadyForTraining = b.Total >= p.threshold
	b.ReadyForGraduation = b.Real >= 200
	b.NeedsBootstrap = b.Total < 20
	return b, nil
}

// RemoveSynthetic drops synthetic-sourced entries, returning the count removed.
func (p *Pool) RemoveSynthetic(t artifact.Type) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries, err := p.readLocked(t)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !e.synthetic() {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, p.st.Write(poolFile(t), kept)
}

// Clear empties a pool. Called by the training worker after a successful run.
func (p *Pool) Clear(t artifact.Type) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.Write(poolFile(t), []Entry{})
}

// MarkTrainingDone records the completion time and releases the lock. Other
// types' completion markers are preserved.
func (p *Pool) MarkTrainingDone(t artifact.Type) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = os.Remove(p.st.Path(lockFile))
	last := map[string]time.Time{}
	if err := p.st.Read(lastTrainingFile, &last); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading training markers: %w", err)
	}
	last[string(t)] = time.Now().UTC()
	return p.st.Write(lastTrainingFile, last)
}

func (p *Pool) readLocked(t artifact.Type) ([]Entry, error) {
	var entries []Entry
	if err := p.st.Read(poolFile(t), &entries); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reading pool: %w", err)
	}
	return entries, nil
}

// maybeScheduleLocked schedules a training batch unless a live lock or a
// recent training suppresses it. Stale locks are reclaimed.
func (p *Pool) maybeScheduleLocked(ctx context.Context, t artifact.Type, entries []Entry) {
	if p.scheduler == nil {
		return
	}
	lockPath := p.st.Path(lockFile)
	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) <= lockStaleAfter {
			p.log.Debug("training lock held; not scheduling", zap.String("artifact_type", string(t)))
			return
		}
		p.log.Warn("reclaiming stale training lock", zap.Time("lock_mtime", info.ModTime()))
		_ = os.Remove(lockPath)
	}
	var last map[string]time.Time
	if err := p.st.Read(lastTrainingFile, &last); err == nil {
		if at, ok := last[string(t)]; ok && time.Since(at) < trainingCooldown {
			p.log.Debug("recent training; not scheduling", zap.String("artifact_type", string(t)))
			return
		}
	}

	if err := os.WriteFile(lockPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		p.log.Warn("could not take training lock", zap.Error(err))
		return
	}
	base := dominantBaseModel(entries)
	if err := p.scheduler.ScheduleTraining(ctx, t, base, entries); err != nil {
		p.log.Error("training scheduling failed",
			zap.String("artifact_type", string(t)), zap.Error(err))
		_ = os.Remove(lockPath)
		return
	}
	p.log.Info("training batch scheduled",
		zap.String("artifact_type", string(t)),
		zap.String("base_model", base),
		zap.Int("examples", len(entries)))
}

// dominantBaseModel picks the model that produced the most pooled examples.
func dominantBaseModel(entries []Entry) string {
	counts := map[string]int{}
	best, bestN := "", 0
	for _, e := range entries {
		counts[e.ModelUsed]++
		if counts[e.ModelUsed] > bestN {
			best, bestN = e.ModelUsed, counts[e.ModelUsed]
		}
	}
	return best
}
