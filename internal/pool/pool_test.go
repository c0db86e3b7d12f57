package pool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/store"
)

type captureScheduler struct {
	calls []struct {
		t       artifact.Type
		base    string
		entries int
	}
	err error
}

func (s *captureScheduler) ScheduleTraining(_ context.Context, t artifact.Type, base string, entries []Entry) error {
	s.calls = append(s.calls, struct {
		t       artifact.Type
		base    string
		entries int
	}{t, base, len(entries)})
	return s.err
}

func newPool(t *testing.T) (*Pool, *captureScheduler, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	sched := &captureScheduler{}
	return New(st, sched, Limits{}, nil), sched, st
}

func entry(score int, model string) Entry {
	return Entry{
		ArtifactType:    artifact.TypeAPIDocs,
		Content:         "GET /users",
		MeetingNotes:    "users endpoint",
		ValidationScore: score,
		ModelUsed:       model,
	}
}

func TestAddRejectsLowScore(t *testing.T) {
	p, _, _ := newPool(t)
	err := p.Add(context.Background(), entry(84, "ollama:llama3"))
	assert.ErrorIs(t, err, ErrScoreTooLow)

	entries, err := p.Entries(artifact.TypeAPIDocs)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddPersists(t *testing.T) {
	p, _, st := newPool(t)
	require.NoError(t, p.Add(context.Background(), entry(90, "ollama:llama3")))

	p2 := New(st, nil, Limits{}, nil)
	entries, err := p2.Entries(artifact.TypeAPIDocs)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 90, entries[0].ValidationScore)
	assert.False(t, entries[0].AddedAt.IsZero())
}

func TestThresholdSchedulesOnce(t *testing.T) {
	p, sched, _ := newPool(t)
	ctx := context.Background()
	for range IncrementalThreshold - 1 {
		require.NoError(t, p.Add(ctx, entry(90, "ollama:llama3")))
	}
	assert.Empty(t, sched.calls)

	require.NoError(t, p.Add(ctx, entry(90, "ollama:llama3")))
	require.Len(t, sched.calls, 1)
	assert.Equal(t, artifact.TypeAPIDocs, sched.calls[0].t)
	assert.Equal(t, "ollama:llama3", sched.calls[0].base)
	assert.Equal(t, IncrementalThreshold, sched.calls[0].entries)

	// The lock file now blocks a second schedule.
	require.NoError(t, p.Add(ctx, entry(91, "ollama:llama3")))
	assert.Len(t, sched.calls, 1)
}

func TestStaleLockReclaimed(t *testing.T) {
	p, sched, st := newPool(t)
	ctx := context.Background()
	lock := st.Path("training.lock")
	require.NoError(t, os.WriteFile(lock, []byte("x"), 0o644))
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	for range IncrementalThreshold {
		require.NoError(t, p.Add(ctx, entry(90, "ollama:llama3")))
	}
	assert.Len(t, sched.calls, 1, "stale lock must be reclaimed")
}

func TestCooldownSuppressesSchedule(t *testing.T) {
	p, sched, _ := newPool(t)
	ctx := context.Background()
	require.NoError(t, p.MarkTrainingDone(artifact.TypeAPIDocs))

	for range IncrementalThreshold {
		require.NoError(t, p.Add(ctx, entry(90, "ollama:llama3")))
	}
	assert.Empty(t, sched.calls)
}

func TestMarkTrainingDoneKeepsOtherTypeMarkers(t *testing.T) {
	p, sched, _ := newPool(t)
	ctx := context.Background()
	require.NoError(t, p.MarkTrainingDone(artifact.TypeMermaidERD))
	require.NoError(t, p.MarkTrainingDone(artifact.TypeAPIDocs))

	// The ERD cooldown must survive the later api_docs completion.
	erd := entry(90, "ollama:llama3")
	erd.ArtifactType = artifact.TypeMermaidERD
	for range IncrementalThreshold {
		require.NoError(t, p.Add(ctx, erd))
	}
	assert.Empty(t, sched.calls)
}

func TestConfiguredLimits(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	sched := &captureScheduler{}
	p := New(st, sched, Limits{MinScore: 90, BatchThreshold: 2}, nil)
	ctx := context.Background()

	assert.ErrorIs(t, p.Add(ctx, entry(89, "ollama:llama3")), ErrScoreTooLow)
	require.NoError(t, p.Add(ctx, entry(90, "ollama:llama3")))
	assert.Empty(t, sched.calls)
	require.NoError(t, p.Add(ctx, entry(95, "ollama:llama3")))
	require.Len(t, sched.calls, 1)
	assert.Equal(t, 2, sched.calls[0].entries)
}

func TestSchedulerErrorReleasesLock(t *testing.T) {
	p, sched, st := newPool(t)
	sched.err = assert.AnError
	ctx := context.Background()
	for range IncrementalThreshold {
		require.NoError(t, p.Add(ctx, entry(90, "ollama:llama3")))
	}
	require.Len(t, sched.calls, 1)
	_, err := os.Stat(st.Path("training.lock"))
	assert.True(t, os.IsNotExist(err), "failed schedule must release the lock")
}

func TestSourceStats(t *testing.T) {
	p, _, _ := newPool(t)
	ctx := context.Background()
	require.NoError(t, p.Add(ctx, entry(90, "ollama:llama3")))
	synthetic := entry(92, "ollama:llama3")
	synthetic.Context = map[string]string{"source": "synthetic"}
	require.NoError(t, p.Add(ctx, synthetic))

	b, err := p.SourceStats(artifact.TypeAPIDocs)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Real)
	assert.Equal(t, 1, b.Synthetic)
	assert.Equal(t, 2, b.Total)
	assert.InDelta(t, 50.0, b.SyntheticPct, 0.01)
	assert.False(t, b.ReadyForTraining)
	assert.False(t, b.ReadyForGraduation)
	assert.True(t, b.NeedsBootstrap)
}

func TestRemoveSynthetic(t *testing.T) {
	p, _, _ := newPool(t)
	ctx := context.Background()
	require.NoError(t, p.Add(ctx, entry(90, "ollama:llama3")))
	synthetic := entry(92, "ollama:llama3")
	synthetic.Context = map[string]string{"source": "synthetic"}
	require.NoError(t, p.Add(ctx, synthetic))

	removed, err := p.RemoveSynthetic(artifact.TypeAPIDocs)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := p.Entries(artifact.TypeAPIDocs)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].synthetic())
}

func TestClear(t *testing.T) {
	p, _, _ := newPool(t)
	require.NoError(t, p.Add(context.Background(), entry(90, "ollama:llama3")))
	require.NoError(t, p.Clear(artifact.TypeAPIDocs))
	entries, err := p.Entries(artifact.TypeAPIDocs)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDominantBaseModel(t *testing.T) {
	entries := []Entry{
		entry(90, "ollama:llama3"),
		entry(90, "ollama:mistral"),
		entry(90, "ollama:llama3"),
	}
	assert.Equal(t, "ollama:llama3", dominantBaseModel(entries))
}
