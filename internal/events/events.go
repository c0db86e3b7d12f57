// Package events fans out typed progress events from a generation run to any
// number of subscribers. One Broadcaster per run.
package events

import (
	"sync"
	"time"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

// Stage identifies where in the pipeline an event originated.
type Stage string

const (
	StageStarted    Stage = "started"
	StageContext    Stage = "context"
	StageAttempt    Stage = "attempt"
	StageValidated  Stage = "validated"
	StageFallback   Stage = "fallback"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
	StageLowQuality Stage = "low_quality"
)

// Event is one progress notification.
type Event struct {
	Stage        Stage         `json:"stage"`
	ArtifactType artifact.Type `json:"artifact_type,omitempty"`
	Model        string        `json:"model,omitempty"`
	Score        int           `json:"score,omitempty"`
	Message      string        `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
}

// Broadcaster is thread-safe. New subscribers receive a replay of all prior
// events before live ones.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	clients map[uint64]chan Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on Close(), not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Event),
		doneCh:  make(chan struct{}),
	}
}

// Send delivers an event to every subscriber. A subscriber that cannot keep
// up is dropped so the pipeline never blocks on a consumer.
func (b *Broadcaster) Send(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The done channel closes only when the broadcaster closes, which
// lets callers tell run completion apart from being dropped as a slow client.
func (b *Broadcaster) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Sized to hold the full replay plus live headroom, so replay never
	// blocks while the mutex is held.
	ch := make(chan Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will be sent and closes every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events sent so far.
func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}
