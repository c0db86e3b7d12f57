package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

func TestSubscribeReplaysHistory(t *testing.T) {
	b := NewBroadcaster()
	b.Send(Event{Stage: StageStarted, ArtifactType: artifact.TypeMermaidERD})
	b.Send(Event{Stage: StageAttempt, Model: "ollama:llama3"})

	ch, _, unsub := b.Subscribe()
	defer unsub()

	ev := <-ch
	assert.Equal(t, StageStarted, ev.Stage)
	ev = <-ch
	assert.Equal(t, StageAttempt, ev.Stage)
	assert.Equal(t, "ollama:llama3", ev.Model)
	assert.False(t, ev.At.IsZero())
}

func TestSlowClientDroppedWithoutClosingDone(t *testing.T) {
	b := NewBroadcaster()
	ch, done, unsub := b.Subscribe()
	defer unsub()

	// Overflow the subscriber buffer without draining.
	for range cap(ch) + 1 {
		b.Send(Event{Stage: StageAttempt})
	}

	// Channel closed for the slow client, but the run is still live.
	var closed bool
	for {
		if _, ok := <-ch; !ok {
			closed = true
			break
		}
	}
	assert.True(t, closed)
	select {
	case <-done:
		t.Fatal("done closed on slow-client drop")
	default:
	}
}

func TestCloseClosesClientsAndDone(t *testing.T) {
	b := NewBroadcaster()
	ch, done, _ := b.Subscribe()
	b.Send(Event{Stage: StageCompleted})
	b.Close()

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StageCompleted, ev.Stage)
	_, ok = <-ch
	assert.False(t, ok)
	<-done

	// Sends after close are discarded.
	b.Send(Event{Stage: StageFailed})
	assert.Len(t, b.History(), 1)
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Send(Event{Stage: StageStarted})
	b.Close()

	ch, _, unsub := b.Subscribe()
	defer unsub()
	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StageStarted, ev.Stage)
	_, ok = <-ch
	assert.False(t, ok)
}
