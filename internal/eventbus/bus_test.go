package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	bus := New()

	ch1, unsub1 := bus.Subscribe(4)
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: EventRunStarted, Data: RunEvent{RunID: "r1"}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		require.Equal(t, EventRunStarted, ev.Type)
		require.False(t, ev.Time.IsZero())
		require.Equal(t, "r1", ev.Data.(RunEvent).RunID)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventRunStarted})
	bus.Publish(Event{Type: EventRunFinished}) // buffer full, dropped

	require.Equal(t, EventRunStarted, (<-ch).Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %q", ev.Type)
	default:
	}
}

func TestUnsubscribeIsIdempotentAndSafeDuringPublish(t *testing.T) {
	bus := New()
	_, unsub := bus.Subscribe(1)
	unsub()
	unsub()

	// Publishing after close must not panic.
	bus.Publish(Event{Type: EventRunFinished})
}
