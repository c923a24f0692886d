package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus(4)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Close()
	defer b.Close()

	bus.Publish(Event{Type: TypeFlash, Data: "x"})

	assert.Equal(t, TypeFlash, (<-a.C).Type)
	assert.Equal(t, TypeFlash, (<-b.C).Type)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Event{Type: TypeLog, Data: 1})
	bus.Publish(Event{Type: TypeLog, Data: 2})
	bus.Publish(Event{Type: TypeLog, Data: 3})

	// The buffer held 1 and 2; publishing 3 evicted 1.
	assert.Equal(t, 2, (<-sub.C).Data)
	assert.Equal(t, 3, (<-sub.C).Data)
	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected event %v", evt)
	default:
	}
}

func TestCloseIsIdempotentAndUnsubscribes(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	require.False(t, open)

	// Publishing after close must not panic.
	bus.Publish(Event{Type: TypeUpdate})
}
