package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_InOrderPerTopic(t *testing.T) {
	b := New(nil)
	var received []int
	b.Subscribe("s1", func(e Event) { received = append(received, e.(int)) })

	for i := 0; i < 5; i++ {
		b.Emit("s1", i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, received)
}

func TestEmit_DistinctTopicsIndependent(t *testing.T) {
	b := New(nil)
	var a, c []string
	b.Subscribe("a", func(e Event) { a = append(a, e.(string)) })
	b.Subscribe("c", func(e Event) { c = append(c, e.(string)) })

	b.Emit("a", "x")
	b.Emit("c", "y")

	assert.Equal(t, []string{"x"}, a)
	assert.Equal(t, []string{"y"}, c)
}

func TestUnsubscribe_DuringDeliveryNotReinvoked(t *testing.T) {
	b := New(nil)
	var calls int
	var unsub Unsubscribe
	unsub = b.Subscribe("s1", func(e Event) {
		calls++
		unsub()
	})

	b.Emit("s1", "first")
	b.Emit("s1", "second")

	assert.Equal(t, 1, calls)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New(nil)
	unsub := b.Subscribe("s1", func(e Event) {})
	unsub()
	assert.NotPanics(t, func() { unsub() })
}

func TestEmit_PanickingSubscriberIsolated(t *testing.T) {
	b := New(nil)
	var secondCalled bool
	b.Subscribe("s1", func(e Event) { panic("boom") })
	b.Subscribe("s1", func(e Event) { secondCalled = true })

	assert.NotPanics(t, func() { b.Emit("s1", "x") })
	assert.True(t, secondCalled)
}

func TestPublishGlobal_DeliversToAllListeners(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var count int
	b.SubscribeGlobal(func(e Event) { mu.Lock(); count++; mu.Unlock() })
	b.SubscribeGlobal(func(e Event) { mu.Lock(); count++; mu.Unlock() })

	b.PublishGlobal("sys")
	assert.Equal(t, 2, count)
}

func TestEmit_NoFurtherEventsAfterDone(t *testing.T) {
	b := New(nil)
	var events []string
	unsub := b.Subscribe("s1", func(e Event) {
		s := e.(string)
		events = append(events, s)
		if s == "done" {
			unsub()
		}
	})

	b.Emit("s1", "status_change")
	b.Emit("s1", "done")
	b.Emit("s1", "should-not-arrive")

	require.Equal(t, []string{"status_change", "done"}, events)
}
