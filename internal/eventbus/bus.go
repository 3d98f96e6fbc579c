// Package eventbus implements a topic-keyed publish/subscribe bus with
// synchronous, strictly in-order, per-topic delivery — the Event Bus
// component of the orchestration core (spec §4.F).
package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/guildhall/internal/common/logger"
)

// Event is an opaque payload delivered to subscribers. Callers define
// their own concrete event shape (see package translator); the bus does
// not interpret it.
type Event any

// Handler receives one event. A panicking handler is recovered and
// logged; it never brings down the bus or other subscribers.
type Handler func(event Event)

// Unsubscribe removes a subscription. It is safe to call from within the
// handler it belongs to, and idempotent.
type Unsubscribe func()

type subscriber struct {
	handler Handler
	active  atomic.Bool
}

// topicState keeps two locks on purpose: deliverMu serializes whole
// delivery passes so overlapping Emit calls on one topic never
// interleave, while mu guards only the subscriber slice. Unsubscribe
// takes mu alone, so a handler may unsubscribe itself mid-delivery
// without deadlocking against the Emit that invoked it.
type topicState struct {
	deliverMu   sync.Mutex
	mu          sync.Mutex
	subscribers []*subscriber
}

func (t *topicState) add(fn Handler) *subscriber {
	sub := &subscriber{handler: fn}
	sub.active.Store(true)
	t.mu.Lock()
	t.subscribers = append(t.subscribers, sub)
	t.mu.Unlock()
	return sub
}

func (t *topicState) remove(sub *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub.active.Store(false)
	for i, s := range t.subscribers {
		if s == sub {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			break
		}
	}
}

func (t *topicState) snapshot() []*subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*subscriber, len(t.subscribers))
	copy(out, t.subscribers)
	return out
}

// Bus is a process-wide event bus. Each topic (session/meeting id) gets
// its own serialized delivery queue so that emit order is preserved per
// topic while distinct topics proceed independently.
type Bus struct {
	mu     sync.Mutex // protects the topics map itself
	topics map[string]*topicState

	global topicState

	log *logger.Logger
}

// New creates an empty Bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topicState),
		log:    log,
	}
}

func (b *Bus) topic(name string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{}
		b.topics[name] = t
	}
	return t
}

// Subscribe registers fn to receive every event emitted on topic,
// in emission order, from the moment of subscription onward.
func (b *Bus) Subscribe(topic string, fn Handler) Unsubscribe {
	t := b.topic(topic)
	sub := t.add(fn)

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(sub) })
	}
}

// Emit delivers event to every currently active subscriber of topic, in
// order, synchronously. Delivery for a topic is serialized against
// concurrent Emit calls on the same topic. A subscriber that
// unsubscribes mid-delivery (including from within its own handler) is
// not invoked again.
func (b *Bus) Emit(topic string, event Event) {
	b.deliver(b.topic(topic), event)
}

// SubscribeGlobal registers fn to receive every event emitted via
// PublishGlobal, regardless of topic.
func (b *Bus) SubscribeGlobal(fn Handler) Unsubscribe {
	sub := b.global.add(fn)

	var once sync.Once
	return func() {
		once.Do(func() { b.global.remove(sub) })
	}
}

// PublishGlobal delivers event to every system-wide listener, in order.
func (b *Bus) PublishGlobal(event Event) {
	b.deliver(&b.global, event)
}

func (b *Bus) deliver(t *topicState, event Event) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	for _, sub := range t.snapshot() {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub.handler, event)
	}
}

func (b *Bus) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Error("eventbus: subscriber panicked", zap.Any("panic", r))
		}
	}()
	handler(event)
}
