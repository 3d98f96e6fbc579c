package sessionmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/guildhall/internal/agentsdk"
	"github.com/kandev/guildhall/internal/eventbus"
	"github.com/kandev/guildhall/internal/sessionstore"
	"github.com/kandev/guildhall/internal/translator"
)

func newTestManager(t *testing.T, client agentsdk.Client) (*Manager, *sessionstore.Store) {
	t.Helper()
	store, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New(nil)
	return New(store, bus, client, nil, nil), store
}

type collector struct {
	mu     sync.Mutex
	events []translator.Event
	done   chan struct{}
}

func subscribe(bus *eventbus.Bus, topic string) *collector {
	c := &collector{done: make(chan struct{})}
	bus.Subscribe(topic, func(e eventbus.Event) {
		ev := e.(translator.Event)
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
		if ev.Type == "done" {
			close(c.done)
		}
	})
	return c
}

func (c *collector) snapshot() []translator.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]translator.Event(nil), c.events...)
}

func TestRunQuery_UnknownSessionReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t, agentsdk.NewMockClient())
	err := m.RunQuery("nope", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunQuery_AlreadyRunningIsRejected(t *testing.T) {
	m, store := newTestManager(t, &hangingClient{})
	meta, err := store.Create("S", nil)
	require.NoError(t, err)

	require.NoError(t, m.RunQuery(meta.ID, "hi"))
	err = m.RunQuery(meta.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	m.StopQuery(meta.ID)
}

func TestRunQuery_CreateSendStreamComplete(t *testing.T) {
	script := []agentsdk.Message{
		{Type: "system", Subtype: "init", SessionID: "upstream-1", Worker: "scribe"},
		{
			Type: "stream_event", EventType: "content_block_delta",
			Delta: &agentsdk.Delta{Type: "text_delta", Text: "hello"},
		},
		{Type: "result", Subtype: "success"},
	}
	client := agentsdk.NewMockClient(script)
	m, store := newTestManager(t, client)

	meta, err := store.Create("S", nil)
	require.NoError(t, err)

	bus := m.bus
	c := subscribe(bus, meta.ID)

	require.NoError(t, m.RunQuery(meta.ID, "hi"))

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for done event")
	}

	events := c.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "status_change", events[0].Type)
	assert.Equal(t, "running", events[0].Status)

	var sawSession, sawTextDelta, sawTurnEnd, sawDone bool
	for _, ev := range events {
		switch ev.Type {
		case "session":
			sawSession = true
		case "text_delta":
			sawTextDelta = true
		case "turn_end":
			sawTurnEnd = true
		case "done":
			sawDone = true
		}
	}
	assert.True(t, sawSession)
	assert.True(t, sawTextDelta)
	assert.True(t, sawTurnEnd)
	assert.True(t, sawDone)

	assert.False(t, m.IsQueryRunning(meta.ID))

	session, err := store.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusCompleted, session.Metadata.Status)
	// user message + final assistant turn.
	assert.Equal(t, 2, session.Metadata.MessageCount)
	assert.Equal(t, len(session.Messages), session.Metadata.MessageCount)
}

// hangingClient yields a stream that blocks on Recv until its context is
// cancelled, modeling an agent SDK call that never produces output —
// spec §8 scenario 2, "stop a hanging query".
type hangingClient struct{}

func (hangingClient) Query(ctx context.Context, _ agentsdk.QueryOptions) (agentsdk.Stream, error) {
	return &hangingStream{ctx: ctx}, nil
}

type hangingStream struct{ ctx context.Context }

func (s *hangingStream) Recv() (agentsdk.Message, bool, error) {
	<-s.ctx.Done()
	return agentsdk.Message{}, false, s.ctx.Err()
}

func (s *hangingStream) Close() error { return nil }

func TestStopQuery_HangingQueryAbortsAndGoesIdle(t *testing.T) {
	m, store := newTestManager(t, &hangingClient{})
	meta, err := store.Create("S", nil)
	require.NoError(t, err)

	c := subscribe(m.bus, meta.ID)

	require.NoError(t, m.RunQuery(meta.ID, "hi"))
	require.Eventually(t, func() bool { return m.IsQueryRunning(meta.ID) }, time.Second, time.Millisecond)

	m.StopQuery(meta.ID)

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for done event after stop")
	}

	events := c.snapshot()
	var sawAborted bool
	for _, ev := range events {
		if ev.Type == "error" && ev.Reason == "aborted" {
			sawAborted = true
		}
	}
	assert.True(t, sawAborted)
	assert.Equal(t, "done", events[len(events)-1].Type)

	require.Eventually(t, func() bool { return !m.IsQueryRunning(meta.ID) }, time.Second, time.Millisecond)

	session, err := store.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StatusIdle, session.Metadata.Status)
}

func TestStopQuery_NoopWhenNothingRunning(t *testing.T) {
	m, store := newTestManager(t, agentsdk.NewMockClient())
	meta, err := store.Create("S", nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() { m.StopQuery(meta.ID) })
	assert.False(t, m.IsQueryRunning(meta.ID))
}
