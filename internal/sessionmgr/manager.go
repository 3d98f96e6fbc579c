// Package sessionmgr implements the Agent Session Manager (spec §4.I):
// at most one running query per session, driving the wrapped agent SDK,
// translating its stream into events, and persisting the result.
package sessionmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/guildhall/internal/agentsdk"
	"github.com/kandev/guildhall/internal/common/logger"
	"github.com/kandev/guildhall/internal/eventbus"
	"github.com/kandev/guildhall/internal/sessionstore"
	"github.com/kandev/guildhall/internal/translator"
)

// ErrNotFound is returned when RunQuery/StopQuery name an unknown session.
var ErrNotFound = errors.New("sessionmgr: session not found")

// ErrAlreadyRunning is returned when RunQuery is called on a session that
// already has a query in flight.
var ErrAlreadyRunning = errors.New("sessionmgr: query already running")

// ToolServers resolves the MCP tool servers one query should present to
// the agent SDK: the subprocess plugins backing the session's guild
// members, plus (for worker-capable members) an in-process Worker
// Dispatch Bridge. abort is this query's own cancellation handle;
// implementations wire it as the dispatch bridge's "on cancel" callback
// so that a worker job cancellation can abort the query that dispatched
// it — the cyclic dependency noted in spec §9. close releases whatever
// this one resolution opened (e.g. an ephemeral HTTP listener) and must
// be called once the query ends, in any outcome.
type ToolServers interface {
	Resolve(ctx context.Context, sessionID string, members []string, abort func()) (servers []agentsdk.ToolServer, close func(), err error)
}

type runningQuery struct {
	cancel context.CancelFunc
}

// Manager holds the map of in-flight queries and coordinates the
// Session Store, Event Bus, and agent SDK around them.
type Manager struct {
	store *sessionstore.Store
	bus   *eventbus.Bus
	agent agentsdk.Client
	tools ToolServers
	log   *logger.Logger
	now   func() time.Time

	mu      sync.Mutex
	running map[string]*runningQuery
}

// New creates a Manager. tools may be nil for tests that don't exercise
// plugin/worker tool wiring; no tool servers are then offered to the SDK.
func New(store *sessionstore.Store, bus *eventbus.Bus, agent agentsdk.Client, tools ToolServers, log *logger.Logger) *Manager {
	return &Manager{
		store:   store,
		bus:     bus,
		agent:   agent,
		tools:   tools,
		log:     log,
		now:     time.Now,
		running: make(map[string]*runningQuery),
	}
}

// IsQueryRunning reports whether sessionID currently has a query in
// flight.
func (m *Manager) IsQueryRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[sessionID]
	return ok
}

// RunQuery starts a new query for sessionID. Preconditions are checked
// and the user message appended / status transitioned to running
// synchronously before this returns; the agent SDK call and stream
// consumption run on a background goroutine. Per spec §9's open
// question, a session may move idle→running or completed→running alike;
// only an already-running query is rejected.
func (m *Manager) RunQuery(sessionID, content string) error {
	if !m.store.Exists(sessionID) {
		return ErrNotFound
	}

	m.mu.Lock()
	if _, ok := m.running[sessionID]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	qctx, cancel := context.WithCancel(context.Background())
	rq := &runningQuery{cancel: cancel}
	m.running[sessionID] = rq
	m.mu.Unlock()

	if err := m.store.AppendMessage(sessionID, sessionstore.Message{
		Role: sessionstore.RoleUser, Content: content, Timestamp: m.now().UTC(),
	}); err != nil {
		m.clearRunning(sessionID)
		return fmt.Errorf("sessionmgr: append user message: %w", err)
	}

	running := sessionstore.StatusRunning
	if _, err := m.store.UpdateMetadata(sessionID, sessionstore.MetadataUpdate{Status: &running}); err != nil {
		m.clearRunning(sessionID)
		return fmt.Errorf("sessionmgr: transition to running: %w", err)
	}
	m.bus.Emit(sessionID, translator.Event{Type: "status_change", Status: string(sessionstore.StatusRunning)})

	go m.execute(qctx, sessionID, content, rq)
	return nil
}

// StopQuery fires sessionID's cancellation handle if a query is running.
// A stop for a session with nothing running, or a second stop for one
// already stopping, is a no-op.
func (m *Manager) StopQuery(sessionID string) {
	m.mu.Lock()
	rq, ok := m.running[sessionID]
	m.mu.Unlock()
	if ok {
		rq.cancel()
	}
}

func (m *Manager) clearRunning(sessionID string) {
	m.mu.Lock()
	delete(m.running, sessionID)
	m.mu.Unlock()
}

// execute drives one query end to end. Every exit path — normal
// completion, SDK error, or cancellation — runs through its own
// finalizer block so status/emit/cleanup always happen (spec §4.I).
func (m *Manager) execute(ctx context.Context, sessionID, content string, rq *runningQuery) {
	defer m.clearRunning(sessionID)

	session, err := m.store.Get(sessionID)
	if err != nil {
		m.bus.Emit(sessionID, translator.Event{Type: "error", Reason: err.Error()})
		m.emitDone(sessionID)
		m.finish(sessionID, sessionstore.StatusError)
		return
	}

	var toolServers []agentsdk.ToolServer
	var closeTools func()
	if m.tools != nil {
		toolServers, closeTools, err = m.tools.Resolve(ctx, sessionID, session.Metadata.GuildMembers, rq.cancel)
		if err != nil {
			m.bus.Emit(sessionID, translator.Event{Type: "error", Reason: err.Error()})
			m.emitDone(sessionID)
			m.finish(sessionID, sessionstore.StatusError)
			return
		}
	}
	if closeTools != nil {
		defer closeTools()
	}

	priors := make([]agentsdk.PriorMessage, 0, len(session.Messages))
	for _, msg := range session.Messages {
		priors = append(priors, agentsdk.PriorMessage{Role: string(msg.Role), Content: msg.Content})
	}

	stream, err := m.agent.Query(ctx, agentsdk.QueryOptions{
		SessionID:   sessionID,
		Prompt:      content,
		Priors:      priors,
		ToolServers: toolServers,
	})
	if err != nil {
		m.bus.Emit(sessionID, translator.Event{Type: "error", Reason: err.Error()})
		m.emitDone(sessionID)
		m.finish(sessionID, sessionstore.StatusError)
		return
	}
	defer stream.Close()

	m.consume(ctx, sessionID, stream)
}

func (m *Manager) consume(ctx context.Context, sessionID string, stream agentsdk.Stream) {
	var textBuf strings.Builder
	sawError := false

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		if err := m.store.AppendMessage(sessionID, sessionstore.Message{
			Role: sessionstore.RoleAssistant, Content: textBuf.String(), Timestamp: m.now().UTC(),
		}); err != nil && m.log != nil {
			m.log.Error("sessionmgr: failed to persist assistant turn", zap.String("session", sessionID), zap.Error(err))
		}
		textBuf.Reset()
	}

	for {
		msg, ok, err := stream.Recv()
		if err != nil {
			flushText()
			reason := err.Error()
			if ctx.Err() != nil {
				reason = "aborted"
			}
			m.bus.Emit(sessionID, translator.Event{Type: "error", Reason: reason})
			m.emitDone(sessionID)
			if ctx.Err() != nil {
				m.finish(sessionID, sessionstore.StatusIdle)
			} else {
				m.finish(sessionID, sessionstore.StatusError)
			}
			return
		}
		if !ok {
			break
		}

		for _, ev := range translator.Translate(msg, translator.Context{}) {
			m.bus.Emit(sessionID, ev)
			switch ev.Type {
			case "text_delta":
				textBuf.WriteString(ev.Text)
			case "tool_use":
				flushText()
				m.persistToolUse(sessionID, ev)
			case "tool_result":
				m.persistToolResult(sessionID, ev)
			case "error":
				sawError = true
			}
		}
	}

	flushText()
	m.emitDone(sessionID)
	if sawError {
		m.finish(sessionID, sessionstore.StatusError)
	} else {
		m.finish(sessionID, sessionstore.StatusCompleted)
	}
}

func (m *Manager) emitDone(sessionID string) {
	m.bus.Emit(sessionID, translator.Event{Type: "done"})
}

func (m *Manager) finish(sessionID string, status sessionstore.Status) {
	now := m.now().UTC()
	s := status
	if _, err := m.store.UpdateMetadata(sessionID, sessionstore.MetadataUpdate{Status: &s, LastActivityAt: &now}); err != nil && m.log != nil {
		m.log.Error("sessionmgr: failed to finalize session status", zap.String("session", sessionID), zap.Error(err))
	}
}

func (m *Manager) persistToolUse(sessionID string, ev translator.Event) {
	data, err := json.Marshal(struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input,omitempty"`
	}{Name: ev.Name, Input: ev.Input})
	if err != nil {
		return
	}
	if err := m.store.AppendMessage(sessionID, sessionstore.Message{
		Role: sessionstore.RoleToolUse, Content: string(data), Timestamp: m.now().UTC(),
	}); err != nil && m.log != nil {
		m.log.Error("sessionmgr: failed to persist tool_use", zap.String("session", sessionID), zap.Error(err))
	}
}

func (m *Manager) persistToolResult(sessionID string, ev translator.Event) {
	data, err := json.Marshal(struct {
		Name   string `json:"name"`
		Output string `json:"output"`
	}{Name: ev.Name, Output: ev.Output})
	if err != nil {
		return
	}
	if err := m.store.AppendMessage(sessionID, sessionstore.Message{
		Role: sessionstore.RoleToolResult, Content: string(data), Timestamp: m.now().UTC(),
	}); err != nil && m.log != nil {
		m.log.Error("sessionmgr: failed to persist tool_result", zap.String("session", sessionID), zap.Error(err))
	}
}
