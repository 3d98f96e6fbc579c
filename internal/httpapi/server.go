// Package httpapi is the HTTP + SSE Surface (spec §4.L): thin handlers
// over the Session Store and Agent Session Manager, plus the per-session
// SSE event stream. Body validation lives here; all real work happens in
// the components it calls.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/guildhall/internal/common/logger"
	"github.com/kandev/guildhall/internal/eventbus"
	"github.com/kandev/guildhall/internal/sessionmgr"
	"github.com/kandev/guildhall/internal/sessionstore"
	"github.com/kandev/guildhall/internal/translator"
)

// Server wires the Session Store, Agent Session Manager, and Event Bus
// to gin routes.
type Server struct {
	store    *sessionstore.Store
	sessions *sessionmgr.Manager
	bus      *eventbus.Bus
	log      *logger.Logger
}

// New creates a Server.
func New(store *sessionstore.Store, sessions *sessionmgr.Manager, bus *eventbus.Bus, log *logger.Logger) *Server {
	return &Server{store: store, sessions: sessions, bus: bus, log: log}
}

// Register mounts every route under r (normally the root gin.Engine).
func (s *Server) Register(r gin.IRouter) {
	g := r.Group("/api/sessions")
	g.GET("", s.listSessions)
	g.POST("", s.createSession)
	g.GET("/:id", s.getSession)
	g.DELETE("/:id", s.deleteSession)
	g.POST("/:id/messages", s.postMessage)
	g.POST("/:id/stop", s.stopQuery)
	g.GET("/:id/events", s.streamEvents)
}

func (s *Server) logErr(context string, err error) {
	if s.log != nil {
		s.log.Error(context, zap.Error(err))
	}
}

func (s *Server) listSessions(c *gin.Context) {
	metas, err := s.store.List()
	if err != nil {
		s.logErr("httpapi: list sessions failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	out := make([]sessionDTO, 0, len(metas))
	for _, m := range metas {
		out = append(out, fromMetadata(m))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	meta, err := s.store.Create(req.Name, req.GuildMembers)
	if err != nil {
		s.logErr("httpapi: create session failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, fromMetadata(meta))
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.store.Get(c.Param("id"))
	if err != nil {
		s.writeStoreError(c, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, fromSession(session))
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.store.Delete(c.Param("id")); err != nil {
		s.writeStoreError(c, err, "session not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) postMessage(c *gin.Context) {
	id := c.Param("id")

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	err := s.sessions.RunQuery(id, req.Content)
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, sessionmgr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, sessionmgr.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "a query is already running for this session"})
	default:
		s.logErr("httpapi: run query failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start query"})
	}
}

func (s *Server) stopQuery(c *gin.Context) {
	id := c.Param("id")
	if !s.store.Exists(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if !s.sessions.IsQueryRunning(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "nothing running for this session"})
		return
	}
	s.sessions.StopQuery(id)
	c.Status(http.StatusOK)
}

// streamEvents is the per-session SSE endpoint (spec §4.L). If no query
// is running it emits one status_change snapshot and closes; otherwise
// it subscribes to the session's event-bus topic, emits an initial
// status_change:running, and forwards every event in order until `done`
// or client disconnect, unsubscribing in either case.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")

	session, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(c, err, "session not found")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	if !s.sessions.IsQueryRunning(id) {
		c.SSEvent("status_change", translator.Event{Type: "status_change", Status: string(session.Metadata.Status)})
		return
	}

	events := make(chan translator.Event, 64)
	unsubscribe := s.bus.Subscribe(id, func(e eventbus.Event) {
		ev, ok := e.(translator.Event)
		if !ok {
			return
		}
		select {
		case events <- ev:
		default:
			// Slow consumer: drop rather than block bus delivery for every
			// other subscriber on this topic.
		}
	})
	defer unsubscribe()

	// The query may have finished between the running check and the
	// subscription above; without this recheck the stream would wait on a
	// done event that was emitted before we were listening.
	if !s.sessions.IsQueryRunning(id) && len(events) == 0 {
		session, err := s.store.Get(id)
		if err == nil {
			c.SSEvent("status_change", translator.Event{Type: "status_change", Status: string(session.Metadata.Status)})
		}
		return
	}

	first := true
	c.Stream(func(w io.Writer) bool {
		if first {
			first = false
			c.SSEvent("status_change", translator.Event{Type: "status_change", Status: "running"})
			return true
		}
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return ev.Type != "done"
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) writeStoreError(c *gin.Context, err error, notFoundMsg string) {
	if errors.Is(err, sessionstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMsg})
		return
	}
	s.logErr("httpapi: store operation failed", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
}
