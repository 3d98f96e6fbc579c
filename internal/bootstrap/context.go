// Package bootstrap is the Server Context / Bootstrap component (spec
// §4.M): lazily-initialized, shared singletons for the Event Bus, Plugin
// roster, Lifecycle Manager, and Agent Session Manager, plus the
// single-instance guarantee (see singleton.go).
package bootstrap

import (
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/guildhall/internal/agentsdk"
	"github.com/kandev/guildhall/internal/common/config"
	"github.com/kandev/guildhall/internal/common/logger"
	"github.com/kandev/guildhall/internal/discovery"
	"github.com/kandev/guildhall/internal/eventbus"
	"github.com/kandev/guildhall/internal/jobstore"
	"github.com/kandev/guildhall/internal/lifecycle"
	"github.com/kandev/guildhall/internal/portregistry"
	"github.com/kandev/guildhall/internal/sessionmgr"
	"github.com/kandev/guildhall/internal/sessionstore"
)

// Context holds every process-wide singleton, each built on first use
// and shared by every caller after that (spec §9, "Shared lazy
// singletons"): a sync.Once guard per field means concurrent callers
// before first construction block on the same build, and every caller
// after it reads the same instance.
type Context struct {
	cfg   *config.Config
	log   *logger.Logger
	agent agentsdk.Client

	busOnce sync.Once
	bus     *eventbus.Bus

	rosterOnce sync.Once
	roster     map[string]*discovery.Member

	portsOnce sync.Once
	ports     *portregistry.Registry

	lifecycleOnce sync.Once
	lifecycleMgr  *lifecycle.Manager

	sessionStoreOnce sync.Once
	sessionStore     *sessionstore.Store
	sessionStoreErr  error

	jobStoresMu sync.Mutex
	jobStores   map[string]*jobstore.Store

	sessionMgrOnce sync.Once
	sessionMgr     *sessionmgr.Manager
}

// New creates a Context. Nothing is constructed until first accessed
// through one of its getters.
func New(cfg *config.Config, log *logger.Logger, agent agentsdk.Client) *Context {
	return &Context{cfg: cfg, log: log, agent: agent}
}

// EventBus returns the process-wide Event Bus.
func (c *Context) EventBus() *eventbus.Bus {
	c.busOnce.Do(func() {
		c.bus = eventbus.New(c.log)
	})
	return c.bus
}

// Roster returns the shared map of discovered Guild Members, scanned
// once from the configured plugin root.
func (c *Context) Roster() map[string]*discovery.Member {
	c.rosterOnce.Do(func() {
		c.roster = discovery.Scan(c.cfg.Plugins.Root, c.log)
	})
	return c.roster
}

// PortRegistry returns the shared Port Registry over the configured
// range.
func (c *Context) PortRegistry() *portregistry.Registry {
	c.portsOnce.Do(func() {
		c.ports = portregistry.New(c.cfg.Plugins.PortRangeLow, c.cfg.Plugins.PortRangeHigh)
	})
	return c.ports
}

// Lifecycle returns the shared Plugin/MCP Lifecycle Manager.
func (c *Context) Lifecycle() *lifecycle.Manager {
	c.lifecycleOnce.Do(func() {
		c.lifecycleMgr = lifecycle.New(c.Roster(), c.PortRegistry(), config.McpServersDir(), c.log,
			lifecycle.WithTimeouts(
				time.Duration(c.cfg.Plugins.InitTimeoutMs)*time.Millisecond,
				time.Duration(c.cfg.Plugins.InvokeTimeoutMs)*time.Millisecond,
			))
	})
	return c.lifecycleMgr
}

// SessionStore returns the shared Session Store, created on first use.
// When the Context has a logger, a failure here is fatal: the store root
// is required for the process to serve any session traffic at all.
// Without a logger, a failure leaves the getter returning nil.
func (c *Context) SessionStore() *sessionstore.Store {
	c.sessionStoreOnce.Do(func() {
		c.sessionStore, c.sessionStoreErr = sessionstore.New(config.SessionsDir())
		if c.sessionStoreErr != nil && c.log != nil {
			c.log.Fatal("bootstrap: create session store", zap.Error(c.sessionStoreErr))
		}
	})
	return c.sessionStore
}

// jobStoreFor returns the Worker Job Store for one guild member, rooted
// at its own subdirectory of the jobs directory so that each worker's
// dispatch bridge only ever sees its own jobs.
func (c *Context) jobStoreFor(member string) (*jobstore.Store, error) {
	c.jobStoresMu.Lock()
	defer c.jobStoresMu.Unlock()
	if c.jobStores == nil {
		c.jobStores = make(map[string]*jobstore.Store)
	}
	if s, ok := c.jobStores[member]; ok {
		return s, nil
	}
	store, err := jobstore.New(filepath.Join(config.JobsDir(), member))
	if err != nil {
		return nil, err
	}
	c.jobStores[member] = store
	return store, nil
}

// SessionManager returns the shared Agent Session Manager, wired to this
// Context's tool-server resolver (see tools.go).
func (c *Context) SessionManager() *sessionmgr.Manager {
	c.sessionMgrOnce.Do(func() {
		c.sessionMgr = sessionmgr.New(c.SessionStore(), c.EventBus(), c.agent, newToolResolver(c), c.log)
	})
	return c.sessionMgr
}

// Shutdown tears down everything that owns a live subprocess or
// listener. Safe to call even if some singletons were never built.
func (c *Context) Shutdown() {
	if c.lifecycleMgr != nil {
		c.lifecycleMgr.Shutdown()
	}
}
