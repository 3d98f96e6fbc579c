// Package lifecycle implements the Plugin/MCP Lifecycle Manager (spec
// §4.E): spawning plugin subprocesses, initializing their MCP endpoint,
// sharing one live subprocess per plugin across sessions, invoking tools
// with per-call timeouts, and tearing everything down on shutdown.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/guildhall/internal/common/logger"
	"github.com/kandev/guildhall/internal/discovery"
	"github.com/kandev/guildhall/internal/mcprpc"
	"github.com/kandev/guildhall/internal/portregistry"
)

const (
	// InitTimeout bounds how long "initialize" may take after spawn.
	InitTimeout = 5 * time.Second
	// InvokeTimeout bounds a single tools/call round-trip.
	InvokeTimeout = 30 * time.Second
	// shutdownGrace is how long a SIGTERM'd child gets before SIGKILL.
	shutdownGrace = 3 * time.Second
)

// ErrUnknownMember is returned when an operation names a plugin the
// manager has no roster entry for.
var ErrUnknownMember = errors.New("lifecycle: unknown member")

// pidRecord is the atomically-written contents of a plugin's PID file.
type pidRecord struct {
	PID  int `json:"pid"`
	Port int `json:"port"`
}

type handle struct {
	mu     sync.Mutex
	member *discovery.Member
	cmd    *exec.Cmd
	port   int
	client *mcprpc.Client
}

// Manager spawns and supervises one subprocess per plugin, sharing it
// across every session that needs it.
type Manager struct {
	roster        map[string]*discovery.Member
	ports         *portregistry.Registry
	pidDir        string
	log           *logger.Logger
	initTimeout   time.Duration
	invokeTimeout time.Duration

	mu      sync.Mutex
	handles map[string]*handle
}

// Option adjusts a Manager at construction time.
type Option func(*Manager)

// WithTimeouts overrides the initialize and per-invocation deadlines.
// Non-positive values keep the defaults.
func WithTimeouts(init, invoke time.Duration) Option {
	return func(m *Manager) {
		if init > 0 {
			m.initTimeout = init
		}
		if invoke > 0 {
			m.invokeTimeout = invoke
		}
	}
}

// New creates a Manager. roster is the shared member map populated by
// discovery.Scan; pidDir is `<home>/.mcp-servers`.
func New(roster map[string]*discovery.Member, ports *portregistry.Registry, pidDir string, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		roster:        roster,
		ports:         ports,
		pidDir:        pidDir,
		log:           log,
		initTimeout:   InitTimeout,
		invokeTimeout: InvokeTimeout,
		handles:       make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func flattenName(name string) string {
	return strings.ReplaceAll(name, "/", "--")
}

func (m *Manager) pidFilePath(name string) string {
	return filepath.Join(m.pidDir, flattenName(name)+".json")
}

// EnsureStarted starts name's subprocess and initializes its MCP endpoint
// if it is not already connected. It is idempotent for an already-connected
// member: concurrent callers share the same subprocess.
func (m *Manager) EnsureStarted(ctx context.Context, name string) error {
	member, ok := m.roster[name]
	if !ok {
		return ErrUnknownMember
	}

	m.mu.Lock()
	h, exists := m.handles[name]
	if !exists {
		h = &handle{member: member}
		m.handles[name] = h
	}
	m.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if member.Status == discovery.StatusConnected {
		return nil
	}
	return m.spawnAndInitialize(ctx, h, member)
}

func (m *Manager) spawnAndInitialize(ctx context.Context, h *handle, member *discovery.Member) error {
	port, err := m.ports.Allocate()
	if err != nil {
		member.Status = discovery.StatusError
		member.LastErr = err.Error()
		return fmt.Errorf("lifecycle: allocate port for %s: %w", member.DirName, err)
	}

	args := make([]string, len(member.Manifest.MCP.Args))
	for i, a := range member.Manifest.MCP.Args {
		args[i] = strings.ReplaceAll(a, "${PORT}", strconv.Itoa(port))
	}

	cmd := exec.Command(member.Manifest.MCP.Command, args...)
	cmd.Dir = member.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		m.ports.MarkDead(port)
		member.Status = discovery.StatusError
		member.LastErr = err.Error()
		return fmt.Errorf("lifecycle: spawn %s: %w", member.DirName, err)
	}

	h.cmd = cmd
	h.port = port
	h.client = mcprpc.New(fmt.Sprintf("http://127.0.0.1:%d/mcp", port))
	member.Port = port

	if err := m.writePIDFile(member.DirName, cmd.Process.Pid, port); m.log != nil && err != nil {
		m.log.Warn("lifecycle: write pid file failed", zap.String("member", member.DirName), zap.Error(err))
	}

	go m.watchForCrash(member.DirName, h, cmd)

	initCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()
	if _, err := h.client.Request(initCtx, "initialize", map[string]any{}, m.initTimeout); err != nil {
		m.killAndCleanup(member.DirName, h)
		member.Status = discovery.StatusError
		member.LastErr = fmt.Sprintf("initialize timed out or failed: %v", err)
		return fmt.Errorf("lifecycle: initialize %s: %w", member.DirName, err)
	}

	result, err := h.client.Request(ctx, "tools/list", map[string]any{}, m.invokeTimeout)
	if err != nil {
		m.killAndCleanup(member.DirName, h)
		member.Status = discovery.StatusError
		member.LastErr = fmt.Sprintf("tools/list failed: %v", err)
		return fmt.Errorf("lifecycle: tools/list %s: %w", member.DirName, err)
	}
	member.Tools = parseToolNames(result)
	member.Status = discovery.StatusConnected
	member.LastErr = ""
	return nil
}

func parseToolNames(raw json.RawMessage) []string {
	var body struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	names := make([]string, 0, len(body.Tools))
	for _, t := range body.Tools {
		names = append(names, t.Name)
	}
	return names
}

func (m *Manager) watchForCrash(name string, h *handle, cmd *exec.Cmd) {
	err := cmd.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	m.mu.Lock()
	current, ok := m.handles[name]
	sameProcess := ok && current == h
	m.mu.Unlock()
	if !sameProcess {
		// Already superseded by a later spawn; nothing to clean up here.
		return
	}

	if m.log != nil {
		m.log.Warn("lifecycle: plugin subprocess exited", zap.String("member", name), zap.Error(err))
	}
	h.member.Status = discovery.StatusError
	h.member.LastErr = "subprocess exited"
	m.ports.MarkDead(h.port)
	_ = os.Remove(m.pidFilePath(name))

	m.mu.Lock()
	delete(m.handles, name)
	m.mu.Unlock()
}

// InvokeTool calls a connected member's tools/call with the given input. A
// timeout isolates the call: the subprocess is never killed for a slow
// tool. Transport failure or a process that exited mid-call marks the
// member as errored.
func (m *Manager) InvokeTool(ctx context.Context, name, tool string, input json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownMember
	}

	h.mu.Lock()
	client := h.client
	member := h.member
	h.mu.Unlock()
	if client == nil || member.Status != discovery.StatusConnected {
		return nil, fmt.Errorf("lifecycle: %s is not connected", name)
	}

	params := map[string]any{"name": tool, "arguments": json.RawMessage(input)}
	result, err := client.Request(ctx, "tools/call", params, m.invokeTimeout)
	if err != nil {
		var timeoutErr *mcprpc.TimeoutError
		if errors.As(err, &timeoutErr) {
			return nil, err
		}
		member.Status = discovery.StatusError
		member.LastErr = err.Error()
		return nil, err
	}
	return result, nil
}

// MemberURL returns name's currently bound MCP endpoint. ok is false if
// the member has no live, connected subprocess.
func (m *Manager) MemberURL(name string) (string, bool) {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil || h.member.Status != discovery.StatusConnected {
		return "", false
	}
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", h.port), true
}

func (m *Manager) killAndCleanup(name string, h *handle) {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	m.ports.MarkDead(h.port)
	_ = os.Remove(m.pidFilePath(name))
	m.mu.Lock()
	delete(m.handles, name)
	m.mu.Unlock()
}

func (m *Manager) writePIDFile(name string, pid, port int) error {
	if err := os.MkdirAll(m.pidDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(pidRecord{PID: pid, Port: port})
	if err != nil {
		return err
	}
	path := m.pidFilePath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Shutdown sends SIGTERM to every live child, waits a grace period, then
// SIGKILLs any still running. Signalling fans out over an errgroup so one
// slow plugin doesn't delay the others; reaping itself stays the job of
// each handle's own watchForCrash goroutine, started at spawn time.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.cmd != nil && h.cmd.Process != nil {
				_ = h.cmd.Process.Signal(syscall.SIGTERM)
			}
			return nil
		})
	}
	_ = g.Wait()

	time.Sleep(shutdownGrace)

	g = errgroup.Group{}
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.cmd != nil && h.cmd.Process != nil {
				_ = h.cmd.Process.Signal(syscall.Signal(0))
				_ = h.cmd.Process.Kill()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// BootCleanup reads PID files left over from a previous run, kills any
// still-live orphan processes, and removes every PID file. Call once at
// process startup before serving traffic.
func BootCleanup(pidDir string, log *logger.Logger) error {
	entries, err := os.ReadDir(pidDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var g errgroup.Group
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(pidDir, e.Name())
		g.Go(func() error {
			defer os.Remove(path)
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			var rec pidRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil
			}
			proc, err := os.FindProcess(rec.PID)
			if err != nil {
				return nil
			}
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return nil
			}
			if log != nil {
				log.Info("lifecycle: killing orphan plugin process", zap.Int("pid", rec.PID), zap.Int("port", rec.Port))
			}
			_ = proc.Kill()
			return nil
		})
	}
	return g.Wait()
}
