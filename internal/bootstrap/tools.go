package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kandev/guildhall/internal/agentsdk"
	"github.com/kandev/guildhall/internal/dispatch"
)

// toolResolver is the concrete sessionmgr.ToolServers: for every guild
// member a query names, it ensures the member's subprocess is running
// and offers its MCP endpoint, and for worker-capable members it also
// stands up a fresh Worker Dispatch Bridge over its own job store. The
// bridge's onCancel is the query's own abort func (spec §9's cyclic
// dependency), so a worker-job cancellation aborts the very query that
// dispatched it.
type toolResolver struct {
	ctx *Context
}

func newToolResolver(c *Context) *toolResolver {
	return &toolResolver{ctx: c}
}

func (tr *toolResolver) Resolve(ctx context.Context, _ string, members []string, abort func()) ([]agentsdk.ToolServer, func(), error) {
	c := tr.ctx
	var servers []agentsdk.ToolServer
	var closers []func()

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	for _, name := range members {
		member, ok := c.Roster()[name]
		if !ok {
			continue
		}

		if err := c.Lifecycle().EnsureStarted(ctx, name); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("bootstrap: start %s: %w", name, err)
		}
		url, ok := c.Lifecycle().MemberURL(name)
		if !ok {
			cleanup()
			return nil, nil, fmt.Errorf("bootstrap: %s has no bound endpoint", name)
		}
		servers = append(servers, agentsdk.ToolServer{Name: name, URL: url})

		if !member.Manifest.Worker {
			continue
		}

		jobs, err := c.jobStoreFor(name)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("bootstrap: job store for %s: %w", name, err)
		}

		memberName := name
		resolveURL := func() (string, bool) { return c.Lifecycle().MemberURL(memberName) }
		bridge := dispatch.New(name, jobs, resolveURL, func(string) { abort() })

		bridgeURL, closeBridge, err := mountBridge(bridge)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("bootstrap: mount dispatch bridge for %s: %w", name, err)
		}
		closers = append(closers, closeBridge)
		servers = append(servers, agentsdk.ToolServer{Name: name + "-dispatch", URL: bridgeURL})
	}

	return servers, cleanup, nil
}

// mountBridge exposes one query's Worker Dispatch Bridge over an
// ephemeral loopback HTTP listener. The returned closer shuts the
// listener down; callers must invoke it once the query ends, in any
// outcome.
func mountBridge(bridge *dispatch.Bridge) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	streamSrv := mcpserver.NewStreamableHTTPServer(bridge.MCPServer(), mcpserver.WithEndpointPath("/mcp"))
	mux := http.NewServeMux()
	mux.Handle("/mcp", streamSrv)
	httpSrv := &http.Server{Handler: mux}

	go func() { _ = httpSrv.Serve(ln) }()

	url := fmt.Sprintf("http://%s/mcp", ln.Addr().String())
	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return url, closeFn, nil
}
