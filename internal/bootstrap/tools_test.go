package bootstrap

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/guildhall/internal/common/config"
	"github.com/kandev/guildhall/internal/dispatch"
	"github.com/kandev/guildhall/internal/jobstore"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	cfg := &config.Config{
		Plugins: config.PluginsConfig{
			Root:          t.TempDir(),
			PortRangeLow:  51500,
			PortRangeHigh: 51600,
		},
	}
	return New(cfg, nil, nil)
}

func TestToolResolver_UnknownMemberIsSkipped(t *testing.T) {
	c := newTestContext(t)
	tr := newToolResolver(c)

	servers, closeFn, err := tr.Resolve(context.Background(), "sess-1", []string{"nope"}, func() {})
	require.NoError(t, err)
	assert.Empty(t, servers)
	closeFn()
}

func TestMountBridge_ListensAndClosesCleanly(t *testing.T) {
	store, err := jobstore.New(t.TempDir())
	require.NoError(t, err)

	bridge := dispatch.New("scribe", store, func() (string, bool) { return "", false }, nil)

	url, closeFn, err := mountBridge(bridge)
	require.NoError(t, err)
	require.NotEmpty(t, url)
	assert.True(t, strings.HasSuffix(url, "/mcp"))

	host := strings.TrimSuffix(strings.TrimPrefix(url, "http://"), "/mcp")
	conn, err := net.DialTimeout("tcp", host, time.Second)
	require.NoError(t, err)
	_ = conn.Close()

	closeFn()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", host, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
		}
		return err != nil
	}, time.Second, 10*time.Millisecond)
}
