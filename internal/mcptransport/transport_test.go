package mcptransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, h http.Handler, body string) Reply {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var reply Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	return reply
}

func TestServeHTTP_RoutesStandardMethod(t *testing.T) {
	tr := New(
		func(method string, params json.RawMessage) (json.RawMessage, error) {
			assert.Equal(t, "tools/list", method)
			return json.RawMessage(`{"tools":[]}`), nil
		},
		nil,
	)
	reply := post(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NotNil(t, reply.ID)
	assert.Equal(t, int64(1), *reply.ID)
	assert.JSONEq(t, `{"tools":[]}`, string(reply.Result))
}

func TestServeHTTP_RoutesWorkerPrefixSeparately(t *testing.T) {
	var standardCalled, workerCalled bool
	tr := New(
		func(method string, params json.RawMessage) (json.RawMessage, error) {
			standardCalled = true
			return json.RawMessage("{}"), nil
		},
		func(method string, params json.RawMessage) (json.RawMessage, error) {
			workerCalled = true
			assert.Equal(t, "worker/dispatch", method)
			return json.RawMessage(`{"jobId":"abc"}`), nil
		},
	)
	reply := post(t, tr, `{"jsonrpc":"2.0","id":2,"method":"worker/dispatch"}`)
	assert.True(t, workerCalled)
	assert.False(t, standardCalled)
	assert.JSONEq(t, `{"jobId":"abc"}`, string(reply.Result))
}

func TestServeHTTP_MissingIDIsNotification(t *testing.T) {
	tr := New(func(method string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("{}"), nil
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"notify"}`))
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, strings.TrimSpace(rec.Body.String()))
}

func TestServeHTTP_HandlerErrorBecomesJSONRPCError(t *testing.T) {
	tr := New(func(method string, params json.RawMessage) (json.RawMessage, error) {
		return nil, &CodedError{Code: -32602, Message: "bad params"}
	}, nil)
	reply := post(t, tr, `{"jsonrpc":"2.0","id":5,"method":"tools/call"}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, -32602, reply.Error.Code)
}

func TestServeHTTP_NoWorkerHandlerRegistered(t *testing.T) {
	tr := New(func(method string, params json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("{}"), nil
	}, nil)
	reply := post(t, tr, `{"jsonrpc":"2.0","id":9,"method":"worker/dispatch"}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, -32601, reply.Error.Code)
}
