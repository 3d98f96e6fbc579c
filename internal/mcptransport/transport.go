// Package mcptransport implements the server side of the MCP wire
// protocol: it accepts inbound JSON-RPC messages over HTTP POST and
// dispatches each to either the standard MCP handler or, for methods
// prefixed "worker/", the in-process worker handler. Each request is
// handled synchronously and answered on its own HTTP response, echoing its
// id; no table of pending ids is kept.
package mcptransport

import (
	"encoding/json"
	"net/http"
)

// Message is an inbound JSON-RPC request or notification. A missing ID
// (nil) marks a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Reply is the JSON-RPC response envelope written back to the caller.
type Reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ReplyError     `json:"error,omitempty"`
}

// ReplyError mirrors the JSON-RPC 2.0 error object.
type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler processes one method call and returns either a result payload
// or an error. It is used for both the standard MCP handler and each
// worker/* in-process route.
type Handler func(method string, params json.RawMessage) (json.RawMessage, error)

// CodedError lets a Handler attach a specific JSON-RPC error code; plain
// errors are reported with code -32000 (generic server error).
type CodedError struct {
	Code    int
	Message string
}

func (e *CodedError) Error() string { return e.Message }

const workerMethodPrefix = "worker/"

// Transport routes inbound JSON-RPC messages to the standard handler or,
// for "worker/*" methods, to a registered in-process worker handler.
type Transport struct {
	standard Handler
	worker   Handler
}

// New creates a Transport. worker may be nil if this plugin does not
// expose a worker dispatch surface.
func New(standard, worker Handler) *Transport {
	return &Transport{standard: standard, worker: worker}
}

// ServeHTTP implements http.Handler for the `/mcp` endpoint.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeReply(w, Reply{JSONRPC: "2.0", Error: &ReplyError{Code: -32700, Message: "parse error"}})
		return
	}

	handler := t.standard
	if len(msg.Method) >= len(workerMethodPrefix) && msg.Method[:len(workerMethodPrefix)] == workerMethodPrefix {
		handler = t.worker
	}

	if msg.ID == nil {
		// Notification: forward and acknowledge immediately, no reply body.
		w.WriteHeader(http.StatusOK)
		if handler != nil {
			go func() { _, _ = handler(msg.Method, msg.Params) }()
		}
		return
	}

	if handler == nil {
		writeReply(w, Reply{JSONRPC: "2.0", ID: msg.ID, Error: &ReplyError{Code: -32601, Message: "method not found"}})
		return
	}

	result, err := handler(msg.Method, msg.Params)
	if err != nil {
		writeReply(w, Reply{JSONRPC: "2.0", ID: msg.ID, Error: toReplyError(err)})
		return
	}
	writeReply(w, Reply{JSONRPC: "2.0", ID: msg.ID, Result: result})
}

func toReplyError(err error) *ReplyError {
	if coded, ok := err.(*CodedError); ok {
		return &ReplyError{Code: coded.Code, Message: coded.Message}
	}
	return &ReplyError{Code: -32000, Message: err.Error()}
}

func writeReply(w http.ResponseWriter, reply Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(reply)
}
