// Package agentsdk declares the boundary to the wrapped agent SDK: the
// external collaborator that actually talks to a model and streams back
// structured messages. Guild Hall never implements model interaction
// itself — it composes a tool server map, hands the SDK a prompt and the
// session's prior messages, and consumes an ordered stream of messages
// shaped like the rows of the SDK message translator's table.
package agentsdk

import (
	"context"
	"encoding/json"
)

// ToolServer describes one MCP server the SDK should make available to the
// model for this query, bound to its current live endpoint.
type ToolServer struct {
	Name string
	URL  string
}

// PriorMessage is one previously stored conversation turn, replayed to the
// SDK as context for a new query.
type PriorMessage struct {
	Role    string
	Content string
}

// QueryOptions parameterizes one call to Client.Query.
type QueryOptions struct {
	SessionID   string
	Prompt      string
	Priors      []PriorMessage
	ToolServers []ToolServer
}

// ContentBlock is one block of an assistant or user message's Content.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// ToolResult-specific fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Delta is the incremental payload of a stream_event content_block_delta.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one item of the SDK's output stream. Type discriminates the
// shape the way the real SDK's wire messages do; only the fields relevant
// to Type/Subtype are populated.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// type=system, subtype=init
	SessionID string `json:"session_id,omitempty"`
	Worker    string `json:"worker,omitempty"`

	// type=stream_event
	EventType    string        `json:"event_type,omitempty"` // content_block_delta | content_block_start | ...
	Delta        *Delta        `json:"delta,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// type=assistant | type=user
	Content []ContentBlock `json:"content,omitempty"`

	// type=result
	Cost   *float64 `json:"cost,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// Stream yields a query's messages in order. Recv returns (Message{}, false,
// nil) once the stream is exhausted normally. A cancelled context surfaces
// as a non-nil error from Recv; callers distinguish abort from a genuine SDK
// error by checking ctx.Err().
type Stream interface {
	Recv() (Message, bool, error)
	Close() error
}

// Client is the adapter to the external agent SDK. Implementations own the
// actual model/process integration; Guild Hall only depends on this
// interface so that integration can be swapped or faked in tests.
type Client interface {
	Query(ctx context.Context, opts QueryOptions) (Stream, error)
}
