// Package translator implements the pure SDK Message Translator (spec
// §4.J): it maps one agentsdk.Message to zero or more session Events. It
// performs no I/O and holds no state across calls.
package translator

import (
	"encoding/json"
	"strings"

	"github.com/kandev/guildhall/internal/agentsdk"
)

// Event is one item published on a session's event-bus topic. Of these,
// package sessionmgr persists text_delta (accumulated into assistant
// turns), tool_use and tool_result to the session's message log.
type Event struct {
	Type string `json:"type"`

	// status_change (emitted by the Agent Session Manager, not the
	// translator itself — see package sessionmgr)
	Status string `json:"status,omitempty"`

	// session
	SessionID string `json:"sessionId,omitempty"`
	Worker    string `json:"worker,omitempty"`

	// text_delta
	Text string `json:"text,omitempty"`

	// tool_use
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	Output string `json:"output,omitempty"`

	// turn_end
	Cost *float64 `json:"cost,omitempty"`

	// error
	Reason string `json:"reason,omitempty"`
}

// Context carries whatever ambient information a translation needs beyond
// the message itself. Currently empty; reserved so the function signature
// does not need to change if a future row needs session-scoped context.
type Context struct{}

// Translate maps one agent SDK message to the events it produces. Purity
// and determinism are required: no I/O, no hidden state, same input always
// yields the same output.
func Translate(msg agentsdk.Message, _ Context) []Event {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []Event{{Type: "session", SessionID: msg.SessionID, Worker: msg.Worker}}
		}
		return nil

	case "stream_event":
		switch msg.EventType {
		case "content_block_delta":
			if msg.Delta != nil && msg.Delta.Type == "text_delta" {
				return []Event{{Type: "text_delta", Text: msg.Delta.Text}}
			}
			return nil
		case "content_block_start":
			if msg.ContentBlock != nil && msg.ContentBlock.Type == "tool_use" {
				return []Event{{Type: "tool_use", Name: msg.ContentBlock.Name, Input: msg.ContentBlock.Input}}
			}
			return nil
		default:
			return nil
		}

	case "assistant":
		// Final assistant message: tool_use blocks only. Text blocks are
		// ignored here — they already arrived as text_delta stream events,
		// and re-emitting them would duplicate the turn's text.
		var events []Event
		for _, block := range msg.Content {
			if block.Type == "tool_use" {
				events = append(events, Event{Type: "tool_use", Name: block.Name, Input: block.Input})
			}
		}
		return events

	case "user":
		var events []Event
		for _, block := range msg.Content {
			if block.Type != "tool_result" {
				continue
			}
			name := block.Name
			if name == "" {
				name = "unknown"
			}
			events = append(events, Event{Type: "tool_result", Name: name, Output: toolResultText(block)})
		}
		return events

	case "result":
		if msg.Subtype == "success" {
			return []Event{{Type: "turn_end", Cost: msg.Cost}}
		}
		if strings.HasPrefix(msg.Subtype, "error") {
			return []Event{{Type: "error", Reason: errorReason(msg)}}
		}
		return nil

	default:
		return nil
	}
}

// toolResultText collapses a tool_result block's content into a plain
// string. Content may be a bare JSON string or an array of content parts;
// text parts are concatenated.
func toolResultText(block agentsdk.ContentBlock) string {
	if len(block.Content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(block.Content, &asString); err == nil {
		return asString
	}
	var parts []agentsdk.ContentBlock
	if err := json.Unmarshal(block.Content, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return string(block.Content)
}

func errorReason(msg agentsdk.Message) string {
	if len(msg.Errors) > 0 {
		return strings.Join(msg.Errors, "; ")
	}
	return msg.Subtype
}
