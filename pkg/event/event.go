package event

import (
	"encoding/json"
	"unicode/utf8"
)

// Event is a canonical chat event sent to the browser client.
// Type discriminates which of the optional fields are populated.
type Event struct {
	Type string `json:"type"`

	// stream / text_delta / tool_input_delta / error carry a string,
	// assistant_start / message_delta / system carry a JSON object.
	Data any `json:"data,omitempty"`

	// tool_use / tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    *string         `json:"output,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`

	// content_block_stop
	Index *int `json:"index,omitempty"`

	// result
	Cost      *float64 `json:"cost,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
	Turns     *int     `json:"turns,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// Event type constants
const (
	TypeStream           = "stream"
	TypeAssistantStart   = "assistant_start"
	TypeTextDelta        = "text_delta"
	TypeToolUse          = "tool_use"
	TypeToolInputDelta   = "tool_input_delta"
	TypeToolResult       = "tool_result"
	TypeContentBlockStop = "content_block_stop"
	TypeMessageDelta     = "message_delta"
	TypeResult           = "result"
	TypeEnd              = "end"
	TypeError            = "error"
	TypeSystem           = "system"
)

// MaxToolOutput is the largest tool result forwarded to the client unmodified.
const MaxToolOutput = 51200

// TruncationMarker is appended to tool output cut at MaxToolOutput.
const TruncationMarker = "\n... (truncated)"

// Summary is the per-turn bookkeeping reported by a result event.
type Summary struct {
	Cost      *float64
	Duration  *float64
	Turns     *int
	SessionID string
}

var emptyObject = json.RawMessage(`{}`)

// NewStream creates a stream event carrying plain text output.
func NewStream(text string) Event {
	return Event{Type: TypeStream, Data: text}
}

// NewAssistantStart creates an assistant_start event carrying the raw assistant message.
func NewAssistantStart(message json.RawMessage) Event {
	return Event{Type: TypeAssistantStart, Data: message}
}

// NewTextDelta creates a text_delta event.
func NewTextDelta(text string) Event {
	return Event{Type: TypeTextDelta, Data: text}
}

// NewToolUse creates a tool_use event. A missing input is sent as {}.
func NewToolUse(id, name string, input json.RawMessage) Event {
	return Event{Type: TypeToolUse, ToolUseID: id, Name: name, Input: InputOrEmpty(input)}
}

// NewToolInputDelta creates a tool_input_delta event with a partial JSON fragment.
func NewToolInputDelta(partial string) Event {
	return Event{Type: TypeToolInputDelta, Data: partial}
}

// NewToolResult creates a tool_result event, truncating long output.
func NewToolResult(id, output string, isError bool) Event {
	out := TruncateForClient(output)
	return Event{Type: TypeToolResult, ToolUseID: id, Output: &out, IsError: &isError}
}

// NewContentBlockStop creates a content_block_stop event.
func NewContentBlockStop(index int) Event {
	return Event{Type: TypeContentBlockStop, Index: &index}
}

// NewMessageDelta creates a message_delta event.
func NewMessageDelta(delta json.RawMessage) Event {
	if len(delta) == 0 {
		delta = emptyObject
	}
	return Event{Type: TypeMessageDelta, Data: delta}
}

// NewResult creates a result event from a turn summary.
func NewResult(s Summary) Event {
	return Event{
		Type:      TypeResult,
		Cost:      s.Cost,
		Duration:  s.Duration,
		Turns:     s.Turns,
		SessionID: s.SessionID,
	}
}

// NewEnd creates an end event.
func NewEnd() Event {
	return Event{Type: TypeEnd}
}

// NewError creates an error event.
func NewError(message string) Event {
	return Event{Type: TypeError, Data: message}
}

// NewSystem creates a system event with an opaque payload.
func NewSystem(data any) Event {
	return Event{Type: TypeSystem, Data: data}
}

// InputOrEmpty returns input, or {} when input is missing or null.
func InputOrEmpty(input json.RawMessage) json.RawMessage {
	if len(input) == 0 || string(input) == "null" {
		return emptyObject
	}
	return input
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateForClient applies the tool output cap and appends the marker when cut.
func TruncateForClient(output string) string {
	if len(output) <= MaxToolOutput {
		return output
	}
	return Truncate(output, MaxToolOutput) + TruncationMarker
}
