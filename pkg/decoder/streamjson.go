package decoder

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tiancaiamao/chatbridge/pkg/event"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

// streamLine is the union of every stream-json event shape we understand.
type streamLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`
	Event   json.RawMessage `json:"event"`

	// content_block_start / content_block_delta / content_block_stop
	ContentBlock *contentBlock  `json:"content_block"`
	Delta        json.RawMessage `json:"delta"`
	Index        *int            `json:"index"`

	// result; field names changed across agent versions
	TotalCostUSD *float64 `json:"total_cost_usd"`
	CostUSD      *float64 `json:"cost_usd"`
	Cost         *float64 `json:"cost"`
	DurationMS   *float64 `json:"duration_ms"`
	Duration     *float64 `json:"duration"`
	NumTurns     *float64 `json:"num_turns"`
	Turns        *float64 `json:"turns"`
	SessionID    string   `json:"session_id"`

	// top-level tool_use / tool_result
	ToolUseID string          `json:"tool_use_id"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	IsError   bool            `json:"is_error"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type blockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

// streamJSONDecoder decodes the tool-capable agent protocol.
type streamJSONDecoder struct {
	accumulator
	lines  lineBuffer
	logger *slog.Logger
}

func (d *streamJSONDecoder) Decode(chunk []byte) []Step {
	var steps []Step
	d.lines.feed(chunk, func(line string) {
		steps = d.decodeLine(steps, line)
	})
	return steps
}

func (d *streamJSONDecoder) Flush() []Step {
	var steps []Step
	d.lines.drain(func(line string) {
		steps = d.decodeLine(steps, line)
	})
	return steps
}

func (d *streamJSONDecoder) decodeLine(steps []Step, line string) []Step {
	var ev streamLine
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		d.logger.Warn("Skipping malformed stream-json line", "line", preview(line), "error", err)
		return steps
	}
	d.logger.Debug("stream-json event", "type", ev.Type, "subtype", ev.Subtype)
	return d.decodeEvent(steps, &ev, json.RawMessage(line))
}

func (d *streamJSONDecoder) decodeEvent(steps []Step, ev *streamLine, raw json.RawMessage) []Step {
	switch ev.Type {
	case "stream_event":
		if len(ev.Event) == 0 {
			return steps
		}
		var inner streamLine
		if err := json.Unmarshal(ev.Event, &inner); err != nil {
			d.logger.Warn("Skipping malformed stream_event", "error", err)
			return steps
		}
		return d.decodeEvent(steps, &inner, ev.Event)

	case "assistant":
		msg, ok := d.message(ev.Message)
		if !ok {
			return steps
		}
		steps = append(steps, Step{Event: event.NewAssistantStart(ev.Message)})
		return d.assistantContent(steps, msg.Content)

	case "user":
		msg, ok := d.message(ev.Message)
		if !ok {
			return steps
		}
		return d.userContent(steps, msg.Content)

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == transcript.BlockToolUse {
			steps = d.toolUse(steps, ev.ContentBlock.ID, ev.ContentBlock.Name, ev.ContentBlock.Input)
		}
		return steps

	case "content_block_delta":
		var delta blockDelta
		if len(ev.Delta) > 0 {
			if err := json.Unmarshal(ev.Delta, &delta); err != nil {
				d.logger.Warn("Skipping malformed content_block_delta", "error", err)
				return steps
			}
		}
		switch delta.Type {
		case "text_delta":
			d.text.WriteString(delta.Text)
			steps = append(steps, Step{Event: event.NewTextDelta(delta.Text)})
		case "input_json_delta":
			steps = append(steps, Step{Event: event.NewToolInputDelta(delta.PartialJSON)})
		}
		return steps

	case "content_block_stop":
		return append(steps, Step{Event: event.Event{Type: event.TypeContentBlockStop, Index: ev.Index}})

	case "message_start", "message_stop":
		return steps

	case "message_delta":
		return append(steps, Step{Event: event.NewMessageDelta(ev.Delta)})

	case "result":
		turn := d.Pending()
		d.Reset()
		return append(steps,
			Step{Event: event.NewResult(summary(ev))},
			Step{Event: event.NewEnd(), Boundary: &turn},
		)

	case "tool_use":
		id := ev.ToolUseID
		if id == "" {
			id = ev.ID
		}
		return d.toolUse(steps, id, ev.Name, ev.Input)

	case "tool_result":
		return d.toolResult(steps, ev.ToolUseID, outputText(ev.Output), ev.IsError)

	case "system":
		return append(steps, Step{Event: event.NewSystem(raw)})
	}
	return steps
}

func (d *streamJSONDecoder) message(raw json.RawMessage) (streamMessage, bool) {
	var msg streamMessage
	if len(raw) == 0 || string(raw) == "null" {
		return msg, false
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.logger.Warn("Skipping malformed message", "error", err)
		return msg, false
	}
	return msg, true
}

func (d *streamJSONDecoder) assistantContent(steps []Step, content json.RawMessage) []Step {
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		for _, block := range blocks {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				d.text.WriteString(block.Text)
				steps = append(steps, Step{Event: event.NewTextDelta(block.Text)})
			case transcript.BlockToolUse:
				steps = d.toolUse(steps, block.ID, block.Name, block.Input)
			}
		}
		return steps
	}
	var text string
	if err := json.Unmarshal(content, &text); err == nil && text != "" {
		d.text.WriteString(text)
		steps = append(steps, Step{Event: event.NewTextDelta(text)})
	}
	return steps
}

// userContent picks up tool results the agent reports back as user messages.
func (d *streamJSONDecoder) userContent(steps []Step, content json.RawMessage) []Step {
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return steps
	}
	for _, block := range blocks {
		if block.Type != transcript.BlockToolResult {
			continue
		}
		steps = d.toolResult(steps, block.ToolUseID, blockText(block.Content), block.IsError)
	}
	return steps
}

func (d *streamJSONDecoder) toolUse(steps []Step, id, name string, input json.RawMessage) []Step {
	input = event.InputOrEmpty(input)
	d.blocks = append(d.blocks, transcript.Block{
		Type:  transcript.BlockToolUse,
		ID:    id,
		Name:  name,
		Input: input,
	})
	return append(steps, Step{Event: event.NewToolUse(id, name, input)})
}

func (d *streamJSONDecoder) toolResult(steps []Step, id, output string, isError bool) []Step {
	d.blocks = append(d.blocks, transcript.Block{
		Type:    transcript.BlockToolResult,
		ID:      id,
		Output:  event.Truncate(output, event.MaxToolOutput),
		IsError: isError,
	})
	return append(steps, Step{Event: event.NewToolResult(id, output, isError)})
}

func summary(ev *streamLine) event.Summary {
	s := event.Summary{
		Cost:      firstNumber(ev.TotalCostUSD, ev.CostUSD, ev.Cost),
		Duration:  firstNumber(ev.DurationMS, ev.Duration),
		SessionID: ev.SessionID,
	}
	if turns := firstNumber(ev.NumTurns, ev.Turns); turns != nil {
		n := int(*turns)
		s.Turns = &n
	}
	return s
}

// firstNumber returns the first non-zero value, else the first present one.
func firstNumber(values ...*float64) *float64 {
	var present *float64
	for _, v := range values {
		if v == nil {
			continue
		}
		if *v != 0 {
			return v
		}
		if present == nil {
			present = v
		}
	}
	return present
}

// outputText renders a tool output that may be a string or any JSON value.
func outputText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// blockText flattens tool_result content, which is either a string or a list of text blocks.
func blockText(raw json.RawMessage) string {
	var parts []contentBlock
	if err := json.Unmarshal(raw, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return outputText(raw)
}
