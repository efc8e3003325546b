package decoder

import (
	"encoding/json"
	"log/slog"

	"github.com/tiancaiamao/chatbridge/pkg/event"
)

type codexEvent struct {
	Type string `json:"type"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// codexJSONDecoder only picks up completed agent messages; every other line is ignored.
type codexJSONDecoder struct {
	accumulator
	lines  lineBuffer
	logger *slog.Logger
}

func (d *codexJSONDecoder) Decode(chunk []byte) []Step {
	var steps []Step
	d.lines.feed(chunk, func(line string) {
		steps = append(steps, d.decodeLine(line)...)
	})
	return steps
}

func (d *codexJSONDecoder) Flush() []Step {
	var steps []Step
	d.lines.drain(func(line string) {
		steps = append(steps, d.decodeLine(line)...)
	})
	return steps
}

func (d *codexJSONDecoder) decodeLine(line string) []Step {
	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		d.logger.Debug("Skipping non-JSON output line", "line", preview(line), "error", err)
		return nil
	}
	if ev.Type != "item.completed" || ev.Item == nil || ev.Item.Type != "agent_message" || ev.Item.Text == "" {
		return nil
	}
	d.text.WriteString(ev.Item.Text)
	return []Step{{Event: event.NewStream(ev.Item.Text)}}
}
