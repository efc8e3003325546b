// Package decoder translates agent subprocess output into canonical chat events.
package decoder

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tiancaiamao/chatbridge/pkg/event"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

// Format selects how a subprocess's stdout is decoded.
type Format string

const (
	// FormatRaw forwards plain text output.
	FormatRaw Format = "raw"
	// FormatStreamJSON is the line-delimited, tool-capable agent protocol.
	// Agents speaking it are kept alive between turns.
	FormatStreamJSON Format = "stream-json"
	// FormatCodexJSON is the line-delimited protocol where only completed
	// agent messages carry text.
	FormatCodexJSON Format = "codex-json"
)

// ParseFormat maps a registry format tag to a Format. Empty or unknown tags are raw.
func ParseFormat(s string) Format {
	switch Format(strings.TrimSpace(s)) {
	case FormatStreamJSON:
		return FormatStreamJSON
	case FormatCodexJSON:
		return FormatCodexJSON
	default:
		return FormatRaw
	}
}

// Interactive reports whether agents using this format accept structured
// input on stdin and stay alive across turns.
func (f Format) Interactive() bool {
	return f == FormatStreamJSON
}

// Turn is the assistant response accumulated so far.
type Turn struct {
	Text   string
	Blocks []transcript.Block
}

// Step is one decoded event. Boundary is set on the step that completes a
// turn and holds the turn as it was at that moment.
type Step struct {
	Event    event.Event
	Boundary *Turn
}

// Decoder consumes stdout chunks of one subprocess.
type Decoder interface {
	// Decode consumes a chunk and returns the events it completes.
	Decode(chunk []byte) []Step
	// Flush decodes whatever is buffered once the stream has ended.
	Flush() []Step
	// Pending returns the turn accumulated since the last boundary.
	Pending() Turn
	// Reset discards the accumulated turn.
	Reset()
}

// New returns a decoder for format. A nil logger uses slog.Default().
func New(format Format, logger *slog.Logger) Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("format", string(format))
	switch format {
	case FormatStreamJSON:
		return &streamJSONDecoder{logger: logger}
	case FormatCodexJSON:
		return &codexJSONDecoder{logger: logger}
	default:
		return &rawDecoder{}
	}
}

// accumulator holds the response text and structured blocks of the current turn.
type accumulator struct {
	text   strings.Builder
	blocks []transcript.Block
}

func (a *accumulator) Pending() Turn {
	turn := Turn{Text: a.text.String()}
	if len(a.blocks) > 0 {
		turn.Blocks = append([]transcript.Block(nil), a.blocks...)
	}
	return turn
}

func (a *accumulator) Reset() {
	a.text.Reset()
	a.blocks = nil
}

// lineBuffer splits a byte stream into lines, keeping the trailing partial line.
type lineBuffer struct {
	buf []byte
}

// feed appends chunk and calls fn for each complete, non-blank line with
// ANSI sequences removed.
func (b *lineBuffer) feed(chunk []byte, fn func(line string)) {
	b.buf = append(b.buf, chunk...)
	rest := b.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		emitLine(rest[:i], fn)
		rest = rest[i+1:]
	}
	b.buf = append([]byte(nil), rest...)
}

// drain emits the trailing partial line, if any.
func (b *lineBuffer) drain(fn func(line string)) {
	rest := b.buf
	b.buf = nil
	emitLine(rest, fn)
}

func emitLine(raw []byte, fn func(line string)) {
	line := strings.TrimSpace(ansi.Strip(string(raw)))
	if line == "" {
		return
	}
	fn(line)
}

func preview(line string) string {
	const max = 200
	if len(line) > max {
		return event.Truncate(line, max) + "..."
	}
	return line
}
