package decoder

import (
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/tiancaiamao/chatbridge/pkg/event"
)

// rawDecoder forwards ANSI-stripped text as stream events.
type rawDecoder struct {
	accumulator
	partial []byte
}

func (d *rawDecoder) Decode(chunk []byte) []Step {
	data := append(d.partial, chunk...)
	complete, rest := splitIncompleteRune(data)
	d.partial = append([]byte(nil), rest...)
	return d.emit(complete)
}

func (d *rawDecoder) Flush() []Step {
	data := d.partial
	d.partial = nil
	return d.emit(data)
}

func (d *rawDecoder) emit(data []byte) []Step {
	text := ansi.Strip(string(data))
	if text == "" {
		return nil
	}
	d.text.WriteString(text)
	return []Step{{Event: event.NewStream(text)}}
}

// splitIncompleteRune separates a trailing, not yet complete UTF-8 sequence.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}
