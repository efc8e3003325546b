package session

import (
	"os"
	"strings"
	"time"

	"github.com/tiancaiamao/chatbridge/pkg/decoder"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

// run is the controller's view of one agent process and the turn it is
// answering. It lives from Replace until the process is released.
type run struct {
	gen            uint64
	conversationID string
	modelID        string
	command        string
	decoder        decoder.Decoder
	tempDir        string

	// pending is set while the current user turn has not been persisted.
	pending bool
	// ended is set once the client got an end event for the current turn.
	ended bool

	message string
	images  []transcript.Image
	sentAt  time.Time
}

// begin starts a new user turn on the run.
func (r *run) begin(message string, images []transcript.Image, at time.Time) {
	r.pending = true
	r.ended = false
	r.message = message
	r.images = images
	r.sentAt = at
}

// turns pairs the pending user message with the assistant response.
func (r *run) turns(resp decoder.Turn, at time.Time) []transcript.Turn {
	images := r.images
	if images == nil {
		images = []transcript.Image{}
	}
	return []transcript.Turn{
		{
			Role:      transcript.RoleUser,
			Content:   r.message,
			Images:    images,
			Timestamp: r.sentAt,
		},
		{
			Role:      transcript.RoleAssistant,
			Content:   strings.TrimSpace(resp.Text),
			Timestamp: at,
			Blocks:    resp.Blocks,
		},
	}
}

// removeTempDir deletes the prompt file directory of a run.
func removeTempDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
