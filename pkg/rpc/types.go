package rpc

import (
	"encoding/json"

	"github.com/tiancaiamao/chatbridge/pkg/prompt"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

// Intent is a frame received from the browser. Type selects the payload,
// which lives in the same object.
type Intent struct {
	Type string `json:"type"`
}

// ChatRequest asks for a new user turn.
type ChatRequest struct {
	ConversationID string             `json:"conversationId"`
	Message        string             `json:"message"`
	Model          string             `json:"model"`
	History        []prompt.Message   `json:"history,omitempty"`
	Images         []transcript.Image `json:"images,omitempty"`
	// ExtraArgs is kept loosely typed; entries are validated before use.
	ExtraArgs    []json.RawMessage `json:"extraArgs,omitempty"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
}

// ImagePaths returns the file paths of the attached images.
func (r ChatRequest) ImagePaths() []string {
	if len(r.Images) == 0 {
		return nil
	}
	paths := make([]string, 0, len(r.Images))
	for _, img := range r.Images {
		paths = append(paths, img.Path)
	}
	return paths
}

// ToolResponse approves or rejects a pending tool call.
type ToolResponse struct {
	ToolUseID string `json:"tool_use_id"`
	Approved  bool   `json:"approved"`
}

// Intent type constants
const (
	IntentChat         = "chat"
	IntentCancel       = "cancel"
	IntentToolResponse = "tool_response"
)
