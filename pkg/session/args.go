package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tiancaiamao/chatbridge/pkg/event"
)

// Placeholders recognized in provider argument templates.
const (
	placeholderPrompt     = "{prompt}"
	placeholderModel      = "{model}"
	placeholderPromptFile = "{prompt_file}"
)

// interactiveArgs is the fixed flag set for agents speaking stream-json in
// both directions.
func interactiveArgs(permissionMode, modelID, systemPrompt string) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-mode", permissionMode,
		"--model", modelID,
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	return args
}

// templateArgs expands a provider argument template. {prompt} entries are
// dropped since the prompt goes through stdin and the prompt file.
func templateArgs(template []string, modelID, promptFile string) []string {
	args := make([]string, 0, len(template))
	for _, a := range template {
		if a == placeholderPrompt {
			continue
		}
		a = strings.ReplaceAll(a, placeholderModel, modelID)
		a = strings.ReplaceAll(a, placeholderPromptFile, promptFile)
		args = append(args, a)
	}
	return args
}

// parseExtraArgs checks that every entry is a non-blank string.
func parseExtraArgs(raw []json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	args := make([]string, 0, len(raw))
	for i, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			return nil, userErrorf("Invalid extra argument #%d: expected a string", i+1)
		}
		if strings.TrimSpace(s) == "" {
			return nil, userErrorf("Invalid extra argument #%d: empty string", i+1)
		}
		args = append(args, s)
	}
	return args, nil
}

type inputMessage struct {
	Type    string       `json:"type"`
	Message inputPayload `json:"message"`
}

type inputPayload struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type toolResultInput struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// userLine encodes one stream-json user message line.
func userLine(content any) ([]byte, error) {
	data, err := json.Marshal(inputMessage{
		Type:    "user",
		Message: inputPayload{Role: "user", Content: content},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode input message: %w", err)
	}
	return append(data, '\n'), nil
}

// toolResponseLine encodes the approval or rejection of a tool call.
func toolResponseLine(toolUseID string, approved bool) ([]byte, error) {
	result := toolResultInput{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   "approved",
	}
	if !approved {
		result.Content = "rejected"
		result.IsError = true
	}
	return userLine([]toolResultInput{result})
}

// stderrNotice wraps a stderr chunk as a system event.
func stderrNotice(data []byte) event.Event {
	return event.NewSystem(map[string]string{
		"subtype": "stderr",
		"text":    event.Truncate(string(data), maxStderrChunk),
	})
}
