// Package prompt renders a chat turn into the text sent to a stateless agent.
package prompt

import (
	"strings"
)

const (
	historyHeader = "The following is our conversation history:\n\n"
	latestOnly    = "\n\nPlease respond to my latest message only."
)

// Message is one earlier message of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Build renders history and the new message into a single prompt.
//
// Without history the prompt is the message itself. With history, every
// earlier message is replayed as "Human:" or "Assistant:" followed by the
// new message and a request to answer only that. Image paths, if any, are
// listed one per line after the message so the agent can open them.
func Build(history []Message, message string, images []string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString(historyHeader)
		for _, m := range history {
			b.WriteString(speaker(m.Role))
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		}
		b.WriteString("Human: ")
	}
	b.WriteString(message)

	if len(images) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(images, "\n"))
	}

	if len(history) > 0 {
		b.WriteString(latestOnly)
	}
	return b.String()
}

func speaker(role string) string {
	if role == "user" {
		return "Human"
	}
	return "Assistant"
}
