package transcript

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

// Conversation is a persisted chat transcript. Field names match the
// documents written by earlier versions so existing files stay readable.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Turn    `json:"messages"`
}

// Turn is one message of a conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Images    []Image   `json:"images,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Blocks    []Block   `json:"blocks,omitempty"`
}

// MarshalJSON always writes images for user turns, as an empty array when
// there are none. Assistant turns omit the field.
func (t Turn) MarshalJSON() ([]byte, error) {
	type plain Turn
	out := struct {
		plain
		Images *[]Image `json:"images,omitempty"`
	}{plain: plain(t)}
	if t.Role == RoleUser || len(t.Images) > 0 {
		images := t.Images
		if images == nil {
			images = []Image{}
		}
		out.Images = &images
	}
	return json.Marshal(out)
}

// Image references an uploaded file attached to a user turn.
type Image struct {
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// Block is a structured tool invocation or tool result captured in an assistant turn.
type Block struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Summary is the listing form of a conversation.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
	Model     string    `json:"model"`
}

// Role and block type constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// TitleLength is how much of the first user message becomes the default title.
const TitleLength = 60

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidID is returned for ids that are not safe to use as a storage key.
	ErrInvalidID = errors.New("invalid conversation id")
)

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidID reports whether id can be used as a conversation key.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

// Store is a whole-document conversation store.
type Store interface {
	Load(id string) (*Conversation, error)
	Save(conv *Conversation) error
	Delete(id string) error
	List() ([]Summary, error)
	Close() error
}

// DefaultTitle returns the first TitleLength characters of message.
func DefaultTitle(message string) string {
	runes := []rune(message)
	if len(runes) > TitleLength {
		runes = runes[:TitleLength]
	}
	return string(runes)
}
