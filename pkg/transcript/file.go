package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one JSON document per conversation in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the conversation files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Load reads the conversation with the given id.
func (s *FileStore) Load(id string) (*Conversation, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read conversation %s: %w", id, err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to parse conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Save writes the whole conversation document, replacing any previous version.
func (s *FileStore) Save(conv *Conversation) error {
	if conv == nil || !ValidID(conv.ID) {
		return ErrInvalidID
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	// Write to a sibling temp file first so readers never see a partial document.
	tmp, err := os.CreateTemp(s.dir, "."+conv.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	if err := os.Rename(tmpName, s.path(conv.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace conversation: %w", err)
	}
	return nil
}

// Delete removes a conversation. Deleting a missing conversation is not an error.
func (s *FileStore) Delete(id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// List returns summaries of all readable conversations, newest first.
func (s *FileStore) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	list := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		conv, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Debug("Skipping unreadable conversation", "file", name, "error", err)
			continue
		}
		list = append(list, summarize(conv))
	}
	sortSummaries(list)
	return list, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func summarize(conv *Conversation) Summary {
	title := conv.Title
	if title == "" {
		title = "Untitled"
	}
	return Summary{ID: conv.ID, Title: title, UpdatedAt: conv.UpdatedAt, Model: conv.Model}
}

func sortSummaries(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}
