package transcript

import (
	"errors"
	"sync"
	"time"
)

// ErrWriterClosed is returned for requests made after Close.
var ErrWriterClosed = errors.New("transcript writer closed")

// Append describes turns to add to a conversation.
// Title and Model are only used when the conversation does not exist yet.
type Append struct {
	ConversationID string
	Title          string
	Model          string
	Turns          []Turn
	At             time.Time
}

type writeKind int

const (
	writeAppend writeKind = iota
	writePut
	writeDelete
)

type writeRequest struct {
	kind     writeKind
	append   Append
	conv     *Conversation
	id       string
	response chan error
}

// Writer serializes every read-modify-write against a Store through one
// goroutine, so concurrent turns for the same conversation never lose updates.
type Writer struct {
	store Store

	mu     sync.Mutex
	closed bool
	ch     chan writeRequest
	wg     sync.WaitGroup
}

// NewWriter starts a writer over store.
func NewWriter(store Store, buffer int) *Writer {
	w := &Writer{
		store: store,
		ch:    make(chan writeRequest, buffer),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for req := range w.ch {
			req.response <- w.apply(req)
		}
	}()
	return w
}

// Store returns the underlying store for read-only access.
func (w *Writer) Store() Store {
	return w.store
}

// Append adds turns to a conversation, creating it if needed, and sets
// updatedAt to a.At.
func (w *Writer) Append(a Append) error {
	if !ValidID(a.ConversationID) {
		return ErrInvalidID
	}
	return w.do(writeRequest{kind: writeAppend, append: a})
}

// Put replaces a whole conversation document.
func (w *Writer) Put(conv *Conversation) error {
	if conv == nil || !ValidID(conv.ID) {
		return ErrInvalidID
	}
	return w.do(writeRequest{kind: writePut, conv: conv})
}

// Delete removes a conversation.
func (w *Writer) Delete(id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	return w.do(writeRequest{kind: writeDelete, id: id})
}

// Close drains pending requests and stops the writer goroutine.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) do(req writeRequest) error {
	req.response = make(chan error, 1)
	if !w.enqueue(req) {
		return ErrWriterClosed
	}
	return <-req.response
}

func (w *Writer) enqueue(req writeRequest) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.ch <- req
	return true
}

func (w *Writer) apply(req writeRequest) error {
	switch req.kind {
	case writePut:
		return w.store.Save(req.conv)
	case writeDelete:
		return w.store.Delete(req.id)
	default:
		return w.appendTurns(req.append)
	}
}

func (w *Writer) appendTurns(a Append) error {
	conv, err := w.store.Load(a.ConversationID)
	if errors.Is(err, ErrNotFound) {
		conv = &Conversation{
			ID:        a.ConversationID,
			Title:     a.Title,
			Model:     a.Model,
			CreatedAt: a.At,
			Messages:  []Turn{},
		}
	} else if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, a.Turns...)
	conv.UpdatedAt = a.At
	return w.store.Save(conv)
}
