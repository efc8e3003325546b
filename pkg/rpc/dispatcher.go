// Package rpc decodes browser intents and routes them to their handlers.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrMalformed is returned for frames that are not a JSON intent.
var ErrMalformed = errors.New("malformed intent")

// ErrNoHandler is returned when an intent arrives before its handler is set.
var ErrNoHandler = errors.New("no handler registered")

// Dispatcher routes intents to handlers.
type Dispatcher struct {
	mu sync.Mutex

	onChat         func(req ChatRequest) error
	onCancel       func() error
	onToolResponse func(resp ToolResponse) error
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// SetChatHandler sets the handler for chat intents.
func (d *Dispatcher) SetChatHandler(handler func(req ChatRequest) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChat = handler
}

// SetCancelHandler sets the handler for cancel intents.
func (d *Dispatcher) SetCancelHandler(handler func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCancel = handler
}

// SetToolResponseHandler sets the handler for tool_response intents.
func (d *Dispatcher) SetToolResponseHandler(handler func(resp ToolResponse) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onToolResponse = handler
}

// Dispatch decodes one frame and calls the matching handler.
// Frames of unknown type are ignored.
func (d *Dispatcher) Dispatch(frame []byte) error {
	var intent Intent
	if err := json.Unmarshal(frame, &intent); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	d.mu.Lock()
	onChat, onCancel, onToolResponse := d.onChat, d.onCancel, d.onToolResponse
	d.mu.Unlock()

	switch intent.Type {
	case IntentChat:
		if onChat == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, intent.Type)
		}
		var req ChatRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return onChat(req)

	case IntentCancel:
		if onCancel == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, intent.Type)
		}
		return onCancel()

	case IntentToolResponse:
		if onToolResponse == nil {
			return fmt.Errorf("%w: %s", ErrNoHandler, intent.Type)
		}
		var resp ToolResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return onToolResponse(resp)

	default:
		return nil
	}
}
