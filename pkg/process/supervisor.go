package process

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

const readBufferSize = 32 * 1024

// ErrInputClosed is returned when writing to a process whose stdin was closed.
var ErrInputClosed = errors.New("process input closed")

// Hooks receive the output of a process. Every call carries the generation
// the process was started with.
type Hooks struct {
	Stdout func(gen uint64, data []byte)
	Stderr func(gen uint64, data []byte)
	// Exit is called once both output streams have been drained.
	Exit func(gen uint64, code int, err error)
	// Done is called last, after the process exited, even when it was
	// detached and Exit was skipped.
	Done func(gen uint64)
}

// Proc is a process owned by a Supervisor.
type Proc struct {
	handle         Handle
	gen            uint64
	conversationID string
	modelID        string

	detached atomic.Bool
	exited   chan struct{}

	// Input is queued and written by the feeder goroutine, so callers never
	// block on a full stdin pipe.
	inputMu   sync.Mutex
	inputOpen bool
	queue     [][]byte
	closing   bool
	wake      chan struct{}
}

func newProc(handle Handle, gen uint64, conversationID, modelID string) *Proc {
	return &Proc{
		handle:         handle,
		gen:            gen,
		conversationID: conversationID,
		modelID:        modelID,
		exited:         make(chan struct{}),
		inputOpen:      true,
		wake:           make(chan struct{}, 1),
	}
}

// Generation returns the generation the process was started with.
func (p *Proc) Generation() uint64 { return p.gen }

// Pid returns the operating system process id.
func (p *Proc) Pid() int { return p.handle.Pid() }

// ConversationID returns the conversation the process is bound to.
func (p *Proc) ConversationID() string { return p.conversationID }

// Write queues data for the process's stdin and returns without waiting
// for the process to read it.
func (p *Proc) Write(data []byte) error {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	if !p.inputOpen {
		return ErrInputClosed
	}
	p.queue = append(p.queue, append([]byte(nil), data...))
	p.signal()
	return nil
}

// CloseInput closes the process's stdin once the queued input is written.
func (p *Proc) CloseInput() error {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	if !p.inputOpen {
		return nil
	}
	p.inputOpen = false
	p.closing = true
	p.signal()
	return nil
}

// signal wakes the feeder. Must be called with p.inputMu held.
func (p *Proc) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// next returns the next queued chunk, or closing=true when stdin should be
// closed. ok is false once the process has exited.
func (p *Proc) next() (data []byte, closing bool, ok bool) {
	for {
		p.inputMu.Lock()
		if len(p.queue) > 0 {
			data = p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.inputMu.Unlock()
			return data, false, true
		}
		if p.closing {
			p.inputMu.Unlock()
			return nil, true, true
		}
		p.inputMu.Unlock()

		select {
		case <-p.wake:
		case <-p.exited:
			return nil, false, false
		}
	}
}

// stopInput refuses further input and drops anything still queued.
func (p *Proc) stopInput() {
	p.inputMu.Lock()
	p.inputOpen = false
	p.queue = nil
	p.inputMu.Unlock()
}

// InputOpen reports whether stdin can still be written.
func (p *Proc) InputOpen() bool {
	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	return p.inputOpen
}

func (p *Proc) detach() {
	p.detached.Store(true)
}

// Supervisor owns at most one live process and the generation counter that
// distinguishes successive processes of one connection.
type Supervisor struct {
	start  Starter
	logger *slog.Logger

	mu         sync.Mutex
	active     *Proc
	generation uint64
}

// NewSupervisor creates a supervisor. A nil start uses Start.
func NewSupervisor(start Starter, logger *slog.Logger) *Supervisor {
	if start == nil {
		start = Start
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{start: start, logger: logger}
}

// Generation returns the current generation.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// IsCurrent reports whether gen is the current generation.
func (s *Supervisor) IsCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

// Active returns the live process, if any.
func (s *Supervisor) Active() *Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Reusable returns the live process when a new turn for conversationID on
// modelID can be sent to it instead of starting a new one.
func (s *Supervisor) Reusable(conversationID, modelID string, interactive bool) (*Proc, bool) {
	if !interactive {
		return nil, false
	}
	s.mu.Lock()
	p := s.active
	s.mu.Unlock()
	if p == nil || p.detached.Load() || !p.InputOpen() {
		return nil, false
	}
	if p.conversationID != conversationID || p.modelID != modelID {
		return nil, false
	}
	return p, true
}

// Replace kills the live process, if any, and starts spec as the next
// generation bound to conversationID and modelID.
func (s *Supervisor) Replace(spec Spec, conversationID, modelID string, hooks Hooks) (*Proc, error) {
	s.mu.Lock()
	old := s.active
	s.active = nil
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if old != nil {
		s.stop(old, "replaced")
	}

	handle, err := s.start(spec)
	if err != nil {
		return nil, err
	}
	p := newProc(handle, gen, conversationID, modelID)

	s.mu.Lock()
	if s.generation != gen {
		// Cancelled or replaced while starting.
		s.mu.Unlock()
		s.stop(p, "superseded during start")
		s.watch(p, Hooks{Done: hooks.Done})
		return nil, errors.New("process superseded during start")
	}
	s.active = p
	s.mu.Unlock()

	s.logger.Info("Process started", "pid", handle.Pid(), "command", spec.Command, "generation", gen, "conversation", conversationID)
	s.watch(p, hooks)
	return p, nil
}

// Cancel kills the live process without starting another.
// It reports whether there was a process to cancel.
func (s *Supervisor) Cancel() bool {
	s.mu.Lock()
	p := s.active
	if p != nil {
		s.active = nil
		s.generation++
	}
	s.mu.Unlock()

	if p == nil {
		return false
	}
	s.stop(p, "cancelled")
	return true
}

// Release clears the live process after it exited on its own.
// It reports false when gen no longer owns the slot.
func (s *Supervisor) Release(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.gen != gen {
		return false
	}
	s.active = nil
	return true
}

func (s *Supervisor) stop(p *Proc, reason string) {
	p.detach()
	if err := p.handle.Kill(); err != nil {
		s.logger.Warn("Failed to kill process", "pid", p.Pid(), "error", err)
	}
	s.logger.Info("Process stopped", "pid", p.Pid(), "generation", p.gen, "reason", reason)
}

// watch drains stdout and stderr and reports the exit. Output of a detached
// process is still read so the child never blocks on a full pipe.
func (s *Supervisor) watch(p *Proc, hooks Hooks) {
	go s.feed(p)

	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(p, p.handle.Stdout(), hooks.Stdout, &wg)
	go s.pump(p, p.handle.Stderr(), hooks.Stderr, &wg)
	go func() {
		wg.Wait()
		code, err := p.handle.Wait()
		p.stopInput()
		close(p.exited)
		if hooks.Done != nil {
			defer hooks.Done(p.gen)
		}
		if p.detached.Load() {
			s.logger.Debug("Detached process exited", "pid", p.Pid(), "generation", p.gen, "code", code)
			return
		}
		if hooks.Exit != nil {
			hooks.Exit(p.gen, code, err)
		}
	}()
}

// feed writes queued input to stdin in order until input is closed, a
// write fails or the process exits.
func (s *Supervisor) feed(p *Proc) {
	stdin := p.handle.Stdin()
	if stdin == nil {
		p.stopInput()
		return
	}
	for {
		data, closing, ok := p.next()
		if !ok {
			return
		}
		if closing {
			if err := stdin.Close(); err != nil {
				s.logger.Debug("Failed to close process input", "pid", p.Pid(), "error", err)
			}
			return
		}
		if _, err := stdin.Write(data); err != nil {
			p.stopInput()
			s.logger.Warn("Failed to write process input", "pid", p.Pid(), "generation", p.gen, "error", err)
			return
		}
	}
}

func (s *Supervisor) pump(p *Proc, r io.Reader, deliver func(uint64, []byte), wg *sync.WaitGroup) {
	defer wg.Done()
	if r == nil {
		return
	}
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && deliver != nil && !p.detached.Load() {
			deliver(p.gen, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}
