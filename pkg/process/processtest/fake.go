// Package processtest provides an in-memory process.Handle for tests.
package processtest

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/tiancaiamao/chatbridge/pkg/process"
)

// Fake is a process whose output is written by the test.
type Fake struct {
	Spec process.Spec
	pid  int

	stdin   *input
	stdout  *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	exited   chan struct{}
	code     int

	mu     sync.Mutex
	killed bool
}

// NewFake creates a fake process for spec.
func NewFake(spec process.Spec, pid int) *Fake {
	f := &Fake{
		Spec:   spec,
		pid:    pid,
		stdin:  &input{},
		exited: make(chan struct{}),
	}
	f.stdout, f.stdoutW = io.Pipe()
	f.stderr, f.stderrW = io.Pipe()
	return f
}

func (f *Fake) Pid() int              { return f.pid }
func (f *Fake) Stdin() io.WriteCloser { return f.stdin }
func (f *Fake) Stdout() io.Reader     { return f.stdout }
func (f *Fake) Stderr() io.Reader     { return f.stderr }

// Wait blocks until Exit or Kill.
func (f *Fake) Wait() (int, error) {
	<-f.exited
	return f.code, nil
}

// Kill exits the fake with code -1.
func (f *Fake) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.Exit(-1)
	return nil
}

// Killed reports whether Kill was called.
func (f *Fake) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// WriteStdout writes s to the process's stdout. It blocks until the output is read.
func (f *Fake) WriteStdout(s string) error {
	_, err := f.stdoutW.Write([]byte(s))
	return err
}

// WriteStderr writes s to the process's stderr.
func (f *Fake) WriteStderr(s string) error {
	_, err := f.stderrW.Write([]byte(s))
	return err
}

// Exit closes the output streams and lets Wait return code.
// Only the first call has an effect.
func (f *Fake) Exit(code int) {
	f.exitOnce.Do(func() {
		f.code = code
		f.stdoutW.Close()
		f.stderrW.Close()
		close(f.exited)
	})
}

// Exited is closed once the fake has exited.
func (f *Fake) Exited() <-chan struct{} {
	return f.exited
}

// Input returns everything written to stdin.
func (f *Fake) Input() string {
	return f.stdin.String()
}

// InputLines returns stdin split into non-empty lines.
func (f *Fake) InputLines() []string {
	var lines []string
	for _, line := range strings.Split(f.Input(), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// InputClosed reports whether stdin was closed.
func (f *Fake) InputClosed() bool {
	return f.stdin.isClosed()
}

type input struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (in *input) Write(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return 0, errors.New("write to closed stdin")
	}
	return in.buf.Write(p)
}

func (in *input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return nil
}

func (in *input) String() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.buf.String()
}

func (in *input) isClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Starter records every process it starts.
type Starter struct {
	mu    sync.Mutex
	procs []*Fake
	// Err, when set, is returned by Start instead of starting a process.
	Err error
}

// Start implements process.Starter.
func (s *Starter) Start(spec process.Spec) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	f := NewFake(spec, 1000+len(s.procs))
	s.procs = append(s.procs, f)
	return f, nil
}

// Procs returns the started fakes in order.
func (s *Starter) Procs() []*Fake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Fake(nil), s.procs...)
}

// Count returns how many processes were started.
func (s *Starter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Last returns the most recently started fake, or nil.
func (s *Starter) Last() *Fake {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}
