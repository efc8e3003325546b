// Package process starts agent subprocesses and tracks the one live process of a connection.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultKillGrace is how long a terminated process tree gets before it is killed outright.
const DefaultKillGrace = 3 * time.Second

// Spec describes a subprocess to start.
type Spec struct {
	Command string
	Args    []string
	// Env is appended to the server's own environment.
	Env []string
	Dir string
}

// Handle is a started subprocess.
type Handle interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	// A non-zero exit is not an error; err reports failures to wait at all.
	Wait() (code int, err error)
	// Kill terminates the process and all of its descendants.
	Kill() error
}

// Starter starts a subprocess.
type Starter func(spec Spec) (Handle, error)

// Start starts spec with the default kill grace period.
func Start(spec Spec) (Handle, error) {
	return NewStarter(DefaultKillGrace)(spec)
}

// NewStarter returns a Starter whose handles escalate to a hard kill after grace.
func NewStarter(grace time.Duration) Starter {
	return func(spec Spec) (Handle, error) {
		return startExec(spec, grace)
	}
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	grace  time.Duration

	done     chan struct{}
	killOnce sync.Once
}

func startExec(spec Spec, grace time.Duration) (*execHandle, error) {
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		grace:  grace,
		done:   make(chan struct{}),
	}, nil
}

func (h *execHandle) Pid() int              { return h.cmd.Process.Pid }
func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.Reader     { return h.stdout }
func (h *execHandle) Stderr() io.Reader     { return h.stderr }

func (h *execHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	close(h.done)
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (h *execHandle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		pid := h.Pid()
		err = terminateTree(pid)
		if err != nil {
			err = killTree(pid)
			return
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.grace):
				killTree(pid)
			}
		}()
	})
	return err
}
