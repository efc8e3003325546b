// Package session drives one browser connection: it turns chat intents into
// agent processes and agent output into chat events.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiancaiamao/chatbridge/pkg/decoder"
	"github.com/tiancaiamao/chatbridge/pkg/event"
	"github.com/tiancaiamao/chatbridge/pkg/metrics"
	"github.com/tiancaiamao/chatbridge/pkg/process"
	"github.com/tiancaiamao/chatbridge/pkg/prompt"
	"github.com/tiancaiamao/chatbridge/pkg/registry"
	"github.com/tiancaiamao/chatbridge/pkg/rpc"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

// maxStderrChunk caps each stderr delivery forwarded to the client.
const maxStderrChunk = 500

// DefaultPermissionMode is used when Options.PermissionMode is empty.
const DefaultPermissionMode = "bypassPermissions"

// State is the controller state.
type State int

const (
	// StateIdle means no agent process is alive.
	StateIdle State = iota
	// StateRunning means an agent process is alive.
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Resolver looks up the command serving a model.
type Resolver interface {
	Resolve(modelID string) (registry.ResolvedModel, bool)
}

// Sink receives the events for the client. Send must not block for long;
// it is called with the controller locked.
type Sink interface {
	Send(ev event.Event) error
}

// Options configures a Controller.
type Options struct {
	PermissionMode string
	// TempDir is where per-turn prompt directories are created.
	TempDir string
	// WorkDir is the agent working directory.
	WorkDir string
	// Env is added to the agent environment.
	Env     []string
	Starter process.Starter
	// Metrics may be nil.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Controller owns the agent process of one connection.
type Controller struct {
	resolver   Resolver
	sink       Sink
	writer     *transcript.Writer
	supervisor *process.Supervisor
	opts       Options
	logger     *slog.Logger

	mu     sync.Mutex
	run    *run
	closed bool
}

// New creates a controller. Events go to sink and completed turns to writer.
func New(resolver Resolver, sink Sink, writer *transcript.Writer, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = DefaultPermissionMode
	}
	return &Controller{
		resolver:   resolver,
		sink:       sink,
		writer:     writer,
		supervisor: process.NewSupervisor(opts.Starter, opts.Logger),
		opts:       opts,
		logger:     opts.Logger,
	}
}

// State reports whether an agent process is alive.
func (c *Controller) State() State {
	if c.supervisor.Active() != nil {
		return StateRunning
	}
	return StateIdle
}

// Chat handles a send-message intent. Failures are reported to the client
// as an error event and also returned.
func (c *Controller) Chat(req rpc.ChatRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.chat(req); err != nil {
		c.send(event.NewError(clientMessage(err)))
		return err
	}
	return nil
}

func (c *Controller) chat(req rpc.ChatRequest) error {
	model, ok := c.resolver.Resolve(req.Model)
	if !ok {
		return userErrorf("Unknown model: %s", req.Model)
	}
	if req.ConversationID != "" && !transcript.ValidID(req.ConversationID) {
		return userErrorf("Invalid conversation id: %s", req.ConversationID)
	}
	extra, err := parseExtraArgs(req.ExtraArgs)
	if err != nil {
		return err
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
		c.send(event.NewSystem(map[string]string{
			"subtype":        "conversation",
			"conversationId": req.ConversationID,
		}))
	}

	format := decoder.ParseFormat(model.Format)
	now := c.opts.Now()
	if proc, ok := c.supervisor.Reusable(req.ConversationID, model.ModelID, format.Interactive()); ok {
		if r := c.run; r != nil && r.gen == proc.Generation() {
			return c.reuse(r, proc, req, now)
		}
	}
	return c.start(req, model, format, extra, now)
}

// reuse sends the message to the live interactive agent, which keeps its
// own memory of the conversation.
func (c *Controller) reuse(r *run, proc *process.Proc, req rpc.ChatRequest, now time.Time) error {
	if r.pending {
		// The previous turn never reached a result; keep what it produced.
		c.persist(r, r.decoder.Pending(), now)
		r.decoder.Reset()
	}
	line, err := userLine(prompt.Build(nil, req.Message, req.ImagePaths()))
	if err != nil {
		return err
	}
	r.begin(req.Message, req.Images, now)
	c.opts.Metrics.Reused()
	c.logger.Info("Reusing agent process", "pid", proc.Pid(), "generation", r.gen, "conversation", r.conversationID)
	if err := proc.Write(line); err != nil {
		r.pending = false
		return fmt.Errorf("failed to send message to agent: %w", err)
	}
	return nil
}

// start replaces any live agent with a new process for this turn.
func (c *Controller) start(req rpc.ChatRequest, model registry.ResolvedModel, format decoder.Format, extra []string, now time.Time) error {
	text := prompt.Build(req.History, req.Message, req.ImagePaths())
	r := &run{
		conversationID: req.ConversationID,
		modelID:        model.ModelID,
		command:        model.Command,
		decoder:        decoder.New(format, c.logger.With("conversation", req.ConversationID)),
	}

	var args []string
	if format.Interactive() {
		args = interactiveArgs(c.opts.PermissionMode, model.ModelID, req.SystemPrompt)
	} else {
		dir, file, err := writePromptFile(c.opts.TempDir, text)
		if err != nil {
			return err
		}
		r.tempDir = dir
		args = templateArgs(model.Args, model.ModelID, file)
	}
	args = append(args, extra...)

	// Whatever the previous run was doing is discarded with its process.
	c.run = nil
	spec := process.Spec{
		Command: model.Command,
		Args:    args,
		Env:     c.opts.Env,
		Dir:     c.opts.WorkDir,
	}
	c.logger.Info("Starting agent", "command", model.Command, "model", model.ModelID,
		"conversation", req.ConversationID, "history", len(req.History), "args", args)
	proc, err := c.supervisor.Replace(spec, req.ConversationID, model.ModelID, c.hooks(r.tempDir))
	if err != nil {
		if rmErr := removeTempDir(r.tempDir); rmErr != nil {
			c.logger.Warn("Failed to remove prompt directory", "dir", r.tempDir, "error", rmErr)
		}
		c.opts.Metrics.SpawnFailed()
		return &spawnError{command: model.Command, err: err}
	}
	c.opts.Metrics.Spawned(model.ModelID)
	r.gen = proc.Generation()
	r.begin(req.Message, req.Images, now)
	c.run = r

	if format.Interactive() {
		var line []byte
		line, err = userLine(text)
		if err == nil {
			err = proc.Write(line)
		}
	} else {
		err = proc.Write([]byte(text))
		if closeErr := proc.CloseInput(); err == nil {
			err = closeErr
		}
	}
	if err != nil {
		// The agent's exit ends the turn.
		c.logger.Warn("Failed to write prompt to agent", "pid", proc.Pid(), "error", err)
	}
	return nil
}

// Cancel kills the running agent. No end event follows and the turn is
// not persisted.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *Controller) cancel() {
	if c.supervisor.Cancel() {
		c.opts.Metrics.Cancelled()
		c.logger.Info("Agent cancelled", "generation", c.supervisor.Generation())
	}
	c.run = nil
}

// ToolResponse forwards a tool approval to the running interactive agent.
// It is dropped when no agent accepts input.
func (c *Controller) ToolResponse(resp rpc.ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	proc := c.supervisor.Active()
	if proc == nil || !proc.InputOpen() {
		c.logger.Debug("Dropping tool response, no agent accepts input", "tool_use_id", resp.ToolUseID)
		return nil
	}
	line, err := toolResponseLine(resp.ToolUseID, resp.Approved)
	if err != nil {
		return err
	}
	if err := proc.Write(line); err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}
	c.logger.Info("Tool response sent", "tool_use_id", resp.ToolUseID, "approved", resp.Approved)
	return nil
}

// Close kills the running agent and rejects further intents.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
}

func (c *Controller) hooks(tempDir string) process.Hooks {
	return process.Hooks{
		Stdout: c.onStdout,
		Stderr: c.onStderr,
		Exit:   c.onExit,
		Done: func(gen uint64) {
			if err := removeTempDir(tempDir); err != nil {
				c.logger.Warn("Failed to remove prompt directory", "dir", tempDir, "generation", gen, "error", err)
			}
		},
	}
}

// current returns the run of gen, or nil when gen is stale.
// Must be called with c.mu held.
func (c *Controller) current(gen uint64) *run {
	if c.run == nil || c.run.gen != gen || !c.supervisor.IsCurrent(gen) {
		return nil
	}
	return c.run
}

func (c *Controller) onStdout(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.current(gen)
	if r == nil {
		return
	}
	c.deliver(r, r.decoder.Decode(data))
}

func (c *Controller) onStderr(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.current(gen)
	if r == nil {
		return
	}
	c.logger.Debug("Agent stderr", "command", r.command, "text", event.Truncate(string(data), maxStderrChunk))
	c.send(stderrNotice(data))
}

func (c *Controller) onExit(gen uint64, code int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.current(gen)
	if r == nil {
		c.logger.Debug("Ignoring exit of stale agent", "generation", gen, "code", code)
		return
	}
	c.supervisor.Release(gen)
	c.run = nil
	if err != nil {
		c.logger.Warn("Agent wait failed", "command", r.command, "generation", gen, "error", err)
	}
	c.logger.Info("Agent exited", "command", r.command, "code", code, "generation", gen, "conversation", r.conversationID)

	c.deliver(r, r.decoder.Flush())
	if r.pending {
		c.persist(r, r.decoder.Pending(), c.opts.Now())
	}
	// A result boundary already sent end for this turn; the client gets one per turn.
	if !r.ended {
		c.ended(r)
		c.send(event.NewEnd())
	}
}

// ended marks the current turn of r as answered.
func (c *Controller) ended(r *run) {
	r.ended = true
	now := c.opts.Now()
	c.opts.Metrics.TurnEnded(now.Sub(r.sentAt), now)
}

// deliver sends decoded steps to the client, persisting the turn at a
// boundary before its end event goes out.
func (c *Controller) deliver(r *run, steps []decoder.Step) {
	for _, step := range steps {
		if step.Boundary != nil && r.pending {
			c.persist(r, *step.Boundary, c.opts.Now())
		}
		if step.Event.Type == event.TypeEnd {
			c.ended(r)
		}
		c.send(step.Event)
	}
}

// persist appends the pending user turn and resp to the conversation.
func (c *Controller) persist(r *run, resp decoder.Turn, at time.Time) {
	r.pending = false
	err := c.writer.Append(transcript.Append{
		ConversationID: r.conversationID,
		Title:          transcript.DefaultTitle(r.message),
		Model:          r.modelID,
		Turns:          r.turns(resp, at),
		At:             at,
	})
	c.opts.Metrics.Saved(err)
	if err != nil {
		c.logger.Error("Failed to save conversation", "conversation", r.conversationID, "error", err)
		c.send(event.NewError(fmt.Sprintf("Failed to save conversation: %v", err)))
	}
}

func (c *Controller) send(ev event.Event) {
	c.opts.Metrics.Event(ev)
	if err := c.sink.Send(ev); err != nil {
		c.logger.Debug("Failed to send event", "type", ev.Type, "error", err)
	}
}

// writePromptFile writes text to a fresh chat-* directory under base.
func writePromptFile(base, text string) (dir, file string, err error) {
	dir, err = os.MkdirTemp(base, "chat-")
	if err != nil {
		return "", "", fmt.Errorf("failed to create prompt directory: %w", err)
	}
	file = filepath.Join(dir, "prompt.txt")
	if err := os.WriteFile(file, []byte(text), 0600); err != nil {
		os.RemoveAll(dir)
		return "", "", fmt.Errorf("failed to write prompt file: %w", err)
	}
	return dir, file, nil
}
