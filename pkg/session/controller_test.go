package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiancaiamao/chatbridge/pkg/event"
	"github.com/tiancaiamao/chatbridge/pkg/metrics"
	"github.com/tiancaiamao/chatbridge/pkg/process/processtest"
	"github.com/tiancaiamao/chatbridge/pkg/prompt"
	"github.com/tiancaiamao/chatbridge/pkg/registry"
	"github.com/tiancaiamao/chatbridge/pkg/rpc"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordingSink) Send(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func (s *recordingSink) types() []string {
	var types []string
	for _, ev := range s.all() {
		types = append(types, ev.Type)
	}
	return types
}

func (s *recordingSink) count(typ string) int {
	n := 0
	for _, ev := range s.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type staticResolver map[string]registry.ResolvedModel

func (r staticResolver) Resolve(modelID string) (registry.ResolvedModel, bool) {
	m, ok := r[modelID]
	return m, ok
}

var testModels = staticResolver{
	"sonnet": {ModelID: "sonnet", Provider: "claude", Command: "claude", Format: "stream-json"},
	"opus":   {ModelID: "opus", Provider: "claude", Command: "claude", Format: "stream-json"},
	"gpt": {
		ModelID:  "gpt",
		Provider: "codex",
		Command:  "codex",
		Args:     []string{"exec", "--model", "{model}", "{prompt}", "--file", "{prompt_file}"},
		Format:   "codex-json",
	},
	"echo": {ModelID: "echo", Provider: "local", Command: "echo-agent", Args: []string{"-m", "{model}"}, Format: "raw"},
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	ctrl    *Controller
	starter *processtest.Starter
	sink    *recordingSink
	store   *transcript.FileStore
	metrics *metrics.Metrics
	tempDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := transcript.NewFileStore(t.TempDir())
	require.NoError(t, err)
	writer := transcript.NewWriter(store, 4)
	h := &harness{
		starter: &processtest.Starter{},
		sink:    &recordingSink{},
		store:   store,
		metrics: metrics.New(),
		tempDir: t.TempDir(),
	}
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	h.ctrl = New(testModels, h.sink, writer, Options{
		TempDir: h.tempDir,
		Starter: h.starter.Start,
		Metrics: h.metrics,
		Now:     clk.Now,
	})
	t.Cleanup(func() {
		h.ctrl.Close()
		writer.Close()
	})
	return h
}

func (h *harness) waitFor(t *testing.T, typ string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sink.count(typ) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s events, got %v", n, typ, h.sink.types())
}

// waitInputLines waits until the fake's stdin holds n lines.
func waitInputLines(t *testing.T, fake *processtest.Fake, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(fake.InputLines()) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d input lines, got %q", n, fake.Input())
	lines := fake.InputLines()
	require.Len(t, lines, n)
	return lines
}

func (h *harness) load(t *testing.T, id string) *transcript.Conversation {
	t.Helper()
	conv, err := h.store.Load(id)
	require.NoError(t, err)
	return conv
}

func TestChatUnknownModel(t *testing.T) {
	h := newHarness(t)

	err := h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "nope"})
	var userErr *UserError
	require.ErrorAs(t, err, &userErr)

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeError, events[0].Type)
	assert.Equal(t, "Unknown model: nope", events[0].Data)
	assert.Equal(t, 0, h.starter.Count())
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestChatRawTurnPersisted(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hello", Model: "echo"}))
	assert.Equal(t, StateRunning, h.ctrl.State())

	fake := h.starter.Last()
	require.NotNil(t, fake)
	assert.Equal(t, "echo-agent", fake.Spec.Command)
	assert.Equal(t, []string{"-m", "echo"}, fake.Spec.Args)
	require.Eventually(t, fake.InputClosed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", fake.Input())

	require.NoError(t, fake.WriteStdout("\x1b[32mok\x1b[0m"))
	fake.Exit(0)
	h.waitFor(t, event.TypeEnd, 1)

	assert.Equal(t, []string{event.TypeStream, event.TypeEnd}, h.sink.types())
	assert.Equal(t, "ok", h.sink.all()[0].Data)
	assert.Equal(t, StateIdle, h.ctrl.State())

	conv := h.load(t, "c1")
	assert.Equal(t, "hello", conv.Title)
	assert.Equal(t, "echo", conv.Model)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, transcript.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, transcript.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "ok", conv.Messages[1].Content)
	firstUpdate := conv.UpdatedAt

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "more", Model: "echo"}))
	second := h.starter.Last()
	require.NoError(t, second.WriteStdout("ok"))
	second.Exit(0)
	h.waitFor(t, event.TypeEnd, 2)

	conv = h.load(t, "c1")
	assert.Len(t, conv.Messages, 4)
	assert.True(t, conv.UpdatedAt.After(firstUpdate))
	assert.Equal(t, "hello", conv.Title)
}

func TestChatTemplateArgsAndPromptFile(t *testing.T) {
	h := newHarness(t)

	req := rpc.ChatRequest{
		ConversationID: "c1",
		Message:        "next",
		Model:          "gpt",
		History:        nil,
		ExtraArgs:      []json.RawMessage{json.RawMessage(`"--full-auto"`)},
	}
	require.NoError(t, h.ctrl.Chat(req))

	fake := h.starter.Last()
	args := fake.Spec.Args
	require.Len(t, args, 6)
	assert.Equal(t, []string{"exec", "--model", "gpt", "--file"}, args[:4])
	assert.Equal(t, "--full-auto", args[5])

	promptFile := args[4]
	assert.Equal(t, "prompt.txt", filepath.Base(promptFile))
	assert.True(t, strings.HasPrefix(filepath.Base(filepath.Dir(promptFile)), "chat-"))
	data, err := os.ReadFile(promptFile)
	require.NoError(t, err)
	assert.Equal(t, "next", string(data))

	require.NoError(t, fake.WriteStdout(`{"type":"item.completed","item":{"type":"agent_message","text":"done"}}`+"\n"))
	fake.Exit(0)
	h.waitFor(t, event.TypeEnd, 1)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Dir(promptFile))
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)

	conv := h.load(t, "c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "done", conv.Messages[1].Content)
}

func TestChatInvalidExtraArgs(t *testing.T) {
	h := newHarness(t)

	err := h.ctrl.Chat(rpc.ChatRequest{
		ConversationID: "c1",
		Message:        "hi",
		Model:          "echo",
		ExtraArgs:      []json.RawMessage{json.RawMessage(`"--ok"`), json.RawMessage(`42`)},
	})
	require.Error(t, err)
	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "Invalid extra argument #2: expected a string", events[0].Data)

	err = h.ctrl.Chat(rpc.ChatRequest{
		ConversationID: "c1",
		Message:        "hi",
		Model:          "echo",
		ExtraArgs:      []json.RawMessage{json.RawMessage(`"  "`)},
	})
	require.Error(t, err)
	assert.Equal(t, 0, h.starter.Count())
}

func TestChatInvalidConversationID(t *testing.T) {
	h := newHarness(t)

	err := h.ctrl.Chat(rpc.ChatRequest{ConversationID: "../etc", Message: "hi", Model: "echo"})
	require.Error(t, err)
	assert.Equal(t, []string{event.TypeError}, h.sink.types())
	assert.Equal(t, 0, h.starter.Count())
}

func TestChatGeneratesConversationID(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{Message: "hi", Model: "echo"}))
	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeSystem, events[0].Type)
	notice, ok := events[0].Data.(map[string]string)
	require.True(t, ok)
	id := notice["conversationId"]
	assert.True(t, transcript.ValidID(id))

	fake := h.starter.Last()
	fake.Exit(0)
	h.waitFor(t, event.TypeEnd, 1)
	h.load(t, id)
}

func TestChatSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.starter.Err = errors.New("executable file not found in $PATH")

	err := h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "gpt"})
	require.Error(t, err)

	events := h.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "Failed to run codex: executable file not found in $PATH", events[0].Data)

	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "prompt directory removed")

	_, err = h.store.Load("c1")
	assert.ErrorIs(t, err, transcript.ErrNotFound)
	assert.Equal(t, int64(1), h.metrics.Snapshot().SpawnErrors)
}

const (
	assistantHello = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`
	resultLine     = `{"type":"result","total_cost_usd":0.01,"num_turns":1,"session_id":"s1"}`
)

func decodeInput(t *testing.T, line string) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	return msg
}

func TestChatInteractiveReuse(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "sonnet", SystemPrompt: "be brief"}))
	fake := h.starter.Last()
	assert.Equal(t, []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
		"--model", "sonnet",
		"--system-prompt", "be brief",
	}, fake.Spec.Args)
	lines := waitInputLines(t, fake, 1)
	assert.False(t, fake.InputClosed())
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"hi"}}`, lines[0])

	require.NoError(t, fake.WriteStdout(assistantHello+"\n"+resultLine+"\n"))
	h.waitFor(t, event.TypeEnd, 1)
	assert.Equal(t, []string{event.TypeAssistantStart, event.TypeTextDelta, event.TypeResult, event.TypeEnd}, h.sink.types())

	conv := h.load(t, "c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Hello", conv.Messages[1].Content)

	history := []prompt.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "Hello"}}
	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "again", Model: "sonnet", History: history}))
	assert.Equal(t, 1, h.starter.Count(), "process reused")
	lines = waitInputLines(t, fake, 2)
	assert.Equal(t, "again", decodeInput(t, lines[1])["message"].(map[string]any)["content"])

	require.NoError(t, fake.WriteStdout(assistantHello+"\n"+resultLine+"\n"))
	h.waitFor(t, event.TypeEnd, 2)
	assert.Len(t, h.load(t, "c1").Messages, 4)
	assert.Equal(t, StateRunning, h.ctrl.State())

	snap := h.metrics.Snapshot()
	assert.Equal(t, map[string]int64{"sonnet": 1}, snap.Spawns)
	assert.Equal(t, int64(1), snap.Reuses)
	assert.Equal(t, int64(2), snap.TurnsSaved)
	assert.Equal(t, int64(2), snap.Turns.Count)
}

func TestToolResponse(t *testing.T) {
	h := newHarness(t)

	// Without an agent the response is dropped.
	require.NoError(t, h.ctrl.ToolResponse(rpc.ToolResponse{ToolUseID: "t0", Approved: true}))

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "run ls", Model: "sonnet"}))
	fake := h.starter.Last()

	require.NoError(t, h.ctrl.ToolResponse(rpc.ToolResponse{ToolUseID: "t1", Approved: true}))
	require.NoError(t, h.ctrl.ToolResponse(rpc.ToolResponse{ToolUseID: "t2", Approved: false}))

	lines := waitInputLines(t, fake, 3)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"approved"}]}}`, lines[1])
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t2","content":"rejected","is_error":true}]}}`, lines[2])
	assert.Empty(t, h.sink.all())
}

func TestChatReplaceOnConversationOrModelChange(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "a", Model: "sonnet"}))
	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c2", Message: "b", Model: "sonnet"}))
	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c2", Message: "c", Model: "opus"}))

	procs := h.starter.Procs()
	require.Len(t, procs, 3)
	assert.True(t, procs[0].Killed())
	assert.True(t, procs[1].Killed())
	assert.False(t, procs[2].Killed())
	assert.Equal(t, uint64(3), h.ctrl.supervisor.Generation())

	// Neither replaced turn reached the store.
	_, err := h.store.Load("c1")
	assert.ErrorIs(t, err, transcript.ErrNotFound)
	_, err = h.store.Load("c2")
	assert.ErrorIs(t, err, transcript.ErrNotFound)
}

func TestStaleCallbacksDropped(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "a", Model: "echo"}))
	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "b", Model: "echo"}))
	assert.Equal(t, uint64(2), h.ctrl.supervisor.Generation())

	h.ctrl.onStdout(1, []byte("late output"))
	h.ctrl.onStderr(1, []byte("late error"))
	h.ctrl.onExit(1, 0, nil)

	assert.Empty(t, h.sink.all())
	_, err := h.store.Load("c1")
	assert.ErrorIs(t, err, transcript.ErrNotFound)
	assert.Equal(t, StateRunning, h.ctrl.State())
}

func TestCancelDiscardsTurn(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "sonnet"}))
	fake := h.starter.Last()
	require.NoError(t, fake.WriteStdout(assistantHello+"\n"))
	h.waitFor(t, event.TypeTextDelta, 1)

	require.NoError(t, h.ctrl.Cancel())
	assert.True(t, fake.Killed())
	assert.Equal(t, StateIdle, h.ctrl.State())

	<-fake.Exited()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.sink.count(event.TypeEnd))
	_, err := h.store.Load("c1")
	assert.ErrorIs(t, err, transcript.ErrNotFound)
	assert.Equal(t, int64(1), h.metrics.Snapshot().Cancels)
}

func TestCrashPersistsPartialTurn(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "sonnet"}))
	fake := h.starter.Last()
	toolUse := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`
	require.NoError(t, fake.WriteStdout(assistantHello+"\n"+toolUse+"\n"))
	fake.Exit(1)
	h.waitFor(t, event.TypeEnd, 1)

	conv := h.load(t, "c1")
	require.Len(t, conv.Messages, 2)
	assistant := conv.Messages[1]
	assert.Equal(t, "Hello", assistant.Content)
	require.Len(t, assistant.Blocks, 1)
	assert.Equal(t, transcript.BlockToolUse, assistant.Blocks[0].Type)
	assert.Equal(t, "Bash", assistant.Blocks[0].Name)
}

func TestReuseKeepsUnfinishedTurn(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "first", Model: "sonnet"}))
	fake := h.starter.Last()
	require.NoError(t, fake.WriteStdout(assistantHello+"\n"))
	h.waitFor(t, event.TypeTextDelta, 1)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "second", Model: "sonnet"}))
	assert.Equal(t, 1, h.starter.Count())

	conv := h.load(t, "c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "first", conv.Messages[0].Content)
	assert.Equal(t, "Hello", conv.Messages[1].Content)

	require.NoError(t, fake.WriteStdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"Bye"}]}}`+"\n"+resultLine+"\n"))
	h.waitFor(t, event.TypeEnd, 1)

	conv = h.load(t, "c1")
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "second", conv.Messages[2].Content)
	assert.Equal(t, "Bye", conv.Messages[3].Content)
}

func TestNaturalCloseAfterResult(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "sonnet"}))
	fake := h.starter.Last()
	require.NoError(t, fake.WriteStdout(assistantHello+"\n"+resultLine+"\n"))
	h.waitFor(t, event.TypeEnd, 1)
	fake.Exit(0)

	require.Eventually(t, func() bool { return h.ctrl.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.sink.count(event.TypeEnd), "end is not repeated")
	assert.Len(t, h.load(t, "c1").Messages, 2)
}

func TestStderrForwarded(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "echo"}))
	fake := h.starter.Last()
	require.NoError(t, fake.WriteStderr(strings.Repeat("x", 600)))
	h.waitFor(t, event.TypeSystem, 1)

	notice := h.sink.all()[0].Data.(map[string]string)
	assert.Equal(t, "stderr", notice["subtype"])
	assert.Len(t, notice["text"], 500)
}

func TestClosedController(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "sonnet"}))
	fake := h.starter.Last()
	h.ctrl.Close()
	assert.True(t, fake.Killed())

	assert.ErrorIs(t, h.ctrl.Chat(rpc.ChatRequest{ConversationID: "c1", Message: "hi", Model: "sonnet"}), ErrClosed)
	assert.ErrorIs(t, h.ctrl.ToolResponse(rpc.ToolResponse{ToolUseID: "t"}), ErrClosed)
	assert.Equal(t, 1, h.starter.Count())
}
