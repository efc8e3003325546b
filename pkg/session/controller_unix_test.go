//go:build !windows

package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiancaiamao/chatbridge/pkg/event"
	"github.com/tiancaiamao/chatbridge/pkg/process"
	"github.com/tiancaiamao/chatbridge/pkg/rpc"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

var shellModels = staticResolver{
	// Floods stdout before it reads stdin.
	"chatty": {ModelID: "chatty", Provider: "sh", Command: "sh", Format: "raw",
		Args: []string{"-c", `head -c 300000 /dev/zero | tr '\0' x; cat >/dev/null`}},
	// Never reads stdin.
	"deaf": {ModelID: "deaf", Provider: "sh", Command: "sh", Format: "raw",
		Args: []string{"-c", "sleep 30"}},
}

func newShellController(t *testing.T) (*Controller, *recordingSink, *transcript.FileStore) {
	t.Helper()
	store, err := transcript.NewFileStore(t.TempDir())
	require.NoError(t, err)
	writer := transcript.NewWriter(store, 4)
	sink := &recordingSink{}
	ctrl := New(shellModels, sink, writer, Options{
		TempDir: t.TempDir(),
		Starter: process.NewStarter(100 * time.Millisecond),
	})
	t.Cleanup(func() {
		ctrl.Close()
		writer.Close()
	})
	return ctrl, sink, store
}

// chatWithin runs Chat and fails if it does not return within d.
func chatWithin(t *testing.T, ctrl *Controller, req rpc.ChatRequest, d time.Duration) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- ctrl.Chat(req) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(d):
		t.Fatalf("Chat did not return within %v", d)
	}
}

func TestChatLargePromptToBusyAgent(t *testing.T) {
	ctrl, sink, store := newShellController(t)

	message := strings.Repeat("m", 200000)
	chatWithin(t, ctrl, rpc.ChatRequest{ConversationID: "c1", Message: message, Model: "chatty"}, 2*time.Second)

	require.Eventually(t, func() bool { return sink.count(event.TypeEnd) == 1 }, 10*time.Second, 10*time.Millisecond)
	streamed := 0
	for _, ev := range sink.all() {
		if ev.Type == event.TypeStream {
			streamed += len(ev.Data.(string))
		}
	}
	assert.Equal(t, 300000, streamed)
	assert.Zero(t, sink.count(event.TypeError))

	conv, err := store.Load("c1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Len(t, conv.Messages[1].Content, 300000)
}

func TestCancelAgentThatIgnoresInput(t *testing.T) {
	ctrl, sink, store := newShellController(t)

	message := strings.Repeat("m", 200000)
	chatWithin(t, ctrl, rpc.ChatRequest{ConversationID: "c1", Message: message, Model: "deaf"}, 2*time.Second)
	assert.Equal(t, StateRunning, ctrl.State())

	done := make(chan struct{})
	go func() {
		ctrl.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel blocked")
	}
	assert.Equal(t, StateIdle, ctrl.State())
	assert.Zero(t, sink.count(event.TypeEnd))
	_, err := store.Load("c1")
	assert.ErrorIs(t, err, transcript.ErrNotFound)
}
