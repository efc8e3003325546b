//go:build !windows

package process

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartEcho(t *testing.T) {
	h, err := Start(Spec{Command: "sh", Args: []string{"-c", "cat; echo done >&2; exit 4"}})
	require.NoError(t, err)

	_, err = h.Stdin().Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, h.Stdin().Close())

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	errOut, err := io.ReadAll(h.Stderr())
	require.NoError(t, err)

	code, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, "done\n", string(errOut))
	assert.Equal(t, 4, code)
}

func TestStartMissingCommand(t *testing.T) {
	_, err := Start(Spec{Command: "chatbridge-definitely-missing-binary"})
	assert.Error(t, err)

	_, err = Start(Spec{})
	assert.Error(t, err)
}

func TestStartEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	h, err := Start(Spec{Command: "sh", Args: []string{"-c", "echo $CHATBRIDGE_TEST; pwd"}, Env: []string{"CHATBRIDGE_TEST=yes"}, Dir: dir})
	require.NoError(t, err)
	h.Stdin().Close()

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	io.ReadAll(h.Stderr())
	_, err = h.Wait()
	require.NoError(t, err)
	assert.Contains(t, string(out), "yes\n")
}

func TestKillTree(t *testing.T) {
	// The child sleeps in a grandchild that also holds stdout open.
	h, err := NewStarter(500 * time.Millisecond)(Spec{Command: "sh", Args: []string{"-c", "sleep 30 & sleep 30"}})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, h.Stdout())
		io.Copy(io.Discard, h.Stderr())
		h.Wait()
		close(done)
	}()

	require.NoError(t, h.Kill())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process tree still alive after kill")
	}
}

func TestSupervisorWithRealProcess(t *testing.T) {
	sup := NewSupervisor(nil, nil)
	out := make(chan string, 16)
	exited := make(chan int, 1)
	p, err := sup.Replace(Spec{Command: "sh", Args: []string{"-c", "cat"}}, "c1", "m1", Hooks{
		Stdout: func(gen uint64, data []byte) { out <- string(data) },
		Exit:   func(gen uint64, code int, err error) { exited <- code },
	})
	require.NoError(t, err)

	require.NoError(t, p.Write([]byte("ping\n")))
	select {
	case got := <-out:
		assert.Equal(t, "ping\n", got)
	case <-time.After(5 * time.Second):
		t.Fatal("no output")
	}

	require.NoError(t, p.CloseInput())
	select {
	case code := <-exited:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit")
	}
	assert.True(t, sup.Release(p.Generation()))
}

func TestSupervisorWriteDoesNotBlock(t *testing.T) {
	sup := NewSupervisor(NewStarter(100*time.Millisecond), nil)
	var mu sync.Mutex
	var got int
	exited := make(chan int, 1)
	p, err := sup.Replace(Spec{Command: "sh", Args: []string{"-c", "head -c 200000 /dev/zero; wc -c"}}, "c1", "m1", Hooks{
		Stdout: func(gen uint64, data []byte) {
			mu.Lock()
			got += len(data)
			mu.Unlock()
		},
		Exit: func(gen uint64, code int, err error) { exited <- code },
	})
	require.NoError(t, err)

	// Far more than a pipe buffer, queued before the child reads anything.
	start := time.Now()
	require.NoError(t, p.Write(make([]byte, 500000)))
	require.NoError(t, p.CloseInput())
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, p.Write([]byte("late")), ErrInputClosed)

	select {
	case code := <-exited:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit")
	}
	mu.Lock()
	defer mu.Unlock()
	// 200000 zero bytes plus the byte count printed by wc.
	assert.Greater(t, got, 200000)
}

func TestSupervisorCancelUnblocksInput(t *testing.T) {
	sup := NewSupervisor(NewStarter(100*time.Millisecond), nil)
	done := make(chan struct{})
	p, err := sup.Replace(Spec{Command: "sh", Args: []string{"-c", "sleep 30"}}, "c1", "m1", Hooks{
		Done: func(gen uint64) { close(done) },
	})
	require.NoError(t, err)
	require.NoError(t, p.Write(make([]byte, 500000)))

	assert.True(t, sup.Cancel())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after cancel")
	}
	assert.False(t, p.InputOpen())
}
