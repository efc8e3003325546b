package metrics

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiancaiamao/chatbridge/pkg/event"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Spawned("sonnet")
	m.Event(event.NewEnd())
	m.Saved(nil)

	s := m.Snapshot()
	assert.Empty(t, s.Spawns)
	assert.NotNil(t, s.Tools)
}

func TestMetricsCounts(t *testing.T) {
	m := New()
	m.Spawned("sonnet")
	m.Spawned("sonnet")
	m.Spawned("gpt")
	m.SpawnFailed()
	m.Reused()
	m.Cancelled()
	m.Saved(nil)
	m.Saved(errors.New("disk full"))
	m.TurnEnded(2*time.Second, time.Now())
	m.TurnEnded(time.Second, time.Now())

	m.Event(event.NewToolUse("t1", "Read", nil))
	m.Event(event.NewToolUse("t2", "Bash", nil))
	m.Event(event.NewToolUse("t3", "Read", nil))
	m.Event(event.NewToolResult("t2", "boom", true))
	m.Event(event.NewToolResult("t1", "ok", false))
	m.Event(event.NewSystem(map[string]string{"subtype": "stderr", "text": "warning"}))
	m.Event(event.NewEnd())

	s := m.Snapshot()
	assert.Equal(t, map[string]int64{"sonnet": 2, "gpt": 1}, s.Spawns)
	assert.Equal(t, int64(1), s.SpawnErrors)
	assert.Equal(t, int64(1), s.Reuses)
	assert.Equal(t, int64(1), s.Cancels)
	assert.Equal(t, int64(1), s.TurnsSaved)
	assert.Equal(t, int64(1), s.SaveErrors)
	assert.Equal(t, int64(2), s.Turns.Count)
	assert.Equal(t, 3*time.Second, s.Turns.Total)
	assert.Equal(t, time.Second, s.Turns.Last)
	assert.Equal(t, int64(1), s.StderrChunks)
	assert.Equal(t, int64(1), s.ToolErrors)
	assert.Equal(t, int64(3), s.Events[event.TypeToolUse])
	assert.Equal(t, int64(1), s.Events[event.TypeEnd])

	require.Len(t, s.Tools, 2)
	assert.Equal(t, "Bash", s.Tools[0].Name)
	assert.Equal(t, int64(1), s.Tools[0].Calls)
	assert.Equal(t, "Read", s.Tools[1].Name)
	assert.Equal(t, int64(2), s.Tools[1].Calls)
}

func TestHandler(t *testing.T) {
	m := New()
	m.Spawned("sonnet")
	m.Event(event.NewToolUse("t1", "mcp__fs.read", nil))

	mux := http.NewServeMux()
	NewHandler(m, func() Gauges { return Gauges{Connections: 2, Running: 1} }).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	t.Run("json", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.EqualValues(t, 2, body["connections"])
		assert.EqualValues(t, 1, body["running"])
		assert.Equal(t, map[string]any{"sonnet": float64(1)}, body["spawns"])
	})

	t.Run("prometheus", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics/prometheus")
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		text := string(data)
		assert.Contains(t, text, "chatbridge_connections 2\n")
		assert.Contains(t, text, "chatbridge_agents_running 1\n")
		assert.Contains(t, text, `chatbridge_spawns_total{model="sonnet"} 1`)
		assert.Contains(t, text, `chatbridge_tool_calls_total{tool="mcp__fs_read"} 1`)
		assert.Contains(t, text, `chatbridge_events_total{type="tool_use"} 1`)
	})
}

func TestSanitizeMetricName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Read", "Read"},
		{"mcp__fs.read", "mcp__fs_read"},
		{"9lives", "_9lives"},
		{"a-b c", "a_b_c"},
	}
	for _, tt := range tests {
		if got := sanitizeMetricName(tt.in); got != tt.want {
			t.Errorf("sanitizeMetricName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
