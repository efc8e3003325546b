package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Gauges are values owned by the server rather than counted here.
type Gauges struct {
	Connections int `json:"connections"`
	Running     int `json:"running"`
}

// Handler provides HTTP endpoints for metrics.
type Handler struct {
	metrics *Metrics
	gauges  func() Gauges
}

// NewHandler creates a metrics handler. gauges may be nil.
func NewHandler(m *Metrics, gauges func() Gauges) *Handler {
	if gauges == nil {
		gauges = func() Gauges { return Gauges{} }
	}
	return &Handler{metrics: m, gauges: gauges}
}

// RegisterRoutes registers metrics endpoints with the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", h.handlePrometheus)
}

// handleMetrics returns the full snapshot as JSON.
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body := struct {
		Snapshot
		Gauges
	}{h.metrics.Snapshot(), h.gauges()}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handlePrometheus returns metrics in Prometheus text format.
func (h *Handler) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	s := h.metrics.Snapshot()
	g := h.gauges()

	fmt.Fprintf(w, "# HELP chatbridge_uptime_seconds Server uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE chatbridge_uptime_seconds gauge\n")
	fmt.Fprintf(w, "chatbridge_uptime_seconds %.2f\n", s.Uptime.Seconds())

	fmt.Fprintf(w, "\n# HELP chatbridge_connections Open websocket connections\n")
	fmt.Fprintf(w, "# TYPE chatbridge_connections gauge\n")
	fmt.Fprintf(w, "chatbridge_connections %d\n", g.Connections)

	fmt.Fprintf(w, "\n# HELP chatbridge_agents_running Live agent processes\n")
	fmt.Fprintf(w, "# TYPE chatbridge_agents_running gauge\n")
	fmt.Fprintf(w, "chatbridge_agents_running %d\n", g.Running)

	fmt.Fprintf(w, "\n# HELP chatbridge_spawns_total Agent processes started, by model\n")
	fmt.Fprintf(w, "# TYPE chatbridge_spawns_total counter\n")
	for _, model := range sortedKeys(s.Spawns) {
		fmt.Fprintf(w, "chatbridge_spawns_total{model=%q} %d\n", model, s.Spawns[model])
	}

	fmt.Fprintf(w, "\n# HELP chatbridge_spawn_errors_total Agent processes that failed to start\n")
	fmt.Fprintf(w, "# TYPE chatbridge_spawn_errors_total counter\n")
	fmt.Fprintf(w, "chatbridge_spawn_errors_total %d\n", s.SpawnErrors)

	fmt.Fprintf(w, "\n# HELP chatbridge_reuses_total Messages sent to a live interactive agent\n")
	fmt.Fprintf(w, "# TYPE chatbridge_reuses_total counter\n")
	fmt.Fprintf(w, "chatbridge_reuses_total %d\n", s.Reuses)

	fmt.Fprintf(w, "\n# HELP chatbridge_cancels_total Agent processes killed by the user\n")
	fmt.Fprintf(w, "# TYPE chatbridge_cancels_total counter\n")
	fmt.Fprintf(w, "chatbridge_cancels_total %d\n", s.Cancels)

	fmt.Fprintf(w, "\n# HELP chatbridge_turns_saved_total Turns persisted to the transcript store\n")
	fmt.Fprintf(w, "# TYPE chatbridge_turns_saved_total counter\n")
	fmt.Fprintf(w, "chatbridge_turns_saved_total %d\n", s.TurnsSaved)
	fmt.Fprintf(w, "chatbridge_save_errors_total %d\n", s.SaveErrors)

	fmt.Fprintf(w, "\n# HELP chatbridge_turn_duration_seconds Time from chat intent to end event\n")
	fmt.Fprintf(w, "# TYPE chatbridge_turn_duration_seconds histogram\n")
	fmt.Fprintf(w, "chatbridge_turn_duration_seconds_sum %.3f\n", s.Turns.Total.Seconds())
	fmt.Fprintf(w, "chatbridge_turn_duration_seconds_count %d\n", s.Turns.Count)
	fmt.Fprintf(w, "chatbridge_turn_last_seconds %.3f\n", s.Turns.Last.Seconds())

	fmt.Fprintf(w, "\n# HELP chatbridge_events_total Events sent to clients, by type\n")
	fmt.Fprintf(w, "# TYPE chatbridge_events_total counter\n")
	for _, typ := range sortedKeys(s.Events) {
		fmt.Fprintf(w, "chatbridge_events_total{type=\"%s\"} %d\n", sanitizeMetricName(typ), s.Events[typ])
	}

	fmt.Fprintf(w, "\n# HELP chatbridge_stderr_chunks_total Agent stderr chunks forwarded\n")
	fmt.Fprintf(w, "# TYPE chatbridge_stderr_chunks_total counter\n")
	fmt.Fprintf(w, "chatbridge_stderr_chunks_total %d\n", s.StderrChunks)

	fmt.Fprintf(w, "\n# HELP chatbridge_tool_calls_total Tool invocations reported by agents\n")
	fmt.Fprintf(w, "# TYPE chatbridge_tool_calls_total counter\n")
	for _, tm := range s.Tools {
		fmt.Fprintf(w, "chatbridge_tool_calls_total{tool=\"%s\"} %d\n", sanitizeMetricName(tm.Name), tm.Calls)
	}
	fmt.Fprintf(w, "chatbridge_tool_errors_total %d\n", s.ToolErrors)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeMetricName makes a label value safe for the text format.
func sanitizeMetricName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	result := b.String()
	if len(result) > 0 && result[0] >= '0' && result[0] <= '9' {
		result = "_" + result
	}
	return result
}
