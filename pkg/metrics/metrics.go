// Package metrics counts what the bridge does with agent processes and
// exposes the counters over HTTP.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/tiancaiamao/chatbridge/pkg/event"
)

// Metrics aggregates counters for every connection of a server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu    sync.RWMutex
	start time.Time

	spawns      map[string]int64 // by model id
	spawnErrors int64
	reuses      int64
	cancels     int64

	turnsSaved int64
	saveErrors int64

	turnCount    int64
	turnTotal    time.Duration
	lastTurn     time.Duration
	lastTurnEnd  time.Time
	stderrChunks int64

	events    map[string]int64 // by event type
	tools     map[string]*toolStats
	toolFails int64
}

type toolStats struct {
	calls    int64
	lastCall time.Time
}

// ToolMetrics is the snapshot of one tool name.
type ToolMetrics struct {
	Name     string    `json:"name"`
	Calls    int64     `json:"calls"`
	LastCall time.Time `json:"lastCall"`
}

// TurnMetrics describes agent turn latency, measured from the chat intent
// to the end event.
type TurnMetrics struct {
	Count       int64         `json:"count"`
	Total       time.Duration `json:"total"`
	Last        time.Duration `json:"last"`
	LastEndedAt time.Time     `json:"lastEndedAt,omitempty"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime       time.Duration    `json:"uptime"`
	Spawns       map[string]int64 `json:"spawns"`
	SpawnErrors  int64            `json:"spawnErrors"`
	Reuses       int64            `json:"reuses"`
	Cancels      int64            `json:"cancels"`
	TurnsSaved   int64            `json:"turnsSaved"`
	SaveErrors   int64            `json:"saveErrors"`
	StderrChunks int64            `json:"stderrChunks"`
	Turns        TurnMetrics      `json:"turns"`
	Events       map[string]int64 `json:"events"`
	Tools        []ToolMetrics    `json:"tools"`
	ToolErrors   int64            `json:"toolErrors"`
}

// New creates an empty collector.
func New() *Metrics {
	return &Metrics{
		start:  time.Now(),
		spawns: make(map[string]int64),
		events: make(map[string]int64),
		tools:  make(map[string]*toolStats),
	}
}

// Spawned records an agent process started for modelID.
func (m *Metrics) Spawned(modelID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.spawns[modelID]++
	m.mu.Unlock()
}

// SpawnFailed records an agent process that could not be started.
func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.spawnErrors++
	m.mu.Unlock()
}

// Reused records a message sent to a live interactive agent.
func (m *Metrics) Reused() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.reuses++
	m.mu.Unlock()
}

// Cancelled records an agent killed by a cancel intent.
func (m *Metrics) Cancelled() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cancels++
	m.mu.Unlock()
}

// Saved records the outcome of persisting one turn.
func (m *Metrics) Saved(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if err != nil {
		m.saveErrors++
	} else {
		m.turnsSaved++
	}
	m.mu.Unlock()
}

// TurnEnded records a turn that took d from intent to end event.
func (m *Metrics) TurnEnded(d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.turnCount++
	m.turnTotal += d
	m.lastTurn = d
	m.lastTurnEnd = at
	m.mu.Unlock()
}

// Event counts an event sent to a client.
func (m *Metrics) Event(ev event.Event) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.Type]++
	switch ev.Type {
	case event.TypeToolUse:
		name := ev.Name
		if name == "" {
			name = "unknown"
		}
		ts, ok := m.tools[name]
		if !ok {
			ts = &toolStats{}
			m.tools[name] = ts
		}
		ts.calls++
		ts.lastCall = time.Now()
	case event.TypeToolResult:
		if ev.IsError != nil && *ev.IsError {
			m.toolFails++
		}
	case event.TypeSystem:
		if data, ok := ev.Data.(map[string]string); ok && data["subtype"] == "stderr" {
			m.stderrChunks++
		}
	}
}

// Snapshot returns a copy of the counters. Tools are sorted by name.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{Spawns: map[string]int64{}, Events: map[string]int64{}, Tools: []ToolMetrics{}}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Uptime:       time.Since(m.start),
		Spawns:       make(map[string]int64, len(m.spawns)),
		SpawnErrors:  m.spawnErrors,
		Reuses:       m.reuses,
		Cancels:      m.cancels,
		TurnsSaved:   m.turnsSaved,
		SaveErrors:   m.saveErrors,
		StderrChunks: m.stderrChunks,
		Turns: TurnMetrics{
			Count:       m.turnCount,
			Total:       m.turnTotal,
			Last:        m.lastTurn,
			LastEndedAt: m.lastTurnEnd,
		},
		Events:     make(map[string]int64, len(m.events)),
		Tools:      make([]ToolMetrics, 0, len(m.tools)),
		ToolErrors: m.toolFails,
	}
	for k, v := range m.spawns {
		s.Spawns[k] = v
	}
	for k, v := range m.events {
		s.Events[k] = v
	}
	for name, ts := range m.tools {
		s.Tools = append(s.Tools, ToolMetrics{Name: name, Calls: ts.calls, LastCall: ts.lastCall})
	}
	sort.Slice(s.Tools, func(i, j int) bool { return s.Tools[i].Name < s.Tools[j].Name })
	return s
}
