// Package server serves the chat websocket and the HTTP API around it.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tiancaiamao/chatbridge/pkg/config"
	"github.com/tiancaiamao/chatbridge/pkg/event"
	"github.com/tiancaiamao/chatbridge/pkg/metrics"
	"github.com/tiancaiamao/chatbridge/pkg/process"
	"github.com/tiancaiamao/chatbridge/pkg/registry"
	"github.com/tiancaiamao/chatbridge/pkg/session"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

// Options configures a Server.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Writer   *transcript.Writer
	// Starter starts agent processes; nil uses process.NewStarter with the
	// configured kill grace.
	Starter process.Starter
	// Metrics collects agent counters; nil creates a fresh collector.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server owns every open chat connection.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	writer   *transcript.Writer
	starter  process.Starter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	paramsMu sync.Mutex

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// New creates a server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	starter := opts.Starter
	if starter == nil {
		starter = process.NewStarter(opts.Config.Agent.KillGraceDuration())
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		writer:   opts.Writer,
		starter:  starter,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		started: time.Now(),
		conns:   make(map[string]*conn),
	}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

// RegisterRoutes registers the websocket, API and static routes with mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PUT /api/conversations/{id}", s.handlePutConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/cli-params", s.handleGetCLIParams)
	mux.HandleFunc("PUT /api/cli-params", s.handlePutCLIParams)

	metrics.NewHandler(s.metrics, s.gauges).RegisterRoutes(mux)

	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.cfg.Server.UploadsDir))))

	static := http.FileServer(http.Dir(s.cfg.Server.PublicDir))
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		// The client may open its socket on the page URL itself.
		if websocket.IsWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		static.ServeHTTP(w, r)
	})
}

func (s *Server) sessionOptions(logger *slog.Logger) session.Options {
	return session.Options{
		PermissionMode: s.cfg.Agent.PermissionMode,
		TempDir:        s.cfg.Agent.TempDir,
		WorkDir:        s.cfg.Agent.WorkDir,
		Env:            s.cfg.Agent.Env,
		Starter:        s.starter,
		Metrics:        s.metrics,
		Logger:         logger,
	}
}

func (s *Server) add(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast sends ev to every open connection.
func (s *Server) Broadcast(ev event.Event) {
	for _, c := range s.snapshot() {
		if err := c.Send(ev); err != nil {
			c.logger.Debug("Broadcast dropped", "type", ev.Type, "error", err)
		}
	}
}

// ModelsChanged tells every client to reload the model list.
func (s *Server) ModelsChanged() {
	s.logger.Info("Models file changed", "path", s.registry.Path())
	s.Broadcast(event.NewSystem(map[string]string{"subtype": "models_changed"}))
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Connections int `json:"connections"`
	Running     int `json:"running"`
}

// Stats counts open connections and running agents.
func (s *Server) Stats() Stats {
	conns := s.snapshot()
	st := Stats{Connections: len(conns)}
	for _, c := range conns {
		if c.ctrl.State() == session.StateRunning {
			st.Running++
		}
	}
	return st
}

func (s *Server) gauges() metrics.Gauges {
	st := s.Stats()
	return metrics.Gauges{Connections: st.Connections, Running: st.Running}
}

// Metrics returns the collector shared by all connections.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Shutdown closes every connection and kills every agent. New websocket
// connections are refused afterwards.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	conns := s.snapshot()
	for _, c := range conns {
		c.close()
		c.ctrl.Close()
	}
	s.logger.Info("Server connections closed", "count", len(conns))
}
