package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tiancaiamao/chatbridge/pkg/event"
	"github.com/tiancaiamao/chatbridge/pkg/rpc"
	"github.com/tiancaiamao/chatbridge/pkg/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// conn is one browser websocket and the session it drives.
type conn struct {
	id         string
	ws         *websocket.Conn
	server     *Server
	logger     *slog.Logger
	limiter    *rate.Limiter
	ctrl       *session.Controller
	dispatcher *rpc.Dispatcher

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	logger := s.logger.With("conn", id)
	c := &conn{
		id:      id,
		ws:      ws,
		server:  s,
		logger:  logger,
		limiter: newLimiter(s.cfg.Limits.MessagesPerSecond, s.cfg.Limits.Burst),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	c.ctrl = session.New(s.registry, c, s.writer, s.sessionOptions(logger))
	c.dispatcher = rpc.NewDispatcher()
	c.dispatcher.SetChatHandler(c.ctrl.Chat)
	c.dispatcher.SetCancelHandler(c.ctrl.Cancel)
	c.dispatcher.SetToolResponseHandler(c.ctrl.ToolResponse)

	if !s.add(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	logger.Info("Connection opened", "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Send queues ev for the client. It never blocks: a client that stops
// reading is disconnected.
func (c *conn) Send(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("Client is not reading, closing connection", "buffered", len(c.send))
		c.close()
		return errSendBufferFull
	}
}

// close stops both pumps. The read pump tears down the session.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) readPump() {
	defer func() {
		c.close()
		c.ctrl.Close()
		c.server.remove(c)
		c.logger.Info("Connection closed")
	}()

	if limit := c.server.cfg.Limits.MaxFrameBytes; limit > 0 {
		c.ws.SetReadLimit(limit)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("WebSocket read failed", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.logger.Warn("Rate limit exceeded, dropping message")
			c.Send(event.NewError("Too many messages, please slow down"))
			continue
		}
		if err := c.dispatcher.Dispatch(frame); err != nil {
			if errors.Is(err, rpc.ErrMalformed) {
				c.Send(event.NewError("Malformed message"))
			}
			c.logger.Warn("Intent failed", "error", err)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("WebSocket write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
