// Package ws streams run events over WebSocket connections.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lmittmann/tint"

	"github.com/zhongli1990/saas-codex/internal/envelope"
	"github.com/zhongli1990/saas-codex/internal/hub"
	"github.com/zhongli1990/saas-codex/internal/stream"
)

const maxMessageSize = 4096

// Config holds the connection timings.
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Server upgrades run stream requests to WebSocket connections. Each text
// message sent to the client is one JSON envelope.
type Server struct {
	cfg      Config
	streams  *stream.Server
	source   stream.Source
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server. source is consulted before the
// upgrade so unknown runs still get a plain 404.
func NewServer(cfg Config, streams *stream.Server, source stream.Source, logger *slog.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		streams: streams,
		source:  source,
		logger:  logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleRunStream serves GET /runs/:run_id/ws.
func (s *Server) HandleRunStream(c echo.Context) error {
	runID := c.Param("run_id")

	_, probe, err := s.source.Subscribe(runID)
	if errors.Is(err, hub.ErrUnknownRun) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	s.source.Unsubscribe(probe)

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "run_id", runID, tint.Err(err))
		return nil
	}
	conn := newConnection(ws, s.cfg)
	defer conn.close()

	go conn.readPump()
	go conn.pingLoop()

	if err := s.streams.Serve(c.Request().Context(), conn, runID, conn); err != nil {
		s.logger.Error("websocket stream failed", "run_id", runID, tint.Err(err))
		return nil
	}
	conn.writeClose()
	return nil
}

// connection adapts a gorilla connection to stream.Sink and stream.ClientGone.
type connection struct {
	ws   *websocket.Conn
	cfg  Config
	gone chan struct{}
	once sync.Once
}

func newConnection(ws *websocket.Conn, cfg Config) *connection {
	return &connection{ws: ws, cfg: cfg, gone: make(chan struct{})}
}

// readPump discards client messages and notices the disconnect.
func (c *connection) readPump() {
	defer c.markGone()

	c.ws.SetReadLimit(maxMessageSize)
	readTimeout := 2 * c.cfg.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// pingLoop keeps intermediaries from idling the connection out.
func (c *connection) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.gone:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.markGone()
				return
			}
		}
	}
}

func (c *connection) markGone() {
	c.once.Do(func() { close(c.gone) })
}

// Gone implements stream.ClientGone.
func (c *connection) Gone() bool {
	select {
	case <-c.gone:
		return true
	default:
		return false
	}
}

// Connected implements stream.Sink. A ping stands in for the SSE connected
// comment.
func (c *connection) Connected() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

// Send implements stream.Sink.
func (c *connection) Send(env envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *connection) close() {
	c.markGone()
	_ = c.ws.Close()
}
