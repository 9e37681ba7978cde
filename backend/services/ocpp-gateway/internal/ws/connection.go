package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"evgateway/backend/services/ocpp-gateway/internal/metrics"
	"evgateway/backend/services/ocpp-gateway/internal/ocpp"
	"evgateway/backend/services/ocpp-gateway/internal/ocpp/protocol"
	"evgateway/backend/services/ocpp-gateway/internal/registry"
)

var (
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrSendBufferFull   = errors.New("ws: send buffer full")
)

const maxMessageSize = 1024 * 1024

// FrameMirror receives every decoded inbound frame. It must not block.
type FrameMirror interface {
	MirrorFrame(identity string, frame json.RawMessage)
}

// SessionConfig holds per-connection timing.
type SessionConfig struct {
	PingInterval time.Duration
	// PongWait bounds how long the socket may stay silent; defaults to two ping intervals.
	PongWait     time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	return c
}

// Connection is one charger session. It owns the registry entry for its current identity
// from registration until close, and is the only writer on its socket.
type Connection struct {
	id  string
	ws  *websocket.Conn
	cfg SessionConfig

	send      chan []byte
	done      chan struct{}
	open      atomic.Bool
	closeOnce sync.Once

	mu       sync.RWMutex
	identity string
	promoted bool

	registry *registry.Registry
	reporter registry.StatusReporter
	mirror   FrameMirror
	metrics  *metrics.Metrics
	clock    func() time.Time
	logger   *zap.Logger
}

// NewConnection wraps an upgraded socket. The session does not start until Start is called.
func NewConnection(id, identity string, ws *websocket.Conn, cfg SessionConfig, reg *registry.Registry, reporter registry.StatusReporter, mirror FrameMirror, m *metrics.Metrics, clock func() time.Time, logger *zap.Logger) *Connection {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = time.Now
	}
	c := &Connection{
		id:       id,
		ws:       ws,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
		identity: identity,
		registry: reg,
		reporter: reporter,
		mirror:   mirror,
		metrics:  m,
		clock:    clock,
		logger:   logger.With(zap.String("conn_id", id)),
	}
	c.open.Store(true)
	return c
}

// ConnID implements registry.Transport.
func (c *Connection) ConnID() string {
	return c.id
}

// IsOpen implements registry.Transport.
func (c *Connection) IsOpen() bool {
	return c.open.Load()
}

// Identity returns the identity the session is currently registered under.
func (c *Connection) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Send enqueues a text frame without blocking.
func (c *Connection) Send(msg []byte) error {
	if !c.open.Load() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close implements registry.Transport. Safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "connection closed")
}

func (c *Connection) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.cfg.WriteTimeout))
		err = c.ws.Close()
	})
	return err
}

// Start registers the session and runs it until the socket closes.
func (c *Connection) Start() {
	identity := c.Identity()
	c.registry.Register(identity, c)
	c.report(identity, true)
	c.logger.Info("charger connected", zap.String("charge_point_id", identity))

	go c.writePump()
	c.readPump()
}

func (c *Connection) readPump() {
	defer c.cleanup()

	pongWait := c.cfg.PongWait
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("connection read closed", zap.String("charge_point_id", c.Identity()), zap.Error(err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(message)
	}
}

// handle processes one inbound frame: promote, reply, then mirror.
func (c *Connection) handle(raw []byte) {
	frame, err := ocpp.Decode(raw)
	if err != nil {
		c.metrics.DecodeErrors.WithLabelValues(decodeReason(err)).Inc()
		c.logger.Warn("dropping undecodable frame",
			zap.String("charge_point_id", c.Identity()), zap.ByteString("raw", truncate(raw, 256)), zap.Error(err))
		return
	}
	c.metrics.FramesReceived.WithLabelValues(protocol.MessageTypeName(frame.MessageTypeID())).Inc()

	if call, ok := frame.(ocpp.Call); ok {
		if call.Action == protocol.ActionBootNotification {
			c.promote(call.Payload)
		}
		c.reply(call)
	}

	if c.mirror != nil {
		c.mirror.MirrorFrame(c.Identity(), json.RawMessage(raw))
	}
}

// promote swaps a path-derived identity for the vendor identifier in the first
// BootNotification that carries one. It happens at most once per session.
func (c *Connection) promote(payload json.RawMessage) {
	c.mu.RLock()
	done := c.promoted
	current := c.identity
	c.mu.RUnlock()
	if done {
		return
	}

	next := ocpp.BootIdentity(payload)
	if next == "" {
		return
	}

	if next != current && !c.registry.Rebind(current, next, c) {
		c.logger.Warn("identity promotion refused, session no longer owns its entry",
			zap.String("charge_point_id", current), zap.String("requested", next))
		return
	}

	c.mu.Lock()
	c.identity = next
	c.promoted = true
	c.mu.Unlock()

	if next != current {
		c.metrics.Rebinds.Inc()
		c.logger.Info("charger identity promoted", zap.String("from", current), zap.String("charge_point_id", next))
	}
}

// reply queues the CALLRESULT. It blocks while the send buffer is full so a CALL is never
// left unanswered while the socket is alive.
func (c *Connection) reply(call ocpp.Call) {
	payload := ocpp.Respond(call.Action, c.clock())
	data, err := ocpp.EncodeCallResult(call.UniqueID, payload)
	if err != nil {
		c.logger.Error("failed to encode reply", zap.String("action", call.Action), zap.Error(err))
		return
	}

	select {
	case c.send <- data:
		c.metrics.RepliesSent.WithLabelValues(call.Action).Inc()
	case <-c.done:
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Info("write failed, closing", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if !c.IsOpen() {
				return
			}
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Info("ping failed, closing", zap.Error(err))
				_ = c.Close()
				return
			}
			if identity := c.Identity(); c.owns(identity) {
				c.report(identity, true)
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) owns(identity string) bool {
	t, ok := c.registry.Lookup(identity)
	return ok && t.ConnID() == c.id
}

func (c *Connection) cleanup() {
	_ = c.Close()
	identity := c.Identity()
	if c.registry.Remove(identity, c) {
		c.report(identity, false)
		c.logger.Info("charger disconnected", zap.String("charge_point_id", identity))
		return
	}
	c.logger.Info("superseded connection closed", zap.String("charge_point_id", identity))
}

func (c *Connection) report(identity string, connected bool) {
	if c.reporter != nil {
		c.reporter.ReportConnectivity(identity, connected, c.clock())
	}
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, ocpp.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ocpp.ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, ocpp.ErrUnknownMessageType):
		return "unknown_message_type"
	default:
		return "other"
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
