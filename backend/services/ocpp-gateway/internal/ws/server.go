package ws

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"evgateway/backend/services/ocpp-gateway/internal/metrics"
	"evgateway/backend/services/ocpp-gateway/internal/ocpp/protocol"
	"evgateway/backend/services/ocpp-gateway/internal/registry"
)

// PathPrefixes are the accepted WebSocket mount points. The identity is the last path segment.
var PathPrefixes = []string{"/ocpp", "/webServices/ocpp"}

const invalidPathReason = "Invalid OCPP path, expected /ocpp/{chargePointId}"

// Config controls upgrades and the sessions they start.
type Config struct {
	Session      SessionConfig
	UpgradeRate  float64
	UpgradeBurst int
}

// Server upgrades HTTP connections to WebSockets for OCPP.
type Server struct {
	registry *registry.Registry
	reporter registry.StatusReporter
	mirror   FrameMirror
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	cfg      Config
	clock    func() time.Time
	logger   *zap.Logger
	upgrader websocket.Upgrader
	sessions sync.WaitGroup
}

// NewServer builds ws server. A non-positive UpgradeRate disables rate limiting.
func NewServer(reg *registry.Registry, reporter registry.StatusReporter, mirror FrameMirror, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Server {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.UpgradeRate > 0 {
		burst := cfg.UpgradeBurst
		if burst <= 0 {
			burst = int(cfg.UpgradeRate)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.UpgradeRate), burst)
	}
	return &Server{
		registry: reg,
		reporter: reporter,
		mirror:   mirror,
		metrics:  m,
		limiter:  limiter,
		cfg:      cfg,
		clock:    time.Now,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{protocol.Subprotocol16},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is the HTTP handler for the OCPP WebSocket endpoints.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.metrics.UpgradesRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if offered := websocket.Subprotocols(r); len(offered) > 0 && !contains(offered, protocol.Subprotocol16) {
		s.metrics.UpgradesRejected.WithLabelValues("subprotocol").Inc()
		s.logger.Warn("rejecting upgrade without ocpp1.6 subprotocol", zap.Strings("offered", offered))
		http.Error(w, fmt.Sprintf("unsupported subprotocol, expected %s", protocol.Subprotocol16), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	identity, ok := IdentityFromPath(r.URL.Path)
	if !ok {
		s.metrics.UpgradesRejected.WithLabelValues("invalid_path").Inc()
		s.logger.Warn("closing connection on unknown path", zap.String("path", r.URL.Path))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, invalidPathReason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	if identity == "" {
		identity = fmt.Sprintf("temp_%d", s.clock().UnixNano())
	}

	connection := NewConnection(uuid.NewString(), identity, conn, s.cfg.Session, s.registry, s.reporter, s.mirror, s.metrics, s.clock, s.logger)

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		connection.Start()
	}()
}

// Wait blocks until every session started by HandleWS has finished its cleanup.
func (s *Server) Wait() {
	s.sessions.Wait()
}

// IdentityFromPath reports whether path is under an accepted prefix and returns the identity
// it names. The identity is empty when the path stops at the prefix.
func IdentityFromPath(path string) (string, bool) {
	for _, prefix := range PathPrefixes {
		if path != prefix && !strings.HasPrefix(path, prefix+"/") {
			continue
		}
		rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
		if i := strings.LastIndex(rest, "/"); i >= 0 {
			rest = rest[i+1:]
		}
		return rest, true
	}
	return "", false
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == want {
			return true
		}
	}
	return false
}
