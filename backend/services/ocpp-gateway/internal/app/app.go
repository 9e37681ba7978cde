package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "evgateway/backend/libs/redis"
	"evgateway/backend/services/ocpp-gateway/internal/auth"
	"evgateway/backend/services/ocpp-gateway/internal/clients"
	"evgateway/backend/services/ocpp-gateway/internal/config"
	httpserver "evgateway/backend/services/ocpp-gateway/internal/http"
	"evgateway/backend/services/ocpp-gateway/internal/http/handlers"
	"evgateway/backend/services/ocpp-gateway/internal/http/middleware"
	"evgateway/backend/services/ocpp-gateway/internal/metrics"
	"evgateway/backend/services/ocpp-gateway/internal/presence"
	"evgateway/backend/services/ocpp-gateway/internal/registry"
	"evgateway/backend/services/ocpp-gateway/internal/ws"
)

const drainTimeout = 10 * time.Second

// App wires all dependencies for the OCPP gateway.
type App struct {
	server   *httpserver.Server
	registry *registry.Registry
	sessions *ws.Server
	notifier *clients.BackendClient
	presence *presence.Store
	redis    *goredis.Client
	logger   *zap.Logger
}

// New builds the application graph. Redis is only dialled when an address is configured.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	promRegistry := metrics.NewRegistry()
	m := metrics.New(promRegistry)

	gatewayID := cfg.GatewayID
	if gatewayID == "" {
		gatewayID = uuid.NewString()
	}
	logger = logger.With(zap.String("gateway_id", gatewayID))

	notifier := clients.NewBackendClient(cfg.Backend.URL, cfg.BackendTimeout(), cfg.Backend.MaxInflight, m, logger)
	reporters := registry.Reporters{notifier}

	var redisClient *goredis.Client
	var presenceStore *presence.Store
	redisOpts := libredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	if redisOpts.Enabled() {
		client, err := libredis.Connect(ctx, redisOpts)
		if err != nil {
			return nil, err
		}
		redisClient = client
		presenceStore = presence.NewStore(client, gatewayID, cfg.PresenceTTL(), logger)
		reporters = append(reporters, presenceStore)
		logger.Info("presence cache enabled", zap.String("redis_addr", cfg.Redis.Addr))
	}

	reg := registry.New(reporters, registry.Options{
		CloseSuperseded: cfg.WebSocket.CloseSuperseded,
		OnChange: func(count int) {
			m.ConnectedChargers.Set(float64(count))
		},
	})

	wsServer := ws.NewServer(reg, reporters, notifier, m, ws.Config{
		Session: ws.SessionConfig{
			PingInterval: cfg.PingInterval(),
			WriteTimeout: cfg.WriteTimeout(),
		},
		UpgradeRate:  cfg.WebSocket.UpgradeRate,
		UpgradeBurst: cfg.WebSocket.UpgradeBurst,
	}, logger)

	tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.TokenTTL())

	router := httpserver.NewRouter(httpserver.RouterDeps{
		ChargersHandlers: handlers.NewChargersHandlers(reg, m, logger),
		HealthHandler:    handlers.NewHealthHandler(),
		OCPPHandler:      wsServer.HandleWS,
		MetricsHandler:   metrics.Handler(promRegistry),
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
	}, middleware.AuthMiddleware(tokens, logger), logger)

	return &App{
		server:   httpserver.NewServer(cfg.HTTPAddress(), router, logger),
		registry: reg,
		sessions: wsServer,
		notifier: notifier,
		presence: presenceStore,
		redis:    redisClient,
		logger:   logger,
	}, nil
}

// Run serves until ctx is cancelled, then closes every charger connection and waits for
// pending disconnect notifications and presence writes.
func (a *App) Run(ctx context.Context) error {
	err := a.server.Run(ctx)
	a.drain()
	return err
}

func (a *App) drain() {
	a.logger.Info("closing charger connections", zap.Int("count", a.registry.Len()))
	a.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		a.sessions.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("sessions still running after drain timeout")
	}
	if err := a.notifier.Wait(ctx); err != nil {
		a.logger.Warn("backend notifications still in flight", zap.Error(err))
	}
	if a.presence != nil {
		if err := a.presence.Wait(ctx); err != nil {
			a.logger.Warn("presence writes still in flight", zap.Error(err))
		}
	}
}

// Close releases resources. Call it after Run has returned.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
