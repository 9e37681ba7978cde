package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"evgateway/backend/services/ocpp-gateway/internal/http/handlers"
	"evgateway/backend/services/ocpp-gateway/internal/http/middleware"
	"evgateway/backend/services/ocpp-gateway/internal/ws"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	ChargersHandlers *handlers.ChargersHandlers
	HealthHandler    http.HandlerFunc
	OCPPHandler      http.HandlerFunc
	MetricsHandler   http.Handler
	AllowedOrigins   []string
}

// NewRouter wires HTTP and WebSocket routes on one listener.
func NewRouter(deps RouterDeps, authMiddleware func(http.Handler) http.Handler, logger *zap.Logger) http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	router.Get("/health", deps.HealthHandler)

	router.Route("/api/ocpp", func(r chi.Router) {
		r.Get("/chargers", deps.ChargersHandlers.List)
		r.With(authMiddleware).Post("/send", deps.ChargersHandlers.Send)
	})

	if deps.MetricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	for _, prefix := range ws.PathPrefixes {
		router.Get(prefix, deps.OCPPHandler)
		router.Get(prefix+"/*", deps.OCPPHandler)
	}

	// Upgrades on other paths still reach the OCPP handler so the charger is told why it
	// is being refused.
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			deps.OCPPHandler(w, r)
			return
		}
		handlers.NotFound(w, r)
	})

	return router
}
