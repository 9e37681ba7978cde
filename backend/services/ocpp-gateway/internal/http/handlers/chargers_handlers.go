package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"evgateway/backend/services/ocpp-gateway/internal/http/middleware"
	"evgateway/backend/services/ocpp-gateway/internal/metrics"
	"evgateway/backend/services/ocpp-gateway/internal/registry"
	"evgateway/backend/services/ocpp-gateway/internal/ws"
)

const maxCommandBody = 1 << 20

// Directory is the read side of the connection registry.
type Directory interface {
	Lookup(identity string) (registry.Transport, bool)
	List() []registry.Entry
}

// ChargersHandlers serves the charger inventory and command dispatch.
type ChargersHandlers struct {
	directory Directory
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewChargersHandlers returns handler.
func NewChargersHandlers(directory Directory, m *metrics.Metrics, logger *zap.Logger) *ChargersHandlers {
	return &ChargersHandlers{directory: directory, metrics: m, logger: logger}
}

type chargerView struct {
	ChargePointID string `json:"chargePointId"`
	IsConnected   bool   `json:"isConnected"`
}

type sendRequest struct {
	ChargePointID string          `json:"chargePointId"`
	Command       json.RawMessage `json:"command"`
}

// List handles GET /api/ocpp/chargers.
func (h *ChargersHandlers) List(w http.ResponseWriter, r *http.Request) {
	entries := h.directory.List()
	views := make([]chargerView, 0, len(entries))
	for _, e := range entries {
		views = append(views, chargerView{ChargePointID: e.Identity, IsConnected: e.Connected})
	}
	writeJSON(w, http.StatusOK, views)
}

// Send handles POST /api/ocpp/send. The command is written to the charger verbatim and no
// reply is awaited.
func (h *ChargersHandlers) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		h.metrics.Commands.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ChargePointID = strings.TrimSpace(req.ChargePointID)
	if req.ChargePointID == "" || len(req.Command) == 0 || bytes.Equal(req.Command, []byte("null")) {
		h.metrics.Commands.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "chargePointId and command are required")
		return
	}

	transport, ok := h.directory.Lookup(req.ChargePointID)
	if !ok || !transport.IsOpen() {
		h.notConnected(w, req.ChargePointID)
		return
	}

	var msg bytes.Buffer
	if err := json.Compact(&msg, req.Command); err != nil {
		h.metrics.Commands.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid command")
		return
	}

	if err := transport.Send(msg.Bytes()); err != nil {
		switch {
		case errors.Is(err, ws.ErrConnectionClosed):
			h.notConnected(w, req.ChargePointID)
		case errors.Is(err, ws.ErrSendBufferFull):
			h.metrics.Commands.WithLabelValues("busy").Inc()
			h.logger.Warn("command rejected, send buffer full", zap.String("charge_point_id", req.ChargePointID))
			writeError(w, http.StatusServiceUnavailable, "Charger busy")
		default:
			h.metrics.Commands.WithLabelValues("error").Inc()
			h.logger.Error("command send failed", zap.String("charge_point_id", req.ChargePointID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "send failed")
		}
		return
	}

	h.metrics.Commands.WithLabelValues("sent").Inc()
	h.logger.Info("command sent", zap.String("charge_point_id", req.ChargePointID), zap.String("caller", caller(r)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func caller(r *http.Request) string {
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok && claims.Service != "" {
		return claims.Service
	}
	return "unknown"
}

func (h *ChargersHandlers) notConnected(w http.ResponseWriter, identity string) {
	h.metrics.Commands.WithLabelValues("not_connected").Inc()
	h.logger.Info("command for unreachable charger", zap.String("charge_point_id", identity))
	writeError(w, http.StatusNotFound, "Charger not connected")
}
