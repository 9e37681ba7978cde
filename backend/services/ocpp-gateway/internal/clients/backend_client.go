package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"evgateway/backend/services/ocpp-gateway/internal/keyed"
	"evgateway/backend/services/ocpp-gateway/internal/metrics"
)

const (
	callConnectionStatus = "connection_status"
	callEvent            = "event"

	defaultTimeout     = 5 * time.Second
	defaultMaxInflight = 256
)

// BackendClient is the best-effort notifier towards the backend collaborator.
//
// ReportConnectivity and MirrorFrame return immediately: each call runs at most once in the
// background with a bounded timeout, and failures are only logged. Nothing is retried;
// when too many calls are already pending the new one is dropped. Calls of one kind for one
// charger are delivered in order, so a late connect cannot overwrite the disconnect after it.
type BackendClient struct {
	baseURL  string
	client   *http.Client
	timeout  time.Duration
	inflight chan struct{}
	queue    *keyed.Queue
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// ConnectionStatusRequest is the body of PATCH /api/charger/connection-status.
type ConnectionStatusRequest struct {
	ChargePointID string    `json:"chargePointId"`
	IsConnected   bool      `json:"isConnected"`
	LastSeen      time.Time `json:"lastSeen"`
}

// EventRequest is the body of POST /api/ocpp/event.
type EventRequest struct {
	ChargePointID string          `json:"chargePointId"`
	Msg           json.RawMessage `json:"msg"`
}

// NewBackendClient builds the notifier. An empty baseURL disables outbound calls.
func NewBackendClient(baseURL string, timeout time.Duration, maxInflight int, m *metrics.Metrics, logger *zap.Logger) *BackendClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxInflight <= 0 {
		maxInflight = defaultMaxInflight
	}
	return &BackendClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		timeout:  timeout,
		inflight: make(chan struct{}, maxInflight),
		queue:    keyed.New(),
		metrics:  m,
		logger:   logger,
	}
}

// ReportConnectivity implements registry.StatusReporter.
func (c *BackendClient) ReportConnectivity(identity string, connected bool, lastSeen time.Time) {
	req := ConnectionStatusRequest{
		ChargePointID: identity,
		IsConnected:   connected,
		LastSeen:      lastSeen.UTC(),
	}
	c.dispatch(callConnectionStatus, identity, func(ctx context.Context) error {
		return c.UpdateConnectionStatus(ctx, req)
	})
}

// MirrorFrame forwards one inbound frame under the charger's current identity.
func (c *BackendClient) MirrorFrame(identity string, frame json.RawMessage) {
	req := EventRequest{ChargePointID: identity, Msg: frame}
	c.dispatch(callEvent, identity, func(ctx context.Context) error {
		return c.ForwardEvent(ctx, req)
	})
}

// UpdateConnectionStatus performs the PATCH synchronously.
func (c *BackendClient) UpdateConnectionStatus(ctx context.Context, req ConnectionStatusRequest) error {
	return c.do(ctx, http.MethodPatch, "/api/charger/connection-status", req)
}

// ForwardEvent performs the POST synchronously.
func (c *BackendClient) ForwardEvent(ctx context.Context, req EventRequest) error {
	return c.do(ctx, http.MethodPost, "/api/ocpp/event", req)
}

// Wait blocks until background calls finish or ctx is done.
func (c *BackendClient) Wait(ctx context.Context) error {
	return c.queue.Wait(ctx)
}

func (c *BackendClient) dispatch(call, identity string, fn func(ctx context.Context) error) {
	if c.baseURL == "" {
		c.logger.Debug("backend client disabled, skipping notification", zap.String("call", call))
		return
	}

	select {
	case c.inflight <- struct{}{}:
	default:
		c.metrics.Notifications.WithLabelValues(call, "dropped").Inc()
		c.logger.Warn("backend notification dropped, too many in flight",
			zap.String("call", call), zap.String("charge_point_id", identity))
		return
	}

	c.queue.Go(call+"/"+identity, func() {
		defer func() { <-c.inflight }()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			c.metrics.Notifications.WithLabelValues(call, "error").Inc()
			c.logger.Warn("backend notification failed",
				zap.String("call", call), zap.String("charge_point_id", identity), zap.Error(err))
			return
		}
		c.metrics.Notifications.WithLabelValues(call, "ok").Inc()
	})
}

func (c *BackendClient) do(ctx context.Context, method, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s%s", c.baseURL, path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend %s %s returned status %d", method, path, resp.StatusCode)
	}
	return nil
}
