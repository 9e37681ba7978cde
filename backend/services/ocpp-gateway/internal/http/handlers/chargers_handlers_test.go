package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"evgateway/backend/services/ocpp-gateway/internal/auth"
	"evgateway/backend/services/ocpp-gateway/internal/http/middleware"
	"evgateway/backend/services/ocpp-gateway/internal/metrics"
	"evgateway/backend/services/ocpp-gateway/internal/registry"
	"evgateway/backend/services/ocpp-gateway/internal/ws"
)

type stubTransport struct {
	id      string
	closed  atomic.Bool
	sendErr error
	mu      sync.Mutex
	sent    [][]byte
}

func (s *stubTransport) ConnID() string { return s.id }

func (s *stubTransport) IsOpen() bool { return !s.closed.Load() }

func (s *stubTransport) Send(msg []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubTransport) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *stubTransport) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, string(m))
	}
	return out
}

func newHandlers(t *testing.T, transports map[string]*stubTransport) (*ChargersHandlers, *metrics.Metrics) {
	t.Helper()
	reg := registry.New(nil, registry.Options{})
	for id, tr := range transports {
		reg.Register(id, tr)
	}
	m := metrics.NewNop()
	return NewChargersHandlers(reg, m, zap.NewNop()), m
}

func postSend(h *ChargersHandlers, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/ocpp/send", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Send(rec, req)
	return rec
}

func TestListReportsLiveness(t *testing.T) {
	closed := &stubTransport{id: "c2"}
	closed.closed.Store(true)
	h, _ := newHandlers(t, map[string]*stubTransport{
		"CP-B": {id: "c1"},
		"CP-A": closed,
	})

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/ocpp/chargers", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"chargePointId":"CP-A","isConnected":false},{"chargePointId":"CP-B","isConnected":true}]`, rec.Body.String())
}

func TestListEmptyIsArray(t *testing.T) {
	h, _ := newHandlers(t, nil)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/ocpp/chargers", nil))

	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSendWritesCommandVerbatim(t *testing.T) {
	tr := &stubTransport{id: "c1"}
	h, m := newHandlers(t, map[string]*stubTransport{"CP-1": tr})

	rec := postSend(h, `{"chargePointId":"CP-1","command":[2, "r-1", "Reset", {"type": "Soft"}]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"sent"}`, rec.Body.String())
	assert.Equal(t, []string{`[2,"r-1","Reset",{"type":"Soft"}]`}, tr.messages())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("sent")))
}

func TestSendLogsCallingService(t *testing.T) {
	tr := &stubTransport{id: "c1"}
	reg := registry.New(nil, registry.Options{})
	reg.Register("CP-1", tr)
	core, logs := observer.New(zap.InfoLevel)
	h := NewChargersHandlers(reg, metrics.NewNop(), zap.New(core))

	tokens := auth.NewTokenService("secret", time.Minute)
	token, err := tokens.GenerateToken("billing")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/ocpp/send", strings.NewReader(`{"chargePointId":"CP-1","command":[2,"c1","Reset",{}]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	middleware.AuthMiddleware(tokens, zap.NewNop())(http.HandlerFunc(h.Send)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	entries := logs.FilterMessage("command sent").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "billing", entries[0].ContextMap()["caller"])
	assert.Equal(t, "CP-1", entries[0].ContextMap()["charge_point_id"])
}

func TestSendNotConnected(t *testing.T) {
	closed := &stubTransport{id: "c2"}
	closed.closed.Store(true)
	gone := &stubTransport{id: "c3", sendErr: ws.ErrConnectionClosed}
	h, _ := newHandlers(t, map[string]*stubTransport{"CP-CLOSED": closed, "CP-GONE": gone})

	for _, id := range []string{"CP-MISSING", "CP-CLOSED", "CP-GONE"} {
		t.Run(id, func(t *testing.T) {
			rec := postSend(h, `{"chargePointId":"`+id+`","command":{"a":1}}`)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.JSONEq(t, `{"error":"Charger not connected"}`, rec.Body.String())
		})
	}
	assert.Empty(t, closed.messages())
}

func TestSendBusy(t *testing.T) {
	tr := &stubTransport{id: "c1", sendErr: ws.ErrSendBufferFull}
	h, _ := newHandlers(t, map[string]*stubTransport{"CP-1": tr})

	rec := postSend(h, `{"chargePointId":"CP-1","command":{"a":1}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Charger busy"}`, rec.Body.String())
}

func TestSendBadRequest(t *testing.T) {
	h, m := newHandlers(t, map[string]*stubTransport{"CP-1": {id: "c1"}})

	for name, body := range map[string]string{
		"not json":        `{`,
		"missing id":      `{"command":{"a":1}}`,
		"blank id":        `{"chargePointId":"  ","command":{"a":1}}`,
		"missing command": `{"chargePointId":"CP-1"}`,
		"null command":    `{"chargePointId":"CP-1","command":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := postSend(h, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Commands.WithLabelValues("bad_request")))
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
