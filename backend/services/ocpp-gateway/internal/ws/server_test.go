package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evgateway/backend/services/ocpp-gateway/internal/metrics"
	"evgateway/backend/services/ocpp-gateway/internal/registry"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type report struct {
	Identity  string
	Connected bool
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *recordingReporter) ReportConnectivity(identity string, connected bool, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{Identity: identity, Connected: connected})
}

func (r *recordingReporter) all() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

func (r *recordingReporter) count(want report) int {
	n := 0
	for _, got := range r.all() {
		if got == want {
			n++
		}
	}
	return n
}

type mirrored struct {
	Identity string
	Frame    string
}

type recordingMirror struct {
	mu     sync.Mutex
	frames []mirrored
}

func (m *recordingMirror) MirrorFrame(identity string, frame json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, mirrored{Identity: identity, Frame: string(frame)})
}

func (m *recordingMirror) all() []mirrored {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mirrored(nil), m.frames...)
}

type harness struct {
	server   *Server
	registry *registry.Registry
	reporter *recordingReporter
	mirror   *recordingMirror
	metrics  *metrics.Metrics
	url      string
}

func newHarness(t *testing.T, cfg Config, opts registry.Options) *harness {
	t.Helper()
	h := &harness{
		reporter: &recordingReporter{},
		mirror:   &recordingMirror{},
		metrics:  metrics.NewNop(),
	}
	opts.Clock = func() time.Time { return fixedNow }
	h.registry = registry.New(h.reporter, opts)
	h.server = NewServer(h.registry, h.reporter, h.mirror, h.metrics, cfg, zap.NewNop())
	h.server.clock = func() time.Time { return fixedNow }

	srv := httptest.NewServer(http.HandlerFunc(h.server.HandleWS))
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	t.Cleanup(func() {
		h.registry.CloseAll()
		h.server.Wait()
		srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T, path string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second, Subprotocols: subprotocols}
	conn, _, err := dialer.Dial(h.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) waitRegistered(t *testing.T, identity string) registry.Transport {
	t.Helper()
	var transport registry.Transport
	require.Eventually(t, func() bool {
		var ok bool
		transport, ok = h.registry.Lookup(identity)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "identity %s never registered", identity)
	return transport
}

func readFrame(t *testing.T, conn *websocket.Conn) []json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame), "reply %s", data)
	return frame
}

func sendText(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestBootNotificationPromotesIdentity(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/ocpp/temp_1", "ocpp1.6")
	assert.Equal(t, "ocpp1.6", conn.Subprotocol())
	initial := h.waitRegistered(t, "temp_1")

	boot := `[2,"boot-1","BootNotification",{"chargePointVendor":"Acme","chargePointModel":"X1","chargePointSerialNumber":"ABC123"}]`
	sendText(t, conn, boot)

	frame := readFrame(t, conn)
	require.Len(t, frame, 3)
	assert.JSONEq(t, `3`, string(frame[0]))
	assert.JSONEq(t, `"boot-1"`, string(frame[1]))
	var conf struct {
		Status      string    `json:"status"`
		CurrentTime time.Time `json:"currentTime"`
		Interval    int       `json:"interval"`
	}
	require.NoError(t, json.Unmarshal(frame[2], &conf))
	assert.Equal(t, "Accepted", conf.Status)
	assert.Equal(t, 300, conf.Interval)
	assert.True(t, conf.CurrentTime.Equal(fixedNow))

	_, stillThere := h.registry.Lookup("temp_1")
	assert.False(t, stillThere)
	promoted, ok := h.registry.Lookup("ABC123")
	require.True(t, ok)
	assert.Equal(t, initial.ConnID(), promoted.ConnID())

	assert.Equal(t, []report{
		{Identity: "temp_1", Connected: true},
		{Identity: "temp_1", Connected: false},
		{Identity: "ABC123", Connected: true},
	}, h.reporter.all())

	require.Eventually(t, func() bool { return len(h.mirror.all()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, mirrored{Identity: "ABC123", Frame: boot}, h.mirror.all()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rebinds))
}

func TestSecondBootDoesNotPromoteAgain(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/ocpp/temp_1")
	h.waitRegistered(t, "temp_1")

	sendText(t, conn, `[2,"b1","BootNotification",{"chargePointVendor":"Acme","chargePointModel":"X1","chargePointSerialNumber":"ABC123"}]`)
	readFrame(t, conn)
	sendText(t, conn, `[2,"b2","BootNotification",{"chargePointVendor":"Acme","chargePointModel":"X1","chargePointSerialNumber":"XYZ999"}]`)
	readFrame(t, conn)

	_, ok := h.registry.Lookup("ABC123")
	assert.True(t, ok)
	_, ok = h.registry.Lookup("XYZ999")
	assert.False(t, ok)
}

func TestBootWithoutIdentifiersKeepsPathIdentity(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/webServices/ocpp/CP-7")
	h.waitRegistered(t, "CP-7")

	sendText(t, conn, `[2,"b1","BootNotification",{}]`)
	frame := readFrame(t, conn)
	assert.JSONEq(t, `"b1"`, string(frame[1]))

	_, ok := h.registry.Lookup("CP-7")
	assert.True(t, ok)
	assert.Equal(t, 1, h.registry.Len())
}

func TestMalformedFrameIsIsolated(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/ocpp/CP-1")
	h.waitRegistered(t, "CP-1")

	sendText(t, conn, `not json at all`)
	sendText(t, conn, `[2,"short"]`)
	sendText(t, conn, `[2,"hb-1","Heartbeat",{}]`)

	frame := readFrame(t, conn)
	assert.JSONEq(t, `"hb-1"`, string(frame[1]))
	var hb struct {
		CurrentTime time.Time `json:"currentTime"`
	}
	require.NoError(t, json.Unmarshal(frame[2], &hb))
	assert.True(t, hb.CurrentTime.Equal(fixedNow))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecodeErrors.WithLabelValues("malformed_payload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecodeErrors.WithLabelValues("malformed_frame")))
	require.Eventually(t, func() bool { return len(h.mirror.all()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestUnknownActionGetsEmptyObject(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/ocpp/CP-1")
	h.waitRegistered(t, "CP-1")

	sendText(t, conn, `[2,"v-1","VendorSpecificThing",{"a":1}]`)
	frame := readFrame(t, conn)
	assert.Equal(t, `[3,"v-1",{}]`, string(mustCompact(t, frame)))
}

func TestCallResultIsMirroredNotAnswered(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/ocpp/CP-1")
	h.waitRegistered(t, "CP-1")

	sendText(t, conn, `[3,"cmd-1",{"status":"Accepted"}]`)
	sendText(t, conn, `[2,"hb","Heartbeat",{}]`)

	frame := readFrame(t, conn)
	assert.JSONEq(t, `"hb"`, string(frame[1]), "the CALLRESULT must not be answered")
	require.Eventually(t, func() bool { return len(h.mirror.all()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, `[3,"cmd-1",{"status":"Accepted"}]`, h.mirror.all()[0].Frame)
}

func TestInvalidPathIsClosedWithReason(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/chargers/CP-1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, invalidPathReason, closeErr.Text)
	assert.Zero(t, h.registry.Len())
	assert.Empty(t, h.reporter.all())
}

func TestRejectsForeignSubprotocol(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp2.0.1"}}

	_, resp, err := dialer.Dial(h.url+"/ocpp/CP-1", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UpgradesRejected.WithLabelValues("subprotocol")))
}

func TestUpgradeRateLimit(t *testing.T) {
	h := newHarness(t, Config{UpgradeRate: 0.001, UpgradeBurst: 1}, registry.Options{})
	h.dial(t, "/ocpp/CP-1")

	_, resp, err := websocket.DefaultDialer.Dial(h.url+"/ocpp/CP-2", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCloseRemovesAndReports(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/ocpp/CP-1")
	transport := h.waitRegistered(t, "CP-1")

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return h.reporter.count(report{"CP-1", false}) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.registry.Len())
	assert.False(t, transport.IsOpen())
	assert.ErrorIs(t, transport.Send([]byte(`[]`)), ErrConnectionClosed)
}

func TestSupersededConnectionIsClosedSilently(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{CloseSuperseded: true})
	first := h.dial(t, "/ocpp/CP-1")
	firstTransport := h.waitRegistered(t, "CP-1")

	second := h.dial(t, "/ocpp/CP-1")
	require.Eventually(t, func() bool {
		current, ok := h.registry.Lookup("CP-1")
		return ok && current.ConnID() != firstTransport.ConnID()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Never(t, func() bool { return h.reporter.count(report{"CP-1", false}) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, 1, h.registry.Len())

	sendText(t, second, `[2,"hb","Heartbeat",{}]`)
	frame := readFrame(t, second)
	assert.JSONEq(t, `"hb"`, string(frame[1]))
}

func TestSupersededSessionBootDoesNotStealEntry(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	stale := h.dial(t, "/ocpp/CP-1")
	staleTransport := h.waitRegistered(t, "CP-1")

	h.dial(t, "/ocpp/CP-1")
	var live registry.Transport
	require.Eventually(t, func() bool {
		var ok bool
		live, ok = h.registry.Lookup("CP-1")
		return ok && live.ConnID() != staleTransport.ConnID()
	}, 2*time.Second, 10*time.Millisecond)

	sendText(t, stale, `[2,"b1","BootNotification",{"chargePointVendor":"Acme","chargePointModel":"X1","chargePointSerialNumber":"SN-1"}]`)
	frame := readFrame(t, stale)
	assert.JSONEq(t, `"b1"`, string(frame[1]))

	_, ok := h.registry.Lookup("SN-1")
	assert.False(t, ok)
	current, ok := h.registry.Lookup("CP-1")
	require.True(t, ok)
	assert.Equal(t, live.ConnID(), current.ConnID())
	assert.True(t, current.IsOpen())
	assert.Zero(t, testutil.ToFloat64(h.metrics.Rebinds))
	require.Eventually(t, func() bool { return len(h.mirror.all()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "CP-1", h.mirror.all()[0].Identity)
}

func TestLivenessPingReportsConnected(t *testing.T) {
	session := SessionConfig{PingInterval: 30 * time.Millisecond, PongWait: 5 * time.Second}
	h := newHarness(t, Config{Session: session}, registry.Options{})
	conn := h.dial(t, "/ocpp/CP-1")
	h.waitRegistered(t, "CP-1")

	// The default ping handler answers with a pong while the client is reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return h.reporter.count(report{"CP-1", true}) >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.reporter.count(report{"CP-1", false}))
}

func TestCommandReachesCharger(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	conn := h.dial(t, "/ocpp/CP-1")
	transport := h.waitRegistered(t, "CP-1")

	require.NoError(t, transport.Send([]byte(`[2,"cmd-1","Reset",{"type":"Soft"}]`)))
	frame := readFrame(t, conn)
	assert.JSONEq(t, `"Reset"`, string(frame[2]))
}

func TestEmptyPathSegmentGetsTemporaryIdentity(t *testing.T) {
	h := newHarness(t, Config{}, registry.Options{})
	h.dial(t, "/ocpp/")

	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	entries := h.registry.List()
	assert.True(t, strings.HasPrefix(entries[0].Identity, "temp_"), entries[0].Identity)
}

func TestIdentityFromPath(t *testing.T) {
	cases := []struct {
		path     string
		identity string
		ok       bool
	}{
		{"/ocpp/CP-1", "CP-1", true},
		{"/ocpp/CP-1/", "CP-1", true},
		{"/webServices/ocpp/CP-2", "CP-2", true},
		{"/ocpp/site/CP-3", "CP-3", true},
		{"/ocpp", "", true},
		{"/ocpp/", "", true},
		{"/ocppx/CP-1", "", false},
		{"/chargers/CP-1", "", false},
		{"/", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			identity, ok := IdentityFromPath(tc.path)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.identity, identity)
		})
	}
}

func mustCompact(t *testing.T, frame []json.RawMessage) []byte {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	return data
}
