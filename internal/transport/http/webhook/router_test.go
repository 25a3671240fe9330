package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/thomasdunn15/trading-bot/internal/config"
	"github.com/thomasdunn15/trading-bot/internal/feed"
	"github.com/thomasdunn15/trading-bot/internal/signal"
	"github.com/thomasdunn15/trading-bot/internal/trader"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) SubmitCommand(ctx context.Context, cmd signal.Command) error {
	return m.Called(ctx, cmd).Error(0)
}

func (m *MockEngine) ResolvePosition(ctx context.Context, instrument, note string) error {
	return m.Called(ctx, instrument, note).Error(0)
}

func (m *MockEngine) Positions() []types.PositionView {
	return m.Called().Get(0).([]types.PositionView)
}

func (m *MockEngine) RecentEvents(limit int) ([]trader.EventEnvelope, error) {
	args := m.Called(limit)
	return args.Get(0).([]trader.EventEnvelope), args.Error(1)
}

func (m *MockEngine) PositionView(string) (types.PositionView, bool) {
	return types.PositionView{}, false
}

type stubFeed struct{ state feed.State }

func (s stubFeed) Status() feed.Status { return feed.Status{State: s.state} }

type gate bool

func (g gate) Contains(time.Time) bool { return bool(g) }

func newTestServer(t *testing.T, engine *MockEngine, mutate func(*ServerConfig)) http.Handler {
	t.Helper()
	set, err := config.NewInstrumentSet(config.Instrument{Root: "MNQ", TickSize: 0.25, Continuous: []string{"MNQ1!"}})
	require.NoError(t, err)
	interp := signal.NewInterpreter(signal.Options{
		MaxSignalAge:         30 * time.Second,
		VolatilityMultiplier: 0.5,
		ReversalSentinelQty:  8,
		ReversalEntryQty:     4,
	}, signal.NewContractResolver(set, "MNQZ5"), engine, signal.NewRegistry(1500*time.Millisecond, true))
	cfg := ServerConfig{Engine: engine, Interpreter: interp, Feed: stubFeed{state: feed.StateLive}, Secret: "s3cret"}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv.Handler()
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", "s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func entryAlert(ts time.Time) string {
	return fmt.Sprintf(`{"ticker":"MNQZ5","action":"buy","price":21000.00,"qty":2,"comment":"entry|atr=4.0","time":%d}`, ts.UnixMilli())
}

func TestWebhookAcceptsEntry(t *testing.T) {
	engine := &MockEngine{}
	engine.On("SubmitCommand", mock.Anything, mock.MatchedBy(func(cmd signal.Command) bool {
		return cmd.Kind == signal.KindOpenEntry && cmd.Instrument == "MNQZ5" && cmd.Qty == 2 && cmd.TriggerOffset == 2.0
	})).Return(nil).Once()
	h := newTestServer(t, engine, nil)

	w := post(h, "/webhook", entryAlert(time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "accepted", body["status"])
	cmd := body["command"].(map[string]any)
	assert.Equal(t, "OPEN_ENTRY", cmd["kind"])
	engine.AssertExpectations(t)
}

func TestWebhookRejectsStaleAndDuplicate(t *testing.T) {
	engine := &MockEngine{}
	engine.On("SubmitCommand", mock.Anything, mock.Anything).Return(nil).Once()
	h := newTestServer(t, engine, nil)

	w := post(h, "/webhook", entryAlert(time.Now().Add(-time.Minute)))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "Stale", body["reason"])

	ts := time.Now()
	require.Equal(t, "accepted", decode(t, post(h, "/webhook", entryAlert(ts)))["status"])
	body = decode(t, post(h, "/webhook", entryAlert(ts)))
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "Duplicate", body["reason"])
	engine.AssertNumberOfCalls(t, "SubmitCommand", 1)
}

func TestWebhookUnparseableIs400(t *testing.T) {
	engine := &MockEngine{}
	h := newTestServer(t, engine, nil)

	for _, raw := range []string{`not an alert`, `{"ticker":"MNQZ5","action":"hold","price":1,"qty":1,"time":1}`} {
		w := post(h, "/webhook", raw)
		assert.Equal(t, http.StatusBadRequest, w.Code, raw)
		body := decode(t, w)
		assert.Equal(t, "rejected", body["status"])
		assert.Equal(t, "SchemaInvalid", body["reason"])
	}
	engine.AssertNotCalled(t, "SubmitCommand", mock.Anything, mock.Anything)
}

func TestWebhookAnomalyIsIgnored(t *testing.T) {
	engine := &MockEngine{}
	engine.On("SubmitCommand", mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: MNQZ5 close with no position", trader.ErrInconsistentState)).Once()
	h := newTestServer(t, engine, nil)

	alert := fmt.Sprintf(`{"ticker":"MNQZ5","action":"sell","price":21000,"qty":2,"comment":"exit","time":%d}`, time.Now().UnixMilli())
	w := post(h, "/webhook", alert)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode(t, w)["status"])
}

func TestWebhookStoppedEngineIs503(t *testing.T) {
	engine := &MockEngine{}
	engine.On("SubmitCommand", mock.Anything, mock.Anything).Return(trader.ErrStopped).Once()
	h := newTestServer(t, engine, nil)
	w := post(h, "/webhook", entryAlert(time.Now()))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookSkippedDuringMaintenance(t *testing.T) {
	engine := &MockEngine{}
	h := newTestServer(t, engine, func(cfg *ServerConfig) { cfg.Maintenance = gate(true) })
	w := post(h, "/webhook", entryAlert(time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, "maintenance_window", body["reason"])
	engine.AssertNotCalled(t, "SubmitCommand", mock.Anything, mock.Anything)
}

func TestSecretRequired(t *testing.T) {
	engine := &MockEngine{}
	h := newTestServer(t, engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(entryAlert(time.Now())))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	engine.On("Positions").Return([]types.PositionView{}).Once()
	req = httptest.NewRequest(http.MethodGet, "/api/positions?secret=s3cret", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthzReportsFeedState(t *testing.T) {
	h := newTestServer(t, &MockEngine{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "LIVE", body["feed"])

	h = newTestServer(t, &MockEngine{}, func(cfg *ServerConfig) { cfg.Feed = nil })
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "disabled", decode(t, w)["feed"])
}

func TestResolveEndpoint(t *testing.T) {
	engine := &MockEngine{}
	engine.On("ResolvePosition", mock.Anything, "MNQZ5", "flattened at broker").Return(nil).Once()
	engine.On("ResolvePosition", mock.Anything, "MESZ5", mock.Anything).
		Return(fmt.Errorf("%w: MESZ5 resolve with no position", trader.ErrInconsistentState)).Once()
	h := newTestServer(t, engine, nil)

	w := post(h, "/api/positions/mnqz5/resolve", `{"note":"flattened at broker"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "resolved", decode(t, w)["status"])

	w = post(h, "/api/positions/MESZ5/resolve", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	engine.AssertExpectations(t)
}

func TestEventsEndpoint(t *testing.T) {
	engine := &MockEngine{}
	engine.On("RecentEvents", 5).Return([]trader.EventEnvelope{{ID: "e1", Type: trader.EvtCommand, Instrument: "MNQZ5"}}, nil).Once()
	h := newTestServer(t, engine, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=5", nil)
	req.Header.Set("X-Webhook-Secret", "s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].(map[string]any)["id"])
}
