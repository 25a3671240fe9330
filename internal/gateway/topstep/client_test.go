package topstep

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/thomasdunn15/trading-bot/internal/config"
	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

type fakeBroker struct {
	mu       sync.Mutex
	logins   int
	expired  bool
	placed   []map[string]any
	cancels  []int64
	delay    time.Duration
	rejectOn string
}

func (f *fakeBroker) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			expired := f.expired
			f.mu.Unlock()
			if expired || r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/Auth/loginKey", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "trader", body["userName"])
		f.mu.Lock()
		f.logins++
		f.expired = false
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"token":"tok","success":true,"errorCode":0}`))
	})
	mux.HandleFunc("/api/Account/search", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accounts":[{"id":77,"name":"PRAC-1"},{"id":78,"name":"PRAC-2"}],"success":true}`))
	}))
	mux.HandleFunc("/api/Contract/search", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"contracts":[{"id":"CON.F.US.MES.Z25","name":"MESZ5"},{"id":"CON.F.US.MNQ.Z25","name":"MNQZ5"}],"success":true}`))
	}))
	mux.HandleFunc("/api/Order/place", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		delay := f.delay
		f.mu.Unlock()
		time.Sleep(delay)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.placed = append(f.placed, body)
		f.mu.Unlock()
		if f.rejectOn == "place" {
			_, _ = w.Write([]byte(`{"orderId":null,"success":false,"errorCode":2,"errorMessage":"Insufficient margin"}`))
			return
		}
		_, _ = w.Write([]byte(`{"orderId":1001,"success":true,"errorCode":0}`))
	}))
	mux.HandleFunc("/api/Order/cancel", auth(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.cancels = append(f.cancels, body["orderId"])
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	mux.HandleFunc("/api/Position/searchOpen", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"positions":[{"contractId":"CON.F.US.MNQ.Z25","type":2,"size":3},{"contractId":"CON.F.US.MES.Z25","netQty":1}],"success":true}`))
	}))
	return mux
}

func newTestClient(t *testing.T, f *fakeBroker) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(config.GatewayConfig{APIURL: srv.URL, TimeoutSeconds: 5}, config.CredentialsConfig{Username: "trader", APIKey: "key"})
	require.NoError(t, err)
	_, err = c.Login(context.Background())
	require.NoError(t, err)
	return c
}

func TestSubmitLimitOrder(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)
	gw := NewGateway(c, config.GatewayConfig{PollIntervalMs: 100, BreakerThreshold: 3})

	id, err := gw.SubmitOrder(context.Background(), exchange.OrderRequest{
		Tag:        "entry-1",
		Instrument: "MNQZ5",
		Purpose:    exchange.PurposeEntry,
		Side:       types.SideSell,
		Type:       exchange.OrderLimit,
		Qty:        2,
		Price:      21000.25,
		TickSize:   0.25,
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", id)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.placed, 1)
	body := f.placed[0]
	assert.EqualValues(t, 77, body["accountId"])
	assert.Equal(t, "CON.F.US.MNQ.Z25", body["contractId"])
	assert.EqualValues(t, typeLimit, body["type"])
	assert.EqualValues(t, sideAsk, body["side"])
	assert.EqualValues(t, 2, body["size"])
	assert.EqualValues(t, 21000.25, body["limitPrice"])
	assert.NotContains(t, body, "stopPrice")
}

func TestConfiguredAccountSkipsSearch(t *testing.T) {
	f := &fakeBroker{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	c, err := NewClient(config.GatewayConfig{APIURL: srv.URL}, config.CredentialsConfig{Username: "trader", APIKey: "key", AccountID: 555})
	require.NoError(t, err)
	id, err := c.AccountID(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 555, id)
}

func TestBuildPlaceRequestPerType(t *testing.T) {
	stop, err := buildPlaceRequest(1, "C", exchange.OrderRequest{Type: exchange.OrderStop, Side: types.SideBuy, Qty: 1, StopPrice: 20990})
	require.NoError(t, err)
	assert.Equal(t, typeStop, stop.Type)
	require.NotNil(t, stop.StopPrice)
	assert.Equal(t, 20990.0, *stop.StopPrice)
	assert.Nil(t, stop.LimitPrice)

	trail, err := buildPlaceRequest(1, "C", exchange.OrderRequest{Type: exchange.OrderTrailingStop, Side: types.SideSell, Qty: 1, TrailPrice: 21000.5})
	require.NoError(t, err)
	assert.Equal(t, typeTrailingStop, trail.Type)
	assert.Equal(t, sideAsk, trail.Side)
	require.NotNil(t, trail.TrailPrice)

	mkt, err := buildPlaceRequest(1, "C", exchange.OrderRequest{Type: exchange.OrderMarket, Side: types.SideBuy, Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, typeMarket, mkt.Type)
	assert.Equal(t, sideBid, mkt.Side)

	_, err = buildPlaceRequest(1, "C", exchange.OrderRequest{Type: exchange.OrderMarket, Qty: 0})
	assert.Error(t, err)
}

func TestSubmitRejectedByBroker(t *testing.T) {
	f := &fakeBroker{rejectOn: "place"}
	c := newTestClient(t, f)
	gw := NewGateway(c, config.GatewayConfig{})
	_, err := gw.SubmitOrder(context.Background(), exchange.OrderRequest{
		Instrument: "MNQZ5", Side: types.SideBuy, Type: exchange.OrderMarket, Qty: 1,
	})
	require.ErrorIs(t, err, exchange.ErrRejected)
	assert.Contains(t, err.Error(), "Insufficient margin")
}

func TestSubmitTimeoutMapsToErrTimeout(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)
	_, err := c.ContractID(context.Background(), "MNQZ5")
	require.NoError(t, err)
	f.mu.Lock()
	f.delay = 200 * time.Millisecond
	f.mu.Unlock()
	c.SetHTTPClient(&http.Client{Timeout: 20 * time.Millisecond})

	gw := NewGateway(c, config.GatewayConfig{})
	_, err = gw.SubmitOrder(context.Background(), exchange.OrderRequest{
		Instrument: "MNQZ5", Side: types.SideBuy, Type: exchange.OrderLimit, Qty: 1, Price: 21000,
	})
	require.ErrorIs(t, err, exchange.ErrTimeout)
}

func TestUnauthorizedTriggersRelogin(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)
	f.mu.Lock()
	f.expired = true
	f.mu.Unlock()

	_, err := c.AccountID(context.Background())
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.logins)
}

func TestContractIDPrefixMatchAndCache(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)
	id, err := c.ContractID(context.Background(), "mnqz5")
	require.NoError(t, err)
	assert.Equal(t, "CON.F.US.MNQ.Z25", id)

	_, err = c.ContractID(context.Background(), "ESZ5")
	assert.Error(t, err)
}

func TestCancelOrderReportsCancelled(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)
	gw := NewGateway(c, config.GatewayConfig{})
	req := exchange.OrderRequest{Tag: "static_stop-1", Instrument: "MNQZ5", Purpose: exchange.PurposeStaticStop}
	gw.Track("42", req)

	require.NoError(t, gw.CancelOrder(context.Background(), "MNQZ5", "42"))
	select {
	case upd := <-gw.Updates():
		assert.Equal(t, exchange.StatusCancelled, upd.Status)
		assert.Equal(t, "static_stop-1", upd.Tag)
		assert.Equal(t, "42", upd.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no cancel update")
	}
	f.mu.Lock()
	assert.Equal(t, []int64{42}, f.cancels)
	f.mu.Unlock()

	assert.ErrorIs(t, gw.CancelOrder(context.Background(), "MNQZ5", "abc"), exchange.ErrRejected)
}

func TestNetPositions(t *testing.T) {
	f := &fakeBroker{}
	c := newTestClient(t, f)
	net, err := c.NetPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -3, net["CON.F.US.MNQ.Z25"])
	assert.Equal(t, 1, net["CON.F.US.MES.Z25"])
}

func TestNetQtyLayouts(t *testing.T) {
	cases := map[string]int{
		`{"net":-2}`:                 -2,
		`{"quantityNet":4}`:          4,
		`{"size":2,"type":1}`:        2,
		`{"size":2,"type":2}`:        -2,
		`{"longQty":3,"shortQty":5}`: -2,
		`{"contractId":"x"}`:         0,
	}
	for raw, want := range cases {
		assert.Equal(t, want, netQty(gjson.Parse(raw)), raw)
	}
}
