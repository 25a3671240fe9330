// Package topstep adapts the TopstepX REST API to the exchange.Gateway port.
package topstep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/thomasdunn15/trading-bot/internal/config"
	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/logger"
)

// Broker order type codes.
const (
	typeLimit        = 1
	typeMarket       = 2
	typeStop         = 4
	typeTrailingStop = 5
)

// Broker side codes.
const (
	sideBid = 0
	sideAsk = 1
)

const loginPath = "/api/Auth/loginKey"

// Client wraps the TopstepX REST endpoints the engine needs. The session
// token is shared with the market hub.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	username   string
	apiKey     string

	mu        sync.RWMutex
	token     string
	accountID int64
	contracts map[string]string
}

func NewClient(cfg config.GatewayConfig, creds config.CredentialsConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("gateway.api_url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gateway.api_url: %w", err)
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(limit, burst),
		username:   strings.TrimSpace(creds.Username),
		apiKey:     strings.TrimSpace(creds.APIKey),
		accountID:  creds.AccountID,
		contracts:  make(map[string]string),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges the API key for a session token and keeps it for later
// requests.
func (c *Client) Login(ctx context.Context) (string, error) {
	if c.username == "" || c.apiKey == "" {
		return "", fmt.Errorf("topstep credentials are not configured")
	}
	var resp struct {
		Token string `json:"token"`
	}
	payload := map[string]string{"userName": c.username, "apiKey": c.apiKey}
	if err := c.doRequest(ctx, http.MethodPost, loginPath, payload, &resp); err != nil {
		return "", fmt.Errorf("topstep login: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("topstep login: empty token")
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	logger.Infof("Topstep: authenticated as %s", c.username)
	return resp.Token, nil
}

// Account is one trading account.
type Account struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// AccountID returns the configured account, or the first active one.
func (c *Client) AccountID(ctx context.Context) (int64, error) {
	c.mu.RLock()
	id := c.accountID
	c.mu.RUnlock()
	if id != 0 {
		return id, nil
	}
	var resp struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/Account/search", map[string]bool{"onlyActiveAccounts": true}, &resp); err != nil {
		return 0, fmt.Errorf("search accounts: %w", err)
	}
	if len(resp.Accounts) == 0 {
		return 0, fmt.Errorf("no active accounts")
	}
	acct := resp.Accounts[0]
	c.mu.Lock()
	c.accountID = acct.ID
	c.mu.Unlock()
	logger.Infof("Topstep: using account %s (id=%d)", acct.Name, acct.ID)
	return acct.ID, nil
}

// ContractID resolves a contract symbol such as MNQZ5 to the broker id,
// matching by name prefix. Results are cached for the process lifetime.
func (c *Client) ContractID(ctx context.Context, symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	c.mu.RLock()
	cached, ok := c.contracts[sym]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	var resp struct {
		Contracts []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"contracts"`
	}
	payload := map[string]any{"searchText": sym, "live": false}
	if err := c.doRequest(ctx, http.MethodPost, "/api/Contract/search", payload, &resp); err != nil {
		return "", fmt.Errorf("search contract %s: %w", sym, err)
	}
	for _, ct := range resp.Contracts {
		if strings.HasPrefix(strings.ToUpper(ct.Name), sym) {
			c.mu.Lock()
			c.contracts[sym] = ct.ID
			c.mu.Unlock()
			logger.Infof("Topstep: contract %s -> %s", ct.Name, ct.ID)
			return ct.ID, nil
		}
	}
	return "", fmt.Errorf("no contract matches %s", sym)
}

// PlaceOrderRequest mirrors /api/Order/place.
type PlaceOrderRequest struct {
	AccountID  int64    `json:"accountId"`
	ContractID string   `json:"contractId"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       int      `json:"size"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
	TrailPrice *float64 `json:"trailPrice,omitempty"`
	CustomTag  string   `json:"customTag,omitempty"`
}

func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (int64, error) {
	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/Order/place", req, &resp); err != nil {
		return 0, err
	}
	if resp.OrderID == 0 {
		return 0, fmt.Errorf("%w: no order id returned", exchange.ErrRejected)
	}
	return resp.OrderID, nil
}

// Order is an open order as reported by /api/Order/searchOpen.
type Order struct {
	ID         int64    `json:"id"`
	ContractID string   `json:"contractId"`
	Type       int      `json:"type"`
	Side       int      `json:"side"`
	Size       int      `json:"size"`
	LimitPrice *float64 `json:"limitPrice"`
	StopPrice  *float64 `json:"stopPrice"`
}

func (c *Client) SearchOpenOrders(ctx context.Context) ([]Order, error) {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Orders []Order `json:"orders"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/Order/searchOpen", map[string]int64{"accountId": acct}, &resp); err != nil {
		return nil, fmt.Errorf("search open orders: %w", err)
	}
	return resp.Orders, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return err
	}
	payload := map[string]int64{"accountId": acct, "orderId": orderID}
	if err := c.doRequest(ctx, http.MethodPost, "/api/Order/cancel", payload, nil); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// NetPositions returns the signed net quantity per contract id.
func (c *Client) NetPositions(ctx context.Context) (map[string]int, error) {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/api/Position/searchOpen", map[string]int64{"accountId": acct}, &raw); err != nil {
		return nil, fmt.Errorf("search open positions: %w", err)
	}
	doc := gjson.ParseBytes(raw)
	list := doc.Get("positions")
	if !list.Exists() && doc.IsArray() {
		list = doc
	}
	out := make(map[string]int)
	list.ForEach(func(_, pos gjson.Result) bool {
		cid := pos.Get("contractId").String()
		if cid == "" {
			cid = pos.Get("contract.id").String()
		}
		if cid != "" {
			out[cid] += netQty(pos)
		}
		return true
	})
	return out, nil
}

// netQty reads the signed size of a position across the field layouts the
// API has used.
func netQty(pos gjson.Result) int {
	for _, key := range []string{"net", "netQty", "quantityNet", "qtyNet"} {
		if v := pos.Get(key); v.Type == gjson.Number {
			return int(v.Int())
		}
	}
	if size := pos.Get("size"); size.Type == gjson.Number {
		// type 1 is long, 2 is short
		if pos.Get("type").Int() == 2 {
			return -int(size.Int())
		}
		return int(size.Int())
	}
	return int(pos.Get("longQty").Int() - pos.Get("shortQty").Int())
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any, out any) error {
	err := c.send(ctx, method, path, payload, out)
	var status *statusError
	if path != loginPath && errors.As(err, &status) && status.code == http.StatusUnauthorized {
		logger.Warnf("Topstep: %s unauthorized, re-authenticating", path)
		if _, lerr := c.Login(ctx); lerr != nil {
			return fmt.Errorf("%w (re-login failed: %v)", err, lerr)
		}
		return c.send(ctx, method, path, payload, out)
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("topstep returned %d", e.code)
	}
	return fmt.Sprintf("topstep returned %d: %s", e.code, e.body)
}

func (c *Client) send(ctx context.Context, method, path string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + path

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" && path != loginPath {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", exchange.ErrTimeout, method, path, err)
		}
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: read %s: %v", exchange.ErrTimeout, path, err)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(truncate(data, 512)))}
	}
	// every TopstepX response carries success/errorCode/errorMessage
	if ok := gjson.GetBytes(data, "success"); ok.Exists() && !ok.Bool() {
		return fmt.Errorf("%w: %s (code %d)", exchange.ErrRejected,
			gjson.GetBytes(data, "errorMessage").String(), gjson.GetBytes(data, "errorCode").Int())
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

func formatOrderID(id int64) string { return strconv.FormatInt(id, 10) }

func parseOrderID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid order id %q", s)
	}
	return id, nil
}
