package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/trigger"
)

// SignalR JSON protocol framing.
const (
	recordSeparator = 0x1e

	msgInvocation = 1
	msgPing       = 6
	msgClose      = 7
)

var handshake = []byte("{\"protocol\":\"json\",\"version\":1}\x1e")

// ContractLookup maps a contract symbol to the broker's contract id.
type ContractLookup interface {
	ContractID(ctx context.Context, symbol string) (string, error)
}

// HubDialer connects to the TopstepX market hub and subscribes to trades
// for the contracts returned by Symbols at dial time, so a daily reconnect
// picks up contract rolls.
type HubDialer struct {
	URL       string
	Contracts ContractLookup
	Symbols   func(now time.Time) []string
	Dialer    *websocket.Dialer
	// HandshakeTimeout bounds the SignalR handshake reply.
	HandshakeTimeout time.Duration
}

func (d *HubDialer) Dial(ctx context.Context, token string) (Conn, error) {
	symbols := d.Symbols(time.Now())
	if len(symbols) == 0 {
		return nil, errors.New("no instruments to subscribe")
	}
	byContract := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		id, err := d.Contracts.ContractID(ctx, sym)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", sym, err)
		}
		byContract[id] = sym
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial market hub: %w", err)
	}
	conn := &hubConn{ws: ws, byContract: byContract}
	if err := conn.handshake(d.HandshakeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	for id, sym := range byContract {
		if err := conn.invoke("SubscribeContractTrades", id); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	logger.Infof("Feed: subscribed to trades for %s", strings.Join(symbols, ", "))
	return conn, nil
}

type hubConn struct {
	ws         *websocket.Conn
	byContract map[string]string
	writeMu    sync.Mutex
	closeOnce  sync.Once
}

func (c *hubConn) handshake(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := c.write(handshake); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})
	for _, frame := range splitFrames(msg) {
		if e := gjson.GetBytes(frame, "error"); e.Exists() {
			return fmt.Errorf("handshake rejected: %s", e.String())
		}
	}
	return nil
}

func (c *hubConn) invoke(target string, args ...any) error {
	frame, err := encodeInvocation(target, args...)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *hubConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *hubConn) ReadLoop(deliver func(trigger.Tick)) error {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		for _, frame := range splitFrames(msg) {
			if err := c.handleFrame(frame, deliver); err != nil {
				return err
			}
		}
	}
}

func (c *hubConn) handleFrame(frame []byte, deliver func(trigger.Tick)) error {
	if !gjson.ValidBytes(frame) {
		logger.Debugf("Feed: skipping malformed frame %q", truncateFrame(frame))
		return nil
	}
	msg := gjson.ParseBytes(frame)
	switch msg.Get("type").Int() {
	case msgPing:
		return c.write([]byte("{\"type\":6}\x1e"))
	case msgClose:
		if e := msg.Get("error"); e.Exists() {
			return fmt.Errorf("hub closed: %s", e.String())
		}
		return errors.New("hub closed")
	case msgInvocation:
		if !strings.EqualFold(msg.Get("target").String(), "GatewayTrade") {
			return nil
		}
		for _, t := range parseTrades(msg.Get("arguments"), c.byContract) {
			deliver(t)
		}
	}
	return nil
}

// parseTrades reads GatewayTrade arguments [contractId, trade | [trades]].
func parseTrades(args gjson.Result, byContract map[string]string) []trigger.Tick {
	contractID := args.Get("0").String()
	symbol, ok := byContract[contractID]
	if !ok {
		return nil
	}
	payload := args.Get("1")
	var out []trigger.Tick
	each := func(tr gjson.Result) {
		price := tr.Get("price")
		if !price.Exists() || price.Float() <= 0 {
			return
		}
		at := time.Now().UTC()
		if ts := tr.Get("timestamp").String(); ts != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				at = parsed
			}
		}
		out = append(out, trigger.Tick{Instrument: symbol, Price: price.Float(), At: at})
	}
	if payload.IsArray() {
		payload.ForEach(func(_, tr gjson.Result) bool {
			each(tr)
			return true
		})
	} else {
		each(payload)
	}
	return out
}

func (c *hubConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func splitFrames(msg []byte) [][]byte {
	parts := bytes.Split(msg, []byte{recordSeparator})
	out := parts[:0]
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func truncateFrame(b []byte) []byte {
	if len(b) > 120 {
		return b[:120]
	}
	return b
}

type invocation struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

func encodeInvocation(target string, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(invocation{Type: msgInvocation, Target: target, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", target, err)
	}
	return append(raw, recordSeparator), nil
}
