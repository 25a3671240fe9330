package signal

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/thomasdunn15/trading-bot/internal/types"
)

var (
	legacyAlertRe = regexp.MustCompile(`(?is)^\s*Next\s+Candle\s+Predictor\s*:\s*order\s+(buy|sell)\s*@\s*(\d+)\s*filled\s+on\s+([^\s.]+)\s*\.\s*Entry\s+Price\s*:\s*([0-9]+(?:\.[0-9]+)?)\s*Comment\s*:\s*(.+?)\s*$`)
	atrRe         = regexp.MustCompile(`(?i)\batr\s*=\s*([0-9]+(?:\.[0-9]+)?)`)
	stopLossRe    = regexp.MustCompile(`(?i)\bstop\s*loss\s*=\s*([0-9]+(?:\.[0-9]+)?)`)
	commentTSRe   = regexp.MustCompile(`(?i)\bts\s*=\s*([0-9]{13}|[0-9]{10})\b`)
)

// ParsePayload decodes an inbound alert body. Three shapes are accepted: a
// JSON alert object, a JSON envelope {"message": "<text alert>"}, and the
// plain text alert line. Any failure is a *Rejection with SchemaInvalid.
func ParsePayload(raw []byte, received time.Time) (Signal, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return Signal{}, reject(ReasonSchemaInvalid, "empty body")
	}
	if body[0] == '{' {
		if !gjson.ValidBytes(body) {
			return Signal{}, reject(ReasonSchemaInvalid, "malformed json")
		}
		doc := gjson.ParseBytes(body)
		if msg := doc.Get("message"); msg.Exists() && !doc.Get("ticker").Exists() {
			if msg.Type != gjson.String {
				return Signal{}, reject(ReasonSchemaInvalid, "message must be a string")
			}
			return parseText(msg.String(), received)
		}
		return parseJSON(body, doc, received)
	}
	return parseText(string(body), received)
}

func parseJSON(body []byte, doc gjson.Result, received time.Time) (Signal, error) {
	if err := validateSchema(body); err != nil {
		return Signal{}, reject(ReasonSchemaInvalid, "%s", compactError(err))
	}
	side, err := types.ParseSide(doc.Get("action").String())
	if err != nil {
		return Signal{}, reject(ReasonSchemaInvalid, "%v", err)
	}
	ts, ok := parseTime(doc.Get("time"))
	if !ok {
		return Signal{}, reject(ReasonSchemaInvalid, "time %q not understood", doc.Get("time").String())
	}
	sig := Signal{
		Ticker:    strings.ToUpper(strings.TrimSpace(doc.Get("ticker").String())),
		Side:      side,
		Price:     doc.Get("price").Float(),
		Qty:       int(doc.Get("qty").Int()),
		Comment:   strings.TrimSpace(doc.Get("comment").String()),
		Timestamp: ts,
		Received:  received,
	}
	if err := applyComment(&sig); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

func parseText(text string, received time.Time) (Signal, error) {
	m := legacyAlertRe.FindStringSubmatch(text)
	if m == nil {
		return Signal{}, reject(ReasonSchemaInvalid, "unrecognized alert text")
	}
	side, err := types.ParseSide(m[1])
	if err != nil {
		return Signal{}, reject(ReasonSchemaInvalid, "%v", err)
	}
	qty, err := strconv.Atoi(m[2])
	if err != nil || qty <= 0 {
		return Signal{}, reject(ReasonSchemaInvalid, "qty %q must be a positive integer", m[2])
	}
	price, err := strconv.ParseFloat(m[4], 64)
	if err != nil || price <= 0 {
		return Signal{}, reject(ReasonSchemaInvalid, "price %q must be positive", m[4])
	}
	sig := Signal{
		Ticker:    strings.ToUpper(m[3]),
		Side:      side,
		Price:     price,
		Qty:       qty,
		Comment:   strings.TrimSpace(m[5]),
		Timestamp: received,
		Received:  received,
	}
	// text alerts carry their bar time inside the comment
	if tm := commentTSRe.FindStringSubmatch(sig.Comment); tm != nil {
		if ts, ok := parseEpoch(tm[1]); ok {
			sig.Timestamp = ts
		}
	}
	if err := applyComment(&sig); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

// applyComment derives intent, volatility and stop loss from the comment.
func applyComment(sig *Signal) error {
	lower := strings.ToLower(sig.Comment)
	switch {
	case strings.Contains(lower, "close"), strings.Contains(lower, "exit"):
		sig.Intent = IntentExit
		return nil
	case strings.Contains(lower, "entry"), atrRe.MatchString(lower):
		sig.Intent = IntentEntry
	default:
		return reject(ReasonSchemaInvalid, "comment %q names no intent", sig.Comment)
	}
	m := atrRe.FindStringSubmatch(lower)
	if m == nil {
		return reject(ReasonSchemaInvalid, "entry comment %q has no atr", sig.Comment)
	}
	vol, err := strconv.ParseFloat(m[1], 64)
	if err != nil || vol <= 0 {
		return reject(ReasonSchemaInvalid, "atr %q must be positive", m[1])
	}
	sig.Volatility = vol
	if sl := stopLossRe.FindStringSubmatch(lower); sl != nil {
		if v, err := strconv.ParseFloat(sl[1], 64); err == nil && v > 0 {
			sig.StopLoss = v
		}
	}
	return nil
}

func parseTime(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return parseEpoch(strconv.FormatInt(v.Int(), 10))
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if ts, ok := parseEpoch(s); ok {
			return ts, true
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	default:
		return time.Time{}, false
	}
}

// parseEpoch reads 13 digits as milliseconds and 10 digits as seconds.
func parseEpoch(s string) (time.Time, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, false
	}
	switch len(s) {
	case 13:
		return time.UnixMilli(n).UTC(), true
	case 10:
		return time.Unix(n, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

func compactError(err error) string {
	msg := strings.ReplaceAll(err.Error(), "\n", "; ")
	return strings.Join(strings.Fields(msg), " ")
}
