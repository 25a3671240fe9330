package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/thomasdunn15/trading-bot/internal/logger"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram posts operator alerts to a chat through the Bot API.
type Telegram struct {
	apiURL   string
	botToken string
	chatID   string
	client   *http.Client
	maxTries uint
	retryGap time.Duration
}

func NewTelegram(apiURL, botToken, chatID string) *Telegram {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = defaultTelegramAPI
	}
	return &Telegram{
		apiURL:   apiURL,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 15 * time.Second},
		maxTries: 3,
		retryGap: time.Second,
	}
}

// SendText sends a Markdown message, retrying transport errors and 5xx/429
// replies with exponential backoff. Other 4xx replies are not retried.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" {
		return errors.New("telegram bot token or chat id not configured")
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.retryGap
	policy.MaxInterval = t.retryGap * 5

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, t.post(ctx, url, body)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(t.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("Telegram: send failed, retrying in %s: %v", d, err)
		}))
	return err
}

func (t *Telegram) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 == 2 {
		return nil
	}
	err = fmt.Errorf("telegram status=%d: %s", resp.StatusCode, gjson.GetBytes(raw, "description").String())
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return backoff.Permanent(err)
}
