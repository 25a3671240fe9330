package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

func validate(c *Config) error {
	if err := c.Signals.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Feed.validate(); err != nil {
		return err
	}
	if err := c.Gateway.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if c.Instruments.Len() > 0 {
		if _, ok := c.Instruments.Lookup(c.Trading.DefaultInstrument); !ok {
			return fmt.Errorf("trading.default_instrument %s is not listed in %s", c.Trading.DefaultInstrument, c.Trading.InstrumentsPath)
		}
	}
	return nil
}

func (s SignalsConfig) validate() error {
	if s.CloseHoldoffMs < 0 {
		return fmt.Errorf("signals.close_holdoff_ms must be >= 0")
	}
	if s.MaxSignalAgeSeconds <= 0 {
		return fmt.Errorf("signals.max_signal_age_seconds must be > 0")
	}
	return nil
}

func (t TradingConfig) validate() error {
	if strings.TrimSpace(t.DefaultInstrument) == "" {
		return fmt.Errorf("trading.default_instrument cannot be empty")
	}
	if t.VolatilityMultiplier <= 0 {
		return fmt.Errorf("trading.volatility_multiplier must be > 0")
	}
	if t.ReversalSentinelQty <= 0 {
		return fmt.Errorf("trading.reversal_sentinel_qty must be > 0")
	}
	if t.ReversalEntryQty <= 0 {
		return fmt.Errorf("trading.reversal_entry_qty must be > 0")
	}
	return nil
}

func (f FeedConfig) validate() error {
	if _, err := time.LoadLocation(f.Timezone); err != nil {
		return fmt.Errorf("feed.timezone invalid: %w", err)
	}
	start, err := ParseClock(f.MaintenanceStart)
	if err != nil {
		return fmt.Errorf("feed.maintenance_start: %w", err)
	}
	end, err := ParseClock(f.MaintenanceEnd)
	if err != nil {
		return fmt.Errorf("feed.maintenance_end: %w", err)
	}
	if start == end {
		return fmt.Errorf("feed.maintenance_start and feed.maintenance_end must differ")
	}
	if f.ReconnectJitter < 0 || f.ReconnectJitter >= 1 {
		return fmt.Errorf("feed.reconnect_jitter must be within [0, 1)")
	}
	if f.ReconnectInitial() > f.ReconnectMax() {
		return fmt.Errorf("feed.reconnect_initial_ms must not exceed feed.reconnect_max_seconds")
	}
	if f.MaxReconnectAttempts < 0 {
		return fmt.Errorf("feed.max_reconnect_attempts must be >= 0")
	}
	if f.StaleAfterSeconds < 0 {
		return fmt.Errorf("feed.stale_after_seconds must be >= 0")
	}
	if f.Enabled {
		if _, err := url.Parse(f.HubURL); err != nil {
			return fmt.Errorf("feed.hub_url invalid: %w", err)
		}
	}
	return nil
}

func (g GatewayConfig) validate() error {
	u, err := url.Parse(g.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("gateway.api_url invalid: %q", g.APIURL)
	}
	if g.SubmitTimeoutSeconds > g.TimeoutSeconds {
		return fmt.Errorf("gateway.submit_timeout_seconds must not exceed gateway.timeout_seconds")
	}
	if g.RateLimitBurst < 1 {
		return fmt.Errorf("gateway.rate_limit_burst must be >= 1")
	}
	return nil
}

// ParseClock parses a wall-clock "HH:MM" into minutes after midnight.
func ParseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (n NotifyConfig) validate() error {
	if !n.TelegramEnabled {
		return nil
	}
	if strings.TrimSpace(n.BotToken) == "" || strings.TrimSpace(n.ChatID) == "" {
		return fmt.Errorf("notify.telegram_enabled requires %s and %s", envTelegramToken, envTelegramChat)
	}
	if _, err := url.Parse(n.APIURL); err != nil {
		return fmt.Errorf("notify.api_url invalid: %w", err)
	}
	return nil
}
