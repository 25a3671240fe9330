package config

import (
	"strings"
	"time"
)

// Config is the root configuration of the trading bot.
type Config struct {
	App         AppConfig         `toml:"app"`
	Credentials CredentialsConfig `toml:"credentials"`
	Signals     SignalsConfig     `toml:"signals"`
	Trading     TradingConfig     `toml:"trading"`
	Feed        FeedConfig        `toml:"feed"`
	Gateway     GatewayConfig     `toml:"gateway"`
	Storage     StorageConfig     `toml:"storage"`
	Notify      NotifyConfig      `toml:"notify"`

	// Instruments is loaded from Trading.InstrumentsPath, not from the main file.
	Instruments InstrumentSet `toml:"-"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
	EnvFile   string `toml:"env_file"`
}

// CredentialsConfig is normally filled from the environment (.env), never committed.
type CredentialsConfig struct {
	Username      string `toml:"username"`
	APIKey        string `toml:"api_key"`
	WebhookSecret string `toml:"webhook_secret"`
	AccountID     int64  `toml:"account_id"`
}

type SignalsConfig struct {
	CloseHoldoffMs            int  `toml:"close_holdoff_ms"`
	MaxSignalAgeSeconds       int  `toml:"max_signal_age_seconds"`
	SuppressEntriesAfterClose bool `toml:"suppress_entries_after_close"`
}

type TradingConfig struct {
	DefaultInstrument    string  `toml:"default_instrument"`
	InstrumentsPath      string  `toml:"instruments_path"`
	VolatilityMultiplier float64 `toml:"volatility_multiplier"`
	ReversalSentinelQty  int     `toml:"reversal_sentinel_qty"`
	ReversalEntryQty     int     `toml:"reversal_entry_qty"`
}

type FeedConfig struct {
	Enabled                  bool    `toml:"enabled"`
	HubURL                   string  `toml:"hub_url"`
	MaintenanceStart         string  `toml:"maintenance_start"`
	MaintenanceEnd           string  `toml:"maintenance_end"`
	Timezone                 string  `toml:"timezone"`
	BlockAlertsInMaintenance bool    `toml:"block_alerts_in_maintenance"`
	ReconnectInitialMs       int     `toml:"reconnect_initial_ms"`
	ReconnectMaxSeconds      int     `toml:"reconnect_max_seconds"`
	ReconnectJitter          float64 `toml:"reconnect_jitter"`
	MaxReconnectAttempts     int     `toml:"max_reconnect_attempts"`
	StaleAfterSeconds        int     `toml:"stale_after_seconds"`
	RefreshIntervalMinutes   int     `toml:"refresh_interval_minutes"`
	AuthFailureThreshold     int     `toml:"auth_failure_threshold"`
}

type GatewayConfig struct {
	APIURL               string  `toml:"api_url"`
	TimeoutSeconds       int     `toml:"timeout_seconds"`
	SubmitTimeoutSeconds int     `toml:"submit_timeout_seconds"`
	PollIntervalMs       int     `toml:"poll_interval_ms"`
	RateLimitPerSecond   float64 `toml:"rate_limit_per_second"`
	RateLimitBurst       int     `toml:"rate_limit_burst"`
	RetryBackoffMs       int     `toml:"retry_backoff_ms"`
	BreakerThreshold     int     `toml:"breaker_threshold"`
	BreakerCooldownSecs  int     `toml:"breaker_cooldown_seconds"`
}

type StorageConfig struct {
	PositionsPath string `toml:"positions_path"`
	JournalPath   string `toml:"journal_path"`
}

// NotifyConfig controls operator alerts. Token and chat id normally come
// from TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID.
type NotifyConfig struct {
	TelegramEnabled bool   `toml:"telegram_enabled"`
	APIURL          string `toml:"api_url"`
	BotToken        string `toml:"bot_token"`
	ChatID          string `toml:"chat_id"`
	QueueSize       int    `toml:"queue_size"`
}

// Instrument describes one futures contract family, e.g. root MNQ with
// quarterly contracts MNQH6, MNQM6 and continuous aliases like MNQ1!.
type Instrument struct {
	Root       string   `yaml:"root"`
	TickSize   float64  `yaml:"tick_size"`
	Continuous []string `yaml:"continuous"`
}

// InstrumentSet indexes instruments by root and continuous alias.
type InstrumentSet struct {
	byRoot  map[string]Instrument
	byAlias map[string]string
	order   []string
}

// Lookup resolves a contract symbol (MNQZ5), a root (MNQ) or a continuous
// alias (MNQ1!) to its instrument family.
func (s InstrumentSet) Lookup(symbol string) (Instrument, bool) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" || s.byRoot == nil {
		return Instrument{}, false
	}
	if inst, ok := s.byRoot[sym]; ok {
		return inst, true
	}
	if root, ok := s.byAlias[sym]; ok {
		return s.byRoot[root], true
	}
	// quarterly contract: root + month code + year digit
	if len(sym) > 2 {
		if inst, ok := s.byRoot[sym[:len(sym)-2]]; ok {
			return inst, true
		}
	}
	return Instrument{}, false
}

// IsContinuous reports whether symbol is a continuous alias that needs rolling.
func (s InstrumentSet) IsContinuous(symbol string) bool {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := s.byAlias[sym]; ok {
		return true
	}
	_, ok := s.byRoot[sym]
	return ok
}

// Roots returns instrument roots in file order.
func (s InstrumentSet) Roots() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s InstrumentSet) Len() int { return len(s.order) }

func (c SignalsConfig) CloseHoldoff() time.Duration {
	return time.Duration(c.CloseHoldoffMs) * time.Millisecond
}

func (c SignalsConfig) MaxSignalAge() time.Duration {
	return time.Duration(c.MaxSignalAgeSeconds) * time.Second
}

func (c FeedConfig) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialMs) * time.Millisecond
}

func (c FeedConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSeconds) * time.Second
}

func (c FeedConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

func (c FeedConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c GatewayConfig) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutSeconds) * time.Second
}

func (c GatewayConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c GatewayConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c GatewayConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSecs) * time.Second
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
