package config

import "strings"

const (
	defaultAppEnv               = "dev"
	defaultAppLogLevel          = "info"
	defaultAppLogFormat         = "text"
	defaultAppHTTPAddr          = ":5000"
	defaultAppEnvFile           = ".env"
	defaultCloseHoldoffMs       = 1500
	defaultMaxSignalAgeSeconds  = 30
	defaultInstrument           = "MNQZ5"
	defaultInstrumentsPath      = "configs/instruments.yaml"
	defaultVolatilityMultiplier = 1.0
	defaultReversalSentinelQty  = 8
	defaultReversalEntryQty     = 4
	defaultHubURL               = "wss://rtc.topstepx.com/hubs/market"
	defaultMaintenanceStart     = "16:00"
	defaultMaintenanceEnd       = "18:00"
	defaultTimezone             = "America/New_York"
	defaultReconnectInitialMs   = 1000
	defaultReconnectMaxSeconds  = 60
	defaultReconnectJitter      = 0.2
	defaultStaleAfterSeconds    = 30
	defaultRefreshMinutes       = 120
	defaultAuthFailureThreshold = 3
	defaultGatewayAPI           = "https://api.topstepx.com"
	defaultGatewayTimeout       = 30
	defaultSubmitTimeout        = 10
	defaultPollIntervalMs       = 500
	defaultRateLimitPerSecond   = 5
	defaultRateLimitBurst       = 10
	defaultRetryBackoffMs       = 400
	defaultBreakerThreshold     = 5
	defaultBreakerCooldown      = 30
	defaultPositionsPath        = "data/positions.db"
	defaultJournalPath          = "data/journal.db"
	defaultTelegramAPI          = "https://api.telegram.org"
	defaultNotifyQueue          = 32
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Signals.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Feed.applyDefaults(keys)
	c.Gateway.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.env_file", &a.EnvFile, defaultAppEnvFile),
	)
}

func (s *SignalsConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("signals.close_holdoff_ms", &s.CloseHoldoffMs, defaultCloseHoldoffMs),
		intFieldDefault("signals.max_signal_age_seconds", &s.MaxSignalAgeSeconds, defaultMaxSignalAgeSeconds),
		boolFieldDefault("signals.suppress_entries_after_close", &s.SuppressEntriesAfterClose, true),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trading.default_instrument", &t.DefaultInstrument, defaultInstrument),
		stringFieldDefault("trading.instruments_path", &t.InstrumentsPath, defaultInstrumentsPath),
		floatFieldDefault("trading.volatility_multiplier", &t.VolatilityMultiplier, defaultVolatilityMultiplier),
		intFieldDefault("trading.reversal_sentinel_qty", &t.ReversalSentinelQty, defaultReversalSentinelQty),
		intFieldDefault("trading.reversal_entry_qty", &t.ReversalEntryQty, defaultReversalEntryQty),
	)
	t.DefaultInstrument = strings.ToUpper(strings.TrimSpace(t.DefaultInstrument))
}

func (f *FeedConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("feed.enabled", &f.Enabled, true),
		stringFieldDefault("feed.hub_url", &f.HubURL, defaultHubURL),
		stringFieldDefault("feed.maintenance_start", &f.MaintenanceStart, defaultMaintenanceStart),
		stringFieldDefault("feed.maintenance_end", &f.MaintenanceEnd, defaultMaintenanceEnd),
		stringFieldDefault("feed.timezone", &f.Timezone, defaultTimezone),
		boolFieldDefault("feed.block_alerts_in_maintenance", &f.BlockAlertsInMaintenance, true),
		intFieldDefault("feed.reconnect_initial_ms", &f.ReconnectInitialMs, defaultReconnectInitialMs),
		intFieldDefault("feed.reconnect_max_seconds", &f.ReconnectMaxSeconds, defaultReconnectMaxSeconds),
		floatFieldDefault("feed.reconnect_jitter", &f.ReconnectJitter, defaultReconnectJitter),
		intFieldDefault("feed.stale_after_seconds", &f.StaleAfterSeconds, defaultStaleAfterSeconds),
		intFieldDefault("feed.refresh_interval_minutes", &f.RefreshIntervalMinutes, defaultRefreshMinutes),
		intFieldDefault("feed.auth_failure_threshold", &f.AuthFailureThreshold, defaultAuthFailureThreshold),
	)
}

func (g *GatewayConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("gateway.api_url", &g.APIURL, defaultGatewayAPI),
		intFieldDefault("gateway.timeout_seconds", &g.TimeoutSeconds, defaultGatewayTimeout),
		intFieldDefault("gateway.submit_timeout_seconds", &g.SubmitTimeoutSeconds, defaultSubmitTimeout),
		intFieldDefault("gateway.poll_interval_ms", &g.PollIntervalMs, defaultPollIntervalMs),
		floatFieldDefault("gateway.rate_limit_per_second", &g.RateLimitPerSecond, defaultRateLimitPerSecond),
		intFieldDefault("gateway.rate_limit_burst", &g.RateLimitBurst, defaultRateLimitBurst),
		intFieldDefault("gateway.retry_backoff_ms", &g.RetryBackoffMs, defaultRetryBackoffMs),
		intFieldDefault("gateway.breaker_threshold", &g.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("gateway.breaker_cooldown_seconds", &g.BreakerCooldownSecs, defaultBreakerCooldown),
	)
	g.APIURL = strings.TrimRight(strings.TrimSpace(g.APIURL), "/")
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.positions_path", &s.PositionsPath, defaultPositionsPath),
		stringFieldDefault("storage.journal_path", &s.JournalPath, defaultJournalPath),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("notify.api_url", &n.APIURL, defaultTelegramAPI),
		intFieldDefault("notify.queue_size", &n.QueueSize, defaultNotifyQueue),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
