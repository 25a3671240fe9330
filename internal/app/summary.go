package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/config"
	"github.com/thomasdunn15/trading-bot/internal/feed"
	"github.com/thomasdunn15/trading-bot/internal/pkg/contract"
)

type StartupSummary struct {
	Env         string
	HTTPAddr    string
	AccountID   int64
	Default     string
	Instruments []InstrumentSummary
	Signals     SignalSummary
	Feed        FeedSummary
	Storage     config.StorageConfig
	Telegram    bool
}

type InstrumentSummary struct {
	Root     string
	TickSize float64
	Active   string
	Aliases  []string
}

type SignalSummary struct {
	CloseHoldoff    time.Duration
	MaxAge          time.Duration
	SuppressEntries bool
	Multiplier      float64
	SentinelQty     int
	ReversalQty     int
}

type FeedSummary struct {
	Enabled     bool
	HubURL      string
	Maintenance string
	BlockAlerts bool
	StaleAfter  time.Duration
	MaxAttempts int
}

func buildSummary(cfg *config.Config, accountID int64, window feed.Window) *StartupSummary {
	now := time.Now()
	s := &StartupSummary{
		Env:       cfg.App.Env,
		HTTPAddr:  cfg.App.HTTPAddr,
		AccountID: accountID,
		Default:   cfg.Trading.DefaultInstrument,
		Signals: SignalSummary{
			CloseHoldoff:    cfg.Signals.CloseHoldoff(),
			MaxAge:          cfg.Signals.MaxSignalAge(),
			SuppressEntries: cfg.Signals.SuppressEntriesAfterClose,
			Multiplier:      cfg.Trading.VolatilityMultiplier,
			SentinelQty:     cfg.Trading.ReversalSentinelQty,
			ReversalQty:     cfg.Trading.ReversalEntryQty,
		},
		Feed: FeedSummary{
			Enabled:     cfg.Feed.Enabled,
			HubURL:      cfg.Feed.HubURL,
			Maintenance: window.String(),
			BlockAlerts: cfg.Feed.BlockAlertsInMaintenance,
			StaleAfter:  cfg.Feed.StaleAfter(),
			MaxAttempts: cfg.Feed.MaxReconnectAttempts,
		},
		Storage:  cfg.Storage,
		Telegram: cfg.Notify.TelegramEnabled,
	}
	for _, root := range cfg.Instruments.Roots() {
		inst, _ := cfg.Instruments.Lookup(root)
		aliases := append([]string(nil), inst.Continuous...)
		sort.Strings(aliases)
		s.Instruments = append(s.Instruments, InstrumentSummary{
			Root:     inst.Root,
			TickSize: inst.TickSize,
			Active:   contract.Active(inst.Root, now),
			Aliases:  aliases,
		})
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Print(s.Render())
}

// Render formats the summary as the boxed block printed at startup.
func (s *StartupSummary) Render() string {
	var b strings.Builder
	title := "STARTUP SUMMARY"
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(strings.Repeat("=", 80) + "\n")

	b.WriteString("[APP]\n")
	fmt.Fprintf(&b, "  env: %s\n", s.Env)
	fmt.Fprintf(&b, "  webhook: %s\n", s.HTTPAddr)
	fmt.Fprintf(&b, "  account: %d\n", s.AccountID)
	b.WriteString("\n")

	b.WriteString("[INSTRUMENTS]\n")
	if len(s.Instruments) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, inst := range s.Instruments {
		fmt.Fprintf(&b, "  > %s tick=%g active=%s aliases=%s\n", inst.Root, inst.TickSize, inst.Active, formatList(inst.Aliases))
	}
	fmt.Fprintf(&b, "  default: %s\n", orDash(s.Default))
	b.WriteString("\n")

	b.WriteString("[SIGNALS]\n")
	fmt.Fprintf(&b, "  close holdoff: %s\n", s.Signals.CloseHoldoff)
	fmt.Fprintf(&b, "  max age: %s\n", s.Signals.MaxAge)
	fmt.Fprintf(&b, "  suppress entries after close: %t\n", s.Signals.SuppressEntries)
	fmt.Fprintf(&b, "  volatility multiplier: %g\n", s.Signals.Multiplier)
	if s.Signals.SentinelQty > 0 {
		fmt.Fprintf(&b, "  reversal: qty %d -> %d\n", s.Signals.SentinelQty, s.Signals.ReversalQty)
	} else {
		b.WriteString("  reversal: disabled\n")
	}
	b.WriteString("\n")

	b.WriteString("[FEED]\n")
	if !s.Feed.Enabled {
		b.WriteString("  disabled\n")
	} else {
		fmt.Fprintf(&b, "  hub: %s\n", s.Feed.HubURL)
		fmt.Fprintf(&b, "  stale after: %s\n", s.Feed.StaleAfter)
		if s.Feed.MaxAttempts > 0 {
			fmt.Fprintf(&b, "  reconnect ceiling: %d\n", s.Feed.MaxAttempts)
		} else {
			b.WriteString("  reconnect ceiling: none\n")
		}
	}
	fmt.Fprintf(&b, "  maintenance: %s (alerts blocked: %t)\n", s.Feed.Maintenance, s.Feed.BlockAlerts)
	b.WriteString("\n")

	b.WriteString("[STORAGE]\n")
	fmt.Fprintf(&b, "  positions: %s\n", s.Storage.PositionsPath)
	fmt.Fprintf(&b, "  journal: %s\n", s.Storage.JournalPath)
	b.WriteString("\n")

	b.WriteString("[NOTIFY]\n")
	fmt.Fprintf(&b, "  telegram: %t\n", s.Telegram)
	b.WriteString(strings.Repeat("=", 80) + "\n")
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
