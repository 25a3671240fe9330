package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/config"
	"github.com/thomasdunn15/trading-bot/internal/feed"
	"github.com/thomasdunn15/trading-bot/internal/gateway/exchange"
	"github.com/thomasdunn15/trading-bot/internal/gateway/notifier"
	"github.com/thomasdunn15/trading-bot/internal/gateway/topstep"
	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/pkg/contract"
	"github.com/thomasdunn15/trading-bot/internal/signal"
	"github.com/thomasdunn15/trading-bot/internal/store/gormstore"
	"github.com/thomasdunn15/trading-bot/internal/store/journal"
	"github.com/thomasdunn15/trading-bot/internal/trader"
	"github.com/thomasdunn15/trading-bot/internal/transport/http/webhook"
	"github.com/thomasdunn15/trading-bot/internal/trigger"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

// BrokerGateway is an order gateway with its own status poller.
type BrokerGateway interface {
	exchange.Gateway
	Run(ctx context.Context) error
}

// BrokerStack is everything the app needs from the broker connection.
type BrokerStack struct {
	Gateway   BrokerGateway
	Auth      feed.Authenticator
	Contracts feed.ContractLookup
	AccountID int64
}

type storeStack struct {
	positions trader.PositionStore
	journal   trader.EventStore
	closers   []io.Closer
}

type AppBuilder struct {
	cfg *config.Config

	brokerFn func(context.Context, *config.Config) (*BrokerStack, error)
	storesFn func(config.StorageConfig) (*storeStack, error)
	dialerFn func(*config.Config, feed.ContractLookup, func(time.Time) []string) feed.Dialer
	notifyFn func(config.NotifyConfig) notifier.TextNotifier
}

type AppBuilderOption func(*AppBuilder)

// WithBroker replaces the TopstepX connection, e.g. with a simulator.
func WithBroker(stack *BrokerStack) AppBuilderOption {
	return func(b *AppBuilder) {
		b.brokerFn = func(context.Context, *config.Config) (*BrokerStack, error) { return stack, nil }
	}
}

// WithNotifier replaces the Telegram sender for operator alerts.
func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifyFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

// WithFeedDialer replaces the market hub dialer.
func WithFeedDialer(d feed.Dialer) AppBuilderOption {
	return func(b *AppBuilder) {
		b.dialerFn = func(*config.Config, feed.ContractLookup, func(time.Time) []string) feed.Dialer { return d }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		brokerFn: buildTopstepBroker,
		storesFn: openStores,
		dialerFn: buildHubDialer,
		notifyFn: buildTelegram,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	window, err := feed.NewWindow(cfg.Feed.MaintenanceStart, cfg.Feed.MaintenanceEnd, cfg.Feed.Timezone)
	if err != nil {
		return nil, fmt.Errorf("feed maintenance window: %w", err)
	}

	broker, err := b.brokerFn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	stores, err := b.storesFn(cfg.Storage)
	if err != nil {
		return nil, err
	}

	opts := trader.Options{
		SubmitTimeout: cfg.Gateway.SubmitTimeout(),
		RetryBackoff:  cfg.Gateway.RetryBackoff(),
	}
	var alerts *notifier.PositionAlerts
	if cfg.Notify.TelegramEnabled {
		alerts = notifier.NewPositionAlerts(b.notifyFn(cfg.Notify), cfg.Notify.QueueSize)
		opts.Observer = alerts
	}
	tr := trader.NewTrader(broker.Gateway, stores.journal, stores.positions, opts)

	interp := signal.NewInterpreter(signal.Options{
		MaxSignalAge:         cfg.Signals.MaxSignalAge(),
		VolatilityMultiplier: cfg.Trading.VolatilityMultiplier,
		ReversalSentinelQty:  cfg.Trading.ReversalSentinelQty,
		ReversalEntryQty:     cfg.Trading.ReversalEntryQty,
	},
		signal.NewContractResolver(cfg.Instruments, cfg.Trading.DefaultInstrument),
		tr,
		signal.NewRegistry(cfg.Signals.CloseHoldoff(), cfg.Signals.SuppressEntriesAfterClose),
	)

	app := &App{
		cfg:     cfg,
		trader:  tr,
		broker:  broker.Gateway,
		alerts:  alerts,
		closers: stores.closers,
	}

	serverCfg := webhook.ServerConfig{
		Addr:        cfg.App.HTTPAddr,
		Secret:      cfg.Credentials.WebhookSecret,
		Engine:      tr,
		Interpreter: interp,
	}
	if cfg.Feed.BlockAlertsInMaintenance {
		serverCfg.Maintenance = window
	}

	if cfg.Feed.Enabled {
		session := feed.NewSession(broker.Auth, cfg.Feed.RefreshInterval(), cfg.Feed.AuthFailureThreshold)
		symbols := subscribedSymbols(cfg, tr)
		supervisor := feed.NewSupervisor(
			b.dialerFn(cfg, broker.Contracts, symbols),
			session,
			window,
			trigger.NewEvaluator(tr, tr),
			feed.Options{
				ReconnectInitial: cfg.Feed.ReconnectInitial(),
				ReconnectMax:     cfg.Feed.ReconnectMax(),
				Jitter:           cfg.Feed.ReconnectJitter,
				MaxAttempts:      cfg.Feed.MaxReconnectAttempts,
				StaleAfter:       cfg.Feed.StaleAfter(),
			},
		)
		app.session = session
		app.feed = supervisor
		serverCfg.Feed = supervisor
	} else {
		logger.Warnf("App: market feed disabled, trailing stops will not be armed")
	}

	server, err := webhook.NewServer(serverCfg)
	if err != nil {
		_ = stores.journal.Close()
		app.closeStores()
		return nil, err
	}
	app.http = server
	app.Summary = buildSummary(cfg, broker.AccountID, window)
	return app, nil
}

func buildTopstepBroker(ctx context.Context, cfg *config.Config) (*BrokerStack, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	client, err := topstep.NewClient(cfg.Gateway, cfg.Credentials)
	if err != nil {
		return nil, err
	}
	loginCtx, cancel := context.WithTimeout(ctx, cfg.Gateway.Timeout())
	defer cancel()
	if _, err := client.Login(loginCtx); err != nil {
		return nil, fmt.Errorf("topstep login failed: %w", err)
	}
	acct, err := client.AccountID(loginCtx)
	if err != nil {
		return nil, fmt.Errorf("topstep account lookup failed: %w", err)
	}
	logger.Infof("App: logged in to TopstepX, account %d", acct)
	return &BrokerStack{
		Gateway:   topstep.NewGateway(client, cfg.Gateway),
		Auth:      client,
		Contracts: client,
		AccountID: acct,
	}, nil
}

// openStores opens the position snapshot database and the event journal.
// A journal path ending in .jsonl selects the JSON-lines file journal.
func openStores(cfg config.StorageConfig) (*storeStack, error) {
	positions, err := gormstore.NewGormStore(cfg.PositionsPath)
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}
	stack := &storeStack{positions: positions, closers: []io.Closer{positions}}

	path := strings.TrimSpace(cfg.JournalPath)
	switch {
	case path == "":
		return nil, errors.Join(errors.New("storage.journal_path is empty"), positions.Close())
	case strings.HasSuffix(strings.ToLower(path), ".jsonl"):
		fileStore, err := trader.NewFileEventStore(path)
		if err != nil {
			return nil, errors.Join(err, positions.Close())
		}
		stack.journal = fileStore
	default:
		js, err := journal.Open(path)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open journal: %w", err), positions.Close())
		}
		stack.journal = js
	}
	return stack, nil
}

func buildTelegram(cfg config.NotifyConfig) notifier.TextNotifier {
	return notifier.NewTelegram(cfg.APIURL, cfg.BotToken, cfg.ChatID)
}

func buildHubDialer(cfg *config.Config, contracts feed.ContractLookup, symbols func(time.Time) []string) feed.Dialer {
	return &feed.HubDialer{
		URL:       cfg.Feed.HubURL,
		Contracts: contracts,
		Symbols:   symbols,
	}
}

type positionLister interface {
	Positions() []types.PositionView
}

// subscribedSymbols returns the active contract of every configured root
// plus any instrument that currently holds a position. It is evaluated on
// every dial, so a reconnect after a roll subscribes the new quarter.
func subscribedSymbols(cfg *config.Config, positions positionLister) func(time.Time) []string {
	return func(now time.Time) []string {
		seen := make(map[string]struct{})
		for _, root := range cfg.Instruments.Roots() {
			seen[contract.Active(root, now)] = struct{}{}
		}
		if fallback := strings.ToUpper(strings.TrimSpace(cfg.Trading.DefaultInstrument)); fallback != "" && !cfg.Instruments.IsContinuous(fallback) {
			seen[fallback] = struct{}{}
		}
		for _, pos := range positions.Positions() {
			if pos.Open() {
				seen[pos.Instrument] = struct{}{}
			}
		}
		out := make([]string, 0, len(seen))
		for sym := range seen {
			out = append(out, sym)
		}
		sort.Strings(out)
		return out
	}
}
