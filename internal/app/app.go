package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/thomasdunn15/trading-bot/internal/config"
	"github.com/thomasdunn15/trading-bot/internal/feed"
	"github.com/thomasdunn15/trading-bot/internal/gateway/notifier"
	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/trader"
	"github.com/thomasdunn15/trading-bot/internal/transport/http/webhook"
)

// App wires the alert webhook, the position engine, the broker gateway and
// the market feed, and runs them until the context ends.
type App struct {
	cfg     *config.Config
	trader  *trader.Trader
	broker  BrokerGateway
	alerts  *notifier.PositionAlerts
	session *feed.Session
	feed    *feed.Supervisor
	http    *webhook.Server
	closers []io.Closer
	Summary *StartupSummary
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run recovers persisted positions, then serves until ctx is cancelled or
// a component fails. Open positions are left untouched on shutdown.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.trader == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.closeStores()

	if a.Summary != nil {
		a.Summary.Print()
	}

	if err := a.trader.Recover(ctx); err != nil {
		a.trader.Stop()
		return fmt.Errorf("recover positions: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	a.trader.Start(ctx)

	group.Go(func() error {
		<-ctx.Done()
		a.trader.Stop()
		return nil
	})

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("webhook http server error: %w", err)
			}
			return nil
		})
	}

	if a.broker != nil {
		group.Go(func() error {
			return a.broker.Run(ctx)
		})
	}

	if a.alerts != nil {
		group.Go(func() error {
			return a.alerts.Run(ctx)
		})
	}

	if a.feed != nil {
		group.Go(func() error {
			return a.session.RunRefresher(ctx)
		})
		group.Go(func() error {
			return a.feed.Run(ctx)
		})
	}

	logger.Infof("App: running, webhook on %s", a.http.Addr())
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Trader exposes the engine (for tests and replay harnesses).
func (a *App) Trader() *trader.Trader {
	if a == nil {
		return nil
	}
	return a.trader
}

func (a *App) closeStores() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logger.Warnf("App: close store: %v", err)
		}
	}
	a.closers = nil
}
