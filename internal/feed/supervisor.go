// Package feed keeps the market tick stream connected during tradeable
// hours and forwards ticks only while the connection is known good.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/trigger"
)

type State string

const (
	StateLive              State = "LIVE"
	StateReconnecting      State = "RECONNECTING"
	StatePausedMaintenance State = "PAUSED_MAINTENANCE"
	// StateHalted is entered once the reconnect ceiling is exhausted. Only
	// the tick path stops; commands keep flowing.
	StateHalted  State = "HALTED"
	StateStopped State = "STOPPED"
)

// Dialer opens one stream connection with the given session token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live stream connection.
type Conn interface {
	// ReadLoop delivers ticks until the connection fails or is closed.
	ReadLoop(deliver func(trigger.Tick)) error
	Close() error
}

// TickHandler receives ticks while the feed is live.
type TickHandler interface {
	OnTick(instrument string, price float64, at time.Time)
}

type Options struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Jitter           float64
	// MaxAttempts of zero retries forever.
	MaxAttempts int
	// StaleAfter of zero disables the no-tick watchdog.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = time.Minute
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = 0
	}
	return o
}

// Status is the supervisor's externally visible state.
type Status struct {
	State      State         `json:"state"`
	Generation uint64        `json:"generation"`
	LastTickAt time.Time     `json:"last_tick_at,omitempty"`
	Reconnects int           `json:"reconnects"`
	Dropped    int64         `json:"dropped_ticks"`
	LastError  string        `json:"last_error,omitempty"`
	Session    SessionStatus `json:"session"`
}

var (
	errMaintenance = errors.New("maintenance window started")
	errStale       = errors.New("no ticks received")
)

// Supervisor drives the LIVE / RECONNECTING / PAUSED_MAINTENANCE state
// machine. Each connection gets a generation number; a tick is forwarded
// only when the feed is LIVE and the tick's connection is the current one.
type Supervisor struct {
	dialer  Dialer
	session *Session
	window  Window
	handler TickHandler
	opts    Options
	now     func() time.Time

	mu         sync.RWMutex
	state      State
	generation uint64
	genTicks   int64
	lastTick   time.Time
	reconnects int
	dropped    int64
	lastErr    string
}

func NewSupervisor(dialer Dialer, session *Session, window Window, handler TickHandler, opts Options) *Supervisor {
	return &Supervisor{
		dialer:  dialer,
		session: session,
		window:  window,
		handler: handler,
		opts:    opts.withDefaults(),
		now:     time.Now,
		state:   StateReconnecting,
	}
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		State:      s.state,
		Generation: s.generation,
		LastTickAt: s.lastTick,
		Reconnects: s.reconnects,
		Dropped:    s.dropped,
		LastError:  s.lastErr,
	}
	s.mu.RUnlock()
	if s.session != nil {
		st.Session = s.session.Status()
	}
	return st
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Run supervises the stream until ctx is cancelled or the reconnect
// ceiling is reached. Neither case is an error for the process.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := s.newBackOff()
	failures := 0
	defer s.setState(StateStopped, "")
	for {
		if ctx.Err() != nil {
			return nil
		}
		now := s.now()
		if s.window.Contains(now) {
			if !s.pause(ctx, s.window.NextEnd(now)) {
				return nil
			}
			bo.Reset()
			failures = 0
			continue
		}

		s.setState(StateReconnecting, "")
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errMaintenance) {
			continue
		}
		if err == nil {
			bo.Reset()
			failures = 0
			continue
		}

		failures++
		s.recordError(err)
		if s.opts.MaxAttempts > 0 && failures >= s.opts.MaxAttempts {
			s.setState(StateHalted, err.Error())
			logger.Errorf("Feed: halted after %d failed reconnects, trigger arming is disabled: %v", failures, err)
			<-ctx.Done()
			return nil
		}
		delay := bo.NextBackOff()
		logger.Warnf("Feed: %v; reconnecting in %s (attempt %d)", err, delay.Round(time.Millisecond), failures)
		if !s.wait(ctx, delay) {
			return nil
		}
	}
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectInitial
	bo.MaxInterval = s.opts.ReconnectMax
	bo.RandomizationFactor = s.opts.Jitter
	bo.Multiplier = 2
	bo.Reset()
	return bo
}

// connectAndServe returns nil only when a healthy connection ended after
// delivering ticks, so the next attempt starts with a fresh backoff.
func (s *Supervisor) connectAndServe(ctx context.Context) error {
	token, err := s.session.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	conn, err := s.dialer.Dial(ctx, token)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	return s.serve(ctx, conn)
}

func (s *Supervisor) serve(ctx context.Context, conn Conn) error {
	gen := s.goLive()
	logger.Infof("Feed: LIVE (generation %d)", gen)

	readErr := make(chan error, 1)
	go func() {
		readErr <- conn.ReadLoop(func(t trigger.Tick) { s.deliver(gen, t) })
	}()
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debugf("Feed: close generation %d: %v", gen, err)
		}
	}()

	now := s.now()
	maint := time.NewTimer(untilOrNever(now, s.window.NextStart(now)))
	defer maint.Stop()

	var staleC <-chan time.Time
	if s.opts.StaleAfter > 0 {
		check := s.opts.StaleAfter / 3
		if check < 100*time.Millisecond {
			check = 100 * time.Millisecond
		}
		ticker := time.NewTicker(check)
		defer ticker.Stop()
		staleC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped, "")
			return ctx.Err()
		case err := <-readErr:
			s.setState(StateReconnecting, "")
			if err == nil {
				err = errors.New("stream closed")
			}
			if s.generationTicks() > 0 {
				logger.Warnf("Feed: generation %d disconnected: %v", gen, err)
				return nil
			}
			return err
		case <-maint.C:
			s.setState(StatePausedMaintenance, "")
			logger.Infof("Feed: maintenance window %s started, disconnecting", s.window)
			return errMaintenance
		case <-staleC:
			last := s.Status().LastTickAt
			if s.now().Sub(last) > s.opts.StaleAfter {
				s.setState(StateReconnecting, "")
				return fmt.Errorf("%w for %s", errStale, s.opts.StaleAfter)
			}
		}
	}
}

// goLive starts a new generation; ticks from older connections are
// discarded from here on.
func (s *Supervisor) goLive() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.genTicks = 0
	s.state = StateLive
	s.lastTick = s.now()
	s.lastErr = ""
	return s.generation
}

func (s *Supervisor) deliver(gen uint64, t trigger.Tick) {
	s.mu.Lock()
	live := s.state == StateLive && s.generation == gen
	if live {
		s.lastTick = s.now()
		s.genTicks++
	} else {
		s.dropped++
	}
	s.mu.Unlock()
	if !live || s.handler == nil {
		return
	}
	s.handler.OnTick(t.Instrument, t.Price, t.At)
}

func (s *Supervisor) generationTicks() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.genTicks
}

func (s *Supervisor) setState(state State, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == state {
		return
	}
	if state == StateReconnecting && s.state == StateLive {
		s.reconnects++
	}
	logger.With("component", "feed", "from", s.state, "to", state, "generation", s.generation, "reconnects", s.reconnects).
		Debug("feed state changed")
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	}
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// pause sleeps through the maintenance window. It returns false on shutdown.
func (s *Supervisor) pause(ctx context.Context, until time.Time) bool {
	s.setState(StatePausedMaintenance, "")
	d := untilOrNever(s.now(), until)
	logger.Infof("Feed: paused for maintenance until %s", until.Format(time.RFC3339))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// wait sleeps for the backoff delay, cut short by shutdown or by the start
// of the maintenance window. It returns false on shutdown.
func (s *Supervisor) wait(ctx context.Context, delay time.Duration) bool {
	now := s.now()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	maint := time.NewTimer(untilOrNever(now, s.window.NextStart(now)))
	defer maint.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-maint.C:
	}
	return true
}

// untilOrNever converts an absolute deadline into a timer duration; a zero
// deadline never fires in practice.
func untilOrNever(now, at time.Time) time.Duration {
	if at.IsZero() {
		return 24 * 365 * time.Hour
	}
	d := at.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
