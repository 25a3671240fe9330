package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomasdunn15/trading-bot/internal/trigger"
)

type fakeConn struct {
	ticks chan trigger.Tick
	fail  chan error
	done  chan struct{}
	once  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{ticks: make(chan trigger.Tick), fail: make(chan error, 1), done: make(chan struct{})}
}

func (c *fakeConn) ReadLoop(deliver func(trigger.Tick)) error {
	for {
		select {
		case t := <-c.ticks:
			deliver(t)
		case err := <-c.fail:
			return err
		case <-c.done:
			return errors.New("use of closed network connection")
		}
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	errs   []error
	dials  int
	dialed chan *fakeConn
}

func newFakeDialer(errs ...error) *fakeDialer {
	return &fakeDialer{errs: errs, dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	i := d.dials
	d.dials++
	failAll := len(d.errs) == 1 && d.errs[0] != nil
	d.mu.Unlock()
	if failAll {
		return nil, d.errs[0]
	}
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	conn := newFakeConn()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type tickRecorder struct {
	mu    sync.Mutex
	ticks []trigger.Tick
}

func (r *tickRecorder) OnTick(instrument string, price float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, trigger.Tick{Instrument: instrument, Price: price, At: at})
}

func (r *tickRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

// offsetClock runs in real time from base.
func offsetClock(base time.Time) func() time.Time {
	start := time.Now()
	return func() time.Time { return base.Add(time.Since(start)) }
}

func fastOptions() Options {
	return Options{ReconnectInitial: 5 * time.Millisecond, ReconnectMax: 20 * time.Millisecond}
}

func startSupervisor(t *testing.T, s *Supervisor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func TestSupervisorDeliversWhileLive(t *testing.T) {
	dialer := newFakeDialer()
	rec := &tickRecorder{}
	s := NewSupervisor(dialer, NewSession(&stubAuth{}, time.Hour, 3), Window{}, rec, fastOptions())
	stop := startSupervisor(t, s)
	defer stop()

	conn := nextConn(t, dialer)
	require.Eventually(t, func() bool { return s.State() == StateLive }, time.Second, 5*time.Millisecond)
	conn.ticks <- trigger.Tick{Instrument: "MNQZ5", Price: 21002.25, At: time.Now()}
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)

	st := s.Status()
	assert.Equal(t, StateLive, st.State)
	assert.EqualValues(t, 1, st.Generation)
	assert.False(t, st.LastTickAt.IsZero())
}

func TestSupervisorReconnectDropsOldGeneration(t *testing.T) {
	dialer := newFakeDialer()
	rec := &tickRecorder{}
	s := NewSupervisor(dialer, NewSession(&stubAuth{}, time.Hour, 3), Window{}, rec, fastOptions())
	stop := startSupervisor(t, s)
	defer stop()

	first := nextConn(t, dialer)
	first.fail <- errors.New("connection reset")
	second := nextConn(t, dialer)
	require.Eventually(t, func() bool { return s.Status().Generation == 2 && s.State() == StateLive }, time.Second, 5*time.Millisecond)
	assert.True(t, first.closed())

	// a straggler from the first connection
	s.deliver(1, trigger.Tick{Instrument: "MNQZ5", Price: 21000})
	assert.Zero(t, rec.len())
	assert.EqualValues(t, 1, s.Status().Dropped)
	assert.GreaterOrEqual(t, s.Status().Reconnects, 1)

	second.ticks <- trigger.Tick{Instrument: "MNQZ5", Price: 21001}
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorWaitsOutMaintenanceWindow(t *testing.T) {
	ny := newYork(t)
	w, err := NewWindow("16:00", "18:00", "America/New_York")
	require.NoError(t, err)
	dialer := newFakeDialer()
	rec := &tickRecorder{}
	s := NewSupervisor(dialer, NewSession(&stubAuth{}, time.Hour, 3), w, rec, fastOptions())
	s.now = offsetClock(time.Date(2025, 10, 15, 17, 59, 59, 600_000_000, ny))
	stop := startSupervisor(t, s)
	defer stop()

	require.Eventually(t, func() bool { return s.State() == StatePausedMaintenance }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, dialer.count(), "no reconnect attempts inside the window")

	// ticks that race the reconnect are discarded, not queued
	s.deliver(s.Status().Generation, trigger.Tick{Instrument: "MNQZ5", Price: 21000})
	assert.Zero(t, rec.len())

	conn := nextConn(t, dialer)
	require.Eventually(t, func() bool { return s.State() == StateLive }, time.Second, 5*time.Millisecond)
	conn.ticks <- trigger.Tick{Instrument: "MNQZ5", Price: 21001}
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorDisconnectsWhenWindowStarts(t *testing.T) {
	ny := newYork(t)
	w, err := NewWindow("16:00", "18:00", "America/New_York")
	require.NoError(t, err)
	dialer := newFakeDialer()
	s := NewSupervisor(dialer, NewSession(&stubAuth{}, time.Hour, 3), w, &tickRecorder{}, fastOptions())
	s.now = offsetClock(time.Date(2025, 10, 15, 15, 59, 59, 800_000_000, ny))
	stop := startSupervisor(t, s)
	defer stop()

	conn := nextConn(t, dialer)
	require.Eventually(t, conn.closed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatePausedMaintenance, s.State())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}

func TestSupervisorHaltsAfterReconnectCeiling(t *testing.T) {
	dialer := newFakeDialer(errors.New("connection refused"))
	opts := fastOptions()
	opts.MaxAttempts = 3
	s := NewSupervisor(dialer, NewSession(&stubAuth{}, time.Hour, 3), Window{}, &tickRecorder{}, opts)
	stop := startSupervisor(t, s)
	defer stop()

	require.Eventually(t, func() bool { return s.State() == StateHalted }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dialer.count())
	assert.Contains(t, s.Status().LastError, "connection refused")
}

func TestSupervisorRestartsStaleStream(t *testing.T) {
	dialer := newFakeDialer()
	opts := fastOptions()
	opts.StaleAfter = 150 * time.Millisecond
	s := NewSupervisor(dialer, NewSession(&stubAuth{}, time.Hour, 3), Window{}, &tickRecorder{}, opts)
	stop := startSupervisor(t, s)
	defer stop()

	first := nextConn(t, dialer)
	second := nextConn(t, dialer)
	assert.True(t, first.closed())
	assert.NotNil(t, second)
}

func TestSupervisorRetriesFailedLogin(t *testing.T) {
	dialer := newFakeDialer()
	auth := &stubAuth{errs: []error{errors.New("bad key")}}
	s := NewSupervisor(dialer, NewSession(auth, time.Hour, 3), Window{}, &tickRecorder{}, fastOptions())
	stop := startSupervisor(t, s)
	defer stop()

	nextConn(t, dialer)
	auth.mu.Lock()
	defer auth.mu.Unlock()
	assert.Equal(t, 2, auth.calls)
}
