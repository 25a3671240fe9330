package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/types"
)

// PositionAlerts turns committed position changes into operator messages:
// entry filled, trailing armed, position closed and manual resolution
// needed. Intermediate pending states are not reported.
type PositionAlerts struct {
	sender  TextNotifier
	queue   chan types.PositionView
	timeout time.Duration
	now     func() time.Time

	// owned by Run
	last map[string]types.PositionView
}

func NewPositionAlerts(sender TextNotifier, queueSize int) *PositionAlerts {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &PositionAlerts{
		sender:  sender,
		queue:   make(chan types.PositionView, queueSize),
		timeout: 30 * time.Second,
		now:     time.Now,
		last:    make(map[string]types.PositionView),
	}
}

// PositionChanged queues view without blocking; a full queue drops it.
func (a *PositionAlerts) PositionChanged(view types.PositionView) {
	select {
	case a.queue <- view:
	default:
		logger.Warnf("Notifier: alert queue full, dropped %s %s", view.Instrument, view.State)
	}
}

func (a *PositionAlerts) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case view := <-a.queue:
			msg, ok := a.next(view)
			if !ok {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
			if err := a.sender.SendText(sendCtx, msg.RenderMarkdown()); err != nil && ctx.Err() == nil {
				logger.Warnf("Notifier: %s alert for %s not delivered: %v", msg.Title, view.Instrument, err)
			}
			cancel()
		}
	}
}

// next records view and returns the message for the transition, if any.
func (a *PositionAlerts) next(view types.PositionView) (StructuredMessage, bool) {
	prev, had := a.last[view.Instrument]
	if view.State == types.StateFlat {
		delete(a.last, view.Instrument)
	} else {
		a.last[view.Instrument] = view
	}
	sameLifecycle := had && prev.LifecycleID == view.LifecycleID

	if view.Unreconciled && !(sameLifecycle && prev.Unreconciled) {
		return a.message("⚠️", "Manual resolution needed", view, view.LastError), true
	}
	if sameLifecycle && prev.State == view.State {
		return StructuredMessage{}, false
	}
	switch view.State {
	case types.StateArmed:
		return a.message("✅", "Entry filled", view, ""), true
	case types.StateTrailing:
		return a.message("📈", "Trailing stop placed", view, ""), true
	case types.StateFlat:
		if !had {
			return StructuredMessage{}, false
		}
		return a.message("⏹", "Position closed", view, ""), true
	}
	return StructuredMessage{}, false
}

func (a *PositionAlerts) message(icon, title string, view types.PositionView, footer string) StructuredMessage {
	lines := []string{
		fmt.Sprintf("state: %s", view.State),
		fmt.Sprintf("side: %s x%d", view.Side, view.Qty),
	}
	if view.EntryPrice > 0 {
		lines = append(lines, fmt.Sprintf("entry: %.2f", view.EntryPrice))
	}
	if view.TriggerPrice != nil {
		lines = append(lines, fmt.Sprintf("trigger: %.2f", *view.TriggerPrice))
	}
	lines = append(lines, "lifecycle: "+view.LifecycleID)
	return StructuredMessage{
		Icon:      icon,
		Title:     title,
		Sections:  []MessageSection{{Title: view.Instrument, Lines: lines}},
		Footer:    footer,
		Timestamp: a.now(),
	}
}
