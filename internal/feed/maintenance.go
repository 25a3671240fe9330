package feed

import (
	"fmt"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/config"
)

// Window is a daily wall-clock interval in a fixed location, e.g. the
// 16:00-18:00 America/New_York settlement break. End before start means
// the window crosses midnight.
type Window struct {
	start int
	end   int
	loc   *time.Location
}

func NewWindow(start, end, timezone string) (Window, error) {
	s, err := config.ParseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := config.ParseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Window{}, fmt.Errorf("window timezone: %w", err)
	}
	return Window{start: s, end: e, loc: loc}, nil
}

func (w Window) enabled() bool { return w.loc != nil && w.start != w.end }

func (w Window) Contains(t time.Time) bool {
	if !w.enabled() {
		return false
	}
	lt := t.In(w.loc)
	m := lt.Hour()*60 + lt.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// NextStart returns the first window start strictly after t.
func (w Window) NextStart(t time.Time) time.Time {
	return w.next(t, w.start)
}

// NextEnd returns the first window end strictly after t.
func (w Window) NextEnd(t time.Time) time.Time {
	return w.next(t, w.end)
}

func (w Window) next(t time.Time, minute int) time.Time {
	if !w.enabled() {
		return time.Time{}
	}
	lt := t.In(w.loc)
	for day := 0; day < 3; day++ {
		c := time.Date(lt.Year(), lt.Month(), lt.Day()+day, minute/60, minute%60, 0, 0, w.loc)
		if c.After(t) {
			return c
		}
	}
	return time.Time{}
}

func (w Window) String() string {
	if !w.enabled() {
		return "disabled"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", w.start/60, w.start%60, w.end/60, w.end%60, w.loc)
}
