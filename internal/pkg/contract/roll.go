// Package contract maps continuous futures symbols onto the quarterly
// contract that is currently active.
package contract

import (
	"fmt"
	"strings"
	"time"
)

// RollLeadDays is how many calendar days before expiry (third Friday of the
// quarter month) trading moves to the next quarter, roughly eight sessions.
const RollLeadDays = 11

var monthCodes = map[time.Month]string{
	time.March:     "H",
	time.June:      "M",
	time.September: "U",
	time.December:  "Z",
}

// Active returns the active quarterly symbol for root at now, e.g. NQ -> NQZ5.
func Active(root string, now time.Time) string {
	root = strings.ToUpper(strings.TrimSpace(root))
	now = now.UTC()
	month := quarterMonth(now.Month())
	year := now.Year()
	if !now.Before(RollStart(year, month)) {
		month += 3
		if month > time.December {
			month = time.March
			year++
		}
	}
	return fmt.Sprintf("%s%s%d", root, monthCodes[month], year%10)
}

// RollStart is the first instant at which the quarter's contract is no longer active.
func RollStart(year int, month time.Month) time.Time {
	return ThirdFriday(year, month).AddDate(0, 0, -RollLeadDays)
}

// ThirdFriday returns midnight UTC of the third Friday of the month.
func ThirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

func quarterMonth(m time.Month) time.Month {
	return time.Month(((int(m)-1)/3 + 1) * 3)
}
