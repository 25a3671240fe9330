package signal

import (
	"sync"
	"time"
)

type acceptance struct {
	signalTS   time.Time
	acceptedAt time.Time
}

type instrumentHistory struct {
	last      *acceptance
	lastClose *acceptance
}

// Registry remembers the last accepted signal per instrument. Admit checks and
// records in one critical section, so two concurrent deliveries of the same
// alert cannot both pass.
type Registry struct {
	mu                sync.Mutex
	holdoff           time.Duration
	suppressAfterExit bool
	byInstrument      map[string]*instrumentHistory
}

func NewRegistry(holdoff time.Duration, suppressEntriesAfterClose bool) *Registry {
	return &Registry{
		holdoff:           holdoff,
		suppressAfterExit: suppressEntriesAfterClose,
		byInstrument:      make(map[string]*instrumentHistory),
	}
}

// Admit returns a Duplicate rejection when a signal for the instrument was
// accepted within the holdoff and this one is not strictly newer. When entry
// suppression is on, an entry is also dropped if its timestamp does not come
// after the last accepted exit, or if it lands inside the exit's holdoff.
func (r *Registry) Admit(instrument string, intent Intent, signalTS, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hist := r.byInstrument[instrument]
	if hist == nil {
		hist = &instrumentHistory{}
		r.byInstrument[instrument] = hist
	}
	if last := hist.last; last != nil && now.Sub(last.acceptedAt) < r.holdoff && !signalTS.After(last.signalTS) {
		return reject(ReasonDuplicate, "%s signal at %s is not newer than %s accepted %s ago",
			instrument, signalTS.Format(time.RFC3339Nano), last.signalTS.Format(time.RFC3339Nano), now.Sub(last.acceptedAt).Round(time.Millisecond))
	}
	if intent == IntentEntry && r.suppressAfterExit && hist.lastClose != nil {
		lc := hist.lastClose
		if !signalTS.After(lc.signalTS) {
			return reject(ReasonDuplicate, "%s entry at %s predates last exit at %s",
				instrument, signalTS.Format(time.RFC3339Nano), lc.signalTS.Format(time.RFC3339Nano))
		}
		if now.Sub(lc.acceptedAt) < r.holdoff {
			return reject(ReasonDuplicate, "%s entry inside exit holdoff (%s)", instrument, now.Sub(lc.acceptedAt).Round(time.Millisecond))
		}
	}

	rec := &acceptance{signalTS: signalTS, acceptedAt: now}
	hist.last = rec
	if intent == IntentExit {
		hist.lastClose = rec
	}
	return nil
}
