package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/config"
	"github.com/thomasdunn15/trading-bot/internal/logger"
	"github.com/thomasdunn15/trading-bot/internal/pkg/contract"
)

// Resolved is a tradable contract and its price increment.
type Resolved struct {
	Symbol   string
	TickSize float64
}

// InstrumentResolver maps alert tickers to tradable contracts.
type InstrumentResolver interface {
	Resolve(ticker string, now time.Time) (Resolved, error)
}

// ContractResolver rolls continuous aliases (NQ1!, bare roots) to the active
// quarterly contract and passes explicit contracts through unchanged.
// Unknown tickers fall back to the default instrument when one is set.
type ContractResolver struct {
	instruments config.InstrumentSet
	fallback    string
}

func NewContractResolver(instruments config.InstrumentSet, fallback string) *ContractResolver {
	return &ContractResolver{instruments: instruments, fallback: strings.ToUpper(strings.TrimSpace(fallback))}
}

func (r *ContractResolver) Resolve(ticker string, now time.Time) (Resolved, error) {
	sym := strings.ToUpper(strings.TrimSpace(ticker))
	// exchange-prefixed chart symbols, e.g. CME_MINI:MNQ1!
	if idx := strings.LastIndex(sym, ":"); idx >= 0 {
		sym = sym[idx+1:]
	}
	if inst, ok := r.instruments.Lookup(sym); ok {
		if r.instruments.IsContinuous(sym) {
			return Resolved{Symbol: contract.Active(inst.Root, now), TickSize: inst.TickSize}, nil
		}
		return Resolved{Symbol: sym, TickSize: inst.TickSize}, nil
	}
	if r.fallback == "" || sym == r.fallback {
		return Resolved{}, fmt.Errorf("unknown instrument %q", ticker)
	}
	inst, ok := r.instruments.Lookup(r.fallback)
	if !ok {
		return Resolved{}, fmt.Errorf("unknown instrument %q and fallback %q", ticker, r.fallback)
	}
	logger.Warnf("Signal: ticker %q not configured, using default %s", ticker, r.fallback)
	return Resolved{Symbol: r.fallback, TickSize: inst.TickSize}, nil
}
