package projection

import (
	"time"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

// Direction compares a fill's price with the fill right before it in time.
type Direction uint8

const (
	Up Direction = iota + 1
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type TradeTapeEntry struct {
	event.OrderFilled
	Decoration
	Direction Direction `json:"direction"`
}

// TradeTape lists fills newest first.
type TradeTape struct {
	Trades  []TradeTapeEntry `json:"trades"`
	Skipped []event.OrderID  `json:"skipped,omitempty"`
}

// BuildTradeTape decorates every fill and colours it against its
// predecessor in ascending time. Directions are assigned in that single
// ascending pass and the result is then reversed for presentation.
func BuildTradeTape(s *state.State) TradeTape {
	asc, skipped := ascendingTrades(s)
	out := make([]TradeTapeEntry, len(asc))
	for i, e := range asc {
		out[len(asc)-1-i] = e
	}
	return TradeTape{Trades: out, Skipped: skipped}
}

func ascendingTrades(s *state.State) ([]TradeTapeEntry, []event.OrderID) {
	fills := s.Fills()
	out := make([]TradeTapeEntry, 0, len(fills))
	var skipped []event.OrderID
	for _, f := range fills {
		d, err := DecorateFill(s.Reference(), f)
		if err != nil {
			skipped = append(skipped, f.OrderID)
			continue
		}
		dir := Up
		if n := len(out); n > 0 && d.Price < out[n-1].Price {
			dir = Down
		}
		out = append(out, TradeTapeEntry{OrderFilled: f, Decoration: d, Direction: dir})
	}
	return out, skipped
}

// PriceSummary is the headline of the price chart.
type PriceSummary struct {
	LastPrice float64 `json:"lastPrice"`
	// Change is "+" when the last price is at or above the one before it.
	Change string    `json:"lastPriceChange"`
	At     time.Time `json:"at"`
	Trades int       `json:"trades"`
}

// Summarize reports the latest price and its direction.
func Summarize(s *state.State) PriceSummary {
	asc, _ := ascendingTrades(s)
	sum := PriceSummary{Change: "+", Trades: len(asc)}
	if n := len(asc); n > 0 {
		sum.LastPrice = asc[n-1].Price
		sum.At = asc[n-1].At
		if n > 1 && asc[n-1].Price < asc[n-2].Price {
			sum.Change = "-"
		}
	}
	return sum
}
