package projection

import (
	"time"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

// DefaultBucket is the OHLC bucket width.
const DefaultBucket = time.Hour

// Candle is one OHLC bar. Volume is in token units.
type Candle struct {
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
	Open   float64       `json:"open"`
	High   float64       `json:"high"`
	Low    float64       `json:"low"`
	Close  float64       `json:"close"`
	Volume amount.Amount `json:"volume"`
	Trades int           `json:"trades"`
}

// BuildCandles buckets fills into UTC-aligned windows of width bucket and
// returns one bar per non-empty bucket, oldest first.
func BuildCandles(s *state.State, bucket time.Duration) []Candle {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	asc, _ := ascendingTrades(s)

	var out []Candle
	for _, t := range asc {
		start := t.At.UTC().Truncate(bucket)
		if n := len(out); n > 0 && out[n-1].Start.Equal(start) {
			c := &out[n-1]
			if t.Price > c.High {
				c.High = t.Price
			}
			if t.Price < c.Low {
				c.Low = t.Price
			}
			c.Close = t.Price
			c.Volume = amount.Add(c.Volume, t.TokenAmount)
			c.Trades++
			continue
		}
		out = append(out, Candle{
			Start:  start,
			End:    start.Add(bucket),
			Open:   t.Price,
			High:   t.Price,
			Low:    t.Price,
			Close:  t.Price,
			Volume: t.TokenAmount,
			Trades: 1,
		})
	}
	return out
}
