package projection

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

// Views memoizes projections per snapshot. Any call with a different
// snapshot than the cached one drops every cached view. Safe for
// concurrent readers. Returned slices are shared and must not be modified.
type Views struct {
	mu   sync.Mutex
	snap *state.State

	book    *OrderBook
	tape    *TradeTape
	summary *PriceSummary
	candles map[time.Duration][]Candle
	fills   map[common.Address][]MyFill
	orders  map[common.Address][]OrderBookEntry

	hits, misses uint64
}

func NewViews() *Views {
	return &Views{}
}

// bind must be called with mu held.
func (v *Views) bind(s *state.State) {
	if v.snap == s {
		return
	}
	v.snap = s
	v.book = nil
	v.tape = nil
	v.summary = nil
	v.candles = make(map[time.Duration][]Candle)
	v.fills = make(map[common.Address][]MyFill)
	v.orders = make(map[common.Address][]OrderBookEntry)
}

func (v *Views) hit(ok bool) {
	if ok {
		v.hits++
	} else {
		v.misses++
	}
}

func (v *Views) OrderBook(s *state.State) OrderBook {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bind(s)
	v.hit(v.book != nil)
	if v.book == nil {
		b := BuildOrderBook(s)
		v.book = &b
	}
	return *v.book
}

func (v *Views) TradeTape(s *state.State) TradeTape {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bind(s)
	v.hit(v.tape != nil)
	if v.tape == nil {
		t := BuildTradeTape(s)
		v.tape = &t
	}
	return *v.tape
}

func (v *Views) Summary(s *state.State) PriceSummary {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bind(s)
	v.hit(v.summary != nil)
	if v.summary == nil {
		sum := Summarize(s)
		v.summary = &sum
	}
	return *v.summary
}

func (v *Views) Candles(s *state.State, bucket time.Duration) []Candle {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bind(s)
	c, ok := v.candles[bucket]
	v.hit(ok)
	if !ok {
		c = BuildCandles(s, bucket)
		v.candles[bucket] = c
	}
	return c
}

func (v *Views) MyFills(s *state.State, account common.Address) []MyFill {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bind(s)
	f, ok := v.fills[account]
	v.hit(ok)
	if !ok {
		f = MyFills(s, account)
		v.fills[account] = f
	}
	return f
}

func (v *Views) MyOpenOrders(s *state.State, account common.Address) []OrderBookEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bind(s)
	o, ok := v.orders[account]
	v.hit(ok)
	if !ok {
		o = MyOpenOrders(s, account)
		v.orders[account] = o
	}
	return o
}

// Stats reports cache hits and misses since creation.
func (v *Views) Stats() (hits, misses uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hits, v.misses
}
