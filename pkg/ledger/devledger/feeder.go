package devledger

import (
	"context"
	"math/big"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
)

// FeederConfig controls simulated trading activity.
type FeederConfig struct {
	Interval    time.Duration // how often to submit a batch
	BatchSize   int           // requests per batch
	NumAccounts int           // simulated traders
	Reference   common.Address
	Token       common.Address
	StartPrice  float64 // reference units per token
	Funding     uint64  // whole units minted and deposited per asset per trader
	Seed        int64
}

func DefaultFeederConfig(ref, token common.Address) FeederConfig {
	return FeederConfig{
		Interval:    time.Second,
		BatchSize:   4,
		NumAccounts: 8,
		Reference:   ref,
		Token:       token,
		StartPrice:  0.01,
		Funding:     1000,
		Seed:        time.Now().UnixNano(),
	}
}

func HighLoadFeederConfig(ref, token common.Address) FeederConfig {
	cfg := DefaultFeederConfig(ref, token)
	cfg.Interval = 100 * time.Millisecond
	cfg.BatchSize = 50
	cfg.NumAccounts = 200
	return cfg
}

// Feeder submits random deposits, orders, cancels and fills.
type Feeder struct {
	l     *Ledger
	cfg   FeederConfig
	rng   *rand.Rand
	price float64
	accts []common.Address

	mu   sync.Mutex
	open map[event.OrderID]common.Address // order -> maker
}

func NewFeeder(l *Ledger, cfg FeederConfig) *Feeder {
	f := &Feeder{
		l:     l,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		price: cfg.StartPrice,
		open:  make(map[event.OrderID]common.Address),
	}
	for i := 0; i < cfg.NumAccounts; i++ {
		f.accts = append(f.accts, common.BigToAddress(big.NewInt(int64(0xF000+i))))
	}
	return f
}

// Fund mints and deposits the starting balances of every trader.
func (f *Feeder) Fund(ctx context.Context) error {
	funding := amount.FromUnits(f.cfg.Funding)
	for _, a := range f.accts {
		for _, asset := range []common.Address{f.cfg.Reference, f.cfg.Token} {
			if err := f.l.Mint(a, asset, funding); err != nil {
				return err
			}
			if _, err := f.l.Submit(ctx, event.DepositRequest{From: a, Asset: asset, Amount: funding}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Feeder) track(ev event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch e := ev.(type) {
	case event.OrderPlaced:
		f.open[e.ID] = e.Maker
	case event.OrderCancelled:
		delete(f.open, e.OrderID)
	case event.OrderFilled:
		delete(f.open, e.OrderID)
	}
}

func (f *Feeder) pickOpen() (event.OrderID, common.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, maker := range f.open {
		return id, maker, true
	}
	return "", common.Address{}, false
}

// Next builds one random request.
func (f *Feeder) Next() event.Request {
	trader := f.accts[f.rng.Intn(len(f.accts))]
	roll := f.rng.Intn(10)

	if roll < 3 {
		if id, maker, ok := f.pickOpen(); ok {
			if roll == 0 {
				return event.CancelOrderRequest{Maker: maker, OrderID: id}
			}
			return event.FillOrderRequest{Taker: trader, OrderID: id}
		}
	}

	// Random walk within +-2% per order.
	f.price *= 1 + (f.rng.Float64()-0.5)*0.04
	tokens := uint64(1 + f.rng.Intn(20))
	refAmt := amount.MustDisplay(strconv.FormatFloat(f.price*float64(tokens), 'f', 6, 64))
	tokAmt := amount.FromUnits(tokens)

	if f.rng.Intn(2) == 0 {
		return event.PlaceOrderRequest{Maker: trader, GiveAsset: f.cfg.Reference, GiveAmount: refAmt, GetAsset: f.cfg.Token, GetAmount: tokAmt}
	}
	return event.PlaceOrderRequest{Maker: trader, GiveAsset: f.cfg.Token, GiveAmount: tokAmt, GetAsset: f.cfg.Reference, GetAmount: refAmt}
}

// StartFeeder funds the traders and feeds requests until ctx ends.
// It returns a cancel function that stops the feeder.
func StartFeeder(ctx context.Context, l *Ledger, cfg FeederConfig) (context.CancelFunc, error) {
	f := NewFeeder(l, cfg)
	feedCtx, cancel := context.WithCancel(ctx)

	for _, kind := range []event.Kind{event.KindOrderPlaced, event.KindOrderCancelled, event.KindOrderFilled} {
		if _, err := l.Subscribe(feedCtx, kind, f.track); err != nil {
			cancel()
			return nil, err
		}
	}
	if err := f.Fund(feedCtx); err != nil {
		cancel()
		return nil, err
	}

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		start := time.Now()
		total := 0
		l.log.Infow("feeder_started", "traders", cfg.NumAccounts, "batch", cfg.BatchSize, "interval", cfg.Interval)

		for {
			select {
			case <-feedCtx.Done():
				l.log.Infow("feeder_stopped", "submitted", total, "elapsed", time.Since(start).Round(time.Second))
				return
			case <-ticker.C:
				for i := 0; i < cfg.BatchSize; i++ {
					if _, err := l.Submit(feedCtx, f.Next()); err != nil {
						l.log.Warnw("feeder_submit_failed", "err", err)
						break
					}
					total++
				}
			}
		}
	}()

	return cancel, nil
}
