// Package exchange wires the read model to a ledger: the store owning the
// current snapshot, the ingester feeding it, memoized projections and the
// operation pipeline.
package exchange

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/ops"
	"github.com/uhyunpark/dexview/pkg/app/core/projection"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
	"github.com/uhyunpark/dexview/pkg/ledger"
	"github.com/uhyunpark/dexview/pkg/util"
)

type Config struct {
	Reference common.Address
	Ingest    IngestConfig
}

type App struct {
	log      *zap.SugaredLogger
	store    *Store
	ingester *Ingester
	views    *projection.Views
	ops      *ops.Pipeline
}

func New(l ledger.Ledger, cfg Config, clock util.Clock, log *zap.SugaredLogger) *App {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	store := NewStore(cfg.Reference, log.Named("store"))
	a := &App{
		log:      log,
		store:    store,
		ingester: NewIngester(l, store, cfg.Ingest, log.Named("ingest")),
		views:    projection.NewViews(),
		ops:      ops.New(l, store.Current, clock, log.Named("ops")),
	}
	a.ingester.OnLive(a.ops.Observe)
	return a
}

// Bootstrap loads history and balances. A failure halts the app for good.
func (a *App) Bootstrap(ctx context.Context) error { return a.ingester.Bootstrap(ctx) }

// Run applies live events until ctx ends or the ledger feed breaks.
func (a *App) Run(ctx context.Context) error { return a.ingester.Run(ctx) }

// Stop ends Run and drops the ledger subscriptions.
func (a *App) Stop() { a.ingester.Stop() }

// Resync replays the ledger into a fresh state and swaps it in.
func (a *App) Resync(ctx context.Context) error { return a.ingester.Resync(ctx) }

// Submit sends a mutating request. It fails fast once the app is halted.
func (a *App) Submit(ctx context.Context, req event.Request) (ops.Operation, error) {
	if err := a.ingester.Halted(); err != nil {
		return ops.Operation{}, err
	}
	return a.ops.Submit(ctx, req)
}

// Current returns the latest snapshot.
func (a *App) Current() *state.State { return a.store.Current() }

// Subscribe is called with every new snapshot.
func (a *App) Subscribe(fn func(*state.State)) (cancel func()) { return a.store.Subscribe(fn) }

// SubscribeOps is called on every operation status change.
func (a *App) SubscribeOps(fn func(ops.Operation)) (cancel func()) { return a.ops.Subscribe(fn) }

func (a *App) Pending() ops.PendingFlags         { return a.ops.Flags() }
func (a *App) ActiveOperations() []ops.Operation { return a.ops.Active() }

// LastOperation returns the latest resolved operation in c.
func (a *App) LastOperation(c ops.Category) (ops.Operation, bool) { return a.ops.Last(c) }

// Recent returns the latest resolved operation of every category that has one.
func (a *App) Recent() []ops.Operation {
	var out []ops.Operation
	for _, c := range ops.Categories {
		if op, ok := a.ops.Last(c); ok {
			out = append(out, op)
		}
	}
	return out
}

func (a *App) OrderBook() projection.OrderBook { return a.views.OrderBook(a.Current()) }
func (a *App) TradeTape() projection.TradeTape { return a.views.TradeTape(a.Current()) }
func (a *App) Summary() projection.PriceSummary {
	return a.views.Summary(a.Current())
}
func (a *App) Candles(bucket time.Duration) []projection.Candle {
	return a.views.Candles(a.Current(), bucket)
}
func (a *App) MyFills(account common.Address) []projection.MyFill {
	return a.views.MyFills(a.Current(), account)
}
func (a *App) MyOpenOrders(account common.Address) []projection.OrderBookEntry {
	return a.views.MyOpenOrders(a.Current(), account)
}

// Status is the health summary of the read model.
type Status struct {
	Bootstrapped   bool             `json:"bootstrapped"`
	BalancesLoaded bool             `json:"balancesLoaded"`
	Halted         bool             `json:"halted"`
	Error          string           `json:"error,omitempty"`
	Version        uint64           `json:"version"`
	Boundary       uint64           `json:"boundaryBlock"`
	Checkpoint     event.Position   `json:"checkpoint"`
	Digest         common.Hash      `json:"digest"`
	Orders         int              `json:"orders"`
	Backlog        int              `json:"backlog"`
	Pending        ops.PendingFlags `json:"pending"`
	ViewHits       uint64           `json:"viewHits"`
	ViewMisses     uint64           `json:"viewMisses"`
}

func (a *App) Status() Status {
	s := a.Current()
	hits, misses := a.views.Stats()
	st := Status{
		Bootstrapped:   a.ingester.Bootstrapped(),
		BalancesLoaded: s.BalancesLoaded(),
		Version:        s.Version(),
		Boundary:       a.ingester.Boundary(),
		Checkpoint:     s.Checkpoint(),
		Digest:         s.Digest(),
		Orders:         s.NumOrders(),
		Backlog:        a.ingester.Backlog(),
		Pending:        a.ops.Flags(),
		ViewHits:       hits,
		ViewMisses:     misses,
	}
	if err := a.ingester.Halted(); err != nil {
		st.Halted = true
		st.Error = err.Error()
	}
	return st
}
