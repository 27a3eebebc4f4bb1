package exchange

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/ledger"
)

const DefaultInboxSize = 1024

var errStopped = errors.New("ingester stopped")

type IngestConfig struct {
	// FromBlock is the first block of history to replay.
	FromBlock uint64
	// Assets are always included in balance reloads, on top of the
	// reference asset and any asset seen in history.
	Assets    []common.Address
	InboxSize int
}

// Ingester feeds the store from the ledger. Live events are queued by the
// subscription callbacks and applied one at a time by Run; bootstrap and
// resync happen on the same goroutine, so every write is serialized.
type Ingester struct {
	reader ledger.Reader
	store  *Store
	cfg    IngestConfig
	log    *zap.SugaredLogger

	// observe sees every live event, including ones dropped at the
	// boundary. It must not block.
	observe func(event.Event)

	inbox   chan event.Event
	resyncc chan chan error
	failc   chan error
	done    chan struct{}
	stop    sync.Once
	subs    []ledger.Subscription

	mu           sync.Mutex
	boundary     uint64
	bootstrapped bool
	halted       error
}

func NewIngester(r ledger.Reader, store *Store, cfg IngestConfig, log *zap.SugaredLogger) *Ingester {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ingester{
		reader:  r,
		store:   store,
		cfg:     cfg,
		log:     log,
		observe: func(event.Event) {},
		inbox:   make(chan event.Event, cfg.InboxSize),
		resyncc: make(chan chan error),
		failc:   make(chan error, len(event.ReplayOrder)),
		done:    make(chan struct{}),
	}
}

// OnLive registers the observer for live events. Call before Bootstrap.
func (in *Ingester) OnLive(fn func(event.Event)) { in.observe = fn }

// Bootstrap subscribes to every event kind, replays history up to the
// current head and reloads balances at that head. Live events queue up
// meanwhile and are applied by Run. Any failure halts the ingester. ctx
// also bounds the lifetime of the subscriptions.
func (in *Ingester) Bootstrap(ctx context.Context) error {
	for _, kind := range event.ReplayOrder {
		sub, err := in.reader.Subscribe(ctx, kind, in.enqueue)
		if err != nil {
			return in.halt(unavailable("subscribe "+kind.String(), err))
		}
		in.subs = append(in.subs, sub)
		go in.watch(sub)
	}

	head, err := in.rebuild(ctx)
	if err != nil {
		return in.halt(err)
	}

	in.mu.Lock()
	in.bootstrapped = true
	in.mu.Unlock()
	s := in.store.Current()
	in.log.Infow("bootstrap_complete", "head", head, "orders", s.NumOrders(), "version", s.Version())
	return nil
}

// rebuild replays [FromBlock, head] into a fresh state, reloads balances
// at head and swaps the result into the store.
func (in *Ingester) rebuild(ctx context.Context) (uint64, error) {
	head, err := in.reader.Head(ctx)
	if err != nil {
		return 0, unavailable("head", err)
	}

	var history []event.Event
	accounts := make(map[common.Address]struct{})
	assets := map[common.Address]struct{}{in.store.Current().Reference(): {}}
	for _, a := range in.cfg.Assets {
		assets[a] = struct{}{}
	}
	if in.cfg.FromBlock <= head {
		for _, kind := range event.ReplayOrder {
			evs, err := in.reader.FetchHistorical(ctx, kind, in.cfg.FromBlock, head)
			if err != nil {
				return 0, unavailable("fetch "+kind.String(), err)
			}
			in.log.Debugw("history_fetched", "kind", kind.String(), "from", in.cfg.FromBlock, "to", head, "events", len(evs))
			for _, ev := range evs {
				for _, a := range ev.Accounts() {
					accounts[a] = struct{}{}
				}
				for _, a := range ev.Assets() {
					assets[a] = struct{}{}
				}
			}
			history = append(history, evs...)
		}
	}

	sheet, err := in.reader.Balances(ctx, ledger.BalanceQuery{
		Accounts: sortedAddrs(accounts),
		Assets:   sortedAddrs(assets),
		Block:    head,
	})
	if err != nil {
		return 0, unavailable("balances", err)
	}

	b := in.store.Current().Fresh()
	b.Reload(sheet.Entries, sheet.Checkpoint())
	for _, ev := range history {
		if err := b.Apply(ev); err != nil {
			in.store.logViolation(ev, err)
		}
	}
	in.store.Replace(b.State())

	in.mu.Lock()
	in.boundary = head
	in.mu.Unlock()
	return head, nil
}

// Run applies live events until ctx ends or a subscription breaks. It
// also serves Resync requests.
func (in *Ingester) Run(ctx context.Context) error {
	if err := in.Halted(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			in.Stop()
			return ctx.Err()
		case <-in.done:
			return errStopped
		case err := <-in.failc:
			return in.halt(err)
		case reply := <-in.resyncc:
			head, err := in.rebuild(ctx)
			if err == nil {
				in.log.Infow("resync_complete", "head", head, "version", in.store.Current().Version())
			}
			reply <- err
		case ev := <-in.inbox:
			in.handle(ev)
		}
	}
}

// handle folds ev and then shows it to the observer, so an observer never
// sees an event the store does not reflect yet.
func (in *Ingester) handle(ev event.Event) {
	in.mu.Lock()
	boundary := in.boundary
	in.mu.Unlock()
	if pos := ev.Position(); pos.Block <= boundary {
		in.log.Debugw("live_event_dropped", "event", ev.Kind().String(), "block", pos.Block, "boundary", boundary)
	} else {
		in.store.Apply(ev)
	}
	in.observe(ev)
}

// Resync rebuilds the state from scratch on the Run goroutine.
func (in *Ingester) Resync(ctx context.Context) error {
	if err := in.Halted(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case in.resyncc <- reply:
	case <-in.done:
		return in.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Ingester) enqueue(ev event.Event) {
	select {
	case in.inbox <- ev:
	case <-in.done:
	}
}

func (in *Ingester) watch(sub ledger.Subscription) {
	select {
	case err, ok := <-sub.Err():
		if !ok {
			return
		}
		select {
		case in.failc <- unavailable("subscription", err):
		default:
		}
	case <-in.done:
	}
}

// Stop unsubscribes and stops Run. It is safe to call more than once.
func (in *Ingester) Stop() {
	in.stop.Do(func() {
		close(in.done)
		for _, sub := range in.subs {
			sub.Unsubscribe()
		}
	})
}

func (in *Ingester) halt(err error) error {
	in.mu.Lock()
	if in.halted == nil {
		in.halted = err
	}
	in.mu.Unlock()
	in.log.Errorw("ingester_halted", "err", err)
	in.Stop()
	return err
}

// Halted returns the error that stopped the ingester, or nil.
func (in *Ingester) Halted() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.halted
}

func (in *Ingester) stoppedErr() error {
	if err := in.Halted(); err != nil {
		return err
	}
	return errStopped
}

func (in *Ingester) Bootstrapped() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.bootstrapped
}

// Boundary is the head of the last bootstrap or resync. Live events at or
// before it are already part of the state.
func (in *Ingester) Boundary() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.boundary
}

// Backlog is the number of queued live events.
func (in *Ingester) Backlog() int { return len(in.inbox) }

func unavailable(op string, err error) error {
	if errors.Is(err, ledger.ErrLedgerUnavailable) {
		return err
	}
	return ledger.Unavailable(op, err)
}

func sortedAddrs(m map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
