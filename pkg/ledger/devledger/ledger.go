// Package devledger is an in-process exchange ledger with the semantics of
// the on-chain exchange contract. It backs local development and tests:
// requests are queued in a mempool, executed in blocks, and every effect
// is published as a ledger event.
package devledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
	"github.com/uhyunpark/dexview/pkg/ledger"
	"github.com/uhyunpark/dexview/pkg/util"
)

var (
	ErrReverted = errors.New("execution reverted")
	ErrClosed   = errors.New("dev ledger closed")
)

type Options struct {
	// DataDir holds the pebble store. Empty keeps the chain in memory.
	DataDir       string
	BlockTime     time.Duration
	MaxTxPerBlock int // 0 = unlimited
	// FeePercent is charged to the taker in the get asset and credited to FeeAccount.
	FeePercent uint64
	FeeAccount common.Address
	Clock      util.Clock
	Logger     *zap.SugaredLogger
}

func DefaultOptions() Options {
	return Options{
		BlockTime: 500 * time.Millisecond,
		Clock:     util.RealClock{},
	}
}

type rejection struct {
	hash common.Hash
	err  error
}

// Ledger is the dev exchange. It implements ledger.Ledger and
// ledger.RejectionNotifier.
type Ledger struct {
	opts  Options
	log   *zap.SugaredLogger
	store *Store
	pool  *Mempool

	// produceMu serializes block production with its delivery, so
	// subscribers see blocks in order.
	produceMu sync.Mutex

	mu       sync.Mutex
	head     uint64
	orderSeq uint64
	balances map[state.BalanceKey]amount.Amount
	closed   bool

	subMu    sync.RWMutex
	subs     map[event.Kind]map[*subscription]func(event.Event)
	onReject []func(common.Hash, error)
}

func Open(opts Options) (*Ledger, error) {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = DefaultOptions().BlockTime
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	store, err := OpenStore(opts.DataDir)
	if err != nil {
		return nil, err
	}
	head, err := store.LoadHead()
	if err != nil {
		store.Close()
		return nil, err
	}
	seq, err := store.LoadOrderSeq()
	if err != nil {
		store.Close()
		return nil, err
	}
	balances, err := store.LoadBalances()
	if err != nil {
		store.Close()
		return nil, err
	}

	log.Infow("dev_ledger_opened", "data_dir", opts.DataDir, "head", head, "orders", seq, "fee_percent", opts.FeePercent)
	return &Ledger{
		opts:     opts,
		log:      log,
		store:    store,
		pool:     NewMempool(),
		head:     head,
		orderSeq: seq,
		balances: balances,
		subs:     make(map[event.Kind]map[*subscription]func(event.Event)),
	}, nil
}

// Close stops delivery, breaks every subscription and closes the store.
func (l *Ledger) Close() error {
	l.produceMu.Lock()
	defer l.produceMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.subMu.Lock()
	for _, byKind := range l.subs {
		for sub := range byKind {
			sub.fail(ErrClosed)
		}
	}
	l.subs = make(map[event.Kind]map[*subscription]func(event.Event))
	l.subMu.Unlock()

	return l.store.Close()
}

// Run produces a block every BlockTime while requests are pending.
func (l *Ledger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.opts.Clock.After(l.opts.BlockTime):
			if l.pool.Len() == 0 {
				continue
			}
			if _, err := l.ProduceBlock(); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				l.log.Errorw("block_production_failed", "err", err)
			}
		}
	}
}

// ProduceBlock executes every pending request in a new block and publishes
// the resulting events. With nothing pending it returns the current head.
func (l *Ledger) ProduceBlock() (uint64, error) {
	l.produceMu.Lock()
	defer l.produceMu.Unlock()

	txs := l.pool.SelectForBlock(l.opts.MaxTxPerBlock)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	if len(txs) == 0 {
		head := l.head
		l.mu.Unlock()
		return head, nil
	}

	w := newBlockWrite(l.head+1, l.orderSeq)
	at := l.opts.Clock.Now().UTC().Truncate(time.Second)
	var rejected []rejection
	for _, tx := range txs {
		x := &execution{l: l, w: w, staged: make(map[state.BalanceKey]amount.Amount)}
		if err := x.run(tx, at); err != nil {
			rejected = append(rejected, rejection{hash: tx.hash, err: err})
			continue
		}
		for k, v := range x.staged {
			w.balances[k] = v
		}
	}

	if err := l.store.commit(w); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	l.head = w.block
	l.orderSeq = w.orderSeq
	for k, v := range w.balances {
		l.balances[k] = v
	}
	l.mu.Unlock()

	l.log.Infow("block_produced", "block", w.block, "txs", len(txs), "events", len(w.events), "rejected", len(rejected))

	l.deliver(w.events)
	l.reject(rejected)
	return w.block, nil
}

// Mint credits a wallet out of band, in its own block. It stands in for
// funding an account from outside the exchange, so no event is emitted.
func (l *Ledger) Mint(account, asset common.Address, amt amount.Amount) error {
	l.produceMu.Lock()
	defer l.produceMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	k := state.BalanceKey{Account: account, Asset: asset, Location: state.Wallet}
	w := newBlockWrite(l.head+1, l.orderSeq)
	w.balances[k] = amount.Add(l.balances[k], amt)
	if err := l.store.commit(w); err != nil {
		return err
	}
	l.head = w.block
	l.balances[k] = w.balances[k]
	l.log.Debugw("wallet_minted", "account", account.Hex(), "asset", asset.Hex(), "amount", amount.ToDisplay(amt), "block", w.block)
	return nil
}

// ---- ledger.Reader ----

func (l *Ledger) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, ledger.Unavailable("head", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ledger.Unavailable("head", ErrClosed)
	}
	return l.head, nil
}

func (l *Ledger) FetchHistorical(ctx context.Context, kind event.Kind, from, to uint64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Unavailable("fetch "+kind.String(), err)
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ledger.Unavailable("fetch "+kind.String(), ErrClosed)
	}

	all, err := l.store.Events(from, to)
	if err != nil {
		return nil, ledger.Unavailable("fetch "+kind.String(), err)
	}
	var out []event.Event
	for _, ev := range all {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *Ledger) Balances(ctx context.Context, q ledger.BalanceQuery) (ledger.BalanceSheet, error) {
	if err := ctx.Err(); err != nil {
		return ledger.BalanceSheet{}, ledger.Unavailable("balances", err)
	}
	l.mu.Lock()
	head, closed := l.head, l.closed
	l.mu.Unlock()
	if closed {
		return ledger.BalanceSheet{}, ledger.Unavailable("balances", ErrClosed)
	}
	if q.Block > head {
		return ledger.BalanceSheet{}, ledger.Unavailable("balances", fmt.Errorf("block %d is ahead of head %d", q.Block, head))
	}

	sheet := ledger.BalanceSheet{Block: q.Block, Entries: make(map[state.BalanceKey]amount.Amount)}
	for _, acct := range q.Accounts {
		for _, asset := range q.Assets {
			for _, loc := range []state.Location{state.Wallet, state.ExchangeHeld} {
				k := state.BalanceKey{Account: acct, Asset: asset, Location: loc}
				v, _, err := l.store.BalanceAt(k, q.Block)
				if err != nil {
					return ledger.BalanceSheet{}, ledger.Unavailable("balances", err)
				}
				sheet.Entries[k] = v
			}
		}
	}
	return sheet, nil
}

type subscription struct {
	l    *Ledger
	kind event.Kind
	errc chan error
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.l.subMu.Lock()
	delete(s.l.subs[s.kind], s)
	s.l.subMu.Unlock()
}

func (s *subscription) Err() <-chan error { return s.errc }

func (s *subscription) fail(err error) {
	s.once.Do(func() {
		s.errc <- ledger.Unavailable("subscription "+s.kind.String(), err)
	})
}

// Subscribe registers fn for new events of kind. fn runs on the block
// producer's goroutine and should hand the event off quickly.
func (l *Ledger) Subscribe(ctx context.Context, kind event.Kind, fn func(event.Event)) (ledger.Subscription, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ledger.Unavailable("subscribe "+kind.String(), ErrClosed)
	}

	sub := &subscription{l: l, kind: kind, errc: make(chan error, 1)}
	l.subMu.Lock()
	if l.subs[kind] == nil {
		l.subs[kind] = make(map[*subscription]func(event.Event))
	}
	l.subs[kind][sub] = fn
	l.subMu.Unlock()

	context.AfterFunc(ctx, sub.Unsubscribe)
	return sub, nil
}

func (l *Ledger) deliver(evs []event.Event) {
	for _, ev := range evs {
		l.subMu.RLock()
		fns := make([]func(event.Event), 0, len(l.subs[ev.Kind()]))
		for _, fn := range l.subs[ev.Kind()] {
			fns = append(fns, fn)
		}
		l.subMu.RUnlock()

		for _, fn := range fns {
			fn(ev)
		}
	}
}

// ---- ledger.Writer ----

// Submit queues req for the next block and acknowledges it with a tx hash.
func (l *Ledger) Submit(ctx context.Context, req event.Request) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ledger.Receipt{}, ErrClosed
	}

	hash := crypto.Keccak256Hash([]byte(uuid.NewString()))
	l.pool.Push(pendingTx{hash: hash, req: req})
	l.log.Debugw("tx_queued", "tx", hash.Hex(), "kind", req.RequestKind().String(), "sender", req.Sender().Hex())
	return ledger.Receipt{TxHash: hash, Kind: req.RequestKind(), SubmittedAt: l.opts.Clock.Now()}, nil
}

func (l *Ledger) OnRejected(fn func(txHash common.Hash, err error)) {
	l.subMu.Lock()
	l.onReject = append(l.onReject, fn)
	l.subMu.Unlock()
}

func (l *Ledger) reject(rs []rejection) {
	if len(rs) == 0 {
		return
	}
	l.subMu.RLock()
	fns := slices.Clone(l.onReject)
	l.subMu.RUnlock()

	for _, r := range rs {
		l.log.Infow("tx_rejected", "tx", r.hash.Hex(), "err", r.err)
		for _, fn := range fns {
			fn(r.hash, r.err)
		}
	}
}

// ---- execution ----

type execution struct {
	l      *Ledger
	w      *blockWrite
	staged map[state.BalanceKey]amount.Amount
}

func (x *execution) balance(k state.BalanceKey) amount.Amount {
	if v, ok := x.staged[k]; ok {
		return v
	}
	if v, ok := x.w.balances[k]; ok {
		return v
	}
	return x.l.balances[k]
}

func (x *execution) credit(k state.BalanceKey, a amount.Amount) amount.Amount {
	v := amount.Add(x.balance(k), a)
	x.staged[k] = v
	return v
}

func (x *execution) debit(k state.BalanceKey, a amount.Amount) (amount.Amount, error) {
	v, err := amount.Sub(x.balance(k), a)
	if err != nil {
		return amount.Zero, fmt.Errorf("%w: %s %s: %v", ErrReverted, k.Location, k.Asset.Hex(), err)
	}
	x.staged[k] = v
	return v, nil
}

func (x *execution) order(id event.OrderID) (event.Order, string, error) {
	end := x.w.ends[id]
	for _, o := range x.w.orders {
		if o.ID == id {
			return o, end, nil
		}
	}
	o, ok, err := x.l.store.Order(id)
	if err != nil {
		return event.Order{}, "", err
	}
	if !ok {
		return event.Order{}, "", fmt.Errorf("%w: order %s not found", ErrReverted, id)
	}
	if end == "" {
		if end, err = x.l.store.OrderEnd(id); err != nil {
			return event.Order{}, "", err
		}
	}
	return o, end, nil
}

func (x *execution) emit(ev func(pos event.Position) event.Event, hash common.Hash) {
	pos := event.Position{Block: x.w.block, Index: uint(len(x.w.events)), TxHash: hash}
	x.w.events = append(x.w.events, ev(pos))
}

func exKey(acct, asset common.Address) state.BalanceKey {
	return state.BalanceKey{Account: acct, Asset: asset, Location: state.ExchangeHeld}
}

func walletKey(acct, asset common.Address) state.BalanceKey {
	return state.BalanceKey{Account: acct, Asset: asset, Location: state.Wallet}
}

func (x *execution) run(tx pendingTx, at time.Time) error {
	switch r := tx.req.(type) {
	case event.DepositRequest:
		if r.Amount.IsZero() {
			return fmt.Errorf("%w: zero deposit", ErrReverted)
		}
		if _, err := x.debit(walletKey(r.From, r.Asset), r.Amount); err != nil {
			return err
		}
		bal := x.credit(exKey(r.From, r.Asset), r.Amount)
		x.emit(func(pos event.Position) event.Event {
			return event.Deposited{Account: r.From, Asset: r.Asset, Amount: r.Amount, Balance: &bal, At: at, Pos: pos}
		}, tx.hash)

	case event.WithdrawRequest:
		if r.Amount.IsZero() {
			return fmt.Errorf("%w: zero withdrawal", ErrReverted)
		}
		bal, err := x.debit(exKey(r.From, r.Asset), r.Amount)
		if err != nil {
			return err
		}
		x.credit(walletKey(r.From, r.Asset), r.Amount)
		x.emit(func(pos event.Position) event.Event {
			return event.Withdrawn{Account: r.From, Asset: r.Asset, Amount: r.Amount, Balance: &bal, At: at, Pos: pos}
		}, tx.hash)

	case event.PlaceOrderRequest:
		x.w.orderSeq++
		o := event.Order{
			ID:         event.OrderID(strconv.FormatUint(x.w.orderSeq, 10)),
			Maker:      r.Maker,
			GiveAsset:  r.GiveAsset,
			GiveAmount: r.GiveAmount,
			GetAsset:   r.GetAsset,
			GetAmount:  r.GetAmount,
			CreatedAt:  at,
		}
		x.w.orders = append(x.w.orders, o)
		x.emit(func(pos event.Position) event.Event {
			return event.OrderPlaced{Order: o, Pos: pos}
		}, tx.hash)

	case event.CancelOrderRequest:
		o, end, err := x.order(r.OrderID)
		if err != nil {
			return err
		}
		if o.Maker != r.Maker {
			return fmt.Errorf("%w: %s is not the maker of order %s", ErrReverted, r.Maker.Hex(), o.ID)
		}
		if end != "" {
			return fmt.Errorf("%w: order %s is closed", ErrReverted, o.ID)
		}
		x.w.ends[o.ID] = "c"
		x.emit(func(pos event.Position) event.Event {
			return event.OrderCancelled{OrderID: o.ID, Maker: o.Maker, At: at, Pos: pos}
		}, tx.hash)

	case event.FillOrderRequest:
		o, end, err := x.order(r.OrderID)
		if err != nil {
			return err
		}
		if end != "" {
			return fmt.Errorf("%w: order %s is closed", ErrReverted, o.ID)
		}
		fee := amount.Percent(o.GetAmount, x.l.opts.FeePercent)
		if _, err := x.debit(exKey(r.Taker, o.GetAsset), amount.Add(o.GetAmount, fee)); err != nil {
			return err
		}
		x.credit(exKey(o.Maker, o.GetAsset), o.GetAmount)
		if !fee.IsZero() {
			x.credit(exKey(x.l.opts.FeeAccount, o.GetAsset), fee)
		}
		if _, err := x.debit(exKey(o.Maker, o.GiveAsset), o.GiveAmount); err != nil {
			return err
		}
		x.credit(exKey(r.Taker, o.GiveAsset), o.GiveAmount)
		x.w.ends[o.ID] = "f"
		x.emit(func(pos event.Position) event.Event {
			return event.OrderFilled{
				OrderID:    o.ID,
				Maker:      o.Maker,
				Taker:      r.Taker,
				GiveAsset:  o.GiveAsset,
				GiveAmount: o.GiveAmount,
				GetAsset:   o.GetAsset,
				GetAmount:  o.GetAmount,
				Fee:        fee,
				FeeAccount: x.l.opts.FeeAccount,
				At:         at,
				Pos:        pos,
			}
		}, tx.hash)

	default:
		return fmt.Errorf("%w: unsupported request %T", ErrReverted, tx.req)
	}
	return nil
}

var (
	_ ledger.Ledger            = (*Ledger)(nil)
	_ ledger.RejectionNotifier = (*Ledger)(nil)
)
