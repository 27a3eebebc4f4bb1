// Package ops tracks mutating requests from transmission to the ledger
// event that settles them.
//
// Each operation moves Idle -> Submitted -> Committed | Failed. At most one
// operation per Category is outstanding. Committing never touches state:
// the settling event is folded by ingestion like any other event.
package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
	"github.com/uhyunpark/dexview/pkg/ledger"
	"github.com/uhyunpark/dexview/pkg/util"
)

var (
	ErrOperationInFlight  = errors.New("operation already in flight")
	ErrTransmissionFailed = errors.New("transmission failed")
)

type Category uint8

const (
	Depositing Category = iota + 1
	Withdrawing
	PlacingBuy
	PlacingSell
	Cancelling
	Filling
)

// Categories lists every category in display order.
var Categories = []Category{Depositing, Withdrawing, PlacingBuy, PlacingSell, Cancelling, Filling}

func (c Category) String() string {
	switch c {
	case Depositing:
		return "depositing"
	case Withdrawing:
		return "withdrawing"
	case PlacingBuy:
		return "placingBuy"
	case PlacingSell:
		return "placingSell"
	case Cancelling:
		return "cancelling"
	case Filling:
		return "filling"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// CategoryOf maps a request to its category. Orders are split by side
// against the reference asset ref.
func CategoryOf(req event.Request, ref common.Address) Category {
	switch r := req.(type) {
	case event.DepositRequest:
		return Depositing
	case event.WithdrawRequest:
		return Withdrawing
	case event.PlaceOrderRequest:
		if r.IsBuy(ref) {
			return PlacingBuy
		}
		return PlacingSell
	case event.CancelOrderRequest:
		return Cancelling
	default:
		return Filling
	}
}

type Status uint8

const (
	Idle Status = iota
	Submitted
	Committed
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitted:
		return "submitted"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Operation is one mutating request and its outcome.
type Operation struct {
	ID          uuid.UUID      `json:"id"`
	Category    Category       `json:"category"`
	Request     event.Request  `json:"request"`
	Status      Status         `json:"status"`
	Receipt     ledger.Receipt `json:"receipt"`
	Err         error          `json:"-"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	SubmittedAt time.Time      `json:"submittedAt,omitempty"`
	ResolvedAt  time.Time      `json:"resolvedAt,omitempty"`

	// acked is set once the writer has returned a receipt.
	acked bool
}

// Terminal reports whether the operation is committed or failed.
func (op Operation) Terminal() bool { return op.Status == Committed || op.Status == Failed }

// PendingFlags mirrors the submitted operations per category.
type PendingFlags struct {
	Depositing  bool `json:"depositing"`
	Withdrawing bool `json:"withdrawing"`
	PlacingBuy  bool `json:"placingBuy"`
	PlacingSell bool `json:"placingSell"`
	Cancelling  bool `json:"cancelling"`
	Filling     bool `json:"filling"`
}

func (f *PendingFlags) set(c Category) {
	switch c {
	case Depositing:
		f.Depositing = true
	case Withdrawing:
		f.Withdrawing = true
	case PlacingBuy:
		f.PlacingBuy = true
	case PlacingSell:
		f.PlacingSell = true
	case Cancelling:
		f.Cancelling = true
	case Filling:
		f.Filling = true
	}
}

// Any reports whether some flag is set.
func (f PendingFlags) Any() bool {
	return f.Depositing || f.Withdrawing || f.PlacingBuy || f.PlacingSell || f.Cancelling || f.Filling
}

// Pipeline submits requests through a ledger writer and resolves them from
// observed events or rejections. It is safe for concurrent use.
type Pipeline struct {
	writer   ledger.Writer
	snapshot func() *state.State
	clock    util.Clock
	log      *zap.SugaredLogger

	mu     sync.Mutex
	active map[Category]*Operation
	last   map[Category]Operation
	subs   map[int]func(Operation)
	nextID int
}

// New builds a pipeline. snapshot returns the current state and is used
// for validation and balance pre-checks. If w also implements
// ledger.RejectionNotifier, late rejections are wired to Reject.
func New(w ledger.Writer, snapshot func() *state.State, clock util.Clock, log *zap.SugaredLogger) *Pipeline {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Pipeline{
		writer:   w,
		snapshot: snapshot,
		clock:    clock,
		log:      log,
		active:   make(map[Category]*Operation),
		last:     make(map[Category]Operation),
		subs:     make(map[int]func(Operation)),
	}
	if rn, ok := w.(ledger.RejectionNotifier); ok {
		rn.OnRejected(p.Reject)
	}
	return p
}

// Submit validates req, reserves its category and transmits it. The
// returned operation is Submitted on success; it may already be Committed
// if the settling event arrived before the acknowledgment.
func (p *Pipeline) Submit(ctx context.Context, req event.Request) (Operation, error) {
	s := p.snapshot()
	if err := req.Validate(s.Reference()); err != nil {
		return Operation{}, err
	}
	if err := precheck(s, req); err != nil {
		return Operation{}, err
	}

	op, err := p.reserve(req, CategoryOf(req, s.Reference()))
	if err != nil {
		return Operation{}, err
	}

	rcpt, err := p.writer.Submit(ctx, req)

	p.mu.Lock()
	if err != nil {
		p.resolveLocked(op, Failed, fmt.Errorf("%w: %w", ErrTransmissionFailed, err))
		out := *op
		subs := p.subscribersLocked()
		p.mu.Unlock()
		p.log.Warnw("request_failed", "id", out.ID, "category", out.Category, "err", err)
		notify(subs, out)
		return out, out.Err
	}
	op.Receipt = rcpt
	op.SubmittedAt = rcpt.SubmittedAt
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = p.clock.Now()
	}
	op.acked = true
	switch op.Status {
	case Idle:
		op.Status = Submitted
	case Committed:
		delete(p.active, op.Category)
		p.last[op.Category] = *op
	}
	out := *op
	subs := p.subscribersLocked()
	p.mu.Unlock()

	p.log.Infow("request_submitted", "id", out.ID, "category", out.Category, "tx", rcpt.TxHash.Hex())
	notify(subs, out)
	return out, nil
}

func (p *Pipeline) reserve(req event.Request, c Category) (*Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, busy := p.active[c]; busy {
		return nil, fmt.Errorf("%w: %s (%s)", ErrOperationInFlight, c, cur.ID)
	}
	op := &Operation{
		ID:        uuid.New(),
		Category:  c,
		Request:   req,
		Status:    Idle,
		CreatedAt: p.clock.Now(),
	}
	p.active[c] = op
	return op, nil
}

// precheck rejects requests the snapshot already shows cannot succeed.
// A deposit is only checked when the wallet balance is known.
func precheck(s *state.State, req event.Request) error {
	need := func(acct, asset common.Address, loc state.Location, amt amount.Amount) error {
		have, known := s.Balance(acct, asset, loc)
		if !known {
			return nil
		}
		if _, err := amount.Sub(have, amt); err != nil {
			return fmt.Errorf("%s %s: %w", loc, asset.Hex(), err)
		}
		return nil
	}
	switch r := req.(type) {
	case event.DepositRequest:
		return need(r.From, r.Asset, state.Wallet, r.Amount)
	case event.WithdrawRequest:
		return need(r.From, r.Asset, state.ExchangeHeld, r.Amount)
	case event.FillOrderRequest:
		o, ok := s.Order(r.OrderID)
		if !ok {
			return nil
		}
		if st := s.Status(r.OrderID); st != state.StatusOpen {
			return fmt.Errorf("%w: order %s is %s", event.ErrInvalidOrder, r.OrderID, st)
		}
		return need(r.Taker, o.GetAsset, state.ExchangeHeld, o.GetAmount)
	case event.CancelOrderRequest:
		if o, ok := s.Order(r.OrderID); ok && o.Maker != r.Maker {
			return fmt.Errorf("%w: order %s belongs to %s", event.ErrInvalidOrder, r.OrderID, o.Maker.Hex())
		}
	}
	return nil
}

// Observe commits the outstanding operation settled by ev, if any. An
// operation matches when its receipt names ev's transaction or, failing
// that, when the request fields agree with the event.
func (p *Pipeline) Observe(ev event.Event) {
	p.mu.Lock()
	var (
		out  Operation
		hit  bool
		subs []func(Operation)
	)
	for _, c := range categoriesFor(ev) {
		op, ok := p.active[c]
		if !ok || op.Status == Failed {
			continue
		}
		if settles(op, ev) {
			p.resolveLocked(op, Committed, nil)
			out, hit = *op, true
			subs = p.subscribersLocked()
			break
		}
	}
	p.mu.Unlock()

	if hit {
		p.log.Infow("request_committed", "id", out.ID, "category", out.Category, "event", ev.Kind().String(), "block", ev.Position().Block)
		notify(subs, out)
	}
}

func categoriesFor(ev event.Event) []Category {
	switch ev.Kind() {
	case event.KindDeposited:
		return []Category{Depositing}
	case event.KindWithdrawn:
		return []Category{Withdrawing}
	case event.KindOrderPlaced:
		return []Category{PlacingBuy, PlacingSell}
	case event.KindOrderCancelled:
		return []Category{Cancelling}
	case event.KindOrderFilled:
		return []Category{Filling}
	}
	return nil
}

func settles(op *Operation, ev event.Event) bool {
	if h := ev.Position().TxHash; h != (common.Hash{}) && op.Receipt.TxHash == h {
		return true
	}
	switch e := ev.(type) {
	case event.Deposited:
		r, ok := op.Request.(event.DepositRequest)
		return ok && r.From == e.Account && r.Asset == e.Asset && r.Amount.Equal(e.Amount)
	case event.Withdrawn:
		r, ok := op.Request.(event.WithdrawRequest)
		return ok && r.From == e.Account && r.Asset == e.Asset && r.Amount.Equal(e.Amount)
	case event.OrderPlaced:
		r, ok := op.Request.(event.PlaceOrderRequest)
		return ok && r.Maker == e.Maker &&
			r.GiveAsset == e.GiveAsset && r.GiveAmount.Equal(e.GiveAmount) &&
			r.GetAsset == e.GetAsset && r.GetAmount.Equal(e.GetAmount)
	case event.OrderCancelled:
		r, ok := op.Request.(event.CancelOrderRequest)
		return ok && r.OrderID == e.OrderID
	case event.OrderFilled:
		r, ok := op.Request.(event.FillOrderRequest)
		return ok && r.OrderID == e.OrderID && r.Taker == e.Taker
	}
	return false
}

// Reject fails the outstanding operation whose receipt names txHash.
func (p *Pipeline) Reject(txHash common.Hash, cause error) {
	p.mu.Lock()
	var (
		out  Operation
		hit  bool
		subs []func(Operation)
	)
	for _, op := range p.active {
		if op.Receipt.TxHash == txHash && op.Status == Submitted {
			p.resolveLocked(op, Failed, fmt.Errorf("%w: %w", ErrTransmissionFailed, cause))
			out, hit = *op, true
			subs = p.subscribersLocked()
			break
		}
	}
	p.mu.Unlock()

	if hit {
		p.log.Warnw("request_rejected", "id", out.ID, "category", out.Category, "tx", txHash.Hex(), "err", cause)
		notify(subs, out)
	}
}

// resolveLocked moves op to a terminal status. A committed operation that
// is still waiting for its acknowledgment stays reserved until Submit
// returns.
func (p *Pipeline) resolveLocked(op *Operation, st Status, err error) {
	op.Status = st
	op.Err = err
	if err != nil {
		op.Error = err.Error()
	}
	op.ResolvedAt = p.clock.Now()
	if st == Failed || op.acked {
		delete(p.active, op.Category)
	}
	p.last[op.Category] = *op
}

// Flags reports which categories have a submitted operation awaiting its
// event.
func (p *Pipeline) Flags() PendingFlags {
	p.mu.Lock()
	defer p.mu.Unlock()
	var f PendingFlags
	for c, op := range p.active {
		if op.Status == Submitted {
			f.set(c)
		}
	}
	return f
}

// Active lists outstanding operations in category order.
func (p *Pipeline) Active() []Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Operation
	for _, c := range Categories {
		if op, ok := p.active[c]; ok {
			out = append(out, *op)
		}
	}
	return out
}

// Last returns the most recently resolved operation in c.
func (p *Pipeline) Last(c Category) (Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.last[c]
	return op, ok
}

// Subscribe registers fn for every status change. fn runs outside the
// pipeline lock and must not block.
func (p *Pipeline) Subscribe(fn func(Operation)) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Pipeline) subscribersLocked() []func(Operation) {
	out := make([]func(Operation), 0, len(p.subs))
	for _, fn := range p.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(Operation), op Operation) {
	for _, fn := range subs {
		fn(op)
	}
}
