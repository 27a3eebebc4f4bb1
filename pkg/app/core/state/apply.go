package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
)

var ErrInvariantViolation = errors.New("invariant violation")

// InvariantError reports an event the fold refused to apply, fully or in part.
type InvariantError struct {
	Event  event.Event
	Reason string
	Err    error
}

func (e *InvariantError) Error() string {
	msg := fmt.Sprintf("invariant violation: %s at block %d index %d: %s",
		e.Event.Kind(), e.Event.Position().Block, e.Event.Position().Index, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvariantError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvariantViolation}
	}
	return []error{ErrInvariantViolation, e.Err}
}

// Apply folds one event into s and returns the resulting snapshot.
//
// Apply never mutates s. Duplicate deliveries return s itself. When the
// event breaks an invariant the offending part is skipped and an
// *InvariantError is returned alongside the (possibly unchanged) snapshot.
func Apply(s *State, ev event.Event) (*State, error) {
	b := s.Edit()
	err := b.Apply(ev)
	return b.State(), err
}

// Reload replaces the balance ledger with an authoritative sheet read at
// checkpoint. Balance-moving events at or before checkpoint are ignored
// from then on.
func Reload(s *State, balances map[BalanceKey]amount.Amount, checkpoint event.Position) *State {
	b := s.Edit()
	b.Reload(balances, checkpoint)
	return b.State()
}

const (
	ownOrders = 1 << iota
	ownCancels
	ownFills
	ownBalances
	ownApplied
)

// Builder applies many events with at most one copy of each collection.
// It is the transient form of a State and is not safe for concurrent use.
type Builder struct {
	base    *State
	next    *State
	owned   int
	changed bool
}

// Edit starts a batch on top of s.
func (s *State) Edit() *Builder {
	cp := *s
	return &Builder{base: s, next: &cp}
}

// Fresh starts a batch from the empty state with s's reference asset. The
// sealed result continues s's version sequence, so it always differs from
// s even when nothing is applied.
func (s *State) Fresh() *Builder {
	n := New(s.ref)
	n.version = s.version
	return &Builder{base: s, next: n, owned: ownOrders | ownCancels | ownFills | ownBalances | ownApplied, changed: true}
}

// State seals the batch. The builder may keep being used afterwards;
// later changes produce a new snapshot.
func (b *Builder) State() *State {
	if !b.changed {
		return b.base
	}
	b.next.version = b.base.version + 1
	b.base = b.next
	cp := *b.next
	b.next = &cp
	b.owned = 0
	b.changed = false
	return b.base
}

// Apply folds ev into the batch. See the package-level Apply.
func (b *Builder) Apply(ev event.Event) error {
	switch e := ev.(type) {
	case event.Deposited:
		return b.transfer(e, e.Account, e.Asset, e.Amount, true)
	case event.Withdrawn:
		return b.transfer(e, e.Account, e.Asset, e.Amount, false)
	case event.OrderPlaced:
		return b.place(e)
	case event.OrderCancelled:
		return b.cancel(e)
	case event.OrderFilled:
		return b.fill(e)
	default:
		return &InvariantError{Event: ev, Reason: fmt.Sprintf("unsupported event %T", ev)}
	}
}

// Reload replaces the balance ledger. See the package-level Reload.
func (b *Builder) Reload(balances map[BalanceKey]amount.Amount, checkpoint event.Position) {
	fresh := make(map[BalanceKey]amount.Amount, len(balances))
	for k, v := range balances {
		fresh[k] = v
	}
	applied := make(map[event.PositionKey]struct{})
	for k := range b.next.applied {
		if checkpoint.Before(event.Position{Block: k.Block, Index: k.Index}) {
			applied[k] = struct{}{}
		}
	}
	b.next.balances = fresh
	b.next.applied = applied
	b.next.checkpoint = checkpoint
	b.next.loaded = true
	b.owned |= ownBalances | ownApplied
	b.changed = true
}

func (b *Builder) own(flag int) {
	if b.owned&flag != 0 {
		return
	}
	n := b.next
	switch flag {
	case ownOrders:
		m := make(map[event.OrderID]event.Order, len(n.orders)+1)
		for k, v := range n.orders {
			m[k] = v
		}
		n.orders = m
	case ownCancels:
		m := make(map[event.OrderID]event.OrderCancelled, len(n.cancels)+1)
		for k, v := range n.cancels {
			m[k] = v
		}
		n.cancels = m
	case ownFills:
		m := make(map[event.OrderID]event.OrderFilled, len(n.fills)+1)
		for k, v := range n.fills {
			m[k] = v
		}
		n.fills = m
	case ownBalances:
		m := make(map[BalanceKey]amount.Amount, len(n.balances)+2)
		for k, v := range n.balances {
			m[k] = v
		}
		n.balances = m
	case ownApplied:
		m := make(map[event.PositionKey]struct{}, len(n.applied)+1)
		for k := range n.applied {
			m[k] = struct{}{}
		}
		n.applied = m
	}
	b.owned |= flag
}

// moves reports whether the balance effect of an event at pos is still
// pending. Effects at or before the checkpoint are already part of the
// reloaded sheet. A zero position cannot be deduplicated and always moves.
func (b *Builder) moves(pos event.Position) bool {
	if pos.IsZero() {
		return true
	}
	if b.next.loaded && !b.next.checkpoint.Before(pos) {
		return false
	}
	_, seen := b.next.applied[pos.Key()]
	return !seen
}

func (b *Builder) markMoved(pos event.Position) {
	if pos.IsZero() {
		return
	}
	b.own(ownApplied)
	b.next.applied[pos.Key()] = struct{}{}
}

// overlay stages balance changes so multi-leg events apply all or nothing.
type overlay struct {
	base    map[BalanceKey]amount.Amount
	pending map[BalanceKey]amount.Amount
}

func (o *overlay) get(k BalanceKey) (amount.Amount, bool) {
	if v, ok := o.pending[k]; ok {
		return v, true
	}
	v, ok := o.base[k]
	return v, ok
}

func (o *overlay) add(k BalanceKey, a amount.Amount) {
	cur, _ := o.get(k)
	o.pending[k] = amount.Add(cur, a)
}

func (o *overlay) sub(k BalanceKey, a amount.Amount) error {
	cur, _ := o.get(k)
	v, err := amount.Sub(cur, a)
	if err != nil {
		return fmt.Errorf("%s %s of %s: %w", k.Location, k.Asset.Hex(), k.Account.Hex(), err)
	}
	o.pending[k] = v
	return nil
}

func (b *Builder) stage() *overlay {
	return &overlay{base: b.next.balances, pending: make(map[BalanceKey]amount.Amount)}
}

func (b *Builder) commit(o *overlay) {
	if len(o.pending) == 0 {
		return
	}
	b.own(ownBalances)
	for k, v := range o.pending {
		b.next.balances[k] = v
	}
	b.changed = true
}

// transfer moves value between the wallet and the exchange. The wallet leg
// is only folded when the wallet entry is known from a reload.
func (b *Builder) transfer(ev event.Event, account, asset common.Address, amt amount.Amount, deposit bool) error {
	pos := ev.Position()
	if !b.moves(pos) {
		return nil
	}

	o := b.stage()
	ex := BalanceKey{Account: account, Asset: asset, Location: ExchangeHeld}
	wal := BalanceKey{Account: account, Asset: asset, Location: Wallet}
	_, walletKnown := o.get(wal)

	var err error
	if deposit {
		o.add(ex, amt)
		if walletKnown {
			err = o.sub(wal, amt)
		}
	} else {
		err = o.sub(ex, amt)
		if err == nil && walletKnown {
			o.add(wal, amt)
		}
	}
	if err != nil {
		return &InvariantError{Event: ev, Reason: "balance would go negative", Err: err}
	}

	b.commit(o)
	b.markMoved(pos)
	b.changed = true
	return nil
}

func (b *Builder) place(e event.OrderPlaced) error {
	if prev, ok := b.next.orders[e.ID]; ok {
		if prev.Same(e.Order) {
			return nil
		}
		return &InvariantError{Event: e, Reason: fmt.Sprintf("order %s placed twice with different payloads", e.ID)}
	}
	b.own(ownOrders)
	b.next.orders[e.ID] = e.Order
	b.changed = true
	return nil
}

func (b *Builder) cancel(e event.OrderCancelled) error {
	if _, dup := b.next.cancels[e.OrderID]; dup {
		return nil
	}
	if _, filled := b.next.fills[e.OrderID]; filled {
		return &InvariantError{Event: e, Reason: fmt.Sprintf("order %s is already filled", e.OrderID)}
	}
	b.own(ownCancels)
	b.next.cancels[e.OrderID] = e
	b.changed = true
	return nil
}

// fill records the order as filled and moves both parties' exchange
// balances, charging the fee to the taker and crediting it to the fee
// account. If the balance legs cannot be applied the fill is still
// recorded, since the ledger has already settled it.
func (b *Builder) fill(e event.OrderFilled) error {
	if _, dup := b.next.fills[e.OrderID]; dup {
		return nil
	}
	if _, cancelled := b.next.cancels[e.OrderID]; cancelled {
		return &InvariantError{Event: e, Reason: fmt.Sprintf("order %s is already cancelled", e.OrderID)}
	}

	b.own(ownFills)
	b.next.fills[e.OrderID] = e
	b.changed = true

	if !b.moves(e.Pos) {
		return nil
	}
	b.markMoved(e.Pos)

	o := b.stage()
	key := func(acct, asset common.Address) BalanceKey {
		return BalanceKey{Account: acct, Asset: asset, Location: ExchangeHeld}
	}
	legs := []func() error{
		func() error { return o.sub(key(e.Maker, e.GiveAsset), e.GiveAmount) },
		func() error { o.add(key(e.Maker, e.GetAsset), e.GetAmount); return nil },
		func() error { return o.sub(key(e.Taker, e.GetAsset), amount.Add(e.GetAmount, e.Fee)) },
		func() error { o.add(key(e.Taker, e.GiveAsset), e.GiveAmount); return nil },
	}
	if !e.Fee.IsZero() {
		legs = append(legs, func() error { o.add(key(e.FeeAccount, e.GetAsset), e.Fee); return nil })
	}
	for _, leg := range legs {
		if err := leg(); err != nil {
			return &InvariantError{Event: e, Reason: "fill balance legs skipped", Err: err}
		}
	}
	b.commit(o)
	return nil
}
