package state

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
)

// Location says where a balance is held.
type Location uint8

const (
	Wallet Location = iota + 1
	ExchangeHeld
)

func (l Location) String() string {
	switch l {
	case Wallet:
		return "wallet"
	case ExchangeHeld:
		return "exchange"
	default:
		return fmt.Sprintf("location(%d)", uint8(l))
	}
}

func (l Location) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// BalanceKey addresses one entry of the balance ledger.
type BalanceKey struct {
	Account  common.Address
	Asset    common.Address
	Location Location
}

// Balance is a flattened ledger entry.
type Balance struct {
	Asset    common.Address `json:"asset"`
	Location Location       `json:"location"`
	Amount   amount.Amount  `json:"amount"`
}

// OrderStatus is derived from the cancelled and filled id sets, never stored.
type OrderStatus uint8

const (
	StatusUnknown OrderStatus = iota
	StatusOpen
	StatusCancelled
	StatusFilled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCancelled:
		return "cancelled"
	case StatusFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// State is an immutable snapshot of the canonical exchange state.
// A *State is never modified after it is returned from Apply, Reload or
// Builder.State, so it may be shared freely between goroutines.
type State struct {
	version uint64
	ref     common.Address

	orders  map[event.OrderID]event.Order
	cancels map[event.OrderID]event.OrderCancelled
	fills   map[event.OrderID]event.OrderFilled

	balances map[BalanceKey]amount.Amount
	// applied holds positions of balance-moving events already folded
	// after the checkpoint.
	applied map[event.PositionKey]struct{}

	checkpoint event.Position
	loaded     bool
}

// New returns the empty state for a venue quoted in ref.
func New(ref common.Address) *State {
	return &State{
		ref:      ref,
		orders:   make(map[event.OrderID]event.Order),
		cancels:  make(map[event.OrderID]event.OrderCancelled),
		fills:    make(map[event.OrderID]event.OrderFilled),
		balances: make(map[BalanceKey]amount.Amount),
		applied:  make(map[event.PositionKey]struct{}),
	}
}

// Version increases by one on every change and identifies the snapshot.
func (s *State) Version() uint64 { return s.version }

// Reference returns the quote asset.
func (s *State) Reference() common.Address { return s.ref }

// Checkpoint is the ledger position at which balances were last reloaded.
func (s *State) Checkpoint() event.Position { return s.checkpoint }

// BalancesLoaded reports whether an authoritative reload has happened.
func (s *State) BalancesLoaded() bool { return s.loaded }

func (s *State) Order(id event.OrderID) (event.Order, bool) {
	o, ok := s.orders[id]
	return o, ok
}

func (s *State) IsCancelled(id event.OrderID) bool {
	_, ok := s.cancels[id]
	return ok
}

func (s *State) IsFilled(id event.OrderID) bool {
	_, ok := s.fills[id]
	return ok
}

// Status derives an order's status. Ids only seen in a cancel or fill
// still report that terminal status.
func (s *State) Status(id event.OrderID) OrderStatus {
	switch {
	case s.IsCancelled(id):
		return StatusCancelled
	case s.IsFilled(id):
		return StatusFilled
	}
	if _, ok := s.orders[id]; ok {
		return StatusOpen
	}
	return StatusUnknown
}

func (s *State) NumOrders() int { return len(s.orders) }

// Orders returns every placed order, oldest first.
func (s *State) Orders() []event.Order {
	out := make([]event.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sortOrders(out)
	return out
}

// OpenOrders returns orders that are neither cancelled nor filled, oldest first.
func (s *State) OpenOrders() []event.Order {
	out := make([]event.Order, 0, len(s.orders))
	for id, o := range s.orders {
		if s.IsCancelled(id) || s.IsFilled(id) {
			continue
		}
		out = append(out, o)
	}
	sortOrders(out)
	return out
}

// Cancels returns all cancellations ordered by time.
func (s *State) Cancels() []event.OrderCancelled {
	out := make([]event.OrderCancelled, 0, len(s.cancels))
	for _, c := range s.cancels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].OrderID.Less(out[j].OrderID)
	})
	return out
}

// Fills returns all fills in ascending time order. Fills sharing a
// timestamp keep ledger order.
func (s *State) Fills() []event.OrderFilled {
	out := make([]event.OrderFilled, 0, len(s.fills))
	for _, f := range s.fills {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		if out[i].Pos != out[j].Pos {
			return out[i].Pos.Before(out[j].Pos)
		}
		return out[i].OrderID.Less(out[j].OrderID)
	})
	return out
}

// Balance returns an entry of the balance ledger. Exchange-held balances
// default to zero; wallet balances are only known after a reload.
func (s *State) Balance(account, asset common.Address, loc Location) (amount.Amount, bool) {
	a, ok := s.balances[BalanceKey{Account: account, Asset: asset, Location: loc}]
	if !ok && loc == ExchangeHeld {
		return amount.Zero, true
	}
	return a, ok
}

// Balances lists every known entry for account, sorted by asset then location.
func (s *State) Balances(account common.Address) []Balance {
	var out []Balance
	for k, v := range s.balances {
		if k.Account != account {
			continue
		}
		out = append(out, Balance{Asset: k.Asset, Location: k.Location, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset.Hex() < out[j].Asset.Hex()
		}
		return out[i].Location < out[j].Location
	})
	return out
}

// BalanceEntries returns a copy of the whole ledger.
func (s *State) BalanceEntries() map[BalanceKey]amount.Amount {
	out := make(map[BalanceKey]amount.Amount, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out
}

func sortOrders(out []event.Order) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.Less(out[j].ID)
	})
}
