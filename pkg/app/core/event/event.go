package event

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
)

// ErrInvalidOrder marks an order whose price cannot be derived: zero token
// leg, identical assets, or no (or two) reference-asset legs.
var ErrInvalidOrder = errors.New("invalid order")

// Kind identifies one of the five ledger event kinds.
type Kind uint8

const (
	KindDeposited Kind = iota + 1
	KindWithdrawn
	KindOrderPlaced
	KindOrderCancelled
	KindOrderFilled
)

func (k Kind) String() string {
	switch k {
	case KindDeposited:
		return "Deposited"
	case KindWithdrawn:
		return "Withdrawn"
	case KindOrderPlaced:
		return "OrderPlaced"
	case KindOrderCancelled:
		return "OrderCancelled"
	case KindOrderFilled:
		return "OrderFilled"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ReplayOrder is the order in which historical batches are folded.
// Cancels and fills go before placements, so an order is never observed
// as open while its terminal event is still being fetched.
var ReplayOrder = []Kind{
	KindOrderCancelled,
	KindOrderFilled,
	KindOrderPlaced,
	KindDeposited,
	KindWithdrawn,
}

// Position locates an event in the ledger log.
type Position struct {
	Block  uint64      `json:"block"`
	Index  uint        `json:"index"` // log index within the block
	TxHash common.Hash `json:"txHash"`
}

// Before reports whether p precedes o in ledger order.
func (p Position) Before(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}

// EndOfBlock is the last possible position in block. A balance read taken
// at block reflects every event up to and including it.
func EndOfBlock(block uint64) Position { return Position{Block: block, Index: math.MaxUint} }

func (p Position) IsZero() bool { return p.Block == 0 && p.Index == 0 }

// Key identifies the log entry independent of the tx hash.
func (p Position) Key() PositionKey { return PositionKey{Block: p.Block, Index: p.Index} }

type PositionKey struct {
	Block uint64
	Index uint
}

// Event is implemented by the five immutable ledger events.
type Event interface {
	Kind() Kind
	Position() Position
	// Accounts lists every account whose view the event touches.
	Accounts() []common.Address
	// Assets lists every asset the event moves.
	Assets() []common.Address
}

// OrderID is the ledger-assigned order identifier (decimal uint256 on EVM).
type OrderID string

// Less orders ids numerically when both are decimal, lexically otherwise.
func (id OrderID) Less(o OrderID) bool {
	if len(id) != len(o) && isDigits(string(id)) && isDigits(string(o)) {
		return len(id) < len(o)
	}
	return id < o
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Order is immutable once placed. Its status is derived by the state fold.
type Order struct {
	ID         OrderID        `json:"id"`
	Maker      common.Address `json:"maker"`
	GiveAsset  common.Address `json:"giveAsset"`
	GiveAmount amount.Amount  `json:"giveAmount"`
	GetAsset   common.Address `json:"getAsset"`
	GetAmount  amount.Amount  `json:"getAmount"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Same reports whether two orders carry identical payloads.
func (o Order) Same(p Order) bool {
	return o.ID == p.ID &&
		o.Maker == p.Maker &&
		o.GiveAsset == p.GiveAsset &&
		o.GiveAmount.Equal(p.GiveAmount) &&
		o.GetAsset == p.GetAsset &&
		o.GetAmount.Equal(p.GetAmount) &&
		o.CreatedAt.Equal(p.CreatedAt)
}

// IsBuy reports whether the maker pays the reference asset, i.e. buys tokens.
func (o Order) IsBuy(ref common.Address) bool { return o.GiveAsset == ref }

type Deposited struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  amount.Amount  `json:"amount"`
	// Balance is the exchange-held balance the ledger reported after the
	// deposit, when available.
	Balance *amount.Amount `json:"balance,omitempty"`
	At      time.Time      `json:"at"`
	Pos     Position       `json:"pos"`
}

func (Deposited) Kind() Kind                   { return KindDeposited }
func (e Deposited) Position() Position         { return e.Pos }
func (e Deposited) Accounts() []common.Address { return []common.Address{e.Account} }
func (e Deposited) Assets() []common.Address   { return []common.Address{e.Asset} }

type Withdrawn struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  amount.Amount  `json:"amount"`
	Balance *amount.Amount `json:"balance,omitempty"`
	At      time.Time      `json:"at"`
	Pos     Position       `json:"pos"`
}

func (Withdrawn) Kind() Kind                   { return KindWithdrawn }
func (e Withdrawn) Position() Position         { return e.Pos }
func (e Withdrawn) Accounts() []common.Address { return []common.Address{e.Account} }
func (e Withdrawn) Assets() []common.Address   { return []common.Address{e.Asset} }

type OrderPlaced struct {
	Order
	Pos Position `json:"pos"`
}

func (OrderPlaced) Kind() Kind                   { return KindOrderPlaced }
func (e OrderPlaced) Position() Position         { return e.Pos }
func (e OrderPlaced) Accounts() []common.Address { return []common.Address{e.Maker} }
func (e OrderPlaced) Assets() []common.Address {
	return []common.Address{e.GiveAsset, e.GetAsset}
}

type OrderCancelled struct {
	OrderID OrderID        `json:"orderId"`
	Maker   common.Address `json:"maker"`
	At      time.Time      `json:"at"`
	Pos     Position       `json:"pos"`
}

func (OrderCancelled) Kind() Kind                   { return KindOrderCancelled }
func (e OrderCancelled) Position() Position         { return e.Pos }
func (e OrderCancelled) Accounts() []common.Address { return []common.Address{e.Maker} }
func (e OrderCancelled) Assets() []common.Address   { return nil }

// OrderFilled records a trade. Give/Get are the maker's legs as they stood
// when the order was filled. Fee is charged to the taker in the get asset,
// on top of GetAmount, and credited to FeeAccount.
type OrderFilled struct {
	OrderID    OrderID        `json:"orderId"`
	Maker      common.Address `json:"maker"`
	Taker      common.Address `json:"taker"`
	GiveAsset  common.Address `json:"giveAsset"`
	GiveAmount amount.Amount  `json:"giveAmount"`
	GetAsset   common.Address `json:"getAsset"`
	GetAmount  amount.Amount  `json:"getAmount"`
	Fee        amount.Amount  `json:"fee"`
	FeeAccount common.Address `json:"feeAccount"`
	At         time.Time      `json:"at"`
	Pos        Position       `json:"pos"`
}

func (OrderFilled) Kind() Kind           { return KindOrderFilled }
func (e OrderFilled) Position() Position { return e.Pos }
func (e OrderFilled) Accounts() []common.Address {
	if e.Fee.IsZero() {
		return []common.Address{e.Maker, e.Taker}
	}
	return []common.Address{e.Maker, e.Taker, e.FeeAccount}
}
func (e OrderFilled) Assets() []common.Address {
	return []common.Address{e.GiveAsset, e.GetAsset}
}

// Same reports whether two fills carry identical payloads.
func (e OrderFilled) Same(o OrderFilled) bool {
	return e.OrderID == o.OrderID &&
		e.Maker == o.Maker &&
		e.Taker == o.Taker &&
		e.GiveAsset == o.GiveAsset &&
		e.GiveAmount.Equal(o.GiveAmount) &&
		e.GetAsset == o.GetAsset &&
		e.GetAmount.Equal(o.GetAmount) &&
		e.Fee.Equal(o.Fee) &&
		e.FeeAccount == o.FeeAccount
}

var (
	_ Event = Deposited{}
	_ Event = Withdrawn{}
	_ Event = OrderPlaced{}
	_ Event = OrderCancelled{}
	_ Event = OrderFilled{}
)
