// Package core re-exports the read model's types and error taxonomy from
// its subpackages.
package core

import (
	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/ops"
	"github.com/uhyunpark/dexview/pkg/app/core/projection"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
	"github.com/uhyunpark/dexview/pkg/ledger"
)

// Error taxonomy. Match with errors.Is.
var (
	ErrLedgerUnavailable   = ledger.ErrLedgerUnavailable
	ErrInsufficientBalance = amount.ErrInsufficientBalance
	ErrMalformedAmount     = amount.ErrMalformedAmount
	ErrInvalidOrder        = event.ErrInvalidOrder
	ErrOperationInFlight   = ops.ErrOperationInFlight
	ErrTransmissionFailed  = ops.ErrTransmissionFailed
	ErrInvariantViolation  = state.ErrInvariantViolation
)

// From amount
type Amount = amount.Amount

// From event
type (
	Event          = event.Event
	Position       = event.Position
	Order          = event.Order
	OrderID        = event.OrderID
	Deposited      = event.Deposited
	Withdrawn      = event.Withdrawn
	OrderPlaced    = event.OrderPlaced
	OrderCancelled = event.OrderCancelled
	OrderFilled    = event.OrderFilled
	Request        = event.Request
)

// From state
type (
	State    = state.State
	Location = state.Location
)

const (
	Wallet       = state.Wallet
	ExchangeHeld = state.ExchangeHeld
)

// From projection
type (
	OrderBook    = projection.OrderBook
	TradeTape    = projection.TradeTape
	Candle       = projection.Candle
	PriceSummary = projection.PriceSummary
	Views        = projection.Views
)

// From ops
type (
	Operation    = ops.Operation
	PendingFlags = ops.PendingFlags
	Pipeline     = ops.Pipeline
)

// Apply folds ev into s. See state.Apply.
func Apply(s *State, ev Event) (*State, error) { return state.Apply(s, ev) }
