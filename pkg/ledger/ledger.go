// Package ledger defines the boundary to the external exchange ledger:
// a read side (history, live subscription, authoritative balances) and a
// write side (request submission).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

var ErrLedgerUnavailable = errors.New("ledger unavailable")

// UnavailableError carries the failing ledger operation.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrLedgerUnavailable, e.Err}
}

// Unavailable wraps err as an *UnavailableError for op. It returns nil for a nil err.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// Subscription is a live event feed.
type Subscription interface {
	Unsubscribe()
	// Err delivers at most one error when the feed breaks.
	Err() <-chan error
}

// BalanceQuery asks for wallet and exchange-held balances of every
// account/asset pair as of Block.
type BalanceQuery struct {
	Accounts []common.Address
	Assets   []common.Address
	Block    uint64
}

// BalanceSheet is an authoritative balance read.
type BalanceSheet struct {
	Block   uint64
	Entries map[state.BalanceKey]amount.Amount
}

// Checkpoint is the position the sheet is authoritative up to.
func (b BalanceSheet) Checkpoint() event.Position { return event.EndOfBlock(b.Block) }

// Reader is the read side of the ledger. Subscribe callbacks are invoked
// at least once per event with no ordering guarantee across kinds.
type Reader interface {
	Head(ctx context.Context) (uint64, error)
	FetchHistorical(ctx context.Context, kind event.Kind, from, to uint64) ([]event.Event, error)
	Subscribe(ctx context.Context, kind event.Kind, fn func(event.Event)) (Subscription, error)
	Balances(ctx context.Context, q BalanceQuery) (BalanceSheet, error)
}

// Receipt acknowledges transmission. It is not a finality guarantee.
type Receipt struct {
	TxHash      common.Hash       `json:"txHash"`
	Kind        event.RequestKind `json:"kind"`
	SubmittedAt time.Time         `json:"submittedAt"`
}

// Writer is the write side of the ledger.
type Writer interface {
	Submit(ctx context.Context, req event.Request) (Receipt, error)
}

// RejectionNotifier is implemented by writers that learn about failed
// requests after acknowledging them.
type RejectionNotifier interface {
	OnRejected(fn func(txHash common.Hash, err error))
}

// Ledger is both sides together.
type Ledger interface {
	Reader
	Writer
}
