package ops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
	"github.com/uhyunpark/dexview/pkg/ledger"
	"github.com/uhyunpark/dexview/pkg/util"
)

var (
	ether = common.Address{}
	tok   = common.HexToAddress("0x70C0000000000000000000000000000000000001")
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000002")
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeWriter struct {
	mu     sync.Mutex
	err    error
	n      byte
	sent   []event.Request
	before func(common.Hash)
	reject func(common.Hash, error)
	// untimed receipts carry no SubmittedAt.
	untimed bool
}

func (w *fakeWriter) Submit(_ context.Context, req event.Request) (ledger.Receipt, error) {
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return ledger.Receipt{}, w.err
	}
	w.n++
	h := common.Hash{w.n}
	w.sent = append(w.sent, req)
	before := w.before
	at := t0
	if w.untimed {
		at = time.Time{}
	}
	w.mu.Unlock()

	if before != nil {
		before(h)
	}
	return ledger.Receipt{TxHash: h, Kind: req.RequestKind(), SubmittedAt: at}, nil
}

func (w *fakeWriter) OnRejected(fn func(common.Hash, error)) { w.reject = fn }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

func newPipeline(w *fakeWriter, s *state.State) *Pipeline {
	return New(w, func() *state.State { return s }, util.NewStepClock(t0), nil)
}

func funded(t *testing.T) *state.State {
	t.Helper()
	s := state.New(ether)
	s = state.Reload(s, map[state.BalanceKey]amount.Amount{
		{Account: alice, Asset: ether, Location: state.Wallet}:       amount.FromUnits(5),
		{Account: alice, Asset: ether, Location: state.ExchangeHeld}: amount.FromUnits(2),
	}, event.Position{Block: 1})
	return s
}

func deposit(n uint64) event.DepositRequest {
	return event.DepositRequest{From: alice, Asset: ether, Amount: amount.FromUnits(n)}
}

func TestSubmitAndCommitByTxHash(t *testing.T) {
	w := &fakeWriter{}
	p := newPipeline(w, funded(t))

	op, err := p.Submit(context.Background(), deposit(1))
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != Submitted || op.Category != Depositing {
		t.Fatalf("op = %s/%s, want submitted/depositing", op.Status, op.Category)
	}
	if !p.Flags().Depositing {
		t.Error("depositing flag not set")
	}

	if _, err := p.Submit(context.Background(), deposit(1)); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("second submit err = %v, want ErrOperationInFlight", err)
	}
	if w.count() != 1 {
		t.Errorf("transmitted %d requests, want 1", w.count())
	}

	// Amount differs, so only the tx hash can match.
	p.Observe(event.Deposited{Account: alice, Asset: ether, Amount: amount.FromUnits(9), Pos: event.Position{Block: 2, TxHash: op.Receipt.TxHash}})

	if p.Flags().Any() {
		t.Errorf("flags still set: %+v", p.Flags())
	}
	last, ok := p.Last(Depositing)
	if !ok || last.Status != Committed || last.ID != op.ID {
		t.Errorf("last = %+v", last)
	}
}

func TestCommitByFields(t *testing.T) {
	p := newPipeline(&fakeWriter{}, funded(t))

	req := event.PlaceOrderRequest{Maker: alice, GiveAsset: ether, GiveAmount: amount.FromUnits(1), GetAsset: tok, GetAmount: amount.FromUnits(3)}
	if _, err := p.Submit(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if f := p.Flags(); !f.PlacingBuy || f.PlacingSell {
		t.Fatalf("flags = %+v, want placingBuy only", f)
	}

	other := event.OrderPlaced{Order: event.Order{ID: "7", Maker: bob, GiveAsset: ether, GiveAmount: amount.FromUnits(1), GetAsset: tok, GetAmount: amount.FromUnits(3)}}
	p.Observe(other)
	if !p.Flags().PlacingBuy {
		t.Fatal("another maker's order committed the operation")
	}

	mine := other
	mine.Maker = alice
	p.Observe(mine)
	if p.Flags().PlacingBuy {
		t.Error("matching order did not commit the operation")
	}
}

func TestTransmissionFailureClearsReservation(t *testing.T) {
	w := &fakeWriter{err: errors.New("nonce too low")}
	p := newPipeline(w, funded(t))

	op, err := p.Submit(context.Background(), deposit(1))
	if !errors.Is(err, ErrTransmissionFailed) {
		t.Fatalf("err = %v, want ErrTransmissionFailed", err)
	}
	if op.Status != Failed || op.Error == "" {
		t.Errorf("op = %+v", op)
	}
	if p.Flags().Any() {
		t.Error("flag set after failure")
	}

	w.err = nil
	if _, err := p.Submit(context.Background(), deposit(1)); err != nil {
		t.Errorf("resubmit after failure: %v", err)
	}
}

func TestRejectFailsSubmittedOperation(t *testing.T) {
	w := &fakeWriter{}
	p := newPipeline(w, funded(t))

	op, err := p.Submit(context.Background(), event.WithdrawRequest{From: alice, Asset: ether, Amount: amount.FromUnits(1)})
	if err != nil {
		t.Fatal(err)
	}
	w.reject(common.Hash{0xff}, errors.New("unrelated"))
	if !p.Flags().Withdrawing {
		t.Fatal("unrelated rejection cleared the flag")
	}

	w.reject(op.Receipt.TxHash, errors.New("execution reverted"))
	last, ok := p.Last(Withdrawing)
	if !ok || last.Status != Failed || !errors.Is(last.Err, ErrTransmissionFailed) {
		t.Errorf("last = %+v", last)
	}
	if p.Flags().Withdrawing {
		t.Error("flag still set after rejection")
	}
}

func TestPrecheck(t *testing.T) {
	s := funded(t)
	s, _ = state.Apply(s, event.OrderPlaced{Order: event.Order{ID: "1", Maker: bob, GiveAsset: tok, GiveAmount: amount.FromUnits(1), GetAsset: ether, GetAmount: amount.FromUnits(2)}})

	tests := []struct {
		name string
		req  event.Request
		want error
	}{
		{"withdraw over exchange balance", event.WithdrawRequest{From: alice, Asset: ether, Amount: amount.FromUnits(3)}, amount.ErrInsufficientBalance},
		{"withdraw unknown asset", event.WithdrawRequest{From: alice, Asset: tok, Amount: amount.FromUnits(1)}, amount.ErrInsufficientBalance},
		{"deposit over wallet", deposit(6), amount.ErrInsufficientBalance},
		{"deposit unknown wallet", event.DepositRequest{From: bob, Asset: ether, Amount: amount.FromUnits(100)}, nil},
		{"fill without funds", event.FillOrderRequest{Taker: bob, OrderID: "1"}, amount.ErrInsufficientBalance},
		{"fill with funds", event.FillOrderRequest{Taker: alice, OrderID: "1"}, nil},
		{"cancel foreign order", event.CancelOrderRequest{Maker: alice, OrderID: "1"}, event.ErrInvalidOrder},
		{"zero amount", deposit(0), amount.ErrMalformedAmount},
		{"no reference leg", event.PlaceOrderRequest{Maker: alice, GiveAsset: tok, GiveAmount: amount.FromUnits(1), GetAsset: bob, GetAmount: amount.FromUnits(1)}, event.ErrInvalidOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{}
			p := newPipeline(w, s)
			_, err := p.Submit(context.Background(), tt.req)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if w.count() != 0 || p.Flags().Any() {
				t.Error("rejected request was transmitted")
			}
		})
	}
}

func TestEventBeforeAcknowledgment(t *testing.T) {
	w := &fakeWriter{}
	p := newPipeline(w, funded(t))
	w.before = func(h common.Hash) {
		p.Observe(event.Deposited{Account: alice, Asset: ether, Amount: amount.FromUnits(1), Pos: event.Position{Block: 2, TxHash: h}})
	}

	op, err := p.Submit(context.Background(), deposit(1))
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != Committed {
		t.Errorf("status = %s, want committed", op.Status)
	}
	if len(p.Active()) != 0 || p.Flags().Any() {
		t.Error("operation still outstanding")
	}
	if last, _ := p.Last(Depositing); last.Receipt.TxHash != op.Receipt.TxHash {
		t.Error("last operation lost its receipt")
	}
}

func TestUntimedReceiptReleasesCategory(t *testing.T) {
	w := &fakeWriter{untimed: true}
	p := newPipeline(w, funded(t))

	op, err := p.Submit(context.Background(), deposit(1))
	if err != nil {
		t.Fatal(err)
	}
	if op.SubmittedAt.IsZero() {
		t.Error("submitted time not stamped from the clock")
	}
	p.Observe(event.Deposited{Account: alice, Asset: ether, Amount: amount.FromUnits(1), Pos: event.Position{Block: 2, TxHash: op.Receipt.TxHash}})

	if len(p.Active()) != 0 {
		t.Fatalf("active = %+v, want none after commit", p.Active())
	}
	if _, err := p.Submit(context.Background(), deposit(1)); err != nil {
		t.Fatalf("next deposit: %v", err)
	}
}

func TestSubscribeSeesEveryTransition(t *testing.T) {
	w := &fakeWriter{}
	p := newPipeline(w, funded(t))

	var mu sync.Mutex
	var seen []Status
	cancel := p.Subscribe(func(op Operation) {
		mu.Lock()
		seen = append(seen, op.Status)
		mu.Unlock()
	})

	op, err := p.Submit(context.Background(), event.CancelOrderRequest{Maker: alice, OrderID: "3"})
	if err != nil {
		t.Fatal(err)
	}
	p.Observe(event.OrderCancelled{OrderID: "3", Maker: alice, Pos: event.Position{Block: 4, TxHash: op.Receipt.TxHash}})
	cancel()
	if _, err := p.Submit(context.Background(), event.CancelOrderRequest{Maker: alice, OrderID: "4"}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != Submitted || seen[1] != Committed {
		t.Errorf("seen = %v, want [submitted committed]", seen)
	}
}
