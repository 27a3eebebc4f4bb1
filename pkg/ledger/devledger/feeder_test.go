package devledger

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
)

func TestFeederFundsTraders(t *testing.T) {
	l := newTestLedger(t, 0)
	cfg := DefaultFeederConfig(ether, tok)
	cfg.NumAccounts = 3
	cfg.Funding = 50
	cfg.Seed = 1

	f := NewFeeder(l, cfg)
	if err := f.Fund(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ProduceBlock(); err != nil {
		t.Fatal(err)
	}
	for _, a := range f.accts {
		for _, asset := range []common.Address{ether, tok} {
			if got := exchangeBalance(t, l, a, asset); !got.Equal(amount.FromUnits(50)) {
				t.Errorf("%s %s = %s, want 50", a.Hex(), asset.Hex(), amount.ToDisplay(got))
			}
		}
	}
}

func TestFeederRequestsAreValid(t *testing.T) {
	l := newTestLedger(t, 0)
	cfg := DefaultFeederConfig(ether, tok)
	cfg.Seed = 7
	f := NewFeeder(l, cfg)
	f.track(event.OrderPlaced{Order: event.Order{ID: "1", Maker: f.accts[0]}})

	kinds := map[event.RequestKind]int{}
	for i := 0; i < 200; i++ {
		req := f.Next()
		if err := req.Validate(ether); err != nil {
			t.Fatalf("request %d (%s): %v", i, req.RequestKind(), err)
		}
		kinds[req.RequestKind()]++
	}
	if kinds[event.RequestPlaceOrder] == 0 {
		t.Errorf("no orders generated: %v", kinds)
	}
	if kinds[event.RequestCancelOrder]+kinds[event.RequestFillOrder] == 0 {
		t.Errorf("open order never picked: %v", kinds)
	}
}
