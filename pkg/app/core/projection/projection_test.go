package projection

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

var (
	ether = common.Address{}
	tok   = common.HexToAddress("0x70C0000000000000000000000000000000000001")
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000002")
	carol = common.HexToAddress("0xCC00000000000000000000000000000000000003")
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func units(n uint64) amount.Amount { return amount.FromUnits(n) }

func build(t *testing.T, evs ...event.Event) *state.State {
	t.Helper()
	b := state.New(ether).Edit()
	for _, ev := range evs {
		if err := b.Apply(ev); err != nil && !errors.Is(err, state.ErrInvariantViolation) {
			t.Fatalf("Apply(%s): %v", ev.Kind(), err)
		}
	}
	return b.State()
}

// buyOrder pays ether for tokens at price eth/tokens.
func buyOrder(id string, maker common.Address, eth, tokens uint64, at time.Time) event.OrderPlaced {
	return event.OrderPlaced{Order: event.Order{
		ID: event.OrderID(id), Maker: maker,
		GiveAsset: ether, GiveAmount: units(eth),
		GetAsset: tok, GetAmount: units(tokens),
		CreatedAt: at,
	}}
}

func sellOrder(id string, maker common.Address, eth, tokens uint64, at time.Time) event.OrderPlaced {
	return event.OrderPlaced{Order: event.Order{
		ID: event.OrderID(id), Maker: maker,
		GiveAsset: tok, GiveAmount: units(tokens),
		GetAsset: ether, GetAmount: units(eth),
		CreatedAt: at,
	}}
}

// fillAt builds a fill whose price is price/1 (ether per token) with the
// maker buying tokens.
func fillAt(id string, maker, taker common.Address, price uint64, at time.Time, block uint64) event.OrderFilled {
	return event.OrderFilled{
		OrderID: event.OrderID(id), Maker: maker, Taker: taker,
		GiveAsset: ether, GiveAmount: units(price),
		GetAsset: tok, GetAmount: units(1),
		At: at, Pos: event.Position{Block: block},
	}
}

func TestDecorate(t *testing.T) {
	tests := []struct {
		name      string
		giveAsset common.Address
		give      amount.Amount
		getAsset  common.Address
		get       amount.Amount
		wantEth   amount.Amount
		wantTok   amount.Amount
		wantPrice float64
		wantErr   bool
	}{
		{"buy 3 for 2", ether, units(3), tok, units(2), units(3), units(2), 1.5, false},
		{"sell 2 for 3", tok, units(2), ether, units(3), units(3), units(2), 1.5, false},
		{"rounded", ether, units(1), tok, units(3), units(1), units(3), 0.33333, false},
		{"zero tokens", ether, units(1), tok, amount.Zero, amount.Zero, amount.Zero, 0, true},
		{"no reference leg", tok, units(1), carol, units(1), amount.Zero, amount.Zero, 0, true},
		{"both reference", ether, units(1), ether, units(1), amount.Zero, amount.Zero, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decorate(ether, tt.giveAsset, tt.give, tt.getAsset, tt.get)
			if tt.wantErr {
				if !errors.Is(err, event.ErrInvalidOrder) {
					t.Fatalf("err = %v, want ErrInvalidOrder", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !d.EtherAmount.Equal(tt.wantEth) || !d.TokenAmount.Equal(tt.wantTok) {
				t.Errorf("amounts = %s/%s, want %s/%s", d.EtherAmount, d.TokenAmount, tt.wantEth, tt.wantTok)
			}
			if d.Price != tt.wantPrice {
				t.Errorf("price = %v, want %v", d.Price, tt.wantPrice)
			}
		})
	}
}

func TestOrderBook(t *testing.T) {
	s := build(t,
		buyOrder("1", alice, 1, 10, t0),                  // 0.1
		buyOrder("2", alice, 3, 10, t0.Add(time.Minute)), // 0.3
		buyOrder("3", bob, 3, 10, t0),                    // 0.3, older than 2
		sellOrder("4", bob, 5, 10, t0),                   // 0.5
		sellOrder("5", bob, 4, 10, t0),                   // 0.4
		sellOrder("6", carol, 9, 10, t0),                 // cancelled
		event.OrderCancelled{OrderID: "6", Maker: carol, At: t0},
		event.OrderFilled{OrderID: "1", Maker: alice, Taker: bob, GiveAsset: ether, GiveAmount: units(1), GetAsset: tok, GetAmount: units(10), At: t0},
	)

	book := BuildOrderBook(s)

	ids := func(es []OrderBookEntry) []event.OrderID {
		var out []event.OrderID
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}
	if got, want := fmt.Sprint(ids(book.Buys)), fmt.Sprint([]event.OrderID{"3", "2"}); got != want {
		t.Errorf("buys = %s, want %s", got, want)
	}
	if got, want := fmt.Sprint(ids(book.Sells)), fmt.Sprint([]event.OrderID{"4", "5"}); got != want {
		t.Errorf("sells = %s, want %s", got, want)
	}
	for _, e := range book.Buys {
		if e.Type != Buy {
			t.Errorf("order %s in buys has type %s", e.ID, e.Type)
		}
	}
	if len(book.Skipped) != 0 {
		t.Errorf("skipped = %v", book.Skipped)
	}
}

func TestOrderBookSkipsUndecoratable(t *testing.T) {
	s := build(t, buyOrder("1", alice, 1, 0, t0))
	book := BuildOrderBook(s)
	if len(book.Buys) != 0 || len(book.Skipped) != 1 || book.Skipped[0] != "1" {
		t.Errorf("book = %+v", book)
	}
}

func TestTradeTapeDirections(t *testing.T) {
	// Inserted out of time order on purpose.
	s := build(t,
		fillAt("3", alice, bob, 102, t0.Add(2*time.Minute), 3),
		fillAt("1", alice, bob, 100, t0, 1),
		fillAt("2", alice, bob, 105, t0.Add(time.Minute), 2),
	)

	tape := BuildTradeTape(s)
	if len(tape.Trades) != 3 {
		t.Fatalf("len = %d, want 3", len(tape.Trades))
	}

	want := []struct {
		id    event.OrderID
		price float64
		dir   Direction
	}{
		{"3", 102, Down},
		{"2", 105, Up},
		{"1", 100, Up},
	}
	for i, w := range want {
		got := tape.Trades[i]
		if got.OrderID != w.id || got.Price != w.price || got.Direction != w.dir {
			t.Errorf("trade %d = {%s %v %s}, want {%s %v %s}", i, got.OrderID, got.Price, got.Direction, w.id, w.price, w.dir)
		}
	}
}

func TestTradeTapeEqualPriceIsUp(t *testing.T) {
	s := build(t,
		fillAt("1", alice, bob, 100, t0, 1),
		fillAt("2", alice, bob, 100, t0.Add(time.Second), 2),
	)
	tape := BuildTradeTape(s)
	if tape.Trades[0].Direction != Up {
		t.Errorf("equal price direction = %s, want up", tape.Trades[0].Direction)
	}
}

func TestCandles(t *testing.T) {
	hour := t0.Truncate(time.Hour)
	s := build(t,
		fillAt("1", alice, bob, 10, hour.Add(1*time.Minute), 1),
		fillAt("2", alice, bob, 12, hour.Add(10*time.Minute), 2),
		fillAt("3", alice, bob, 9, hour.Add(20*time.Minute), 3),
		fillAt("4", alice, bob, 11, hour.Add(59*time.Minute), 4),
		fillAt("5", alice, bob, 20, hour.Add(3*time.Hour+5*time.Minute), 5),
	)

	got := BuildCandles(s, time.Hour)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	c := got[0]
	if c.Open != 10 || c.High != 12 || c.Low != 9 || c.Close != 11 {
		t.Errorf("bar = o%v h%v l%v c%v, want o10 h12 l9 c11", c.Open, c.High, c.Low, c.Close)
	}
	if !c.Start.Equal(hour) || c.Trades != 4 || !c.Volume.Equal(units(4)) {
		t.Errorf("bar start %v trades %d volume %s", c.Start, c.Trades, c.Volume)
	}
	if !got[1].Start.Equal(hour.Add(3*time.Hour)) || got[1].Open != 20 {
		t.Errorf("second bar = %+v", got[1])
	}
}

func TestCandlesUseUTC(t *testing.T) {
	loc := time.FixedZone("X", 30*60)
	at := time.Date(2024, 3, 1, 12, 45, 0, 0, loc) // 12:15 UTC
	s := build(t, fillAt("1", alice, bob, 1, at, 1))
	got := BuildCandles(s, 0)
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !got[0].Start.Equal(want) {
		t.Errorf("start = %v, want %v", got[0].Start, want)
	}
}

func TestSummarize(t *testing.T) {
	if got := Summarize(build(t)); got.Trades != 0 || got.LastPrice != 0 {
		t.Errorf("empty summary = %+v", got)
	}

	s := build(t,
		fillAt("1", alice, bob, 100, t0, 1),
		fillAt("2", alice, bob, 90, t0.Add(time.Minute), 2),
	)
	got := Summarize(s)
	if got.LastPrice != 90 || got.Change != "-" {
		t.Errorf("summary = %+v, want 90 -", got)
	}
}

func TestPersonalViews(t *testing.T) {
	s := build(t,
		// alice buys tokens from bob
		fillAt("1", alice, bob, 100, t0, 1),
		// bob sells as maker to carol
		event.OrderFilled{
			OrderID: "2", Maker: bob, Taker: carol,
			GiveAsset: tok, GiveAmount: units(1), GetAsset: ether, GetAmount: units(3),
			At: t0.Add(time.Minute), Pos: event.Position{Block: 2},
		},
		buyOrder("10", bob, 1, 10, t0),
		sellOrder("11", bob, 1, 10, t0.Add(time.Minute)),
		buyOrder("12", alice, 1, 10, t0),
	)

	fills := MyFills(s, bob)
	if len(fills) != 2 {
		t.Fatalf("bob fills = %d, want 2", len(fills))
	}
	// newest first: bob as maker selling, then bob as taker of alice's buy
	if fills[0].OrderID != "2" || fills[0].Type != Sell || fills[0].Sign != "-" {
		t.Errorf("fill 0 = %s %s %s", fills[0].OrderID, fills[0].Type, fills[0].Sign)
	}
	if fills[1].OrderID != "1" || fills[1].Type != Sell || fills[1].Sign != "-" {
		t.Errorf("fill 1 = %s %s %s", fills[1].OrderID, fills[1].Type, fills[1].Sign)
	}

	aliceFills := MyFills(s, alice)
	if len(aliceFills) != 1 || aliceFills[0].Type != Buy || aliceFills[0].Sign != "+" {
		t.Errorf("alice fills = %+v", aliceFills)
	}
	carolFills := MyFills(s, carol)
	if len(carolFills) != 1 || carolFills[0].Type != Buy || carolFills[0].Sign != "+" {
		t.Errorf("carol fills = %+v", carolFills)
	}

	orders := MyOpenOrders(s, bob)
	if len(orders) != 2 || orders[0].ID != "11" || orders[1].ID != "10" {
		t.Errorf("bob open orders = %+v", orders)
	}
}

func TestViewsMemoizeBySnapshot(t *testing.T) {
	s := build(t, buyOrder("1", alice, 1, 10, t0))
	v := NewViews()

	v.OrderBook(s)
	v.OrderBook(s)
	v.MyOpenOrders(s, alice)
	v.MyOpenOrders(s, alice)
	if hits, misses := v.Stats(); hits != 2 || misses != 2 {
		t.Errorf("stats = %d hits %d misses, want 2/2", hits, misses)
	}

	next, err := state.Apply(s, event.OrderCancelled{OrderID: "1", Maker: alice, At: t0})
	if err != nil {
		t.Fatal(err)
	}
	if got := v.OrderBook(next); len(got.Buys) != 0 {
		t.Errorf("stale book served after change: %+v", got)
	}
	if _, misses := v.Stats(); misses != 3 {
		t.Errorf("misses = %d, want 3", misses)
	}
}
