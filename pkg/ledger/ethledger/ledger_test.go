package ethledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
	"github.com/uhyunpark/dexview/pkg/crypto"
	"github.com/uhyunpark/dexview/pkg/ledger"
)

var (
	ether    = common.Address{}
	tok      = common.HexToAddress("0x70C0000000000000000000000000000000000001")
	exchange = common.HexToAddress("0xE1C0000000000000000000000000000000000009")
	alice    = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	bob      = common.HexToAddress("0xBB00000000000000000000000000000000000002")
)

func wei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18)) }

type fakeSub struct {
	errc chan error
}

func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.errc }

type fakeBackend struct {
	mu       sync.Mutex
	head     uint64
	logs     []types.Log
	ranges   [][2]uint64
	wallets  map[common.Address]*big.Int
	held     map[[2]common.Address]*big.Int // (token, user)
	tokens   map[[2]common.Address]*big.Int // (token, owner)
	sent     []*types.Transaction
	estErr   error
	failAll  bool
	liveLogs chan<- types.Log
	liveSub  *fakeSub

	feeAccount common.Address
	feePercent int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		wallets: make(map[common.Address]*big.Int),
		held:    make(map[[2]common.Address]*big.Int),
		tokens:  make(map[[2]common.Address]*big.Int),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }
func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}
func (b *fakeBackend) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	return &types.Header{Number: n, Time: 1_700_000_000 + n.Uint64()}, nil
}

func (b *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	b.ranges = append(b.ranges, [2]uint64{from, to})
	var out []types.Log
	for _, lg := range b.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to || lg.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.liveLogs = ch
	b.liveSub = &fakeSub{errc: make(chan error, 1)}
	return b.liveSub, nil
}

func (b *fakeBackend) BalanceAt(_ context.Context, acct common.Address, _ *big.Int) (*big.Int, error) {
	if v, ok := b.wallets[acct]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (b *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if *call.To == exchange {
		for name, m := range exchangeContract.Methods {
			if string(call.Data[:4]) != string(m.ID) {
				continue
			}
			switch name {
			case "feeAccount":
				return m.Outputs.Pack(b.feeAccount)
			case "feePercent":
				return m.Outputs.Pack(big.NewInt(b.feePercent))
			}
		}
		args, err := exchangeContract.Methods["balanceOf"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		v := b.held[[2]common.Address{args[0].(common.Address), args[1].(common.Address)}]
		if v == nil {
			v = new(big.Int)
		}
		return exchangeContract.Methods["balanceOf"].Outputs.Pack(v)
	}
	args, err := tokenContract.Methods["balanceOf"].Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	v := b.tokens[[2]common.Address{*call.To, args[0].(common.Address)}]
	if v == nil {
		v = new(big.Int)
	}
	return tokenContract.Methods["balanceOf"].Outputs.Pack(v)
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 5, nil }
func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (b *fakeBackend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estErr != nil && len(b.sent) > 0 {
		return 0, b.estErr
	}
	return 50_000, nil
}
func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}
func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.failAll {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: h, Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}, nil
}
func (b *fakeBackend) Close() {}

func (b *fakeBackend) txs() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// packLog builds a contract log the way the chain would emit it.
func packLog(t *testing.T, name string, block uint64, index uint, args ...any) types.Log {
	t.Helper()
	ev := exchangeContract.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return types.Log{
		Address:     exchange,
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.Hash{byte(block), byte(index)},
	}
}

func newTestLedger(t *testing.T, b *fakeBackend, signer *crypto.Signer) *Ledger {
	t.Helper()
	l, err := New(context.Background(), b, Config{
		Exchange:     exchange,
		Reference:    ether,
		Signer:       signer,
		MaxLogRange:  10,
		PollInterval: time.Millisecond,
		Logger:       zaptest.NewLogger(t).Sugar(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)
	return l
}

func noTime(uint64) (time.Time, error) { return time.Unix(42, 0).UTC(), nil }

func TestDecode(t *testing.T) {
	ts := big.NewInt(1_700_000_123)
	at := time.Unix(ts.Int64(), 0).UTC()

	tests := []struct {
		name string
		lg   types.Log
		want event.Event
	}{
		{
			name: "deposit",
			lg:   packLog(t, "Deposit", 3, 1, tok, alice, wei(2), wei(5)),
			want: event.Deposited{Account: alice, Asset: tok, Amount: amount.FromUnits(2), At: time.Unix(42, 0).UTC()},
		},
		{
			name: "order",
			lg:   packLog(t, "Order", 4, 0, big.NewInt(7), alice, tok, wei(10), ether, wei(1), ts),
			want: event.OrderPlaced{Order: event.Order{
				ID: "7", Maker: alice, GetAsset: tok, GetAmount: amount.FromUnits(10),
				GiveAsset: ether, GiveAmount: amount.FromUnits(1), CreatedAt: at,
			}},
		},
		{
			name: "cancel",
			lg:   packLog(t, "Cancel", 5, 2, big.NewInt(7), alice, tok, wei(10), ether, wei(1), ts),
			want: event.OrderCancelled{OrderID: "7", Maker: alice, At: at},
		},
		{
			name: "trade",
			lg:   packLog(t, "Trade", 6, 0, big.NewInt(8), alice, tok, wei(10), ether, wei(1), bob, ts),
			want: event.OrderFilled{
				OrderID: "8", Maker: alice, Taker: bob,
				GiveAsset: ether, GiveAmount: amount.FromUnits(1),
				GetAsset: tok, GetAmount: amount.FromUnits(10), At: at,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decode(tt.lg, feeSchedule{}, noTime)
			if err != nil {
				t.Fatal(err)
			}
			if got.Kind() != tt.want.Kind() {
				t.Fatalf("kind = %s, want %s", got.Kind(), tt.want.Kind())
			}
			pos := got.Position()
			if pos.Block != tt.lg.BlockNumber || pos.Index != tt.lg.Index || pos.TxHash != tt.lg.TxHash {
				t.Errorf("position = %+v", pos)
			}
			switch w := tt.want.(type) {
			case event.Deposited:
				g := got.(event.Deposited)
				if g.Account != w.Account || g.Asset != w.Asset || !g.Amount.Equal(w.Amount) || !g.At.Equal(w.At) {
					t.Errorf("got %+v", g)
				}
				if g.Balance == nil || !g.Balance.Equal(amount.FromUnits(5)) {
					t.Errorf("balance = %v", g.Balance)
				}
			case event.OrderPlaced:
				if g := got.(event.OrderPlaced); !g.Same(w.Order) || !g.CreatedAt.Equal(w.CreatedAt) {
					t.Errorf("got %+v", g)
				}
			case event.OrderCancelled:
				if g := got.(event.OrderCancelled); g.OrderID != w.OrderID || g.Maker != w.Maker || !g.At.Equal(w.At) {
					t.Errorf("got %+v", g)
				}
			case event.OrderFilled:
				g := got.(event.OrderFilled)
				if !g.Same(w) || !g.At.Equal(w.At) {
					t.Errorf("got %+v", g)
				}
			}
		})
	}
}

func TestTradeCarriesContractFee(t *testing.T) {
	feeAcct := common.HexToAddress("0xFEE0000000000000000000000000000000000003")
	b := newFakeBackend()
	b.feeAccount = feeAcct
	b.feePercent = 10
	ts := big.NewInt(1_700_000_000)
	b.logs = append(b.logs, packLog(t, "Trade", 4, 0, big.NewInt(8), alice, tok, wei(2), ether, wei(1), bob, ts))
	l := newTestLedger(t, b, nil)

	evs, err := l.FetchHistorical(context.Background(), event.KindOrderFilled, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
	fill := evs[0].(event.OrderFilled)
	if fill.FeeAccount != feeAcct {
		t.Errorf("fee account = %s, want %s", fill.FeeAccount.Hex(), feeAcct.Hex())
	}
	if !fill.Fee.Equal(amount.MustDisplay("0.2")) {
		t.Errorf("fee = %s, want 0.2", amount.ToDisplay(fill.Fee))
	}
	if got := fill.Accounts(); len(got) != 3 || got[2] != feeAcct {
		t.Errorf("accounts = %v, want maker, taker and fee account", got)
	}
}

func TestDecodeRejectsForeignLogs(t *testing.T) {
	if _, err := decode(types.Log{Topics: []common.Hash{{0x01}}}, feeSchedule{}, noTime); err == nil {
		t.Error("expected error for unknown topic")
	}
	if _, err := decode(types.Log{}, feeSchedule{}, noTime); err == nil {
		t.Error("expected error for anonymous log")
	}
}

func TestFetchHistoricalChunksRange(t *testing.T) {
	b := newFakeBackend()
	ts := big.NewInt(1_700_000_000)
	for _, block := range []uint64{3, 15, 27} {
		b.logs = append(b.logs, packLog(t, "Order", block, 0, new(big.Int).SetUint64(block), alice, tok, wei(1), ether, wei(1), ts))
	}
	b.logs = append(b.logs, packLog(t, "Cancel", 15, 1, big.NewInt(15), alice, tok, wei(1), ether, wei(1), ts))
	l := newTestLedger(t, b, nil)

	evs, err := l.FetchHistorical(context.Background(), event.KindOrderPlaced, 0, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3", len(evs))
	}
	want := [][2]uint64{{0, 9}, {10, 19}, {20, 29}, {30, 30}}
	if len(b.ranges) != len(want) {
		t.Fatalf("ranges = %v, want %v", b.ranges, want)
	}
	for i := range want {
		if b.ranges[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, b.ranges[i], want[i])
		}
	}
}

func TestBalances(t *testing.T) {
	b := newFakeBackend()
	b.wallets[alice] = wei(3)
	b.tokens[[2]common.Address{tok, alice}] = wei(40)
	b.held[[2]common.Address{ether, alice}] = wei(1)
	b.held[[2]common.Address{tok, alice}] = wei(7)
	l := newTestLedger(t, b, nil)

	sheet, err := l.Balances(context.Background(), ledger.BalanceQuery{
		Accounts: []common.Address{alice},
		Assets:   []common.Address{ether, tok},
		Block:    12,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[state.BalanceKey]int64{
		{Account: alice, Asset: ether, Location: state.Wallet}:       3,
		{Account: alice, Asset: tok, Location: state.Wallet}:         40,
		{Account: alice, Asset: ether, Location: state.ExchangeHeld}: 1,
		{Account: alice, Asset: tok, Location: state.ExchangeHeld}:   7,
	}
	if sheet.Block != 12 || len(sheet.Entries) != len(want) {
		t.Fatalf("sheet = %+v", sheet)
	}
	for k, n := range want {
		if got := sheet.Entries[k]; !got.Equal(amount.FromUnits(uint64(n))) {
			t.Errorf("%s %s = %s, want %d units", k.Asset.Hex()[:6], k.Location, got, n)
		}
	}
}

func TestSubmitEncodesContractCalls(t *testing.T) {
	signer, _ := crypto.GenerateKey()
	me := signer.Address()

	tests := []struct {
		name    string
		req     event.Request
		methods []string
		to      []common.Address
		value   *big.Int
	}{
		{"ether deposit", event.DepositRequest{From: me, Asset: ether, Amount: amount.FromUnits(2)}, []string{"depositEther"}, []common.Address{exchange}, wei(2)},
		{"token deposit", event.DepositRequest{From: me, Asset: tok, Amount: amount.FromUnits(2)}, []string{"approve", "depositToken"}, []common.Address{tok, exchange}, new(big.Int)},
		{"ether withdraw", event.WithdrawRequest{From: me, Asset: ether, Amount: amount.FromUnits(1)}, []string{"withdrawEther"}, []common.Address{exchange}, new(big.Int)},
		{"token withdraw", event.WithdrawRequest{From: me, Asset: tok, Amount: amount.FromUnits(1)}, []string{"withdrawToken"}, []common.Address{exchange}, new(big.Int)},
		{"make order", event.PlaceOrderRequest{Maker: me, GetAsset: tok, GetAmount: amount.FromUnits(5), GiveAsset: ether, GiveAmount: amount.FromUnits(1)}, []string{"makeOrder"}, []common.Address{exchange}, new(big.Int)},
		{"cancel", event.CancelOrderRequest{Maker: me, OrderID: "12"}, []string{"cancelOrder"}, []common.Address{exchange}, new(big.Int)},
		{"fill", event.FillOrderRequest{Taker: me, OrderID: "12"}, []string{"fillOrder"}, []common.Address{exchange}, new(big.Int)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			l := newTestLedger(t, b, signer)

			rcpt, err := l.Submit(context.Background(), tt.req)
			if err != nil {
				t.Fatal(err)
			}
			txs := b.txs()
			if len(txs) != len(tt.methods) {
				t.Fatalf("sent %d txs, want %d", len(txs), len(tt.methods))
			}
			for i, tx := range txs {
				contract := exchangeContract
				if tt.methods[i] == "approve" {
					contract = tokenContract
				}
				m, err := contract.MethodById(tx.Data()[:4])
				if err != nil || m.Name != tt.methods[i] {
					t.Errorf("tx %d calls %v (%v), want %s", i, m, err, tt.methods[i])
				}
				if *tx.To() != tt.to[i] {
					t.Errorf("tx %d to %s, want %s", i, tx.To().Hex(), tt.to[i].Hex())
				}
				if tx.Nonce() != uint64(5+i) {
					t.Errorf("tx %d nonce = %d, want %d", i, tx.Nonce(), 5+i)
				}
				from, err := crypto.SenderOf(tx, big.NewInt(1337))
				if err != nil || from != me {
					t.Errorf("tx %d sender = %s (%v)", i, from.Hex(), err)
				}
			}
			last := txs[len(txs)-1]
			if last.Value().Cmp(tt.value) != 0 {
				t.Errorf("value = %s, want %s", last.Value(), tt.value)
			}
			if rcpt.TxHash != last.Hash() || rcpt.Kind != tt.req.RequestKind() {
				t.Errorf("receipt = %+v", rcpt)
			}
		})
	}
}

func TestSubmitGuards(t *testing.T) {
	signer, _ := crypto.GenerateKey()
	ctx := context.Background()

	ro := newTestLedger(t, newFakeBackend(), nil)
	if _, err := ro.Submit(ctx, event.FillOrderRequest{Taker: alice, OrderID: "1"}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("read-only err = %v", err)
	}

	l := newTestLedger(t, newFakeBackend(), signer)
	if _, err := l.Submit(ctx, event.FillOrderRequest{Taker: alice, OrderID: "1"}); !errors.Is(err, ErrWrongSender) {
		t.Errorf("wrong sender err = %v", err)
	}
	if _, err := l.Submit(ctx, event.CancelOrderRequest{Maker: signer.Address(), OrderID: "abc"}); !errors.Is(err, event.ErrInvalidOrder) {
		t.Errorf("bad id err = %v", err)
	}
}

func TestTokenDepositFallsBackOnEstimate(t *testing.T) {
	signer, _ := crypto.GenerateKey()
	b := newFakeBackend()
	b.estErr = errors.New("execution reverted: allowance")
	l := newTestLedger(t, b, signer)

	if _, err := l.Submit(context.Background(), event.DepositRequest{From: signer.Address(), Asset: tok, Amount: amount.FromUnits(1)}); err != nil {
		t.Fatal(err)
	}
	txs := b.txs()
	if len(txs) != 2 {
		t.Fatalf("sent %d txs, want 2", len(txs))
	}
	if txs[1].Gas() != depositGas {
		t.Errorf("deposit gas = %d, want %d", txs[1].Gas(), depositGas)
	}
}

func TestRevertedTxIsRejected(t *testing.T) {
	signer, _ := crypto.GenerateKey()
	b := newFakeBackend()
	b.failAll = true
	l := newTestLedger(t, b, signer)

	type rejection struct {
		hash common.Hash
		err  error
	}
	got := make(chan rejection, 1)
	l.OnRejected(func(h common.Hash, err error) { got <- rejection{h, err} })

	rcpt, err := l.Submit(context.Background(), event.WithdrawRequest{From: signer.Address(), Asset: ether, Amount: amount.FromUnits(1)})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if r.hash != rcpt.TxHash || !errors.Is(r.err, ErrReverted) {
			t.Errorf("rejection = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no rejection reported")
	}
}

func TestSubscribe(t *testing.T) {
	b := newFakeBackend()
	l := newTestLedger(t, b, nil)

	got := make(chan event.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := l.Subscribe(ctx, event.KindOrderCancelled, func(ev event.Event) { got <- ev })
	if err != nil {
		t.Fatal(err)
	}

	removed := packLog(t, "Cancel", 8, 0, big.NewInt(1), alice, tok, wei(1), ether, wei(1), big.NewInt(1))
	removed.Removed = true
	b.liveLogs <- removed
	b.liveLogs <- packLog(t, "Cancel", 9, 0, big.NewInt(2), alice, tok, wei(1), ether, wei(1), big.NewInt(1))

	select {
	case ev := <-got:
		if c, ok := ev.(event.OrderCancelled); !ok || c.OrderID != "2" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	b.liveSub.errc <- errors.New("connection reset")
	select {
	case err := <-sub.Err():
		if !errors.Is(err, ledger.ErrLedgerUnavailable) {
			t.Errorf("sub err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription error not reported")
	}
}
