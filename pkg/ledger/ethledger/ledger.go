// Package ethledger connects the read model to an exchange contract on an
// EVM chain through go-ethereum's RPC client.
package ethledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
	"github.com/uhyunpark/dexview/pkg/crypto"
	"github.com/uhyunpark/dexview/pkg/ledger"
)

var (
	ErrReverted    = errors.New("transaction reverted")
	ErrReadOnly    = errors.New("no signing key configured")
	ErrWrongSender = errors.New("request sender is not the signing account")
)

// Backend is the subset of *ethclient.Client the ledger needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

type Config struct {
	RPCURL   string
	Exchange common.Address
	// Reference is the ether placeholder address used by the contract.
	Reference common.Address
	// ChainID zero asks the node.
	ChainID *big.Int
	// Signer may be nil for a read-only ledger.
	Signer *crypto.Signer
	// FeeAccount and FeePercent describe the contract's taker fee. A zero
	// FeeAccount reads both from the contract.
	FeeAccount common.Address
	FeePercent uint64
	// MaxLogRange caps the block span of one eth_getLogs call.
	MaxLogRange  uint64
	PollInterval time.Duration
	Logger       *zap.SugaredLogger
}

const (
	defaultMaxLogRange  = 5000
	defaultPollInterval = 2 * time.Second
	receiptTimeout      = 10 * time.Minute
	gasMarginPercent    = 20
	blockTimeCacheSize  = 4096
)

// Ledger implements ledger.Ledger and ledger.RejectionNotifier against a
// deployed exchange contract.
type Ledger struct {
	cfg     Config
	backend Backend
	chainID *big.Int
	fees    feeSchedule
	log     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nonceMu sync.Mutex
	nonce   *uint64

	timeMu sync.Mutex
	times  map[uint64]time.Time

	rejMu    sync.RWMutex
	onReject []func(common.Hash, error)
}

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, ledger.Unavailable("dial", err)
	}
	l, err := New(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an existing backend.
func New(ctx context.Context, b Backend, cfg Config) (*Ledger, error) {
	if cfg.MaxLogRange == 0 {
		cfg.MaxLogRange = defaultMaxLogRange
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	chainID := cfg.ChainID
	if chainID == nil || chainID.Sign() == 0 {
		id, err := b.ChainID(ctx)
		if err != nil {
			return nil, ledger.Unavailable("chain id", err)
		}
		chainID = id
	}

	fees := feeSchedule{account: cfg.FeeAccount, percent: cfg.FeePercent}
	if fees.account == (common.Address{}) {
		var err error
		if fees, err = readFees(ctx, b, cfg.Exchange); err != nil {
			return nil, ledger.Unavailable("fee schedule", err)
		}
	}
	if fees.percent > 100 {
		return nil, fmt.Errorf("fee percent %d exceeds 100", fees.percent)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		cfg:     cfg,
		backend: b,
		chainID: chainID,
		fees:    fees,
		log:     log,
		ctx:     lctx,
		cancel:  cancel,
		times:   make(map[uint64]time.Time),
	}
	fields := []any{"exchange", cfg.Exchange.Hex(), "chain_id", chainID.String(), "fee_account", fees.account.Hex(), "fee_percent", fees.percent}
	if cfg.Signer != nil {
		fields = append(fields, "account", cfg.Signer.Address().Hex())
	}
	log.Infow("eth_ledger_connected", fields...)
	return l, nil
}

// Close stops receipt watchers and closes the backend.
func (l *Ledger) Close() {
	l.cancel()
	l.wg.Wait()
	l.backend.Close()
}

// ---- ledger.Reader ----

func (l *Ledger) Head(ctx context.Context) (uint64, error) {
	n, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return 0, ledger.Unavailable("head", err)
	}
	return n, nil
}

func (l *Ledger) FetchHistorical(ctx context.Context, kind event.Kind, from, to uint64) ([]event.Event, error) {
	if _, ok := eventNames[kind]; !ok {
		return nil, fmt.Errorf("unknown event kind %s", kind)
	}
	var out []event.Event
	for lo := from; lo <= to; lo += l.cfg.MaxLogRange {
		hi := min(lo+l.cfg.MaxLogRange-1, to)
		logs, err := l.backend.FilterLogs(ctx, l.query(kind, &lo, &hi))
		if err != nil {
			return nil, ledger.Unavailable("fetch "+kind.String(), err)
		}
		for _, lg := range logs {
			ev, err := decode(lg, l.fees, l.blockTimeFunc(ctx))
			if err != nil {
				return nil, ledger.Unavailable("decode "+kind.String(), err)
			}
			out = append(out, ev)
		}
		if hi == to {
			break
		}
	}
	return out, nil
}

func (l *Ledger) query(kind event.Kind, from, to *uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{l.cfg.Exchange},
		Topics:    [][]common.Hash{{topicOf(kind)}},
	}
	if from != nil {
		q.FromBlock = new(big.Int).SetUint64(*from)
	}
	if to != nil {
		q.ToBlock = new(big.Int).SetUint64(*to)
	}
	return q
}

func (l *Ledger) blockTimeFunc(ctx context.Context) func(uint64) (time.Time, error) {
	return func(block uint64) (time.Time, error) {
		l.timeMu.Lock()
		t, ok := l.times[block]
		l.timeMu.Unlock()
		if ok {
			return t, nil
		}
		h, err := l.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		if err != nil {
			return time.Time{}, fmt.Errorf("header %d: %w", block, err)
		}
		t = time.Unix(int64(h.Time), 0).UTC()
		l.timeMu.Lock()
		if len(l.times) >= blockTimeCacheSize {
			l.times = make(map[uint64]time.Time)
		}
		l.times[block] = t
		l.timeMu.Unlock()
		return t, nil
	}
}

type subscription struct {
	cancel context.CancelFunc
	errc   chan error
}

func (s *subscription) Unsubscribe()      { s.cancel() }
func (s *subscription) Err() <-chan error { return s.errc }

// Subscribe streams new logs of kind. Logs removed by a reorg are skipped.
func (l *Ledger) Subscribe(ctx context.Context, kind event.Kind, fn func(event.Event)) (ledger.Subscription, error) {
	if _, ok := eventNames[kind]; !ok {
		return nil, fmt.Errorf("unknown event kind %s", kind)
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan types.Log, 128)
	raw, err := l.backend.SubscribeFilterLogs(ctx, l.query(kind, nil, nil), ch)
	if err != nil {
		cancel()
		return nil, ledger.Unavailable("subscribe "+kind.String(), err)
	}

	sub := &subscription{cancel: cancel, errc: make(chan error, 1)}
	go func() {
		defer raw.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-raw.Err():
				if err == nil {
					err = errors.New("subscription closed")
				}
				sub.errc <- ledger.Unavailable("subscription "+kind.String(), err)
				return
			case lg := <-ch:
				if lg.Removed {
					l.log.Warnw("log_removed", "kind", kind.String(), "block", lg.BlockNumber, "tx", lg.TxHash.Hex())
					continue
				}
				ev, err := decode(lg, l.fees, l.blockTimeFunc(ctx))
				if err != nil {
					l.log.Errorw("log_decode_failed", "kind", kind.String(), "block", lg.BlockNumber, "err", err)
					continue
				}
				fn(ev)
			}
		}
	}()
	return sub, nil
}

// Balances reads wallet and exchange balances of every pair at q.Block.
func (l *Ledger) Balances(ctx context.Context, q ledger.BalanceQuery) (ledger.BalanceSheet, error) {
	block := new(big.Int).SetUint64(q.Block)
	sheet := ledger.BalanceSheet{Block: q.Block, Entries: make(map[state.BalanceKey]amount.Amount)}
	for _, acct := range q.Accounts {
		for _, asset := range q.Assets {
			wallet, err := l.walletBalance(ctx, acct, asset, block)
			if err != nil {
				return ledger.BalanceSheet{}, ledger.Unavailable("wallet balance", err)
			}
			held, err := l.call(ctx, l.cfg.Exchange, block, exchangeContract, "balanceOf", asset, acct)
			if err != nil {
				return ledger.BalanceSheet{}, ledger.Unavailable("exchange balance", err)
			}
			sheet.Entries[state.BalanceKey{Account: acct, Asset: asset, Location: state.Wallet}] = wallet
			sheet.Entries[state.BalanceKey{Account: acct, Asset: asset, Location: state.ExchangeHeld}] = held
		}
	}
	return sheet, nil
}

func (l *Ledger) walletBalance(ctx context.Context, acct, asset common.Address, block *big.Int) (amount.Amount, error) {
	if asset == l.cfg.Reference {
		v, err := l.backend.BalanceAt(ctx, acct, block)
		if err != nil {
			return amount.Zero, err
		}
		return amount.FromBig(v)
	}
	return l.call(ctx, asset, block, tokenContract, "balanceOf", acct)
}

// readFees asks the contract for its fee account and percentage.
func readFees(ctx context.Context, b Backend, exchange common.Address) (feeSchedule, error) {
	var fees feeSchedule
	for _, method := range []string{"feeAccount", "feePercent"} {
		data, err := exchangeContract.Pack(method)
		if err != nil {
			return fees, fmt.Errorf("pack %s: %w", method, err)
		}
		out, err := b.CallContract(ctx, ethereum.CallMsg{To: &exchange, Data: data}, nil)
		if err != nil {
			return fees, fmt.Errorf("call %s: %w", method, err)
		}
		vals, err := exchangeContract.Unpack(method, out)
		if err != nil {
			return fees, fmt.Errorf("unpack %s: %w", method, err)
		}
		if len(vals) != 1 {
			return fees, fmt.Errorf("%s returned %d values", method, len(vals))
		}
		switch v := vals[0].(type) {
		case common.Address:
			fees.account = v
		case *big.Int:
			if !v.IsUint64() {
				return fees, fmt.Errorf("fee percent %s out of range", v)
			}
			fees.percent = v.Uint64()
		default:
			return fees, fmt.Errorf("%s returned %T", method, v)
		}
	}
	return fees, nil
}

// call runs a uint256-returning view method at block.
func (l *Ledger) call(ctx context.Context, to common.Address, block *big.Int, contract abi.ABI, method string, args ...any) (amount.Amount, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return amount.Zero, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return amount.Zero, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return amount.Zero, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return amount.Zero, fmt.Errorf("%s returned %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return amount.Zero, fmt.Errorf("%s returned %T", method, vals[0])
	}
	return amount.FromBig(v)
}
