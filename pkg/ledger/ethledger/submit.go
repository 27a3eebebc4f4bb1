package ethledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/ledger"
)

// depositGas is used for depositToken when estimation fails because the
// preceding approve is not mined yet.
const depositGas = 200_000

// Submit signs and sends req. A token deposit sends approve first; the
// receipt names the deposit transaction.
func (l *Ledger) Submit(ctx context.Context, req event.Request) (ledger.Receipt, error) {
	if l.cfg.Signer == nil {
		return ledger.Receipt{}, ErrReadOnly
	}
	if req.Sender() != l.cfg.Signer.Address() {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ErrWrongSender, req.Sender().Hex())
	}

	var fallbackGas uint64
	if dep, ok := req.(event.DepositRequest); ok && dep.Asset != l.cfg.Reference {
		data, err := tokenContract.Pack("approve", l.cfg.Exchange, dep.Amount.Big())
		if err != nil {
			return ledger.Receipt{}, err
		}
		hash, err := l.send(ctx, dep.Asset, nil, data, 0)
		if err != nil {
			return ledger.Receipt{}, fmt.Errorf("approve: %w", err)
		}
		l.log.Debugw("approve_sent", "tx", hash.Hex(), "token", dep.Asset.Hex())
		fallbackGas = depositGas
	}

	to, value, data, err := l.encode(req)
	if err != nil {
		return ledger.Receipt{}, err
	}
	hash, err := l.send(ctx, to, value, data, fallbackGas)
	if err != nil {
		return ledger.Receipt{}, err
	}
	l.log.Infow("tx_sent", "tx", hash.Hex(), "kind", req.RequestKind().String())
	l.watch(hash)
	return ledger.Receipt{TxHash: hash, Kind: req.RequestKind(), SubmittedAt: time.Now()}, nil
}

// encode builds the exchange call for req.
func (l *Ledger) encode(req event.Request) (to common.Address, value *big.Int, data []byte, err error) {
	to = l.cfg.Exchange
	switch r := req.(type) {
	case event.DepositRequest:
		if r.Asset == l.cfg.Reference {
			data, err = exchangeContract.Pack("depositEther")
			return to, r.Amount.Big(), data, err
		}
		data, err = exchangeContract.Pack("depositToken", r.Asset, r.Amount.Big())
	case event.WithdrawRequest:
		if r.Asset == l.cfg.Reference {
			data, err = exchangeContract.Pack("withdrawEther", r.Amount.Big())
		} else {
			data, err = exchangeContract.Pack("withdrawToken", r.Asset, r.Amount.Big())
		}
	case event.PlaceOrderRequest:
		data, err = exchangeContract.Pack("makeOrder", r.GetAsset, r.GetAmount.Big(), r.GiveAsset, r.GiveAmount.Big())
	case event.CancelOrderRequest:
		id, perr := orderID(r.OrderID)
		if perr != nil {
			return to, nil, nil, perr
		}
		data, err = exchangeContract.Pack("cancelOrder", id)
	case event.FillOrderRequest:
		id, perr := orderID(r.OrderID)
		if perr != nil {
			return to, nil, nil, perr
		}
		data, err = exchangeContract.Pack("fillOrder", id)
	default:
		err = fmt.Errorf("unsupported request %T", req)
	}
	return to, nil, data, err
}

func orderID(id event.OrderID) (*big.Int, error) {
	n, ok := new(big.Int).SetString(string(id), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: order id %q is not a contract id", event.ErrInvalidOrder, id)
	}
	return n, nil
}

// send signs a legacy transaction and broadcasts it. Nonces are tracked
// locally so back-to-back sends do not collide.
func (l *Ledger) send(ctx context.Context, to common.Address, value *big.Int, data []byte, fallbackGas uint64) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}
	from := l.cfg.Signer.Address()

	l.nonceMu.Lock()
	defer l.nonceMu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	if l.nonce != nil && *l.nonce > nonce {
		nonce = *l.nonce
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gas, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, GasPrice: gasPrice, Value: value, Data: data})
	switch {
	case err == nil:
		gas += gas * gasMarginPercent / 100
	case fallbackGas > 0:
		gas = fallbackGas
	default:
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := l.cfg.Signer.SignTx(tx, l.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	next := nonce + 1
	l.nonce = &next
	return signed.Hash(), nil
}

// OnRejected registers fn for transactions that revert after being sent.
func (l *Ledger) OnRejected(fn func(txHash common.Hash, err error)) {
	l.rejMu.Lock()
	l.onReject = append(l.onReject, fn)
	l.rejMu.Unlock()
}

func (l *Ledger) reject(hash common.Hash, err error) {
	l.log.Infow("tx_rejected", "tx", hash.Hex(), "err", err)
	l.rejMu.RLock()
	fns := append([]func(common.Hash, error){}, l.onReject...)
	l.rejMu.RUnlock()
	for _, fn := range fns {
		fn(hash, err)
	}
}

// watch polls for the receipt of hash and reports a revert, or a missing
// receipt after receiptTimeout.
func (l *Ledger) watch(hash common.Hash) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(l.ctx, receiptTimeout)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				if l.ctx.Err() == nil {
					l.reject(hash, fmt.Errorf("no receipt after %s", receiptTimeout))
				}
				return
			case <-time.After(l.cfg.PollInterval):
			}
			rcpt, err := l.backend.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				continue
			}
			if err != nil {
				l.log.Debugw("receipt_poll_failed", "tx", hash.Hex(), "err", err)
				continue
			}
			if rcpt.Status == types.ReceiptStatusFailed {
				l.reject(hash, fmt.Errorf("%w in block %s", ErrReverted, rcpt.BlockNumber))
			}
			return
		}
	}()
}

var (
	_ ledger.Ledger            = (*Ledger)(nil)
	_ ledger.RejectionNotifier = (*Ledger)(nil)
)
