package ethledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
)

type fields map[string]any

func (f fields) addr(name string) (common.Address, error) {
	v, ok := f[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("field %q: want address, got %T", name, f[name])
	}
	return v, nil
}

func (f fields) uint(name string) (*big.Int, error) {
	v, ok := f[name].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("field %q: want uint256, got %T", name, f[name])
	}
	return v, nil
}

func (f fields) amount(name string) (amount.Amount, error) {
	v, err := f.uint(name)
	if err != nil {
		return amount.Zero, err
	}
	return amount.FromBig(v)
}

func (f fields) time(name string) (time.Time, error) {
	v, err := f.uint(name)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(v.Int64(), 0).UTC(), nil
}

// unpack reads both the data and the indexed topics of lg.
func unpack(lg types.Log) (event.Kind, fields, error) {
	if len(lg.Topics) == 0 {
		return 0, nil, fmt.Errorf("anonymous log in tx %s", lg.TxHash.Hex())
	}
	kind, ok := kindOf(lg.Topics[0])
	if !ok {
		return 0, nil, fmt.Errorf("unknown event topic %s", lg.Topics[0].Hex())
	}
	name := eventNames[kind]

	f := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := exchangeContract.UnpackIntoMap(f, name, lg.Data); err != nil {
			return 0, nil, fmt.Errorf("unpack %s: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range exchangeContract.Events[name].Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(f, indexed, lg.Topics[1:]); err != nil {
			return 0, nil, fmt.Errorf("topics %s: %w", name, err)
		}
	}
	return kind, f, nil
}

// feeSchedule is the contract's taker fee. Trade logs do not carry it.
type feeSchedule struct {
	account common.Address
	percent uint64
}

// decode converts a contract log into a ledger event. Deposit and Withdraw
// carry no timestamp, so blockTime supplies it.
func decode(lg types.Log, fees feeSchedule, blockTime func(uint64) (time.Time, error)) (event.Event, error) {
	kind, f, err := unpack(lg)
	if err != nil {
		return nil, err
	}
	pos := event.Position{Block: lg.BlockNumber, Index: lg.Index, TxHash: lg.TxHash}

	switch kind {
	case event.KindDeposited, event.KindWithdrawn:
		return decodeTransfer(kind, f, pos, blockTime)
	case event.KindOrderPlaced:
		o, err := decodeOrder(f)
		if err != nil {
			return nil, err
		}
		return event.OrderPlaced{Order: o, Pos: pos}, nil
	case event.KindOrderCancelled:
		o, err := decodeOrder(f)
		if err != nil {
			return nil, err
		}
		return event.OrderCancelled{OrderID: o.ID, Maker: o.Maker, At: o.CreatedAt, Pos: pos}, nil
	default:
		o, err := decodeOrder(f)
		if err != nil {
			return nil, err
		}
		taker, err := f.addr("userFill")
		if err != nil {
			return nil, err
		}
		return event.OrderFilled{
			OrderID:    o.ID,
			Maker:      o.Maker,
			Taker:      taker,
			GiveAsset:  o.GiveAsset,
			GiveAmount: o.GiveAmount,
			GetAsset:   o.GetAsset,
			GetAmount:  o.GetAmount,
			Fee:        amount.Percent(o.GetAmount, fees.percent),
			FeeAccount: fees.account,
			At:         o.CreatedAt,
			Pos:        pos,
		}, nil
	}
}

func decodeTransfer(kind event.Kind, f fields, pos event.Position, blockTime func(uint64) (time.Time, error)) (event.Event, error) {
	asset, err := f.addr("token")
	if err != nil {
		return nil, err
	}
	user, err := f.addr("user")
	if err != nil {
		return nil, err
	}
	amt, err := f.amount("amount")
	if err != nil {
		return nil, err
	}
	bal, err := f.amount("balance")
	if err != nil {
		return nil, err
	}
	at, err := blockTime(pos.Block)
	if err != nil {
		return nil, err
	}
	if kind == event.KindDeposited {
		return event.Deposited{Account: user, Asset: asset, Amount: amt, Balance: &bal, At: at, Pos: pos}, nil
	}
	return event.Withdrawn{Account: user, Asset: asset, Amount: amt, Balance: &bal, At: at, Pos: pos}, nil
}

// decodeOrder reads the order fields shared by Order, Cancel and Trade.
// The timestamp lands in CreatedAt.
func decodeOrder(f fields) (event.Order, error) {
	var (
		o   event.Order
		err error
	)
	id, err := f.uint("id")
	if err != nil {
		return o, err
	}
	o.ID = event.OrderID(id.String())
	if o.Maker, err = f.addr("user"); err != nil {
		return o, err
	}
	if o.GetAsset, err = f.addr("tokenGet"); err != nil {
		return o, err
	}
	if o.GetAmount, err = f.amount("amountGet"); err != nil {
		return o, err
	}
	if o.GiveAsset, err = f.addr("tokenGive"); err != nil {
		return o, err
	}
	if o.GiveAmount, err = f.amount("amountGive"); err != nil {
		return o, err
	}
	if o.CreatedAt, err = f.time("timestamp"); err != nil {
		return o, err
	}
	return o, nil
}
