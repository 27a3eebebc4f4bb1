package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
)

// RequestKind identifies an outbound mutating request.
type RequestKind uint8

const (
	RequestDeposit RequestKind = iota + 1
	RequestWithdraw
	RequestPlaceOrder
	RequestCancelOrder
	RequestFillOrder
)

func (k RequestKind) String() string {
	switch k {
	case RequestDeposit:
		return "deposit"
	case RequestWithdraw:
		return "withdraw"
	case RequestPlaceOrder:
		return "place_order"
	case RequestCancelOrder:
		return "cancel_order"
	case RequestFillOrder:
		return "fill_order"
	default:
		return fmt.Sprintf("request(%d)", uint8(k))
	}
}

// Request is a mutating request submitted to the external ledger. Its
// effect only becomes visible through a later ledger event.
type Request interface {
	RequestKind() RequestKind
	// Sender is the account that signs and pays for the request.
	Sender() common.Address
	// Validate rejects malformed input before anything is transmitted.
	Validate(ref common.Address) error
}

type DepositRequest struct {
	From   common.Address `json:"from"`
	Asset  common.Address `json:"asset"`
	Amount amount.Amount  `json:"amount"`
}

func (DepositRequest) RequestKind() RequestKind { return RequestDeposit }
func (r DepositRequest) Sender() common.Address { return r.From }
func (r DepositRequest) Validate(common.Address) error {
	return positive("deposit amount", r.Amount)
}

type WithdrawRequest struct {
	From   common.Address `json:"from"`
	Asset  common.Address `json:"asset"`
	Amount amount.Amount  `json:"amount"`
}

func (WithdrawRequest) RequestKind() RequestKind { return RequestWithdraw }
func (r WithdrawRequest) Sender() common.Address { return r.From }
func (r WithdrawRequest) Validate(common.Address) error {
	return positive("withdraw amount", r.Amount)
}

type PlaceOrderRequest struct {
	Maker      common.Address `json:"maker"`
	GetAsset   common.Address `json:"getAsset"`
	GetAmount  amount.Amount  `json:"getAmount"`
	GiveAsset  common.Address `json:"giveAsset"`
	GiveAmount amount.Amount  `json:"giveAmount"`
}

func (PlaceOrderRequest) RequestKind() RequestKind { return RequestPlaceOrder }
func (r PlaceOrderRequest) Sender() common.Address { return r.Maker }

// IsBuy reports whether the order pays the reference asset.
func (r PlaceOrderRequest) IsBuy(ref common.Address) bool { return r.GiveAsset == ref }

func (r PlaceOrderRequest) Validate(ref common.Address) error {
	if err := positive("give amount", r.GiveAmount); err != nil {
		return err
	}
	if err := positive("get amount", r.GetAmount); err != nil {
		return err
	}
	return CheckPair(ref, r.GiveAsset, r.GetAsset)
}

// CheckPair verifies that exactly one leg of an order is the reference asset.
func CheckPair(ref, giveAsset, getAsset common.Address) error {
	if giveAsset == getAsset {
		return fmt.Errorf("%w: give and get asset are both %s", ErrInvalidOrder, giveAsset.Hex())
	}
	if giveAsset != ref && getAsset != ref {
		return fmt.Errorf("%w: neither leg is the reference asset %s", ErrInvalidOrder, ref.Hex())
	}
	return nil
}

type CancelOrderRequest struct {
	Maker   common.Address `json:"maker"`
	OrderID OrderID        `json:"orderId"`
}

func (CancelOrderRequest) RequestKind() RequestKind { return RequestCancelOrder }
func (r CancelOrderRequest) Sender() common.Address { return r.Maker }
func (r CancelOrderRequest) Validate(common.Address) error {
	if r.OrderID == "" {
		return fmt.Errorf("%w: missing order id", ErrInvalidOrder)
	}
	return nil
}

type FillOrderRequest struct {
	Taker   common.Address `json:"taker"`
	OrderID OrderID        `json:"orderId"`
}

func (FillOrderRequest) RequestKind() RequestKind { return RequestFillOrder }
func (r FillOrderRequest) Sender() common.Address { return r.Taker }
func (r FillOrderRequest) Validate(common.Address) error {
	if r.OrderID == "" {
		return fmt.Errorf("%w: missing order id", ErrInvalidOrder)
	}
	return nil
}

func positive(what string, a amount.Amount) error {
	if a.IsZero() {
		return fmt.Errorf("%w: %s must be positive", amount.ErrMalformedAmount, what)
	}
	return nil
}

var (
	_ Request = DepositRequest{}
	_ Request = WithdrawRequest{}
	_ Request = PlaceOrderRequest{}
	_ Request = CancelOrderRequest{}
	_ Request = FillOrderRequest{}
)
