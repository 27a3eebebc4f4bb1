package projection

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
)

// PricePrecision is the number of decimals kept on display prices.
const PricePrecision = 5

// OrderType is buy when the maker pays the reference asset.
type OrderType uint8

const (
	Buy OrderType = iota + 1
	Sell
)

func (t OrderType) String() string {
	if t == Buy {
		return "buy"
	}
	return "sell"
}

func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Invert flips buy and sell, for the counterparty's point of view.
func (t OrderType) Invert() OrderType {
	if t == Buy {
		return Sell
	}
	return Buy
}

func typeOf(ref, giveAsset common.Address) OrderType {
	if giveAsset == ref {
		return Buy
	}
	return Sell
}

// Decoration is the display form of an order or fill.
type Decoration struct {
	EtherAmount amount.Amount `json:"etherAmount"`
	TokenAmount amount.Amount `json:"tokenAmount"`
	Price       float64       `json:"price"`
}

// RoundPrice rounds to PricePrecision decimals.
func RoundPrice(p float64) float64 {
	scale := math.Pow10(PricePrecision)
	return math.Round(p*scale) / scale
}

// Decorate splits an order's legs into reference (ether) and token amounts
// and derives the price in reference units per token. Floats are used for
// the display price only.
func Decorate(ref, giveAsset common.Address, giveAmount amount.Amount, getAsset common.Address, getAmount amount.Amount) (Decoration, error) {
	if err := event.CheckPair(ref, giveAsset, getAsset); err != nil {
		return Decoration{}, err
	}
	d := Decoration{EtherAmount: getAmount, TokenAmount: giveAmount}
	if giveAsset == ref {
		d.EtherAmount, d.TokenAmount = giveAmount, getAmount
	}
	if d.TokenAmount.IsZero() {
		return Decoration{}, fmt.Errorf("%w: zero token amount", event.ErrInvalidOrder)
	}
	d.Price = RoundPrice(amount.Ratio(d.EtherAmount, d.TokenAmount))
	return d, nil
}

func DecorateOrder(ref common.Address, o event.Order) (Decoration, error) {
	return Decorate(ref, o.GiveAsset, o.GiveAmount, o.GetAsset, o.GetAmount)
}

func DecorateFill(ref common.Address, f event.OrderFilled) (Decoration, error) {
	return Decorate(ref, f.GiveAsset, f.GiveAmount, f.GetAsset, f.GetAmount)
}
