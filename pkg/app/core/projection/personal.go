package projection

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

// MyFill is a trade from one participant's side.
type MyFill struct {
	TradeTapeEntry
	Type OrderType `json:"orderType"`
	// Sign is "+" when the account bought tokens, "-" when it sold them.
	Sign string `json:"orderSign"`
}

// MyFills lists the fills account took part in, newest first. The maker
// keeps the order's type; the taker sees it inverted.
func MyFills(s *state.State, account common.Address) []MyFill {
	asc, _ := ascendingTrades(s)
	var out []MyFill
	for i := len(asc) - 1; i >= 0; i-- {
		t := asc[i]
		if t.Maker != account && t.Taker != account {
			continue
		}
		typ := typeOf(s.Reference(), t.GiveAsset)
		if t.Maker != account {
			typ = typ.Invert()
		}
		sign := "-"
		if typ == Buy {
			sign = "+"
		}
		out = append(out, MyFill{TradeTapeEntry: t, Type: typ, Sign: sign})
	}
	return out
}

// MyOpenOrders lists account's open orders, newest first.
func MyOpenOrders(s *state.State, account common.Address) []OrderBookEntry {
	var out []OrderBookEntry
	for _, o := range s.OpenOrders() {
		if o.Maker != account {
			continue
		}
		e, err := entryFor(s, o)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[j].ID.Less(out[i].ID)
	})
	return out
}
