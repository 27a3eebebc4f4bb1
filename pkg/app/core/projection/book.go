package projection

import (
	"sort"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

type OrderBookEntry struct {
	event.Order
	Decoration
	Type OrderType `json:"orderType"`
}

// OrderBook holds the open orders per side, each sorted by price high to
// low. Skipped lists open orders whose price cannot be derived.
type OrderBook struct {
	Buys    []OrderBookEntry `json:"buyOrders"`
	Sells   []OrderBookEntry `json:"sellOrders"`
	Skipped []event.OrderID  `json:"skipped,omitempty"`
}

// BuildOrderBook projects the open orders of s.
func BuildOrderBook(s *state.State) OrderBook {
	var book OrderBook
	for _, o := range s.OpenOrders() {
		e, err := entryFor(s, o)
		if err != nil {
			book.Skipped = append(book.Skipped, o.ID)
			continue
		}
		if e.Type == Buy {
			book.Buys = append(book.Buys, e)
		} else {
			book.Sells = append(book.Sells, e)
		}
	}
	sortByPriceDesc(book.Buys)
	sortByPriceDesc(book.Sells)
	return book
}

func entryFor(s *state.State, o event.Order) (OrderBookEntry, error) {
	d, err := DecorateOrder(s.Reference(), o)
	if err != nil {
		return OrderBookEntry{}, err
	}
	return OrderBookEntry{Order: o, Decoration: d, Type: typeOf(s.Reference(), o.GiveAsset)}, nil
}

// Ties keep the older order first.
func sortByPriceDesc(es []OrderBookEntry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].Price != es[j].Price {
			return es[i].Price > es[j].Price
		}
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].ID.Less(es[j].ID)
	})
}
