package devledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
)

// TxType classifies pending requests into execution buckets.
type TxType int

const (
	TxTransfer TxType = iota // deposits and withdrawals
	TxCancel
	TxOrder // placements and fills
)

// Classify buckets a request.
func Classify(req event.Request) TxType {
	switch req.RequestKind() {
	case event.RequestDeposit, event.RequestWithdraw:
		return TxTransfer
	case event.RequestCancelOrder:
		return TxCancel
	default:
		return TxOrder
	}
}

type pendingTx struct {
	hash common.Hash
	req  event.Request
}

// Mempool keeps three FIFO queues and drains them in the order
// transfers -> cancels -> orders, so funds land before they are traded and
// cancels beat fills submitted in the same block.
type Mempool struct {
	mu        sync.Mutex
	transfers []pendingTx
	cancels   []pendingTx
	orders    []pendingTx
}

func NewMempool() *Mempool {
	return &Mempool{}
}

func (m *Mempool) Push(tx pendingTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch Classify(tx.req) {
	case TxTransfer:
		m.transfers = append(m.transfers, tx)
	case TxCancel:
		m.cancels = append(m.cancels, tx)
	default:
		m.orders = append(m.orders, tx)
	}
}

// SelectForBlock removes and returns up to max txs (0 means all) in
// execution order.
func (m *Mempool) SelectForBlock(max int) []pendingTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []pendingTx
	pull := func(q *[]pendingTx) {
		for len(*q) > 0 {
			if max > 0 && len(out) >= max {
				return
			}
			out = append(out, (*q)[0])
			*q = (*q)[1:]
		}
	}
	pull(&m.transfers)
	pull(&m.cancels)
	pull(&m.orders)
	return out
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers) + len(m.cancels) + len(m.orders)
}
