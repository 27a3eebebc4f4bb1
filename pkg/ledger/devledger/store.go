package devledger

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/dexview/pkg/app/core/amount"
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

// Store is the pebble-backed log and balance history of the dev ledger.
type Store struct {
	db *pebble.DB
}

// OpenStore opens (or creates) the store under dir. An empty dir keeps
// everything in memory.
func OpenStore(dir string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20), // 32MB cache
		MemTableSize: 16 << 20,
		MaxOpenFiles: 500,
	}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type record struct {
	Kind event.Kind      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodeEvent(ev event.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(record{Kind: ev.Kind(), Data: data})
}

func decodeEvent(b []byte) (event.Event, error) {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event record: %w", err)
	}
	var (
		ev  event.Event
		err error
	)
	switch rec.Kind {
	case event.KindDeposited:
		var e event.Deposited
		err = json.Unmarshal(rec.Data, &e)
		ev = e
	case event.KindWithdrawn:
		var e event.Withdrawn
		err = json.Unmarshal(rec.Data, &e)
		ev = e
	case event.KindOrderPlaced:
		var e event.OrderPlaced
		err = json.Unmarshal(rec.Data, &e)
		ev = e
	case event.KindOrderCancelled:
		var e event.OrderCancelled
		err = json.Unmarshal(rec.Data, &e)
		ev = e
	case event.KindOrderFilled:
		var e event.OrderFilled
		err = json.Unmarshal(rec.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event kind %d", rec.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", rec.Kind, err)
	}
	return ev, nil
}

func (s *Store) getUint(key string) (uint64, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return strconv.ParseUint(string(val), 10, 64)
}

// LoadHead returns the last produced block (0 before the first block).
func (s *Store) LoadHead() (uint64, error) { return s.getUint(keyHead) }

// LoadOrderSeq returns the last assigned order id.
func (s *Store) LoadOrderSeq() (uint64, error) { return s.getUint(keyOrderSeq) }

// LoadBalances returns the latest value of every balance entry.
func (s *Store) LoadBalances() (map[state.BalanceKey]amount.Amount, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate balances: %w", err)
	}
	defer iter.Close()

	out := make(map[state.BalanceKey]amount.Amount)
	for iter.First(); iter.Valid(); iter.Next() {
		k, _, err := parseBalanceKey(iter.Key())
		if err != nil {
			return nil, err
		}
		a, err := amount.FromBaseUnits(string(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("corrupt balance %s: %w", iter.Key(), err)
		}
		// Versions are sorted by block, so the last one wins.
		out[k] = a
	}
	return out, nil
}

// BalanceAt returns the entry as of block, and whether it existed then.
func (s *Store) BalanceAt(k state.BalanceKey, block uint64) (amount.Amount, bool, error) {
	prefix := balancePrefix(k)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: balanceKey(k, block+1),
	})
	if err != nil {
		return amount.Zero, false, fmt.Errorf("failed to iterate balance: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return amount.Zero, false, nil
	}
	a, err := amount.FromBaseUnits(string(iter.Value()))
	if err != nil {
		return amount.Zero, false, fmt.Errorf("corrupt balance %s: %w", iter.Key(), err)
	}
	return a, true, nil
}

// Events returns logged events in blocks [from, to], in ledger order.
func (s *Store) Events(from, to uint64) ([]event.Event, error) {
	if to < from {
		return nil, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventBlockBound(from),
		UpperBound: eventBlockBound(to + 1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	defer iter.Close()

	var out []event.Event
	for iter.First(); iter.Valid(); iter.Next() {
		ev, err := decodeEvent(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Order loads a placed order.
func (s *Store) Order(id event.OrderID) (event.Order, bool, error) {
	val, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return event.Order{}, false, nil
	}
	if err != nil {
		return event.Order{}, false, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	defer closer.Close()

	var o event.Order
	if err := json.Unmarshal(val, &o); err != nil {
		return event.Order{}, false, fmt.Errorf("failed to unmarshal order %s: %w", id, err)
	}
	return o, true, nil
}

// OrderEnd returns "c", "f" or "" for an open (or unknown) order.
func (s *Store) OrderEnd(id event.OrderID) (string, error) {
	val, closer, err := s.db.Get(orderEndKey(id))
	if err == pebble.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get order status %s: %w", id, err)
	}
	defer closer.Close()
	return string(val), nil
}

// blockWrite collects everything one block changes.
type blockWrite struct {
	block    uint64
	events   []event.Event
	balances map[state.BalanceKey]amount.Amount
	orders   []event.Order
	ends     map[event.OrderID]string
	orderSeq uint64
}

func newBlockWrite(block, orderSeq uint64) *blockWrite {
	return &blockWrite{
		block:    block,
		balances: make(map[state.BalanceKey]amount.Amount),
		ends:     make(map[event.OrderID]string),
		orderSeq: orderSeq,
	}
}

// commit writes the block atomically.
func (s *Store) commit(w *blockWrite) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, ev := range w.events {
		val, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		p := ev.Position()
		if err := batch.Set(eventKey(p.Block, p.Index), val, nil); err != nil {
			return err
		}
	}
	for k, v := range w.balances {
		if err := batch.Set(balanceKey(k, w.block), []byte(v.String()), nil); err != nil {
			return err
		}
	}
	for _, o := range w.orders {
		val, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal order %s: %w", o.ID, err)
		}
		if err := batch.Set(orderKey(o.ID), val, nil); err != nil {
			return err
		}
	}
	for id, end := range w.ends {
		if err := batch.Set(orderEndKey(id), []byte(end), nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keyOrderSeq), []byte(strconv.FormatUint(w.orderSeq, 10)), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyHead), []byte(strconv.FormatUint(w.block, 10)), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", w.block, err)
	}
	return nil
}
