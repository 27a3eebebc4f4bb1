package exchange

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
	"github.com/uhyunpark/dexview/pkg/ledger"
)

// Store owns the current snapshot. Writes are serialized; reads return an
// immutable snapshot and never block on a write in progress.
type Store struct {
	log *zap.SugaredLogger

	wmu sync.Mutex // serializes writers
	mu  sync.RWMutex
	cur *state.State

	subMu  sync.Mutex
	subs   map[int]func(*state.State)
	nextID int
}

func NewStore(ref common.Address, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		log:  log,
		cur:  state.New(ref),
		subs: make(map[int]func(*state.State)),
	}
}

// Current returns the latest snapshot.
func (s *Store) Current() *state.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Apply folds evs in order. Invariant violations are logged and the event
// is skipped. Observers are notified once if anything changed.
func (s *Store) Apply(evs ...event.Event) *state.State {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	b := s.Current().Edit()
	for _, ev := range evs {
		if err := b.Apply(ev); err != nil {
			s.logViolation(ev, err)
		}
	}
	return s.publish(b.State())
}

// Reload replaces the balance ledger with an authoritative sheet.
func (s *Store) Reload(sheet ledger.BalanceSheet) *state.State {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	next := state.Reload(s.Current(), sheet.Entries, sheet.Checkpoint())
	s.log.Infow("balances_reloaded", "block", sheet.Block, "entries", len(sheet.Entries), "version", next.Version())
	return s.publish(next)
}

// Replace swaps in a state rebuilt elsewhere, e.g. by a resync.
func (s *Store) Replace(next *state.State) *state.State {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.publish(next)
}

// Subscribe registers fn for every new snapshot. fn is called on the
// writer's goroutine, after the snapshot is visible through Current.
func (s *Store) Subscribe(fn func(*state.State)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// publish must be called with wmu held.
func (s *Store) publish(next *state.State) *state.State {
	s.mu.Lock()
	prev := s.cur
	s.cur = next
	s.mu.Unlock()
	if next == prev {
		return next
	}

	s.subMu.Lock()
	fns := make([]func(*state.State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return next
}

func (s *Store) logViolation(ev event.Event, err error) {
	if !errors.Is(err, state.ErrInvariantViolation) {
		s.log.Errorw("apply_failed", "event", ev.Kind().String(), "err", err)
		return
	}
	pos := ev.Position()
	s.log.Warnw("invariant_violation",
		"event", ev.Kind().String(),
		"block", pos.Block,
		"index", pos.Index,
		"tx", pos.TxHash.Hex(),
		"err", err,
	)
}
