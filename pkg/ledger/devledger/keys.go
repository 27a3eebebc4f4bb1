package devledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

// Key schema
//
//   ev:{block:020d}:{index:06d}                 → event record (JSON)
//   bal:{loc}:{asset}:{account}:{block:020d}    → amount at block (base units)
//   ord:{id}                                    → placed order (JSON)
//   ordx:{id}                                   → "c" (cancelled) | "f" (filled)
//   meta:head                                   → last produced block
//   meta:order                                  → last assigned order id
//
// Balances are versioned by block so historical reads find the latest
// entry at or below the requested height.

const (
	prefixEvent    = "ev:"
	prefixBalance  = "bal:"
	prefixOrder    = "ord:"
	prefixOrderEnd = "ordx:"
	keyHead        = "meta:head"
	keyOrderSeq    = "meta:order"
)

func eventKey(block uint64, index uint) []byte {
	return []byte(fmt.Sprintf("%s%020d:%06d", prefixEvent, block, index))
}

// eventBlockBound is the first event key of block.
func eventBlockBound(block uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixEvent, block))
}

func balancePrefix(k state.BalanceKey) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:%s:", prefixBalance, k.Location, k.Asset.Hex(), k.Account.Hex()))
}

func balanceKey(k state.BalanceKey, block uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", balancePrefix(k), block))
}

// parseBalanceKey is the inverse of balanceKey.
func parseBalanceKey(b []byte) (state.BalanceKey, uint64, error) {
	parts := strings.Split(strings.TrimPrefix(string(b), prefixBalance), ":")
	if len(parts) != 4 {
		return state.BalanceKey{}, 0, fmt.Errorf("bad balance key %q", b)
	}
	loc, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return state.BalanceKey{}, 0, fmt.Errorf("bad location in %q: %w", b, err)
	}
	block, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return state.BalanceKey{}, 0, fmt.Errorf("bad block in %q: %w", b, err)
	}
	return state.BalanceKey{
		Account:  common.HexToAddress(parts[2]),
		Asset:    common.HexToAddress(parts[1]),
		Location: state.Location(loc),
	}, block, nil
}

func orderKey(id event.OrderID) []byte    { return []byte(prefixOrder + string(id)) }
func orderEndKey(id event.OrderID) []byte { return []byte(prefixOrderEnd + string(id)) }

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
