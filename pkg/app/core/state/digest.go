package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Digest is a Keccak-256 fingerprint of the canonical content: balances,
// placed orders and both terminal id sets. Zero exchange-held entries
// are skipped since absent means zero there. Two states with equal digests
// project identical views. Version and checkpoint are not included.
func (s *State) Digest() common.Hash {
	lines := make([]string, 0, len(s.balances)+len(s.orders)+len(s.cancels)+len(s.fills))
	for k, v := range s.balances {
		if k.Location == ExchangeHeld && v.IsZero() {
			continue
		}
		lines = append(lines, "b:"+k.Account.Hex()+":"+k.Asset.Hex()+":"+k.Location.String()+"="+v.String())
	}
	for id, o := range s.orders {
		lines = append(lines, "o:"+string(id)+":"+o.Maker.Hex()+":"+o.GiveAsset.Hex()+":"+o.GiveAmount.String()+
			":"+o.GetAsset.Hex()+":"+o.GetAmount.String())
	}
	for id := range s.cancels {
		lines = append(lines, "c:"+string(id))
	}
	for id := range s.fills {
		lines = append(lines, "f:"+string(id))
	}
	sort.Strings(lines)

	h := sha3.NewLegacyKeccak256()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}
