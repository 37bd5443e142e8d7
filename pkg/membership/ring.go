package membership

import (
	"sort"

	"github.com/granary-io/granary/pkg/types"
)

// Ring is the consistent-hash ring over a set of silos. Grain
// identities and reminder hashes map to the silo whose ring position
// immediately succeeds their hash; each silo owns the half-open range
// between its predecessor and itself.
type Ring struct {
	hashes []uint32
	silos  map[uint32]types.SiloAddress
}

// NewRing builds a ring from the given silos, normally the Active rows
// of a membership snapshot.
func NewRing(silos []types.SiloAddress) *Ring {
	r := &Ring{silos: make(map[uint32]types.SiloAddress, len(silos))}
	for _, s := range silos {
		h := s.Hash()
		if _, taken := r.silos[h]; taken {
			continue
		}
		r.silos[h] = s
		r.hashes = append(r.hashes, h)
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// IsEmpty reports whether the ring has no silos.
func (r *Ring) IsEmpty() bool { return len(r.hashes) == 0 }

// Size returns the number of silos on the ring.
func (r *Ring) Size() int { return len(r.hashes) }

// Owner returns the silo owning the given hash: the first silo at or
// after the hash, wrapping at the top of the ring.
func (r *Ring) Owner(hash uint32) (types.SiloAddress, bool) {
	if r.IsEmpty() {
		return types.SiloAddress{}, false
	}
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= hash })
	if i == len(r.hashes) {
		i = 0
	}
	return r.silos[r.hashes[i]], true
}

// Successors returns up to n distinct silos following the given silo on
// the ring, in ring order. The silo itself is excluded. Used to pick
// probe targets deterministically.
func (r *Ring) Successors(of types.SiloAddress, n int) []types.SiloAddress {
	if r.IsEmpty() || n <= 0 {
		return nil
	}
	start := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] > of.Hash() })
	var out []types.SiloAddress
	for i := 0; i < len(r.hashes) && len(out) < n; i++ {
		s := r.silos[r.hashes[(start+i)%len(r.hashes)]]
		if s.Equal(of) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// RangeFor returns the hash range (begin, end] owned by the silo, where
// begin is the predecessor's position and end the silo's own. When the
// silo is alone on the ring it owns everything and begin == end.
func (r *Ring) RangeFor(silo types.SiloAddress) (begin, end uint32, ok bool) {
	if r.IsEmpty() {
		return 0, 0, false
	}
	end = silo.Hash()
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= end })
	if i == len(r.hashes) || r.hashes[i] != end {
		return 0, 0, false
	}
	prev := (i - 1 + len(r.hashes)) % len(r.hashes)
	return r.hashes[prev], end, true
}

// InRange reports whether hash falls in the half-open ring range
// (begin, end]. begin >= end denotes the wrap-around range covering
// both ends of the hash space; begin == end covers the full ring.
func InRange(hash, begin, end uint32) bool {
	if begin < end {
		return hash > begin && hash <= end
	}
	return hash > begin || hash <= end
}
