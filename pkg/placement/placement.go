package placement

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/granary-io/granary/pkg/types"
)

// SiloLoad is one silo's resource report, published by its deployment
// load publisher and consumed by the load-aware strategy.
type SiloLoad struct {
	Activations int
	CPUPercent  float64
	MemPercent  float64
	Overloaded  bool
}

// Context carries everything a strategy may consult for one placement
// decision. Placement is advisory: whoever wins directory registration
// is the real owner.
type Context struct {
	Grain  types.GrainID
	Local  types.SiloAddress
	Active []types.SiloAddress
	Loads  map[string]SiloLoad // keyed by SiloAddress.String()
}

// Strategy picks a silo to host a new activation.
type Strategy interface {
	Name() string
	Pick(pc Context) (types.SiloAddress, error)
}

// eligible filters the active set down to silos accepting placements.
// When every silo reports overloaded, the filter is waived rather than
// failing the placement.
func eligible(pc Context) []types.SiloAddress {
	var out []types.SiloAddress
	for _, s := range pc.Active {
		if load, ok := pc.Loads[s.String()]; ok && load.Overloaded {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return pc.Active
	}
	return out
}

// RandomActive places uniformly over active, non-overloaded silos.
type RandomActive struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomActive creates the strategy with the given seed source.
func NewRandomActive(seed int64) *RandomActive {
	return &RandomActive{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomActive) Name() string { return "random" }

func (s *RandomActive) Pick(pc Context) (types.SiloAddress, error) {
	candidates := eligible(pc)
	if len(candidates) == 0 {
		return types.SiloAddress{}, fmt.Errorf("placing %s: %w", pc.Grain, types.ErrSiloUnavailable)
	}
	s.mu.Lock()
	i := s.rng.Intn(len(candidates))
	s.mu.Unlock()
	return candidates[i], nil
}

// PreferLocal places on the calling silo when it is active and not
// overloaded, falling back to random placement.
type PreferLocal struct {
	fallback Strategy
}

// NewPreferLocal creates the strategy with a random fallback.
func NewPreferLocal(seed int64) *PreferLocal {
	return &PreferLocal{fallback: NewRandomActive(seed)}
}

func (s *PreferLocal) Name() string { return "prefer-local" }

func (s *PreferLocal) Pick(pc Context) (types.SiloAddress, error) {
	for _, c := range eligible(pc) {
		if c.Equal(pc.Local) {
			return pc.Local, nil
		}
	}
	return s.fallback.Pick(pc)
}

// HashBased places deterministically by rendezvous hashing: every silo
// scores the grain and the highest score hosts it. Unlike modulo
// hashing, membership changes only move the grains whose winner left.
type HashBased struct{}

func (HashBased) Name() string { return "hash" }

func (HashBased) Pick(pc Context) (types.SiloAddress, error) {
	if len(pc.Active) == 0 {
		return types.SiloAddress{}, fmt.Errorf("placing %s: %w", pc.Grain, types.ErrSiloUnavailable)
	}
	var best types.SiloAddress
	var bestScore uint64
	for _, s := range pc.Active {
		score := rendezvousScore(pc.Grain, s)
		if score > bestScore || (score == bestScore && s.Less(best)) {
			best, bestScore = s, score
		}
	}
	return best, nil
}

func rendezvousScore(grain types.GrainID, silo types.SiloAddress) uint64 {
	h := fnv.New64a()
	h.Write([]byte(grain.Key()))
	h.Write([]byte{0})
	h.Write([]byte(silo.String()))
	return h.Sum64()
}

// ActivityCount places on the silo with the lowest weighted load:
// activation count dominates, CPU and memory headroom break ties.
type ActivityCount struct{}

func (ActivityCount) Name() string { return "activity-count" }

func (ActivityCount) Pick(pc Context) (types.SiloAddress, error) {
	candidates := eligible(pc)
	if len(candidates) == 0 {
		return types.SiloAddress{}, fmt.Errorf("placing %s: %w", pc.Grain, types.ErrSiloUnavailable)
	}
	best := candidates[0]
	bestScore := loadScore(pc.Loads[best.String()])
	for _, c := range candidates[1:] {
		if score := loadScore(pc.Loads[c.String()]); score < bestScore {
			best, bestScore = c, score
		}
	}
	return best, nil
}

func loadScore(l SiloLoad) float64 {
	return float64(l.Activations) + l.CPUPercent/100 + l.MemPercent/100
}

// StatelessWorker is a marker strategy: activations are always local,
// pooled up to a configured multiple of the CPU count, and never
// registered in the directory. The catalog implements the pooling; the
// strategy only pins the placement to the caller.
type StatelessWorker struct{}

func (StatelessWorker) Name() string { return "stateless-worker" }

func (StatelessWorker) Pick(pc Context) (types.SiloAddress, error) {
	return pc.Local, nil
}
