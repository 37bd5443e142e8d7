package placement

import (
	"sync"

	"github.com/granary-io/granary/pkg/types"
)

// ClusterView supplies the silos a director may place on. Implemented
// by *membership.Oracle via a thin adapter in pkg/silo.
type ClusterView interface {
	Self() types.SiloAddress
	ActiveSilos() []types.SiloAddress
}

// LoadPublisher exposes the most recent load reports.
type LoadPublisher interface {
	Loads() map[string]SiloLoad
}

// Director resolves the placement strategy for a grain type and runs
// it. Types without a registered strategy use the default.
type Director struct {
	view  ClusterView
	loads LoadPublisher

	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy
}

// NewDirector creates a director with RandomActive as the default
// strategy. loads may be nil.
func NewDirector(view ClusterView, loads LoadPublisher, seed int64) *Director {
	return &Director{
		view:       view,
		loads:      loads,
		strategies: make(map[string]Strategy),
		fallback:   NewRandomActive(seed),
	}
}

// SetStrategy binds a strategy to a grain type.
func (d *Director) SetStrategy(grainType string, s Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strategies[grainType] = s
}

// StrategyFor returns the strategy used for a grain type.
func (d *Director) StrategyFor(grainType string) Strategy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.strategies[grainType]; ok {
		return s
	}
	return d.fallback
}

// Place picks a silo for a new activation of grain.
func (d *Director) Place(grain types.GrainID) (types.SiloAddress, error) {
	pc := Context{
		Grain:  grain,
		Local:  d.view.Self(),
		Active: d.view.ActiveSilos(),
	}
	if d.loads != nil {
		pc.Loads = d.loads.Loads()
	}
	return d.StrategyFor(grain.Type).Pick(pc)
}
