package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/membership"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize bounds the per-silo cache of entries owned by other
// silos.
const DefaultCacheSize = 100000

// ClusterView supplies the membership state the directory partitions
// over. Implemented by *membership.Oracle.
type ClusterView interface {
	Self() types.SiloAddress
	Ring() *membership.Ring
}

// RemoteClient forwards directory operations to the owning silo.
// Implemented over the router's system-grain path in production and by
// a loopback in tests.
type RemoteClient interface {
	Register(ctx context.Context, owner types.SiloAddress, addr types.ActivationAddress) (types.ActivationAddress, error)
	Unregister(ctx context.Context, owner types.SiloAddress, addr types.ActivationAddress) error
	Lookup(ctx context.Context, owner types.SiloAddress, grain types.GrainID) (types.ActivationAddress, bool, error)
}

type entry struct {
	addr       types.ActivationAddress
	registered time.Time
}

// Directory maps grain identities to activation addresses. Each silo
// authoritatively owns the entries whose grain hash falls in its ring
// range and caches entries owned elsewhere.
type Directory struct {
	view   ClusterView
	remote RemoteClient
	logger zerolog.Logger

	mu        sync.RWMutex
	partition map[string]entry
	cache     *lru.Cache[string, types.ActivationAddress]
}

// New creates a directory for the silo described by view. remote may be
// nil for a single-silo cluster.
func New(view ClusterView, remote RemoteClient) *Directory {
	cache, _ := lru.New[string, types.ActivationAddress](DefaultCacheSize)
	return &Directory{
		view:      view,
		remote:    remote,
		logger:    log.WithComponent("directory"),
		partition: make(map[string]entry),
		cache:     cache,
	}
}

// Owner returns the silo authoritative for the grain's entry.
func (d *Directory) Owner(grain types.GrainID) (types.SiloAddress, bool) {
	return d.view.Ring().Owner(grain.Hash())
}

// Register records a new activation and returns the winning address.
// When another activation of the same grain is already registered the
// existing registration is challenged deterministically: the lower
// (silo, activation id) tuple wins and the caller of the losing address
// must deactivate it.
func (d *Directory) Register(ctx context.Context, addr types.ActivationAddress) (types.ActivationAddress, error) {
	owner, ok := d.Owner(addr.Grain)
	if !ok {
		return types.ActivationAddress{}, fmt.Errorf("registering %s: %w", addr.Grain, types.ErrSiloUnavailable)
	}
	if owner.Equal(d.view.Self()) {
		return d.RegisterLocal(addr), nil
	}
	winner, err := d.remoteClient().Register(ctx, owner, addr)
	if err != nil {
		return types.ActivationAddress{}, err
	}
	d.cacheput(winner)
	return winner, nil
}

// RegisterLocal applies a registration to this silo's authoritative
// partition. Exported so the owning silo can serve remote registers.
func (d *Directory) RegisterLocal(addr types.ActivationAddress) types.ActivationAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := addr.Grain.Key()
	if existing, ok := d.partition[key]; ok {
		if existing.addr.Equal(addr) {
			return existing.addr
		}
		if existing.addr.Less(addr) {
			return existing.addr
		}
		// The new registration wins the tie-break; the old address is
		// stale from this moment on.
	}
	d.partition[key] = entry{addr: addr, registered: time.Now()}
	return addr
}

// Unregister removes the registration for addr. Removal is exact: a
// different activation of the same grain is left untouched.
func (d *Directory) Unregister(ctx context.Context, addr types.ActivationAddress) error {
	d.cache.Remove(addr.Grain.Key())
	owner, ok := d.Owner(addr.Grain)
	if !ok {
		return nil
	}
	if owner.Equal(d.view.Self()) {
		d.UnregisterLocal(addr)
		return nil
	}
	return d.remoteClient().Unregister(ctx, owner, addr)
}

// UnregisterLocal removes addr from the authoritative partition if it
// is the registered activation.
func (d *Directory) UnregisterLocal(addr types.ActivationAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := addr.Grain.Key()
	if existing, ok := d.partition[key]; ok && existing.addr.Equal(addr) {
		delete(d.partition, key)
	}
}

// Lookup resolves a grain to its current activation address, consulting
// the local partition, the cache, and finally the owning silo.
func (d *Directory) Lookup(ctx context.Context, grain types.GrainID) (types.ActivationAddress, bool, error) {
	owner, ok := d.Owner(grain)
	if !ok {
		return types.ActivationAddress{}, false, fmt.Errorf("looking up %s: %w", grain, types.ErrSiloUnavailable)
	}
	if owner.Equal(d.view.Self()) {
		addr, found := d.LookupLocal(grain)
		if found {
			metrics.DirectoryLookups.WithLabelValues("partition_hit").Inc()
		} else {
			metrics.DirectoryLookups.WithLabelValues("miss").Inc()
		}
		return addr, found, nil
	}
	if addr, found := d.cache.Get(grain.Key()); found {
		metrics.DirectoryLookups.WithLabelValues("cache_hit").Inc()
		return addr, true, nil
	}
	addr, found, err := d.remoteClient().Lookup(ctx, owner, grain)
	if err != nil {
		return types.ActivationAddress{}, false, err
	}
	metrics.DirectoryLookups.WithLabelValues("remote").Inc()
	if found {
		d.cacheput(addr)
	}
	return addr, found, nil
}

// LookupLocal reads this silo's authoritative partition.
func (d *Directory) LookupLocal(grain types.GrainID) (types.ActivationAddress, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.partition[grain.Key()]
	return e.addr, ok
}

// InvalidateCache drops the cached entry for addr when it matches
// exactly. Invalidation never touches the authoritative partition.
func (d *Directory) InvalidateCache(addr types.ActivationAddress) {
	key := addr.Grain.Key()
	if cached, ok := d.cache.Get(key); ok && cached.Equal(addr) {
		d.cache.Remove(key)
		metrics.DirectoryCacheSize.Set(float64(d.cache.Len()))
	}
}

// ProcessInvalidations applies the cache-invalidation header of an
// incoming message.
func (d *Directory) ProcessInvalidations(stale []types.ActivationAddress) {
	for _, addr := range stale {
		d.InvalidateCache(addr)
	}
}

// OnMembershipChange reacts to a new table: cached routes to silos that
// are no longer active are dropped, and owned entries hosted on dead
// silos are removed so the next lookup creates a fresh activation.
func (d *Directory) OnMembershipChange(table *membership.Table) {
	active := make(map[string]bool)
	for _, s := range table.ActiveSilos() {
		active[s.String()] = true
	}

	for _, key := range d.cache.Keys() {
		if addr, ok := d.cache.Get(key); ok && !active[addr.Silo.String()] {
			d.cache.Remove(key)
		}
	}

	d.mu.Lock()
	for key, e := range d.partition {
		if !active[e.addr.Silo.String()] {
			d.logger.Debug().
				Str("grain", key).
				Str("silo", e.addr.Silo.String()).
				Msg("dropping directory entry for dead silo")
			delete(d.partition, key)
		}
	}
	d.mu.Unlock()
	metrics.DirectoryCacheSize.Set(float64(d.cache.Len()))
}

// PartitionSize returns the number of authoritative entries held here.
func (d *Directory) PartitionSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.partition)
}

func (d *Directory) cacheput(addr types.ActivationAddress) {
	d.cache.Add(addr.Grain.Key(), addr)
	metrics.DirectoryCacheSize.Set(float64(d.cache.Len()))
}

func (d *Directory) remoteClient() RemoteClient {
	if d.remote == nil {
		return unreachableRemote{}
	}
	return d.remote
}

type unreachableRemote struct{}

func (unreachableRemote) Register(ctx context.Context, owner types.SiloAddress, addr types.ActivationAddress) (types.ActivationAddress, error) {
	return types.ActivationAddress{}, fmt.Errorf("no remote directory client: %w", types.ErrSiloUnavailable)
}

func (unreachableRemote) Unregister(ctx context.Context, owner types.SiloAddress, addr types.ActivationAddress) error {
	return fmt.Errorf("no remote directory client: %w", types.ErrSiloUnavailable)
}

func (unreachableRemote) Lookup(ctx context.Context, owner types.SiloAddress, grain types.GrainID) (types.ActivationAddress, bool, error) {
	return types.ActivationAddress{}, false, fmt.Errorf("no remote directory client: %w", types.ErrSiloUnavailable)
}
