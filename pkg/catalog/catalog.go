package catalog

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/events"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/scheduler"
	"github.com/granary-io/granary/pkg/types"
)

// Registrar records activations in the cluster directory. Implemented
// by *directory.Directory.
type Registrar interface {
	Register(ctx context.Context, addr types.ActivationAddress) (types.ActivationAddress, error)
	Unregister(ctx context.Context, addr types.ActivationAddress) error
}

// Catalog indexes the activations hosted on this silo.
type Catalog struct {
	cfg       config.CatalogConfig
	self      types.SiloAddress
	sched     *scheduler.Scheduler
	registrar Registrar
	broker    *events.Broker

	// rejectItem reroutes work items refused by a stopping activation.
	// Wired by the silo to the router's retry path.
	rejectItem func(*scheduler.Item)

	mu       sync.Mutex
	types    map[string]*Registration
	byGrain  map[string]*Activation
	byAddr   map[string]*Activation
	pools    map[string][]*Activation
	poolNext map[string]int
	cooldown map[string]time.Time

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates the catalog. registrar may be nil for directory-less
// tests; broker may be nil.
func New(cfg config.CatalogConfig, self types.SiloAddress, sched *scheduler.Scheduler, registrar Registrar, broker *events.Broker) *Catalog {
	return &Catalog{
		cfg:       cfg,
		self:      self,
		sched:     sched,
		registrar: registrar,
		broker:    broker,
		types:     make(map[string]*Registration),
		byGrain:   make(map[string]*Activation),
		byAddr:    make(map[string]*Activation),
		pools:     make(map[string][]*Activation),
		poolNext:  make(map[string]int),
		cooldown:  make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// RegisterType makes a grain type activatable on this silo.
func (c *Catalog) RegisterType(reg *Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[reg.Type] = reg
}

// SetRejector installs the reroute path for items refused by stopping
// activations.
func (c *Catalog) SetRejector(fn func(*scheduler.Item)) {
	c.rejectItem = fn
}

// Start launches the idle-collection loop.
func (c *Catalog) Start() {
	c.wg.Add(1)
	go c.collectLoop()
}

// Stop halts collection and deactivates everything with reason
// Shutdown.
func (c *Catalog) Stop(ctx context.Context) {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	for _, act := range c.list() {
		c.Deactivate(ctx, act.Address, types.DeactivationShutdown)
	}
}

// GetOrCreate returns the activation serving grain, creating one if
// needed. The returned address is the winning activation: when this
// silo lost a concurrent registration race act is nil and the caller
// forwards to the address instead.
func (c *Catalog) GetOrCreate(ctx context.Context, grain types.GrainID) (act *Activation, winner types.ActivationAddress, err error) {
	key := grain.Key()

	c.mu.Lock()
	reg, known := c.types[grain.Type]
	if !known {
		c.mu.Unlock()
		return nil, types.ActivationAddress{}, fmt.Errorf("activating %s: %w", grain, types.ErrGrainTypeUnknown)
	}
	if reg.Stateless {
		act := c.fromPoolLocked(grain, reg)
		c.mu.Unlock()
		if err := act.Ready(ctx); err != nil {
			return nil, types.ActivationAddress{}, err
		}
		return act, act.Address, nil
	}
	if existing, ok := c.byGrain[key]; ok {
		c.mu.Unlock()
		if existing.Stopping() {
			return nil, types.ActivationAddress{}, fmt.Errorf("activating %s: %w", grain, types.ErrActivationStopping)
		}
		if err := existing.Ready(ctx); err != nil {
			return nil, types.ActivationAddress{}, err
		}
		return existing, existing.Address, nil
	}
	if until, ok := c.cooldown[key]; ok {
		if time.Now().Before(until) {
			c.mu.Unlock()
			return nil, types.ActivationAddress{}, fmt.Errorf("activating %s: %w", grain, types.ErrActivationCooldown)
		}
		delete(c.cooldown, key)
	}
	act = c.newActivationLocked(grain, reg)
	c.mu.Unlock()

	return c.initialize(ctx, act, reg)
}

// initialize runs OnActivate and registers the activation. It owns the
// act.ready latch.
func (c *Catalog) initialize(ctx context.Context, act *Activation, reg *Registration) (*Activation, types.ActivationAddress, error) {
	fail := func(err error) (*Activation, types.ActivationAddress, error) {
		act.mu.Lock()
		act.initErr = err
		act.mu.Unlock()
		c.remove(act)
		close(act.ready)
		return nil, types.ActivationAddress{}, err
	}

	if err := act.Grain.OnActivate(ctx); err != nil {
		logger := log.WithGrain(act.Address.Grain.String())
		logger.Warn().Err(err).Msg("OnActivate failed")
		return fail(fmt.Errorf("activating %s: %v: %w", act.Address.Grain, err, types.ErrActivationInit))
	}

	if !reg.Stateless && c.registrar != nil {
		winner, err := c.registrar.Register(ctx, act.Address)
		if err != nil {
			act.Grain.OnDeactivate(types.DeactivationDirectoryLost)
			return fail(err)
		}
		if !winner.Equal(act.Address) {
			// Lost the race: another silo activated first. Tear down the
			// local instance and hand callers the winner.
			act.Grain.OnDeactivate(types.DeactivationDuplicate)
			act.mu.Lock()
			// Waiters on this activation retry through the directory and
			// land on the winner.
			act.initErr = fmt.Errorf("lost registration race for %s: %w",
				act.Address.Grain, types.ErrActivationStopping)
			act.mu.Unlock()
			c.remove(act)
			close(act.ready)
			metrics.Deactivations.WithLabelValues(types.DeactivationDuplicate.String()).Inc()
			return nil, winner, nil
		}
	}

	act.setState(stateActive)
	close(act.ready)
	metrics.ActivationsCreated.Inc()
	metrics.ActivationsTotal.Set(float64(c.Count()))
	c.publish(events.EventActivationUp, act.Address.String())
	return act, act.Address, nil
}

// Find returns the activation with exactly this address.
func (c *Catalog) Find(addr types.ActivationAddress) (*Activation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	act, ok := c.byAddr[addr.String()]
	return act, ok
}

// FindByGrain returns the single activation of a grain, if hosted here.
func (c *Catalog) FindByGrain(grain types.GrainID) (*Activation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	act, ok := c.byGrain[grain.Key()]
	return act, ok
}

// Deactivate tears down the activation at addr: refuse new messages,
// drain, run OnDeactivate, unregister. Reasons that indicate a faulted
// grain start a reactivation cooldown.
func (c *Catalog) Deactivate(ctx context.Context, addr types.ActivationAddress, reason types.DeactivationReason) {
	c.mu.Lock()
	act, ok := c.byAddr[addr.String()]
	if !ok || act.Stopping() {
		c.mu.Unlock()
		return
	}
	act.setState(stateStopping)
	c.mu.Unlock()

	logger := log.WithActivation(addr.String())
	logger.Info().Str("reason", reason.String()).Msg("deactivating")

	act.Group.Stop(c.rejectItem)
	if err := act.Group.Drain(ctx); err != nil {
		logger.Warn().Err(err).Msg("drain timed out")
	}
	act.Grain.OnDeactivate(reason)

	reg := c.registrationFor(addr.Grain.Type)
	if reg != nil && !reg.Stateless && c.registrar != nil {
		if err := c.registrar.Unregister(ctx, addr); err != nil {
			logger.Warn().Err(err).Msg("directory unregister failed")
		}
	}

	c.mu.Lock()
	c.removeLocked(act)
	if reason.BlocksReactivation() {
		c.cooldown[addr.Grain.Key()] = time.Now().Add(c.cfg.Cooldown)
	}
	c.mu.Unlock()

	metrics.Deactivations.WithLabelValues(reason.String()).Inc()
	metrics.ActivationsTotal.Set(float64(c.Count()))
	c.publish(events.EventActivationDown, addr.String())
}

// Count returns the number of hosted activations.
func (c *Catalog) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byAddr)
}

func (c *Catalog) newActivationLocked(grain types.GrainID, reg *Registration) *Activation {
	addr := types.ActivationAddress{
		Grain:      grain,
		Silo:       c.self,
		Activation: types.NewActivationID(),
	}
	act := &Activation{
		Address: addr,
		Grain:   reg.New(grain),
		Group:   c.sched.NewGroup(addr.String(), reg.Policy),
		created: time.Now(),
		lastUse: time.Now(),
		ready:   make(chan struct{}),
	}
	if !reg.Stateless {
		c.byGrain[grain.Key()] = act
	}
	c.byAddr[addr.String()] = act
	return act
}

// fromPoolLocked returns a pooled stateless-worker activation, growing
// the pool up to multiplier x GOMAXPROCS.
func (c *Catalog) fromPoolLocked(grain types.GrainID, reg *Registration) *Activation {
	key := grain.Key()
	limit := c.cfg.StatelessWorkerMultiplier * runtime.GOMAXPROCS(0)
	if limit < 1 {
		limit = 1
	}
	pool := c.pools[key]
	if len(pool) < limit {
		act := c.newActivationLocked(grain, reg)
		// Stateless workers skip the directory and the hook runs inline;
		// pool members are ready the moment they exist.
		if err := act.Grain.OnActivate(context.Background()); err != nil {
			act.mu.Lock()
			act.initErr = fmt.Errorf("activating %s: %v: %w", grain, err, types.ErrActivationInit)
			act.mu.Unlock()
		} else {
			act.setState(stateActive)
			metrics.ActivationsCreated.Inc()
		}
		close(act.ready)
		c.pools[key] = append(pool, act)
		return act
	}
	i := c.poolNext[key] % len(pool)
	c.poolNext[key] = i + 1
	return pool[i]
}

func (c *Catalog) registrationFor(grainType string) *Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.types[grainType]
}

func (c *Catalog) remove(act *Activation) {
	c.mu.Lock()
	c.removeLocked(act)
	c.mu.Unlock()
}

func (c *Catalog) removeLocked(act *Activation) {
	key := act.Address.Grain.Key()
	if cur, ok := c.byGrain[key]; ok && cur == act {
		delete(c.byGrain, key)
	}
	delete(c.byAddr, act.Address.String())
	if pool, ok := c.pools[key]; ok {
		for i, p := range pool {
			if p == act {
				c.pools[key] = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
}

func (c *Catalog) list() []*Activation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Activation, 0, len(c.byAddr))
	for _, act := range c.byAddr {
		out = append(out, act)
	}
	return out
}

func (c *Catalog) collectLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CollectionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collectIdle()
		case <-c.stopCh:
			return
		}
	}
}

// collectIdle deactivates activations idle past the collection age.
func (c *Catalog) collectIdle() {
	cutoff := time.Now().Add(-c.cfg.CollectionAge)
	for _, act := range c.list() {
		if act.Stopping() || !act.Group.Idle() {
			continue
		}
		if act.IdleSince().Before(cutoff) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.Deactivate(ctx, act.Address, types.DeactivationIdle)
			cancel()
		}
	}
}

func (c *Catalog) publish(t events.EventType, msg string) {
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: t, Message: msg})
	}
}
