package membership

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/events"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/types"
	"github.com/rs/zerolog"
)

// Oracle runs the liveness protocol for one silo: it joins the cluster,
// heartbeats, probes ring successors, votes suspicions, declares dead
// silos, and keeps a local snapshot of the table for the directory and
// placement to consult.
type Oracle struct {
	cfg    config.MembershipConfig
	store  Store
	prober Prober
	broker *events.Broker
	logger zerolog.Logger

	self     types.SiloAddress
	hostName string

	mu       sync.RWMutex
	snapshot *Table
	ring     *Ring
	subs     []func(*Table)

	// onSelfDead runs once when the silo observes its own row Dead.
	// The default exits the process; tests override it.
	onSelfDead func()
	deadOnce   sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewOracle creates an oracle for the given silo. The broker may be nil.
func NewOracle(cfg config.MembershipConfig, store Store, prober Prober, self types.SiloAddress, broker *events.Broker) *Oracle {
	hostName, _ := os.Hostname()
	return &Oracle{
		cfg:      cfg,
		store:    store,
		prober:   prober,
		broker:   broker,
		logger:   log.WithComponent("membership"),
		self:     self,
		hostName: hostName,
		snapshot: &Table{},
		ring:     NewRing(nil),
		onSelfDead: func() {
			logger := log.WithComponent("membership")
			logger.Fatal().Msg("this silo has been declared dead by the cluster")
		},
		stopCh: make(chan struct{}),
	}
}

// SetOnSelfDead overrides the reaction to seeing our own row Dead.
func (o *Oracle) SetOnSelfDead(fn func()) { o.onSelfDead = fn }

// Self returns the silo this oracle speaks for.
func (o *Oracle) Self() types.SiloAddress { return o.self }

// Start initializes the backend, inserts this silo as Joining, promotes
// it to Active, and launches the protocol loops.
func (o *Oracle) Start(ctx context.Context) error {
	if err := o.store.Initialize(ctx, true); err != nil {
		return fmt.Errorf("failed to initialize membership store: %w", err)
	}
	if err := o.join(ctx); err != nil {
		return err
	}
	if err := o.UpdateStatus(ctx, types.StatusActive); err != nil {
		return err
	}
	if err := o.refresh(ctx); err != nil {
		return err
	}
	o.publish(events.EventSiloActive, o.self.String())
	o.logger.Info().Str("silo", o.self.String()).Msg("silo active in membership table")

	o.wg.Add(3)
	go o.heartbeatLoop()
	go o.probeLoop()
	go o.refreshLoop()
	return nil
}

// Stop walks the silo through the graceful exit states and halts the
// protocol loops.
func (o *Oracle) Stop(ctx context.Context) error {
	close(o.stopCh)
	o.wg.Wait()

	for _, status := range []types.SiloStatus{types.StatusShuttingDown, types.StatusStopping, types.StatusDead} {
		if err := o.UpdateStatus(ctx, status); err != nil {
			return err
		}
	}
	o.publish(events.EventSiloShutdown, o.self.String())
	return nil
}

// join inserts this silo's row with status Joining, retrying on
// contention with a fresh read each time.
func (o *Oracle) join(ctx context.Context) error {
	entry := &Entry{
		Silo:         o.self,
		HostName:     o.hostName,
		Role:         "silo",
		Status:       types.StatusJoining,
		StartTime:    time.Now(),
		IAmAliveTime: time.Now(),
	}
	for attempt := 0; attempt < o.cfg.MaxCASRetries; attempt++ {
		table, err := o.store.ReadAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to read membership table: %w", err)
		}
		if row := table.Get(o.self); row != nil {
			return fmt.Errorf("membership row for %s already exists", o.self)
		}
		ok, err := o.store.InsertRow(ctx, entry, table.Version)
		if err != nil {
			return fmt.Errorf("failed to insert membership row: %w", err)
		}
		if ok {
			o.publish(events.EventSiloJoined, o.self.String())
			return nil
		}
		metrics.MembershipContentions.Inc()
		o.backoff(attempt)
	}
	return fmt.Errorf("joining cluster: %w", types.ErrMembershipContention)
}

// UpdateStatus moves this silo's own row to the given status with a
// version-guarded update, retrying on contention.
func (o *Oracle) UpdateStatus(ctx context.Context, status types.SiloStatus) error {
	for attempt := 0; attempt < o.cfg.MaxCASRetries; attempt++ {
		table, err := o.store.ReadRow(ctx, o.self)
		if err != nil {
			return fmt.Errorf("failed to read own membership row: %w", err)
		}
		row := table.Get(o.self)
		if row == nil {
			return fmt.Errorf("own membership row for %s missing", o.self)
		}
		if !row.Entry.Status.CanTransitionTo(status) {
			if row.Entry.Status == types.StatusDead {
				o.selfDead()
			}
			return fmt.Errorf("illegal status transition %s -> %s", row.Entry.Status, status)
		}
		entry := row.Entry.Clone()
		entry.Status = status
		entry.IAmAliveTime = time.Now()
		ok, err := o.store.UpdateRow(ctx, entry, row.Etag, table.Version)
		if err != nil {
			return fmt.Errorf("failed to update membership row: %w", err)
		}
		if ok {
			return nil
		}
		metrics.MembershipContentions.Inc()
		o.backoff(attempt)
	}
	return fmt.Errorf("updating status to %s: %w", status, types.ErrMembershipContention)
}

// Snapshot returns the most recently refreshed table.
func (o *Oracle) Snapshot() *Table {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot
}

// Ring returns the consistent-hash ring over the Active silos of the
// current snapshot.
func (o *Oracle) Ring() *Ring {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ring
}

// Subscribe registers a callback invoked with every refreshed snapshot
// whose version is newer than the previous one.
func (o *Oracle) Subscribe(fn func(*Table)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

// Refresh re-reads the table immediately, outside the periodic loop.
func (o *Oracle) Refresh(ctx context.Context) error {
	return o.refresh(ctx)
}

func (o *Oracle) heartbeatLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			entry := &Entry{Silo: o.self, IAmAliveTime: time.Now()}
			if err := o.store.UpdateIAmAlive(context.Background(), entry); err != nil {
				o.logger.Warn().Err(err).Msg("failed to write IAmAlive heartbeat")
			}
		case <-o.stopCh:
			return
		}
	}
}

func (o *Oracle) probeLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.ProbePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.probeOnce()
		case <-o.stopCh:
			return
		}
	}
}

// probeOnce probes this silo's ring successors and votes a suspicion
// for every peer that did not answer.
func (o *Oracle) probeOnce() {
	targets := o.Ring().Successors(o.self, o.cfg.NumProbedSilos)
	for _, target := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ProbeTimeout)
		err := o.prober.Probe(ctx, target)
		cancel()
		if err == nil {
			continue
		}
		metrics.ProbesFailed.Inc()
		o.logger.Warn().Str("target", target.String()).Err(err).Msg("liveness probe failed")
		if err := o.suspect(context.Background(), target); err != nil {
			o.logger.Warn().Str("target", target.String()).Err(err).Msg("failed to record suspicion")
		}
	}
}

// suspect adds this silo's vote against target and, when the fresh vote
// count reaches the threshold, declares the target Dead. All writes are
// version-guarded CAS with bounded retries.
func (o *Oracle) suspect(ctx context.Context, target types.SiloAddress) error {
	for attempt := 0; attempt < o.cfg.MaxCASRetries; attempt++ {
		table, err := o.store.ReadRow(ctx, target)
		if err != nil {
			return fmt.Errorf("failed to read suspect row: %w", err)
		}
		row := table.Get(target)
		if row == nil || row.Entry.Status == types.StatusDead {
			return nil
		}
		now := time.Now()
		entry := row.Entry.Clone()
		entry.AddSuspicion(o.self, now)
		// Keep only votes inside the sliding window; stale votes do not
		// count toward the threshold and are dropped from the row.
		entry.Suspectors = entry.FreshSuspicions(o.cfg.SuspicionWindow, now)
		if len(entry.Suspectors) >= o.cfg.SuspicionThreshold {
			entry.Status = types.StatusDead
		}
		ok, err := o.store.UpdateRow(ctx, entry, row.Etag, table.Version)
		if err != nil {
			return fmt.Errorf("failed to update suspect row: %w", err)
		}
		if ok {
			if entry.Status == types.StatusDead {
				o.logger.Warn().
					Str("silo", target.String()).
					Int("votes", len(entry.Suspectors)).
					Msg("silo declared dead")
				o.publish(events.EventSiloDead, target.String())
				// Pick up the new table right away so routing stops
				// using the dead silo.
				if err := o.refresh(ctx); err != nil {
					o.logger.Warn().Err(err).Msg("refresh after declare-dead failed")
				}
			}
			return nil
		}
		metrics.MembershipContentions.Inc()
		o.backoff(attempt)
	}
	return fmt.Errorf("voting suspicion against %s: %w", target, types.ErrMembershipContention)
}

func (o *Oracle) refreshLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.RefreshPeriod)
	defer ticker.Stop()

	cleanupEvery := 1
	if o.cfg.DefunctRetention > 0 && o.cfg.RefreshPeriod > 0 {
		cleanupEvery = int(o.cfg.DefunctRetention / (10 * o.cfg.RefreshPeriod))
		if cleanupEvery < 1 {
			cleanupEvery = 1
		}
	}
	ticks := 0

	for {
		select {
		case <-ticker.C:
			if err := o.refresh(context.Background()); err != nil {
				o.logger.Warn().Err(err).Msg("membership refresh failed")
			}
			ticks++
			if ticks%cleanupEvery == 0 {
				before := time.Now().Add(-o.cfg.DefunctRetention)
				if err := o.store.CleanupDefunct(context.Background(), before); err != nil {
					o.logger.Warn().Err(err).Msg("defunct cleanup failed")
				}
			}
		case <-o.stopCh:
			return
		}
	}
}

// refresh reads the table, swaps the snapshot and ring, updates the
// gauges, and notifies subscribers when the version advanced.
func (o *Oracle) refresh(ctx context.Context) error {
	table, err := o.store.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to read membership table: %w", err)
	}

	if row := table.Get(o.self); row != nil && row.Entry.Status == types.StatusDead {
		o.selfDead()
		return nil
	}

	o.mu.Lock()
	advanced := table.Version.Version > o.snapshot.Version.Version
	if advanced || o.snapshot.Rows == nil {
		o.snapshot = table
		o.ring = NewRing(table.ActiveSilos())
	}
	subs := o.subs
	o.mu.Unlock()

	metrics.MembershipTableVersion.Set(float64(table.Version.Version))
	counts := make(map[types.SiloStatus]int)
	for _, r := range table.Rows {
		counts[r.Entry.Status]++
	}
	for status, n := range counts {
		metrics.SilosTotal.WithLabelValues(status.String()).Set(float64(n))
	}

	if advanced {
		for _, fn := range subs {
			fn(table)
		}
	}
	return nil
}

func (o *Oracle) selfDead() {
	o.deadOnce.Do(o.onSelfDead)
}

func (o *Oracle) backoff(attempt int) {
	// Exponential backoff between CAS retries, capped at one second.
	d := 10 * time.Millisecond << uint(attempt)
	if d > time.Second {
		d = time.Second
	}
	time.Sleep(d)
}

func (o *Oracle) publish(t events.EventType, msg string) {
	if o.broker != nil {
		o.broker.Publish(&events.Event{Type: t, Message: msg})
	}
}
