package reminders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/membership"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/types"
	"github.com/rs/zerolog"
)

// ClusterView supplies the membership state the service partitions
// over. Implemented by *membership.Oracle.
type ClusterView interface {
	Self() types.SiloAddress
	Ring() *membership.Ring
}

// FireFunc delivers one reminder tick to its grain. Wired to a one-way
// invocation through the router; delivery is at-least-once and the
// grain sees the tick's scheduled time, not the delivery time.
type FireFunc func(ctx context.Context, r Reminder, due time.Time)

// Service is one silo's share of the durable reminder table. Every
// TickPeriod it reads the rows in its owned ring range and fires the
// ticks that came due. Ownership follows the ring: when silos join or
// leave, rows migrate between services without coordination because
// each tick re-derives the owned range from the current ring.
type Service struct {
	cfg    config.RemindersConfig
	view   ClusterView
	store  Store
	fire   FireFunc
	logger zerolog.Logger

	mu    sync.Mutex
	fired map[string]time.Time // row key -> last tick delivered

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewService creates the reminder service.
func NewService(cfg config.RemindersConfig, view ClusterView, store Store, fire FireFunc) *Service {
	return &Service{
		cfg:    cfg,
		view:   view,
		store:  store,
		fire:   fire,
		logger: log.WithComponent("reminders"),
		fired:  make(map[string]time.Time),
		stopCh: make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the tick loop.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Register writes (or replaces) a reminder. The period must be at
// least the service tick period; shorter schedules belong to timers.
func (s *Service) Register(ctx context.Context, grain types.GrainID, name string, start time.Time, period time.Duration) (Reminder, error) {
	if period != 0 && period < s.cfg.TickPeriod {
		return Reminder{}, fmt.Errorf("reminder period %s is below the minimum %s", period, s.cfg.TickPeriod)
	}
	row := Reminder{Grain: grain, Name: name, StartAt: start, Period: period}
	etag, err := s.store.UpsertRow(ctx, row)
	if err != nil {
		return Reminder{}, fmt.Errorf("registering reminder %s: %w", row.Key(), err)
	}
	row.Etag = etag
	s.logger.Debug().Str("reminder", row.Key()).Dur("period", period).Msg("reminder registered")
	return row, nil
}

// Unregister removes the reminder for (grain, name), if registered.
func (s *Service) Unregister(ctx context.Context, grain types.GrainID, name string) error {
	row, found, err := s.store.ReadRow(ctx, grain, name)
	if err != nil {
		return fmt.Errorf("unregistering reminder %s: %w", reminderKey(grain, name), err)
	}
	if !found {
		return nil
	}
	if _, err := s.store.RemoveRow(ctx, grain, name, row.Etag); err != nil {
		return fmt.Errorf("unregistering reminder %s: %w", row.Key(), err)
	}
	s.mu.Lock()
	delete(s.fired, row.Key())
	s.mu.Unlock()
	return nil
}

// List returns the reminders registered for a grain.
func (s *Service) List(ctx context.Context, grain types.GrainID) ([]Reminder, error) {
	return s.store.ReadRows(ctx, grain)
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// tick reads the owned ring range and fires every reminder whose next
// scheduled tick is due. Missed ticks collapse: after a gap only the
// latest pending tick fires, then the schedule resumes.
func (s *Service) tick(now time.Time) {
	ring := s.view.Ring()
	begin, end, ok := ring.RangeFor(s.view.Self())
	if !ok {
		return
	}
	rows, err := s.store.ReadRowsForRange(context.Background(), begin, end)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read reminder range")
		return
	}

	owned := make(map[string]bool, len(rows))
	for _, row := range rows {
		owned[row.Key()] = true
		s.fireDue(row, now)
	}

	// Rows that migrated away or were removed drop their local firing
	// state, so a row migrating back starts from its schedule again.
	s.mu.Lock()
	for key := range s.fired {
		if !owned[key] {
			delete(s.fired, key)
		}
	}
	s.mu.Unlock()
}

func (s *Service) fireDue(row Reminder, now time.Time) {
	s.mu.Lock()
	last, seen := s.fired[row.Key()]
	s.mu.Unlock()

	var due time.Time
	if seen {
		due = row.NextDue(last)
	} else {
		due = row.NextDue(now.Add(-s.cfg.TickPeriod))
	}
	if due.After(now) {
		return
	}
	if seen && row.Period <= 0 {
		// One-shot already delivered.
		return
	}
	if row.Period > 0 {
		// Collapse a backlog: fire the latest tick that came due, not
		// every missed one.
		if latest := row.NextDue(now.Add(-row.Period)); latest.After(due) && !latest.After(now) {
			due = latest
		}
	}

	s.mu.Lock()
	s.fired[row.Key()] = due
	s.mu.Unlock()

	metrics.RemindersFired.Inc()
	s.logger.Debug().Str("reminder", row.Key()).Time("due", due).Msg("reminder fired")
	s.fire(context.Background(), row, due)
}
