package silo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/catalog"
	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/directory"
	"github.com/granary-io/granary/pkg/events"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/membership"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/placement"
	"github.com/granary-io/granary/pkg/reminders"
	"github.com/granary-io/granary/pkg/router"
	"github.com/granary-io/granary/pkg/scheduler"
	"github.com/granary-io/granary/pkg/storage"
	"github.com/granary-io/granary/pkg/transport"
	"github.com/granary-io/granary/pkg/txn"
	"github.com/granary-io/granary/pkg/types"
	"github.com/rs/zerolog"
)

const dialTimeout = 5 * time.Second

// Silo is one node of a granary cluster.
type Silo struct {
	cfg    *config.Config
	self   types.SiloAddress
	logger zerolog.Logger

	broker   *events.Broker
	memStore *membership.BoltStore
	oracle   *membership.Oracle
	sched    *scheduler.Scheduler
	dir      *directory.Directory
	cat      *catalog.Catalog
	placer   *placement.Director
	loads    *loadMonitor
	rtr      *router.Router
	conns    *transport.Manager
	gw       *gateway
	txns     *txn.Registry
	states   *storage.BoltStore
	remStore *reminders.BoltStore
	rem      *reminders.Service
	timers   *reminders.TimerSet

	listener   net.Listener
	metricsSrv *http.Server

	// deadSeen tracks which silos we already reacted to as Dead.
	deadMu   sync.Mutex
	deadSeen map[string]bool

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New builds a silo from its configuration. Nothing touches the
// network until Start.
func New(cfg *config.Config) (*Silo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	self := types.NewSiloAddress(cfg.Endpoint)
	s := &Silo{
		cfg:      cfg,
		self:     self,
		logger:   log.WithSilo(self.String()),
		broker:   events.NewBroker(),
		deadSeen: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}

	var err error
	if s.memStore, err = membership.NewBoltStore(cfg.DataDir); err != nil {
		return nil, err
	}
	if s.states, err = storage.NewBoltStore(cfg.DataDir); err != nil {
		return nil, err
	}
	if s.remStore, err = reminders.NewBoltStore(cfg.DataDir); err != nil {
		return nil, err
	}

	prober := membership.NewTCPProber(cfg.Membership.ProbeTimeout)
	s.oracle = membership.NewOracle(cfg.Membership, s.memStore, prober, s.self, s.broker)
	s.sched = scheduler.New(cfg.Scheduler.Workers)
	s.dir = directory.New(s.oracle, &dirClient{s: s})
	s.cat = catalog.New(cfg.Catalog, s.self, s.sched, s.dir, s.broker)
	s.loads = newLoadMonitor(s)
	s.placer = placement.NewDirector(activeView{s.oracle}, s.loads, time.Now().UnixNano())
	s.conns = transport.NewManager(s.preamble(), func(_ *transport.Connection, msg *types.Message) {
		s.rtr.Receive(msg)
	}, dialTimeout)
	s.rtr = router.New(cfg.Router, s.self, s.dir, s.placer, siloTransport{s}, s.deliverLocal)
	s.gw = newGateway(s)
	s.txns = txn.NewRegistry(cfg.Txn, s.onCommit)
	s.rem = reminders.NewService(cfg.Reminders, s.oracle, s.remStore, s.fireReminder)
	s.timers = reminders.NewTimerSet()

	s.cat.SetRejector(func(item *scheduler.Item) {
		if item.Msg != nil {
			s.rtr.Retry(item.Msg)
		}
	})
	s.oracle.Subscribe(s.dir.OnMembershipChange)
	s.oracle.Subscribe(s.onMembershipChange)
	return s, nil
}

// Self returns this silo's address.
func (s *Silo) Self() types.SiloAddress { return s.self }

// RegisterGrain makes a grain type activatable on this silo and binds
// its placement strategy, when one is given.
func (s *Silo) RegisterGrain(reg *catalog.Registration, strategy placement.Strategy) {
	s.cat.RegisterType(reg)
	if strategy != nil {
		s.placer.SetStrategy(reg.Type, strategy)
	}
}

// States returns the grain state backend.
func (s *Silo) States() storage.Store { return s.states }

// Timers returns the silo's volatile timer set.
func (s *Silo) Timers() *reminders.TimerSet { return s.timers }

// Reminders returns the durable reminder service.
func (s *Silo) Reminders() *reminders.Service { return s.rem }

// Transactions returns the per-grain lock manager registry.
func (s *Silo) Transactions() *txn.Registry { return s.txns }

// Events returns the cluster event broker.
func (s *Silo) Events() *events.Broker { return s.broker }

// Invoke calls a grain from silo-hosted code, routing through the
// full message plane. Called from inside a grain turn it behaves as a
// nested call: the request joins the caller's call chain and the
// caller's group is parked while awaiting, so reentrancy policies can
// admit the A -> B -> A cycle instead of deadlocking it.
func (s *Silo) Invoke(ctx context.Context, grain types.GrainID, method string, args []byte) ([]byte, error) {
	body, err := json.Marshal(types.Invocation{Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	msg := &types.Message{
		SendingGrain: types.SystemGrain("sys.host", s.self),
		TargetGrain:  grain,
		Body:         body,
	}
	turn, nested := turnFrom(ctx)
	if nested {
		msg.SendingGrain = turn.grain
		if root := turn.msg.CallChainRoot(); root != "" {
			rc := turn.msg.ForkContext(root)
			// The nested request's correlation is owned by this silo's
			// router, not by whichever gateway client started the chain.
			delete(rc, types.ContextClient)
			msg.RequestContext = rc
		}
	}
	ch := make(chan callOutcome, 1)
	s.rtr.SendRequest(ctx, msg, func(resp *types.Response, err error) {
		ch <- callOutcome{resp: resp, err: err}
	})
	if nested {
		turn.group.Suspend()
		defer turn.group.Resume()
	}
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type callOutcome struct {
	resp *types.Response
	err  error
}

// Start brings the silo online: listen, join the cluster, launch the
// component loops.
func (s *Silo) Start(ctx context.Context) error {
	s.broker.Start()
	s.sched.Start()

	l, err := net.Listen("tcp", s.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Endpoint, err)
	}
	s.listener = l
	s.wg.Add(1)
	go s.serve()

	if err := s.oracle.Start(ctx); err != nil {
		l.Close()
		return err
	}

	s.rtr.Start()
	s.cat.Start()
	s.rem.Start()
	s.loads.start()
	s.startMetrics()

	s.logger.Info().
		Str("cluster", s.cfg.ClusterID).
		Msg("silo started")
	return nil
}

// Stop takes the silo down gracefully: stop accepting work, deactivate
// every grain, leave the membership table, release resources.
func (s *Silo) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stopCh) })

	s.rem.Stop()
	s.loads.stop()
	s.timers.Close()
	s.cat.Stop(ctx)
	s.txns.Stop()
	s.rtr.Stop()

	var err error
	if oerr := s.oracle.Stop(ctx); oerr != nil {
		err = oerr
	}

	if s.listener != nil {
		s.listener.Close()
	}
	s.gw.close()
	s.conns.Close()
	s.wg.Wait()
	s.sched.Stop()
	s.broker.Stop()

	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	s.remStore.Close()
	s.states.Close()
	s.memStore.Close()

	s.logger.Info().Msg("silo stopped")
	return err
}

func (s *Silo) preamble() transport.Preamble {
	return transport.Preamble{
		NodeID:    s.self.String(),
		Silo:      s.self,
		ClusterID: s.cfg.ClusterID,
	}
}

// serve accepts peer and client connections on the silo endpoint,
// telling them apart by the preamble they present.
func (s *Silo) serve() {
	defer s.wg.Done()
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		go s.adopt(raw)
	}
}

func (s *Silo) adopt(raw net.Conn) {
	c, err := transport.Handshake(raw, s.preamble())
	if err != nil {
		s.logger.Warn().Str("remote", raw.RemoteAddr().String()).Err(err).Msg("handshake rejected")
		return
	}
	s.broker.Publish(&events.Event{Type: events.EventConnectionOpen, Message: c.Peer().NodeID})
	if c.Peer().IsPeer() {
		s.conns.Adopt(c)
		return
	}
	s.gw.adopt(c)
}

// onMembershipChange reacts to silos newly declared dead: their
// connections are dropped and their in-flight requests failed fast.
func (s *Silo) onMembershipChange(table *membership.Table) {
	for _, row := range table.Rows {
		if row.Entry == nil || row.Entry.Status != types.StatusDead {
			continue
		}
		dead := row.Entry.Silo
		s.deadMu.Lock()
		seen := s.deadSeen[dead.String()]
		s.deadSeen[dead.String()] = true
		s.deadMu.Unlock()
		if seen || dead.Equal(s.self) {
			continue
		}
		s.logger.Info().Str("silo", dead.String()).Msg("peer declared dead")
		s.conns.DropSilo(dead)
		s.rtr.OnSiloDead(dead)
	}
}

// onCommit is the transactional commit sink: transactions leaving
// their lock group in commit order arrive here, one call per grain.
func (s *Silo) onCommit(grain types.GrainID, rec *txn.Record) {
	s.logger.Debug().
		Str("grain", grain.String()).
		Str("txn", string(rec.ID)).
		Str("role", rec.Role.String()).
		Msg("transaction exited lock group")
	if rec.Role == txn.RoleAbort {
		s.broker.Publish(&events.Event{Type: events.EventTxnAborted, Message: string(rec.ID)})
	}
}

// reminderTick is the argument payload of a ReceiveReminder call.
type reminderTick struct {
	Name string    `json:"name"`
	Due  time.Time `json:"due"`
}

func (s *Silo) fireReminder(ctx context.Context, row reminders.Reminder, due time.Time) {
	args, err := json.Marshal(reminderTick{Name: row.Name, Due: due})
	if err != nil {
		return
	}
	body, err := json.Marshal(types.Invocation{Method: "ReceiveReminder", Args: args})
	if err != nil {
		return
	}
	s.broker.Publish(&events.Event{Type: events.EventReminderFired, Message: row.Key()})
	s.rtr.SendOneWay(ctx, &types.Message{
		SendingGrain: types.SystemGrain("sys.reminders", s.self),
		TargetGrain:  row.Grain,
		Body:         body,
	})
}

func (s *Silo) startMetrics() {
	if s.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn().Err(err).Msg("metrics server failed")
		}
	}()
}

// siloTransport adapts the connection manager and gateway to the
// router's transport interface.
type siloTransport struct{ s *Silo }

func (t siloTransport) SendToSilo(ctx context.Context, target types.SiloAddress, msg *types.Message) error {
	return t.s.conns.SendToSilo(ctx, target, msg)
}

func (t siloTransport) SendToClient(clientID string, msg *types.Message) error {
	return t.s.gw.send(clientID, msg)
}

// activeView adapts the oracle's snapshot to the placement director.
type activeView struct{ oracle *membership.Oracle }

func (v activeView) Self() types.SiloAddress { return v.oracle.Self() }

func (v activeView) ActiveSilos() []types.SiloAddress {
	return v.oracle.Snapshot().ActiveSilos()
}
