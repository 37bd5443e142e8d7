package silo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/granary-io/granary/pkg/catalog"
	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/scheduler"
	"github.com/granary-io/granary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func newTestSilo(t *testing.T) (*Silo, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.ClusterID = "test"
	cfg.Endpoint = freeEndpoint(t)
	cfg.DataDir = t.TempDir()
	cfg.Membership.HeartbeatPeriod = 100 * time.Millisecond
	cfg.Membership.ProbePeriod = 100 * time.Millisecond
	cfg.Membership.RefreshPeriod = 100 * time.Millisecond
	cfg.Reminders.TickPeriod = 100 * time.Millisecond
	cfg.Router.ResponseTimeout = 5 * time.Second

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	var once sync.Once
	stop := func() { once.Do(func() { s.Stop(context.Background()) }) }
	t.Cleanup(stop)
	return s, stop
}

// echoGrain answers echo calls with their own arguments and keeps a
// per-activation counter.
type echoGrain struct {
	id      types.GrainID
	counter int
	calls   *atomic.Int64
	reasons chan types.DeactivationReason
}

func (g *echoGrain) OnActivate(ctx context.Context) error { return nil }

func (g *echoGrain) OnDeactivate(reason types.DeactivationReason) {
	if g.reasons != nil {
		g.reasons <- reason
	}
}

func (g *echoGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	if g.calls != nil {
		g.calls.Add(1)
	}
	switch method {
	case "echo":
		return args, nil
	case "count":
		g.counter++
		return []byte(fmt.Sprintf("%d", g.counter)), nil
	case "fail":
		return nil, fmt.Errorf("deliberate failure")
	case "ReceiveReminder":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown method %s", method)
	}
}

func registerEcho(s *Silo, g *echoGrain) {
	s.RegisterGrain(&catalog.Registration{
		Type:   "echo",
		New:    func(id types.GrainID) catalog.Grain { g.id = id; return g },
		Policy: scheduler.NonReentrant{},
	}, nil)
}

// chainGrain calls out to a relay grain from inside its own turn; the
// relay calls straight back, closing an A -> B -> A cycle on one silo.
type chainGrain struct {
	s *Silo
}

func (g *chainGrain) OnActivate(ctx context.Context) error  { return nil }
func (g *chainGrain) OnDeactivate(types.DeactivationReason) {}

func (g *chainGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "ping":
		return g.s.Invoke(ctx, types.GrainString("relay", "r"), "bounce", nil)
	case "echo":
		return []byte("pong"), nil
	default:
		return nil, fmt.Errorf("unknown method %s", method)
	}
}

type relayGrain struct {
	s *Silo
}

func (g *relayGrain) OnActivate(ctx context.Context) error  { return nil }
func (g *relayGrain) OnDeactivate(types.DeactivationReason) {}

func (g *relayGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	return g.s.Invoke(ctx, types.GrainString("chain", "a"), "echo", nil)
}

func TestInvokeRoundTrip(t *testing.T) {
	s, _ := newTestSilo(t)
	registerEcho(s, &echoGrain{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Invoke(ctx, types.GrainString("echo", "a"), "echo", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestInvokeSurfacesApplicationError(t *testing.T) {
	s, _ := newTestSilo(t)
	registerEcho(s, &echoGrain{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Invoke(ctx, types.GrainString("echo", "a"), "fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliberate failure")
}

func TestActivationKeepsStateBetweenCalls(t *testing.T) {
	s, _ := newTestSilo(t)
	registerEcho(s, &echoGrain{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g := types.GrainString("echo", "counter")
	for want := 1; want <= 3; want++ {
		out, err := s.Invoke(ctx, g, "count", nil)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d", want), string(out))
	}
}

func TestUnknownGrainTypeFails(t *testing.T) {
	s, _ := newTestSilo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Invoke(ctx, types.GrainString("nosuch", "a"), "echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestNestedCallChainCompletesOnOneSilo(t *testing.T) {
	s, _ := newTestSilo(t)
	s.RegisterGrain(&catalog.Registration{
		Type:   "chain",
		New:    func(types.GrainID) catalog.Grain { return &chainGrain{s: s} },
		Policy: scheduler.CallChain{},
	}, nil)
	s.RegisterGrain(&catalog.Registration{
		Type:   "relay",
		New:    func(types.GrainID) catalog.Grain { return &relayGrain{s: s} },
		Policy: scheduler.NonReentrant{},
	}, nil)

	// chain/a calls relay/r, which calls back into chain/a while the
	// first turn is still in flight. The callback shares the original
	// call-chain root, so call-chain reentrancy must admit it instead
	// of letting the cycle deadlock until the timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Invoke(ctx, types.GrainString("chain", "a"), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), out)
}

func TestGatewayKeepsSystemTargetsOnGatewaySilo(t *testing.T) {
	s, _ := newTestSilo(t)

	sys := &types.Message{
		Direction:   types.DirectionRequest,
		TargetGrain: types.GrainString(statusGrainType, "cluster"),
	}
	s.gw.stampClientRequest(sys, "client-1")
	assert.Equal(t, s.Self(), sys.TargetSilo, "system grains are answered by the gateway silo itself")
	assert.Equal(t, s.Self(), sys.SendingSilo)
	assert.Equal(t, "client-1", sys.RequestContext[types.ContextClient])

	app := &types.Message{
		Direction:   types.DirectionRequest,
		TargetGrain: types.GrainString("echo", "a"),
		TargetSilo:  s.Self(),
	}
	s.gw.stampClientRequest(app, "client-1")
	assert.True(t, app.TargetSilo.IsZero(), "application grains route through the directory")
	assert.Equal(t, s.Self(), app.SendingSilo)
}

func TestStatusQueryReportsMembership(t *testing.T) {
	s, _ := newTestSilo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Invoke(ctx, types.GrainString(statusGrainType, "cluster"), "status", nil)
	require.NoError(t, err)

	var status ClusterStatus
	require.NoError(t, json.Unmarshal(out, &status))
	assert.Equal(t, "test", status.ClusterID)
	assert.Equal(t, s.Self().String(), status.Silo)
	require.Len(t, status.Members, 1)
	assert.Equal(t, "active", status.Members[0].Status)
}

func TestStopDeactivatesWithShutdownReason(t *testing.T) {
	s, stop := newTestSilo(t)
	g := &echoGrain{reasons: make(chan types.DeactivationReason, 1)}
	registerEcho(s, g)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Invoke(ctx, types.GrainString("echo", "a"), "echo", nil)
	require.NoError(t, err)

	stop()
	select {
	case reason := <-g.reasons:
		assert.Equal(t, types.DeactivationShutdown, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("grain was not deactivated on shutdown")
	}
}

func TestReminderFiresIntoGrain(t *testing.T) {
	s, _ := newTestSilo(t)
	g := &echoGrain{calls: &atomic.Int64{}}
	registerEcho(s, g)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.Reminders().Register(ctx, types.GrainString("echo", "remindme"), "wake", time.Now(), 200*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return g.calls.Load() >= 2
	}, 5*time.Second, 50*time.Millisecond, "periodic reminder should keep firing")
}

func TestGrainStateStorageRoundTrip(t *testing.T) {
	s, _ := newTestSilo(t)
	ctx := context.Background()
	g := types.GrainString("echo", "stateful")

	etag, err := s.States().Write(ctx, g, "profile", []byte(`{"n":1}`), "")
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	data, readEtag, found, err := s.States().Read(ctx, g, "profile")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, etag, readEtag)
	assert.JSONEq(t, `{"n":1}`, string(data))
}
