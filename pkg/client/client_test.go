package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/granary-io/granary/pkg/catalog"
	"github.com/granary-io/granary/pkg/client"
	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/scheduler"
	"github.com/granary-io/granary/pkg/silo"
	"github.com/granary-io/granary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoGrain struct {
	calls atomic.Int64
}

func (g *echoGrain) OnActivate(ctx context.Context) error         { return nil }
func (g *echoGrain) OnDeactivate(reason types.DeactivationReason) {}

func (g *echoGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	g.calls.Add(1)
	switch method {
	case "echo":
		return args, nil
	case "fail":
		return nil, fmt.Errorf("business rule violated")
	default:
		return nil, nil
	}
}

func startSilo(t *testing.T) (*silo.Silo, *echoGrain) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := l.Addr().String()
	l.Close()

	cfg := config.Default()
	cfg.ClusterID = "test"
	cfg.Endpoint = endpoint
	cfg.DataDir = t.TempDir()
	cfg.Router.ResponseTimeout = 5 * time.Second

	s, err := silo.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	g := &echoGrain{}
	s.RegisterGrain(&catalog.Registration{
		Type:   "echo",
		New:    func(id types.GrainID) catalog.Grain { return g },
		Policy: scheduler.NonReentrant{},
	}, nil)
	return s, g
}

func connect(t *testing.T, s *silo.Silo) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.ClusterID = "test"
	cfg.Gateways = []string{s.Self().Endpoint}
	c := client.New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInvokeThroughGateway(t *testing.T) {
	s, _ := startSilo(t)
	c := connect(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Invoke(ctx, types.GrainString("echo", "a"), "echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), out)
}

func TestApplicationErrorReachesClient(t *testing.T) {
	s, _ := startSilo(t)
	c := connect(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Invoke(ctx, types.GrainString("echo", "a"), "fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "business rule violated")
}

func TestOneWayInvocationArrives(t *testing.T) {
	s, g := startSilo(t)
	c := connect(t, s)

	ctx := context.Background()
	require.NoError(t, c.InvokeOneWay(ctx, types.GrainString("echo", "a"), "poke", nil))
	assert.Eventually(t, func() bool {
		return g.calls.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

// frontGrain forwards every call to a backend echo grain through the
// silo's message plane, from inside its own turn.
type frontGrain struct {
	s *silo.Silo
}

func (g *frontGrain) OnActivate(ctx context.Context) error  { return nil }
func (g *frontGrain) OnDeactivate(types.DeactivationReason) {}

func (g *frontGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	return g.s.Invoke(ctx, types.GrainString("echo", "backend"), "echo", args)
}

func TestClientCallSurvivesNestedInvocation(t *testing.T) {
	s, _ := startSilo(t)
	s.RegisterGrain(&catalog.Registration{
		Type:   "front",
		New:    func(types.GrainID) catalog.Grain { return &frontGrain{s: s} },
		Policy: scheduler.NonReentrant{},
	}, nil)
	c := connect(t, s)

	// The nested backend call must complete the front grain's turn; its
	// response belongs to the silo's router, never to the client that
	// started the chain.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Invoke(ctx, types.GrainString("front", "f"), "forward", []byte("through"))
	require.NoError(t, err)
	assert.Equal(t, []byte("through"), out)
}

func TestStatusQueryAnsweredByGatewaySilo(t *testing.T) {
	s, _ := startSilo(t)
	c := connect(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Invoke(ctx, types.GrainString("sys.status", "cluster"), "status", nil)
	require.NoError(t, err)

	var status silo.ClusterStatus
	require.NoError(t, json.Unmarshal(out, &status))
	assert.Equal(t, s.Self().String(), status.Silo, "the gateway silo answers system queries itself")
	assert.Equal(t, "test", status.ClusterID)
}

func TestClusterIDMismatchIsRejected(t *testing.T) {
	s, _ := startSilo(t)

	cfg := client.DefaultConfig()
	cfg.ClusterID = "some-other-cluster"
	cfg.Gateways = []string{s.Self().Endpoint}
	c := client.New(cfg)
	err := c.Connect(context.Background())
	require.Error(t, err)
}

func TestConcurrentInvocationsCorrelate(t *testing.T) {
	s, _ := startSilo(t)
	c := connect(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			payload := []byte(fmt.Sprintf("msg-%d", i))
			out, err := c.Invoke(ctx, types.GrainString("echo", fmt.Sprintf("g%d", i%4)), "echo", payload)
			if err == nil && string(out) != string(payload) {
				err = fmt.Errorf("response %q does not match request %q", out, payload)
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 16; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestInvokeWithoutConnectFails(t *testing.T) {
	c := client.New(client.DefaultConfig())
	_, err := c.Invoke(context.Background(), types.GrainString("echo", "a"), "echo", nil)
	assert.ErrorIs(t, err, client.ErrNotConnected)
}
