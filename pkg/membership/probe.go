package membership

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/granary-io/granary/pkg/types"
)

// Prober checks whether a peer silo is reachable. A probe failure is a
// suspicion vote, not a verdict; the oracle needs K fresh votes before
// it declares a silo dead.
type Prober interface {
	Probe(ctx context.Context, target types.SiloAddress) error
}

// TCPProber probes a silo by opening a TCP connection to its endpoint.
type TCPProber struct {
	Timeout time.Duration
}

// NewTCPProber creates a prober with the given dial timeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	return &TCPProber{Timeout: timeout}
}

// Probe attempts to connect to the target's endpoint.
func (p *TCPProber) Probe(ctx context.Context, target types.SiloAddress) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", target.Endpoint)
	if err != nil {
		return fmt.Errorf("probe of %s failed: %w", target, err)
	}
	conn.Close()
	return nil
}

// ProbeFunc adapts a function to the Prober interface. Tests use it to
// script probe outcomes.
type ProbeFunc func(ctx context.Context, target types.SiloAddress) error

func (f ProbeFunc) Probe(ctx context.Context, target types.SiloAddress) error {
	return f(ctx, target)
}
