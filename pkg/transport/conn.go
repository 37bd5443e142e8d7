package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/types"
	"github.com/rs/zerolog"
)

// outboundDepth bounds the per-connection outbound queue. A full queue
// surfaces backpressure to senders instead of growing without bound.
const outboundDepth = 4096

// Handler consumes inbound messages. It runs on the connection's read
// goroutine and must hand work off quickly.
type Handler func(c *Connection, msg *types.Message)

// Connection is one long-lived framed-message link to a peer silo or a
// client.
type Connection struct {
	conn   net.Conn
	local  Preamble
	peer   Preamble
	logger zerolog.Logger

	outCh   chan *types.Message
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	onClose func(*Connection)
}

// Handshake performs the preamble exchange on a fresh net.Conn: write
// ours, read theirs, verify the cluster id. Mismatches close the
// connection.
func Handshake(conn net.Conn, local Preamble) (*Connection, error) {
	// Write and read concurrently; both ends send first and an
	// unbuffered pipe would deadlock a sequential exchange.
	writeErr := make(chan error, 1)
	go func() { writeErr <- WritePreamble(conn, local) }()
	peer, err := ReadPreamble(conn)
	if err != nil {
		conn.Close()
		<-writeErr
		return nil, err
	}
	if err := <-writeErr; err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send preamble: %w", err)
	}
	if peer.ClusterID != local.ClusterID {
		conn.Close()
		return nil, fmt.Errorf("peer %s is in cluster %q, we are in %q: %w",
			peer.NodeID, peer.ClusterID, local.ClusterID, types.ErrClusterIDMismatch)
	}
	return &Connection{
		conn:   conn,
		local:  local,
		peer:   peer,
		logger: log.WithComponent("transport").With().Str("peer", peer.NodeID).Logger(),
		outCh:  make(chan *types.Message, outboundDepth),
		stopCh: make(chan struct{}),
	}, nil
}

// Peer returns the remote side's preamble.
func (c *Connection) Peer() Preamble { return c.peer }

// Start launches the read and write loops. onClose runs once when the
// connection dies, after the loops have stopped.
func (c *Connection) Start(handler Handler, onClose func(*Connection)) {
	c.onClose = onClose
	kind := "client"
	if c.peer.IsPeer() {
		kind = "silo"
	}
	metrics.ConnectionsOpen.WithLabelValues(kind).Inc()
	c.wg.Add(2)
	go c.readLoop(handler)
	go c.writeLoop()
}

// Send queues a message for transmission. A full queue fails fast with
// ErrGatewayTooBusy so the router can reject instead of blocking an
// activation turn.
func (c *Connection) Send(msg *types.Message) error {
	select {
	case c.outCh <- msg:
		return nil
	case <-c.stopCh:
		return fmt.Errorf("connection to %s closed: %w", c.peer.NodeID, types.ErrSiloUnavailable)
	default:
		return fmt.Errorf("outbound queue to %s full: %w", c.peer.NodeID, types.ErrGatewayTooBusy)
	}
}

// Close tears the connection down and waits for the loops to stop.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.stopCh)
		c.conn.Close()
		kind := "client"
		if c.peer.IsPeer() {
			kind = "silo"
		}
		metrics.ConnectionsOpen.WithLabelValues(kind).Dec()
	})
	c.wg.Wait()
}

func (c *Connection) readLoop(handler Handler) {
	defer c.wg.Done()
	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				c.logger.Debug().Err(err).Msg("connection read failed")
			}
			c.shutdown()
			return
		}
		handler(c, msg)
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.outCh:
			// Expired messages are dropped at the last handoff point
			// before the network.
			if msg.IsExpired(time.Now()) {
				metrics.MessagesExpired.Inc()
				continue
			}
			if err := WriteMessage(c.conn, msg); err != nil {
				c.logger.Debug().Err(err).Msg("connection write failed")
				c.shutdown()
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

// shutdown closes asynchronously from a loop goroutine; Close waits on
// the loops, so it cannot be called inline.
func (c *Connection) shutdown() {
	go func() {
		c.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	}()
}

// Manager owns the silo-to-silo connections of one silo: at most one
// live connection per remote endpoint, dialed on demand.
type Manager struct {
	local       Preamble
	handler     Handler
	dialTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	peers  map[string]*Connection
	closed bool
}

// NewManager creates a connection manager presenting the given local
// preamble.
func NewManager(local Preamble, handler Handler, dialTimeout time.Duration) *Manager {
	return &Manager{
		local:       local,
		handler:     handler,
		dialTimeout: dialTimeout,
		logger:      log.WithComponent("transport"),
		peers:       make(map[string]*Connection),
	}
}

// SendToSilo queues msg on the connection to target, dialing if no
// connection exists yet.
func (m *Manager) SendToSilo(ctx context.Context, target types.SiloAddress, msg *types.Message) error {
	c, err := m.connFor(ctx, target)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Adopt registers an accepted inbound peer connection and starts its
// loops. Client connections are started by the gateway and not tracked
// here.
func (m *Manager) Adopt(c *Connection) {
	m.mu.Lock()
	old := m.peers[c.peer.Silo.Endpoint]
	m.peers[c.peer.Silo.Endpoint] = c
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	c.Start(m.handler, m.forget)
}

// DropSilo closes the connection to a silo declared dead.
func (m *Manager) DropSilo(target types.SiloAddress) {
	m.mu.Lock()
	c := m.peers[target.Endpoint]
	delete(m.peers, target.Endpoint)
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Close tears down every peer connection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.peers))
	for _, c := range m.peers {
		conns = append(conns, c)
	}
	m.peers = make(map[string]*Connection)
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *Manager) connFor(ctx context.Context, target types.SiloAddress) (*Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("connection manager closed: %w", types.ErrSiloUnavailable)
	}
	if c, ok := m.peers[target.Endpoint]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	d := net.Dialer{Timeout: m.dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", target.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, types.ErrSiloUnavailable)
	}
	c, err := Handshake(raw, m.local)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.peers[target.Endpoint]; ok {
		// Lost a dial race; keep the established connection.
		m.mu.Unlock()
		c.conn.Close()
		return existing, nil
	}
	m.peers[target.Endpoint] = c
	m.mu.Unlock()
	c.Start(m.handler, m.forget)
	return c, nil
}

func (m *Manager) forget(c *Connection) {
	m.mu.Lock()
	if cur, ok := m.peers[c.peer.Silo.Endpoint]; ok && cur == c {
		delete(m.peers, c.peer.Silo.Endpoint)
	}
	m.mu.Unlock()
}
