package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/transport"
	"github.com/granary-io/granary/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotConnected reports an operation on a client without a live
// gateway connection.
var ErrNotConnected = errors.New("client is not connected")

// Config tunes a gateway client.
type Config struct {
	// ClusterID must match the cluster's; the handshake enforces it.
	ClusterID string
	// Gateways are silo endpoints tried in order until one connects.
	Gateways []string
	// ResponseTimeout bounds each request, retries included.
	ResponseTimeout time.Duration
	DialTimeout     time.Duration
	// MaxRetries caps transparent retries of retryable rejections.
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns client defaults matching the silo's router
// tuning.
func DefaultConfig() Config {
	return Config{
		ClusterID:       "granary",
		ResponseTimeout: 30 * time.Second,
		DialTimeout:     5 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    250 * time.Millisecond,
	}
}

// Client is one connection into a cluster. Safe for concurrent use.
type Client struct {
	cfg    Config
	id     string
	grain  types.GrainID
	logger zerolog.Logger

	corr atomic.Uint64

	mu      sync.Mutex
	conn    *transport.Connection
	pending map[types.CorrelationID]chan *types.Message
	closed  bool
}

// New creates a client. Connect must be called before Invoke.
func New(cfg Config) *Client {
	id := uuid.NewString()
	return &Client{
		cfg:     cfg,
		id:      id,
		grain:   types.GrainString("client", id),
		logger:  log.WithComponent("client"),
		pending: make(map[types.CorrelationID]chan *types.Message),
	}
}

// ID returns the client's cluster-wide identity.
func (c *Client) ID() string { return c.id }

// Connect dials the configured gateways in order and handshakes with
// the first one that answers.
func (c *Client) Connect(ctx context.Context) error {
	if len(c.cfg.Gateways) == 0 {
		return fmt.Errorf("no gateways configured")
	}
	var lastErr error
	for _, endpoint := range c.cfg.Gateways {
		conn, err := c.dial(ctx, endpoint)
		if err != nil {
			lastErr = err
			c.logger.Debug().Str("gateway", endpoint).Err(err).Msg("gateway unreachable")
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.closed = false
		c.mu.Unlock()
		conn.Start(c.onMessage, c.onClose)
		c.logger.Info().Str("gateway", endpoint).Str("client", c.id).Msg("connected")
		return nil
	}
	return fmt.Errorf("no gateway reachable: %w", lastErr)
}

func (c *Client) dial(ctx context.Context, endpoint string) (*transport.Connection, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Handshake(raw, transport.Preamble{
		NodeID:    c.id,
		ClusterID: c.cfg.ClusterID,
	})
	if err != nil {
		raw.Close()
		return nil, err
	}
	if !conn.Peer().IsPeer() {
		conn.Close()
		return nil, fmt.Errorf("endpoint %s is not a silo gateway", endpoint)
	}
	return conn, nil
}

// Close tears down the gateway connection and fails every pending
// request.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Invoke calls method on the grain and returns its payload. Retryable
// rejections are retried until the deadline or the retry budget runs
// out; application errors return as-is.
func (c *Client) Invoke(ctx context.Context, grain types.GrainID, method string, args []byte) ([]byte, error) {
	body, err := json.Marshal(types.Invocation{Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.cfg.ResponseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for attempt := 0; ; attempt++ {
		reply, err := c.roundTrip(ctx, grain, body, deadline)
		if err != nil {
			return nil, err
		}

		switch reply.Rejection {
		case types.RejectionNone:
			return decodeResponse(reply)
		case types.RejectionDuplicateRequest:
			return nil, fmt.Errorf("%s: %w", reply.RejectionInfo, types.ErrDuplicateRequest)
		case types.RejectionCacheInvalidation:
			// Side effect only; the silo never completes a request with
			// this kind, so treat it as a protocol violation.
			return nil, fmt.Errorf("unexpected cache-invalidation completion: %w", types.ErrUnsupportedRequest)
		}

		if !reply.Rejection.Retryable() || attempt >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("request rejected (%s): %s: %w",
				reply.Rejection, reply.RejectionInfo, types.ErrUnsupportedRequest)
		}
		if reply.Rejection == types.RejectionGatewayTooBusy {
			backoff := c.cfg.RetryBackoff << uint(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("retry budget exhausted: %w", types.ErrTimeout)
		}
	}
}

// InvokeOneWay sends a fire-and-forget invocation.
func (c *Client) InvokeOneWay(ctx context.Context, grain types.GrainID, method string, args []byte) error {
	body, err := json.Marshal(types.Invocation{Method: method, Args: args})
	if err != nil {
		return err
	}
	conn := c.connection()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(&types.Message{
		ID:           types.CorrelationID(c.corr.Add(1)),
		Direction:    types.DirectionOneWay,
		SendingGrain: c.grain,
		TargetGrain:  grain,
		Expiry:       time.Now().Add(c.cfg.ResponseTimeout),
		Body:         body,
	})
}

func (c *Client) roundTrip(ctx context.Context, grain types.GrainID, body []byte, deadline time.Time) (*types.Message, error) {
	conn := c.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := types.CorrelationID(c.corr.Add(1))
	ch := make(chan *types.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := conn.Send(&types.Message{
		ID:           id,
		Direction:    types.DirectionRequest,
		SendingGrain: c.grain,
		TargetGrain:  grain,
		Expiry:       deadline,
		Body:         body,
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply == nil {
			return nil, fmt.Errorf("connection lost: %w", types.ErrSiloUnavailable)
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("no response from %s within %s: %w",
			grain, c.cfg.ResponseTimeout, types.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) connection() *transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) onMessage(_ *transport.Connection, msg *types.Message) {
	if msg.Direction != types.DirectionResponse {
		return
	}
	c.mu.Lock()
	ch := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug().Uint64("correlation", uint64(msg.ID)).Msg("response for unknown request")
		return
	}
	ch <- msg
}

// onClose fails every pending request so callers do not wait out the
// full timeout on a dead connection.
func (c *Client) onClose(conn *transport.Connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	stranded := c.pending
	c.pending = make(map[types.CorrelationID]chan *types.Message)
	c.mu.Unlock()
	for _, ch := range stranded {
		ch <- nil
	}
}

func decodeResponse(msg *types.Message) ([]byte, error) {
	var resp types.Response
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	if resp.AppError != "" {
		return nil, types.NewAppError("%s", resp.AppError)
	}
	return resp.Payload, nil
}
