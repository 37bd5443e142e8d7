package silo

import (
	"context"
	"fmt"
	"sync"

	"github.com/granary-io/granary/pkg/events"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/transport"
	"github.com/granary-io/granary/pkg/types"
	"github.com/rs/zerolog"
)

// gateway tracks client connections and forwards their requests into
// the cluster. Clients own their correlation ids; the gateway stamps
// each request with the client's identity so the response finds its
// way back through whichever silo ends up holding it.
type gateway struct {
	s      *Silo
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*transport.Connection
}

func newGateway(s *Silo) *gateway {
	return &gateway{
		s:       s,
		logger:  log.WithComponent("gateway"),
		clients: make(map[string]*transport.Connection),
	}
}

// adopt takes ownership of a freshly handshaken client connection. A
// reconnect under the same client id supersedes the old connection.
func (g *gateway) adopt(c *transport.Connection) {
	id := c.Peer().NodeID
	g.mu.Lock()
	old := g.clients[id]
	g.clients[id] = c
	g.mu.Unlock()
	if old != nil {
		old.Close()
	}
	g.logger.Info().Str("client", id).Msg("client connected")
	c.Start(g.onMessage, g.forget)
}

func (g *gateway) onMessage(c *transport.Connection, msg *types.Message) {
	clientID := c.Peer().NodeID
	switch msg.Direction {
	case types.DirectionRequest, types.DirectionOneWay:
		g.stampClientRequest(msg, clientID)
		g.s.rtr.Forward(context.Background(), msg)
	default:
		g.logger.Warn().
			Str("client", clientID).
			Str("direction", msg.Direction.String()).
			Msg("dropping unexpected client message")
	}
}

// stampClientRequest readdresses a client request for cluster routing.
// The gateway silo becomes the sending silo: responses travel back
// here and are relayed to the client. Whatever addressing the client
// carried is dropped, except that system grains stay on the gateway
// silo itself, which serves them like every other silo.
func (g *gateway) stampClientRequest(msg *types.Message, clientID string) {
	if msg.RequestContext == nil {
		msg.RequestContext = make(map[string]string, 1)
	}
	msg.RequestContext[types.ContextClient] = clientID
	msg.SendingSilo = g.s.self
	if msg.TargetGrain.IsSystem() {
		msg.TargetSilo = g.s.self
	} else {
		msg.TargetSilo = types.SiloAddress{}
	}
	msg.TargetAct = ""
}

// send relays a response or rejection to a connected client.
func (g *gateway) send(clientID string, msg *types.Message) error {
	g.mu.Lock()
	c := g.clients[clientID]
	g.mu.Unlock()
	if c == nil {
		return fmt.Errorf("client %s not connected: %w", clientID, types.ErrSiloUnavailable)
	}
	return c.Send(msg)
}

func (g *gateway) forget(c *transport.Connection) {
	id := c.Peer().NodeID
	g.mu.Lock()
	if g.clients[id] == c {
		delete(g.clients, id)
	}
	g.mu.Unlock()
	g.s.broker.Publish(&events.Event{Type: events.EventConnectionClose, Message: id})
	g.logger.Info().Str("client", id).Msg("client disconnected")
}

func (g *gateway) close() {
	g.mu.Lock()
	conns := make([]*transport.Connection, 0, len(g.clients))
	for _, c := range g.clients {
		conns = append(conns, c)
	}
	g.clients = make(map[string]*transport.Connection)
	g.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
