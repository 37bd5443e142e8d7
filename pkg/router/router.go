package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/granary-io/granary/pkg/config"
	"github.com/granary-io/granary/pkg/log"
	"github.com/granary-io/granary/pkg/metrics"
	"github.com/granary-io/granary/pkg/types"
	"github.com/rs/zerolog"
)

// Transport moves addressed messages between nodes. Implemented by the
// silo over its connection manager and gateway.
type Transport interface {
	SendToSilo(ctx context.Context, target types.SiloAddress, msg *types.Message) error
	SendToClient(clientID string, msg *types.Message) error
}

// Locator resolves grains to activations and keeps the route cache
// coherent. Implemented by *directory.Directory.
type Locator interface {
	Lookup(ctx context.Context, grain types.GrainID) (types.ActivationAddress, bool, error)
	InvalidateCache(addr types.ActivationAddress)
	ProcessInvalidations(stale []types.ActivationAddress)
}

// Placer picks a silo for a grain with no current activation.
type Placer interface {
	Place(grain types.GrainID) (types.SiloAddress, error)
}

// LocalFunc delivers a message addressed to this silo. A non-zero
// forward address means the activation lives elsewhere (lost
// registration race) and the router forwards there instead.
type LocalFunc func(msg *types.Message) (forward types.ActivationAddress, err error)

// Router is one silo's message plane.
type Router struct {
	cfg       config.RouterConfig
	self      types.SiloAddress
	locator   Locator
	placer    Placer
	transport Transport
	local     LocalFunc
	logger    zerolog.Logger

	corr      atomic.Uint64
	callbacks *callbackTable

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a router. Start launches the timeout sweeper.
func New(cfg config.RouterConfig, self types.SiloAddress, locator Locator, placer Placer, transport Transport, local LocalFunc) *Router {
	return &Router{
		cfg:       cfg,
		self:      self,
		locator:   locator,
		placer:    placer,
		transport: transport,
		local:     local,
		logger:    log.WithComponent("router"),
		callbacks: newCallbackTable(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the timeout sweeper.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweeper and times out every outstanding request.
func (r *Router) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	for _, cb := range r.callbacks.expired(time.Now().Add(365 * 24 * time.Hour)) {
		cb.done(nil, fmt.Errorf("silo shutting down: %w", types.ErrTimeout))
	}
}

// NextCorrelation returns a fresh silo-unique correlation id.
func (r *Router) NextCorrelation() types.CorrelationID {
	return types.CorrelationID(r.corr.Add(1))
}

// SendRequest registers a callback for msg and routes it. done is
// invoked exactly once: with the response, with an application error,
// or with a runtime failure such as a timeout.
func (r *Router) SendRequest(ctx context.Context, msg *types.Message, done Completion) {
	msg.Direction = types.DirectionRequest
	r.prepare(msg)

	cb := &callback{msg: msg, done: done, expires: msg.Expiry, started: time.Now()}
	r.callbacks.insert(cb)

	metrics.MessagesSent.WithLabelValues(msg.Direction.String()).Inc()
	r.route(ctx, msg.Clone())
}

// Forward routes a request whose correlation is owned elsewhere: a
// gateway client keeps its own correlation id and matches the response
// itself, so no callback is registered. The response finds its way back
// through the client request context.
func (r *Router) Forward(ctx context.Context, msg *types.Message) {
	r.prepare(msg)
	metrics.MessagesSent.WithLabelValues(msg.Direction.String()).Inc()
	r.route(ctx, msg)
}

// SendOneWay routes msg without tracking a response.
func (r *Router) SendOneWay(ctx context.Context, msg *types.Message) {
	msg.Direction = types.DirectionOneWay
	r.prepare(msg)
	metrics.MessagesSent.WithLabelValues(msg.Direction.String()).Inc()
	r.route(ctx, msg)
}

// SendResponse answers a request. Stale addresses this silo knows about
// ride along in the cache-invalidation header.
func (r *Router) SendResponse(req *types.Message, resp *types.Response, stale []types.ActivationAddress) {
	body, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode response")
		return
	}
	out := &types.Message{
		ID:                req.ID,
		Direction:         types.DirectionResponse,
		SendingGrain:      req.TargetGrain,
		TargetGrain:       req.SendingGrain,
		SendingSilo:       r.self,
		TargetSilo:        req.SendingSilo,
		Expiry:            req.Expiry,
		CacheInvalidation: stale,
		RequestContext:    req.RequestContext,
		Body:              body,
	}
	metrics.MessagesSent.WithLabelValues(out.Direction.String()).Inc()
	r.deliverResponse(out)
}

// Reject answers a request with a rejection of the given kind.
// Unrecoverable rejections invalidate the target address the request
// was routed with.
func (r *Router) Reject(req *types.Message, kind types.RejectionKind, info string) {
	out := &types.Message{
		ID:             req.ID,
		Direction:      types.DirectionResponse,
		SendingGrain:   req.TargetGrain,
		TargetGrain:    req.SendingGrain,
		SendingSilo:    r.self,
		TargetSilo:     req.SendingSilo,
		Expiry:         req.Expiry,
		RequestContext: req.RequestContext,
		Rejection:      kind,
		RejectionInfo:  info,
	}
	if kind == types.RejectionUnrecoverable && !req.TargetAddress().IsZero() {
		out.CacheInvalidation = []types.ActivationAddress{req.TargetAddress()}
	}
	metrics.MessagesRejected.WithLabelValues(kind.String()).Inc()
	r.deliverResponse(out)
}

// Receive is the entry point for messages arriving from the transport.
func (r *Router) Receive(msg *types.Message) {
	r.locator.ProcessInvalidations(msg.CacheInvalidation)

	if msg.IsExpired(time.Now()) {
		metrics.MessagesExpired.Inc()
		// Expired requests die here; the caller's sweeper surfaces the
		// timeout. One-ways drop silently.
		return
	}

	switch msg.Direction {
	case types.DirectionResponse:
		r.onResponse(msg)
	case types.DirectionRequest, types.DirectionOneWay:
		r.deliverLocal(context.Background(), msg)
	}
}

// Retry re-addresses a message through the directory after its previous
// route failed. The retry counter is never reset, also not when the
// retry came from a cache invalidation.
func (r *Router) Retry(msg *types.Message) {
	msg.RetryCount++
	if msg.RetryCount > r.cfg.MaxRetries {
		r.Fail(msg, fmt.Errorf("retries exhausted after %d attempts: %w", msg.RetryCount-1, types.ErrTimeout))
		return
	}
	msg.TargetSilo = types.SiloAddress{}
	msg.TargetAct = ""
	r.route(context.Background(), msg)
}

// Fail surfaces a terminal failure for a request to its caller.
func (r *Router) Fail(msg *types.Message, cause error) {
	if msg.Direction != types.DirectionRequest {
		return
	}
	if msg.SendingSilo.Equal(r.self) || msg.SendingSilo.IsZero() {
		if cb := r.callbacks.remove(msg.SendingGrain, msg.ID); cb != nil {
			cb.done(nil, cause)
			return
		}
		if msg.RequestContext[types.ContextClient] == "" {
			return
		}
		// Forwarded client request: the rejection travels back to the
		// client, which owns the retry decision.
	}
	kind := types.RejectionTransient
	if errors.Is(cause, types.ErrStaleActivation) {
		kind = types.RejectionUnrecoverable
	} else if errors.Is(cause, types.ErrGatewayTooBusy) {
		kind = types.RejectionGatewayTooBusy
	}
	r.Reject(msg, kind, cause.Error())
}

// OnSiloDead times out every request in flight to a silo that left the
// cluster, so callers retry through the directory instead of waiting
// out the full response timeout.
func (r *Router) OnSiloDead(silo types.SiloAddress) {
	for _, cb := range r.callbacks.forSilo(silo) {
		r.locator.InvalidateCache(cb.msg.TargetAddress())
		cb.done(nil, fmt.Errorf("silo %s died: %w", silo, types.ErrSiloUnavailable))
	}
}

// Pending returns the number of outstanding requests.
func (r *Router) Pending() int { return r.callbacks.size() }

// prepare stamps the id, sender, and expiry on an outbound message.
func (r *Router) prepare(msg *types.Message) {
	if msg.ID == 0 {
		msg.ID = r.NextCorrelation()
	}
	if msg.SendingSilo.IsZero() {
		msg.SendingSilo = r.self
	}
	if msg.Expiry.IsZero() {
		timeout := r.cfg.ResponseTimeout
		if msg.TargetGrain.IsSystem() {
			timeout = r.cfg.SystemResponseTimeout
		}
		msg.Expiry = time.Now().Add(timeout)
	}
	if msg.RequestContext == nil {
		msg.RequestContext = map[string]string{}
	}
	if _, ok := msg.RequestContext[types.ContextCallChain]; !ok {
		msg.RequestContext[types.ContextCallChain] = fmt.Sprintf("%s:%d", r.self, msg.ID)
	}
}

// route resolves the target silo if needed and moves the message one
// hop: to the local dispatcher or onto the wire.
func (r *Router) route(ctx context.Context, msg *types.Message) {
	if msg.IsExpired(time.Now()) {
		metrics.MessagesExpired.Inc()
		return
	}
	if msg.TargetSilo.IsZero() {
		addr, found, err := r.locator.Lookup(ctx, msg.TargetGrain)
		if err != nil {
			r.Fail(msg, err)
			return
		}
		if found {
			msg.TargetSilo = addr.Silo
			msg.TargetAct = addr.Activation
		} else {
			silo, err := r.placer.Place(msg.TargetGrain)
			if err != nil {
				r.Fail(msg, err)
				return
			}
			msg.TargetSilo = silo
		}
	}
	if msg.Direction == types.DirectionRequest && msg.SendingSilo.Equal(r.self) {
		r.callbacks.addressed(msg.SendingGrain, msg.ID, msg.TargetSilo, msg.TargetAct)
	}
	if msg.TargetSilo.Equal(r.self) {
		r.deliverLocal(ctx, msg)
		return
	}
	if err := r.transport.SendToSilo(ctx, msg.TargetSilo, msg); err != nil {
		r.logger.Debug().Str("target", msg.TargetSilo.String()).Err(err).Msg("send failed")
		r.locator.InvalidateCache(msg.TargetAddress())
		if msg.Direction == types.DirectionRequest && msg.SendingSilo.Equal(r.self) {
			r.Retry(msg)
		}
	}
}

// deliverLocal hands a message to the hosting activation on this silo.
func (r *Router) deliverLocal(ctx context.Context, msg *types.Message) {
	forward, err := r.local(msg)
	if err != nil {
		if msg.Direction == types.DirectionOneWay {
			return
		}
		// Local callers take the same rejection path as remote ones, so
		// transient failures retry instead of surfacing immediately.
		r.rejectFor(msg, err)
		return
	}
	if !forward.IsZero() {
		msg.TargetSilo = forward.Silo
		msg.TargetAct = forward.Activation
		r.route(ctx, msg)
	}
}

// rejectFor maps a local delivery error onto the rejection taxonomy.
func (r *Router) rejectFor(req *types.Message, err error) {
	switch {
	case errors.Is(err, types.ErrStaleActivation):
		r.Reject(req, types.RejectionUnrecoverable, err.Error())
	case errors.Is(err, types.ErrGatewayTooBusy), errors.Is(err, types.ErrOverloaded):
		r.Reject(req, types.RejectionGatewayTooBusy, err.Error())
	case types.IsTransient(err):
		r.Reject(req, types.RejectionTransient, err.Error())
	default:
		// Not a routing problem: surface it as an application-level
		// failure.
		r.SendResponse(req, &types.Response{AppError: err.Error()}, nil)
	}
}

// deliverResponse routes a response to the requesting node: back to a
// gateway client, in-process, or over the wire.
func (r *Router) deliverResponse(msg *types.Message) {
	if clientID := msg.RequestContext[types.ContextClient]; clientID != "" {
		if err := r.transport.SendToClient(clientID, msg); err == nil {
			return
		}
		// The client is connected to another silo's gateway; relay the
		// response there and let that router hand it to the client.
		if !msg.TargetSilo.IsZero() && !msg.TargetSilo.Equal(r.self) {
			if err := r.transport.SendToSilo(context.Background(), msg.TargetSilo, msg); err != nil {
				r.logger.Debug().Str("client", clientID).Err(err).Msg("response relay failed")
			}
			return
		}
		r.logger.Debug().Str("client", clientID).Msg("response for disconnected client dropped")
		return
	}
	if msg.TargetSilo.Equal(r.self) || msg.TargetSilo.IsZero() {
		// In-process response: through Receive so the invalidation
		// header is applied the same way as off the wire.
		r.Receive(msg)
		return
	}
	if err := r.transport.SendToSilo(context.Background(), msg.TargetSilo, msg); err != nil {
		r.logger.Debug().Str("target", msg.TargetSilo.String()).Err(err).Msg("response send failed")
	}
}

// onResponse matches a response to its callback and delivers the
// terminal event.
func (r *Router) onResponse(msg *types.Message) {
	switch msg.Rejection {
	case types.RejectionNone:
	case types.RejectionCacheInvalidation:
		// Side effect only; the invalidation header was applied in
		// Receive and the request stays pending.
		return
	case types.RejectionDuplicateRequest:
		return
	default:
		r.onRejection(msg)
		return
	}

	cb := r.callbacks.remove(msg.TargetGrain, msg.ID)
	if cb == nil {
		// A relayed client response lands here on the gateway silo: no
		// local callback, the client owns the correlation.
		if clientID := msg.RequestContext[types.ContextClient]; clientID != "" {
			if err := r.transport.SendToClient(clientID, msg); err != nil {
				r.logger.Debug().Str("client", clientID).Err(err).Msg("relayed response undeliverable")
			}
			return
		}
		r.logger.Debug().Uint64("correlation", uint64(msg.ID)).Msg("response for unknown callback")
		return
	}
	metrics.RequestDuration.WithLabelValues(cb.msg.TargetGrain.Type).Observe(time.Since(cb.started).Seconds())

	var resp types.Response
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &resp); err != nil {
			cb.done(nil, fmt.Errorf("failed to decode response: %w", err))
			return
		}
	}
	if resp.AppError != "" {
		cb.done(&resp, types.NewAppError("%s", resp.AppError))
		return
	}
	cb.done(&resp, nil)
}

// onRejection handles a retryable rejection of a pending request: the
// stale route is invalidated and the original message re-addressed
// through the directory.
func (r *Router) onRejection(msg *types.Message) {
	metrics.MessagesRejected.WithLabelValues(msg.Rejection.String()).Inc()
	cb := r.callbacks.get(msg.TargetGrain, msg.ID)
	if cb == nil {
		return
	}
	if !msg.Rejection.Retryable() {
		if cb = r.callbacks.remove(msg.TargetGrain, msg.ID); cb != nil {
			cb.done(nil, fmt.Errorf("request rejected (%s): %s: %w",
				msg.Rejection, msg.RejectionInfo, types.ErrUnsupportedRequest))
		}
		return
	}

	cb.msg.RetryCount++
	if cb.msg.RetryCount > r.cfg.MaxRetries {
		if cb = r.callbacks.remove(msg.TargetGrain, msg.ID); cb != nil {
			cb.done(nil, fmt.Errorf("rejected %d times, last: %s: %w",
				cb.msg.RetryCount-1, msg.RejectionInfo, types.ErrTimeout))
		}
		return
	}
	retry := cb.msg.Clone()
	retry.TargetSilo = types.SiloAddress{}
	retry.TargetAct = ""

	delay := time.Duration(0)
	if msg.Rejection == types.RejectionGatewayTooBusy {
		delay = r.cfg.RetryBackoff << uint(retry.RetryCount-1)
	}
	if delay <= 0 {
		r.route(context.Background(), retry)
		return
	}
	timer := time.AfterFunc(delay, func() { r.route(context.Background(), retry) })
	go func() {
		<-r.stopCh
		timer.Stop()
	}()
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()
	period := r.cfg.ResponseTimeout
	if period > time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, cb := range r.callbacks.expired(time.Now()) {
				metrics.MessagesExpired.Inc()
				cb.done(nil, fmt.Errorf("no response from %s within %s: %w",
					cb.msg.TargetGrain, time.Since(cb.started).Truncate(time.Millisecond), types.ErrTimeout))
			}
		case <-r.stopCh:
			return
		}
	}
}
