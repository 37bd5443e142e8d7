package types

import (
	"time"
)

// Direction classifies a message on the wire.
type Direction uint8

const (
	DirectionRequest Direction = iota + 1
	DirectionResponse
	DirectionOneWay
)

func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "request"
	case DirectionResponse:
		return "response"
	case DirectionOneWay:
		return "one-way"
	default:
		return "unknown"
	}
}

// RejectionKind classifies a rejection response. The kind decides the
// caller's recovery: retry, retry after invalidation, back off, or give
// up.
type RejectionKind uint8

const (
	RejectionNone RejectionKind = iota
	// RejectionTransient: retry through the directory.
	RejectionTransient
	// RejectionUnrecoverable: the cached route was wrong; invalidate and
	// retry.
	RejectionUnrecoverable
	// RejectionGatewayTooBusy: retry after a backoff.
	RejectionGatewayTooBusy
	// RejectionCacheInvalidation: side effect only, never completes the
	// caller's request.
	RejectionCacheInvalidation
	// RejectionDuplicateRequest: the request was already processed;
	// ignored.
	RejectionDuplicateRequest
)

func (k RejectionKind) String() string {
	switch k {
	case RejectionTransient:
		return "transient"
	case RejectionUnrecoverable:
		return "unrecoverable"
	case RejectionGatewayTooBusy:
		return "gateway-too-busy"
	case RejectionCacheInvalidation:
		return "cache-invalidation"
	case RejectionDuplicateRequest:
		return "duplicate-request"
	default:
		return "none"
	}
}

// Retryable reports whether a rejection of this kind may be resent.
func (k RejectionKind) Retryable() bool {
	switch k {
	case RejectionTransient, RejectionUnrecoverable, RejectionGatewayTooBusy:
		return true
	default:
		return false
	}
}

// CorrelationID matches a response to its request. IDs are unique per
// sending silo.
type CorrelationID uint64

// Message is the unit of communication between activations, silos, and
// clients. The header fields travel in the frame header; Body carries
// the encoded invocation or response payload.
type Message struct {
	ID        CorrelationID `json:"id"`
	Direction Direction     `json:"direction"`

	SendingGrain  GrainID     `json:"sending_grain"`
	TargetGrain   GrainID     `json:"target_grain"`
	SendingSilo   SiloAddress `json:"sending_silo"`
	TargetSilo    SiloAddress `json:"target_silo,omitempty"`
	TargetAct     ActivationID `json:"target_act,omitempty"`

	InterfaceType    string `json:"iface,omitempty"`
	InterfaceVersion uint16 `json:"iface_ver,omitempty"`

	// Expiry is absolute, stamped at send time. Expired requests surface
	// a timeout to the caller; expired one-ways drop silently.
	Expiry     time.Time `json:"expiry"`
	RetryCount int       `json:"retries,omitempty"`

	// CacheInvalidation lists activation addresses the sender knows to
	// be stale; the receiver drops them from its directory cache.
	CacheInvalidation []ActivationAddress `json:"cache_invalidation,omitempty"`

	// RequestContext propagates caller metadata (call-chain root,
	// cancellation, tracing) across hops.
	RequestContext map[string]string `json:"request_context,omitempty"`

	Rejection     RejectionKind `json:"rejection,omitempty"`
	RejectionInfo string        `json:"rejection_info,omitempty"`

	Body []byte `json:"body,omitempty"`
}

// RequestContext key for the root correlation id of a call chain.
// Messages sharing a root may interleave under call-chain reentrancy.
const ContextCallChain = "call-chain"

// RequestContext key naming the gateway client a request entered
// through; responses to it leave through the same gateway.
const ContextClient = "client"

// IsExpired reports whether the message's deadline has passed.
func (m *Message) IsExpired(now time.Time) bool {
	return !m.Expiry.IsZero() && now.After(m.Expiry)
}

// CallChainRoot returns the root correlation id of the message's call
// chain, or the empty string if it has none.
func (m *Message) CallChainRoot() string {
	if m.RequestContext == nil {
		return ""
	}
	return m.RequestContext[ContextCallChain]
}

// ForkContext returns a copy of the request context suitable for a
// downstream call, creating the call-chain root if absent.
func (m *Message) ForkContext(root string) map[string]string {
	ctx := make(map[string]string, len(m.RequestContext)+1)
	for k, v := range m.RequestContext {
		ctx[k] = v
	}
	if _, ok := ctx[ContextCallChain]; !ok {
		ctx[ContextCallChain] = root
	}
	return ctx
}

// Clone returns a copy with its own header slices and context map, so
// a retry can be re-addressed without disturbing the original.
func (m *Message) Clone() *Message {
	c := *m
	c.CacheInvalidation = append([]ActivationAddress(nil), m.CacheInvalidation...)
	if m.RequestContext != nil {
		c.RequestContext = make(map[string]string, len(m.RequestContext))
		for k, v := range m.RequestContext {
			c.RequestContext[k] = v
		}
	}
	return &c
}

// TargetAddress returns the activation address the message is bound to,
// which is zero-valued when the message is still unaddressed.
func (m *Message) TargetAddress() ActivationAddress {
	return ActivationAddress{Grain: m.TargetGrain, Silo: m.TargetSilo, Activation: m.TargetAct}
}

// Invocation is the body of a request message.
type Invocation struct {
	Method string `json:"method"`
	Args   []byte `json:"args,omitempty"`
}

// Response is the body of a response message. AppError carries an
// application-level failure verbatim; runtime failures travel as
// rejections instead.
type Response struct {
	Payload  []byte `json:"payload,omitempty"`
	AppError string `json:"app_error,omitempty"`
}
