package streams

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/log"
	"github.com/rs/zerolog"
)

// ErrCursorEvicted reports that a cursor's next unread message was
// purged from the cache. The consumer must recover from the durable
// queue, or accept the gap and re-acquire a cursor at a live token.
var ErrCursorEvicted = errors.New("stream cursor points below the cache window")

// StreamID names one logical stream inside a queue partition.
type StreamID struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

func (s StreamID) String() string { return s.Namespace + "/" + s.Key }

// SequenceToken orders messages within a stream: the queue sequence
// number plus the event's index within its batch.
type SequenceToken struct {
	Sequence int64 `json:"sequence"`
	Event    int   `json:"event"`
}

// Less orders tokens by (sequence, event).
func (t SequenceToken) Less(o SequenceToken) bool {
	if t.Sequence != o.Sequence {
		return t.Sequence < o.Sequence
	}
	return t.Event < o.Event
}

// Message is one stream event as cached: the payload plus the enqueue
// and dequeue instants the purge predicate works from.
type Message struct {
	Stream   StreamID
	Token    SequenceToken
	Payload  []byte
	Enqueued time.Time
	Dequeued time.Time
}

// StreamPosition reports where a batch landed for one stream, used to
// wake that stream's consumers.
type StreamPosition struct {
	Stream StreamID
	Token  SequenceToken
}

// Config tunes one queue cache.
type Config struct {
	// MaxSize is the message count above which the cache reports
	// pressure and tries to evict.
	MaxSize int
	// MinAge protects fresh messages: a message younger than MinAge is
	// never evicted by size pressure, only by an explicit purge.
	MinAge time.Duration
	// MaxAge is the time-purge predicate: SignalPurge drops messages
	// that have been cached longer.
	MaxAge time.Duration
}

// DefaultConfig returns the cache tuning used when the provider gives
// none.
func DefaultConfig() Config {
	return Config{MaxSize: 4096, MinAge: 30 * time.Second, MaxAge: 10 * time.Minute}
}

type cachedMessage struct {
	msg Message
	seq int64 // cache-order sequence, monotonic per cache
}

// Cache buffers the recent messages of one queue partition. Messages
// are kept in arrival order; eviction always removes the oldest first.
type Cache struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	messages  *list.List // front = oldest, back = newest
	nextSeq   int64
	oldestSeq int64 // cache seq of the front element; seqs below are gone

	// evicted records, per stream, the highest cache seq removed so far.
	// A cursor below oldestSeq faults only when its own stream lost
	// messages; evictions of other streams never concern it.
	evicted map[StreamID]int64
}

// NewCache returns an empty cache.
func NewCache(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	return &Cache{
		cfg:      cfg,
		logger:   log.WithComponent("streamcache"),
		messages: list.New(),
		evicted:  make(map[StreamID]int64),
	}
}

// AddMessages appends a dequeued batch and returns the first cached
// position per stream, in batch order.
func (c *Cache) AddMessages(batch []Message, dequeueTime time.Time) []StreamPosition {
	c.mu.Lock()
	defer c.mu.Unlock()

	var positions []StreamPosition
	seen := make(map[StreamID]bool, len(batch))
	for _, msg := range batch {
		msg.Dequeued = dequeueTime
		c.messages.PushBack(&cachedMessage{msg: msg, seq: c.nextSeq})
		c.nextSeq++
		if !seen[msg.Stream] {
			seen[msg.Stream] = true
			positions = append(positions, StreamPosition{Stream: msg.Stream, Token: msg.Token})
		}
	}
	c.evictLocked(time.Now())
	return positions
}

// SignalPurge drops every message older than MaxAge. Called by the
// pulling agent on its purge timer.
func (c *Cache) SignalPurge() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	purged := 0
	for front := c.messages.Front(); front != nil; front = c.messages.Front() {
		cm := front.Value.(*cachedMessage)
		if c.cfg.MaxAge <= 0 || now.Sub(cm.msg.Dequeued) < c.cfg.MaxAge {
			break
		}
		c.removeFrontLocked(front)
		purged++
	}
	if purged > 0 {
		c.logger.Debug().Int("purged", purged).Int("remaining", c.messages.Len()).Msg("cache purge")
	}
}

// IsUnderPressure reports whether the pulling agent should stop
// draining the queue until consumers catch up.
func (c *Cache) IsUnderPressure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.Len() > c.cfg.MaxSize
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.Len()
}

// evictLocked relieves size pressure chronologically, sparing messages
// younger than MinAge: those are still in their delivery window and
// dropping them would lose data consumers never had a chance to see.
func (c *Cache) evictLocked(now time.Time) {
	for c.messages.Len() > c.cfg.MaxSize {
		front := c.messages.Front()
		cm := front.Value.(*cachedMessage)
		if now.Sub(cm.msg.Dequeued) < c.cfg.MinAge {
			// Nothing old enough to evict: the cache stays over its
			// limit and IsUnderPressure throttles the agent instead.
			return
		}
		c.removeFrontLocked(front)
	}
}

func (c *Cache) removeFrontLocked(front *list.Element) {
	cm := front.Value.(*cachedMessage)
	c.messages.Remove(front)
	c.oldestSeq = cm.seq + 1
	c.evicted[cm.msg.Stream] = cm.seq
}

// GetCursor returns a cursor over one stream's messages, positioned at
// the first cached message with a token after the given one. A zero
// token starts from the oldest cached message of the stream.
func (c *Cache) GetCursor(stream StreamID, token SequenceToken) *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := &Cursor{cache: c, stream: stream, nextSeq: c.oldestSeq}
	zero := SequenceToken{}
	if token == zero {
		return cur
	}
	for e := c.messages.Front(); e != nil; e = e.Next() {
		cm := e.Value.(*cachedMessage)
		if cm.msg.Stream == stream && token.Less(cm.msg.Token) {
			cur.nextSeq = cm.seq
			return cur
		}
	}
	// Nothing after the token is cached yet; resume with whatever
	// arrives next.
	cur.nextSeq = c.nextSeq
	return cur
}

// Cursor walks one stream through the cache. Cursors are not safe for
// concurrent use; each consumer owns its own.
type Cursor struct {
	cache   *Cache
	stream  StreamID
	nextSeq int64
}

// TryGetNext returns the stream's next cached message, or ok=false when
// the consumer has read everything currently cached. ErrCursorEvicted
// means unread messages were purged underneath the cursor.
func (cur *Cursor) TryGetNext() (Message, bool, error) {
	c := cur.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur.nextSeq < c.oldestSeq {
		if last, ok := c.evicted[cur.stream]; ok && last >= cur.nextSeq {
			return Message{}, false, ErrCursorEvicted
		}
		// Everything removed below the window belonged to other streams;
		// this cursor lost nothing and resumes at the surviving front.
		cur.nextSeq = c.oldestSeq
	}
	for e := c.frontAtLocked(cur.nextSeq); e != nil; e = e.Next() {
		cm := e.Value.(*cachedMessage)
		if cm.msg.Stream != cur.stream {
			// Other streams' messages never match later; moving past
			// them keeps their eviction from faulting this cursor.
			cur.nextSeq = cm.seq + 1
			continue
		}
		cur.nextSeq = cm.seq + 1
		return cm.msg, true, nil
	}
	cur.nextSeq = c.nextSeq
	return Message{}, false, nil
}

// frontAtLocked returns the first element with cache seq >= seq.
func (c *Cache) frontAtLocked(seq int64) *list.Element {
	e := c.messages.Front()
	for e != nil && e.Value.(*cachedMessage).seq < seq {
		e = e.Next()
	}
	return e
}
