package catalog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/strand-io/strand/internal/codec"
	"github.com/strand-io/strand/internal/serrors"
)

// ExpectedKind enumerates the optimistic-concurrency precondition kinds
type ExpectedKind int

const (
	ExpectedAny ExpectedKind = iota
	ExpectedNoStream
	ExpectedStreamExists
	ExpectedRevisionExact
)

// ExpectedRevision is the precondition an append or delete must satisfy
type ExpectedRevision struct {
	Kind     ExpectedKind
	Revision uint64
}

// Any passes unless the stream is deleted
func Any() ExpectedRevision { return ExpectedRevision{Kind: ExpectedAny} }

// NoStream passes only when the stream does not exist
func NoStream() ExpectedRevision { return ExpectedRevision{Kind: ExpectedNoStream} }

// StreamExists passes only when the stream exists and is not deleted
func StreamExists() ExpectedRevision { return ExpectedRevision{Kind: ExpectedStreamExists} }

// Revision passes only when the stream's current revision equals r
func Revision(r uint64) ExpectedRevision {
	return ExpectedRevision{Kind: ExpectedRevisionExact, Revision: r}
}

func (e ExpectedRevision) String() string {
	switch e.Kind {
	case ExpectedAny:
		return "any"
	case ExpectedNoStream:
		return "no-stream"
	case ExpectedStreamExists:
		return "stream-exists"
	default:
		return fmt.Sprintf("%d", e.Revision)
	}
}

// StreamState is the observable per-stream catalog state
type StreamState struct {
	Exists          bool
	CurrentRevision uint64
	Deleted         bool
	DeletedAt       uint64
}

type streamEntry struct {
	state StreamState
	subs  []*Subscriber
}

// Catalog maintains per-stream revision state, tombstones, and the
// subscription fan-out registry. It is rebuilt from the chunk log on
// startup; the log remains the source of truth.
type Catalog struct {
	mu      sync.RWMutex
	streams map[string]*streamEntry
	nextSub uint64
	logger  *zap.Logger
}

// New creates an empty catalog
func New(logger *zap.Logger) *Catalog {
	return &Catalog{
		streams: make(map[string]*streamEntry),
		logger:  logger,
	}
}

func (c *Catalog) entry(stream string) *streamEntry {
	e, ok := c.streams[stream]
	if !ok {
		e = &streamEntry{}
		c.streams[stream] = e
	}
	return e
}

// State returns the current state of a stream
func (c *Catalog) State(stream string) StreamState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.streams[stream]; ok {
		return e.state
	}
	return StreamState{}
}

func renderCurrent(s StreamState) string {
	if !s.Exists {
		return "none"
	}
	return fmt.Sprintf("%d", s.CurrentRevision)
}

// CheckExpected validates the precondition and returns the revision the
// next event would take. Failures leave no state change behind.
func (c *Catalog) CheckExpected(stream string, expected ExpectedRevision) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var state StreamState
	if e, ok := c.streams[stream]; ok {
		state = e.state
	}

	if state.Deleted {
		return 0, serrors.StreamDeleted(stream)
	}

	next := uint64(0)
	if state.Exists {
		next = state.CurrentRevision + 1
	}

	switch expected.Kind {
	case ExpectedAny:
		return next, nil
	case ExpectedNoStream:
		if state.Exists {
			return 0, serrors.WrongExpectedRevision(stream, renderCurrent(state), expected.String())
		}
		return next, nil
	case ExpectedStreamExists:
		if !state.Exists {
			return 0, serrors.WrongExpectedRevision(stream, renderCurrent(state), expected.String())
		}
		return next, nil
	default:
		if !state.Exists || state.CurrentRevision != expected.Revision {
			return 0, serrors.WrongExpectedRevision(stream, renderCurrent(state), expected.String())
		}
		return next, nil
	}
}

// Advance moves the stream's current revision forward. Non-monotonic
// updates are rejected.
func (c *Catalog) Advance(stream string, newRevision uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(stream)
	if e.state.Exists && newRevision <= e.state.CurrentRevision {
		return fmt.Errorf("stream %q: non-monotonic revision %d (current %d)",
			stream, newRevision, e.state.CurrentRevision)
	}
	e.state.Exists = true
	e.state.CurrentRevision = newRevision
	return nil
}

// Tombstone marks the stream as deleted at the given revision
func (c *Catalog) Tombstone(stream string, revision uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(stream)
	if !e.state.Exists || revision > e.state.CurrentRevision {
		e.state.CurrentRevision = revision
	}
	e.state.Exists = true
	e.state.Deleted = true
	e.state.DeletedAt = revision
}

// Subscriber is a registered consumer of one stream's live events. Its
// channel is closed when the subscription is dropped or unsubscribed.
type Subscriber struct {
	ID     uint64
	Stream string
	C      chan *codec.RecordedEvent

	dropped   atomic.Bool
	closeOnce sync.Once
}

// Dropped reports whether the server dropped this subscriber for falling
// behind
func (s *Subscriber) Dropped() bool {
	return s.dropped.Load()
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.C) })
}

// Subscribe registers a subscriber with a bounded delivery buffer.
// Callers serialize registration against appends to the same stream.
func (c *Catalog) Subscribe(stream string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	sub := &Subscriber{
		ID:     c.nextSub,
		Stream: stream,
		C:      make(chan *codec.RecordedEvent, buffer),
	}
	e := c.entry(stream)
	e.subs = append(e.subs, sub)
	return sub
}

// Unsubscribe removes the subscriber; it is gone before the next fan-out
func (c *Catalog) Unsubscribe(sub *Subscriber) {
	c.mu.Lock()
	e, ok := c.streams[sub.Stream]
	if ok {
		for i, s := range e.subs {
			if s == sub {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	sub.close()
}

// Publish fans events out to the stream's subscribers. Delivery never
// blocks the writer: a subscriber whose buffer is full is dropped and
// its channel closed.
func (c *Catalog) Publish(stream string, events []*codec.RecordedEvent) {
	// Sends are non-blocking and stay under the lock so they cannot race
	// a concurrent Unsubscribe closing the channel
	c.mu.Lock()
	e, ok := c.streams[stream]
	if !ok || len(e.subs) == 0 {
		c.mu.Unlock()
		return
	}

	var kept, dropped []*Subscriber
	for _, sub := range e.subs {
		delivered := true
		for _, ev := range events {
			select {
			case sub.C <- ev:
			default:
				delivered = false
			}
			if !delivered {
				break
			}
		}
		if delivered {
			kept = append(kept, sub)
		} else {
			sub.dropped.Store(true)
			dropped = append(dropped, sub)
		}
	}
	e.subs = kept
	c.mu.Unlock()

	for _, sub := range dropped {
		c.logger.Warn("Dropping slow subscriber",
			zap.String("stream", stream),
			zap.Uint64("subscriber_id", sub.ID))
		sub.close()
	}
}

// SubscriberCount returns the number of live subscribers for a stream
func (c *Catalog) SubscriberCount(stream string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.streams[stream]; ok {
		return len(e.subs)
	}
	return 0
}

// StreamCount returns the number of known streams
func (c *Catalog) StreamCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams)
}
