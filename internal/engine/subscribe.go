package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/strand-io/strand/internal/catalog"
	"github.com/strand-io/strand/internal/codec"
)

// MessageKind enumerates subscription message variants
type MessageKind int

const (
	// MsgConfirmed acknowledges the subscription
	MsgConfirmed MessageKind = iota
	// MsgEvent carries one appeared event
	MsgEvent
	// MsgCaughtUp marks the switch from historical to live delivery.
	// It is emitted exactly once, when the cursor reaches the commit tail.
	MsgCaughtUp
	// MsgDropped notifies that the server unsubscribed a slow consumer
	MsgDropped
)

// Message is one item delivered to a subscriber
type Message struct {
	Kind  MessageKind
	Event *codec.RecordedEvent
}

// Subscription is a live handle on a stream subscription. Cancel may be
// called at any time; the message channel closes when the subscription
// ends.
type Subscription struct {
	C      <-chan Message
	cancel context.CancelFunc
}

// Cancel terminates the subscription
func (s *Subscription) Cancel() {
	s.cancel()
}

// Subscribe delivers the stream's history from start, emits CaughtUp at
// the commit tail, and then follows live appends in position order with
// no gaps and no reordering.
func (e *Engine) Subscribe(ctx context.Context, stream string, start Start) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Message, e.cfg.SubscriberBuffer)
	go e.runSubscription(ctx, stream, start, out)
	return &Subscription{C: out, cancel: cancel}
}

// lastEventRevision resolves the revision of the stream's last readable
// event; ok is false when the stream has none
func lastEventRevision(e *Engine, stream string) (uint64, bool) {
	state := e.cat.State(stream)
	if !state.Exists {
		return 0, false
	}
	if state.Deleted {
		if state.DeletedAt == 0 {
			return 0, false
		}
		return state.DeletedAt - 1, true
	}
	return state.CurrentRevision, true
}

func (e *Engine) runSubscription(ctx context.Context, stream string, start Start, out chan<- Message) {
	defer close(out)

	send := func(m Message) bool {
		select {
		case out <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(Message{Kind: MsgConfirmed}) {
		return
	}
	if e.metrics != nil {
		e.metrics.SubscriptionsActive.Inc()
		defer e.metrics.SubscriptionsActive.Dec()
	}

	var cursor uint64
	switch start.Kind {
	case StartBeginning:
		cursor = 0
	case StartRevision:
		cursor = start.Revision
	case StartEnd:
		if tail, ok := lastEventRevision(e, stream); ok {
			cursor = tail + 1
		}
	}

	// Catch up on history, then register for live delivery under the
	// stream write lock so no append can slip between the tail check and
	// the registration.
	var sub = func() *catalog.Subscriber {
		for {
			if ctx.Err() != nil {
				return nil
			}
			tail, ok := lastEventRevision(e, stream)
			if !ok || cursor > tail {
				mu := e.streamLock(stream)
				mu.Lock()
				tail2, ok2 := lastEventRevision(e, stream)
				if ok2 && cursor <= tail2 {
					mu.Unlock()
					continue
				}
				s := e.cat.Subscribe(stream, e.cfg.SubscriberBuffer)
				mu.Unlock()
				return s
			}

			err := e.Read(ctx, stream, Forwards, From(cursor), tail-cursor+1, func(ev *codec.RecordedEvent) error {
				if !send(Message{Kind: MsgEvent, Event: ev}) {
					return context.Canceled
				}
				cursor = ev.Revision + 1
				return nil
			})
			if err != nil {
				e.logger.Warn("Subscription catch-up read failed",
					zap.String("stream", stream), zap.Error(err))
				return nil
			}
			cursor = tail + 1
		}
	}()
	if sub == nil {
		return
	}
	defer e.cat.Unsubscribe(sub)

	if !send(Message{Kind: MsgCaughtUp}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					send(Message{Kind: MsgDropped})
				}
				return
			}
			if ev.Revision < cursor {
				continue
			}
			cursor = ev.Revision + 1
			if !send(Message{Kind: MsgEvent, Event: ev}) {
				return
			}
		}
	}
}
