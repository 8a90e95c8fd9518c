package node

import (
	channels "gopkg.in/eapache/channels.v1"

	"github.com/doublegate/wraith-core/session"
	"github.com/doublegate/wraith-core/transfer"
)

// EventKind enumerates the §6 event types a subscriber receives.
type EventKind uint8

const (
	EventSessionOpened EventKind = iota
	EventSessionClosed
	EventTransferStarted
	EventTransferProgress
	EventTransferCompleted
	EventTransferFailed
)

// Event is a single control-plane notification (§6: "Events include
// SessionOpened/Closed, TransferStarted/Progress/Completed/Failed").
type Event struct {
	Kind       EventKind
	PeerID     transfer.PeerID
	TransferID transfer.TransferID
	Progress   float64 // fraction in [0,1], meaningful only for EventTransferProgress
	Err        error   // set for EventSessionClosed/EventTransferFailed
}

// EventBus fans out Events to every subscriber, using an unbounded
// channel per subscriber (gopkg.in/eapache/channels.v1's
// InfiniteChannel) so a slow consumer never blocks the node's hot
// paths — the same reasoning client2/connection.go applies to its own
// internal event plumbing, generalized here to an explicit pub/sub
// surface for subscribe_events.
type EventBus struct {
	subs []channels.Channel
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a new listener and returns the channel it will
// receive Events on.
func (b *EventBus) Subscribe() <-chan interface{} {
	ch := channels.NewInfiniteChannel()
	b.subs = append(b.subs, ch)
	return ch.Out()
}

// Publish fans ev out to every current subscriber.
func (b *EventBus) Publish(ev Event) {
	for _, ch := range b.subs {
		ch.In() <- ev
	}
}

// sessionClosedNotifier adapts a Transfer's backref interface
// (session.TransferBackref) to publish an EventSessionClosed when its
// session tears down.
type sessionClosedNotifier struct {
	bus    *EventBus
	peer   transfer.PeerID
	onDone func()
}

func (n *sessionClosedNotifier) OnSessionClosed(reason error) {
	n.bus.Publish(Event{Kind: EventSessionClosed, PeerID: n.peer, Err: reason})
	if n.onDone != nil {
		n.onDone()
	}
}

var _ session.TransferBackref = (*sessionClosedNotifier)(nil)
