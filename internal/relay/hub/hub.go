// Package hub fans accepted messages out to every connected session.
//
// A single dispatcher drains one shared FIFO queue, which is what gives the
// relay its global total order: every client observes every broadcast in the
// same relative sequence, the sender included.
package hub

import (
	"context"
	"sync"

	"github.com/karashiiro/mogmog/internal/relay/telemetry"
)

// Message is one relayed chat message.
type Message struct {
	ID                uint64 `json:"id"`
	Content           string `json:"content"`
	AuthorDisplayName string `json:"author"`
	AuthorAccountID   uint64 `json:"author_account_id,omitempty"`
	AvatarURL         string `json:"avatar_url,omitempty"`
	WorldID           int    `json:"world_id"`
	WorldName         string `json:"world_name"`
	Flags             uint32 `json:"flags,omitempty"`
}

// Subscriber receives broadcast deliveries.
type Subscriber interface {
	// Deliver offers a message without blocking. Returning false means the
	// subscriber's outbound buffer overflowed and it must be dropped so one
	// stalled client never holds up the broadcast.
	Deliver(Message) bool
	// CloseSlow tears the subscriber down after an overflow.
	CloseSlow()
}

// Roster supplies the current subscriber set for each dispatch.
type Roster interface {
	Subscribers() []Subscriber
}

// Hub is the single ordered broadcast queue shared by all sessions.
type Hub struct {
	roster Roster

	mu     sync.Mutex
	queue  []Message
	nextID uint64

	// signal wakes the dispatcher when the queue transitions from empty.
	signal chan struct{}
}

// New creates a hub over the given roster.
func New(roster Roster) *Hub {
	return &Hub{
		roster: roster,
		signal: make(chan struct{}, 1),
	}
}

// Publish enqueues a message for broadcast. It never blocks; ordering is
// fixed at enqueue time.
func (h *Hub) Publish(msg Message) uint64 {
	h.mu.Lock()
	h.nextID++
	msg.ID = h.nextID
	h.queue = append(h.queue, msg)
	h.mu.Unlock()

	telemetry.Inc(telemetry.MessagesPublished)
	select {
	case h.signal <- struct{}{}:
	default:
	}
	return msg.ID
}

// Pending returns the number of queued, undispatched messages.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Run drives the dispatcher until the context ends. It must be called
// exactly once; the single goroutine is what serializes the broadcast order.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.signal:
			h.drain()
		}
	}
}

func (h *Hub) drain() {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		msg := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.dispatch(msg)
	}
}

// dispatch delivers one message to every current subscriber. A full outbound
// buffer drops that subscriber, not the message for everyone else.
func (h *Hub) dispatch(msg Message) {
	for _, subscriber := range h.roster.Subscribers() {
		if subscriber.Deliver(msg) {
			telemetry.Inc(telemetry.MessagesDelivered)
			continue
		}
		telemetry.Inc(telemetry.SlowSessionsDropped)
		subscriber.CloseSlow()
	}
}
