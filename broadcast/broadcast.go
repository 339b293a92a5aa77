// broadcast.go implements the in-process event hub between the agent's
// pipelines and downstream readers. Producers publish typed events,
// subscribers receive them on buffered channels with non-blocking fan-out,
// and a bounded replay ring seeds late subscribers with recent history. A
// slow subscriber loses events rather than stalling a pipeline.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bobbyswhip/x402c/metrics"
)

// Hub errors.
var (
	ErrHubClosed      = errors.New("broadcast: hub is closed")
	ErrTooManySubs    = errors.New("broadcast: subscriber limit reached")
	ErrBadReplayLimit = errors.New("broadcast: replay limit must be positive")
)

// EventType names one kind of operator-visible event.
type EventType string

const (
	TypeRequestCreated   EventType = "request_created"
	TypeRequestRouting   EventType = "request_routing"
	TypeRequestTimeout   EventType = "request_timeout"
	TypeRequestFulfilled EventType = "request_fulfilled"
	TypeRequestCancelled EventType = "request_cancelled"

	TypeKeepAliveFulfilled             EventType = "keepalive_fulfilled"
	TypeKeepAliveSkipped               EventType = "keepalive_skipped"
	TypeKeepAliveSubscriptionCreated   EventType = "keepalive_subscription_created"
	TypeKeepAliveSubscriptionCancelled EventType = "keepalive_subscription_cancelled"

	TypeAppState      EventType = "app_state"
	TypePricingUpdate EventType = "pricing_update"
)

// Event is one message through the hub. RequestID and EndpointID are zero
// for events that concern no particular request. Data carries the
// type-specific payload.
type Event struct {
	Type       EventType      `json:"type"`
	RequestID  common.Hash    `json:"requestId"`
	EndpointID common.Hash    `json:"endpointId"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Subscriber receives matching events on Ch until Cancel is called or the
// hub closes. Ch is closed in both cases.
type Subscriber struct {
	ID    uint64
	Ch    <-chan Event
	types map[EventType]bool
	ch    chan Event
	hub   *Hub
}

// Cancel removes the subscriber from the hub and closes its channel.
func (s *Subscriber) Cancel() { s.hub.unsubscribe(s.ID) }

func (s *Subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Config tunes the hub.
type Config struct {
	MaxSubscribers   int // 0 for 64
	SubscriberBuffer int // per-subscriber channel depth, 0 for 256
	ReplayDepth      int // retained events for late subscribers, 0 for 512
}

// Hub fans events out to subscribers. Safe for concurrent use.
type Hub struct {
	cfg Config

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	replay []Event // append-only ring, oldest first
	nextID uint64
	closed bool
}

// NewHub creates a hub with cfg, filling zero fields with defaults.
func NewHub(cfg Config) *Hub {
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = 64
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.ReplayDepth <= 0 {
		cfg.ReplayDepth = 512
	}
	return &Hub{
		cfg:    cfg,
		subs:   make(map[uint64]*Subscriber),
		replay: make([]Event, 0, cfg.ReplayDepth),
	}
}

// Subscribe registers a reader for the given event types. No types means
// every type.
func (h *Hub) Subscribe(types ...EventType) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if len(h.subs) >= h.cfg.MaxSubscribers {
		return nil, ErrTooManySubs
	}

	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	h.nextID++
	ch := make(chan Event, h.cfg.SubscriberBuffer)
	sub := &Subscriber{ID: h.nextID, Ch: ch, ch: ch, types: filter, hub: h}
	h.subs[sub.ID] = sub
	metrics.BroadcastSubscribers.Set(int64(len(h.subs)))
	return sub, nil
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(h.subs, id)
	metrics.BroadcastSubscribers.Set(int64(len(h.subs)))
}

// Publish delivers ev to every matching subscriber without blocking and
// records it for replay. A full subscriber buffer drops the event for
// that subscriber only. Timestamp is stamped when zero.
func (h *Hub) Publish(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}

	if len(h.replay) >= h.cfg.ReplayDepth {
		copy(h.replay, h.replay[1:])
		h.replay = h.replay[:len(h.replay)-1]
	}
	h.replay = append(h.replay, ev)
	metrics.BroadcastEvents.Inc()

	for _, sub := range h.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.BroadcastDropped.Inc()
		}
	}
	return nil
}

// Replay returns up to limit retained events in chronological order,
// optionally filtered by type. No types means every type.
func (h *Hub) Replay(limit int, types ...EventType) ([]Event, error) {
	if limit <= 0 {
		return nil, ErrBadReplayLimit
	}
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var picked []Event
	for i := len(h.replay) - 1; i >= 0 && len(picked) < limit; i-- {
		ev := h.replay[i]
		if len(filter) == 0 || filter[ev.Type] {
			picked = append(picked, ev)
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked, nil
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close shuts the hub down and closes every subscriber channel. Publish
// and Subscribe fail afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	metrics.BroadcastSubscribers.Set(0)
}
