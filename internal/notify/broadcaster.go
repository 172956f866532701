// ABOUTME: In-memory fan-out broadcaster for tenant-scoped engine events
// ABOUTME: Publishes ticket, session and message updates on per-tenant channels

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event actions
const (
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Event is one notification pushed to frontend subscribers. Payload carries
// the updated entity; Bucket carries the ticket status so clients can move
// rows between columns without refetching.
type Event struct {
	Action  string `json:"action"`
	Bucket  string `json:"bucket,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// TicketChannel is the per-tenant channel for ticket lifecycle events.
func TicketChannel(tenantID int64) string {
	return fmt.Sprintf("tenant-%d-ticket", tenantID)
}

// SessionChannel is the per-tenant channel for connection status events.
func SessionChannel(tenantID int64) string {
	return fmt.Sprintf("tenant-%d-whatsappSession", tenantID)
}

// MessageChannel is the per-tenant channel for new and updated messages.
func MessageChannel(tenantID int64) string {
	return fmt.Sprintf("tenant-%d-appMessage", tenantID)
}

// Publisher is the write side of event delivery. Both Broadcaster and Mirror
// satisfy it; consumers never care which one they hold.
type Publisher interface {
	Publish(channel string, event Event)
}

// Broadcaster provides in-memory pub/sub for engine events. Subscribers
// register for a channel name and receive events as they are published.
// This enables frontend awareness without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // channel -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given channel name.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan Event)
	}
	b.subscribers[channel][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(channel, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given channel.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(channel string, event Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[channel]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber channel full — drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"channel", channel, "action", event.Action)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}

	b.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, channel)
	}

	b.logger.Debug("broadcaster closed")
}
