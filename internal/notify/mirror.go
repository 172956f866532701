// ABOUTME: Redis pub/sub mirror so events reach subscribers on other nodes
// ABOUTME: Wraps the in-memory broadcaster and relays remote events into it

package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// mirrorTopic is the single Redis pub/sub topic carrying all engine events.
const mirrorTopic = "routeflow:events"

// Mirror publishes every event to Redis pub/sub in addition to the local
// broadcaster, and feeds events published by other nodes back into it.
// With a single node the plain Broadcaster is enough.
type Mirror struct {
	local  *Broadcaster
	client *redis.Client
	nodeID string
	logger *slog.Logger
	cancel context.CancelFunc
}

type mirrorFrame struct {
	Origin  string `json:"origin"`
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
}

// NewMirror wraps the local broadcaster with a Redis relay. The relay
// goroutine runs until Close is called.
func NewMirror(local *Broadcaster, client *redis.Client, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		local:  local,
		client: client,
		nodeID: uuid.New().String(),
		logger: logger.With("component", "notify-mirror"),
		cancel: cancel,
	}
	go m.relay(ctx)
	return m
}

// Publish delivers locally and to every other node via Redis.
func (m *Mirror) Publish(channel string, event Event) {
	m.local.Publish(channel, event)

	frame, err := json.Marshal(mirrorFrame{Origin: m.nodeID, Channel: channel, Event: event})
	if err != nil {
		m.logger.Error("encoding event for mirror", "error", err)
		return
	}
	if err := m.client.Publish(context.Background(), mirrorTopic, frame).Err(); err != nil {
		m.logger.Warn("publishing event to redis", "error", err)
	}
}

// relay feeds events published by other nodes into the local broadcaster.
// Frames originating from this node are skipped; Publish already delivered
// them locally.
func (m *Mirror) relay(ctx context.Context) {
	sub := m.client.Subscribe(ctx, mirrorTopic)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var frame mirrorFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				m.logger.Warn("decoding mirrored event", "error", err)
				continue
			}
			if frame.Origin == m.nodeID {
				continue
			}
			m.local.Publish(frame.Channel, frame.Event)
		}
	}
}

// Close stops the relay goroutine. The local broadcaster is left running.
func (m *Mirror) Close() {
	m.cancel()
}
