// Package notify fans engine events out to frontend subscribers.
//
// # Overview
//
// The Broadcaster is an in-memory pub/sub hub. Channels are named per
// tenant and concern (tenant-{id}-ticket, tenant-{id}-whatsappSession,
// tenant-{id}-appMessage); events carry an action (update or delete), an
// optional status bucket and an arbitrary payload. Publishing never blocks:
// a subscriber that falls behind loses events rather than stalling the
// engine.
//
// # Multi-Node
//
// The Mirror wraps the broadcaster with a Redis pub/sub relay so events
// published on one node reach subscribers on every other. Frames carry the
// origin node id; each node skips its own frames when relaying, since
// Publish already delivered them locally.
package notify
