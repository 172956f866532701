// Package store provides persistent storage for the routing engine using SQLite.
//
// # Architecture
//
// The Store interface covers every persistence operation the engine needs;
// SQLiteStore implements all of it in a single struct. Consumers that only
// need a slice of the surface (the chatbot navigator, the proxy allocator)
// declare their own narrow interfaces and take the store through those.
//
// # Data Models
//
//   - Connection: one tenant identity on the external messaging network,
//     including proxy linkage and QR retry state
//   - Proxy: a shared outbound egress endpoint with a soft usage counter
//   - Contact: a remote party, unique per (tenant, number)
//   - Ticket: a conversation; at most one non-closed ticket per
//     (tenant, contact, connection), never deleted
//   - TicketTracking: the 1:1 timing satellite of a ticket
//   - Queue / QueueOption: routing buckets and their chatbot menu trees
//   - Rating: post-conversation score clamped to 1..3
//   - Message: wire messages, idempotent on (id, tenant)
//   - Schedule: messages queued for future delivery
//
// Timestamps are stored as RFC3339 text. Booleans are stored as 0/1.
package store
