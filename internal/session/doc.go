// Package session manages the lifecycle of connections to the external
// messaging network.
//
// # Overview
//
// Each Connection row in the store corresponds to at most one live Session:
// a wire.Client plus the goroutine pumping its events. The Manager is the
// only writer of connection status and proxy linkage; everything else reads.
//
// # Manager
//
// The Manager owns every live session:
//
//	mgr := session.NewManager(cfg, store, allocator, events, clk, logger)
//	mgr.SetSink(pipeline)
//	mgr.StartAll(ctx)
//
// Key operations:
//
//   - StartSession(ctx, id): open or reopen one connection's session
//   - GetSession(id): resolve a live session, scheduling a background
//     restart when none exists
//   - Logout(ctx, id): tear down permanently, purging credentials and
//     returning the proxy
//   - DegradeOverused(ctx, threshold): rotate proxies on sessions that
//     relayed too many messages
//
// # Pairing
//
// Fresh sessions emit QR pairing codes. Each code bumps the connection's
// retry counter; past the configured cap the manager gives up, releases the
// proxy, purges credentials and marks the connection disconnected. A
// successful connect resets the counter.
//
// # Reconnects
//
// A transient close schedules a reconnect after a fixed delay. A remote
// logout or an explicit Logout sets the stopped flag, which suppresses every
// reconnect path until the next explicit StartSession.
//
// # Event Flow
//
// Lifecycle events (QR, state changes) are handled inside the manager.
// Conversation events (messages, acks, contacts) are forwarded to the
// EventSink bound via SetSink, which is how the inbound pipeline receives
// its work without the two packages importing each other.
package session
