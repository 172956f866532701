// ABOUTME: Cache interface and key helpers for hot conversation state
// ABOUTME: Defines the namespaced keys shared by the Redis and in-memory backends

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned when a key is not present in the cache
var ErrCacheMiss = errors.New("cache miss")

// Cache stores small hot values keyed by the namespaces below. Implementations
// must treat pattern deletion as best effort; the store is always the source
// of truth.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// DelPattern removes every key matching a glob-style pattern.
	DelPattern(ctx context.Context, pattern string) error
	Close() error
}

// UnreadsKey is the per-contact unread counter.
func UnreadsKey(contactID int64) string {
	return fmt.Sprintf("contacts:%d:unreads", contactID)
}

// TicketKey is one cached attribute of a ticket.
func TicketKey(tenantID, ticketID int64, attr string) string {
	return fmt.Sprintf("company:%d:tickets:%d:%s", tenantID, ticketID, attr)
}

// TicketPattern matches every cached attribute of a ticket. Used to
// invalidate after any ticket mutation.
func TicketPattern(tenantID, ticketID int64) string {
	return fmt.Sprintf("company:%d:tickets:%d:*", tenantID, ticketID)
}
