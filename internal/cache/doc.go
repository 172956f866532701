// Package cache stores small hot values: unread counters and per-ticket or
// per-session attributes. The store is always the source of truth; cache
// loss is never an error. Two backends implement the same interface: Redis
// for multi-node deployments and an in-process map for everything else.
package cache
