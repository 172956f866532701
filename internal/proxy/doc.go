// Package proxy allocates outbound egress endpoints to sessions. Selection
// is random with an exclusion, so a degraded session never gets its old
// proxy back; the per-proxy counter is a soft load hint, not a limit. An
// empty pool is fine - sessions then run without a proxy.
package proxy
