// Package cache stores versioned, TTL-aware snapshots of server-fetched data.
//
// Each key is independent: versions increase monotonically per key, expiry is
// checked lazily on read, and no cross-key consistency is modeled. Callers
// owning multiple related keys are responsible for their own consistency.
package cache
