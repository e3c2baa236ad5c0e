// Package sync coordinates the full synchronization pass: draining queued
// offline operations, refreshing cached data domains, reconciling conflicts,
// and reclaiming finished queue items.
//
// Passes are triggered by connectivity restoration, explicit user request,
// enqueueing while online, or a periodic timer. Only one pass runs at a
// time; overlapping triggers collapse into a single follow-up pass.
package sync
