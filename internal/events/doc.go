// Package events provides the in-process publish/subscribe bus that the
// sync engine uses to announce progress, network transitions, and cache
// updates to interested components.
package events
