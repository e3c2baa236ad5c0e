// Package resolver settles disagreements between a locally cached payload
// and a freshly fetched server payload.
//
// Resolution is deterministic and side-effect free: callers pass both
// versions with their modification instants and persist whatever comes back.
package resolver
