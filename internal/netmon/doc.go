// Package netmon tracks network reachability for the sync engine.
//
// Connectivity is inferred from a periodic HTTP probe rather than interface
// state, since a link that is up but cannot reach the backend is offline for
// sync purposes.
package netmon
