// Command roam is the CLI for the offline-first sync engine: a long-running
// engine mode plus one-shot commands for syncing and inspecting the queue
// and cache.
package main
