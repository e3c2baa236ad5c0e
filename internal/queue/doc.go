// Package queue persists pending remote operations in SQLite and exposes
// helpers for driving their lifecycle.
//
// The Store is the only legal mutator of item status and retry counters.
// Items move pending → processing → {completed | pending (retry) | failed},
// or from any non-terminal state to cancelled. Duplicate submissions of the
// same (action, endpoint, body) triple are merged into the existing pending
// item. Items declaring dependencies stay ineligible until every referenced
// item completes; cancelling an item cascade-cancels its dependents.
//
// On open, items left in processing by a previous run are reset to pending,
// making delivery at-least-once. Endpoints reached through this queue must
// tolerate duplicate submission.
package queue
