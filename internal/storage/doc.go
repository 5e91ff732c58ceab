package storage

// Package storage is the durable run store: registered bots, run history with
// milestone audit entries, versioned cross-run state, and the per-bot
// exclusion slot that serializes runs.
//
// The exclusion slot and the state version are store-level conditional
// operations (claim-if-absent, compare-and-swap), so the "at most one running
// run per bot" invariant holds even if two scheduler processes are
// accidentally pointed at the same database.
