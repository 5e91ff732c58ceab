// Package scheduler owns triggering: a ticker-driven scan claims due bots
// and hands them to the engine. It never waits on run completion; the
// store-level exclusion slot is the only coordination between the scan and
// in-flight runs.
package scheduler
