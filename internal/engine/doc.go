// Package engine drives individual runs from pending to a terminal status.
//
// Each launched run executes on its own supervised goroutine: it transitions
// the run to running, loops the agent up to the bot's iteration cap with
// wall-clock and cancellation checks before every iteration, persists agent
// state with compare-and-swap, and finalizes the run. The exclusion slot is
// released on every path out, with retry, because an unreleased slot starves
// the bot forever.
package engine
