// Package agent defines the collaborator boundary of the execution engine.
//
// An Agent performs exactly one bounded unit of work per Step call and
// reports the successor state plus whether the goal is achieved. The engine
// owns looping, budgets, persistence and cancellation; agents own nothing
// but the work itself.
package agent
