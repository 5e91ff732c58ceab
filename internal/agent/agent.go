package agent

import (
	"context"
	"encoding/json"
)

// StepInput carries everything an agent may consult during one iteration.
// State is the current persisted working state, nil on a fresh start.
type StepInput struct {
	Goal        string
	Instruction string
	State       json.RawMessage
	Tools       []string
	Iteration   int
}

// Event is a notable action the agent took during the step, recorded as a
// run milestone.
type Event struct {
	Type string
	Name string
}

// StepResult is the outcome of one iteration. State replaces the persisted
// working state; a nil State keeps the previous one. GoalAchieved true stops
// the run as completed.
type StepResult struct {
	State        json.RawMessage
	GoalAchieved bool
	Events       []Event
}

// Agent performs one bounded iteration toward a goal. Implementations must
// honor ctx cancellation and must not retain StepInput.State after returning.
type Agent interface {
	Step(ctx context.Context, in StepInput) (StepResult, error)
}

// Func adapts a plain function to the Agent interface.
type Func func(ctx context.Context, in StepInput) (StepResult, error)

func (f Func) Step(ctx context.Context, in StepInput) (StepResult, error) {
	return f(ctx, in)
}
