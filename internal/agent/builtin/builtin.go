// Package builtin ships the agents every goalbot binary carries: a no-op
// agent for wiring checks and a counter agent that exercises persisted
// state across runs. Real deployments register their own implementations
// next to these.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"goalbot/internal/agent"
)

// Register installs the built-in agents under their well-known refs.
func Register(reg *agent.Registry) error {
	if err := reg.Register("builtin.noop", agent.Func(noopStep)); err != nil {
		return err
	}
	return reg.Register("builtin.counter", &Counter{})
}

func noopStep(_ context.Context, _ agent.StepInput) (agent.StepResult, error) {
	return agent.StepResult{GoalAchieved: true}, nil
}

// Counter increments a persisted count each iteration until it reaches the
// target parsed from the bot instruction (default 3). Useful as a live
// smoke test of scheduling, state CAS and milestones.
type Counter struct{}

type counterState struct {
	Count int `json:"count"`
}

func (c *Counter) Step(_ context.Context, in agent.StepInput) (agent.StepResult, error) {
	target := 3
	if s := strings.TrimSpace(in.Instruction); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return agent.StepResult{}, fmt.Errorf("counter target %q: %w", s, err)
		}
		target = n
	}

	var st counterState
	if len(in.State) > 0 {
		if err := json.Unmarshal(in.State, &st); err != nil {
			return agent.StepResult{}, fmt.Errorf("decode state: %w", err)
		}
	}
	st.Count++

	raw, err := json.Marshal(st)
	if err != nil {
		return agent.StepResult{}, err
	}
	return agent.StepResult{
		State:        raw,
		GoalAchieved: st.Count >= target,
		Events: []agent.Event{
			{Type: "tool-invocation", Name: fmt.Sprintf("counter.increment(%d)", st.Count)},
		},
	}, nil
}
