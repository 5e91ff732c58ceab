package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goalbot/internal/agent"
	"goalbot/internal/eventbus"
	"goalbot/internal/storage"
	logx "goalbot/pkg/logx"
)

// fakeClock advances only when told, so runtime budgets are testable
// without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store storage.Store
	reg   *agent.Registry
	bus   eventbus.Bus
	eng   *Engine
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "goalbot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store: st,
		reg:   agent.NewRegistry(),
		bus:   eventbus.New(),
		clock: newFakeClock(),
	}
	h.eng = New(Config{}, st, h.reg, h.bus, logx.Nop(), WithClock(h.clock.Now))
	h.eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.eng.Stop(ctx)
	})
	return h
}

// runBot claims, launches and waits for the terminal event of one run.
func (h *harness) runBot(t *testing.T, bot storage.Bot) storage.Run {
	t.Helper()
	ctx := context.Background()

	events, unsub := h.bus.Subscribe(8)
	defer unsub()

	run, err := h.store.BeginRun(ctx, bot.ID, storage.SourceManual)
	require.NoError(t, err)
	require.NoError(t, h.eng.Launch(bot, run))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.EventRunFinished {
				continue
			}
			re, ok := ev.Data.(eventbus.RunEvent)
			require.True(t, ok)
			if re.RunID != run.ID {
				continue
			}
			got, err := h.store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			return got
		case <-deadline:
			t.Fatalf("run %s did not finish", run.ID)
		}
	}
}

func createBot(t *testing.T, h *harness, id, agentRef string, maxIter int, maxRuntime time.Duration) storage.Bot {
	t.Helper()
	bot, err := h.store.CreateBot(context.Background(), storage.Bot{
		ID:            id,
		Name:          "Test Bot " + id,
		Description:   "reach the test goal",
		Agent:         agentRef,
		Instruction:   "do the thing",
		Schedule:      "60",
		MaxIterations: maxIter,
		MaxRuntime:    maxRuntime,
		Enabled:       true,
	})
	require.NoError(t, err)
	return bot
}

func TestRunCompletesAtIterationCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Never achieves the goal.
	require.NoError(t, h.reg.Register("stubborn", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		return agent.StepResult{State: json.RawMessage(fmt.Sprintf(`{"step":%d}`, in.Iteration))}, nil
	})))
	bot := createBot(t, h, "b1", "stubborn", 3, time.Hour)

	run := h.runBot(t, bot)
	require.Equal(t, storage.RunCompleted, run.Status)
	require.Equal(t, 3, run.Iterations)
	require.Contains(t, run.Outcome, "iteration cap 3 reached")
	require.Empty(t, run.Error)

	// State advanced exactly once per iteration.
	st, ok, err := h.store.GetState(context.Background(), bot.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, st.Version)
	require.JSONEq(t, `{"step":3}`, string(st.Payload))

	h.requireSlotFree(t, bot.ID)
}

func TestRunCompletesOnGoal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.reg.Register("quick", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		return agent.StepResult{
			State:        json.RawMessage(`{"done":true}`),
			GoalAchieved: in.Iteration == 2,
			Events:       []agent.Event{{Type: "tool-invocation", Name: "search(inbox)"}},
		}, nil
	})))
	bot := createBot(t, h, "b1", "quick", 10, time.Hour)

	run := h.runBot(t, bot)
	require.Equal(t, storage.RunCompleted, run.Status)
	require.Equal(t, 2, run.Iterations)
	require.Contains(t, run.Outcome, "goal achieved")

	ms, err := h.store.Milestones(context.Background(), run.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(ms))
	for _, m := range ms {
		types = append(types, m.Type)
	}
	require.Equal(t, []string{
		storage.MilestoneRunStart,
		storage.MilestoneIteration, "tool-invocation", storage.MilestoneGoalCheck,
		storage.MilestoneIteration, "tool-invocation", storage.MilestoneGoalCheck,
		storage.MilestoneCompletion,
	}, types)

	h.requireSlotFree(t, bot.ID)
}

func TestRunTimesOutAfterLongIteration(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Each iteration burns 10s of the 5s budget; the in-flight iteration
	// completes, the next preemption check stops the run.
	require.NoError(t, h.reg.Register("slow", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		h.clock.Advance(10 * time.Second)
		return agent.StepResult{}, nil
	})))
	bot := createBot(t, h, "b1", "slow", 10, 5*time.Second)

	run := h.runBot(t, bot)
	require.Equal(t, storage.RunTimeout, run.Status)
	require.Equal(t, 1, run.Iterations)
	require.Contains(t, run.Outcome, "budget")
	require.Equal(t, 10*time.Second, run.Duration)

	h.requireSlotFree(t, bot.ID)
}

func TestRunCancelledBetweenIterations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var runID string
	require.NoError(t, h.reg.Register("cancellable", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		// Request lands mid-iteration; the checkpoint before iteration 2
		// observes it.
		if in.Iteration == 1 {
			require.NoError(t, h.store.RequestCancel(ctx, runID))
		}
		return agent.StepResult{}, nil
	})))
	bot := createBot(t, h, "b1", "cancellable", 10, time.Hour)

	ctx := context.Background()
	events, unsub := h.bus.Subscribe(8)
	defer unsub()
	run, err := h.store.BeginRun(ctx, bot.ID, storage.SourceManual)
	require.NoError(t, err)
	runID = run.ID
	require.NoError(t, h.eng.Launch(bot, run))

	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == eventbus.EventRunFinished {
				done = true
			}
		case <-deadline:
			t.Fatal("run did not finish")
		}
	}

	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RunCancelled, got.Status)
	require.Equal(t, 1, got.Iterations)

	h.requireSlotFree(t, bot.ID)
}

func TestRunFailsOnStateConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// A concurrent writer advances the version between iterations; the run's
	// next conditional write must fail, never overwrite.
	require.NoError(t, h.reg.Register("racer", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		if in.Iteration == 2 {
			_, err := h.store.PutState(ctx, "b1", json.RawMessage(`{"winner":"external"}`), 1)
			require.NoError(t, err)
		}
		return agent.StepResult{State: json.RawMessage(fmt.Sprintf(`{"step":%d}`, in.Iteration))}, nil
	})))
	bot := createBot(t, h, "b1", "racer", 10, time.Hour)

	run := h.runBot(t, bot)
	require.Equal(t, storage.RunFailed, run.Status)
	require.Equal(t, 2, run.Iterations)
	require.Contains(t, run.Error, "state conflict")

	// The other writer's value survived.
	st, ok, err := h.store.GetState(context.Background(), bot.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, st.Version)
	require.JSONEq(t, `{"winner":"external"}`, string(st.Payload))

	h.requireSlotFree(t, bot.ID)
}

func TestRunFailsOnAgentError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.reg.Register("broken", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		return agent.StepResult{}, fmt.Errorf("upstream unavailable")
	})))
	bot := createBot(t, h, "b1", "broken", 10, time.Hour)

	run := h.runBot(t, bot)
	require.Equal(t, storage.RunFailed, run.Status)
	require.Equal(t, 1, run.Iterations)
	require.Contains(t, run.Error, "agent: iteration 1")
	require.Contains(t, run.Error, "upstream unavailable")

	h.requireSlotFree(t, bot.ID)
}

func TestRunFailsOnUnknownAgent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	bot := createBot(t, h, "b1", "no-such-agent", 3, time.Hour)

	run := h.runBot(t, bot)
	require.Equal(t, storage.RunFailed, run.Status)
	require.Zero(t, run.Iterations)
	require.Contains(t, run.Error, "platform")
	require.Contains(t, run.Error, "unknown agent")

	h.requireSlotFree(t, bot.ID)
}

func TestSnapshotDuringActiveRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	release := make(chan struct{})
	require.NoError(t, h.reg.Register("blocking", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return agent.StepResult{GoalAchieved: true}, nil
	})))
	bot := createBot(t, h, "b1", "blocking", 3, time.Hour)

	ctx := context.Background()
	run, err := h.store.BeginRun(ctx, bot.ID, storage.SourceManual)
	require.NoError(t, err)
	require.NoError(t, h.eng.Launch(bot, run))

	// Hammer Snapshot while the run goroutine is live; the race detector
	// flags any unsynchronized write to the shared run entry.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		snaps := h.eng.Snapshot()
		require.Len(t, snaps, 1)
		require.Equal(t, run.ID, snaps[0].RunID)
		require.Equal(t, bot.ID, snaps[0].BotID)
		require.False(t, snaps[0].StartedAt.IsZero())
	}

	close(release)
	h.requireSlotFree(t, bot.ID)
	require.Eventually(t, func() bool { return len(h.eng.Snapshot()) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestStopFinalizesInFlightRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Waits out the whole run context, like an agent mid-tool-call when
	// shutdown begins.
	started := make(chan struct{})
	require.NoError(t, h.reg.Register("blocking", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		close(started)
		<-ctx.Done()
		return agent.StepResult{}, nil
	})))
	bot := createBot(t, h, "b1", "blocking", 5, time.Hour)

	ctx := context.Background()
	run, err := h.store.BeginRun(ctx, bot.ID, storage.SourceManual)
	require.NoError(t, err)
	require.NoError(t, h.eng.Launch(bot, run))
	<-started

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Stop(sctx))

	// The terminal transition must land even though the run context was
	// canceled: no row may be left in running for the next startup to reap.
	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RunFailed, got.Status)
	require.Contains(t, got.Error, "shutdown")
	require.NotNil(t, got.EndedAt)
	require.Equal(t, 1, got.Iterations)
	h.requireSlotFree(t, bot.ID)
}

func TestLaunchAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	bot := createBot(t, h, "b1", "whatever", 3, time.Hour)

	ctx := context.Background()
	run, err := h.store.BeginRun(ctx, bot.ID, storage.SourceManual)
	require.NoError(t, err)
	require.NoError(t, h.eng.Stop(ctx))
	require.ErrorIs(t, h.eng.Launch(bot, run), ErrStopped)
}

func (h *harness) requireSlotFree(t *testing.T, botID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, held, err := h.store.ActiveRunID(context.Background(), botID)
		return err == nil && !held
	}, 2*time.Second, 10*time.Millisecond)
}
