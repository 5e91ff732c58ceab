package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goalbot/internal/agent"
	"goalbot/internal/eventbus"
	"goalbot/internal/storage"
	logx "goalbot/pkg/logx"
)

// stopReason records why the iteration loop ended.
type stopReason int

const (
	stopCap stopReason = iota
	stopGoal
	stopTimeout
	stopCancelled
	stopError
)

func (e *Engine) execute(ctx context.Context, bot storage.Bot, run storage.Run, ar *activeRun) {
	log := e.log.With(
		logx.String("bot", bot.ID),
		logx.String("run", run.ID),
		logx.String("source", string(run.Source)),
	)

	maxIter := bot.MaxIterations
	if maxIter <= 0 {
		maxIter = e.cfg.DefaultMaxIterations
	}
	maxRuntime := bot.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = e.cfg.DefaultMaxRuntime
	}

	// Launch stamped the start before spawning this goroutine; Snapshot
	// reads it concurrently, so it is never reassigned here.
	start := ar.startedAt

	// Slot release is unconditional: every path out of this function frees
	// the bot for future scheduling, even when finalization itself failed.
	defer e.releaseSlot(bot.ID, log)

	if err := e.store.StartRun(ctx, run.ID, start); err != nil {
		log.Error("run start transition failed", logx.Err(err))
		e.finalize(bot, run, log, storage.RunFailed, 0, "",
			fmt.Sprintf("platform: start transition: %v", err), start)
		return
	}
	e.milestone(ctx, run.ID, storage.MilestoneRunStart,
		fmt.Sprintf("run started (%s)", run.Source), log)

	e.bus.Publish(eventbus.Event{Type: eventbus.EventRunStarted, Time: start, Data: eventbus.RunEvent{
		RunID:   run.ID,
		BotID:   bot.ID,
		BotName: bot.Name,
		Source:  string(run.Source),
	}})
	log.Info("run started",
		logx.Int("max_iterations", maxIter),
		logx.Duration("max_runtime", maxRuntime),
	)

	a, err := e.reg.Lookup(bot.Agent)
	if err != nil {
		e.finalize(bot, run, log, storage.RunFailed, 0, "",
			fmt.Sprintf("platform: %v", err), start)
		return
	}

	var (
		state   []byte
		version int64
	)
	if st, ok, gerr := e.store.GetState(ctx, bot.ID); gerr != nil {
		e.finalize(bot, run, log, storage.RunFailed, 0, "",
			fmt.Sprintf("platform: load state: %v", gerr), start)
		return
	} else if ok {
		state = st.Payload
		version = st.Version
	}

	var (
		iterations int
		reason     = stopCap
		runErr     string
	)

	for i := 1; i <= maxIter; i++ {
		// Preemption checks happen only between iterations; an iteration in
		// flight always completes.
		if e.now().Sub(start) >= maxRuntime {
			reason = stopTimeout
			break
		}
		if cancelled, cerr := e.store.CancelRequested(ctx, run.ID); cerr != nil {
			log.Warn("cancel flag read failed", logx.Err(cerr))
		} else if cancelled {
			reason = stopCancelled
			break
		}
		if ctx.Err() != nil {
			reason = stopError
			runErr = "platform: execution interrupted by shutdown"
			break
		}

		e.milestone(ctx, run.ID, storage.MilestoneIteration,
			fmt.Sprintf("iteration %d", i), log)

		res, serr := a.Step(ctx, agent.StepInput{
			Goal:        bot.Description,
			Instruction: bot.Instruction,
			State:       state,
			Tools:       bot.Tools,
			Iteration:   i,
		})
		iterations = i
		ar.iterations.Store(int32(i))
		if serr != nil {
			reason = stopError
			runErr = fmt.Sprintf("agent: iteration %d: %v", i, serr)
			break
		}

		if res.State != nil {
			newVersion, perr := e.store.PutState(ctx, bot.ID, res.State, version)
			if perr != nil {
				reason = stopError
				if errors.Is(perr, storage.ErrStateConflict) {
					runErr = fmt.Sprintf("platform: state conflict at version %d: concurrent writer advanced bot state", version)
				} else {
					runErr = fmt.Sprintf("platform: persist state: %v", perr)
				}
				break
			}
			state = res.State
			version = newVersion
		}

		for _, ev := range res.Events {
			e.milestone(ctx, run.ID, ev.Type, ev.Name, log)
		}

		if res.GoalAchieved {
			e.milestone(ctx, run.ID, storage.MilestoneGoalCheck,
				fmt.Sprintf("goal achieved after iteration %d", i), log)
			reason = stopGoal
			break
		}
		e.milestone(ctx, run.ID, storage.MilestoneGoalCheck,
			fmt.Sprintf("goal not achieved after iteration %d", i), log)
	}

	var (
		status  storage.RunStatus
		outcome string
	)
	switch reason {
	case stopGoal:
		status = storage.RunCompleted
		outcome = fmt.Sprintf("goal achieved after %d iteration(s)", iterations)
	case stopTimeout:
		status = storage.RunTimeout
		outcome = fmt.Sprintf("runtime budget %s exhausted after %d iteration(s)", maxRuntime, iterations)
	case stopCancelled:
		status = storage.RunCancelled
		outcome = fmt.Sprintf("cancelled after %d iteration(s)", iterations)
	case stopError:
		status = storage.RunFailed
	default:
		// Cap exhaustion without goal, timeout or cancel is a normal end.
		status = storage.RunCompleted
		outcome = fmt.Sprintf("iteration cap %d reached before goal", maxIter)
	}

	e.finalize(bot, run, log, status, iterations, outcome, runErr, start)
}

func (e *Engine) finalize(bot storage.Bot, run storage.Run, log logx.Logger, status storage.RunStatus, iterations int, outcome, runErr string, start time.Time) {
	// The run context is already canceled on graceful shutdown; the terminal
	// transition must still land, so finalization gets a fresh bounded
	// context like releaseSlot does.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	end := e.now()
	duration := end.Sub(start)

	e.milestone(ctx, run.ID, storage.MilestoneCompletion,
		fmt.Sprintf("finished %s", status), log)
	if err := e.store.FinishRun(ctx, run.ID, status, iterations, outcome, runErr, duration, end); err != nil {
		log.Error("run finalize failed", logx.Err(err))
	}

	e.bus.Publish(eventbus.Event{Type: eventbus.EventRunFinished, Time: end, Data: eventbus.RunEvent{
		RunID:        run.ID,
		BotID:        bot.ID,
		BotName:      bot.Name,
		Source:       string(run.Source),
		Status:       string(status),
		Iterations:   iterations,
		Duration:     duration,
		Outcome:      outcome,
		Error:        runErr,
		NotifyChatID: bot.NotifyChatID,
	}})

	ev := log.Info
	if status == storage.RunFailed {
		ev = log.Warn
	}
	ev("run finished",
		logx.String("status", string(status)),
		logx.Int("iterations", iterations),
		logx.Duration("duration", duration),
		logx.String("outcome", outcome),
		logx.String("error", runErr),
	)
}

// milestone appends best-effort: audit write failures are logged and never
// affect the run.
func (e *Engine) milestone(ctx context.Context, runID, typ, name string, log logx.Logger) {
	if err := e.store.AppendMilestone(ctx, runID, typ, name, e.now()); err != nil {
		log.Warn("milestone append failed", logx.String("type", typ), logx.Err(err))
	}
}

// releaseSlot retries with backoff: an unreleased slot permanently starves
// the bot. Uses a fresh context since the run context may already be done.
func (e *Engine) releaseSlot(botID string, log logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	delay := e.cfg.SlotReleaseBackoff
	for attempt := 1; ; attempt++ {
		err := e.store.ReleaseSlot(ctx, botID)
		if err == nil {
			return
		}
		if attempt >= e.cfg.SlotReleaseRetries {
			log.Error("slot release abandoned", logx.Int("attempts", attempt), logx.Err(err))
			return
		}
		log.Warn("slot release failed, retrying",
			logx.Int("attempt", attempt),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			log.Error("slot release abandoned", logx.Int("attempts", attempt), logx.Err(ctx.Err()))
			return
		}
		delay *= 2
	}
}
