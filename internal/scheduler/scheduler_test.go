package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goalbot/internal/agent"
	"goalbot/internal/engine"
	"goalbot/internal/eventbus"
	"goalbot/internal/storage"
	logx "goalbot/pkg/logx"
)

type fixture struct {
	store storage.Store
	reg   *agent.Registry
	bus   eventbus.Bus
	eng   *engine.Engine
	svc   *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "goalbot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: st,
		reg:   agent.NewRegistry(),
		bus:   eventbus.New(),
	}
	f.eng = engine.New(engine.Config{}, st, f.reg, f.bus, logx.Nop())
	f.eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.eng.Stop(ctx)
	})
	f.svc = New(cfg, st, f.eng, logx.Nop())
	return f
}

func (f *fixture) createBot(t *testing.T, id, sched string, enabled bool) storage.Bot {
	t.Helper()
	bot, err := f.store.CreateBot(context.Background(), storage.Bot{
		ID:            id,
		Name:          "Bot " + id,
		Agent:         "instant",
		Instruction:   "do it",
		Schedule:      sched,
		MaxIterations: 1,
		MaxRuntime:    time.Minute,
		Enabled:       enabled,
	})
	require.NoError(t, err)
	return bot
}

// waitFinished blocks until n run.finished events arrive on the bus.
func waitFinished(t *testing.T, bus eventbus.Bus, n int, do func()) {
	t.Helper()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	do()
	deadline := time.After(5 * time.Second)
	for got := 0; got < n; {
		select {
		case ev := <-events:
			if ev.Type == eventbus.EventRunFinished {
				got++
			}
		case <-deadline:
			t.Fatalf("saw %d of %d finished runs", got, n)
		}
	}
}

func TestScanLaunchesDueBots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	require.NoError(t, f.reg.Register("instant", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		return agent.StepResult{GoalAchieved: true}, nil
	})))

	ctx := context.Background()
	f.createBot(t, "due", "60", true)               // never ran: due immediately
	f.createBot(t, "disabled", "60", false)         // enabled=false: never triggered
	f.createBot(t, "cron-later", "0 0 1 1 *", true) // far future

	waitFinished(t, f.bus, 1, func() { f.svc.Scan(ctx) })

	runs, total, err := f.store.ListRuns(ctx, "due", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, storage.SourceScheduled, runs[0].Source)

	_, total, err = f.store.ListRuns(ctx, "disabled", 10, 0)
	require.NoError(t, err)
	require.Zero(t, total)
	_, total, err = f.store.ListRuns(ctx, "cron-later", 10, 0)
	require.NoError(t, err)
	require.Zero(t, total)

	// The interval has not elapsed since the run above: a rescan is a no-op.
	f.svc.Scan(ctx)
	_, total, err = f.store.ListRuns(ctx, "due", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestScanFiresFirstCronRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	require.NoError(t, f.reg.Register("instant", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		return agent.StepResult{GoalAchieved: true}, nil
	})))

	ctx := context.Background()
	bot := f.createBot(t, "daily", "0 9 * * *", true)

	// A day and change past creation is past the first 09:00 slot,
	// regardless of the wall-clock time the bot was created at.
	now := bot.CreatedAt.Add(26 * time.Hour)
	f.svc.now = func() time.Time { return now }

	// Never ran: the first fire anchors at creation, so it is already due.
	next, err := f.svc.NextDue(ctx, bot)
	require.NoError(t, err)
	require.True(t, next.After(bot.CreatedAt))
	require.False(t, next.After(now))

	waitFinished(t, f.bus, 1, func() { f.svc.Scan(ctx) })

	runs, total, err := f.store.ListRuns(ctx, "daily", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, storage.SourceScheduled, runs[0].Source)
}

func TestScanSkipsHeldSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	release := make(chan struct{})
	require.NoError(t, f.reg.Register("instant", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		<-release
		return agent.StepResult{GoalAchieved: true}, nil
	})))

	ctx := context.Background()
	f.createBot(t, "busy", "60", true)

	f.svc.Scan(ctx)
	require.Eventually(t, func() bool {
		_, held, err := f.store.ActiveRunID(ctx, "busy")
		return err == nil && held
	}, 2*time.Second, 10*time.Millisecond)

	// Slot held: rescans must not stack a second run.
	f.svc.Scan(ctx)
	f.svc.Scan(ctx)
	_, total, err := f.store.ListRuns(ctx, "busy", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)

	waitFinished(t, f.bus, 1, func() { close(release) })
}

func TestManualTriggerConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	release := make(chan struct{})
	require.NoError(t, f.reg.Register("instant", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		<-release
		return agent.StepResult{GoalAchieved: true}, nil
	})))

	ctx := context.Background()
	f.createBot(t, "b1", "60", true)

	_, err := f.svc.Trigger(ctx, "b1", storage.SourceManual)
	require.NoError(t, err)

	// Second trigger while the slot is held: benign conflict, no second row.
	_, err = f.svc.Trigger(ctx, "b1", storage.SourceManual)
	require.ErrorIs(t, err, storage.ErrAlreadyRunning)
	_, total, err := f.store.ListRuns(ctx, "b1", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)

	_, err = f.svc.Trigger(ctx, "missing", storage.SourceManual)
	require.ErrorIs(t, err, storage.ErrNotFound)

	waitFinished(t, f.bus, 1, func() { close(release) })
}

func TestStartReconcilesOrphans(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{OrphanGrace: time.Millisecond})
	require.NoError(t, f.reg.Register("instant", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		return agent.StepResult{GoalAchieved: true}, nil
	})))

	ctx := context.Background()
	f.createBot(t, "b1", "0 0 1 1 *", true)

	// Simulate a crashed process: claimed and running, nobody backing it.
	run, err := f.store.BeginRun(ctx, "b1", storage.SourceScheduled)
	require.NoError(t, err)
	require.NoError(t, f.store.StartRun(ctx, run.ID, time.Now().Add(-time.Minute)))

	f.svc.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Stop(sctx)
	})

	require.Eventually(t, func() bool {
		got, err := f.store.GetRun(ctx, run.ID)
		return err == nil && got.Status == storage.RunFailed
	}, 2*time.Second, 10*time.Millisecond)

	_, held, err := f.store.ActiveRunID(ctx, "b1")
	require.NoError(t, err)
	require.False(t, held)
}

func TestNextDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	bot := f.createBot(t, "b1", "interval:60s", true)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	// Never ran: due now.
	next, err := f.svc.NextDue(context.Background(), bot)
	require.NoError(t, err)
	require.True(t, next.Equal(now))

	_, err = f.svc.NextDue(context.Background(), storage.Bot{ID: "bad", Schedule: "not a schedule"})
	require.Error(t, err)
}

func TestScanPrunesHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{HistoryKeep: 2, PruneInterval: time.Millisecond})
	require.NoError(t, f.reg.Register("instant", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		return agent.StepResult{GoalAchieved: true}, nil
	})))

	ctx := context.Background()
	f.createBot(t, "b1", "0 0 1 1 *", true)
	for i := 0; i < 5; i++ {
		run, err := f.store.BeginRun(ctx, "b1", storage.SourceManual)
		require.NoError(t, err)
		require.NoError(t, f.store.FinishRun(ctx, run.ID, storage.RunCompleted, 1, "ok", "", time.Second, time.Now()))
		require.NoError(t, f.store.ReleaseSlot(ctx, "b1"))
		time.Sleep(2 * time.Millisecond)
	}

	f.svc.Scan(ctx)
	_, total, err := f.store.ListRuns(ctx, "b1", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
}
