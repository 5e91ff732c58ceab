package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goalbot/internal/engine"
	"goalbot/internal/schedule"
	"goalbot/internal/storage"
	logx "goalbot/pkg/logx"

	rtsup "goalbot/internal/runtime/supervisor"
)

type Config struct {
	// Tick is the scan interval. Interval schedules fire exactly on
	// last+every regardless of tick granularity; the tick only bounds the
	// detection latency.
	Tick time.Duration
	// OrphanGrace is the minimum age of a non-terminal run before the
	// startup reconciliation pass declares it orphaned.
	OrphanGrace time.Duration
	// HistoryKeep caps retained terminal runs per bot; zero disables pruning.
	HistoryKeep int
	// PruneInterval spaces the background pruning passes.
	PruneInterval time.Duration
}

func (c *Config) normalize() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = 30 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 10 * time.Minute
	}
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store storage.Store
	eng   *engine.Engine

	sup *rtsup.Supervisor
	now func() time.Time

	lastPrune time.Time
}

func New(cfg Config, store storage.Store, eng *engine.Engine, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "scheduler")),
		store: store,
		eng:   eng,
		now:   time.Now,
	}
}

// Apply adjusts the live knobs; the loop picks them up on its next pass.
func (s *Service) Apply(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start reconciles orphaned runs left by a previous process, then begins the
// scan loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	grace := s.cfg.OrphanGrace
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	if n, err := s.store.ReapOrphanRuns(ctx, grace); err != nil {
		s.log.Error("orphan reconciliation failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("orphaned runs reconciled", logx.Int("count", n))
	}

	sup.GoRestart("scan", func(c context.Context) error {
		s.loop(c)
		return c.Err()
	})
	s.log.Info("service started", logx.Duration("tick", s.tick()))
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) tick() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Tick
}

func (s *Service) loop(ctx context.Context) {
	t := time.NewTimer(s.tick())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.Scan(ctx)
		t.Reset(s.tick())
	}
}

// Scan claims and launches every enabled bot that is due. Exposed so tests
// can drive the scheduler without waiting on the ticker.
func (s *Service) Scan(ctx context.Context) {
	now := s.now()

	bots, err := s.store.ListBots(ctx)
	if err != nil {
		s.log.Error("bot scan failed", logx.Err(err))
		return
	}
	held, err := s.store.HeldSlots(ctx)
	if err != nil {
		s.log.Error("slot scan failed", logx.Err(err))
		return
	}

	for _, bot := range bots {
		if !bot.Enabled {
			continue
		}
		if _, running := held[bot.ID]; running {
			continue
		}
		spec, err := schedule.Parse(bot.Schedule)
		if err != nil {
			// Schedules are validated at edit time; a bad one here means the
			// row predates validation or was edited out of band.
			s.log.Warn("unschedulable bot", logx.String("bot", bot.ID), logx.Err(err))
			continue
		}
		last, ok, err := s.store.LastRunStart(ctx, bot.ID)
		if err != nil {
			s.log.Error("last run lookup failed", logx.String("bot", bot.ID), logx.Err(err))
			continue
		}
		if !spec.Due(anchor(spec, bot, last, ok), now) {
			continue
		}
		if _, err := s.launch(ctx, bot, storage.SourceScheduled); err != nil {
			if errors.Is(err, storage.ErrAlreadyRunning) {
				// Another process beat us to the claim.
				s.log.Debug("claim lost", logx.String("bot", bot.ID))
				continue
			}
			s.log.Error("trigger failed", logx.String("bot", bot.ID), logx.Err(err))
		}
	}

	s.pruneMaybe(ctx, bots, now)
}

// Trigger claims and launches one run for botID on behalf of a caller
// (manual trigger from the control API, or the scan loop).
func (s *Service) Trigger(ctx context.Context, botID string, source storage.TriggerSource) (storage.Run, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return storage.Run{}, err
	}
	return s.launch(ctx, bot, source)
}

func (s *Service) launch(ctx context.Context, bot storage.Bot, source storage.TriggerSource) (storage.Run, error) {
	run, err := s.store.BeginRun(ctx, bot.ID, source)
	if err != nil {
		return storage.Run{}, err
	}
	if err := s.eng.Launch(bot, run); err != nil {
		// The claim is ours; undo it so the bot is not starved.
		ferr := s.store.FinishRun(ctx, run.ID, storage.RunFailed, 0, "",
			fmt.Sprintf("platform: launch: %v", err), 0, s.now())
		if ferr != nil {
			s.log.Error("launch rollback failed", logx.String("run", run.ID), logx.Err(ferr))
		}
		if rerr := s.store.ReleaseSlot(ctx, bot.ID); rerr != nil {
			s.log.Error("launch slot release failed", logx.String("bot", bot.ID), logx.Err(rerr))
		}
		return storage.Run{}, err
	}
	s.log.Info("run launched",
		logx.String("bot", bot.ID),
		logx.String("run", run.ID),
		logx.String("source", string(source)),
	)
	return run, nil
}

// anchor picks the base time for due computation. A never-run cron bot is
// anchored at its creation time so the first slot after creation fires;
// anchoring at "now" would keep pushing the first fire one slot ahead of
// every scan. Never-run interval bots stay zero-anchored (due immediately).
func anchor(spec schedule.Spec, bot storage.Bot, last time.Time, ran bool) time.Time {
	if !ran && spec.Kind == schedule.KindCron {
		return bot.CreatedAt
	}
	return last
}

// NextDue reports when the bot's schedule next fires, based on its last run
// start.
func (s *Service) NextDue(ctx context.Context, bot storage.Bot) (time.Time, error) {
	spec, err := schedule.Parse(bot.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	last, ok, err := s.store.LastRunStart(ctx, bot.ID)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(anchor(spec, bot, last, ok), s.now()), nil
}

func (s *Service) pruneMaybe(ctx context.Context, bots []storage.Bot, now time.Time) {
	s.mu.Lock()
	keep := s.cfg.HistoryKeep
	interval := s.cfg.PruneInterval
	due := keep > 0 && now.Sub(s.lastPrune) >= interval
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	total := 0
	for _, bot := range bots {
		n, err := s.store.PruneRuns(ctx, bot.ID, keep)
		if err != nil {
			s.log.Warn("run pruning failed", logx.String("bot", bot.ID), logx.Err(err))
			continue
		}
		total += n
	}
	if total > 0 {
		s.log.Info("run history pruned", logx.Int("deleted", total), logx.Int("keep", keep))
	}
}
