package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"goalbot/internal/agent"
	"goalbot/internal/eventbus"
	"goalbot/internal/storage"
	logx "goalbot/pkg/logx"

	rtsup "goalbot/internal/runtime/supervisor"
)

// ErrStopped is returned by Launch after Stop has been called.
var ErrStopped = errors.New("engine stopped")

type Config struct {
	// DefaultMaxIterations applies when a bot has no cap of its own.
	DefaultMaxIterations int
	// DefaultMaxRuntime applies when a bot has no wall-clock budget of its own.
	DefaultMaxRuntime time.Duration
	// SlotReleaseRetries bounds the retry loop for exclusion slot release.
	SlotReleaseRetries int
	// SlotReleaseBackoff is the base delay between release attempts.
	SlotReleaseBackoff time.Duration
}

func (c *Config) normalize() {
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = 10
	}
	if c.DefaultMaxRuntime <= 0 {
		c.DefaultMaxRuntime = 10 * time.Minute
	}
	if c.SlotReleaseRetries <= 0 {
		c.SlotReleaseRetries = 5
	}
	if c.SlotReleaseBackoff <= 0 {
		c.SlotReleaseBackoff = 200 * time.Millisecond
	}
}

// RunSnapshot describes one in-flight run for diagnostics.
type RunSnapshot struct {
	RunID      string                `json:"run_id"`
	BotID      string                `json:"bot_id"`
	BotName    string                `json:"bot_name"`
	Source     storage.TriggerSource `json:"source"`
	StartedAt  time.Time             `json:"started_at"`
	Iterations int                   `json:"iterations"`
}

type activeRun struct {
	botID      string
	botName    string
	source     storage.TriggerSource
	startedAt  time.Time
	iterations atomic.Int32
}

type Option func(*Engine)

// WithClock replaces the wall clock, used by tests to exercise the runtime
// budget without sleeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	cfg   Config
	log   logx.Logger
	store storage.Store
	reg   *agent.Registry
	bus   eventbus.Bus
	now   func() time.Time

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	active  map[string]*activeRun
	stopped bool
}

func New(cfg Config, store storage.Store, reg *agent.Registry, bus eventbus.Bus, log logx.Logger, opts ...Option) *Engine {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "engine")),
		store:  store,
		reg:    reg,
		bus:    bus,
		now:    time.Now,
		active: make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start is idempotent; runs launched before Start are rejected.
func (e *Engine) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		return
	}
	e.stopped = false
	// A failing run must never take down sibling runs or the scheduler.
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log), rtsup.WithCancelOnError(false))
}

// Stop cancels in-flight runs cooperatively and waits for them to finalize.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.stopped = true
	e.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Launch spawns the supervised goroutine executing one claimed run. The run
// row must already exist in pending status with the bot's slot held; the
// engine owns it from here to a terminal status.
func (e *Engine) Launch(bot storage.Bot, run storage.Run) error {
	e.mu.Lock()
	if e.stopped || e.sup == nil {
		e.mu.Unlock()
		return ErrStopped
	}
	ar := &activeRun{
		botID:     bot.ID,
		botName:   bot.Name,
		source:    run.Source,
		startedAt: e.now(),
	}
	e.active[run.ID] = ar
	sup := e.sup
	e.mu.Unlock()

	sup.Go0("run."+run.ID, func(ctx context.Context) {
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
		}()
		e.execute(ctx, bot, run, ar)
	})
	return nil
}

// Snapshot lists in-flight runs, newest first is not guaranteed.
func (e *Engine) Snapshot() []RunSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RunSnapshot, 0, len(e.active))
	for id, ar := range e.active {
		out = append(out, RunSnapshot{
			RunID:      id,
			BotID:      ar.botID,
			BotName:    ar.botName,
			Source:     ar.source,
			StartedAt:  ar.startedAt,
			Iterations: int(ar.iterations.Load()),
		})
	}
	return out
}
