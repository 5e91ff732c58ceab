package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	logx "goalbot/pkg/logx"
)

// Store is the persistence API used by the scheduler, engine and control API.
type Store interface {
	// Bots.
	CreateBot(ctx context.Context, b Bot) (Bot, error)
	UpdateBot(ctx context.Context, b Bot) (Bot, error)
	GetBot(ctx context.Context, id string) (Bot, error)
	ListBots(ctx context.Context) ([]Bot, error)
	SetBotEnabled(ctx context.Context, id string, enabled bool) (Bot, error)

	// BeginRun atomically claims the bot's exclusion slot and creates a
	// pending run. The loser of a concurrent claim gets ErrAlreadyRunning and
	// no run row is created.
	BeginRun(ctx context.Context, botID string, source TriggerSource) (Run, error)

	// ReleaseSlot frees the exclusion slot. Idempotent.
	ReleaseSlot(ctx context.Context, botID string) error

	// ActiveRunID reports the run currently holding the bot's slot, if any.
	ActiveRunID(ctx context.Context, botID string) (string, bool, error)

	// HeldSlots returns bot id → run id for every held exclusion slot.
	HeldSlots(ctx context.Context) (map[string]string, error)

	// Runs.
	StartRun(ctx context.Context, runID string, at time.Time) error
	FinishRun(ctx context.Context, runID string, status RunStatus, iterations int, outcome, errMsg string, duration time.Duration, endedAt time.Time) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, botID string, limit, offset int) ([]Run, int, error)
	LastRunStart(ctx context.Context, botID string) (time.Time, bool, error)
	RequestCancel(ctx context.Context, runID string) error
	CancelRequested(ctx context.Context, runID string) (bool, error)
	AppendMilestone(ctx context.Context, runID, typ, name string, at time.Time) error
	Milestones(ctx context.Context, runID string) ([]Milestone, error)

	// ReapOrphanRuns marks non-terminal runs older than grace as failed and
	// frees their slots. Returns the number of runs reaped. Intended for the
	// scheduler's startup reconciliation pass.
	ReapOrphanRuns(ctx context.Context, grace time.Duration) (int, error)

	// PruneRuns deletes the oldest terminal runs of a bot beyond keep.
	PruneRuns(ctx context.Context, botID string, keep int) (int, error)

	// Versioned state.
	GetState(ctx context.Context, botID string) (BotState, bool, error)
	PutState(ctx context.Context, botID string, payload json.RawMessage, expectVersion int64) (int64, error)
	DeleteState(ctx context.Context, botID string) error

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
