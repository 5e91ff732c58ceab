package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a bot or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a bot whose id is already taken.
	ErrExists = errors.New("bot already exists")

	// ErrAlreadyRunning is returned by BeginRun when the bot's exclusion slot
	// is held. Benign conflict, not a fault.
	ErrAlreadyRunning = errors.New("run already in progress")

	// ErrRunInProgress is returned by DeleteState while the exclusion slot is
	// held, to avoid racing an in-flight state write.
	ErrRunInProgress = errors.New("run in progress")

	// ErrStateConflict is returned by PutState when the stored version no
	// longer matches the version the writer read.
	ErrStateConflict = errors.New("state version conflict")
)

// RunStatus is the lifecycle state of a run.
// pending → running → {completed | failed | cancelled | timeout}; terminal
// states are absorbing.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// TriggerSource records what started a run.
type TriggerSource string

const (
	SourceScheduled TriggerSource = "scheduled"
	SourceManual    TriggerSource = "manual"
)

// Bot is a registered goal definition.
type Bot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Agent names the collaborator in the agent registry.
	Agent       string `json:"agent"`
	Instruction string `json:"instruction"`

	// Schedule is the raw descriptor string, validated at create/edit time.
	Schedule string `json:"schedule"`

	MaxIterations int           `json:"max_iterations"`
	MaxRuntime    time.Duration `json:"max_runtime"`

	// NotifyChatID overrides the notifier's default chat; 0 means default.
	NotifyChatID int64 `json:"notify_chat_id,omitempty"`

	// Tools is the permitted tool set passed to the agent. Nil means all.
	Tools []string `json:"tools,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one scheduled or manual execution attempt.
type Run struct {
	ID         string        `json:"id"`
	BotID      string        `json:"bot_id"`
	Status     RunStatus     `json:"status"`
	Source     TriggerSource `json:"source"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	Iterations int           `json:"iterations"`
	Outcome    string        `json:"outcome,omitempty"`
	Error      string        `json:"error,omitempty"`

	// CancelRequested is the cooperative-cancellation flag; the engine reads
	// it between iterations.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// Milestone is an append-only audit entry within a run.
type Milestone struct {
	Seq   int64     `json:"seq"`
	RunID string    `json:"run_id"`
	Type  string    `json:"type"`
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
}

// Milestone type tags used by the engine. Agents may add their own.
const (
	MilestoneRunStart   = "run-start"
	MilestoneIteration  = "iteration-start"
	MilestoneGoalCheck  = "goal-check"
	MilestoneCompletion = "completion"
)

// BotState is the agent's versioned cross-run working memory.
type BotState struct {
	BotID     string          `json:"bot_id"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Config configures storage.
//
// Driver values: "sqlite" (default when empty). Path is the database file.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default

	// HistoryKeep bounds terminal runs retained per bot; 0 disables pruning.
	HistoryKeep int
}
