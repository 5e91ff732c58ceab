package server

import (
	"encoding/json"
	"time"

	"goalbot/internal/storage"
)

// Error codes surfaced in the error envelope.
const (
	codeInvalidInput    = "invalid_input"
	codeNotFound        = "not_found"
	codeAlreadyExists   = "already_exists"
	codeAlreadyRunning  = "already_running"
	codeRunInProgress   = "run_in_progress"
	codeScheduleInvalid = "schedule_invalid"
	codeStateConflict   = "state_conflict"
	codeInternal        = "internal_error"
)

type apiError struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// botRequest is the create/update payload. MaxRuntime is a Go duration
// string ("10m"); MaxIterations zero means the engine default.
type botRequest struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Agent         string   `json:"agent"`
	Instruction   string   `json:"instruction"`
	Schedule      string   `json:"schedule"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	MaxRuntime    string   `json:"max_runtime,omitempty"`
	NotifyChatID  int64    `json:"notify_chat_id,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
}

type botView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Agent         string    `json:"agent"`
	Instruction   string    `json:"instruction"`
	Schedule      string    `json:"schedule"`
	MaxIterations int       `json:"max_iterations"`
	MaxRuntime    string    `json:"max_runtime,omitempty"`
	NotifyChatID  int64     `json:"notify_chat_id,omitempty"`
	Tools         []string  `json:"tools,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	HasRunningJob bool       `json:"has_running_job"`
	NextDue       *time.Time `json:"next_due,omitempty"`
}

type stateView struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type botDetail struct {
	botView
	State     *stateView `json:"state,omitempty"`
	TotalRuns int        `json:"total_runs"`
	Runs      []runView  `json:"recent_runs"`
}

type runView struct {
	ID              string     `json:"id"`
	BotID           string     `json:"bot_id"`
	Status          string     `json:"status"`
	Source          string     `json:"source"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMS      int64      `json:"duration_ms"`
	Iterations      int        `json:"iterations"`
	Outcome         string     `json:"outcome,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
}

type milestoneView struct {
	Seq  int64     `json:"seq"`
	Type string    `json:"type"`
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type runDetail struct {
	runView
	Milestones []milestoneView `json:"milestones"`
}

type runsPage struct {
	Runs   []runView `json:"runs"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

type cancelResult struct {
	Cancelled bool   `json:"cancelled"`
	RunID     string `json:"run_id,omitempty"`
}

type stateDetail struct {
	BotID     string          `json:"bot_id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

func toBotView(b storage.Bot) botView {
	v := botView{
		ID:            b.ID,
		Name:          b.Name,
		Description:   b.Description,
		Agent:         b.Agent,
		Instruction:   b.Instruction,
		Schedule:      b.Schedule,
		MaxIterations: b.MaxIterations,
		NotifyChatID:  b.NotifyChatID,
		Tools:         b.Tools,
		Enabled:       b.Enabled,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
	if b.MaxRuntime > 0 {
		v.MaxRuntime = b.MaxRuntime.String()
	}
	return v
}

func toRunView(r storage.Run) runView {
	return runView{
		ID:              r.ID,
		BotID:           r.BotID,
		Status:          string(r.Status),
		Source:          string(r.Source),
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		DurationMS:      r.Duration.Milliseconds(),
		Iterations:      r.Iterations,
		Outcome:         r.Outcome,
		Error:           r.Error,
		CancelRequested: r.CancelRequested,
	}
}

func toRunViews(rs []storage.Run) []runView {
	out := make([]runView, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRunView(r))
	}
	return out
}
