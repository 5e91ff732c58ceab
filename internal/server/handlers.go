package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"goalbot/internal/engine"
	"goalbot/internal/schedule"
	"goalbot/internal/scheduler"
	"goalbot/internal/storage"
	logx "goalbot/pkg/logx"
)

const recentRunsInDetail = 10

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store     storage.Store
	sched     *scheduler.Service
	eng       *engine.Engine
	log       logx.Logger
	version   string
	startedAt time.Time
}

type HandlersDeps struct {
	Store     storage.Store
	Scheduler *scheduler.Service
	Engine    *engine.Engine
	Log       logx.Logger
	Version   string
}

func NewHandlers(d HandlersDeps) *Handlers {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{
		store:     d.Store,
		sched:     d.Scheduler,
		eng:       d.Engine,
		log:       log.With(logx.String("comp", "server")),
		version:   d.Version,
		startedAt: time.Now(),
	}
}

// writeStoreError maps store sentinels to the API error taxonomy.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, storage.ErrExists):
		writeError(w, r, http.StatusConflict, codeAlreadyExists, err.Error())
	case errors.Is(err, storage.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, codeAlreadyRunning, err.Error())
	case errors.Is(err, storage.ErrRunInProgress):
		writeError(w, r, http.StatusConflict, codeRunInProgress, err.Error())
	case errors.Is(err, storage.ErrStateConflict):
		writeError(w, r, http.StatusConflict, codeStateConflict, err.Error())
	default:
		h.log.Error("request failed",
			logx.String("path", r.URL.Path),
			logx.String("request_id", RequestIDFromContext(r.Context())),
			logx.Err(err),
		)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, codeInternal, "storage unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     h.version,
		"uptime_s":    int64(time.Since(h.startedAt).Seconds()),
		"active_runs": len(h.eng.Snapshot()),
	})
}

// HandleListBots handles GET /v1/bots.
func (h *Handlers) HandleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.store.ListBots(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	held, err := h.store.HeldSlots(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	out := make([]botView, 0, len(bots))
	for _, b := range bots {
		v := toBotView(b)
		_, v.HasRunningJob = held[b.ID]
		if b.Enabled {
			if next, err := h.sched.NextDue(r.Context(), b); err == nil {
				v.NextDue = &next
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreateBot handles POST /v1/bots.
func (h *Handlers) HandleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req botRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	bot, ok := h.botFromRequest(w, r, req, storage.Bot{ID: strings.TrimSpace(req.ID), Enabled: true})
	if !ok {
		return
	}
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	created, err := h.store.CreateBot(r.Context(), bot)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBotView(created))
}

// HandleGetBot handles GET /v1/bots/{bot_id}.
func (h *Handlers) HandleGetBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	bot, err := h.store.GetBot(r.Context(), botID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	detail := botDetail{botView: toBotView(bot)}
	if _, held, err := h.store.ActiveRunID(r.Context(), botID); err == nil {
		detail.HasRunningJob = held
	}
	if bot.Enabled {
		if next, err := h.sched.NextDue(r.Context(), bot); err == nil {
			detail.NextDue = &next
		}
	}
	if st, ok, err := h.store.GetState(r.Context(), botID); err == nil && ok {
		detail.State = &stateView{Version: st.Version, UpdatedAt: st.UpdatedAt}
	}
	runs, total, err := h.store.ListRuns(r.Context(), botID, recentRunsInDetail, 0)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	detail.TotalRuns = total
	detail.Runs = toRunViews(runs)
	writeJSON(w, http.StatusOK, detail)
}

// HandleUpdateBot handles PUT /v1/bots/{bot_id}.
func (h *Handlers) HandleUpdateBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	current, err := h.store.GetBot(r.Context(), botID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	var req botRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	bot, ok := h.botFromRequest(w, r, req, current)
	if !ok {
		return
	}
	updated, err := h.store.UpdateBot(r.Context(), bot)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotView(updated))
}

// botFromRequest validates the payload onto base. Schedule syntax is checked
// here, at edit time, never at evaluation time.
func (h *Handlers) botFromRequest(w http.ResponseWriter, r *http.Request, req botRequest, base storage.Bot) (storage.Bot, bool) {
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, "name is required")
		return storage.Bot{}, false
	}
	if strings.TrimSpace(req.Agent) == "" {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, "agent is required")
		return storage.Bot{}, false
	}
	if _, err := schedule.Parse(req.Schedule); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, codeScheduleInvalid,
			fmt.Sprintf("schedule %q: %v", req.Schedule, err))
		return storage.Bot{}, false
	}
	if req.MaxIterations < 0 {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, "max_iterations must be >= 0")
		return storage.Bot{}, false
	}

	base.Name = req.Name
	base.Description = req.Description
	base.Agent = req.Agent
	base.Instruction = req.Instruction
	base.Schedule = strings.TrimSpace(req.Schedule)
	base.MaxIterations = req.MaxIterations
	base.NotifyChatID = req.NotifyChatID
	base.Tools = req.Tools
	if req.Enabled != nil {
		base.Enabled = *req.Enabled
	}
	base.MaxRuntime = 0
	if strings.TrimSpace(req.MaxRuntime) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(req.MaxRuntime))
		if err != nil || d < 0 {
			writeError(w, r, http.StatusBadRequest, codeInvalidInput,
				fmt.Sprintf("max_runtime %q: not a duration", req.MaxRuntime))
			return storage.Bot{}, false
		}
		base.MaxRuntime = d
	}
	return base, true
}

// HandleToggleBot handles POST /v1/bots/{bot_id}/toggle. An empty body flips
// the flag; {"enabled": bool} sets it. Disabling never cancels an in-flight
// run.
func (h *Handlers) HandleToggleBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	bot, err := h.store.GetBot(r.Context(), botID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	target := !bot.Enabled
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	if req.Enabled != nil {
		target = *req.Enabled
	}

	updated, err := h.store.SetBotEnabled(r.Context(), botID, target)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotView(updated))
}

// HandleTriggerBot handles POST /v1/bots/{bot_id}/trigger.
func (h *Handlers) HandleTriggerBot(w http.ResponseWriter, r *http.Request) {
	run, err := h.sched.Trigger(r.Context(), r.PathValue("bot_id"), storage.SourceManual)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRunView(run))
}

// HandleCancelBot handles POST /v1/bots/{bot_id}/cancel. A missing active
// run is a reported no-op, not an error; the engine observes the request at
// its next iteration checkpoint.
func (h *Handlers) HandleCancelBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	if _, err := h.store.GetBot(r.Context(), botID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	runID, held, err := h.store.ActiveRunID(r.Context(), botID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !held {
		writeJSON(w, http.StatusOK, cancelResult{Cancelled: false})
		return
	}
	if err := h.store.RequestCancel(r.Context(), runID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResult{Cancelled: true, RunID: runID})
}

// HandleGetState handles GET /v1/bots/{bot_id}/state.
func (h *Handlers) HandleGetState(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	if _, err := h.store.GetBot(r.Context(), botID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	st, ok, err := h.store.GetState(r.Context(), botID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, codeNotFound, "no persisted state")
		return
	}
	writeJSON(w, http.StatusOK, stateDetail{
		BotID:     botID,
		Version:   st.Version,
		UpdatedAt: st.UpdatedAt,
		Payload:   st.Payload,
	})
}

// HandleResetState handles DELETE /v1/bots/{bot_id}/state.
func (h *Handlers) HandleResetState(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	if _, err := h.store.GetBot(r.Context(), botID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if err := h.store.DeleteState(r.Context(), botID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListRuns handles GET /v1/bots/{bot_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	if _, err := h.store.GetBot(r.Context(), botID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 || offset < 0 {
		writeError(w, r, http.StatusBadRequest, codeInvalidInput, "limit must be 1..500, offset >= 0")
		return
	}
	runs, total, err := h.store.ListRuns(r.Context(), botID, limit, offset)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runsPage{
		Runs:   toRunViews(runs),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	ms, err := h.store.Milestones(r.Context(), runID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	detail := runDetail{runView: toRunView(run), Milestones: make([]milestoneView, 0, len(ms))}
	for _, m := range ms {
		detail.Milestones = append(detail.Milestones, milestoneView{
			Seq: m.Seq, Type: m.Type, Name: m.Name, At: m.At,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
