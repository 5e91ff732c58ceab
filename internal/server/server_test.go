package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goalbot/internal/agent"
	"goalbot/internal/engine"
	"goalbot/internal/eventbus"
	"goalbot/internal/scheduler"
	"goalbot/internal/storage"
	logx "goalbot/pkg/logx"
)

type testAPI struct {
	store   storage.Store
	reg     *agent.Registry
	bus     eventbus.Bus
	eng     *engine.Engine
	sched   *scheduler.Service
	srv     *Server
	release chan struct{} // blockable agent
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "goalbot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a := &testAPI{
		store:   st,
		reg:     agent.NewRegistry(),
		bus:     eventbus.New(),
		release: make(chan struct{}),
	}
	require.NoError(t, a.reg.Register("blocking", agent.Func(func(ctx context.Context, in agent.StepInput) (agent.StepResult, error) {
		select {
		case <-a.release:
		case <-ctx.Done():
		}
		return agent.StepResult{GoalAchieved: true}, nil
	})))

	a.eng = engine.New(engine.Config{}, st, a.reg, a.bus, logx.Nop())
	a.eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.eng.Stop(ctx)
	})
	a.sched = scheduler.New(scheduler.Config{}, st, a.eng, logx.Nop())
	a.srv = New(Config{}, HandlersDeps{
		Store:     st,
		Scheduler: a.sched,
		Engine:    a.eng,
		Log:       logx.Nop(),
		Version:   "test",
	})
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[apiError](t, rec).Error.Code
}

func validBot(id string) botRequest {
	return botRequest{
		ID:            id,
		Name:          "Inbox Triage",
		Agent:         "blocking",
		Instruction:   "triage it",
		Schedule:      "60",
		MaxIterations: 3,
		MaxRuntime:    "1m",
	}
}

func TestBotCRUD(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/v1/bots", validBot("b1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[botView](t, rec)
	require.Equal(t, "b1", created.ID)
	require.True(t, created.Enabled)
	require.Equal(t, "1m0s", created.MaxRuntime)

	// Duplicate id.
	rec = a.do(t, http.MethodPost, "/v1/bots", validBot("b1"))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, codeAlreadyExists, errorCode(t, rec))

	// Bad schedule is caught at edit time.
	bad := validBot("b2")
	bad.Schedule = "every blue moon"
	rec = a.do(t, http.MethodPost, "/v1/bots", bad)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, codeScheduleInvalid, errorCode(t, rec))

	// Missing name.
	bad = validBot("b2")
	bad.Name = ""
	rec = a.do(t, http.MethodPost, "/v1/bots", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeInvalidInput, errorCode(t, rec))

	// Update.
	upd := validBot("")
	upd.Name = "Inbox Triage v2"
	rec = a.do(t, http.MethodPut, "/v1/bots/b1", upd)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Inbox Triage v2", decodeBody[botView](t, rec).Name)

	rec = a.do(t, http.MethodPut, "/v1/bots/missing", upd)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, errorCode(t, rec))

	// List: never-run interval bot shows as due now-ish, not running.
	rec = a.do(t, http.MethodGet, "/v1/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bots := decodeBody[[]botView](t, rec)
	require.Len(t, bots, 1)
	require.False(t, bots[0].HasRunningJob)
	require.NotNil(t, bots[0].NextDue)
}

func TestToggle(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	a.do(t, http.MethodPost, "/v1/bots", validBot("b1"))

	// Empty body flips.
	rec := a.do(t, http.MethodPost, "/v1/bots/b1/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decodeBody[botView](t, rec).Enabled)

	// Explicit value sets.
	rec = a.do(t, http.MethodPost, "/v1/bots/b1/toggle", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeBody[botView](t, rec).Enabled)
}

func TestTriggerCancelAndState(t *testing.T) {
	a := newTestAPI(t)
	a.do(t, http.MethodPost, "/v1/bots", validBot("b1"))

	// Cancel with no active run is a reported no-op.
	rec := a.do(t, http.MethodPost, "/v1/bots/b1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decodeBody[cancelResult](t, rec).Cancelled)

	rec = a.do(t, http.MethodPost, "/v1/bots/b1/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decodeBody[runView](t, rec)
	require.Equal(t, "manual", run.Source)

	// Second trigger while the slot is held.
	rec = a.do(t, http.MethodPost, "/v1/bots/b1/trigger", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, codeAlreadyRunning, errorCode(t, rec))

	// Detail shows the running job.
	rec = a.do(t, http.MethodGet, "/v1/bots/b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[botDetail](t, rec)
	require.True(t, detail.HasRunningJob)
	require.Equal(t, 1, detail.TotalRuns)

	// Reset state is refused while the slot is held.
	rec = a.do(t, http.MethodDelete, "/v1/bots/b1/state", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, codeRunInProgress, errorCode(t, rec))

	// Cancel targets the active run.
	rec = a.do(t, http.MethodPost, "/v1/bots/b1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[cancelResult](t, rec)
	require.True(t, res.Cancelled)
	require.Equal(t, run.ID, res.RunID)

	close(a.release)
	require.Eventually(t, func() bool {
		rec := a.do(t, http.MethodGet, fmt.Sprintf("/v1/runs/%s", run.ID), nil)
		st := decodeBody[runDetail](t, rec).Status
		return st != "pending" && st != "running"
	}, 5*time.Second, 20*time.Millisecond)

	// Slot free: reset now succeeds (no state row is fine).
	require.Eventually(t, func() bool {
		rec := a.do(t, http.MethodDelete, "/v1/bots/b1/state", nil)
		return rec.Code == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	// No state persisted for this bot.
	rec = a.do(t, http.MethodGet, "/v1/bots/b1/state", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsEndpoints(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	a.do(t, http.MethodPost, "/v1/bots", validBot("b1"))

	ctx := context.Background()
	var last string
	for i := 0; i < 3; i++ {
		run, err := a.store.BeginRun(ctx, "b1", storage.SourceScheduled)
		require.NoError(t, err)
		require.NoError(t, a.store.AppendMilestone(ctx, run.ID, storage.MilestoneRunStart, "run started", time.Now()))
		require.NoError(t, a.store.FinishRun(ctx, run.ID, storage.RunCompleted, 1, "ok", "", time.Second, time.Now()))
		require.NoError(t, a.store.ReleaseSlot(ctx, "b1"))
		last = run.ID
		time.Sleep(2 * time.Millisecond)
	}

	rec := a.do(t, http.MethodGet, "/v1/bots/b1/runs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[runsPage](t, rec)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Runs, 2)
	require.Equal(t, last, page.Runs[0].ID) // newest first

	rec = a.do(t, http.MethodGet, "/v1/bots/b1/runs?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, fmt.Sprintf("/v1/runs/%s", last), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[runDetail](t, rec)
	require.Equal(t, "completed", detail.Status)
	require.NotEmpty(t, detail.Milestones)

	rec = a.do(t, http.MethodGet, "/v1/runs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "test", body["version"])
}
