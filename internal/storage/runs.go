package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BeginRun claims the bot's exclusion slot and creates a pending run in one
// transaction. The claim is an INSERT on a table keyed by bot id, so a
// concurrent scheduled tick and manual trigger cannot both win.
func (s *sqliteStore) BeginRun(ctx context.Context, botID string, source TriggerSource) (Run, error) {
	if _, err := s.GetBot(ctx, botID); err != nil {
		return Run{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("storage: begin run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	run := Run{
		ID:        uuid.NewString(),
		BotID:     botID,
		Status:    RunPending,
		Source:    source,
		StartedAt: now,
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_claims (bot_id, run_id, claimed_at) VALUES (?,?,?)`,
		botID, run.ID, now.Format(timeFormat),
	)
	if err != nil {
		return Run{}, fmt.Errorf("storage: claim slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Run{}, fmt.Errorf("storage: bot %s: %w", botID, ErrAlreadyRunning)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, bot_id, status, source, started_at) VALUES (?,?,?,?,?)`,
		run.ID, botID, string(run.Status), string(run.Source), now.Format(timeFormat),
	)
	if err != nil {
		return Run{}, fmt.Errorf("storage: create run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("storage: begin run commit: %w", err)
	}
	return run, nil
}

func (s *sqliteStore) ReleaseSlot(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_claims WHERE bot_id = ?`, botID)
	if err != nil {
		return fmt.Errorf("storage: release slot: %w", err)
	}
	return nil
}

func (s *sqliteStore) ActiveRunID(ctx context.Context, botID string) (string, bool, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM run_claims WHERE bot_id = ?`, botID,
	).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: active run: %w", err)
	}
	return runID, true, nil
}

func (s *sqliteStore) HeldSlots(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bot_id, run_id FROM run_claims`)
	if err != nil {
		return nil, fmt.Errorf("storage: held slots: %w", err)
	}
	defer rows.Close()

	held := map[string]string{}
	for rows.Next() {
		var botID, runID string
		if err := rows.Scan(&botID, &runID); err != nil {
			return nil, fmt.Errorf("storage: scan slot: %w", err)
		}
		held[botID] = runID
	}
	return held, rows.Err()
}

func (s *sqliteStore) StartRun(ctx context.Context, runID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, started_at=? WHERE id=? AND status=?`,
		string(RunRunning), at.UTC().Format(timeFormat), runID, string(RunPending),
	)
	if err != nil {
		return fmt.Errorf("storage: start run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: run %s not pending: %w", runID, ErrNotFound)
	}
	return nil
}

// FinishRun records the terminal status. Transitions are monotonic: a run
// already in a terminal state is left untouched and no error is reported.
func (s *sqliteStore) FinishRun(ctx context.Context, runID string, status RunStatus, iterations int, outcome, errMsg string, duration time.Duration, endedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: finish run: %q is not a terminal status", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, ended_at=?, duration_ms=?, iterations=?, outcome=?, error=?
		 WHERE id=? AND status IN (?,?)`,
		string(status), endedAt.UTC().Format(timeFormat), duration.Milliseconds(),
		iterations, outcome, errMsg,
		runID, string(RunPending), string(RunRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already terminal; only the former is an error.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id=?`, runID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return err
	}
	return nil
}

const runColumns = `id, bot_id, status, source, started_at, ended_at, duration_ms,
	iterations, outcome, error, cancel_requested`

func (s *sqliteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs for a bot ordered newest-first, plus the total count.
func (s *sqliteStore) ListRuns(ctx context.Context, botID string, limit, offset int) ([]Run, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE bot_id = ?`, botID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE bot_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		botID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

func (s *sqliteStore) LastRunStart(ctx context.Context, botID string) (time.Time, bool, error) {
	var started string
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM runs WHERE bot_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		botID,
	).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("storage: last run start: %w", err)
	}
	t, err := time.Parse(timeFormat, started)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("storage: parse started_at: %w", err)
	}
	return t, true, nil
}

// RequestCancel persists the cooperative-cancellation flag. It does not change
// the run status; the engine observes the flag at its next checkpoint.
func (s *sqliteStore) RequestCancel(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested=1 WHERE id=?`, runID,
	)
	if err != nil {
		return fmt.Errorf("storage: request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE id=?`, runID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("storage: cancel requested: %w", err)
	}
	return v != 0, nil
}

func (s *sqliteStore) AppendMilestone(ctx context.Context, runID, typ, name string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (run_id, type, name, at) VALUES (?,?,?,?)`,
		runID, typ, name, at.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("storage: append milestone: %w", err)
	}
	return nil
}

func (s *sqliteStore) Milestones(ctx context.Context, runID string) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, run_id, type, name, at FROM milestones WHERE run_id=? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: milestones: %w", err)
	}
	defer rows.Close()

	var ms []Milestone
	for rows.Next() {
		var (
			m  Milestone
			at string
		)
		if err := rows.Scan(&m.Seq, &m.RunID, &m.Type, &m.Name, &at); err != nil {
			return nil, fmt.Errorf("storage: scan milestone: %w", err)
		}
		m.At, _ = time.Parse(timeFormat, at)
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

// ReapOrphanRuns fails non-terminal runs older than grace and frees their
// slots. A "running" row with no live goroutine behind it can only come from a
// crashed process, which is exactly what process-local cleanup cannot cover.
func (s *sqliteStore) ReapOrphanRuns(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: reap orphans: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, bot_id FROM runs WHERE status IN (?,?) AND started_at < ?`,
		string(RunPending), string(RunRunning), cutoff.Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: find orphans: %w", err)
	}
	type orphan struct{ runID, botID string }
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.runID, &o.botID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: scan orphan: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(timeFormat)
	for _, o := range orphans {
		_, err := tx.ExecContext(ctx,
			`UPDATE runs SET status=?, ended_at=?, error=? WHERE id=?`,
			string(RunFailed), now,
			"orphaned: no live execution backing this run (scheduler restart)", o.runID,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: mark orphan failed: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM run_claims WHERE bot_id=? AND run_id=?`, o.botID, o.runID,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: free orphan slot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: reap commit: %w", err)
	}
	return len(orphans), nil
}

// PruneRuns deletes a bot's oldest terminal runs beyond keep, milestones
// included.
func (s *sqliteStore) PruneRuns(ctx context.Context, botID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM milestones WHERE run_id IN (
		    SELECT id FROM runs WHERE bot_id=? AND status NOT IN (?,?)
		    ORDER BY started_at DESC LIMIT -1 OFFSET ?
		 )`,
		botID, string(RunPending), string(RunRunning), keep,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune milestones: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id IN (
		    SELECT id FROM runs WHERE bot_id=? AND status NOT IN (?,?)
		    ORDER BY started_at DESC LIMIT -1 OFFSET ?
		 )`,
		botID, string(RunPending), string(RunRunning), keep,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRun(sc scanner) (Run, error) {
	var (
		r          Run
		status     string
		source     string
		started    string
		ended      sql.NullString
		durationMS int64
		cancel     int
	)
	err := sc.Scan(
		&r.ID, &r.BotID, &status, &source, &started, &ended, &durationMS,
		&r.Iterations, &r.Outcome, &r.Error, &cancel,
	)
	if err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	r.Source = TriggerSource(source)
	r.StartedAt, _ = time.Parse(timeFormat, started)
	if ended.Valid && ended.String != "" {
		t, err := time.Parse(timeFormat, ended.String)
		if err == nil {
			r.EndedAt = &t
		}
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.CancelRequested = cancel != 0
	return r, nil
}
