package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func (s *sqliteStore) GetState(ctx context.Context, botID string) (BotState, bool, error) {
	var (
		st      BotState
		payload string
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT bot_id, payload, version, updated_at FROM bot_state WHERE bot_id = ?`,
		botID,
	).Scan(&st.BotID, &payload, &st.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return BotState{}, false, nil
	}
	if err != nil {
		return BotState{}, false, fmt.Errorf("storage: get state: %w", err)
	}
	st.Payload = json.RawMessage(payload)
	st.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return st, true, nil
}

// PutState writes the payload conditioned on the version the caller last read
// (0 when no state existed). A stale write gets ErrStateConflict and leaves
// the stored value untouched; the caller decides whether to reread or abort.
func (s *sqliteStore) PutState(ctx context.Context, botID string, payload json.RawMessage, expectVersion int64) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	now := time.Now().UTC().Format(timeFormat)

	if expectVersion == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO bot_state (bot_id, payload, version, updated_at) VALUES (?,?,1,?)`,
			botID, string(payload), now,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("storage: bot %s: %w", botID, ErrStateConflict)
		}
		return 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_state SET payload=?, version=version+1, updated_at=? WHERE bot_id=? AND version=?`,
		string(payload), now, botID, expectVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: update state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("storage: bot %s: %w", botID, ErrStateConflict)
	}
	return expectVersion + 1, nil
}

// DeleteState removes the state row. Refused while the exclusion slot is held
// so a reset can't race an in-flight state write; the existence check and the
// delete run in one transaction.
func (s *sqliteStore) DeleteState(ctx context.Context, botID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: delete state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM run_claims WHERE bot_id=?`, botID).Scan(&one)
	if err == nil {
		return fmt.Errorf("storage: bot %s: %w", botID, ErrRunInProgress)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage: delete state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_state WHERE bot_id=?`, botID); err != nil {
		return fmt.Errorf("storage: delete state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: delete state commit: %w", err)
	}
	return nil
}
