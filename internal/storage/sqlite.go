package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "goalbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Bots ----

const botColumns = `id, name, description, agent, instruction, schedule,
	max_iterations, max_runtime_ms, notify_chat_id, tools, enabled, created_at, updated_at`

func (s *sqliteStore) CreateBot(ctx context.Context, b Bot) (Bot, error) {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	tools, err := marshalTools(b.Tools)
	if err != nil {
		return Bot{}, fmt.Errorf("storage: encode tools: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO bots (`+botColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Name, b.Description, b.Agent, b.Instruction, b.Schedule,
		b.MaxIterations, b.MaxRuntime.Milliseconds(), b.NotifyChatID, tools,
		boolInt(b.Enabled), now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return Bot{}, fmt.Errorf("storage: create bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Bot{}, fmt.Errorf("storage: bot %s: %w", b.ID, ErrExists)
	}
	return b, nil
}

func (s *sqliteStore) UpdateBot(ctx context.Context, b Bot) (Bot, error) {
	b.UpdatedAt = time.Now().UTC()

	tools, err := marshalTools(b.Tools)
	if err != nil {
		return Bot{}, fmt.Errorf("storage: encode tools: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET name=?, description=?, agent=?, instruction=?, schedule=?,
		 max_iterations=?, max_runtime_ms=?, notify_chat_id=?, tools=?, enabled=?, updated_at=?
		 WHERE id=?`,
		b.Name, b.Description, b.Agent, b.Instruction, b.Schedule,
		b.MaxIterations, b.MaxRuntime.Milliseconds(), b.NotifyChatID, tools,
		boolInt(b.Enabled), b.UpdatedAt.Format(timeFormat), b.ID,
	)
	if err != nil {
		return Bot{}, fmt.Errorf("storage: update bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Bot{}, fmt.Errorf("storage: bot %s: %w", b.ID, ErrNotFound)
	}
	return s.GetBot(ctx, b.ID)
}

func (s *sqliteStore) GetBot(ctx context.Context, id string) (Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, fmt.Errorf("storage: bot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Bot{}, fmt.Errorf("storage: get bot: %w", err)
	}
	return b, nil
}

func (s *sqliteStore) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *sqliteStore) SetBotEnabled(ctx context.Context, id string, enabled bool) (Bot, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET enabled=?, updated_at=? WHERE id=?`,
		boolInt(enabled), time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return Bot{}, fmt.Errorf("storage: set enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Bot{}, fmt.Errorf("storage: bot %s: %w", id, ErrNotFound)
	}
	return s.GetBot(ctx, id)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBot(sc scanner) (Bot, error) {
	var (
		b         Bot
		runtimeMS int64
		tools     sql.NullString
		enabled   int
		created   string
		updated   string
	)
	err := sc.Scan(
		&b.ID, &b.Name, &b.Description, &b.Agent, &b.Instruction, &b.Schedule,
		&b.MaxIterations, &runtimeMS, &b.NotifyChatID, &tools, &enabled, &created, &updated,
	)
	if err != nil {
		return Bot{}, err
	}
	b.MaxRuntime = time.Duration(runtimeMS) * time.Millisecond
	b.Enabled = enabled != 0
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &b.Tools); err != nil {
			return Bot{}, fmt.Errorf("decode tools: %w", err)
		}
	}
	b.CreatedAt, _ = time.Parse(timeFormat, created)
	b.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return b, nil
}

func marshalTools(tools []string) (any, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tools)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
