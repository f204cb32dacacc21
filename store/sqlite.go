package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	errors "github.com/goliatone/go-errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	function   TEXT NOT NULL,
	status     TEXT NOT NULL,
	wake_at    INTEGER,
	wait_event TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_wake ON runs(status, wake_at);
CREATE INDEX IF NOT EXISTS idx_runs_wait ON runs(status, wait_event);
`

// SQLite persists runs in a single-file database, surviving process
// restarts. The queryable scheduling facts are projected into columns; the
// full record travels as JSON.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "cannot open run database").
			WithTextCode("STORE_OPEN_FAILED").
			WithMetadata(map[string]any{"path": path})
	}
	// modernc's driver serializes writes per connection; one connection
	// avoids SQLITE_BUSY under concurrent runners
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CategoryExternal, "cannot migrate run database").
			WithTextCode("STORE_MIGRATE_FAILED").
			WithMetadata(map[string]any{"path": path})
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("run record requires an id", errors.CategoryBadInput).
			WithTextCode("RUN_ID_MISSING")
	}

	now := time.Now().UTC()
	cp := rec.Clone()
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, errors.CategoryOperation, "run record is not serializable").
			WithTextCode("STORE_ENCODE_FAILED").
			WithMetadata(map[string]any{"run_id": cp.ID})
	}

	var wakeAt any
	if cp.WakeAt != nil {
		wakeAt = cp.WakeAt.UTC().UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, function, status, wake_at, wait_event, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			function = excluded.function,
			status = excluded.status,
			wake_at = excluded.wake_at,
			wait_event = excluded.wait_event,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		cp.ID, cp.FunctionSlug, string(cp.Status), wakeAt, cp.WaitEvent,
		cp.CreatedAt.UnixNano(), cp.UpdatedAt.UnixNano(), string(payload),
	)
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "cannot persist run").
			WithTextCode("STORE_WRITE_FAILED").
			WithMetadata(map[string]any{"run_id": cp.ID})
	}

	rec.CreatedAt = cp.CreatedAt
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrap(ErrRunNotFound, errors.CategoryNotFound, "run not found").
				WithMetadata(map[string]any{"run_id": id})
		}
		return nil, errors.Wrap(err, errors.CategoryExternal, "cannot load run").
			WithTextCode("STORE_READ_FAILED").
			WithMetadata(map[string]any{"run_id": id})
	}
	return decodeRecord(payload)
}

func (s *SQLite) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "cannot delete run").
			WithTextCode("STORE_WRITE_FAILED").
			WithMetadata(map[string]any{"run_id": id})
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(ErrRunNotFound, errors.CategoryNotFound, "run not found").
			WithMetadata(map[string]any{"run_id": id})
	}
	return nil
}

func (s *SQLite) ListRuns(ctx context.Context, status RunStatus) ([]*RunRecord, error) {
	if status == "" {
		return s.query(ctx, `SELECT payload FROM runs ORDER BY created_at, id`)
	}
	return s.query(ctx, `SELECT payload FROM runs WHERE status = ? ORDER BY created_at, id`, string(status))
}

func (s *SQLite) DueSleepers(ctx context.Context, now time.Time) ([]*RunRecord, error) {
	return s.query(ctx, `
		SELECT payload FROM runs
		WHERE status = ? AND wake_at IS NOT NULL AND wake_at <= ?
		ORDER BY wake_at, id`,
		string(StatusSleeping), now.UTC().UnixNano())
}

func (s *SQLite) Waiters(ctx context.Context, eventName string) ([]*RunRecord, error) {
	return s.query(ctx, `
		SELECT payload FROM runs
		WHERE status = ? AND wait_event = ?
		ORDER BY created_at, id`,
		string(StatusWaiting), eventName)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "cannot query runs").
			WithTextCode("STORE_READ_FAILED")
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, errors.CategoryExternal, "cannot scan run row").
				WithTextCode("STORE_READ_FAILED")
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "run query failed").
			WithTextCode("STORE_READ_FAILED")
	}
	return out, nil
}

func decodeRecord(payload string) (*RunRecord, error) {
	var rec RunRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, errors.Wrap(err, errors.CategoryOperation, "stored run payload is corrupt").
			WithTextCode("STORE_DECODE_FAILED")
	}
	return &rec, nil
}
