package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/schema"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schemaSQL = []string{`CREATE TABLE IF NOT EXISTS agentqueue_results (
	entry_id     TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	worker       TEXT NOT NULL,
	status       TEXT NOT NULL,
	result_json  TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL,
	archived_at  TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS agentqueue_results_task ON agentqueue_results (task_id)`,
	`CREATE INDEX IF NOT EXISTS agentqueue_results_completed ON agentqueue_results (completed_at)`,
}

// Record is one archived result.
type Record struct {
	EntryID    string
	Result     schema.Result
	ArchivedAt time.Time
}

// Store persists archived results.
type Store interface {
	Insert(ctx context.Context, entryID string, r *schema.Result) (bool, error)
	GetByTaskID(ctx context.Context, taskID string) (*Record, error)
	ListRecent(ctx context.Context, limit int) ([]Record, error)
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps db. Call Migrate before first use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Open opens (creating if needed) a SQLite database at path and migrates it.
func Open(ctx context.Context, path string) (*SQLStore, *sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "open "+path)
	}
	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// Migrate creates the table and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.Internal("nil db")
	}
	for _, stmt := range schemaSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "migrate archive")
		}
	}
	return nil
}

// Insert stores r under entryID. It reports false when the entry was
// already archived.
func (s *SQLStore) Insert(ctx context.Context, entryID string, r *schema.Result) (bool, error) {
	if s.db == nil {
		return false, errors.Internal("nil db")
	}
	doc, err := json.Marshal(r.Result)
	if err != nil {
		return false, errors.Wrap(err, "encode result")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agentqueue_results
			(entry_id, task_id, worker, status, result_json, started_at, completed_at, duration_ms, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, r.TaskID, r.Worker, string(r.Status), string(doc),
		formatTime(r.StartedAt), formatTime(r.CompletedAt), r.DurationMs, formatTime(s.now()),
	)
	if err != nil {
		return false, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "insert result "+entryID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert result "+entryID)
	}
	return n == 1, nil
}

const selectColumns = `SELECT entry_id, task_id, worker, status, result_json, started_at, completed_at, duration_ms, archived_at
	FROM agentqueue_results`

// GetByTaskID returns the most recently completed result for taskID, or a
// NOT_FOUND error.
func (s *SQLStore) GetByTaskID(ctx context.Context, taskID string) (*Record, error) {
	if s.db == nil {
		return nil, errors.Internal("nil db")
	}
	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE task_id = ? ORDER BY completed_at DESC LIMIT 1`, taskID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("no archived result for task "+taskID, errors.WithTaskID(taskID))
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecent returns up to limit records, most recently completed first.
func (s *SQLStore) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, errors.Internal("nil db")
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` ORDER BY completed_at DESC, entry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list archive")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "list archive")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                               Record
		status, doc                       string
		startedAt, completedAt, archiveAt string
	)
	err := row.Scan(&rec.EntryID, &rec.Result.TaskID, &rec.Result.Worker, &status, &doc,
		&startedAt, &completedAt, &rec.Result.DurationMs, &archiveAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "scan archived result")
	}
	rec.Result.Status = schema.ResultStatus(status)
	if err := json.Unmarshal([]byte(doc), &rec.Result.Result); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode archived result "+rec.EntryID)
	}
	for _, t := range []struct {
		dst *time.Time
		src string
	}{
		{&rec.Result.StartedAt, startedAt},
		{&rec.Result.CompletedAt, completedAt},
		{&rec.ArchivedAt, archiveAt},
	} {
		parsed, err := time.Parse(timeLayout, t.src)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeCorruption, "decode archived time "+rec.EntryID)
		}
		*t.dst = parsed
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
