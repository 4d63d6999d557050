// Package ledger keeps an optional SQLite history of bridge runs.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cli2rest/cli2rest/internal/transfer"
	"github.com/cli2rest/cli2rest/pkg/api"
)

// Store is a SQLite-backed run ledger.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (creating if needed) the ledger at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Workers record concurrently; SQLite takes one writer at a time.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("migrations table: %w", err)
	}
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var applied int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, name).Scan(&applied); err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		schema, err := migrationFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, now()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Run is one in-progress run in the ledger.
type Run struct {
	store *Store
	ID    string
}

// BeginRun records the start of a run over files inputs.
func (s *Store) BeginRun(ctx context.Context, tool, endpoint string, files int) (*Run, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tool, endpoint, files, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, tool, endpoint, files, now())
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	return &Run{store: s, ID: id}, nil
}

// RecordFile stores one file's terminal result.
func (r *Run) RecordFile(ctx context.Context, res *transfer.Result) error {
	missing, err := json.Marshal(nonNil(res.MissingFiles))
	if err != nil {
		return err
	}
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	_, err = r.store.db.ExecContext(ctx,
		`INSERT INTO run_files (run_id, input_file, status, remote_status, outputs, missing, error, elapsed_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, res.InputFile, string(res.Status), res.RemoteStatus, len(res.Outputs), string(missing), errText,
		res.Elapsed.Milliseconds(), now())
	if err != nil {
		return fmt.Errorf("record %s: %w", res.InputFile, err)
	}
	return nil
}

// Finish stores the run's totals.
func (r *Run) Finish(ctx context.Context, succeeded, failed int) error {
	_, err := r.store.db.ExecContext(ctx,
		`UPDATE runs SET succeeded = ?, failed = ?, finished_at = ? WHERE id = ?`,
		succeeded, failed, now(), r.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Runs lists the most recent runs first. limit <= 0 lists all.
func (s *Store) Runs(ctx context.Context, limit int) ([]api.RunRecord, error) {
	q := `SELECT id, tool, endpoint, files, succeeded, failed, started_at FROM runs ORDER BY rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.RunRecord
	for rows.Next() {
		var r api.RunRecord
		if err := rows.Scan(&r.ID, &r.Tool, &r.Endpoint, &r.Files, &r.Succeeded, &r.Failed, &r.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FileRecord is one stored per-file result.
type FileRecord struct {
	InputFile    string     `json:"input_file" yaml:"input_file"`
	Status       api.Status `json:"status" yaml:"status"`
	RemoteStatus string     `json:"remote_status,omitempty" yaml:"remote_status,omitempty"`
	Outputs      int        `json:"outputs" yaml:"outputs"`
	MissingFiles []string   `json:"missing_files" yaml:"missing_files"`
	Error        string     `json:"error,omitempty" yaml:"error,omitempty"`
	ElapsedMS    int64      `json:"elapsed_ms" yaml:"elapsed_ms"`
}

// Files returns a run's per-file results in recording order. runID may be a
// unique prefix of the id.
func (s *Store) Files(ctx context.Context, runID string) ([]FileRecord, error) {
	id, err := s.resolveID(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT input_file, status, remote_status, outputs, missing, error, elapsed_ms FROM run_files WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		var status, missing string
		if err := rows.Scan(&f.InputFile, &status, &f.RemoteStatus, &f.Outputs, &missing, &f.Error, &f.ElapsedMS); err != nil {
			return nil, err
		}
		f.Status = api.Status(status)
		if err := json.Unmarshal([]byte(missing), &f.MissingFiles); err != nil {
			return nil, fmt.Errorf("decode missing files: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ErrRunNotFound is returned when no run matches an id or prefix.
var ErrRunNotFound = errors.New("run not found")

func (s *Store) resolveID(ctx context.Context, prefix string) (string, error) {
	if prefix == "" || strings.ContainsAny(prefix, "%_") {
		return "", fmt.Errorf("%w: %q", ErrRunNotFound, prefix)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs WHERE id LIKE ? LIMIT 2`, prefix+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrRunNotFound, prefix)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("run id prefix %q is ambiguous", prefix)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
