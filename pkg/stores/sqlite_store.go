package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a build does not exist.
var ErrNotFound = errors.New("not found")

var errNotInitialized = errors.New("database not initialized")

// Config holds SQLite store configuration. Zero pool settings take the
// defaults of NewSQLiteStore.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore keeps build records in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: opens its own database.
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
		return &SQLiteStore{cfg: cfg}, nil
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg}, nil
}

var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

func (s *SQLiteStore) dsn() string {
	q := url.Values{"_pragma": pragmas, "_txlock": {"immediate"}}
	return "file:" + s.cfg.Path + "?" + q.Encode()
}

// Init opens and pings the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db.BeginTx(ctx, nil)
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

// SaveBuild writes a build with its instructions, reclaim sets and
// warnings in one transaction. Saving an existing ID replaces it.
func (s *SQLiteStore) SaveBuild(ctx context.Context, build *Build) error {
	if build.ID == "" {
		return fmt.Errorf("build id is required")
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}
	if build.Config == "" {
		build.Config = "{}"
	}
	build.InstructionCount = len(build.Instructions)

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Children go with the old row through ON DELETE CASCADE.
	if _, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, build.ID); err != nil {
		return fmt.Errorf("failed to replace build %s: %w", build.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO builds (`+buildColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		build.ID, build.Program, build.Place, build.Status, build.StaticBuild,
		build.InstructionCount, build.Reclaimed, build.Error, build.ErrorClass,
		build.ErrorCode, build.Config, int64(build.Duration), build.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert build %s: %w", build.ID, err)
	}

	if err := insertInstructions(ctx, tx, build.ID, build.Instructions); err != nil {
		return err
	}
	for _, rc := range build.Reclaims {
		vars, err := encodeJSON(rc.Vars)
		if err != nil {
			return fmt.Errorf("failed to encode reclaim set of op %d: %w", rc.OpIndex, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reclaim_sets (build_id, op_index, kind, vars) VALUES (?, ?, ?, ?)`,
			build.ID, rc.OpIndex, rc.Kind, vars,
		); err != nil {
			return fmt.Errorf("failed to insert reclaim set of op %d: %w", rc.OpIndex, err)
		}
	}
	for _, w := range build.Warnings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO warnings (build_id, seq, kind, key, message) VALUES (?, ?, ?, ?, ?)`,
			build.ID, w.Seq, w.Kind, w.Key, w.Message,
		); err != nil {
			return fmt.Errorf("failed to insert warning %d: %w", w.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit build %s: %w", build.ID, err)
	}
	return nil
}

const instructionColumns = `seq, op_index, op_type, kernel_kind, kernel_name, func_type, path,
	kernel_key, execution_stream, stream_priority, scheduling_priority, comm_ring, inputs, outputs`

func insertInstructions(ctx context.Context, tx *sql.Tx, buildID string, instrs []InstructionRecord) error {
	if len(instrs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO instructions (build_id, `+instructionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare instruction insert: %w", err)
	}
	defer stmt.Close()

	for _, in := range instrs {
		inputs, err := encodeJSON(in.Inputs)
		if err != nil {
			return fmt.Errorf("failed to encode inputs of instruction %d: %w", in.Seq, err)
		}
		outputs, err := encodeJSON(in.Outputs)
		if err != nil {
			return fmt.Errorf("failed to encode outputs of instruction %d: %w", in.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx, buildID,
			in.Seq, in.OpIndex, in.OpType, in.KernelKind, in.KernelName, in.FuncType, in.Path,
			in.KernelKey, in.ExecutionStream, in.StreamPriority, in.SchedulingPriority, in.CommRing,
			inputs, outputs,
		); err != nil {
			return fmt.Errorf("failed to insert instruction %d: %w", in.Seq, err)
		}
	}
	return nil
}

const buildColumns = `id, program, place, status, static_build, instruction_count, reclaimed,
	error, error_class, error_code, config, duration_ns, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuildRecord(row rowScanner) (*BuildRecord, error) {
	rec := &BuildRecord{}
	var duration int64
	if err := row.Scan(
		&rec.ID, &rec.Program, &rec.Place, &rec.Status, &rec.StaticBuild,
		&rec.InstructionCount, &rec.Reclaimed, &rec.Error, &rec.ErrorClass,
		&rec.ErrorCode, &rec.Config, &duration, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(duration)
	return rec, nil
}

func scanInstruction(row rowScanner) (InstructionRecord, error) {
	var in InstructionRecord
	var inputs, outputs string
	if err := row.Scan(
		&in.Seq, &in.OpIndex, &in.OpType, &in.KernelKind, &in.KernelName, &in.FuncType, &in.Path,
		&in.KernelKey, &in.ExecutionStream, &in.StreamPriority, &in.SchedulingPriority, &in.CommRing,
		&inputs, &outputs,
	); err != nil {
		return in, err
	}
	if err := json.Unmarshal([]byte(inputs), &in.Inputs); err != nil {
		return in, fmt.Errorf("inputs of instruction %d: %w", in.Seq, err)
	}
	if err := json.Unmarshal([]byte(outputs), &in.Outputs); err != nil {
		return in, fmt.Errorf("outputs of instruction %d: %w", in.Seq, err)
	}
	return in, nil
}

func scanReclaim(row rowScanner) (ReclaimRecord, error) {
	var rc ReclaimRecord
	var vars string
	if err := row.Scan(&rc.OpIndex, &rc.Kind, &vars); err != nil {
		return rc, err
	}
	if err := json.Unmarshal([]byte(vars), &rc.Vars); err != nil {
		return rc, fmt.Errorf("reclaim set of op %d: %w", rc.OpIndex, err)
	}
	return rc, nil
}

func scanWarning(row rowScanner) (WarningRecord, error) {
	var w WarningRecord
	err := row.Scan(&w.Seq, &w.Kind, &w.Key, &w.Message)
	return w, err
}

// queryAll runs query and scans every row with scan. The result is never
// nil so empty lists encode as [].
func queryAll[T any](ctx context.Context, db *sql.DB, what string, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", what, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", what, err)
	}
	return out, nil
}

// GetBuild loads a build with its instructions, reclaim sets and warnings.
func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	rec, err := scanBuildRecord(s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build %s: %w", id, err)
	}

	b := &Build{BuildRecord: *rec}
	if b.Instructions, err = queryAll(ctx, s.db, "instructions", scanInstruction,
		`SELECT `+instructionColumns+` FROM instructions WHERE build_id = ? ORDER BY seq`, id); err != nil {
		return nil, err
	}
	if b.Reclaims, err = queryAll(ctx, s.db, "reclaim sets", scanReclaim,
		`SELECT op_index, kind, vars FROM reclaim_sets WHERE build_id = ? ORDER BY kind, op_index`, id); err != nil {
		return nil, err
	}
	if b.Warnings, err = queryAll(ctx, s.db, "warnings", scanWarning,
		`SELECT seq, kind, key, message FROM warnings WHERE build_id = ? ORDER BY seq`, id); err != nil {
		return nil, err
	}
	if len(b.Warnings) == 0 {
		b.Warnings = nil
	}
	return b, nil
}

// ListBuilds lists builds newest first, optionally only those with status.
func (s *SQLiteStore) ListBuilds(ctx context.Context, status *BuildStatus, limit, offset int) ([]*BuildRecord, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	query := `SELECT ` + buildColumns + ` FROM builds`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return queryAll(ctx, s.db, "builds", scanBuildRecord, query, args...)
}

// DeleteBuild deletes a build; its children go by cascade.
func (s *SQLiteStore) DeleteBuild(ctx context.Context, id string) error {
	if s.db == nil {
		return errNotInitialized
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete build %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete build %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	return nil
}
