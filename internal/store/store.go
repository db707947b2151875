package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a task ID has no stored result.
var ErrNotFound = errors.New("task not found")

// Store persists finished task results in a local SQLite database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) the task history database under the configured
// state directory and applies pending migrations.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("store requires a logger")
	}

	stateDir, err := resolveStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure state dir: %w", err)
	}

	dbPath := filepath.Join(stateDir, "history.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer. One pooled connection keeps the pragmas
	// applied everywhere and serializes writes within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busyMs := int((3 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", busyMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log := logger.Named("store")
	log.Debug("Task history store ready", zap.String("path", dbPath))
	return &Store{db: db, log: log}, nil
}

func resolveStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory for state dir: %w", err)
	}
	return filepath.Join(home, ".deskhand"), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResult upserts a finished task result, with the full step trace stored
// as a JSON blob.
func (s *Store) SaveResult(ctx context.Context, result *agent.TaskResult) error {
	if result == nil {
		return fmt.Errorf("cannot save a nil task result")
	}

	stepsJSON, err := json.ConfigCompatibleWithStandardLibrary.Marshal(result.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal step trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, goal, status, reason, answer, steps, step_count, started_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			reason = excluded.reason,
			answer = excluded.answer,
			steps = excluded.steps,
			step_count = excluded.step_count,
			started_at = excluded.started_at,
			elapsed_ms = excluded.elapsed_ms;
	`,
		result.TaskID, result.Goal, string(result.Status), result.Reason, result.Answer,
		string(stepsJSON), len(result.Steps),
		result.StartedAt.UTC().Format(time.RFC3339Nano), result.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task result: %w", err)
	}

	s.log.Debug("Task result saved",
		zap.String("task_id", result.TaskID),
		zap.String("status", string(result.Status)))
	return nil
}

// GetTask loads one task result, including its full step trace.
func (s *Store) GetTask(ctx context.Context, id string) (*agent.TaskResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, status, reason, answer, steps, started_at, elapsed_ms
		FROM tasks WHERE id = ?;
	`, id)

	var result agent.TaskResult
	var status, stepsJSON, startedAt string
	var elapsedMs int64
	err := row.Scan(&result.TaskID, &result.Goal, &status, &result.Reason,
		&result.Answer, &stepsJSON, &startedAt, &elapsedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task row: %w", err)
	}

	result.Status = agent.TaskStatus(status)
	result.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	if result.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse stored start time: %w", err)
	}
	if err := json.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(stepsJSON), &result.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step trace: %w", err)
	}
	return &result, nil
}

// ListTasks returns the most recent task results, newest first, without their
// step traces.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]agent.TaskResult, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, status, reason, answer, started_at, elapsed_ms
		FROM tasks ORDER BY started_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var results []agent.TaskResult
	for rows.Next() {
		var result agent.TaskResult
		var status, startedAt string
		var elapsedMs int64
		if err := rows.Scan(&result.TaskID, &result.Goal, &status, &result.Reason,
			&result.Answer, &startedAt, &elapsedMs); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		result.Status = agent.TaskStatus(status)
		result.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		if result.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse stored start time: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	versions := []string{"0001_init"}
	for _, version := range versions {
		applied, err := isMigrationApplied(ctx, db, version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		raw, err := migrations.ReadFile("migrations/" + version + ".sql")
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", version, err)
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?);`,
			version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
	}
	return nil
}

func isMigrationApplied(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?;`, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check migration %s: %w", version, err)
	}
	return count > 0, nil
}
