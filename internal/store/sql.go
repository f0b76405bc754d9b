package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver
	"go.uber.org/zap"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

var _ = stdlib.GetDefaultDriver // keep the pgx stdlib import live for its side-effecting init

// SQLStore persists records in a single table, agent_tasks. It works
// against either SQLite (the default, embeddable backend) or
// Postgres, selected by the shape of the connection string: a DSN starting
// with "postgres://" or "postgresql://" uses the pgx driver, anything else
// is treated as a SQLite file path or DSN.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	log    *logger.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens dsn, applies schema migrations, and returns a ready Store.
func NewSQLStore(ctx context.Context, dsn string, log *logger.Logger) (*SQLStore, error) {
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "pgx"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, agent.Fatal("opening state store database", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
	}

	if err := pingWithRetry(ctx, db, log); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driver: driver, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// retryDelays is the backoff schedule for transient failures, applied
// both to the startup connectivity check and to individual write
// operations below.
var retryDelays = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// pingWithRetry verifies connectivity, retrying transient failures up to
// 3 times with the retryDelays backoff.
func pingWithRetry(ctx context.Context, db *sqlx.DB, log *logger.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			log.Warn("state store ping failed, retrying", zap.Error(lastErr), zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return agent.Transient("state store unreachable", ctx.Err())
			case <-time.After(retryDelays[attempt-1]):
			}
		}
		if lastErr = db.PingContext(ctx); lastErr == nil {
			return nil
		}
	}
	return agent.Fatal("state store unreachable after retries", lastErr)
}

// withRetry runs op up to len(retryDelays) extra times with backoff,
// wrapping a final failure as a Transient AppError. A caller whose op can
// fail for a non-transient, non-retryable reason (a unique-constraint
// violation, say) classifies that itself and returns nil from op, handling
// the real error after withRetry returns; see Create below.
func (s *SQLStore) withRetry(ctx context.Context, action string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			s.log.Warn(action+" failed, retrying", zap.Error(lastErr), zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return agent.Cancelled(action + " cancelled during retry")
			case <-time.After(retryDelays[attempt-1]):
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	return agent.Transient(action, lastErr)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return agent.Fatal("creating schema_migrations table", err)
	}

	for _, m := range migrations {
		var applied int
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version)
		if s.driver == "pgx" {
			row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, m.version)
		}
		if err := row.Scan(&applied); err != nil {
			return agent.Fatal(fmt.Sprintf("checking migration %d", m.version), err)
		}
		if applied > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sqlFor(s.driver)); err != nil {
			return agent.Fatal(fmt.Sprintf("applying migration %d", m.version), err)
		}
		if s.driver == "pgx" {
			_, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, m.version, time.Now().UTC())
			if err != nil {
				return agent.Fatal(fmt.Sprintf("recording migration %d", m.version), err)
			}
		} else {
			_, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().UTC())
			if err != nil {
				return agent.Fatal(fmt.Sprintf("recording migration %d", m.version), err)
			}
		}
	}
	return nil
}

type migration struct {
	version int
	sqlite  string
	pg      string
}

func (m migration) sqlFor(driver string) string {
	if driver == "pgx" {
		return m.pg
	}
	return m.sqlite
}

var migrations = []migration{
	{
		version: 1,
		sqlite: `CREATE TABLE agent_tasks (
			task_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			instruction TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			sandbox_id TEXT,
			destroy_sandbox_on_exit INTEGER NOT NULL DEFAULT 0,
			config JSON NOT NULL,
			stats JSON NOT NULL,
			final_message TEXT,
			plan JSON NOT NULL,
			conversation JSON
		)`,
		pg: `CREATE TABLE agent_tasks (
			task_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			instruction TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			sandbox_id TEXT,
			destroy_sandbox_on_exit BOOLEAN NOT NULL DEFAULT FALSE,
			config JSONB NOT NULL,
			stats JSONB NOT NULL,
			final_message TEXT,
			plan JSONB NOT NULL,
			conversation JSONB
		)`,
	},
}

type taskRow struct {
	TaskID               string         `db:"task_id"`
	Status               string         `db:"status"`
	Instruction          string         `db:"instruction"`
	CreatedAt            time.Time      `db:"created_at"`
	StartedAt            sql.NullTime   `db:"started_at"`
	EndedAt              sql.NullTime   `db:"ended_at"`
	SandboxID            sql.NullString `db:"sandbox_id"`
	DestroySandboxOnExit bool           `db:"destroy_sandbox_on_exit"`
	Config               string         `db:"config"`
	Stats                string         `db:"stats"`
	FinalMessage         sql.NullString `db:"final_message"`
	Plan                 string         `db:"plan"`
	Conversation         sql.NullString `db:"conversation"`
}

func (r taskRow) toRecord() (agent.Record, error) {
	var rec agent.Record
	rec.TaskID = r.TaskID
	rec.Status = agent.TaskStatus(r.Status)
	rec.Instruction = r.Instruction
	rec.CreatedAt = r.CreatedAt
	if r.StartedAt.Valid {
		rec.StartedAt = &r.StartedAt.Time
	}
	if r.EndedAt.Valid {
		rec.EndedAt = &r.EndedAt.Time
	}
	rec.SandboxID = r.SandboxID.String
	rec.DestroySandboxOnExit = r.DestroySandboxOnExit
	rec.FinalMessage = r.FinalMessage.String
	if r.Conversation.Valid {
		rec.Conversation = json.RawMessage(r.Conversation.String)
	}
	if err := json.Unmarshal([]byte(r.Config), &rec.Config); err != nil {
		return rec, agent.Fatal("decoding stored config", err)
	}
	if err := json.Unmarshal([]byte(r.Stats), &rec.Stats); err != nil {
		return rec, agent.Fatal("decoding stored stats", err)
	}
	if err := json.Unmarshal([]byte(r.Plan), &rec.Plan); err != nil {
		return rec, agent.Fatal("decoding stored plan", err)
	}
	return rec, nil
}

func (s *SQLStore) bind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	out := strings.Builder{}
	n := 1
	for _, r := range query {
		if r == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func (s *SQLStore) Create(ctx context.Context, rec agent.Record) error {
	cfgJSON, _ := json.Marshal(rec.Config)
	statsJSON, _ := json.Marshal(rec.Stats)
	planJSON, _ := json.Marshal(rec.Plan)

	query := s.bind(`INSERT INTO agent_tasks
		(task_id, status, instruction, created_at, sandbox_id, destroy_sandbox_on_exit, config, stats, final_message, plan, conversation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	var dup bool
	err := s.withRetry(ctx, "creating task record", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			rec.TaskID, string(rec.Status), rec.Instruction, rec.CreatedAt, rec.SandboxID,
			rec.DestroySandboxOnExit, string(cfgJSON), string(statsJSON), rec.FinalMessage, string(planJSON),
			nullableString(rec.Conversation))
		if execErr != nil && isUniqueViolation(execErr) {
			dup = true
			return nil
		}
		return execErr
	})
	if dup {
		return agent.Validation("task already exists: " + rec.TaskID)
	}
	return err
}

func nullableString(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (agent.Record, error) {
	var row taskRow
	query := s.bind(`SELECT task_id, status, instruction, created_at, started_at, ended_at, sandbox_id,
		destroy_sandbox_on_exit, config, stats, final_message, plan, conversation
		FROM agent_tasks WHERE task_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, taskID); err != nil {
		if err == sql.ErrNoRows {
			return agent.Record{}, agent.NotFound("task not found: " + taskID)
		}
		return agent.Record{}, agent.Transient("reading task record", err)
	}
	return row.toRecord()
}

func (s *SQLStore) Update(ctx context.Context, taskID string, patch Patch) error {
	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	applyPatch(&rec, patch)

	statsJSON, _ := json.Marshal(rec.Stats)
	planJSON, _ := json.Marshal(rec.Plan)
	query := s.bind(`UPDATE agent_tasks SET status = ?, started_at = ?, ended_at = ?, sandbox_id = ?,
		stats = ?, final_message = ?, plan = ? WHERE task_id = ?`)
	return s.withRetry(ctx, "updating task record", func() error {
		_, execErr := s.db.ExecContext(ctx, query, string(rec.Status), rec.StartedAt, rec.EndedAt, rec.SandboxID,
			string(statsJSON), rec.FinalMessage, string(planJSON), taskID)
		return execErr
	})
}

func (s *SQLStore) List(ctx context.Context, limit, offset int) ([]agent.Record, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM agent_tasks`); err != nil {
		return nil, 0, agent.Transient("counting tasks", err)
	}

	if limit <= 0 {
		limit = total
	}
	query := s.bind(`SELECT task_id, status, instruction, created_at, started_at, ended_at, sandbox_id,
		destroy_sandbox_on_exit, config, stats, final_message, plan, conversation
		FROM agent_tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, 0, agent.Transient("listing tasks", err)
	}
	out := make([]agent.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, nil
}

func (s *SQLStore) AppendConversation(ctx context.Context, taskID string, messages []byte) error {
	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	merged, err := appendJSONArray(rec.Conversation, messages)
	if err != nil {
		return agent.Validation("appending conversation: " + err.Error())
	}
	query := s.bind(`UPDATE agent_tasks SET conversation = ? WHERE task_id = ?`)
	if execErr := s.withRetry(ctx, "appending conversation", func() error {
		_, execErr := s.db.ExecContext(ctx, query, string(merged), taskID)
		return execErr
	}); execErr != nil {
		return execErr
	}
	return nil
}

// ReconcileOnStartup marks every non-terminal task as failed with reason
// process_restart, so a crash never strands a task in running. It is run
// once by cmd/ at process start, never by the Store itself mid-run.
func (s *SQLStore) ReconcileOnStartup(ctx context.Context) (int, error) {
	query := s.bind(`UPDATE agent_tasks SET status = ?, ended_at = ?, final_message = ?
		WHERE status IN (?, ?)`)
	if s.driver == "pgx" {
		query = `UPDATE agent_tasks SET status = $1, ended_at = $2, final_message = $3 WHERE status IN ($4, $5)`
	}
	res, err := s.db.ExecContext(ctx, query, string(agent.TaskFailed), time.Now().UTC(), "process_restart",
		string(agent.TaskPending), string(agent.TaskRunning))
	if err != nil {
		return 0, agent.Fatal("reconciling tasks on startup", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
