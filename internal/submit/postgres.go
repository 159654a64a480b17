package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresSubmitter inserts the job into a table polled by the downstream
// system. Re-sending a job with the same id is a no-op.
type PostgresSubmitter struct {
	db      execer
	pool    *pgxpool.Pool
	table   string
	timeout time.Duration
}

// NewPostgresSubmitter connects a pool and creates the job table if missing.
func NewPostgresSubmitter(ctx context.Context, dsn, table string, timeout time.Duration) (*PostgresSubmitter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := newPostgresSubmitter(pool, table, timeout)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	if err := s.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresSubmitter(db execer, table string, timeout time.Duration) (*PostgresSubmitter, error) {
	if table == "" {
		table = "dirpoller_jobs"
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", table)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PostgresSubmitter{db: db, table: table, timeout: timeout}, nil
}

func (s *PostgresSubmitter) EnsureTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+s.table+` (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	folder TEXT NOT NULL,
	file_name TEXT NOT NULL,
	parameters JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresSubmitter) Submit(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return Permanent(fmt.Errorf("marshal parameters: %w", err))
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.db.Exec(cctx, `
INSERT INTO `+s.table+` (id, name, folder, file_name, parameters, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Name, job.Folder, job.FileName, params, job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
			// integrity constraint violation
			return Permanent(fmt.Errorf("insert job %s: %w", job.ID, err))
		}
		return classifyTransport(fmt.Errorf("insert job %s: %w", job.ID, err))
	}
	return nil
}

func (s *PostgresSubmitter) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
