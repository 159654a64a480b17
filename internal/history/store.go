// Package history keeps the terminal outcome of every processed file in a
// SQLite database so operators can query what happened after the processing
// folder is gone.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/dirpoller/internal/events"
)

const (
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// maxErrorLen bounds the stored error text.
const maxErrorLen = 500

// Outcome is the final result of one file.
type Outcome struct {
	FileID       string    `json:"file_id"`
	Folder       string    `json:"folder"`
	OriginalFile string    `json:"original_file"`
	FinalPath    string    `json:"final_path"`
	Status       string    `json:"status"`
	Kind         string    `json:"kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	RetryCount   int       `json:"retry_count"`
	Size         int64     `json:"size"`
	RecordedAt   time.Time `json:"recorded_at"`
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores o, replacing an earlier outcome of the same file.
func (s *Store) Record(ctx context.Context, o Outcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now()
	}
	msg := o.Error
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO outcomes (file_id, folder, original_file, final_path, status, kind, error, retry_count, size, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(file_id) DO UPDATE SET
	folder=excluded.folder, original_file=excluded.original_file, final_path=excluded.final_path,
	status=excluded.status, kind=excluded.kind, error=excluded.error,
	retry_count=excluded.retry_count, size=excluded.size, recorded_at=excluded.recorded_at
`,
		o.FileID, o.Folder, o.OriginalFile, o.FinalPath, o.Status, o.Kind, msg, o.RetryCount, o.Size,
		o.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.FileID, err)
	}
	return nil
}

// Get returns the outcome of fileID, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, fileID string) (Outcome, error) {
	row := s.db.QueryRowContext(ctx, selectOutcomes+` WHERE file_id = ?`, fileID)
	return scanOutcome(row)
}

// Recent returns up to limit outcomes, newest first. An empty folder matches all.
func (s *Store) Recent(ctx context.Context, folder string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectOutcomes+`
WHERE (? = '' OR folder = ?)
ORDER BY recorded_at DESC
LIMIT ?`, folder, folder, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Counts returns the number of outcomes per status.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outcomes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const selectOutcomes = `
SELECT file_id, folder, original_file, final_path, status, kind, error, retry_count, size, recorded_at
FROM outcomes`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(sc scanner) (Outcome, error) {
	var o Outcome
	var recorded string
	if err := sc.Scan(&o.FileID, &o.Folder, &o.OriginalFile, &o.FinalPath, &o.Status, &o.Kind, &o.Error,
		&o.RetryCount, &o.Size, &recorded); err != nil {
		return Outcome{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, recorded)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse recorded_at of %s: %w", o.FileID, err)
	}
	o.RecordedAt = t
	return o, nil
}

// Attach records finished and failed file events from bus. errFn, if set,
// receives recording failures.
func (s *Store) Attach(bus *events.Bus, errFn func(error)) (unsubscribe func()) {
	record := func(status string) events.Subscriber {
		return func(ev events.Event) {
			o := OutcomeFromEvent(ev, status)
			if err := s.Record(context.Background(), o); err != nil && errFn != nil {
				errFn(err)
			}
		}
	}
	u1 := bus.Subscribe(events.EventFileFinished, record(StatusFinished))
	u2 := bus.Subscribe(events.EventFileFailed, record(StatusFailed))
	return func() {
		u1()
		u2()
	}
}

// OutcomeFromEvent maps the data of a finished or failed event.
func OutcomeFromEvent(ev events.Event, status string) Outcome {
	str := func(k string) string {
		v, _ := ev.Data[k].(string)
		return v
	}
	o := Outcome{
		FileID:       str("file_id"),
		Folder:       str("folder"),
		OriginalFile: str("original_file"),
		FinalPath:    str("current_file"),
		Status:       status,
		Kind:         str("kind"),
		Error:        str("error"),
		RecordedAt:   ev.Timestamp,
	}
	if n, ok := ev.Data["retry_count"].(int); ok {
		o.RetryCount = n
	}
	if n, ok := ev.Data["size"].(int64); ok {
		o.Size = n
	}
	return o
}
