package history

import "database/sql"

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS outcomes (
	file_id TEXT PRIMARY KEY,
	folder TEXT NOT NULL,
	original_file TEXT NOT NULL DEFAULT '',
	final_path TEXT NOT NULL DEFAULT '',

	status TEXT NOT NULL, -- finished | failed
	kind TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,

	recorded_at TEXT NOT NULL -- RFC3339 UTC
);
`,
		`CREATE INDEX IF NOT EXISTS outcomes_folder_recorded ON outcomes(folder, recorded_at);`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
