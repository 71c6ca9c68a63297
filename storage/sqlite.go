package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"catalog_sync/models"
)

// SQLiteStore holds operational data: run history, run logs and the
// command queue used to trigger jobs from the dashboard.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_runs (
		id INTEGER PRIMARY KEY,
		trigger TEXT,
		batch_size INTEGER,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		cache_entries_processed INTEGER DEFAULT 0,
		products_checked INTEGER DEFAULT 0,
		products_matched INTEGER DEFAULT 0,
		products_updated INTEGER DEFAULT 0,
		pending_products_triggered INTEGER DEFAULT 0,
		products_skipped_no_match INTEGER DEFAULT 0,
		products_skipped_unsure INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		source TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_run ON sync_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Runs
// =============================================================================

func (s *SQLiteStore) CreateRun(run *models.SyncRun) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO sync_runs (trigger, batch_size, started_at, status)
		VALUES (?, ?, ?, ?)`,
		run.Trigger, run.BatchSize, run.StartedAt, run.Status)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) FinishRun(run *models.SyncRun) error {
	st := run.Stats
	_, err := s.db.Exec(`
		UPDATE sync_runs SET finished_at = ?, status = ?,
			cache_entries_processed = ?, products_checked = ?, products_matched = ?,
			products_updated = ?, pending_products_triggered = ?, products_skipped_no_match = ?,
			products_skipped_unsure = ?, errors = ?, error_message = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status,
		st.CacheEntriesProcessed, st.ProductsChecked, st.ProductsMatched,
		st.ProductsUpdated, st.PendingProductsTriggered, st.ProductsSkippedNoMatch,
		st.ProductsSkippedUnsure, st.Errors, run.ErrorMessage, run.ID)
	return err
}

func (s *SQLiteStore) GetRecentRuns(limit int) ([]models.SyncRun, error) {
	rows, err := s.db.Query(`
		SELECT id, trigger, batch_size, started_at, finished_at, status,
			cache_entries_processed, products_checked, products_matched, products_updated,
			pending_products_triggered, products_skipped_no_match, products_skipped_unsure,
			errors, COALESCE(error_message, '')
		FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var r models.SyncRun
		var finished sql.NullTime
		st := &r.Stats
		if err := rows.Scan(&r.ID, &r.Trigger, &r.BatchSize, &r.StartedAt, &finished, &r.Status,
			&st.CacheEntriesProcessed, &st.ProductsChecked, &st.ProductsMatched, &st.ProductsUpdated,
			&st.PendingProductsTriggered, &st.ProductsSkippedNoMatch, &st.ProductsSkippedUnsure,
			&st.Errors, &r.ErrorMessage); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Logs
// =============================================================================

func (s *SQLiteStore) CreateLog(entry *models.SyncLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO sync_logs (run_id, timestamp, level, message, source)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RunID, entry.Timestamp, entry.Level, entry.Message, entry.Source)
	if err != nil {
		return err
	}
	entry.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) GetLogsForRun(runID int64) ([]models.SyncLog, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, timestamp, level, message, source
		FROM sync_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Source); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) CreateCommand(cmd models.CommandType, params *models.CommandParams) (int64, error) {
	var raw any
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, err
		}
		raw = string(data)
	}
	result, err := s.db.Exec(`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`, cmd, raw, time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		var processed sql.NullTime
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &processed); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	params := &models.CommandParams{}
	if len(cmd.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(cmd.Params, params); err != nil {
		return nil, err
	}
	return params, nil
}
