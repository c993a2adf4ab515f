package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"terminal-trader/internal/models"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens (creating if needed) the journal database at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Placements are serialised upstream; a small pool is plenty.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// initSchema creates all required tables and indexes.
func (j *SQLiteJournal) initSchema() error {
	schema := `
	-- One row per placement attempt
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		backend TEXT NOT NULL,
		source TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		requested REAL NOT NULL,
		outcome TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		entry_price REAL,
		quantity REAL,
		margin_used REAL,
		fee REAL,
		take_profit REAL,
		stop_loss REAL,
		low_confidence INTEGER DEFAULT 0,
		filled_at DATETIME,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	-- The execution trace, one row per line
	CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		line TEXT NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
	CREATE INDEX IF NOT EXISTS idx_executions_symbol ON executions(symbol, created_at);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_exec ON execution_logs(execution_id, seq);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Ping verifies the database is reachable.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// SaveExecution writes the record and its trace in one transaction.
func (j *SQLiteJournal) SaveExecution(ctx context.Context, rec models.ExecutionRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		entry, qty, margin sql.NullFloat64
		fee, tp, sl        sql.NullFloat64
		filledAt           sql.NullTime
		lowConfidence      int
	)
	if d := rec.Details; d != nil {
		entry = sql.NullFloat64{Float64: d.EntryPrice, Valid: true}
		qty = sql.NullFloat64{Float64: d.Quantity, Valid: true}
		margin = sql.NullFloat64{Float64: d.MarginUsed, Valid: true}
		fee, tp, sl = nullable(d.Fee), nullable(d.TakeProfit), nullable(d.StopLoss)
		if !d.Timestamp.IsZero() {
			filledAt = sql.NullTime{Time: d.Timestamp, Valid: true}
		}
		if d.LowConfidence {
			lowConfidence = 1
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions (id, request_id, backend, source, symbol, direction, requested, outcome, success, error, entry_price, quantity, margin_used, fee, take_profit, stop_loss, low_confidence, filled_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RequestID, rec.Backend, rec.Source, rec.Symbol, string(rec.Direction), rec.Requested, rec.Outcome, boolInt(rec.Success), rec.Error,
		entry, qty, margin, fee, tp, sl, lowConfidence, filledAt, rec.Duration.Milliseconds(), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_logs WHERE execution_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to clear execution logs: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO execution_logs (execution_id, seq, line) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()
	for i, line := range rec.Logs {
		if _, err := stmt.ExecContext(ctx, rec.ID, i, line); err != nil {
			return fmt.Errorf("failed to save execution log: %w", err)
		}
	}

	return tx.Commit()
}

// RecentExecutions returns records newest first, without their traces.
func (j *SQLiteJournal) RecentExecutions(ctx context.Context, filter ExecutionFilter) ([]models.ExecutionRecord, error) {
	query := "SELECT id, request_id, backend, source, symbol, direction, requested, outcome, success, error, entry_price, quantity, margin_used, fee, take_profit, stop_loss, low_confidence, filled_at, duration_ms, created_at FROM executions WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Backend != "" {
		query += " AND backend = ?"
		args = append(args, filter.Backend)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		var (
			r                      models.ExecutionRecord
			requestID, errMsg      sql.NullString
			direction              string
			success, lowConfidence int
			entry, qty, margin     sql.NullFloat64
			fee, tp, sl            sql.NullFloat64
			filledAt               sql.NullTime
			durationMs             int64
		)
		if err := rows.Scan(&r.ID, &requestID, &r.Backend, &r.Source, &r.Symbol, &direction, &r.Requested, &r.Outcome, &success, &errMsg,
			&entry, &qty, &margin, &fee, &tp, &sl, &lowConfidence, &filledAt, &durationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		r.RequestID = requestID.String
		r.Error = errMsg.String
		r.Direction = models.Direction(direction)
		r.Success = success == 1
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if entry.Valid {
			r.Details = &models.ExecutionDetails{
				Symbol:        r.Symbol,
				Side:          r.Direction,
				EntryPrice:    entry.Float64,
				Quantity:      qty.Float64,
				MarginUsed:    margin.Float64,
				Fee:           pointer(fee),
				TakeProfit:    pointer(tp),
				StopLoss:      pointer(sl),
				Timestamp:     filledAt.Time,
				LowConfidence: lowConfidence == 1,
			}
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// ExecutionLogs returns the trace of one execution in order.
func (j *SQLiteJournal) ExecutionLogs(ctx context.Context, id string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT line FROM execution_logs WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Export writes the records as indented JSON, for `trader history --json`.
func Export(records []models.ExecutionRecord) ([]byte, error) {
	return json.MarshalIndent(records, "", "  ")
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func pointer(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
