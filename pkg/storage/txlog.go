package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/protocol"
)

// TxLog is the persistent record of everything the bridge put on the air
type TxLog struct {
	db         *sql.DB
	dbPath     string
	maxRecords int
}

// NewTxLog opens or creates the SQLite log at dbPath
func NewTxLog(dbPath string, maxRecords int) (*TxLog, error) {
	store := &TxLog{
		dbPath:     dbPath,
		maxRecords: maxRecords,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize transmission log: %w", err)
	}

	return store, nil
}

// initialize sets up the database connection and creates tables
func (l *TxLog) initialize() error {
	if l.dbPath == "" {
		l.dbPath = "./rigbridge.db"
	}

	if err := os.MkdirAll(filepath.Dir(l.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := l.dbPath + "?_busy_timeout=10000&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	l.db = db

	if err := l.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := l.createIndexes(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.Infof("storage", "transmission log initialized: %s (max %d records)", l.dbPath, l.maxRecords)
	return nil
}

// createTables creates the database schema
func (l *TxLog) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transmissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		kind TEXT NOT NULL CHECK (kind IN ('FT8', 'KEYER', 'ATU', 'MESSAGE')),
		frequency INTEGER NOT NULL DEFAULT 0,
		mode TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL CHECK (outcome IN ('ok', 'cancelled', 'failed')),
		job_id TEXT NOT NULL DEFAULT '',
		symbols INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS transmission_stats (
		id INTEGER PRIMARY KEY,
		total INTEGER NOT NULL DEFAULT 0,
		total_ft8 INTEGER NOT NULL DEFAULT 0,
		total_failed INTEGER NOT NULL DEFAULT 0,
		last_cleanup DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO transmission_stats (id, total, total_ft8, total_failed)
	VALUES (1, 0, 0, 0);
	`

	_, err := l.db.Exec(schema)
	return err
}

// createIndexes creates database indexes for performance
func (l *TxLog) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transmissions_timestamp ON transmissions(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_transmissions_kind ON transmissions(kind)",
		"CREATE INDEX IF NOT EXISTS idx_transmissions_job_id ON transmissions(job_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := l.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Record stores one transmission and trims the log to its bound
func (l *TxLog) Record(rec protocol.TxRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO transmissions (
			timestamp, kind, frequency, mode, detail, outcome, job_id, symbols
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp.UTC(), rec.Kind, rec.Frequency, rec.Mode, rec.Detail, rec.Outcome, rec.JobID, rec.Symbols)
	if err != nil {
		return fmt.Errorf("failed to insert transmission: %w", err)
	}

	if err := l.updateStats(tx, rec); err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}

	if err := l.cleanupOldRecords(tx); err != nil {
		logging.Warnf("storage", "failed to trim transmission log: %v", err)
	}

	return tx.Commit()
}

func (l *TxLog) updateStats(tx *sql.Tx, rec protocol.TxRecord) error {
	_, err := tx.Exec(`
		UPDATE transmission_stats SET
			total = total + 1,
			total_ft8 = CASE WHEN ? = 'FT8' THEN total_ft8 + 1 ELSE total_ft8 END,
			total_failed = CASE WHEN ? = 'failed' THEN total_failed + 1 ELSE total_failed END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, rec.Kind, rec.Outcome)
	return err
}

// CleanupOldRecords removes records beyond the bound
func (l *TxLog) CleanupOldRecords() error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := l.cleanupOldRecords(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (l *TxLog) cleanupOldRecords(tx *sql.Tx) error {
	if l.maxRecords <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM transmissions").Scan(&count); err != nil {
		return err
	}
	if count <= l.maxRecords {
		return nil
	}

	_, err := tx.Exec(`
		DELETE FROM transmissions
		WHERE id IN (
			SELECT id FROM transmissions
			ORDER BY id ASC
			LIMIT ?
		)
	`, count-l.maxRecords)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE transmission_stats SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

// Close closes the database connection
func (l *TxLog) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
