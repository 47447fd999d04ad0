package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dougsko/rigbridge/pkg/protocol"
)

// HistoryQuery represents query parameters for retrieving transmissions
type HistoryQuery struct {
	Limit   int
	Offset  int
	Since   *time.Time
	Kind    string // "" for every kind
	Outcome string
	JobID   string
}

// Stats represents database statistics
type Stats struct {
	Total       int       `json:"total"`
	TotalFT8    int       `json:"total_ft8"`
	TotalFailed int       `json:"total_failed"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// History retrieves transmissions, newest first
func (l *TxLog) History(query HistoryQuery) ([]protocol.TxRecord, error) {
	var args []interface{}
	sqlQuery := `
		SELECT id, timestamp, kind, frequency, mode, detail, outcome, job_id, symbols
		FROM transmissions
		WHERE 1=1
	`

	if query.Since != nil {
		sqlQuery += " AND timestamp >= ?"
		args = append(args, query.Since.UTC())
	}
	if query.Kind != "" {
		sqlQuery += " AND kind = ?"
		args = append(args, query.Kind)
	}
	if query.Outcome != "" {
		sqlQuery += " AND outcome = ?"
		args = append(args, query.Outcome)
	}
	if query.JobID != "" {
		sqlQuery += " AND job_id = ?"
		args = append(args, query.JobID)
	}

	sqlQuery += " ORDER BY id DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)

		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := l.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transmissions: %w", err)
	}
	defer rows.Close()

	var records []protocol.TxRecord
	for rows.Next() {
		var rec protocol.TxRecord
		err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&rec.Kind,
			&rec.Frequency,
			&rec.Mode,
			&rec.Detail,
			&rec.Outcome,
			&rec.JobID,
			&rec.Symbols,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transmission: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Recent retrieves the most recent transmissions
func (l *TxLog) Recent(limit int) ([]protocol.TxRecord, error) {
	return l.History(HistoryQuery{Limit: limit})
}

// Stats retrieves database statistics
func (l *TxLog) Stats() (*Stats, error) {
	var stats Stats
	var lastCleanup sql.NullTime

	err := l.db.QueryRow(`
		SELECT total, total_ft8, total_failed, last_cleanup
		FROM transmission_stats WHERE id = 1
	`).Scan(&stats.Total, &stats.TotalFT8, &stats.TotalFailed, &lastCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to get transmission stats: %w", err)
	}

	if lastCleanup.Valid {
		stats.LastCleanup = lastCleanup.Time
	}

	return &stats, nil
}

// Count returns the number of stored transmissions
func (l *TxLog) Count() (int, error) {
	var count int
	err := l.db.QueryRow("SELECT COUNT(*) FROM transmissions").Scan(&count)
	return count, err
}
