package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dougsko/rigbridge/pkg/protocol"
)

func newTestLog(t *testing.T, max int) *TxLog {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tx.db")
	store, err := NewTxLog(dbPath, max)
	if err != nil {
		t.Fatalf("Failed to create log: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewTxLog(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("Valid Store Creation", func(t *testing.T) {
		dbPath := filepath.Join(tempDir, "test.db")
		store, err := NewTxLog(dbPath, 1000)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		defer store.Close()

		if store.maxRecords != 1000 {
			t.Errorf("Expected maxRecords 1000, got %d", store.maxRecords)
		}
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("Expected database file to be created")
		}
	})

	t.Run("Store Creation with Nested Directory", func(t *testing.T) {
		dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
		store, err := NewTxLog(dbPath, 500)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		defer store.Close()

		if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
			t.Error("Expected nested directory to be created")
		}
	})

	t.Run("Tables Created", func(t *testing.T) {
		store := newTestLog(t, 10)
		for _, table := range []string{"transmissions", "transmission_stats"} {
			var count int
			err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			if err != nil {
				t.Errorf("Failed to check table %s: %v", table, err)
			}
			if count != 1 {
				t.Errorf("Expected table %s to exist, got count %d", table, count)
			}
		}
	})
}

func TestRecord(t *testing.T) {
	t.Run("Round Trip", func(t *testing.T) {
		store := newTestLog(t, 100)
		at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

		err := store.Record(protocol.TxRecord{
			Timestamp: at,
			Kind:      protocol.KindFT8,
			Frequency: 14074000,
			Mode:      "CW",
			Outcome:   protocol.OutcomeOK,
			JobID:     "job-1",
			Symbols:   79,
		})
		if err != nil {
			t.Fatalf("Failed to record: %v", err)
		}

		records, err := store.Recent(10)
		if err != nil {
			t.Fatalf("Failed to read history: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("Expected 1 record, got %d", len(records))
		}
		rec := records[0]
		if rec.Kind != protocol.KindFT8 || rec.JobID != "job-1" || rec.Symbols != 79 {
			t.Errorf("Unexpected record %+v", rec)
		}
		if !rec.Timestamp.Equal(at) {
			t.Errorf("Expected timestamp %v, got %v", at, rec.Timestamp)
		}
	})

	t.Run("Rejects Unknown Kind", func(t *testing.T) {
		store := newTestLog(t, 100)
		err := store.Record(protocol.TxRecord{Kind: "RTTY", Outcome: protocol.OutcomeOK})
		if err == nil {
			t.Error("Expected constraint error for unknown kind")
		}
	})

	t.Run("Bounded", func(t *testing.T) {
		store := newTestLog(t, 5)
		for i := 0; i < 8; i++ {
			err := store.Record(protocol.TxRecord{
				Kind:    protocol.KindKeyer,
				Detail:  fmt.Sprintf("MSG %d", i),
				Outcome: protocol.OutcomeOK,
			})
			if err != nil {
				t.Fatalf("Failed to record %d: %v", i, err)
			}
		}

		count, err := store.Count()
		if err != nil {
			t.Fatalf("Failed to count: %v", err)
		}
		if count != 5 {
			t.Errorf("Expected 5 records after trimming, got %d", count)
		}

		records, err := store.Recent(0)
		if err != nil {
			t.Fatalf("Failed to read history: %v", err)
		}
		if records[0].Detail != "MSG 7" || records[len(records)-1].Detail != "MSG 3" {
			t.Errorf("Expected newest five records, got %q..%q", records[0].Detail, records[len(records)-1].Detail)
		}

		stats, err := store.Stats()
		if err != nil {
			t.Fatalf("Failed to read stats: %v", err)
		}
		if stats.Total != 8 {
			t.Errorf("Expected lifetime total 8, got %d", stats.Total)
		}
		if stats.LastCleanup.IsZero() {
			t.Error("Expected cleanup time to be set")
		}
	})
}

func TestHistoryFilters(t *testing.T) {
	store := newTestLog(t, 100)
	seed := []protocol.TxRecord{
		{Kind: protocol.KindFT8, Outcome: protocol.OutcomeOK, JobID: "a"},
		{Kind: protocol.KindFT8, Outcome: protocol.OutcomeCancelled, JobID: "b"},
		{Kind: protocol.KindATU, Outcome: protocol.OutcomeFailed},
		{Kind: protocol.KindKeyer, Outcome: protocol.OutcomeOK, Detail: "CQ"},
	}
	for _, rec := range seed {
		if err := store.Record(rec); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
	}

	t.Run("By Kind", func(t *testing.T) {
		records, err := store.History(HistoryQuery{Kind: protocol.KindFT8})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(records) != 2 {
			t.Errorf("Expected 2 FT8 records, got %d", len(records))
		}
	})

	t.Run("By Outcome", func(t *testing.T) {
		records, err := store.History(HistoryQuery{Outcome: protocol.OutcomeFailed})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(records) != 1 || records[0].Kind != protocol.KindATU {
			t.Errorf("Expected the failed ATU run, got %+v", records)
		}
	})

	t.Run("By Job", func(t *testing.T) {
		records, err := store.History(HistoryQuery{JobID: "b"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(records) != 1 || records[0].Outcome != protocol.OutcomeCancelled {
			t.Errorf("Expected job b, got %+v", records)
		}
	})

	t.Run("Limit And Offset", func(t *testing.T) {
		records, err := store.History(HistoryQuery{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(records) != 2 || records[0].Kind != protocol.KindATU {
			t.Errorf("Expected second and third newest, got %+v", records)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.Stats()
		if err != nil {
			t.Fatalf("Failed to read stats: %v", err)
		}
		if stats.Total != 4 || stats.TotalFT8 != 2 || stats.TotalFailed != 1 {
			t.Errorf("Unexpected stats %+v", stats)
		}
	})
}
