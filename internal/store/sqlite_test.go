package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"terminal-trader/internal/models"
)

func newJournalUnderTest(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "data", "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleRecord(id string, at time.Time) models.ExecutionRecord {
	fee := 0.42
	return models.ExecutionRecord{
		ID:        id,
		RequestID: "req-" + id,
		Backend:   "terminal",
		Source:    "trade",
		Symbol:    "EX:ETHUSDT.P",
		Direction: models.Long,
		Requested: 1,
		Outcome:   "filled",
		Success:   true,
		Details: &models.ExecutionDetails{
			Symbol:     "EX:ETHUSDT.P",
			Side:       models.Long,
			EntryPrice: 3150.5,
			Quantity:   1,
			MarginUsed: 315.05,
			Fee:        &fee,
			Timestamp:  at,
		},
		Duration:  1500 * time.Millisecond,
		CreatedAt: at,
		Logs:      []string{"opened panel", "submitted", "fill confirmed"},
	}
}

func TestSaveAndReadExecution(t *testing.T) {
	j := newJournalUnderTest(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := j.SaveExecution(ctx, sampleRecord("a", at)); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	got, err := j.RecentExecutions(ctx, ExecutionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	r := got[0]
	if r.RequestID != "req-a" || r.Direction != models.Long || !r.Success || r.Duration != 1500*time.Millisecond {
		t.Errorf("record = %+v", r)
	}
	if r.Details == nil || r.Details.EntryPrice != 3150.5 || r.Details.Fee == nil || *r.Details.Fee != 0.42 {
		t.Errorf("details = %+v", r.Details)
	}
	if r.Details.TakeProfit != nil || r.Details.StopLoss != nil {
		t.Error("unset protection must stay nil")
	}
	if !r.CreatedAt.Equal(at) {
		t.Errorf("created = %v, want %v", r.CreatedAt, at)
	}

	logs, err := j.ExecutionLogs(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 || logs[2] != "fill confirmed" {
		t.Errorf("logs = %v", logs)
	}
}

func TestFailedExecutionHasNoDetails(t *testing.T) {
	j := newJournalUnderTest(t)
	ctx := context.Background()

	rec := sampleRecord("f", time.Now().UTC())
	rec.Success, rec.Outcome, rec.Error, rec.Details = false, "rejected", "order rejected: Insufficient margin", nil
	if err := j.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := j.RecentExecutions(ctx, ExecutionFilter{Outcome: "rejected"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Details != nil || got[0].Error != rec.Error {
		t.Errorf("records = %+v", got)
	}
}

func TestRecentExecutionsFiltersAndOrders(t *testing.T) {
	j := newJournalUnderTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	for i, sym := range []string{"EX:ETHUSDT.P", "EX:BTCUSDT.P", "EX:ETHUSDT.P", "EX:ETHUSDT.P"} {
		rec := sampleRecord(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		rec.Symbol = sym
		if err := j.SaveExecution(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.RecentExecutions(ctx, ExecutionFilter{Symbol: "EX:ETHUSDT.P", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "d" || got[1].ID != "c" {
		t.Errorf("ids = %v, want [d c]", ids(got))
	}

	got, err = j.RecentExecutions(ctx, ExecutionFilter{Since: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("since filter ids = %v, want [d c]", ids(got))
	}
}

func TestSaveExecutionReplacesTrace(t *testing.T) {
	j := newJournalUnderTest(t)
	ctx := context.Background()
	rec := sampleRecord("r", time.Now().UTC())

	if err := j.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Logs = []string{"only line"}
	if err := j.SaveExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}

	logs, err := j.ExecutionLogs(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Errorf("logs = %v, want the second save's trace only", logs)
	}
}

func ids(records []models.ExecutionRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
