package prescription

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func outcomeAt(op Operation, patient string, at time.Time) *VerificationOutcome {
	return &VerificationOutcome{
		Operation:  op,
		PatientID:  patient,
		Attempts:   1,
		Verified:   true,
		StartedAt:  at.Add(-time.Second),
		FinishedAt: at,
	}
}

func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	for i, op := range []Operation{OperationCreate, OperationUpdate, OperationRevoke, OperationDispense} {
		o := outcomeAt(op, "P1", base.Add(time.Duration(i)*time.Minute))
		if op == OperationRevoke {
			o.Verified = false
			o.Error = "write not yet visible"
		}
		if err := j.Record(ctx, o); err != nil {
			t.Fatalf("Record %s: %v", op, err)
		}
		if o.ID == uuid.Nil {
			t.Fatalf("expected Record to assign an id")
		}
	}

	items, total, err := j.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 || len(items) != 4 {
		t.Fatalf("expected 4 outcomes, got %d of %d", len(items), total)
	}
	want := []Operation{OperationDispense, OperationRevoke, OperationUpdate, OperationCreate}
	for i, op := range want {
		if items[i].Operation != op {
			t.Errorf("position %d: expected %s, got %s", i, op, items[i].Operation)
		}
	}
	if items[1].Verified || items[1].Error == "" {
		t.Errorf("expected unverified revoke with error, got %+v", items[1])
	}

	items, total, err = j.List(ctx, 2, 1)
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if total != 4 || len(items) != 2 {
		t.Fatalf("expected page of 2 with total 4, got %d of %d", len(items), total)
	}
	if items[0].Operation != OperationRevoke || items[1].Operation != OperationUpdate {
		t.Errorf("unexpected page: %s, %s", items[0].Operation, items[1].Operation)
	}

	items, _, err = j.List(ctx, 10, 10)
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty page past end, got %d", len(items))
	}
}

func TestMemoryJournal(t *testing.T) {
	exerciseJournal(t, NewMemoryJournal(0))
}

func TestMemoryJournal_Bounded(t *testing.T) {
	j := NewMemoryJournal(2)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		j.Record(ctx, outcomeAt(OperationCreate, "P"+string(rune('0'+i)), base.Add(time.Duration(i)*time.Second)))
	}
	items, total, _ := j.List(ctx, 0, 0)
	if total != 2 {
		t.Fatalf("expected 2 retained outcomes, got %d", total)
	}
	if items[0].PatientID != "P4" || items[1].PatientID != "P3" {
		t.Errorf("expected newest two retained, got %s, %s", items[0].PatientID, items[1].PatientID)
	}
}

func TestMemoryJournal_RecordCopies(t *testing.T) {
	j := NewMemoryJournal(0)
	o := outcomeAt(OperationCreate, "P1", time.Now())
	j.Record(context.Background(), o)
	o.PatientID = "changed"
	items, _, _ := j.List(context.Background(), 1, 0)
	if items[0].PatientID != "P1" {
		t.Errorf("expected stored outcome to be independent of caller, got %q", items[0].PatientID)
	}
}

func TestJournalLevelDB(t *testing.T) {
	j, err := OpenJournalLevelDB(filepath.Join(t.TempDir(), "journal"))
	if err != nil {
		t.Fatalf("OpenJournalLevelDB: %v", err)
	}
	defer j.Close()
	exerciseJournal(t, j)
}

func TestJournalLevelDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournalLevelDB(path)
	if err != nil {
		t.Fatalf("OpenJournalLevelDB: %v", err)
	}
	o := outcomeAt(OperationDispense, "P1", time.Now().UTC())
	o.TxID = "tx-9"
	if err := j.Record(context.Background(), o); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = OpenJournalLevelDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	items, total, err := j.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || items[0].TxID != "tx-9" || items[0].ID != o.ID {
		t.Errorf("expected persisted outcome, got %d items: %+v", total, items)
	}
}
