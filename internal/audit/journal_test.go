package audit

import (
	"context"
	"testing"
)

func TestMongoJournalRequiresTaskID(t *testing.T) {
	j := NewMongoJournal(nil)
	if err := j.Record(context.Background(), Entry{Op: "escrow"}); err == nil {
		t.Fatal("expected error for entry without task id")
	}
}

func TestDiscardJournal(t *testing.T) {
	if err := Discard.Record(context.Background(), Entry{TaskID: "t"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, err := Discard.ForTask(context.Background(), "t")
	if err != nil || len(entries) != 0 {
		t.Fatalf("ForTask = %v, %v", entries, err)
	}
}
