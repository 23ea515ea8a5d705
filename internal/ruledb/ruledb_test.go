package ruledb

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T, retentionDays int) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "cgfence.db"), retentionDays)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestContainerRecordRoundTrip(t *testing.T) {
	d := openTestDB(t, 0)

	rec := InstallRecord{
		ContainerID:   "c1",
		CgroupID:      4242,
		Level:         "standard",
		RuleCounts:    map[string]int{"file": 12, "dir": 3},
		PopulateCount: 1,
	}
	if err := d.PutContainer(rec); err != nil {
		t.Fatalf("PutContainer: %v", err)
	}

	got, err := d.ListContainers()
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].ContainerID != "c1" || got[0].CgroupID != 4242 {
		t.Errorf("record = %+v", got[0])
	}
	if got[0].RuleCounts["file"] != 12 {
		t.Errorf("rule counts = %v", got[0].RuleCounts)
	}
	if got[0].UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped")
	}

	if err := d.DeleteContainer("c1"); err != nil {
		t.Fatalf("DeleteContainer: %v", err)
	}
	got, _ = d.ListContainers()
	if len(got) != 0 {
		t.Errorf("expected empty ledger after delete, got %d records", len(got))
	}

	// Deleting an absent record is not an error.
	if err := d.DeleteContainer("never-existed"); err != nil {
		t.Errorf("DeleteContainer(absent): %v", err)
	}
}

func TestDenialAppendAndOrder(t *testing.T) {
	d := openTestDB(t, 0)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := DenialRecord{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			CgroupID:  100 + uint64(i),
			Hook:      "file_open",
			Comm:      "sh",
		}
		if err := d.AppendDenial(rec); err != nil {
			t.Fatalf("AppendDenial: %v", err)
		}
	}

	got, err := d.ReadDenials()
	if err != nil {
		t.Fatalf("ReadDenials: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 denials, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("denials out of chronological order at %d", i)
		}
	}
}

func TestPruneOldDenials(t *testing.T) {
	d := openTestDB(t, 7)

	old := DenialRecord{
		Timestamp: time.Now().UTC().AddDate(0, 0, -30),
		CgroupID:  1,
		Hook:      "socket_connect",
		Comm:      "curl",
	}
	fresh := DenialRecord{CgroupID: 2, Hook: "file_open", Comm: "cat"}
	if err := d.AppendDenial(old); err != nil {
		t.Fatal(err)
	}
	if err := d.AppendDenial(fresh); err != nil {
		t.Fatal(err)
	}

	deleted, err := d.PruneOldDenials()
	if err != nil {
		t.Fatalf("PruneOldDenials: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	got, _ := d.ReadDenials()
	if len(got) != 1 || got[0].CgroupID != 2 {
		t.Errorf("remaining denials = %+v", got)
	}
}
