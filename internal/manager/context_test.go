package manager

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cgfence/cgfence/internal/bpflsm"
)

func testKey(i int) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b, uint64(i))
	return b
}

func TestKeySet_DedupAndMerge(t *testing.T) {
	s := newKeySet(KindFile)

	merged, added, err := s.add(testKey(1), 0x1)
	if err != nil || !added || merged != 0x1 {
		t.Fatalf("first add: merged=%#x added=%v err=%v", merged, added, err)
	}

	merged, added, err = s.add(testKey(1), 0x2)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("duplicate key reported as added")
	}
	if merged != 0x3 {
		t.Errorf("merged = %#x, want 0x3", merged)
	}
	if s.len() != 1 {
		t.Errorf("len = %d, want 1", s.len())
	}

	if v, ok := s.peek(testKey(1)); !ok || v != 0x3 {
		t.Errorf("peek = (%#x, %v)", v, ok)
	}
	if _, ok := s.peek(testKey(2)); ok {
		t.Error("peek found an absent key")
	}
}

func TestKeySet_GrowthPreservesOrder(t *testing.T) {
	s := newKeySet(KindBasename) // initial capacity 16, forces growth
	const n = 100
	for i := 0; i < n; i++ {
		if _, _, err := s.add(testKey(i), 1); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if s.len() != n {
		t.Fatalf("len = %d, want %d", s.len(), n)
	}
	for i, k := range s.keys {
		if got := binary.LittleEndian.Uint64(k); got != uint64(i) {
			t.Fatalf("key %d out of installation order: %d", i, got)
		}
	}
}

func TestKeySet_CapIsNoSpace(t *testing.T) {
	s := newKeySet(KindNetUnix)
	for i := 0; i < MaxKeysPerKind; i++ {
		if _, _, err := s.add(testKey(i), 1); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	_, _, err := s.add(testKey(MaxKeysPerKind), 1)
	if !errors.Is(err, bpflsm.ErrNoSpace) {
		t.Errorf("over-cap add = %v, want ErrNoSpace", err)
	}
	// A duplicate of an existing key still merges at the cap.
	if _, _, err := s.add(testKey(0), 2); err != nil {
		t.Errorf("duplicate at cap: %v", err)
	}
}

func TestContextSnapshot(t *testing.T) {
	ctx := newContainerContext("c9", 77)
	if _, _, err := ctx.record(KindFile, testKey(1), 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ctx.record(KindDir, testKey(2), 1); err != nil {
		t.Fatal(err)
	}

	snap := ctx.snapshot()
	if snap.ContainerID != "c9" || snap.CgroupID != 77 {
		t.Errorf("snapshot identity = %+v", snap)
	}
	if snap.RuleTotal != 2 || snap.RuleCounts["file"] != 1 || snap.RuleCounts["dir"] != 1 {
		t.Errorf("snapshot counts = %+v", snap)
	}
}

func TestRuleKindNames(t *testing.T) {
	for k := RuleKind(0); k < kindCount; k++ {
		if k.MapName() == "" {
			t.Errorf("kind %v has no map name", k)
		}
	}
}
