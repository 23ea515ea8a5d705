package bpflsm

import (
	"testing"

	"github.com/cilium/ebpf"
)

// The map signature table is the ABI contract with the pinned objects;
// drift between the table and the key/value encodings would make a
// restarting daemon adopt maps it cannot read.
func TestMapDefsMatchEncodings(t *testing.T) {
	want := map[string]MapSig{
		PolicyMapName:      {ebpf.Hash, InodeKeySize, PolicyValueSize},
		DirPolicyMapName:   {ebpf.Hash, InodeKeySize, DirValueSize},
		BasenamePolicyName: {ebpf.Hash, InodeKeySize, BasenameValueSize},
		NetCreateMapName:   {ebpf.Hash, NetCreateKeySize, NetValueSize},
		NetTupleMapName:    {ebpf.Hash, NetTupleKeySize, NetValueSize},
		NetUnixMapName:     {ebpf.Hash, NetUnixKeySize, NetValueSize},
	}
	if len(mapDefs) != len(want) {
		t.Fatalf("mapDefs has %d entries, want %d", len(mapDefs), len(want))
	}
	for _, def := range mapDefs {
		sig, ok := want[def.name]
		if !ok {
			t.Errorf("unexpected map %q", def.name)
			continue
		}
		if def.sig != sig {
			t.Errorf("map %q signature = %+v, want %+v", def.name, def.sig, sig)
		}
	}
}

func TestBasenameValueSizeIsSlotMultiple(t *testing.T) {
	if BasenameValueSize != BasenameSlotSize*BasenameSlotCount {
		t.Fatalf("value size %d is not %d slots of %d bytes",
			BasenameValueSize, BasenameSlotCount, BasenameSlotSize)
	}
	// Slot layout: header + 6 token records.
	if expect := slotOffTokens + MaxTokens*tokenRecSize; BasenameSlotSize != expect {
		t.Fatalf("slot size %d, layout requires %d", BasenameSlotSize, expect)
	}
}

func TestProgramsBuiltIn_DefaultEmpty(t *testing.T) {
	// Without the generated embed file the object is absent and the
	// manager must downgrade instead of loading garbage.
	if ProgramsBuiltIn() {
		t.Error("ProgramsBuiltIn() = true without an embedded object")
	}
}
