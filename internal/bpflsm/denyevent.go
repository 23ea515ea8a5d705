// Package bpflsm — denyevent.go
//
// DenyEvent mirrors struct cgfence_deny_event emitted by the LSM programs
// into the deny_events ring buffer. The Go layout must match the C layout
// exactly so the consumer can decode raw ring buffer records.
//
// C layout (112 bytes, 8-byte aligned):
//
//	[0..7]    cgroup_id  u64
//	[8..15]   dev        u64
//	[16..23]  ino        u64
//	[24..27]  required   u32
//	[28..31]  hook       u32
//	[32..47]  comm       char[16]
//	[48..111] basename   char[64]

package bpflsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"
)

// HookID identifies the LSM hook that emitted a deny event.
type HookID uint32

const (
	HookFileOpen      HookID = 1
	HookExec          HookID = 2
	HookSocketCreate  HookID = 3
	HookSocketBind    HookID = 4
	HookSocketConnect HookID = 5
	HookSocketListen  HookID = 6
	HookSocketAccept  HookID = 7
	HookSocketSend    HookID = 8
	HookUnixConnect   HookID = 9
)

// String returns the hook name used in logs and metric labels.
func (h HookID) String() string {
	switch h {
	case HookFileOpen:
		return "file_open"
	case HookExec:
		return "exec"
	case HookSocketCreate:
		return "socket_create"
	case HookSocketBind:
		return "socket_bind"
	case HookSocketConnect:
		return "socket_connect"
	case HookSocketListen:
		return "socket_listen"
	case HookSocketAccept:
		return "socket_accept"
	case HookSocketSend:
		return "socket_send"
	case HookUnixConnect:
		return "unix_connect"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(h))
	}
}

// DenyEvent is one denial record from the kernel. Ephemeral: consumed,
// logged, optionally persisted to the audit ledger, then discarded.
type DenyEvent struct {
	CgroupID uint64   // [0..7]
	Dev      uint64   // [8..15]
	Ino      uint64   // [16..23]
	Required uint32   // [24..27]
	Hook     HookID   // [28..31]
	Comm     [16]byte // [32..47]
	Basename [64]byte // [48..111]
}

// DenyEventSize is sizeof(struct cgfence_deny_event).
const DenyEventSize = 112

func init() {
	if sz := unsafe.Sizeof(DenyEvent{}); sz != DenyEventSize {
		panic(fmt.Sprintf("DenyEvent size mismatch: Go=%d bytes, expected=%d", sz, DenyEventSize))
	}
}

// ParseDenyEvent decodes a raw ring buffer record. The record must be at
// least DenyEventSize bytes (ring buffer records are 8-byte padded).
func ParseDenyEvent(raw []byte) (DenyEvent, error) {
	if len(raw) < DenyEventSize {
		return DenyEvent{}, fmt.Errorf("deny event record too short: got %d bytes, expected %d", len(raw), DenyEventSize)
	}
	var e DenyEvent
	e.CgroupID = binary.LittleEndian.Uint64(raw[0:8])
	e.Dev = binary.LittleEndian.Uint64(raw[8:16])
	e.Ino = binary.LittleEndian.Uint64(raw[16:24])
	e.Required = binary.LittleEndian.Uint32(raw[24:28])
	e.Hook = HookID(binary.LittleEndian.Uint32(raw[28:32]))
	copy(e.Comm[:], raw[32:48])
	copy(e.Basename[:], raw[48:112])
	return e, nil
}

// CommString returns the process command name without trailing NULs.
func (e DenyEvent) CommString() string {
	return cString(e.Comm[:])
}

// BasenameString returns the file basename without trailing NULs. Empty
// for non-inode hooks.
func (e DenyEvent) BasenameString() string {
	return cString(e.Basename[:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
