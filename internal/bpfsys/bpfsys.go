// Package bpfsys is the thin bpf(2) syscall shim for cgfence.
//
// It issues the kernel's BPF command multiplex with typed command codes and
// is not policy-aware: callers hand it a map file descriptor and raw
// key/value bytes whose layout is owned by internal/bpflsm.
//
// Responsibilities:
//   - UpdateElem / LookupElem / DeleteElem on a map fd.
//   - DeleteBatch: BPF_MAP_DELETE_BATCH when the kernel supports it,
//     transparent per-key fallback on legacy kernels.
//
// Failure contract:
//   - ENOENT on delete is absorbed (the key is gone either way).
//   - DeleteBatch returns the count actually deleted, never a bare bool,
//     so partial success survives an error in the middle of the per-key
//     deletion. A hard error from the batch command itself reports 0.

package bpfsys

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Cmd is a bpf(2) command code.
type Cmd uintptr

// Command codes from include/uapi/linux/bpf.h. Only the map element
// commands are needed here; program and link management goes through
// cilium/ebpf in internal/bpflsm.
const (
	CmdMapLookupElem Cmd = 1
	CmdMapUpdateElem Cmd = 2
	CmdMapDeleteElem Cmd = 3
	CmdMapDeleteBatch Cmd = 27
)

// Update flags for CmdMapUpdateElem.
const (
	// UpdateAny creates the element or overwrites an existing one.
	UpdateAny uint64 = 0
)

// mapElemAttr mirrors the map element anonymous struct of union bpf_attr.
type mapElemAttr struct {
	MapFD uint32
	_     uint32
	Key   uint64
	Value uint64
	Flags uint64
}

// mapBatchAttr mirrors the batch anonymous struct of union bpf_attr.
type mapBatchAttr struct {
	InBatch   uint64
	OutBatch  uint64
	Keys      uint64
	Values    uint64
	Count     uint32
	MapFD     uint32
	ElemFlags uint64
	Flags     uint64
}

// syscallFn is the raw syscall entry point. Swapped out by tests to
// simulate kernels without batch support.
type syscallFn func(cmd Cmd, attr unsafe.Pointer, size uintptr) (uintptr, unix.Errno)

func rawBPF(cmd Cmd, attr unsafe.Pointer, size uintptr) (uintptr, unix.Errno) {
	r1, _, errno := unix.Syscall(unix.SYS_BPF, uintptr(cmd), uintptr(attr), size)
	return r1, errno
}

// Shim wraps the bpf(2) multiplex. The zero value is not usable; use New.
type Shim struct {
	call syscallFn

	// fallbacks counts DeleteBatch calls that degraded to per-key
	// deletion because the kernel lacks the batch primitive.
	fallbacks atomic.Uint64
}

// FallbackCount returns the lifetime count of batch deletes that degraded
// to per-key deletion.
func (s *Shim) FallbackCount() uint64 {
	return s.fallbacks.Load()
}

// New returns a Shim backed by the real bpf(2) syscall.
func New() *Shim {
	return &Shim{call: rawBPF}
}

// newWithSyscall is the test seam.
func newWithSyscall(fn syscallFn) *Shim {
	return &Shim{call: fn}
}

// UpdateElem inserts or overwrites key → value in the map behind fd.
func (s *Shim) UpdateElem(fd int, key, value []byte) error {
	attr := mapElemAttr{
		MapFD: uint32(fd),
		Key:   uint64(uintptr(unsafe.Pointer(&key[0]))),
		Value: uint64(uintptr(unsafe.Pointer(&value[0]))),
		Flags: UpdateAny,
	}
	_, errno := s.call(CmdMapUpdateElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if errno != 0 {
		return fmt.Errorf("bpf map_update_elem fd=%d: %w", fd, errno)
	}
	return nil
}

// LookupElem reads the value for key into out. out must be exactly the
// map's value size. Returns unix.ENOENT (wrapped) when the key is absent.
func (s *Shim) LookupElem(fd int, key, out []byte) error {
	attr := mapElemAttr{
		MapFD: uint32(fd),
		Key:   uint64(uintptr(unsafe.Pointer(&key[0]))),
		Value: uint64(uintptr(unsafe.Pointer(&out[0]))),
	}
	_, errno := s.call(CmdMapLookupElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if errno != 0 {
		return fmt.Errorf("bpf map_lookup_elem fd=%d: %w", fd, errno)
	}
	return nil
}

// IsNotExist reports whether err is the absent-key error from LookupElem
// or DeleteElem.
func IsNotExist(err error) bool {
	return errors.Is(err, unix.ENOENT)
}

// DeleteElem removes key from the map behind fd. A missing key is not an
// error.
func (s *Shim) DeleteElem(fd int, key []byte) error {
	attr := mapElemAttr{
		MapFD: uint32(fd),
		Key:   uint64(uintptr(unsafe.Pointer(&key[0]))),
	}
	_, errno := s.call(CmdMapDeleteElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if errno == unix.ENOENT {
		return nil
	}
	if errno != 0 {
		return fmt.Errorf("bpf map_delete_elem fd=%d: %w", fd, errno)
	}
	return nil
}

// DeleteBatch removes keys (all the same size) from the map behind fd.
// It first tries BPF_MAP_DELETE_BATCH; kernels that reject the command with EINVAL,
// ENOTSUP, or ENOSYS get the per-key fallback. Returns the number of keys
// actually deleted. Keys that no longer exist are silently absorbed and do
// not count as deleted.
func (s *Shim) DeleteBatch(fd int, keys [][]byte) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	keySize := len(keys[0])
	packed := make([]byte, 0, keySize*len(keys))
	for _, k := range keys {
		packed = append(packed, k...)
	}

	attr := mapBatchAttr{
		Keys:  uint64(uintptr(unsafe.Pointer(&packed[0]))),
		Count: uint32(len(keys)),
		MapFD: uint32(fd),
	}
	_, errno := s.call(CmdMapDeleteBatch, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	switch errno {
	case 0:
		return int(attr.Count), nil
	case unix.ENOENT:
		// The kernel deletes up to the first missing key and reports how
		// far it got. Finish the remainder one by one.
		done := int(attr.Count)
		n, err := s.deleteSerial(fd, keys[done:])
		return done + n, err
	case unix.EINVAL, unix.ENOTSUP, unix.ENOSYS:
		// Legacy kernel without the batch primitive.
		s.fallbacks.Add(1)
		return s.deleteSerial(fd, keys)
	default:
		return 0, fmt.Errorf("bpf map_delete_batch fd=%d count=%d: %w", fd, len(keys), errno)
	}
}

// deleteSerial is the per-key fallback. Missing keys are skipped; the
// first hard error stops the loop but the count so far is preserved.
func (s *Shim) deleteSerial(fd int, keys [][]byte) (int, error) {
	deleted := 0
	for _, k := range keys {
		attr := mapElemAttr{
			MapFD: uint32(fd),
			Key:   uint64(uintptr(unsafe.Pointer(&k[0]))),
		}
		_, errno := s.call(CmdMapDeleteElem, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
		switch errno {
		case 0:
			deleted++
		case unix.ENOENT:
			// Already gone.
		default:
			return deleted, fmt.Errorf("bpf map_delete_elem fd=%d: %w", fd, errno)
		}
	}
	return deleted, nil
}
