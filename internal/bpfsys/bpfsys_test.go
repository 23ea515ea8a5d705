package bpfsys

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fakeKernel simulates the map element commands against an in-memory map.
// batchErrno controls how BPF_MAP_DELETE_BATCH responds.
type fakeKernel struct {
	keySize    int
	entries    map[string]bool
	batchErrno unix.Errno
	batchCalls int
	serialCalls int
}

func newFakeKernel(keySize int, batchErrno unix.Errno) *fakeKernel {
	return &fakeKernel{
		keySize:    keySize,
		entries:    make(map[string]bool),
		batchErrno: batchErrno,
	}
}

func (f *fakeKernel) call(cmd Cmd, attr unsafe.Pointer, size uintptr) (uintptr, unix.Errno) {
	switch cmd {
	case CmdMapDeleteElem:
		f.serialCalls++
		a := (*mapElemAttr)(attr)
		key := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(a.Key))), f.keySize)
		if !f.entries[string(key)] {
			return 0, unix.ENOENT
		}
		delete(f.entries, string(key))
		return 0, 0
	case CmdMapDeleteBatch:
		f.batchCalls++
		if f.batchErrno != 0 {
			return 0, f.batchErrno
		}
		a := (*mapBatchAttr)(attr)
		packed := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(a.Keys))), int(a.Count)*f.keySize)
		done := uint32(0)
		for i := 0; i < int(a.Count); i++ {
			key := string(packed[i*f.keySize : (i+1)*f.keySize])
			if !f.entries[key] {
				a.Count = done
				return 0, unix.ENOENT
			}
			delete(f.entries, key)
			done++
		}
		a.Count = done
		return 0, 0
	default:
		return 0, unix.EINVAL
	}
}

func (f *fakeKernel) put(keys ...string) {
	for _, k := range keys {
		f.entries[k] = true
	}
}

func keys(ss ...string) [][]byte {
	out := make([][]byte, 0, len(ss))
	for _, s := range ss {
		out = append(out, []byte(s))
	}
	return out
}

func TestDeleteBatch_KernelSupport(t *testing.T) {
	fk := newFakeKernel(4, 0)
	fk.put("aaaa", "bbbb", "cccc")
	shim := newWithSyscall(fk.call)

	n, err := shim.DeleteBatch(3, keys("aaaa", "bbbb", "cccc"))
	if err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deleted, got %d", n)
	}
	if len(fk.entries) != 0 {
		t.Errorf("expected empty map, %d entries remain", len(fk.entries))
	}
	if fk.serialCalls != 0 {
		t.Errorf("expected no serial deletes, got %d", fk.serialCalls)
	}
}

func TestDeleteBatch_FallbackOnEINVAL(t *testing.T) {
	for _, errno := range []unix.Errno{unix.EINVAL, unix.ENOTSUP, unix.ENOSYS} {
		fk := newFakeKernel(4, errno)
		fk.put("aaaa", "bbbb")
		shim := newWithSyscall(fk.call)

		n, err := shim.DeleteBatch(3, keys("aaaa", "bbbb"))
		if err != nil {
			t.Fatalf("errno=%v: DeleteBatch: %v", errno, err)
		}
		if n != 2 {
			t.Errorf("errno=%v: expected 2 deleted, got %d", errno, n)
		}
		if fk.serialCalls != 2 {
			t.Errorf("errno=%v: expected 2 serial deletes, got %d", errno, fk.serialCalls)
		}
	}
}

func TestDeleteBatch_MissingKeysAbsorbed(t *testing.T) {
	// "gone" does not exist: the kernel batch stops there with ENOENT and
	// the shim must finish the tail serially, counting only real deletions.
	fk := newFakeKernel(4, 0)
	fk.put("aaaa", "cccc")
	shim := newWithSyscall(fk.call)

	n, err := shim.DeleteBatch(3, keys("aaaa", "gone", "cccc"))
	if err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted (missing key excluded), got %d", n)
	}
	if len(fk.entries) != 0 {
		t.Errorf("expected empty map, %d entries remain", len(fk.entries))
	}
}

func TestDeleteBatch_Empty(t *testing.T) {
	fk := newFakeKernel(4, 0)
	shim := newWithSyscall(fk.call)
	n, err := shim.DeleteBatch(3, nil)
	if err != nil || n != 0 {
		t.Errorf("empty batch: n=%d err=%v", n, err)
	}
	if fk.batchCalls != 0 {
		t.Errorf("expected no syscalls for empty batch")
	}
}

func TestDeleteBatch_HardError(t *testing.T) {
	fk := newFakeKernel(4, unix.EPERM)
	fk.put("aaaa")
	shim := newWithSyscall(fk.call)
	if _, err := shim.DeleteBatch(3, keys("aaaa")); err == nil {
		t.Fatal("expected error for EPERM")
	}
}

func TestDeleteElem_MissingKeyIsNil(t *testing.T) {
	fk := newFakeKernel(4, 0)
	shim := newWithSyscall(fk.call)
	if err := shim.DeleteElem(3, []byte("zzzz")); err != nil {
		t.Fatalf("expected nil for missing key, got %v", err)
	}
}
