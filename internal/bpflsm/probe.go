// Package bpflsm — probe.go
//
// Environment probes deciding whether BPF LSM enforcement is possible on
// this host. Unlike a hard loader, every probe returns a descriptive error
// that the manager logs before downgrading to no-op enforcement; nothing
// here is fatal.

package bpflsm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// MinKernelMajor and MinKernelMinor define the minimum kernel for
	// LSM links and the map batch paths we rely on.
	MinKernelMajor = 5
	MinKernelMinor = 15

	// bpffsMagic is the BPF filesystem magic number.
	bpffsMagic = 0xcafe4a11

	lsmListPath = "/sys/kernel/security/lsm"
)

// ProbeAvailability runs every environment probe in order and returns the
// first failure. bpffsRoot is the mount point the pin directory will live
// under (normally /sys/fs/bpf).
func ProbeAvailability(bpffsRoot string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("bpf lsm requires linux, running on %s", runtime.GOOS)
	}
	if !ProgramsBuiltIn() {
		return errors.New("lsm programs not built into this binary")
	}
	if err := checkKernelVersion(MinKernelMajor, MinKernelMinor); err != nil {
		return err
	}
	if err := CheckBPFLSM(); err != nil {
		return err
	}
	if err := CheckBPFFS(bpffsRoot); err != nil {
		return err
	}
	return nil
}

// checkKernelVersion reads the running kernel version via uname(2).
func checkKernelVersion(major, minor int) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname failed: %w", err)
	}
	release := unix.ByteSliceToString((*[65]byte)(unsafe.Pointer(&uts.Release[0]))[:])

	var kMajor, kMinor int
	if _, err := fmt.Sscanf(release, "%d.%d", &kMajor, &kMinor); err != nil {
		return fmt.Errorf("failed to parse kernel version %q: %w", release, err)
	}
	if kMajor < major || (kMajor == major && kMinor < minor) {
		return fmt.Errorf("kernel %s < required %d.%d", release, major, minor)
	}
	return nil
}

// CheckBPFLSM verifies that "bpf" appears in the active LSM list.
func CheckBPFLSM() error {
	data, err := os.ReadFile(lsmListPath)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("%s not found: securityfs not mounted or kernel lacks LSM support", lsmListPath)
		}
		return fmt.Errorf("failed to read %s: %w", lsmListPath, err)
	}
	for _, lsm := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if strings.TrimSpace(lsm) == "bpf" {
			return nil
		}
	}
	return fmt.Errorf("bpf LSM not active (current: %q); add 'lsm=...,bpf' to the kernel command line",
		strings.TrimSpace(string(data)))
}

// CheckBPFFS verifies that root is a bpffs mount. Map pinning is a hard
// requirement: without the pin directory other processes cannot verify
// that enforcement is live.
func CheckBPFFS(root string) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return fmt.Errorf("statfs %s failed: %w", root, err)
	}
	if stat.Type != bpffsMagic {
		return fmt.Errorf("%s is not a bpffs mount (magic=0x%x); mount with: mount -t bpf bpf %s",
			root, stat.Type, root)
	}
	return nil
}
