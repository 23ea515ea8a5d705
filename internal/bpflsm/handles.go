// Package bpflsm — handles.go
//
// The map handle set: owns the six kernel-resident policy maps, the deny
// event ring buffer, the LSM program set, and their pinned identities
// under <bpffs>/cgfence/.
//
// Initialize sequence:
//  1. Verify the bpf filesystem is mounted; create the pin directory.
//  2. For each map, try to adopt an existing pin. A pin is adopted only
//     when the enforcement link pin is also present (a pinned map without
//     a pinned link is leftover from a crashed instance) and its ABI
//     signature (type, key size, value size) matches. Mismatches are
//     unpinned and dropped so the pinned set is never mixed-ABI.
//  3. Load the LSM programs, wiring adopted maps in as replacements.
//  4. Attach the programs and pin the enforcement links. Link presence,
//     not map presence, is the liveness signal other processes check.
//  5. Pin every map that was not adopted. A failed pin is a warning: the
//     fd remains usable for this process.
//
// Shutdown unlinks every pinned path, closes the links, and destroys the
// program set.

package bpflsm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/cgfence/cgfence/internal/bpfsys"
)

// AppSubdir is the directory created under the bpffs root for all cgfence
// pins.
const AppSubdir = "cgfence"

// Map names as declared in the C object.
const (
	PolicyMapName       = "policy_map"
	DirPolicyMapName    = "dir_policy_map"
	BasenamePolicyName  = "basename_policy_map"
	NetCreateMapName    = "net_create_map"
	NetTupleMapName     = "net_tuple_map"
	NetUnixMapName      = "net_unix_map"
	DenyEventsMapName   = "deny_events"
)

// Enforcement link pin names. FSLinkPin is mandatory; the exec link is
// only present on kernels where the bprm hook program loads.
const (
	FSLinkPin     = "fs_lsm_link"
	FSExecLinkPin = "fs_lsm_exec_link"
)

// LSM program names as declared in the C object.
const (
	progFileOpen      = "cgfence_file_open"
	progBprmCheck     = "cgfence_bprm_check"
	progSocketCreate  = "cgfence_socket_create"
	progSocketBind    = "cgfence_socket_bind"
	progSocketConnect = "cgfence_socket_connect"
	progUnixConnect   = "cgfence_unix_connect"
)

// MaxEntriesPerMap bounds every policy map, matching the per-container
// key-set cap so a full map and a full context coincide.
const MaxEntriesPerMap = 10240

// MapSig is the ABI signature checked against a pinned map before it is
// adopted.
type MapSig struct {
	Type      ebpf.MapType
	KeySize   uint32
	ValueSize uint32
}

type mapDef struct {
	name string
	sig  MapSig
}

// mapDefs enumerates the pinned policy maps and their expected ABI.
var mapDefs = []mapDef{
	{PolicyMapName, MapSig{ebpf.Hash, InodeKeySize, PolicyValueSize}},
	{DirPolicyMapName, MapSig{ebpf.Hash, InodeKeySize, DirValueSize}},
	{BasenamePolicyName, MapSig{ebpf.Hash, InodeKeySize, BasenameValueSize}},
	{NetCreateMapName, MapSig{ebpf.Hash, NetCreateKeySize, NetValueSize}},
	{NetTupleMapName, MapSig{ebpf.Hash, NetTupleKeySize, NetValueSize}},
	{NetUnixMapName, MapSig{ebpf.Hash, NetUnixKeySize, NetValueSize}},
}

// SigMatches reports whether a live map matches the expected signature.
// Exposed for the initialize path and its tests.
func SigMatches(m *ebpf.Map, sig MapSig) bool {
	return m.Type() == sig.Type &&
		m.KeySize() == sig.KeySize &&
		m.ValueSize() == sig.ValueSize
}

// Handles owns the loaded BPF state. Not safe for concurrent use; the
// manager serializes access behind its mutex.
type Handles struct {
	bpffsRoot string
	pinDir    string
	shim      *bpfsys.Shim
	log       *zap.Logger

	coll  *ebpf.Collection
	maps  map[string]*ebpf.Map
	links []link.Link
	pins  []string // every pin path we own, for shutdown unlink
}

// NewHandles creates an uninitialized handle set. bpffsRoot is normally
// /sys/fs/bpf; tests and multi-instance deployments inject their own.
func NewHandles(bpffsRoot string, shim *bpfsys.Shim, log *zap.Logger) *Handles {
	return &Handles{
		bpffsRoot: bpffsRoot,
		pinDir:    filepath.Join(bpffsRoot, AppSubdir),
		shim:      shim,
		log:       log,
		maps:      make(map[string]*ebpf.Map),
	}
}

// PinDir returns the directory all cgfence objects are pinned under.
func (h *Handles) PinDir() string { return h.pinDir }

// Initialize performs the full load sequence described in the package
// header. On error, every partially acquired resource is released.
func (h *Handles) Initialize() (err error) {
	if err := CheckBPFFS(h.bpffsRoot); err != nil {
		return err
	}
	if !ProgramsBuiltIn() {
		return errors.New("lsm programs not built into this binary")
	}
	if err := os.MkdirAll(h.pinDir, 0o700); err != nil {
		return fmt.Errorf("create pin dir %s: %w", h.pinDir, err)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock rlimit: %w", err)
	}

	defer func() {
		if err != nil {
			h.release()
		}
	}()

	// A pinned map is only trusted when the previous instance also left
	// its enforcement link behind; a bare map is a crash leftover.
	linkWasLive := h.pinExists(FSLinkPin)

	reused := make(map[string]*ebpf.Map, len(mapDefs))
	for _, def := range mapDefs {
		pinPath := filepath.Join(h.pinDir, def.name)
		m, lerr := ebpf.LoadPinnedMap(pinPath, nil)
		if lerr != nil {
			continue // not pinned, will be created fresh
		}
		switch {
		case !linkWasLive:
			h.log.Warn("pinned map without enforcement link, replacing",
				zap.String("map", def.name))
			h.unpinAndClose(m, pinPath)
		case !SigMatches(m, def.sig):
			h.log.Warn("pinned map ABI mismatch, replacing",
				zap.String("map", def.name),
				zap.Uint32("key_size", m.KeySize()),
				zap.Uint32("value_size", m.ValueSize()))
			h.unpinAndClose(m, pinPath)
		default:
			reused[def.name] = m
		}
	}

	// The old link pins are superseded by the ones this instance is about
	// to create; drop them so a failure below never leaves a live-looking
	// link over dead programs.
	h.removePin(FSLinkPin)
	h.removePin(FSExecLinkPin)

	spec, serr := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpfObjectBytes))
	if serr != nil {
		return fmt.Errorf("load collection spec: %w", serr)
	}

	h.coll, err = ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		MapReplacements: reused,
	})
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}

	for _, def := range mapDefs {
		m, ok := h.coll.Maps[def.name]
		if !ok {
			return fmt.Errorf("object is missing map %q", def.name)
		}
		h.maps[def.name] = m
	}
	rb, ok := h.coll.Maps[DenyEventsMapName]
	if !ok {
		return fmt.Errorf("object is missing map %q", DenyEventsMapName)
	}
	h.maps[DenyEventsMapName] = rb

	if err = h.attach(); err != nil {
		return err
	}

	// Pin the maps that were created fresh. The fd stays usable when the
	// pin fails, so this is a warning, not fatal.
	for _, def := range mapDefs {
		if _, wasReused := reused[def.name]; wasReused {
			h.pins = append(h.pins, filepath.Join(h.pinDir, def.name))
			continue
		}
		pinPath := filepath.Join(h.pinDir, def.name)
		if perr := h.maps[def.name].Pin(pinPath); perr != nil {
			h.log.Warn("map pin failed, fd remains usable",
				zap.String("map", def.name), zap.Error(perr))
			continue
		}
		h.pins = append(h.pins, pinPath)
	}

	h.log.Info("bpf lsm initialized",
		zap.String("pin_dir", h.pinDir),
		zap.Int("maps_reused", len(reused)),
		zap.Int("links", len(h.links)))
	return nil
}

// attach attaches every LSM program and pins the enforcement links. The
// file-open program and its link pin are mandatory; the exec program is
// optional (older objects omit it).
func (h *Handles) attach() error {
	fsProg, ok := h.coll.Programs[progFileOpen]
	if !ok {
		return fmt.Errorf("object is missing program %q", progFileOpen)
	}
	fsLink, err := link.AttachLSM(link.LSMOptions{Program: fsProg})
	if err != nil {
		return fmt.Errorf("attach %s: %w", progFileOpen, err)
	}
	h.links = append(h.links, fsLink)
	if err := h.pinLink(fsLink, FSLinkPin); err != nil {
		return err
	}

	if execProg, ok := h.coll.Programs[progBprmCheck]; ok {
		execLink, err := link.AttachLSM(link.LSMOptions{Program: execProg})
		if err != nil {
			return fmt.Errorf("attach %s: %w", progBprmCheck, err)
		}
		h.links = append(h.links, execLink)
		if err := h.pinLink(execLink, FSExecLinkPin); err != nil {
			return err
		}
	}

	for _, name := range []string{progSocketCreate, progSocketBind, progSocketConnect, progUnixConnect} {
		prog, ok := h.coll.Programs[name]
		if !ok {
			continue
		}
		l, err := link.AttachLSM(link.LSMOptions{Program: prog})
		if err != nil {
			return fmt.Errorf("attach %s: %w", name, err)
		}
		h.links = append(h.links, l)
	}
	return nil
}

func (h *Handles) pinLink(l link.Link, name string) error {
	pinPath := filepath.Join(h.pinDir, name)
	if err := l.Pin(pinPath); err != nil {
		return fmt.Errorf("pin link %s: %w", name, err)
	}
	h.pins = append(h.pins, pinPath)
	return nil
}

func (h *Handles) pinExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.pinDir, name))
	return err == nil
}

func (h *Handles) removePin(name string) {
	_ = os.Remove(filepath.Join(h.pinDir, name))
}

func (h *Handles) unpinAndClose(m *ebpf.Map, pinPath string) {
	if err := m.Unpin(); err != nil {
		// Unpin failed through the fd; fall back to unlinking the path.
		_ = os.Remove(pinPath)
	}
	_ = m.Close()
}

// Shutdown unlinks every pinned path and destroys the loaded program set.
// Safe to call after a failed Initialize.
func (h *Handles) Shutdown() {
	for _, p := range h.pins {
		_ = os.Remove(p)
	}
	h.pins = nil
	h.release()
}

func (h *Handles) release() {
	for _, l := range h.links {
		_ = l.Close()
	}
	h.links = nil
	if h.coll != nil {
		h.coll.Close()
		h.coll = nil
	}
	h.maps = make(map[string]*ebpf.Map)
}

// DenyEventsMap returns the ring buffer map for the deny-event consumer.
func (h *Handles) DenyEventsMap() *ebpf.Map {
	return h.maps[DenyEventsMapName]
}

// ─── Rule installation ───────────────────────────────────────────────────────
//
// All installs go through the syscall shim against the map fds. Inode and
// net installs merge with OR on collision so repeated populates for the
// same container converge instead of clobbering masks.

func (h *Handles) fd(name string) (int, error) {
	m, ok := h.maps[name]
	if !ok {
		return 0, fmt.Errorf("map %q not initialized", name)
	}
	return m.FD(), nil
}

// mergeMask looks up the current 4-byte mask for key and ORs in mask.
func (h *Handles) mergeMask(fd int, key []byte, mask uint32) error {
	cur := make([]byte, PolicyValueSize)
	if err := h.shim.LookupElem(fd, key, cur); err == nil {
		mask |= UnmarshalPolicyValue(cur)
	} else if !bpfsys.IsNotExist(err) {
		return err
	}
	return h.shim.UpdateElem(fd, key, MarshalPolicyValue(mask))
}

// UpdateInode installs a single-inode rule.
func (h *Handles) UpdateInode(key InodeKey, mask uint32) error {
	fd, err := h.fd(PolicyMapName)
	if err != nil {
		return err
	}
	return h.mergeMask(fd, key.Marshal(), mask)
}

// UpdateDir installs a directory rule with the given flags
// (DirChildrenOnly or DirRecursive).
func (h *Handles) UpdateDir(key InodeKey, mask, flags uint32) error {
	fd, err := h.fd(DirPolicyMapName)
	if err != nil {
		return err
	}
	k := key.Marshal()
	cur := make([]byte, DirValueSize)
	if err := h.shim.LookupElem(fd, k, cur); err == nil {
		m, f := UnmarshalDirValue(cur)
		mask |= m
		flags |= f
	} else if !bpfsys.IsNotExist(err) {
		return err
	}
	return h.shim.UpdateElem(fd, k, MarshalDirValue(mask, flags))
}

// MergeBasename merges a basename rule into the 8-slot value attached to
// the directory inode. Returns ErrNoSpace on slot exhaustion.
func (h *Handles) MergeBasename(key InodeKey, rule BasenameRule, mask uint32) error {
	fd, err := h.fd(BasenamePolicyName)
	if err != nil {
		return err
	}
	k := key.Marshal()
	val := make([]byte, BasenameValueSize)
	if err := h.shim.LookupElem(fd, k, val); err != nil && !bpfsys.IsNotExist(err) {
		return err
	}
	if err := MergeBasenameValue(val, rule, mask); err != nil {
		return err
	}
	return h.shim.UpdateElem(fd, k, val)
}

// UpdateNetCreate installs a socket-creation rule.
func (h *Handles) UpdateNetCreate(key NetCreateKey, mask uint32) error {
	fd, err := h.fd(NetCreateMapName)
	if err != nil {
		return err
	}
	return h.mergeMask(fd, key.Marshal(), mask)
}

// UpdateNetTuple installs an endpoint rule.
func (h *Handles) UpdateNetTuple(key NetTupleKey, mask uint32) error {
	fd, err := h.fd(NetTupleMapName)
	if err != nil {
		return err
	}
	return h.mergeMask(fd, key.Marshal(), mask)
}

// UpdateNetUnix installs a unix-domain socket rule.
func (h *Handles) UpdateNetUnix(key NetUnixKey, mask uint32) error {
	fd, err := h.fd(NetUnixMapName)
	if err != nil {
		return err
	}
	return h.mergeMask(fd, key.Marshal(), mask)
}

// DeleteBatch removes the given raw keys from the named map, using the
// kernel batch primitive when available. Returns the count deleted.
func (h *Handles) DeleteBatch(mapName string, keys [][]byte) (int, error) {
	fd, err := h.fd(mapName)
	if err != nil {
		return 0, err
	}
	return h.shim.DeleteBatch(fd, keys)
}
