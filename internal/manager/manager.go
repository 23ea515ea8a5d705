// Package manager is the process-wide state of cgfence enforcement: the
// loaded BPF programs and map handles, the index of container contexts,
// the metrics counters, and the deny-event consumer.
//
// Concurrency model: a single mutex serializes every public operation.
// populate and cleanup for distinct containers never interleave; the
// deny-event consumer runs in parallel but touches only the ring buffer,
// the logger, and the audit ledger.
//
// Fallback contract: when the BPF LSM is unavailable — wrong platform,
// programs not built in, kernel without the bpf LSM, no bpffs, or a
// failed initialize — IsAvailable reports false and populate/cleanup are
// silent successes. Callers get containment when the host can provide it
// and undegraded behavior when it cannot; the seccomp collaborator is the
// backstop.

package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cgfence/cgfence/internal/bpflsm"
	"github.com/cgfence/cgfence/internal/bpfsys"
	"github.com/cgfence/cgfence/internal/compiler"
	"github.com/cgfence/cgfence/internal/denylog"
	"github.com/cgfence/cgfence/internal/observability"
	"github.com/cgfence/cgfence/internal/policy"
	"github.com/cgfence/cgfence/internal/ruledb"
)

// RuleMaps is the kernel-map surface the manager installs into. The live
// implementation is *bpflsm.Handles; tests substitute an in-memory map
// set so the populate/cleanup laws run without a kernel.
type RuleMaps interface {
	UpdateInode(key bpflsm.InodeKey, mask uint32) error
	UpdateDir(key bpflsm.InodeKey, mask, flags uint32) error
	MergeBasename(key bpflsm.InodeKey, rule bpflsm.BasenameRule, mask uint32) error
	UpdateNetCreate(key bpflsm.NetCreateKey, mask uint32) error
	UpdateNetTuple(key bpflsm.NetTupleKey, mask uint32) error
	UpdateNetUnix(key bpflsm.NetUnixKey, mask uint32) error
	DeleteBatch(mapName string, keys [][]byte) (int, error)
}

// Counters is the global metrics snapshot returned by Metrics().
type Counters struct {
	PopulateTotal    uint64
	PopulateFailed   uint64
	CleanupTotal     uint64
	CleanupFailed    uint64
	ActiveContainers int
	RulesInstalled   uint64
	RulesRemoved     uint64
}

// Options configures a Manager. Every field has a usable default (a nil
// DB disables the ledger, a nil Logger discards logs); tests inject
// disjoint roots to create independent managers.
type Options struct {
	// BPFFSRoot is the bpf filesystem mount point. Default /sys/fs/bpf.
	BPFFSRoot string

	// CgroupRoot is the directory the cgroup-setup collaborator creates
	// per-container cgroup directories under, named by container
	// hostname. Default /sys/fs/cgroup/cgfence.
	CgroupRoot string

	// DenyLogBudget and DenyLogRefill configure the denial log rate
	// limiter. Defaults: 100 lines per 10s.
	DenyLogBudget int
	DenyLogRefill time.Duration

	// DB is the optional rule ledger for restart recovery and denial
	// audit.
	DB *ruledb.DB

	// Metrics is the Prometheus descriptor set. Created if nil.
	Metrics *observability.Metrics

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.BPFFSRoot == "" {
		o.BPFFSRoot = "/sys/fs/bpf"
	}
	if o.CgroupRoot == "" {
		o.CgroupRoot = "/sys/fs/cgroup/cgfence"
	}
	if o.DenyLogBudget <= 0 {
		o.DenyLogBudget = 100
	}
	if o.DenyLogRefill <= 0 {
		o.DenyLogRefill = 10 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewMetrics()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Manager owns cgfence enforcement state. Create with New, then
// Initialize; all operations are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	opts    Options
	log     *zap.Logger
	metrics *observability.Metrics
	db      *ruledb.DB

	shim     *bpfsys.Shim
	handles  *bpflsm.Handles
	maps     RuleMaps
	consumer *denylog.Consumer
	limiter  *denylog.Limiter

	available  bool
	containers map[string]*ContainerContext
	counters   Counters

	lastFallbacks uint64
}

// New creates an uninitialized Manager.
func New(opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:       opts,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		db:         opts.DB,
		shim:       bpfsys.New(),
		containers: make(map[string]*ContainerContext),
	}
}

// Initialize probes the environment and, when the BPF LSM is usable,
// loads and attaches the program set and starts the deny-event consumer.
// An unusable environment downgrades to no-op enforcement and is not an
// error; only unexpected internal failures are.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := bpflsm.ProbeAvailability(m.opts.BPFFSRoot); err != nil {
		m.log.Warn("bpf lsm unavailable, enforcement downgraded to no-op", zap.Error(err))
		m.available = false
		return nil
	}

	handles := bpflsm.NewHandles(m.opts.BPFFSRoot, m.shim, m.log)
	if err := handles.Initialize(); err != nil {
		m.log.Error("bpf lsm initialize failed, enforcement downgraded to no-op", zap.Error(err))
		handles.Shutdown()
		m.available = false
		return nil
	}
	m.handles = handles
	m.maps = handles

	m.limiter = denylog.NewLimiter(m.opts.DenyLogBudget, m.opts.DenyLogRefill)
	m.consumer = denylog.NewConsumer(handles.DenyEventsMap(), m.limiter, m.metrics, m.db, m.log)
	if err := m.consumer.Start(); err != nil {
		m.log.Warn("deny-event consumer failed to start, denials will not be audited", zap.Error(err))
		m.consumer = nil
	}

	m.available = true
	m.reportRecovery()
	return nil
}

// reportRecovery names containers the ledger says had live rules when the
// previous instance died. Their kernel entries were either replaced with
// the pinned maps or are scoped to cgroups that no longer exist.
func (m *Manager) reportRecovery() {
	if m.db == nil {
		return
	}
	recs, err := m.db.ListContainers()
	if err != nil {
		m.log.Warn("ledger recovery scan failed", zap.Error(err))
		return
	}
	for _, rec := range recs {
		m.log.Warn("container had installed rules at previous shutdown",
			zap.String("container_id", rec.ContainerID),
			zap.Uint64("cgroup_id", rec.CgroupID),
			zap.Time("updated_at", rec.UpdatedAt))
	}
}

// Shutdown stops the deny-event consumer, unpins every kernel object, and
// destroys the program set. In-flight operations complete first.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consumer != nil {
		m.consumer.Stop()
		m.consumer = nil
	}
	if m.limiter != nil {
		m.limiter.Close()
		m.limiter = nil
	}
	if m.handles != nil {
		m.handles.Shutdown()
		m.handles = nil
		m.maps = nil
	}
	m.available = false
}

// IsAvailable reports whether rules are actually being installed into the
// kernel. False means populate and cleanup are silent no-ops.
func (m *Manager) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// ─── populate ────────────────────────────────────────────────────────────────

// PopulatePolicy compiles the policy and installs its rules for the
// container, recording every installed key in the container's context.
// Per-rule failures are logged and skipped: a partially installed
// container is safer than an uninstalled one, because the LSM
// default-denies.
func (m *Manager) PopulatePolicy(containerID, rootfsPath string, pol *policy.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return nil
	}

	if err := m.checkPopulateArgs(containerID, rootfsPath, pol); err != nil {
		m.counters.PopulateFailed++
		m.metrics.PopulateTotal.WithLabelValues("failed").Inc()
		return err
	}

	start := time.Now()

	ctx, ok := m.containers[containerID]
	if !ok {
		cgroupID, err := m.resolveCgroupID(containerID)
		if err != nil {
			m.counters.PopulateFailed++
			m.metrics.PopulateTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("populate %q: %w", containerID, err)
		}
		ctx = newContainerContext(containerID, cgroupID)
		m.containers[containerID] = ctx
		m.metrics.ActiveContainers.Set(float64(len(m.containers)))
	}

	sink := &installSink{m: m, ctx: ctx}
	comp := compiler.New(rootfsPath, sink, m.log)

	for _, rule := range pol.Paths {
		if err := comp.Compile(rule.Pattern, rule.Access); err != nil {
			m.log.Warn("path rule skipped",
				zap.String("container_id", containerID),
				zap.String("pattern", rule.Pattern),
				zap.Error(err))
		}
	}

	for i, rule := range pol.NetRules {
		if err := m.installNetRule(sink, rule); err != nil {
			m.log.Warn("net rule skipped",
				zap.String("container_id", containerID),
				zap.Int("rule", i),
				zap.Error(err))
		}
	}

	ctx.populateCount++
	ctx.lastPopulate = time.Since(start)
	m.counters.PopulateTotal++
	m.metrics.PopulateTotal.WithLabelValues("ok").Inc()
	m.metrics.PopulateDuration.Observe(ctx.lastPopulate.Seconds())

	m.persistContext(ctx, pol.Level)

	m.log.Info("policy populated",
		zap.String("container_id", containerID),
		zap.Uint64("cgroup_id", ctx.cgroupID),
		zap.Int("rules", ctx.ruleCount()),
		zap.Duration("elapsed", ctx.lastPopulate))
	return nil
}

func (m *Manager) checkPopulateArgs(containerID, rootfsPath string, pol *policy.Policy) error {
	if containerID == "" {
		return errors.New("populate: empty container id")
	}
	if rootfsPath == "" {
		return errors.New("populate: empty rootfs path")
	}
	if st, err := os.Stat(rootfsPath); err != nil || !st.IsDir() {
		return fmt.Errorf("populate: rootfs %q is not an existing directory", rootfsPath)
	}
	if err := pol.Validate(); err != nil {
		return fmt.Errorf("populate: %w", err)
	}
	return nil
}

// resolveCgroupID reads the inode of the cgroup directory the external
// cgroup-setup collaborator created for this container. The directory is
// named by the container's hostname, which equals the container id here.
// Zero is a hard failure: no rule could be scoped without it.
func (m *Manager) resolveCgroupID(containerID string) (uint64, error) {
	path := filepath.Join(m.opts.CgroupRoot, containerID)
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("cgroup directory %q: %w", path, err)
	}
	if st.Ino == 0 {
		return 0, fmt.Errorf("cgroup directory %q has inode 0", path)
	}
	return st.Ino, nil
}

// installNetRule writes the map entries one net rule expands to: the
// net-create entry when CREATE is allowed, and an endpoint entry (tuple
// or unix) for the remaining bits.
func (m *Manager) installNetRule(sink *installSink, rule policy.NetRule) error {
	cg := sink.ctx.cgroupID

	if rule.Allow&policy.NetCreate != 0 {
		key := bpflsm.NetCreateKey{
			CgroupID: cg,
			Family:   rule.Family,
			Type:     rule.Type,
			Protocol: rule.Protocol,
		}
		if err := sink.netCreate(key, rule.Allow); err != nil {
			return err
		}
	}

	endpoint := rule.Allow &^ policy.NetCreate
	if endpoint == 0 {
		return nil
	}

	if rule.Family == policy.FamilyUnix {
		key, err := bpflsm.NewNetUnixKey(cg, rule.Type, rule.Protocol, rule.UnixPath)
		if err != nil {
			return err
		}
		return sink.netUnix(key, endpoint)
	}

	key := bpflsm.NetTupleKey{
		NetCreateKey: bpflsm.NetCreateKey{
			CgroupID: cg,
			Family:   rule.Family,
			Type:     rule.Type,
			Protocol: rule.Protocol,
		},
		Port: rule.Port,
		Addr: rule.Addr,
	}
	return sink.netTuple(key, endpoint)
}

// persistContext writes the container's install summary to the ledger.
// Best effort: enforcement does not depend on the ledger.
func (m *Manager) persistContext(ctx *ContainerContext, level policy.Level) {
	if m.db == nil {
		return
	}
	snap := ctx.snapshot()
	rec := ruledb.InstallRecord{
		ContainerID:   ctx.id,
		CgroupID:      ctx.cgroupID,
		Level:         level.String(),
		RuleCounts:    snap.RuleCounts,
		PopulateCount: ctx.populateCount,
	}
	if err := m.db.PutContainer(rec); err != nil {
		m.log.Warn("ledger write failed", zap.String("container_id", ctx.id), zap.Error(err))
	}
}

// ─── cleanup ─────────────────────────────────────────────────────────────────

// CleanupPolicy batch-deletes every recorded key for the container and
// removes its context. Absent entries are not failures; only an
// unrecoverable batch-delete error is surfaced — and even then the
// context is removed so memory cannot leak.
func (m *Manager) CleanupPolicy(containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return nil
	}

	ctx, ok := m.containers[containerID]
	if !ok {
		// Nothing installed by this instance; drop any stale ledger entry.
		if m.db != nil {
			_ = m.db.DeleteContainer(containerID)
		}
		return nil
	}

	start := time.Now()
	var errs []error

	for k := RuleKind(0); k < kindCount; k++ {
		set := ctx.sets[k]
		if set.len() == 0 {
			continue
		}
		n, err := m.maps.DeleteBatch(k.MapName(), set.keys)
		m.counters.RulesRemoved += uint64(n)
		m.metrics.RulesRemovedTotal.WithLabelValues(k.String()).Add(float64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}

	// The context goes away even on failure: leaked kernel entries are
	// scoped to a cgroup that is being destroyed, leaked memory is not.
	delete(m.containers, containerID)
	m.metrics.ActiveContainers.Set(float64(len(m.containers)))
	if m.db != nil {
		if err := m.db.DeleteContainer(containerID); err != nil {
			m.log.Warn("ledger delete failed", zap.String("container_id", containerID), zap.Error(err))
		}
	}

	ctx.lastCleanup = time.Since(start)
	m.observeFallbacks()

	if len(errs) > 0 {
		m.counters.CleanupFailed++
		m.metrics.CleanupTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("cleanup %q: %w", containerID, errors.Join(errs...))
	}

	m.counters.CleanupTotal++
	m.metrics.CleanupTotal.WithLabelValues("ok").Inc()
	m.metrics.CleanupDuration.Observe(ctx.lastCleanup.Seconds())
	m.log.Info("policy cleaned up",
		zap.String("container_id", containerID),
		zap.Duration("elapsed", ctx.lastCleanup))
	return nil
}

// observeFallbacks forwards the shim's batch-fallback count delta to the
// metrics registry.
func (m *Manager) observeFallbacks() {
	now := m.shim.FallbackCount()
	if delta := now - m.lastFallbacks; delta > 0 {
		m.metrics.BatchFallbackTotal.Add(float64(delta))
		m.lastFallbacks = now
	}
}

// ─── introspection ───────────────────────────────────────────────────────────

// Metrics returns the global counter snapshot.
func (m *Manager) Metrics() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters
	c.ActiveContainers = len(m.containers)
	return c
}

// ContainerMetrics returns the per-container snapshot, or an error when
// the container has no context.
func (m *Manager) ContainerMetrics(containerID string) (ContainerMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.containers[containerID]
	if !ok {
		return ContainerMetrics{}, fmt.Errorf("no rules installed for container %q", containerID)
	}
	return ctx.snapshot(), nil
}

// Containers returns the ids of all tracked containers.
func (m *Manager) Containers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.containers))
	for id := range m.containers {
		out = append(out, id)
	}
	return out
}

// ─── install sink ────────────────────────────────────────────────────────────

// installSink implements compiler.Sink for one populate call. Each
// install merges the new bits with whatever this container already has on
// the key, writes the merged value to the kernel map, then records the
// key — so an abandoned populate leaves only keys that are really in the
// kernel, and reinstalls are monotonic (masks only widen).
type installSink struct {
	m   *Manager
	ctx *ContainerContext
}

// dirValBits packs a directory rule's mask and flags into one recorded
// value word: mask in the low 32 bits, flags in the high 32.
func dirValBits(mask, flags uint32) uint64 {
	return uint64(mask) | uint64(flags)<<32
}

func splitDirVal(v uint64) (mask, flags uint32) {
	return uint32(v), uint32(v >> 32)
}

func (s *installSink) Inode(dev, ino uint64, mask uint32) error {
	key := bpflsm.InodeKey{CgroupID: s.ctx.cgroupID, Dev: dev, Ino: ino}
	raw := key.Marshal()
	old, _ := s.ctx.sets[KindFile].peek(raw)
	merged := uint32(old) | mask
	if err := s.m.maps.UpdateInode(key, merged); err != nil {
		return err
	}
	return s.record(KindFile, raw, uint64(mask))
}

func (s *installSink) Dir(dev, ino uint64, mask, flags uint32) error {
	key := bpflsm.InodeKey{CgroupID: s.ctx.cgroupID, Dev: dev, Ino: ino}
	raw := key.Marshal()
	old, _ := s.ctx.sets[KindDir].peek(raw)
	oldMask, oldFlags := splitDirVal(old)
	if err := s.m.maps.UpdateDir(key, oldMask|mask, oldFlags|flags); err != nil {
		return err
	}
	return s.record(KindDir, raw, dirValBits(mask, flags))
}

func (s *installSink) Basename(dev, ino uint64, rule bpflsm.BasenameRule, mask uint32) error {
	// Slot-level merging is value-side and handled by the map layer via
	// lookup-modify-write; the context only tracks the directory key.
	key := bpflsm.InodeKey{CgroupID: s.ctx.cgroupID, Dev: dev, Ino: ino}
	if err := s.m.maps.MergeBasename(key, rule, mask); err != nil {
		return err
	}
	return s.record(KindBasename, key.Marshal(), uint64(mask))
}

func (s *installSink) netCreate(key bpflsm.NetCreateKey, mask uint32) error {
	raw := key.Marshal()
	old, _ := s.ctx.sets[KindNetCreate].peek(raw)
	merged := uint32(old) | mask
	if err := s.m.maps.UpdateNetCreate(key, merged); err != nil {
		return err
	}
	return s.record(KindNetCreate, raw, uint64(mask))
}

func (s *installSink) netTuple(key bpflsm.NetTupleKey, mask uint32) error {
	raw := key.Marshal()
	old, _ := s.ctx.sets[KindNetTuple].peek(raw)
	merged := uint32(old) | mask
	if err := s.m.maps.UpdateNetTuple(key, merged); err != nil {
		return err
	}
	return s.record(KindNetTuple, raw, uint64(mask))
}

func (s *installSink) netUnix(key bpflsm.NetUnixKey, mask uint32) error {
	raw := key.Marshal()
	old, _ := s.ctx.sets[KindNetUnix].peek(raw)
	merged := uint32(old) | mask
	if err := s.m.maps.UpdateNetUnix(key, merged); err != nil {
		return err
	}
	return s.record(KindNetUnix, raw, uint64(mask))
}

func (s *installSink) record(kind RuleKind, key []byte, val uint64) error {
	_, added, err := s.ctx.record(kind, key, val)
	if err != nil {
		return err
	}
	if added {
		s.m.counters.RulesInstalled++
		s.m.metrics.RulesInstalledTotal.WithLabelValues(kind.String()).Inc()
	}
	return nil
}
