// Package manager — context.go
//
// ContainerContext is the userspace record of every rule installed for
// one container: six key sets, one per rule kind, appended in
// installation order so teardown can batch-delete without scanning any
// map. The sets deduplicate on the raw key bytes, which keeps repeated
// populates with the same policy bounded.

package manager

import (
	"fmt"
	"time"

	"github.com/cgfence/cgfence/internal/bpflsm"
)

// RuleKind indexes the per-kind key sets and names the map each kind
// lives in.
type RuleKind int

const (
	KindFile RuleKind = iota
	KindDir
	KindBasename
	KindNetCreate
	KindNetTuple
	KindNetUnix
	kindCount
)

// String returns the kind name used in logs and metric labels.
func (k RuleKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindBasename:
		return "basename"
	case KindNetCreate:
		return "net_create"
	case KindNetTuple:
		return "net_tuple"
	case KindNetUnix:
		return "net_unix"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MapName returns the kernel map the kind's keys live in.
func (k RuleKind) MapName() string {
	switch k {
	case KindFile:
		return bpflsm.PolicyMapName
	case KindDir:
		return bpflsm.DirPolicyMapName
	case KindBasename:
		return bpflsm.BasenamePolicyName
	case KindNetCreate:
		return bpflsm.NetCreateMapName
	case KindNetTuple:
		return bpflsm.NetTupleMapName
	case KindNetUnix:
		return bpflsm.NetUnixMapName
	default:
		return ""
	}
}

// MaxKeysPerKind caps each key set. It matches the per-map entry bound so
// a full context and a full map coincide.
const MaxKeysPerKind = 10240

// initialCapacity sizes each set for its expected density: file rules
// dominate (subtree walks), basename and unix rules are rare.
func (k RuleKind) initialCapacity() int {
	switch k {
	case KindFile:
		return 256
	case KindDir:
		return 64
	case KindNetTuple:
		return 32
	default:
		return 16
	}
}

// keySet is an append-only, deduplicated array of raw map keys with
// explicit exponential growth. Alongside each key it tracks the merged
// value installed so far (allow mask, or mask|flags for directory rules),
// which makes reinstalls of the same key monotonic: the new value is OR'd
// into the old one instead of clobbering it.
type keySet struct {
	keys  [][]byte
	vals  []uint64
	index map[string]int
	kind  RuleKind
}

func newKeySet(kind RuleKind) *keySet {
	return &keySet{
		keys:  make([][]byte, 0, kind.initialCapacity()),
		vals:  make([]uint64, 0, kind.initialCapacity()),
		index: make(map[string]int, kind.initialCapacity()),
		kind:  kind,
	}
}

// add records a key with its value bits. On a duplicate key the bits are
// OR'd into the recorded value and added is false (reinstalling the same
// rule is idempotent, not an error). Returns the merged value.
func (s *keySet) add(key []byte, val uint64) (merged uint64, added bool, err error) {
	if i, dup := s.index[string(key)]; dup {
		s.vals[i] |= val
		return s.vals[i], false, nil
	}
	if len(s.keys) >= MaxKeysPerKind {
		return 0, false, fmt.Errorf("%s key set full (%d entries): %w", s.kind, MaxKeysPerKind, bpflsm.ErrNoSpace)
	}
	if len(s.keys) == cap(s.keys) {
		grown := make([][]byte, len(s.keys), cap(s.keys)*2)
		copy(grown, s.keys)
		s.keys = grown
		vgrown := make([]uint64, len(s.vals), cap(s.vals)*2)
		copy(vgrown, s.vals)
		s.vals = vgrown
	}
	s.keys = append(s.keys, key)
	s.vals = append(s.vals, val)
	s.index[string(key)] = len(s.keys) - 1
	return val, true, nil
}

// peek returns the recorded value for a key without mutating the set.
func (s *keySet) peek(key []byte) (uint64, bool) {
	i, ok := s.index[string(key)]
	if !ok {
		return 0, false
	}
	return s.vals[i], true
}

func (s *keySet) len() int { return len(s.keys) }

// ContainerContext aggregates everything installed for one container.
type ContainerContext struct {
	id       string
	cgroupID uint64
	sets     [kindCount]*keySet

	createdAt     time.Time
	populateCount int
	lastPopulate  time.Duration
	lastCleanup   time.Duration
}

func newContainerContext(id string, cgroupID uint64) *ContainerContext {
	ctx := &ContainerContext{
		id:        id,
		cgroupID:  cgroupID,
		createdAt: time.Now(),
	}
	for k := RuleKind(0); k < kindCount; k++ {
		ctx.sets[k] = newKeySet(k)
	}
	return ctx
}

// record adds an installed key under the given kind, merging value bits
// on duplicates.
func (c *ContainerContext) record(kind RuleKind, key []byte, val uint64) (uint64, bool, error) {
	return c.sets[kind].add(key, val)
}

// ruleCount returns the total recorded keys across all kinds.
func (c *ContainerContext) ruleCount() int {
	total := 0
	for _, s := range c.sets {
		total += s.len()
	}
	return total
}

// ContainerMetrics is the per-container snapshot returned by
// GetContainerMetrics and the operator status command.
type ContainerMetrics struct {
	ContainerID   string
	CgroupID      uint64
	CreatedAt     time.Time
	PopulateCount int
	LastPopulate  time.Duration
	LastCleanup   time.Duration
	RuleCounts    map[string]int
	RuleTotal     int
}

func (c *ContainerContext) snapshot() ContainerMetrics {
	m := ContainerMetrics{
		ContainerID:   c.id,
		CgroupID:      c.cgroupID,
		CreatedAt:     c.createdAt,
		PopulateCount: c.populateCount,
		LastPopulate:  c.lastPopulate,
		LastCleanup:   c.lastCleanup,
		RuleCounts:    make(map[string]int, kindCount),
	}
	for k := RuleKind(0); k < kindCount; k++ {
		m.RuleCounts[k.String()] = c.sets[k].len()
		m.RuleTotal += c.sets[k].len()
	}
	return m
}
