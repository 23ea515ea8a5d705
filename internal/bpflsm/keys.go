// Package bpflsm owns the kernel-resident side of cgfence: the six policy
// maps, their pinned identities, the LSM program set, and the byte layouts
// of every key and value the LSM programs consume.
//
// keys.go — map key/value encodings.
//
// The layouts mirror the C structs compiled into the LSM object and must
// match them byte for byte, padding included. Everything is little-endian;
// the sizes are asserted in keys_test.go. Changing any layout is an ABI
// break and must bump the pinned-map signature so a restarting daemon
// replaces stale pins instead of adopting them.

package bpflsm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Map key/value sizes in bytes. These are the ABI signatures checked
// against pinned maps on initialize.
const (
	InodeKeySize      = 24
	PolicyValueSize   = 4
	DirValueSize      = 8
	NetCreateKeySize  = 20
	NetTupleKeySize   = 38
	NetUnixKeySize    = 126
	NetValueSize      = 4
	BasenameSlotSize  = 404
	BasenameSlotCount = 8
	BasenameValueSize = BasenameSlotSize * BasenameSlotCount
)

// Directory rule flags stored in the dir_policy_map value.
const (
	DirChildrenOnly uint32 = 0x1
	DirRecursive    uint32 = 0x2
)

// Basename rule limits. A rule decomposes into at most MaxTokens tokens of
// at most TokenBytes bytes each; at most BasenameSlotCount rules attach to
// one directory inode.
const (
	MaxTokens  = 6
	TokenBytes = 64
)

// UnixPathMax is the sockaddr_un path capacity mirrored in the
// net_unix_map key.
const UnixPathMax = 108

// ErrNoSpace is returned when all basename slots for a directory inode are
// occupied by rules of a different shape.
var ErrNoSpace = errors.New("no space in basename rule slots")

// InodeKey scopes a file or directory rule: (cgroup, device, inode).
// Shared by policy_map, dir_policy_map, and basename_policy_map.
type InodeKey struct {
	CgroupID uint64
	Dev      uint64
	Ino      uint64
}

// Marshal encodes the key into its 24-byte wire form.
func (k InodeKey) Marshal() []byte {
	b := make([]byte, InodeKeySize)
	binary.LittleEndian.PutUint64(b[0:8], k.CgroupID)
	binary.LittleEndian.PutUint64(b[8:16], k.Dev)
	binary.LittleEndian.PutUint64(b[16:24], k.Ino)
	return b
}

// MarshalPolicyValue encodes an allow mask for policy_map.
func MarshalPolicyValue(mask uint32) []byte {
	b := make([]byte, PolicyValueSize)
	binary.LittleEndian.PutUint32(b, mask)
	return b
}

// UnmarshalPolicyValue decodes a policy_map value.
func UnmarshalPolicyValue(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// MarshalDirValue encodes the (mask, flags) pair for dir_policy_map.
func MarshalDirValue(mask, flags uint32) []byte {
	b := make([]byte, DirValueSize)
	binary.LittleEndian.PutUint32(b[0:4], mask)
	binary.LittleEndian.PutUint32(b[4:8], flags)
	return b
}

// UnmarshalDirValue decodes a dir_policy_map value.
func UnmarshalDirValue(b []byte) (mask, flags uint32) {
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8])
}

// NetCreateKey scopes a socket-creation rule.
type NetCreateKey struct {
	CgroupID uint64
	Family   uint32
	Type     uint32
	Protocol uint32
}

// Marshal encodes the key into its 20-byte wire form.
func (k NetCreateKey) Marshal() []byte {
	b := make([]byte, NetCreateKeySize)
	binary.LittleEndian.PutUint64(b[0:8], k.CgroupID)
	binary.LittleEndian.PutUint32(b[8:12], k.Family)
	binary.LittleEndian.PutUint32(b[12:16], k.Type)
	binary.LittleEndian.PutUint32(b[16:20], k.Protocol)
	return b
}

// NetTupleKey scopes an endpoint rule: the create key plus port and
// address. Addr holds IPv4 in the first 4 bytes, IPv6 in all 16.
type NetTupleKey struct {
	NetCreateKey
	Port uint16
	Addr [16]byte
}

// Marshal encodes the key into its 38-byte wire form.
func (k NetTupleKey) Marshal() []byte {
	b := make([]byte, NetTupleKeySize)
	copy(b[0:NetCreateKeySize], k.NetCreateKey.Marshal())
	binary.LittleEndian.PutUint16(b[20:22], k.Port)
	copy(b[22:38], k.Addr[:])
	return b
}

// NetUnixKey scopes a unix-domain socket rule. Abstract sockets (leading
// '@' in user input) set Abstract=1 and carry the name without the marker.
type NetUnixKey struct {
	CgroupID uint64
	Type     uint32
	Protocol uint32
	Abstract uint8
	PathLen  uint8
	Path     [UnixPathMax]byte
}

// Marshal encodes the key into its 126-byte wire form.
func (k NetUnixKey) Marshal() []byte {
	b := make([]byte, NetUnixKeySize)
	binary.LittleEndian.PutUint64(b[0:8], k.CgroupID)
	binary.LittleEndian.PutUint32(b[8:12], k.Type)
	binary.LittleEndian.PutUint32(b[12:16], k.Protocol)
	b[16] = k.Abstract
	b[17] = k.PathLen
	copy(b[18:126], k.Path[:])
	return b
}

// NewNetUnixKey builds a unix key from a socket path, detecting the
// abstract-namespace '@' marker. Paths longer than UnixPathMax are
// rejected.
func NewNetUnixKey(cgroupID uint64, sockType, protocol uint32, path string) (NetUnixKey, error) {
	k := NetUnixKey{CgroupID: cgroupID, Type: sockType, Protocol: protocol}
	if len(path) > 0 && path[0] == '@' {
		k.Abstract = 1
		path = path[1:]
	}
	if len(path) > UnixPathMax {
		return NetUnixKey{}, fmt.Errorf("unix socket path %d bytes exceeds %d", len(path), UnixPathMax)
	}
	k.PathLen = uint8(len(path))
	copy(k.Path[:], path)
	return k, nil
}

// ─── Basename rules ──────────────────────────────────────────────────────────

// TokenType discriminates the matcher behavior of one basename token.
type TokenType uint8

const (
	// TokenLiteral matches the token bytes, with '?' matching any single
	// character (the kernel-side matcher interprets '?').
	TokenLiteral TokenType = 1
	// TokenDigit matches exactly one ASCII digit.
	TokenDigit TokenType = 2
	// TokenDigits matches one or more ASCII digits.
	TokenDigits TokenType = 3
)

// Token is one component of a basename rule.
type Token struct {
	Type  TokenType
	Len   uint8
	Bytes [TokenBytes]byte
}

// BasenameRule is the token decomposition of one basename pattern, the
// authoritative rule form consumed by the LSM basename matcher.
type BasenameRule struct {
	Tokens       [MaxTokens]Token
	Count        uint8
	TailWildcard bool
}

// Literal appends a literal token. Fails when the rule is full or the
// segment exceeds the token capacity.
func (r *BasenameRule) Literal(seg string) error {
	if len(seg) > TokenBytes {
		return fmt.Errorf("basename token %d bytes exceeds %d", len(seg), TokenBytes)
	}
	if r.Count >= MaxTokens {
		return fmt.Errorf("basename rule exceeds %d tokens", MaxTokens)
	}
	t := Token{Type: TokenLiteral, Len: uint8(len(seg))}
	copy(t.Bytes[:], seg)
	r.Tokens[r.Count] = t
	r.Count++
	return nil
}

// Digit appends a one-digit or one-or-more-digits token.
func (r *BasenameRule) Digit(plus bool) error {
	if r.Count >= MaxTokens {
		return fmt.Errorf("basename rule exceeds %d tokens", MaxTokens)
	}
	typ := TokenDigit
	if plus {
		typ = TokenDigits
	}
	r.Tokens[r.Count] = Token{Type: typ}
	r.Count++
	return nil
}

// SameShape reports whether two rules match the same basenames, ignoring
// the allow mask. Used for slot merging.
func (r BasenameRule) SameShape(o BasenameRule) bool {
	if r.Count != o.Count || r.TailWildcard != o.TailWildcard {
		return false
	}
	for i := uint8(0); i < r.Count; i++ {
		a, b := r.Tokens[i], o.Tokens[i]
		if a.Type != b.Type || a.Len != b.Len {
			return false
		}
		if !bytes.Equal(a.Bytes[:a.Len], b.Bytes[:b.Len]) {
			return false
		}
	}
	return true
}

// Slot layout within the basename_policy_map value:
//
//	[0..3]   allow mask  u32
//	[4]      token count u8
//	[5]      tail flag   u8
//	[6..7]   pad
//	[8..]    6 × { type u8, len u8, bytes[64] }
const (
	slotOffMask   = 0
	slotOffCount  = 4
	slotOffTail   = 5
	slotOffTokens = 8
	tokenRecSize  = 2 + TokenBytes
)

// encodeSlot writes mask+rule into the slot starting at b.
func encodeSlot(b []byte, rule BasenameRule, mask uint32) {
	binary.LittleEndian.PutUint32(b[slotOffMask:], mask)
	b[slotOffCount] = rule.Count
	if rule.TailWildcard {
		b[slotOffTail] = 1
	} else {
		b[slotOffTail] = 0
	}
	for i := uint8(0); i < rule.Count; i++ {
		off := slotOffTokens + int(i)*tokenRecSize
		b[off] = byte(rule.Tokens[i].Type)
		b[off+1] = rule.Tokens[i].Len
		copy(b[off+2:off+2+TokenBytes], rule.Tokens[i].Bytes[:])
	}
}

// decodeSlot reads the rule and mask from the slot starting at b. An empty
// slot decodes with Count == 0.
func decodeSlot(b []byte) (BasenameRule, uint32) {
	var rule BasenameRule
	mask := binary.LittleEndian.Uint32(b[slotOffMask:])
	rule.Count = b[slotOffCount]
	rule.TailWildcard = b[slotOffTail] != 0
	if rule.Count > MaxTokens {
		// Corrupt slot; treat as empty rather than walking out of bounds.
		return BasenameRule{}, 0
	}
	for i := uint8(0); i < rule.Count; i++ {
		off := slotOffTokens + int(i)*tokenRecSize
		rule.Tokens[i].Type = TokenType(b[off])
		rule.Tokens[i].Len = b[off+1]
		copy(rule.Tokens[i].Bytes[:], b[off+2:off+2+TokenBytes])
	}
	return rule, mask
}

// MergeBasenameValue merges (rule, mask) into a raw basename_policy_map
// value in place. A slot holding a rule of identical shape absorbs the
// mask with OR; otherwise the first empty slot is taken. Returns
// ErrNoSpace when all slots hold rules of other shapes.
func MergeBasenameValue(val []byte, rule BasenameRule, mask uint32) error {
	if len(val) != BasenameValueSize {
		return fmt.Errorf("basename value is %d bytes, want %d", len(val), BasenameValueSize)
	}
	for i := 0; i < BasenameSlotCount; i++ {
		slot := val[i*BasenameSlotSize : (i+1)*BasenameSlotSize]
		existing, existingMask := decodeSlot(slot)
		if existing.Count == 0 {
			encodeSlot(slot, rule, mask)
			return nil
		}
		if existing.SameShape(rule) {
			encodeSlot(slot, rule, existingMask|mask)
			return nil
		}
	}
	return ErrNoSpace
}

// BasenameSlots decodes the occupied slots of a raw value. Test and
// operator-status helper.
func BasenameSlots(val []byte) []struct {
	Rule BasenameRule
	Mask uint32
} {
	var out []struct {
		Rule BasenameRule
		Mask uint32
	}
	for i := 0; i+BasenameSlotSize <= len(val); i += BasenameSlotSize {
		rule, mask := decodeSlot(val[i : i+BasenameSlotSize])
		if rule.Count == 0 {
			continue
		}
		out = append(out, struct {
			Rule BasenameRule
			Mask uint32
		}{rule, mask})
	}
	return out
}
