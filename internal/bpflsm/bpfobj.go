// Package bpflsm — bpfobj.go
//
// bpfObjectBytes holds the compiled LSM ELF object. The bytes are injected
// by a generated file (bpfobj_embed.go, built from bpf/cgfence_lsm.c by
// `make bpf`) that is only part of builds carrying the compiled object.
// When the object was not built in, the slice stays empty and the manager
// reports enforcement as unavailable instead of failing.

package bpflsm

var bpfObjectBytes []byte

// ProgramsBuiltIn reports whether the LSM object was compiled into this
// binary.
func ProgramsBuiltIn() bool {
	return len(bpfObjectBytes) > 0
}
