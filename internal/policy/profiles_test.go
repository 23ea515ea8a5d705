package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildLSM_UnionOfProfiles(t *testing.T) {
	p, err := BuildLSM(LevelStandard, ProfileMinimal, ProfileBuild)
	if err != nil {
		t.Fatalf("BuildLSM: %v", err)
	}
	if p.Backend != BackendLSM {
		t.Errorf("backend = %v", p.Backend)
	}
	want := len(minimalProfile.paths) + len(buildProfile.paths)
	if len(p.Paths) != want {
		t.Errorf("path count = %d, want %d", len(p.Paths), want)
	}
	if len(p.Syscalls) != 0 {
		t.Error("lsm policy should not carry syscalls")
	}
}

func TestBuildLSM_DuplicateProfileCountedOnce(t *testing.T) {
	p, err := BuildLSM(LevelStandard, ProfileMinimal, ProfileMinimal)
	if err != nil {
		t.Fatalf("BuildLSM: %v", err)
	}
	if len(p.Paths) != len(minimalProfile.paths) {
		t.Errorf("duplicate profile doubled paths: %d", len(p.Paths))
	}
}

func TestBuildLSM_UnknownProfile(t *testing.T) {
	if _, err := BuildLSM(LevelStandard, "no-such-profile"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestBuildLSM_OrderIndependent(t *testing.T) {
	a, err := BuildLSM(LevelStandard, ProfileMinimal, ProfileNetwork)
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildLSM(LevelStandard, ProfileNetwork, ProfileMinimal)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Paths) != len(b.Paths) || len(a.NetRules) != len(b.NetRules) {
		t.Errorf("profile order changed the union: %d/%d vs %d/%d",
			len(a.Paths), len(a.NetRules), len(b.Paths), len(b.NetRules))
	}
}

func TestBuildSeccomp_DeduplicatedSyscalls(t *testing.T) {
	p, err := BuildSeccomp(LevelStrict, ProfileMinimal, ProfileNetwork)
	if err != nil {
		t.Fatalf("BuildSeccomp: %v", err)
	}
	if p.Backend != BackendSeccomp {
		t.Errorf("backend = %v", p.Backend)
	}
	if len(p.Paths) != 0 || len(p.NetRules) != 0 {
		t.Error("seccomp policy should not carry path or net rules")
	}
	seen := make(map[string]bool)
	for _, sc := range p.Syscalls {
		if seen[sc] {
			t.Errorf("duplicate syscall %q", sc)
		}
		seen[sc] = true
	}
	if !seen["openat"] || !seen["connect"] {
		t.Error("expected syscalls from both profiles")
	}
}

func TestValidate_Limits(t *testing.T) {
	p := &Policy{Backend: BackendLSM, Level: LevelStandard}
	for i := 0; i <= MaxPaths; i++ {
		p.Paths = append(p.Paths, PathRule{Pattern: "/x", Access: AccessRead})
	}
	if err := p.Validate(); err == nil {
		t.Error("expected error past MaxPaths")
	}

	p2 := &Policy{
		Backend: BackendLSM,
		Paths:   []PathRule{{Pattern: "relative/path", Access: AccessRead}},
	}
	if err := p2.Validate(); err == nil {
		t.Error("expected error for relative pattern")
	}

	p3 := &Policy{
		Backend:  BackendLSM,
		NetRules: []NetRule{{Family: FamilyInet, Type: SockStream}},
	}
	if err := p3.Validate(); err == nil {
		t.Error("expected error for empty allow mask")
	}
}

func TestLoadProfileFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	content := `name: ci-runner
paths:
  - pattern: /srv/cache/**
    access: [read, write]
  - pattern: /usr/local/go
    access: [read, exec]
net:
  - family: inet
    type: stream
    protocol: 6
    port: 22
    addr: 10.0.0.1
    allow: [create, connect, send]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	name, err := LoadProfileFile(path)
	if err != nil {
		t.Fatalf("LoadProfileFile: %v", err)
	}
	defer delete(builtinProfiles, name)

	if name != "ci-runner" {
		t.Errorf("name = %q", name)
	}

	p, err := BuildLSM(LevelStandard, name)
	if err != nil {
		t.Fatalf("BuildLSM(custom): %v", err)
	}
	if len(p.Paths) != 2 {
		t.Fatalf("path count = %d", len(p.Paths))
	}
	if p.Paths[0].Access != (AccessRead | AccessWrite) {
		t.Errorf("access mask = %#x", p.Paths[0].Access)
	}
	if len(p.NetRules) != 1 {
		t.Fatalf("net rule count = %d", len(p.NetRules))
	}
	nr := p.NetRules[0]
	if nr.Family != FamilyInet || nr.Port != 22 || nr.AddrLen != 4 {
		t.Errorf("net rule = %+v", nr)
	}
	if nr.Addr[0] != 10 || nr.Addr[3] != 1 {
		t.Errorf("addr bytes = %v", nr.Addr[:4])
	}
	if nr.Allow != (NetCreate | NetConnect | NetSend) {
		t.Errorf("allow mask = %#x", nr.Allow)
	}
}

func TestLoadProfileFile_Rejections(t *testing.T) {
	dir := t.TempDir()

	collide := filepath.Join(dir, "collide.yaml")
	_ = os.WriteFile(collide, []byte("name: minimal\n"), 0o600)
	if _, err := LoadProfileFile(collide); err == nil {
		t.Error("expected error for built-in name collision")
	}

	badAccess := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(badAccess, []byte(`name: bad
paths:
  - pattern: /x
    access: [rwx]
`), 0o600)
	if _, err := LoadProfileFile(badAccess); err == nil {
		t.Error("expected error for unknown access name")
	}
}
