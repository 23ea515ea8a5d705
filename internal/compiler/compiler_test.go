package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"go.uber.org/zap"

	"github.com/cgfence/cgfence/internal/bpflsm"
)

type install struct {
	kind  string // inode | dir | basename
	dev   uint64
	ino   uint64
	mask  uint32
	flags uint32
	rule  bpflsm.BasenameRule
}

// recordSink records installations; dirErr forces Dir to fail to exercise
// the walk fallback.
type recordSink struct {
	installs []install
	dirErr   error
	inodeErr error
}

func (s *recordSink) Inode(dev, ino uint64, mask uint32) error {
	if s.inodeErr != nil {
		return s.inodeErr
	}
	s.installs = append(s.installs, install{kind: "inode", dev: dev, ino: ino, mask: mask})
	return nil
}

func (s *recordSink) Dir(dev, ino uint64, mask, flags uint32) error {
	if s.dirErr != nil {
		return s.dirErr
	}
	s.installs = append(s.installs, install{kind: "dir", dev: dev, ino: ino, mask: mask, flags: flags})
	return nil
}

func (s *recordSink) Basename(dev, ino uint64, rule bpflsm.BasenameRule, mask uint32) error {
	s.installs = append(s.installs, install{kind: "basename", dev: dev, ino: ino, mask: mask, rule: rule})
	return nil
}

func statInode(t *testing.T, path string) (uint64, uint64) {
	t.Helper()
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return uint64(st.Dev), st.Ino
}

func newTestCompiler(t *testing.T, rootfs string) (*Compiler, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	return New(rootfs, sink, zap.NewNop()), sink
}

func TestCompile_RecursiveDirRule(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "opt/app"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, sink := newTestCompiler(t, rootfs)

	if err := c.Compile("/opt/app/**", 0x1); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(sink.installs) != 1 {
		t.Fatalf("expected 1 install, got %d", len(sink.installs))
	}
	got := sink.installs[0]
	dev, ino := statInode(t, filepath.Join(rootfs, "opt/app"))
	if got.kind != "dir" || got.flags != bpflsm.DirRecursive {
		t.Errorf("install = %+v, want recursive dir rule", got)
	}
	if got.dev != dev || got.ino != ino {
		t.Errorf("rule on (%d,%d), want (%d,%d)", got.dev, got.ino, dev, ino)
	}
}

func TestCompile_ChildrenOnlyDirRule(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "var/log"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, sink := newTestCompiler(t, rootfs)

	if err := c.Compile("/var/log/*", 0x3); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(sink.installs) != 1 {
		t.Fatalf("expected 1 install, got %d", len(sink.installs))
	}
	got := sink.installs[0]
	_, ino := statInode(t, filepath.Join(rootfs, "var/log"))
	if got.kind != "dir" || got.flags != bpflsm.DirChildrenOnly || got.ino != ino {
		t.Errorf("install = %+v, want children-only dir rule on ino %d", got, ino)
	}
}

func TestCompile_BasenameDigitRule(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, sink := newTestCompiler(t, rootfs)

	if err := c.Compile("/etc/lib[0-9].so", 0x1); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(sink.installs) != 1 {
		t.Fatalf("expected 1 install, got %d", len(sink.installs))
	}
	got := sink.installs[0]
	_, ino := statInode(t, filepath.Join(rootfs, "etc"))
	if got.kind != "basename" || got.ino != ino {
		t.Fatalf("install = %+v, want basename rule on ino %d", got, ino)
	}
	r := got.rule
	if r.Count != 3 || r.TailWildcard {
		t.Fatalf("rule has %d tokens tail=%v, want 3 tokens tail=false", r.Count, r.TailWildcard)
	}
	if r.Tokens[0].Type != bpflsm.TokenLiteral || string(r.Tokens[0].Bytes[:r.Tokens[0].Len]) != "lib" {
		t.Errorf("token 0 = %+v, want literal \"lib\"", r.Tokens[0])
	}
	if r.Tokens[1].Type != bpflsm.TokenDigit {
		t.Errorf("token 1 type = %d, want single digit", r.Tokens[1].Type)
	}
	if r.Tokens[2].Type != bpflsm.TokenLiteral || string(r.Tokens[2].Bytes[:r.Tokens[2].Len]) != ".so" {
		t.Errorf("token 2 = %+v, want literal \".so\"", r.Tokens[2])
	}
}

func TestCompile_BasenameDigitsTailWildcard(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "x"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, sink := newTestCompiler(t, rootfs)

	if err := c.Compile("/x/lib[0-9]+.so*", 0x1); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	r := sink.installs[0].rule
	if r.Count != 3 || !r.TailWildcard {
		t.Fatalf("rule has %d tokens tail=%v, want 3 tokens tail=true", r.Count, r.TailWildcard)
	}
	if r.Tokens[1].Type != bpflsm.TokenDigits {
		t.Errorf("token 1 type = %d, want one-or-more digits", r.Tokens[1].Type)
	}
}

func TestCompile_UnsupportedBasenames(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "x"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, _ := newTestCompiler(t, rootfs)

	for _, pattern := range []string{"/x/lib[a-z].so", "/x/lib*x"} {
		err := c.Compile(pattern, 0x1)
		if !errors.Is(err, ErrNotSupported) {
			t.Errorf("Compile(%q) = %v, want ErrNotSupported", pattern, err)
		}
	}
}

func TestCompile_GlobPlusShorthand(t *testing.T) {
	rootfs := t.TempDir()
	dir := filepath.Join(rootfs, "usr/lib")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"libssl.so", "libcrypto.so", "README"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	c, sink := newTestCompiler(t, rootfs)

	// Wildcard in a non-final segment forces the glob route.
	if err := c.Compile("/usr/l+b/lib+.so", 0x1); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(sink.installs) != 2 {
		t.Fatalf("expected 2 inode installs, got %d: %+v", len(sink.installs), sink.installs)
	}
	for _, in := range sink.installs {
		if in.kind != "inode" {
			t.Errorf("install kind = %q, want inode", in.kind)
		}
	}
}

func TestCompile_GlobDirectoryMatchIsRecursive(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "opt/tool-v2/bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, sink := newTestCompiler(t, rootfs)

	if err := c.Compile("/opt/tool-v[0-9]/bin", 0x5); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(sink.installs) != 1 {
		t.Fatalf("expected 1 install, got %d", len(sink.installs))
	}
	if got := sink.installs[0]; got.kind != "dir" || got.flags != bpflsm.DirRecursive {
		t.Errorf("install = %+v, want recursive dir rule", got)
	}
}

func TestCompile_LiteralFile(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "dev"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "dev/null"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	c, sink := newTestCompiler(t, rootfs)

	if err := c.Compile("/dev/null", 0x3); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	_, ino := statInode(t, filepath.Join(rootfs, "dev/null"))
	if len(sink.installs) != 1 || sink.installs[0].kind != "inode" || sink.installs[0].ino != ino {
		t.Errorf("installs = %+v, want single inode rule on %d", sink.installs, ino)
	}
}

func TestCompile_LiteralDirPrefersRecursiveRule(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	c, sink := newTestCompiler(t, rootfs)

	if err := c.Compile("/lib", 0x5); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(sink.installs) != 1 || sink.installs[0].flags != bpflsm.DirRecursive {
		t.Errorf("installs = %+v, want one recursive dir rule", sink.installs)
	}
}

func TestCompile_LiteralDirWalkFallback(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "lib/sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"lib/a.so", "lib/sub/b.so"} {
		if err := os.WriteFile(filepath.Join(rootfs, p), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sink := &recordSink{dirErr: errors.New("dir map full")}
	c := New(rootfs, sink, zap.NewNop())

	if err := c.Compile("/lib", 0x1); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// Walk installs the root dir, a.so, sub, and b.so as inode rules.
	if len(sink.installs) != 4 {
		t.Fatalf("expected 4 inode installs from walk, got %d: %+v", len(sink.installs), sink.installs)
	}
	for _, in := range sink.installs {
		if in.kind != "inode" {
			t.Errorf("walk produced %q rule, want inode", in.kind)
		}
	}
}

func TestCompile_WalkStopsOnNoSpace(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "lib/a.so"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	sink := &recordSink{dirErr: errors.New("dir map full"), inodeErr: bpflsm.ErrNoSpace}
	c := New(rootfs, sink, zap.NewNop())

	if err := c.Compile("/lib", 0x1); !errors.Is(err, bpflsm.ErrNoSpace) {
		t.Errorf("Compile = %v, want ErrNoSpace", err)
	}
}

func TestCompile_MissingPathSkipped(t *testing.T) {
	rootfs := t.TempDir()
	c, sink := newTestCompiler(t, rootfs)

	for _, pattern := range []string{"/no/such/file", "/no/such/dir/**", "/absent/lib[0-9].so"} {
		if err := c.Compile(pattern, 0x1); err != nil {
			t.Errorf("Compile(%q) = %v, want skip", pattern, err)
		}
	}
	if len(sink.installs) != 0 {
		t.Errorf("expected no installs, got %+v", sink.installs)
	}
}

func TestCompile_PathMaxSkipped(t *testing.T) {
	rootfs := t.TempDir()
	c, sink := newTestCompiler(t, rootfs)

	long := "/" + strings.Repeat("a", 4096)
	if err := c.Compile(long, 0x1); err != nil {
		t.Errorf("Compile = %v, want skip", err)
	}
	if len(sink.installs) != 0 {
		t.Errorf("expected no installs for over-long path")
	}
}

func TestParseBasenamePattern_PureStarDegrades(t *testing.T) {
	_, err := ParseBasenamePattern("*")
	if !errors.Is(err, errDegradeChildren) {
		t.Errorf("ParseBasenamePattern(\"*\") = %v, want degrade signal", err)
	}
}

func TestParseBasenamePattern_QuestionMarkInLiteral(t *testing.T) {
	rule, err := ParseBasenamePattern("conf?g.yaml")
	if err != nil {
		t.Fatalf("ParseBasenamePattern: %v", err)
	}
	if rule.Count != 1 || rule.Tokens[0].Type != bpflsm.TokenLiteral {
		t.Fatalf("rule = %+v, want single literal token", rule)
	}
	if got := string(rule.Tokens[0].Bytes[:rule.Tokens[0].Len]); got != "conf?g.yaml" {
		t.Errorf("literal = %q, want '?' preserved", got)
	}
}
