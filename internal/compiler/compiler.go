// Package compiler resolves user-visible allow patterns into installed
// rule shapes.
//
// Grammar, evaluated in order:
//
//  1. Suffix "/**"  → recursive-directory rule on the prefix inode.
//  2. Suffix "/*"   → children-only directory rule on the prefix inode.
//  3. Wildcards confined to the last segment → basename rule attached to
//     the parent directory inode (token grammar in basename.go). A bare
//     '+' literal falls through to case 4; a pure "*" degrades to case 2.
//  4. Other wildcards → filesystem glob ('+' translated to '*'), each
//     match installed as a recursive-directory or single-inode rule.
//  5. Literal path → directory: recursive rule, with a bounded subtree
//     walk as fallback; file: single-inode rule.
//
// Every pattern is resolved underneath the container rootfs. The compiler
// does not talk to the kernel: installations go through the Sink, which
// the manager implements to write maps and record keys.
//
// Failure policy: a pattern that cannot be resolved (missing path, empty
// glob) is skipped with a warning — the LSM default-denies, so a missing
// allow rule shows up as a runtime denial, not a breach. Unsupported
// pattern syntax is surfaced as an error.

package compiler

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cgfence/cgfence/internal/bpflsm"
)

// maxWalkDepth caps how many directory levels a subtree walk descends.
// Each directory is read in full and closed before the walk recurses, so
// at most one directory descriptor is open at a time.
const maxWalkDepth = 16

// ErrNotSupported marks pattern syntax outside the grammar.
var ErrNotSupported = errors.New("pattern not supported")

// Sink receives compiled rule installations. Implementations install the
// rule into the kernel map and record the key for teardown.
type Sink interface {
	// Inode installs a single-inode rule.
	Inode(dev, ino uint64, mask uint32) error
	// Dir installs a directory rule; flags is DirChildrenOnly or
	// DirRecursive.
	Dir(dev, ino uint64, mask, flags uint32) error
	// Basename attaches a basename rule to the parent directory inode.
	Basename(dev, ino uint64, rule bpflsm.BasenameRule, mask uint32) error
}

// Compiler resolves patterns beneath one container's rootfs.
type Compiler struct {
	rootfs string
	sink   Sink
	log    *zap.Logger
}

// New creates a Compiler for one rootfs.
func New(rootfs string, sink Sink, log *zap.Logger) *Compiler {
	return &Compiler{rootfs: rootfs, sink: sink, log: log}
}

// Compile resolves one pattern and installs the resulting rule(s).
func (c *Compiler) Compile(pattern string, mask uint32) error {
	if len(c.rootfs)+len(pattern) >= unix.PathMax {
		c.log.Warn("pattern skipped: rootfs-composed path exceeds PATH_MAX",
			zap.String("pattern", pattern))
		return nil
	}

	// Case 1: recursive subtree.
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return c.dirRule(prefix, mask, bpflsm.DirRecursive)
	}

	// Case 2: direct children only.
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok && !strings.ContainsAny(prefix, "*?[") {
		return c.dirRule(prefix, mask, bpflsm.DirChildrenOnly)
	}

	// Case 3: wildcards confined to the basename.
	base := path.Base(pattern)
	parent := path.Dir(pattern)
	if strings.ContainsAny(base, "*?[+") && !strings.ContainsAny(parent, "*?[+") {
		rule, err := ParseBasenamePattern(base)
		switch {
		case err == nil:
			return c.basenameRule(parent, rule, mask)
		case errors.Is(err, errDegradeChildren):
			return c.dirRule(parent, mask, bpflsm.DirChildrenOnly)
		case errors.Is(err, errPlainPlus):
			// "lib+.so" shorthand: not basename grammar, glob territory.
		default:
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}

	// Case 4: general wildcards via filesystem glob.
	if strings.ContainsAny(pattern, "*?[+") {
		return c.globRules(pattern, mask)
	}

	// Case 5: literal path.
	return c.literalRule(pattern, mask)
}

// dirRule stats the prefix under the rootfs and installs a directory rule.
func (c *Compiler) dirRule(prefix string, mask, flags uint32) error {
	dev, ino, isDir, err := c.statPath(prefix)
	if err != nil {
		c.log.Warn("directory pattern skipped: prefix not resolvable",
			zap.String("prefix", prefix), zap.Error(err))
		return nil
	}
	if !isDir {
		c.log.Warn("directory pattern skipped: prefix is not a directory",
			zap.String("prefix", prefix))
		return nil
	}
	return c.sink.Dir(dev, ino, mask, flags)
}

// basenameRule stats the parent directory and attaches the rule.
func (c *Compiler) basenameRule(parent string, rule bpflsm.BasenameRule, mask uint32) error {
	dev, ino, isDir, err := c.statPath(parent)
	if err != nil {
		c.log.Warn("basename pattern skipped: parent not resolvable",
			zap.String("parent", parent), zap.Error(err))
		return nil
	}
	if !isDir {
		c.log.Warn("basename pattern skipped: parent is not a directory",
			zap.String("parent", parent))
		return nil
	}
	return c.sink.Basename(dev, ino, rule, mask)
}

// globRules expands a wildcard pattern against the filesystem and
// installs a rule per match.
func (c *Compiler) globRules(pattern string, mask uint32) error {
	translated := strings.ReplaceAll(pattern, "+", "*")
	matches, err := doublestar.FilepathGlob(filepath.Join(c.rootfs, translated))
	if err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, ErrNotSupported)
	}
	if len(matches) == 0 {
		c.log.Warn("glob pattern matched nothing", zap.String("pattern", pattern))
		return nil
	}
	for _, match := range matches {
		dev, ino, isDir, serr := statFull(match)
		if serr != nil {
			c.log.Warn("glob match skipped", zap.String("path", match), zap.Error(serr))
			continue
		}
		var ierr error
		if isDir {
			ierr = c.sink.Dir(dev, ino, mask, bpflsm.DirRecursive)
		} else {
			ierr = c.sink.Inode(dev, ino, mask)
		}
		if ierr != nil {
			return ierr
		}
	}
	return nil
}

// literalRule stats the composed path and installs either a single-inode
// rule or a recursive-directory rule, walking the subtree when the
// directory rule cannot be installed.
func (c *Compiler) literalRule(pattern string, mask uint32) error {
	dev, ino, isDir, err := c.statPath(pattern)
	if err != nil {
		c.log.Warn("path rule skipped: not resolvable",
			zap.String("pattern", pattern), zap.Error(err))
		return nil
	}
	if !isDir {
		return c.sink.Inode(dev, ino, mask)
	}
	if derr := c.sink.Dir(dev, ino, mask, bpflsm.DirRecursive); derr != nil {
		c.log.Warn("recursive rule install failed, walking subtree",
			zap.String("pattern", pattern), zap.Error(derr))
		return c.walkSubtree(filepath.Join(c.rootfs, pattern), dev, mask)
	}
	return nil
}

// walkSubtree installs per-inode rules for every entry under root,
// depth-first, descending at most maxWalkDepth levels and
// never crossing a mount boundary (device change). "No space" from the
// sink aborts the walk; any other per-file failure is logged and the walk
// continues.
func (c *Compiler) walkSubtree(root string, rootDev uint64, mask uint32) error {
	dev, ino, _, err := statFull(root)
	if err != nil {
		return nil
	}
	if err := c.sink.Inode(dev, ino, mask); err != nil {
		return err
	}
	return c.walkDir(root, rootDev, mask, 1)
}

func (c *Compiler) walkDir(dir string, rootDev uint64, mask uint32, depth int) error {
	if depth > maxWalkDepth {
		c.log.Warn("subtree walk truncated at depth limit",
			zap.String("dir", dir), zap.Int("depth", maxWalkDepth))
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.log.Warn("subtree walk: unreadable directory",
			zap.String("dir", dir), zap.Error(err))
		return nil
	}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		var st syscall.Stat_t
		if err := syscall.Lstat(full, &st); err != nil {
			c.log.Warn("subtree walk: lstat failed",
				zap.String("path", full), zap.Error(err))
			continue
		}
		if uint64(st.Dev) != rootDev {
			// Mount boundary.
			continue
		}
		if err := c.sink.Inode(uint64(st.Dev), st.Ino, mask); err != nil {
			if errors.Is(err, bpflsm.ErrNoSpace) {
				return err
			}
			c.log.Warn("subtree walk: install failed",
				zap.String("path", full), zap.Error(err))
			continue
		}
		if entry.IsDir() {
			if err := c.walkDir(full, rootDev, mask, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// statPath composes pattern under the rootfs and stats it.
func (c *Compiler) statPath(pattern string) (dev, ino uint64, isDir bool, err error) {
	return statFull(filepath.Join(c.rootfs, pattern))
}

func statFull(full string) (dev, ino uint64, isDir bool, err error) {
	var st syscall.Stat_t
	if err := syscall.Stat(full, &st); err != nil {
		return 0, 0, false, fmt.Errorf("stat %s: %w", full, err)
	}
	return uint64(st.Dev), st.Ino, st.Mode&syscall.S_IFMT == syscall.S_IFDIR, nil
}
