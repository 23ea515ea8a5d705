// Package policy — profiles.go
//
// Named profiles and the builders that assemble them into a Policy.
// Profiles are additive and unordered: the result is the union of the
// per-profile canned lists. Unknown profile names are rejected.
//
// Two builders share the profile set: BuildLSM produces the path/net rule
// lists consumed by the map populator, BuildSeccomp produces the syscall
// allow list consumed by the external seccomp collaborator. Both return
// the same Policy shape with the backend tag set.

package policy

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile names accepted by the builders.
const (
	ProfileMinimal = "minimal"
	ProfileBuild   = "build"
	ProfileNetwork = "network"
)

type profile struct {
	paths    []PathRule
	netRules []NetRule
	syscalls []string
}

// minimalProfile covers what any confined process needs to start: the
// loader, shared libraries, core devices, and its own tmp space.
var minimalProfile = profile{
	paths: []PathRule{
		{Pattern: "/bin", Access: AccessRead | AccessExec},
		{Pattern: "/sbin", Access: AccessRead | AccessExec},
		{Pattern: "/lib", Access: AccessRead | AccessExec},
		{Pattern: "/lib64", Access: AccessRead | AccessExec},
		{Pattern: "/usr/bin", Access: AccessRead | AccessExec},
		{Pattern: "/usr/lib", Access: AccessRead | AccessExec},
		{Pattern: "/usr/share", Access: AccessRead},
		{Pattern: "/etc/ld.so.cache", Access: AccessRead},
		{Pattern: "/etc/ld.so.conf*", Access: AccessRead},
		{Pattern: "/etc/nsswitch.conf", Access: AccessRead},
		{Pattern: "/etc/passwd", Access: AccessRead},
		{Pattern: "/etc/group", Access: AccessRead},
		{Pattern: "/dev/null", Access: AccessRead | AccessWrite},
		{Pattern: "/dev/zero", Access: AccessRead},
		{Pattern: "/dev/urandom", Access: AccessRead},
		{Pattern: "/tmp/**", Access: AccessRead | AccessWrite},
	},
	syscalls: []string{
		"read", "write", "open", "openat", "close", "stat", "fstat", "lstat",
		"mmap", "mprotect", "munmap", "brk", "rt_sigaction", "rt_sigprocmask",
		"ioctl", "access", "pipe", "dup", "dup2", "fcntl", "getdents64",
		"getcwd", "chdir", "readlink", "getpid", "getuid", "getgid", "geteuid",
		"getegid", "arch_prctl", "set_tid_address", "set_robust_list",
		"prlimit64", "exit", "exit_group", "wait4", "clone", "execve", "futex",
		"nanosleep", "clock_gettime", "clock_nanosleep", "uname", "getrandom",
	},
}

// buildProfile adds the toolchain surface a package build touches.
var buildProfile = profile{
	paths: []PathRule{
		{Pattern: "/usr/include", Access: AccessRead},
		{Pattern: "/usr/libexec", Access: AccessRead | AccessExec},
		{Pattern: "/usr/local/**", Access: AccessRead | AccessExec},
		{Pattern: "/opt/**", Access: AccessRead | AccessExec},
		{Pattern: "/etc/alternatives", Access: AccessRead},
		{Pattern: "/var/tmp/**", Access: AccessRead | AccessWrite},
		{Pattern: "/usr/lib/gcc/**", Access: AccessRead | AccessExec},
		{Pattern: "/usr/lib/pkgconfig", Access: AccessRead},
		{Pattern: "/usr/share/pkgconfig", Access: AccessRead},
	},
	syscalls: []string{
		"vfork", "fork", "chmod", "fchmod", "chown", "fchown", "rename",
		"renameat2", "mkdir", "rmdir", "unlink", "unlinkat", "link", "symlink",
		"utimensat", "umask", "sysinfo", "sched_getaffinity", "madvise",
		"truncate", "ftruncate", "fsync", "fdatasync", "flock", "statfs",
	},
}

// networkProfile opens the common egress surface: DNS plus TCP to
// unrestricted addresses, and the local resolver socket.
var networkProfile = profile{
	paths: []PathRule{
		{Pattern: "/etc/resolv.conf", Access: AccessRead},
		{Pattern: "/etc/hosts", Access: AccessRead},
		{Pattern: "/etc/ssl", Access: AccessRead},
		{Pattern: "/etc/ca-certificates", Access: AccessRead},
	},
	netRules: []NetRule{
		{Family: FamilyInet, Type: SockDgram, Protocol: ProtoUDP, Port: 53,
			AddrLen: 4, Allow: NetCreate | NetConnect | NetSend},
		{Family: FamilyInet, Type: SockStream, Protocol: ProtoTCP, Port: 443,
			AddrLen: 4, Allow: NetCreate | NetConnect | NetSend},
		{Family: FamilyInet, Type: SockStream, Protocol: ProtoTCP, Port: 80,
			AddrLen: 4, Allow: NetCreate | NetConnect | NetSend},
		{Family: FamilyInet6, Type: SockStream, Protocol: ProtoTCP, Port: 443,
			AddrLen: 16, Allow: NetCreate | NetConnect | NetSend},
		{Family: FamilyUnix, Type: SockStream, Protocol: 0,
			UnixPath: "/run/systemd/resolve/io.systemd.Resolve",
			Allow:    NetConnect | NetSend},
	},
	syscalls: []string{
		"socket", "connect", "bind", "listen", "accept4", "sendto", "recvfrom",
		"sendmsg", "recvmsg", "getsockname", "getpeername", "getsockopt",
		"setsockopt", "shutdown", "poll", "ppoll", "epoll_create1", "epoll_ctl",
		"epoll_wait",
	},
}

var builtinProfiles = map[string]profile{
	ProfileMinimal: minimalProfile,
	ProfileBuild:   buildProfile,
	ProfileNetwork: networkProfile,
}

// Names returns the built-in profile names, sorted.
func Names() []string {
	out := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func compose(names []string) (profile, error) {
	var merged profile
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		p, ok := builtinProfiles[name]
		if !ok {
			return profile{}, fmt.Errorf("unknown profile %q (valid: %v)", name, Names())
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		merged.paths = append(merged.paths, p.paths...)
		merged.netRules = append(merged.netRules, p.netRules...)
		merged.syscalls = append(merged.syscalls, p.syscalls...)
	}
	return merged, nil
}

// BuildLSM assembles an LSM-backend policy from profile names.
func BuildLSM(level Level, names ...string) (*Policy, error) {
	merged, err := compose(names)
	if err != nil {
		return nil, err
	}
	p := &Policy{
		Backend:  BackendLSM,
		Level:    level,
		Paths:    merged.paths,
		NetRules: merged.netRules,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildSeccomp assembles a seccomp-backend policy from the same profile
// names. The syscall lists are deduplicated; path and net rules stay
// empty because the seccomp collaborator does not consume them.
func BuildSeccomp(level Level, names ...string) (*Policy, error) {
	merged, err := compose(names)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(merged.syscalls))
	var syscalls []string
	for _, sc := range merged.syscalls {
		if seen[sc] {
			continue
		}
		seen[sc] = true
		syscalls = append(syscalls, sc)
	}
	sort.Strings(syscalls)
	return &Policy{Backend: BackendSeccomp, Level: level, Syscalls: syscalls}, nil
}

// ─── User-defined profile files ──────────────────────────────────────────────

// FileProfile is the YAML shape of a user-defined profile.
type FileProfile struct {
	Name  string `yaml:"name"`
	Paths []struct {
		Pattern string   `yaml:"pattern"`
		Access  []string `yaml:"access"` // read | write | exec
	} `yaml:"paths"`
	Net []struct {
		Family   string `yaml:"family"` // inet | inet6 | unix
		Type     string `yaml:"type"`   // stream | dgram
		Protocol uint32 `yaml:"protocol"`
		Port     uint16 `yaml:"port"`
		Addr     string `yaml:"addr"`
		UnixPath string `yaml:"unix_path"`
		Allow    []string `yaml:"allow"` // create | bind | connect | listen | accept | send
	} `yaml:"net"`
}

// LoadProfileFile parses a YAML profile file and registers it so later
// Build calls can reference it by name. Registering a name that collides
// with a built-in profile is rejected.
func LoadProfileFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("profile file %q: %w", path, err)
	}
	var fp FileProfile
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return "", fmt.Errorf("profile file %q: parse: %w", path, err)
	}
	if fp.Name == "" {
		return "", fmt.Errorf("profile file %q: missing name", path)
	}
	if _, exists := builtinProfiles[fp.Name]; exists {
		return "", fmt.Errorf("profile %q already defined", fp.Name)
	}

	var p profile
	for i, pr := range fp.Paths {
		mask, err := parseAccess(pr.Access)
		if err != nil {
			return "", fmt.Errorf("profile %q path %d: %w", fp.Name, i, err)
		}
		p.paths = append(p.paths, PathRule{Pattern: pr.Pattern, Access: mask})
	}
	for i, nr := range fp.Net {
		rule, err := parseNetEntry(nr.Family, nr.Type, nr.Protocol, nr.Port, nr.Addr, nr.UnixPath, nr.Allow)
		if err != nil {
			return "", fmt.Errorf("profile %q net %d: %w", fp.Name, i, err)
		}
		p.netRules = append(p.netRules, rule)
	}
	builtinProfiles[fp.Name] = p
	return fp.Name, nil
}

func parseAccess(names []string) (uint32, error) {
	var mask uint32
	for _, n := range names {
		switch n {
		case "read":
			mask |= AccessRead
		case "write":
			mask |= AccessWrite
		case "exec":
			mask |= AccessExec
		default:
			return 0, fmt.Errorf("unknown access %q", n)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty access list")
	}
	return mask, nil
}

func parseNetEntry(family, sockType string, protocol uint32, port uint16, addr, unixPath string, allow []string) (NetRule, error) {
	rule := NetRule{Protocol: protocol, Port: port, UnixPath: unixPath}

	switch family {
	case "inet":
		rule.Family = FamilyInet
	case "inet6":
		rule.Family = FamilyInet6
	case "unix":
		rule.Family = FamilyUnix
	default:
		return NetRule{}, fmt.Errorf("unknown family %q", family)
	}
	switch sockType {
	case "stream":
		rule.Type = SockStream
	case "dgram":
		rule.Type = SockDgram
	default:
		return NetRule{}, fmt.Errorf("unknown socket type %q", sockType)
	}
	for _, n := range allow {
		switch n {
		case "create":
			rule.Allow |= NetCreate
		case "bind":
			rule.Allow |= NetBind
		case "connect":
			rule.Allow |= NetConnect
		case "listen":
			rule.Allow |= NetListen
		case "accept":
			rule.Allow |= NetAccept
		case "send":
			rule.Allow |= NetSend
		default:
			return NetRule{}, fmt.Errorf("unknown allow %q", n)
		}
	}
	if rule.Allow == 0 {
		return NetRule{}, fmt.Errorf("empty allow list")
	}
	if addr != "" {
		n, err := parseAddr(addr, rule.Addr[:])
		if err != nil {
			return NetRule{}, err
		}
		rule.AddrLen = n
	}
	return rule, nil
}

// parseAddr fills dst with the binary address and returns its length.
// Dotted-quad IPv4 only; IPv6 profile entries use the zero (any) address.
func parseAddr(s string, dst []byte) (uint8, error) {
	var a, b, c, d int
	if _, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	for i, v := range []int{a, b, c, d} {
		if v < 0 || v > 255 {
			return 0, fmt.Errorf("bad address %q", s)
		}
		dst[i] = byte(v)
	}
	return 4, nil
}
