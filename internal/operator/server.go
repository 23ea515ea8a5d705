// Package operator — Unix domain socket control plane for cgfence.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/cgfence/control.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"populate","container_id":"c1","rootfs":"/tmp/rfs","profiles":["minimal","build"],"level":"strict"}
//	  → Builds the policy from the named profiles and installs it.
//	  → Response: {"ok":true,"container_id":"c1"}
//
//	{"cmd":"cleanup","container_id":"c1"}
//	  → Removes every rule installed for the container.
//	  → Response: {"ok":true,"container_id":"c1"}
//
//	{"cmd":"status","container_id":"c1"}
//	  → Returns the container's rule counts and timing.
//
//	{"cmd":"metrics"}
//	  → Returns the global counters and availability.
//
//	{"cmd":"list"}
//	  → Returns the ids of all tracked containers.
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Max concurrent connections: 4 (operator use, not high-throughput).
//   - Max request size: 4096 bytes.
//   - Connection timeout: 10s read, 10s write.

package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cgfence/cgfence/internal/manager"
	"github.com/cgfence/cgfence/internal/policy"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// PolicyManager is the surface the operator server drives. Implemented by
// *manager.Manager.
type PolicyManager interface {
	IsAvailable() bool
	PopulatePolicy(containerID, rootfsPath string, pol *policy.Policy) error
	CleanupPolicy(containerID string) error
	Metrics() manager.Counters
	ContainerMetrics(containerID string) (manager.ContainerMetrics, error)
	Containers() []string
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd         string   `json:"cmd"` // populate | cleanup | status | metrics | list
	ContainerID string   `json:"container_id,omitempty"`
	Rootfs      string   `json:"rootfs,omitempty"`
	Profiles    []string `json:"profiles,omitempty"`
	Level       string   `json:"level,omitempty"` // standard | strict
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK          bool                       `json:"ok"`
	Error       string                     `json:"error,omitempty"`
	ContainerID string                     `json:"container_id,omitempty"`
	Available   *bool                      `json:"available,omitempty"`
	Counters    *manager.Counters          `json:"counters,omitempty"`
	Container   *manager.ContainerMetrics  `json:"container,omitempty"`
	Containers  []string                   `json:"containers,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	mgr        PolicyManager
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, mgr PolicyManager, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		mgr:        mgr,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn reads one JSON request, executes it, writes one JSON
// response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "populate":
		return s.cmdPopulate(req)
	case "cleanup":
		return s.cmdCleanup(req)
	case "status":
		return s.cmdStatus(req)
	case "metrics":
		return s.cmdMetrics()
	case "list":
		return s.cmdList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdPopulate(req Request) Response {
	if req.ContainerID == "" || req.Rootfs == "" {
		return Response{OK: false, Error: "container_id and rootfs required for populate"}
	}
	if len(req.Profiles) == 0 {
		return Response{OK: false, Error: "at least one profile required for populate"}
	}
	level, err := parseLevel(req.Level)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	pol, err := policy.BuildLSM(level, req.Profiles...)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if err := s.mgr.PopulatePolicy(req.ContainerID, req.Rootfs, pol); err != nil {
		return Response{OK: false, Error: err.Error(), ContainerID: req.ContainerID}
	}
	s.log.Info("operator: policy populated",
		zap.String("container_id", req.ContainerID),
		zap.Strings("profiles", req.Profiles))
	return Response{OK: true, ContainerID: req.ContainerID}
}

func (s *Server) cmdCleanup(req Request) Response {
	if req.ContainerID == "" {
		return Response{OK: false, Error: "container_id required for cleanup"}
	}
	if err := s.mgr.CleanupPolicy(req.ContainerID); err != nil {
		return Response{OK: false, Error: err.Error(), ContainerID: req.ContainerID}
	}
	s.log.Info("operator: policy cleaned up", zap.String("container_id", req.ContainerID))
	return Response{OK: true, ContainerID: req.ContainerID}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.ContainerID == "" {
		return Response{OK: false, Error: "container_id required for status"}
	}
	cm, err := s.mgr.ContainerMetrics(req.ContainerID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, ContainerID: req.ContainerID, Container: &cm}
}

func (s *Server) cmdMetrics() Response {
	counters := s.mgr.Metrics()
	available := s.mgr.IsAvailable()
	return Response{OK: true, Counters: &counters, Available: &available}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, Containers: s.mgr.Containers()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// parseLevel converts a level name to a policy.Level. Empty defaults to
// standard.
func parseLevel(name string) (policy.Level, error) {
	switch name {
	case "", "standard":
		return policy.LevelStandard, nil
	case "strict":
		return policy.LevelStrict, nil
	default:
		return policy.LevelStandard, fmt.Errorf("unknown level %q (valid: standard strict)", name)
	}
}
