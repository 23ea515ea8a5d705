package operator

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/cgfence/cgfence/internal/manager"
	"github.com/cgfence/cgfence/internal/policy"
)

// stubManager records the last call and returns canned results.
type stubManager struct {
	available    bool
	populated    []string
	cleaned      []string
	lastPolicy   *policy.Policy
	populateErr  error
	containerIDs []string
}

func (s *stubManager) IsAvailable() bool { return s.available }

func (s *stubManager) PopulatePolicy(id, rootfs string, pol *policy.Policy) error {
	if s.populateErr != nil {
		return s.populateErr
	}
	s.populated = append(s.populated, id)
	s.lastPolicy = pol
	return nil
}

func (s *stubManager) CleanupPolicy(id string) error {
	s.cleaned = append(s.cleaned, id)
	return nil
}

func (s *stubManager) Metrics() manager.Counters {
	return manager.Counters{PopulateTotal: 3, ActiveContainers: len(s.containerIDs)}
}

func (s *stubManager) ContainerMetrics(id string) (manager.ContainerMetrics, error) {
	for _, known := range s.containerIDs {
		if known == id {
			return manager.ContainerMetrics{ContainerID: id, RuleTotal: 7}, nil
		}
	}
	return manager.ContainerMetrics{}, errors.New("not tracked")
}

func (s *stubManager) Containers() []string { return s.containerIDs }

func newTestServer(stub *stubManager) *Server {
	return NewServer("/tmp/unused.sock", stub, zap.NewNop())
}

func TestDispatch_Populate(t *testing.T) {
	stub := &stubManager{available: true}
	srv := newTestServer(stub)

	resp := srv.dispatch(Request{
		Cmd:         "populate",
		ContainerID: "c1",
		Rootfs:      "/tmp/rfs",
		Profiles:    []string{"minimal", "network"},
		Level:       "strict",
	})
	if !resp.OK {
		t.Fatalf("populate failed: %s", resp.Error)
	}
	if len(stub.populated) != 1 || stub.populated[0] != "c1" {
		t.Errorf("populated = %v", stub.populated)
	}
	if stub.lastPolicy == nil || stub.lastPolicy.Level != policy.LevelStrict {
		t.Errorf("policy = %+v", stub.lastPolicy)
	}
	if stub.lastPolicy.Backend != policy.BackendLSM {
		t.Errorf("backend = %v", stub.lastPolicy.Backend)
	}
	if len(stub.lastPolicy.NetRules) == 0 {
		t.Error("network profile contributed no net rules")
	}
}

func TestDispatch_PopulateRejections(t *testing.T) {
	srv := newTestServer(&stubManager{available: true})

	cases := []Request{
		{Cmd: "populate"},                                                                          // missing everything
		{Cmd: "populate", ContainerID: "c1", Rootfs: "/r"},                                         // no profiles
		{Cmd: "populate", ContainerID: "c1", Rootfs: "/r", Profiles: []string{"nope"}},             // unknown profile
		{Cmd: "populate", ContainerID: "c1", Rootfs: "/r", Profiles: []string{"minimal"}, Level: "x"}, // bad level
	}
	for i, req := range cases {
		if resp := srv.dispatch(req); resp.OK {
			t.Errorf("case %d: expected rejection", i)
		}
	}
}

func TestDispatch_CleanupAndStatus(t *testing.T) {
	stub := &stubManager{available: true, containerIDs: []string{"c1"}}
	srv := newTestServer(stub)

	if resp := srv.dispatch(Request{Cmd: "cleanup", ContainerID: "c1"}); !resp.OK {
		t.Errorf("cleanup failed: %s", resp.Error)
	}
	if len(stub.cleaned) != 1 {
		t.Errorf("cleaned = %v", stub.cleaned)
	}

	resp := srv.dispatch(Request{Cmd: "status", ContainerID: "c1"})
	if !resp.OK || resp.Container == nil || resp.Container.RuleTotal != 7 {
		t.Errorf("status = %+v", resp)
	}

	if resp := srv.dispatch(Request{Cmd: "status", ContainerID: "ghost"}); resp.OK {
		t.Error("expected status failure for untracked container")
	}
}

func TestDispatch_MetricsAndList(t *testing.T) {
	stub := &stubManager{available: true, containerIDs: []string{"a", "b"}}
	srv := newTestServer(stub)

	resp := srv.dispatch(Request{Cmd: "metrics"})
	if !resp.OK || resp.Counters == nil || resp.Counters.PopulateTotal != 3 {
		t.Errorf("metrics = %+v", resp)
	}
	if resp.Available == nil || !*resp.Available {
		t.Error("availability missing from metrics response")
	}

	resp = srv.dispatch(Request{Cmd: "list"})
	if !resp.OK || len(resp.Containers) != 2 {
		t.Errorf("list = %+v", resp)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	srv := newTestServer(&stubManager{})
	if resp := srv.dispatch(Request{Cmd: "reboot"}); resp.OK {
		t.Error("expected rejection of unknown command")
	}
}
