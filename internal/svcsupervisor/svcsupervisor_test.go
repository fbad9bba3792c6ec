package svcsupervisor

import (
	"testing"
	"time"
)

func drain(t *testing.T, s *Supervisor, id string, want Status, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-s.Events():
			if e.Type == EventStatus && e.ID == id && e.Status == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to reach status %q", id, want)
		}
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	s := New(nil)
	def := Definition{ID: "svc-1", Command: "/bin/sh", Args: []string{"-c", "sleep 1"}}
	if err := s.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(def); err == nil {
		t.Fatal("duplicate Register succeeded")
	}
}

func TestStartRunStop(t *testing.T) {
	s := New(nil)
	def := Definition{ID: "svc-1", Command: "/bin/sh", Args: []string{"-c", "sleep 5"}}
	if err := s.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Start("svc-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drain(t, s, "svc-1", StatusStarting, time.Second)
	drain(t, s, "svc-1", StatusRunning, time.Second)

	info, err := s.Status("svc-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.PID == 0 {
		t.Fatal("PID not recorded while running")
	}

	if err := s.Stop("svc-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	drain(t, s, "svc-1", StatusStopped, 2*time.Second)
}

func TestStartUnknownServiceErrors(t *testing.T) {
	s := New(nil)
	if err := s.Start("missing"); err == nil {
		t.Fatal("Start on unknown service succeeded")
	}
}

func TestRestartOnFailureReschedulesAfterBackoff(t *testing.T) {
	s := New(nil)
	def := Definition{
		ID:               "svc-flaky",
		Command:          "/bin/sh",
		Args:             []string{"-c", "exit 1"},
		RestartOnFailure: true,
	}
	if err := s.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Start("svc-flaky"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	drain(t, s, "svc-flaky", StatusRunning, time.Second)
	drain(t, s, "svc-flaky", StatusStopped, time.Second)
	// The 5s auto-restart backoff should fire and bring it back up.
	drain(t, s, "svc-flaky", StatusStarting, 7*time.Second)

	_ = s.Stop("svc-flaky")
}

func TestStopCancelsPendingAutoRestart(t *testing.T) {
	s := New(nil)
	def := Definition{
		ID:               "svc-flaky-2",
		Command:          "/bin/sh",
		Args:             []string{"-c", "exit 1"},
		RestartOnFailure: true,
	}
	if err := s.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Start("svc-flaky-2"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drain(t, s, "svc-flaky-2", StatusStopped, 2*time.Second)

	// The service is now in its backoff window; Stop should cancel the
	// scheduled restart rather than race it.
	if err := s.Stop("svc-flaky-2"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	deadline := time.After(6 * time.Second)
	for {
		select {
		case e := <-s.Events():
			if e.ID == "svc-flaky-2" && e.Status == StatusStarting {
				t.Fatal("auto-restart fired after Stop cancelled it")
			}
		case <-deadline:
			return
		}
	}
}

func TestListAllIncludesRegisteredServices(t *testing.T) {
	s := New(nil)
	if err := s.Register(Definition{ID: "a", Command: "/bin/sh", Args: []string{"-c", "sleep 1"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Definition{ID: "b", Command: "/bin/sh", Args: []string{"-c", "sleep 1"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	all := s.ListAll()
	if len(all) != 2 {
		t.Fatalf("ListAll() returned %d entries, want 2", len(all))
	}
}
