// Package svcsupervisor implements ServiceSupervisor (spec.md §4.4):
// registering, starting, stopping, and auto-restarting long-running
// child processes such as sync daemons or helper tools, independent
// of the PTY-attached shells ptypool manages.
//
// The state machine and output-streaming shape follow the process
// management conventions in bureau-foundation-bureau's sandbox package
// (Config struct with an injected *slog.Logger, io.Pipe-style output
// capture) adapted from one-shot command execution to a long-lived,
// restartable service model.
package svcsupervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/constants"
)

// Status is a node in the per-service state machine.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Stream distinguishes child output.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// EventType distinguishes the two events ServiceSupervisor emits.
type EventType string

const (
	EventStatus EventType = "service:status"
	EventOutput EventType = "service:output"
)

// Event is pushed to the supervisor's event channel.
type Event struct {
	Type      EventType
	ID        string
	Status    Status
	PID       int
	Uptime    time.Duration
	LastError string
	Stream    Stream
	Data      []byte
}

// Definition is what Register takes: everything needed to spawn and
// supervise one child process.
type Definition struct {
	ID               string
	Name             string
	Command          string
	Args             []string
	Cwd              string
	Env              map[string]string
	AutoStart        bool
	RestartOnFailure bool
}

// StatusInfo is the public, copyable snapshot Status/ListAll return.
type StatusInfo struct {
	ID        string
	Name      string
	Status    Status
	PID       int
	Uptime    time.Duration
	LastError string
}

type service struct {
	def Definition

	mu            sync.Mutex
	status        Status
	pid           int
	startTime     time.Time
	lastError     string
	cmd           *exec.Cmd
	stopRequested bool
	done          chan struct{}
	restartTimer  *time.Timer
}

// Supervisor owns every registered service definition and its
// current process, if running.
type Supervisor struct {
	mu       sync.RWMutex
	services map[string]*service
	events   chan Event
	log      *slog.Logger
}

// New builds an empty Supervisor.
func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		services: make(map[string]*service),
		events:   make(chan Event, 256),
		log:      applog.Component(log, "svcsupervisor"),
	}
}

// Events returns the channel every service:status and service:output
// event is published on.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Register adds a new service definition. A duplicate id fails.
func (s *Supervisor) Register(def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[def.ID]; exists {
		return fmt.Errorf("svcsupervisor: service %q already registered", def.ID)
	}
	s.services[def.ID] = &service{def: def, status: StatusStopped}
	return nil
}

// StartAutoStart starts every registered service whose definition has
// AutoStart set, called once during gateway startup.
func (s *Supervisor) StartAutoStart() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.services))
	for id, svc := range s.services {
		if svc.def.AutoStart {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range ids {
		if err := s.Start(id); err != nil {
			s.log.Error("auto-start failed", "service_id", id, "error", err)
		}
	}
}

// Start spawns the service's process if it is not already running.
func (s *Supervisor) Start(id string) error {
	svc, err := s.find(id)
	if err != nil {
		return err
	}
	return s.start(svc)
}

func (s *Supervisor) start(svc *service) error {
	svc.mu.Lock()
	if svc.status == StatusRunning || svc.status == StatusStarting {
		svc.mu.Unlock()
		return fmt.Errorf("svcsupervisor: service %q already running", svc.def.ID)
	}
	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
		svc.restartTimer = nil
	}
	svc.stopRequested = false
	svc.status = StatusStarting
	svc.mu.Unlock()
	s.emitStatus(svc)

	cmd := exec.Command(svc.def.Command, svc.def.Args...)
	cmd.Dir = svc.def.Cwd
	if len(svc.def.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range svc.def.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failStart(svc, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failStart(svc, err)
	}

	if err := cmd.Start(); err != nil {
		return s.failStart(svc, err)
	}

	done := make(chan struct{})
	svc.mu.Lock()
	svc.cmd = cmd
	svc.pid = cmd.Process.Pid
	svc.startTime = time.Now()
	svc.lastError = ""
	svc.status = StatusRunning
	svc.done = done
	svc.mu.Unlock()
	s.emitStatus(svc)

	go s.streamOutput(svc, StreamStdout, stdout)
	go s.streamOutput(svc, StreamStderr, stderr)
	go s.waitForExit(svc, done)

	return nil
}

func (s *Supervisor) failStart(svc *service, err error) error {
	svc.mu.Lock()
	svc.status = StatusError
	svc.lastError = err.Error()
	svc.mu.Unlock()
	s.emitStatus(svc)
	return fmt.Errorf("svcsupervisor: start %q: %w", svc.def.ID, err)
}

func (s *Supervisor) streamOutput(svc *service, stream Stream, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.emit(Event{Type: EventOutput, ID: svc.def.ID, Stream: stream, Data: chunk})
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) waitForExit(svc *service, done chan struct{}) {
	err := svc.cmd.Wait()
	close(done)

	svc.mu.Lock()
	stopRequested := svc.stopRequested
	restartOnFailure := svc.def.RestartOnFailure
	failed := err != nil
	if failed {
		svc.lastError = err.Error()
	}
	svc.status = StatusStopped
	svc.pid = 0
	svc.mu.Unlock()
	s.emitStatus(svc)

	if stopRequested || !failed || !restartOnFailure {
		return
	}

	svc.mu.Lock()
	if svc.stopRequested {
		svc.mu.Unlock()
		return
	}
	timer := time.AfterFunc(constants.AutoRestartBackoff, func() {
		if startErr := s.start(svc); startErr != nil {
			s.log.Error("auto-restart failed", "service_id", svc.def.ID, "error", startErr)
		}
	})
	svc.restartTimer = timer
	svc.mu.Unlock()
}

// Stop sends SIGTERM, waits up to constants.ServiceStopGrace, then
// SIGKILL. A pending auto-restart is cancelled unconditionally.
func (s *Supervisor) Stop(id string) error {
	svc, err := s.find(id)
	if err != nil {
		return err
	}

	svc.mu.Lock()
	if svc.restartTimer != nil {
		svc.restartTimer.Stop()
		svc.restartTimer = nil
	}
	cmd := svc.cmd
	done := svc.done
	running := svc.status == StatusRunning || svc.status == StatusStarting
	svc.stopRequested = true
	svc.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		svc.mu.Lock()
		svc.status = StatusStopped
		svc.mu.Unlock()
		s.emitStatus(svc)
		return nil
	}

	return s.terminate(svc, cmd, done)
}

// terminate sends SIGTERM, waits up to constants.ServiceStopGrace for
// waitForExit to observe the process exit, then escalates to SIGKILL.
func (s *Supervisor) terminate(svc *service, cmd *exec.Cmd, done chan struct{}) error {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.log.Warn("SIGTERM failed, process may already be gone", "service_id", svc.def.ID, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(constants.ServiceStopGrace):
	}

	if err := cmd.Process.Kill(); err != nil {
		s.log.Warn("SIGKILL failed", "service_id", svc.def.ID, "error", err)
	}
	<-done
	return nil
}

// StopAll stops every service concurrently and waits for each.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(id); err != nil {
				s.log.Error("stop failed during StopAll", "service_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// Restart stops then starts the service.
func (s *Supervisor) Restart(id string) error {
	svc, err := s.find(id)
	if err != nil {
		return err
	}
	if err := s.Stop(id); err != nil {
		return err
	}
	return s.start(svc)
}

// Status returns a point-in-time snapshot. Uptime is undefined
// (zero) when the service is not running.
func (s *Supervisor) Status(id string) (StatusInfo, error) {
	svc, err := s.find(id)
	if err != nil {
		return StatusInfo{}, err
	}
	return snapshot(svc), nil
}

// ListAll returns a snapshot of every registered service.
func (s *Supervisor) ListAll() []StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StatusInfo, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, snapshot(svc))
	}
	return out
}

func snapshot(svc *service) StatusInfo {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	info := StatusInfo{
		ID:        svc.def.ID,
		Name:      svc.def.Name,
		Status:    svc.status,
		PID:       svc.pid,
		LastError: svc.lastError,
	}
	if svc.status == StatusRunning {
		info.Uptime = time.Since(svc.startTime)
	}
	return info
}

func (s *Supervisor) find(id string) (*service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("svcsupervisor: unknown service %q", id)
	}
	return svc, nil
}

func (s *Supervisor) emitStatus(svc *service) {
	info := snapshot(svc)
	s.emit(Event{
		Type:      EventStatus,
		ID:        info.ID,
		Status:    info.Status,
		PID:       info.PID,
		Uptime:    info.Uptime,
		LastError: info.LastError,
	})
}

func (s *Supervisor) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.log.Warn("event channel full, dropping event", "type", e.Type, "service_id", e.ID)
	}
}
