// Package ptypool implements PTYPool (spec.md §4.3): spawning,
// writing to, resizing, and tearing down PTY-attached shells, with a
// concurrent read loop per session so a slow consumer on one terminal
// never stalls another.
//
// PTY handling has no home in ssrok at all; it is grounded
// on the other_examples/ catnip and wingthing files, both of which
// drive github.com/creack/pty the same way: pty.Start(cmd) followed by
// an independent goroutine reading the master until EOF.
package ptypool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/personalagent/sessiond/internal/applog"
	"github.com/personalagent/sessiond/internal/constants"
	"github.com/personalagent/sessiond/internal/security"
)

// closeGrace bounds how long Close waits for SIGHUP to take effect
// before escalating to Kill, so a wedged shell never hangs the pool.
const closeGrace = 2 * time.Second

// EventType distinguishes the four events PTYPool emits.
type EventType string

const (
	EventCreated EventType = "session:created"
	EventClosed  EventType = "session:closed"
	EventData    EventType = "data"
	EventExit    EventType = "exit"
)

// Event is pushed to the pool's event channel. Fields not relevant to
// Type are left zero.
type Event struct {
	Type      EventType
	SessionID string
	Bytes     []byte
	ExitCode  int
	Signal    string
}

// CreateOptions mirrors the `create(opts)` parameters in spec.md §4.3.
type CreateOptions struct {
	Name  string
	Cols  uint16
	Rows  uint16
	Cwd   string
	Shell string
}

// Info is the public, copyable view of a session.
type Info struct {
	ID        string
	Name      string
	Shell     string
	Cwd       string
	Cols      uint16
	Rows      uint16
	CreatedAt time.Time
}

type session struct {
	info Info
	ptmx *os.File
	cmd  *exec.Cmd
	mu   sync.Mutex
	// closing is set under Pool.mu before the termination signal is
	// sent, so the cmd.Wait goroutine knows an "exit" event would be
	// redundant with the "session:closed" event Close already emitted.
	closing bool
	// done is closed by waitLoop once cmd.Wait returns, letting Close
	// know whether SIGHUP was enough or Kill is needed.
	done chan struct{}
}

// Pool owns every live PTY session.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*session
	events   chan Event
	log      *slog.Logger
	nextID   func() string
}

// New builds an empty Pool. idFunc generates session IDs (the caller
// typically passes uuid.NewString).
func New(idFunc func() string, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		sessions: make(map[string]*session),
		events:   make(chan Event, 256),
		log:      applog.Component(log, "ptypool"),
		nextID:   idFunc,
	}
}

// Events returns the channel every session:created/closed, data, and
// exit event is published on.
func (p *Pool) Events() <-chan Event { return p.events }

// Create spawns a new PTY-attached shell.
func (p *Pool) Create(opts CreateOptions) (Info, error) {
	cols := opts.Cols
	if cols == 0 {
		cols = constants.DefaultCols
	}
	rows := opts.Rows
	if rows == 0 {
		rows = constants.DefaultRows
	}

	shell := validateShell(opts.Shell, p.log)
	cwd := validateCwd(opts.Cwd, p.log)

	id := p.nextID()
	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return Info{}, fmt.Errorf("ptypool: start pty: %w", err)
	}

	s := &session{
		info: Info{
			ID:        id,
			Name:      opts.Name,
			Shell:     shell,
			Cwd:       cwd,
			Cols:      cols,
			Rows:      rows,
			CreatedAt: time.Now(),
		},
		ptmx: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()

	go p.readLoop(s)
	go p.waitLoop(s)

	p.log.Info("created session", "session_id", id, "shell", shell, "cwd", cwd)
	p.emit(Event{Type: EventCreated, SessionID: id})
	return s.info, nil
}

// Write sends bytes to the PTY master. Unknown IDs are a silent no-op
// per spec.md §4.3 — a client racing a close with a keystroke should
// not see an error for it.
func (p *Pool) Write(sessionID string, data []byte) {
	s := p.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.ptmx.Write(data)
}

// Resize updates the kernel window size and the cached dimensions.
func (p *Pool) Resize(sessionID string, cols, rows uint16) error {
	s := p.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("ptypool: unknown session %q", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("ptypool: resize: %w", err)
	}
	s.info.Cols, s.info.Rows = cols, rows

	p.mu.Lock()
	p.sessions[sessionID].info = s.info
	p.mu.Unlock()
	return nil
}

// Close sends SIGHUP to the shell, removes the registry entry, and
// emits session:closed. If the shell has not exited within closeGrace
// it is killed outright so a wedged process never hangs the pool.
func (p *Pool) Close(sessionID string) error {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("ptypool: unknown session %q", sessionID)
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()

	if s.cmd.Process != nil {
		pid := s.cmd.Process.Pid
		if err := unix.Kill(pid, unix.SIGHUP); err != nil {
			p.log.Warn("sighup failed, killing directly", "session_id", sessionID, "error", err)
			_ = s.cmd.Process.Kill()
		} else {
			go p.killIfStillRunning(s)
		}
	}
	_ = s.ptmx.Close()

	p.log.Info("closed session", "session_id", sessionID)
	p.emit(Event{Type: EventClosed, SessionID: sessionID})
	return nil
}

// killIfStillRunning escalates to SIGKILL if the shell outlives the
// grace window Close gave SIGHUP to take effect.
func (p *Pool) killIfStillRunning(s *session) {
	select {
	case <-s.done:
	case <-time.After(closeGrace):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
}

// Get returns the session's info, or false if unknown.
func (p *Pool) Get(sessionID string) (Info, bool) {
	s := p.lookup(sessionID)
	if s == nil {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, true
}

// List returns every live session's info.
func (p *Pool) List() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Info, 0, len(p.sessions))
	for _, s := range p.sessions {
		s.mu.Lock()
		out = append(out, s.info)
		s.mu.Unlock()
	}
	return out
}

func (p *Pool) lookup(sessionID string) *session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[sessionID]
}

// readLoop runs per-session so a consumer blocked on one session's
// events channel backlog never stalls reads on another.
func (p *Pool) readLoop(s *session) {
	buf := make([]byte, constants.WSBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.emit(Event{Type: EventData, SessionID: s.info.ID, Bytes: chunk})
		}
		if err != nil {
			return
		}
	}
}

func (p *Pool) waitLoop(s *session) {
	err := s.cmd.Wait()
	close(s.done)

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}

	p.mu.Lock()
	delete(p.sessions, s.info.ID)
	p.mu.Unlock()

	exitCode, signal := exitDetails(err)
	p.log.Info("session exited", "session_id", s.info.ID, "exit_code", exitCode, "signal", signal)
	p.emit(Event{Type: EventExit, SessionID: s.info.ID, ExitCode: exitCode, Signal: signal})
}

func exitDetails(err error) (exitCode int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1, status.Signal().String()
			}
			return status.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

func (p *Pool) emit(e Event) {
	select {
	case p.events <- e:
	default:
		p.log.Warn("event channel full, dropping event", "type", e.Type, "session_id", e.SessionID)
	}
}

func validateShell(shell string, log *slog.Logger) string {
	if shell == "" {
		if envShell := os.Getenv("SHELL"); envShell != "" && constants.ShellAllowList[envShell] {
			return envShell
		}
		return constants.DefaultShell
	}
	if constants.ShellAllowList[shell] {
		return shell
	}
	log.Warn("rejected shell not on allow-list, using default", "requested", shell)
	return constants.DefaultShell
}

func validateCwd(cwd string, log *slog.Logger) string {
	home := userHome()
	if cwd == "" {
		return home
	}
	if !strings.HasPrefix(cwd, "/") || !security.ValidatePath(cwd) {
		log.Warn("rejected invalid cwd, using home", "requested", cwd)
		return home
	}
	return cwd
}

func userHome() string {
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "/"
}
