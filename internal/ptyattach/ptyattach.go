// Package ptyattach owns the pseudo-terminals the agent spawns to
// attach to multiplexer sessions, per spec.md section 4.7.
package ptyattach

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/studium-ignotum/iterm2-remote/internal/muxadapter"
)

// chunkSize is the read-loop buffer, per spec.md section 4.7 step 3.
const chunkSize = 4096

// EventType tags the kind of event sent on a Manager's event channel.
type EventType string

const (
	// EventAttached fires once, before any scrollback or live output,
	// when a PTY has been successfully opened and attached.
	EventAttached EventType = "attached"
	// EventOutput carries a chunk of scrollback or live terminal bytes.
	EventOutput EventType = "output"
	// EventDetached fires exactly once per session, when its PTY hits
	// EOF, a read error, or is explicitly closed.
	EventDetached EventType = "detached"
)

// Event is emitted on the Manager's event channel in the order spec.md
// section 5 requires: Attached precedes scrollback, which precedes live
// output; exactly one Detached per session.
type Event struct {
	Type EventType
	ID   string // PTY session UUID
	Name string // multiplexer session name (EventAttached only)
	Data []byte // terminal bytes (EventOutput only)
}

// execCommand and ptyStartWithSize are test seams, mirroring the
// teacher's termserver package.
var execCommand = exec.Command
var ptyStartWithSize = pty.StartWithSize

// Manager owns the UUID-keyed map of attached PTYs. It is exclusively
// owned by the agent's task graph: one reader, one writer, one resize
// path per session (spec.md section 3's "Ownership").
type Manager struct {
	Shell   string
	TmuxBin string
	Adapter *muxadapter.Adapter
	Events  chan Event

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id     string
	name   string
	pty    *os.File
	cmd    *exec.Cmd
	closed sync.Once
}

// NewManager creates a Manager that publishes to events. events should
// be read continuously by the caller (the fan-in router); Manager never
// blocks indefinitely on a full events channel beyond normal Go channel
// semantics, so give it reasonable capacity.
func NewManager(adapter *muxadapter.Adapter, events chan Event) *Manager {
	return &Manager{
		Adapter:  adapter,
		Events:   events,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) tmuxBin() string {
	if m.TmuxBin == "" {
		return "tmux"
	}
	return m.TmuxBin
}

// Attach opens a PTY, spawns `tmux attach -t name` on it, and returns
// the freshly generated PTY session id. The caller's Events channel
// receives EventAttached, then scrollback as EventOutput, then live
// output as further EventOutput values, per spec.md section 5's
// ordering guarantee.
func (m *Manager) Attach(name string) (string, error) {
	cmd := execCommand(m.tmuxBin(), "attach", "-t", name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := ptyStartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return "", fmt.Errorf("ptyattach: start pty for %s: %w", name, err)
	}

	id := uuid.NewString()
	s := &session{id: id, name: name, pty: ptmx, cmd: cmd}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.Events <- Event{Type: EventAttached, ID: id, Name: name}

	if m.Adapter != nil {
		if scrollback, err := m.Adapter.CaptureScrollback(name); err == nil && len(scrollback) > 0 {
			m.Events <- Event{Type: EventOutput, ID: id, Data: scrollback}
		}
	}

	go m.readLoop(s)
	go m.wait(s)
	return id, nil
}

func (m *Manager) readLoop(s *session) {
	buf := make([]byte, chunkSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.Events <- Event{Type: EventOutput, ID: s.id, Data: chunk}
		}
		if err != nil {
			m.detach(s)
			return
		}
	}
}

func (m *Manager) wait(s *session) {
	_ = s.cmd.Wait()
}

func (m *Manager) detach(s *session) {
	s.closed.Do(func() {
		_ = s.pty.Close()
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		m.Events <- Event{Type: EventDetached, ID: s.id}
	})
}

// Write forwards keystrokes to the PTY identified by id. For an unknown
// id it writes nothing and returns an error, which the caller may
// choose to ignore (the fan-in router drops it).
func (m *Manager) Write(id string, data []byte) error {
	s := m.lookup(id)
	if s == nil {
		return fmt.Errorf("ptyattach: unknown session %s", id)
	}
	_, err := s.pty.Write(data)
	return err
}

// Resize applies a new window size to the PTY identified by id.
func (m *Manager) Resize(id string, cols, rows int) error {
	s := m.lookup(id)
	if s == nil {
		return fmt.Errorf("ptyattach: unknown session %s", id)
	}
	return pty.Setsize(s.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close detaches the PTY identified by id, as if it had hit EOF. It is
// safe to call even if the session already detached on its own.
func (m *Manager) Close(id string) error {
	s := m.lookup(id)
	if s == nil {
		return nil
	}
	m.detach(s)
	return nil
}

// CloseAll detaches every currently attached PTY, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.detach(s)
	}
}

func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}
