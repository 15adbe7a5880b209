// Package muxadapter wraps the tmux CLI contract named in spec.md
// section 6: list-sessions, new-session, kill-session, attach-session,
// capture-pane, and the one-time history-limit bootstrap.
package muxadapter

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// execCommand is a seam for tests, following the teacher's
// termserver.execCommand pattern.
var execCommand = exec.Command

// HistoryLimit is set process-wide on an Adapter's first NewSession call.
const HistoryLimit = 50000

// SessionRecord describes one line of `tmux list-sessions`.
type SessionRecord struct {
	Name     string
	Windows  int
	Created  string
	Attached bool
}

// Adapter issues tmux CLI calls. The zero value is ready to use with the
// "tmux" binary resolved from PATH; set Bin to override it.
type Adapter struct {
	Bin string

	historyOnce sync.Once
	historyErr  error
}

// New creates an Adapter targeting the given tmux binary name or path;
// an empty string defaults to "tmux".
func New(bin string) *Adapter {
	if bin == "" {
		bin = "tmux"
	}
	return &Adapter{Bin: bin}
}

func (a *Adapter) bin() string {
	if a.Bin == "" {
		return "tmux"
	}
	return a.Bin
}

// List parses `list-sessions -F "#{session_name}|#{session_windows}|#{session_created}|#{session_attached}"`.
// A tmux with no sessions exits non-zero; that is reported as an empty
// list, not an error, since "no sessions" is a normal idle state.
func (a *Adapter) List() ([]SessionRecord, error) {
	cmd := execCommand(a.bin(), "list-sessions", "-F", "#{session_name}|#{session_windows}|#{session_created}|#{session_attached}")
	out, err := cmd.Output()
	if err != nil {
		return nil, nil
	}
	var records []SessionRecord
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		records = append(records, SessionRecord{
			Name:     parts[0],
			Windows:  windows,
			Created:  parts[2],
			Attached: parts[3] == "1",
		})
	}
	return records, nil
}

// NewSession creates a detached tmux session named name. Before the
// very first session is created, it sets the process-wide
// history-limit once, per spec.md section 4.6.
func (a *Adapter) NewSession(name string) error {
	a.historyOnce.Do(func() {
		cmd := execCommand(a.bin(), "set-option", "-g", "history-limit", strconv.Itoa(HistoryLimit))
		a.historyErr = cmd.Run()
	})
	if a.historyErr != nil {
		return fmt.Errorf("muxadapter: set history-limit: %w", a.historyErr)
	}
	cmd := execCommand(a.bin(), "new-session", "-d", "-s", name)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("muxadapter: new-session %s: %w", name, err)
	}
	return nil
}

// Kill kills the named tmux session.
func (a *Adapter) Kill(name string) error {
	cmd := execCommand(a.bin(), "kill-session", "-t", name)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("muxadapter: kill-session %s: %w", name, err)
	}
	return nil
}

// CaptureScrollback retrieves the existing scrollback of name, for
// replay to a browser at attach time (spec.md section 4.7 step 2).
func (a *Adapter) CaptureScrollback(name string) ([]byte, error) {
	cmd := execCommand(a.bin(), "capture-pane", "-t", name, "-p", "-S", "-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("muxadapter: capture-pane %s: %w", name, err)
	}
	return out.Bytes(), nil
}
