// Package watcher polls the multiplexer for sessions created outside
// this agent (e.g. directly from another terminal), per spec.md
// section 4.8.
package watcher

import (
	"context"
	"time"

	"github.com/studium-ignotum/iterm2-remote/internal/muxadapter"
)

// Interval is how often the multiplexer is polled for new sessions.
const Interval = 2 * time.Second

// Lister is the subset of muxadapter.Adapter the watcher depends on.
type Lister interface {
	List() ([]muxadapter.SessionRecord, error)
}

// Watcher polls Lister every Interval and reports session names not
// previously seen. It never reports detaches: the owning PTY detects
// its own session's EOF independently.
type Watcher struct {
	Lister Lister
	OnNew  func(name string)

	known map[string]struct{}
}

// New creates a Watcher. onNew is called, from the watcher's own
// goroutine, once per newly observed session name.
func New(lister Lister, onNew func(name string)) *Watcher {
	return &Watcher{
		Lister: lister,
		OnNew:  onNew,
		known:  make(map[string]struct{}),
	}
}

// Run polls until ctx is done. A single poll failure is ignored; the
// multiplexer may simply have no sessions.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	w.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	records, err := w.Lister.List()
	if err != nil {
		return
	}
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		seen[r.Name] = struct{}{}
		if _, ok := w.known[r.Name]; !ok {
			if w.OnNew != nil {
				w.OnNew(r.Name)
			}
		}
	}
	w.known = seen
}
