// Package relay implements the session broker and WebSocket endpoint that
// pair one agent with zero or more browsers behind a short session code.
package relay

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/studium-ignotum/iterm2-remote/internal/codemint"
	"github.com/studium-ignotum/iterm2-remote/internal/protocol"
)

// sinkCapacity bounds every per-socket outbound channel, per spec.md's
// "channels are bounded (1000 messages typical)".
const sinkCapacity = 1000

// ErrUnknownSession is returned by operations addressed at a code that
// does not name an active session.
var ErrUnknownSession = errors.New("relay: unknown session code")

// Message is the unified payload carried on every sink: either raw
// terminal bytes (already frame-encoded by the caller) or a JSON text
// control message.
type Message struct {
	Binary []byte
	Text   []byte
}

// Sink is the send side of a bounded, per-socket outbound channel. The
// broker owns sinks; it never stores the receiving goroutine itself, so
// dropping a session's sink (by closing it) is enough to let that
// goroutine's writer loop exit on its own, per spec.md section 9.
type Sink chan Message

// session is the broker's internal record for one paired agent.
type session struct {
	code      string
	clientID  string
	createdAt time.Time
	agentSink Sink
	browsers  map[string]Sink
}

// Broker holds the active sessions map and routes frames between the
// paired agent and browser sockets. The zero value is not usable; use
// NewBroker.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   *log.Logger
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		sessions: make(map[string]*session),
		logger:   log.New(io.Discard, "", 0),
	}
}

// SetLogger installs a logger for diagnostic output; nil restores the
// discarding default.
func (b *Broker) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	b.logger = logger
}

// RegisterAgent mints a fresh session code for clientID and returns the
// sink the caller's writer goroutine should drain to deliver messages to
// that agent's socket.
func (b *Broker) RegisterAgent(clientID string) (string, Sink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	code, err := codemint.Mint(func(c string) bool {
		_, exists := b.sessions[c]
		return exists
	})
	if err != nil {
		return "", nil, err
	}

	sink := make(Sink, sinkCapacity)
	b.sessions[code] = &session{
		code:      code,
		clientID:  clientID,
		createdAt: time.Now(),
		agentSink: sink,
		browsers:  make(map[string]Sink),
	}
	b.logger.Printf("agent registered: code=%s client_id=%s", code, clientID)
	return code, sink, nil
}

// Validate reports whether code names an active session. Callers must
// uppercase the code first; Validate itself does no normalization so it
// can also be used on the agent-minted, already-canonical form.
func (b *Broker) Validate(code string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[code]
	return ok
}

// AddBrowser registers a new browser under code and returns its id and
// sink. ok is false if code is not an active session.
func (b *Broker) AddBrowser(code string) (string, Sink, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[code]
	if !ok {
		return "", nil, false
	}
	id, err := randomID(8)
	if err != nil {
		return "", nil, false
	}
	sink := make(Sink, sinkCapacity)
	s.browsers[id] = sink
	return id, sink, true
}

// RemoveBrowser detaches browserID from code's browser set.
func (b *Broker) RemoveBrowser(code, browserID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[code]
	if !ok {
		return
	}
	delete(s.browsers, browserID)
}

// RemoveSession broadcasts a "Session disconnected" error to every
// attached browser, then removes the session and closes the agent sink
// so its writer goroutine exits naturally. Safe to call more than once;
// later calls are no-ops.
func (b *Broker) RemoveSession(code string) {
	b.mu.Lock()
	s, ok := b.sessions[code]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, code)
	b.mu.Unlock()

	errJSON, _ := json.Marshal(protocol.ErrorMessage("Session disconnected"))
	for _, sink := range s.browsers {
		nonBlockingSend(sink, Message{Text: errJSON})
	}
	close(s.agentSink)
	b.logger.Printf("session removed: code=%s", code)
}

// ForwardBinaryToBrowsers fans a terminal-data frame out to every
// browser attached to code. A browser whose sink is full is dropped from
// the fan-out rather than blocking the caller (spec.md's
// drop-the-slow-consumer policy).
func (b *Broker) ForwardBinaryToBrowsers(code string, frameBytes []byte) {
	b.forwardToBrowsers(code, Message{Binary: frameBytes})
}

// ForwardTextToBrowsers fans a JSON control message out to every browser
// attached to code, with the same drop-slow-consumer policy.
func (b *Broker) ForwardTextToBrowsers(code string, data []byte) {
	b.forwardToBrowsers(code, Message{Text: data})
}

func (b *Broker) forwardToBrowsers(code string, msg Message) {
	b.mu.Lock()
	s, ok := b.sessions[code]
	if !ok {
		b.mu.Unlock()
		return
	}
	// Snapshot under the lock, then send and evict outside it so a slow
	// consumer never holds up other sessions.
	browsers := make(map[string]Sink, len(s.browsers))
	for id, sink := range s.browsers {
		browsers[id] = sink
	}
	b.mu.Unlock()

	for id, sink := range browsers {
		if !nonBlockingSend(sink, msg) {
			b.evictBrowser(code, id)
		}
	}
}

func (b *Broker) evictBrowser(code, browserID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[code]
	if !ok {
		return
	}
	delete(s.browsers, browserID)
	b.logger.Printf("browser evicted (slow consumer): code=%s browser_id=%s", code, browserID)
}

// ForwardBinaryToAgent delivers a terminal-input frame to the agent
// paired with code. It reports whether the session exists and accepted
// the send.
func (b *Broker) ForwardBinaryToAgent(code string, data []byte) bool {
	return b.forwardToAgent(code, Message{Binary: data})
}

// ForwardTextToAgent delivers a JSON control message to the agent paired
// with code.
func (b *Broker) ForwardTextToAgent(code string, data []byte) bool {
	return b.forwardToAgent(code, Message{Text: data})
}

func (b *Broker) forwardToAgent(code string, msg Message) bool {
	b.mu.Lock()
	s, ok := b.sessions[code]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return nonBlockingSend(s.agentSink, msg)
}

// Count returns the number of active sessions, for the /debug/sessions
// endpoint.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// nonBlockingSend attempts to enqueue msg without blocking the caller.
// It returns false if the sink was full (or already closed), signaling
// the caller to treat the consumer as gone.
func nonBlockingSend(sink Sink, msg Message) (sent bool) {
	defer func() {
		// A send on a closed channel panics; treat it the same as a full
		// channel rather than crashing the router (spec.md: "writes to a
		// disconnected peer are dropped silently... must never panic").
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case sink <- msg:
		return true
	default:
		return false
	}
}

func randomID(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
