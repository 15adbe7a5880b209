// Package agentclient owns the agent's WebSocket connection to the
// relay: connect, register, reconnect with backoff, and per-session
// frame routing, per spec.md section 4.9.
package agentclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/studium-ignotum/iterm2-remote/internal/muxadapter"
	"github.com/studium-ignotum/iterm2-remote/internal/protocol"
	"github.com/studium-ignotum/iterm2-remote/internal/ptyattach"
)

// WSConn is the subset of *websocket.Conn the client depends on, so
// tests can substitute an in-memory fake.
type WSConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// dial is a test seam over websocket.DefaultDialer.
var dial = func(url string) (WSConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client drives the agent's register/serve/reconnect state machine.
// It is not safe for concurrent Run calls.
type Client struct {
	RelayURL string
	ClientID string
	Manager  *ptyattach.Manager
	Adapter  *muxadapter.Adapter
	Events   chan ptyattach.Event
	Logger   *log.Logger

	// OnRegistered is called with the minted session code after every
	// successful registration, including re-registration after a
	// reconnect.
	OnRegistered func(code string)

	reconnect chan struct{}
}

// New creates a Client with a fresh UUIDv4 client id, per spec.md
// section 4.9 (supplementing the teacher, which takes a caller-chosen
// id).
func New(relayURL string, manager *ptyattach.Manager, adapter *muxadapter.Adapter, events chan ptyattach.Event) *Client {
	return &Client{
		RelayURL:  relayURL,
		ClientID:  uuid.NewString(),
		Manager:   manager,
		Adapter:   adapter,
		Events:    events,
		Logger:    log.New(io.Discard, "", 0),
		reconnect: make(chan struct{}, 1),
	}
}

// Reconnect requests a close-and-retry of the current connection, per
// spec.md section 4.9's client-initiated Reconnect command.
func (c *Client) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Run drives connect/register/serve, applying the capped exponential
// backoff schedule between attempts, until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		registered, err := c.runOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Logger.Printf("agentclient: disconnected: %v", err)
		}
		if registered {
			attempt = 0
		}
		delay := Backoff(attempt)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce performs one connect+register+serve cycle. The returned bool
// reports whether registration succeeded, per spec.md section 4.9's
// "n resets to 0 on successful registration" — the caller resets its
// backoff counter on true regardless of how the connection later ends.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	conn, err := dial(c.RelayURL)
	if err != nil {
		return false, fmt.Errorf("agentclient: dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ControlMessage{Type: protocol.TypeRegister, ClientID: c.ClientID}); err != nil {
		return false, fmt.Errorf("agentclient: register: %w", err)
	}
	var registered protocol.ControlMessage
	if err := conn.ReadJSON(&registered); err != nil {
		return false, fmt.Errorf("agentclient: awaiting registered: %w", err)
	}
	if registered.Type != protocol.TypeRegistered {
		return false, fmt.Errorf("agentclient: expected registered, got %q", registered.Type)
	}
	if c.OnRegistered != nil {
		c.OnRegistered(registered.Code)
	}

	router := newRouter(c.Manager, c.Adapter, c.Events)
	serveErr := make(chan error, 1)
	go func() { serveErr <- router.serve(ctx, conn) }()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-serveErr
		return true, ctx.Err()
	case <-c.reconnect:
		_ = conn.Close()
		<-serveErr
		return true, errors.New("agentclient: reconnect requested")
	case err := <-serveErr:
		return true, err
	}
}
