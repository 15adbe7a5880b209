package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studium-ignotum/iterm2-remote/internal/frame"
	"github.com/studium-ignotum/iterm2-remote/internal/muxadapter"
	"github.com/studium-ignotum/iterm2-remote/internal/protocol"
	"github.com/studium-ignotum/iterm2-remote/internal/ptyattach"
)

// Router threads multiplexer events to the relay connection and relay
// frames to the PTY subsystem, per spec.md section 4.11. One task
// drains PTY events outbound; the caller's read loop drains inbound
// frames through handleText/handleBinary.
type Router struct {
	Manager *ptyattach.Manager
	Adapter *muxadapter.Adapter
	Events  chan ptyattach.Event

	mu       sync.Mutex
	sessions []protocol.SessionInfo

	writeMu sync.Mutex
}

func newRouter(manager *ptyattach.Manager, adapter *muxadapter.Adapter, events chan ptyattach.Event) *Router {
	return &Router{Manager: manager, Adapter: adapter, Events: events}
}

// inbandControl mirrors the {"type":...} envelope carried as a
// binary-channel payload, per spec.md section 4.2.
type inbandControl struct {
	Type string `json:"type"`
}

// serve pumps PTY events to conn and dispatches inbound frames until
// conn's read loop errors, at which point it returns that error.
func (r *Router) serve(ctx context.Context, conn WSConn) error {
	done := make(chan struct{})
	defer close(done)
	go r.pumpEvents(conn, done)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case websocket.TextMessage:
			r.handleText(conn, data)
		case websocket.BinaryMessage:
			r.handleBinary(data)
		}
	}
}

func (r *Router) pumpEvents(conn WSConn, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-r.Events:
			if !ok {
				return
			}
			r.handleEvent(conn, ev)
		case <-done:
			return
		}
	}
}

func (r *Router) handleEvent(conn WSConn, ev ptyattach.Event) {
	switch ev.Type {
	case ptyattach.EventAttached:
		r.mu.Lock()
		r.sessions = append(r.sessions, protocol.SessionInfo{ID: ev.ID, Name: ev.Name})
		r.mu.Unlock()
		r.writeText(conn, protocol.ControlMessage{Type: protocol.TypeSessionConnected, SessionID: ev.ID, Name: ev.Name})
	case ptyattach.EventOutput:
		f, err := frame.Encode(ev.ID, ev.Data)
		if err != nil {
			return
		}
		r.writeBinary(conn, f)
	case ptyattach.EventDetached:
		r.mu.Lock()
		for i, s := range r.sessions {
			if s.ID == ev.ID {
				r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		r.writeText(conn, protocol.ControlMessage{Type: protocol.TypeSessionDisconnected, SessionID: ev.ID})
	}
}

func (r *Router) handleText(conn WSConn, data []byte) {
	var msg protocol.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case protocol.TypeBrowserConnected:
		r.writeText(conn, protocol.ControlMessage{Type: protocol.TypeSessionList, Sessions: r.snapshot()})
	case protocol.TypeCloseSession:
		if msg.SessionID != "" {
			_ = r.Manager.Close(msg.SessionID)
		}
	case protocol.TypeCreateSession:
		// Decided Open Question: create_session spawns a new
		// multiplexer session, not a GUI terminal window.
		if r.Adapter == nil {
			return
		}
		name := fmt.Sprintf("session-%d", time.Now().UnixNano())
		if err := r.Adapter.NewSession(name); err != nil {
			return
		}
		_, _ = r.Manager.Attach(name)
	}
}

func (r *Router) handleBinary(data []byte) {
	id, payload, err := frame.Decode(data)
	if err != nil {
		return
	}
	if frame.IsJSON(payload) {
		var ctl inbandControl
		if err := json.Unmarshal(payload, &ctl); err != nil {
			return
		}
		switch ctl.Type {
		case "resize":
			var rm protocol.ResizeMessage
			if err := json.Unmarshal(payload, &rm); err == nil {
				_ = r.Manager.Resize(id, rm.Cols, rm.Rows)
			}
		case "close_session":
			_ = r.Manager.Close(id)
		}
		return
	}
	_ = r.Manager.Write(id, payload)
}

func (r *Router) snapshot() []protocol.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.SessionInfo, len(r.sessions))
	copy(out, r.sessions)
	return out
}

func (r *Router) writeText(conn WSConn, msg protocol.ControlMessage) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.WriteJSON(msg)
}

func (r *Router) writeBinary(conn WSConn, data []byte) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.BinaryMessage, data)
}
