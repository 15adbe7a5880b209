package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studium-ignotum/iterm2-remote/internal/frame"
	"github.com/studium-ignotum/iterm2-remote/internal/protocol"
)

type wireFrame struct {
	msgType int
	data    []byte
}

type fakeConn struct {
	in     chan wireFrame
	out    chan wireFrame
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan wireFrame, 16),
		out:    make(chan wireFrame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	mt, data, err := c.ReadMessage()
	if err != nil {
		return err
	}
	if mt != websocket.TextMessage {
		return errors.New("expected text message")
	}
	return json.Unmarshal(data, v)
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, b)
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.msgType, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.out <- wireFrame{msgType: messageType, data: cp}:
	case <-c.closed:
	}
	return nil
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) sendJSON(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.in <- wireFrame{msgType: websocket.TextMessage, data: b}
}

func (c *fakeConn) sendBinary(data []byte) {
	c.in <- wireFrame{msgType: websocket.BinaryMessage, data: data}
}

func (c *fakeConn) readFrame(t *testing.T) wireFrame {
	t.Helper()
	select {
	case f := <-c.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("read timeout")
		return wireFrame{}
	}
}

func readControl(t *testing.T, c *fakeConn) protocol.ControlMessage {
	t.Helper()
	f := c.readFrame(t)
	if f.msgType != websocket.TextMessage {
		t.Fatalf("expected text message, got type %d", f.msgType)
	}
	var msg protocol.ControlMessage
	if err := json.Unmarshal(f.data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func newTestServer() *Server {
	return NewServer(NewBroker(), nil)
}

func TestServeConnFirstMessageMustBeRegisterOrAuth(t *testing.T) {
	s := newTestServer()
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		s.ServeConn(conn)
		close(done)
	}()

	conn.sendJSON(t, protocol.ControlMessage{Type: "resize"})
	msg := readControl(t, conn)
	if msg.Type != protocol.TypeError {
		t.Fatalf("got %+v, want error", msg)
	}
	<-done
}

func TestAgentRegisterThenBrowserAuthPairing(t *testing.T) {
	s := newTestServer()
	agentConn := newFakeConn()

	agentDone := make(chan struct{})
	go func() {
		s.ServeConn(agentConn)
		close(agentDone)
	}()

	agentConn.sendJSON(t, protocol.ControlMessage{Type: protocol.TypeRegister, ClientID: "u-1"})
	registered := readControl(t, agentConn)
	if registered.Type != protocol.TypeRegistered || len(registered.Code) != 6 {
		t.Fatalf("got %+v", registered)
	}
	code := registered.Code

	browserConn := newFakeConn()
	browserDone := make(chan struct{})
	go func() {
		s.ServeConn(browserConn)
		close(browserDone)
	}()

	browserConn.sendJSON(t, protocol.ControlMessage{Type: protocol.TypeAuth, SessionCode: lower(code)})
	authMsg := readControl(t, browserConn)
	if authMsg.Type != protocol.TypeAuthSuccess {
		t.Fatalf("got %+v, want auth_success", authMsg)
	}

	browserConnected := readControl(t, agentConn)
	if browserConnected.Type != protocol.TypeBrowserConnected || browserConnected.BrowserID == "" {
		t.Fatalf("got %+v", browserConnected)
	}

	// Binary data flows agent -> browser.
	f, err := frame.Encode("sess", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	agentConn.sendBinary(f)
	out := browserConn.readFrame(t)
	if out.msgType != websocket.BinaryMessage || string(out.data) != string(f) {
		t.Fatalf("got %v, want the same frame forwarded verbatim", out)
	}

	// Closing the agent socket broadcasts a disconnect to the browser.
	agentConn.Close()
	<-agentDone
	errMsg := readControl(t, browserConn)
	if errMsg.Type != protocol.TypeError || errMsg.Message != "Session disconnected" {
		t.Fatalf("got %+v", errMsg)
	}

	browserConn.Close()
	<-browserDone
}

func TestBrowserAuthInvalidCode(t *testing.T) {
	s := newTestServer()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		s.ServeConn(conn)
		close(done)
	}()
	conn.sendJSON(t, protocol.ControlMessage{Type: protocol.TypeAuth, SessionCode: "ZZZZZZ"})
	msg := readControl(t, conn)
	if msg.Type != protocol.TypeAuthFailed {
		t.Fatalf("got %+v, want auth_failed", msg)
	}
	conn.Close()
	<-done
}

func TestDebugSessionsReflectsCount(t *testing.T) {
	s := newTestServer()
	if got := countBody(s); got != "Active sessions: 0" {
		t.Fatalf("got %q", got)
	}
	s.broker.RegisterAgent("c-1")
	if got := countBody(s); got != "Active sessions: 1" {
		t.Fatalf("got %q", got)
	}
}

func countBody(s *Server) string {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/sessions", nil)
	s.handleDebugSessions(rec, req)
	return rec.Body.String()
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
