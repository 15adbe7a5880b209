package agentclient

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wireMsg struct {
	msgType int
	data    []byte
}

// fakeConn is an in-memory WSConn, following the same pattern used by
// the relay package's server tests.
type fakeConn struct {
	in     chan wireMsg
	out    chan wireMsg
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan wireMsg, 32),
		out:    make(chan wireMsg, 32),
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
	case m := <-c.in:
		return m.msgType, m.data, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.out <- wireMsg{msgType: messageType, data: cp}:
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
	c.in <- wireMsg{msgType: websocket.TextMessage, data: b}
}

func (c *fakeConn) sendBinary(data []byte) {
	c.in <- wireMsg{msgType: websocket.BinaryMessage, data: data}
}

func (c *fakeConn) readOut(t *testing.T) wireMsg {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return wireMsg{}
	}
}
