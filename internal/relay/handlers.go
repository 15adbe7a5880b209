package relay

import (
	"strings"

	"github.com/gorilla/websocket"

	"github.com/studium-ignotum/iterm2-remote/internal/protocol"
)

// serveAgent handles the "register" branch of ServeConn: it mints a
// code, starts the writer goroutine, then loops reading frames/control
// messages from the agent until its socket closes.
func (s *Server) serveAgent(conn WSConn, first protocol.ControlMessage) {
	code, sink, err := s.broker.RegisterAgent(first.ClientID)
	for err != nil {
		// Code mint exhaustion keeps the socket open: the agent may send
		// register again later.
		sendError(conn, "no session codes available")
		var next protocol.ControlMessage
		for next.Type != protocol.TypeRegister {
			next = protocol.ControlMessage{}
			if rerr := conn.ReadJSON(&next); rerr != nil {
				return
			}
		}
		first = next
		code, sink, err = s.broker.RegisterAgent(first.ClientID)
	}

	if err := conn.WriteJSON(protocol.ControlMessage{Type: protocol.TypeRegistered, Code: code}); err != nil {
		s.broker.RemoveSession(code)
		return
	}

	writerDone := make(chan struct{})
	go runWriter(conn, sink, writerDone)

	s.logger.Printf("agent connected: code=%s client_id=%s", code, first.ClientID)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.broker.ForwardBinaryToBrowsers(code, data)
		case websocket.TextMessage:
			s.broker.ForwardTextToBrowsers(code, data)
		default:
			// ping/pong/close are handled by gorilla/websocket itself.
		}
	}

	s.broker.RemoveSession(code)
	<-writerDone
	s.logger.Printf("agent disconnected: code=%s", code)
}

// serveBrowser handles the "auth" branch of ServeConn: it validates the
// (uppercased) code, assigns a browser id, and pairs the browser's
// socket with the named session until either side closes.
func (s *Server) serveBrowser(conn WSConn, first protocol.ControlMessage) {
	code := strings.ToUpper(strings.TrimSpace(first.SessionCode))
	if !s.broker.Validate(code) {
		_ = conn.WriteJSON(protocol.ControlMessage{Type: protocol.TypeAuthFailed, Reason: "Invalid session code"})
		return
	}

	browserID, sink, ok := s.broker.AddBrowser(code)
	if !ok {
		_ = conn.WriteJSON(protocol.ControlMessage{Type: protocol.TypeAuthFailed, Reason: "Invalid session code"})
		return
	}

	if err := conn.WriteJSON(protocol.ControlMessage{Type: protocol.TypeAuthSuccess}); err != nil {
		s.broker.RemoveBrowser(code, browserID)
		return
	}

	writerDone := make(chan struct{})
	go runWriter(conn, sink, writerDone)

	s.logger.Printf("browser connected: code=%s browser_id=%s", code, browserID)

	connectedMsg := marshalControl(protocol.ControlMessage{Type: protocol.TypeBrowserConnected, BrowserID: browserID})
	s.broker.ForwardTextToAgent(code, connectedMsg)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			// Raw keyboard input, addressed by the agent-side frame id
			// already encoded by the browser UI.
			s.broker.ForwardBinaryToAgent(code, data)
		case websocket.TextMessage:
			s.handleBrowserControl(code, data)
		default:
		}
	}

	s.broker.RemoveBrowser(code, browserID)
	disconnectedMsg := marshalControl(protocol.ControlMessage{Type: protocol.TypeBrowserDisconnected})
	s.broker.ForwardTextToAgent(code, disconnectedMsg)
	s.logger.Printf("browser disconnected: code=%s browser_id=%s", code, browserID)
}

func (s *Server) handleBrowserControl(code string, data []byte) {
	var msg protocol.ControlMessage
	if err := unmarshalControl(data, &msg); err != nil {
		s.logger.Printf("ignoring malformed control message: %v", err)
		return
	}
	switch msg.Type {
	case protocol.TypeCloseSession, protocol.TypeCreateSession:
		s.broker.ForwardTextToAgent(code, data)
	default:
		// Unknown tags at other times are logged and ignored, per
		// spec.md section 4.3.
		s.logger.Printf("ignoring unknown control tag %q from browser", msg.Type)
	}
}
