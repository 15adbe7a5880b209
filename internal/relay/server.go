package relay

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/studium-ignotum/iterm2-remote/internal/protocol"
)

// WSConn is the subset of *websocket.Conn the server depends on, so
// tests can substitute an in-memory fake.
type WSConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

//go:embed all:static
var embeddedStatic embed.FS

// Server exposes the relay's HTTP surface: the WebSocket upgrade
// endpoint, the debug session count, and the embedded browser UI with an
// SPA fallback.
type Server struct {
	broker   *Broker
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewServer wires a Server around broker.
func NewServer(broker *Broker, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Router builds the chi router implementing spec.md section 6's HTTP
// surface: GET /ws, GET /debug/sessions, and a static SPA fallback.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleUpgrade)
	r.Get("/debug/sessions", s.handleDebugSessions)
	r.Handle("/*", s.staticHandler())
	return r
}

func (s *Server) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Active sessions: %d", s.broker.Count())
}

func (s *Server) staticHandler() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	fileServer := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}
		if _, err := fs.Stat(sub, path); err != nil {
			// SPA fallback: unknown paths resolve to index.html.
			r2 := new(http.Request)
			*r2 = *r
			r2.URL.Path = "/index.html"
			fileServer.ServeHTTP(w, r2)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.ServeConn(conn)
}

// ServeConn handles one upgraded WebSocket connection end to end: it
// reads exactly one first message to decide whether the caller is an
// agent or a browser, then dispatches.
func (s *Server) ServeConn(conn WSConn) {
	defer conn.Close()

	var first protocol.ControlMessage
	if err := conn.ReadJSON(&first); err != nil {
		sendError(conn, "first message must be register or auth")
		return
	}

	switch first.Type {
	case protocol.TypeRegister:
		s.serveAgent(conn, first)
	case protocol.TypeAuth:
		s.serveBrowser(conn, first)
	default:
		sendError(conn, "first message must be register or auth")
	}
}

func sendError(conn WSConn, message string) {
	_ = conn.WriteJSON(protocol.ErrorMessage(message))
}

// runWriter drains sink to conn until the sink is closed or a write
// fails; it never blocks the broker, which only owns the send side.
func runWriter(conn WSConn, sink Sink, done chan<- struct{}) {
	defer close(done)
	for msg := range sink {
		var err error
		if msg.Binary != nil {
			err = conn.WriteMessage(websocket.BinaryMessage, msg.Binary)
		} else {
			err = conn.WriteMessage(websocket.TextMessage, msg.Text)
		}
		if err != nil {
			return
		}
	}
}

func marshalControl(msg protocol.ControlMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalControl(data []byte, msg *protocol.ControlMessage) error {
	return json.Unmarshal(data, msg)
}
