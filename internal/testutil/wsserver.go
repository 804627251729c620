package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RealtimeServer is an in-process WebSocket endpoint that plays the role
// of the backend's realtime event stream.
//
// Tests push frames with Broadcast, simulate drops with DropAll and refuse
// handshakes with RejectNext. Every frame a client sends is recorded.
type RealtimeServer struct {
	server *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	upgrades int
	rejects  int
	received [][]byte
	headers  []http.Header
}

// NewRealtimeServer starts a server that is closed when the test ends.
func NewRealtimeServer(t testing.TB) *RealtimeServer {
	t.Helper()
	s := &RealtimeServer{}
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(s.Close)
	return s
}

func (s *RealtimeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.rejects > 0 {
		s.rejects--
		s.mu.Unlock()
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.upgrades++
	s.conns = append(s.conns, conn)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	defer s.forget(conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, message)
		s.mu.Unlock()
	}
}

func (s *RealtimeServer) forget(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	conn.Close()
}

// URL returns the ws:// address of the server.
func (s *RealtimeServer) URL() string {
	return strings.Replace(s.server.URL, "http", "ws", 1)
}

// Broadcast writes a text frame to every live connection.
func (s *RealtimeServer) Broadcast(frames ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		for _, f := range frames {
			if err := c.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return err
			}
		}
	}
	return nil
}

// DropAll closes every live connection from the server side.
func (s *RealtimeServer) DropAll() {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// RejectNext makes the next n handshakes fail with 503.
func (s *RealtimeServer) RejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = n
}

// Upgrades returns the number of successful handshakes so far.
func (s *RealtimeServer) Upgrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

// Live returns the number of currently open connections.
func (s *RealtimeServer) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Received returns a copy of every frame clients have sent.
func (s *RealtimeServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	for i, m := range s.received {
		out[i] = string(m)
	}
	return out
}

// Headers returns the request headers of each accepted handshake.
func (s *RealtimeServer) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// Close drops live connections and stops the server.
func (s *RealtimeServer) Close() {
	s.DropAll()
	s.server.Close()
}
