// Package socket narrows the WebSocket framework down to the four
// operations the connection handler and pumps need (spec §4.E's write,
// close and remote address, plus reading inbound frames),
// hiding gorilla/websocket from the rest of the core.
package socket

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Socket is the interface core code uses instead of talking to
// gorilla/websocket directly.
type Socket interface {
	// Write sends one text frame. Safe for concurrent use.
	Write(data []byte) error
	// Close closes the underlying connection. Idempotent.
	Close() error
	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string
	// ReadMessage blocks for the next inbound text frame.
	ReadMessage() ([]byte, error)
}

// WSSocket adapts a *websocket.Conn to Socket. gorilla/websocket
// permits at most one concurrent writer, so Write is serialized here
// with a mutex — the same "funnel writes through a queue-like gate"
// requirement spec §5 imposes, just implemented as a lock rather than
// a channel since writes are already expected to be quick.
type WSSocket struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New wraps conn as a Socket.
func New(conn *websocket.Conn) *WSSocket {
	return &WSSocket{conn: conn}
}

func (s *WSSocket) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WSSocket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *WSSocket) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *WSSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}
