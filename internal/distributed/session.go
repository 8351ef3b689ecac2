package distributed

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the channel drives. Narrowed for
// tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Session is one connected worker. The socket is owned by the session;
// writes are serialized through writeMu.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn    Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	toolNames    []string
	tools        []ToolDescriptor
	localIPs     []string
	publicIP     string
	lastActivity time.Time
}

func newSession(id string, conn Conn) *Session {
	now := time.Now()
	return &Session{ID: id, ConnectedAt: now, conn: conn, lastActivity: now}
}

func (s *Session) send(frameType string, data any) error {
	payload, err := marshalFrame(frameType, data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) setTools(tools []ToolDescriptor) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		if name != "" {
			names = append(names, name)
		}
	}
	s.mu.Lock()
	s.tools = tools
	s.toolNames = names
	s.mu.Unlock()
	return names
}

func (s *Session) removeTools(names []string) {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	s.mu.Lock()
	kept := s.toolNames[:0]
	for _, n := range s.toolNames {
		if _, gone := drop[n]; !gone {
			kept = append(kept, n)
		}
	}
	s.toolNames = kept
	s.mu.Unlock()
}

func (s *Session) setIPs(localIPs []string, publicIP string) {
	s.mu.Lock()
	s.localIPs = localIPs
	s.publicIP = publicIP
	s.mu.Unlock()
}

// Info is a read-only session snapshot.
type Info struct {
	ID           string
	Tools        []string
	LocalIPs     []string
	PublicIP     string
	ConnectedAt  time.Time
	LastActivity time.Time
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Tools:        append([]string(nil), s.toolNames...),
		LocalIPs:     append([]string(nil), s.localIPs...),
		PublicIP:     s.publicIP,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.lastActivity,
	}
}
