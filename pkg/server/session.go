package server

import (
	"bufio"
	"sync"
	"sync/atomic"
)

// TransferMode is the per-connection framing state. While raw, the line
// reader must not be used for that connection.
type TransferMode int32

const (
	LineMode TransferMode = iota
	RawMode
)

// Session represents one accepted client connection. It owns the socket,
// the current transfer mode, and the per-session auth state. All command
// handling for one connection runs sequentially on its own loop goroutine,
// so a session can never receive an interleaved broadcast write while it
// is itself mid-binary-read.
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string

	// Reader is the single buffered reader for both line-mode and raw
	// reads. Raw reads go through the same buffer, so bytes the line
	// reader already buffered are consumed, never lost.
	Reader *bufio.Reader

	mu            sync.RWMutex
	userID        int64 // 0 = unauthenticated
	username      string
	displayName   string
	currentRoomID int64 // 0 = none

	mode atomic.Int32

	cleanupOnce sync.Once
}

// UserID returns the authenticated user id, 0 if not logged in.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Username returns the authenticated username.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// DisplayName returns the authenticated user's display name.
func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

// CurrentRoomID returns the currently joined room, 0 if none.
func (s *Session) CurrentRoomID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRoomID
}

// SetAuthenticated records a successful login on the session.
func (s *Session) SetAuthenticated(userID int64, username, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.username = username
	s.displayName = displayName
}

// ClearAuth resets the session to the unauthenticated state.
func (s *Session) ClearAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = 0
	s.username = ""
	s.displayName = ""
	s.currentRoomID = 0
}

// SetCurrentRoom records the joined room.
func (s *Session) SetCurrentRoom(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRoomID = roomID
}

// Mode returns the session's current transfer mode.
func (s *Session) Mode() TransferMode {
	return TransferMode(s.mode.Load())
}

func (s *Session) setMode(m TransferMode) {
	s.mode.Store(int32(m))
}

// SessionRegistry tracks every accepted session, authenticated or not.
// The RoomDirectory only knows logged-in users; the registry is what
// shutdown and metrics iterate over.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// Add registers a new session and assigns its id.
func (r *SessionRegistry) Add(sess *Session) int {
	id := atomic.AddUint64(&r.nextID, 1) - 1
	sess.ID = id

	r.mu.Lock()
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()
	return count
}

// Remove unregisters a session. Returns the remaining count and whether
// the session was still present.
func (r *SessionRegistry) Remove(sessionID uint64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return len(r.sessions), false
	}
	delete(r.sessions, sessionID)
	return len(r.sessions), true
}

// All returns a snapshot of every live session.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
