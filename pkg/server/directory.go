package server

import (
	"sync"

	"github.com/parley-chat/parley/pkg/protocol"
)

// RoomDirectory tracks which users are connected and which rooms they are
// listening to. It is pure process-lifetime state: entries appear on
// login/join and disappear on logout/leave/disconnect, never touching
// persistence.
//
// Invariant: a session only appears in a room set if it is also the
// user-map entry for its user. All operations are atomic under one lock;
// none of them performs socket I/O while holding it.
type RoomDirectory struct {
	mu    sync.RWMutex
	users map[int64]*Session           // userID -> live session
	rooms map[int64]map[int64]*Session // roomID -> userID -> session
}

// NewRoomDirectory creates an empty directory.
func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{
		users: make(map[int64]*Session),
		rooms: make(map[int64]map[int64]*Session),
	}
}

// SetUserConnection registers sess as the live connection for userID,
// replacing any existing mapping. At most one live connection per user: a
// new login silently supersedes the old one, which is also evicted from
// every room set it occupied.
func (d *RoomDirectory) SetUserConnection(userID int64, sess *Session) (superseded *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.users[userID]
	if old != nil && old != sess {
		d.removeFromAllRoomsLocked(userID, old)
		superseded = old
	}
	d.users[userID] = sess
	return superseded
}

// RemoveUserConnection removes the user mapping only if it currently
// equals sess, so a stale remove cannot clobber a newer login. The session
// is also removed from every room set, keeping the invariant.
func (d *RoomDirectory) RemoveUserConnection(userID int64, sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.users[userID] != sess {
		return
	}
	delete(d.users, userID)
	d.removeFromAllRoomsLocked(userID, sess)
}

func (d *RoomDirectory) removeFromAllRoomsLocked(userID int64, sess *Session) {
	for roomID, members := range d.rooms {
		if members[userID] == sess {
			delete(members, userID)
			if len(members) == 0 {
				delete(d.rooms, roomID)
			}
		}
	}
}

// JoinRoom adds the session to a room's member set. The session must be
// the current user-map entry; otherwise the call is a no-op, which keeps
// a superseded connection from re-inserting itself.
func (d *RoomDirectory) JoinRoom(userID, roomID int64, sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.users[userID] != sess {
		return
	}
	members := d.rooms[roomID]
	if members == nil {
		members = make(map[int64]*Session)
		d.rooms[roomID] = members
	}
	members[userID] = sess
}

// LeaveRoom removes the session from a room's member set. An empty room
// set is deleted.
func (d *RoomDirectory) LeaveRoom(userID, roomID int64, sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	members := d.rooms[roomID]
	if members == nil || members[userID] != sess {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(d.rooms, roomID)
	}
}

// ConnectionsForRoom returns a snapshot of the room's live sessions.
func (d *RoomDirectory) ConnectionsForRoom(roomID int64) []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := d.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(members))
	for _, sess := range members {
		sessions = append(sessions, sess)
	}
	return sessions
}

// ConnectionForUser returns the user's live session, or nil.
func (d *RoomDirectory) ConnectionForUser(userID int64) *Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[userID]
}

// CountUsers returns the number of users with a live connection.
func (d *RoomDirectory) CountUsers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// BroadcastToRoom resolves the room's member sessions and sends the
// envelope to each, skipping excludeUserID when non-zero. The member list
// is snapshotted under the read lock and released before any send, so no
// socket write ever happens while the directory lock is held. A send
// failure for one member never prevents delivery to the others; the
// failed sessions are returned for the caller to tear down.
func (d *RoomDirectory) BroadcastToRoom(roomID int64, env protocol.Envelope, excludeUserID int64) (delivered int, failed []*Session) {
	d.mu.RLock()
	members := d.rooms[roomID]
	targets := make([]*Session, 0, len(members))
	for userID, sess := range members {
		if excludeUserID != 0 && userID == excludeUserID {
			continue
		}
		targets = append(targets, sess)
	}
	d.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.Conn.SendEnvelope(env); err != nil {
			debugLog.Printf("Session %d: broadcast write failed: %v", sess.ID, err)
			failed = append(failed, sess)
			continue
		}
		delivered++
	}
	return delivered, failed
}
