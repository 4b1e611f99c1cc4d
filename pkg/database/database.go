package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUsernameTaken indicates a case-sensitive username collision.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrFileNotFound indicates the file record does not exist.
	ErrFileNotFound = errors.New("file not found")
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database at the given path and initializes the
// schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows multiple readers and one writer at the same time.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS User (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS Room (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_group INTEGER NOT NULL DEFAULT 0,
		pair_key TEXT UNIQUE,
		created_by INTEGER REFERENCES User(id),
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS RoomMember (
		room_id INTEGER NOT NULL REFERENCES Room(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES User(id) ON DELETE CASCADE,
		added_at INTEGER NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS File (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stored_name TEXT NOT NULL UNIQUE,
		original_name TEXT NOT NULL,
		size INTEGER NOT NULL,
		media_type TEXT NOT NULL,
		uploaded_by INTEGER REFERENCES User(id),
		room_id INTEGER NOT NULL REFERENCES Room(id),
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS Message (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL REFERENCES Room(id) ON DELETE CASCADE,
		author_id INTEGER NOT NULL REFERENCES User(id),
		author_name TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		file_id INTEGER REFERENCES File(id),
		sent_at INTEGER NOT NULL,
		edited_at INTEGER,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_message_room_sent ON Message(room_id, sent_at);
	CREATE INDEX IF NOT EXISTS idx_member_user ON RoomMember(user_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// User is a registered account.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    int64
}

// Room is a chat room: either a private pair room or a named group.
type Room struct {
	ID          int64
	Name        string
	Description string
	IsGroup     bool
	PairKey     *string
	CreatedBy   int64
	CreatedAt   int64
}

// Message is one stored chat message.
type Message struct {
	ID         int64
	RoomID     int64
	AuthorID   int64
	AuthorName string
	Type       string
	Content    string
	FileID     *int64
	SentAt     int64
	EditedAt   *int64
	Deleted    bool
}

// File is one stored upload's metadata; the bytes live in the blob store
// under StoredName.
type File struct {
	ID           int64
	StoredName   string
	OriginalName string
	Size         int64
	MediaType    string
	UploadedBy   int64
	RoomID       int64
	CreatedAt    int64
}

// CreateUser creates a user account. The username check is case-sensitive:
// "Alice" and "alice" are distinct accounts.
func (db *DB) CreateUser(username, displayName, passwordHash string) (int64, error) {
	res, err := db.conn.Exec(`
		INSERT INTO User (username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, username, displayName, passwordHash, nowMillis())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, ErrUsernameTaken
		}
		return 0, err
	}
	return res.LastInsertId()
}

// GetUserByUsername looks up a user by exact username.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.scanUser(db.conn.QueryRow(`
		SELECT id, username, display_name, password_hash, created_at
		FROM User WHERE username = ?
	`, username))
}

// GetUserByID looks up a user by id.
func (db *DB) GetUserByID(id int64) (*User, error) {
	return db.scanUser(db.conn.QueryRow(`
		SELECT id, username, display_name, password_hash, created_at
		FROM User WHERE id = ?
	`, id))
}

func (db *DB) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// pairKey builds the canonical key for a private room between two users.
// The unordered pair maps to one key regardless of argument order.
func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

// GetOrCreatePrivateRoom returns the single private room for the unordered
// (a, b) pair, creating it and its two memberships on first use. Repeated
// calls in either direction return the same room. The UNIQUE index on
// pair_key makes concurrent first calls collapse to one row.
func (db *DB) GetOrCreatePrivateRoom(a, b int64, name string) (*Room, bool, error) {
	key := pairKey(a, b)

	room, err := db.getRoomByPairKey(key)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return nil, false, err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := nowMillis()
	res, err := tx.Exec(`
		INSERT INTO Room (name, is_group, pair_key, created_by, created_at)
		VALUES (?, 0, ?, ?, ?)
	`, name, key, a, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			// Lost the race: another connection created the pair room first.
			room, lookupErr := db.getRoomByPairKey(key)
			return room, false, lookupErr
		}
		return nil, false, err
	}
	roomID, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	for _, userID := range []int64{a, b} {
		if _, err := tx.Exec(`
			INSERT INTO RoomMember (room_id, user_id, added_at) VALUES (?, ?, ?)
		`, roomID, userID, now); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	room, err = db.GetRoom(roomID)
	return room, true, err
}

func (db *DB) getRoomByPairKey(key string) (*Room, error) {
	return db.scanRoom(db.conn.QueryRow(`
		SELECT id, name, description, is_group, pair_key, created_by, created_at
		FROM Room WHERE pair_key = ?
	`, key))
}

// CreateGroupRoom creates a named group and adds the creator as its first
// member.
func (db *DB) CreateGroupRoom(name, description string, createdBy int64) (*Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := nowMillis()
	res, err := tx.Exec(`
		INSERT INTO Room (name, description, is_group, created_by, created_at)
		VALUES (?, ?, 1, ?, ?)
	`, name, description, createdBy, now)
	if err != nil {
		return nil, err
	}
	roomID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		INSERT INTO RoomMember (room_id, user_id, added_at) VALUES (?, ?, ?)
	`, roomID, createdBy, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return db.GetRoom(roomID)
}

// GetRoom looks up a room by id.
func (db *DB) GetRoom(id int64) (*Room, error) {
	return db.scanRoom(db.conn.QueryRow(`
		SELECT id, name, description, is_group, pair_key, created_by, created_at
		FROM Room WHERE id = ?
	`, id))
}

func (db *DB) scanRoom(row *sql.Row) (*Room, error) {
	var r Room
	var pairKey sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsGroup, &pairKey, &r.CreatedBy, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	if pairKey.Valid {
		r.PairKey = &pairKey.String
	}
	return &r, nil
}

// UpdateRoom applies the non-nil fields to a group room.
func (db *DB) UpdateRoom(id int64, name, description *string) (*Room, error) {
	if name != nil {
		if _, err := db.conn.Exec(`UPDATE Room SET name = ? WHERE id = ?`, *name, id); err != nil {
			return nil, err
		}
	}
	if description != nil {
		if _, err := db.conn.Exec(`UPDATE Room SET description = ? WHERE id = ?`, *description, id); err != nil {
			return nil, err
		}
	}
	return db.GetRoom(id)
}

// AddMember adds a user to a room. Adding an existing member is a no-op.
func (db *DB) AddMember(roomID, userID int64) error {
	_, err := db.conn.Exec(`
		INSERT OR IGNORE INTO RoomMember (room_id, user_id, added_at) VALUES (?, ?, ?)
	`, roomID, userID, nowMillis())
	return err
}

// RemoveMember removes a user from a room.
func (db *DB) RemoveMember(roomID, userID int64) error {
	_, err := db.conn.Exec(`
		DELETE FROM RoomMember WHERE room_id = ? AND user_id = ?
	`, roomID, userID)
	return err
}

// IsMember reports whether the user is a member of the room. Membership is
// a persisted relation, never inferred from room existence.
func (db *DB) IsMember(roomID, userID int64) (bool, error) {
	var n int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM RoomMember WHERE room_id = ? AND user_id = ?
	`, roomID, userID).Scan(&n)
	return n > 0, err
}

// ListMembers returns the members of a room.
func (db *DB) ListMembers(roomID int64) ([]*User, error) {
	rows, err := db.conn.Query(`
		SELECT u.id, u.username, u.display_name, u.password_hash, u.created_at
		FROM RoomMember m JOIN User u ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY m.added_at ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// ListRoomsForUser returns every room the user is a member of.
func (db *DB) ListRoomsForUser(userID int64) ([]*Room, error) {
	rows, err := db.conn.Query(`
		SELECT r.id, r.name, r.description, r.is_group, r.pair_key, r.created_by, r.created_at
		FROM RoomMember m JOIN Room r ON r.id = m.room_id
		WHERE m.user_id = ?
		ORDER BY r.id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var r Room
		var pairKey sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsGroup, &pairKey, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		if pairKey.Valid {
			r.PairKey = &pairKey.String
		}
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

// PostMessage stores a new message and returns it with id and timestamp
// populated.
func (db *DB) PostMessage(roomID, authorID int64, authorName, msgType, content string, fileID *int64) (*Message, error) {
	var fileIDVal sql.NullInt64
	if fileID != nil {
		fileIDVal.Valid = true
		fileIDVal.Int64 = *fileID
	}

	now := nowMillis()
	res, err := db.conn.Exec(`
		INSERT INTO Message (room_id, author_id, author_name, type, content, file_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, roomID, authorID, authorName, msgType, content, fileIDVal, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return db.GetMessage(id)
}

// GetMessage looks up a message by id. Soft-deleted messages are invisible.
func (db *DB) GetMessage(id int64) (*Message, error) {
	var m Message
	var fileID sql.NullInt64
	var editedAt sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT id, room_id, author_id, author_name, type, content, file_id, sent_at, edited_at, deleted
		FROM Message WHERE id = ? AND deleted = 0
	`, id).Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorName, &m.Type, &m.Content,
		&fileID, &m.SentAt, &editedAt, &m.Deleted)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if fileID.Valid {
		m.FileID = &fileID.Int64
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Int64
	}
	return &m, nil
}

// UpdateMessageContent replaces a message's content and stamps edited_at.
// Ownership is checked by the caller before mutation.
func (db *DB) UpdateMessageContent(id int64, content string) (*Message, error) {
	res, err := db.conn.Exec(`
		UPDATE Message SET content = ?, edited_at = ? WHERE id = ? AND deleted = 0
	`, content, nowMillis(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrMessageNotFound
	}
	return db.GetMessage(id)
}

// SoftDeleteMessage marks a message deleted without removing the row.
func (db *DB) SoftDeleteMessage(id int64) error {
	res, err := db.conn.Exec(`
		UPDATE Message SET deleted = 1 WHERE id = ? AND deleted = 0
	`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListMessages returns the most recent messages of a room, ordered by send
// time ascending. The limit caps how far back history reaches.
func (db *DB) ListMessages(roomID int64, limit int) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, room_id, author_id, author_name, type, content, file_id, sent_at, edited_at, deleted
		FROM (
			SELECT * FROM Message
			WHERE room_id = ? AND deleted = 0
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY sent_at ASC, id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var fileID sql.NullInt64
		var editedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorName, &m.Type, &m.Content,
			&fileID, &m.SentAt, &editedAt, &m.Deleted); err != nil {
			return nil, err
		}
		if fileID.Valid {
			m.FileID = &fileID.Int64
		}
		if editedAt.Valid {
			m.EditedAt = &editedAt.Int64
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// CreateFile records an uploaded blob's metadata.
func (db *DB) CreateFile(storedName, originalName string, size int64, mediaType string, uploadedBy, roomID int64) (int64, error) {
	res, err := db.conn.Exec(`
		INSERT INTO File (stored_name, original_name, size, media_type, uploaded_by, room_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, storedName, originalName, size, mediaType, uploadedBy, roomID, nowMillis())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetFile looks up a file record by id.
func (db *DB) GetFile(id int64) (*File, error) {
	var f File
	err := db.conn.QueryRow(`
		SELECT id, stored_name, original_name, size, media_type, uploaded_by, room_id, created_at
		FROM File WHERE id = ?
	`, id).Scan(&f.ID, &f.StoredName, &f.OriginalName, &f.Size, &f.MediaType,
		&f.UploadedBy, &f.RoomID, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
