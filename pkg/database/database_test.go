package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestUser(t *testing.T, db *DB, username string) int64 {
	t.Helper()
	id, err := db.CreateUser(username, username, "hash")
	require.NoError(t, err)
	return id
}

func TestCreateUserUniqueness(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateUser("alice", "Alice", "hash1")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	_, err = db.CreateUser("alice", "Other Alice", "hash2")
	require.ErrorIs(t, err, ErrUsernameTaken)

	// Username collisions are case-sensitive: "Alice" is a new account.
	_, err = db.CreateUser("Alice", "Upper Alice", "hash3")
	require.NoError(t, err)
}

func TestGetUser(t *testing.T) {
	db := openTestDB(t)
	id := createTestUser(t, db, "alice")

	byName, err := db.GetUserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	byID, err := db.GetUserByID(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	_, err = db.GetUserByUsername("bob")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetOrCreatePrivateRoomIdempotent(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	room1, created, err := db.GetOrCreatePrivateRoom(alice, bob, "alice & bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, room1.IsGroup)

	// Same pair, same direction.
	room2, created, err := db.GetOrCreatePrivateRoom(alice, bob, "alice & bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, room1.ID, room2.ID)

	// Same pair, reversed direction.
	room3, created, err := db.GetOrCreatePrivateRoom(bob, alice, "bob & alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, room1.ID, room3.ID)

	// Both users are members from the start.
	for _, userID := range []int64{alice, bob} {
		ok, err := db.IsMember(room1.ID, userID)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// A different pair gets a different room.
	carol := createTestUser(t, db, "carol")
	room4, created, err := db.GetOrCreatePrivateRoom(alice, carol, "alice & carol")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, room1.ID, room4.ID)
}

func TestGroupMembership(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	room, err := db.CreateGroupRoom("plans", "weekend plans", alice)
	require.NoError(t, err)
	assert.True(t, room.IsGroup)

	ok, err := db.IsMember(room.ID, alice)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.IsMember(room.ID, bob)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.AddMember(room.ID, bob))
	// Adding again is a no-op.
	require.NoError(t, db.AddMember(room.ID, bob))

	members, err := db.ListMembers(room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, db.RemoveMember(room.ID, bob))
	ok, err = db.IsMember(room.ID, bob)
	require.NoError(t, err)
	assert.False(t, ok)

	rooms, err := db.ListRoomsForUser(alice)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].ID)
}

func TestUpdateRoom(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	room, err := db.CreateGroupRoom("plans", "", alice)
	require.NoError(t, err)

	name := "better plans"
	desc := "now with a description"
	updated, err := db.UpdateRoom(room.ID, &name, &desc)
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, desc, updated.Description)

	// Nil fields stay untouched.
	updated, err = db.UpdateRoom(room.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
}

func TestMessageLifecycle(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	room, err := db.CreateGroupRoom("plans", "", alice)
	require.NoError(t, err)

	msg, err := db.PostMessage(room.ID, alice, "alice", "text", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Greater(t, msg.SentAt, int64(0))

	updated, err := db.UpdateMessageContent(msg.ID, "hello, edited")
	require.NoError(t, err)
	assert.Equal(t, "hello, edited", updated.Content)
	require.NotNil(t, updated.EditedAt)

	require.NoError(t, db.SoftDeleteMessage(msg.ID))
	_, err = db.GetMessage(msg.ID)
	require.ErrorIs(t, err, ErrMessageNotFound)

	// Deleting twice fails with not-found, the row is already invisible.
	require.ErrorIs(t, db.SoftDeleteMessage(msg.ID), ErrMessageNotFound)
}

func TestListMessagesOrderedAscending(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	room, err := db.CreateGroupRoom("plans", "", alice)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := db.PostMessage(room.ID, alice, "alice", "text", string(rune('a'+i)), nil)
		require.NoError(t, err)
	}

	messages, err := db.ListMessages(room.ID, 100)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i := 1; i < len(messages); i++ {
		assert.LessOrEqual(t, messages[i-1].SentAt, messages[i].SentAt)
		assert.Less(t, messages[i-1].ID, messages[i].ID)
	}

	// The limit keeps the most recent messages, still ascending.
	messages, err = db.ListMessages(room.ID, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "d", messages[0].Content)
	assert.Equal(t, "e", messages[1].Content)
}

func TestFileRecords(t *testing.T) {
	db := openTestDB(t)
	alice := createTestUser(t, db, "alice")
	room, err := db.CreateGroupRoom("plans", "", alice)
	require.NoError(t, err)

	fileID, err := db.CreateFile("ab12cd.png", "cat.png", 2048, "image", alice, room.ID)
	require.NoError(t, err)

	f, err := db.GetFile(fileID)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", f.OriginalName)
	assert.Equal(t, int64(2048), f.Size)
	assert.Equal(t, room.ID, f.RoomID)

	_, err = db.GetFile(9999)
	require.ErrorIs(t, err, ErrFileNotFound)

	// A message referencing the file carries it through.
	msg, err := db.PostMessage(room.ID, alice, "alice", "image", "cat.png", &fileID)
	require.NoError(t, err)
	require.NotNil(t, msg.FileID)
	assert.Equal(t, fileID, *msg.FileID)
}
