package server

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/parley-chat/parley/pkg/database"
	"github.com/parley-chat/parley/pkg/protocol"
)

// downloadChunkSize is the sender-side write granularity for raw download
// streams. Chunk boundaries are invisible to the receiver, which counts
// bytes until fileSize is reached.
const downloadChunkSize = 32 * 1024

// dispatch routes one client line. Lines starting with the command sigil
// are dispatched by name; everything else is plaintext chat content for
// the session's current room.
func (s *Server) dispatch(sess *Session, line string) error {
	cmd, isCommand := protocol.ParseLine(line)
	if !isCommand {
		s.metrics.RecordCommand("plaintext")
		return s.handlePlaintext(sess, strings.TrimRight(line, "\r\n"))
	}

	debugLog.Printf("Session %d ← RECV: /%s (%d args)", sess.ID, cmd.Name, len(cmd.Args))
	s.metrics.RecordCommand(cmd.Name)

	switch cmd.Name {
	case protocol.CmdLogin:
		return s.handleLogin(sess, cmd)
	case protocol.CmdRegister:
		return s.handleRegister(sess, cmd)
	case protocol.CmdLogout:
		return s.handleLogout(sess, cmd)
	case protocol.CmdChat:
		return s.handleChat(sess, cmd)
	case protocol.CmdJoin:
		return s.handleJoin(sess, cmd)
	case protocol.CmdGetChats:
		return s.handleGetChats(sess, cmd)
	case protocol.CmdUploadFile:
		return s.handleUploadFile(sess, cmd)
	case protocol.CmdDownload:
		return s.handleDownload(sess, cmd)
	case protocol.CmdDownloadInline:
		return s.handleDownloadInline(sess, cmd)
	case protocol.CmdEditMessage:
		return s.handleEditMessage(sess, cmd)
	case protocol.CmdDeleteMessage:
		return s.handleDeleteMessage(sess, cmd)
	case protocol.CmdCreateGroup:
		return s.handleCreateGroup(sess, cmd)
	case protocol.CmdLeaveGroup:
		return s.handleLeaveGroup(sess, cmd)
	case protocol.CmdGroupInfo:
		return s.handleGroupInfo(sess, cmd)
	case protocol.CmdUpdateGroup:
		return s.handleUpdateGroup(sess, cmd)
	case protocol.CmdAddMember:
		return s.handleAddMember(sess, cmd)
	default:
		return protocol.Malformed("Unknown command /%s", cmd.Name)
	}
}

// requireAuth returns the session's user id or an AuthRequired error.
func (s *Server) requireAuth(sess *Session) (int64, error) {
	userID := sess.UserID()
	if userID == 0 {
		return 0, protocol.AuthRequired()
	}
	return userID, nil
}

// requireMembership checks the persisted membership relation.
func (s *Server) requireMembership(roomID, userID int64) error {
	ok, err := s.db.IsMember(roomID, userID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return protocol.NotAMember(roomID)
	}
	return nil
}

func profileOf(u *database.User) protocol.UserProfile {
	return protocol.UserProfile{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
	}
}

func roomInfoOf(r *database.Room) protocol.RoomInfo {
	return protocol.RoomInfo{
		RoomID:      r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsGroup:     r.IsGroup,
	}
}

func (s *Server) messageToWire(m *database.Message) protocol.ChatMessage {
	wire := protocol.ChatMessage{
		MessageID:  m.ID,
		RoomID:     m.RoomID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Type:       protocol.MessageType(m.Type),
		Content:    m.Content,
		SentAt:     m.SentAt,
	}
	if m.EditedAt != nil {
		wire.EditedAt = *m.EditedAt
	}
	if m.FileID != nil {
		wire.FileID = *m.FileID
		if f, err := s.db.GetFile(*m.FileID); err == nil {
			wire.FileName = f.OriginalName
			wire.FileSize = f.Size
		}
	}
	return wire
}

func (s *Server) historyOf(room *database.Room) (protocol.RoomHistory, error) {
	messages, err := s.db.ListMessages(room.ID, s.config.HistoryLimit)
	if err != nil {
		return protocol.RoomHistory{}, fmt.Errorf("list messages: %w", err)
	}
	history := protocol.RoomHistory{
		Room:     roomInfoOf(room),
		Messages: make([]protocol.ChatMessage, 0, len(messages)),
	}
	for _, m := range messages {
		history.Messages = append(history.Messages, s.messageToWire(m))
	}
	return history, nil
}

// enterRoom moves the session's directory registration to roomID,
// leaving any previously joined room.
func (s *Server) enterRoom(sess *Session, userID, roomID int64) {
	if prev := sess.CurrentRoomID(); prev != 0 && prev != roomID {
		s.directory.LeaveRoom(userID, prev, sess)
	}
	sess.SetCurrentRoom(roomID)
	s.directory.JoinRoom(userID, roomID, sess)
}

func (s *Server) handleLogin(sess *Session, cmd protocol.Command) error {
	if len(cmd.Args) < 2 {
		return protocol.Malformed("Usage: /login username password")
	}
	username, password := cmd.Args[0], cmd.Args[1]

	user, err := s.db.GetUserByUsername(username)
	if err == database.ErrUserNotFound {
		s.sendFailure(sess, "Invalid credentials")
		return nil
	}
	if err != nil {
		return fmt.Errorf("login lookup: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		debugLog.Printf("Session %d: password verification failed for %s", sess.ID, username)
		s.sendFailure(sess, "Invalid credentials")
		return nil
	}

	sess.SetAuthenticated(user.ID, user.Username, user.DisplayName)
	if superseded := s.directory.SetUserConnection(user.ID, sess); superseded != nil {
		debugLog.Printf("Session %d: superseded session %d for user %s", sess.ID, superseded.ID, username)
	}

	rooms, err := s.db.ListRoomsForUser(user.ID)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	data := protocol.LoginData{Profile: profileOf(user), Rooms: make([]protocol.RoomInfo, 0, len(rooms))}
	for _, r := range rooms {
		data.Rooms = append(data.Rooms, roomInfoOf(r))
	}

	debugLog.Printf("Session %d: login succeeded for %s (id=%d)", sess.ID, username, user.ID)
	return s.sendData(sess, protocol.TagLoginOK, data)
}

func (s *Server) handleRegister(sess *Session, cmd protocol.Command) error {
	if len(cmd.Args) < 2 {
		return protocol.Malformed("Usage: /register username password [displayName]")
	}
	username, password := cmd.Args[0], cmd.Args[1]
	displayName := cmd.Tail(2)
	if displayName == "" {
		displayName = username
	}

	if len(username) < s.config.MinUsernameLength {
		return protocol.Malformed("Username must be at least %d characters", s.config.MinUsernameLength)
	}
	if len(password) < s.config.MinPasswordLength {
		return protocol.Malformed("Password must be at least %d characters", s.config.MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userID, err := s.db.CreateUser(username, displayName, string(hash))
	if err == database.ErrUsernameTaken {
		s.sendFailure(sess, fmt.Sprintf("Username '%s' is already taken", username))
		return nil
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	debugLog.Printf("Session %d: registered %s (id=%d)", sess.ID, username, userID)
	return s.sendData(sess, protocol.TagRegistered, protocol.UserProfile{
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
	})
}

func (s *Server) handleLogout(sess *Session, _ protocol.Command) error {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return err
	}
	s.directory.RemoveUserConnection(userID, sess)
	sess.ClearAuth()
	return s.sendData(sess, protocol.TagLoggedOut, nil)
}

func (s *Server) handleChat(sess *Session, cmd protocol.Command) error {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return err
	}
	if len(cmd.Args) < 1 {
		return protocol.Malformed("Usage: /chat username")
	}
	targetName := cmd.Args[0]
	if targetName == sess.Username() {
		return protocol.Malformed("You cannot start a private chat with yourself")
	}

	target, err := s.db.GetUserByUsername(targetName)
	if err == database.ErrUserNotFound {
		return protocol.NotFound("User '%s' not found", targetName)
	}
	if err != nil {
		return fmt.Errorf("chat lookup: %w", err)
	}

	// Lookup-or-create is idempotent: the same unordered pair always
	// resolves to the same room, in either direction.
	name := fmt.Sprintf("%s & %s", sess.Username(), target.Username)
	room, created, err := s.db.GetOrCreatePrivateRoom(userID, target.ID, name)
	if err != nil {
		return fmt.Errorf("pair room: %w", err)
	}
	if created {
		debugLog.Printf("Session %d: created private room %d for (%d,%d)", sess.ID, room.ID, userID, target.ID)
	}

	s.enterRoom(sess, userID, room.ID)

	// An online target is joined the same way the caller is: current
	// room set and live room set, so they can reply without /join.
	if targetSess := s.directory.ConnectionForUser(target.ID); targetSess != nil {
		s.enterRoom(targetSess, target.ID, room.ID)
		if err := s.sendData(targetSess, protocol.TagPrivateChat, roomInfoOf(room)); err != nil {
			s.removeSession(targetSess)
		}
	}

	history, err := s.historyOf(room)
	if err != nil {
		return err
	}
	return s.sendData(sess, protocol.TagPrivateChatReady, history)
}

func (s *Server) handleJoin(sess *Session, cmd protocol.Command) error {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return err
	}
	roomID, err := cmd.IntArg(0)
	if err != nil {
		return err
	}

	room, err := s.db.GetRoom(roomID)
	if err == database.ErrRoomNotFound {
		return protocol.NotFound("Room %d not found", roomID)
	}
	if err != nil {
		return fmt.Errorf("join lookup: %w", err)
	}
	if err := s.requireMembership(roomID, userID); err != nil {
		return err
	}

	s.enterRoom(sess, userID, roomID)

	history, err := s.historyOf(room)
	if err != nil {
		return err
	}
	return s.sendData(sess, protocol.TagRoomJoined, history)
}

func (s *Server) handleGetChats(sess *Session, _ protocol.Command) error {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return err
	}
	rooms, err := s.db.ListRoomsForUser(userID)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	infos := make([]protocol.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, roomInfoOf(r))
	}
	return s.sendData(sess, protocol.TagUserChats, infos)
}

func (s *Server) handlePlaintext(sess *Session, content string) error {
	if content == "" {
		return nil
	}
	userID, err := s.requireAuth(sess)
	if err != nil {
		return err
	}
	roomID := sess.CurrentRoomID()
	if roomID == 0 {
		return protocol.Malformed("Join a room before sending messages")
	}
	if len(content) > s.config.MaxMessageLength {
		return protocol.Malformed("Message exceeds maximum length of %d bytes", s.config.MaxMessageLength)
	}

	msg, err := s.db.PostMessage(roomID, userID, sess.Username(), string(protocol.MessageText), content, nil)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}

	s.broadcastToRoom(roomID, protocol.TagNewMessage, s.messageToWire(msg), 0)
	return nil
}

func (s *Server) handleUploadFile(sess *Session, cmd protocol.Command) error {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return err
	}
	if len(cmd.Args) < 4 {
		return protocol.Malformed("Usage: /upload_file roomId fileName fileSize messageType")
	}
	roomID, err := cmd.IntArg(0)
	if err != nil {
		return err
	}
	fileName := cmd.Args[1]
	fileSize, err := cmd.IntArg(2)
	if err != nil {
		return err
	}
	declared := protocol.MessageType(cmd.Args[3])

	if fileName == "" {
		return protocol.Malformed("File name must not be empty")
	}
	if fileSize < 0 || fileSize > s.config.MaxFileSize {
		return protocol.Malformed("File size must be between 0 and %d bytes", s.config.MaxFileSize)
	}
	if err := s.requireMembership(roomID, userID); err != nil {
		return err
	}

	// The extension wins over the declared type for known media
	// extensions, so a mislabeled upload cannot render incorrectly.
	msgType := protocol.ClassifyMessageType(fileName, declared)

	if err := s.sendData(sess, protocol.TagUploadReady, protocol.TransferStart{
		FileName: fileName,
		FileSize: fileSize,
	}); err != nil {
		return err
	}

	// RawTransfer: read exactly fileSize bytes off the session's own
	// buffered reader, bypassing line framing. The session loop is
	// blocked here, so no line read can race with the byte count.
	sess.setMode(RawMode)
	defer sess.setMode(LineMode)

	timeout := time.Duration(s.config.TransferTimeoutSeconds) * time.Second
	sess.Conn.SetReadDeadline(time.Now().Add(timeout))
	storedName, err := s.store.Save(sess.Reader, fileSize, fileName)
	sess.Conn.SetReadDeadline(time.Time{})
	if err != nil {
		// Unknown quantity of raw bytes consumed: line framing on this
		// connection is unrecoverable.
		s.metrics.RecordTransferFailure()
		return fmt.Errorf("upload stream failed after ready: %w", err)
	}
	s.metrics.RecordTransferBytes("upload", fileSize)

	fileID, err := s.db.CreateFile(storedName, fileName, fileSize, string(msgType), userID, roomID)
	if err != nil {
		return fmt.Errorf("record file: %w", err)
	}
	msg, err := s.db.PostMessage(roomID, userID, sess.Username(), string(msgType), fileName, &fileID)
	if err != nil {
		return fmt.Errorf("post file message: %w", err)
	}

	wire := s.messageToWire(msg)
	if err := s.sendData(sess, protocol.TagUploadComplete, wire); err != nil {
		return err
	}
	s.broadcastToRoom(roomID, protocol.TagNewMessage, wire, userID)
	return nil
}

// openFileForTransfer runs the shared download checks and opens the blob.
func (s *Server) openFileForTransfer(sess *Session, cmd protocol.Command) (*database.File, io.ReadCloser, error) {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return nil, nil, err
	}
	fileID, err := cmd.IntArg(0)
	if err != nil {
		return nil, nil, err
	}

	file, err := s.db.GetFile(fileID)
	if err == database.ErrFileNotFound {
		return nil, nil, protocol.NotFound("File %d not found", fileID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("file lookup: %w", err)
	}
	if err := s.requireMembership(file.RoomID, userID); err != nil {
		return nil, nil, err
	}

	blob, size, err := s.store.Open(file.StoredName)
	if err != nil {
		return nil, nil, protocol.NotFound("File %d is no longer available", fileID)
	}
	if size != file.Size {
		blob.Close()
		return nil, nil, protocol.NewWireError(protocol.ErrTransferIOFailure, "File %d is corrupted", fileID)
	}
	return file, blob, nil
}

func (s *Server) handleDownload(sess *Session, cmd protocol.Command) error {
	file, blob, err := s.openFileForTransfer(sess, cmd)
	if err != nil {
		return err
	}
	defer blob.Close()

	header, err := protocol.NewEnvelope(protocol.TagTransferStart, protocol.TransferStart{
		FileID:   file.ID,
		FileName: file.OriginalName,
		FileSize: file.Size,
	})
	if err != nil {
		return err
	}
	headerLine, err := protocol.EncodeEnvelope(header)
	if err != nil {
		return err
	}
	doneEnv, err := protocol.NewEnvelope(protocol.TagTransferComplete, protocol.TransferDone{FileID: file.ID, Size: file.Size})
	if err != nil {
		return err
	}
	completeLine, err := protocol.EncodeEnvelope(doneEnv)
	if err != nil {
		return err
	}

	// The header, the counted byte stream, and the completion line are
	// written as one uninterruptible sequence: the write lock is held
	// throughout, so a concurrent broadcast can never corrupt the byte
	// count the client is relying on.
	sess.setMode(RawMode)
	defer sess.setMode(LineMode)

	var streamed int64
	streamErr := sess.Conn.Raw(func(w io.Writer) error {
		if _, err := w.Write(headerLine); err != nil {
			return err
		}
		buf := make([]byte, downloadChunkSize)
		for streamed < file.Size {
			want := int64(len(buf))
			if remaining := file.Size - streamed; remaining < want {
				want = remaining
			}
			n, readErr := blob.Read(buf[:want])
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return writeErr
				}
				streamed += int64(n)
			}
			if readErr != nil {
				if readErr == io.EOF && streamed == file.Size {
					break
				}
				return readErr
			}
		}
		_, err := w.Write(completeLine)
		return err
	})
	if streamErr != nil {
		s.metrics.RecordTransferFailure()
		s.sendFailureTag(sess, protocol.TagTransferFailed, streamErr.Error())
		if streamed > 0 || file.Size > 0 {
			// The client was promised file.Size bytes and the stream
			// broke partway: framing is unrecoverable, close the session.
			return fmt.Errorf("download stream failed after %d/%d bytes: %w", streamed, file.Size, streamErr)
		}
		return nil
	}

	s.metrics.RecordTransferBytes("download", file.Size)
	s.metrics.RecordEnvelopeSent(protocol.TagTransferStart)
	s.metrics.RecordEnvelopeSent(protocol.TagTransferComplete)
	return nil
}

func (s *Server) handleDownloadInline(sess *Session, cmd protocol.Command) error {
	file, blob, err := s.openFileForTransfer(sess, cmd)
	if err != nil {
		return err
	}
	defer blob.Close()

	if err := s.sendData(sess, protocol.TagTransferStart, protocol.TransferStart{
		FileID:   file.ID,
		FileName: file.OriginalName,
		FileSize: file.Size,
	}); err != nil {
		return err
	}

	// Inline transfers stay in line mode: the file travels as envelope
	// chunks, so the client's listener keeps running throughout.
	buf := make([]byte, protocol.InlineChunkSize)
	var sent int64
	seq := 0
	for sent < file.Size {
		n, readErr := blob.Read(buf)
		if n > 0 {
			chunk := protocol.ChunkPayload(file.ID, seq, buf[:n])
			if err := s.sendData(sess, protocol.TagTransferChunk, chunk); err != nil {
				return err
			}
			sent += int64(n)
			seq++
		}
		if readErr != nil {
			if readErr == io.EOF && sent == file.Size {
				break
			}
			s.metrics.RecordTransferFailure()
			s.sendFailureTag(sess, protocol.TagTransferFailed, readErr.Error())
			return nil
		}
	}

	s.metrics.RecordTransferBytes("download", sent)
	return s.sendData(sess, protocol.TagTransferComplete, protocol.TransferDone{FileID: file.ID, Size: sent})
}

// sendFailureTag sends a failure envelope whose message is a transfer tag,
// carrying the reason as payload.
func (s *Server) sendFailureTag(sess *Session, tag, reason string) {
	env := protocol.FailureEnvelope(tag)
	if data, err := protocol.NewEnvelope(tag, map[string]string{"reason": reason}); err == nil {
		env.Data = data.Data
	}
	s.metrics.RecordEnvelopeSent(tag)
	if err := sess.Conn.SendEnvelope(env); err != nil {
		debugLog.Printf("Session %d: %s send failed: %v", sess.ID, tag, err)
	}
}

// loadOwnMessage fetches a message and enforces that sess's user wrote it.
func (s *Server) loadOwnMessage(sess *Session, cmd protocol.Command, action string) (*database.Message, error) {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return nil, err
	}
	messageID, err := cmd.IntArg(0)
	if err != nil {
		return nil, err
	}
	msg, err := s.db.GetMessage(messageID)
	if err == database.ErrMessageNotFound {
		return nil, protocol.NotFound("Message %d not found", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("message lookup: %w", err)
	}
	if msg.AuthorID != userID {
		return nil, protocol.OwnershipViolation(action)
	}
	return msg, nil
}

func (s *Server) handleEditMessage(sess *Session, cmd protocol.Command) error {
	msg, err := s.loadOwnMessage(sess, cmd, "edit a message")
	if err != nil {
		return err
	}
	newContent := cmd.Tail(1)
	if newContent == "" {
		return protocol.Malformed("Usage: /edit_message id newContent")
	}
	if len(newContent) > s.config.MaxMessageLength {
		return protocol.Malformed("Message exceeds maximum length of %d bytes", s.config.MaxMessageLength)
	}

	updated, err := s.db.UpdateMessageContent(msg.ID, newContent)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	wire := s.messageToWire(updated)
	if err := s.sendData(sess, protocol.TagMessageUpdated, wire); err != nil {
		return err
	}
	// All viewers converge on the edit.
	s.broadcastToRoom(msg.RoomID, protocol.TagMessageUpdated, wire, sess.UserID())
	return nil
}

func (s *Server) handleDeleteMessage(sess *Session, cmd protocol.Command) error {
	msg, err := s.loadOwnMessage(sess, cmd, "delete a message")
	if err != nil {
		return err
	}
	if err := s.db.SoftDeleteMessage(msg.ID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	ref := protocol.MessageRef{MessageID: msg.ID, RoomID: msg.RoomID}
	if err := s.sendData(sess, protocol.TagMessageDeleted, ref); err != nil {
		return err
	}
	s.broadcastToRoom(msg.RoomID, protocol.TagMessageDeleted, ref, sess.UserID())
	return nil
}

func (s *Server) handleCreateGroup(sess *Session, cmd protocol.Command) error {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return err
	}
	name := cmd.Tail(0)
	if name == "" {
		return protocol.Malformed("Usage: /creategroup name")
	}
	if len(name) > 64 {
		return protocol.Malformed("Group name must be at most 64 characters")
	}

	room, err := s.db.CreateGroupRoom(name, "", userID)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	debugLog.Printf("Session %d: created group %d (%s)", sess.ID, room.ID, name)
	return s.sendData(sess, protocol.TagGroupCreated, roomInfoOf(room))
}

// loadGroup fetches a group room and checks the caller's membership.
func (s *Server) loadGroup(sess *Session, cmd protocol.Command) (*database.Room, int64, error) {
	userID, err := s.requireAuth(sess)
	if err != nil {
		return nil, 0, err
	}
	roomID, err := cmd.IntArg(0)
	if err != nil {
		return nil, 0, err
	}
	room, err := s.db.GetRoom(roomID)
	if err == database.ErrRoomNotFound {
		return nil, 0, protocol.NotFound("Group %d not found", roomID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("group lookup: %w", err)
	}
	if !room.IsGroup {
		return nil, 0, protocol.Malformed("Room %d is not a group", roomID)
	}
	if err := s.requireMembership(roomID, userID); err != nil {
		return nil, 0, err
	}
	return room, userID, nil
}

func (s *Server) handleLeaveGroup(sess *Session, cmd protocol.Command) error {
	room, userID, err := s.loadGroup(sess, cmd)
	if err != nil {
		return err
	}

	if err := s.db.RemoveMember(room.ID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	s.directory.LeaveRoom(userID, room.ID, sess)
	if sess.CurrentRoomID() == room.ID {
		sess.SetCurrentRoom(0)
	}

	if err := s.sendData(sess, protocol.TagGroupLeft, nil); err != nil {
		return err
	}
	s.broadcastToRoom(room.ID, protocol.TagMemberLeft, protocol.MemberChange{
		RoomID:   room.ID,
		UserID:   userID,
		Username: sess.Username(),
	}, userID)
	return nil
}

func (s *Server) handleGroupInfo(sess *Session, cmd protocol.Command) error {
	room, _, err := s.loadGroup(sess, cmd)
	if err != nil {
		return err
	}
	members, err := s.db.ListMembers(room.ID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	detail := protocol.GroupDetail{
		Room:    roomInfoOf(room),
		Members: make([]protocol.UserProfile, 0, len(members)),
	}
	for _, u := range members {
		detail.Members = append(detail.Members, profileOf(u))
	}
	return s.sendData(sess, protocol.TagGroupInfo, detail)
}

func (s *Server) handleUpdateGroup(sess *Session, cmd protocol.Command) error {
	room, userID, err := s.loadGroup(sess, cmd)
	if err != nil {
		return err
	}
	updates, err := protocol.ParseGroupUpdates(cmd.Tail(1))
	if err != nil {
		return err
	}
	if updates.Name != nil && *updates.Name == "" {
		return protocol.Malformed("Group name must not be empty")
	}

	updated, err := s.db.UpdateRoom(room.ID, updates.Name, updates.Description)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}

	info := roomInfoOf(updated)
	if err := s.sendData(sess, protocol.TagGroupUpdated, info); err != nil {
		return err
	}
	s.broadcastToRoom(room.ID, protocol.TagGroupUpdated, info, userID)
	return nil
}

func (s *Server) handleAddMember(sess *Session, cmd protocol.Command) error {
	room, userID, err := s.loadGroup(sess, cmd)
	if err != nil {
		return err
	}
	if len(cmd.Args) < 2 {
		return protocol.Malformed("Usage: /addmember groupId username")
	}
	targetName := cmd.Args[1]

	target, err := s.db.GetUserByUsername(targetName)
	if err == database.ErrUserNotFound {
		return protocol.NotFound("User '%s' not found", targetName)
	}
	if err != nil {
		return fmt.Errorf("member lookup: %w", err)
	}

	if err := s.db.AddMember(room.ID, target.ID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}

	change := protocol.MemberChange{RoomID: room.ID, UserID: target.ID, Username: target.Username}
	if err := s.sendData(sess, protocol.TagMemberAdded, change); err != nil {
		return err
	}
	s.broadcastToRoom(room.ID, protocol.TagMemberAdded, change, userID)

	// The new member is not in the room's live set yet, so tell them
	// directly if they are online.
	if targetSess := s.directory.ConnectionForUser(target.ID); targetSess != nil {
		if err := s.sendData(targetSess, protocol.TagMemberAdded, change); err != nil {
			s.removeSession(targetSess)
		}
	}
	return nil
}
