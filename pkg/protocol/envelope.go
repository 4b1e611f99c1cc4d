package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxLineSize is the maximum allowed envelope line length (1 MB).
	// Raw file payloads are not line-framed and are exempt.
	MaxLineSize = 1024 * 1024

	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
)

var (
	ErrLineTooLong   = errors.New("envelope line exceeds maximum size (1 MB)")
	ErrUnknownTag    = errors.New("unknown envelope tag")
	ErrEmptyEnvelope = errors.New("empty envelope line")
)

// Envelope is the server-to-client wire message. Message doubles as the
// dispatch tag: its value alone determines the shape of Data. Consumers
// must switch on the tag, never on Success alone.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Envelope tags. Each tag maps to exactly one Data payload shape
// (see DecodeData).
const (
	TagWelcome          = "Welcome"
	TagLoginOK          = "Login successful"
	TagRegistered       = "Registration successful"
	TagLoggedOut        = "Logged out"
	TagUserChats        = "User chats"
	TagRoomJoined       = "Room joined"
	TagPrivateChatReady = "Private chat ready"
	TagPrivateChat      = "Private chat"
	TagNewMessage       = "New message"
	TagMessageUpdated   = "Message updated"
	TagMessageDeleted   = "Message deleted"
	TagGroupCreated     = "Group created"
	TagGroupLeft        = "Group left"
	TagGroupInfo        = "Group info"
	TagGroupUpdated     = "Group updated"
	TagMemberAdded      = "Member added"
	TagMemberLeft       = "Member left"
	TagUploadReady      = "UPLOAD_READY"
	TagUploadComplete   = "Upload complete"
	TagTransferStart    = "FILE_TRANSFER_START"
	TagTransferChunk    = "FILE_TRANSFER_CHUNK"
	TagTransferComplete = "FILE_TRANSFER_COMPLETE"
	TagTransferFailed   = "FILE_TRANSFER_FAILED"
	TagShutdown         = "Server shutting down"
)

// MessageType classifies a chat message's content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
	MessageFile  MessageType = "file"
)

// UserProfile describes a registered user.
type UserProfile struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// RoomInfo describes a chat room (private pair or group).
type RoomInfo struct {
	RoomID      int64  `json:"roomId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsGroup     bool   `json:"isGroup"`
}

// LoginData is the payload of TagLoginOK: the full profile plus the
// caller's room list.
type LoginData struct {
	Profile UserProfile `json:"profile"`
	Rooms   []RoomInfo  `json:"rooms"`
}

// ChatMessage is a single message as seen on the wire.
type ChatMessage struct {
	MessageID  int64       `json:"messageId"`
	RoomID     int64       `json:"roomId"`
	AuthorID   int64       `json:"authorId"`
	AuthorName string      `json:"authorName"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	FileID     int64       `json:"fileId,omitempty"`
	FileName   string      `json:"fileName,omitempty"`
	FileSize   int64       `json:"fileSize,omitempty"`
	SentAt     int64       `json:"sentAt"`
	EditedAt   int64       `json:"editedAt,omitempty"`
}

// RoomHistory is the payload of TagRoomJoined and TagPrivateChatReady:
// the room plus its message history ordered by send time ascending.
type RoomHistory struct {
	Room     RoomInfo      `json:"room"`
	Messages []ChatMessage `json:"messages"`
}

// GroupDetail is the payload of TagGroupInfo.
type GroupDetail struct {
	Room    RoomInfo      `json:"room"`
	Members []UserProfile `json:"members"`
}

// MemberChange is the payload of TagMemberAdded and TagMemberLeft.
type MemberChange struct {
	RoomID   int64  `json:"roomId"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// MessageRef is the payload of TagMessageDeleted.
type MessageRef struct {
	MessageID int64 `json:"messageId"`
	RoomID    int64 `json:"roomId"`
}

// TransferStart announces a file transfer. The receiver must read exactly
// FileSize raw bytes (TagTransferStart before a raw stream) or concatenate
// chunk payloads until TagTransferComplete (inline transfers).
type TransferStart struct {
	FileID   int64  `json:"fileId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// TransferChunk carries one inline file chunk. Data is base64 on the wire
// (encoding/json does this for []byte) and LZ4-compressed when Compressed
// is set. Chunk boundaries carry no meaning: the receiver reconstructs the
// file by concatenating decompressed payloads in Seq order.
type TransferChunk struct {
	FileID     int64  `json:"fileId"`
	Seq        int    `json:"seq"`
	Data       []byte `json:"data"`
	Compressed bool   `json:"compressed,omitempty"`
}

// TransferDone is the payload of TagTransferComplete.
type TransferDone struct {
	FileID int64 `json:"fileId"`
	Size   int64 `json:"size"`
}

// ServerInfo is the payload of TagWelcome, sent once on connect.
type ServerInfo struct {
	ServerName      string `json:"serverName"`
	ProtocolVersion int    `json:"protocolVersion"`
	MaxFileSize     int64  `json:"maxFileSize"`
}

// NewEnvelope builds a success envelope with an encoded payload.
func NewEnvelope(tag string, data interface{}) (Envelope, error) {
	env := Envelope{Success: true, Message: tag}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %q payload: %w", tag, err)
		}
		env.Data = raw
	}
	return env, nil
}

// FailureEnvelope builds a failure envelope from a reason string.
func FailureEnvelope(reason string) Envelope {
	return Envelope{Success: false, Message: reason}
}

// EncodeEnvelope serializes an envelope as one newline-terminated JSON line.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	line, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(line)+1 > MaxLineSize {
		return nil, ErrLineTooLong
	}
	return append(line, '\n'), nil
}

// DecodeEnvelope parses one envelope line (trailing newline optional).
func DecodeEnvelope(line []byte) (Envelope, error) {
	if len(line) > MaxLineSize {
		return Envelope{}, ErrLineTooLong
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Message == "" {
		return Envelope{}, ErrEmptyEnvelope
	}
	return env, nil
}

// ReadEnvelope reads one envelope line from a buffered reader.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			// Partial trailing line: treat as a broken stream.
			return Envelope{}, io.ErrUnexpectedEOF
		}
		return Envelope{}, err
	}
	return DecodeEnvelope(line)
}

// DecodeData decodes an envelope's payload into the one concrete type its
// tag maps to. Failure envelopes and tags without payloads return nil.
// Tags this peer does not know are an error, not a silent pass-through.
func DecodeData(env Envelope) (interface{}, error) {
	if !env.Success {
		return nil, nil
	}

	decode := func(v interface{}) (interface{}, error) {
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("tag %q: missing payload", env.Message)
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return nil, fmt.Errorf("tag %q: %w", env.Message, err)
		}
		return v, nil
	}

	switch env.Message {
	case TagWelcome:
		return decode(&ServerInfo{})
	case TagLoginOK:
		return decode(&LoginData{})
	case TagRegistered:
		return decode(&UserProfile{})
	case TagUserChats:
		return decode(&[]RoomInfo{})
	case TagRoomJoined, TagPrivateChatReady:
		return decode(&RoomHistory{})
	case TagPrivateChat, TagGroupCreated:
		return decode(&RoomInfo{})
	case TagNewMessage, TagMessageUpdated, TagUploadComplete:
		return decode(&ChatMessage{})
	case TagMessageDeleted:
		return decode(&MessageRef{})
	case TagGroupInfo:
		return decode(&GroupDetail{})
	case TagGroupUpdated:
		return decode(&RoomInfo{})
	case TagMemberAdded, TagMemberLeft:
		return decode(&MemberChange{})
	case TagTransferStart, TagUploadReady:
		return decode(&TransferStart{})
	case TagTransferChunk:
		return decode(&TransferChunk{})
	case TagTransferComplete:
		return decode(&TransferDone{})
	case TagLoggedOut, TagGroupLeft, TagTransferFailed, TagShutdown:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, env.Message)
	}
}

// ClassifyMessageType resolves the effective message type for an upload.
// For known image/audio/video extensions the extension wins over the
// declared type, so a mislabeled upload cannot render incorrectly. Unknown
// extensions declared as a media type are clamped to the generic file type
// instead of trusting the declaration.
func ClassifyMessageType(fileName string, declared MessageType) MessageType {
	ext := ""
	for i := len(fileName) - 1; i >= 0; i-- {
		if fileName[i] == '.' {
			ext = fileName[i:]
			break
		}
		if fileName[i] == '/' || fileName[i] == '\\' {
			break
		}
	}

	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return MessageImage
	case ".mp3", ".wav", ".ogg", ".flac", ".m4a":
		return MessageAudio
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return MessageVideo
	}

	switch declared {
	case MessageImage, MessageAudio, MessageVideo:
		// Declared media type without a recognized extension is not trusted.
		return MessageFile
	case MessageText:
		return MessageText
	default:
		return MessageFile
	}
}
