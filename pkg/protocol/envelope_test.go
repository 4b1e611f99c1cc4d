package protocol

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		data interface{}
		want interface{}
	}{
		{
			name: "login data",
			tag:  TagLoginOK,
			data: LoginData{
				Profile: UserProfile{UserID: 7, Username: "alice", DisplayName: "Alice"},
				Rooms:   []RoomInfo{{RoomID: 3, Name: "general", IsGroup: true}},
			},
			want: &LoginData{
				Profile: UserProfile{UserID: 7, Username: "alice", DisplayName: "Alice"},
				Rooms:   []RoomInfo{{RoomID: 3, Name: "general", IsGroup: true}},
			},
		},
		{
			name: "new message",
			tag:  TagNewMessage,
			data: ChatMessage{MessageID: 1, RoomID: 3, AuthorID: 7, AuthorName: "alice", Type: MessageText, Content: "hi", SentAt: 1234},
			want: &ChatMessage{MessageID: 1, RoomID: 3, AuthorID: 7, AuthorName: "alice", Type: MessageText, Content: "hi", SentAt: 1234},
		},
		{
			name: "transfer start",
			tag:  TagTransferStart,
			data: TransferStart{FileID: 9, FileName: "cat.png", FileSize: 2048},
			want: &TransferStart{FileID: 9, FileName: "cat.png", FileSize: 2048},
		},
		{
			name: "message deleted",
			tag:  TagMessageDeleted,
			data: MessageRef{MessageID: 5, RoomID: 3},
			want: &MessageRef{MessageID: 5, RoomID: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.tag, tt.data)
			require.NoError(t, err)

			line, err := EncodeEnvelope(env)
			require.NoError(t, err)
			assert.Equal(t, byte('\n'), line[len(line)-1])

			decoded, err := DecodeEnvelope(line)
			require.NoError(t, err)
			assert.True(t, decoded.Success)
			assert.Equal(t, tt.tag, decoded.Message)

			payload, err := DecodeData(decoded)
			require.NoError(t, err)
			assert.Equal(t, tt.want, payload)
		})
	}
}

func TestDecodeDataUnknownTag(t *testing.T) {
	env := Envelope{Success: true, Message: "No such tag"}
	_, err := DecodeData(env)
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeDataFailureEnvelope(t *testing.T) {
	env := FailureEnvelope("User 'bob' not found")
	payload, err := DecodeData(env)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.False(t, env.Success)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json\n"))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte("{}\n"))
	require.ErrorIs(t, err, ErrEmptyEnvelope)
}

func TestReadEnvelope(t *testing.T) {
	env, err := NewEnvelope(TagWelcome, ServerInfo{ServerName: "test", ProtocolVersion: 1, MaxFileSize: 64})
	require.NoError(t, err)
	line, err := EncodeEnvelope(env)
	require.NoError(t, err)

	r := bufio.NewReader(strings.NewReader(string(line)))
	got, err := ReadEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, TagWelcome, got.Message)

	// Partial trailing line is a broken stream, not a valid envelope.
	r = bufio.NewReader(strings.NewReader(`{"success":true`))
	_, err = ReadEnvelope(r)
	require.Error(t, err)
}

func TestClassifyMessageType(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		declared MessageType
		want     MessageType
	}{
		{"extension wins over declared", "photo.png", MessageText, MessageImage},
		{"mislabeled audio", "song.mp3", MessageImage, MessageAudio},
		{"video extension", "clip.mkv", MessageFile, MessageVideo},
		{"unknown extension declared image is clamped", "data.bin", MessageImage, MessageFile},
		{"uppercase extension", "photo.PNG", MessageFile, MessageImage},
		{"mixed case extension", "clip.MoV", MessageText, MessageVideo},
		{"unknown extension declared text", "notes.txt2", MessageText, MessageText},
		{"no extension", "README", MessageFile, MessageFile},
		{"dot in directory only", "v1.2/archive", MessageFile, MessageFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMessageType(tt.fileName, tt.declared))
		})
	}
}

func TestWireErrorKinds(t *testing.T) {
	err := NotFound("User '%s' not found", "bob")
	assert.Equal(t, ErrNotFound, err.Kind)
	assert.Equal(t, "User 'bob' not found", err.Message)
	assert.Equal(t, "NotFound: User 'bob' not found", err.Error())

	assert.Equal(t, ErrAuthRequired, AuthRequired().Kind)
	assert.Equal(t, ErrOwnershipViolation, OwnershipViolation("edit this message").Kind)
	assert.Equal(t, ErrNotAMember, NotAMember(4).Kind)
}
