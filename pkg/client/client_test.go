package client

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/pkg/protocol"
)

// fakeServer is a scripted peer: tests drive it line by line so each
// exchange is deterministic.
type fakeServer struct {
	t      *testing.T
	ln     net.Listener
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{t: t, ln: ln}
	t.Cleanup(func() {
		ln.Close()
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

// accept takes one connection and greets it.
func (s *fakeServer) accept() {
	s.t.Helper()
	conn, err := s.ln.Accept()
	require.NoError(s.t, err)
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	s.sendEnvelope(protocol.TagWelcome, protocol.ServerInfo{
		ServerName:      "fake",
		ProtocolVersion: protocol.ProtocolVersion,
		MaxFileSize:     1 << 20,
	})
}

func (s *fakeServer) sendEnvelope(tag string, data interface{}) {
	s.t.Helper()
	env, err := protocol.NewEnvelope(tag, data)
	require.NoError(s.t, err)
	line, err := protocol.EncodeEnvelope(env)
	require.NoError(s.t, err)
	_, err = s.conn.Write(line)
	require.NoError(s.t, err)
}

func (s *fakeServer) sendFailure(reason string) {
	s.t.Helper()
	line, err := protocol.EncodeEnvelope(protocol.FailureEnvelope(reason))
	require.NoError(s.t, err)
	_, err = s.conn.Write(line)
	require.NoError(s.t, err)
}

func (s *fakeServer) readLine() string {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.reader.ReadString('\n')
	require.NoError(s.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (s *fakeServer) readRaw(n int) []byte {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(s.reader, buf)
	require.NoError(s.t, err)
	return buf
}

func connectedPair(t *testing.T) (*SessionClient, *fakeServer) {
	t.Helper()
	srv := newFakeServer(t)

	accepted := make(chan struct{})
	go func() {
		srv.accept()
		close(accepted)
	}()

	c := NewSessionClient(srv.addr())
	c.SetResponseTimeout(5 * time.Second)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	<-accepted
	return c, srv
}

func TestConnectIsIdempotent(t *testing.T) {
	c, _ := connectedPair(t)
	assert.Equal(t, "fake", c.ServerInfo().ServerName)
	// A second Connect must not dial again.
	require.NoError(t, c.Connect())
}

func TestLoginRoundTrip(t *testing.T) {
	c, srv := connectedPair(t)

	go func() {
		line := srv.readLine()
		assert.Equal(t, "/login alice secret123", line)
		srv.sendEnvelope(protocol.TagLoginOK, protocol.LoginData{
			Profile: protocol.UserProfile{UserID: 7, Username: "alice"},
			Rooms:   []protocol.RoomInfo{{RoomID: 3, Name: "alice & bob"}},
		})
	}()

	data, err := c.Login("alice", "secret123")
	require.NoError(t, err)
	assert.Equal(t, int64(7), data.Profile.UserID)
	require.Len(t, data.Rooms, 1)
}

func TestFailureEnvelopeBecomesError(t *testing.T) {
	c, srv := connectedPair(t)

	go func() {
		srv.readLine()
		srv.sendFailure("User 'bob' not found")
	}()

	_, err := c.StartPrivateChat("bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "User 'bob' not found")
}

func TestServerPushesArriveAsEvents(t *testing.T) {
	c, srv := connectedPair(t)

	srv.sendEnvelope(protocol.TagNewMessage, protocol.ChatMessage{
		MessageID: 1, RoomID: 3, AuthorName: "bob",
		Type: protocol.MessageText, Content: "hey",
	})

	select {
	case env := <-c.Events():
		assert.Equal(t, protocol.TagNewMessage, env.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("push never reached the event channel")
	}
}

func TestUploadFileFlow(t *testing.T) {
	c, srv := connectedPair(t)

	content := bytes.Repeat([]byte("upload-data-"), 1000)
	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	received := make(chan []byte, 1)
	go func() {
		line := srv.readLine()
		assert.True(t, strings.HasPrefix(line, "/upload_file 3 report.txt "), "got %q", line)
		srv.sendEnvelope(protocol.TagUploadReady, protocol.TransferStart{
			FileName: "report.txt", FileSize: int64(len(content)),
		})
		received <- srv.readRaw(len(content))
		srv.sendEnvelope(protocol.TagUploadComplete, protocol.ChatMessage{
			MessageID: 10, RoomID: 3, Type: protocol.MessageText,
			Content: "report.txt", FileID: 5, FileSize: int64(len(content)),
		})
	}()

	msg, err := c.UploadFile(3, path, protocol.MessageText)
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.FileID)
	assert.True(t, bytes.Equal(content, <-received), "server received different bytes")

	// Listener is back: a push after the transfer still arrives.
	srv.sendEnvelope(protocol.TagNewMessage, protocol.ChatMessage{MessageID: 11, Content: "after"})
	select {
	case env := <-c.Events():
		assert.Equal(t, protocol.TagNewMessage, env.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not restart after upload")
	}
}

func TestDownloadFileFlow(t *testing.T) {
	c, srv := connectedPair(t)
	content := bytes.Repeat([]byte{0x00, 0xff, 0x7f, '\n'}, 5000) // binary incl. newlines

	go func() {
		line := srv.readLine()
		assert.Equal(t, "/download 5", line)
		srv.sendEnvelope(protocol.TagTransferStart, protocol.TransferStart{
			FileID: 5, FileName: "blob.bin", FileSize: int64(len(content)),
		})
		_, err := srv.conn.Write(content)
		assert.NoError(t, err)
		srv.sendEnvelope(protocol.TagTransferComplete, protocol.TransferDone{FileID: 5, Size: int64(len(content))})
	}()

	dest := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, c.DownloadFile(5, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got), "downloaded bytes differ")

	// Pushes resume after the raw window closes.
	srv.sendEnvelope(protocol.TagNewMessage, protocol.ChatMessage{MessageID: 12, Content: "later"})
	select {
	case <-c.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not restart after download")
	}
}

func TestDownloadFailureRemovesPartialFile(t *testing.T) {
	c, srv := connectedPair(t)
	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })

	go func() {
		srv.readLine()
		srv.sendEnvelope(protocol.TagTransferStart, protocol.TransferStart{
			FileID: 5, FileName: "blob.bin", FileSize: 100000,
		})
		// Half the promised bytes, then the connection dies.
		srv.conn.Write(make([]byte, 50000))
		srv.conn.Close()
	}()

	dest := filepath.Join(t.TempDir(), "blob.bin")
	err := c.DownloadFile(5, dest)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "partial download should be deleted")

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("connection-lost handler never fired")
	}
}

func TestDownloadRefusedKeepsSession(t *testing.T) {
	c, srv := connectedPair(t)

	go func() {
		srv.readLine()
		srv.sendFailure("File 42 not found")
		// Session continues: answer the next command too.
		srv.readLine()
		srv.sendEnvelope(protocol.TagUserChats, []protocol.RoomInfo{})
	}()

	err := c.DownloadFile(42, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File 42 not found")

	rooms, err := c.ListChats()
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestConnectionLostFiresOnce(t *testing.T) {
	c, srv := connectedPair(t)
	var calls atomic.Int32
	c.OnConnectionLost(func(error) { calls.Add(1) })

	srv.conn.Close()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	err := c.SendText("anyone?")
	assert.Error(t, err)
}

func TestCloseDoesNotFireConnectionLost(t *testing.T) {
	c, srv := connectedPair(t)
	var calls atomic.Int32
	c.OnConnectionLost(func(error) { calls.Add(1) })

	require.NoError(t, c.Close())
	_ = srv
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestPartialLineSurvivesDirectReadTimeout(t *testing.T) {
	c, srv := connectedPair(t)
	c.SetResponseTimeout(300 * time.Millisecond)
	var lost atomic.Int32
	c.OnConnectionLost(func(error) { lost.Add(1) })

	env, err := protocol.NewEnvelope(protocol.TagNewMessage, protocol.ChatMessage{
		MessageID: 3, RoomID: 1, AuthorName: "bob",
		Type: protocol.MessageText, Content: "split across reads",
	})
	require.NoError(t, err)
	line, err := protocol.EncodeEnvelope(env)
	require.NoError(t, err)

	sentHalf := make(chan struct{})
	go func() {
		srv.readLine()
		// Half an envelope line, then silence past the client's
		// response deadline.
		_, err := srv.conn.Write(line[:len(line)/2])
		assert.NoError(t, err)
		close(sentHalf)
	}()

	downloadErr := c.DownloadFile(7, filepath.Join(t.TempDir(), "never"))
	require.Error(t, downloadErr)
	<-sentHalf

	// Completing the line after the timeout must yield one whole
	// envelope on the restarted listener, not a framing error.
	_, err = srv.conn.Write(line[len(line)/2:])
	require.NoError(t, err)

	select {
	case got := <-c.Events():
		assert.Equal(t, protocol.TagNewMessage, got.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("completed line never arrived as an envelope")
	}
	assert.Zero(t, lost.Load())
}

func TestInlineDownloadReassembles(t *testing.T) {
	c, srv := connectedPair(t)
	content := bytes.Repeat([]byte("inline chunk payload "), 3000)

	go func() {
		line := srv.readLine()
		assert.Equal(t, "/download_inline 9", line)
		srv.sendEnvelope(protocol.TagTransferStart, protocol.TransferStart{
			FileID: 9, FileName: "notes.txt", FileSize: int64(len(content)),
		})
		for seq, off := 0, 0; off < len(content); seq++ {
			end := off + protocol.InlineChunkSize
			if end > len(content) {
				end = len(content)
			}
			srv.sendEnvelope(protocol.TagTransferChunk, protocol.ChunkPayload(9, seq, content[off:end]))
			off = end
		}
		srv.sendEnvelope(protocol.TagTransferComplete, protocol.TransferDone{FileID: 9, Size: int64(len(content))})
	}()

	got, err := c.DownloadInline(9)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got), "inline reassembly differs")
}

func TestSendTextRejectsCommandsAndNewlines(t *testing.T) {
	c, _ := connectedPair(t)
	assert.Error(t, c.SendText("multi\nline"))
	assert.Error(t, c.SendText("/login sneaky pw"))
}
