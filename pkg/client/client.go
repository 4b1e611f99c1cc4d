// Package client implements the Parley wire protocol from the connecting
// side: a SessionClient that speaks the line protocol, listens for server
// pushes in the background, and steps out of the way for raw file streams.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/protocol"
)

const (
	// listenerPollInterval bounds how long StopListener can take: the
	// listener re-checks its stop signal at least this often.
	listenerPollInterval = 200 * time.Millisecond

	defaultResponseTimeout = 10 * time.Second
	eventBufferSize        = 64
)

var (
	ErrNotConnected    = errors.New("client: not connected")
	ErrResponseTimeout = errors.New("client: timed out waiting for server response")
)

// SessionClient is a connection to a Parley server. It is safe for
// concurrent use: writes are serialized, and reads are owned either by the
// background listener or, during raw transfers, by the calling goroutine.
type SessionClient struct {
	addr    string
	timeout time.Duration

	mu        sync.Mutex // guards conn, reader, partial, connected
	conn      net.Conn
	reader    *bufio.Reader
	partial   string // line fragment carried across a listener stop
	connected bool

	writeMu sync.Mutex

	listenerMu sync.Mutex
	stopCh     chan struct{}
	doneCh     chan struct{}
	listening  bool

	responses chan protocol.Envelope
	events    chan protocol.Envelope

	lostMu   sync.Mutex
	lostOnce *sync.Once
	onLost   func(error)

	serverInfo protocol.ServerInfo
}

// NewSessionClient creates a client for the given server address. No
// connection is made until Connect.
func NewSessionClient(addr string) *SessionClient {
	return &SessionClient{
		addr:      addr,
		timeout:   defaultResponseTimeout,
		responses: make(chan protocol.Envelope, 8),
		events:    make(chan protocol.Envelope, eventBufferSize),
		lostOnce:  &sync.Once{},
	}
}

// SetResponseTimeout overrides how long command methods wait for a reply.
func (c *SessionClient) SetResponseTimeout(d time.Duration) {
	c.timeout = d
}

// OnConnectionLost registers a handler invoked at most once per
// connection when the transport dies unexpectedly.
func (c *SessionClient) OnConnectionLost(fn func(error)) {
	c.lostMu.Lock()
	defer c.lostMu.Unlock()
	c.onLost = fn
}

// Events delivers server pushes: new messages, edits, deletions,
// membership changes, private chat invitations, shutdown notices. Slow
// consumers lose events rather than stalling the listener.
func (c *SessionClient) Events() <-chan protocol.Envelope {
	return c.events
}

// ServerInfo returns the welcome data from the current connection.
func (c *SessionClient) ServerInfo() protocol.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Connect dials the server and consumes the welcome envelope. Calling
// Connect on an already connected client is a no-op.
func (c *SessionClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.addr, err)
	}

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	welcome, err := protocol.ReadEnvelope(reader)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Message != protocol.TagWelcome {
		conn.Close()
		return fmt.Errorf("unexpected greeting %q", welcome.Message)
	}
	if data, err := protocol.DecodeData(welcome); err == nil {
		c.serverInfo = *data.(*protocol.ServerInfo)
	}

	c.conn = conn
	c.reader = reader
	c.partial = ""
	c.connected = true
	c.lostMu.Lock()
	c.lostOnce = &sync.Once{}
	c.lostMu.Unlock()

	c.startListener()
	return nil
}

// Close shuts the connection down. The connection-lost handler does not
// fire for a deliberate close.
func (c *SessionClient) Close() error {
	c.lostMu.Lock()
	c.lostOnce.Do(func() {}) // disarm
	c.lostMu.Unlock()

	c.StopListener()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.conn.Close()
}

func (c *SessionClient) connectionLost(err error) {
	c.lostMu.Lock()
	once := c.lostOnce
	fn := c.onLost
	c.lostMu.Unlock()

	once.Do(func() {
		c.mu.Lock()
		if c.connected {
			c.connected = false
			c.conn.Close()
		}
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}

// startListener spawns the background reader. Caller must not hold
// listenerMu.
func (c *SessionClient) startListener() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if c.listening {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.listening = true
	go c.listenerLoop(c.stopCh, c.doneCh)
}

// StopListener signals the background reader and waits for it to exit.
// On return the caller owns the connection's read side; any partially
// read line is preserved for the next reader.
func (c *SessionClient) StopListener() {
	c.listenerMu.Lock()
	if !c.listening {
		c.listenerMu.Unlock()
		return
	}
	close(c.stopCh)
	done := c.doneCh
	c.listening = false
	c.listenerMu.Unlock()
	<-done
}

// StartListener resumes background reading after a raw transfer.
func (c *SessionClient) StartListener() {
	c.mu.Lock()
	ok := c.connected
	c.mu.Unlock()
	if ok {
		c.startListener()
	}
}

// listenerLoop reads envelopes until stopped or the connection dies. It
// polls with short read deadlines so a stop request is honored even when
// the server is silent, and it carries partial lines across timeouts so
// no bytes are ever dropped.
func (c *SessionClient) listenerLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			c.conn.SetReadDeadline(time.Time{})
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(listenerPollInterval))
		fragment, err := c.reader.ReadString('\n')
		if fragment != "" {
			c.partial += fragment
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-stopCh:
			default:
				c.connectionLost(err)
			}
			return
		}

		line := c.partial
		c.partial = ""
		env, err := protocol.DecodeEnvelope([]byte(line))
		if err != nil {
			c.connectionLost(fmt.Errorf("malformed server line: %w", err))
			return
		}
		c.route(env)
	}
}

// route sends server pushes to the event channel and everything else to
// the in-flight request, if any.
func (c *SessionClient) route(env protocol.Envelope) {
	if isPushTag(env.Message) {
		select {
		case c.events <- env:
		default:
		}
		return
	}
	select {
	case c.responses <- env:
	default:
	}
}

func isPushTag(tag string) bool {
	switch tag {
	case protocol.TagNewMessage, protocol.TagMessageUpdated, protocol.TagMessageDeleted,
		protocol.TagPrivateChat, protocol.TagMemberAdded, protocol.TagMemberLeft,
		protocol.TagGroupUpdated, protocol.TagShutdown:
		return true
	}
	return false
}

// sendLine writes one protocol line. Writes are serialized so a command
// line can never interleave with upload bytes.
func (c *SessionClient) sendLine(line string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(conn, line); err != nil {
		c.connectionLost(err)
		return err
	}
	return nil
}

// drainStaleResponses clears replies left over from fire-and-forget
// sends, so the next request matches its own reply.
func (c *SessionClient) drainStaleResponses() {
	for {
		select {
		case <-c.responses:
		default:
			return
		}
	}
}

// awaitResponse waits for the next non-push envelope via the listener.
func (c *SessionClient) awaitResponse() (protocol.Envelope, error) {
	select {
	case env := <-c.responses:
		return env, nil
	case <-time.After(c.timeout):
		return protocol.Envelope{}, ErrResponseTimeout
	}
}

// request sends a command and returns the server's reply, which the
// caller checks for the expected tag. A failure envelope is returned as
// an error carrying the server's reason.
func (c *SessionClient) request(line string) (protocol.Envelope, error) {
	c.drainStaleResponses()
	if err := c.sendLine(line); err != nil {
		return protocol.Envelope{}, err
	}
	env, err := c.awaitResponse()
	if err != nil {
		return protocol.Envelope{}, err
	}
	if !env.Success {
		return env, fmt.Errorf("server: %s", env.Message)
	}
	return env, nil
}

// readEnvelopeDirect reads one envelope with the listener stopped,
// honoring any partial line the listener left behind.
func (c *SessionClient) readEnvelopeDirect(deadline time.Time) (protocol.Envelope, error) {
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	line, err := c.reader.ReadString('\n')
	if c.partial != "" {
		line = c.partial + line
		c.partial = ""
	}
	if err != nil {
		// A fragment consumed before the error belongs to the next
		// reader, or the restarted listener would resume mid-line.
		c.partial = line
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope([]byte(line))
}

// awaitDirect reads envelopes directly until one matches tag, forwarding
// pushes to the event channel so they are not lost during a transfer.
func (c *SessionClient) awaitDirect(tag string, deadline time.Time) (protocol.Envelope, error) {
	for {
		env, err := c.readEnvelopeDirect(deadline)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if env.Message == tag {
			return env, nil
		}
		if !env.Success {
			return env, fmt.Errorf("server: %s", env.Message)
		}
		if isPushTag(env.Message) {
			select {
			case c.events <- env:
			default:
			}
			continue
		}
		// Unexpected reply tag mid-transfer: surface it.
		return env, fmt.Errorf("unexpected reply %q while waiting for %q", env.Message, tag)
	}
}

// Register creates an account. The display name may contain spaces and
// defaults to the username when empty.
func (c *SessionClient) Register(username, password, displayName string) (*protocol.UserProfile, error) {
	line := protocol.FormatCommand(protocol.CmdRegister, username, password)
	if displayName != "" {
		line = protocol.FormatCommand(protocol.CmdRegister, username, password, displayName)
	}
	env, err := c.request(line)
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.UserProfile), nil
}

// Login authenticates and returns the profile plus the room list.
func (c *SessionClient) Login(username, password string) (*protocol.LoginData, error) {
	env, err := c.request(protocol.FormatCommand(protocol.CmdLogin, username, password))
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.LoginData), nil
}

// Logout ends the authenticated session but keeps the connection.
func (c *SessionClient) Logout() error {
	_, err := c.request(protocol.FormatCommand(protocol.CmdLogout))
	return err
}

// StartPrivateChat opens (or resumes) the private room with a user and
// returns its history.
func (c *SessionClient) StartPrivateChat(username string) (*protocol.RoomHistory, error) {
	env, err := c.request(protocol.FormatCommand(protocol.CmdChat, username))
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.RoomHistory), nil
}

// JoinRoom makes roomID the current room and returns its history.
func (c *SessionClient) JoinRoom(roomID int64) (*protocol.RoomHistory, error) {
	env, err := c.request(protocol.FormatCommand(protocol.CmdJoin, fmt.Sprint(roomID)))
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.RoomHistory), nil
}

// ListChats returns every room the logged-in user belongs to.
func (c *SessionClient) ListChats() ([]protocol.RoomInfo, error) {
	env, err := c.request(protocol.FormatCommand(protocol.CmdGetChats))
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return *data.(*[]protocol.RoomInfo), nil
}

// SendText posts a plaintext message to the current room. Delivery is
// confirmed by the echoed broadcast on the event channel, not by a
// direct reply.
func (c *SessionClient) SendText(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return errors.New("client: message must be a single line")
	}
	if strings.HasPrefix(text, protocol.CommandSigil) {
		return errors.New("client: message may not start with the command sigil")
	}
	return c.sendLine(text)
}

// EditMessage replaces a message's content.
func (c *SessionClient) EditMessage(messageID int64, content string) (*protocol.ChatMessage, error) {
	env, err := c.request(protocol.FormatCommand(protocol.CmdEditMessage, fmt.Sprint(messageID), content))
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.ChatMessage), nil
}

// DeleteMessage removes a message the user authored.
func (c *SessionClient) DeleteMessage(messageID int64) error {
	_, err := c.request(protocol.FormatCommand(protocol.CmdDeleteMessage, fmt.Sprint(messageID)))
	return err
}

// CreateGroup creates a group room owned by the caller.
func (c *SessionClient) CreateGroup(name string) (*protocol.RoomInfo, error) {
	env, err := c.request(protocol.FormatCommand(protocol.CmdCreateGroup, name))
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.RoomInfo), nil
}

// LeaveGroup removes the caller from a group.
func (c *SessionClient) LeaveGroup(roomID int64) error {
	_, err := c.request(protocol.FormatCommand(protocol.CmdLeaveGroup, fmt.Sprint(roomID)))
	return err
}

// GroupInfo returns a group's details and member list.
func (c *SessionClient) GroupInfo(roomID int64) (*protocol.GroupDetail, error) {
	env, err := c.request(protocol.FormatCommand(protocol.CmdGroupInfo, fmt.Sprint(roomID)))
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.GroupDetail), nil
}

// UpdateGroup renames a group and/or changes its description.
func (c *SessionClient) UpdateGroup(roomID int64, name, description *string) (*protocol.RoomInfo, error) {
	var parts []string
	if name != nil {
		parts = append(parts, "name: "+*name)
	}
	if description != nil {
		parts = append(parts, "desc: "+*description)
	}
	if len(parts) == 0 {
		return nil, errors.New("client: nothing to update")
	}
	line := protocol.FormatCommand(protocol.CmdUpdateGroup, fmt.Sprint(roomID), strings.Join(parts, " "))
	env, err := c.request(line)
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.RoomInfo), nil
}

// AddMember adds a user to a group the caller belongs to.
func (c *SessionClient) AddMember(roomID int64, username string) error {
	_, err := c.request(protocol.FormatCommand(protocol.CmdAddMember, fmt.Sprint(roomID), username))
	return err
}

// UploadFile streams a local file into a room. The server's ready reply
// arrives through the listener; the confirmation after the raw bytes is
// read directly, so the listener is paused for the tail of the exchange.
func (c *SessionClient) UploadFile(roomID int64, path string, declared protocol.MessageType) (*protocol.ChatMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	name := sanitizeFileName(info.Name())

	line := protocol.FormatCommand(protocol.CmdUploadFile,
		fmt.Sprint(roomID), name, fmt.Sprint(size), string(declared))
	env, err := c.request(line)
	if err != nil {
		return nil, err
	}
	if env.Message != protocol.TagUploadReady {
		return nil, fmt.Errorf("unexpected reply %q to upload", env.Message)
	}

	c.StopListener()
	defer c.StartListener()

	c.writeMu.Lock()
	_, copyErr := io.CopyN(c.conn, f, size)
	c.writeMu.Unlock()
	if copyErr != nil {
		c.connectionLost(copyErr)
		return nil, fmt.Errorf("upload stream: %w", copyErr)
	}

	done, err := c.awaitDirect(protocol.TagUploadComplete, time.Now().Add(c.timeout))
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeData(done)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.ChatMessage), nil
}

// DownloadFile fetches a file as a raw byte stream and writes it to
// destPath. The listener is stopped for the whole exchange: the transfer
// start envelope, the counted bytes, and the completion envelope are all
// read directly off the connection. A partial destination file is removed
// on failure.
func (c *SessionClient) DownloadFile(fileID int64, destPath string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	c.StopListener()
	defer c.StartListener()

	if err := c.sendLine(protocol.FormatCommand(protocol.CmdDownload, fmt.Sprint(fileID))); err != nil {
		return err
	}

	deadline := time.Now().Add(c.timeout)
	start, err := c.awaitDirect(protocol.TagTransferStart, deadline)
	if err != nil {
		return err
	}
	startData, err := protocol.DecodeData(start)
	if err != nil {
		return err
	}
	size := startData.(*protocol.TransferStart).FileSize

	dest, err := os.Create(destPath)
	if err != nil {
		// The announced bytes are coming regardless; drain them so the
		// connection stays usable.
		io.CopyN(io.Discard, c.reader, size)
		c.readEnvelopeDirect(deadline)
		return err
	}

	c.conn.SetReadDeadline(deadline)
	_, copyErr := io.CopyN(dest, c.reader, size)
	c.conn.SetReadDeadline(time.Time{})
	if copyErr != nil {
		dest.Close()
		os.Remove(destPath)
		c.connectionLost(copyErr)
		return fmt.Errorf("download stream: %w", copyErr)
	}
	if err := dest.Close(); err != nil {
		os.Remove(destPath)
		return err
	}

	complete, err := c.awaitDirect(protocol.TagTransferComplete, deadline)
	if err != nil {
		os.Remove(destPath)
		return err
	}
	_ = complete
	return nil
}

// DownloadInline fetches a file as envelope chunks and returns its
// contents. The listener keeps running; chunks arrive as ordinary
// replies.
func (c *SessionClient) DownloadInline(fileID int64) ([]byte, error) {
	c.drainStaleResponses()
	if err := c.sendLine(protocol.FormatCommand(protocol.CmdDownloadInline, fmt.Sprint(fileID))); err != nil {
		return nil, err
	}

	env, err := c.awaitResponse()
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("server: %s", env.Message)
	}
	if env.Message != protocol.TagTransferStart {
		return nil, fmt.Errorf("unexpected reply %q to inline download", env.Message)
	}
	startData, err := protocol.DecodeData(env)
	if err != nil {
		return nil, err
	}
	size := startData.(*protocol.TransferStart).FileSize

	content := make([]byte, 0, size)
	for {
		env, err := c.awaitResponse()
		if err != nil {
			return nil, err
		}
		switch env.Message {
		case protocol.TagTransferChunk:
			data, err := protocol.DecodeData(env)
			if err != nil {
				return nil, err
			}
			chunkBytes, err := protocol.ChunkData(*data.(*protocol.TransferChunk))
			if err != nil {
				return nil, err
			}
			content = append(content, chunkBytes...)
		case protocol.TagTransferComplete:
			if int64(len(content)) != size {
				return nil, fmt.Errorf("inline download: got %d bytes, expected %d", len(content), size)
			}
			return content, nil
		default:
			if !env.Success {
				return nil, fmt.Errorf("server: %s", env.Message)
			}
			return nil, fmt.Errorf("unexpected reply %q during inline download", env.Message)
		}
	}
}

// sanitizeFileName strips path separators and spaces so the name is a
// single command token.
func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '\t':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "file"
	}
	return name
}
