package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/database"
	"github.com/parley-chat/parley/pkg/filestore"
	"github.com/parley-chat/parley/pkg/protocol"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

func init() {
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// EnableDebugLogging routes debug output to w.
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort                int
	MetricsPort            int // 0 = disabled
	ServerName             string
	MaxFileSize            int64
	MaxMessageLength       int
	MinUsernameLength      int
	MinPasswordLength      int
	HistoryLimit           int
	TransferTimeoutSeconds int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	return c.ToServerConfig()
}

// Server is the Parley chat server.
type Server struct {
	db        *database.DB
	store     *filestore.Store
	listener  net.Listener
	registry  *SessionRegistry
	directory *RoomDirectory
	config    ServerConfig
	metrics   *Metrics
	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a new server instance.
func NewServer(dbPath, fileStoreDir string, config ServerConfig) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := filestore.New(fileStoreDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open file store: %w", err)
	}

	return &Server{
		db:        db,
		store:     store,
		registry:  NewSessionRegistry(),
		directory: NewRoomDirectory(),
		config:    config,
		metrics:   NewMetrics(),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// Directory exposes the room directory, mainly for tests.
func (s *Server) Directory() *RoomDirectory {
	return s.directory
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins listening for TCP connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	debugLog.Printf("TCP server listening on %s", listener.Addr())

	// Metrics and health are served on a separate port, not exposed to
	// chat clients.
	if s.config.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", s.metrics.Handler())
			mux.HandleFunc("/health", s.healthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			debugLog.Printf("Metrics server listening on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok sessions=%d uptime=%s\n", s.registry.Count(), time.Since(s.startTime).Truncate(time.Second))
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	debugLog.Println("Graceful shutdown initiated")
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}

	// Best effort shutdown notice before closing connections
	notice := protocol.FailureEnvelope(protocol.TagShutdown)
	for _, sess := range s.registry.All() {
		sess.Conn.SendEnvelope(notice)
	}

	for _, sess := range s.registry.All() {
		s.removeSession(sess)
	}

	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		errorLog.Printf("Error during database close: %v", err)
		return err
	}

	debugLog.Println("Graceful shutdown complete")
	return nil
}

// acceptLoop accepts incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// handleConnection sets up a session and runs its command loop.
func (s *Server) handleConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := &Session{
		Conn:       NewSafeConn(conn),
		RemoteAddr: conn.RemoteAddr().String(),
		Reader:     bufio.NewReader(conn),
	}
	count := s.registry.Add(sess)
	s.metrics.RecordActiveSessions(count)
	s.metrics.RecordSessionCreated()

	debugLog.Printf("New connection from %s (session %d)", sess.RemoteAddr, sess.ID)

	if err := s.sendWelcome(sess); err != nil {
		s.removeSession(sess)
		return
	}

	s.wg.Add(1)
	go s.sessionLoop(sess)
}

// sessionLoop reads lines and dispatches them until the connection dies.
// Within one connection, commands are processed strictly in arrival order.
func (s *Server) sessionLoop(sess *Session) {
	defer s.wg.Done()
	defer s.removeSession(sess)

	for {
		line, err := readBoundedLine(sess.Reader)
		if err == errLineTooLong {
			s.sendFailure(sess, "Line too long")
			continue
		}
		if err != nil {
			if err == io.EOF {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		if err := s.dispatch(sess, line); err != nil {
			var wireErr *protocol.WireError
			if errors.As(err, &wireErr) {
				// Recoverable command failure: report and keep the
				// connection open.
				s.sendFailure(sess, wireErr.Message)
				continue
			}
			// Socket-level failure: tear the session down.
			errorLog.Printf("Session %d: %v", sess.ID, err)
			return
		}
	}
}

var errLineTooLong = errors.New("line exceeds maximum length")

// readBoundedLine reads one newline-terminated line, never holding more
// than the protocol line cap in memory. An oversized line is drained to
// its newline and reported as errLineTooLong, leaving the stream framed.
func readBoundedLine(r *bufio.Reader) (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > protocol.MaxLineSize {
				line = nil
				tooLong = true
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		if tooLong {
			return "", errLineTooLong
		}
		return string(line), nil
	}
}

// removeSession tears a session down exactly once, regardless of which
// error path got here first: directory removal (user map and any room
// sets), registry removal, socket close.
func (s *Server) removeSession(sess *Session) {
	sess.cleanupOnce.Do(func() {
		if userID := sess.UserID(); userID != 0 {
			s.directory.RemoveUserConnection(userID, sess)
		}
		count, existed := s.registry.Remove(sess.ID)
		sess.Conn.Close()
		if existed {
			s.metrics.RecordActiveSessions(count)
			debugLog.Printf("Session %d: removed", sess.ID)
		}
	})
}

// sendWelcome sends the greeting envelope on connect.
func (s *Server) sendWelcome(sess *Session) error {
	return s.sendData(sess, protocol.TagWelcome, protocol.ServerInfo{
		ServerName:      s.config.ServerName,
		ProtocolVersion: protocol.ProtocolVersion,
		MaxFileSize:     s.config.MaxFileSize,
	})
}

// sendData sends a success envelope with a payload.
func (s *Server) sendData(sess *Session, tag string, data interface{}) error {
	env, err := protocol.NewEnvelope(tag, data)
	if err != nil {
		return err
	}
	debugLog.Printf("Session %d → SEND: %s", sess.ID, tag)
	s.metrics.RecordEnvelopeSent(tag)
	return sess.Conn.SendEnvelope(env)
}

// sendFailure sends a failure envelope. A failed send here means the
// socket is gone; the session loop will notice on its next read.
func (s *Server) sendFailure(sess *Session, reason string) {
	debugLog.Printf("Session %d → FAIL: %s", sess.ID, reason)
	s.metrics.RecordEnvelopeSent("failure")
	if err := sess.Conn.SendEnvelope(protocol.FailureEnvelope(reason)); err != nil {
		debugLog.Printf("Session %d: failure send failed: %v", sess.ID, err)
	}
}

// broadcastToRoom fans an envelope out to the room's live connections and
// tears down any session whose send failed.
func (s *Server) broadcastToRoom(roomID int64, tag string, data interface{}, excludeUserID int64) {
	env, err := protocol.NewEnvelope(tag, data)
	if err != nil {
		errorLog.Printf("broadcast encode %q: %v", tag, err)
		return
	}

	delivered, failed := s.directory.BroadcastToRoom(roomID, env, excludeUserID)
	s.metrics.RecordBroadcast(len(failed))
	debugLog.Printf("Broadcast %s to room %d: %d delivered, %d failed", tag, roomID, delivered, len(failed))

	for _, sess := range failed {
		s.removeSession(sess)
	}
}
