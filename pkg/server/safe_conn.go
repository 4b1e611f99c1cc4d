package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization so that
// envelope lines and raw file payloads never interleave on the wire.
//
// Under load, the session's own handler and broadcast senders from other
// sessions may write to the same connection simultaneously. Without
// synchronization their bytes interleave mid-line, corrupting the framing.
//
// SafeConn encapsulates the connection and its write mutex, making it
// impossible to write without holding the lock. Raw runs an entire
// header-payload-trailer sequence under one lock acquisition, so a
// broadcast can never land inside a byte stream the peer is counting.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// SendEnvelope encodes and writes one envelope line. This is the only way
// to write line-mode data to the connection; the raw conn is private.
func (sc *SafeConn) SendEnvelope(env protocol.Envelope) error {
	line, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err = sc.conn.Write(line)
	return err
}

// Raw holds the write lock for the duration of fn, giving it exclusive
// access to the underlying writer. Used for download streaming, where the
// start envelope, the counted byte stream, and the completion envelope
// must form one uninterruptible write sequence.
func (sc *SafeConn) Raw(fn func(w io.Writer) error) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return fn(sc.conn)
}

// Reader returns the underlying connection for reads. Reads don't need
// write synchronization; the session loop is the sole reader.
func (sc *SafeConn) Reader() io.Reader {
	return sc.conn
}

// SetReadDeadline bounds the next read on the underlying connection.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
