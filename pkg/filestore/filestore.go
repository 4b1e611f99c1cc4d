// Package filestore persists uploaded binary blobs under server-generated
// opaque names. It knows nothing about rooms, messages, or the wire
// protocol; callers track which blob belongs to what.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("blob not found")

// Store is a directory-backed blob store.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create file store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save reads exactly size bytes from r into a new blob and returns its
// opaque stored name. The original extension is preserved so stored files
// stay identifiable by type; the rest of the name is never trusted. The
// blob is written to a temp file first so a failed transfer leaves no
// partial blob behind.
func (s *Store) Save(r io.Reader, size int64, originalName string) (string, error) {
	storedName := uuid.NewString() + sanitizeExt(originalName)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, io.LimitReader(r, size))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if written != size {
		return "", io.ErrUnexpectedEOF
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, storedName)); err != nil {
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	return storedName, nil
}

// Exists reports whether a blob with the given stored name exists.
func (s *Store) Exists(storedName string) bool {
	info, err := os.Stat(s.path(storedName))
	return err == nil && info.Mode().IsRegular()
}

// Path returns the on-disk path of a blob.
func (s *Store) Path(storedName string) (string, error) {
	p := s.path(storedName)
	if _, err := os.Stat(p); err != nil {
		return "", ErrNotFound
	}
	return p, nil
}

// Open opens a blob for reading and returns its size.
func (s *Store) Open(storedName string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(storedName))
	if err != nil {
		return nil, 0, ErrNotFound
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// path resolves a stored name inside the store directory. Stored names are
// server-generated, but path separators are still rejected.
func (s *Store) path(storedName string) string {
	return filepath.Join(s.dir, filepath.Base(storedName))
}

// sanitizeExt extracts a safe extension from a client-supplied file name.
func sanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
