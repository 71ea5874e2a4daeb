package opsmgr

import (
	"os"
	"sync"
)

// MemorySink accumulates written bytes in memory. It is grounded on the
// teacher's sharded in-memory backend, simplified here to the strictly
// sequential write pattern a file download produces; tests use it in
// place of a real file on disk.
type MemorySink struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements Sink.
func (s *MemorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Close implements Sink. Idempotent.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Bytes returns a copy of everything written so far.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// Closed reports whether Close has been called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ Sink = (*MemorySink)(nil)

// FileSink writes a download's bytes straight to a destination file on
// disk, one chunk at a time, so memory use stays flat regardless of file
// size (spec §4.5 "memory-bounded streaming to disk"). The destination
// file is created lazily, on the first Write, so an operation cancelled
// before its handler ever runs never touches the filesystem.
type FileSink struct {
	path string
	f    *os.File
}

// NewFileSink returns a Sink for path. The file itself is not created
// until the first Write.
func NewFileSink(path string) (*FileSink, error) {
	return &FileSink{path: path}, nil
}

func (s *FileSink) ensureOpen() error {
	if s.f != nil {
		return nil
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

// Write implements Sink.
func (s *FileSink) Write(p []byte) (int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	return s.f.Write(p)
}

// Close implements Sink. A no-op if the file was never created.
func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

// Abort closes and removes the partial file. Callers use this on a failed
// or cancelled download instead of leaving a truncated file behind (spec
// §4.5 "on cancel/error, close and remove the partial file"). A no-op if
// the file was never created.
func (s *FileSink) Abort() error {
	if s.f == nil {
		return nil
	}
	_ = s.f.Close()
	return os.Remove(s.path)
}

// Path returns the destination path this sink writes to.
func (s *FileSink) Path() string {
	return s.path
}

var _ Sink = (*FileSink)(nil)
