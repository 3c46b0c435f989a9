// Package errorlog writes classified failures to an append-only text file.
package errorlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/torosent/sseswarm/internal/metrics"
)

// Kind tags an error record in the log.
type Kind string

const (
	KindSSE  Kind = "SSE_ERROR"
	KindPost Kind = "POST_ERROR"
)

// Sink receives error records as failures happen.
type Sink interface {
	Log(kind Kind, details any) error
}

// File is a Sink backed by a log file. Records are written synchronously;
// the file is guarded by an exclusive lock for as long as it is open.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
	lock *flock.Flock
	now  func() time.Time
}

// Open truncates path, writes the start banner and locks the log against
// other runs.
func Open(path string) (*File, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock error log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("error log %s is in use by another run", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open error log: %w", err)
	}

	sink := &File{path: path, f: f, lock: lock, now: time.Now}
	banner := fmt.Sprintf("=== Load Test Error Log Started at %s ===\n\n", metrics.FormatTimestamp(sink.now()))
	if _, err := io.WriteString(f, banner); err != nil {
		sink.Close()
		return nil, fmt.Errorf("write error log header: %w", err)
	}
	return sink, nil
}

// Path returns the log file location.
func (s *File) Path() string {
	return s.path
}

// Log appends one timestamped record with details pretty-printed as JSON.
func (s *File) Log(kind Kind, details any) error {
	body, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	entry := fmt.Sprintf("[%s] %s:\n%s\n\n", metrics.FormatTimestamp(s.now()), kind, body)
	_, err = io.WriteString(s.f, entry)
	return err
}

// Close flushes the file and releases the lock. Calling Close twice is safe.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if unlockErr := s.lock.Unlock(); err == nil {
		err = unlockErr
	}
	_ = os.Remove(s.lock.Path())
	return err
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(Kind, any) error { return nil }
