package sinks

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"logward/pkg/types"
)

// fileWriterBufSize is the bufio buffer in front of the log file.
const fileWriterBufSize = 64 * 1024

// FileSink appends formatted events to a single file through a
// buffered writer. Flush drains the buffer, Sync additionally fsyncs.
type FileSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// NewFileSink opens (or creates) path for appending, creating parent
// directories as needed.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &FileSink{
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, fileWriterBufSize),
	}, nil
}

// Path returns the file path the sink appends to.
func (s *FileSink) Path() string {
	return s.path
}

// Write appends one formatted line.
func (s *FileSink) Write(event *types.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("file sink %s is closed", s.path)
	}
	_, err := s.writer.WriteString(event.String() + "\n")
	return err
}

// Flush drains the in-memory buffer to the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.writer.Flush()
}

// Sync flushes and forces the file contents to stable storage.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// EmergencyFlush is the crash-path variant of Sync: best effort, no
// error propagation.
func (s *FileSink) EmergencyFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_ = s.writer.Flush()
	_ = s.file.Sync()
}

// Close flushes and closes the file. Idempotent.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
