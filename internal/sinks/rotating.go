package sinks

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"logward/pkg/types"

	"github.com/klauspost/compress/gzip"
)

// RotatingConfig controls size-based rotation.
type RotatingConfig struct {
	// MaxSize is the byte size at which the active file rotates.
	MaxSize int64
	// MaxBackups is how many rotated files to keep; older ones are
	// removed. Zero keeps everything.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// DefaultRotatingConfig rotates at 10 MiB, keeps 5 compressed
// backups.
func DefaultRotatingConfig() RotatingConfig {
	return RotatingConfig{
		MaxSize:    10 * 1024 * 1024,
		MaxBackups: 5,
		Compress:   true,
	}
}

// RotatingFileSink appends formatted events to a file and rotates it
// by size. Rotated files are renamed with a timestamp suffix and
// optionally gzipped in the background.
type RotatingFileSink struct {
	mu      sync.Mutex
	path    string
	cfg     RotatingConfig
	file    *os.File
	size    int64
	closed  bool
	pending sync.WaitGroup
}

// NewRotatingFileSink opens path for appending with the given
// rotation policy.
func NewRotatingFileSink(path string, cfg RotatingConfig) (*RotatingFileSink, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultRotatingConfig().MaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &RotatingFileSink{
		path: path,
		cfg:  cfg,
		file: file,
		size: info.Size(),
	}, nil
}

// Write appends one formatted line, rotating first when the line
// would push the file past MaxSize.
func (s *RotatingFileSink) Write(event *types.LogEvent) error {
	line := event.String() + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("rotating sink %s is closed", s.path)
	}

	if s.size+int64(len(line)) > s.cfg.MaxSize && s.size > 0 {
		if err := s.rotateLocked(); err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}
	}

	n, err := s.file.WriteString(line)
	s.size += int64(n)
	return err
}

// rotateLocked renames the active file aside and opens a fresh one.
// Compression and backup pruning run off the write path.
func (s *RotatingFileSink) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().Format("20060102T150405.000000000"))
	if err := os.Rename(s.path, rotated); err != nil {
		return err
	}

	file, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = file
	s.size = 0

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if s.cfg.Compress {
			if err := compressFile(rotated); err == nil {
				os.Remove(rotated)
			}
		}
		s.pruneBackups()
	}()
	return nil
}

// pruneBackups removes the oldest rotated files beyond MaxBackups.
func (s *RotatingFileSink) pruneBackups() {
	if s.cfg.MaxBackups <= 0 {
		return
	}
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return
	}
	backups := matches[:0]
	for _, m := range matches {
		if m != s.path {
			backups = append(backups, m)
		}
	}
	if len(backups) <= s.cfg.MaxBackups {
		return
	}
	// Timestamp suffixes sort lexicographically, oldest first.
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-s.cfg.MaxBackups] {
		os.Remove(old)
	}
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(dst)
	gw.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		os.Remove(dst.Name())
		return err
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Sync forces the active file to stable storage.
func (s *RotatingFileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.file.Sync()
}

// Close syncs and closes the active file and waits for background
// compression to settle. Idempotent.
func (s *RotatingFileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	s.mu.Unlock()

	s.pending.Wait()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
