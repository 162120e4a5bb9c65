// Package sinks provides the built-in event destinations: console,
// plain file, size-rotated file with compression, and TCP/UDP network
// emitters. Every sink implements types.Sink; the ones that buffer or
// hold resources additionally implement the Flusher, Syncer and
// Closer capabilities the engine probes for.
package sinks

import (
	"fmt"
	"io"
	"os"
	"sync"

	"logward/pkg/types"
)

// ConsoleSink writes human-readable lines to a terminal stream,
// colorized by severity when the stream is a TTY.
type ConsoleSink struct {
	mu       sync.Mutex
	out      io.Writer
	colorize bool
}

// NewConsoleSink writes to stderr, with colors when stderr is a
// terminal.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{
		out:      os.Stderr,
		colorize: isTerminal(os.Stderr),
	}
}

// NewConsoleSinkTo writes to an arbitrary stream. Colors are off;
// enable them with SetColorize.
func NewConsoleSinkTo(out io.Writer) *ConsoleSink {
	return &ConsoleSink{out: out}
}

// SetColorize toggles ANSI severity colors.
func (s *ConsoleSink) SetColorize(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.colorize = on
}

// Write renders one event as a single line.
func (s *ConsoleSink) Write(event *types.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := event.String()
	if s.colorize {
		line = event.Level.Color() + line + types.ColorReset
	}
	_, err := fmt.Fprintln(s.out, line)
	return err
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
