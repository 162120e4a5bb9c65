// Package recovery inspects durable artifacts left behind by a
// previous run: mmap ring buffer files and write-ahead logs. It is
// what a startup path or the recover subcommand calls before the new
// engine starts overwriting them.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"logward/pkg/ringbuf"
	"logward/pkg/types"
	"logward/pkg/wal"

	"github.com/sirupsen/logrus"
)

// FileReport describes what one durable file held.
type FileReport struct {
	Path          string    `json:"path"`
	Kind          string    `json:"kind"` // "ring" or "wal"
	NeedsRecovery bool      `json:"needs_recovery"`
	Entries       int       `json:"entries"`
	Err           string    `json:"error,omitempty"`
	ModTime       time.Time `json:"mod_time"`
}

// Report is the outcome of scanning a directory.
type Report struct {
	Dir    string       `json:"dir"`
	Files  []FileReport `json:"files"`
	Events []*types.LogEvent
}

// NeedsRecovery reports whether any scanned file held unrecovered
// data.
func (r *Report) NeedsRecovery() bool {
	for _, f := range r.Files {
		if f.NeedsRecovery {
			return true
		}
	}
	return false
}

// Scanner locates and reads durable files.
type Scanner struct {
	logger *logrus.Logger
}

// NewScanner returns a scanner logging diagnostics to logger.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scanner{logger: logger}
}

// ScanDir examines every *.ring and *.wal file directly under dir and
// reports each file's state plus the decoded events recovered from
// them, oldest file first.
func (s *Scanner) ScanDir(dir string) (*Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recovery dir: %w", err)
	}

	report := &Report{Dir: dir}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".ring", ".wal":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		return modTime(paths[i]).Before(modTime(paths[j]))
	})

	for _, path := range paths {
		var fr FileReport
		var events []*types.LogEvent
		switch filepath.Ext(path) {
		case ".ring":
			fr, events = s.scanRing(path)
		case ".wal":
			fr, events = s.scanWAL(path)
		}
		report.Files = append(report.Files, fr)
		report.Events = append(report.Events, events...)
	}
	return report, nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// scanRing opens an existing ring file read-compatible and decodes
// the JSON records it holds.
func (s *Scanner) scanRing(path string) (FileReport, []*types.LogEvent) {
	fr := FileReport{Path: path, Kind: "ring", ModTime: modTime(path)}

	info, err := os.Stat(path)
	if err != nil {
		fr.Err = err.Error()
		return fr, nil
	}
	buf, err := ringbuf.Open(path, int(info.Size()), false)
	if err != nil {
		fr.Err = err.Error()
		return fr, nil
	}
	defer buf.Close()

	fr.NeedsRecovery = buf.NeedsRecovery()
	records := buf.Recover()
	fr.Entries = len(records)

	var events []*types.LogEvent
	for _, raw := range records {
		var event types.LogEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			s.logger.WithError(err).WithField("path", path).Debug("Skipping undecodable ring record")
			continue
		}
		events = append(events, &event)
	}
	if fr.NeedsRecovery {
		buf.MarkRecovered()
	}
	return fr, events
}

// scanWAL reads the uncommitted records from a write-ahead log.
func (s *Scanner) scanWAL(path string) (FileReport, []*types.LogEvent) {
	fr := FileReport{Path: path, Kind: "wal", ModTime: modTime(path)}

	events, err := wal.RecoverFile(path)
	if err != nil {
		fr.Err = err.Error()
		return fr, nil
	}
	fr.Entries = len(events)
	fr.NeedsRecovery = len(events) > 0
	return fr, events
}

// Replay feeds recovered events into sink in their recovered order,
// returning how many were accepted.
func Replay(events []*types.LogEvent, sink types.Sink) int {
	replayed := 0
	for _, event := range events {
		if err := sink.Write(event); err != nil {
			continue
		}
		replayed++
	}
	return replayed
}
