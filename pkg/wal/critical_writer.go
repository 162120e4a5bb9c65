// Package wal implements the write-ahead-log-backed critical writer.
//
// The writer wraps any Sink and guarantees at-least-once delivery for
// events at or above a configured severity set: each such event is
// appended to the WAL and fsynced before it is handed to the inner
// sink, and a commit marker with the same sequence number is appended
// only after the inner write succeeded. Events whose sequence has no
// commit marker are exactly the ones whose delivery is unconfirmed and
// must be re-delivered after a crash.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"logward/internal/metrics"
	"logward/pkg/types"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Write on a closed writer.
var ErrClosed = fmt.Errorf("critical writer is closed")

// defaultCompactEvery bounds WAL growth: every N protected writes the
// committed records are compacted out of the file.
const defaultCompactEvery = 100

// record is one WAL line. A commit marker carries only Seq and
// Committed; a write record additionally carries the event and a
// checksum of its serialized form.
type record struct {
	Seq       uint64          `json:"seq"`
	Committed bool            `json:"committed"`
	Checksum  string          `json:"checksum,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// Config configures a CriticalWriter.
type Config struct {
	// Path of the WAL file. Created (with parent directories) when
	// missing.
	Path string `yaml:"path"`

	// ForceFlushLevels are protected by the WAL and synced to stable
	// media immediately. Empty means {ERROR, CRITICAL}.
	ForceFlushLevels []types.Level `yaml:"force_flush_levels"`

	// CompactEvery overrides the compaction cadence. Zero uses the
	// default of 100 protected writes.
	CompactEvery int `yaml:"compact_every"`
}

// CriticalWriter wraps a Sink with append-before-commit durability.
// Events below the protected severity set bypass the WAL and go
// straight to the inner sink.
type CriticalWriter struct {
	inner  types.Sink
	config Config
	logger *logrus.Logger
	levels map[types.Level]bool

	mu           sync.Mutex
	file         *os.File
	seq          uint64
	writesSince  int
	pendingCount int
	closed       bool
}

// NewCriticalWriter opens (or creates) the WAL at cfg.Path and wraps
// inner. The sequence counter resumes from the maximum sequence seen
// in the existing WAL.
func NewCriticalWriter(inner types.Sink, cfg Config, logger *logrus.Logger) (*CriticalWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("wal path must not be empty")
	}
	if cfg.CompactEvery <= 0 {
		cfg.CompactEvery = defaultCompactEvery
	}

	levels := make(map[types.Level]bool)
	if len(cfg.ForceFlushLevels) == 0 {
		levels[types.LevelError] = true
		levels[types.LevelCritical] = true
	} else {
		for _, l := range cfg.ForceFlushLevels {
			levels[l] = true
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}

	w := &CriticalWriter{
		inner:  inner,
		config: cfg,
		logger: logger,
		levels: levels,
	}

	if err := w.openWAL(); err != nil {
		return nil, err
	}
	return w, nil
}

// openWAL opens the file for appending and recovers the sequence
// counter. Caller must hold w.mu or be the sole owner.
func (w *CriticalWriter) openWAL() error {
	file, err := os.OpenFile(w.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open wal %s: %w", w.config.Path, err)
	}
	w.file = file

	pending, committed, maxSeq := w.scan()
	w.seq = maxSeq
	w.pendingCount = 0
	for seq := range pending {
		if !committed[seq] {
			w.pendingCount++
		}
	}
	metrics.WALPendingRecords.WithLabelValues(w.config.Path).Set(float64(w.pendingCount))
	return nil
}

// scan reads the WAL and returns the write records by sequence, the
// set of committed sequences, and the maximum sequence seen. Corrupt
// lines are skipped.
func (w *CriticalWriter) scan() (map[uint64]record, map[uint64]bool, uint64) {
	return scanFile(w.config.Path, w.logger)
}

func scanFile(path string, logger *logrus.Logger) (map[uint64]record, map[uint64]bool, uint64) {
	pending := make(map[uint64]record)
	committed := make(map[uint64]bool)
	var maxSeq uint64

	file, err := os.Open(path)
	if err != nil {
		return pending, committed, 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if rec.Committed && rec.Event == nil {
			committed[rec.Seq] = true
		} else if rec.Event != nil {
			if rec.Checksum != "" && rec.Checksum != checksum(rec.Event) {
				logger.WithField("seq", rec.Seq).Warn("WAL record checksum mismatch, skipping")
				continue
			}
			pending[rec.Seq] = rec
		}
	}
	return pending, committed, maxSeq
}

// RecoverFile reads a WAL without constructing a writer and returns
// its uncommitted events in ascending sequence order. Used by
// recovery tooling against files left over from a previous process.
func RecoverFile(path string) ([]*types.LogEvent, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return recoverPending(scanFile(path, logrus.StandardLogger()))
}

// recoverPending decodes the uncommitted subset of a scan in
// ascending sequence order.
func recoverPending(pending map[uint64]record, committed map[uint64]bool, _ uint64) ([]*types.LogEvent, error) {
	seqs := make([]uint64, 0, len(pending))
	for seq := range pending {
		if !committed[seq] {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	events := make([]*types.LogEvent, 0, len(seqs))
	for _, seq := range seqs {
		var event types.LogEvent
		if err := event.UnmarshalBinary(pending[seq].Event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

func checksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Write delivers one event through the WAL protocol. Inner sink
// failures propagate to the caller; the commit marker is simply never
// reached for them, which keeps the event recoverable.
func (w *CriticalWriter) Write(event *types.LogEvent) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}

	if !w.levels[event.Level] {
		// Unprotected events skip the WAL entirely.
		w.mu.Unlock()
		return w.inner.Write(event)
	}

	w.seq++
	seq := w.seq

	payload, err := event.MarshalBinary()
	if err == nil {
		w.appendRecord(record{
			Seq:      seq,
			Checksum: checksum(payload),
			Event:    payload,
		})
		w.pendingCount++
		metrics.WALPendingRecords.WithLabelValues(w.config.Path).Set(float64(w.pendingCount))
	} else {
		// A WAL failure must never break the primary logging path.
		w.logger.WithError(err).Warn("Failed to serialize event for WAL")
	}
	w.mu.Unlock()

	if err := w.inner.Write(event); err != nil {
		return err
	}

	// Force-flush severities are pushed to stable media before the
	// commit marker is written.
	if flusher, ok := w.inner.(types.Flusher); ok {
		if err := flusher.Flush(); err != nil {
			return err
		}
	}
	if syncer, ok := w.inner.(types.Syncer); ok {
		if err := syncer.Sync(); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.appendRecord(record{Seq: seq, Committed: true})
	if w.pendingCount > 0 {
		w.pendingCount--
	}
	metrics.WALPendingRecords.WithLabelValues(w.config.Path).Set(float64(w.pendingCount))

	w.writesSince++
	if w.writesSince >= w.config.CompactEvery {
		w.writesSince = 0
		w.compact()
	}
	return nil
}

// appendRecord writes one line and forces it to disk. Best effort:
// durability-layer failures are swallowed so a full disk cannot crash
// the logging path. Caller must hold w.mu.
func (w *CriticalWriter) appendRecord(rec record) {
	if w.file == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.logger.WithError(err).Warn("WAL append failed")
		return
	}
	if err := w.file.Sync(); err != nil {
		w.logger.WithError(err).Warn("WAL fsync failed")
	}
}

// compact rewrites the WAL keeping only uncommitted records. Caller
// must hold w.mu.
func (w *CriticalWriter) compact() {
	pending, committed, _ := w.scan()

	seqs := make([]uint64, 0, len(pending))
	for seq := range pending {
		if !committed[seq] {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	tmpPath := w.config.Path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		w.logger.WithError(err).Warn("WAL compaction failed to create temp file")
		return
	}
	writer := bufio.NewWriter(tmp)
	for _, seq := range seqs {
		line, err := json.Marshal(pending[seq])
		if err != nil {
			continue
		}
		writer.Write(line)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		w.logger.WithError(err).Warn("WAL compaction flush failed")
		return
	}
	tmp.Sync()
	tmp.Close()

	w.file.Close()
	if err := os.Rename(tmpPath, w.config.Path); err != nil {
		w.logger.WithError(err).Warn("WAL compaction rename failed")
	}

	file, err := os.OpenFile(w.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reopen WAL after compaction")
		w.file = nil
		return
	}
	w.file = file
	w.pendingCount = len(seqs)
	metrics.WALPendingRecords.WithLabelValues(w.config.Path).Set(float64(w.pendingCount))
}

// Recover replays the WAL and returns every event whose sequence has
// no commit marker, in ascending sequence order. These are the events
// whose delivery is unconfirmed and must be re-delivered.
func (w *CriticalWriter) Recover() ([]*types.LogEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return recoverPending(w.scan())
}

// PendingCount returns the number of uncommitted records.
func (w *CriticalWriter) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingCount
}

// Flush flushes the inner sink when it supports flushing.
func (w *CriticalWriter) Flush() error {
	if flusher, ok := w.inner.(types.Flusher); ok {
		return flusher.Flush()
	}
	return nil
}

// EmergencyFlush performs a best-effort flush of the WAL file and the
// inner sink. Never fails.
func (w *CriticalWriter) EmergencyFlush() {
	w.mu.Lock()
	if w.file != nil {
		_ = w.file.Sync()
	}
	w.mu.Unlock()

	if flusher, ok := w.inner.(types.Flusher); ok {
		_ = flusher.Flush()
	}
	if syncer, ok := w.inner.(types.Syncer); ok {
		_ = syncer.Sync()
	}
}

// ClearWAL truncates the WAL and resets the sequence counter. Intended
// for use after a manual recovery pass.
func (w *CriticalWriter) ClearWAL() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if w.file != nil {
		w.file.Close()
	}
	if err := os.Remove(w.config.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove wal: %w", err)
	}
	w.seq = 0
	w.writesSince = 0
	return w.openWAL()
}

// Close compacts the WAL, syncs it, and closes the inner sink when it
// supports closing. Idempotent.
func (w *CriticalWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true

	w.compact()
	if w.file != nil {
		w.file.Sync()
		w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	if closer, ok := w.inner.(types.Closer); ok {
		return closer.Close()
	}
	return nil
}
