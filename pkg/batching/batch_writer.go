// Package batching wraps sinks with in-memory buffering so that
// deliveries happen in groups rather than per event.
package batching

import (
	"fmt"
	"sync"
	"time"

	"logward/pkg/types"

	"github.com/sirupsen/logrus"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = fmt.Errorf("batch writer is closed")

// Stats is a snapshot of batch writer counters.
type Stats struct {
	EntriesWritten  uint64    `json:"entries_written"`
	EntriesDropped  uint64    `json:"entries_dropped"`
	BatchesFlushed  uint64    `json:"batches_flushed"`
	MaxBuffered     int       `json:"max_buffered"`
	CurrentBuffered int       `json:"current_buffered"`
	LastFlush       time.Time `json:"last_flush"`
}

// BatchWriterConfig configures a BatchWriter.
type BatchWriterConfig struct {
	// MaxBatchSize triggers a flush once the buffer reaches it.
	MaxBatchSize int `yaml:"max_batch_size"`
	// FlushInterval is the periodic flush cadence for stale entries.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxBufferSize hard-bounds memory; events arriving at capacity
	// are dropped and counted, never block the producer.
	MaxBufferSize int `yaml:"max_buffer_size"`
}

func (c *BatchWriterConfig) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 10000
	}
}

// BatchWriter buffers events and delivers them to the inner sink in
// groups. A single ticker goroutine, created once at construction and
// stopped on Close, handles the periodic flush; there is no timer
// re-arming per write.
type BatchWriter struct {
	inner  types.Sink
	logger *logrus.Logger

	mu           sync.Mutex
	buffer       []*types.LogEvent
	maxBatchSize int
	maxBuffer    int
	stats        Stats
	closed       bool

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewBatchWriter wraps inner with batching.
func NewBatchWriter(inner types.Sink, cfg BatchWriterConfig, logger *logrus.Logger) *BatchWriter {
	cfg.applyDefaults()

	w := &BatchWriter{
		inner:        inner,
		logger:       logger,
		buffer:       make([]*types.LogEvent, 0, cfg.MaxBatchSize),
		maxBatchSize: cfg.MaxBatchSize,
		maxBuffer:    cfg.MaxBufferSize,
		ticker:       time.NewTicker(cfg.FlushInterval),
		done:         make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flushLoop()
	return w
}

func (w *BatchWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			w.mu.Lock()
			if len(w.buffer) > 0 {
				w.flushLocked()
			}
			w.mu.Unlock()
		}
	}
}

// Write buffers one event. Flushes inline when the buffer reaches the
// batch size; drops and counts when the hard buffer cap is reached.
func (w *BatchWriter) Write(event *types.LogEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	if len(w.buffer) >= w.maxBuffer {
		w.stats.EntriesDropped++
		return nil
	}

	w.buffer = append(w.buffer, event)
	w.stats.EntriesWritten++
	if len(w.buffer) > w.stats.MaxBuffered {
		w.stats.MaxBuffered = len(w.buffer)
	}

	if len(w.buffer) >= w.maxBatchSize {
		w.flushLocked()
	}
	return nil
}

// flushLocked delivers the buffered events. Individual write failures
// are logged and skipped so one bad event never loses the rest of the
// batch. Caller must hold w.mu.
func (w *BatchWriter) flushLocked() {
	if len(w.buffer) == 0 {
		return
	}

	batch := w.buffer
	w.buffer = make([]*types.LogEvent, 0, w.maxBatchSize)

	for _, event := range batch {
		if err := w.inner.Write(event); err != nil {
			w.logger.WithError(err).Debug("Batch writer inner write failed")
		}
	}
	if flusher, ok := w.inner.(types.Flusher); ok {
		if err := flusher.Flush(); err != nil {
			w.logger.WithError(err).Debug("Batch writer inner flush failed")
		}
	}

	w.stats.BatchesFlushed++
	w.stats.LastFlush = time.Now()
}

// Flush forces delivery of the current buffer.
func (w *BatchWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.flushLocked()
	return nil
}

// EmergencyFlush best-effort delivers the buffer from signal context.
func (w *BatchWriter) EmergencyFlush() {
	_ = w.Flush()
	if ef, ok := w.inner.(types.EmergencyFlusher); ok {
		ef.EmergencyFlush()
	}
}

// GetStats returns a snapshot of the writer counters.
func (w *BatchWriter) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.CurrentBuffered = len(w.buffer)
	return stats
}

// BufferedCount returns the number of events currently buffered.
func (w *BatchWriter) BufferedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// setBatchSize is used by the adaptive variant.
func (w *BatchWriter) setBatchSize(size int) {
	w.mu.Lock()
	w.maxBatchSize = size
	w.mu.Unlock()
}

func (w *BatchWriter) batchSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxBatchSize
}

// Close performs one final flush, stops the ticker goroutine, and
// closes the inner sink when it supports closing. Idempotent.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.flushLocked()
	w.mu.Unlock()

	w.ticker.Stop()
	close(w.done)
	w.wg.Wait()

	if closer, ok := w.inner.(types.Closer); ok {
		return closer.Close()
	}
	return nil
}
