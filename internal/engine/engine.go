// Package engine implements the logging core: the ingestion gate, the
// bounded queue, the single worker loop that batches events out to the
// registered sinks, and the lifecycle around them.
//
// The queue is the sole concurrency boundary. Producers enqueue
// without ever blocking — a full queue drops the event and counts it —
// and one worker goroutine per engine instance performs all sink I/O,
// so batches reach sinks in queue order.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"logward/internal/config"
	"logward/internal/metrics"
	"logward/pkg/crashsafety"
	"logward/pkg/ringbuf"
	"logward/pkg/types"

	"github.com/sirupsen/logrus"
)

// ErrFlushIncomplete reports that Flush hit its bound before the queue
// fully drained. Callers that care about durability can retry or
// escalate; callers that don't can ignore it.
var ErrFlushIncomplete = fmt.Errorf("flush timed out before queue drained")

// drainPollInterval is the cadence at which Flush re-checks the
// processed counter once the queue looks empty.
const drainPollInterval = 5 * time.Millisecond

type namedSink struct {
	name string
	sink types.Sink
}

// Engine is the logging core. Create with New; all registration
// methods are safe to call before the first Log.
type Engine struct {
	cfg    config.EngineConfig
	logger *logrus.Logger

	minLevel atomic.Int32

	queue      chan *types.LogEvent
	stopCh     chan struct{}
	workerDone chan struct{}

	mu      sync.RWMutex
	sinks   []namedSink
	filters []types.FilterFunc
	router  types.Router

	logged     atomic.Uint64
	dropped    atomic.Uint64
	processed  atomic.Uint64
	filtered   atomic.Uint64
	sinkErrors atomic.Uint64

	// Durability surfaces; nil unless cfg.Durability.Enabled.
	emergency     *emergencyBuffer
	emergencyFile *os.File
	ring          *ringbuf.Buffer
	unregister    func()

	stateMu sync.Mutex
	closed  bool
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithLogger sets the side-channel logger used for the engine's own
// diagnostics (sink failures, durability warnings). The engine never
// logs its own events through itself.
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New validates cfg and builds an engine. Construction is the only
// place configuration errors are raised; Log never returns one.
func New(cfg config.EngineConfig, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.minLevel.Store(int32(cfg.MinLevel))

	if cfg.Durability.Enabled {
		if err := e.initDurability(); err != nil {
			return nil, err
		}
	}

	if cfg.Async {
		e.queue = make(chan *types.LogEvent, cfg.QueueCapacity)
		e.stopCh = make(chan struct{})
		e.workerDone = make(chan struct{})
		go e.worker()
	}

	return e, nil
}

// initDurability opens the emergency buffer, the emergency append
// file, the mmap ring, and registers with the crash-safety manager.
func (e *Engine) initDurability() error {
	d := e.cfg.Durability
	e.emergency = newEmergencyBuffer(d.EmergencyBufferSize)

	path := d.EmergencyPath
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("logward_emergency_%d.log", os.Getpid()))
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		// Best effort: the engine still works without the emergency
		// file, it just loses one of its fallbacks.
		e.logger.WithError(err).Warn("Failed to open emergency log file")
	} else {
		e.emergencyFile = file
	}

	if d.RingPath != "" {
		ring, err := ringbuf.Open(d.RingPath, d.RingSize, true)
		if err != nil {
			return fmt.Errorf("failed to open durable ring buffer: %w", err)
		}
		e.ring = ring
	}

	e.unregister = crashsafety.Register(e)
	return nil
}

// SetMinLevel changes the minimum severity at runtime. Used by the
// config reloader.
func (e *Engine) SetMinLevel(level types.Level) {
	e.minLevel.Store(int32(level))
}

// MinLevel returns the current minimum severity.
func (e *Engine) MinLevel() types.Level {
	return types.Level(e.minLevel.Load())
}

// AddSink registers a sink under a generated name.
func (e *Engine) AddSink(sink types.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, namedSink{
		name: fmt.Sprintf("sink_%d", len(e.sinks)),
		sink: sink,
	})
}

// AddNamedSink registers a sink under an explicit name used in metric
// labels and router targets.
func (e *Engine) AddNamedSink(name string, sink types.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, namedSink{name: name, sink: sink})
}

// AddFilter registers a veto predicate. Filters run in registration
// order; the first returning false stops delivery.
func (e *Engine) AddFilter(filter types.FilterFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters = append(e.filters, filter)
}

// SetRouter attaches a router. When set, batches are dispatched
// through it instead of being broadcast to every registered sink.
func (e *Engine) SetRouter(router types.Router) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.router = router
}

// Log ingests one event. Below-minimum events are filtered, not
// dropped. The call never blocks and never surfaces sink or
// durability failures.
func (e *Engine) Log(level types.Level, message string, fields map[string]interface{}) {
	if level < e.MinLevel() || level >= types.LevelOff {
		e.filtered.Add(1)
		metrics.RecordOutcome(e.cfg.Name, "filtered")
		return
	}

	event := types.NewEvent(level, message, e.cfg.Name, fields)

	e.mu.RLock()
	filters := e.filters
	e.mu.RUnlock()
	for _, filter := range filters {
		if !filter(event) {
			e.filtered.Add(1)
			metrics.RecordOutcome(e.cfg.Name, "filtered")
			return
		}
	}

	e.captureDurable(event)

	if !e.cfg.Async {
		e.logged.Add(1)
		metrics.RecordOutcome(e.cfg.Name, "logged")
		e.writeBatch([]*types.LogEvent{event})
		return
	}

	select {
	case e.queue <- event:
		e.logged.Add(1)
		metrics.RecordOutcome(e.cfg.Name, "logged")
	default:
		// Backpressure policy: drop and count, never stall the
		// producer behind a slow sink.
		e.dropped.Add(1)
		metrics.RecordOutcome(e.cfg.Name, "dropped")
	}
	metrics.SetQueueUtilization(e.cfg.Name, float64(len(e.queue))/float64(cap(e.queue)))
}

// Trace logs at TRACE level.
func (e *Engine) Trace(message string, fields map[string]interface{}) {
	e.Log(types.LevelTrace, message, fields)
}

// Debug logs at DEBUG level.
func (e *Engine) Debug(message string, fields map[string]interface{}) {
	e.Log(types.LevelDebug, message, fields)
}

// Info logs at INFO level.
func (e *Engine) Info(message string, fields map[string]interface{}) {
	e.Log(types.LevelInfo, message, fields)
}

// Warn logs at WARN level.
func (e *Engine) Warn(message string, fields map[string]interface{}) {
	e.Log(types.LevelWarn, message, fields)
}

// Error logs at ERROR level.
func (e *Engine) Error(message string, fields map[string]interface{}) {
	e.Log(types.LevelError, message, fields)
}

// Critical logs at CRITICAL level.
func (e *Engine) Critical(message string, fields map[string]interface{}) {
	e.Log(types.LevelCritical, message, fields)
}

// captureDurable copies the event into the emergency buffer and the
// mmap ring. Both are best-effort: a durability failure must never
// break the primary path.
func (e *Engine) captureDurable(event *types.LogEvent) {
	if e.emergency != nil {
		e.emergency.add(event.String())
	}
	if e.ring != nil {
		e.ring.WriteEvent(event)
		metrics.RingEntries.WithLabelValues(e.ring.Path()).Set(float64(e.ring.GetStats().EntryCount))
	}
}

// worker is the single dispatch loop. It accumulates a batch and
// flushes when the batch reaches the configured size or the flush
// interval elapses with events pending. It exits once stopped and the
// queue is drained.
func (e *Engine) worker() {
	defer close(e.workerDone)

	batch := make([]*types.LogEvent, 0, e.cfg.BatchSize)
	timer := time.NewTimer(e.cfg.FlushInterval)
	defer timer.Stop()

	flushBatch := func() {
		if len(batch) > 0 {
			e.writeBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case event := <-e.queue:
			batch = append(batch, event)
			if len(batch) >= e.cfg.BatchSize {
				flushBatch()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(e.cfg.FlushInterval)
			}

		case <-timer.C:
			flushBatch()
			timer.Reset(e.cfg.FlushInterval)

		case <-e.stopCh:
			// Drain whatever is still queued, then deliver the
			// final batch.
			for {
				select {
				case event := <-e.queue:
					batch = append(batch, event)
					if len(batch) >= e.cfg.BatchSize {
						flushBatch()
					}
				default:
					flushBatch()
					return
				}
			}
		}
	}
}

// writeBatch delivers a batch to every sink, or through the router
// when one is attached. Failures are isolated per event and per sink:
// they are counted and logged to the side channel, never re-raised.
func (e *Engine) writeBatch(batch []*types.LogEvent) {
	start := time.Now()

	e.mu.RLock()
	sinks := e.sinks
	router := e.router
	e.mu.RUnlock()

	for _, event := range batch {
		if router != nil {
			e.dispatchRouted(router, event)
		} else {
			for _, ns := range sinks {
				e.safeWrite(ns, event)
			}
		}
		e.processed.Add(1)
		metrics.RecordOutcome(e.cfg.Name, "processed")
	}

	metrics.RecordBatchFlush(e.cfg.Name, time.Since(start))
}

// dispatchRouted sends one event through the router, converting a
// router panic into a counted error.
func (e *Engine) dispatchRouted(router types.Router, event *types.LogEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.sinkErrors.Add(1)
			e.logger.WithField("panic", r).Error("Router dispatch panicked")
		}
	}()
	router.Dispatch(event)
}

// safeWrite writes one event to one sink, absorbing both errors and
// panics so the remaining batch still reaches the other sinks.
func (e *Engine) safeWrite(ns namedSink, event *types.LogEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.sinkErrors.Add(1)
			metrics.RecordSinkError(e.cfg.Name, ns.name)
			e.logger.WithFields(logrus.Fields{
				"sink":  ns.name,
				"panic": r,
			}).Error("Sink write panicked")
		}
	}()

	if err := ns.sink.Write(event); err != nil {
		e.sinkErrors.Add(1)
		metrics.RecordSinkError(e.cfg.Name, ns.name)
		e.logger.WithError(err).WithField("sink", ns.name).Warn("Sink write failed")
	}
}

// Flush blocks until every currently queued event has been processed,
// bounded by ctx (or the configured FlushTimeout when ctx carries no
// deadline), then flushes every sink that supports flushing. Returns
// ErrFlushIncomplete when the bound was hit first.
func (e *Engine) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.FlushTimeout)
		defer cancel()
	}

	var drainErr error
	if e.cfg.Async && e.queue != nil {
		ticker := time.NewTicker(drainPollInterval)
		defer ticker.Stop()

	drain:
		for {
			if len(e.queue) == 0 && e.processed.Load() >= e.logged.Load() {
				break
			}
			select {
			case <-ctx.Done():
				drainErr = ErrFlushIncomplete
				break drain
			case <-ticker.C:
			}
		}
	}

	e.mu.RLock()
	sinks := e.sinks
	router := e.router
	e.mu.RUnlock()

	for _, ns := range sinks {
		if flusher, ok := ns.sink.(types.Flusher); ok {
			if err := flusher.Flush(); err != nil {
				e.logger.WithError(err).WithField("sink", ns.name).Warn("Sink flush failed")
			}
		}
	}
	if flusher, ok := router.(types.Flusher); ok {
		if err := flusher.Flush(); err != nil {
			e.logger.WithError(err).Warn("Router flush failed")
		}
	}

	return drainErr
}

// Shutdown stops the worker with a bounded join, closes every sink
// that supports closing, and tears down the durability surfaces.
// Idempotent and safe to call from a process-exit hook.
func (e *Engine) Shutdown() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.stateMu.Unlock()

	if e.cfg.Async && e.stopCh != nil {
		close(e.stopCh)
		select {
		case <-e.workerDone:
		case <-time.After(e.cfg.ShutdownTimeout):
			e.logger.Warn("Worker did not stop within shutdown timeout")
		}
	}

	e.mu.RLock()
	sinks := e.sinks
	router := e.router
	e.mu.RUnlock()

	for _, ns := range sinks {
		if closer, ok := ns.sink.(types.Closer); ok {
			if err := closer.Close(); err != nil {
				e.logger.WithError(err).WithField("sink", ns.name).Warn("Sink close failed")
			}
		}
	}
	if closer, ok := router.(types.Closer); ok {
		if err := closer.Close(); err != nil {
			e.logger.WithError(err).Warn("Router close failed")
		}
	}

	if e.unregister != nil {
		e.unregister()
		e.unregister = nil
	}
	if e.ring != nil {
		if err := e.ring.Close(); err != nil {
			e.logger.WithError(err).Warn("Ring buffer close failed")
		}
	}
	if e.emergencyFile != nil {
		e.emergencyFile.Close()
		e.emergencyFile = nil
	}

	return nil
}

// EmergencyFlush is the signal-path flush invoked by the crash-safety
// manager. It restricts itself to already-buffered, best-effort work:
// a non-blocking snapshot of the emergency buffer appended to the
// emergency file, an msync of the ring, and capability flushes on the
// sinks, each tolerating failure.
func (e *Engine) EmergencyFlush() {
	metrics.EmergencyFlushesTotal.Inc()

	if e.emergency != nil && e.emergencyFile != nil {
		// trySnapshot never blocks: if the buffer lock is held by an
		// interrupted goroutine we skip it rather than deadlock.
		for _, line := range e.emergency.trySnapshot() {
			if _, err := e.emergencyFile.WriteString(line + "\n"); err != nil {
				break
			}
		}
		_ = e.emergencyFile.Sync()
	}

	if e.ring != nil {
		e.ring.EmergencyFlush()
	}

	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, ns := range sinks {
		func() {
			defer func() { recover() }()
			if ef, ok := ns.sink.(types.EmergencyFlusher); ok {
				ef.EmergencyFlush()
			} else if flusher, ok := ns.sink.(types.Flusher); ok {
				_ = flusher.Flush()
			}
		}()
	}
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() types.EngineMetrics {
	m := types.EngineMetrics{
		Logged:     e.logged.Load(),
		Dropped:    e.dropped.Load(),
		Processed:  e.processed.Load(),
		Filtered:   e.filtered.Load(),
		SinkErrors: e.sinkErrors.Load(),
	}
	if e.queue != nil {
		m.QueueDepth = len(e.queue)
	}
	return m
}

// Config returns the engine configuration (a copy).
func (e *Engine) Config() config.EngineConfig {
	return e.cfg
}

// Ring exposes the durable ring buffer, or nil when durability is
// disabled. Used by recovery tooling and tests.
func (e *Engine) Ring() *ringbuf.Buffer {
	return e.ring
}

// RecoverDurable returns the raw records currently captured in the
// ring buffer, and whether the buffer was recovered from an unclean
// shutdown.
func (e *Engine) RecoverDurable() ([][]byte, bool) {
	if e.ring == nil {
		return nil, false
	}
	return e.ring.Recover(), e.ring.NeedsRecovery()
}
