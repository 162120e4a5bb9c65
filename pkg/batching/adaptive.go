package batching

import (
	"sync"
	"time"

	"logward/pkg/types"

	"github.com/sirupsen/logrus"
)

// Throughput thresholds, in events per second, at which the adaptive
// writer grows or shrinks its batch size.
const (
	highThroughputThreshold = 1000.0
	lowThroughputThreshold  = 100.0
)

// AdaptiveConfig configures an AdaptiveBatchWriter.
type AdaptiveConfig struct {
	// MinBatchSize and MaxBatchSize bound the adjusted batch size.
	MinBatchSize     int `yaml:"min_batch_size"`
	MaxBatchSize     int `yaml:"max_batch_size"`
	InitialBatchSize int `yaml:"initial_batch_size"`

	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBufferSize int           `yaml:"max_buffer_size"`

	// RateWindow is the sliding window over which throughput is
	// observed; AdjustInterval is how often the batch size is
	// re-evaluated.
	RateWindow     time.Duration `yaml:"rate_window"`
	AdjustInterval time.Duration `yaml:"adjust_interval"`
}

func (c *AdaptiveConfig) applyDefaults() {
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 10
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 500
	}
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = 5 * time.Second
	}
}

// AdaptiveBatchWriter is a BatchWriter whose batch size follows the
// observed write rate: high throughput trades latency for larger, more
// efficient batches, low throughput shrinks them back down. No external
// reconfiguration is ever required.
type AdaptiveBatchWriter struct {
	*BatchWriter

	config AdaptiveConfig
	logger *logrus.Logger

	rateMu     sync.Mutex
	timestamps []time.Time
	lastAdjust time.Time

	// now is replaceable in tests to drive the rate window.
	now func() time.Time
}

// NewAdaptiveBatchWriter wraps inner with adaptive batching.
func NewAdaptiveBatchWriter(inner types.Sink, cfg AdaptiveConfig, logger *logrus.Logger) *AdaptiveBatchWriter {
	cfg.applyDefaults()

	base := NewBatchWriter(inner, BatchWriterConfig{
		MaxBatchSize:  cfg.InitialBatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxBufferSize: cfg.MaxBufferSize,
	}, logger)

	return &AdaptiveBatchWriter{
		BatchWriter: base,
		config:      cfg,
		logger:      logger,
		lastAdjust:  time.Now(),
		now:         time.Now,
	}
}

// Write records the event timestamp for throughput tracking, adjusts
// the batch size when the adjustment interval elapsed, then delegates
// to the base writer.
func (w *AdaptiveBatchWriter) Write(event *types.LogEvent) error {
	now := w.now()

	w.rateMu.Lock()
	w.timestamps = append(w.timestamps, now)
	w.pruneLocked(now)
	if now.Sub(w.lastAdjust) >= w.config.AdjustInterval {
		w.adjustLocked()
		w.lastAdjust = now
	}
	w.rateMu.Unlock()

	return w.BatchWriter.Write(event)
}

// pruneLocked drops timestamps outside the rate window. Caller holds
// w.rateMu.
func (w *AdaptiveBatchWriter) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.config.RateWindow)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// rateLocked computes the observed write rate in events per second.
// Caller holds w.rateMu.
func (w *AdaptiveBatchWriter) rateLocked() float64 {
	if len(w.timestamps) < 2 {
		return 0
	}
	span := w.timestamps[len(w.timestamps)-1].Sub(w.timestamps[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(w.timestamps)) / span
}

// adjustLocked grows the batch size by 50% under high throughput and
// shrinks it by 25% under low throughput, within the configured
// bounds. Caller holds w.rateMu.
func (w *AdaptiveBatchWriter) adjustLocked() {
	rate := w.rateLocked()
	current := w.batchSize()

	var next int
	switch {
	case rate > highThroughputThreshold:
		next = current * 3 / 2
		if next > w.config.MaxBatchSize {
			next = w.config.MaxBatchSize
		}
	case rate < lowThroughputThreshold:
		next = current * 3 / 4
		if next < w.config.MinBatchSize {
			next = w.config.MinBatchSize
		}
	default:
		return
	}

	if next != current {
		w.setBatchSize(next)
		w.logger.WithFields(logrus.Fields{
			"rate":       rate,
			"batch_size": next,
		}).Debug("Adjusted batch size")
	}
}

// CurrentRate returns the observed write rate in events per second.
func (w *AdaptiveBatchWriter) CurrentRate() float64 {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	return w.rateLocked()
}

// CurrentBatchSize returns the batch size currently in effect.
func (w *AdaptiveBatchWriter) CurrentBatchSize() int {
	return w.batchSize()
}
