// Package health evaluates engine counters and process resource
// usage into a coarse healthy/degraded/unhealthy verdict and serves
// it over HTTP.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"logward/pkg/types"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Status is the overall verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Source is the minimal engine surface the checker needs; the
// logging engine satisfies it.
type Source interface {
	Metrics() types.EngineMetrics
}

// Thresholds configure when counters count against health.
type Thresholds struct {
	// MaxQueueDepth marks degraded when exceeded, relative to
	// whatever queue the source reports. Zero disables the check.
	MaxQueueDepth int
	// MaxDropRate is the tolerated dropped/(logged+dropped) ratio.
	MaxDropRate float64
	// MaxSinkErrorRate is the tolerated sinkErrors/processed ratio.
	MaxSinkErrorRate float64
	// MaxRSS marks degraded when the process resident set exceeds
	// it, in bytes. Zero disables the check.
	MaxRSS uint64
	// StallAfter marks the pipeline stalled when the processed
	// counter has not advanced between checks this far apart while
	// events sit in the queue. Zero disables the check.
	StallAfter time.Duration
}

// DefaultThresholds tolerates 1% drops and 5% sink errors.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxDropRate:      0.01,
		MaxSinkErrorRate: 0.05,
		StallAfter:       time.Minute,
	}
}

// Report is one health evaluation.
type Report struct {
	Status    Status              `json:"status"`
	Issues    []string            `json:"issues,omitempty"`
	Engine    types.EngineMetrics `json:"engine"`
	Process   ProcessStats        `json:"process"`
	CheckedAt time.Time           `json:"checked_at"`
}

// ProcessStats is the resource snapshot of the running process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Checker evaluates a metrics source against thresholds.
type Checker struct {
	source     Source
	thresholds Thresholds
	logger     *logrus.Logger

	mu            sync.Mutex
	proc          *process.Process
	last          Report
	lastProcessed uint64
	lastProgress  time.Time
}

// NewChecker builds a checker for the current process.
func NewChecker(source Source, thresholds Thresholds, logger *logrus.Logger) *Checker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Checker{
		source:     source,
		thresholds: thresholds,
		logger:     logger,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = proc
	} else {
		logger.WithError(err).Warn("Process stats unavailable")
	}
	return c
}

// Check evaluates the source now and returns the report.
func (c *Checker) Check() Report {
	m := c.source.Metrics()
	report := Report{
		Status:    StatusHealthy,
		Engine:    m,
		CheckedAt: time.Now(),
	}

	if total := m.Logged + m.Dropped; total > 0 {
		rate := float64(m.Dropped) / float64(total)
		if rate > c.thresholds.MaxDropRate {
			report.Issues = append(report.Issues,
				fmt.Sprintf("drop rate %.2f%% exceeds %.2f%%", rate*100, c.thresholds.MaxDropRate*100))
		}
	}
	if m.Processed > 0 {
		rate := float64(m.SinkErrors) / float64(m.Processed)
		if rate > c.thresholds.MaxSinkErrorRate {
			report.Issues = append(report.Issues,
				fmt.Sprintf("sink error rate %.2f%% exceeds %.2f%%", rate*100, c.thresholds.MaxSinkErrorRate*100))
		}
	}
	if c.thresholds.MaxQueueDepth > 0 && m.QueueDepth > c.thresholds.MaxQueueDepth {
		report.Issues = append(report.Issues,
			fmt.Sprintf("queue depth %d exceeds %d", m.QueueDepth, c.thresholds.MaxQueueDepth))
	}

	report.Process = c.processStats()
	if c.thresholds.MaxRSS > 0 && report.Process.RSSBytes > c.thresholds.MaxRSS {
		report.Issues = append(report.Issues,
			fmt.Sprintf("rss %d bytes exceeds %d", report.Process.RSSBytes, c.thresholds.MaxRSS))
	}

	if issue := c.stallIssue(m, report.CheckedAt); issue != "" {
		report.Issues = append(report.Issues, issue)
	}

	switch {
	case len(report.Issues) >= 2:
		report.Status = StatusUnhealthy
	case len(report.Issues) == 1:
		report.Status = StatusDegraded
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report without re-evaluating.
func (c *Checker) Last() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// stallIssue tracks the processed counter across checks. A queue with
// pending events and no processing progress for StallAfter means the
// worker or a sink is stuck.
func (c *Checker) stallIssue(m types.EngineMetrics, now time.Time) string {
	if c.thresholds.StallAfter <= 0 {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m.Processed != c.lastProcessed || c.lastProgress.IsZero() || m.QueueDepth == 0 {
		c.lastProcessed = m.Processed
		c.lastProgress = now
		return ""
	}
	if stalled := now.Sub(c.lastProgress); stalled >= c.thresholds.StallAfter {
		return fmt.Sprintf("pipeline stalled: %d queued events, no progress for %s",
			m.QueueDepth, stalled.Round(time.Second))
	}
	return ""
}

func (c *Checker) processStats() ProcessStats {
	stats := ProcessStats{PID: int32(os.Getpid())}
	if c.proc == nil {
		return stats
	}
	if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}

// Routes registers /healthz and /readyz on the given router.
// /healthz re-evaluates on every request; /readyz answers 200 as soon
// as the checker exists, matching the usual liveness/readiness split.
func (c *Checker) Routes(r *mux.Router) {
	r.HandleFunc("/healthz", c.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.handleReadyz).Methods(http.MethodGet)
}

func (c *Checker) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	report := c.Check()
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		c.logger.WithError(err).Warn("Failed to encode health report")
	}
}

func (c *Checker) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}
