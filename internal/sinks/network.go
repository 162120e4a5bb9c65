package sinks

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"logward/pkg/types"

	"github.com/sirupsen/logrus"
)

// NetworkConfig controls a TCP or UDP sink.
type NetworkConfig struct {
	// Network is "tcp" or "udp".
	Network string
	// Addr is the host:port to connect to.
	Addr string
	// DialTimeout bounds connection attempts.
	DialTimeout time.Duration
	// WriteTimeout bounds each send on TCP.
	WriteTimeout time.Duration
	// ReconnectInterval is the minimum gap between reconnect
	// attempts after a failure.
	ReconnectInterval time.Duration
	// MaxReconnects caps consecutive failed reconnects before the
	// sink reports itself broken. Zero means unlimited.
	MaxReconnects int
}

// DefaultNetworkConfig applies the standard timeouts for addr.
func DefaultNetworkConfig(network, addr string) NetworkConfig {
	return NetworkConfig{
		Network:           network,
		Addr:              addr,
		DialTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReconnectInterval: time.Second,
		MaxReconnects:     5,
	}
}

// ConnectionStats is a snapshot of a network sink's health.
type ConnectionStats struct {
	Connected     bool      `json:"connected"`
	EventsSent    uint64    `json:"events_sent"`
	SendErrors    uint64    `json:"send_errors"`
	Reconnects    uint64    `json:"reconnects"`
	LastError     string    `json:"last_error,omitempty"`
	LastConnected time.Time `json:"last_connected,omitempty"`
}

// NetworkSink emits events as newline-delimited JSON over TCP or UDP.
// TCP failures trigger rate-limited redials with a cap on consecutive
// attempts; UDP sends are fire and forget.
type NetworkSink struct {
	cfg    NetworkConfig
	logger *logrus.Logger

	mu          sync.Mutex
	conn        net.Conn
	lastAttempt time.Time
	failures    int
	closed      bool
	stats       ConnectionStats
}

// NewNetworkSink dials the target once up front. A failed initial
// dial is not fatal: the sink retries on the write path.
func NewNetworkSink(cfg NetworkConfig, logger *logrus.Logger) (*NetworkSink, error) {
	switch cfg.Network {
	case "tcp", "udp":
	default:
		return nil, fmt.Errorf("unsupported network %q", cfg.Network)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &NetworkSink{cfg: cfg, logger: logger}
	s.mu.Lock()
	if err := s.connectLocked(); err != nil {
		logger.WithError(err).WithField("addr", cfg.Addr).Warn("Initial connect failed, will retry on write")
	}
	s.mu.Unlock()
	return s, nil
}

// connectLocked dials and replaces the current connection.
func (s *NetworkSink) connectLocked() error {
	s.lastAttempt = time.Now()
	conn, err := net.DialTimeout(s.cfg.Network, s.cfg.Addr, s.cfg.DialTimeout)
	if err != nil {
		s.failures++
		s.stats.LastError = err.Error()
		return err
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.failures = 0
	s.stats.Connected = true
	s.stats.Reconnects++
	s.stats.LastConnected = time.Now()
	return nil
}

// ensureConnLocked reconnects when disconnected, honoring the
// reconnect interval and the consecutive-failure cap.
func (s *NetworkSink) ensureConnLocked() error {
	if s.conn != nil {
		return nil
	}
	if s.cfg.MaxReconnects > 0 && s.failures >= s.cfg.MaxReconnects {
		return fmt.Errorf("gave up reconnecting to %s after %d attempts", s.cfg.Addr, s.failures)
	}
	if time.Since(s.lastAttempt) < s.cfg.ReconnectInterval {
		return fmt.Errorf("connection to %s down, reconnect pending", s.cfg.Addr)
	}
	return s.connectLocked()
}

// Write sends one event as a JSON line.
func (s *NetworkSink) Write(event *types.LogEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	payload = append(payload, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("network sink %s is closed", s.cfg.Addr)
	}
	if err := s.ensureConnLocked(); err != nil {
		s.stats.SendErrors++
		return err
	}

	if s.cfg.Network == "tcp" && s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if _, err := s.conn.Write(payload); err != nil {
		// Drop the connection so the next write redials.
		s.conn.Close()
		s.conn = nil
		s.stats.Connected = false
		s.stats.SendErrors++
		s.stats.LastError = err.Error()
		return fmt.Errorf("send to %s failed: %w", s.cfg.Addr, err)
	}
	s.stats.EventsSent++
	return nil
}

// Stats returns a snapshot of the connection health.
func (s *NetworkSink) Stats() ConnectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close shuts the connection down. Idempotent.
func (s *NetworkSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stats.Connected = false
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
