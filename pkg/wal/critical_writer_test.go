package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"logward/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures written events and can be told to fail.
type recordingSink struct {
	mu     sync.Mutex
	events []*types.LogEvent
	fail   bool
	closed bool
}

func (s *recordingSink) Write(event *types.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("sink unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestWriter(t *testing.T, inner types.Sink, cfg Config) *CriticalWriter {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "test.wal")
	}
	w, err := NewCriticalWriter(inner, cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestProtectedWriteCommits(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWriter(t, sink, Config{})

	event := types.NewEvent(types.LevelError, "critical failure", "app", nil)
	require.NoError(t, w.Write(event))

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 0, w.PendingCount())

	recovered, err := w.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered, "committed events must not be re-delivered")
}

func TestUnprotectedLevelBypassesWAL(t *testing.T) {
	sink := &recordingSink{}
	path := filepath.Join(t.TempDir(), "bypass.wal")
	w := newTestWriter(t, sink, Config{Path: path})

	require.NoError(t, w.Write(types.NewEvent(types.LevelInfo, "routine", "app", nil)))

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 0, w.PendingCount())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data, "unprotected events must not touch the WAL")
}

func TestFailedDeliveryStaysPending(t *testing.T) {
	sink := &recordingSink{}
	sink.setFail(true)
	w := newTestWriter(t, sink, Config{})

	event := types.NewEvent(types.LevelCritical, "must not be lost", "app",
		map[string]interface{}{"attempt": "1"})
	require.Error(t, w.Write(event))

	assert.Equal(t, 1, w.PendingCount())

	recovered, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "must not be lost", recovered[0].Message)
	assert.Equal(t, types.LevelCritical, recovered[0].Level)
	assert.Equal(t, "1", recovered[0].Fields["attempt"])
}

func TestRecoverySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.wal")

	sink := &recordingSink{}
	sink.setFail(true)
	w := newTestWriter(t, sink, Config{Path: path})
	require.Error(t, w.Write(types.NewEvent(types.LevelError, "lost in flight", "app", nil)))
	require.NoError(t, w.Close())

	// A new process opens the same WAL.
	fresh := newTestWriter(t, &recordingSink{}, Config{Path: path})
	assert.Equal(t, 1, fresh.PendingCount())

	recovered, err := fresh.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "lost in flight", recovered[0].Message)
}

func TestRecoverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "standalone.wal")

	sink := &recordingSink{}
	sink.setFail(true)
	w := newTestWriter(t, sink, Config{Path: path})
	require.Error(t, w.Write(types.NewEvent(types.LevelError, "orphaned", "app", nil)))
	require.NoError(t, w.Close())

	events, err := RecoverFile(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "orphaned", events[0].Message)

	_, err = RecoverFile(filepath.Join(t.TempDir(), "missing.wal"))
	assert.Error(t, err)
}

func TestSequencesRecoverInOrder(t *testing.T) {
	sink := &recordingSink{}
	sink.setFail(true)
	w := newTestWriter(t, sink, Config{})

	for i := 0; i < 5; i++ {
		w.Write(types.NewEvent(types.LevelError, fmt.Sprintf("event-%d", i), "app", nil))
	}

	recovered, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 5)
	for i, event := range recovered {
		assert.Equal(t, fmt.Sprintf("event-%d", i), event.Message)
	}
}

func TestCompactionDropsCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compact.wal")
	sink := &recordingSink{}
	w := newTestWriter(t, sink, Config{Path: path, CompactEvery: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(types.NewEvent(types.LevelError, "ok", "app", nil)))
	}

	// Compaction ran after the third write; all records were
	// committed so the WAL should be empty.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, 0, w.PendingCount())
}

func TestCompactionKeepsPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.wal")
	sink := &recordingSink{}
	w := newTestWriter(t, sink, Config{Path: path, CompactEvery: 2})

	require.Error(t, func() error {
		sink.setFail(true)
		defer sink.setFail(false)
		return w.Write(types.NewEvent(types.LevelError, "stuck", "app", nil))
	}())
	require.NoError(t, w.Write(types.NewEvent(types.LevelError, "fine", "app", nil)))

	recovered, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "stuck", recovered[0].Message)
}

func TestCustomProtectedLevels(t *testing.T) {
	sink := &recordingSink{}
	sink.setFail(true)
	w := newTestWriter(t, sink, Config{
		ForceFlushLevels: []types.Level{types.LevelWarn},
	})

	// WARN is protected, ERROR is not under the custom set.
	require.Error(t, w.Write(types.NewEvent(types.LevelWarn, "protected", "app", nil)))
	require.Error(t, w.Write(types.NewEvent(types.LevelError, "bypassed", "app", nil)))

	recovered, err := w.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "protected", recovered[0].Message)
}

func TestClearWAL(t *testing.T) {
	sink := &recordingSink{}
	sink.setFail(true)
	w := newTestWriter(t, sink, Config{})

	w.Write(types.NewEvent(types.LevelError, "junk", "app", nil))
	require.Equal(t, 1, w.PendingCount())

	require.NoError(t, w.ClearWAL())
	assert.Equal(t, 0, w.PendingCount())

	recovered, err := w.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestCloseIsIdempotentAndClosesInner(t *testing.T) {
	sink := &recordingSink{}
	w := newTestWriter(t, sink, Config{})

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.True(t, sink.closed)

	err := w.Write(types.NewEvent(types.LevelError, "too late", "app", nil))
	assert.ErrorIs(t, err, ErrClosed)
}
