package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"logward/internal/config"
	"logward/pkg/crashsafety"
	"logward/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu     sync.Mutex
	events []*types.LogEvent
	block  chan struct{}
	closed bool
}

func (s *memorySink) Write(event *types.LogEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memorySink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Message
	}
	return out
}

type failingSink struct{}

func (failingSink) Write(*types.LogEvent) error {
	return fmt.Errorf("sink always fails")
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testConfig() config.EngineConfig {
	cfg := config.Default()
	cfg.MinLevel = types.LevelTrace
	cfg.FlushInterval = 10 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg config.EngineConfig) *Engine {
	t.Helper()
	eng, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		eng.Shutdown()
		crashsafety.Reset()
	})
	return eng
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.QueueCapacity = 10
	cfg.BatchSize = 20
	_, err := New(cfg, WithLogger(quietLogger()))
	assert.Error(t, err)
}

func TestEndToEndDelivery(t *testing.T) {
	sink := &memorySink{}
	eng := newTestEngine(t, testConfig())
	eng.AddSink(sink)

	for i := 0; i < 25; i++ {
		eng.Info(fmt.Sprintf("event-%d", i), nil)
	}

	require.NoError(t, eng.Flush(context.Background()))

	assert.Equal(t, 25, sink.count())
	m := eng.Metrics()
	assert.Equal(t, uint64(25), m.Logged)
	assert.Equal(t, uint64(25), m.Processed)
	assert.Zero(t, m.Dropped)

	// Delivery is in enqueue order.
	msgs := sink.messages()
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("event-%d", i), msg)
	}
}

func TestFlushDeliversExactlyOnce(t *testing.T) {
	sink := &memorySink{}
	eng := newTestEngine(t, testConfig())
	eng.AddSink(sink)

	eng.Warn("one", nil)
	require.NoError(t, eng.Flush(context.Background()))
	require.NoError(t, eng.Flush(context.Background()))

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, uint64(1), eng.Metrics().Processed)
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 4
	cfg.BatchSize = 4

	release := make(chan struct{})
	sink := &memorySink{block: release}
	eng := newTestEngine(t, cfg)
	eng.AddSink(sink)

	// The worker stalls on the first event; the queue then fills and
	// further events must drop immediately.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			eng.Info("flood", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a full queue")
	}

	close(release)
	eng.Flush(context.Background())

	m := eng.Metrics()
	assert.NotZero(t, m.Dropped)
	assert.Equal(t, uint64(50), m.Logged+m.Dropped)
	assert.Equal(t, m.Logged, m.Processed)
}

func TestMinLevelGate(t *testing.T) {
	cfg := testConfig()
	cfg.MinLevel = types.LevelWarn
	sink := &memorySink{}
	eng := newTestEngine(t, cfg)
	eng.AddSink(sink)

	eng.Debug("ignored", nil)
	eng.Info("ignored", nil)
	eng.Warn("kept", nil)
	eng.Error("kept", nil)

	require.NoError(t, eng.Flush(context.Background()))
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, uint64(2), eng.Metrics().Filtered)
}

func TestSetMinLevelAtRuntime(t *testing.T) {
	sink := &memorySink{}
	eng := newTestEngine(t, testConfig())
	eng.AddSink(sink)

	eng.SetMinLevel(types.LevelError)
	eng.Info("filtered now", nil)
	eng.Error("still logged", nil)

	require.NoError(t, eng.Flush(context.Background()))
	assert.Equal(t, []string{"still logged"}, sink.messages())
}

func TestFilterVeto(t *testing.T) {
	sink := &memorySink{}
	eng := newTestEngine(t, testConfig())
	eng.AddSink(sink)
	eng.AddFilter(func(event *types.LogEvent) bool {
		return event.Fields["tenant"] != "blocked"
	})

	eng.Info("allowed", map[string]interface{}{"tenant": "ok"})
	eng.Info("vetoed", map[string]interface{}{"tenant": "blocked"})

	require.NoError(t, eng.Flush(context.Background()))
	assert.Equal(t, []string{"allowed"}, sink.messages())
	assert.Equal(t, uint64(1), eng.Metrics().Filtered)
}

func TestSynchronousMode(t *testing.T) {
	cfg := testConfig()
	cfg.Async = false
	sink := &memorySink{}
	eng := newTestEngine(t, cfg)
	eng.AddSink(sink)

	eng.Info("direct", nil)

	// No flush needed: sync mode delivers inline.
	assert.Equal(t, 1, sink.count())
	m := eng.Metrics()
	assert.Equal(t, uint64(1), m.Logged)
	assert.Equal(t, uint64(1), m.Processed)
}

func TestSinkErrorsAreIsolated(t *testing.T) {
	sink := &memorySink{}
	eng := newTestEngine(t, testConfig())
	eng.AddNamedSink("broken", failingSink{})
	eng.AddNamedSink("working", sink)

	eng.Info("delivered despite the broken sink", nil)

	require.NoError(t, eng.Flush(context.Background()))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, uint64(1), eng.Metrics().SinkErrors)
}

func TestFlushTimesOutOnStuckSink(t *testing.T) {
	release := make(chan struct{})
	sink := &memorySink{block: release}
	eng := newTestEngine(t, testConfig())
	eng.AddSink(sink)

	eng.Info("stuck", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := eng.Flush(ctx)
	assert.ErrorIs(t, err, ErrFlushIncomplete)

	close(release)
}

func TestShutdownDrainsAndClosesSinks(t *testing.T) {
	sink := &memorySink{}
	eng := newTestEngine(t, testConfig())
	eng.AddSink(sink)

	for i := 0; i < 10; i++ {
		eng.Info("queued", nil)
	}

	require.NoError(t, eng.Shutdown())
	assert.Equal(t, 10, sink.count())
	assert.True(t, sink.closed)

	// Idempotent.
	require.NoError(t, eng.Shutdown())
}

func TestDurabilityCapturesToRing(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Durability.Enabled = true
	cfg.Durability.RingPath = filepath.Join(dir, "engine.ring")
	cfg.Durability.RingSize = 1 << 16
	cfg.Durability.EmergencyPath = filepath.Join(dir, "emergency.log")

	eng := newTestEngine(t, cfg)
	eng.AddSink(&memorySink{})

	eng.Error("durable event", nil)
	require.NoError(t, eng.Flush(context.Background()))

	records, _ := eng.RecoverDurable()
	require.Len(t, records, 1)

	var decoded types.LogEvent
	require.NoError(t, decoded.UnmarshalBinary(records[0]))
	assert.Equal(t, "durable event", decoded.Message)
}

func TestEmergencyFlushWritesBufferedLines(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Durability.Enabled = true
	cfg.Durability.EmergencyPath = filepath.Join(dir, "emergency.log")

	eng := newTestEngine(t, cfg)
	eng.AddSink(&memorySink{})

	eng.Critical("about to crash", nil)
	eng.EmergencyFlush()

	data, err := os.ReadFile(cfg.Durability.EmergencyPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "about to crash")
}

func TestDurabilityRegistersForCrashSafety(t *testing.T) {
	cfg := testConfig()
	cfg.Durability.Enabled = true
	cfg.Durability.EmergencyPath = filepath.Join(t.TempDir(), "emergency.log")

	eng := newTestEngine(t, cfg)
	assert.Equal(t, 1, crashsafety.RegisteredCount())

	require.NoError(t, eng.Shutdown())
	assert.Equal(t, 0, crashsafety.RegisteredCount())
}

type routeRecorder struct {
	mu     sync.Mutex
	events []*types.LogEvent
}

func (r *routeRecorder) SinksFor(*types.LogEvent) []string { return []string{"recorded"} }

func (r *routeRecorder) Dispatch(event *types.LogEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return 1
}

func TestRouterReceivesEventsInsteadOfSinks(t *testing.T) {
	direct := &memorySink{}
	recorder := &routeRecorder{}
	eng := newTestEngine(t, testConfig())
	eng.AddSink(direct)
	eng.SetRouter(recorder)

	eng.Info("routed", nil)
	require.NoError(t, eng.Flush(context.Background()))

	recorder.mu.Lock()
	routed := len(recorder.events)
	recorder.mu.Unlock()
	assert.Equal(t, 1, routed)
	assert.Zero(t, direct.count(), "router replaces direct fan-out")
}
