package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"logward/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestReloaderAppliesValidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_level: INFO\n"), 0o644))

	changes := make(chan EngineConfig, 4)
	r, err := NewReloader(path, quietLogger(), func(cfg EngineConfig) {
		changes <- cfg
	})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(path, []byte("min_level: ERROR\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, types.LevelError, cfg.MinLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestReloaderIgnoresInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_level: INFO\n"), 0o644))

	changes := make(chan EngineConfig, 4)
	r, err := NewReloader(path, quietLogger(), func(cfg EngineConfig) {
		changes <- cfg
	})
	require.NoError(t, err)
	defer r.Close()

	// Broken YAML must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("batch_size: -1\n"), 0o644))

	select {
	case cfg := <-changes:
		t.Fatalf("invalid config was applied: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReloaderIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_level: INFO\n"), 0o644))

	changes := make(chan EngineConfig, 4)
	r, err := NewReloader(path, quietLogger(), func(cfg EngineConfig) {
		changes <- cfg
	})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.yaml"), []byte("min_level: ERROR\n"), 0o644))

	select {
	case <-changes:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReloaderCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_level: INFO\n"), 0o644))

	r, err := NewReloader(path, quietLogger(), func(EngineConfig) {})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
