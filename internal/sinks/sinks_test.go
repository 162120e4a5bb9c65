package sinks

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
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

func event(level types.Level, msg string) *types.LogEvent {
	e := types.NewEvent(level, msg, "test", nil)
	e.ThreadName = "main"
	return e
}

func TestConsoleSinkPlain(t *testing.T) {
	var out bytes.Buffer
	sink := NewConsoleSinkTo(&out)

	require.NoError(t, sink.Write(event(types.LevelInfo, "plain line")))

	line := out.String()
	assert.Contains(t, line, "plain line")
	assert.Contains(t, line, "[INFO    ]")
	assert.NotContains(t, line, "\033[")
}

func TestConsoleSinkColorized(t *testing.T) {
	var out bytes.Buffer
	sink := NewConsoleSinkTo(&out)
	sink.SetColorize(true)

	require.NoError(t, sink.Write(event(types.LevelError, "red line")))

	line := out.String()
	assert.True(t, strings.HasPrefix(line, types.LevelError.Color()))
	assert.Contains(t, line, types.ColorReset)
}

func TestFileSinkWritesThroughBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Write(event(types.LevelInfo, "buffered")))

	// Not on disk until flushed.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, sink.Flush())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "buffered")

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Error(t, sink.Write(event(types.LevelInfo, "after close")))
}

func TestFileSinkSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write(event(types.LevelError, "synced")))
	require.NoError(t, sink.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "synced")
}

func TestRotatingSinkRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rotate.log")
	sink, err := NewRotatingFileSink(path, RotatingConfig{
		MaxSize:  200,
		Compress: false,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Write(event(types.LevelInfo, fmt.Sprintf("filler line %02d padding padding", i))))
	}
	require.NoError(t, sink.Close())

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "expected at least one rotated file")

	// The active file never exceeds the limit by more than one line.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(300))
}

func TestRotatingSinkCompressesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gz.log")
	sink, err := NewRotatingFileSink(path, RotatingConfig{
		MaxSize:  120,
		Compress: true,
	})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, sink.Write(event(types.LevelInfo, fmt.Sprintf("compressible content %d", i))))
	}
	require.NoError(t, sink.Close())

	gzFiles, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	require.NotEmpty(t, gzFiles)

	f, err := os.Open(gzFiles[0])
	require.NoError(t, err)
	defer f.Close()
	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Contains(t, string(content), "compressible content")
}

func TestRotatingSinkPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prune.log")
	sink, err := NewRotatingFileSink(path, RotatingConfig{
		MaxSize:    80,
		MaxBackups: 2,
		Compress:   false,
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, sink.Write(event(types.LevelInfo, fmt.Sprintf("line for rotation cycle %02d", i))))
		// Timestamp suffixes need distinct nanoseconds; writes are
		// fast enough that consecutive rotations could collide.
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, sink.Close())

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)
}

func TestTCPSinkSendsJSONLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	sink, err := NewNetworkSink(DefaultNetworkConfig("tcp", ln.Addr().String()), quietLogger())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write(event(types.LevelWarn, "over the wire")))

	select {
	case line := <-received:
		var decoded types.LogEvent
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		assert.Equal(t, "over the wire", decoded.Message)
		assert.Equal(t, types.LevelWarn, decoded.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("no line received")
	}

	stats := sink.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.EventsSent)
}

func TestUDPSinkSends(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	sink, err := NewNetworkSink(DefaultNetworkConfig("udp", conn.LocalAddr().String()), quietLogger())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write(event(types.LevelInfo, "datagram")))

	buf := make([]byte, 64*1024)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "datagram")
}

func TestNetworkSinkReconnectBackoff(t *testing.T) {
	// Dial something that refuses connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := DefaultNetworkConfig("tcp", addr)
	cfg.ReconnectInterval = time.Hour
	cfg.MaxReconnects = 2
	sink, err := NewNetworkSink(cfg, quietLogger())
	require.NoError(t, err)
	defer sink.Close()

	// The failed initial dial counts; the interval then suppresses
	// immediate retries.
	err = sink.Write(event(types.LevelInfo, "nobody listening"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect pending")
	assert.False(t, sink.Stats().Connected)
}

func TestNetworkSinkRejectsBadNetwork(t *testing.T) {
	_, err := NewNetworkSink(DefaultNetworkConfig("sctp", "localhost:1"), quietLogger())
	assert.Error(t, err)
}
