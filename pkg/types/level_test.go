package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelTrace < LevelDebug)
	assert.True(t, LevelDebug < LevelInfo)
	assert.True(t, LevelInfo < LevelWarn)
	assert.True(t, LevelWarn < LevelError)
	assert.True(t, LevelError < LevelCritical)
	assert.True(t, LevelCritical < LevelOff)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "TRACE", LevelTrace.String())
	assert.Equal(t, "CRITICAL", LevelCritical.String())
	assert.Equal(t, "OFF", LevelOff.String())
	assert.Equal(t, "LEVEL(42)", Level(42).String())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"trace":    LevelTrace,
		"DEBUG":    LevelDebug,
		" info ":   LevelInfo,
		"Warn":     LevelWarn,
		"error":    LevelError,
		"CRITICAL": LevelCritical,
		"off":      LevelOff,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLevelValid(t *testing.T) {
	assert.True(t, LevelInfo.Valid())
	assert.True(t, LevelOff.Valid())
	assert.False(t, Level(-1).Valid())
	assert.False(t, Level(99).Valid())
}

func TestLevelJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(LevelError)
	require.NoError(t, err)
	assert.Equal(t, `"ERROR"`, string(data))

	var l Level
	require.NoError(t, json.Unmarshal(data, &l))
	assert.Equal(t, LevelError, l)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &l))
}

func TestLevelColor(t *testing.T) {
	assert.NotEmpty(t, LevelError.Color())
	assert.Empty(t, LevelOff.Color())
}
