package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is the severity of a log event. Levels are ordered: a level
// passes a gate when it is numerically greater than or equal to the
// configured minimum.
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
	// LevelOff disables logging entirely when used as a minimum level.
	LevelOff
)

var levelNames = map[Level]string{
	LevelTrace:    "TRACE",
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarn:     "WARN",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
	LevelOff:      "OFF",
}

var levelFromName = func() map[string]Level {
	m := make(map[string]Level, len(levelNames))
	for l, name := range levelNames {
		m[name] = l
	}
	return m
}()

// ANSI color codes used by the console sink.
var levelColors = map[Level]string{
	LevelTrace:    "\033[37m",
	LevelDebug:    "\033[36m",
	LevelInfo:     "\033[32m",
	LevelWarn:     "\033[33m",
	LevelError:    "\033[31m",
	LevelCritical: "\033[35m",
}

// ColorReset resets terminal color after a colored level tag.
const ColorReset = "\033[0m"

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int32(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// Color returns the ANSI escape sequence for this level, or an empty
// string for levels that have no color (OFF).
func (l Level) Color() string {
	return levelColors[l]
}

// ParseLevel converts a level name to a Level. Matching is
// case-insensitive; unknown names return an error.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelFromName[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return LevelOff, fmt.Errorf("invalid log level: %q", s)
}

// MarshalJSON encodes the level as its upper-case name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level from its name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalYAML allows levels to be written as names in config files.
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalYAML encodes the level as its name.
func (l Level) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}
