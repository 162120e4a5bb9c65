package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"time"
)

// LogEvent is a single structured log event. An event is built once on
// the producer goroutine and is read-only afterwards, so it can be
// shared across the queue, the worker and every sink without copying.
type LogEvent struct {
	Level       Level                  `json:"level"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	GoroutineID uint64                 `json:"goroutine_id"`
	ThreadName  string                 `json:"thread_name,omitempty"`
	LoggerName  string                 `json:"logger_name,omitempty"`
	File        string                 `json:"file,omitempty"`
	Line        int                    `json:"line,omitempty"`
	Function    string                 `json:"function,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// NewEvent builds an event on the calling goroutine. The message is
// always realized as a string; fields may be nil.
func NewEvent(level Level, message, loggerName string, fields map[string]interface{}) *LogEvent {
	return &LogEvent{
		Level:       level,
		Message:     message,
		Timestamp:   time.Now(),
		GoroutineID: goroutineID(),
		LoggerName:  loggerName,
		Fields:      fields,
	}
}

// WithCaller records the source location of the log call. skip counts
// stack frames above WithCaller itself, as in runtime.Caller.
func (e *LogEvent) WithCaller(skip int) *LogEvent {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return e
	}
	e.File = file
	e.Line = line
	if fn := runtime.FuncForPC(pc); fn != nil {
		e.Function = fn.Name()
	}
	return e
}

// Clone returns a deep copy. Sinks that mutate events for their own
// rendering must operate on a clone, never on the shared event.
func (e *LogEvent) Clone() *LogEvent {
	clone := *e
	if e.Fields != nil {
		clone.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			clone.Fields[k] = v
		}
	}
	return &clone
}

// MarshalBinary encodes the event as JSON for durable storage.
func (e *LogEvent) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary decodes an event previously encoded by MarshalBinary.
func (e *LogEvent) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}

// String renders the event in the fixed human-readable form used by
// the console and emergency paths.
func (e *LogEvent) String() string {
	return fmt.Sprintf("[%s] [%-8s] [%s] %s",
		e.Timestamp.Format("2006-01-02 15:04:05.000"),
		e.Level.String(),
		e.ThreadName,
		e.Message)
}

// goroutineID parses the goroutine id from the runtime stack header.
// Go deliberately hides goroutine ids; this is only event metadata,
// never used for synchronization.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header shape: "goroutine 12 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
