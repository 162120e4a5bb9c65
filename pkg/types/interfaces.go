package types

// Sink is the destination contract consumed by the engine. Write may
// fail; the engine catches failures per event so one broken sink never
// blocks delivery to the others.
type Sink interface {
	Write(event *LogEvent) error
}

// Flusher is the optional flush capability. Not every sink buffers, so
// the engine checks for this interface before calling it.
type Flusher interface {
	Flush() error
}

// Syncer is the optional capability to force buffered output to stable
// media. The critical writer uses it to differentiate severe events.
type Syncer interface {
	Sync() error
}

// Closer is the optional close capability. Close must be idempotent.
type Closer interface {
	Close() error
}

// EmergencyFlusher is implemented by components that can perform a
// best-effort, signal-safe flush. Implementations must swallow their
// own failures and must not block on locks the interrupted goroutine
// may hold.
type EmergencyFlusher interface {
	EmergencyFlush()
}

// Router maps events to named sinks. When a router is attached the
// engine calls Dispatch instead of broadcasting to every sink.
type Router interface {
	// SinksFor returns the names of the sinks this event routes to.
	SinksFor(event *LogEvent) []string
	// Dispatch delivers the event and reports how many sinks received it.
	Dispatch(event *LogEvent) int
}

// FilterFunc vetoes delivery of an event when it returns false.
// Filters run in registration order; the first veto wins.
type FilterFunc func(event *LogEvent) bool

// EngineMetrics is a point-in-time snapshot of the engine counters.
// Counters are monotonically increasing for the life of the engine.
type EngineMetrics struct {
	Logged     uint64 `json:"logged"`
	Dropped    uint64 `json:"dropped"`
	Processed  uint64 `json:"processed"`
	Filtered   uint64 `json:"filtered"`
	SinkErrors uint64 `json:"sink_errors"`
	QueueDepth int    `json:"queue_depth"`
}
