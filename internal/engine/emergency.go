package engine

import "sync"

// emergencyBuffer keeps the last N formatted log lines in memory so a
// crash handler has something to persist even when the queue and the
// sinks are unreachable. It is a fixed-size overwrite ring.
type emergencyBuffer struct {
	mu      sync.Mutex
	entries []string
	next    int
	full    bool
}

func newEmergencyBuffer(size int) *emergencyBuffer {
	if size <= 0 {
		size = 100
	}
	return &emergencyBuffer{entries: make([]string, size)}
}

// add records one line, overwriting the oldest when full.
func (b *emergencyBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = line
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// trySnapshot returns the buffered lines oldest-first, or nil when
// the lock is contended. The crash path calls this and must never
// block on a lock an interrupted goroutine may hold.
func (b *emergencyBuffer) trySnapshot() []string {
	if !b.mu.TryLock() {
		return nil
	}
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// snapshot returns the buffered lines oldest-first.
func (b *emergencyBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *emergencyBuffer) snapshotLocked() []string {
	if !b.full {
		out := make([]string, b.next)
		copy(out, b.entries[:b.next])
		return out
	}
	out := make([]string, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	out = append(out, b.entries[:b.next]...)
	return out
}

// len reports the number of buffered lines.
func (b *emergencyBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}
