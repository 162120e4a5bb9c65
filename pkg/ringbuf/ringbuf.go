// Package ringbuf implements a fixed-size memory-mapped circular log.
//
// The buffer is last-resort forensic storage: producers append
// length-prefixed records that survive a process crash, and an
// out-of-process tool recovers them on the next start. It is
// deliberately lossy — once the region is full the oldest records are
// overwritten — and it is not a queue: nothing consumes from it during
// normal operation.
//
// On-disk layout, all integers little-endian:
//
//	offset 0:  uint32 magic (0x4C4F4742, "LOGB")
//	offset 4:  uint32 version
//	offset 8:  uint32 write offset
//	offset 12: uint32 entry count
//	offset 16: uint32 flags (0x1 dirty, 0x2 recovered)
//	offset 20: 12 reserved bytes
//	offset 32: records of [uint32 length][payload]
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"logward/pkg/types"

	"golang.org/x/sys/unix"
)

const (
	// HeaderSize is the fixed header region at offset 0.
	HeaderSize = 32
	// Magic identifies a valid buffer file ("LOGB").
	Magic = 0x4C4F4742
	// Version is the current on-disk format version.
	Version = 1

	// FlagDirty is set while the buffer is open; an open buffer with
	// the flag still set was not cleanly closed.
	FlagDirty = 0x01
	// FlagRecovered marks a dirty buffer whose contents have been
	// replayed by a recovery pass.
	FlagRecovered = 0x02
)

// ErrClosed is returned by operations on a closed buffer.
var ErrClosed = fmt.Errorf("ring buffer is closed")

// Buffer is a memory-mapped circular log. All methods are safe for
// concurrent use.
type Buffer struct {
	path string
	size int

	mu     sync.Mutex
	file   *os.File
	mm     []byte
	closed bool
}

type header struct {
	magic       uint32
	version     uint32
	writeOffset uint32
	entryCount  uint32
	flags       uint32
}

// Open maps the buffer file at path. An existing file with a valid
// magic number is reopened with its write offset and entry count
// preserved; otherwise, when create is true, a zero-filled file of
// size bytes is allocated with a fresh header and the dirty flag set.
func Open(path string, size int, create bool) (*Buffer, error) {
	if size <= HeaderSize {
		return nil, fmt.Errorf("ring buffer size must exceed header size %d, got %d", HeaderSize, size)
	}

	info, statErr := os.Stat(path)
	exists := statErr == nil && info.Size() >= HeaderSize

	if !exists && !create {
		return nil, fmt.Errorf("ring buffer file not found: %s", path)
	}

	if !exists {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create buffer directory: %w", err)
		}
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			return nil, fmt.Errorf("failed to allocate buffer file: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer file: %w", err)
	}

	if exists {
		// Map the file at its actual size, not the requested one.
		size = int(info.Size())
	}

	mm, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap buffer file: %w", err)
	}

	b := &Buffer{path: path, size: size, file: file, mm: mm}

	if exists {
		hdr := b.readHeader()
		if hdr.magic != Magic {
			b.unmap()
			return nil, fmt.Errorf("invalid ring buffer file %s: bad magic 0x%08X", path, hdr.magic)
		}
		// Flags are preserved on reopen: a cleanly closed file stays
		// clean until the next write sets the dirty flag again.
	} else {
		b.writeHeader(header{
			magic:       Magic,
			version:     Version,
			writeOffset: HeaderSize,
			entryCount:  0,
			flags:       FlagDirty,
		})
	}

	return b, nil
}

func (b *Buffer) readHeader() header {
	return header{
		magic:       binary.LittleEndian.Uint32(b.mm[0:4]),
		version:     binary.LittleEndian.Uint32(b.mm[4:8]),
		writeOffset: binary.LittleEndian.Uint32(b.mm[8:12]),
		entryCount:  binary.LittleEndian.Uint32(b.mm[12:16]),
		flags:       binary.LittleEndian.Uint32(b.mm[16:20]),
	}
}

func (b *Buffer) writeHeader(hdr header) {
	binary.LittleEndian.PutUint32(b.mm[0:4], hdr.magic)
	binary.LittleEndian.PutUint32(b.mm[4:8], hdr.version)
	binary.LittleEndian.PutUint32(b.mm[8:12], hdr.writeOffset)
	binary.LittleEndian.PutUint32(b.mm[12:16], hdr.entryCount)
	binary.LittleEndian.PutUint32(b.mm[16:20], hdr.flags)
}

// Write appends a length-prefixed record at the current offset. When
// the record would overflow the region the offset wraps to just past
// the header, silently overwriting the oldest data. Returns false when
// the buffer is closed or the record can never fit.
func (b *Buffer) Write(data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	recordSize := 4 + len(data)
	if HeaderSize+recordSize > b.size {
		// Oversized records would wrap forever; reject instead.
		return false
	}

	hdr := b.readHeader()
	offset := int(hdr.writeOffset)

	if offset+recordSize > b.size {
		offset = HeaderSize
	}

	binary.LittleEndian.PutUint32(b.mm[offset:offset+4], uint32(len(data)))
	copy(b.mm[offset+4:offset+4+len(data)], data)

	hdr.writeOffset = uint32(offset + recordSize)
	hdr.entryCount++
	hdr.flags = FlagDirty
	b.writeHeader(hdr)

	return true
}

// WriteEvent appends the JSON encoding of an event.
func (b *Buffer) WriteEvent(event *types.LogEvent) bool {
	data, err := event.MarshalBinary()
	if err != nil {
		return false
	}
	return b.Write(data)
}

// Recover scans records from just past the header up to the recorded
// write offset, stopping at the first corrupt or zero length. It never
// reads forward past the declared write offset.
func (b *Buffer) Recover() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	hdr := b.readHeader()
	end := int(hdr.writeOffset)
	if end > b.size {
		end = b.size
	}

	var records [][]byte
	offset := HeaderSize
	for offset+4 <= end {
		length := int(binary.LittleEndian.Uint32(b.mm[offset : offset+4]))
		if length == 0 || length > b.size {
			break
		}
		if offset+4+length > end {
			break
		}
		record := make([]byte, length)
		copy(record, b.mm[offset+4:offset+4+length])
		records = append(records, record)
		offset += 4 + length
	}

	return records
}

// NeedsRecovery reports whether the buffer was not cleanly closed
// since the last recovery pass.
func (b *Buffer) NeedsRecovery() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	flags := b.readHeader().flags
	return flags&FlagDirty != 0 && flags&FlagRecovered == 0
}

// MarkRecovered records that a recovery pass has replayed the buffer.
func (b *Buffer) MarkRecovered() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	hdr := b.readHeader()
	hdr.flags = FlagRecovered
	b.writeHeader(hdr)
	unix.Msync(b.mm, unix.MS_SYNC)
}

// Clear resets the buffer to its freshly created state.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	hdr := b.readHeader()
	hdr.writeOffset = HeaderSize
	hdr.entryCount = 0
	hdr.flags = 0
	b.writeHeader(hdr)
	for i := HeaderSize; i < b.size; i++ {
		b.mm[i] = 0
	}
	unix.Msync(b.mm, unix.MS_SYNC)
}

// Stats is a snapshot of the buffer header.
type Stats struct {
	Version    uint32 `json:"version"`
	Size       int    `json:"size"`
	Used       int    `json:"used"`
	EntryCount uint32 `json:"entry_count"`
	Dirty      bool   `json:"dirty"`
	Recovered  bool   `json:"recovered"`
}

// GetStats returns the current header state.
func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Stats{}
	}
	hdr := b.readHeader()
	return Stats{
		Version:    hdr.version,
		Size:       b.size,
		Used:       int(hdr.writeOffset) - HeaderSize,
		EntryCount: hdr.entryCount,
		Dirty:      hdr.flags&FlagDirty != 0,
		Recovered:  hdr.flags&FlagRecovered != 0,
	}
}

// Sync forces the mapping to stable media. Called from emergency
// flush paths; failures are reported but callers treat them as
// best-effort.
func (b *Buffer) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return unix.Msync(b.mm, unix.MS_SYNC)
}

// EmergencyFlush implements types.EmergencyFlusher: a best-effort sync
// that swallows failures.
func (b *Buffer) EmergencyFlush() {
	_ = b.Sync()
}

// Close clears the dirty flag and releases the mapping. A clean close
// is what distinguishes a graceful shutdown from a crash on the next
// open. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	hdr := b.readHeader()
	hdr.flags = 0
	b.writeHeader(hdr)
	unix.Msync(b.mm, unix.MS_SYNC)

	return b.unmap()
}

// unmap releases resources. Caller must hold b.mu or be the sole owner.
func (b *Buffer) unmap() error {
	b.closed = true
	var first error
	if b.mm != nil {
		if err := unix.Munmap(b.mm); err != nil && first == nil {
			first = err
		}
		b.mm = nil
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil && first == nil {
			first = err
		}
		b.file = nil
	}
	return first
}

// Path returns the backing file path.
func (b *Buffer) Path() string {
	return b.path
}
