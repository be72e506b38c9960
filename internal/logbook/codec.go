// Package logbook implements the deterministic serialization of the
// LogBook value that lives inside the shared region: an ordered sequence
// of LogEntry records plus the highest id ever assigned.
//
// The wire format is private to this implementation - it only needs to be
// self-consistent and stable across processes built from the same binary,
// not compatible with anything external. Encoding is fixed-width,
// big-endian, via encoding/binary: a fixed-width framing needs no schema
// or external interop, so the standard library is the right tool here
// (no third-party serializer in the corpus targets this kind of
// deterministic, size-accountable record layout).
package logbook

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// LogEntry is one published message plus its delivery metadata.
type LogEntry struct {
	ID        int64
	Instance  uuid.UUID
	Timestamp int64 // nanoseconds since Unix epoch; see doc.go for rationale
	Message   []byte
}

// LogBook is the entire value serialized into the shared region.
type LogBook struct {
	LastID  int64
	Entries []LogEntry
}

// entryOverhead is the number of bytes every LogEntry costs besides its
// message payload: 8 (id) + 16 (instance) + 8 (timestamp) + 4 (message
// length prefix).
const entryOverhead = 8 + 16 + 8 + 4

// EntryOverhead reports the fixed per-entry serialization cost, measured
// once by actually encoding a sentinel entry rather than hard-coding the
// arithmetic twice.
var EntryOverhead = measureEntryOverhead()

func measureEntryOverhead() int {
	sentinel := LogEntry{
		ID:        math.MaxInt64,
		Instance:  uuid.Max,
		Timestamp: math.MaxInt64,
	}
	var buf bytes.Buffer
	if err := encodeEntry(&buf, sentinel); err != nil {
		// encodeEntry only fails on writer errors; bytes.Buffer never errors.
		panic(fmt.Sprintf("logbook: measuring entry overhead: %v", err))
	}
	return buf.Len()
}

// headerSize is the 8-byte last_id field stored ahead of the entry count.
const headerSize = 8

// Encode writes book deterministically to w.
func Encode(w io.Writer, book LogBook) error {
	if err := binary.Write(w, binary.BigEndian, book.LastID); err != nil {
		return fmt.Errorf("logbook: encode last_id: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(book.Entries))); err != nil {
		return fmt.Errorf("logbook: encode entry count: %w", err)
	}
	for i, e := range book.Entries {
		if err := encodeEntry(w, e); err != nil {
			return fmt.Errorf("logbook: encode entry %d: %w", i, err)
		}
	}
	return nil
}

func encodeEntry(w io.Writer, e LogEntry) error {
	if err := binary.Write(w, binary.BigEndian, e.ID); err != nil {
		return err
	}
	if _, err := w.Write(e.Instance[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.Timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(e.Message))); err != nil {
		return err
	}
	if len(e.Message) > 0 {
		if _, err := w.Write(e.Message); err != nil {
			return err
		}
	}
	return nil
}

// Decode deserializes a LogBook from r. A zero-length input decodes to an
// empty book. Any other malformed input is treated as an empty book with
// ok=false rather than surfaced as an error: the shared region's length
// field can be half-written if a writer crashed mid-update, and the bus
// must self-heal on the next successful write rather than wedge forever.
func Decode(r io.Reader) (LogBook, bool) {
	var lastID int64
	if err := binary.Read(r, binary.BigEndian, &lastID); err != nil {
		if err == io.EOF {
			return LogBook{}, true
		}
		return LogBook{}, false
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return LogBook{}, false
	}
	// count comes straight off the wire and may be garbage from a
	// half-written region; never size-hint an allocation from it; a
	// corrupted count just fails io.ReadFull on the first missing byte.
	var entries []LogEntry
	for i := uint32(0); i < count; i++ {
		e, ok := decodeEntry(r)
		if !ok {
			return LogBook{}, false
		}
		entries = append(entries, e)
	}
	return LogBook{LastID: lastID, Entries: entries}, true
}

// readExact reads exactly n bytes from r without trusting n enough to
// allocate it up front: n is an attacker/corruption-controlled field read
// off the wire, and a garbage value near math.MaxUint32 must fail fast on
// the first missing byte rather than commit a multi-gigabyte allocation.
func readExact(r io.Reader, n uint32) ([]byte, bool) {
	const chunkSize = 32 * 1024
	buf := make([]byte, 0, minInt(int(n), chunkSize))
	remaining := int(n)
	for remaining > 0 {
		want := remaining
		if want > chunkSize {
			want = chunkSize
		}
		chunk := make([]byte, want)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, false
		}
		buf = append(buf, chunk...)
		remaining -= want
	}
	return buf, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func decodeEntry(r io.Reader) (LogEntry, bool) {
	var e LogEntry
	if err := binary.Read(r, binary.BigEndian, &e.ID); err != nil {
		return LogEntry{}, false
	}
	if _, err := io.ReadFull(r, e.Instance[:]); err != nil {
		return LogEntry{}, false
	}
	if err := binary.Read(r, binary.BigEndian, &e.Timestamp); err != nil {
		return LogEntry{}, false
	}
	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return LogEntry{}, false
	}
	if msgLen > 0 {
		msg, ok := readExact(r, msgLen)
		if !ok {
			return LogEntry{}, false
		}
		e.Message = msg
	}
	return e, true
}

// Size returns the serialized size of book without actually encoding it,
// used by the publisher to reason about capacity before writing.
func Size(book LogBook) int {
	n := MinBookSize()
	for _, e := range book.Entries {
		n += EntryOverhead + len(e.Message)
	}
	return n
}

// MinBookSize is the encoded size of an empty LogBook: the last_id header
// plus the entry-count prefix. No entry, however small its message, can
// ever fit in a region smaller than MinBookSize()+EntryOverhead.
func MinBookSize() int {
	return headerSize + 4
}
