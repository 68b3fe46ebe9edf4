// Package ring implements the in-memory telemetry log: a fixed-capacity
// circular store of 12-byte records living inside a caller-supplied
// byte region. The region holds a small header (magic word, schema
// version, cursors, counters) followed by the record slots, so a region
// backed by retained memory carries the log across a restart: New
// re-attaches to a region whose header checks out and resets it
// otherwise.
//
// The store always prefers newest data. When a write lands on a full
// ring the oldest entry is discarded and a pending overwritten counter
// is bumped; the next drain surfaces the accumulated drop count as a
// single synthetic EntriesOverwritten entry.
package ring

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/ehrlich-b/blackbox/internal/event"
	"github.com/ehrlich-b/blackbox/internal/record"
)

const (
	// MagicWord marks an initialized store region.
	MagicWord = 0x00123456

	// SchemaVersion identifies the header and record layout. Bump it
	// on any change to the region format or the event catalog.
	SchemaVersion = 1

	headerSize = 24

	offMagic       = 0
	offVersion     = 4
	offWrite       = 8  // next empty slot
	offRead        = 12 // oldest full slot
	offCount       = 16 // entries currently resident
	offOverwritten = 20 // drops pending notification
)

// EchoMode selects whether appends are forwarded to the diagnostic
// sink, stored, or both.
type EchoMode int

const (
	// EchoOff stores entries without echoing them.
	EchoOff EchoMode = iota
	// EchoStore echoes a formatted line to the sink and stores the entry.
	EchoStore
	// EchoOnly echoes without storing anything, useful under load when
	// the act of storing would perturb timing.
	EchoOnly
)

// StoreSize returns the region size in bytes needed for a store of the
// given capacity.
func StoreSize(capacity int) int {
	return headerSize + capacity*record.Size
}

// Options configures a Store.
type Options struct {
	// Echo selects the diagnostic echo mode. Default EchoOff.
	Echo EchoMode

	// Sink receives formatted lines when echoing. Default os.Stdout.
	Sink io.Writer

	// Catalog decodes event identifiers when echoing. Default the
	// system catalog.
	Catalog event.Catalog

	// Now overrides the timestamp source, mainly for tests. When nil
	// the store runs its own Clock.
	Now func() uint32
}

// Store is the circular telemetry log.
//
// Append is deliberately unsynchronized; AppendSync and every other
// operation serialize on one mutex. See the Append doc for the
// accepted corruption bound.
type Store struct {
	mu       sync.Mutex
	region   []byte
	capacity uint32

	echo    EchoMode
	sink    io.Writer
	catalog event.Catalog

	clock *Clock
	now   func() uint32

	lastStamp uint32
}

// New attaches a store to region, which must be at least
// StoreSize(capacity) bytes. If the region's header carries the
// expected magic word and schema version the previous contents are
// preserved (retained-memory restart); otherwise the store is reset to
// empty. A start marker is appended either way: LogStart on a fresh
// store, LogStartAgain on a re-attach, parameter = SchemaVersion.
func New(region []byte, capacity int, opts Options) (*Store, error) {
	if capacity < 1 {
		return nil, errors.New("capacity must be at least 1")
	}
	if len(region) < StoreSize(capacity) {
		return nil, errors.New("region smaller than StoreSize(capacity)")
	}
	if opts.Sink == nil {
		opts.Sink = os.Stdout
	}
	if opts.Catalog.Len() == 0 {
		opts.Catalog = event.NewCatalog()
	}

	s := &Store{
		region:   region,
		capacity: uint32(capacity),
		echo:     opts.Echo,
		sink:     opts.Sink,
		catalog:  opts.Catalog,
		now:      opts.Now,
	}
	if s.now == nil {
		s.clock = NewClock()
		s.now = s.clock.Now
	}

	fresh := s.hdr(offMagic) != MagicWord || s.hdr(offVersion) != SchemaVersion
	if fresh {
		for i := 0; i < headerSize; i++ {
			region[i] = 0
		}
		s.setHdr(offVersion, SchemaVersion)
		// Magic goes in last so a half-initialized header never
		// passes the freshness check.
		s.setHdr(offMagic, MagicWord)
	}
	if s.hdr(offWrite) >= s.capacity || s.hdr(offRead) >= s.capacity ||
		s.hdr(offCount) > s.capacity {
		return nil, errors.New("retained header inconsistent with capacity")
	}

	if fresh {
		s.append(event.LogStart, SchemaVersion)
	} else {
		s.append(event.LogStartAgain, SchemaVersion)
	}
	return s, nil
}

// Append records an event with no synchronization. This is the hot
// path: under truly concurrent callers, colliding writes can corrupt
// the colliding entries themselves, but cursor updates are single-field
// increments so the ring structure stays valid. Use AppendSync where
// that trade is not acceptable. A nil store is a no-op.
func (s *Store) Append(ev, parameter int32) {
	if s == nil || s.region == nil {
		return
	}
	s.append(ev, parameter)
}

// AppendSync records an event under the store lock, giving strict
// program order relative to other guarded operations.
func (s *Store) AppendSync(ev, parameter int32) {
	if s == nil || s.region == nil {
		return
	}
	s.mu.Lock()
	s.append(ev, parameter)
	s.mu.Unlock()
}

func (s *Store) append(ev, parameter int32) {
	ts := s.now()
	if ts < s.lastStamp {
		// Timestamp wrapped: record the wrap ahead of the real entry,
		// carrying the new timestamp. One synthetic entry at most.
		s.lastStamp = ts
		s.put(record.Entry{Timestamp: ts, Event: event.TimeWrap, Parameter: int32(ts)})
	}
	s.lastStamp = ts
	s.put(record.Entry{Timestamp: ts, Event: ev, Parameter: parameter})
}

func (s *Store) put(e record.Entry) {
	if s.echo != EchoOff {
		event.Format(s.sink, 0, e, s.catalog)
		if s.echo == EchoOnly {
			return
		}
	}
	w := s.hdr(offWrite)
	record.Encode(s.slot(w), e)
	s.setHdr(offWrite, (w+1)%s.capacity)
	if count := s.hdr(offCount); count == s.capacity {
		// Full: the slot just written was the oldest one. Discard it
		// from the readable window and note the loss.
		s.setHdr(offRead, (s.hdr(offRead)+1)%s.capacity)
		s.setHdr(offOverwritten, s.hdr(offOverwritten)+1)
	} else {
		s.setHdr(offCount, count+1)
	}
}

// Drain removes and returns up to max oldest entries. If entries have
// been overwritten since the last drain, a single synthetic
// EntriesOverwritten entry (parameter = drop count, timestamp of the
// oldest surviving entry) is emitted ahead of the next real entry and
// the pending counter resets. Draining an empty store returns nil.
func (s *Store) Drain(max int) []record.Entry {
	if s == nil || s.region == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked(max)
}

func (s *Store) drainLocked(max int) []record.Entry {
	var out []record.Entry
	for len(out) < max && s.hdr(offCount) > 0 {
		r := s.hdr(offRead)
		e := record.Decode(s.slot(r))
		if over := s.hdr(offOverwritten); over > 0 {
			out = append(out, record.Entry{
				Timestamp: e.Timestamp,
				Event:     event.EntriesOverwritten,
				Parameter: int32(over),
			})
			s.setHdr(offOverwritten, 0)
			continue
		}
		out = append(out, e)
		s.setHdr(offRead, (r+1)%s.capacity)
		s.setHdr(offCount, s.hdr(offCount)-1)
	}
	return out
}

// Snapshot copies the resident entries oldest-to-newest without
// consuming them or resetting the pending overwritten counter. Used by
// inspection, which must not disturb the drain stream.
func (s *Store) Snapshot() []record.Entry {
	if s == nil || s.region == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.hdr(offCount)
	out := make([]record.Entry, 0, count)
	r := s.hdr(offRead)
	for i := uint32(0); i < count; i++ {
		out = append(out, record.Decode(s.slot(r)))
		r = (r + 1) % s.capacity
	}
	return out
}

// Count returns the number of resident entries. A pending overwritten
// marker is not counted.
func (s *Store) Count() int {
	if s == nil || s.region == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.hdr(offCount))
}

// Catalog returns the catalog the store decodes identifiers with.
func (s *Store) Catalog() event.Catalog {
	return s.catalog
}

// Clock returns the store's clock, or nil if a custom timestamp source
// was injected.
func (s *Store) Clock() *Clock {
	return s.clock
}

func (s *Store) hdr(off int) uint32 {
	return binary.LittleEndian.Uint32(s.region[off:])
}

func (s *Store) setHdr(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.region[off:], v)
}

func (s *Store) slot(i uint32) []byte {
	off := headerSize + int(i)*record.Size
	return s.region[off : off+record.Size]
}
