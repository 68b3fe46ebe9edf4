// Package spool drains the in-memory telemetry store to an append-only
// rotating file on disk. A spool owns exactly one active file at a
// time, named NNNN.log for the first unused NNNN in 0000-0999, and
// moves store entries into it whenever Drain is called (typically from
// a periodic ticker in the embedding application). Completed files are
// picked up by the upload pipeline; the active file is excluded by
// name.
package spool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ehrlich-b/blackbox/internal/event"
	"github.com/ehrlich-b/blackbox/internal/record"
	"github.com/ehrlich-b/blackbox/internal/ring"
)

const (
	// maxDirLen bounds the drain directory path, keeping full file
	// paths comfortably inside any filesystem's limits.
	maxDirLen = 512

	// nameSpace is the size of the numeric filename namespace probed
	// by Open (0000.log through 0999.log).
	nameSpace = 1000

	// drainBatch is how many entries are popped from the store per
	// lock acquisition while draining.
	drainBatch = 32
)

// ErrNoFreeName is returned by Open when every candidate filename in
// the numeric namespace is already taken.
var ErrNoFreeName = errors.New("no unused log file name in 0000-0999")

// Spool writes store entries to the active log file.
//
// All operations serialize on the spool's own mutex, so a drain, a
// flush and a replay never interleave. Store access goes through the
// store's guarded operations.
type Spool struct {
	store             *ring.Store
	log               *slog.Logger
	writesBeforeFlush int

	mu     sync.Mutex
	dir    string
	path   string // active file, empty when not draining to disk
	f      *os.File
	bw     *bufio.Writer
	writes int // drain calls since the last flush; best-effort pacing
}

// New returns a spool draining st. Durable flushes happen every
// writesBeforeFlush calls to Drain (minimum 1, i.e. every call), a
// knob for bounding write amplification on constrained media.
func New(st *ring.Store, writesBeforeFlush int, logger *slog.Logger) *Spool {
	if logger == nil {
		logger = slog.Default()
	}
	if writesBeforeFlush < 1 {
		writesBeforeFlush = 1
	}
	return &Spool{
		store:             st,
		log:               logger,
		writesBeforeFlush: writesBeforeFlush,
	}
}

// Open creates the active log file under dir, probing 0000.log
// upwards for the first unused name. The store keeps logging to RAM
// whether or not Open succeeds.
func (sp *Spool) Open(dir string) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.f != nil {
		return errors.New("spool already open")
	}
	if len(dir) > maxDirLen {
		sp.store.AppendSync(event.LogPathTooLong, int32(len(dir)))
		return fmt.Errorf("log path too long (%d bytes)", len(dir))
	}
	dir = strings.TrimSuffix(dir, "/")

	for x := 0; x < nameSpace; x++ {
		path := filepath.Join(dir, fmt.Sprintf("%04d.log", x))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			sp.store.AppendSync(event.LogFileOpenFailure, event.Code(err))
			return fmt.Errorf("open log file: %w", err)
		}
		sp.store.AppendSync(event.LogFileOpen, int32(x))
		sp.log.Info("draining log to file", "path", path)
		sp.dir = dir
		sp.path = path
		sp.f = f
		sp.bw = bufio.NewWriter(f)
		return nil
	}

	sp.store.AppendSync(event.LogNoFreeName, nameSpace)
	return ErrNoFreeName
}

// Drain moves all resident store entries to the active file,
// flushing durably per the configured cadence. With no active file it
// is a no-op, not a failure.
func (sp *Spool) Drain() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.drainLocked()
}

func (sp *Spool) drainLocked() error {
	if sp.f == nil {
		return nil
	}
	w := record.NewWriter(sp.bw)
	for {
		entries := sp.store.Drain(drainBatch)
		for _, e := range entries {
			if err := w.Write(e); err != nil {
				// Entries already popped are lost with the write; the
				// store keeps accumulating regardless.
				sp.store.AppendSync(event.LogFileWriteFailure, event.Code(err))
				sp.log.Warn("log file write failed", "path", sp.path, "error", err)
				return err
			}
		}
		if len(entries) < drainBatch {
			break
		}
	}
	sp.writes++
	if sp.writes >= sp.writesBeforeFlush {
		sp.writes = 0
		return sp.flushLocked()
	}
	return nil
}

// Flush forces prior drained writes to durable storage. With no
// active file it is a no-op.
func (sp *Spool) Flush() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.flushLocked()
}

func (sp *Spool) flushLocked() error {
	if sp.f == nil {
		return nil
	}
	if err := sp.bw.Flush(); err != nil {
		return fmt.Errorf("flush log file: %w", err)
	}
	if err := sp.f.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	return nil
}

// Replay writes the full log, archived file content first and then the
// live buffer, oldest-to-newest as human-readable lines. Draining is
// suspended for the duration and resumes under the same filename
// afterwards; the live buffer is read without being consumed.
func (sp *Spool) Replay(w io.Writer) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	cat := sp.store.Catalog()
	fmt.Fprintln(w, "------------- Log starts -------------")
	idx := 0

	if sp.f != nil {
		if err := sp.flushLocked(); err != nil {
			return err
		}
		rf, err := os.Open(sp.path)
		if err != nil {
			sp.store.AppendSync(event.FileOpenFailure, event.Code(err))
			sp.log.Warn("replay: cannot reopen archived log", "path", sp.path, "error", err)
		} else {
			rd := record.NewReader(rf)
			for {
				e, err := rd.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					fmt.Fprintf(w, "error reading archived portion of log: %v\n", err)
					break
				}
				event.Format(w, idx, e, cat)
				idx++
			}
			rf.Close()
		}
	}

	for _, e := range sp.store.Snapshot() {
		event.Format(w, idx, e, cat)
		idx++
	}
	fmt.Fprintln(w, "-------------- Log ends --------------")
	return nil
}

// Close records a stop marker, drains whatever is left, flushes and
// closes the active file. The store itself stays usable so RAM-only
// logging and inspection keep working after shutdown.
func (sp *Spool) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.store.AppendSync(event.LogStop, ring.SchemaVersion)
	if sp.f == nil {
		return nil
	}
	err := sp.drainLocked()
	if ferr := sp.flushLocked(); err == nil {
		err = ferr
	}
	sp.store.AppendSync(event.LogFileClose, 0)
	if cerr := sp.f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close log file: %w", cerr)
	}
	sp.f = nil
	sp.bw = nil
	return err
}

// ActiveName returns the base name of the active log file, or "" when
// the spool is not draining to disk. The upload pipeline uses it as an
// exclusion so an in-progress file is never raced.
func (sp *Spool) ActiveName() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.path == "" {
		return ""
	}
	return filepath.Base(sp.path)
}

// Dir returns the drain directory, or "" before Open.
func (sp *Spool) Dir() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.dir
}
