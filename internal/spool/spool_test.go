package spool_test

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ehrlich-b/blackbox/internal/event"
	"github.com/ehrlich-b/blackbox/internal/record"
	"github.com/ehrlich-b/blackbox/internal/ring"
	"github.com/ehrlich-b/blackbox/internal/spool"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stampCounter() func() uint32 {
	var ts uint32
	return func() uint32 {
		ts += 10
		return ts
	}
}

func newStore(t *testing.T, capacity int) *ring.Store {
	t.Helper()
	st, err := ring.New(make([]byte, ring.StoreSize(capacity)), capacity, ring.Options{Now: stampCounter()})
	if err != nil {
		t.Fatalf("New store failed: %v", err)
	}
	return st
}

func readRecords(t *testing.T, path string) []record.Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []record.Entry
	rd := record.NewReader(f)
	for {
		e, err := rd.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		out = append(out, e)
	}
}

func TestOpenPicksFirstUnusedName(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		name := filepath.Join(dir, fmt.Sprintf("%04d.log", i))
		if err := os.WriteFile(name, nil, 0644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	sp := spool.New(newStore(t, 16), 1, quietLogger())
	if err := sp.Open(dir); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sp.Close()

	if got := sp.ActiveName(); got != "0004.log" {
		t.Errorf("ActiveName = %q, want 0004.log", got)
	}
	if got := sp.Dir(); got != dir {
		t.Errorf("Dir = %q, want %q", got, dir)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	sp := spool.New(newStore(t, 16), 1, quietLogger())
	dir := t.TempDir()
	if err := sp.Open(dir); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sp.Close()
	if err := sp.Open(dir); err == nil {
		t.Error("second Open should fail")
	}
}

func TestOpenPathTooLong(t *testing.T) {
	st := newStore(t, 16)
	sp := spool.New(st, 1, quietLogger())

	if err := sp.Open(strings.Repeat("x", 600)); err == nil {
		t.Fatal("overlong path should be rejected")
	}
	entries := st.Snapshot()
	last := entries[len(entries)-1]
	if last.Event != event.LogPathTooLong || last.Parameter != 600 {
		t.Errorf("last entry = %+v, want LogPathTooLong(600)", last)
	}
	if got := sp.ActiveName(); got != "" {
		t.Errorf("ActiveName = %q, want empty after failed open", got)
	}
}

func TestDrainRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, 16)
	sp := spool.New(st, 1, quietLogger())
	if err := sp.Open(dir); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sp.Close()

	for i := int32(7); i <= 9; i++ {
		st.AppendSync(event.User0, i)
	}
	if err := sp.Drain(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got := readRecords(t, filepath.Join(dir, sp.ActiveName()))
	wantEvents := []int32{event.LogStart, event.LogFileOpen, event.User0, event.User0, event.User0}
	if len(got) != len(wantEvents) {
		t.Fatalf("file holds %d records, want %d", len(got), len(wantEvents))
	}
	var last uint32
	for i, e := range got {
		if e.Event != wantEvents[i] {
			t.Errorf("record %d event = %d, want %d", i, e.Event, wantEvents[i])
		}
		if e.Timestamp < last {
			t.Errorf("record %d timestamp %d out of order", i, e.Timestamp)
		}
		last = e.Timestamp
	}
	if got[2].Parameter != 7 || got[4].Parameter != 9 {
		t.Errorf("user parameters %d..%d, want 7..9", got[2].Parameter, got[4].Parameter)
	}

	if c := st.Count(); c != 0 {
		t.Errorf("store still holds %d entries after drain", c)
	}
}

func TestFlushCadence(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, 16)
	sp := spool.New(st, 2, quietLogger())
	if err := sp.Open(dir); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sp.Close()
	path := filepath.Join(dir, sp.ActiveName())

	st.AppendSync(event.User1, 1)
	st.AppendSync(event.User1, 2)
	if err := sp.Drain(); err != nil {
		t.Fatalf("first Drain failed: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("file size %d after first drain, want 0 before the flush cadence hits", fi.Size())
	}

	if err := sp.Drain(); err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	fi, err = os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// LogStart + LogFileOpen + 2 user entries.
	if want := int64(4 * record.Size); fi.Size() != want {
		t.Errorf("file size %d after second drain, want %d", fi.Size(), want)
	}
}

func TestDrainAndFlushWithoutOpen(t *testing.T) {
	sp := spool.New(newStore(t, 16), 1, quietLogger())
	if err := sp.Drain(); err != nil {
		t.Errorf("Drain with no active file = %v, want nil", err)
	}
	if err := sp.Flush(); err != nil {
		t.Errorf("Flush with no active file = %v, want nil", err)
	}
	if err := sp.Close(); err != nil {
		t.Errorf("Close with no active file = %v, want nil", err)
	}
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, 16)
	sp := spool.New(st, 1, quietLogger())
	if err := sp.Open(dir); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sp.Close()

	st.AppendSync(event.User2, 11)
	if err := sp.Drain(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	st.AppendSync(event.User3, 22) // stays in the live buffer

	var sb strings.Builder
	if err := sp.Replay(&sb); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	out := sb.String()

	if !strings.Contains(out, "Log starts") || !strings.Contains(out, "Log ends") {
		t.Errorf("output missing banners:\n%s", out)
	}
	// Archived portion then live buffer, in order.
	i2, i3 := strings.Index(out, "USER_2"), strings.Index(out, "USER_3")
	if i2 < 0 || i3 < 0 || i2 > i3 {
		t.Errorf("output should show USER_2 before USER_3:\n%s", out)
	}

	// Replay must not consume the live buffer or steal the file.
	if c := st.Count(); c != 1 {
		t.Errorf("store holds %d entries after replay, want 1", c)
	}
	if err := sp.Drain(); err != nil {
		t.Fatalf("Drain after replay failed: %v", err)
	}
	recs := readRecords(t, filepath.Join(dir, sp.ActiveName()))
	if last := recs[len(recs)-1]; last.Event != event.User3 {
		t.Errorf("last archived record = %+v, want User3 draining resumed", last)
	}
}

func TestCloseDrainsStopMarker(t *testing.T) {
	dir := t.TempDir()
	st := newStore(t, 16)
	sp := spool.New(st, 5, quietLogger()) // cadence must not defer the final flush
	if err := sp.Open(dir); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	name := sp.ActiveName()

	st.AppendSync(event.User4, 1)
	if err := sp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	recs := readRecords(t, filepath.Join(dir, name))
	if len(recs) == 0 {
		t.Fatal("file is empty after close")
	}
	if last := recs[len(recs)-1]; last.Event != event.LogStop {
		t.Errorf("last record = %+v, want LogStop", last)
	}

	// The store stays usable for RAM-only logging after close.
	st.AppendSync(event.User4, 2)
	if c := st.Count(); c == 0 {
		t.Error("store unusable after close")
	}
}
