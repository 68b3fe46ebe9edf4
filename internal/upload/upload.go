// Package upload ships completed log files to a remote collector and
// deletes them locally once delivered. A run scans the drain directory,
// opens one outbound connection per file so the collector can persist
// each byte stream as a distinct log, streams the raw records in
// entry-aligned chunks, and removes the source file only after local
// end-of-file was reached and the connection closed cleanly. The
// currently-active drain file is excluded by name and never touched.
//
// Endpoints are selected by scheme: a bare host[:port] opens raw TCP
// connections (half-close signals end of file), ws:// and wss:// use
// websocket binary messages, and s3://bucket/prefix stores one object
// per file.
package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/blackbox/internal/event"
	"github.com/ehrlich-b/blackbox/internal/record"
	"github.com/ehrlich-b/blackbox/internal/ring"
)

const (
	// connectTimeout bounds connection establishment per file.
	connectTimeout = 10 * time.Second

	// sendTimeout bounds each chunk write.
	sendTimeout = 10 * time.Second

	// chunkSize is a multiple of the record width so a record is never
	// split across chunks. Kept small: log files are small and this
	// bounds per-run memory.
	chunkSize = 20 * record.Size

	// defaultPort is used when the endpoint gives no port.
	defaultPort = "5570"
)

// ErrAlreadyRunning is returned by Start while a run is in progress.
// A second start request is rejected, not queued.
var ErrAlreadyRunning = errors.New("upload task already running")

// Config describes one upload pipeline.
type Config struct {
	// Dir is the directory holding completed log files.
	Dir string

	// Server is the collector endpoint: host[:port], ws(s)://..., or
	// s3://bucket/prefix.
	Server string

	// ActiveFile is the base name of the file currently being drained
	// to, excluded from upload. Empty means nothing is excluded.
	ActiveFile string
}

// Uploader runs the background upload task, at most one run at a time.
type Uploader struct {
	cfg   Config
	store *ring.Store // optional; milestones are self-logged when set
	log   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns an uploader. st may be nil when there is no live store
// to self-log into (e.g. a standalone one-shot upload).
func New(cfg Config, st *ring.Store, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{cfg: cfg, store: st, log: logger}
}

// Start launches a background run. It returns ErrAlreadyRunning while
// a run is active; once a run completes the uploader may be started
// again.
func (u *Uploader) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.running = true
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer cancel()
		u.run(ctx)
		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
	}()
	return nil
}

// Wait blocks until the current run, if any, has finished.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

// Cancel requests the background task terminate and joins it.
// Termination is cooperative, checked between files: an in-flight
// transfer finishes its chunk loop or hits the connection timeout.
func (u *Uploader) Cancel() {
	u.mu.Lock()
	cancel := u.cancel
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	u.wg.Wait()
}

// selfLog records a pipeline milestone into the telemetry log itself.
func (u *Uploader) selfLog(ev, parameter int32) {
	if u.store != nil {
		u.store.AppendSync(ev, parameter)
	}
}

func (u *Uploader) run(ctx context.Context) {
	names, err := u.scan()
	if err != nil {
		u.selfLog(event.DirOpenFailure, event.Code(err))
		u.log.Warn("upload: cannot read log directory", "dir", u.cfg.Dir, "error", err)
		return
	}
	u.selfLog(event.FilesToUpload, int32(len(names)))
	u.log.Info("log files to upload", "count", len(names))
	if len(names) == 0 {
		return
	}

	// Endpoint resolution happens once per run; failure means the run
	// reports no eligible work rather than retrying.
	tr, err := u.newTransport(ctx)
	if err != nil {
		u.log.Warn("upload: collector endpoint unavailable", "server", u.cfg.Server, "error", err)
		return
	}

	for i, name := range names {
		select {
		case <-ctx.Done():
			u.log.Info("upload cancelled", "remaining", len(names)-i)
			return
		default:
		}
		u.sendFile(ctx, tr, name, int32(i+1))
	}
	u.selfLog(event.UploadTaskCompleted, int32(len(names)))
	u.log.Info("log file upload task completed", "files", len(names))
}

// scan lists regular files in the drain directory, excluding the
// active drain file, sorted so files upload oldest-name-first.
func (u *Uploader) scan() ([]string, error) {
	u.selfLog(event.DirOpen, 0)
	entries, err := os.ReadDir(u.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		if name := de.Name(); name != u.cfg.ActiveFile {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// sendFile streams one file over a fresh connection and deletes it if,
// and only if, local end-of-file was reached and the connection closed
// cleanly. Every failure is per-file: log and move on.
func (u *Uploader) sendFile(ctx context.Context, tr transport, name string, seq int32) {
	u.selfLog(event.Connecting, seq)
	conn, err := tr.open(ctx, name)
	if err != nil {
		u.selfLog(event.ConnectFailure, event.Code(err))
		u.log.Warn("upload: connect failed", "file", name, "error", err)
		return
	}
	u.selfLog(event.Connected, seq)

	path := filepath.Join(u.cfg.Dir, name)
	f, err := os.Open(path)
	if err != nil {
		u.selfLog(event.FileOpenFailure, event.Code(err))
		u.log.Warn("upload: open failed", "file", name, "error", err)
		conn.close()
		return
	}
	u.selfLog(event.FileOpen, seq)
	u.selfLog(event.UploadStarting, seq)

	buf := make([]byte, chunkSize)
	sent := 0
	eof := false
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if serr := conn.send(buf[:n]); serr != nil {
				u.selfLog(event.SendFailure, event.Code(serr))
				u.log.Warn("upload: send failed", "file", name, "sent", sent, "error", serr)
				break
			}
			sent += n
			u.selfLog(event.UploadByteCount, int32(sent))
		}
		if rerr == io.EOF {
			eof = true
			break
		}
		if rerr != nil {
			u.log.Warn("upload: read failed", "file", name, "error", rerr)
			break
		}
	}
	f.Close()
	u.selfLog(event.FileClose, seq)

	closeErr := conn.close()
	if !eof || closeErr != nil {
		return
	}
	// We believe we sent everything; the collector never acks.
	if err := os.Remove(path); err != nil {
		u.selfLog(event.FileDeleteFailure, event.Code(err))
		u.log.Warn("upload: delete failed", "file", name, "error", err)
	} else {
		u.selfLog(event.FileDeleted, seq)
	}
	u.selfLog(event.UploadCompleted, seq)
	u.log.Info("uploaded log file", "file", name, "bytes", sent)
}
