package upload_test

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/blackbox/internal/record"
	"github.com/ehrlich-b/blackbox/internal/upload"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeLogFile fills path with n sequential records and returns the
// raw bytes written.
func writeLogFile(t *testing.T, path string, n int, seed int32) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := record.NewWriter(&buf)
	for i := 0; i < n; i++ {
		e := record.Entry{Timestamp: uint32(i * 10), Event: seed, Parameter: seed + int32(i)}
		if err := w.Write(e); err != nil {
			t.Fatalf("build log file: %v", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return buf.Bytes()
}

// collector accepts TCP connections sequentially and hands each
// connection's full payload over the channel.
func collector(t *testing.T) (addr string, payloads <-chan []byte, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan []byte, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(ch)
				return
			}
			b, _ := io.ReadAll(conn)
			conn.Close()
			ch <- b
		}
	}()
	return ln.Addr().String(), ch, func() { ln.Close() }
}

func TestUploadTransfersAndDeletes(t *testing.T) {
	dir := t.TempDir()
	// 25 records: larger than one chunk, so the send loop iterates.
	content := writeLogFile(t, filepath.Join(dir, "0000.log"), 25, 1)
	active := writeLogFile(t, filepath.Join(dir, "0001.log"), 2, 2)

	addr, payloads, stop := collector(t)
	defer stop()

	u := upload.New(upload.Config{Dir: dir, Server: addr, ActiveFile: "0001.log"}, nil, quietLogger())
	if err := u.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	u.Wait()

	select {
	case got := <-payloads:
		if !bytes.Equal(got, content) {
			t.Errorf("collector received %d bytes, want the %d-byte file verbatim", len(got), len(content))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("collector never received the upload")
	}

	if _, err := os.Stat(filepath.Join(dir, "0000.log")); !os.IsNotExist(err) {
		t.Errorf("uploaded file should be deleted, stat err = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "0001.log"))
	if err != nil || !bytes.Equal(got, active) {
		t.Errorf("active file must be untouched (err=%v)", err)
	}
}

func TestUploadOneConnectionPerFile(t *testing.T) {
	dir := t.TempDir()
	a := writeLogFile(t, filepath.Join(dir, "0000.log"), 3, 1)
	b := writeLogFile(t, filepath.Join(dir, "0001.log"), 4, 2)

	addr, payloads, stop := collector(t)
	defer stop()

	u := upload.New(upload.Config{Dir: dir, Server: addr}, nil, quietLogger())
	if err := u.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	u.Wait()

	// Files upload in name order, each on its own connection.
	for i, want := range [][]byte{a, b} {
		select {
		case got := <-payloads:
			if !bytes.Equal(got, want) {
				t.Errorf("stream %d carried %d bytes, want %d", i, len(got), len(want))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("collector received %d streams, want 2", i)
		}
	}
}

func TestConnectFailureKeepsFile(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, filepath.Join(dir, "0000.log"), 2, 1)

	// A just-closed listener gives a port that refuses connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	u := upload.New(upload.Config{Dir: dir, Server: addr}, nil, quietLogger())
	if err := u.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	u.Wait()

	if _, err := os.Stat(filepath.Join(dir, "0000.log")); err != nil {
		t.Errorf("file must survive a failed connect, stat err = %v", err)
	}
}

func TestResolveFailureAbortsRun(t *testing.T) {
	dir := t.TempDir()
	writeLogFile(t, filepath.Join(dir, "0000.log"), 2, 1)

	u := upload.New(upload.Config{Dir: dir, Server: "collector.invalid:9"}, nil, quietLogger())
	if err := u.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	u.Wait()

	if _, err := os.Stat(filepath.Join(dir, "0000.log")); err != nil {
		t.Errorf("file must survive a failed resolve, stat err = %v", err)
	}
}

func TestMissingDirAbortsRun(t *testing.T) {
	u := upload.New(upload.Config{
		Dir:    filepath.Join(t.TempDir(), "nope"),
		Server: "127.0.0.1:1",
	}, nil, quietLogger())
	if err := u.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	u.Wait()
}

func TestRestartAfterCompletion(t *testing.T) {
	u := upload.New(upload.Config{Dir: t.TempDir(), Server: "127.0.0.1:1"}, nil, quietLogger())
	if err := u.Start(); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	u.Wait()
	if err := u.Start(); err != nil {
		t.Fatalf("Start after completion failed: %v", err)
	}
	u.Wait()
}

func TestCancelWithoutRun(t *testing.T) {
	u := upload.New(upload.Config{Dir: t.TempDir(), Server: "127.0.0.1:1"}, nil, quietLogger())
	u.Cancel() // must not block or panic
}

func TestWebsocketUpload(t *testing.T) {
	dir := t.TempDir()
	content := writeLogFile(t, filepath.Join(dir, "0000.log"), 5, 3)

	type stream struct {
		name string
		data []byte
	}
	streams := make(chan stream, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var data bytes.Buffer
		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt == websocket.BinaryMessage {
				data.Write(p)
			}
		}
		streams <- stream{name: r.URL.Query().Get("name"), data: data.Bytes()}
	}))
	defer srv.Close()

	server := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	u := upload.New(upload.Config{Dir: dir, Server: server}, nil, quietLogger())
	if err := u.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	u.Wait()

	select {
	case s := <-streams:
		if s.name != "0000.log" {
			t.Errorf("stream name = %q, want 0000.log", s.name)
		}
		if !bytes.Equal(s.data, content) {
			t.Errorf("stream carried %d bytes, want %d", len(s.data), len(content))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("collector never received the websocket stream")
	}

	if _, err := os.Stat(filepath.Join(dir, "0000.log")); !os.IsNotExist(err) {
		t.Errorf("uploaded file should be deleted, stat err = %v", err)
	}
}
