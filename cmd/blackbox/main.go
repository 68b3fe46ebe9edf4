package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/blackbox/internal/config"
	"github.com/ehrlich-b/blackbox/internal/event"
	"github.com/ehrlich-b/blackbox/internal/logging"
	"github.com/ehrlich-b/blackbox/internal/record"
	"github.com/ehrlich-b/blackbox/internal/ring"
	"github.com/ehrlich-b/blackbox/internal/spool"
	"github.com/ehrlich-b/blackbox/internal/upload"
	"github.com/ehrlich-b/blackbox/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "blackbox",
		Short:   "Crash-surviving telemetry capture, drain and upload",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		captureCmd(),
		replayCmd(),
		uploadCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func captureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run a telemetry capture session",
		Long: `Run a capture session: events are read from stdin as "event parameter"
integer pairs and appended to the ring store, a periodic ticker drains
the store to a rotating file, and files left over from previous
sessions are uploaded to the collector at startup.

The line "print" replays the full log (archived file plus live buffer)
to stdout. SIGINT/SIGTERM shuts the session down in order: cancel the
upload task, drain and flush the remaining entries, close the file.`,
		RunE: runCapture,
	}
	cmd.Flags().String("config-dir", ".", "Directory to search for a blackbox config file")
	cmd.Flags().String("dir", "", "Directory to drain log files to (empty: RAM-only)")
	cmd.Flags().String("server", "", "Collector endpoint: host[:port], ws(s)://..., or s3://bucket/prefix")
	cmd.Flags().Int("capacity", 0, "Ring store capacity in entries")
	cmd.Flags().Int("flush-every", 0, "Drain calls between durable flushes")
	cmd.Flags().String("echo", "", "Diagnostic echo mode: off, echo, echo-only")
	cmd.Flags().Bool("sync", false, "Append via the mutex-guarded path instead of the fast path")
	cmd.Flags().Duration("drain-interval", time.Second, "How often to drain the store to file")
	cmd.Flags().String("log-file", "", "Rotating file for diagnostic output (default: stderr)")
	cmd.Flags().String("log-level", "info", "Diagnostic log level")
	cmd.Flags().String("log-format", "text", "Diagnostic log format: text or json")
	return cmd
}

func runCapture(cmd *cobra.Command, args []string) error {
	logFile, _ := cmd.Flags().GetString("log-file")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFormat, _ := cmd.Flags().GetString("log-format")
	log := logging.New(logging.Config{File: logFile, Level: logLevel, Format: logFormat})

	configDir, _ := cmd.Flags().GetString("config-dir")
	cfg, configFile, err := config.Load(configDir)
	if errors.Is(err, config.ErrNoConfig) {
		cfg = config.Default()
	} else if err != nil {
		return err
	} else {
		log.Info("loaded config", "file", configFile)
	}

	// Flags override the config file where set.
	if cmd.Flags().Changed("dir") {
		cfg.Dir, _ = cmd.Flags().GetString("dir")
	}
	if cmd.Flags().Changed("server") {
		cfg.Server, _ = cmd.Flags().GetString("server")
	}
	if cmd.Flags().Changed("capacity") {
		cfg.Capacity, _ = cmd.Flags().GetInt("capacity")
	}
	if cmd.Flags().Changed("flush-every") {
		cfg.WritesBeforeFlush, _ = cmd.Flags().GetInt("flush-every")
	}
	if cmd.Flags().Changed("echo") {
		cfg.Echo, _ = cmd.Flags().GetString("echo")
	}

	// Allow env vars to override everything
	if envDir := os.Getenv("BLACKBOX_DIR"); envDir != "" {
		cfg.Dir = envDir
	}
	if envServer := os.Getenv("BLACKBOX_SERVER"); envServer != "" {
		cfg.Server = envServer
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	region := make([]byte, ring.StoreSize(cfg.Capacity))
	st, err := ring.New(region, cfg.Capacity, ring.Options{
		Echo: cfg.EchoMode(),
		Sink: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}

	sp := spool.New(st, cfg.WritesBeforeFlush, log)
	var up *upload.Uploader
	if cfg.Dir != "" {
		// The store keeps logging to RAM even if the file can't open.
		if err := sp.Open(cfg.Dir); err != nil {
			log.Warn("draining to disk disabled", "dir", cfg.Dir, "error", err)
		}
		if cfg.Server != "" {
			up = upload.New(upload.Config{
				Dir:        cfg.Dir,
				Server:     cfg.Server,
				ActiveFile: sp.ActiveName(),
			}, st, log)
			if err := up.Start(); err != nil {
				log.Warn("cannot start upload task", "error", err)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drainInterval, _ := cmd.Flags().GetDuration("drain-interval")
	go func() {
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sp.Drain(); err != nil {
					log.Warn("drain failed", "error", err)
				}
			}
		}
	}()

	syncAppend, _ := cmd.Flags().GetBool("sync")
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	log.Info("capture session started",
		"capacity", cfg.Capacity, "dir", cfg.Dir, "server", cfg.Server)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			handleLine(line, st, sp, syncAppend, log)
		}
	}

	log.Info("shutting down capture session")
	if up != nil {
		up.Cancel()
	}
	if err := sp.Close(); err != nil {
		log.Warn("close failed", "error", err)
	}
	return nil
}

// handleLine appends one "event parameter" pair from stdin, or runs
// inspection on "print".
func handleLine(line string, st *ring.Store, sp *spool.Spool, syncAppend bool, log *slog.Logger) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	if line == "print" {
		if err := sp.Replay(os.Stdout); err != nil {
			log.Warn("replay failed", "error", err)
		}
		return
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		log.Warn("malformed input line", "line", line)
		return
	}
	ev, err1 := strconv.ParseInt(fields[0], 10, 32)
	param, err2 := strconv.ParseInt(fields[1], 10, 32)
	if err1 != nil || err2 != nil {
		log.Warn("malformed input line", "line", line)
		return
	}
	if syncAppend {
		st.AppendSync(int32(ev), int32(param))
	} else {
		st.Append(int32(ev), int32(param))
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay file...",
		Short: "Decode archived log files to human-readable text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := event.NewCatalog()
			for _, path := range args {
				if err := replayFile(os.Stdout, path, cat); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				}
			}
			return nil
		},
	}
}

func replayFile(w io.Writer, path string, cat event.Catalog) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rd := record.NewReader(f)
	for idx := 0; ; idx++ {
		e, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("entry %d: %w", idx, err)
		}
		event.Format(w, idx, e, cat)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload completed log files to the collector",
		RunE:  runUpload,
	}
	cmd.Flags().String("dir", "", "Directory holding log files")
	cmd.Flags().String("server", "", "Collector endpoint: host[:port], ws(s)://..., or s3://bucket/prefix")
	cmd.Flags().String("exclude", "", "Base name of a file to skip (the active drain file)")
	cmd.Flags().Bool("watch", false, "Keep watching the directory and upload new files as they appear")
	cmd.Flags().String("log-level", "info", "Diagnostic log level")
	cmd.MarkFlagRequired("dir")
	cmd.MarkFlagRequired("server")
	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	server, _ := cmd.Flags().GetString("server")
	exclude, _ := cmd.Flags().GetString("exclude")
	watch, _ := cmd.Flags().GetBool("watch")
	logLevel, _ := cmd.Flags().GetString("log-level")
	log := logging.New(logging.Config{Level: logLevel})

	if envServer := os.Getenv("BLACKBOX_SERVER"); envServer != "" {
		server = envServer
	}

	u := upload.New(upload.Config{Dir: dir, Server: server, ActiveFile: exclude}, nil, log)

	if watch {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := u.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	if err := u.Start(); err != nil {
		return err
	}
	u.Wait()
	return nil
}
