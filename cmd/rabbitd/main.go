// Command rabbitd is a headless leech-and-seed daemon: point it at a
// .torrent file and a download directory and it runs until interrupted,
// persisting resume state when the torrent stops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wrenfall/rabbit/internal/logging"
	"github.com/wrenfall/rabbit/internal/resume"
	"github.com/wrenfall/rabbit/internal/torrent"
)

func main() {
	var (
		downloadDir = flag.String("dir", ".", "directory to download into")
		resumeDB    = flag.String("resume-db", "rabbitd.resume", "path to the resume state database")
		statusEvery = flag.Duration("status-interval", 10*time.Second, "how often to print a status line")
	)
	flag.Parse()

	setupLogger()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rabbitd [flags] <torrent-file>")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *downloadDir, *resumeDB, *statusEvery); err != nil {
		slog.Error("rabbitd: exiting", "err", err)
		os.Exit(1)
	}
}

func run(torrentPath, downloadDir, resumeDB string, statusEvery time.Duration) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return fmt.Errorf("prepare download dir: %w", err)
	}

	store, err := resume.Open(filepath.Join(downloadDir, resumeDB))
	if err != nil {
		return fmt.Errorf("open resume store: %w", err)
	}
	defer store.Close()

	cfg := torrent.DefaultConfig()
	deps := torrent.Deps{DownloadDir: downloadDir, Resume: store}

	client, err := torrent.NewClient(cfg, deps)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t, err := client.AddTorrent(ctx, data)
	if err != nil {
		return fmt.Errorf("load torrent: %w", err)
	}

	slog.Info("starting torrent", "name", t.Metainfo.Info.Name, "size", logging.Bytes(uint64(t.Metainfo.Size())))

	go printStatus(ctx, t, statusEvery)

	<-ctx.Done()
	t.Stop()
	return nil
}

func printStatus(ctx context.Context, t *torrent.Torrent, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := t.Stats()
			slog.Info("status",
				"state", s.State,
				"progress", fmt.Sprintf("%.1f%%", s.Progress),
				"uploaded", logging.Bytes(s.Uploaded),
				"downloaded", logging.Bytes(s.Downloaded),
			)
		}
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stdout, &opts)))
}
