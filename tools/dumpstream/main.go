// Command dumpstream fetches media segments from a SABR endpoint and writes
// the reassembled streams to disk. Intended for protocol debugging: it plays
// the role of the media player, requesting audio and video tracks
// concurrently and reporting per-segment outcomes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"

	"sabrstream/config"
	"sabrstream/internal/wire"
	"sabrstream/models"
	"sabrstream/player"
	"sabrstream/sabr"
)

func main() {
	var (
		configPath = flag.String("config", filepath.Join("cache", "settings.json"), "path to settings.json")
		serverURL  = flag.String("url", "", "SABR endpoint URL (required)")
		poToken    = flag.String("po-token", "", "base64 proof-of-origin token")
		ustreamer  = flag.String("ustreamer-config", "", "base64 ustreamer config blob")
		audioKey   = flag.String("audio", "", "audio format key (itag-lastModified-xtags)")
		videoKey   = flag.String("video", "", "video format key (itag-lastModified-xtags)")
		segments   = flag.Int("segments", 5, "number of media segments to fetch per track")
		outDir     = flag.String("out", "", "output directory (overrides config)")
	)
	flag.Parse()

	if *serverURL == "" {
		log.Fatalf("-url is required")
	}
	if *audioKey == "" && *videoKey == "" {
		log.Fatalf("at least one of -audio or -video is required")
	}

	cfgManager := config.NewManager(*configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	logger := setupLogging(settings.Log)

	if *outDir != "" {
		settings.Dump.OutputDirectory = *outDir
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(settings.Dump.OutputDirectory, 0o755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manifest := buildManifest(*audioKey, *videoKey)
	plr := &dumpPlayer{}

	registry := newRegistry()
	handle, err := sabr.Setup(sabr.SessionParams{
		InitialURL:      *serverURL,
		PoToken:         *poToken,
		UstreamerConfig: *ustreamer,
		ClientInfo: wire.ClientInfo{
			ClientName:    7,
			ClientVersion: "1.0",
			OsName:        "Linux",
		},
	}, registry,
		func() player.Player { return plr },
		func() *player.Manifest { return manifest },
		settings.Client, logger)
	if err != nil {
		log.Fatalf("failed to set up session: %v", err)
	}
	defer handle.Cleanup()

	handle.OnBackoffRequested = func(d time.Duration) {
		logger.Info("server requested backoff", "delay", d)
	}
	handle.OnReloadOnce(func() {
		logger.Warn("session requested reload; remaining fetches will fail")
	})

	d := &dumper{
		fetch:    registry.handlers[sabr.Scheme],
		fs:       fs,
		dir:      settings.Dump.OutputDirectory,
		attempts: settings.Dump.FetchAttempts,
		segments: *segments,
		log:      logger,
	}

	var wg conc.WaitGroup
	if *audioKey != "" {
		wg.Go(func() { d.dumpTrack(ctx, "audio", *audioKey) })
	}
	if *videoKey != "" {
		wg.Go(func() { d.dumpTrack(ctx, "video", *videoKey) })
	}
	wg.Wait()

	logger.Info("dump complete", "dir", settings.Dump.OutputDirectory)
}

// setupLogging mirrors the backend's rotation setup: structured logs to
// stdout plus the rotating file when configured.
func setupLogging(cfg config.LogConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
			out = io.MultiWriter(os.Stdout, fileWriter)
		}
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

type dumper struct {
	fetch    player.Handler
	fs       afero.Fs
	dir      string
	attempts int
	segments int
	log      *slog.Logger
}

// dumpTrack fetches the init segment plus the configured number of media
// segments for one track and writes them as a single file, with the
// extension sniffed from the init segment bytes.
func (d *dumper) dumpTrack(ctx context.Context, label, formatKey string) {
	log := d.log.With("track", label, "format", formatKey)

	init, err := d.fetchWithRetry(ctx, fmt.Sprintf("sabr://init/%s", formatKey))
	if err != nil {
		log.Error("init segment fetch failed", "error", err)
		return
	}
	log.Info("init segment fetched", "bytes", len(init))

	out := append([]byte(nil), init...)
	for seq := 0; seq < d.segments; seq++ {
		data, err := d.fetchWithRetry(ctx, fmt.Sprintf("sabr://segment/%s/%d", formatKey, seq))
		if err != nil {
			log.Error("segment fetch failed", "sequence", seq, "error", err)
			if sabr.Categorize(err) != sabr.CategoryRecoverable {
				return
			}
			continue
		}
		log.Info("segment fetched", "sequence", seq, "bytes", len(data))
		out = append(out, data...)
	}

	ext := mimetype.Detect(init).Extension()
	if ext == "" {
		ext = ".bin"
	}
	name := filepath.Join(d.dir, fmt.Sprintf("%s-%s%s", label, sanitizeKey(formatKey), ext))
	if err := afero.WriteFile(d.fs, name, out, 0o644); err != nil {
		log.Error("write failed", "file", name, "error", err)
		return
	}
	log.Info("track written", "file", name, "bytes", len(out))
}

func (d *dumper) fetchWithRetry(ctx context.Context, uri string) ([]byte, error) {
	var data []byte
	err := retry.Do(
		func() error {
			resp, err := d.fetch(ctx, uri, &player.Request{}, player.RequestTypeSegment, player.Callbacks{})
			if err != nil {
				return err
			}
			data = resp.Data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(d.attempts)),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Aborts and credential failures will not heal with retries.
			c := sabr.Categorize(err)
			return c == sabr.CategoryRecoverable || c == sabr.CategoryTimeout
		}),
	)
	return data, err
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '=':
			return '_'
		}
		return r
	}, key)
}

// registry is a minimal scheme registry for a tool with no real player.
type registry struct {
	handlers map[string]player.Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]player.Handler)}
}

func (r *registry) RegisterScheme(name string, h player.Handler) { r.handlers[name] = h }
func (r *registry) UnregisterScheme(name string)                 { delete(r.handlers, name) }

func buildManifest(audioKey, videoKey string) *player.Manifest {
	return &player.Manifest{
		Variants: []player.VariantTrack{{
			AudioFormatKey: audioKey,
			VideoFormatKey: videoKey,
			Active:         true,
		}},
	}
}

// dumpPlayer is the stand-in playback state: nothing buffered, playhead at
// zero, a fixed bandwidth figure so the server picks sane segment sizes.
type dumpPlayer struct{}

func (*dumpPlayer) BufferedRanges(models.MediaType) []models.TimeRange { return nil }
func (*dumpPlayer) VariantTracks() []player.VariantTrack               { return nil }
func (*dumpPlayer) IsAudioOnly() bool                                  { return false }
func (*dumpPlayer) CurrentTime() float64                               { return 0 }
func (*dumpPlayer) PlaybackRate() float64                              { return 1 }
func (*dumpPlayer) BandwidthEstimate() int64                           { return 2_000_000 }
