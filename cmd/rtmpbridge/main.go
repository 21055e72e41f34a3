package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rtmpbridge/internal/bridge"
	"github.com/zsiec/rtmpbridge/internal/container"
	"github.com/zsiec/rtmpbridge/internal/egress"
	"github.com/zsiec/rtmpbridge/internal/ingest"
	"github.com/zsiec/rtmpbridge/internal/telemetry"
)

var version = "dev"

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	listenURL := envOr("LISTEN_URL", "rtmp://0.0.0.0:1935/live/in")
	publishURL := envOr("PUBLISH_URL", "rtmp://127.0.0.1:1936/live/out")
	metricsAddr := envOr("METRICS_ADDR", ":9091")
	acceptTimeout := envDurationMs("ACCEPT_TIMEOUT_MS", 0)

	slog.Info("rtmpbridge starting",
		"version", version,
		"listen", listenURL,
		"publish", publishURL,
		"metrics", metricsAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{
		Addr:    metricsAddr,
		Handler: telemetry.Handler(),
	}

	g.Go(func() error {
		slog.Info("metrics server listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		defer cancel()
		return relay(ctx, listenURL, publishURL, acceptTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bridge error", "error", err)
		os.Exit(1)
	}
}

// relay runs one complete bridge: accept a publisher, connect the
// egress side with retries, then pump frames until either side ends.
func relay(ctx context.Context, listenURL, publishURL string, acceptTimeout time.Duration) error {
	in, err := ingest.Open(ctx, ingest.Config{
		URL:           listenURL,
		AcceptTimeout: acceptTimeout,
	})
	if err != nil {
		return fmt.Errorf("open ingest: %w", err)
	}
	defer in.Close()

	video, audio := bridge.Expect(in)
	out, err := egress.Create(egress.Config{
		URL:         publishURL,
		ExpectVideo: video,
		ExpectAudio: audio,
	})
	if err != nil {
		return fmt.Errorf("create egress: %w", err)
	}
	defer out.Finalize()

	if err := connectWithRetry(ctx, out); err != nil {
		return fmt.Errorf("connect egress: %w", err)
	}

	reg := bridge.NewRegistry(nil)
	key := "default"
	if _, ok := reg.Create(key, in, out); !ok {
		return fmt.Errorf("relay %q already active", key)
	}
	defer reg.Remove(key)

	if err := bridge.Pump(ctx, in, out, nil); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pump: %w", err)
	}

	stats := in.Stats()
	slog.Info("relay finished", "frames", stats.FramesRead, "bytes", stats.BytesRead, "uptimeMs", stats.UptimeMs)
	return nil
}

// connectWithRetry retries refused and timed-out connections with a
// fixed backoff. Any other connect error fails immediately.
func connectWithRetry(ctx context.Context, out *egress.Session) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		err = out.TryConnect(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, container.ErrConnectionRefused) && !errors.Is(err, container.ErrTimedOut) {
			return err
		}
		slog.Warn("egress connect failed, retrying",
			"attempt", attempt, "backoff", connectBackoff, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "key", key, "value", v)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
