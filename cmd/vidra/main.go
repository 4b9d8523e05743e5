package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lrstanley/go-ytdlp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chomusuke-mk/vidra/internal/config"
	"github.com/chomusuke-mk/vidra/internal/engine"
	"github.com/chomusuke-mk/vidra/internal/events"
	"github.com/chomusuke-mk/vidra/internal/metrics"
	"github.com/chomusuke-mk/vidra/internal/registry"
	"github.com/chomusuke-mk/vidra/internal/store"
)

// Version is set during build via -ldflags "-X main.version=X.Y.Z"
var version = "dev"

func main() {
	// A missing .env file is fine; the environment still applies
	_ = godotenv.Load()

	settings := config.Load()
	log := newLogger(settings.LogLevel)
	log.Info("vidra starting", "version", version, "data_dir", settings.DataDir)

	if err := os.MkdirAll(settings.DownloadDir, 0755); err != nil {
		log.Error("cannot create download dir", "path", settings.DownloadDir, "error", err)
		os.Exit(1)
	}

	// Fetch yt-dlp if the host does not provide one
	ytdlp.MustInstall(context.Background(), nil)

	st, err := store.New(settings.DataDir, log)
	if err != nil {
		log.Error("cannot open job store", "path", settings.DataDir, "error", err)
		os.Exit(1)
	}

	restored, err := st.RestoreJobs()
	if err != nil {
		log.Error("job restore failed", "error", err)
		os.Exit(1)
	}
	log.Info("jobs restored", "count", len(restored))

	m := metrics.New(prometheus.DefaultRegisterer)
	reg := registry.New(registry.Options{
		Engine:  engine.NewYTDLP(settings.DownloadDir, log),
		Store:   st,
		Metrics: m,
		Log:     log,
	})
	reg.AttachRestored(restored)

	if settings.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		sink := events.NewRedisSink(client, settings.RedisChannel)
		reg.Events().Forward(sink)
		log.Info("forwarding events to redis", "addr", settings.RedisAddr, "channel", settings.RedisChannel)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", settings.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()
	reg.Shutdown(ctx)
	_ = srv.Shutdown(ctx)
	log.Info("bye")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
