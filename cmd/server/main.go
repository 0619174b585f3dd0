package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/errgroup"

	"stream-keeper/internal/ffdecode"
	"stream-keeper/internal/hlsclient"
	"stream-keeper/internal/platform/config"
	"stream-keeper/internal/platform/httpx"
	"stream-keeper/internal/platform/logger"
	"stream-keeper/internal/platform/metrics"
	"stream-keeper/internal/sink"
	"stream-keeper/internal/stream"
	"stream-keeper/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	streamsFile := config.GetEnv("STREAMS_FILE", "")
	ffmpegPath := config.GetEnv("FFMPEG_PATH", "ffmpeg")
	nativeHLS := config.GetEnvBool("NATIVE_HLS", false)
	httpTimeout := config.GetEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	handoffDelay := config.GetEnvDuration("HANDOFF_DELAY", supervisor.DefaultHandoffDelay)

	log := logger.New(logLevel, logFormat)
	streamCfg := config.StreamConfigFromEnv()

	client := httpx.NewClient(httpTimeout)
	loaderOpts := hlsclient.Options{Client: client, Logger: log.With(slog.String("component", "hlsclient"))}
	met := metrics.New()

	repo := supervisor.NewInMemoryRepository()
	svc := supervisor.NewService(repo, supervisor.Options{
		Config:       streamCfg,
		Prober:       stream.NewHTTPProber(client, log.With(slog.String("component", "probe"))),
		Demuxers:     hlsclient.NewFactory(loaderOpts),
		Decoders:     ffdecode.NewFactory(ffmpegPath, log.With(slog.String("component", "ffdecode"))),
		Telemetry:    met,
		HandoffDelay: handoffDelay,
		Logger:       log,
		Surfaces: func(c supervisor.StreamConfig) stream.Surface {
			return sink.New(sink.Options{
				NativeHLS: nativeHLS || c.NativeHLS,
				Loader:    hlsclient.NewLoader(loaderOpts),
				Logger:    log.With(slog.String("stream_id", string(c.ID))),
			})
		},
	})
	h := supervisor.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httpx.Trace("stream-keeper"))
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", met.Handler(func() { met.SetActiveStreams(svc.Count()) }))
	h.Register(r, httprate.LimitByIP(10, time.Minute))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if streamsFile != "" {
		f, err := config.LoadStreams(streamsFile)
		if err != nil {
			log.Error("load streams file", "error", err)
			os.Exit(1)
		}
		if err := svc.Sync(ctx, toStreamConfigs(f)); err != nil {
			log.Warn("initial stream sync incomplete", "error", err)
		}
	}

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return config.WatchStreams(gctx, streamsFile, log, func(f config.StreamsFile) {
			if err := svc.Sync(gctx, toStreamConfigs(f)); err != nil {
				log.Warn("stream sync incomplete", "error", err)
			}
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), svc.Close(shutdownCtx))
	})

	log.Info("server starting",
		"port", port,
		"streams_file", streamsFile,
		"native_hls", nativeHLS,
		"log_level", logLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func toStreamConfigs(f config.StreamsFile) []supervisor.StreamConfig {
	entries := f.Enabled()
	out := make([]supervisor.StreamConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, supervisor.StreamConfig{
			ID:        supervisor.StreamID(e.ID),
			URL:       e.URL,
			NativeHLS: e.NativeHLS,
		})
	}
	return out
}
