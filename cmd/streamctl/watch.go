package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stream-keeper/internal/ffdecode"
	"stream-keeper/internal/hlsclient"
	"stream-keeper/internal/platform/config"
	"stream-keeper/internal/platform/httpx"
	"stream-keeper/internal/platform/logger"
	"stream-keeper/internal/sink"
	"stream-keeper/internal/stream"
)

func newWatchCmd() *cobra.Command {
	var (
		native     bool
		ffmpegPath string
		logLevel   string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Keep one stream playing on a headless surface and log what happens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, args[0], watchOptions{
				native:     native,
				ffmpegPath: ffmpegPath,
				log:        logger.NewWriter(cmd.ErrOrStderr(), logLevel, "text"),
				timeout:    timeout,
			})
		},
	}
	cmd.Flags().BoolVar(&native, "native", false, "let the surface load HLS itself")
	cmd.Flags().StringVar(&ffmpegPath, "ffmpeg", config.GetEnv("FFMPEG_PATH", "ffmpeg"), "ffmpeg binary for H.265 streams")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	cmd.Flags().DurationVar(&timeout, "http-timeout", 10*time.Second, "timeout for manifest and segment requests")
	return cmd
}

type watchOptions struct {
	native     bool
	ffmpegPath string
	log        *slog.Logger
	timeout    time.Duration
}

// watch plays url until ctx ends, then destroys the connection and waits
// for it to release the surface.
func watch(ctx context.Context, url string, o watchOptions) error {
	client := httpx.NewClient(o.timeout)
	loaderOpts := hlsclient.Options{Client: client, Logger: o.log}
	surface := sink.New(sink.Options{
		NativeHLS: o.native,
		Loader:    hlsclient.NewLoader(loaderOpts),
		Logger:    o.log,
	})
	defer surface.Close()

	conn := stream.NewConnection(stream.Options{
		Config:   config.StreamConfigFromEnv(),
		Prober:   stream.NewHTTPProber(client, o.log),
		Demuxers: hlsclient.NewFactory(loaderOpts),
		Decoders: ffdecode.NewFactory(o.ffmpegPath, o.log),
		Observer: stream.ObserverFuncs{
			Error:          func(msg string) { o.log.Error("stream error", slog.String("message", msg)) },
			Loading:        func(loading bool) { o.log.Info("loading", slog.Bool("loading", loading)) },
			Ready:          func() { o.log.Info("stream ready") },
			ConnectionLost: func() { o.log.Warn("connection lost") },
			Reconnecting:   func() { o.log.Warn("reconnecting") },
		},
		Logger: o.log,
	})

	if err := conn.Initialize(ctx, surface, url); err != nil {
		conn.Destroy()
		return fmt.Errorf("initialize: %w", err)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Destroy()
			<-conn.Done()
			st := surface.Stats()
			o.log.Info("stopped", slog.Int64("chunks", st.Chunks), slog.Int64("bytes", st.Bytes))
			return nil
		case <-ticker.C:
			st := conn.Status()
			o.log.Info("status",
				slog.String("state", st.State.String()),
				slog.String("backend", st.Backend.String()),
				slog.Int("attempts", st.Attempts),
				slog.Duration("position", surface.Position()),
			)
		}
	}
}
