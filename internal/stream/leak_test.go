package stream_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stream-keeper/internal/stream"
	"stream-keeper/internal/stream/streamtest"
)

func TestDestroyLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	demuxers := streamtest.NewDemuxerFactory()
	cfg := stream.DefaultConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectCooldown = -1
	cfg.SourceReloadDelay = -1

	conn := stream.NewConnection(stream.Options{
		Config:   cfg,
		Prober:   streamtest.NewProber(stream.CodecH264),
		Demuxers: demuxers,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	surface := streamtest.NewSurface(false)

	require.NoError(t, conn.Initialize(context.Background(), surface, "http://cam.local/front"))
	demuxers.Last().ManifestParsed()
	demuxers.Last().FailNetwork()

	require.Eventually(t, func() bool { return demuxers.Built() == 2 }, time.Second, time.Millisecond)

	conn.Destroy()
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not released")
	}
	require.Zero(t, demuxers.Active())
}
