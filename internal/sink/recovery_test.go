package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-keeper/internal/hlsclient"
	"stream-keeper/internal/stream"
	"stream-keeper/internal/stream/streamtest"
)

// brokenCamera answers every request with h.
func brokenCamera(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func failingLoaderOptions(srv *httptest.Server) hlsclient.Options {
	return hlsclient.Options{
		Client:            srv.Client(),
		Logger:            quietLogger(),
		MinPollInterval:   5 * time.Millisecond,
		RetryDelay:        5 * time.Millisecond,
		MaxNetworkRetries: 1,
	}
}

func fastReconnects() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.MonitorInterval = -1
	cfg.StartTimeout = -1
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.ReconnectCooldown = -1
	cfg.SourceReloadDelay = 20 * time.Millisecond
	return cfg
}

// requireReleased destroys conn and fails unless it is released promptly.
func requireReleased(t *testing.T, conn *stream.Connection) {
	t.Helper()
	conn.Destroy()
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("connection not released, state %s", conn.State())
	}
	assert.Equal(t, stream.StateDestroyed, conn.State())
}

func TestConnectionRecoversFromFatalDemuxerErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		lastLoss stream.LossReason
	}{
		{
			name: "network",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
			},
			lastLoss: stream.LossNetworkError,
		},
		{
			name: "media",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "<html>not a playlist</html>")
			},
			lastLoss: stream.LossMediaError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := brokenCamera(t, tt.handler)
			var lost atomic.Int32
			conn := stream.NewConnection(stream.Options{
				Config:   fastReconnects(),
				Prober:   stream.NewHTTPProber(srv.Client(), quietLogger()),
				Demuxers: hlsclient.NewFactory(failingLoaderOptions(srv)),
				Observer: stream.ObserverFuncs{ConnectionLost: func() { lost.Add(1) }},
				Logger:   quietLogger(),
			})

			require.NoError(t, conn.Initialize(context.Background(), New(Options{Logger: quietLogger()}), srv.URL+"/live"))

			require.Eventually(t, func() bool {
				return conn.State() == stream.StateFatallyFailed
			}, 5*time.Second, 5*time.Millisecond, "state %s", conn.State())
			assert.EqualValues(t, 4, lost.Load())
			assert.Equal(t, tt.lastLoss, conn.Status().LastLoss)

			requireReleased(t, conn)
		})
	}
}

func TestConnectionRecoversFromNativeLoadFailure(t *testing.T) {
	srv := brokenCamera(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	surface := New(Options{
		NativeHLS: true,
		Loader:    hlsclient.NewLoader(failingLoaderOptions(srv)),
		Logger:    quietLogger(),
	})
	conn := stream.NewConnection(stream.Options{
		Config: fastReconnects(),
		Prober: stream.NewHTTPProber(srv.Client(), quietLogger()),
		Logger: quietLogger(),
	})

	require.NoError(t, conn.Initialize(context.Background(), surface, srv.URL+"/live"))
	assert.Equal(t, stream.BackendNativeHLS, conn.Status().Backend)

	require.Eventually(t, func() bool {
		return conn.State() == stream.StateFatallyFailed
	}, 5*time.Second, 5*time.Millisecond, "state %s", conn.State())
	assert.Equal(t, stream.LossSurfaceError, conn.Status().LastLoss)

	requireReleased(t, conn)
	assert.True(t, surface.Paused())
}

func TestConnectionDestroyWhileDemuxerFails(t *testing.T) {
	srv := brokenCamera(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	lost := make(chan struct{}, 1)
	cfg := fastReconnects()
	cfg.ReconnectBaseDelay = time.Minute
	cfg.ReconnectMaxDelay = time.Minute
	cfg.SourceReloadDelay = -1
	conn := stream.NewConnection(stream.Options{
		Config:   cfg,
		Prober:   stream.NewHTTPProber(srv.Client(), quietLogger()),
		Demuxers: hlsclient.NewFactory(failingLoaderOptions(srv)),
		Observer: stream.ObserverFuncs{ConnectionLost: func() {
			select {
			case lost <- struct{}{}:
			default:
			}
		}},
		Logger: quietLogger(),
	})

	require.NoError(t, conn.Initialize(context.Background(), New(Options{Logger: quietLogger()}), srv.URL+"/live"))
	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatalf("connection loss not reported, state %s", conn.State())
	}
	require.Eventually(t, func() bool {
		return conn.State() == stream.StateReconnecting
	}, time.Second, time.Millisecond)

	requireReleased(t, conn)
}

// tickingDecoder appends 10ms of media every few milliseconds from its own
// goroutine and reports ready after the first chunk.
type tickingDecoder struct {
	surface stream.Surface
	ready   func()
	stop    chan struct{}
	done    chan struct{}
}

func (d *tickingDecoder) On(ready func(), _ func(error)) { d.ready = ready }

func (d *tickingDecoder) Start() error {
	if a, ok := d.surface.(stream.MediaSourceAttacher); ok {
		a.AttachMediaSource()
	}
	d.stop, d.done = make(chan struct{}), make(chan struct{})
	go d.run()
	return nil
}

func (d *tickingDecoder) run() {
	defer close(d.done)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for seq := int64(0); ; seq++ {
		select {
		case <-d.stop:
			return
		case <-tick.C:
		}
		if err := d.surface.AppendMedia(stream.MediaChunk{Sequence: seq, Duration: 10 * time.Millisecond}); err != nil {
			return
		}
		if seq == 0 && d.ready != nil {
			d.ready()
		}
	}
}

func (d *tickingDecoder) Destroy() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.done
}

type tickingDecoders struct {
	mu    sync.Mutex
	built int
}

func (f *tickingDecoders) NewDecoder(opts stream.DecoderOptions) (stream.Decoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built++
	return &tickingDecoder{surface: opts.Surface}, nil
}

func (f *tickingDecoders) Built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

func TestConnectionKeepsHealthyH265StreamPlaying(t *testing.T) {
	surface := New(Options{Logger: quietLogger()})
	decoders := &tickingDecoders{}
	var lost atomic.Int32
	ready := make(chan struct{}, 1)

	cfg := stream.DefaultConfig()
	cfg.MonitorInterval = 20 * time.Millisecond
	conn := stream.NewConnection(stream.Options{
		Config:   cfg,
		Prober:   streamtest.NewProber(stream.CodecH265),
		Decoders: decoders,
		Observer: stream.ObserverFuncs{
			Ready:          func() { ready <- struct{}{} },
			ConnectionLost: func() { lost.Add(1) },
		},
		Logger: quietLogger(),
	})

	require.NoError(t, conn.Initialize(context.Background(), surface, "http://cam.local/front"))
	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatalf("decoder never became ready, state %s", conn.State())
	}

	assert.Never(t, func() bool { return lost.Load() > 0 }, 300*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, decoders.Built())
	assert.Equal(t, stream.StatePlaying, conn.State())
	assert.Equal(t, stream.BackendSoftwareH265, conn.Status().Backend)
	assert.False(t, surface.Paused())
	assert.True(t, surface.Position() > 0, "position %s", surface.Position())

	requireReleased(t, conn)
}
