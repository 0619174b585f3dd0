package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-keeper/internal/hls"
	"stream-keeper/internal/hlsclient"
	"stream-keeper/internal/stream"
)

type eventLog struct {
	mu     sync.Mutex
	events []stream.SurfaceEvent
}

func (l *eventLog) record(ev stream.SurfaceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(ev stream.SurfaceEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == ev {
			return true
		}
	}
	return false
}

func (l *eventLog) snapshot() []stream.SurfaceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stream.SurfaceEvent(nil), l.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// liveCamera serves /live/index.m3u8 growing by one segment per request.
func liveCamera(t *testing.T) *httptest.Server {
	t.Helper()
	var (
		mu  sync.Mutex
		seq int64
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seq++
		var segs []hls.Segment
		for s := max(1, seq-3); s <= seq; s++ {
			segs = append(segs, hls.Segment{Sequence: s, Duration: 500 * time.Millisecond, URI: fmt.Sprintf("s%d.ts", s)})
		}
		mu.Unlock()
		_, _ = io.WriteString(w, hls.BuildMediaPlaylist(segs, false))
	})
	mux.HandleFunc("/live/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fastLoader(srv *httptest.Server) *hlsclient.Loader {
	return hlsclient.NewLoader(hlsclient.Options{
		Client:          srv.Client(),
		Logger:          quietLogger(),
		MinPollInterval: 10 * time.Millisecond,
		RetryDelay:      10 * time.Millisecond,
	})
}

func TestSinkPlaybackBookkeeping(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	events := &eventLog{}
	unsubscribe := s.Subscribe(events.record)

	assert.False(t, s.CanPlayType(stream.MimeHLS))
	assert.ErrorIs(t, s.Play(), ErrNoSource)
	assert.ErrorIs(t, s.AppendMedia(stream.MediaChunk{Duration: time.Second}), ErrNoSource)

	s.AttachMediaSource()
	require.NoError(t, s.AppendMedia(stream.MediaChunk{Duration: time.Second, Bytes: 100}))
	assert.Zero(t, s.Position(), "paused sink must not advance")

	require.NoError(t, s.Play())
	assert.Equal(t, time.Second, s.Position())
	assert.False(t, s.Paused())

	require.NoError(t, s.AppendMedia(stream.MediaChunk{Duration: 2 * time.Second, Bytes: 100}))
	assert.Equal(t, 3*time.Second, s.Position())

	s.Pause()
	require.NoError(t, s.AppendMedia(stream.MediaChunk{Duration: time.Second}))
	assert.Equal(t, 3*time.Second, s.Position())

	require.NoError(t, s.AppendMedia(stream.MediaChunk{Final: true}))
	assert.True(t, s.Ended())

	st := s.Stats()
	assert.Equal(t, int64(3), st.Chunks)
	assert.Equal(t, int64(200), st.Bytes)
	assert.Equal(t, 4*time.Second, st.Buffered)

	s.ClearSource()
	assert.Zero(t, s.Position())
	assert.False(t, s.Ended())
	assert.ErrorIs(t, s.Play(), ErrNoSource)

	assert.Equal(t, []stream.SurfaceEvent{stream.EventPlaying, stream.EventPause, stream.EventEnded, stream.EventEmptied}, events.snapshot())

	unsubscribe()
	unsubscribe()
	s.AttachMediaSource()
	require.NoError(t, s.Play())
	assert.Len(t, events.snapshot(), 4)
}

func TestSinkNativeLoading(t *testing.T) {
	srv := liveCamera(t)
	s := New(Options{NativeHLS: true, Loader: fastLoader(srv), Logger: quietLogger()})
	defer s.Close()
	events := &eventLog{}
	s.Subscribe(events.record)

	assert.True(t, s.CanPlayType(stream.MimeHLS))
	s.SetSource(srv.URL + "/live/index.m3u8")

	require.Eventually(t, func() bool { return events.has(stream.EventLoadedMetadata) }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Play())
	require.Eventually(t, func() bool { return s.Position() > 0 }, 5*time.Second, time.Millisecond)

	s.ClearSource()
	chunks := s.Stats().Chunks
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, chunks, s.Stats().Chunks)
}

func TestConnectionPlaysLiveCameraThroughSoftwareDemuxer(t *testing.T) {
	srv := liveCamera(t)
	surface := New(Options{Logger: quietLogger()})

	ready := make(chan struct{}, 1)
	cfg := stream.DefaultConfig()
	cfg.MonitorInterval = 50 * time.Millisecond
	conn := stream.NewConnection(stream.Options{
		Config: cfg,
		Prober: stream.NewHTTPProber(srv.Client(), quietLogger()),
		Demuxers: hlsclient.NewFactory(hlsclient.Options{
			Client:          srv.Client(),
			Logger:          quietLogger(),
			MinPollInterval: 10 * time.Millisecond,
		}),
		Observer: stream.ObserverFuncs{Ready: func() { ready <- struct{}{} }},
		Logger:   quietLogger(),
	})

	require.NoError(t, conn.Initialize(context.Background(), surface, srv.URL+"/live"))

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream never became ready, state %s", conn.State())
	}
	assert.Equal(t, stream.BackendSoftwareHLS, conn.Status().Backend)
	require.Eventually(t, func() bool { return surface.Position() > 0 }, 5*time.Second, time.Millisecond)

	conn.Destroy()
	<-conn.Done()
	assert.Equal(t, stream.StateDestroyed, conn.State())
	assert.True(t, surface.Paused())
}
