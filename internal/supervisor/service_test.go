package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stream-keeper/internal/stream"
	"stream-keeper/internal/stream/streamtest"
)

const (
	frontURL  = "http://nvr.local:8888/front"
	garageURL = "http://nvr.local:8888/garage"
)

type fixture struct {
	t        *testing.T
	svc      *Service
	demuxers *streamtest.DemuxerFactory
	prober   *streamtest.Prober

	mu       sync.Mutex
	surfaces map[StreamID]*streamtest.Surface
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		demuxers: streamtest.NewDemuxerFactory(),
		prober:   streamtest.NewProber(stream.CodecH264),
		surfaces: make(map[StreamID]*streamtest.Surface),
	}
	// Every demuxer parses its manifest as soon as it is loaded.
	f.demuxers.OnLoad(func(d *streamtest.Demuxer) { d.ManifestParsed() })

	cfg := stream.DefaultConfig()
	cfg.MonitorInterval = -1
	cfg.StartTimeout = -1

	f.svc = NewService(NewInMemoryRepository(), Options{
		Config:       cfg,
		Prober:       f.prober,
		Demuxers:     f.demuxers,
		Decoders:     &streamtest.DecoderFactory{},
		HandoffDelay: time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Surfaces: func(c StreamConfig) stream.Surface {
			s := streamtest.NewSurface(c.NativeHLS)
			f.mu.Lock()
			f.surfaces[c.ID] = s
			f.mu.Unlock()
			return s
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.svc.Close(ctx)
	})
	return f
}

func (f *fixture) surface(id StreamID) *streamtest.Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.surfaces[id]
}

func (f *fixture) waitReady(id StreamID) Status {
	f.t.Helper()
	var st Status
	require.Eventually(f.t, func() bool {
		var err error
		st, err = f.svc.Get(id)
		return err == nil && st.Ready && st.Connection.State == stream.StatePlaying
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestService_AddStartsPlaying(t *testing.T) {
	f := newFixture(t)

	st, err := f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	require.NoError(t, err)
	assert.Equal(t, StreamID("front"), st.ID)

	st = f.waitReady("front")
	assert.Equal(t, stream.BackendSoftwareHLS, st.Connection.Backend)
	assert.Equal(t, frontURL+"/index.m3u8", st.Connection.ManifestURL)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, f.svc.Count())
}

func TestService_AddGeneratesID(t *testing.T) {
	f := newFixture(t)

	st, err := f.svc.Add(StreamConfig{URL: frontURL})
	require.NoError(t, err)
	assert.NotEmpty(t, st.ID)
}

func TestService_AddRejects(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Add(StreamConfig{ID: "front", URL: "not a url"})
	assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)

	_, err = f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	require.NoError(t, err)
	_, err = f.svc.Add(StreamConfig{ID: "front", URL: garageURL})
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)
}

func TestService_NoBackendIsReported(t *testing.T) {
	f := newFixture(t)
	f.demuxers.SetSupported(false)

	_, err := f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := f.svc.Get("front")
		return st.LastError == stream.ErrNoBackend.Error()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_Remove(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	require.NoError(t, err)
	f.waitReady("front")

	require.NoError(t, f.svc.Remove(context.Background(), "front"))
	assert.Equal(t, 0, f.demuxers.Active())
	assert.Equal(t, 0, f.svc.Count())

	err = f.svc.Remove(context.Background(), "front")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestService_Reconnect(t *testing.T) {
	f := newFixture(t)
	assert.True(t, errors.Is(f.svc.Reconnect("missing"), ErrNotFound))

	_, err := f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	require.NoError(t, err)
	f.waitReady("front")

	require.NoError(t, f.svc.Reconnect("front"))
	require.Eventually(t, func() bool { return f.demuxers.Built() == 2 }, 2*time.Second, 5*time.Millisecond)
	f.waitReady("front")
	assert.Equal(t, 1, f.demuxers.Active())
}

func TestService_SwitchHandsOffSurface(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	require.NoError(t, err)
	f.waitReady("front")

	require.NoError(t, f.svc.Switch("front", garageURL))
	require.Eventually(t, func() bool {
		st, _ := f.svc.Get("front")
		return st.Ready && st.Connection.SourceURL == garageURL
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.svc.Get("front")
	assert.Equal(t, garageURL, st.URL)
	assert.Equal(t, 1, f.demuxers.MaxActive(), "old demuxer must be gone before the new one starts")
	assert.Equal(t, 1, f.demuxers.Active())
	assert.Greater(t, f.surface("front").Clears(), 0)
}

func TestService_SwitchRejects(t *testing.T) {
	f := newFixture(t)
	assert.True(t, errors.Is(f.svc.Switch("missing", garageURL), ErrNotFound))

	_, err := f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	require.NoError(t, err)
	assert.True(t, errors.Is(f.svc.Switch("front", ""), ErrInvalidConfig))
}

func TestService_Sync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Sync(context.Background(), []StreamConfig{
		{ID: "front", URL: frontURL},
		{ID: "garage", URL: garageURL},
	}))
	f.waitReady("front")
	f.waitReady("garage")

	require.NoError(t, f.svc.Sync(context.Background(), []StreamConfig{
		{ID: "front", URL: frontURL + "/index.m3u8"},
		{ID: "yard", URL: "http://nvr.local:8888/yard"},
	}))

	ids := make([]StreamID, 0, 2)
	for _, st := range f.svc.List() {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []StreamID{"front", "yard"}, ids)

	require.Eventually(t, func() bool {
		st, _ := f.svc.Get("front")
		return st.Ready && st.Connection.SourceURL == frontURL+"/index.m3u8"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_SyncRebuildsOnSurfaceChange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Sync(context.Background(), []StreamConfig{{ID: "front", URL: frontURL}}))
	f.waitReady("front")
	first := f.surface("front")

	require.NoError(t, f.svc.Sync(context.Background(), []StreamConfig{{ID: "front", URL: frontURL, NativeHLS: true}}))
	require.Eventually(t, func() bool {
		s := f.surface("front")
		return s != first && s.Source() != ""
	}, 2*time.Second, 5*time.Millisecond)
	f.surface("front").Emit(stream.EventLoadedMetadata)
	st := f.waitReady("front")
	assert.Equal(t, stream.BackendNativeHLS, st.Connection.Backend)
	assert.NotSame(t, first, f.surface("front"))
}

func TestService_Close(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	for _, id := range []StreamID{"a", "b", "c"} {
		_, err := f.svc.Add(StreamConfig{ID: id, URL: frontURL})
		require.NoError(t, err)
	}
	f.waitReady("c")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Close(ctx))

	assert.Equal(t, 0, f.svc.Count())
	assert.Equal(t, 0, f.demuxers.Active())

	_, err := f.svc.Add(StreamConfig{ID: "d", URL: frontURL})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestService_CloseAbortsPendingProbe(t *testing.T) {
	f := newFixture(t)
	f.prober.Block = make(chan struct{})

	_, err := f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Close(ctx))
	assert.Equal(t, 0, f.demuxers.Built())
}
