package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stream-keeper/internal/clock"
)

// Backend is one playback strategy bound to a surface and a manifest URL.
// A Connection owns at most one Backend at a time.
type Backend interface {
	Kind() BackendKind
	Start() error
	// Destroy releases the backend and detaches it from the surface. It is
	// called exactly once.
	Destroy()
}

// backendHost is what a backend reports to. Its methods are only called
// from tasks running on the owning connection's queue.
type backendHost interface {
	playable()
	recovering()
	buffering(waiting bool)
	failed(reason LossReason, err error)
}

// backendEnv is shared by all backend variants. post hands fn to the owning
// connection's queue and drops it if the backend became stale.
type backendEnv struct {
	surface Surface
	url     string
	post    func(fn func())
	host    backendHost
	log     *slog.Logger
}

// nativeBackend hands the manifest to a surface that plays HLS itself.
type nativeBackend struct {
	backendEnv
	unsubscribe func()
}

func (b *nativeBackend) Kind() BackendKind { return BackendNativeHLS }

func (b *nativeBackend) Start() error {
	b.unsubscribe = b.surface.Subscribe(func(ev SurfaceEvent) {
		b.post(func() { b.handle(ev) })
	})
	b.surface.SetMuted(true)
	b.surface.SetSource(b.url)
	return nil
}

func (b *nativeBackend) handle(ev SurfaceEvent) {
	switch ev {
	case EventLoadedMetadata:
		b.host.playable()
	case EventCanPlay, EventPlaying:
		b.host.buffering(false)
	case EventWaiting:
		b.host.buffering(true)
	case EventError:
		b.host.failed(LossSurfaceError, errors.New("media element error"))
	}
}

func (b *nativeBackend) Destroy() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	b.surface.Pause()
	b.surface.ClearSource()
}

// softwareHLSBackend drives a software demuxer attached to the surface. A
// fatal network error first restarts loading after reloadDelay; a second one
// before any fragment arrives is a connection loss.
type softwareHLSBackend struct {
	backendEnv
	factory     DemuxerFactory
	demuxer     Demuxer
	recovered   bool
	reloadDelay time.Duration
	after       func(d time.Duration, fn func()) clock.Timer
	reloading   bool
	reloadTimer clock.Timer
}

func (b *softwareHLSBackend) Kind() BackendKind { return BackendSoftwareHLS }

func (b *softwareHLSBackend) Start() error {
	d := b.factory.NewDemuxer()
	if d == nil {
		return errors.New("demuxer factory returned nil")
	}
	b.demuxer = d
	d.On(func(ev DemuxerEvent) {
		b.post(func() { b.handle(ev) })
	})
	b.surface.SetMuted(true)
	d.AttachMedia(b.surface)
	return nil
}

func (b *softwareHLSBackend) handle(ev DemuxerEvent) {
	switch ev.Type {
	case DemuxerMediaAttached:
		b.demuxer.LoadSource(b.url)
	case DemuxerManifestParsed:
		b.host.playable()
	case DemuxerFragLoaded:
		b.reloading = false
		b.host.buffering(false)
	case DemuxerError:
		b.handleError(ev)
	}
}

func (b *softwareHLSBackend) handleError(ev DemuxerEvent) {
	if !ev.Fatal {
		b.log.Debug("demuxer reported recoverable error",
			slog.String("type", string(ev.ErrorType)),
			slog.Any("error", ev.Err),
		)
		return
	}

	switch ev.ErrorType {
	case ErrorNetwork:
		if b.reloading || b.reloadDelay < 0 || b.after == nil {
			b.host.failed(LossNetworkError, ev.Err)
			return
		}
		b.reloading = true
		b.log.Warn("fatal network error, reloading source",
			slog.Duration("delay", b.reloadDelay),
			slog.Any("error", ev.Err),
		)
		b.host.recovering()
		b.reloadTimer = b.after(b.reloadDelay, b.reload)
	case ErrorMedia:
		if b.recovered {
			b.host.failed(LossMediaError, ev.Err)
			return
		}
		b.recovered = true
		b.log.Warn("fatal media error, attempting in-place recovery", slog.Any("error", ev.Err))
		if err := b.demuxer.RecoverMediaError(); err != nil {
			b.host.failed(LossMediaError, fmt.Errorf("recover media error: %w", err))
		}
	default:
		b.host.failed(LossBackendError, ev.Err)
	}
}

func (b *softwareHLSBackend) reload() {
	b.reloadTimer = nil
	if b.demuxer == nil {
		return
	}
	b.log.Info("restarting source load")
	b.demuxer.StartLoad()
}

func (b *softwareHLSBackend) Destroy() {
	if b.reloadTimer != nil {
		b.reloadTimer.Stop()
		b.reloadTimer = nil
	}
	if b.demuxer != nil {
		b.demuxer.Destroy()
		b.demuxer = nil
	}
	b.surface.ClearSource()
}

// h265Backend drives a software H.265 decoder bound to the surface.
type h265Backend struct {
	backendEnv
	factory   DecoderFactory
	useWorker bool
	decoder   Decoder
}

func (b *h265Backend) Kind() BackendKind { return BackendSoftwareH265 }

func (b *h265Backend) Start() error {
	dec, err := b.factory.NewDecoder(DecoderOptions{
		Surface:   b.surface,
		URL:       b.url,
		UseWorker: b.useWorker,
	})
	if err != nil {
		return fmt.Errorf("create h265 decoder: %w", err)
	}
	b.decoder = dec
	dec.On(
		func() { b.post(b.host.playable) },
		func(err error) {
			b.post(func() { b.host.failed(LossDecoderError, err) })
		},
	)
	b.surface.SetMuted(true)
	if err := dec.Start(); err != nil {
		return fmt.Errorf("start h265 decoder: %w", err)
	}
	return nil
}

func (b *h265Backend) Destroy() {
	if b.decoder != nil {
		b.decoder.Destroy()
		b.decoder = nil
	}
	b.surface.ClearSource()
}
