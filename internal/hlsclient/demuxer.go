package hlsclient

import (
	"context"
	"errors"
	"sync"

	"stream-keeper/internal/stream"
)

// ErrDestroyed is returned when a destroyed Demuxer is asked to recover.
var ErrDestroyed = errors.New("demuxer destroyed")

// Factory creates Demuxers sharing one HTTP client.
type Factory struct {
	opts Options
}

// NewFactory returns a stream.DemuxerFactory backed by Loader.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

// Supported is always true: the loader needs nothing beyond HTTP.
func (f *Factory) Supported() bool { return true }

// NewDemuxer returns an idle Demuxer.
func (f *Factory) NewDemuxer() stream.Demuxer {
	return NewDemuxer(f.opts)
}

// Demuxer adapts Loader to stream.Demuxer. Each StartLoad runs one loader
// goroutine; a new StartLoad replaces the previous one.
type Demuxer struct {
	loader *Loader

	mu        sync.Mutex
	handler   func(stream.DemuxerEvent)
	surface   stream.Surface
	url       string
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool
}

// NewDemuxer returns an idle Demuxer.
func NewDemuxer(opts Options) *Demuxer {
	return &Demuxer{loader: NewLoader(opts)}
}

// On registers handler. It runs on the loader goroutine and must not call
// StartLoad, RecoverMediaError or Destroy, which wait for that goroutine.
func (d *Demuxer) On(handler func(stream.DemuxerEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

func (d *Demuxer) AttachMedia(s stream.Surface) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.surface = s
	d.mu.Unlock()

	if a, ok := s.(stream.MediaSourceAttacher); ok {
		a.AttachMediaSource()
	}
	d.emit(stream.DemuxerEvent{Type: stream.DemuxerMediaAttached})
}

// LoadSource sets the manifest URL and starts loading.
func (d *Demuxer) LoadSource(url string) {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	d.StartLoad()
}

// StartLoad (re)starts loading the current source into the attached
// surface.
func (d *Demuxer) StartLoad() {
	d.stopLoop()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed || d.url == "" || d.surface == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancel, d.done = cancel, done

	url, surface := d.url, d.surface
	go func() {
		defer close(done)
		_ = d.loader.Run(ctx, url, d.emit, surface.AppendMedia)
	}()
}

// RecoverMediaError restarts loading from the live edge.
func (d *Demuxer) RecoverMediaError() error {
	d.mu.Lock()
	destroyed := d.destroyed
	d.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	d.StartLoad()
	return nil
}

// Destroy stops loading and waits for the loader goroutine to exit. No event
// is delivered afterwards.
func (d *Demuxer) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.handler = nil
	d.surface = nil
	d.mu.Unlock()
	d.stopLoop()
}

func (d *Demuxer) stopLoop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Demuxer) emit(ev stream.DemuxerEvent) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
