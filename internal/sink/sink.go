// Package sink is a headless playback surface. It keeps the bookkeeping of a
// media element (position, paused, ended, events) while discarding the
// media itself, so streams can be kept alive and health-checked without a
// display.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"stream-keeper/internal/hlsclient"
	"stream-keeper/internal/stream"
)

var (
	// ErrNoSource is returned by Play and AppendMedia with nothing attached.
	ErrNoSource = errors.New("no supported source")
)

// Options configure a Sink.
type Options struct {
	// NativeHLS makes the sink load HLS URLs passed to SetSource itself.
	NativeHLS bool
	Loader    *hlsclient.Loader
	Logger    *slog.Logger
}

// Sink implements stream.Surface.
type Sink struct {
	native bool
	loader *hlsclient.Loader
	log    *slog.Logger

	mu        sync.Mutex
	src       string
	attached  bool
	muted     bool
	paused    bool
	ended     bool
	buffered  time.Duration
	position  time.Duration
	chunks    int64
	bytes     int64
	listeners map[int]func(stream.SurfaceEvent)
	nextID    int

	stopNative context.CancelFunc
	nativeDone chan struct{}
}

// New returns a paused sink without a source.
func New(opts Options) *Sink {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	loader := opts.Loader
	if opts.NativeHLS && loader == nil {
		loader = hlsclient.NewLoader(hlsclient.Options{Logger: log})
	}
	return &Sink{
		native:    opts.NativeHLS,
		loader:    loader,
		log:       log,
		paused:    true,
		listeners: make(map[int]func(stream.SurfaceEvent)),
	}
}

func (s *Sink) CanPlayType(mime string) bool {
	if !s.native {
		return false
	}
	return mime == stream.MimeHLS || mime == "application/x-mpegurl"
}

// SetSource replaces the current source. On a native sink an HLS URL starts
// loading immediately.
func (s *Sink) SetSource(url string) {
	s.haltNative()

	s.mu.Lock()
	s.resetLocked()
	s.src = url
	if !s.native || url == "" {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopNative, s.nativeDone = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.loader.Run(ctx, url, s.nativeEvent, s.AppendMedia); err != nil {
			s.log.Debug("native load stopped", slog.String("error", err.Error()))
		}
	}()
}

// ClearSource detaches any source and rewinds.
func (s *Sink) ClearSource() {
	s.haltNative()

	s.mu.Lock()
	s.resetLocked()
	s.src = ""
	s.paused = true
	s.mu.Unlock()

	s.emit(stream.EventEmptied)
}

// AttachMediaSource marks the sink as fed by a software demuxer.
func (s *Sink) AttachMediaSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = true
}

// Play starts playback at the live edge.
func (s *Sink) Play() error {
	s.mu.Lock()
	if s.src == "" && !s.attached {
		s.mu.Unlock()
		return ErrNoSource
	}
	wasPaused := s.paused
	s.paused = false
	s.position = s.buffered
	s.mu.Unlock()

	if wasPaused {
		s.emit(stream.EventPlaying)
	}
	return nil
}

func (s *Sink) Pause() {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = true
	s.mu.Unlock()
	if !wasPaused {
		s.emit(stream.EventPause)
	}
}

func (s *Sink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Muted reports the muted flag.
func (s *Sink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Sink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Sink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Sink) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// AppendMedia buffers chunk. While playing, the position follows the
// buffered end.
func (s *Sink) AppendMedia(chunk stream.MediaChunk) error {
	s.mu.Lock()
	if s.src == "" && !s.attached {
		s.mu.Unlock()
		return ErrNoSource
	}
	s.buffered += chunk.Duration
	s.bytes += chunk.Bytes
	if chunk.Duration > 0 || chunk.Bytes > 0 {
		s.chunks++
	}
	if !s.paused {
		s.position = s.buffered
	}
	ended := chunk.Final && !s.ended
	wasPaused := s.paused
	if ended {
		s.ended = true
		s.paused = true
		s.position = s.buffered
	}
	s.mu.Unlock()

	if ended {
		if !wasPaused {
			s.emit(stream.EventPause)
		}
		s.emit(stream.EventEnded)
	}
	return nil
}

// Stats returns consumption counters.
func (s *Sink) Stats() stream.SurfaceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stream.SurfaceStats{
		Chunks:   s.chunks,
		Bytes:    s.bytes,
		Buffered: s.buffered,
		Position: s.position,
		Paused:   s.paused,
		Ended:    s.ended,
	}
}

// Subscribe registers fn. Events from native loading are delivered on the
// loader goroutine, which SetSource, ClearSource and Close wait for.
func (s *Sink) Subscribe(fn func(stream.SurfaceEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
		})
	}
}

// Close stops any native loading.
func (s *Sink) Close() {
	s.haltNative()
}

func (s *Sink) nativeEvent(ev stream.DemuxerEvent) {
	switch ev.Type {
	case stream.DemuxerManifestParsed:
		s.emit(stream.EventLoadedMetadata)
	case stream.DemuxerFragLoaded:
		s.emit(stream.EventCanPlay)
	case stream.DemuxerError:
		if ev.Fatal {
			s.emit(stream.EventError)
		} else {
			s.emit(stream.EventWaiting)
		}
	}
}

func (s *Sink) haltNative() {
	s.mu.Lock()
	cancel, done := s.stopNative, s.nativeDone
	s.stopNative, s.nativeDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sink) resetLocked() {
	s.attached = false
	s.ended = false
	s.buffered = 0
	s.position = 0
	s.chunks = 0
	s.bytes = 0
}

func (s *Sink) emit(ev stream.SurfaceEvent) {
	s.mu.Lock()
	fns := make([]func(stream.SurfaceEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
