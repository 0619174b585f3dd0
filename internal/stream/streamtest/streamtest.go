// Package streamtest provides in-memory collaborators for exercising
// stream.Connection without a network or media stack.
package streamtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"stream-keeper/internal/stream"
)

// Surface is a scriptable stream.Surface.
type Surface struct {
	mu        sync.Mutex
	native    bool
	src       string
	sources   []string
	clears    int
	muted     bool
	paused    bool
	ended     bool
	position  time.Duration
	playErrs  []error
	playCalls int
	chunks    []stream.MediaChunk
	listeners map[int]func(stream.SurfaceEvent)
	nextID    int
}

// NewSurface returns a paused surface. native controls CanPlayType.
func NewSurface(native bool) *Surface {
	return &Surface{native: native, paused: true, listeners: make(map[int]func(stream.SurfaceEvent))}
}

func (s *Surface) CanPlayType(mime string) bool {
	return s.native && mime == stream.MimeHLS
}

func (s *Surface) SetSource(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = url
	s.sources = append(s.sources, url)
}

func (s *Surface) ClearSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = ""
	s.clears++
	s.paused = true
}

// FailPlay makes the next len(errs) Play calls return the given errors; nil
// entries succeed.
func (s *Surface) FailPlay(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playErrs = append(s.playErrs, errs...)
}

func (s *Surface) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playCalls++
	if len(s.playErrs) > 0 {
		err := s.playErrs[0]
		s.playErrs = s.playErrs[1:]
		if err != nil {
			return err
		}
	}
	s.paused = false
	return nil
}

func (s *Surface) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *Surface) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *Surface) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Surface) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Surface) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Surface) AppendMedia(chunk stream.MediaChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *Surface) Subscribe(fn func(stream.SurfaceEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Emit delivers ev to current subscribers.
func (s *Surface) Emit(ev stream.SurfaceEvent) {
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

// SetPosition moves the playback position.
func (s *Surface) SetPosition(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = d
}

// SetPaused forces the paused flag.
func (s *Surface) SetPaused(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = p
}

// Source returns the current source URL.
func (s *Surface) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

// Sources returns every URL ever set.
func (s *Surface) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sources...)
}

// Clears counts ClearSource calls.
func (s *Surface) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// PlayCalls counts Play calls.
func (s *Surface) PlayCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playCalls
}

// Chunks returns every appended chunk.
func (s *Surface) Chunks() []stream.MediaChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.MediaChunk(nil), s.chunks...)
}

// Muted reports the muted flag.
func (s *Surface) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Listeners counts active subscriptions.
func (s *Surface) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Demuxer is a stream.Demuxer driven by the test.
type Demuxer struct {
	factory *DemuxerFactory
	index   int

	mu        sync.Mutex
	handler   func(stream.DemuxerEvent)
	loaded    []string
	starts    int
	recovers  int
	destroyed bool
}

func (d *Demuxer) On(handler func(stream.DemuxerEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

func (d *Demuxer) AttachMedia(s stream.Surface) {
	d.Emit(stream.DemuxerEvent{Type: stream.DemuxerMediaAttached})
}

func (d *Demuxer) LoadSource(url string) {
	d.mu.Lock()
	d.loaded = append(d.loaded, url)
	d.mu.Unlock()
	if hook := d.factory.onLoad(); hook != nil {
		hook(d)
	}
}

func (d *Demuxer) StartLoad() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
}

func (d *Demuxer) RecoverMediaError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recovers++
	return nil
}

func (d *Demuxer) Destroy() {
	d.mu.Lock()
	already := d.destroyed
	d.destroyed = true
	d.mu.Unlock()
	if !already {
		d.factory.released()
	}
}

// Emit delivers ev to the registered handler.
func (d *Demuxer) Emit(ev stream.DemuxerEvent) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// FailNetwork emits a fatal network error.
func (d *Demuxer) FailNetwork() {
	d.Emit(stream.DemuxerEvent{
		Type:      stream.DemuxerError,
		Fatal:     true,
		ErrorType: stream.ErrorNetwork,
		Err:       errors.New("manifest load error"),
	})
}

// ManifestParsed emits DemuxerManifestParsed.
func (d *Demuxer) ManifestParsed() {
	d.Emit(stream.DemuxerEvent{Type: stream.DemuxerManifestParsed})
}

// Index is the construction order of the demuxer, starting at 0.
func (d *Demuxer) Index() int { return d.index }

// Loaded returns the URLs passed to LoadSource.
func (d *Demuxer) Loaded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.loaded...)
}

// StartLoads counts StartLoad calls.
func (d *Demuxer) StartLoads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// Recovers counts RecoverMediaError calls.
func (d *Demuxer) Recovers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recovers
}

// Destroyed reports whether Destroy was called.
func (d *Demuxer) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// DemuxerFactory counts constructions and tracks how many demuxers are
// alive at once.
type DemuxerFactory struct {
	mu          sync.Mutex
	unsupported bool
	built       []*Demuxer
	active      int
	maxActive   int
	hook        func(*Demuxer)
}

// NewDemuxerFactory returns a supported factory.
func NewDemuxerFactory() *DemuxerFactory { return &DemuxerFactory{} }

// SetSupported toggles Supported.
func (f *DemuxerFactory) SetSupported(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsupported = !ok
}

// OnLoad installs a hook run after every LoadSource call.
func (f *DemuxerFactory) OnLoad(hook func(*Demuxer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

func (f *DemuxerFactory) Supported() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unsupported
}

func (f *DemuxerFactory) NewDemuxer() stream.Demuxer {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &Demuxer{factory: f, index: len(f.built)}
	f.built = append(f.built, d)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return d
}

func (f *DemuxerFactory) onLoad() func(*Demuxer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hook
}

func (f *DemuxerFactory) released() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

// Built counts constructed demuxers.
func (f *DemuxerFactory) Built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

// Active counts demuxers constructed and not destroyed.
func (f *DemuxerFactory) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// MaxActive is the highest Active value observed.
func (f *DemuxerFactory) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Last returns the most recently built demuxer, or nil.
func (f *DemuxerFactory) Last() *Demuxer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

// At returns the i-th built demuxer.
func (f *DemuxerFactory) At(i int) *Demuxer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[i]
}

// Decoder is a stream.Decoder driven by the test.
type Decoder struct {
	Options stream.DecoderOptions

	mu        sync.Mutex
	ready     func()
	fail      func(error)
	started   bool
	destroyed bool
}

func (d *Decoder) On(ready func(), fail func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready, d.fail = ready, fail
}

func (d *Decoder) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *Decoder) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
}

// Ready fires the readiness callback.
func (d *Decoder) Ready() {
	d.mu.Lock()
	fn := d.ready
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Fail fires the failure callback.
func (d *Decoder) Fail(err error) {
	d.mu.Lock()
	fn := d.fail
	d.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Destroyed reports whether Destroy was called.
func (d *Decoder) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// DecoderFactory records every decoder it builds.
type DecoderFactory struct {
	mu    sync.Mutex
	built []*Decoder
}

func (f *DecoderFactory) NewDecoder(opts stream.DecoderOptions) (stream.Decoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &Decoder{Options: opts}
	f.built = append(f.built, d)
	return d, nil
}

// Built counts constructed decoders.
func (f *DecoderFactory) Built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

// Last returns the most recently built decoder, or nil.
func (f *DecoderFactory) Last() *Decoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

// Prober returns a fixed codec. With Block set it waits until Block is
// closed or the context ends.
type Prober struct {
	mu    sync.Mutex
	codec stream.CodecKind
	calls []string
	Block chan struct{}
}

// NewProber returns a prober reporting codec.
func NewProber(codec stream.CodecKind) *Prober { return &Prober{codec: codec} }

func (p *Prober) Probe(ctx context.Context, manifestURL string) stream.CodecKind {
	p.mu.Lock()
	p.calls = append(p.calls, manifestURL)
	codec, block := p.codec, p.Block
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return codec
}

// SetCodec changes the reported codec.
func (p *Prober) SetCodec(codec stream.CodecKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codec = codec
}

// Calls returns every probed URL.
func (p *Prober) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Observer records every notification.
type Observer struct {
	mu           sync.Mutex
	errors       []string
	loading      []bool
	ready        int
	lost         int
	reconnecting int
	total        int
}

func (o *Observer) OnError(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, message)
	o.total++
}

func (o *Observer) OnLoading(loading bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loading = append(o.loading, loading)
	o.total++
}

func (o *Observer) OnReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready++
	o.total++
}

func (o *Observer) OnConnectionLost() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lost++
	o.total++
}

func (o *Observer) OnReconnecting() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconnecting++
	o.total++
}

// Errors returns reported error messages.
func (o *Observer) Errors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.errors...)
}

// Loading returns the loading indicator sequence.
func (o *Observer) Loading() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.loading...)
}

// Ready counts OnReady calls.
func (o *Observer) Ready() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// Lost counts OnConnectionLost calls.
func (o *Observer) Lost() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lost
}

// Reconnecting counts OnReconnecting calls.
func (o *Observer) Reconnecting() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reconnecting
}

// Total counts every notification.
func (o *Observer) Total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}
