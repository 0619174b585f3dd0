package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"stream-keeper/internal/clock"
)

// Options configure a Connection. Only Prober is required when the surface
// plays HLS natively; the factories are needed for the software backends.
type Options struct {
	ID        string
	Config    Config
	Prober    Prober
	Demuxers  DemuxerFactory
	Decoders  DecoderFactory
	Observer  Observer
	Telemetry Telemetry
	Logger    *slog.Logger
	Clock     clock.Clock
}

// Connection keeps one stream playing on one surface. All mutable state is
// owned by a serial queue; public methods are safe for concurrent use.
// Collaborator events are handed to the queue and run on a goroutine the
// Connection owns.
type Connection struct {
	id        string
	cfg       Config
	prober    Prober
	demuxers  DemuxerFactory
	decoders  DecoderFactory
	observer  Observer
	telemetry Telemetry
	log       *slog.Logger
	clock     clock.Clock

	queue     serialQueue
	destroyed atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// Fields below are only touched from queue tasks.
	surface          Surface
	sourceURL        string
	manifestURL      string
	codec            CodecKind
	backend          Backend
	gen              uint64
	state            State
	attempts         int
	gaveUp           bool
	reconnectPending bool
	lastAttemptAt    time.Time
	pendingLoss      LossReason
	lastLoss         LossReason
	lastProgressAt   time.Time
	readyNotified    bool
	loading          bool
	playAttempts     int
	backoff          *backoff.ExponentialBackOff
	monitor          *healthMonitor

	reconnectTimer clock.Timer
	deferTimer     clock.Timer
	playTimer      clock.Timer

	mu     sync.RWMutex
	status Status
}

// NewConnection returns an idle Connection.
func NewConnection(opts Options) *Connection {
	cfg := opts.Config.withDefaults()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = nopTelemetry{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.Multiplier = cfg.ReconnectMultiplier
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.RandomizationFactor = 0
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		cfg:       cfg,
		prober:    opts.Prober,
		demuxers:  opts.Demuxers,
		decoders:  opts.Decoders,
		observer:  opts.Observer,
		telemetry: tel,
		log:       log.With(slog.String("connection_id", id)),
		clock:     clk,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		backoff:   b,
	}
	c.publish()
	return c
}

// ID returns the connection identifier used in logs and status.
func (c *Connection) ID() string { return c.id }

// Done is closed once Destroy has released every resource.
func (c *Connection) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.State
}

// Status returns a snapshot of the connection.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Initialize starts playing sourceURL on surface, replacing whatever the
// connection was playing. It returns once a backend has been selected and
// started; readiness is reported through the Observer.
//
// It fails with ErrGaveUp while the reconnect ceiling is in effect and with
// ErrNoBackend when neither the surface nor the software backends can play
// the stream. It must not be called from an Observer callback.
func (c *Connection) Initialize(ctx context.Context, surface Surface, sourceURL string) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if surface == nil {
		return ErrNoSurface
	}
	manifest, err := ManifestURL(sourceURL, c.cfg.ManifestName)
	if err != nil {
		return err
	}

	var (
		gen     uint64
		refused error
	)
	c.queue.run(func() {
		if c.destroyed.Load() {
			refused = ErrDestroyed
			return
		}
		if c.gaveUp {
			refused = ErrGaveUp
			return
		}
		c.cancelTimers()
		c.teardown()
		c.gen++
		gen = c.gen

		c.surface = surface
		c.sourceURL = sourceURL
		c.manifestURL = manifest
		c.attempts = 0
		c.backoff.Reset()
		c.lastAttemptAt = time.Time{}
		c.reconnectPending = false
		c.lastLoss = ""
		c.setState(StateConnecting)
		c.notifyLoading(true)
	})
	if refused != nil {
		return refused
	}

	c.log.Info("initializing stream", slog.String("url", manifest))
	codec := c.probe(ctx, manifest)

	var buildErr error
	c.queue.run(func() { buildErr = c.build(gen, codec) })
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	return buildErr
}

// Reconnect clears the reconnect ceiling and starts the current source again
// on the current surface.
func (c *Connection) Reconnect(ctx context.Context) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	var (
		surface Surface
		source  string
	)
	c.queue.run(func() {
		c.resetReconnection()
		surface, source = c.surface, c.sourceURL
	})
	if surface == nil {
		return fmt.Errorf("reconnect: %w", ErrNoSurface)
	}
	return c.Initialize(ctx, surface, source)
}

// ResetReconnectionState clears the attempt counter, the give-up flag and
// the backoff so that a later Initialize may proceed.
func (c *Connection) ResetReconnectionState() {
	c.queue.do(c.resetReconnection)
}

func (c *Connection) resetReconnection() {
	c.attempts = 0
	c.gaveUp = false
	c.playAttempts = 0
	c.lastAttemptAt = time.Time{}
	c.backoff.Reset()
	c.publish()
}

// Destroy stops playback and releases every resource. It is idempotent and
// safe to call from any goroutine, including Observer callbacks. No
// notification is delivered once Destroy has been called.
func (c *Connection) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.queue.do(c.release)
}

func (c *Connection) release() {
	c.cancelTimers()
	c.teardown()
	c.surface = nil
	c.pendingLoss = ""
	c.reconnectPending = false
	c.setState(StateDestroyed)
	c.log.Debug("connection released")
	close(c.done)
}

// probe runs outside the queue and is cancelled by Destroy.
func (c *Connection) probe(ctx context.Context, manifest string) CodecKind {
	if c.prober == nil {
		return CodecH264
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	codec := c.prober.Probe(ctx, manifest)
	c.telemetry.Probed(codec.String())
	c.log.Debug("codec probed", slog.String("codec", codec.String()))
	return codec
}

func (c *Connection) capabilities() Capabilities {
	return Capabilities{
		NativeHLS:   c.surface.CanPlayType(MimeHLS),
		SoftwareHLS: c.demuxers != nil && c.demuxers.Supported(),
	}
}

// build selects, constructs and starts a backend for generation gen.
func (c *Connection) build(gen uint64, codec CodecKind) error {
	if c.destroyed.Load() || gen != c.gen || c.surface == nil {
		return nil
	}
	c.teardown()
	c.codec = codec

	kind := Select(codec, c.capabilities())
	if kind == BackendSoftwareH265 && c.decoders == nil {
		kind = BackendNone
	}
	if kind == BackendNone {
		c.log.Error("no playback backend available", slog.String("codec", codec.String()))
		c.surface.SetSource(c.manifestURL)
		c.setState(StateIdle)
		c.notifyLoading(false)
		c.notifyError(ErrNoBackend.Error())
		return ErrNoBackend
	}

	b := c.newBackend(kind, gen)
	c.backend = b
	c.readyNotified = false
	c.playAttempts = 0
	c.telemetry.BackendBuilt(kind.String())
	c.log.Info("playback backend selected",
		slog.String("backend", kind.String()),
		slog.String("codec", codec.String()),
	)
	c.publish()

	if err := b.Start(); err != nil {
		c.log.Warn("backend failed to start", slog.String("error", err.Error()))
		c.connectionLost(gen, LossBackendFailed)
		return nil
	}
	c.startMonitor(gen)
	return nil
}

func (c *Connection) newBackend(kind BackendKind, gen uint64) Backend {
	env := backendEnv{
		surface: c.surface,
		url:     NoCacheURL(c.manifestURL, c.clock.Now()),
		post:    func(fn func()) { c.report(gen, fn) },
		host:    hostRef{c: c, gen: gen},
		log:     c.log.With(slog.String("backend", kind.String())),
	}
	switch kind {
	case BackendNativeHLS:
		return &nativeBackend{backendEnv: env}
	case BackendSoftwareHLS:
		return &softwareHLSBackend{
			backendEnv:  env,
			factory:     c.demuxers,
			reloadDelay: c.cfg.SourceReloadDelay,
			after: func(d time.Duration, fn func()) clock.Timer {
				return c.after(gen, d, fn)
			},
		}
	default:
		return &h265Backend{backendEnv: env, factory: c.decoders, useWorker: !c.cfg.DisableDecoderWorker}
	}
}

// post schedules fn on the queue unless the connection is destroyed or gen
// is no longer current by the time it runs.
func (c *Connection) post(gen uint64, fn func()) {
	if c.destroyed.Load() {
		return
	}
	c.queue.do(func() {
		if c.destroyed.Load() || gen != c.gen {
			return
		}
		fn()
	})
}

// report is post for collaborator events. The task never runs on the
// reporting goroutine, which a backend's Destroy may be waiting for.
func (c *Connection) report(gen uint64, fn func()) {
	if c.destroyed.Load() {
		return
	}
	c.queue.hand(func() {
		if c.destroyed.Load() || gen != c.gen {
			return
		}
		fn()
	})
}

// after is post delayed by d.
func (c *Connection) after(gen uint64, d time.Duration, fn func()) clock.Timer {
	return c.clock.AfterFunc(d, func() { c.post(gen, fn) })
}

// teardown destroys the active backend and its monitor.
func (c *Connection) teardown() {
	c.stopMonitor()
	stopTimer(&c.playTimer)
	stopTimer(&c.deferTimer)
	c.pendingLoss = ""
	if c.backend != nil {
		c.backend.Destroy()
		c.backend = nil
	}
	c.readyNotified = false
}

func (c *Connection) cancelTimers() {
	stopTimer(&c.reconnectTimer)
	stopTimer(&c.deferTimer)
	stopTimer(&c.playTimer)
	c.stopMonitor()
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.telemetry.StateChanged(from.String(), s.String())
	c.log.Debug("state changed", slog.String("from", from.String()), slog.String("to", s.String()))
	c.publish()
}

func (c *Connection) publish() {
	st := Status{
		ID:           c.id,
		SourceURL:    c.sourceURL,
		ManifestURL:  c.manifestURL,
		State:        c.state,
		Codec:        c.codec,
		Attempts:     c.attempts,
		LastProgress: c.lastProgressAt,
		LastLoss:     c.lastLoss,
		UpdatedAt:    c.clock.Now(),
	}
	if c.backend != nil {
		st.Backend = c.backend.Kind()
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}

func (c *Connection) notifyError(message string) {
	if c.destroyed.Load() || c.observer == nil {
		return
	}
	if IsBenign(message) {
		c.log.Debug("suppressed benign error", slog.String("message", message))
		return
	}
	c.observer.OnError(message)
}

// notifyLoading only reports changes of the loading indicator.
func (c *Connection) notifyLoading(loading bool) {
	if c.destroyed.Load() || c.loading == loading {
		return
	}
	c.loading = loading
	if c.observer != nil {
		c.observer.OnLoading(loading)
	}
}

func (c *Connection) notifyReady() {
	if c.destroyed.Load() || c.observer == nil {
		return
	}
	c.observer.OnReady()
}

func (c *Connection) notifyConnectionLost() {
	if c.destroyed.Load() || c.observer == nil {
		return
	}
	c.observer.OnConnectionLost()
}

func (c *Connection) notifyReconnecting() {
	if c.destroyed.Load() || c.observer == nil {
		return
	}
	c.observer.OnReconnecting()
}

// hostRef binds backend reports to the generation that built the backend.
// Its methods run inside tasks already filtered by report.
type hostRef struct {
	c   *Connection
	gen uint64
}

func (h hostRef) playable() { h.c.attemptPlay(h.gen) }

// recovering shows the loading indicator while a backend retries in place.
func (h hostRef) recovering() { h.c.notifyLoading(true) }

func (h hostRef) buffering(waiting bool) {
	if h.c.state == StatePlaying {
		h.c.notifyLoading(waiting)
	}
}

func (h hostRef) failed(reason LossReason, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if err != nil && IsBenign(msg) {
		h.c.log.Debug("ignored benign backend error", slog.String("error", msg))
		return
	}
	h.c.log.Warn("backend failure", slog.String("reason", string(reason)), slog.String("error", msg))
	h.c.connectionLost(h.gen, reason)
}
