package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stream-keeper/internal/clock"
	"stream-keeper/internal/stream"
)

// DefaultHandoffDelay is the pause between releasing a surface and starting
// the next connection on it.
const DefaultHandoffDelay = 300 * time.Millisecond

var (
	// ErrInvalidConfig is returned for a stream whose URL cannot be played.
	ErrInvalidConfig = errors.New("invalid stream config")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("supervisor closed")
)

// SurfaceFactory returns the surface a new stream renders to.
type SurfaceFactory func(StreamConfig) stream.Surface

// Options are shared by every connection the Service creates.
type Options struct {
	Config    stream.Config
	Prober    stream.Prober
	Demuxers  stream.DemuxerFactory
	Decoders  stream.DecoderFactory
	Telemetry stream.Telemetry
	Clock     clock.Clock
	Surfaces  SurfaceFactory
	// HandoffDelay applies to Switch. Zero means DefaultHandoffDelay and a
	// negative value switches immediately.
	HandoffDelay time.Duration
	Logger       *slog.Logger
}

// Service keeps a set of streams connected, one Connection per stream.
// Connection start-up runs in the background so callers never wait on a
// probe.
type Service struct {
	repo Repository
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService returns a Service that stores streams in repo.
func NewService(repo Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config.ManifestName == "" {
		opts.Config.ManifestName = stream.DefaultConfig().ManifestName
	}
	if opts.HandoffDelay == 0 {
		opts.HandoffDelay = DefaultHandoffDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:   repo,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a stream and starts connecting it. An empty ID is replaced
// by a generated one.
func (s *Service) Add(cfg StreamConfig) (Status, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if err := s.validate(cfg.URL); err != nil {
		return Status{}, err
	}
	if cfg.ID == "" {
		cfg.ID = StreamID(uuid.NewString())
	}
	if s.isClosed() {
		return Status{}, ErrClosed
	}

	st := &StreamState{cfg: cfg, addedAt: time.Now().UTC()}
	if s.opts.Surfaces != nil {
		st.surface = s.opts.Surfaces(cfg)
	}
	st.conn = s.newConnection(st)
	if err := s.repo.Insert(st); err != nil {
		st.conn.Destroy()
		closeSurface(st.surface)
		return Status{}, err
	}

	conn, surface := st.conn, st.surface
	if !s.spawn(func(ctx context.Context) { s.start(ctx, st, conn, surface, cfg.URL) }) {
		s.repo.Remove(cfg.ID)
		conn.Destroy()
		closeSurface(surface)
		return Status{}, ErrClosed
	}
	s.log.Info("stream added", slog.String("stream_id", string(cfg.ID)), slog.String("url", cfg.URL))
	return st.snapshot(), nil
}

// Remove destroys a stream's connection and waits for its resources to be
// released, or for ctx to end.
func (s *Service) Remove(ctx context.Context, id StreamID) error {
	st, ok := s.repo.Remove(id)
	if !ok {
		return ErrNotFound
	}
	s.log.Info("stream removed", slog.String("stream_id", string(id)))
	return s.release(ctx, st)
}

// Reconnect starts a manual reconnect of a stream, clearing its give-up state.
func (s *Service) Reconnect(id StreamID) error {
	st, ok := s.repo.Get(id)
	if !ok {
		return ErrNotFound
	}
	conn := st.connection()
	started := s.spawn(func(ctx context.Context) {
		if err := conn.Reconnect(ctx); err != nil && !errors.Is(err, stream.ErrDestroyed) {
			s.log.Warn("manual reconnect failed", slog.String("stream_id", string(id)), slog.Any("error", err))
		}
	})
	if !started {
		return ErrClosed
	}
	return nil
}

// Switch moves a stream to a new source. The old connection is destroyed and
// fully released before the new one starts on the same surface.
func (s *Service) Switch(id StreamID, url string) error {
	url = strings.TrimSpace(url)
	if err := s.validate(url); err != nil {
		return err
	}
	st, ok := s.repo.Get(id)
	if !ok {
		return ErrNotFound
	}

	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return ErrNotFound
	}
	old := st.conn
	st.cfg.URL = url
	next := s.newConnection(st)
	st.conn = next
	surface := st.surface
	st.mu.Unlock()

	started := s.spawn(func(ctx context.Context) { s.handoff(ctx, st, old, next, surface, url) })
	if !started {
		next.Destroy()
		return ErrClosed
	}
	s.log.Info("stream source switched", slog.String("stream_id", string(id)), slog.String("url", url))
	return nil
}

// Get returns the status of one stream.
func (s *Service) Get(id StreamID) (Status, error) {
	st, ok := s.repo.Get(id)
	if !ok {
		return Status{}, ErrNotFound
	}
	return st.snapshot(), nil
}

// List returns the status of every stream ordered by id.
func (s *Service) List() []Status {
	streams := s.repo.List()
	out := make([]Status, 0, len(streams))
	for _, st := range streams {
		out = append(out, st.snapshot())
	}
	return out
}

// Count returns the number of supervised streams.
func (s *Service) Count() int {
	return s.repo.Count()
}

// Sync reconciles the supervised set with want: missing streams are added,
// extra ones removed, and streams whose URL changed are switched.
func (s *Service) Sync(ctx context.Context, want []StreamConfig) error {
	desired := make(map[StreamID]StreamConfig, len(want))
	for _, cfg := range want {
		desired[cfg.ID] = cfg
	}

	var errs []error
	for _, st := range s.repo.List() {
		id := st.config().ID
		if _, keep := desired[id]; !keep {
			if err := s.Remove(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
			}
		}
	}

	for _, cfg := range want {
		st, ok := s.repo.Get(cfg.ID)
		if !ok {
			if _, err := s.Add(cfg); err != nil {
				errs = append(errs, fmt.Errorf("add %s: %w", cfg.ID, err))
			}
			continue
		}
		cur := st.config()
		switch {
		case cur.NativeHLS != cfg.NativeHLS:
			// The surface itself changes, so the stream is rebuilt.
			if err := s.Remove(ctx, cfg.ID); err != nil {
				errs = append(errs, fmt.Errorf("replace %s: %w", cfg.ID, err))
				continue
			}
			if _, err := s.Add(cfg); err != nil {
				errs = append(errs, fmt.Errorf("replace %s: %w", cfg.ID, err))
			}
		case cur.URL != strings.TrimSpace(cfg.URL):
			if err := s.Switch(cfg.ID, cfg.URL); err != nil {
				errs = append(errs, fmt.Errorf("switch %s: %w", cfg.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close destroys every connection, waits for them to release their
// surfaces and for background start-ups to return.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range s.repo.List() {
		if _, ok := s.repo.Remove(st.config().ID); !ok {
			continue
		}
		g.Go(func() error { return s.release(gctx, st) })
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Service) validate(url string) error {
	if _, err := stream.ManifestURL(url, s.opts.Config.ManifestName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// newConnection builds the next connection for st. Callers hold st.mu or
// own st exclusively.
func (s *Service) newConnection(st *StreamState) *stream.Connection {
	return stream.NewConnection(stream.Options{
		Config:    s.opts.Config,
		Prober:    s.opts.Prober,
		Demuxers:  s.opts.Demuxers,
		Decoders:  s.opts.Decoders,
		Observer:  st.nextObserver(),
		Telemetry: s.opts.Telemetry,
		Logger:    s.log.With(slog.String("stream_id", string(st.cfg.ID))),
		Clock:     s.opts.Clock,
	})
}

func (s *Service) start(ctx context.Context, st *StreamState, conn *stream.Connection, surface stream.Surface, url string) {
	err := conn.Initialize(ctx, surface, url)
	switch {
	case err == nil, errors.Is(err, stream.ErrDestroyed):
	case errors.Is(err, stream.ErrNoBackend):
		// The observer has already recorded the message.
		s.log.Warn("stream has no playback backend", slog.String("stream_id", string(st.config().ID)))
	default:
		st.mu.Lock()
		st.lastError = err.Error()
		st.mu.Unlock()
		s.log.Error("stream start failed", slog.String("stream_id", string(st.config().ID)), slog.Any("error", err))
	}
}

func (s *Service) handoff(ctx context.Context, st *StreamState, old, next *stream.Connection, surface stream.Surface, url string) {
	old.Destroy()
	select {
	case <-old.Done():
	case <-ctx.Done():
		next.Destroy()
		return
	}

	if s.opts.HandoffDelay > 0 {
		t := time.NewTimer(s.opts.HandoffDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			next.Destroy()
			return
		}
	}

	st.mu.Lock()
	superseded := st.removed || st.conn != next
	st.mu.Unlock()
	if superseded {
		next.Destroy()
		return
	}
	s.start(ctx, st, next, surface, url)
}

func (s *Service) release(ctx context.Context, st *StreamState) error {
	st.mu.Lock()
	st.removed = true
	conn, surface := st.conn, st.surface
	st.mu.Unlock()

	conn.Destroy()
	select {
	case <-conn.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	closeSurface(surface)
	return nil
}

func (s *Service) spawn(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func closeSurface(surface stream.Surface) {
	if c, ok := surface.(interface{ Close() }); ok {
		c.Close()
	}
}
