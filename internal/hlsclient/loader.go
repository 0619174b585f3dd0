// Package hlsclient loads live HLS streams over HTTP in software: it polls
// the media playlist, downloads new segments and hands them to a surface.
package hlsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"stream-keeper/internal/hls"
	"stream-keeper/internal/stream"
)

const (
	defaultMinPollInterval   = 500 * time.Millisecond
	defaultMaxNetworkRetries = 3
	defaultRetryDelay        = time.Second
	defaultLiveSyncSegments  = 3
	maxPlaylistBytes         = 1 << 20
)

// Options configure a Loader.
type Options struct {
	Client *http.Client
	Logger *slog.Logger
	// MinPollInterval bounds how often playlists are requested.
	MinPollInterval time.Duration
	// MaxNetworkRetries is how many consecutive network failures are
	// reported as recoverable before the next one becomes fatal.
	MaxNetworkRetries int
	RetryDelay        time.Duration
	// LiveSyncSegments is how far behind the live edge playback starts.
	LiveSyncSegments int
}

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = defaultMinPollInterval
	}
	if o.MaxNetworkRetries <= 0 {
		o.MaxNetworkRetries = defaultMaxNetworkRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.LiveSyncSegments <= 0 {
		o.LiveSyncSegments = defaultLiveSyncSegments
	}
	return o
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Loader fetches one HLS stream at a time per Run call.
type Loader struct {
	opts Options
	log  *slog.Logger
}

// NewLoader returns a Loader.
func NewLoader(opts Options) *Loader {
	opts = opts.withDefaults()
	return &Loader{opts: opts, log: opts.Logger}
}

// Run loads manifestURL until ctx is cancelled, the playlist ends or a fatal
// error occurs. Progress is reported through emit; segments are passed to
// push. A fatal error is emitted and returned; cancellation and a clean end
// of stream return nil.
func (l *Loader) Run(ctx context.Context, manifestURL string, emit func(stream.DemuxerEvent), push func(stream.MediaChunk) error) error {
	limiter := rate.NewLimiter(rate.Every(l.opts.MinPollInterval), 1)
	failures := 0

	// retry reports err and decides whether loading continues.
	retry := func(err error) error {
		var typ stream.ErrorType
		switch {
		case errors.Is(err, hls.ErrNotPlaylist), isParseError(err):
			typ = stream.ErrorMedia
		default:
			typ = stream.ErrorNetwork
		}
		if typ == stream.ErrorMedia {
			return l.fatal(emit, typ, err)
		}
		failures++
		if failures > l.opts.MaxNetworkRetries {
			return l.fatal(emit, typ, err)
		}
		l.log.Debug("hls load failed, retrying",
			slog.Int("failures", failures),
			slog.String("error", err.Error()),
		)
		emit(stream.DemuxerEvent{Type: stream.DemuxerError, ErrorType: typ, Err: err})
		return sleep(ctx, l.opts.RetryDelay)
	}

	var mediaURL string
	for mediaURL == "" {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		resolved, err := l.resolveMedia(ctx, manifestURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := retry(err); err != nil {
				return ignoreCancel(ctx, err)
			}
			continue
		}
		mediaURL = resolved
	}
	emit(stream.DemuxerEvent{Type: stream.DemuxerManifestParsed})

	next := int64(-1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		pl, err := l.fetchMedia(ctx, mediaURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := retry(err); err != nil {
				return ignoreCancel(ctx, err)
			}
			continue
		}

		// A playlist that went backwards means the source restarted.
		if next < 0 || pl.LastSequence() < next-1 {
			next = max(pl.MediaSequence, pl.LastSequence()-int64(l.opts.LiveSyncSegments)+1)
		}

		segmentFailed := false
		for _, seg := range pl.Segments {
			if seg.Sequence < next {
				continue
			}
			chunk, err := l.fetchSegment(ctx, mediaURL, seg)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if err := retry(err); err != nil {
					return ignoreCancel(ctx, err)
				}
				segmentFailed = true
				break
			}
			failures = 0
			if err := push(chunk); err != nil {
				return l.fatal(emit, stream.ErrorMedia, fmt.Errorf("append segment %d: %w", seg.Sequence, err))
			}
			emit(stream.DemuxerEvent{Type: stream.DemuxerFragLoaded})
			next = seg.Sequence + 1
		}
		if segmentFailed {
			continue
		}

		if pl.Ended && next > pl.LastSequence() {
			if err := push(stream.MediaChunk{Sequence: next, Final: true}); err != nil {
				return l.fatal(emit, stream.ErrorMedia, fmt.Errorf("append end of stream: %w", err))
			}
			l.log.Debug("hls stream ended", slog.String("url", mediaURL))
			return nil
		}

		wait := pl.TargetDuration / 2
		if wait < l.opts.MinPollInterval {
			wait = l.opts.MinPollInterval
		}
		if err := sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (l *Loader) fatal(emit func(stream.DemuxerEvent), typ stream.ErrorType, err error) error {
	l.log.Warn("hls load failed", slog.String("type", string(typ)), slog.String("error", err.Error()))
	emit(stream.DemuxerEvent{Type: stream.DemuxerError, Fatal: true, ErrorType: typ, Err: err})
	return err
}

// resolveMedia returns the media playlist URL, following a multivariant
// playlist to its first variant.
func (l *Loader) resolveMedia(ctx context.Context, manifestURL string) (string, error) {
	body, err := l.get(ctx, manifestURL, maxPlaylistBytes)
	if err != nil {
		return "", err
	}
	if !hls.IsMaster(string(body)) {
		if _, err := hls.ParseMedia(string(body)); err != nil {
			return "", parseError{err}
		}
		return manifestURL, nil
	}
	master, err := hls.ParseMaster(string(body))
	if err != nil {
		return "", parseError{err}
	}
	return hls.ResolveURI(manifestURL, master.Variants[0].URI)
}

func (l *Loader) fetchMedia(ctx context.Context, mediaURL string) (*hls.MediaPlaylist, error) {
	body, err := l.get(ctx, mediaURL, maxPlaylistBytes)
	if err != nil {
		return nil, err
	}
	pl, err := hls.ParseMedia(string(body))
	if err != nil {
		return nil, parseError{err}
	}
	return pl, nil
}

func (l *Loader) fetchSegment(ctx context.Context, mediaURL string, seg hls.Segment) (stream.MediaChunk, error) {
	segURL, err := hls.ResolveURI(mediaURL, seg.URI)
	if err != nil {
		return stream.MediaChunk{}, parseError{err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
	if err != nil {
		return stream.MediaChunk{}, fmt.Errorf("build segment request: %w", err)
	}
	resp, err := l.opts.Client.Do(req)
	if err != nil {
		return stream.MediaChunk{}, fmt.Errorf("fetch segment %d: %w", seg.Sequence, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stream.MediaChunk{}, &StatusError{URL: segURL, Code: resp.StatusCode}
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return stream.MediaChunk{}, fmt.Errorf("read segment %d: %w", seg.Sequence, err)
	}
	return stream.MediaChunk{Sequence: seg.Sequence, Duration: seg.Duration, Bytes: n}, nil
}

func (l *Loader) get(ctx context.Context, target string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	stream.SetNoCacheHeaders(req.Header)
	resp, err := l.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: target, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	return body, nil
}

// parseError marks malformed content, which retrying will not fix.
type parseError struct{ err error }

func (e parseError) Error() string { return "parse: " + e.err.Error() }
func (e parseError) Unwrap() error { return e.err }

func isParseError(err error) bool {
	var pe parseError
	return errors.As(err, &pe)
}

func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
