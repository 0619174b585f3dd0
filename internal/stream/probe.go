package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxManifestBytes = 1 << 20

var hevcMarkers = []string{"hevc", "h265", "hvc1", "hev1"}

// ContainsHEVC reports whether a manifest body announces H.265 content.
func ContainsHEVC(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range hevcMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// NoCacheURL adds a cache-busting _t query parameter to raw.
func NoCacheURL(raw string, now time.Time) string {
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	u, err := url.Parse(raw)
	if err != nil {
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		return raw + sep + "_t=" + stamp
	}
	q := u.Query()
	q.Set("_t", stamp)
	u.RawQuery = q.Encode()
	return u.String()
}

// ManifestURL returns the manifest location for a stream source. Sources
// whose path already names a playlist are returned unchanged; otherwise name
// is appended as a path element.
func ManifestURL(source, name string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, source)
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") {
		return u.String(), nil
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + name
	if u.RawPath != "" {
		u.RawPath = strings.TrimSuffix(u.RawPath, "/") + "/" + name
	}
	return u.String(), nil
}

// HTTPProber fetches a manifest once and looks for H.265 markers.
type HTTPProber struct {
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
}

// NewHTTPProber returns a prober using client.
func NewHTTPProber(client *http.Client, log *slog.Logger) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPProber{client: client, log: log, now: time.Now}
}

// Probe returns CodecH265 if the manifest mentions an H.265 marker and
// CodecH264 otherwise, including on any failure. It does not retry.
func (p *HTTPProber) Probe(ctx context.Context, manifestURL string) CodecKind {
	body, err := p.fetch(ctx, manifestURL)
	if err != nil {
		p.log.Warn("codec probe failed, assuming h264",
			slog.String("url", manifestURL),
			slog.String("error", err.Error()),
		)
		return CodecH264
	}
	if ContainsHEVC(body) {
		return CodecH265
	}
	return CodecH264
}

func (p *HTTPProber) fetch(ctx context.Context, manifestURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, NoCacheURL(manifestURL, p.now()), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	SetNoCacheHeaders(req.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch manifest: unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	return string(b), nil
}

// SetNoCacheHeaders asks intermediaries not to serve a stale manifest.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
