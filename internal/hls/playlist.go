// Package hls parses and writes the subset of HLS playlists a live camera
// server (MediaMTX, go2rtc, ffmpeg) produces.
package hls

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotPlaylist is returned when the body does not start with #EXTM3U.
var ErrNotPlaylist = errors.New("not an m3u8 playlist")

// Segment is one media segment of a media playlist.
type Segment struct {
	Sequence int64
	Duration time.Duration
	URI      string
}

// MediaPlaylist is a parsed media (segment) playlist.
type MediaPlaylist struct {
	TargetDuration time.Duration
	MediaSequence  int64
	Segments       []Segment
	Ended          bool
}

// Variant is one #EXT-X-STREAM-INF entry of a master playlist.
type Variant struct {
	Bandwidth int
	Codecs    string
	URI       string
}

// MasterPlaylist is a parsed multivariant playlist.
type MasterPlaylist struct {
	Variants []Variant
}

// IsMaster reports whether body is a multivariant playlist.
func IsMaster(body string) bool {
	return strings.Contains(body, "#EXT-X-STREAM-INF")
}

// ParseMaster parses a multivariant playlist. Variants keep their URIs as
// written; use ResolveURI to make them absolute.
func ParseMaster(body string) (*MasterPlaylist, error) {
	sc, err := newScanner(body)
	if err != nil {
		return nil, err
	}

	pl := &MasterPlaylist{}
	var pending *Variant
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			v := Variant{Codecs: attrs["CODECS"]}
			if bw, err := strconv.Atoi(attrs["BANDWIDTH"]); err == nil {
				v.Bandwidth = bw
			}
			pending = &v
		case strings.HasPrefix(line, "#"):
		default:
			if pending != nil {
				pending.URI = line
				pl.Variants = append(pl.Variants, *pending)
				pending = nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read master playlist: %w", err)
	}
	if len(pl.Variants) == 0 {
		return nil, fmt.Errorf("master playlist has no variants: %w", ErrNotPlaylist)
	}
	return pl, nil
}

// ParseMedia parses a media playlist. Segment sequence numbers are assigned
// from #EXT-X-MEDIA-SEQUENCE.
func ParseMedia(body string) (*MediaPlaylist, error) {
	sc, err := newScanner(body)
	if err != nil {
		return nil, err
	}

	pl := &MediaPlaylist{}
	var (
		nextDuration time.Duration
		haveInf      bool
		index        int64
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			secs, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
			if err != nil {
				return nil, fmt.Errorf("parse target duration %q: %w", line, err)
			}
			pl.TargetDuration = seconds(secs)
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			seq, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse media sequence %q: %w", line, err)
			}
			pl.MediaSequence = seq
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(value, ','); i >= 0 {
				value = value[:i]
			}
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("parse segment duration %q: %w", line, err)
			}
			nextDuration = seconds(secs)
			haveInf = true
		case line == "#EXT-X-ENDLIST":
			pl.Ended = true
		case strings.HasPrefix(line, "#"):
		default:
			if !haveInf {
				return nil, fmt.Errorf("segment %q without #EXTINF", line)
			}
			pl.Segments = append(pl.Segments, Segment{
				Sequence: pl.MediaSequence + index,
				Duration: nextDuration,
				URI:      line,
			})
			index++
			haveInf = false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read media playlist: %w", err)
	}
	return pl, nil
}

// LastSequence returns the sequence number of the newest segment, or
// MediaSequence-1 when the playlist is empty.
func (p *MediaPlaylist) LastSequence() int64 {
	if len(p.Segments) == 0 {
		return p.MediaSequence - 1
	}
	return p.Segments[len(p.Segments)-1].Sequence
}

// ResolveURI resolves ref against the playlist URL it was found in.
func ResolveURI(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// BuildMediaPlaylist writes segments (ascending by sequence) as a live media
// playlist. If ended is true, #EXT-X-ENDLIST is appended. An empty slice
// produces a minimal valid playlist with media sequence 0.
func BuildMediaPlaylist(segments []Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n\n", segments[0].Sequence)

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration.Seconds())
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// BuildMasterPlaylist writes a multivariant playlist.
func BuildMasterPlaylist(variants []Variant) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth)
		if v.Codecs != "" {
			fmt.Fprintf(&b, ",CODECS=%q", v.Codecs)
		}
		b.WriteString("\n")
		b.WriteString(v.URI)
		b.WriteString("\n")
	}
	return b.String()
}

// targetDuration is the ceiling of the longest segment in whole seconds.
func targetDuration(segments []Segment) int {
	var longest time.Duration
	for _, seg := range segments {
		if seg.Duration > longest {
			longest = seg.Duration
		}
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest.Seconds()))
}

func newScanner(body string) (*bufio.Scanner, error) {
	if !strings.HasPrefix(strings.TrimLeft(body, "\ufeff \t\r\n"), "#EXTM3U") {
		return nil, ErrNotPlaylist
	}
	return bufio.NewScanner(strings.NewReader(body)), nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// parseAttributes splits an attribute list, honouring quoted values that may
// contain commas (CODECS="avc1.64001f,mp4a.40.2").
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value, s = s[1:], ""
			} else {
				value, s = s[1:end+1], s[end+2:]
			}
		} else if comma := strings.IndexByte(s, ','); comma >= 0 {
			value, s = s[:comma], s[comma:]
		} else {
			value, s = s, ""
		}
		attrs[key] = value
		s = strings.TrimPrefix(s, ",")
	}
	return attrs
}
