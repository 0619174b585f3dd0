package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidStreams is wrapped by every validation failure of a streams file.
var ErrInvalidStreams = errors.New("invalid streams file")

// StreamEntry is one camera in the streams file.
type StreamEntry struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	Enabled   *bool  `yaml:"enabled"`
	NativeHLS bool   `yaml:"native_hls"`
}

// IsEnabled treats a missing enabled key as true.
func (e StreamEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// StreamsFile is the YAML document read from STREAMS_FILE:
//
//	streams:
//	  - id: front
//	    url: http://nvr.local:8888/front
//	  - id: garage
//	    url: http://nvr.local:8888/garage/index.m3u8
//	    enabled: false
type StreamsFile struct {
	Streams []StreamEntry `yaml:"streams"`
}

// Validate checks that ids are present and unique and that urls are absolute.
func (f StreamsFile) Validate() error {
	seen := make(map[string]struct{}, len(f.Streams))
	for i, s := range f.Streams {
		if s.ID == "" {
			return fmt.Errorf("%w: stream %d has no id", ErrInvalidStreams, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidStreams, s.ID)
		}
		seen[s.ID] = struct{}{}
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: stream %q has invalid url %q", ErrInvalidStreams, s.ID, s.URL)
		}
	}
	return nil
}

// Enabled returns the entries that are not switched off.
func (f StreamsFile) Enabled() []StreamEntry {
	out := make([]StreamEntry, 0, len(f.Streams))
	for _, s := range f.Streams {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// LoadStreams reads and validates a streams file.
func LoadStreams(path string) (StreamsFile, error) {
	var f StreamsFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read streams file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalidStreams, err)
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}
