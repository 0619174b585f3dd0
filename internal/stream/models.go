// Package stream keeps a single live camera stream playing on a playback
// surface: it probes the codec, picks a playback backend, drives playback,
// watches health and reconnects with bounded backoff.
package stream

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDestroyed is returned by operations on a destroyed Connection.
	ErrDestroyed = errors.New("connection destroyed")
	// ErrGaveUp is returned by Initialize after the reconnect ceiling was
	// reached and ResetReconnectionState has not been called.
	ErrGaveUp = errors.New("connection unstable, check the network then reconnect manually")
	// ErrNoBackend is returned when no playback backend fits the codec and
	// the surface capabilities.
	ErrNoBackend = errors.New("no playback backend supports this stream")
	// ErrNoSurface is returned by Initialize without a surface.
	ErrNoSurface = errors.New("no playback surface")
	// ErrInvalidURL is returned for source URLs that cannot be parsed.
	ErrInvalidURL = errors.New("invalid stream url")
)

// CodecKind is the video codec detected in a manifest.
type CodecKind int

const (
	CodecUnknown CodecKind = iota
	CodecH264
	CodecH265
)

func (c CodecKind) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c CodecKind) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CodecKind) UnmarshalText(b []byte) error { return parseEnum(c, string(b), CodecH265) }

// BackendKind identifies a playback strategy.
type BackendKind int

const (
	// BackendNone means no backend fits; the raw URL is handed to the surface.
	BackendNone BackendKind = iota
	BackendNativeHLS
	BackendSoftwareHLS
	BackendSoftwareH265
)

func (b BackendKind) String() string {
	switch b {
	case BackendNativeHLS:
		return "native_hls"
	case BackendSoftwareHLS:
		return "software_hls"
	case BackendSoftwareH265:
		return "software_h265"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b BackendKind) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BackendKind) UnmarshalText(text []byte) error {
	return parseEnum(b, string(text), BackendSoftwareH265)
}

// State is the lifecycle state of a Connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePlaying
	StateStalled
	StateReconnecting
	StateFatallyFailed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePlaying:
		return "playing"
	case StateStalled:
		return "stalled"
	case StateReconnecting:
		return "reconnecting"
	case StateFatallyFailed:
		return "fatally_failed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error { return parseEnum(s, string(b), StateDestroyed) }

// parseEnum finds the value in [0, last] whose String is name.
func parseEnum[T interface {
	~int
	String() string
}](dst *T, name string, last T) error {
	for v := T(0); v <= last; v++ {
		if v.String() == name {
			*dst = v
			return nil
		}
	}
	return fmt.Errorf("unknown value %q", name)
}

// LossReason labels why a connection was considered lost.
type LossReason string

const (
	LossStall         LossReason = "stall"
	LossPause         LossReason = "unexpected_pause"
	LossStartTimeout  LossReason = "start_timeout"
	LossNetworkError  LossReason = "network_error"
	LossMediaError    LossReason = "media_error"
	LossBackendError  LossReason = "backend_error"
	LossDecoderError  LossReason = "decoder_error"
	LossSurfaceError  LossReason = "surface_error"
	LossBackendFailed LossReason = "backend_start_failed"
)

// Status is a point-in-time snapshot of a Connection.
type Status struct {
	ID           string      `json:"id"`
	SourceURL    string      `json:"source_url,omitempty"`
	ManifestURL  string      `json:"manifest_url,omitempty"`
	State        State       `json:"state"`
	Codec        CodecKind   `json:"codec"`
	Backend      BackendKind `json:"backend"`
	Attempts     int         `json:"attempts"`
	LastProgress time.Time   `json:"last_progress,omitempty"`
	LastLoss     LossReason  `json:"last_loss,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Config holds the tunables of a Connection. Zero fields are replaced by
// DefaultConfig values in NewConnection. A negative MonitorInterval,
// StartTimeout or SourceReloadDelay disables that feature.
type Config struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMultiplier  float64
	ReconnectCooldown    time.Duration

	// MonitorInterval is the health poll period. Negative disables polling,
	// leaving only backend and surface error events as loss signals.
	MonitorInterval time.Duration
	StallThreshold  time.Duration
	// StartTimeout bounds how long a build may take to reach playing.
	// Negative disables it.
	StartTimeout time.Duration
	// PauseGracePolls is how many consecutive polls may observe an
	// unrequested pause before it counts as a loss.
	PauseGracePolls int

	MaxPlayAttempts int
	PlayRetryDelay  time.Duration

	// SourceReloadDelay is how long a software HLS backend waits before
	// restarting its load after a fatal network error. A second such error
	// before media arrives is a connection loss. Negative reconnects at once.
	SourceReloadDelay time.Duration

	ManifestName string
	// DisableDecoderWorker runs the software H.265 decoder single threaded.
	DisableDecoderWorker bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   3 * time.Second,
		ReconnectMaxDelay:    15 * time.Second,
		ReconnectMultiplier:  1.5,
		ReconnectCooldown:    5 * time.Second,
		MonitorInterval:      2 * time.Second,
		StallThreshold:       10 * time.Second,
		StartTimeout:         20 * time.Second,
		PauseGracePolls:      2,
		MaxPlayAttempts:      3,
		PlayRetryDelay:       1500 * time.Millisecond,
		SourceReloadDelay:    5 * time.Second,
		ManifestName:         "index.m3u8",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = d.ReconnectMultiplier
	}
	if c.ReconnectCooldown < 0 {
		c.ReconnectCooldown = 0
	} else if c.ReconnectCooldown == 0 {
		c.ReconnectCooldown = d.ReconnectCooldown
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.PauseGracePolls <= 0 {
		c.PauseGracePolls = d.PauseGracePolls
	}
	if c.MaxPlayAttempts <= 0 {
		c.MaxPlayAttempts = d.MaxPlayAttempts
	}
	if c.PlayRetryDelay <= 0 {
		c.PlayRetryDelay = d.PlayRetryDelay
	}
	if c.SourceReloadDelay == 0 {
		c.SourceReloadDelay = d.SourceReloadDelay
	}
	if c.ManifestName == "" {
		c.ManifestName = d.ManifestName
	}
	return c
}
