package stream

import "time"

// MimeHLS is the MIME type a surface reports native support for.
const MimeHLS = "application/vnd.apple.mpegurl"

// SurfaceEvent is a media element event name.
type SurfaceEvent string

const (
	EventLoadedMetadata SurfaceEvent = "loadedmetadata"
	EventCanPlay        SurfaceEvent = "canplay"
	EventPlaying        SurfaceEvent = "playing"
	EventWaiting        SurfaceEvent = "waiting"
	EventPause          SurfaceEvent = "pause"
	EventEnded          SurfaceEvent = "ended"
	EventError          SurfaceEvent = "error"
	EventEmptied        SurfaceEvent = "emptied"
)

// MediaChunk is a unit of media handed to a surface by a software backend.
type MediaChunk struct {
	Sequence int64
	Duration time.Duration
	Bytes    int64
	// Final marks the last chunk of a stream that has ended.
	Final bool
}

// Surface is the playback target a Connection renders into. Implementations
// must be safe for concurrent use; event callbacks may run on any goroutine.
type Surface interface {
	// CanPlayType reports whether the surface plays mime natively.
	CanPlayType(mime string) bool
	SetSource(url string)
	ClearSource()
	Play() error
	Pause()
	SetMuted(muted bool)

	Position() time.Duration
	Paused() bool
	Ended() bool

	AppendMedia(chunk MediaChunk) error
	// Subscribe registers fn for every surface event until the returned
	// function is called.
	Subscribe(fn func(SurfaceEvent)) (unsubscribe func())
}

// MediaSourceAttacher is implemented by surfaces that distinguish being fed
// by a software demuxer from having no source at all.
type MediaSourceAttacher interface {
	AttachMediaSource()
}

// SurfaceStats summarise what a surface has consumed since its source was
// set.
type SurfaceStats struct {
	Chunks   int64         `json:"chunks"`
	Bytes    int64         `json:"bytes"`
	Buffered time.Duration `json:"buffered"`
	Position time.Duration `json:"position"`
	Paused   bool          `json:"paused"`
	Ended    bool          `json:"ended"`
}

// StatsReporter is implemented by surfaces that count consumed media.
type StatsReporter interface {
	Stats() SurfaceStats
}

// Capabilities describe which backends are usable on a surface.
type Capabilities struct {
	NativeHLS   bool
	SoftwareHLS bool
}
