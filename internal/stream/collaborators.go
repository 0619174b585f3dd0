package stream

import "context"

// DemuxerEventType enumerates software demuxer events.
type DemuxerEventType int

const (
	DemuxerMediaAttached DemuxerEventType = iota
	DemuxerManifestParsed
	DemuxerFragLoaded
	DemuxerError
)

func (t DemuxerEventType) String() string {
	switch t {
	case DemuxerMediaAttached:
		return "media_attached"
	case DemuxerManifestParsed:
		return "manifest_parsed"
	case DemuxerFragLoaded:
		return "frag_loaded"
	case DemuxerError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorType classifies demuxer errors.
type ErrorType string

const (
	ErrorNetwork ErrorType = "network"
	ErrorMedia   ErrorType = "media"
	ErrorOther   ErrorType = "other"
)

// DemuxerEvent is delivered to the handler registered with Demuxer.On.
type DemuxerEvent struct {
	Type      DemuxerEventType
	Fatal     bool
	ErrorType ErrorType
	Err       error
}

// Demuxer loads an HLS stream in software and feeds a surface. The handler
// may be called from the demuxer's own goroutines, which Destroy and
// StartLoad may wait for.
type Demuxer interface {
	On(handler func(DemuxerEvent))
	AttachMedia(s Surface)
	LoadSource(url string)
	StartLoad()
	RecoverMediaError() error
	Destroy()
}

// DemuxerFactory creates software HLS demuxers.
type DemuxerFactory interface {
	Supported() bool
	NewDemuxer() Demuxer
}

// DecoderOptions configure a software H.265 decoder.
type DecoderOptions struct {
	Surface   Surface
	URL       string
	UseWorker bool
}

// Decoder plays an H.265 stream in software.
type Decoder interface {
	// On registers the readiness and failure callbacks. It must be called
	// before Start. Callbacks may run on the decoder's own goroutine.
	On(ready func(), fail func(error))
	Start() error
	Destroy()
}

// DecoderFactory creates software H.265 decoders.
type DecoderFactory interface {
	NewDecoder(opts DecoderOptions) (Decoder, error)
}

// Prober determines the codec of a manifest. It never fails: unknown or
// unreachable manifests are reported as CodecH264.
type Prober interface {
	Probe(ctx context.Context, manifestURL string) CodecKind
}
