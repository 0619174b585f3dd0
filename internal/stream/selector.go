package stream

// Select picks the playback backend for codec on a surface with caps.
//
// H.265 always uses the software decoder. Otherwise native HLS wins over the
// software demuxer, and BackendNone means neither is available.
func Select(codec CodecKind, caps Capabilities) BackendKind {
	switch {
	case codec == CodecH265:
		return BackendSoftwareH265
	case caps.NativeHLS:
		return BackendNativeHLS
	case caps.SoftwareHLS:
		return BackendSoftwareHLS
	default:
		return BackendNone
	}
}
