package ffdecode

import (
	"strconv"
	"strings"
	"time"
)

// progressParser reads ffmpeg "-progress" key=value lines and reports how far
// decoding advanced.
type progressParser struct {
	lastOutTime time.Duration
	lastSize    int64
}

// ParseLine returns the decoded media time gained by line and whether ffmpeg
// reported the end of its input.
func (p *progressParser) ParseLine(line string) (advance time.Duration, end bool) {
	key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	key = strings.TrimSpace(key)
	val = strings.TrimSpace(val)

	switch key {
	// out_time_ms is in microseconds as well, despite its name.
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, false
		}
		t := time.Duration(us) * time.Microsecond
		if t > p.lastOutTime {
			advance = t - p.lastOutTime
			p.lastOutTime = t
		}
	case "total_size":
		if size, err := strconv.ParseInt(val, 10, 64); err == nil && size > p.lastSize {
			p.lastSize = size
		}
	case "progress":
		end = val == "end"
	}
	return advance, end
}
