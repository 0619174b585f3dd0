package ffdecode

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-keeper/internal/stream"
	"stream-keeper/internal/stream/streamtest"
)

func TestProgressParser(t *testing.T) {
	var p progressParser

	adv, end := p.ParseLine("out_time_us=1000000")
	assert.Equal(t, time.Second, adv)
	assert.False(t, end)

	adv, _ = p.ParseLine("out_time_ms=1500000")
	assert.Equal(t, 500*time.Millisecond, adv)

	adv, _ = p.ParseLine("out_time_us=1500000")
	assert.Zero(t, adv, "repeated time is no progress")

	adv, _ = p.ParseLine("out_time_us=N/A")
	assert.Zero(t, adv)

	adv, _ = p.ParseLine("total_size=4096")
	assert.Zero(t, adv)
	assert.Equal(t, int64(4096), p.lastSize)

	_, end = p.ParseLine("progress=continue")
	assert.False(t, end)
	_, end = p.ParseLine("progress=end")
	assert.True(t, end)

	adv, end = p.ParseLine("garbage")
	assert.Zero(t, adv)
	assert.False(t, end)
}

func TestArgs(t *testing.T) {
	args := strings.Join(Args(stream.DecoderOptions{URL: "http://cam/x.m3u8", UseWorker: true}), " ")
	assert.Contains(t, args, "-i http://cam/x.m3u8")
	assert.Contains(t, args, "-threads 0")
	assert.Contains(t, args, "-progress pipe:1")

	args = strings.Join(Args(stream.DecoderOptions{URL: "http://cam/x.m3u8"}), " ")
	assert.Contains(t, args, "-threads 1")
}

func TestNewDecoderMissingBinary(t *testing.T) {
	f := NewFactory("/nonexistent/ffmpeg-for-tests", slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := f.NewDecoder(stream.DecoderOptions{URL: "http://cam/x.m3u8"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeFeedsSurfaceAndSignalsReady(t *testing.T) {
	surface := streamtest.NewSurface(false)
	d := &Decoder{opts: stream.DecoderOptions{Surface: surface}, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	readies := 0
	d.On(func() { readies++ }, func(error) {})

	out := strings.Join([]string{
		"frame=1", "out_time_us=0", "progress=continue",
		"frame=25", "out_time_us=1000000", "progress=continue",
		"frame=50", "out_time_us=2000000", "progress=end",
	}, "\n")
	require.NoError(t, d.consume(strings.NewReader(out)))

	chunks := surface.Chunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, time.Second, chunks[0].Duration)
	assert.Equal(t, time.Second, chunks[1].Duration)
	assert.True(t, chunks[2].Final)
	assert.Equal(t, 1, readies)
}

type rejectingSurface struct{ *streamtest.Surface }

func (rejectingSurface) AppendMedia(stream.MediaChunk) error { return errors.New("detached") }

func TestConsumeStopsWhenSurfaceRejects(t *testing.T) {
	d := &Decoder{opts: stream.DecoderOptions{Surface: rejectingSurface{streamtest.NewSurface(false)}}}
	err := d.consume(strings.NewReader("out_time_us=1000000\n"))
	assert.ErrorContains(t, err, "detached")
}
