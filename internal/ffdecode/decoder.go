// Package ffdecode implements the software H.265 playback backend by running
// ffmpeg against the stream and feeding its decode progress to the surface.
package ffdecode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"stream-keeper/internal/stream"
)

var (
	// ErrNotFound is returned when the ffmpeg binary cannot be located.
	ErrNotFound = errors.New("ffmpeg not found")
	// ErrExited is reported when ffmpeg stops without being asked to.
	ErrExited = errors.New("ffmpeg exited")
)

// Factory creates Decoders running the configured ffmpeg binary.
type Factory struct {
	path string
	log  *slog.Logger
}

// NewFactory returns a stream.DecoderFactory for the ffmpeg at path (looked
// up in PATH when it has no separator).
func NewFactory(path string, log *slog.Logger) *Factory {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Factory{path: path, log: log}
}

// NewDecoder resolves the ffmpeg binary and returns an unstarted Decoder.
func (f *Factory) NewDecoder(opts stream.DecoderOptions) (stream.Decoder, error) {
	bin, err := exec.LookPath(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return &Decoder{
		bin:  bin,
		opts: opts,
		log:  f.log.With(slog.String("component", "ffdecode")),
	}, nil
}

// Decoder runs one ffmpeg process.
type Decoder struct {
	bin  string
	opts stream.DecoderOptions
	log  *slog.Logger

	mu        sync.Mutex
	ready     func()
	fail      func(error)
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool
}

// On registers the callbacks. They run on the goroutine that Destroy waits
// for, so they must not call Destroy.
func (d *Decoder) On(ready func(), fail func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready, d.fail = ready, fail
}

// Args returns the ffmpeg command line for opts.
func Args(opts stream.DecoderOptions) []string {
	threads := "1"
	if opts.UseWorker {
		threads = "0"
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-nostats",
		"-fflags", "nobuffer",
		"-threads", threads,
		"-i", opts.URL,
		"-map", "0:v:0",
		"-f", "null", "-",
		"-progress", "pipe:1",
	}
}

// Start launches ffmpeg. Readiness is reported on the first decoded media,
// failure when the process exits on its own.
func (d *Decoder) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return stream.ErrDestroyed
	}
	if d.cancel != nil {
		return errors.New("decoder already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, d.bin, Args(d.opts)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	if a, ok := d.opts.Surface.(stream.MediaSourceAttacher); ok {
		a.AttachMediaSource()
	}
	d.log.Debug("ffmpeg started", slog.Int("pid", cmd.Process.Pid))

	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, cmd, stdout, d.done)
	return nil
}

func (d *Decoder) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, done chan struct{}) {
	defer close(done)

	err := d.consume(stdout)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = waitErr
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrExited, err)
	} else {
		err = ErrExited
	}
	d.log.Warn("ffmpeg stopped", slog.String("error", err.Error()))

	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		fail(err)
	}
}

// consume feeds progress to the surface until ffmpeg closes stdout.
func (d *Decoder) consume(stdout io.Reader) error {
	var (
		parser progressParser
		seq    int64
		ready  bool
	)
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		advance, end := parser.ParseLine(sc.Text())
		if advance > 0 {
			if err := d.opts.Surface.AppendMedia(stream.MediaChunk{Sequence: seq, Duration: advance}); err != nil {
				return fmt.Errorf("append decoded media: %w", err)
			}
			seq++
			if !ready {
				ready = true
				d.mu.Lock()
				fn := d.ready
				d.mu.Unlock()
				if fn != nil {
					fn()
				}
			}
		}
		if end {
			_ = d.opts.Surface.AppendMedia(stream.MediaChunk{Sequence: seq, Final: true})
		}
	}
	return sc.Err()
}

// Destroy stops ffmpeg and waits for it to exit.
func (d *Decoder) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.ready, d.fail = nil, nil
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
