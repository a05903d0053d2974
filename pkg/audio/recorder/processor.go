package recorder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrProcessorClosed is returned by [Processor] methods after Close.
var ErrProcessorClosed = errors.New("recorder: processor closed")

// Processor consumes one mixed frame per tick and writes it to a durable
// sink.
//
// Implementations are driven by a single goroutine and need not be safe for
// concurrent use.
type Processor interface {
	// Process writes one 20 ms frame of interleaved stereo PCM. A nil pcm
	// means the tick had no audio and a frame of silence is written.
	Process(pcm []int16) error

	// Close flushes buffered output and closes the sink. A second call
	// returns [ErrProcessorClosed].
	Close() error
}

// OutputPath returns the file a recording is written to:
// <dir>/record-<callID>-<recordingID>.<format>.
func OutputPath(dir, callID, recordingID string, format Format) string {
	return filepath.Join(dir, fmt.Sprintf("record-%s-%s.%s", callID, recordingID, format))
}

// NewProcessor creates the output file for opts and returns the matching
// processor. obs may be nil.
func NewProcessor(opts Options, obs Observer) (Processor, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = nopObserver{}
	}

	f, err := createSink(opts.Path())
	if err != nil {
		return nil, err
	}

	switch opts.Format {
	case FormatPCM:
		return NewPCMProcessor(f, obs), nil
	default:
		p, err := NewMP3Processor(f, MP3Config{Channels: opts.Channels, Bitrate: opts.Bitrate}, obs)
		if err != nil {
			return nil, errors.Join(err, f.Close(), os.Remove(f.Name()))
		}
		return p, nil
	}
}

func createSink(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recorder: open output: %w", err)
	}
	return f, nil
}

// write sends b to w and reports the bytes actually written.
func write(w io.Writer, b []byte, obs Observer) error {
	if len(b) == 0 {
		return nil
	}
	n, err := w.Write(b)
	obs.BytesWritten(n)
	if err != nil {
		return fmt.Errorf("recorder: write output: %w", err)
	}
	return nil
}
