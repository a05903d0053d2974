package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/MrWong99/chorus/pkg/audio/opus"
)

// Format selects the output encoding of a recording.
type Format string

const (
	// FormatMP3 encodes the mix with LAME.
	FormatMP3 Format = "mp3"

	// FormatPCM writes raw interleaved 16-bit samples in native byte order.
	FormatPCM Format = "pcm"
)

// IsValid reports whether f is a recognised format.
func (f Format) IsValid() bool {
	return f == FormatMP3 || f == FormatPCM
}

// Defaults applied by [Options.withDefaults].
const (
	DefaultJitter          = 100 * time.Millisecond
	DefaultWorkers         = 4
	DefaultJobQueueSize    = 512
	DefaultMaxQueuedFrames = 50
	DefaultBitrate         = 64000
	DefaultChannels        = 2
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Options describes one recording.
type Options struct {
	// CallID identifies the call (guild) being recorded.
	CallID string

	// RecordingID identifies this recording within the call.
	RecordingID string

	// Dir is the directory the output file is created in.
	Dir string

	// Format selects MP3 or raw PCM output. Default: MP3.
	Format Format

	// Channels is the output channel count for MP3: 1 or 2. Raw PCM is
	// always written in the call's native stereo layout. Default: 2.
	Channels int

	// Bitrate is the MP3 bitrate in bits per second. Default: 64000.
	Bitrate int

	// SelfAudio includes the bot's own outgoing audio in the mix.
	SelfAudio bool

	// Users restricts the mix to these participant user IDs. Empty means
	// everybody is recorded.
	Users []string

	// Jitter is the maximum age a buffered participant frame may reach
	// before it is dropped. Default: 100ms.
	Jitter time.Duration

	// Workers is the size of the decode worker pool. Default: 4.
	Workers int

	// JobQueueSize bounds the number of packets waiting for a decode
	// worker. Packets beyond the bound are dropped. Default: 512.
	JobQueueSize int

	// MaxQueuedFrames caps the frames buffered per source; the oldest frame
	// is evicted beyond the cap. Negative disables the cap. Default: 50.
	MaxQueuedFrames int
}

// Path returns the output file path for o.
func (o Options) Path() string {
	return OutputPath(o.Dir, o.CallID, o.RecordingID, o.Format)
}

// Validate checks o after defaults have been applied.
func (o Options) Validate() error {
	var errs []error
	if !idPattern.MatchString(o.CallID) {
		errs = append(errs, fmt.Errorf("recorder: call id %q must match %s", o.CallID, idPattern))
	}
	if !idPattern.MatchString(o.RecordingID) {
		errs = append(errs, fmt.Errorf("recorder: recording id %q must match %s", o.RecordingID, idPattern))
	}
	if !o.Format.IsValid() {
		errs = append(errs, fmt.Errorf("recorder: format %q is invalid; valid values: mp3, pcm", o.Format))
	}
	if o.Channels != 1 && o.Channels != 2 {
		errs = append(errs, fmt.Errorf("recorder: channels %d is invalid; valid values: 1, 2", o.Channels))
	}
	if o.Bitrate < 8000 || o.Bitrate > 320000 {
		errs = append(errs, fmt.Errorf("recorder: bitrate %d is out of range [8000, 320000]", o.Bitrate))
	}
	if o.Jitter <= 0 {
		errs = append(errs, fmt.Errorf("recorder: jitter %s must be positive", o.Jitter))
	}
	return errors.Join(errs...)
}

func (o Options) withDefaults() Options {
	if o.Format == "" {
		o.Format = FormatMP3
	}
	if o.Channels == 0 {
		o.Channels = DefaultChannels
	}
	if o.Bitrate == 0 {
		o.Bitrate = DefaultBitrate
	}
	if o.Jitter == 0 {
		o.Jitter = DefaultJitter
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.JobQueueSize <= 0 {
		o.JobQueueSize = DefaultJobQueueSize
	}
	if o.MaxQueuedFrames == 0 {
		o.MaxQueuedFrames = DefaultMaxQueuedFrames
	}
	if o.Dir == "" {
		o.Dir = "."
	}
	return o
}

// Option configures a [Receiver] during construction.
type Option func(*Receiver)

// WithLogger sets the logger. Default: slog.Default() with call and
// recording attributes.
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithObserver registers obs for pipeline statistics.
func WithObserver(obs Observer) Option {
	return func(r *Receiver) {
		if obs != nil {
			r.obs = obs
		}
	}
}

// WithProcessor replaces the file processor derived from [Options]. The
// receiver takes ownership and closes p.
func WithProcessor(p Processor) Option {
	return func(r *Receiver) {
		r.proc = p
	}
}

// WithDecoderFactory sets the constructor for per-source decoders. Default:
// [opus.NewGopusDecoder].
func WithDecoderFactory(f opus.NewDecoderFunc) Option {
	return func(r *Receiver) {
		if f != nil {
			r.newDecoder = f
		}
	}
}

// WithClock sets the time source used for tick times. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) {
		if now != nil {
			r.now = now
		}
	}
}

// OnFailure registers fn to be called, on its own goroutine, when the output
// sink fails and the recording cannot continue.
func OnFailure(fn func(error)) Option {
	return func(r *Receiver) {
		r.onFailure = fn
	}
}
