package recorder

import (
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/chorus/pkg/audio"
	"github.com/MrWong99/chorus/pkg/audio/lame"
)

var _ Processor = (*MP3Processor)(nil)

// Encoder is a streaming MP3 encoder. [lame.Encoder] satisfies it.
type Encoder interface {
	Encode(pcm []int16, samplesPerChannel int) ([]byte, error)
	Flush() ([]byte, error)
	Close() error
}

// MP3Config holds the MP3 output parameters.
type MP3Config struct {
	// Channels is 1 (the stereo mix is averaged down) or 2.
	Channels int

	// Bitrate in bits per second.
	Bitrate int
}

// MP3Processor encodes the mix to MP3 with a streaming [Encoder] and writes
// the encoded bytes to a sink.
type MP3Processor struct {
	w        io.WriteCloser
	enc      Encoder
	obs      Observer
	channels int
	mono     []int16
	silence  []int16
	closed   bool
}

// NewMP3Processor returns a processor encoding with libmp3lame and writing
// to w. obs may be nil.
func NewMP3Processor(w io.WriteCloser, cfg MP3Config, obs Observer) (*MP3Processor, error) {
	enc, err := lame.NewEncoder(lame.Config{
		SampleRate: audio.SampleRate,
		Channels:   cfg.Channels,
		Bitrate:    cfg.Bitrate / 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	return NewMP3ProcessorWithEncoder(w, enc, cfg.Channels, obs), nil
}

// NewMP3ProcessorWithEncoder returns a processor driving enc, which must be
// configured for channels input channels at 48 kHz.
func NewMP3ProcessorWithEncoder(w io.WriteCloser, enc Encoder, channels int, obs Observer) *MP3Processor {
	if obs == nil {
		obs = nopObserver{}
	}
	return &MP3Processor{
		w:        w,
		enc:      enc,
		obs:      obs,
		channels: channels,
		silence:  make([]int16, audio.FrameSize*channels),
	}
}

// Process implements [Processor].
func (p *MP3Processor) Process(pcm []int16) error {
	if p.closed {
		return ErrProcessorClosed
	}
	in := p.silence
	if pcm != nil {
		in = pcm
		if p.channels == 1 {
			p.mono = audio.StereoToMono(p.mono, pcm)
			in = p.mono
		}
	}
	out, err := p.enc.Encode(in, audio.FrameSize)
	if err != nil {
		return fmt.Errorf("recorder: encode mp3: %w", err)
	}
	return write(p.w, out, p.obs)
}

// Close flushes the encoder tail, releases the encoder and closes the sink.
func (p *MP3Processor) Close() error {
	if p.closed {
		return ErrProcessorClosed
	}
	p.closed = true

	var errs []error
	tail, err := p.enc.Flush()
	if err != nil {
		errs = append(errs, fmt.Errorf("recorder: flush mp3: %w", err))
	} else if err := write(p.w, tail, p.obs); err != nil {
		errs = append(errs, err)
	}
	if err := p.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: close encoder: %w", err))
	}
	if err := p.w.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: close output: %w", err))
	}
	return errors.Join(errs...)
}
