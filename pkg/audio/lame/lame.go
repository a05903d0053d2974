// Package lame is a minimal streaming MP3 encoder backed by libmp3lame.
//
// Building the package requires the libmp3lame headers and library
// (e.g., libmp3lame-dev on Debian based systems).
package lame

/*
#cgo LDFLAGS: -lmp3lame
#include <lame/lame.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

// flushBufferSize is the output size lame.h recommends for lame_encode_flush.
const flushBufferSize = 7200

// ErrClosed is returned by every method after [Encoder.Close].
var ErrClosed = errors.New("lame: encoder closed")

// Config holds the encoder parameters.
type Config struct {
	// SampleRate is the input and output sample rate in Hz.
	SampleRate int

	// Channels is the number of input channels; 1 (mono) or 2 (interleaved
	// stereo).
	Channels int

	// Bitrate is the constant output bitrate in kbit/s (e.g., 64).
	Bitrate int

	// Quality is the LAME algorithm quality, 0 (best, slowest) to 9 (worst,
	// fastest). Zero value selects 5.
	Quality int
}

// Encoder is a streaming MP3 encoder. It is not safe for concurrent use.
type Encoder struct {
	gfp      *C.lame_global_flags
	channels int
	buf      []byte
}

// NewEncoder initialises an encoder for cfg.
func NewEncoder(cfg Config) (*Encoder, error) {
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, fmt.Errorf("lame: unsupported channel count %d", cfg.Channels)
	}
	if cfg.SampleRate <= 0 || cfg.Bitrate <= 0 {
		return nil, fmt.Errorf("lame: invalid sample rate %d or bitrate %d", cfg.SampleRate, cfg.Bitrate)
	}
	quality := cfg.Quality
	if quality == 0 {
		quality = 5
	}

	gfp := C.lame_init()
	if gfp == nil {
		return nil, errors.New("lame: lame_init failed")
	}

	mode := C.MPEG_mode(C.JOINT_STEREO)
	if cfg.Channels == 1 {
		mode = C.MPEG_mode(C.MONO)
	}
	C.lame_set_in_samplerate(gfp, C.int(cfg.SampleRate))
	C.lame_set_out_samplerate(gfp, C.int(cfg.SampleRate))
	C.lame_set_num_channels(gfp, C.int(cfg.Channels))
	C.lame_set_mode(gfp, mode)
	C.lame_set_brate(gfp, C.int(cfg.Bitrate))
	C.lame_set_quality(gfp, C.int(quality))
	if ret := C.lame_init_params(gfp); ret < 0 {
		C.lame_close(gfp)
		return nil, fmt.Errorf("lame: lame_init_params failed with code %d", int(ret))
	}

	return &Encoder{gfp: gfp, channels: cfg.Channels}, nil
}

// Encode encodes samplesPerChannel samples from pcm (interleaved when the
// encoder is stereo) and returns the MP3 bytes produced. The result may be
// empty while LAME fills its lookahead. The returned slice is reused by the
// next call.
func (e *Encoder) Encode(pcm []int16, samplesPerChannel int) ([]byte, error) {
	if e.gfp == nil {
		return nil, ErrClosed
	}
	if samplesPerChannel <= 0 {
		return nil, nil
	}
	if len(pcm) < samplesPerChannel*e.channels {
		return nil, fmt.Errorf("lame: %d samples given, %d needed", len(pcm), samplesPerChannel*e.channels)
	}

	// Worst case output size from lame.h: 1.25 * nsamples + 7200.
	need := samplesPerChannel*5/4 + 7200
	if cap(e.buf) < need {
		e.buf = make([]byte, need)
	}
	out := e.buf[:need]

	pcmPtr := (*C.short)(unsafe.Pointer(&pcm[0]))
	outPtr := (*C.uchar)(unsafe.Pointer(&out[0]))

	var n C.int
	if e.channels == 2 {
		n = C.lame_encode_buffer_interleaved(e.gfp, pcmPtr, C.int(samplesPerChannel), outPtr, C.int(len(out)))
	} else {
		n = C.lame_encode_buffer(e.gfp, pcmPtr, pcmPtr, C.int(samplesPerChannel), outPtr, C.int(len(out)))
	}
	if n < 0 {
		return nil, fmt.Errorf("lame: encode failed with code %d", int(n))
	}
	return out[:int(n)], nil
}

// Flush returns the final MP3 frames held in the encoder's lookahead. Call
// it once, before [Encoder.Close].
func (e *Encoder) Flush() ([]byte, error) {
	if e.gfp == nil {
		return nil, ErrClosed
	}
	out := make([]byte, flushBufferSize)
	n := C.lame_encode_flush(e.gfp, (*C.uchar)(unsafe.Pointer(&out[0])), C.int(len(out)))
	if n < 0 {
		return nil, fmt.Errorf("lame: flush failed with code %d", int(n))
	}
	return out[:int(n)], nil
}

// Close releases the native encoder. Further calls return [ErrClosed].
func (e *Encoder) Close() error {
	if e.gfp == nil {
		return ErrClosed
	}
	C.lame_close(e.gfp)
	e.gfp = nil
	return nil
}
