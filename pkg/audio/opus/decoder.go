// Package opus adapts stateful Opus decoders for the recording pipeline.
//
// A decoder instance carries inter-frame state and is not reentrant. The
// [Registry] keeps one decoder per audio source and serialises calls per
// source while letting distinct sources decode in parallel.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/chorus/pkg/audio"
)

// Decoder decodes one encoded 20 ms frame into exactly [audio.FrameSamples]
// interleaved PCM samples.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
}

// NewDecoderFunc creates a fresh decoder for a newly seen source.
type NewDecoderFunc func() (Decoder, error)

// gopusDecoder wraps a gopus decoder configured for call audio.
type gopusDecoder struct {
	dec *gopus.Decoder
}

// NewGopusDecoder creates a 48 kHz stereo Opus decoder.
func NewGopusDecoder() (Decoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &gopusDecoder{dec: dec}, nil
}

// Decode decodes frame. Output shorter than a full frame is zero-padded and
// longer output is truncated, so every successful call yields exactly one
// frame of samples.
func (d *gopusDecoder) Decode(frame []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(frame, audio.FrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return fitFrame(pcm), nil
}

// fitFrame returns pcm resized to exactly one frame.
func fitFrame(pcm []int16) []int16 {
	if len(pcm) == audio.FrameSamples {
		return pcm
	}
	out := make([]int16, audio.FrameSamples)
	copy(out, pcm)
	return out
}
