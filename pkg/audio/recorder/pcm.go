package recorder

import (
	"fmt"
	"io"

	"github.com/MrWong99/chorus/pkg/audio"
)

var _ Processor = (*PCMProcessor)(nil)

// PCMProcessor writes the mix as raw interleaved 16-bit stereo samples in
// native byte order, with no header.
type PCMProcessor struct {
	w       io.WriteCloser
	obs     Observer
	buf     []byte
	silence []byte
	closed  bool
}

// NewPCMProcessor returns a processor writing to w. obs may be nil.
func NewPCMProcessor(w io.WriteCloser, obs Observer) *PCMProcessor {
	if obs == nil {
		obs = nopObserver{}
	}
	return &PCMProcessor{
		w:       w,
		obs:     obs,
		buf:     make([]byte, 0, audio.FrameBytes),
		silence: make([]byte, audio.FrameBytes),
	}
}

// Process implements [Processor].
func (p *PCMProcessor) Process(pcm []int16) error {
	if p.closed {
		return ErrProcessorClosed
	}
	if pcm == nil {
		return write(p.w, p.silence, p.obs)
	}
	p.buf = audio.AppendSamples(p.buf[:0], pcm)
	return write(p.w, p.buf, p.obs)
}

// Close implements [Processor].
func (p *PCMProcessor) Close() error {
	if p.closed {
		return ErrProcessorClosed
	}
	p.closed = true
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("recorder: close output: %w", err)
	}
	return nil
}
