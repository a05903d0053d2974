package recorder

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/chorus/pkg/audio"
	"github.com/MrWong99/chorus/pkg/audio/opus"
)

// memSink is an in-memory io.WriteCloser.
type memSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   int
	writeErr error
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *memSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// memProcessor records every frame it is given. Silent ticks are recorded
// as nil.
type memProcessor struct {
	mu         sync.Mutex
	frames     [][]int16
	closed     int
	afterClose bool
	processErr error
}

func (p *memProcessor) Process(pcm []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		p.afterClose = true
		return ErrProcessorClosed
	}
	if p.processErr != nil {
		return p.processErr
	}
	if pcm == nil {
		p.frames = append(p.frames, nil)
	} else {
		p.frames = append(p.frames, append([]int16(nil), pcm...))
	}
	return nil
}

func (p *memProcessor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	if p.closed > 1 {
		return ErrProcessorClosed
	}
	return nil
}

func (p *memProcessor) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed > 0
}

func (p *memProcessor) snapshot() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]int16(nil), p.frames...)
}

// audible returns the recorded frames that were not silence.
func (p *memProcessor) audible() [][]int16 {
	var out [][]int16
	for _, f := range p.snapshot() {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

var errBadFrame = errors.New("bad frame")

// constDecoder decodes a packet into a frame whose samples all equal the
// first packet byte. A first byte of 0xFF fails.
type constDecoder struct {
	onDecode func(frame []byte)
}

func (d constDecoder) Decode(frame []byte) ([]int16, error) {
	if d.onDecode != nil {
		d.onDecode(frame)
	}
	if frame[0] == 0xFF {
		return nil, errBadFrame
	}
	pcm := make([]int16, audio.FrameSamples)
	for i := range pcm {
		pcm[i] = int16(frame[0])
	}
	return pcm, nil
}

func constDecoders(onDecode func(frame []byte)) opus.NewDecoderFunc {
	return func() (opus.Decoder, error) {
		return constDecoder{onDecode: onDecode}, nil
	}
}

// countingObserver tallies observer calls.
type countingObserver struct {
	mu      sync.Mutex
	decoded int
	failed  int
	dropped map[DropReason]int
	ticks   int
	silent  int
	written int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{dropped: make(map[DropReason]int)}
}

func (o *countingObserver) FramesDecoded(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decoded += n
}

func (o *countingObserver) DecodeFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *countingObserver) FramesDropped(reason DropReason, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped[reason] += n
}

func (o *countingObserver) Tick(_ time.Duration, _ int, silent bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
	if silent {
		o.silent++
	}
}

func (o *countingObserver) BytesWritten(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.written += n
}

func (o *countingObserver) drops(reason DropReason) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

func (o *countingObserver) decodedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.decoded
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
