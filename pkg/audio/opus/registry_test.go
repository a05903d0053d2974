package opus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/chorus/pkg/audio"
)

// fakeDecoder records overlapping calls so tests can detect unserialised use.
type fakeDecoder struct {
	inFlight   atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int32
	fail       func(frame []byte) bool
	hold       time.Duration
}

func (d *fakeDecoder) Decode(frame []byte) ([]int16, error) {
	if d.inFlight.Add(1) > 1 {
		d.overlapped.Store(true)
	}
	defer d.inFlight.Add(-1)
	d.calls.Add(1)
	if d.hold > 0 {
		time.Sleep(d.hold)
	}
	if d.fail != nil && d.fail(frame) {
		return nil, errors.New("corrupted stream")
	}
	pcm := make([]int16, audio.FrameSamples)
	if len(frame) > 0 {
		pcm[0] = int16(frame[0])
	}
	return pcm, nil
}

func TestRegistry_CreatesOneDecoderPerSource(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	r := NewRegistry[int64](func() (Decoder, error) {
		created.Add(1)
		return &fakeDecoder{}, nil
	})

	for _, id := range []int64{1, 2, 1, 3, 2, 1} {
		if _, err := r.Decode(id, []byte{1}); err != nil {
			t.Fatalf("Decode(%d): %v", id, err)
		}
	}
	if got := created.Load(); got != 3 {
		t.Errorf("decoders created = %d, want 3", got)
	}
	if got := r.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}

func TestRegistry_SerialisesSameSource(t *testing.T) {
	t.Parallel()

	dec := &fakeDecoder{hold: time.Millisecond}
	r := NewRegistry[int64](func() (Decoder, error) { return dec, nil })

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Decode(7, []byte{1})
		}()
	}
	wg.Wait()

	if dec.overlapped.Load() {
		t.Error("decoder for one source was called concurrently")
	}
	if got := dec.calls.Load(); got != 16 {
		t.Errorf("calls = %d, want 16", got)
	}
}

func TestRegistry_DistinctSourcesRunInParallel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	r := NewRegistry[int64](func() (Decoder, error) {
		return decoderFunc(func([]byte) ([]int16, error) {
			started <- struct{}{}
			<-release
			return make([]int16, audio.FrameSamples), nil
		}), nil
	})

	done := make(chan struct{})
	for _, id := range []int64{1, 2} {
		go func() {
			_, _ = r.Decode(id, nil)
			done <- struct{}{}
		}()
	}

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("decodes for distinct sources did not overlap")
		}
	}
	close(release)
	<-done
	<-done
}

func TestRegistry_DecodeErrorKeepsDecoder(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	r := NewRegistry[int64](func() (Decoder, error) {
		created.Add(1)
		return &fakeDecoder{fail: func(f []byte) bool { return len(f) == 0 }}, nil
	})

	if _, err := r.Decode(1, nil); err == nil {
		t.Fatal("expected decode error for empty frame")
	}
	pcm, err := r.Decode(1, []byte{9})
	if err != nil {
		t.Fatalf("Decode after error: %v", err)
	}
	if pcm[0] != 9 {
		t.Errorf("pcm[0] = %d, want 9", pcm[0])
	}
	if got := created.Load(); got != 1 {
		t.Errorf("decoders created = %d, want 1 (no reset after error)", got)
	}
}

func TestRegistry_NewDecoderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := NewRegistry[int64](func() (Decoder, error) { return nil, boom })
	if _, err := r.Decode(1, []byte{1}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()

	r := NewRegistry[int64](func() (Decoder, error) { return &fakeDecoder{}, nil })
	if _, err := r.Decode(1, []byte{1}); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	r.Close()
	r.Close()

	if _, err := r.Decode(1, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Decode after Close: err = %v, want ErrClosed", err)
	}
	if _, err := r.Decode(2, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Decode new source after Close: err = %v, want ErrClosed", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestGopusDecoder_RoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Audio)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, audio.FrameSamples)
	for i := range pcm {
		pcm[i] = int16((i % 100) * 100)
	}
	frame, err := enc.Encode(pcm, audio.FrameSize, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec, err := NewGopusDecoder()
	if err != nil {
		t.Fatalf("NewGopusDecoder: %v", err)
	}
	out, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != audio.FrameSamples {
		t.Errorf("len(out) = %d, want %d", len(out), audio.FrameSamples)
	}
}

func TestFitFrame(t *testing.T) {
	t.Parallel()

	short := fitFrame([]int16{1, 2, 3})
	if len(short) != audio.FrameSamples || short[2] != 3 || short[3] != 0 {
		t.Errorf("short frame not zero-padded: len=%d", len(short))
	}
	long := fitFrame(make([]int16, audio.FrameSamples*3))
	if len(long) != audio.FrameSamples {
		t.Errorf("long frame len = %d, want %d", len(long), audio.FrameSamples)
	}
}

type decoderFunc func([]byte) ([]int16, error)

func (f decoderFunc) Decode(b []byte) ([]int16, error) { return f(b) }
