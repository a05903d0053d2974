package opus

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by [Registry.Decode] after [Registry.Close].
var ErrClosed = errors.New("opus: registry closed")

// adapter is one source's decoder guarded by its own lock.
type adapter struct {
	mu     sync.Mutex
	dec    Decoder
	closed bool
}

// Registry maps source identifiers to live decoders. Decoders are created on
// first use and released only by [Registry.Close].
//
// All methods are safe for concurrent use. Calls for the same id are strictly
// serialised; calls for different ids run in parallel.
type Registry[K comparable] struct {
	newDecoder NewDecoderFunc

	mu       sync.Mutex
	adapters map[K]*adapter
	closed   bool
}

// NewRegistry returns an empty registry that creates decoders with
// newDecoder. A nil newDecoder selects [NewGopusDecoder].
func NewRegistry[K comparable](newDecoder NewDecoderFunc) *Registry[K] {
	if newDecoder == nil {
		newDecoder = NewGopusDecoder
	}
	return &Registry[K]{
		newDecoder: newDecoder,
		adapters:   make(map[K]*adapter),
	}
}

// Decode decodes frame with the decoder owned by id. A decode error leaves
// the decoder in place so later frames for id are still accepted.
func (r *Registry[K]) Decode(id K, frame []byte) ([]int16, error) {
	a, err := r.adapter(id)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	return a.dec.Decode(frame)
}

// Len returns the number of live decoders.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.adapters)
}

// Close releases every decoder. In-flight decodes finish first; later calls
// to Decode return [ErrClosed]. Close is idempotent.
func (r *Registry[K]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	adapters := r.adapters
	r.adapters = make(map[K]*adapter)
	r.mu.Unlock()

	for _, a := range adapters {
		a.mu.Lock()
		a.closed = true
		a.dec = nil
		a.mu.Unlock()
	}
}

func (r *Registry[K]) adapter(id K) (*adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.adapters[id]; ok {
		return a, nil
	}
	dec, err := r.newDecoder()
	if err != nil {
		return nil, fmt.Errorf("opus: decoder for source %v: %w", id, err)
	}
	a := &adapter{dec: dec}
	r.adapters[id] = a
	return a, nil
}
