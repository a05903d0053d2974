package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chorus/pkg/audio"
	"github.com/MrWong99/chorus/pkg/audio/opus"
)

var _ audio.ReceiveHandler = (*Receiver)(nil)

// ErrReceiverClosed is returned by [Receiver.Start] and [Receiver.Close]
// once the receiver has been closed.
var ErrReceiverClosed = errors.New("recorder: receiver closed")

// SourceID identifies an audio source within one call. Participant sources
// use their non-negative SSRC; [SelfSource] is reserved for the bot.
type SourceID int64

// SelfSource is the pseudo-source holding the bot's own outgoing audio.
const SelfSource SourceID = -1

const (
	stateIdle int32 = iota
	stateRunning
	stateClosed
)

type decodeJob struct {
	id   SourceID
	opus []byte
	at   time.Time
}

// Receiver records one call: it decodes inbound packets on a worker pool,
// buffers them per source and mixes them every 20 ms into a [Processor].
//
// A Receiver moves from idle to running on [Receiver.Start] and to closed on
// [Receiver.Close]; a closed receiver cannot be restarted. Intake methods
// never block and are safe for concurrent use.
type Receiver struct {
	opts       Options
	log        *slog.Logger
	obs        Observer
	now        func() time.Time
	onFailure  func(error)
	newDecoder opus.NewDecoderFunc
	users      map[string]struct{}

	// lifecycle guards Start/Close transitions; state is read lock-free on
	// the intake path.
	lifecycle sync.Mutex
	state     atomic.Int32
	cancel    context.CancelFunc
	mixDone   chan struct{}

	decoders *opus.Registry[SourceID]
	jobs     chan decodeJob
	selfJobs chan decodeJob
	selfMu   sync.Mutex

	queuesMu sync.Mutex
	queues   map[SourceID]Queue

	// Owned by the mixer goroutine.
	proc    Processor
	mixBuf  []int16
	pending [][]int16

	failMu  sync.Mutex
	failErr error
}

// New creates an idle receiver for opts. Unless [WithProcessor] is given the
// output file is created immediately, so a sink that cannot be opened is
// reported here.
func New(opts Options, options ...Option) (*Receiver, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	r := &Receiver{
		opts:       opts,
		obs:        nopObserver{},
		now:        time.Now,
		newDecoder: opus.NewGopusDecoder,
		queues:     make(map[SourceID]Queue),
		jobs:       make(chan decodeJob, opts.JobQueueSize),
		selfJobs:   make(chan decodeJob, opts.JobQueueSize),
		mixBuf:     make([]int16, audio.FrameSamples),
	}
	for _, o := range options {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default().With("call_id", opts.CallID, "recording_id", opts.RecordingID)
	}
	if len(opts.Users) > 0 {
		r.users = make(map[string]struct{}, len(opts.Users))
		for _, u := range opts.Users {
			r.users[u] = struct{}{}
		}
	}
	r.decoders = opus.NewRegistry[SourceID](r.newDecoder)

	if r.proc == nil {
		p, err := NewProcessor(opts, r.obs)
		if err != nil {
			return nil, err
		}
		r.proc = p
	}
	return r, nil
}

// Options returns the effective options, defaults included.
func (r *Receiver) Options() Options { return r.opts }

// Start launches the decode workers and the mixer. Calling Start on a
// running receiver is a no-op.
func (r *Receiver) Start() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	switch r.state.Load() {
	case stateRunning:
		return nil
	case stateClosed:
		return ErrReceiverClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mixDone = make(chan struct{})

	// A sink failure ends the mixer with an error, which cancels ctx and
	// stops the decode workers with it.
	g, ctx := errgroup.WithContext(ctx)
	for range r.opts.Workers {
		g.Go(func() error {
			r.decodeLoop(ctx, r.jobs, nil)
			return nil
		})
	}
	if r.opts.SelfAudio {
		g.Go(func() error {
			r.decodeLoop(ctx, r.selfJobs, &r.selfMu)
			return nil
		})
	}
	g.Go(func() error {
		defer close(r.mixDone)
		return r.mixLoop(ctx)
	})
	go func() {
		if err := g.Wait(); err != nil {
			r.fail(err)
		}
	}()

	r.state.Store(stateRunning)
	r.log.Info("recording started",
		"path", r.opts.Path(),
		"format", r.opts.Format,
		"self_audio", r.opts.SelfAudio,
		"users", len(r.users),
	)
	return nil
}

// HandleAudio queues a participant packet for decoding. Packets from users
// outside the participant filter are dropped, as are packets arriving while
// the decode queue is full. HandleAudio is a no-op unless the receiver is
// running.
func (r *Receiver) HandleAudio(pkt audio.Packet) {
	if r.state.Load() != stateRunning || len(pkt.Opus) == 0 {
		return
	}
	if r.users != nil {
		if _, ok := r.users[pkt.UserID]; !ok {
			r.obs.FramesDropped(DropFiltered, 1)
			return
		}
	}
	at := pkt.ReceivedAt
	if at.IsZero() {
		at = r.now()
	}
	r.submit(r.jobs, decodeJob{
		id:   SourceID(pkt.SourceID),
		opus: append([]byte(nil), pkt.Opus...),
		at:   at,
	})
}

func (r *Receiver) submit(ch chan<- decodeJob, job decodeJob) {
	select {
	case ch <- job:
	default:
		r.obs.FramesDropped(DropBacklog, 1)
	}
}

func (r *Receiver) decodeLoop(ctx context.Context, jobs <-chan decodeJob, serial *sync.Mutex) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			if serial != nil {
				serial.Lock()
				r.decode(job)
				serial.Unlock()
			} else {
				r.decode(job)
			}
		}
	}
}

func (r *Receiver) decode(job decodeJob) {
	pcm, err := r.decoders.Decode(job.id, job.opus)
	if err != nil {
		if errors.Is(err, opus.ErrClosed) {
			return
		}
		r.obs.DecodeFailed()
		r.log.Debug("dropping undecodable frame", "source", int64(job.id), "err", err)
		return
	}
	r.obs.FramesDecoded(1)
	r.enqueue(job.id, Frame{Samples: pcm, At: job.at})
}

// enqueue pushes f to the queue of id, replacing a queue the mixer retired
// concurrently.
func (r *Receiver) enqueue(id SourceID, f Frame) {
	for r.state.Load() == stateRunning {
		q := r.queue(id)
		accepted, evicted := q.Push(f)
		if evicted {
			r.obs.FramesDropped(DropOverflow, 1)
		}
		if accepted {
			return
		}
		r.queuesMu.Lock()
		if r.queues[id] == q {
			delete(r.queues, id)
		}
		r.queuesMu.Unlock()
	}
}

func (r *Receiver) queue(id SourceID) Queue {
	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()
	if q, ok := r.queues[id]; ok {
		return q
	}
	var q Queue
	if id == SelfSource {
		q = NewSelfQueue(r.opts.MaxQueuedFrames)
	} else {
		q = NewParticipantQueue(r.opts.Jitter, r.opts.MaxQueuedFrames)
	}
	r.queues[id] = q
	return q
}

// ActiveSources returns the number of sources with buffered audio.
func (r *Receiver) ActiveSources() int {
	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()
	return len(r.queues)
}

func (r *Receiver) mixLoop(ctx context.Context) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.tick(r.now()); err != nil {
				return err
			}
		}
	}
}

// tick mixes every frame due at now and hands the result to the processor.
func (r *Receiver) tick(now time.Time) error {
	start := time.Now()
	r.pending = r.collect(now, r.pending[:0])

	var err error
	if len(r.pending) == 0 {
		err = r.proc.Process(nil)
	} else {
		r.mixBuf = Mix(r.mixBuf, r.pending)
		err = r.proc.Process(r.mixBuf)
	}
	r.obs.Tick(time.Since(start), len(r.pending), len(r.pending) == 0)
	clear(r.pending)
	return err
}

// collect appends one due frame per active source to dst. Queues left empty
// are retired and pruned.
func (r *Receiver) collect(now time.Time, dst [][]int16) [][]int16 {
	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()

	for id, q := range r.queues {
		f, ok, stale := q.DrainDue(now)
		if stale > 0 {
			r.obs.FramesDropped(DropStale, stale)
		}
		if ok {
			dst = append(dst, f.Samples)
		}
		if q.RetireIfEmpty() {
			delete(r.queues, id)
		}
	}
	return dst
}

func (r *Receiver) fail(err error) {
	r.failMu.Lock()
	if r.failErr != nil {
		r.failMu.Unlock()
		return
	}
	r.failErr = err
	r.failMu.Unlock()

	r.log.Error("recording failed", "err", err)
	if r.onFailure != nil {
		go r.onFailure(err)
	}
}

// Err returns the error that stopped the mixer, if any.
func (r *Receiver) Err() error {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	return r.failErr
}

// Close stops the mixer, abandons pending decode work, releases the
// decoders and finalises the output file. The returned error joins the
// failure that stopped the mixer, if any, with the finalisation error.
// Packets handled after Close are ignored. A second call returns
// [ErrReceiverClosed].
func (r *Receiver) Close() error {
	r.lifecycle.Lock()
	prev := r.state.Swap(stateClosed)
	if prev == stateClosed {
		r.lifecycle.Unlock()
		return ErrReceiverClosed
	}
	if r.cancel != nil {
		r.cancel()
	}
	mixDone := r.mixDone
	r.lifecycle.Unlock()

	// The mixer owns the processor while it runs; wait for the current tick.
	if mixDone != nil {
		<-mixDone
	}
	r.decoders.Close()

	r.queuesMu.Lock()
	clear(r.queues)
	r.queuesMu.Unlock()

	var closeErr error
	if err := r.proc.Close(); err != nil {
		closeErr = fmt.Errorf("recorder: finalise %s: %w", r.opts.Path(), err)
	}
	if err := errors.Join(r.Err(), closeErr); err != nil {
		return err
	}
	r.log.Info("recording finished", "path", r.opts.Path())
	return nil
}
