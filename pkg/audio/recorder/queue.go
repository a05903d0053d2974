package recorder

import (
	"container/heap"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Frame is one decoded 20 ms block of interleaved stereo PCM.
type Frame struct {
	// Samples holds audio.FrameSamples interleaved samples.
	Samples []int16

	// At is the arrival time for participant audio and the expected send
	// time for self-audio.
	At time.Time
}

// Queue buffers decoded frames for one source until the mixer takes them.
//
// Push is called by decode workers and DrainDue/RetireIfEmpty by the mixer;
// all methods are safe for concurrent use.
type Queue interface {
	// Push adds f. It reports accepted == false when the queue has been
	// retired, in which case the caller must install a fresh queue. evicted
	// reports that the oldest frame was dropped to respect the cap.
	Push(f Frame) (accepted, evicted bool)

	// DrainDue returns the next frame to mix at now, or ok == false when
	// nothing is due. stale counts frames discarded as too old.
	DrainDue(now time.Time) (f Frame, ok bool, stale int)

	// RetireIfEmpty marks an empty queue as retired so later pushes fail.
	// It reports whether the queue was retired.
	RetireIfEmpty() bool

	// Len returns the number of buffered frames.
	Len() int
}

var (
	_ Queue = (*ParticipantQueue)(nil)
	_ Queue = (*SelfQueue)(nil)
)

// ParticipantQueue is a FIFO of frames that discards frames older than the
// jitter tolerance at drain time.
type ParticipantQueue struct {
	jitter time.Duration
	max    int

	mu      sync.Mutex
	frames  deque.Deque[Frame]
	retired bool
}

// NewParticipantQueue returns a FIFO that drops frames older than jitter and
// keeps at most max frames. max <= 0 disables the cap.
func NewParticipantQueue(jitter time.Duration, max int) *ParticipantQueue {
	return &ParticipantQueue{jitter: jitter, max: max}
}

// Push appends f in arrival order.
func (q *ParticipantQueue) Push(f Frame) (accepted, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired {
		return false, false
	}
	if q.max > 0 && q.frames.Len() >= q.max {
		q.frames.PopFront()
		evicted = true
	}
	q.frames.PushBack(f)
	return true, evicted
}

// DrainDue pops frames until it finds one no older than the jitter
// tolerance and returns it. Older frames are discarded.
func (q *ParticipantQueue) DrainDue(now time.Time) (Frame, bool, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stale := 0
	for q.frames.Len() > 0 {
		f := q.frames.PopFront()
		if now.Sub(f.At) > q.jitter {
			stale++
			continue
		}
		return f, true, stale
	}
	return Frame{}, false, stale
}

// RetireIfEmpty implements [Queue].
func (q *ParticipantQueue) RetireIfEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frames.Len() > 0 {
		return false
	}
	q.retired = true
	return true
}

// Len implements [Queue].
func (q *ParticipantQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Len()
}

// SelfQueue orders the bot's own frames by expected send time and releases
// each one only once that time has passed. No staleness drop is applied.
type SelfQueue struct {
	max int

	mu      sync.Mutex
	frames  frameHeap
	seq     uint64
	retired bool
}

// NewSelfQueue returns an empty self-audio queue holding at most max frames.
// max <= 0 disables the cap.
func NewSelfQueue(max int) *SelfQueue {
	return &SelfQueue{max: max}
}

// Push inserts f by expected send time. On overflow the earliest frame is
// evicted.
func (q *SelfQueue) Push(f Frame) (accepted, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired {
		return false, false
	}
	if q.max > 0 && q.frames.Len() >= q.max {
		heap.Pop(&q.frames)
		evicted = true
	}
	q.seq++
	heap.Push(&q.frames, scheduled{frame: f, seq: q.seq})
	return true, evicted
}

// DrainDue returns the earliest frame if its send time is not after now. A
// frame that is not yet due stays queued.
func (q *SelfQueue) DrainDue(now time.Time) (Frame, bool, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frames.Len() == 0 || q.frames[0].frame.At.After(now) {
		return Frame{}, false, 0
	}
	e := heap.Pop(&q.frames).(scheduled)
	return e.frame, true, 0
}

// RetireIfEmpty implements [Queue].
func (q *SelfQueue) RetireIfEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frames.Len() > 0 {
		return false
	}
	q.retired = true
	return true
}

// Len implements [Queue].
func (q *SelfQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Len()
}

// scheduled wraps a [Frame] with its insertion order so frames sharing a
// send time keep FIFO order.
type scheduled struct {
	frame Frame
	seq   uint64
}

// frameHeap implements [container/heap.Interface] as a min-heap ordered by
// send time, with FIFO tie-breaking on seq.
type frameHeap []scheduled

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if !h[i].frame.At.Equal(h[j].frame.At) {
		return h[i].frame.At.Before(h[j].frame.At)
	}
	return h[i].seq < h[j].seq
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push is called by [container/heap.Push].
func (h *frameHeap) Push(x any) {
	*h = append(*h, x.(scheduled))
}

// Pop is called by [container/heap.Pop].
func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = scheduled{}
	*h = old[:n-1]
	return e
}
