package recorder

import (
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func frameAt(v int16, at time.Time) Frame {
	return Frame{Samples: []int16{v}, At: at}
}

func TestParticipantQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := NewParticipantQueue(100*time.Millisecond, 0)
	for i := range 3 {
		q.Push(frameAt(int16(i), t0.Add(time.Duration(i)*time.Millisecond)))
	}
	for want := range 3 {
		f, ok, stale := q.DrainDue(t0.Add(10 * time.Millisecond))
		if !ok || stale != 0 {
			t.Fatalf("drain %d: ok=%v stale=%d", want, ok, stale)
		}
		if f.Samples[0] != int16(want) {
			t.Errorf("drain %d: got frame %d", want, f.Samples[0])
		}
	}
	if _, ok, _ := q.DrainDue(t0); ok {
		t.Error("expected empty queue")
	}
}

func TestParticipantQueue_DropsStale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ages      []time.Duration
		wantOK    bool
		wantStale int
		wantFrame int16
	}{
		{name: "fresh", ages: []time.Duration{20 * time.Millisecond}, wantOK: true, wantFrame: 0},
		{name: "exactly at tolerance", ages: []time.Duration{100 * time.Millisecond}, wantOK: true, wantFrame: 0},
		{name: "just past tolerance", ages: []time.Duration{101 * time.Millisecond}, wantStale: 1},
		{
			name:      "stale then fresh",
			ages:      []time.Duration{300 * time.Millisecond, 150 * time.Millisecond, 40 * time.Millisecond, 20 * time.Millisecond},
			wantOK:    true,
			wantStale: 2,
			wantFrame: 2,
		},
		{name: "all stale", ages: []time.Duration{time.Second, 500 * time.Millisecond}, wantStale: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			now := t0.Add(time.Second)
			q := NewParticipantQueue(100*time.Millisecond, 0)
			for i, age := range tt.ages {
				q.Push(frameAt(int16(i), now.Add(-age)))
			}
			f, ok, stale := q.DrainDue(now)
			if ok != tt.wantOK || stale != tt.wantStale {
				t.Fatalf("DrainDue: ok=%v stale=%d, want ok=%v stale=%d", ok, stale, tt.wantOK, tt.wantStale)
			}
			if ok && f.Samples[0] != tt.wantFrame {
				t.Errorf("frame = %d, want %d", f.Samples[0], tt.wantFrame)
			}
		})
	}
}

func TestParticipantQueue_CapEvictsOldest(t *testing.T) {
	t.Parallel()

	q := NewParticipantQueue(time.Hour, 2)
	q.Push(frameAt(1, t0))
	q.Push(frameAt(2, t0))
	accepted, evicted := q.Push(frameAt(3, t0))
	if !accepted || !evicted {
		t.Fatalf("Push over cap: accepted=%v evicted=%v", accepted, evicted)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	f, _, _ := q.DrainDue(t0)
	if f.Samples[0] != 2 {
		t.Errorf("oldest surviving frame = %d, want 2", f.Samples[0])
	}
}

func TestParticipantQueue_Retire(t *testing.T) {
	t.Parallel()

	q := NewParticipantQueue(time.Hour, 0)
	q.Push(frameAt(1, t0))
	if q.RetireIfEmpty() {
		t.Fatal("non-empty queue retired")
	}
	q.DrainDue(t0)
	if !q.RetireIfEmpty() {
		t.Fatal("empty queue not retired")
	}
	if accepted, _ := q.Push(frameAt(2, t0)); accepted {
		t.Error("retired queue accepted a push")
	}
}

func TestParticipantQueue_ConcurrentPushDrain(t *testing.T) {
	t.Parallel()

	const pushers, perPusher = 4, 250
	q := NewParticipantQueue(time.Hour, 0)

	var wg sync.WaitGroup
	for range pushers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perPusher {
				q.Push(frameAt(1, t0))
			}
		}()
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if _, ok, _ := q.DrainDue(t0); ok {
			drained++
			continue
		}
		select {
		case <-done:
			for {
				if _, ok, _ := q.DrainDue(t0); !ok {
					break
				}
				drained++
			}
			if drained != pushers*perPusher {
				t.Errorf("drained %d frames, want %d", drained, pushers*perPusher)
			}
			return
		default:
		}
	}
}

func TestSelfQueue_HoldsFutureFrame(t *testing.T) {
	t.Parallel()

	q := NewSelfQueue(0)
	due := t0.Add(40 * time.Millisecond)
	q.Push(frameAt(7, due))

	if _, ok, _ := q.DrainDue(t0); ok {
		t.Fatal("future frame returned early")
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("Len after early drain = %d, want 1", got)
	}
	if q.RetireIfEmpty() {
		t.Fatal("queue holding a future frame was retired")
	}

	f, ok, _ := q.DrainDue(due)
	if !ok || f.Samples[0] != 7 {
		t.Fatalf("DrainDue at send time: ok=%v frame=%v", ok, f.Samples)
	}
}

func TestSelfQueue_OrdersBySendTime(t *testing.T) {
	t.Parallel()

	q := NewSelfQueue(0)
	q.Push(frameAt(3, t0.Add(40*time.Millisecond)))
	q.Push(frameAt(1, t0))
	q.Push(frameAt(2, t0.Add(20*time.Millisecond)))
	q.Push(frameAt(4, t0.Add(40*time.Millisecond)))

	now := t0.Add(time.Second)
	for _, want := range []int16{1, 2, 3, 4} {
		f, ok, _ := q.DrainDue(now)
		if !ok {
			t.Fatalf("expected frame %d", want)
		}
		if f.Samples[0] != want {
			t.Errorf("got frame %d, want %d", f.Samples[0], want)
		}
	}
}

func TestSelfQueue_NoStaleDrop(t *testing.T) {
	t.Parallel()

	q := NewSelfQueue(0)
	q.Push(frameAt(1, t0))
	f, ok, stale := q.DrainDue(t0.Add(time.Hour))
	if !ok || stale != 0 || f.Samples[0] != 1 {
		t.Errorf("DrainDue: ok=%v stale=%d frame=%v", ok, stale, f.Samples)
	}
}

func TestSelfQueue_CapEvictsEarliest(t *testing.T) {
	t.Parallel()

	q := NewSelfQueue(2)
	q.Push(frameAt(1, t0))
	q.Push(frameAt(2, t0.Add(20*time.Millisecond)))
	if _, evicted := q.Push(frameAt(3, t0.Add(40*time.Millisecond))); !evicted {
		t.Fatal("expected eviction over cap")
	}
	f, _, _ := q.DrainDue(t0.Add(time.Second))
	if f.Samples[0] != 2 {
		t.Errorf("earliest surviving frame = %d, want 2", f.Samples[0])
	}
}
