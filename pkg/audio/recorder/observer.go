package recorder

import "time"

// DropReason classifies why frames or packets were discarded.
type DropReason string

const (
	// DropStale marks frames older than the jitter tolerance at mix time.
	DropStale DropReason = "stale"

	// DropOverflow marks frames evicted by the per-source queue cap.
	DropOverflow DropReason = "overflow"

	// DropBacklog marks packets rejected because the decode queue was full.
	DropBacklog DropReason = "backlog"

	// DropFiltered marks packets from users outside the participant filter.
	DropFiltered DropReason = "filtered"
)

// Observer receives pipeline statistics. Methods are called from the
// receiver's goroutines and must not block.
type Observer interface {
	FramesDecoded(n int)
	DecodeFailed()
	FramesDropped(reason DropReason, n int)
	Tick(elapsed time.Duration, sources int, silent bool)
	BytesWritten(n int)
}

type nopObserver struct{}

func (nopObserver) FramesDecoded(int) {}
func (nopObserver) DecodeFailed() {}
func (nopObserver) FramesDropped(DropReason, int) {}
func (nopObserver) Tick(time.Duration, int, bool) {}
func (nopObserver) BytesWritten(int) {}
