package recorder

import "time"

// HandleSelfAudio queues one of the bot's own outgoing Opus frames for
// decoding into [SelfSource]. expectedSend is when the frame reaches the
// call; the frame is not mixed before that time.
//
// Self frames are decoded one at a time in submission order, so the bot's
// voice is never reordered in the recording. HandleSelfAudio is a no-op
// unless the receiver is running with self-audio enabled.
func (r *Receiver) HandleSelfAudio(opus []byte, expectedSend time.Time) {
	if !r.opts.SelfAudio || r.state.Load() != stateRunning || len(opus) == 0 {
		return
	}
	r.submit(r.selfJobs, decodeJob{
		id:   SelfSource,
		opus: append([]byte(nil), opus...),
		at:   expectedSend,
	})
}
