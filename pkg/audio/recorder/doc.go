// Package recorder captures the audio of a voice call into a single mixed
// file.
//
// A [Receiver] is attached to a call as its [audio.ReceiveHandler]. Inbound
// Opus packets are decoded on a small worker pool (one stateful decoder per
// source), buffered per source, and mixed every 20 ms into one PCM frame
// that a [Processor] writes to disk as MP3 or raw PCM. The bot's own
// outgoing audio can be captured as a pseudo-source stamped with its
// expected send time so it lines up with what participants heard.
//
// Frames older than the jitter tolerance (100 ms by default) are dropped
// instead of mixed, trading completeness for bounded latency. Every tick
// produces exactly one frame of output; ticks without audio write silence so
// the file duration tracks wall-clock time.
package recorder
