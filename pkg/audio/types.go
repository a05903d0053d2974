package audio

import "time"

// Call audio is 48 kHz stereo Opus at a 20 ms frame duration.
const (
	SampleRate = 48000
	Channels   = 2

	// FrameDuration is the length of one Opus/PCM frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the number of samples per channel in one frame.
	FrameSize = SampleRate * int(FrameDuration/time.Millisecond) / 1000 // 960

	// FrameSamples is the number of interleaved samples in one frame.
	FrameSamples = FrameSize * Channels

	// FrameBytes is the size of one frame of 16-bit PCM.
	FrameBytes = FrameSamples * 2
)

// Packet is one encoded audio frame received from a call participant.
type Packet struct {
	// SourceID is the transport-level source identifier (RTP SSRC).
	SourceID uint32

	// UserID is the platform user the source belongs to, or "" when the
	// mapping is not known yet.
	UserID string

	// Opus is the encoded frame. Handlers must not retain it past the call
	// unless they copy it.
	Opus []byte

	// ReceivedAt is when the packet arrived.
	ReceivedAt time.Time
}
