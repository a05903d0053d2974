// Package audio defines the types and interfaces shared by the voice
// transport adapters and the recording pipeline.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] is an active voice session. Received packets are delivered
//     to the attached [ReceiveHandler]; the bot's own Opus frames are written
//     to [Connection.OutputStream].
//
// Implementations live in platform-specific packages (e.g., audio/discord).
package audio

import (
	"context"
	"time"
)

// ReceiveHandler consumes audio flowing through a [Connection].
//
// Both methods are called from the connection's internal goroutines and must
// not block.
type ReceiveHandler interface {
	// HandleAudio is called for every packet received from a participant.
	HandleAudio(pkt Packet)

	// HandleSelfAudio is called for every Opus frame the bot sends into the
	// call. expectedSend is the time the frame is scheduled to reach the call.
	HandleSelfAudio(opus []byte, expectedSend time.Time)
}

// Connection represents an active session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// GuildID returns the call (guild) the connection belongs to.
	GuildID() string

	// ChannelID returns the voice channel the connection is joined to.
	ChannelID() string

	// SetReceiveHandler attaches h as the receiver of inbound and self audio.
	// Passing nil detaches the current handler. Only one handler is attached
	// at a time.
	SetReceiveHandler(h ReceiveHandler)

	// OutputStream returns the channel the playback engine writes encoded
	// Opus frames to. Frames are forwarded to the call in order, one per
	// [FrameDuration]. The channel is never closed by the connection; writes
	// after Disconnect are dropped.
	OutputStream() chan<- []byte

	// Disconnect leaves the voice channel. It is safe to call more than once;
	// subsequent calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID. ctx bounds the join attempt only.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
