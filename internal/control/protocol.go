// Package control implements the chorus control plane: a per-guild
// recordings manager and the websocket protocol clients use to join voice
// channels and toggle recordings.
//
// Messages are JSON objects discriminated by their "op" field:
//
//	-> {"op":"voiceUpdate","guildId":"1","channelId":"2"}
//	-> {"op":"record","guildId":"1","id":"same-id","encodeToMp3":true,"users":["3"]}
//	<- {"op":"recordStarted","guildId":"1","id":"same-id","path":"records/record-1-same-id.mp3"}
//	-> {"op":"record","guildId":"1"}
//	<- {"op":"recordFinished","guildId":"1","id":"same-id","path":"records/record-1-same-id.mp3"}
//	-> {"op":"destroy","guildId":"1"}
//	-> {"op":"ping"}
//	<- {"op":"pong"}
//
// A recording whose output fails is reported with "recordFailed". Requests
// that cannot be served are answered with {"op":"error","error":"..."}; the
// socket stays open.
package control

import (
	"github.com/MrWong99/chorus/pkg/audio/recorder"
)

// Op discriminates control messages.
type Op string

// Client → server operations.
const (
	OpVoiceUpdate Op = "voiceUpdate"
	OpRecord      Op = "record"
	OpDestroy     Op = "destroy"
	OpPing        Op = "ping"
)

// Server → client operations.
const (
	OpRecordStarted  Op = "recordStarted"
	OpRecordFinished Op = "recordFinished"
	OpRecordFailed   Op = "recordFailed"
	OpPong           Op = "pong"
	OpError          Op = "error"
)

// Request is an inbound control message. Fields not used by Op are ignored.
type Request struct {
	Op        Op     `json:"op"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`

	// record
	ID          string   `json:"id"`
	Channels    int      `json:"channels"`
	Bitrate     int      `json:"bitrate"`
	EncodeToMP3 *bool    `json:"encodeToMp3"`
	SelfAudio   bool     `json:"selfAudio"`
	Users       []string `json:"users"`
}

// RecordRequest converts a record message into manager arguments. An absent
// encodeToMp3 keeps the configured default format.
func (r Request) RecordRequest() RecordRequest {
	rr := RecordRequest{
		GuildID:   r.GuildID,
		ID:        r.ID,
		Channels:  r.Channels,
		Bitrate:   r.Bitrate,
		SelfAudio: r.SelfAudio,
		Users:     r.Users,
	}
	if r.EncodeToMP3 != nil {
		rr.Format = recorder.FormatPCM
		if *r.EncodeToMP3 {
			rr.Format = recorder.FormatMP3
		}
	}
	return rr
}

// Event is an outbound control message.
type Event struct {
	Op      Op     `json:"op"`
	GuildID string `json:"guildId,omitempty"`
	ID      string `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Error   string `json:"error,omitempty"`
}

func errorEvent(guildID string, err error) Event {
	return Event{Op: OpError, GuildID: guildID, Error: err.Error()}
}
