package discord

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

const outputChannelBuffer = 64

// Connection is one joined Discord voice channel. Received packets and the
// bot's own outgoing frames are both reported to the attached
// [audio.ReceiveHandler].
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string
	now       func() time.Time

	handler atomic.Pointer[handlerRef]

	usersMu sync.RWMutex
	users   map[uint32]string // SSRC to user ID, from speaking updates

	output chan []byte

	done      chan struct{}
	loops     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// leave tears down the discordgo connection. Tests replace it.
	leave func() error
}

type handlerRef struct{ h audio.ReceiveHandler }

func newConnection(vc *discordgo.VoiceConnection, guildID, channelID string) *Connection {
	return &Connection{
		vc:        vc,
		guildID:   guildID,
		channelID: channelID,
		now:       time.Now,
		users:     make(map[uint32]string),
		output:    make(chan []byte, outputChannelBuffer),
		done:      make(chan struct{}),
		leave:     vc.Disconnect,
	}
}

// start listens for speaking updates and runs the receive and send loops.
func (c *Connection) start() {
	c.vc.AddHandler(c.speakingUpdate)
	c.loops.Add(2)
	go c.receive()
	go c.send()
}

func (c *Connection) GuildID() string   { return c.guildID }
func (c *Connection) ChannelID() string { return c.channelID }

// SetReceiveHandler attaches h; nil detaches the current handler.
func (c *Connection) SetReceiveHandler(h audio.ReceiveHandler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handlerRef{h: h})
}

func (c *Connection) current() audio.ReceiveHandler {
	if ref := c.handler.Load(); ref != nil {
		return ref.h
	}
	return nil
}

// OutputStream accepts the bot's Opus frames for the channel.
func (c *Connection) OutputStream() chan<- []byte { return c.output }

// Disconnect stops both loops, then leaves the channel. Every call returns
// the result of the first.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		c.SetReceiveHandler(nil)
		close(c.done)
		c.loops.Wait()
		if c.leave != nil {
			c.closeErr = c.leave()
		}
	})
	return c.closeErr
}

// UserID returns the member speaking on ssrc, or "" before their first
// speaking update.
func (c *Connection) UserID(ssrc uint32) string {
	c.usersMu.RLock()
	defer c.usersMu.RUnlock()
	return c.users[ssrc]
}

func (c *Connection) receive() {
	defer c.loops.Done()
	for {
		var pkt *discordgo.Packet
		select {
		case <-c.done:
			return
		case p, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			pkt = p
		}
		if pkt == nil || len(pkt.Opus) == 0 {
			continue
		}
		if h := c.current(); h != nil {
			h.HandleAudio(audio.Packet{
				SourceID:   pkt.SSRC,
				UserID:     c.UserID(pkt.SSRC),
				Opus:       pkt.Opus,
				ReceivedAt: c.now(),
			})
		}
	}
}

// pacer predicts when a frame reaches the call. discordgo drains OpusSend
// at one frame per [audio.FrameDuration], so a frame goes out now or one
// frame after its predecessor, whichever is later.
type pacer struct{ next time.Time }

func (p *pacer) stamp(now time.Time) time.Time {
	at := now
	if p.next.After(at) {
		at = p.next
	}
	p.next = at.Add(audio.FrameDuration)
	return at
}

func (c *Connection) send() {
	defer c.loops.Done()
	var (
		pace     pacer
		speaking bool
	)
	defer func() {
		if speaking {
			c.speaking(false)
		}
	}()

	for {
		var frame []byte
		select {
		case <-c.done:
			return
		case frame = <-c.output:
		}
		if len(frame) == 0 {
			continue
		}
		if !speaking {
			c.speaking(true)
			speaking = true
		}
		at := pace.stamp(c.now())
		if h := c.current(); h != nil {
			h.HandleSelfAudio(frame, at)
		}
		select {
		case c.vc.OpusSend <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) speakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" || vs.SSRC < 0 {
		return
	}
	c.usersMu.Lock()
	c.users[uint32(vs.SSRC)] = vs.UserID
	c.usersMu.Unlock()
}

func (c *Connection) speaking(on bool) {
	if err := c.vc.Speaking(on); err != nil {
		slog.Debug("discord: speaking flag not sent", "guild_id", c.guildID, "speaking", on, "err", err)
	}
}
