// Package discord is the Discord voice backend of [audio.Platform], built on
// bwmarrin/discordgo. The session belongs to the bot layer; this package
// only joins channels over it and moves Opus packets.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/chorus/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Platform = (*Platform)(nil)

// Platform joins voice channels through a shared discordgo session.
type Platform struct {
	session *discordgo.Session
}

// New returns a Platform using session.
func New(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins channelID unmuted and undeafened. ctx is only checked
// before the join; the Connection lives until Disconnect.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q in guild %q: %w", channelID, guildID, err)
	}
	c := newConnection(vc, guildID, channelID)
	c.start()
	return c, nil
}
