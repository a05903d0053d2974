// Package discord provides the Discord bot layer of chorus. It owns the
// discordgo.Session lifecycle, exposes the voice [audio.Platform] built on
// it, routes slash command interactions and reports when the bot is removed
// from a voice channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/pkg/audio"
	discordaudio "github.com/MrWong99/chorus/pkg/audio/discord"
)

// ErrNotReady is returned by [Bot.Ready] until the gateway session is
// established.
var ErrNotReady = errors.New("discord: gateway session not ready")

// Bot owns the Discord gateway connection.
type Bot struct {
	session  *discordgo.Session
	platform *discordaudio.Platform
	router   *CommandRouter
	perms    *PermissionChecker
	guildID  string

	mu           sync.RWMutex
	commands     []*discordgo.ApplicationCommand // registered by Run
	onVoiceLeave func(guildID, channelID string)

	closeOnce sync.Once
}

// New creates a Bot, connects to the Discord gateway and installs the
// interaction and voice state handlers.
func New(_ context.Context, cfg config.DiscordConfig) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	// Voice states are needed to join channels and to find the channel of a
	// member issuing /record.
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	b := newBot(session, cfg)
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(b.handleVoiceStateUpdate)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

func newBot(session *discordgo.Session, cfg config.DiscordConfig) *Bot {
	return &Bot{
		session:  session,
		platform: discordaudio.New(session),
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.RecorderRoleID),
		guildID:  cfg.GuildID,
	}
}

// Platform joins voice channels over the bot's session.
func (b *Bot) Platform() audio.Platform { return b.platform }

// GuildID is the configured home guild; empty means commands are global.
func (b *Bot) GuildID() string { return b.guildID }

// Router is where command handlers register.
func (b *Bot) Router() *CommandRouter { return b.router }

// Permissions guards the /record subcommands.
func (b *Bot) Permissions() *PermissionChecker { return b.perms }

// OnVoiceLeave registers fn to be called when the bot is removed from a
// voice channel, for example by a moderator. channelID is the channel it
// left. Only one callback is kept.
func (b *Bot) OnVoiceLeave(fn func(guildID, channelID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onVoiceLeave = fn
}

// UserVoiceChannel returns the voice channel userID is connected to in
// guildID, according to the gateway state cache.
func (b *Bot) UserVoiceChannel(guildID, userID string) (string, bool) {
	if b.session.State == nil {
		return "", false
	}
	vs, err := b.session.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// Ready reports whether the gateway session is established. It is used as
// a readiness check.
func (b *Bot) Ready(context.Context) error {
	b.session.RLock()
	defer b.session.RUnlock()
	if !b.session.DataReady {
		return ErrNotReady
	}
	return nil
}

func (b *Bot) handleVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if s.State == nil || s.State.User == nil {
		return
	}
	b.voiceStateChanged(s.State.User.ID, vs)
}

// voiceStateChanged calls the voice leave callback when selfID's voice
// state moves out of a known channel.
func (b *Bot) voiceStateChanged(selfID string, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || vs.UserID != selfID || vs.ChannelID != "" {
		return
	}
	if vs.BeforeUpdate == nil || vs.BeforeUpdate.ChannelID == "" {
		return
	}
	b.mu.RLock()
	fn := b.onVoiceLeave
	b.mu.RUnlock()
	if fn != nil {
		slog.Info("bot left voice channel", "guild_id", vs.GuildID, "channel_id", vs.BeforeUpdate.ChannelID)
		fn(vs.GuildID, vs.BeforeUpdate.ChannelID)
	}
}

// Run announces the router's slash commands for the configured guild (or
// globally without one) and blocks until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.registerCommands(); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *Bot) registerCommands() error {
	defs := b.router.ApplicationCommands()
	if len(defs) == 0 {
		return nil
	}
	appID := b.session.State.User.ID
	registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, defs)
	if err != nil {
		return fmt.Errorf("discord: register %d commands: %w", len(defs), err)
	}

	b.mu.Lock()
	b.commands = registered
	b.mu.Unlock()
	names := make([]string, len(registered))
	for i, c := range registered {
		names[i] = c.Name
	}
	slog.Info("discord: slash commands registered", "commands", names, "guild_id", b.guildID)
	return nil
}

// Close removes the commands Run registered and closes the gateway
// session. Later calls return nil.
func (b *Bot) Close() error {
	var err error
	b.closeOnce.Do(func() { err = b.close() })
	return err
}

func (b *Bot) close() error {
	b.mu.Lock()
	registered := b.commands
	b.commands = nil
	b.mu.Unlock()

	for _, c := range registered {
		if err := b.session.ApplicationCommandDelete(c.ApplicationID, b.guildID, c.ID); err != nil {
			slog.Warn("discord: slash command not removed", "command", c.Name, "err", err)
		}
	}
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	slog.Info("discord: session closed")
	return nil
}
