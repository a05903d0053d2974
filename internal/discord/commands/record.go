// Package commands implements the Discord slash command handlers of chorus.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/internal/control"
	"github.com/MrWong99/chorus/internal/discord"
	"github.com/MrWong99/chorus/pkg/audio/recorder"
)

const connectTimeout = 30 * time.Second

// Recordings is the part of [control.Manager] the /record commands drive.
type Recordings interface {
	Connect(ctx context.Context, guildID, channelID string) error
	Start(req control.RecordRequest, sub control.Subscriber) (control.Event, error)
	Stop(guildID string) (control.Event, bool)
	Recording(guildID string) (control.RecordingInfo, bool)
}

var _ Recordings = (*control.Manager)(nil)

// VoiceLocator returns the voice channel a user is connected to.
type VoiceLocator func(guildID, userID string) (string, bool)

// RecordCommands holds the dependencies for /record slash commands.
type RecordCommands struct {
	recs   Recordings
	perms  *discord.PermissionChecker
	locate VoiceLocator
}

// NewRecordCommands creates a RecordCommands and registers its handlers with
// the bot's router.
func NewRecordCommands(bot *discord.Bot, recs Recordings) *RecordCommands {
	rc := &RecordCommands{
		recs:   recs,
		perms:  bot.Permissions(),
		locate: bot.UserVoiceChannel,
	}
	rc.Register(bot.Router())
	return rc
}

// Register registers the /record command group with the router.
func (rc *RecordCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("record", rc.Definition(), func(s discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/record start`, `/record stop` or `/record status`.")
	})
	router.RegisterHandler("record/start", rc.handleStart)
	router.RegisterHandler("record/stop", rc.handleStop)
	router.RegisterHandler("record/status", rc.handleStatus)
}

// Definition returns the ApplicationCommand definition for Discord.
func (rc *RecordCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "record",
		Description: "Record the voice channel you are in",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start recording your current voice channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "format",
						Description: "Output format",
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "mp3", Value: string(recorder.FormatMP3)},
							{Name: "pcm", Value: string(recorder.FormatPCM)},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "self_audio",
						Description: "Include audio the bot itself plays",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the active recording",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the active recording",
			},
		},
	}
}

// handleStart handles /record start.
func (rc *RecordCommands) handleStart(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You need the recorder role to start a recording.")
		return
	}
	if i.GuildID == "" {
		discord.RespondEphemeral(s, i, "Recordings can only be started in a server.")
		return
	}

	channelID, ok := rc.locate(i.GuildID, discord.InteractionUserID(i))
	if !ok {
		discord.RespondEphemeral(s, i, "You must be in a voice channel to start a recording.")
		return
	}
	if info, ok := rc.recs.Recording(i.GuildID); ok {
		discord.RespondEphemeral(s, i, fmt.Sprintf("A recording is already active (ID: `%s`).", info.ID))
		return
	}

	req := control.RecordRequest{GuildID: i.GuildID}
	for _, opt := range subcommandOptions(i) {
		switch opt.Name {
		case "format":
			req.Format = recorder.Format(opt.StringValue())
		case "self_audio":
			req.SelfAudio = opt.BoolValue()
		}
	}

	// Joining a voice channel may take a moment.
	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := rc.recs.Connect(ctx, i.GuildID, channelID); err != nil {
		discord.FollowUp(s, i, fmt.Sprintf("Failed to join <#%s>: %v", channelID, err))
		return
	}
	ev, err := rc.recs.Start(req, nil)
	if err != nil {
		discord.FollowUp(s, i, fmt.Sprintf("Failed to start recording: %v", err))
		return
	}

	discord.FollowUp(s, i, fmt.Sprintf(
		"Recording started!\n**Recording ID:** `%s`\n**Channel:** <#%s>",
		ev.ID,
		channelID,
	))
}

// handleStop handles /record stop.
func (rc *RecordCommands) handleStop(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.perms.Allowed(i) {
		discord.RespondEphemeral(s, i, "You need the recorder role to stop a recording.")
		return
	}

	info, active := rc.recs.Recording(i.GuildID)
	ev, ok := rc.recs.Stop(i.GuildID)
	if !ok {
		discord.RespondEphemeral(s, i, "No active recording to stop.")
		return
	}
	if ev.Op == control.OpRecordFailed {
		discord.RespondEphemeral(s, i, fmt.Sprintf("Recording `%s` failed: %s", ev.ID, ev.Error))
		return
	}

	msg := fmt.Sprintf("Recording `%s` stopped.\n**File:** `%s`", ev.ID, ev.Path)
	if active {
		msg += "\n**Duration:** " + time.Since(info.Started).Truncate(time.Second).String()
	}
	discord.RespondEphemeral(s, i, msg)
}

// handleStatus handles /record status.
func (rc *RecordCommands) handleStatus(s discord.Responder, i *discordgo.InteractionCreate) {
	info, ok := rc.recs.Recording(i.GuildID)
	if !ok {
		discord.RespondEmbed(s, i, &discordgo.MessageEmbed{
			Title:       "Recording",
			Description: "Nothing is being recorded.",
			Color:       0xE74C3C,
		})
		return
	}

	state := "waiting for voice connection"
	if info.Attached {
		state = "recording"
	}
	discord.RespondEmbed(s, i, &discordgo.MessageEmbed{
		Title: "Recording",
		Color: 0x2ECC71,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "ID", Value: "`" + info.ID + "`", Inline: true},
			{Name: "State", Value: state, Inline: true},
			{Name: "Duration", Value: time.Since(info.Started).Truncate(time.Second).String(), Inline: true},
			{Name: "File", Value: "`" + info.Path + "`"},
		},
	})
}

// subcommandOptions returns the options of the invoked subcommand.
func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil
	}
	return data.Options[0].Options
}
