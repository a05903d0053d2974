package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Responder is the part of [discordgo.Session] interaction handlers reply
// through.
type Responder interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, opts ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, opts ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Responder = (*discordgo.Session)(nil)

// All replies are ephemeral: only the invoking member sees them.

// RespondEphemeral answers i with a text message.
func RespondEphemeral(s Responder, i *discordgo.InteractionCreate, content string) {
	reply(s, i, "text", discordgo.InteractionResponseChannelMessageWithSource,
		&discordgo.InteractionResponseData{Content: content})
}

// RespondEmbed answers i with a single embed.
func RespondEmbed(s Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	reply(s, i, "embed", discordgo.InteractionResponseChannelMessageWithSource,
		&discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}})
}

// RespondError answers i with "Error: " and err.
func RespondError(s Responder, i *discordgo.InteractionCreate, err error) {
	RespondEphemeral(s, i, "Error: "+err.Error())
}

// DeferReply acknowledges i so a slow handler can answer with [FollowUp]
// after Discord's three second response window.
func DeferReply(s Responder, i *discordgo.InteractionCreate) {
	reply(s, i, "deferral", discordgo.InteractionResponseDeferredChannelMessageWithSource,
		&discordgo.InteractionResponseData{})
}

// FollowUp sends the answer to a deferred interaction.
func FollowUp(s Responder, i *discordgo.InteractionCreate, content string) {
	params := &discordgo.WebhookParams{Content: content, Flags: discordgo.MessageFlagsEphemeral}
	if _, err := s.FollowupMessageCreate(i.Interaction, true, params); err != nil {
		slog.Warn("discord: follow-up failed", "interaction_id", i.ID, "err", err)
	}
}

func reply(s Responder, i *discordgo.InteractionCreate, kind string, typ discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) {
	data.Flags |= discordgo.MessageFlagsEphemeral
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: typ, Data: data})
	if err != nil {
		slog.Warn("discord: interaction response failed", "kind", kind, "interaction_id", i.ID, "err", err)
	}
}
