package discord

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc answers one slash command interaction.
type HandlerFunc func(s Responder, i *discordgo.InteractionCreate)

// CommandRouter maps slash command interactions to handlers. Handlers are
// keyed "command" or "command/subcommand"; definitions are kept per
// top-level command name.
type CommandRouter struct {
	mu       sync.RWMutex
	defs     map[string]*discordgo.ApplicationCommand
	handlers map[string]HandlerFunc
}

// NewCommandRouter returns a router without commands.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		defs:     make(map[string]*discordgo.ApplicationCommand),
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterCommand sets the handler for key and announces cmd, the
// definition of key's top-level command, to Discord.
func (r *CommandRouter) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd != nil {
		r.defs[cmd.Name] = cmd
	}
	r.handlers[key] = handler
}

// RegisterHandler sets the handler for key without a definition. Use it
// for subcommands of a command registered with RegisterCommand.
func (r *CommandRouter) RegisterHandler(key string, handler HandlerFunc) {
	r.RegisterCommand(key, nil, handler)
}

// ApplicationCommands returns one definition per top-level command, sorted
// by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.defs))
	for _, cmd := range r.defs {
		cmds = append(cmds, cmd)
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return cmds
}

// Handle runs the handler registered for a slash command interaction.
// Other interaction types are ignored; unknown commands get an ephemeral
// reply.
func (r *CommandRouter) Handle(s Responder, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		slog.Debug("discord: interaction ignored", "type", i.Type.String())
		return
	}

	data := i.ApplicationCommandData()
	key := data.Name
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		key += "/" + data.Options[0].Name
	}

	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("discord: no handler for command", "command", key, "guild_id", i.GuildID)
		RespondEphemeral(s, i, "Unknown command.")
		return
	}
	h(s, i)
}
