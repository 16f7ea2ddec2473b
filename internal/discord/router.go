package discord

import (
	"cmp"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one interaction.
type HandlerFunc func(r Responder, i *discordgo.InteractionCreate)

type slashRoute struct {
	def     *discordgo.ApplicationCommand
	handler HandlerFunc
}

type componentRoute struct {
	prefix  string
	handler HandlerFunc
}

// CommandRouter maps interactions to handlers. Slash commands and autocomplete
// requests are keyed "command" or "command/subcommand"; button presses are
// matched by custom_id prefix, longest prefix first.
//
// A panicking handler is logged and answered with an ephemeral error instead
// of taking the gateway connection down with it.
type CommandRouter struct {
	mu           sync.RWMutex
	slash        map[string]slashRoute
	autocomplete map[string]HandlerFunc
	components   []componentRoute
}

// NewCommandRouter returns an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		slash:        make(map[string]slashRoute),
		autocomplete: make(map[string]HandlerFunc),
	}
}

// RegisterCommand routes key to handler. def is the top-level command
// definition published to Discord; subcommands of one command share it.
func (r *CommandRouter) RegisterCommand(key string, def *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slash[key] = slashRoute{def: def, handler: handler}
}

// RegisterAutocomplete routes autocomplete requests for key to handler.
func (r *CommandRouter) RegisterAutocomplete(key string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autocomplete[key] = handler
}

// RegisterComponentPrefix routes every component whose custom_id starts with
// prefix, e.g. "clear_confirm:" for "clear_confirm:<guild>".
func (r *CommandRouter) RegisterComponentPrefix(prefix string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = slices.DeleteFunc(r.components, func(c componentRoute) bool { return c.prefix == prefix })
	r.components = append(r.components, componentRoute{prefix: prefix, handler: handler})
	slices.SortFunc(r.components, func(a, b componentRoute) int {
		return cmp.Compare(len(b.prefix), len(a.prefix))
	})
}

// ApplicationCommands returns each top-level command definition once, sorted
// by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]*discordgo.ApplicationCommand)
	for _, route := range r.slash {
		if route.def != nil {
			byName[route.def.Name] = route.def
		}
	}
	cmds := make([]*discordgo.ApplicationCommand, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		cmds = append(cmds, byName[name])
	}
	return cmds
}

// Handle dispatches i. Unknown commands and components get an ephemeral
// reply; unknown autocomplete requests get an empty choice list.
func (r *CommandRouter) Handle(resp Responder, i *discordgo.InteractionCreate) {
	var (
		handler  HandlerFunc
		route    string
		fallback func()
	)
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		route = routeKey(i.ApplicationCommandData())
		handler = r.lookupSlash(route)
		fallback = func() { RespondEphemeral(resp, i, "Unknown command.") }
	case discordgo.InteractionApplicationCommandAutocomplete:
		route = routeKey(i.ApplicationCommandData())
		handler = r.lookupAutocomplete(route)
		fallback = func() { RespondChoices(resp, i, nil) }
	case discordgo.InteractionMessageComponent:
		route = i.MessageComponentData().CustomID
		handler = r.lookupComponent(route)
		fallback = func() { RespondEphemeral(resp, i, "Unknown component.") }
	default:
		slog.Warn("discord: unhandled interaction type", "type", i.Type)
		return
	}

	if handler == nil {
		slog.Warn("discord: no handler for interaction", "type", i.Type, "route", route, "guild_id", i.GuildID)
		fallback()
		return
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("discord: interaction handler panicked",
				"route", route, "guild_id", i.GuildID, "panic", p, "stack", string(debug.Stack()))
			RespondEphemeral(resp, i, "Something went wrong handling that command.")
		}
	}()
	handler(resp, i)
}

// routeKey is "command" or "command/subcommand".
func routeKey(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + "/" + data.Options[0].Name
	}
	return data.Name
}

func (r *CommandRouter) lookupSlash(key string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slash[key].handler
}

func (r *CommandRouter) lookupAutocomplete(key string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.autocomplete[key]
}

func (r *CommandRouter) lookupComponent(customID string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.components {
		if strings.HasPrefix(customID, c.prefix) {
			return c.handler
		}
	}
	return nil
}
