package einoah

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	discordMaxMessageLength       = 2000
	discordMaxButtonsPerActionRow = 5
	discordMaxActionRows          = 5
	discordMaxCustomIDLength      = 100

	// customIDSeparator separates the parts of a component custom ID
	customIDSeparator = ":"

	DiscordSlashCommandQuote       = "quote"
	DiscordMessageCommandSaveQuote = "Quote opslaan"

	quoteSubcommandGet    = "get"
	quoteSubcommandAdd    = "add"
	quoteSubcommandRemove = "remove"
	quoteSubcommandRandom = "random"
	quoteSubcommandHelp   = "help"

	quoteOptionPerson = "persoon"
	quoteOptionText   = "quote"
	quoteOptionUser   = "user"
)

// Discord manages the discord session, and the bot's commands and
// gateway event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *EiNoah
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("discord config required")
	}
	return &Discord{
		config:                      config,
		logger:                      slog.Default(),
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession creates a discordgo session for the configured bot token
func (d *Discord) newSession(client *http.Client) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if client != nil {
		disc.Client = client
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func guildOnlyContexts() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
}

// appCommandQuote creates the `/quote` command, with a subcommand per
// quote operation
func (*Discord) appCommandQuote(config RuntimeConfig) *discordgo.ApplicationCommand {
	dmPerm := false
	minLength := 1
	maxLength := config.QuoteMaxLength
	if maxLength <= 0 {
		maxLength = DefaultQuoteMaxLength
	}

	person := func(name, description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        name,
			Description: description,
			Required:    true,
		}
	}

	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandQuote,
		Type:         discordgo.ChatApplicationCommand,
		Description:  "Onthoud al",
		DMPermission: &dmPerm,
		Contexts:     guildOnlyContexts(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        quoteSubcommandGet,
				Description: "Laat een quote van iemand zien",
				Options: []*discordgo.ApplicationCommandOption{
					person(quoteOptionPerson, "Persoon waarvan je een quote wil zien"),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        quoteSubcommandAdd,
				Description: "Sla een quote op van iemand",
				Options: []*discordgo.ApplicationCommandOption{
					person(quoteOptionPerson, "Degene waarvoor je een quote wil toevoegen"),
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        quoteOptionText,
						Description: "Quote die je wil toevoegen",
						Required:    true,
						MinLength:   &minLength,
						MaxLength:   maxLength,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        quoteSubcommandRemove,
				Description: "Verwijder een quote van iemand",
				Options: []*discordgo.ApplicationCommandOption{
					person(quoteOptionUser, "Gebruiker waarvan je een quote wil verwijderen"),
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        quoteSubcommandRandom,
				Description: "Krijg een random quote van de server",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        quoteSubcommandHelp,
				Description: "Hulp menu voor quote's",
			},
		},
	}
}

// appCommandSaveQuote creates the message context menu command, which
// saves the targeted message as a quote of its author
func (*Discord) appCommandSaveQuote() *discordgo.ApplicationCommand {
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:         DiscordMessageCommandSaveQuote,
		Type:         discordgo.MessageApplicationCommand,
		DMPermission: &dmPerm,
		Contexts:     guildOnlyContexts(),
	}
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, slog.Group("user", userLogAttrs(*r.User)...))
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected")

		if d.bot == nil || d.config.StartupMessage == "" {
			return
		}
		channelID := d.bot.RuntimeConfig().DiscordNotificationChannelID
		if channelID == "" {
			return
		}
		if _, err := d.session.ChannelMessageSend(
			channelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	runtimeConfig RuntimeConfig,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandQuote(runtimeConfig),
		d.appCommandSaveQuote(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error overwriting discord commands: %w", err)
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// DiscordSessionHandler defines the methods of discordgo.Session used by
// the bot, so they can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's custom status. If empty, the
	// custom status is removed.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupMessageCreate sends a follow-up message to an interaction.
	// With wait set, the created message is returned.
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	FollowupMessageEdit(
		interaction *discordgo.Interaction,
		messageID string,
		data *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	FollowupMessageDelete(
		interaction *discordgo.Interaction,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// SetIdentify sets the identify payload sent when connecting to the
	// discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// discordgo.Session
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.FollowupMessageCreate(interaction, wait, data, options...)
	if err != nil {
		d.logger.Error("error creating followup message", tint.Err(err))
	} else if msg != nil {
		d.logger.Debug("created followup message", "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) FollowupMessageEdit(
	interaction *discordgo.Interaction,
	messageID string,
	data *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageEdit(interaction, messageID, data, options...)
}

func (d DiscordSession) FollowupMessageDelete(
	interaction *discordgo.Interaction,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.FollowupMessageDelete(interaction, messageID, options...)
}

// getDiscordUser returns the user that created the interaction. In
// guilds it's only set on the member.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
