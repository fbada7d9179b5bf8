package einoah

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubInteractionHandler implements InteractionHandler, recording the
// responses, edits and follow-ups sent for the interaction.
type stubInteractionHandler struct {
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      RuntimeConfig

	mu        sync.Mutex
	responds  []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	followups []*discordgo.WebhookParams
}

func newStubHandler(t testing.TB, i *discordgo.InteractionCreate, cfg RuntimeConfig) *stubInteractionHandler {
	t.Helper()
	return &stubInteractionHandler{
		interaction: i,
		config:      cfg,
		logger: slog.New(
			tint.NewHandler(io.Discard, &tint.Options{Level: slog.LevelDebug}),
		).With("test_name", t.Name()),
	}
}

func (s *stubInteractionHandler) Respond(_ context.Context, r *discordgo.InteractionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responds = append(s.responds, r)
	return nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	return &discordgo.Message{}, nil
}

func (s *stubInteractionHandler) Followup(
	_ context.Context,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followups = append(s.followups, params)
	return &discordgo.Message{ID: fmt.Sprintf("stub-followup-%d", len(s.followups))}, nil
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

func (s *stubInteractionHandler) Config() RuntimeConfig {
	return s.config
}

func (s *stubInteractionHandler) Responses() []*discordgo.InteractionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*discordgo.InteractionResponse{}, s.responds...)
}

func (s *stubInteractionHandler) Edits() []*discordgo.WebhookEdit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*discordgo.WebhookEdit{}, s.edits...)
}

func (s *stubInteractionHandler) Followups() []*discordgo.WebhookParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*discordgo.WebhookParams{}, s.followups...)
}

// lastEditContent returns the content of the last edit, failing the test
// if there were no edits
func (s *stubInteractionHandler) lastEditContent(t testing.TB) string {
	t.Helper()
	edits := s.Edits()
	require.NotEmpty(t, edits)
	last := edits[len(edits)-1]
	require.NotNil(t, last.Content)
	return *last.Content
}

var interactionSeq atomic.Int64

func nextInteractionID() string {
	return fmt.Sprintf("interaction-%d", interactionSeq.Add(1))
}

func newDiscordUser(id, username string) *discordgo.User {
	return &discordgo.User{ID: id, Username: username, GlobalName: username, Discriminator: "0"}
}

// newSlashCommandInteraction returns a guild `/quote <subcommand>`
// interaction from user. User options are added to the resolved users.
func newSlashCommandInteraction(
	guildID string,
	user *discordgo.User,
	subcommand string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	resolved := &discordgo.ApplicationCommandInteractionDataResolved{
		Users: map[string]*discordgo.User{},
	}
	for _, opt := range options {
		if opt.Type == discordgo.ApplicationCommandOptionUser {
			id, _ := opt.Value.(string)
			resolved.Users[id] = &discordgo.User{ID: id, Username: "user-" + id}
		}
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        nextInteractionID(),
			AppID:     "app",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   guildID,
			ChannelID: "channel",
			Member:    &discordgo.Member{User: user},
			Token:     "token",
			Context:   discordgo.InteractionContextGuild,
			Data: discordgo.ApplicationCommandInteractionData{
				ID:          "command",
				Name:        DiscordSlashCommandQuote,
				CommandType: discordgo.ChatApplicationCommand,
				Resolved:    resolved,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:    subcommand,
						Type:    discordgo.ApplicationCommandOptionSubCommand,
						Options: options,
					},
				},
			},
		},
	}
}

// newComponentInteraction returns a button press on a guild message
func newComponentInteraction(
	guildID string,
	user *discordgo.User,
	customID string,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        nextInteractionID(),
			AppID:     "app",
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   guildID,
			ChannelID: "channel",
			Member:    &discordgo.Member{User: user},
			Token:     "token",
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

func userOption(name, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func TestNewInteractionLog(t *testing.T) {
	t.Parallel()
	user := newDiscordUser("u1", "noah")
	i := newSlashCommandInteraction("g1", user, quoteSubcommandRandom)

	log, err := newInteractionLog(i, user)
	require.NoError(t, err)
	assert.Equal(t, i.ID, log.InteractionID)
	assert.Equal(t, DiscordSlashCommandQuote, log.Command)
	assert.Equal(t, "u1", log.UserID)
	assert.Equal(t, "g1", log.GuildID)
	assert.Equal(t, discordgo.InteractionApplicationCommand.String(), log.Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(log.Payload), &payload))
	assert.Equal(t, i.ID, payload["id"])

	button := newComponentInteraction("g1", user, "menu:abc:1")
	log, err = newInteractionLog(button, user)
	require.NoError(t, err)
	assert.Equal(t, "menu:abc:1", log.Command)
}

func TestGatewayHandler(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	i := newSlashCommandInteraction("g1", newDiscordUser("u1", "noah"), quoteSubcommandHelp)
	cfg := DefaultRuntimeConfig()
	h := GatewayHandler{
		session:     session,
		interaction: i,
		logger:      slog.New(tint.NewHandler(io.Discard, nil)),
		config:      cfg,
		mu:          &sync.RWMutex{},
	}
	ctx := context.Background()

	require.NoError(
		t,
		h.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredChannelMessageWithSource},
		),
	)
	session.mu.Lock()
	require.Len(t, session.responses, 1)
	session.mu.Unlock()

	msg, err := h.Followup(ctx, &discordgo.WebhookParams{Content: "hoi"})
	require.NoError(t, err)
	assert.Equal(t, "followup-1", msg.ID)
	assert.Equal(t, cfg, h.Config())
	assert.Same(t, i, h.GetInteraction())
}
