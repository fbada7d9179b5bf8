package einoah

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	menuCustomIDPrefix = "menu"

	// DefaultMenuActionBuffer is the number of undelivered button presses
	// held per menu before new ones are dropped
	DefaultMenuActionBuffer = 16
)

// menuCustomID encodes a menu control as a component custom ID:
// menu:<session>:<control>
func menuCustomID(sessionID, controlID string) string {
	return strings.Join(
		[]string{menuCustomIDPrefix, sessionID, controlID},
		customIDSeparator,
	)
}

// decodeMenuCustomID reverses menuCustomID. ok is false for custom IDs
// that don't belong to a menu.
func decodeMenuCustomID(customID string) (sessionID, controlID string, ok bool) {
	parts := strings.SplitN(customID, customIDSeparator, 3)
	if len(parts) != 3 || parts[0] != menuCustomIDPrefix {
		return "", "", false
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// menuRouter implements ActionSource for menus published on discord,
// routing component interactions to the session that owns the button.
type menuRouter struct {
	mu      sync.Mutex
	streams map[string]*menuStream
	buffer  int
	logger  *slog.Logger
}

func newMenuRouter(logger *slog.Logger, buffer int) *menuRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultMenuActionBuffer
	}
	return &menuRouter{
		streams: map[string]*menuStream{},
		buffer:  buffer,
		logger:  logger.With(loggerNameKey, "menu_router"),
	}
}

type menuStream struct {
	router    *menuRouter
	sessionID string
	actions   chan MenuAction
}

func (s *menuStream) Actions() <-chan MenuAction {
	return s.actions
}

func (s *menuStream) Stop() {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	if current, ok := s.router.streams[s.sessionID]; ok && current == s {
		delete(s.router.streams, s.sessionID)
	}
}

func (r *menuRouter) Subscribe(sessionID string) ActionStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &menuStream{
		router:    r,
		sessionID: sessionID,
		actions:   make(chan MenuAction, r.buffer),
	}
	r.streams[sessionID] = s
	return s
}

// Len returns the number of subscribed (open) menus
func (r *menuRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// deliver hands the action to the session without blocking, reporting
// whether it was accepted.
func (r *menuRouter) deliver(sessionID string, action MenuAction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[sessionID]
	if !ok {
		return false
	}
	select {
	case s.actions <- action:
		return true
	default:
		r.logger.Warn(
			"menu action buffer full, dropping action",
			"session_id", sessionID,
			"control_id", action.ControlID,
		)
		return false
	}
}

// Dispatch routes a component interaction to its menu, returning false
// if the interaction's custom ID isn't a menu control. Menu interactions
// are acknowledged with a deferred update, as the session edits the
// message itself.
func (r *menuRouter) Dispatch(ctx context.Context, handler InteractionHandler) bool {
	i := handler.GetInteraction()
	if i == nil || i.Type != discordgo.InteractionMessageComponent {
		return false
	}
	sessionID, controlID, ok := decodeMenuCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return false
	}

	logger := handler.Logger().With("session_id", sessionID, "control_id", controlID)
	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate},
	); err != nil {
		logger.WarnContext(ctx, "error acknowledging menu interaction", tint.Err(err))
	}

	var actorID string
	if u := getDiscordUser(i); u != nil {
		actorID = u.ID
	}
	if !r.deliver(sessionID, MenuAction{ControlID: controlID, ActorID: actorID}) {
		logger.DebugContext(ctx, "menu action not delivered")
	}
	return true
}

// interactionMenuSurface publishes menus as a follow-up to a deferred
// slash command interaction.
type interactionMenuSurface struct {
	session     DiscordSessionHandler
	interaction *discordgo.Interaction
	logger      *slog.Logger
}

func newInteractionMenuSurface(
	session DiscordSessionHandler,
	interaction *discordgo.Interaction,
	logger *slog.Logger,
) interactionMenuSurface {
	if logger == nil {
		logger = slog.Default()
	}
	return interactionMenuSurface{
		session:     session,
		interaction: interaction,
		logger:      logger,
	}
}

func (s interactionMenuSurface) Publish(
	ctx context.Context,
	view MenuView,
) (MenuArtifact, error) {
	msg, err := s.session.FollowupMessageCreate(
		s.interaction,
		true,
		&discordgo.WebhookParams{
			Content:         view.Content,
			Components:      view.Components(),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.ID == "" {
		return nil, ErrInvalidHandoff
	}
	return &followupArtifact{
		session:     s.session,
		interaction: s.interaction,
		messageID:   msg.ID,
		logger:      s.logger.With("message_id", msg.ID),
	}, nil
}

// followupArtifact is a menu published with interactionMenuSurface
type followupArtifact struct {
	session     DiscordSessionHandler
	interaction *discordgo.Interaction
	messageID   string
	logger      *slog.Logger
}

func (a *followupArtifact) Update(ctx context.Context, view MenuView) error {
	components := view.Components()
	_, err := a.session.FollowupMessageEdit(
		a.interaction,
		a.messageID,
		&discordgo.WebhookEdit{
			Content:    &view.Content,
			Components: &components,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error editing menu message: %w", err)
	}
	return nil
}

func (a *followupArtifact) Delete(ctx context.Context) error {
	if err := a.session.FollowupMessageDelete(
		a.interaction,
		a.messageID,
		discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("error deleting menu message: %w", err)
	}
	a.logger.DebugContext(ctx, "deleted menu message")
	return nil
}
