package einoah

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	quoteMenuTitleGet    = "**Kiest U Maar**"
	quoteMenuTitleRemove = "**Selecteer welke quote(s) je wil verwijderen**"
	quoteMarkedPrefix    = "✅"
	quoteDeleteControlID = "delete"
	quoteEmbedColor      = 0xF5A623

	msgGuildOnly        = "Dit commando werkt alleen in een server"
	msgNotAPerson       = "Ok, dat is niet een persoon, mention iemand"
	msgMissingMention   = "Hoe moeilijk is het om daar een mention neer te zetten?"
	msgNoQuotesCreated  = "Jij hebt geen quotes aangemaakt voor deze user"
	msgNoGuildQuotes    = "Deze server heeft nog geen quotes"
	msgMessageNotFound  = "Ik heb hard gezocht, maar kon het gegeven bericht is niet vinden"
	msgMessageNoContent = "Bericht heeft geen inhoud"
	msgQuoteNoContent   = "Quote heeft geen inhoud"
	msgNoQuotesRemoved  = "Geen quote(s) verwijderd"
	msgQuoteTooLongFmt  = "Quotes kunnen niet langer zijn dan %d karakters"
	msgNotPopularFmt    = "%s is niet populair en heeft nog geen quotes"
	msgQuotesRemovedFmt = "%d quotes verwijderd"
	msgOneQuoteRemoved  = "1 quote verwijderd"
)

var quoteHelpText = strings.Join(
	[]string{
		"**Hou quotes van je makkermaten bij!**",
		"Mogelijke Commandos:",
		"`/quote random`: Verstuur een random quote van de server",
		"`/quote get <@member>`: Verstuur een quote van dat persoon",
		"`/quote add <@member> <quote>`: Sla een nieuwe quote op van dat persoon",
		"`/quote remove <@member>`: Verwijder een selectie aan quotes van dat persoon",
		"`Apps > " + DiscordMessageCommandSaveQuote + "`: Sla een bericht op als quote van de schrijver",
		"> Je kan alleen de quotes verwijderen die je voor dat persoon geschreven hebt",
		"> Alleen quotes van jezelf kan je volledig beheren",
	},
	"\n",
)

// handleQuoteCommand runs a `/quote` subcommand. Everything but `help`
// is deferred, then answered by editing the response, or by opening a
// menu as a follow-up.
func (e *EiNoah) handleQuoteCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = handler.Logger()
	}

	if i.GuildID == "" {
		respondEphemeral(ctx, handler, msgGuildOnly)
		return
	}

	subcommand, options := discordInteractionOptions(i)
	logger = logger.With("subcommand", subcommand)
	ctx = WithLogger(ctx, logger)

	if subcommand == quoteSubcommandHelp {
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{Content: quoteHelpText},
			},
		)
		return
	}

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		return
	}

	var reply *discordgo.WebhookEdit
	var err error
	switch subcommand {
	case quoteSubcommandGet:
		reply, err = e.quoteGet(ctx, handler, options)
	case quoteSubcommandAdd:
		reply, err = e.quoteAdd(ctx, handler, options)
	case quoteSubcommandRemove:
		reply, err = e.quoteRemove(ctx, handler, options)
	case quoteSubcommandRandom:
		reply, err = e.quoteRandom(ctx, i.GuildID)
	default:
		err = fmt.Errorf("unknown subcommand: %q", subcommand)
	}
	e.finishDeferred(ctx, handler, reply, err)
}

// handleSaveQuoteCommand saves the message targeted by the message
// command as a quote of its author, dated when it was sent.
func (e *EiNoah) handleSaveQuoteCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	if i.GuildID == "" {
		respondEphemeral(ctx, handler, msgGuildOnly)
		return
	}

	msg := targetMessage(i)
	switch {
	case msg == nil || msg.Author == nil:
		respondEphemeral(ctx, handler, msgMessageNotFound)
		return
	case strings.TrimSpace(msg.Content) == "":
		respondEphemeral(ctx, handler, msgMessageNoContent)
		return
	}

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		return
	}

	reply, err := e.saveQuote(
		ctx,
		handler,
		msg.Author,
		msg.ContentWithMentionsReplaced(),
		msg.Timestamp,
		msgMessageNoContent,
	)
	e.finishDeferred(ctx, handler, reply, err)
}

// finishDeferred edits the deferred response with reply, or with the
// configured error message if err is set. A nil reply with no error
// means a menu took over the response.
func (*EiNoah) finishDeferred(
	ctx context.Context,
	handler InteractionHandler,
	reply *discordgo.WebhookEdit,
	err error,
) {
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok {
			logger = handler.Logger()
		}
		logger.ErrorContext(ctx, "error running command", tint.Err(err))
		reply = contentReply(handler.Config().DiscordErrorMessage)
	}
	if reply == nil {
		return
	}
	_, _ = handler.Edit(ctx, reply)
}

func (e *EiNoah) quoteGet(
	ctx context.Context,
	handler InteractionHandler,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.WebhookEdit, error) {
	i := handler.GetInteraction()
	target := optionUser(i, options[quoteOptionPerson])
	if target == nil {
		return contentReply(msgNotAPerson), nil
	}

	quoted, err := getUserGuildData(ctx, e.writeDB, i.GuildID, target)
	if err != nil {
		return nil, err
	}
	quotes, err := listQuotes(ctx, e.db, quoted.ID, 0)
	if err != nil {
		return nil, err
	}

	switch len(quotes) {
	case 0:
		return contentReply(fmt.Sprintf(msgNotPopularFmt, target.Username)), nil
	case 1:
		return embedReply(quoteEmbed(quotes[0])), nil
	}

	return nil, e.openQuoteMenu(
		ctx,
		handler,
		MenuOptions[Quote]{
			Title: quoteMenuTitleGet,
			Items: quotes,
			Mapper: func(_ context.Context, q Quote) (string, error) {
				return q.Text, nil
			},
			OnSelect: func(ctx context.Context, q Quote) MenuResult {
				e.followupQuote(ctx, handler, q)
				return MenuClose
			},
		},
	)
}

func (e *EiNoah) quoteAdd(
	ctx context.Context,
	handler InteractionHandler,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.WebhookEdit, error) {
	i := handler.GetInteraction()
	target := optionUser(i, options[quoteOptionPerson])
	if target == nil {
		return contentReply(msgNotAPerson), nil
	}
	var text string
	if opt := options[quoteOptionText]; opt != nil && opt.Type == discordgo.ApplicationCommandOptionString {
		text = opt.StringValue()
	}
	return e.saveQuote(ctx, handler, target, text, time.Now(), msgQuoteNoContent)
}

// saveQuote stores text as a quote of target, created by the interaction's
// user, replying with the new quote's embed
func (e *EiNoah) saveQuote(
	ctx context.Context,
	handler InteractionHandler,
	target *discordgo.User,
	text string,
	date time.Time,
	emptyMessage string,
) (*discordgo.WebhookEdit, error) {
	i := handler.GetInteraction()
	creator, quoted, err := e.requesterAndTarget(ctx, i, target)
	if err != nil {
		return nil, err
	}

	maxLength := handler.Config().QuoteMaxLength
	if maxLength <= 0 {
		maxLength = DefaultQuoteMaxLength
	}
	quote, err := addQuote(ctx, e.writeDB, text, date, quoted, creator, maxLength)
	switch {
	case errors.Is(err, ErrQuoteTooLong):
		return contentReply(fmt.Sprintf(msgQuoteTooLongFmt, maxLength)), nil
	case errors.Is(err, ErrQuoteEmpty):
		return contentReply(emptyMessage), nil
	case err != nil:
		return nil, err
	}

	if logger, ok := ContextLogger(ctx); ok {
		logger.InfoContext(ctx, "added quote", "quote_id", quote.ID, "quoted", target.ID)
	}
	return embedReply(quoteEmbed(*quote)), nil
}

func (e *EiNoah) quoteRemove(
	ctx context.Context,
	handler InteractionHandler,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.WebhookEdit, error) {
	i := handler.GetInteraction()
	target := optionUser(i, options[quoteOptionUser])
	if target == nil {
		return contentReply(msgMissingMention), nil
	}

	requester, quoted, err := e.requesterAndTarget(ctx, i, target)
	if err != nil {
		return nil, err
	}

	// users manage all of their own quotes, and admins all quotes.
	// Otherwise, only the quotes the requester added are listed.
	var creatorID uint
	if quoted.ID != requester.ID && !isAdministrator(i) {
		creatorID = requester.ID
	}

	quotes, err := listQuotes(ctx, e.db, quoted.ID, creatorID)
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return contentReply(msgNoQuotesCreated), nil
	}

	marked := &quoteSelection{ids: map[uint]struct{}{}}
	return nil, e.openQuoteMenu(
		ctx,
		handler,
		MenuOptions[Quote]{
			Title: quoteMenuTitleRemove,
			Items: quotes,
			Mapper: func(_ context.Context, q Quote) (string, error) {
				if marked.Has(q.ID) {
					return quoteMarkedPrefix + q.Text, nil
				}
				return q.Text, nil
			},
			OnSelect: func(_ context.Context, q Quote) MenuResult {
				marked.Toggle(q.ID)
				return MenuContinue
			},
			ExtraActions: []ExtraAction{
				{
					Button: discordgo.Button{
						Label:    "❌",
						Style:    discordgo.DangerButton,
						CustomID: quoteDeleteControlID,
					},
					Callback: func(ctx context.Context) MenuResult {
						e.removeMarkedQuotes(ctx, handler, marked.IDs())
						return MenuClose
					},
				},
			},
		},
	)
}

// removeMarkedQuotes deletes the given quotes, and reports how many were
// deleted in a follow-up
func (e *EiNoah) removeMarkedQuotes(
	ctx context.Context,
	handler InteractionHandler,
	ids []uint,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = handler.Logger()
	}

	deleted, err := deleteQuotes(ctx, e.writeDB, ids)
	content := removedQuotesMessage(deleted)
	if err != nil {
		logger.ErrorContext(ctx, "error removing quotes", tint.Err(err), "quote_ids", ids)
		content = handler.Config().DiscordErrorMessage
	} else {
		logger.InfoContext(ctx, "removed quotes", "quote_ids", ids, "deleted", deleted)
	}

	if _, err = handler.Followup(
		ctx,
		&discordgo.WebhookParams{
			Content:         content,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error sending follow-up", tint.Err(err))
	}
}

func removedQuotesMessage(n int64) string {
	switch n {
	case 0:
		return msgNoQuotesRemoved
	case 1:
		return msgOneQuoteRemoved
	default:
		return fmt.Sprintf(msgQuotesRemovedFmt, n)
	}
}

func (e *EiNoah) quoteRandom(ctx context.Context, guildID string) (*discordgo.WebhookEdit, error) {
	quote, err := randomQuote(ctx, e.db, guildID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return contentReply(msgNoGuildQuotes), nil
	case err != nil:
		return nil, err
	}
	return embedReply(quoteEmbed(*quote)), nil
}

// openQuoteMenu opens a menu owned by the interaction's user, published
// as a follow-up to the interaction
func (e *EiNoah) openQuoteMenu(
	ctx context.Context,
	handler InteractionHandler,
	opts MenuOptions[Quote],
) error {
	i := handler.GetInteraction()
	user := getDiscordUser(i)
	if user == nil {
		return ErrMenuNoOwner
	}
	opts.Owner = user.ID
	opts.IdleTimeout = e.config.Menu.IdleTimeout

	logger := e.menuLogger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	opts.Logger = logger

	menu, err := OpenMenu(
		ctx,
		newInteractionMenuSurface(e.discord.session, i.Interaction, logger),
		e.menus,
		opts,
	)
	if err != nil {
		return err
	}
	e.trackMenu(menu)
	return nil
}

// followupQuote posts the quote's embed as a new message
func (*EiNoah) followupQuote(ctx context.Context, handler InteractionHandler, q Quote) {
	if _, err := handler.Followup(
		ctx,
		&discordgo.WebhookParams{
			Embeds:          []*discordgo.MessageEmbed{quoteEmbed(q)},
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	); err != nil {
		handler.Logger().ErrorContext(ctx, "error sending quote", tint.Err(err))
	}
}

// requesterAndTarget gets the guild users of the interaction's user and
// of target, which may be the same user
func (e *EiNoah) requesterAndTarget(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	target *discordgo.User,
) (requester *GuildUser, quoted *GuildUser, err error) {
	requester, err = getUserGuildData(ctx, e.writeDB, i.GuildID, getDiscordUser(i))
	if err != nil {
		return nil, nil, err
	}
	if target.ID == requester.UserID {
		return requester, requester, nil
	}
	quoted, err = getUserGuildData(ctx, e.writeDB, i.GuildID, target)
	if err != nil {
		return nil, nil, err
	}
	return requester, quoted, nil
}

// quoteEmbed renders a quote with its author, creator and date. The
// quote's GuildUser.User and Creator.User should be loaded.
func quoteEmbed(q Quote) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Description: strings.ReplaceAll(q.Text, "`", "\\`"),
		Color:       quoteEmbedColor,
	}
	if !q.Date.IsZero() {
		embed.Timestamp = q.Date.Format(time.RFC3339)
	}
	if q.GuildUser != nil && q.GuildUser.User != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    q.GuildUser.User.Username,
			IconURL: q.GuildUser.User.AvatarURL(),
		}
	}
	if q.Creator != nil && q.Creator.User != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text:    "Door " + q.Creator.User.Username,
			IconURL: q.Creator.User.AvatarURL(),
		}
	}
	return embed
}

func contentReply(content string) *discordgo.WebhookEdit {
	return &discordgo.WebhookEdit{
		Content:         &content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}

func embedReply(embed *discordgo.MessageEmbed) *discordgo.WebhookEdit {
	content := ""
	return &discordgo.WebhookEdit{
		Content: &content,
		Embeds:  &[]*discordgo.MessageEmbed{embed},
	}
}

// optionUser returns the user picked for a user option, preferring the
// full user from the interaction's resolved data
func optionUser(
	i *discordgo.InteractionCreate,
	opt *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.User {
	if opt == nil || opt.Type != discordgo.ApplicationCommandOptionUser {
		return nil
	}
	id, ok := opt.Value.(string)
	if !ok || id == "" {
		return nil
	}
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if u, found := resolved.Users[id]; found && u != nil {
			return u
		}
	}
	return &discordgo.User{ID: id}
}

// targetMessage returns the message a message command was used on
func targetMessage(i *discordgo.InteractionCreate) *discordgo.Message {
	data := i.ApplicationCommandData()
	if data.Resolved == nil || data.TargetID == "" {
		return nil
	}
	return data.Resolved.Messages[data.TargetID]
}

func isAdministrator(i *discordgo.InteractionCreate) bool {
	return i.Member != nil && i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

// quoteSelection is the set of quotes marked for removal
type quoteSelection struct {
	mu  sync.Mutex
	ids map[uint]struct{}
}

func (s *quoteSelection) Toggle(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		delete(s.ids, id)
		return
	}
	s.ids[id] = struct{}{}
}

func (s *quoteSelection) Has(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// IDs returns the marked quote IDs in ascending order
func (s *quoteSelection) IDs() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
