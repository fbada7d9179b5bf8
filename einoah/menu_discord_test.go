package einoah

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMenuCustomID(t *testing.T) {
	t.Parallel()
	customID := menuCustomID("abc", "delete")
	assert.Equal(t, "menu:abc:delete", customID)

	sessionID, controlID, ok := decodeMenuCustomID(customID)
	require.True(t, ok)
	assert.Equal(t, "abc", sessionID)
	assert.Equal(t, "delete", controlID)

	// everything after the session ID is the control ID
	_, controlID, ok = decodeMenuCustomID("menu:abc:x:y")
	require.True(t, ok)
	assert.Equal(t, "x:y", controlID)

	for _, invalid := range []string{"", "menu", "menu:abc", "menu::1", "menu:abc:", "other:abc:1"} {
		_, _, ok = decodeMenuCustomID(invalid)
		assert.False(t, ok, invalid)
	}
}

func TestMenuRouter(t *testing.T) {
	t.Parallel()
	router := newMenuRouter(testMenuLogger(), 2)

	assert.False(t, router.deliver("nope", MenuAction{ControlID: "1"}))

	stream := router.Subscribe("s1")
	assert.Equal(t, 1, router.Len())
	assert.True(t, router.deliver("s1", MenuAction{ControlID: "1", ActorID: "a"}))
	assert.True(t, router.deliver("s1", MenuAction{ControlID: "2", ActorID: "a"}))

	// the buffer is full, so the action is dropped instead of blocking
	assert.False(t, router.deliver("s1", MenuAction{ControlID: "3", ActorID: "a"}))

	assert.Equal(t, MenuAction{ControlID: "1", ActorID: "a"}, <-stream.Actions())
	assert.Equal(t, MenuAction{ControlID: "2", ActorID: "a"}, <-stream.Actions())

	stream.Stop()
	assert.Equal(t, 0, router.Len())
	assert.False(t, router.deliver("s1", MenuAction{ControlID: "1"}))

	// a stale stream doesn't unsubscribe its replacement
	replacement := router.Subscribe("s1")
	stream.Stop()
	assert.Equal(t, 1, router.Len())
	replacement.Stop()
	assert.Equal(t, 0, router.Len())
}

func TestMenuRouter_Dispatch(t *testing.T) {
	t.Parallel()
	router := newMenuRouter(testMenuLogger(), 0)
	stream := router.Subscribe("s1")
	t.Cleanup(stream.Stop)
	user := newDiscordUser("u1", "noah")
	ctx := context.Background()

	h := newStubHandler(t, newComponentInteraction("g1", user, menuCustomID("s1", "right")), DefaultRuntimeConfig())
	require.True(t, router.Dispatch(ctx, h))
	responses := h.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, responses[0].Type)
	assert.Equal(t, MenuAction{ControlID: "right", ActorID: "u1"}, <-stream.Actions())

	// closed menus are still acknowledged
	h = newStubHandler(t, newComponentInteraction("g1", user, menuCustomID("gone", "1")), DefaultRuntimeConfig())
	assert.True(t, router.Dispatch(ctx, h))
	assert.Len(t, h.Responses(), 1)

	h = newStubHandler(t, newComponentInteraction("g1", user, "something_else"), DefaultRuntimeConfig())
	assert.False(t, router.Dispatch(ctx, h))
	assert.Empty(t, h.Responses())

	h = newStubHandler(t, newSlashCommandInteraction("g1", user, quoteSubcommandHelp), DefaultRuntimeConfig())
	assert.False(t, router.Dispatch(ctx, h))
}

func TestInteractionMenuSurface(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	i := newSlashCommandInteraction("g1", newDiscordUser("u1", "noah"), quoteSubcommandGet)
	surface := newInteractionMenuSurface(session, i.Interaction, nil)
	ctx := context.Background()

	view := MenuView{
		Content: "hoi",
		Rows:    menuRows("s1", 2, 0, 1, nil),
	}
	artifact, err := surface.Publish(ctx, view)
	require.NoError(t, err)

	followups := session.Followups()
	require.Len(t, followups, 1)
	assert.Equal(t, "hoi", followups[0].Content)
	assert.Len(t, followups[0].Components, 1)
	require.NotNil(t, followups[0].AllowedMentions)
	assert.Empty(t, followups[0].AllowedMentions.Parse)

	view.Content = "doei"
	require.NoError(t, artifact.Update(ctx, view))
	edits := session.FollowupEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, "followup-1", edits[0].MessageID)
	assert.Equal(t, "doei", *edits[0].Edit.Content)
	require.NotNil(t, edits[0].Edit.Components)
	assert.Len(t, *edits[0].Edit.Components, 1)

	require.NoError(t, artifact.Delete(ctx))
	assert.Equal(t, []string{"followup-1"}, session.FollowupDeletes())

	session.followupDeleteFn = func(string) error { return errMockDiscord }
	assert.ErrorIs(t, artifact.Delete(ctx), errMockDiscord)
}

func TestInteractionMenuSurface_PublishErrors(t *testing.T) {
	t.Parallel()
	i := newSlashCommandInteraction("g1", newDiscordUser("u1", "noah"), quoteSubcommandGet)

	session := newMockDiscordSession()
	session.followupErr = errMockDiscord
	_, err := newInteractionMenuSurface(session, i.Interaction, nil).Publish(context.Background(), MenuView{})
	assert.ErrorIs(t, err, errMockDiscord)

	_, err = newInteractionMenuSurface(
		emptyFollowupSession{newMockDiscordSession()},
		i.Interaction,
		nil,
	).Publish(context.Background(), MenuView{})
	assert.ErrorIs(t, err, ErrInvalidHandoff)
}

// emptyFollowupSession creates follow-ups without returning their ID
type emptyFollowupSession struct {
	*mockDiscordSession
}

func (emptyFollowupSession) FollowupMessageCreate(
	*discordgo.Interaction,
	bool,
	*discordgo.WebhookParams,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}
