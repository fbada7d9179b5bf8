package einoah

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	gin.DefaultWriter = io.Discard
	if os.Getenv("EI_NOAH_TEST_LOGS") == "" {
		defaultLogWriter = io.Discard
	}
	os.Exit(m.Run())
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// newTestConfig returns a valid Config using a sqlite database in a
// temp directory, with the API and scheduled maintenance disabled
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "ei-noah.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"
	cfg.MaintenanceSchedule = ""
	cfg.ShutdownTimeout = 15 * time.Second
	cfg.Menu.IdleTimeout = time.Minute
	return cfg
}

// newTestBot returns an initialized (but not running) bot with a mocked
// discord session. Interactions can be passed to handleInteraction
// directly.
func newTestBot(t testing.TB) (*EiNoah, *mockDiscordSession) {
	t.Helper()
	bot, err := New(newTestConfig(t))
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session
	bot.db = setupTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, bot.initRun(ctx))

	notifier, err := newDBNotifier(bot)
	require.NoError(t, err)
	bot.dbNotifier = notifier
	return bot, session
}

// menuContext returns a context for handling interactions. Menus opened
// with it are closed, and waited on, when the test ends.
func menuContext(t testing.TB, bot *EiNoah) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(
		func() {
			cancel()
			bot.menuWG.Wait()
		},
	)
	return ctx
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	cfg := newTestConfig(t)
	cfg.Discord = nil
	_, err = New(cfg)
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Discord.Token = ""
	bot, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, bot.ValidateConfig())

	cfg.Discord.Token = "token"
	assert.NoError(t, bot.ValidateConfig())
}

func TestInitRun_CreatesRuntimeConfig(t *testing.T) {
	bot, _ := newTestBot(t)

	var stored []RuntimeConfig
	require.NoError(t, bot.db.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, DefaultQuoteMaxLength, stored[0].QuoteMaxLength)
	assert.Equal(t, stored[0].ID, bot.RuntimeConfig().ID)

	// no admin credentials yet
	assert.True(t, bot.pendingSetup.Load())
}

func TestRun(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.MaintenanceSchedule = "@every 1h"
	bot, err := New(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	bot.discord.session = session

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(context.Background())
	}()

	select {
	case <-bot.signalReady:
	case err = <-runErr:
		t.Fatalf("error starting bot: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for bot to start")
	}

	session.mu.Lock()
	assert.Equal(t, 1, session.opened)
	assert.Equal(t, cfg.Discord.GatewayIntents, session.identify.Intents)
	session.mu.Unlock()
	assert.Len(t, session.Commands(), 2)
	require.NotNil(t, bot.scheduler)
	assert.Len(t, bot.scheduler.Entries(), 1)

	bot.signalStop <- struct{}{}

	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	select {
	case <-bot.eventShutdown:
	default:
		t.Fatal("expected shutdown event")
	}

	session.mu.Lock()
	assert.Equal(t, 1, session.closed)
	session.mu.Unlock()
}

func TestRun_ShutdownClosesMenus(t *testing.T) {
	cfg := newTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	bot.discord.session = session

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(runCtx)
	}()
	select {
	case <-bot.signalReady:
	case err = <-runErr:
		t.Fatalf("error starting bot: %v", err)
	}

	requester := newDiscordUser("100", "noah")
	target := newDiscordUser("200", "ei")
	seedQuotes(t, bot, "g1", target, requester, "een", "twee")

	// menus opened while running are closed on shutdown, deleting
	// their message
	i := newSlashCommandInteraction("g1", requester, quoteSubcommandGet, userOption(quoteOptionPerson, target.ID))
	h := newStubHandler(t, i, bot.RuntimeConfig())
	bot.handleInteraction(runCtx, h)
	require.Len(t, session.Followups(), 1)
	assert.Equal(t, 1, bot.menus.Len())

	cancel()
	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.Equal(t, []string{"followup-1"}, session.FollowupDeletes())
	assert.Equal(t, 0, bot.menus.Len())
	assert.Empty(t, h.Followups())
}

func TestHandleInteraction_Ping(t *testing.T) {
	bot, _ := newTestBot(t)
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:   nextInteractionID(),
			Type: discordgo.InteractionPing,
			User: newDiscordUser("100", "noah"),
		},
	}
	h := newStubHandler(t, i, bot.RuntimeConfig())
	bot.handleInteraction(context.Background(), h)

	responses := h.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponsePong, responses[0].Type)
}

func TestHandleInteraction_LogsInteraction(t *testing.T) {
	bot, _ := newTestBot(t)
	user := newDiscordUser("100", "noah")
	i := newSlashCommandInteraction("g1", user, quoteSubcommandHelp)
	bot.handleInteraction(context.Background(), newStubHandler(t, i, bot.RuntimeConfig()))

	var logged InteractionLog
	require.NoError(t, bot.db.Where("interaction_id = ?", i.ID).First(&logged).Error)
	assert.Equal(t, user.ID, logged.UserID)
	assert.Equal(t, DiscordSlashCommandQuote, logged.Command)
	assert.NotZero(t, logged.CreatedAt)
}

func TestHandleInteraction_IgnoresBots(t *testing.T) {
	bot, _ := newTestBot(t)
	user := newDiscordUser("100", "robot")
	user.Bot = true
	h := newStubHandler(t, newSlashCommandInteraction("g1", user, quoteSubcommandHelp), bot.RuntimeConfig())
	bot.handleInteraction(context.Background(), h)
	assert.Empty(t, h.Responses())
}

func TestHandleInteraction_RateLimit(t *testing.T) {
	bot, _ := newTestBot(t)
	bot.commandLimiter = newKeyedLimiter(0.001, 1)
	user := newDiscordUser("100", "noah")
	cfg := bot.RuntimeConfig()

	first := newStubHandler(t, newSlashCommandInteraction("g1", user, quoteSubcommandHelp), cfg)
	bot.handleInteraction(context.Background(), first)
	require.Len(t, first.Responses(), 1)
	assert.Equal(t, quoteHelpText, first.Responses()[0].Data.Content)

	second := newStubHandler(t, newSlashCommandInteraction("g1", user, quoteSubcommandHelp), cfg)
	bot.handleInteraction(context.Background(), second)
	responses := second.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, cfg.DiscordRateLimitMessage, responses[0].Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)

	// other users have their own limit
	other := newStubHandler(t, newSlashCommandInteraction("g1", newDiscordUser("101", "ei"), quoteSubcommandHelp), cfg)
	bot.handleInteraction(context.Background(), other)
	assert.Equal(t, quoteHelpText, other.Responses()[0].Data.Content)
}

func TestHandleInteraction_UnknownCommand(t *testing.T) {
	bot, _ := newTestBot(t)
	i := newSlashCommandInteraction("g1", newDiscordUser("100", "noah"), quoteSubcommandHelp)
	data := i.ApplicationCommandData()
	data.Name = "lobby"
	i.Data = data

	h := newStubHandler(t, i, bot.RuntimeConfig())
	bot.handleInteraction(context.Background(), h)
	responses := h.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, bot.RuntimeConfig().DiscordErrorMessage, responses[0].Data.Content)
}

func TestHandleInteraction_UnknownComponent(t *testing.T) {
	bot, _ := newTestBot(t)
	h := newStubHandler(
		t,
		newComponentInteraction("g1", newDiscordUser("100", "noah"), "something:else"),
		bot.RuntimeConfig(),
	)
	bot.handleInteraction(context.Background(), h)
	responses := h.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, responses[0].Type)
}

func TestHandleRecover(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	assert.NotPanics(
		t,
		func() {
			bot.handleRecover(ctx, errors.New("boom"))
			bot.handleRecover(ctx, "boom")
			bot.handleRecover(ctx, 42)
		},
	)
}

func TestRefreshRuntimeConfig(t *testing.T) {
	bot, session := newTestBot(t)
	bot.discord.connected.Store(true)
	ctx := context.Background()

	current := bot.RuntimeConfig()
	require.NoError(
		t,
		bot.db.Model(&RuntimeConfig{}).
			Where("id = ?", current.ID).
			Updates(
				map[string]any{
					"discord_custom_status": "aan het quoten",
					"quote_max_length":      64,
					"log_level":             DBLogLevelDebug,
				},
			).Error,
	)

	bot.refreshRuntimeConfig(ctx, true)

	updated := bot.RuntimeConfig()
	assert.Equal(t, "aan het quoten", updated.DiscordCustomStatus)
	assert.Equal(t, 64, updated.QuoteMaxLength)
	assert.Equal(t, DBLogLevelDebug, updated.LogLevel)

	session.mu.Lock()
	assert.Equal(t, []string{"aan het quoten"}, session.statuses)
	session.mu.Unlock()
	require.Len(t, session.Commands(), 2)
	for _, opt := range session.Commands()[0].Options {
		if opt.Name != quoteSubcommandAdd {
			continue
		}
		assert.Equal(t, 64, opt.Options[1].MaxLength)
	}
}

func TestPruneInteractionLogs(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()

	old := &InteractionLog{
		InteractionID: "old",
		UserID:        "100",
		CreatedAt:     time.Now().Add(-48 * time.Hour).UnixMilli(),
	}
	recent := &InteractionLog{InteractionID: "recent", UserID: "100"}
	_, err := bot.writeDB.Create(ctx, old)
	require.NoError(t, err)
	_, err = bot.writeDB.Create(ctx, recent)
	require.NoError(t, err)

	pruned, err := pruneInteractionLogs(ctx, bot.writeDB, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var remaining []InteractionLog
	require.NoError(t, bot.db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "recent", remaining[0].InteractionID)
}

func TestRunMaintenance(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	bot.config.InteractionLogRetention = time.Hour

	_, err := bot.writeDB.Create(
		ctx,
		&InteractionLog{
			InteractionID: "old",
			UserID:        "100",
			CreatedAt:     time.Now().Add(-2 * time.Hour).UnixMilli(),
		},
	)
	require.NoError(t, err)

	bot.commandLimiter.idleTTL = -time.Second
	bot.commandLimiter.Allow("100")
	bot.api.loginLimiter.idleTTL = -time.Second
	bot.api.loginLimiter.Allow("127.0.0.1")

	bot.runMaintenance(ctx)

	var count int64
	require.NoError(t, bot.db.Model(&InteractionLog{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Zero(t, bot.commandLimiter.Len())
	assert.Zero(t, bot.api.loginLimiter.Len())
}

func TestStartScheduler_InvalidSchedule(t *testing.T) {
	bot, _ := newTestBot(t)
	bot.config.MaintenanceSchedule = "not a schedule"
	assert.Error(t, bot.startScheduler(context.Background()))
}
