package einoah

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))

	cfg.QuoteMaxLength = 0
	require.Error(t, structValidator.Struct(cfg))

	cfg = DefaultRuntimeConfig()
	cfg.LogLevel = DBLogLevel("LOUD")
	require.Error(t, structValidator.Struct(cfg))

	cfg = DefaultRuntimeConfig()
	cfg.DiscordErrorMessage = ""
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Error(t, structValidator.Struct(cfg), "discord token is required")

	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	require.NoError(t, structValidator.Struct(cfg))

	cfg.DatabaseType = "mysql"
	require.Error(t, structValidator.Struct(cfg))

	cfg.DatabaseType = DefaultDatabaseType
	cfg.Menu.IdleTimeout = 0
	require.Error(t, structValidator.Struct(cfg))

	cfg.Menu.IdleTimeout = DefaultMenuIdleTimeout
	cfg.API.Enabled = true
	cfg.API.ListenNetwork = "carrier-pigeon"
	require.Error(t, structValidator.Struct(cfg))
}

// TestRuntimeConfigUpdateKeys makes sure every RuntimeConfigUpdate field
// maps to a RuntimeConfig field and column
func TestRuntimeConfigUpdateKeys(t *testing.T) {
	t.Parallel()
	runtimeConfigType := reflect.TypeOf(RuntimeConfig{})
	runtimeConfigFields := make(map[string]bool)
	for i := 0; i < runtimeConfigType.NumField(); i++ {
		jsonTag, _, _ := strings.Cut(runtimeConfigType.Field(i).Tag.Get("json"), ",")
		if jsonTag != "" && jsonTag != "-" {
			runtimeConfigFields[jsonTag] = true
		}
	}

	updateType := reflect.TypeOf(RuntimeConfigUpdate{})
	for i := 0; i < updateType.NumField(); i++ {
		jsonTag, _, _ := strings.Cut(updateType.Field(i).Tag.Get("json"), ",")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		assert.True(
			t,
			runtimeConfigFields[jsonTag],
			"field %s in RuntimeConfigUpdate is not present in RuntimeConfig",
			jsonTag,
		)
	}

	// with every field set, there's one column per field
	status := "status"
	channel := "123"
	errMsg := "oeps"
	rateMsg := "rustig"
	maxLength := 100
	level := DBLogLevelDebug
	update := RuntimeConfigUpdate{
		DiscordCustomStatus:          &status,
		DiscordNotificationChannelID: &channel,
		DiscordErrorMessage:          &errMsg,
		DiscordRateLimitMessage:      &rateMsg,
		QuoteMaxLength:               &maxLength,
		LogLevel:                     &level,
		DiscordLogLevel:              &level,
		DiscordGoLogLevel:            &level,
		DatabaseLogLevel:             &level,
		APILogLevel:                  &level,
		MenuLogLevel:                 &level,
	}
	columns := update.columns()
	assert.Len(t, columns, updateType.NumField())
	for column := range columns {
		assert.True(t, runtimeConfigFields[column], column)
	}
	require.NoError(t, update.validate())
}

func TestRuntimeConfigUpdate_Validate(t *testing.T) {
	t.Parallel()
	assert.Empty(t, RuntimeConfigUpdate{}.columns())
	require.NoError(t, RuntimeConfigUpdate{}.validate())

	empty := ""
	require.Error(t, RuntimeConfigUpdate{DiscordErrorMessage: &empty}.validate())

	tooLong := 5000
	require.Error(t, RuntimeConfigUpdate{QuoteMaxLength: &tooLong}.validate())

	bad := DBLogLevel("LOUD")
	require.Error(t, RuntimeConfigUpdate{MenuLogLevel: &bad}.validate())
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	update := getDiscordPresenceStatusUpdate(cfg)
	assert.Equal(t, string(discordgo.StatusOnline), update.Status)
	assert.Equal(t, discordgo.ActivityTypeCustom, update.Game.Type)
	assert.Equal(t, DefaultDiscordCustomStatus, update.Game.State)

	cfg.DiscordCustomStatus = ""
	update = getDiscordPresenceStatusUpdate(cfg)
	assert.Empty(t, update.Game.State)
}

func TestCORSConfig_GINConfig(t *testing.T) {
	t.Parallel()
	c := DefaultCORSConfig()
	c.AllowOrigins = []string{"https://ei.example"}
	g := c.GINConfig()
	assert.Equal(t, c.AllowOrigins, g.AllowOrigins)
	assert.Equal(t, DefaultCORSAllowMethods, g.AllowMethods)
	assert.Equal(t, DefaultCORSMaxAge, g.MaxAge)
	assert.True(t, g.AllowCredentials)

	// defaults aren't shared between configs
	c.AllowMethods[0] = "PATCH"
	assert.NotEqual(t, "PATCH", DefaultCORSAllowMethods[0])
}
