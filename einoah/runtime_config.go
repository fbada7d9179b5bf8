package einoah

import (
	"github.com/bwmarrin/discordgo"
)

// RuntimeConfig holds settings that can be changed while the bot is
// running (via the admin API), persisted across restarts.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// DiscordCustomStatus is the custom status shown for the bot
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordNotificationChannelID, if set, receives the startup message
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// DiscordErrorMessage is sent when a command fails unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"required,max=2000"`

	// DiscordRateLimitMessage is sent to users exceeding the command rate limit
	DiscordRateLimitMessage string `json:"discord_rate_limit_message" gorm:"type:string" binding:"required,max=2000"`

	// QuoteMaxLength is the maximum number of characters in a quote
	QuoteMaxLength int `json:"quote_max_length" gorm:"not null;default:256" binding:"min=1,max=4096"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword is the argon2 hash of the admin API password
	AdminPassword string `json:"-" gorm:"type:string"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:WARN;type:string" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:WARN;type:string" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	MenuLogLevel      DBLogLevel `gorm:"default:INFO;type:string" json:"menu_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus:     DefaultDiscordCustomStatus,
		DiscordErrorMessage:     DefaultDiscordErrorMessage,
		DiscordRateLimitMessage: DefaultDiscordRateLimitMessage,
		QuoteMaxLength:          DefaultQuoteMaxLength,
		LogLevel:                DBLogLevelInfo,
		DiscordLogLevel:         DBLogLevelWarn,
		DiscordGoLogLevel:       DBLogLevelWarn,
		DatabaseLogLevel:        DBLogLevelWarn,
		APILogLevel:             DBLogLevelInfo,
		MenuLogLevel:            DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update of RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordRateLimitMessage      *string `json:"discord_rate_limit_message,omitempty" binding:"omitnil,min=1,max=2000"`
	QuoteMaxLength               *int    `json:"quote_max_length,omitempty" binding:"omitnil,min=1,max=4096"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	MenuLogLevel      *DBLogLevel `json:"menu_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columns returns the changed columns, keyed by column name, for
// use with gorm's Updates.
func (u RuntimeConfigUpdate) columns() map[string]any {
	updates := map[string]any{}
	if u.DiscordCustomStatus != nil {
		updates["discord_custom_status"] = *u.DiscordCustomStatus
	}
	if u.DiscordNotificationChannelID != nil {
		updates["discord_notification_channel_id"] = *u.DiscordNotificationChannelID
	}
	if u.DiscordErrorMessage != nil {
		updates["discord_error_message"] = *u.DiscordErrorMessage
	}
	if u.DiscordRateLimitMessage != nil {
		updates["discord_rate_limit_message"] = *u.DiscordRateLimitMessage
	}
	if u.QuoteMaxLength != nil {
		updates["quote_max_length"] = *u.QuoteMaxLength
	}
	for column, level := range map[string]*DBLogLevel{
		"log_level":           u.LogLevel,
		"discord_log_level":   u.DiscordLogLevel,
		"discordgo_log_level": u.DiscordGoLogLevel,
		"database_log_level":  u.DatabaseLogLevel,
		"api_log_level":       u.APILogLevel,
		"menu_log_level":      u.MenuLogLevel,
	} {
		if level != nil {
			updates[column] = *level
		}
	}
	return updates
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.DiscordCustomStatus == "" {
		return discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)}
	}
	return discordgo.GatewayStatusUpdate{
		Status: string(discordgo.StatusOnline),
		Game: discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		},
	}
}
