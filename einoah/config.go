//nolint:lll // struct tags can't be split
package einoah

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix    = "EI_NOAH_ENV_PREFIX"
	DefaultEnvPrefix      = "EI"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "ei-noah.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	// DefaultShutdownTimeout leaves enough room for open menus to delete
	// their messages
	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent    = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	DefaultDiscordLogLevel         = slog.LevelWarn
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultDiscordErrorMessage     = "Er is iets misgegaan"
	DefaultDiscordRateLimitMessage = "Rustig aan, probeer het zo nog eens"
	DefaultDiscordCustomStatus     = "/quote help"
	DefaultDiscordStartupMessage   = "Ei Noah is online"

	// DefaultCommandRateLimit is the number of commands a user may run per
	// second, with DefaultCommandRateBurst allowed at once
	DefaultCommandRateLimit = 1.0
	DefaultCommandRateBurst = 5

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPILoginRateLimit       = 1.0
	DefaultAPILoginRateBurst       = 5
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true
	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelWarn
	DefaultRuntimeConfigTTL        = 5 * time.Minute
	DefaultMenuLogLevel            = slog.LevelInfo
	DefaultAPISessionMaxAge        = 6 * time.Hour

	// DefaultMaintenanceSchedule is the cron spec for pruning interaction
	// logs and idle rate limiters
	DefaultMaintenanceSchedule     = "@hourly"
	DefaultInteractionLogRetention = 30 * 24 * time.Hour
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel      *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`
	DatabaseSlowThreshold time.Duration  `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Menu configures interactive selection menus
	Menu *MenuConfig `yaml:"menu" mapstructure:"menu" json:"menu"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time the bot has to connect and
	// register commands
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL, when above 0, reloads RuntimeConfig from the database
	// at least this often. With postgres, updates are also announced with
	// LISTEN/NOTIFY.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// MaintenanceSchedule is a cron spec (or descriptor like "@hourly")
	// for periodic cleanup. Empty disables it.
	MaintenanceSchedule string `yaml:"maintenance_schedule" mapstructure:"maintenance_schedule" json:"maintenance_schedule"`

	// InteractionLogRetention is how long InteractionLog records are kept.
	// 0 keeps them forever.
	InteractionLogRetention time.Duration `yaml:"interaction_log_retention" mapstructure:"interaction_log_retention" json:"interaction_log_retention"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID, if set, registers commands to this guild only instead of globally
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	LogLevel          *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Sent to RuntimeConfig.DiscordNotificationChannelID, if set, on connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CommandRateLimit is the sustained number of commands per second
	// allowed per user
	CommandRateLimit float64 `yaml:"command_rate_limit" mapstructure:"command_rate_limit" json:"command_rate_limit" binding:"gte=0"`
	CommandRateBurst int     `yaml:"command_rate_burst" mapstructure:"command_rate_burst" json:"command_rate_burst" binding:"gte=0"`
}

// MenuConfig configures interactive selection menus
type MenuConfig struct {
	// IdleTimeout closes a menu after this long without input from its owner
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// ActionBuffer is the number of pending button presses held per menu
	ActionBuffer int `yaml:"action_buffer" mapstructure:"action_buffer" json:"action_buffer" binding:"min=1"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Failed and successful logins per second, per client IP
	LoginRateLimit float64 `yaml:"login_rate_limit" mapstructure:"login_rate_limit" json:"login_rate_limit" binding:"gte=0"`
	LoginRateBurst int     `yaml:"login_rate_burst" mapstructure:"login_rate_burst" json:"login_rate_burst" binding:"gte=0"`

	// Secret is used to sign session cookies. If empty, a random secret
	// is generated, and sessions don't survive restarts.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"`

	// Development enables pprof routes, and relaxes cookie and CORS settings
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	levelVar := func(level slog.Level) *slog.LevelVar {
		v := &slog.LevelVar{}
		v.Set(level)
		return v
	}

	return &Config{
		DatabaseType:            DefaultDatabaseType,
		Database:                DefaultDatabase,
		DatabaseLogLevel:        levelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold:   DefaultDatabaseSlowThreshold,
		LogLevel:                levelVar(DefaultLogLevel),
		StartupTimeout:          DefaultStartupTimeout,
		ShutdownTimeout:         DefaultShutdownTimeout,
		RuntimeConfigTTL:        DefaultRuntimeConfigTTL,
		MaintenanceSchedule:     DefaultMaintenanceSchedule,
		InteractionLogRetention: DefaultInteractionLogRetention,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
			CommandRateLimit:  DefaultCommandRateLimit,
			CommandRateBurst:  DefaultCommandRateBurst,
		},
		Menu: &MenuConfig{
			IdleTimeout:  DefaultMenuIdleTimeout,
			ActionBuffer: DefaultMenuActionBuffer,
			LogLevel:     levelVar(DefaultMenuLogLevel),
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          levelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			LoginRateLimit:    DefaultAPILoginRateLimit,
			LoginRateBurst:    DefaultAPILoginRateBurst,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
