package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/dotBeFoRE/ei-noah-bot/einoah"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = einoah.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "ei-noah [flags]",
	Short:         "Ei Noah, a discord bot for quotes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return decodeConfig(cfg)
	},
}

// decodeConfig decodes the current viper settings into c
func decodeConfig(c *einoah.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn", ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(&slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", einoah.DefaultDatabase)
	viper.SetDefault("database_type", einoah.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", einoah.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", einoah.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", einoah.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", einoah.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", einoah.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", einoah.DefaultRuntimeConfigTTL)
	viper.SetDefault("maintenance_schedule", einoah.DefaultMaintenanceSchedule)
	viper.SetDefault("interaction_log_retention", einoah.DefaultInteractionLogRetention)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", einoah.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", einoah.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", einoah.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", einoah.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.command_rate_limit", einoah.DefaultCommandRateLimit)
	viper.SetDefault("discord.command_rate_burst", einoah.DefaultCommandRateBurst)

	// Menus
	viper.SetDefault("menu.idle_timeout", einoah.DefaultMenuIdleTimeout)
	viper.SetDefault("menu.action_buffer", einoah.DefaultMenuActionBuffer)
	viper.SetDefault("menu.log_level", einoah.DefaultMenuLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.listen", einoah.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", einoah.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", einoah.DefaultAPISessionMaxAge)
	viper.SetDefault("api.login_rate_limit", einoah.DefaultAPILoginRateLimit)
	viper.SetDefault("api.login_rate_burst", einoah.DefaultAPILoginRateBurst)
	viper.SetDefault("api.read_timeout", einoah.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", einoah.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", einoah.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", einoah.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", einoah.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", einoah.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", einoah.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", einoah.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", einoah.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", einoah.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(einoah.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = einoah.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// space-separated lists from the environment
	for _, key := range []string{
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.allow_headers",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load settings from",
	)
}
