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

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/provnuk88/dsv2-sub000/rollcall"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = rollcall.DefaultConfig()
	configFile string
)

// logLevelKeys are converted from strings to *slog.LevelVar after the
// environment is loaded
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"scheduler.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "rollcall [flags]",
	Short: "Discord bot for event registration, waitlists and access keys",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ("DEBUG", "INFO", ...)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", rollcall.DefaultDatabase)
	viper.SetDefault("database_type", rollcall.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		rollcall.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		rollcall.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", rollcall.DefaultRuntimeConfigTTL)

	viper.SetDefault("log_level", rollcall.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", rollcall.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", rollcall.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", rollcall.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		rollcall.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		rollcall.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		rollcall.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", rollcall.DefaultDiscordStartupMessage)
	viper.SetDefault(
		"discord.dm_requests_per_second",
		rollcall.DefaultDiscordDMRequestsPerSecond,
	)
	viper.SetDefault("discord.dm_burst", rollcall.DefaultDiscordDMBurst)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		rollcall.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		rollcall.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		rollcall.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		rollcall.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		rollcall.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		rollcall.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		rollcall.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))

	// API config
	viper.SetDefault("api.listen", rollcall.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		rollcall.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", rollcall.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		rollcall.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", rollcall.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", rollcall.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.tls_min_version", rollcall.DefaultUITLSMinVersion)
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		rollcall.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		rollcall.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		rollcall.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", rollcall.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		rollcall.DefaultAPICORSAllowCredentials,
	)

	// Scheduler config
	viper.SetDefault("scheduler.disabled", false)
	viper.SetDefault(
		"scheduler.reminder_interval",
		rollcall.DefaultSchedulerReminderInterval,
	)
	viper.SetDefault(
		"scheduler.closure_interval",
		rollcall.DefaultSchedulerClosureInterval,
	)
	viper.SetDefault(
		"scheduler.reminder_window",
		rollcall.DefaultSchedulerReminderWindow,
	)
	viper.SetDefault("scheduler.lock_ttl", rollcall.DefaultSchedulerLockTTL)
	viper.SetDefault(
		"scheduler.log_level",
		rollcall.DefaultSchedulerLogLevel.String(),
	)

	// Redis (optional)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", rollcall.DefaultRedisKeyPrefix)
	fatalErr(viper.BindEnv("redis.addr"))
	fatalErr(viper.BindEnv("redis.username"))
	fatalErr(viper.BindEnv("redis.password"))

	envPrefix := os.Getenv(rollcall.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = rollcall.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		// already converted by an earlier initialization
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
