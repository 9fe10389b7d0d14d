package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/provnuk88/dsv2-sub000/rollcall"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()
	viper.Reset()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

RC_DATABASE=/home/foo/rollcall.sqlite3
RC_DATABASE_TYPE=sqlite
RC_DATABASE_LOG_LEVEL=INFO
RC_DATABASE_SLOW_THRESHOLD=200ms
RC_LOG_LEVEL=INFO
RC_STARTUP_TIMEOUT=30s
RC_SHUTDOWN_TIMEOUT=60s
RC_RUNTIME_CONFIG_TTL=2m

# Discord bot config

RC_DISCORD_TOKEN=your-discord-bot-token
RC_DISCORD_APPLICATION_ID=your-discord-bot-app-id
RC_DISCORD_GUILD_ID=
RC_DISCORD_LOG_LEVEL=WARN
RC_DISCORD_DISCORDGO_LOG_LEVEL=WARN
RC_DISCORD_STARTUP_MESSAGE="I'm here!"
RC_DISCORD_GATEWAY_INTENTS=4609
RC_DISCORD_DM_REQUESTS_PER_SECOND=1.5
RC_DISCORD_DM_BURST=3

# Discord webhook server

RC_DISCORD_WEBHOOK_SERVER_ENABLED=false
RC_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
RC_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
RC_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
RC_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
RC_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
RC_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
RC_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
RC_DISCORD_WEBHOOK_SERVER_READ_HEADER_TIMEOUT=5s
RC_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=10s
RC_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=30s

# API server

RC_API_LISTEN=127.0.0.1:5000
RC_API_SSL_CERT=/etc/ssl/cert.pem
RC_API_SSL_KEY=/etc/ssl/key.pem
RC_API_SSL_TLS_MIN_VERSION=771
RC_API_SECRET=your-api-secret
RC_API_LOG_LEVEL=DEBUG
RC_API_DEVELOPMENT=true
RC_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
RC_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
RC_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-Request-ID
RC_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length X-Request-ID Location
RC_API_CORS_ALLOW_CREDENTIALS=true
RC_API_CORS_MAX_AGE=12h
RC_API_READ_TIMEOUT=5s
RC_API_READ_HEADER_TIMEOUT=5s
RC_API_WRITE_TIMEOUT=10s
RC_API_IDLE_TIMEOUT=30s
RC_API_SESSION_MAX_AGE=6h

# Scheduler

RC_SCHEDULER_DISABLED=false
RC_SCHEDULER_REMINDER_INTERVAL=30s
RC_SCHEDULER_CLOSURE_INTERVAL=10m
RC_SCHEDULER_REMINDER_WINDOW=2h
RC_SCHEDULER_LOCK_TTL=1m
RC_SCHEDULER_LOG_LEVEL=DEBUG

# Redis

RC_REDIS_ADDR=127.0.0.1:6379
RC_REDIS_PASSWORD=hunter2
RC_REDIS_DB=2
RC_REDIS_KEY_PREFIX=rc-test:
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/rollcall.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/rollcall.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, 2*time.Minute, viper.GetDuration("runtime_config_ttl"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 4609, viper.GetInt("discord.gateway_intents"))

	assert.False(t, viper.GetBool("discord.webhook_server.enabled"))
	assert.Equal(t, "127.0.0.1:5001", viper.GetString("discord.webhook_server.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("discord.webhook_server.ssl.cert"))
	assert.Equal(t, "/etc/ssl/cert.key", viper.GetString("discord.webhook_server.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("discord.webhook_server.ssl.tls_min_version"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)

	assertLogLevel(t, slog.LevelDebug, viper.Get("scheduler.log_level"))
	assert.Equal(t, "127.0.0.1:6379", viper.GetString("redis.addr"))

	// Unmarshal the configuration into a separate rollcall.Config
	var config rollcall.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/rollcall.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 2*time.Minute, config.RuntimeConfigTTL)

	require.NotNil(t, config.Discord)
	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(4609), config.Discord.GatewayIntents)
	assert.InDelta(t, 1.5, config.Discord.DMRequestsPerSecond, 0.0001)
	assert.Equal(t, 3, config.Discord.DMBurst)

	assert.False(t, config.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5001", config.Discord.WebhookServer.Listen)
	assert.Equal(t, "tcp", config.Discord.WebhookServer.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", config.Discord.WebhookServer.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", config.Discord.WebhookServer.SSL.Key)
	assert.Equal(t, uint16(771), config.Discord.WebhookServer.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelInfo, config.Discord.WebhookServer.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", config.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.Discord.WebhookServer.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, config.Discord.WebhookServer.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.Discord.WebhookServer.IdleTimeout)

	require.NotNil(t, config.API)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.True(t, config.API.SSL.Enabled())
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.True(t, config.API.Development)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
	assert.Equal(
		t,
		[]string{"Content-Type", "Content-Length", "X-Request-ID", "Location"},
		config.API.CORS.ExposeHeaders,
	)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)

	require.NotNil(t, config.Scheduler)
	assert.False(t, config.Scheduler.Disabled)
	assert.Equal(t, 30*time.Second, config.Scheduler.ReminderInterval)
	assert.Equal(t, 10*time.Minute, config.Scheduler.ClosureInterval)
	assert.Equal(t, 2*time.Hour, config.Scheduler.ReminderWindow)
	assert.Equal(t, time.Minute, config.Scheduler.LockTTL)
	assert.Equal(t, slog.LevelDebug, config.Scheduler.LogLevel.Level())

	require.NotNil(t, config.Redis)
	assert.Equal(t, "127.0.0.1:6379", config.Redis.Addr)
	assert.Equal(t, "hunter2", config.Redis.Password)
	assert.Equal(t, 2, config.Redis.DB)
	assert.Equal(t, "rc-test:", config.Redis.KeyPrefix)
}

func TestExecuteTwice(t *testing.T) {
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
		},
	)
	os.Clearenv()
	viper.Reset()

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := "RC_LOG_LEVEL=WARN\nRC_SCHEDULER_LOG_LEVEL=DEBUG\n"
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0644))

	for i := 0; i < 2; i++ {
		rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
		require.NoError(t, rootCmd.Execute(), "execution %d", i+1)

		assertLogLevel(t, slog.LevelWarn, viper.Get("log_level"))
		assertLogLevel(t, slog.LevelDebug, viper.Get("scheduler.log_level"))
		assertLogLevel(t, rollcall.DefaultAPILogLevel, viper.Get("api.log_level"))
		assert.Equal(t, slog.LevelWarn, cfg.LogLevel.Level())
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"LOUD", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := getLogLevel(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
