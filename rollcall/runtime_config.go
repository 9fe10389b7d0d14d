package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnRuntimeConfigAdminUsername                = "admin_username"
	columnRuntimeConfigAdminPassword                = "admin_password"
	columnRuntimeConfigDiscordNotificationChannelID = "discord_notification_channel_id"
	columnRuntimeConfigPaused                       = "paused"
)

// CommandOptions holds settings applied to every slash command
//
//nolint:lll // struct tags can't be split
type CommandOptions struct {
	// RecoverPanic determines whether the bot should recover from panics
	// while processing user commands
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// Error message to send to the user if an unexpected error is
	// encountered while handling their command
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// Sent to users running a command while the bot is paused
	DiscordPausedMessage string `json:"discord_paused_message" gorm:"type:string"`

	// If specified, the bot will post certain events to the specified
	// channel, such as when it connects, or when an event starts and the
	// event has no channel of its own.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// EphemeralResponses hides command responses from other users
	EphemeralResponses bool `json:"ephemeral_responses" gorm:"not null;default:true"`

	// EventListLimit caps the number of events shown by '/event list'
	EventListLimit int `json:"event_list_limit" gorm:"not null;default:10" binding:"min=1,max=25"`
}

// RuntimeConfig represents the runtime configuration of the bot.
// It stores settings that can be modified during runtime and persisted
// across restarts (e.g., being paused, log levels).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// Paused indicates whether the bot is currently paused. While paused,
	// commands get DiscordPausedMessage and scheduler sweeps are skipped.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection.
	// If the bot receives slash commands via gateway, this is required.
	// If the bot receives commands via webhook, enabling this allows the
	// bot to appear online and set its status.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`

	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	SchedulerLogLevel      DBLogLevel `gorm:"default:INFO;type:string;check:scheduler_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"scheduler_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			RecoverPanic:         false,
			DiscordErrorMessage:  DefaultDiscordErrorMessage,
			DiscordPausedMessage: DefaultDiscordPausedMessage,
			EphemeralResponses:   true,
			EventListLimit:       DefaultEventListLimit,
		},
		DiscordGatewayEnabled:  true,
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
		LogLevel:               DBLogLevelInfo,
		DiscordLogLevel:        DBLogLevelInfo,
		DiscordGoLogLevel:      DBLogLevelWarn,
		DatabaseLogLevel:       DBLogLevelInfo,
		DiscordWebhookLogLevel: DBLogLevelInfo,
		APILogLevel:            DBLogLevelInfo,
		SchedulerLogLevel:      DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update to [RuntimeConfig]. Nil
// fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordPausedMessage         *string `json:"discord_paused_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	EphemeralResponses *bool `json:"ephemeral_responses,omitempty"`
	EventListLimit     *int  `json:"event_list_limit,omitempty" binding:"omitnil,min=1,max=25"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	SchedulerLogLevel      *DBLogLevel `json:"scheduler_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// apply copies every non-nil field of b onto cfg, returning the
// changed columns and their new values
func (b RuntimeConfigUpdate) apply(cfg *RuntimeConfig) map[string]any {
	changed := map[string]any{}
	set := func(column string, dst any, src any) {
		switch d := dst.(type) {
		case *bool:
			if v := src.(*bool); v != nil && *d != *v {
				*d = *v
				changed[column] = *v
			}
		case *string:
			if v := src.(*string); v != nil && *d != *v {
				*d = *v
				changed[column] = *v
			}
		case *int:
			if v := src.(*int); v != nil && *d != *v {
				*d = *v
				changed[column] = *v
			}
		case *DBLogLevel:
			if v := src.(*DBLogLevel); v != nil && *d != *v {
				*d = *v
				changed[column] = *v
			}
		}
	}

	set(columnRuntimeConfigPaused, &cfg.Paused, b.Paused)
	set("recover_panic", &cfg.RecoverPanic, b.RecoverPanic)
	set("discord_gateway_enabled", &cfg.DiscordGatewayEnabled, b.DiscordGatewayEnabled)
	set("discord_custom_status", &cfg.DiscordCustomStatus, b.DiscordCustomStatus)
	set("discord_error_message", &cfg.DiscordErrorMessage, b.DiscordErrorMessage)
	set("discord_paused_message", &cfg.DiscordPausedMessage, b.DiscordPausedMessage)
	set(
		columnRuntimeConfigDiscordNotificationChannelID,
		&cfg.DiscordNotificationChannelID,
		b.DiscordNotificationChannelID,
	)
	set("ephemeral_responses", &cfg.EphemeralResponses, b.EphemeralResponses)
	set("event_list_limit", &cfg.EventListLimit, b.EventListLimit)
	set("log_level", &cfg.LogLevel, b.LogLevel)
	set("discord_log_level", &cfg.DiscordLogLevel, b.DiscordLogLevel)
	set("discordgo_log_level", &cfg.DiscordGoLogLevel, b.DiscordGoLogLevel)
	set("database_log_level", &cfg.DatabaseLogLevel, b.DatabaseLogLevel)
	set("discord_webhook_log_level", &cfg.DiscordWebhookLogLevel, b.DiscordWebhookLogLevel)
	set("api_log_level", &cfg.APILogLevel, b.APILogLevel)
	set("scheduler_log_level", &cfg.SchedulerLogLevel, b.SchedulerLogLevel)
	return changed
}

// loadRuntimeConfig returns the stored RuntimeConfig, creating it with
// defaults if none exists yet
func loadRuntimeConfig(ctx context.Context, db DBI) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			err := tx.Take(&cfg).Error
			if err == nil {
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			cfg = DefaultRuntimeConfig()
			return tx.Create(&cfg).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error loading runtime config: %w", err)
	}
	return &cfg, nil
}

// updateRuntimeConfig validates and applies update to the stored
// config, returning the new config and the changed columns
func updateRuntimeConfig(
	ctx context.Context,
	db DBI,
	update RuntimeConfigUpdate,
) (*RuntimeConfig, map[string]any, error) {
	if err := update.validate(); err != nil {
		return nil, nil, err
	}
	var cfg RuntimeConfig
	var changed map[string]any
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Take(&cfg).Error; err != nil {
				return err
			}
			changed = update.apply(&cfg)
			if len(changed) == 0 {
				return nil
			}
			return tx.Model(&cfg).Updates(changed).Error
		},
	)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, changed, nil
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: config.DiscordCustomStatus,
			},
		},
	}
}
