package rollcall

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeConfigUpdateKeys(t *testing.T) {
	t.Parallel()
	runtimeConfigFields := make(map[string]bool)
	for _, typ := range []reflect.Type{reflect.TypeOf(RuntimeConfig{}), reflect.TypeOf(CommandOptions{})} {
		for i := 0; i < typ.NumField(); i++ {
			jsonTag := typ.Field(i).Tag.Get("json")
			if jsonTag != "" && jsonTag != "-" {
				runtimeConfigFields[jsonTag] = true
			}
		}
	}

	updateType := reflect.TypeOf(RuntimeConfigUpdate{})
	for i := 0; i < updateType.NumField(); i++ {
		jsonTag, _, _ := strings.Cut(updateType.Field(i).Tag.Get("json"), ",")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		if !runtimeConfigFields[jsonTag] {
			t.Errorf("Field %s in RuntimeConfigUpdate is not present in RuntimeConfig", jsonTag)
		}
	}
}

func TestRuntimeConfigUpdate_Apply(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()

	paused := true
	status := cfg.DiscordCustomStatus
	level := DBLogLevelDebug
	changed := RuntimeConfigUpdate{
		Paused:              &paused,
		DiscordCustomStatus: &status,
		SchedulerLogLevel:   &level,
	}.apply(&cfg)

	assert.Equal(
		t,
		map[string]any{
			columnRuntimeConfigPaused: true,
			"scheduler_log_level":     DBLogLevelDebug,
		},
		changed,
		"unchanged values aren't reported",
	)
	assert.True(t, cfg.Paused)
	assert.Equal(t, DBLogLevelDebug, cfg.SchedulerLogLevel)

	assert.Empty(t, RuntimeConfigUpdate{}.apply(&cfg))
}

func TestRuntimeConfigUpdate_Validate(t *testing.T) {
	t.Parallel()
	empty := ""
	assert.Error(t, RuntimeConfigUpdate{DiscordErrorMessage: &empty}.validate())

	limit := 26
	assert.Error(t, RuntimeConfigUpdate{EventListLimit: &limit}.validate())

	limit = 25
	assert.NoError(t, RuntimeConfigUpdate{EventListLimit: &limit}.validate())
	assert.NoError(t, RuntimeConfigUpdate{}.validate())
}

func TestValidateDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))

	cfg.EventListLimit = 0
	require.Error(t, structValidator.Struct(cfg))
}

func TestLoadRuntimeConfig(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	cfg, err := loadRuntimeConfig(ctx, db)
	require.NoError(t, err)
	assert.NotZero(t, cfg.ID)
	assert.True(t, cfg.EphemeralResponses)
	assert.Equal(t, DefaultEventListLimit, cfg.EventListLimit)

	again, err := loadRuntimeConfig(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, again.ID, "only one config row is created")

	off := false
	updated, changed, err := updateRuntimeConfig(ctx, db, RuntimeConfigUpdate{EphemeralResponses: &off})
	require.NoError(t, err)
	assert.Len(t, changed, 1)
	assert.False(t, updated.EphemeralResponses)

	reloaded, err := loadRuntimeConfig(ctx, db)
	require.NoError(t, err)
	assert.False(t, reloaded.EphemeralResponses, "false isn't replaced by the column default")
}

func TestRuntimeConfig_AdminPasswordNotSerialized(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	cfg.AdminUsername = "admin"
	cfg.AdminPassword = "$argon2id$hash"

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "argon2id")
	assert.Contains(t, string(data), `"admin_username":"admin"`)
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	cfg.DiscordCustomStatus = "Signups open"

	online := getDiscordPresenceStatusUpdate(cfg)
	assert.Equal(t, string(discordgo.StatusOnline), online.Status)
	require.Len(t, online.Activities, 1)
	assert.Equal(t, "Signups open", online.Activities[0].State)

	cfg.Paused = true
	paused := getDiscordPresenceStatusUpdate(cfg)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), paused.Status)
	assert.True(t, paused.AFK)
	assert.Empty(t, paused.Activities)
}
