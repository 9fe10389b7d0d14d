package rollcall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	require.NoError(t, structValidator.Struct(cfg))
}

func TestConfig_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing token", func(c *Config) { c.Discord.Token = "" }},
		{"bad database type", func(c *Config) { c.DatabaseType = "mysql" }},
		{"zero reminder interval", func(c *Config) { c.Scheduler.ReminderInterval = 0 }},
		{"lock shorter than interval", func(c *Config) { c.Scheduler.LockTTL = time.Second }},
		{"negative reminder window", func(c *Config) { c.Scheduler.ReminderWindow = -time.Minute }},
		{"webhook without public key", func(c *Config) { c.Discord.WebhookServer.Enabled = true }},
		{"session max age too long", func(c *Config) { c.API.SessionMaxAge = 48 * time.Hour }},
		{"zero DM rate", func(c *Config) { c.Discord.DMRequestsPerSecond = 0 }},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultConfig()
				cfg.Discord.Token = "token"
				cfg.Discord.ApplicationID = "app"
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestConfig_DisabledSchedulerSkipsIntervals(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	cfg.Scheduler.Disabled = true
	cfg.Scheduler.ReminderInterval = 0
	cfg.Scheduler.ClosureInterval = 0
	assert.NoError(t, structValidator.Struct(cfg))
}

func TestSSLConfig_Enabled(t *testing.T) {
	t.Parallel()
	assert.False(t, SSLConfig{}.Enabled())
	assert.False(t, SSLConfig{Cert: "cert.pem"}.Enabled())
	assert.True(t, SSLConfig{Cert: "cert.pem", Key: "key.pem"}.Enabled())
}

func TestCORSConfig_GINConfig(t *testing.T) {
	t.Parallel()
	c := DefaultCORSConfig()
	c.AllowOrigins = []string{"https://example.com"}
	g := c.GINConfig()
	assert.Equal(t, []string{"https://example.com"}, g.AllowOrigins)
	assert.Equal(t, DefaultCORSMaxAge, g.MaxAge)
	assert.Contains(t, g.ExposeHeaders, xRequestIDHeader)
}
