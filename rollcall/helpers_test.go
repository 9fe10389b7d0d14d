package rollcall

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		password string
	}{
		{"Simple password", "password123"},
		{"Complex password", "C0mpl3x!P@ssw0rd"},
		{"Empty password", ""},
		{"Unicode password", "пароль123"},
		{"Very long password", strings.Repeat("a", 1000)},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				hash, err := HashPassword(tc.password)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m="), hash)

				valid, err := VerifyPassword(hash, tc.password)
				require.NoError(t, err)
				assert.True(t, valid)

				valid, err = VerifyPassword(hash, tc.password+"wrong")
				require.NoError(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	invalidHashes := []string{
		"not a valid hash",
		"$argon2id$v=19$m=65536,t=1,p=4$!!!$!!!",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
	}

	for _, invalidHash := range invalidHashes {
		t.Run(
			invalidHash, func(t *testing.T) {
				_, err := VerifyPassword(invalidHash, "anypassword")
				assert.Error(t, err)
			},
		)
	}
}

func TestHashPassword_Uniqueness(t *testing.T) {
	hash1, err := HashPassword("samepassword")
	require.NoError(t, err)
	hash2, err := HashPassword("samepassword")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func TestChunkItems(t *testing.T) {
	tests := []struct {
		name           string
		maxRowLength   int
		items          []int
		expectedResult [][]int
	}{
		{
			name:           "exactly divisible",
			maxRowLength:   3,
			items:          []int{1, 2, 3, 4, 5, 6, 7, 8, 9},
			expectedResult: [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
		},
		{
			name:           "not exactly divisible",
			maxRowLength:   4,
			items:          []int{1, 2, 3, 4, 5, 6, 7},
			expectedResult: [][]int{{1, 2, 3, 4}, {5, 6, 7}},
		},
		{
			name:           "max row length greater than items",
			maxRowLength:   5,
			items:          []int{1, 2, 3},
			expectedResult: [][]int{{1, 2, 3}},
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				result := chunkItems(tt.maxRowLength, tt.items...)
				if !reflect.DeepEqual(result, tt.expectedResult) {
					t.Errorf("expected %#v, got %#v", tt.expectedResult, result)
				}
			},
		)
	}
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	s, err = generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, s, 8)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "hi", truncate("hi", 4))
}

func TestStructToSlogValue_Redacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret"
	cfg.API.Secret = "also-secret"

	rendered := cfg.LogValue().String()
	assert.NotContains(t, rendered, "super-secret")
	assert.NotContains(t, rendered, "also-secret")
	assert.Contains(t, rendered, "[redacted]")
	assert.Contains(t, rendered, DefaultAPIListen)
}

func TestContextLogger(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("test_name", t.Name())
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, contextLoggerOr(ctx, nil))
}

func TestSubcommand(t *testing.T) {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: DiscordSlashCommandEvent,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name: eventSubcommandRegister,
						Type: discordgo.ApplicationCommandOptionSubCommand,
						Options: []*discordgo.ApplicationCommandInteractionDataOption{
							{
								Name:  eventOptionID,
								Type:  discordgo.ApplicationCommandOptionString,
								Value: "abc",
							},
						},
					},
				},
			},
		},
	}
	name, opts := subcommand(i)
	assert.Equal(t, eventSubcommandRegister, name)
	require.Contains(t, opts, eventOptionID)
	assert.Equal(t, "abc", opts[eventOptionID].StringValue())
}
