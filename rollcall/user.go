package rollcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnUserID         = "id"
	columnUserIgnored    = "ignored"
	columnUserContent    = "content"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
)

// User is a record of a Discord user seen in an interaction.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots are ignored.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	// If true, commands from this user get no response
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user was seen in a Discord interaction
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) (*User, error) {
	content, err := json.Marshal(u)
	user := User{
		ID:         u.ID,
		Username:   u.Username,
		Content:    string(content),
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		Ignored:    u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	return &user, err
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String(columnUserID, u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
	)
}

// userChangedDiscordUsername compares [User.Username] and [User.GlobalName] with
// the given discordgo.User, and returns true if either changed
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// getOrCreateUser returns the stored User for u, creating it if it
// doesn't exist. Existing users get their last seen time and names
// refreshed.
func getOrCreateUser(
	ctx context.Context,
	db DBI,
	u discordgo.User,
) (user *User, isNew bool, err error) {
	log := contextLoggerOr(ctx, nil)
	now := time.Now().UTC().UnixMilli()

	err = db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing User
			e := tx.Where(columnUserID+" = ?", u.ID).Take(&existing).Error
			switch {
			case e == nil:
				updates := map[string]any{columnUserLastSeen: now}
				if existing.userChangedDiscordUsername(u) {
					log.InfoContext(
						ctx,
						"user changed username since last seen",
						slog.Group(
							"old",
							"username", existing.Username,
							"global_name", existing.GlobalName,
						),
						slog.Group(
							"new",
							"username", u.Username,
							"global_name", u.GlobalName,
						),
					)
					updates[columnUserUsername] = u.Username
					updates[columnUserGlobalName] = u.GlobalName
					if content, jerr := json.Marshal(u); jerr == nil {
						updates[columnUserContent] = string(content)
					}
				}
				if e = tx.Model(&existing).Updates(updates).Error; e != nil {
					return e
				}
				user = &existing
				return nil
			case errors.Is(e, gorm.ErrRecordNotFound):
				newUser, jerr := NewUser(u)
				if jerr != nil {
					log.WarnContext(ctx, "error marshaling user", "error", jerr)
				}
				if e = tx.Create(newUser).Error; e != nil {
					return e
				}
				user = newUser
				isNew = true
				return nil
			default:
				return e
			}
		},
	)
	if err != nil {
		return nil, false, fmt.Errorf("error getting user %s: %w", u.ID, err)
	}
	if isNew {
		log.InfoContext(ctx, "created new user", "user", user)
	}
	return user, isNew, nil
}

// setUserIgnored sets the ignored flag of a stored user
func setUserIgnored(ctx context.Context, db DBI, userID string, ignored bool) (*User, error) {
	n, err := db.UpdatesWhere(
		ctx,
		&User{},
		map[string]any{columnUserIgnored: ignored},
		columnUserID+" = ?",
		userID,
	)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	var u User
	if err = db.DB().WithContext(ctx).Where(columnUserID+" = ?", userID).Take(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
