package rollcall

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// AccessKey is a single-use credential from an event's key pool. A key
// is available when IssuedTo is nil. The unique index on
// (event_id, issued_to) keeps a user from holding two keys for the
// same event.
//
//nolint:lll // struct tags can't be split
type AccessKey struct {
	ID       uint       `gorm:"primaryKey" json:"-"`
	EventID  string     `gorm:"not null;size:36;uniqueIndex:idx_access_keys_event_key;uniqueIndex:idx_access_keys_event_user" json:"-"`
	Key      string     `gorm:"not null;uniqueIndex:idx_access_keys_event_key" json:"key"`
	Position int        `gorm:"not null" json:"position"`
	IssuedTo *string    `gorm:"size:64;uniqueIndex:idx_access_keys_event_user" json:"issued_to,omitempty"`
	IssuedAt *time.Time `json:"issued_at,omitempty"`
}

func (k AccessKey) Available() bool {
	return k.IssuedTo == nil
}

func (k AccessKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("position", k.Position),
		slog.String("issued_to", stringPointerValue(k.IssuedTo)),
	)
}

// KeyFor returns the key currently issued to userID, if any
func (e *Event) KeyFor(userID string) *AccessKey {
	for i := range e.AccessKeys {
		k := &e.AccessKeys[i]
		if k.IssuedTo != nil && *k.IssuedTo == userID {
			return k
		}
	}
	return nil
}

// AvailableKeys returns the number of keys not issued to anyone
func (e *Event) AvailableKeys() int {
	n := 0
	for _, k := range e.AccessKeys {
		if k.Available() {
			n++
		}
	}
	return n
}

// IssueKey marks the first available key as issued to userID and
// returns it. If userID already holds a key, that key is returned
// unchanged. Returns nil if the pool is exhausted.
func (e *Event) IssueKey(userID string, now time.Time) *AccessKey {
	if k := e.KeyFor(userID); k != nil {
		return k
	}
	for i := range e.AccessKeys {
		k := &e.AccessKeys[i]
		if !k.Available() {
			continue
		}
		uid := userID
		issuedAt := now
		k.IssuedTo = &uid
		k.IssuedAt = &issuedAt
		return k
	}
	return nil
}

// ReclaimKey clears the key issued to userID, leaving it in place in
// the pool so it can be issued again. Returns nil if userID held no key.
func (e *Event) ReclaimKey(userID string) *AccessKey {
	k := e.KeyFor(userID)
	if k == nil {
		return nil
	}
	k.IssuedTo = nil
	k.IssuedAt = nil
	return k
}

// SetKeyPool replaces the key pool with keys, in order. Keys already
// in the pool keep their issuance. Fails with ErrInvalidEvent if an
// issued key would be removed.
func (e *Event) SetKeyPool(keys []string) error {
	existing := make(map[string]AccessKey, len(e.AccessKeys))
	for _, k := range e.AccessKeys {
		existing[k.Key] = k
	}
	pool := make([]AccessKey, 0, len(keys))
	for i, key := range keys {
		k, ok := existing[key]
		if !ok {
			k = AccessKey{EventID: e.ID, Key: key}
		}
		delete(existing, key)
		k.Position = i + 1
		pool = append(pool, k)
	}
	for _, k := range existing {
		if !k.Available() {
			return fmt.Errorf(
				"%w: key at position %d is issued to %s",
				ErrInvalidEvent,
				k.Position,
				*k.IssuedTo,
			)
		}
	}
	e.AccessKeys = pool
	return nil
}

// saveKey persists a key's issuance state
func saveKey(tx *gorm.DB, k *AccessKey) error {
	res := tx.Model(&AccessKey{}).Where("id = ?", k.ID).Updates(
		map[string]any{
			"issued_to": k.IssuedTo,
			"issued_at": k.IssuedAt,
		},
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("access key %d not found", k.ID)
	}
	return nil
}
