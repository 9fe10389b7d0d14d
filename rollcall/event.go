package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnEventID                 = "id"
	columnEventVersion            = "version"
	columnEventActive             = "active"
	columnEventCancelled          = "cancelled"
	columnEventRegistrationsCount = "registrations_count"
	columnEventWaitlistCount      = "waitlist_count"
	columnEventReminderSent       = "reminder_sent"
	columnEventNotifiedStart      = "notified_start"
	columnEventNotifiedEnd        = "notified_end"
	columnEventStartDate          = "start_date"
)

// EventPhase is the lifecycle state of an event, derived from its
// flags and the current time.
type EventPhase string

const (
	PhaseScheduled    EventPhase = "scheduled"
	PhaseReminderSent EventPhase = "reminder-sent"
	PhaseStarted      EventPhase = "started"
	PhaseEnded        EventPhase = "ended"
	PhaseClosed       EventPhase = "closed"
	PhaseCancelled    EventPhase = "cancelled"
)

// Event is a scheduled community event with a fixed capacity, a
// waitlist, and an optional pool of access keys.
//
// RegistrationsCount and WaitlistCount mirror the number of confirmed
// (or, once closed, completed) and waitlisted [Registration] rows. They
// are only written inside the same transaction as the registration
// change, guarded by a compare-and-swap on Version.
//
//nolint:lll // struct tags can't be split
type Event struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description,omitempty"`

	// ChannelID is where the start of the event is announced, if set
	ChannelID string `json:"channel_id,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`

	// Capacity is the maximum number of confirmed registrations. 0=unlimited
	Capacity           int `gorm:"not null;check:capacity >= 0" json:"capacity"`
	RegistrationsCount int `gorm:"not null;check:registrations_count >= 0" json:"registrations_count"`
	WaitlistCount      int `gorm:"not null;check:waitlist_count >= 0" json:"waitlist_count"`

	StartDate time.Time `gorm:"not null;index" json:"start_date"`
	EndDate   time.Time `gorm:"not null" json:"end_date"`

	Active    bool `gorm:"not null;index" json:"active"`
	Cancelled bool `gorm:"not null" json:"cancelled"`

	ReminderSent  bool `gorm:"not null" json:"reminder_sent"`
	NotifiedStart bool `gorm:"not null" json:"notified_start"`
	NotifiedEnd   bool `gorm:"not null" json:"notified_end"`

	Version int64 `gorm:"not null" json:"version"`

	AccessKeys []AccessKey `gorm:"foreignKey:EventID;constraint:OnDelete:CASCADE" json:"access_keys,omitempty"`
}

func (e Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.ID),
		slog.String("name", e.Name),
		slog.Int("capacity", e.Capacity),
		slog.Int("registrations", e.RegistrationsCount),
		slog.Int("waitlist", e.WaitlistCount),
		slog.Bool("active", e.Active),
		slog.Int64("version", e.Version),
	)
}

// HasCapacity reports whether another registration can be confirmed
func (e *Event) HasCapacity() bool {
	return e.Capacity == 0 || e.RegistrationsCount < e.Capacity
}

// SpotsLeft returns the number of unconfirmed slots, or -1 if the
// event is unlimited.
func (e *Event) SpotsLeft() int {
	if e.Capacity == 0 {
		return -1
	}
	return max(e.Capacity-e.RegistrationsCount, 0)
}

func (e *Event) Started(now time.Time) bool {
	return !now.Before(e.StartDate)
}

func (e *Event) Ended(now time.Time) bool {
	return !now.Before(e.EndDate)
}

// Open reports whether the event accepts registration and waitlist
// changes at the given time.
func (e *Event) Open(now time.Time) bool {
	return e.Active && !e.Cancelled && !e.Ended(now)
}

func (e *Event) Phase(now time.Time) EventPhase {
	switch {
	case e.Cancelled:
		return PhaseCancelled
	case !e.Active:
		return PhaseClosed
	case e.Ended(now):
		return PhaseEnded
	case e.Started(now):
		return PhaseStarted
	case e.ReminderSent:
		return PhaseReminderSent
	default:
		return PhaseScheduled
	}
}

// EventSpec holds the fields needed to create an [Event]
//
//nolint:lll // struct tags can't be split
type EventSpec struct {
	Name        string    `json:"name" binding:"required,max=100"`
	Description string    `json:"description" binding:"max=2000"`
	Capacity    int       `json:"capacity" binding:"min=0"`
	StartDate   time.Time `json:"start_date" binding:"required"`
	EndDate     time.Time `json:"end_date" binding:"required,gtfield=StartDate"`
	ChannelID   string    `json:"channel_id"`
	CreatedBy   string    `json:"created_by"`
	AccessKeys  []string  `json:"access_keys" binding:"omitempty,unique,dive,required,max=200"`
}

func newEvent(spec EventSpec) *Event {
	ev := &Event{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		ChannelID:   spec.ChannelID,
		CreatedBy:   spec.CreatedBy,
		Capacity:    spec.Capacity,
		StartDate:   spec.StartDate.UTC(),
		EndDate:     spec.EndDate.UTC(),
		Active:      true,
	}
	for i, k := range spec.AccessKeys {
		ev.AccessKeys = append(
			ev.AccessKeys,
			AccessKey{EventID: ev.ID, Key: k, Position: i + 1},
		)
	}
	return ev
}

// EventStore persists events and their access key pools.
type EventStore struct {
	db  DBI
	now func() time.Time
}

func NewEventStore(db DBI) *EventStore {
	return &EventStore{db: db, now: time.Now}
}

// Create validates spec and inserts a new, active event
func (s *EventStore) Create(ctx context.Context, spec EventSpec) (*Event, error) {
	if err := structValidator.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	ev := newEvent(spec)
	if _, err := s.db.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("error creating event: %w", err)
	}
	return ev, nil
}

// Get returns the event with its key pool, or ErrEventNotFound
func (s *EventStore) Get(ctx context.Context, id string) (*Event, error) {
	return loadEvent(s.db.DB().WithContext(ctx), id)
}

// Save replaces the stored event and its key pool with ev. Keys are
// stored in slice order; keys missing from ev.AccessKeys are deleted.
// It fails with ErrConcurrentModification if the event changed since
// ev was loaded.
func (s *EventStore) Save(ctx context.Context, ev *Event) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			cols := map[string]any{
				"name":                        ev.Name,
				"description":                 ev.Description,
				"channel_id":                  ev.ChannelID,
				"capacity":                    ev.Capacity,
				columnEventRegistrationsCount: ev.RegistrationsCount,
				columnEventWaitlistCount:      ev.WaitlistCount,
				columnEventStartDate:          ev.StartDate,
				"end_date":                    ev.EndDate,
				columnEventActive:             ev.Active,
				columnEventCancelled:          ev.Cancelled,
				columnEventReminderSent:       ev.ReminderSent,
				columnEventNotifiedStart:      ev.NotifiedStart,
				columnEventNotifiedEnd:        ev.NotifiedEnd,
			}
			if err := casEventUpdate(tx, ev, cols); err != nil {
				return err
			}
			return replaceKeys(tx, ev)
		},
	)
	if errors.Is(err, errEventVersionConflict) {
		return ErrConcurrentModification
	}
	return err
}

// validateEvent applies the same rules as [EventStore.Create] to an
// existing event
func validateEvent(ev *Event) error {
	spec := EventSpec{
		Name:        ev.Name,
		Description: ev.Description,
		Capacity:    ev.Capacity,
		StartDate:   ev.StartDate,
		EndDate:     ev.EndDate,
	}
	for _, k := range ev.AccessKeys {
		spec.AccessKeys = append(spec.AccessKeys, k.Key)
	}
	if err := structValidator.Struct(spec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}

// replaceKeys deletes ev's stored key pool and inserts ev.AccessKeys
// in its place, renumbering positions from 1
func replaceKeys(tx *gorm.DB, ev *Event) error {
	if err := tx.Where("event_id = ?", ev.ID).Delete(&AccessKey{}).Error; err != nil {
		return fmt.Errorf("error deleting access keys: %w", err)
	}
	if len(ev.AccessKeys) == 0 {
		return nil
	}
	for i := range ev.AccessKeys {
		k := &ev.AccessKeys[i]
		k.ID = 0
		k.EventID = ev.ID
		k.Position = i + 1
	}
	if err := tx.Create(&ev.AccessKeys).Error; err != nil {
		return fmt.Errorf("error inserting access keys: %w", err)
	}
	return nil
}

// Update applies a partial update to the event with the given ID and
// saves it. Access keys which are still in the pool keep their
// issuance. Removing an issued key, or lowering capacity below the
// confirmed count, fails with ErrInvalidEvent.
func (s *EventStore) Update(ctx context.Context, id string, update EventUpdate) (*Event, error) {
	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Name != nil {
		ev.Name = *update.Name
	}
	if update.Description != nil {
		ev.Description = *update.Description
	}
	if update.ChannelID != nil {
		ev.ChannelID = *update.ChannelID
	}
	if update.Capacity != nil {
		c := *update.Capacity
		if c > 0 && c < ev.RegistrationsCount {
			return nil, fmt.Errorf(
				"%w: capacity %d is below the %d confirmed registrations",
				ErrInvalidEvent,
				c,
				ev.RegistrationsCount,
			)
		}
		ev.Capacity = c
	}
	if update.StartDate != nil {
		ev.StartDate = update.StartDate.UTC()
	}
	if update.EndDate != nil {
		ev.EndDate = update.EndDate.UTC()
	}
	if update.AccessKeys != nil {
		if err = ev.SetKeyPool(*update.AccessKeys); err != nil {
			return nil, err
		}
	}
	if err = s.Save(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// EventUpdate is a partial update to an [Event]. Nil fields are left
// unchanged.
//
//nolint:lll // struct tags can't be split
type EventUpdate struct {
	Name        *string    `json:"name,omitempty" binding:"omitnil,min=1,max=100"`
	Description *string    `json:"description,omitempty" binding:"omitnil,max=2000"`
	ChannelID   *string    `json:"channel_id,omitempty"`
	Capacity    *int       `json:"capacity,omitempty" binding:"omitnil,min=0"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	AccessKeys  *[]string  `json:"access_keys,omitempty" binding:"omitnil,unique,dive,required,max=200"`
}

// IssueKey assigns the first available key in ev's pool to userID.
// The caller persists ev afterward.
func (s *EventStore) IssueKey(ev *Event, userID string) *AccessKey {
	return ev.IssueKey(userID, s.now().UTC())
}

// ReclaimKey returns userID's key to ev's pool. The caller persists ev
// afterward.
func (s *EventStore) ReclaimKey(ev *Event, userID string) *AccessKey {
	return ev.ReclaimKey(userID)
}

// ListActive returns every active event, soonest first, without key pools
func (s *EventStore) ListActive(ctx context.Context) ([]Event, error) {
	var events []Event
	err := s.db.DB().WithContext(ctx).
		Where(columnEventActive+" = ?", true).
		Order("start_date asc").
		Find(&events).Error
	return events, err
}

// List returns events, optionally including inactive ones, soonest first
func (s *EventStore) List(
	ctx context.Context,
	includeInactive bool,
	limit int,
	offset int,
) ([]Event, error) {
	var events []Event
	q := s.db.DB().WithContext(ctx).Order("start_date asc")
	if !includeInactive {
		q = q.Where(columnEventActive+" = ?", true)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	err := q.Find(&events).Error
	return events, err
}

// loadEvent loads an event and its key pool (in pool order) using tx.
func loadEvent(tx *gorm.DB, id string) (*Event, error) {
	var ev Event
	err := tx.Preload(
		"AccessKeys", func(db *gorm.DB) *gorm.DB {
			return db.Order("position asc")
		},
	).Where(columnEventID+" = ?", id).Take(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return nil, err
	}
	return &ev, nil
}

// casEventUpdate writes cols to ev's row only if its version is still
// ev.Version, and bumps the version. Returns errEventVersionConflict
// if another writer got there first.
func casEventUpdate(tx *gorm.DB, ev *Event, cols map[string]any) error {
	cols[columnEventVersion] = ev.Version + 1
	res := tx.Model(&Event{}).
		Where(columnEventID+" = ? AND "+columnEventVersion+" = ?", ev.ID, ev.Version).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errEventVersionConflict
	}
	ev.Version++
	return nil
}

// claimEventFlag sets a boolean flag column on an event if it's
// currently false (and the event matches the extra condition, if
// given), returning true if this call set it.
func claimEventFlag(
	tx *gorm.DB,
	eventID string,
	column string,
	extra ...clause.Expression,
) (bool, error) {
	q := tx.Model(&Event{}).Where(columnEventID+" = ? AND "+column+" = ?", eventID, false)
	for _, e := range extra {
		q = q.Where(e)
	}
	res := q.Updates(
		map[string]any{
			column:             true,
			columnEventVersion: gorm.Expr(columnEventVersion + " + 1"),
		},
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
