package rollcall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

const (
	columnRegistrationUserID           = "user_id"
	columnRegistrationEventID          = "event_id"
	columnRegistrationStatus           = "status"
	columnRegistrationWaitlistPosition = "waitlist_position"
)

// RegistrationStatus is the state of a user's registration for an event
type RegistrationStatus string

const (
	StatusConfirmed RegistrationStatus = "confirmed"
	StatusWaitlist  RegistrationStatus = "waitlist"
	StatusCancelled RegistrationStatus = "cancelled"
	StatusCompleted RegistrationStatus = "completed"
)

func (s RegistrationStatus) String() string {
	return string(s)
}

func (s RegistrationStatus) Valid() bool {
	switch s {
	case StatusConfirmed, StatusWaitlist, StatusCancelled, StatusCompleted:
		return true
	default:
		return false
	}
}

// Active reports whether the status holds a slot or a waitlist position
func (s RegistrationStatus) Active() bool {
	switch s {
	case StatusConfirmed, StatusWaitlist:
		return true
	case StatusCancelled, StatusCompleted:
		return false
	default:
		return false
	}
}

// CanTransition reports whether a registration may move from s to next
func (s RegistrationStatus) CanTransition(next RegistrationStatus) bool {
	switch s {
	case StatusWaitlist:
		return next == StatusConfirmed || next == StatusCancelled
	case StatusConfirmed:
		return next == StatusCancelled || next == StatusCompleted
	case StatusCancelled, StatusCompleted:
		return false
	default:
		return false
	}
}

// Registration is a user's registration for an event. At most one
// non-cancelled registration exists per (user, event), enforced by a
// partial unique index.
//
//nolint:lll // struct tags can't be split
type Registration struct {
	ID        uint  `gorm:"primaryKey" json:"id"`
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`

	UserID  string             `gorm:"not null;size:64;index;uniqueIndex:idx_registrations_active,where:status <> 'cancelled'" json:"user_id"`
	EventID string             `gorm:"not null;size:36;index:idx_registrations_event_status;uniqueIndex:idx_registrations_active,where:status <> 'cancelled'" json:"event_id"`
	Status  RegistrationStatus `gorm:"not null;size:16;index:idx_registrations_event_status;check:status in ('confirmed', 'waitlist', 'cancelled', 'completed')" json:"status"`

	// WaitlistPosition is set only while Status is StatusWaitlist.
	// Positions for an event are always 1..N.
	WaitlistPosition *int `json:"waitlist_position,omitempty"`

	RegisteredAt time.Time  `gorm:"not null" json:"registered_at"`
	PromotedAt   *time.Time `json:"promoted_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (r Registration) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(r.ID)),
		slog.String("user_id", r.UserID),
		slog.String("event_id", r.EventID),
		slog.String("status", r.Status.String()),
	}
	if r.WaitlistPosition != nil {
		attrs = append(attrs, slog.Int("waitlist_position", *r.WaitlistPosition))
	}
	return slog.GroupValue(attrs...)
}

// Position returns the waitlist position, or 0 if not waitlisted
func (r Registration) Position() int {
	if r.WaitlistPosition == nil {
		return 0
	}
	return *r.WaitlistPosition
}

// transition moves the registration to next, setting the timestamp
// and clearing the waitlist position as appropriate. It does not
// persist anything.
func (r *Registration) transition(next RegistrationStatus, now time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, next)
	}
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	prev := r.Status
	r.Status = next
	r.WaitlistPosition = nil

	switch next {
	case StatusConfirmed:
		if prev == StatusWaitlist {
			r.PromotedAt = &now
		}
	case StatusCancelled:
		r.CancelledAt = &now
	case StatusCompleted:
		r.CompletedAt = &now
	case StatusWaitlist:
		// positions are assigned on insert only
	}
	return nil
}

// RegistrationStore persists registrations. It does not maintain the
// event counters, see [Engine] for operations that do.
type RegistrationStore struct {
	db  DBI
	now func() time.Time
}

func NewRegistrationStore(db DBI) *RegistrationStore {
	return &RegistrationStore{db: db, now: time.Now}
}

// Find returns the user's non-cancelled registration for the event,
// or nil if there isn't one
func (s *RegistrationStore) Find(
	ctx context.Context,
	userID string,
	eventID string,
) (*Registration, error) {
	return findRegistration(s.db.DB().WithContext(ctx), userID, eventID)
}

// Create inserts a confirmed or waitlisted registration. Waitlisted
// registrations are placed at the end of the waitlist. Fails with
// ErrDuplicateRegistration if a non-cancelled registration already
// exists for the pair.
func (s *RegistrationStore) Create(
	ctx context.Context,
	userID string,
	eventID string,
	status RegistrationStatus,
) (*Registration, error) {
	var reg *Registration
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			existing, err := findRegistration(tx, userID, eventID)
			if err != nil {
				return err
			}
			if existing != nil {
				return ErrDuplicateRegistration
			}
			reg, err = insertRegistration(tx, userID, eventID, status, s.now().UTC())
			return err
		},
	)
	return reg, err
}

// UpdateStatus moves reg to status and persists it
func (s *RegistrationStore) UpdateStatus(
	ctx context.Context,
	reg *Registration,
	status RegistrationStatus,
) error {
	if err := reg.transition(status, s.now().UTC()); err != nil {
		return err
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return saveRegistration(tx, reg)
		},
	)
}

// ListWaitlist returns the event's waitlist, first in line first
func (s *RegistrationStore) ListWaitlist(
	ctx context.Context,
	eventID string,
) ([]Registration, error) {
	return listRegistrations(s.db.DB().WithContext(ctx), eventID, StatusWaitlist)
}

func (s *RegistrationStore) ListConfirmed(
	ctx context.Context,
	eventID string,
) ([]Registration, error) {
	return listRegistrations(s.db.DB().WithContext(ctx), eventID, StatusConfirmed)
}

// List returns the event's registrations with the given status, or
// all of them if status is empty
func (s *RegistrationStore) List(
	ctx context.Context,
	eventID string,
	status RegistrationStatus,
) ([]Registration, error) {
	return listRegistrations(s.db.DB().WithContext(ctx), eventID, status)
}

// ListByUser returns the user's active registrations, most recent first
func (s *RegistrationStore) ListByUser(
	ctx context.Context,
	userID string,
) ([]Registration, error) {
	var regs []Registration
	err := s.db.DB().WithContext(ctx).
		Where(columnRegistrationUserID+" = ?", userID).
		Where(columnRegistrationStatus+" IN ?", []RegistrationStatus{StatusConfirmed, StatusWaitlist}).
		Order("registered_at desc").
		Find(&regs).Error
	return regs, err
}

func findRegistration(tx *gorm.DB, userID string, eventID string) (*Registration, error) {
	var regs []Registration
	err := tx.Where(
		columnRegistrationUserID+" = ? AND "+columnRegistrationEventID+" = ? AND "+columnRegistrationStatus+" <> ?",
		userID, eventID, StatusCancelled,
	).Order("id desc").Limit(1).Find(&regs).Error
	if err != nil {
		return nil, err
	}
	if len(regs) == 0 {
		return nil, nil
	}
	return &regs[0], nil
}

func insertRegistration(
	tx *gorm.DB,
	userID string,
	eventID string,
	status RegistrationStatus,
	now time.Time,
) (*Registration, error) {
	reg := &Registration{
		UserID:       userID,
		EventID:      eventID,
		Status:       status,
		RegisteredAt: now,
	}
	switch status {
	case StatusConfirmed:
	case StatusWaitlist:
		pos, err := nextWaitlistPosition(tx, eventID)
		if err != nil {
			return nil, err
		}
		reg.WaitlistPosition = &pos
	case StatusCancelled, StatusCompleted:
		return nil, fmt.Errorf("%w: cannot register as %s", ErrInvalidTransition, status)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	if err := tx.Create(reg).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateRegistration
		}
		return nil, err
	}
	return reg, nil
}

func saveRegistration(tx *gorm.DB, reg *Registration) error {
	return tx.Model(reg).Select(
		columnRegistrationStatus,
		columnRegistrationWaitlistPosition,
		"promoted_at",
		"cancelled_at",
		"completed_at",
		"updated_at",
	).Updates(reg).Error
}

func listRegistrations(
	tx *gorm.DB,
	eventID string,
	status RegistrationStatus,
) ([]Registration, error) {
	var regs []Registration
	q := tx.Where(columnRegistrationEventID+" = ?", eventID)
	if status != "" {
		q = q.Where(columnRegistrationStatus+" = ?", status)
	}
	if status == StatusWaitlist {
		q = q.Order("waitlist_position asc, id asc")
	} else {
		q = q.Order("registered_at asc, id asc")
	}
	err := q.Find(&regs).Error
	return regs, err
}

func nextWaitlistPosition(tx *gorm.DB, eventID string) (int, error) {
	var last int
	err := tx.Model(&Registration{}).
		Where(
			columnRegistrationEventID+" = ? AND "+columnRegistrationStatus+" = ?",
			eventID, StatusWaitlist,
		).
		Select("COALESCE(MAX(" + columnRegistrationWaitlistPosition + "), 0)").
		Scan(&last).Error
	return last + 1, err
}

// closeWaitlistGap moves everyone behind a removed position up by one
func closeWaitlistGap(tx *gorm.DB, eventID string, removed int) error {
	return tx.Model(&Registration{}).
		Where(
			columnRegistrationEventID+" = ? AND "+columnRegistrationStatus+" = ? AND "+columnRegistrationWaitlistPosition+" > ?",
			eventID, StatusWaitlist, removed,
		).
		UpdateColumn(
			columnRegistrationWaitlistPosition,
			gorm.Expr(columnRegistrationWaitlistPosition+" - 1"),
		).Error
}

func countRegistrations(tx *gorm.DB, eventID string, statuses ...RegistrationStatus) (int, error) {
	var n int64
	err := tx.Model(&Registration{}).
		Where(columnRegistrationEventID+" = ? AND "+columnRegistrationStatus+" IN ?", eventID, statuses).
		Count(&n).Error
	return int(n), err
}
