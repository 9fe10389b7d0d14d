package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	engineMaxAttempts      = 3
	engineDispatchParallel = 4
)

// Result describes the outcome of an [Engine] operation.
type Result struct {
	// Event is the event as committed by the operation
	Event *Event

	// Registration is the registration the operation acted on, if any
	Registration *Registration

	// Key is the access key issued (or reclaimed, for cancellations)
	// for Registration, if any
	Key *AccessKey

	// WaitlistOffered is set by Register when the event is full. Nothing
	// is persisted, the user may call AddToWaitlist to accept.
	WaitlistOffered bool

	// Unchanged is set when the operation succeeded without writing
	Unchanged bool

	// Promoted holds registrations moved from the waitlist to confirmed
	Promoted []Registration

	// Notices should be passed to [Engine.Dispatch] once the caller
	// has responded to the user
	Notices []Notice

	cancelledFrom RegistrationStatus
}

// ReconcileReport describes the corrections made by [Engine.Reconcile]
type ReconcileReport struct {
	EventID             string `json:"event_id"`
	RegistrationsBefore int    `json:"registrations_before"`
	RegistrationsAfter  int    `json:"registrations_after"`
	WaitlistBefore      int    `json:"waitlist_before"`
	WaitlistAfter       int    `json:"waitlist_after"`
	Renumbered          int    `json:"renumbered"`
	KeysReclaimed       int    `json:"keys_reclaimed"`
}

// Changed reports whether anything was corrected
func (r ReconcileReport) Changed() bool {
	return r.RegistrationsBefore != r.RegistrationsAfter ||
		r.WaitlistBefore != r.WaitlistAfter ||
		r.Renumbered > 0 ||
		r.KeysReclaimed > 0
}

// Engine implements registration, waitlist and access key operations.
//
// Each operation loads the event, changes registrations and keys, and
// writes the event's counters back in a single transaction. The event
// write is conditional on the version read at the start, so two
// operations racing on the same event can't both commit. The loser is
// retried from scratch.
type Engine struct {
	db            DBI
	events        *EventStore
	registrations *RegistrationStore
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
	maxAttempts   int
}

func NewEngine(db DBI, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Engine{
		db:            db,
		events:        NewEventStore(db),
		registrations: NewRegistrationStore(db),
		notifier:      notifier,
		logger:        logger.With(loggerNameKey, "engine"),
		now:           time.Now,
		maxAttempts:   engineMaxAttempts,
	}
}

func (e *Engine) Events() *EventStore {
	return e.events
}

func (e *Engine) Registrations() *RegistrationStore {
	return e.registrations
}

type mutation func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error)

// mutate runs fn against eventID in a transaction, then commits the
// event's counters and flags with a version check. Version conflicts
// are retried up to maxAttempts times.
func (e *Engine) mutate(
	ctx context.Context,
	op string,
	eventID string,
	fn mutation,
) (*Result, error) {
	log := contextLoggerOr(ctx, e.logger).With("op", op, "event_id", eventID)

	var res *Result
	for attempt := 1; ; attempt++ {
		now := e.now().UTC()
		err := e.db.Transaction(
			ctx, func(tx *gorm.DB) error {
				ev, err := loadEvent(tx, eventID)
				if err != nil {
					return err
				}
				r, err := fn(tx, ev, now)
				if err != nil {
					return err
				}
				if !r.Unchanged {
					if err = commitEvent(tx, ev); err != nil {
						return err
					}
				}
				r.Event = ev
				res = r
				return nil
			},
		)
		if err == nil {
			break
		}
		if !errors.Is(err, errEventVersionConflict) {
			return nil, err
		}
		if attempt >= e.maxAttempts {
			log.WarnContext(ctx, "giving up after version conflicts", "attempts", attempt)
			return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, eventID)
		}
		log.DebugContext(ctx, "version conflict, retrying", "attempt", attempt)
	}

	for i := range res.Notices {
		res.Notices[i].Event = *res.Event
	}
	if !res.Unchanged {
		log.InfoContext(
			ctx,
			"event updated",
			"event", res.Event,
			"promoted", len(res.Promoted),
			"notices", len(res.Notices),
		)
	}
	return res, nil
}

// commitEvent writes the engine-owned columns of ev with a version check
func commitEvent(tx *gorm.DB, ev *Event) error {
	return casEventUpdate(
		tx, ev, map[string]any{
			columnEventRegistrationsCount: ev.RegistrationsCount,
			columnEventWaitlistCount:      ev.WaitlistCount,
			columnEventActive:             ev.Active,
			columnEventCancelled:          ev.Cancelled,
		},
	)
}

// existingRegistrationError returns the error for a user who already
// holds reg
func existingRegistrationError(reg *Registration) error {
	switch reg.Status {
	case StatusConfirmed:
		return ErrAlreadyConfirmed
	case StatusWaitlist:
		return ErrAlreadyWaitlisted
	case StatusCompleted, StatusCancelled:
		return ErrAlreadyRegistered
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, reg.Status)
	}
}

// Register confirms userID for the event if there's capacity, issuing
// an access key if one is available. If the event is full, or others
// are already waiting for a slot, nothing is persisted and the result
// has WaitlistOffered set.
func (e *Engine) Register(ctx context.Context, userID string, eventID string) (*Result, error) {
	return e.mutate(
		ctx, "register", eventID, func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			if !ev.Open(now) {
				return nil, ErrEventInactive
			}
			existing, err := findRegistration(tx, userID, ev.ID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return nil, existingRegistrationError(existing)
			}
			if !ev.HasCapacity() || ev.WaitlistCount > 0 {
				return &Result{WaitlistOffered: true, Unchanged: true}, nil
			}

			reg, err := insertRegistration(tx, userID, ev.ID, StatusConfirmed, now)
			if err != nil {
				return nil, err
			}
			ev.RegistrationsCount++

			key, err := issueKey(tx, ev, userID, now)
			if err != nil {
				return nil, err
			}
			return &Result{Registration: reg, Key: key}, nil
		},
	)
}

// AddToWaitlist places userID at the end of the event's waitlist. If
// the user is already waitlisted, the existing registration is returned
// with Unchanged set.
//
// Free slots are then filled from the head of the waitlist, so a user
// joining an event that isn't full is confirmed straight away. Anyone
// ahead of them is promoted first.
func (e *Engine) AddToWaitlist(ctx context.Context, userID string, eventID string) (*Result, error) {
	return e.mutate(
		ctx,
		"add_to_waitlist",
		eventID,
		func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			if !ev.Open(now) {
				return nil, ErrEventInactive
			}
			existing, err := findRegistration(tx, userID, ev.ID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				switch existing.Status {
				case StatusWaitlist:
					return &Result{Registration: existing, Unchanged: true}, nil
				case StatusConfirmed, StatusCompleted, StatusCancelled:
					return nil, existingRegistrationError(existing)
				default:
					return nil, existingRegistrationError(existing)
				}
			}

			reg, err := insertRegistration(tx, userID, ev.ID, StatusWaitlist, now)
			if err != nil {
				return nil, err
			}
			ev.WaitlistCount++

			res := &Result{Registration: reg}
			for ev.HasCapacity() {
				promoted, key, err := promoteNext(tx, ev, now)
				if err != nil {
					return nil, err
				}
				if promoted == nil {
					break
				}
				if promoted.UserID == userID {
					res.Registration = promoted
					res.Key = key
					break
				}
				res.addPromotion(*promoted, key)
			}
			return res, nil
		},
	)
}

// RemoveFromWaitlist deletes userID's waitlist registration and moves
// everyone behind them up one position.
func (e *Engine) RemoveFromWaitlist(
	ctx context.Context,
	userID string,
	eventID string,
) (*Result, error) {
	return e.mutate(
		ctx,
		"remove_from_waitlist",
		eventID,
		func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			if !ev.Open(now) {
				return nil, ErrEventInactive
			}
			existing, err := findRegistration(tx, userID, ev.ID)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, ErrNotRegistered
			}
			switch existing.Status {
			case StatusWaitlist:
			case StatusConfirmed:
				return nil, ErrAlreadyConfirmed
			case StatusCompleted, StatusCancelled:
				return nil, ErrNotRegistered
			default:
				return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, existing.Status)
			}

			pos := existing.Position()
			if err = tx.Delete(&Registration{}, existing.ID).Error; err != nil {
				return nil, fmt.Errorf("error deleting registration: %w", err)
			}
			if err = closeWaitlistGap(tx, ev.ID, pos); err != nil {
				return nil, err
			}
			ev.WaitlistCount--
			return &Result{Registration: existing}, nil
		},
	)
}

// PromoteFromWaitlist confirms the first registration on the waitlist.
// The result's Registration is nil if the waitlist is empty. Fails with
// ErrCapacityExceeded if the event has no free slot.
func (e *Engine) PromoteFromWaitlist(ctx context.Context, eventID string) (*Result, error) {
	return e.mutate(
		ctx,
		"promote_from_waitlist",
		eventID,
		func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			if !ev.Open(now) {
				return nil, ErrEventInactive
			}
			res := &Result{}
			reg, key, err := promoteNext(tx, ev, now)
			if err != nil {
				return nil, err
			}
			if reg == nil {
				res.Unchanged = true
				return res, nil
			}
			res.Registration = reg
			res.Key = key
			res.addPromotion(*reg, key)
			return res, nil
		},
	)
}

// Cancel cancels userID's registration. A confirmed user's key goes
// back to the pool and the freed slot is offered to the first user on
// the waitlist.
func (e *Engine) Cancel(ctx context.Context, userID string, eventID string) (*Result, error) {
	return e.mutate(
		ctx, "cancel", eventID, func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			if !ev.Open(now) {
				return nil, ErrEventInactive
			}
			return cancelRegistration(tx, ev, userID, now)
		},
	)
}

// PromoteAll promotes from the waitlist until it's empty or the event
// is full. Each promotion is committed separately.
func (e *Engine) PromoteAll(ctx context.Context, eventID string) (*Result, error) {
	total := &Result{Unchanged: true}
	for {
		res, err := e.PromoteFromWaitlist(ctx, eventID)
		if err != nil {
			if !errors.Is(err, ErrCapacityExceeded) {
				return total, err
			}
			if total.Event == nil {
				if total.Event, err = e.events.Get(ctx, eventID); err != nil {
					return total, err
				}
			}
			return total, nil
		}
		total.Event = res.Event
		if res.Registration == nil {
			return total, nil
		}
		total.Unchanged = false
		total.Promoted = append(total.Promoted, res.Promoted...)
		total.Notices = append(total.Notices, res.Notices...)
	}
}

// AddParticipant confirms userID without going through the waitlist.
// A waitlisted user is promoted directly, ahead of anyone else in line.
// Capacity still applies.
func (e *Engine) AddParticipant(ctx context.Context, eventID string, userID string) (*Result, error) {
	return e.mutate(
		ctx,
		"add_participant",
		eventID,
		func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			if !ev.Open(now) {
				return nil, ErrEventInactive
			}
			existing, err := findRegistration(tx, userID, ev.ID)
			if err != nil {
				return nil, err
			}
			if existing != nil && existing.Status != StatusWaitlist {
				return nil, existingRegistrationError(existing)
			}
			if !ev.HasCapacity() {
				return nil, ErrCapacityExceeded
			}

			res := &Result{}
			if existing != nil {
				key, err := confirmWaitlisted(tx, ev, existing, now)
				if err != nil {
					return nil, err
				}
				res.Registration = existing
				res.Key = key
				res.addPromotion(*existing, key)
				return res, nil
			}

			reg, err := insertRegistration(tx, userID, ev.ID, StatusConfirmed, now)
			if err != nil {
				return nil, err
			}
			ev.RegistrationsCount++
			key, err := issueKey(tx, ev, userID, now)
			if err != nil {
				return nil, err
			}
			res.Registration = reg
			res.Key = key
			res.Notices = append(
				res.Notices, Notice{
					Kind:         NoticeStatusChanged,
					Registration: *reg,
					NewStatus:    StatusConfirmed,
					Key:          key,
				},
			)
			return res, nil
		},
	)
}

// RemoveParticipant cancels userID's registration like [Engine.Cancel].
// The removed user is only notified if notify is set. Anyone promoted
// into the freed slot is always notified.
func (e *Engine) RemoveParticipant(
	ctx context.Context,
	eventID string,
	userID string,
	notify bool,
) (*Result, error) {
	return e.mutate(
		ctx,
		"remove_participant",
		eventID,
		func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			if !ev.Active || ev.Cancelled {
				return nil, ErrEventInactive
			}
			res, err := cancelRegistration(tx, ev, userID, now)
			if err != nil {
				return nil, err
			}
			if notify {
				res.Notices = append(
					[]Notice{
						{
							Kind:         NoticeStatusChanged,
							Registration: *res.Registration,
							OldStatus:    res.previousStatus(),
							NewStatus:    StatusCancelled,
						},
					},
					res.Notices...,
				)
			}
			return res, nil
		},
	)
}

// CancelEvent cancels the event and every active registration for it,
// returning all issued keys to the pool. Every affected user gets a
// notice.
func (e *Engine) CancelEvent(ctx context.Context, eventID string) (*Result, error) {
	return e.mutate(
		ctx,
		"cancel_event",
		eventID,
		func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			if !ev.Active || ev.Cancelled {
				return nil, ErrEventInactive
			}
			var regs []Registration
			err := tx.Where(
				columnRegistrationEventID+" = ? AND "+columnRegistrationStatus+" IN ?",
				ev.ID, []RegistrationStatus{StatusConfirmed, StatusWaitlist},
			).Order("id asc").Find(&regs).Error
			if err != nil {
				return nil, err
			}

			res := &Result{}
			for i := range regs {
				reg := &regs[i]
				old := reg.Status
				if err = reg.transition(StatusCancelled, now); err != nil {
					return nil, err
				}
				if err = saveRegistration(tx, reg); err != nil {
					return nil, err
				}
				res.Notices = append(
					res.Notices, Notice{
						Kind:         NoticeStatusChanged,
						Registration: *reg,
						OldStatus:    old,
						NewStatus:    StatusCancelled,
					},
				)
			}
			for i := range ev.AccessKeys {
				k := &ev.AccessKeys[i]
				if k.Available() {
					continue
				}
				ev.ReclaimKey(*k.IssuedTo)
				if err = saveKey(tx, k); err != nil {
					return nil, err
				}
			}
			ev.RegistrationsCount = 0
			ev.WaitlistCount = 0
			ev.Cancelled = true
			ev.Active = false
			return res, nil
		},
	)
}

// Reconcile recomputes the event's counters from its registrations,
// renumbers the waitlist to 1..N in its current order, and reclaims
// keys held by users who are no longer confirmed.
func (e *Engine) Reconcile(ctx context.Context, eventID string) (*ReconcileReport, error) {
	var report *ReconcileReport
	_, err := e.mutate(
		ctx, "reconcile", eventID, func(tx *gorm.DB, ev *Event, now time.Time) (*Result, error) {
			rep := &ReconcileReport{
				EventID:             ev.ID,
				RegistrationsBefore: ev.RegistrationsCount,
				WaitlistBefore:      ev.WaitlistCount,
			}
			// completed registrations only exist once the event is closed,
			// and still count as attendees
			confirmed, err := countRegistrations(tx, ev.ID, StatusConfirmed, StatusCompleted)
			if err != nil {
				return nil, err
			}

			waitlist, err := listRegistrations(tx, ev.ID, StatusWaitlist)
			if err != nil {
				return nil, err
			}
			for i := range waitlist {
				want := i + 1
				if waitlist[i].Position() == want {
					continue
				}
				err = tx.Model(&Registration{}).
					Where("id = ?", waitlist[i].ID).
					UpdateColumn(columnRegistrationWaitlistPosition, want).Error
				if err != nil {
					return nil, err
				}
				rep.Renumbered++
			}

			var holders []string
			err = tx.Model(&Registration{}).
				Where(
					columnRegistrationEventID+" = ? AND "+columnRegistrationStatus+" IN ?",
					ev.ID, []RegistrationStatus{StatusConfirmed, StatusCompleted},
				).
				Pluck(columnRegistrationUserID, &holders).Error
			if err != nil {
				return nil, err
			}
			entitled := make(map[string]bool, len(holders))
			for _, h := range holders {
				entitled[h] = true
			}
			for i := range ev.AccessKeys {
				k := &ev.AccessKeys[i]
				if k.Available() || entitled[*k.IssuedTo] {
					continue
				}
				ev.ReclaimKey(*k.IssuedTo)
				if err = saveKey(tx, k); err != nil {
					return nil, err
				}
				rep.KeysReclaimed++
			}

			ev.RegistrationsCount = confirmed
			ev.WaitlistCount = len(waitlist)
			rep.RegistrationsAfter = confirmed
			rep.WaitlistAfter = len(waitlist)
			report = rep
			return &Result{Unchanged: !rep.Changed()}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Dispatch delivers notices through the engine's notifier. Failures
// are logged and joined, and don't stop the remaining deliveries.
func (e *Engine) Dispatch(ctx context.Context, notices []Notice) error {
	if len(notices) == 0 {
		return nil
	}
	log := contextLoggerOr(ctx, e.logger)

	var mu sync.Mutex
	var errs []error
	g := new(errgroup.Group)
	g.SetLimit(engineDispatchParallel)
	for _, n := range notices {
		g.Go(
			func() error {
				if err := n.deliver(ctx, e.notifier); err != nil {
					log.ErrorContext(ctx, "error delivering notice", "notice", n, tint.Err(err))
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return nil
				}
				log.DebugContext(ctx, "delivered notice", "notice", n)
				return nil
			},
		)
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// addPromotion records a waitlist promotion and its notice
func (r *Result) addPromotion(reg Registration, key *AccessKey) {
	r.Promoted = append(r.Promoted, reg)
	r.Notices = append(
		r.Notices, Notice{
			Kind:         NoticeWaitlistPromoted,
			Registration: reg,
			OldStatus:    StatusWaitlist,
			NewStatus:    StatusConfirmed,
			Key:          key,
		},
	)
}

// previousStatus returns the status a cancelled registration had
func (r *Result) previousStatus() RegistrationStatus {
	return r.cancelledFrom
}

// issueKey issues the next available key from ev's pool to userID and
// persists it. Returns nil if the pool is exhausted.
func issueKey(tx *gorm.DB, ev *Event, userID string, now time.Time) (*AccessKey, error) {
	key := ev.IssueKey(userID, now)
	if key == nil {
		return nil, nil
	}
	if err := saveKey(tx, key); err != nil {
		return nil, fmt.Errorf("error issuing key: %w", err)
	}
	return key, nil
}

// confirmWaitlisted moves reg off the waitlist to confirmed, closing
// the gap it leaves and issuing it a key. The caller checks capacity.
func confirmWaitlisted(tx *gorm.DB, ev *Event, reg *Registration, now time.Time) (*AccessKey, error) {
	pos := reg.Position()
	if err := reg.transition(StatusConfirmed, now); err != nil {
		return nil, err
	}
	if err := saveRegistration(tx, reg); err != nil {
		return nil, err
	}
	if err := closeWaitlistGap(tx, ev.ID, pos); err != nil {
		return nil, err
	}
	ev.WaitlistCount--
	ev.RegistrationsCount++
	return issueKey(tx, ev, reg.UserID, now)
}

// promoteNext confirms the first registration in ev's waitlist. Returns
// a nil registration if the waitlist is empty.
func promoteNext(tx *gorm.DB, ev *Event, now time.Time) (*Registration, *AccessKey, error) {
	var regs []Registration
	err := tx.Where(
		columnRegistrationEventID+" = ? AND "+columnRegistrationStatus+" = ?",
		ev.ID, StatusWaitlist,
	).Order("waitlist_position asc, id asc").Limit(1).Find(&regs).Error
	if err != nil {
		return nil, nil, err
	}
	if len(regs) == 0 {
		return nil, nil, nil
	}
	if !ev.HasCapacity() {
		return nil, nil, ErrCapacityExceeded
	}
	reg := &regs[0]
	key, err := confirmWaitlisted(tx, ev, reg, now)
	if err != nil {
		return nil, nil, err
	}
	return reg, key, nil
}

// cancelRegistration cancels userID's active registration for ev. For
// a confirmed registration the key is reclaimed and, if the event now
// has a free slot, one waitlisted user is promoted into it.
func cancelRegistration(tx *gorm.DB, ev *Event, userID string, now time.Time) (*Result, error) {
	reg, err := findRegistration(tx, userID, ev.ID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, ErrNotRegistered
	}

	res := &Result{Registration: reg, cancelledFrom: reg.Status}
	switch reg.Status {
	case StatusConfirmed:
		if err = reg.transition(StatusCancelled, now); err != nil {
			return nil, err
		}
		if err = saveRegistration(tx, reg); err != nil {
			return nil, err
		}
		ev.RegistrationsCount--

		if key := ev.ReclaimKey(userID); key != nil {
			if err = saveKey(tx, key); err != nil {
				return nil, err
			}
			reclaimed := *key
			reclaimed.IssuedTo = &userID
			res.Key = &reclaimed
		}

		// an event whose capacity was lowered below its confirmed
		// count stays full after the cancel
		if ev.HasCapacity() {
			promoted, key, err := promoteNext(tx, ev, now)
			if err != nil {
				return nil, err
			}
			if promoted != nil {
				res.addPromotion(*promoted, key)
			}
		}
	case StatusWaitlist:
		pos := reg.Position()
		if err = reg.transition(StatusCancelled, now); err != nil {
			return nil, err
		}
		if err = saveRegistration(tx, reg); err != nil {
			return nil, err
		}
		if err = closeWaitlistGap(tx, ev.ID, pos); err != nil {
			return nil, err
		}
		ev.WaitlistCount--
	case StatusCompleted, StatusCancelled:
		return nil, ErrNotRegistered
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, reg.Status)
	}
	return res, nil
}
