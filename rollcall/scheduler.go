package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	sweepReminder = "reminder"
	sweepStart    = "start"
	sweepClosure  = "closure"
)

// SweepReport counts the events each sweep acted on
type SweepReport struct {
	Reminders int `json:"reminders"`
	Started   int `json:"started"`
	Closed    int `json:"closed"`
}

// Scheduler drives events through their lifecycle. It keeps no state
// of its own: every sweep reads active events from the database and
// compares their dates to the current time. Each transition is guarded
// by a flag on the event, claimed with a conditional update before any
// notification is sent, so repeating a sweep (or running it on two
// instances) never notifies twice.
type Scheduler struct {
	db            DBI
	events        *EventStore
	registrations *RegistrationStore
	notifier      Notifier
	locker        SweepLocker
	config        SchedulerConfig
	logger        *slog.Logger
	now           func() time.Time

	// paused, if set, is checked before each tick
	paused func() bool
}

func NewScheduler(
	db DBI,
	notifier Notifier,
	locker SweepLocker,
	cfg SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = NewLocalSweepLocker()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Scheduler{
		db:            db,
		events:        NewEventStore(db),
		registrations: NewRegistrationStore(db),
		notifier:      notifier,
		locker:        locker,
		config:        cfg,
		logger:        logger.With(loggerNameKey, "scheduler"),
		now:           time.Now,
	}
}

// Run sweeps on the configured intervals until ctx is done. The
// reminder and start sweeps share the reminder interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.config.Disabled {
		s.logger.InfoContext(ctx, "scheduler disabled")
		return nil
	}
	s.logger.InfoContext(
		ctx,
		"starting scheduler",
		"reminder_interval", s.config.ReminderInterval,
		"closure_interval", s.config.ClosureInterval,
		"reminder_window", s.config.ReminderWindow,
	)

	reminderTicker := time.NewTicker(s.config.ReminderInterval)
	defer reminderTicker.Stop()
	closureTicker := time.NewTicker(s.config.ClosureInterval)
	defer closureTicker.Stop()

	s.tick(ctx, sweepReminder, s.RunReminderSweep)
	s.tick(ctx, sweepStart, s.RunStartSweep)
	s.tick(ctx, sweepClosure, s.RunClosureSweep)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-reminderTicker.C:
			s.tick(ctx, sweepReminder, s.RunReminderSweep)
			s.tick(ctx, sweepStart, s.RunStartSweep)
		case <-closureTicker.C:
			s.tick(ctx, sweepClosure, s.RunClosureSweep)
		}
	}
}

type sweepFunc func(ctx context.Context, now time.Time) (int, error)

// tick runs a single sweep under its lock, unless paused or already
// running elsewhere
func (s *Scheduler) tick(ctx context.Context, name string, sweep sweepFunc) {
	log := s.logger.With("sweep", name)
	if s.paused != nil && s.paused() {
		log.DebugContext(ctx, "paused, skipping sweep")
		return
	}
	unlock, ok, err := s.locker.TryLock(ctx, name)
	if err != nil {
		log.ErrorContext(ctx, "error acquiring sweep lock", tint.Err(err))
		return
	}
	if !ok {
		log.DebugContext(ctx, "sweep already running, skipping")
		return
	}
	defer unlock()

	start := time.Now()
	n, err := sweep(ctx, s.now().UTC())
	if err != nil {
		log.ErrorContext(ctx, "sweep failed", "events", n, tint.Err(err))
		return
	}
	if n > 0 {
		log.InfoContext(ctx, "sweep finished", "events", n, "duration", time.Since(start))
	} else {
		log.DebugContext(ctx, "sweep finished", "duration", time.Since(start))
	}
}

// Sweep runs every sweep once, in lifecycle order
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now().UTC()

	var errs []error
	var err error
	if report.Reminders, err = s.RunReminderSweep(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if report.Started, err = s.RunStartSweep(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if report.Closed, err = s.RunClosureSweep(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// RunReminderSweep sends a reminder for each active event starting
// within the reminder window that hasn't had one yet. Events that
// already started are skipped, and never get a reminder.
func (s *Scheduler) RunReminderSweep(ctx context.Context, now time.Time) (int, error) {
	return s.sweepEvents(
		ctx,
		sweepReminder,
		columnEventReminderSent,
		func(ev *Event) bool {
			return !ev.ReminderSent &&
				!now.Before(ev.StartDate.Add(-s.config.ReminderWindow)) &&
				now.Before(ev.StartDate)
		},
		s.notifier.NotifyReminder,
	)
}

// RunStartSweep announces each active event that has started but not
// yet ended
func (s *Scheduler) RunStartSweep(ctx context.Context, now time.Time) (int, error) {
	return s.sweepEvents(
		ctx,
		sweepStart,
		columnEventNotifiedStart,
		func(ev *Event) bool {
			return !ev.NotifiedStart && ev.Started(now) && !ev.Ended(now)
		},
		s.notifier.NotifyStarted,
	)
}

// sweepEvents claims flag on every active event matching due, then
// notifies the event's confirmed registrants. Returns the number of
// events claimed.
func (s *Scheduler) sweepEvents(
	ctx context.Context,
	name string,
	flag string,
	due func(ev *Event) bool,
	notify func(ctx context.Context, ev Event, registrants []Registration) error,
) (int, error) {
	events, err := s.events.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("error listing active events: %w", err)
	}

	var errs []error
	claimed := 0
	for i := range events {
		ev := &events[i]
		if ev.Cancelled || !due(ev) {
			continue
		}
		log := s.logger.With("sweep", name, "event", ev)

		ok, err := s.claim(ctx, ev.ID, flag)
		if err != nil {
			log.ErrorContext(ctx, "error claiming event", tint.Err(err))
			errs = append(errs, err)
			continue
		}
		if !ok {
			log.DebugContext(ctx, "event already claimed")
			continue
		}
		claimed++

		registrants, err := s.registrations.ListConfirmed(ctx, ev.ID)
		if err != nil {
			log.ErrorContext(ctx, "error listing registrants", tint.Err(err))
			errs = append(errs, err)
			continue
		}
		if err = notify(ctx, *ev, registrants); err != nil {
			log.WarnContext(
				ctx,
				"some registrants weren't notified",
				"registrants", len(registrants),
				tint.Err(err),
			)
			continue
		}
		log.InfoContext(ctx, "notified registrants", "registrants", len(registrants))
	}
	return claimed, errors.Join(errs...)
}

// claim sets flag on an active event if it's not set yet, returning
// true if this call set it
func (s *Scheduler) claim(ctx context.Context, eventID string, flag string) (bool, error) {
	var claimed bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var err error
			claimed, err = claimEventFlag(
				tx,
				eventID,
				flag,
				clause.Eq{Column: columnEventActive, Value: true},
			)
			return err
		},
	)
	return claimed, err
}

// RunClosureSweep closes each active event that has ended, completing
// its confirmed registrations
func (s *Scheduler) RunClosureSweep(ctx context.Context, now time.Time) (int, error) {
	events, err := s.events.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("error listing active events: %w", err)
	}

	var errs []error
	closed := 0
	for i := range events {
		ev := &events[i]
		if !ev.Ended(now) {
			continue
		}
		_, ok, err := s.close(ctx, ev.ID, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "error closing event", "event", ev, tint.Err(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, errors.Join(errs...)
}

// CloseEvent closes an active event immediately, whether or not it has
// ended, completing its confirmed registrations and notifying them.
func (s *Scheduler) CloseEvent(ctx context.Context, eventID string) (*Event, error) {
	if _, err := s.events.Get(ctx, eventID); err != nil {
		return nil, err
	}
	ev, ok, err := s.close(ctx, eventID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEventInactive
	}
	return ev, nil
}

// close deactivates the event and completes its confirmed
// registrations in one transaction, then sends the end notification.
// ok is false if the event was already inactive.
func (s *Scheduler) close(ctx context.Context, eventID string, now time.Time) (
	ev *Event,
	ok bool,
	err error,
) {
	var completed []Registration
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			res := tx.Model(&Event{}).
				Where(columnEventID+" = ? AND "+columnEventActive+" = ?", eventID, true).
				Updates(
					map[string]any{
						columnEventActive:      false,
						columnEventNotifiedEnd: true,
						columnEventVersion:     gorm.Expr(columnEventVersion + " + 1"),
					},
				)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			ok = true

			regs, err := listRegistrations(tx, eventID, StatusConfirmed)
			if err != nil {
				return err
			}
			for i := range regs {
				if err = regs[i].transition(StatusCompleted, now); err != nil {
					return err
				}
				if err = saveRegistration(tx, &regs[i]); err != nil {
					return err
				}
			}
			completed = regs

			ev, err = loadEvent(tx, eventID)
			return err
		},
	)
	if err != nil || !ok {
		return nil, ok, err
	}

	log := s.logger.With("event", ev)
	log.InfoContext(ctx, "event closed", "completed", len(completed))
	if err = s.notifier.NotifyEnded(ctx, *ev, completed); err != nil {
		log.WarnContext(ctx, "some registrants weren't notified", tint.Err(err))
	}
	return ev, true, nil
}
