package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// Notifier delivers lifecycle and registration messages to users.
// Implementations should attempt every recipient, and return the
// joined errors of any deliveries that failed.
type Notifier interface {
	NotifyReminder(ctx context.Context, ev Event, registrants []Registration) error
	NotifyStarted(ctx context.Context, ev Event, registrants []Registration) error
	NotifyEnded(ctx context.Context, ev Event, registrants []Registration) error

	// NotifyStatusChanged is sent when a registration changes status
	// without the user's own action. old is empty for a registration
	// that didn't exist before.
	NotifyStatusChanged(
		ctx context.Context,
		ev Event,
		reg Registration,
		old RegistrationStatus,
		current RegistrationStatus,
	) error

	// NotifyWaitlistPromoted is sent when a waitlisted registration is
	// confirmed. key is nil if none was available.
	NotifyWaitlistPromoted(ctx context.Context, ev Event, reg Registration, key *AccessKey) error
}

type NoticeKind int

const (
	NoticeStatusChanged NoticeKind = iota + 1
	NoticeWaitlistPromoted
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeStatusChanged:
		return "status_changed"
	case NoticeWaitlistPromoted:
		return "waitlist_promoted"
	default:
		return fmt.Sprintf("NoticeKind(%d)", int(k))
	}
}

// Notice is a message the engine wants delivered after an operation
// commits. Engine operations return notices instead of sending them,
// see [Engine.Dispatch].
type Notice struct {
	Kind         NoticeKind
	Event        Event
	Registration Registration
	OldStatus    RegistrationStatus
	NewStatus    RegistrationStatus
	Key          *AccessKey
}

func (n Notice) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", n.Kind.String()),
		slog.String("event_id", n.Event.ID),
		slog.String("user_id", n.Registration.UserID),
		slog.String("old_status", n.OldStatus.String()),
		slog.String("new_status", n.NewStatus.String()),
	)
}

// deliver sends a single notice through n
func (n Notice) deliver(ctx context.Context, notifier Notifier) error {
	switch n.Kind {
	case NoticeStatusChanged:
		return notifier.NotifyStatusChanged(ctx, n.Event, n.Registration, n.OldStatus, n.NewStatus)
	case NoticeWaitlistPromoted:
		return notifier.NotifyWaitlistPromoted(ctx, n.Event, n.Registration, n.Key)
	default:
		return fmt.Errorf("unknown notice kind: %s", n.Kind)
	}
}

// LogNotifier only logs notifications. It's used when no Discord
// session is available (ex: running sweeps from the CLI).
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogNotifier) NotifyReminder(ctx context.Context, ev Event, registrants []Registration) error {
	l.logger().InfoContext(ctx, "event reminder", "event", ev, "recipients", len(registrants))
	return nil
}

func (l LogNotifier) NotifyStarted(ctx context.Context, ev Event, registrants []Registration) error {
	l.logger().InfoContext(ctx, "event started", "event", ev, "recipients", len(registrants))
	return nil
}

func (l LogNotifier) NotifyEnded(ctx context.Context, ev Event, registrants []Registration) error {
	l.logger().InfoContext(ctx, "event ended", "event", ev, "recipients", len(registrants))
	return nil
}

func (l LogNotifier) NotifyStatusChanged(
	ctx context.Context,
	ev Event,
	reg Registration,
	old RegistrationStatus,
	current RegistrationStatus,
) error {
	l.logger().InfoContext(
		ctx,
		"registration status changed",
		"event", ev,
		"registration", reg,
		"old", old,
		"new", current,
	)
	return nil
}

func (l LogNotifier) NotifyWaitlistPromoted(
	ctx context.Context,
	ev Event,
	reg Registration,
	key *AccessKey,
) error {
	l.logger().InfoContext(
		ctx,
		"promoted from waitlist",
		"event", ev,
		"registration", reg,
		"key_issued", key != nil,
	)
	return nil
}

// DiscordNotifier sends notifications as direct messages. Sends are
// rate limited, and a failed DM to one user doesn't stop the rest.
type DiscordNotifier struct {
	session DiscordSessionHandler
	limiter *rate.Limiter
	logger  *slog.Logger

	// announceChannel returns the channel used for event announcements
	// when the event doesn't have its own
	announceChannel func() string
}

func NewDiscordNotifier(
	session DiscordSessionHandler,
	limiter *rate.Limiter,
	logger *slog.Logger,
) *DiscordNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(DefaultDiscordDMRequestsPerSecond), DefaultDiscordDMBurst)
	}
	return &DiscordNotifier{
		session: session,
		limiter: limiter,
		logger:  logger.With(loggerNameKey, "notifier"),
	}
}

// dm sends embed to a user's DM channel
func (n *DiscordNotifier) dm(ctx context.Context, userID string, embed *discordgo.MessageEmbed) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	ch, err := n.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error opening DM channel for %s: %w", userID, err)
	}
	if _, err = n.session.ChannelMessageSendEmbed(ch.ID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error sending DM to %s: %w", userID, err)
	}
	return nil
}

// broadcast DMs every registrant, logging and collecting failures
func (n *DiscordNotifier) broadcast(
	ctx context.Context,
	ev Event,
	registrants []Registration,
	embed func(reg Registration) *discordgo.MessageEmbed,
) error {
	var errs []error
	sent := 0
	for _, reg := range registrants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := n.dm(ctx, reg.UserID, embed(reg)); err != nil {
			n.logger.ErrorContext(
				ctx,
				"error notifying registrant",
				"event", ev,
				"user_id", reg.UserID,
				tint.Err(err),
			)
			errs = append(errs, err)
			continue
		}
		sent++
	}
	n.logger.InfoContext(
		ctx,
		"notified registrants",
		"event", ev,
		"sent", sent,
		"failed", len(registrants)-sent,
	)
	return errors.Join(errs...)
}

func (n *DiscordNotifier) NotifyReminder(ctx context.Context, ev Event, registrants []Registration) error {
	return n.broadcast(
		ctx, ev, registrants, func(reg Registration) *discordgo.MessageEmbed {
			return eventEmbed(
				ev,
				fmt.Sprintf("Reminder: **%s** starts %s", ev.Name, discordTimestamp(ev.StartDate, "R")),
				embedColorInfo,
			)
		},
	)
}

// NotifyStarted DMs every registrant, and announces the start in the
// event's channel (or the notification channel) if one is set
func (n *DiscordNotifier) NotifyStarted(ctx context.Context, ev Event, registrants []Registration) error {
	err := n.broadcast(
		ctx, ev, registrants, func(reg Registration) *discordgo.MessageEmbed {
			return eventEmbed(ev, fmt.Sprintf("**%s** has started!", ev.Name), embedColorSuccess)
		},
	)
	channelID := ev.ChannelID
	if channelID == "" && n.announceChannel != nil {
		channelID = n.announceChannel()
	}
	if channelID == "" {
		return err
	}
	_, announceErr := n.session.ChannelMessageSend(
		channelID,
		fmt.Sprintf("**%s** has started! (%d attending)", ev.Name, len(registrants)),
		discordgo.WithContext(ctx),
	)
	if announceErr != nil {
		n.logger.ErrorContext(ctx, "error announcing event start", "event", ev, tint.Err(announceErr))
	}
	return errors.Join(err, announceErr)
}

func (n *DiscordNotifier) NotifyEnded(ctx context.Context, ev Event, registrants []Registration) error {
	return n.broadcast(
		ctx, ev, registrants, func(reg Registration) *discordgo.MessageEmbed {
			return eventEmbed(
				ev,
				fmt.Sprintf("**%s** has ended. Thanks for attending!", ev.Name),
				embedColorInfo,
			)
		},
	)
}

func (n *DiscordNotifier) NotifyStatusChanged(
	ctx context.Context,
	ev Event,
	reg Registration,
	old RegistrationStatus,
	current RegistrationStatus,
) error {
	var msg string
	color := embedColorInfo
	switch current {
	case StatusConfirmed:
		msg = fmt.Sprintf("You're registered for **%s**.", ev.Name)
		color = embedColorSuccess
	case StatusWaitlist:
		msg = fmt.Sprintf("You're #%d on the waitlist for **%s**.", reg.Position(), ev.Name)
	case StatusCancelled:
		msg = fmt.Sprintf("Your registration for **%s** was cancelled.", ev.Name)
		if ev.Cancelled {
			msg = fmt.Sprintf("**%s** has been cancelled.", ev.Name)
		}
		color = embedColorWarning
	case StatusCompleted:
		msg = fmt.Sprintf("Your registration for **%s** is complete.", ev.Name)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, current)
	}
	n.logger.DebugContext(ctx, "notifying status change", "registration", reg, "old", old, "new", current)
	return n.dm(ctx, reg.UserID, eventEmbed(ev, msg, color))
}

func (n *DiscordNotifier) NotifyWaitlistPromoted(
	ctx context.Context,
	ev Event,
	reg Registration,
	key *AccessKey,
) error {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "A spot opened up! You're now confirmed for **%s**.", ev.Name)
	if key != nil {
		_, _ = fmt.Fprintf(&b, "\nYour access key: `%s`", key.Key)
	} else if len(ev.AccessKeys) > 0 {
		b.WriteString("\nNo access keys are left, access will be granted on-site.")
	}
	return n.dm(ctx, reg.UserID, eventEmbed(ev, b.String(), embedColorSuccess))
}

const (
	embedColorInfo    = 0x5865F2
	embedColorSuccess = 0x57F287
	embedColorWarning = 0xFEE75C
	embedColorError   = 0xED4245
)

func discordTimestamp(t time.Time, style string) string {
	return fmt.Sprintf("<t:%d:%s>", t.Unix(), style)
}

func eventEmbed(ev Event, description string, color int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       truncate(ev.Name, 256),
		Description: truncate(description, 4096),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Starts", Value: discordTimestamp(ev.StartDate, "F"), Inline: true},
			{Name: "Ends", Value: discordTimestamp(ev.EndDate, "F"), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: ev.ID},
	}
}
