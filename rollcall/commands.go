package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandEvent      = "event"
	DiscordSlashCommandEventAdmin = "event-admin"

	eventSubcommandList          = "list"
	eventSubcommandInfo          = "info"
	eventSubcommandRegister      = "register"
	eventSubcommandWaitlist      = "waitlist"
	eventSubcommandLeaveWaitlist = "leave-waitlist"
	eventSubcommandCancel        = "cancel"
	eventSubcommandMine          = "mine"

	adminSubcommandCreate     = "create"
	adminSubcommandPromoteAll = "promote-all"
	adminSubcommandAdd        = "add"
	adminSubcommandRemove     = "remove"
	adminSubcommandClose      = "close"
	adminSubcommandCancel     = "cancel"
	adminSubcommandReconcile  = "reconcile"

	eventOptionID          = "event"
	eventOptionUser        = "user"
	eventOptionNotify      = "notify"
	eventOptionName        = "name"
	eventOptionStart       = "start"
	eventOptionDuration    = "duration"
	eventOptionCapacity    = "capacity"
	eventOptionDescription = "description"
	eventOptionChannel     = "channel"
	eventOptionKeys        = "keys"

	// customIDJoinWaitlist prefixes the custom ID of the button offered
	// when registering for a full event. The event ID follows.
	customIDJoinWaitlist = "rollcall:waitlist:"

	discordMaxAutocompleteChoices = 25
	discordMaxEmbedFields         = 25
)

// adminPermissions are the permissions allowing use of '/event-admin'
var adminPermissions int64 = discordgo.PermissionManageEvents | discordgo.PermissionAdministrator

var errPermissionDenied = errors.New("permission denied")

// eventTimeLayouts are accepted for an event's start, in addition to
// unix timestamps. Layouts without a zone are read as UTC.
var eventTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

// appCommands returns the slash commands registered with Discord
func appCommands() []*discordgo.ApplicationCommand {
	dmPerm := false
	adminPerm := adminPermissions

	eventOption := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionString,
			Name:         eventOptionID,
			Description:  description,
			Required:     true,
			Autocomplete: true,
		}
	}
	userOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        eventOptionUser,
		Description: "The member",
		Required:    true,
	}
	minCapacity := float64(0)
	minDuration := float64(1)

	return []*discordgo.ApplicationCommand{
		{
			Name:         DiscordSlashCommandEvent,
			Description:  "Browse and register for events",
			DMPermission: &dmPerm,
			Type:         discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        eventSubcommandList,
					Description: "List upcoming events",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        eventSubcommandInfo,
					Description: "Show an event's details",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        eventSubcommandRegister,
					Description: "Register for an event",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event to register for")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        eventSubcommandWaitlist,
					Description: "Join an event's waitlist",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        eventSubcommandLeaveWaitlist,
					Description: "Leave an event's waitlist",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        eventSubcommandCancel,
					Description: "Cancel your registration",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        eventSubcommandMine,
					Description: "List your registrations",
				},
			},
		},
		{
			Name:                     DiscordSlashCommandEventAdmin,
			Description:              "Manage events",
			DMPermission:             &dmPerm,
			DefaultMemberPermissions: &adminPerm,
			Type:                     discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandCreate,
					Description: "Create an event",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        eventOptionName,
							Description: "Event name",
							Required:    true,
							MaxLength:   100,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        eventOptionStart,
							Description: "Start time (UTC), ex: 2026-03-14 18:00",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        eventOptionDuration,
							Description: "Duration in minutes",
							Required:    true,
							MinValue:    &minDuration,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        eventOptionCapacity,
							Description: "Maximum attendees (0 for unlimited)",
							Required:    true,
							MinValue:    &minCapacity,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        eventOptionDescription,
							Description: "Event description",
							MaxLength:   2000,
						},
						{
							Type:         discordgo.ApplicationCommandOptionChannel,
							Name:         eventOptionChannel,
							Description:  "Channel to announce the event start in",
							ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        eventOptionKeys,
							Description: "Access keys, separated by commas or spaces",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandPromoteAll,
					Description: "Promote from the waitlist until the event is full",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandAdd,
					Description: "Add a participant, skipping the waitlist",
					Options: []*discordgo.ApplicationCommandOption{
						eventOption("The event"),
						userOption,
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandRemove,
					Description: "Remove a participant",
					Options: []*discordgo.ApplicationCommandOption{
						eventOption("The event"),
						userOption,
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        eventOptionNotify,
							Description: "Send the member a DM (default: false)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandClose,
					Description: "Close an event now, completing registrations",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandCancel,
					Description: "Cancel an event",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        adminSubcommandReconcile,
					Description: "Rebuild an event's counters and waitlist positions",
					Options:     []*discordgo.ApplicationCommandOption{eventOption("The event")},
				},
			},
		},
	}
}

// handleInteraction handles an interaction received via the gateway or
// webhook. Application commands are run synchronously and answered
// with a single response. Notices produced by the command are
// dispatched afterward, in the background.
func (r *Rollcall) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user_id", discordUser.ID)

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}
	if _, createErr := r.writeDB.Create(ctx, interactionLog); createErr != nil {
		logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	opts := handler.Config()
	if opts.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
				_ = handler.Respond(ctx, messageResponse(opts, opts.DiscordErrorMessage))
			}
		}()
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		if respErr := handler.Respond(ctx, r.autocompleteResponse(ctx, i)); respErr != nil {
			logger.ErrorContext(ctx, "error responding to autocomplete", tint.Err(respErr))
		}
		return
	case discordgo.InteractionApplicationCommand, discordgo.InteractionMessageComponent:
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	u, _, err := getOrCreateUser(ctx, r.writeDB, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		_ = handler.Respond(ctx, messageResponse(opts, opts.DiscordErrorMessage))
		return
	}
	logger = logger.With(slog.Group("user", userLogAttrs(*u)...))
	ctx = WithLogger(ctx, logger)

	if u.Ignored {
		logger.InfoContext(ctx, "ignoring interaction from ignored user")
		return
	}
	if r.paused.Load() {
		_ = handler.Respond(ctx, messageResponse(opts, opts.DiscordPausedMessage))
		return
	}

	var data *discordgo.InteractionResponseData
	var notices []Notice
	if i.Type == discordgo.InteractionMessageComponent {
		data, notices = r.runComponent(ctx, u, i, opts)
	} else {
		data, notices = r.runCommand(ctx, u, i, opts)
	}
	if opts.EphemeralResponses {
		data.Flags |= discordgo.MessageFlagsEphemeral
	}

	respErr := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
	if respErr != nil {
		logger.ErrorContext(ctx, "error responding to command", tint.Err(respErr))
	}
	r.dispatchAsync(ctx, notices)
}

// runCommand runs a slash command, returning the response and any
// notices to dispatch
func (r *Rollcall) runCommand(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
	opts CommandOptions,
) (*discordgo.InteractionResponseData, []Notice) {
	logger := contextLoggerOr(ctx, r.logger)
	command := i.ApplicationCommandData().Name
	sub, options := subcommand(i)
	logger = logger.With("command", command, "subcommand", sub)
	ctx = WithLogger(ctx, logger)

	var data *discordgo.InteractionResponseData
	var notices []Notice
	var err error

	switch command {
	case DiscordSlashCommandEvent:
		data, notices, err = r.runEventCommand(ctx, u, sub, options, opts)
	case DiscordSlashCommandEventAdmin:
		if !hasAdminPermission(i) {
			err = errPermissionDenied
			break
		}
		data, notices, err = r.runAdminCommand(ctx, u, sub, options)
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		logger.WarnContext(ctx, "command failed", tint.Err(err))
		return &discordgo.InteractionResponseData{Content: commandErrorMessage(err, opts)}, nil
	}
	logger.InfoContext(ctx, "command finished", "notices", len(notices))
	return data, notices
}

func (r *Rollcall) runEventCommand(
	ctx context.Context,
	u *User,
	sub string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	opts CommandOptions,
) (*discordgo.InteractionResponseData, []Notice, error) {
	switch sub {
	case eventSubcommandList:
		return r.commandListEvents(ctx, opts)
	case eventSubcommandMine:
		return r.commandMyRegistrations(ctx, u)
	}

	eventID, err := requiredEventOption(options)
	if err != nil {
		return nil, nil, err
	}

	switch sub {
	case eventSubcommandInfo:
		return r.commandEventInfo(ctx, u, eventID)
	case eventSubcommandRegister:
		return r.commandRegister(ctx, u, eventID)
	case eventSubcommandWaitlist:
		return r.commandJoinWaitlist(ctx, u, eventID)
	case eventSubcommandLeaveWaitlist:
		res, err := r.engine.RemoveFromWaitlist(ctx, u.ID, eventID)
		if err != nil {
			return nil, nil, err
		}
		return textResponse(fmt.Sprintf("You left the waitlist for **%s**.", res.Event.Name)), res.Notices, nil
	case eventSubcommandCancel:
		res, err := r.engine.Cancel(ctx, u.ID, eventID)
		if err != nil {
			return nil, nil, err
		}
		msg := fmt.Sprintf("Your registration for **%s** was cancelled.", res.Event.Name)
		if res.Key != nil {
			msg += " Your access key was returned to the pool."
		}
		return textResponse(msg), res.Notices, nil
	default:
		return nil, nil, fmt.Errorf("unknown subcommand: %s", sub)
	}
}

func (r *Rollcall) commandListEvents(
	ctx context.Context,
	opts CommandOptions,
) (*discordgo.InteractionResponseData, []Notice, error) {
	limit := opts.EventListLimit
	if limit <= 0 || limit > discordMaxEmbedFields {
		limit = discordMaxEmbedFields
	}
	events, err := r.engine.Events().List(ctx, false, limit, 0)
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return textResponse("There are no upcoming events."), nil, nil
	}

	embed := &discordgo.MessageEmbed{
		Title: "Upcoming events",
		Color: embedColorInfo,
	}
	for _, ev := range events {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name: truncate(ev.Name, 256),
				Value: fmt.Sprintf(
					"%s\n%s · `%s`",
					discordTimestamp(ev.StartDate, "f"),
					spotsText(ev),
					ev.ID,
				),
			},
		)
	}
	return &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}}, nil, nil
}

func (r *Rollcall) commandEventInfo(
	ctx context.Context,
	u *User,
	eventID string,
) (*discordgo.InteractionResponseData, []Notice, error) {
	ev, err := r.engine.Events().Get(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	embed := eventEmbed(*ev, ev.Description, embedColorInfo)
	embed.Fields = append(
		embed.Fields,
		&discordgo.MessageEmbedField{Name: "Status", Value: string(ev.Phase(time.Now())), Inline: true},
		&discordgo.MessageEmbedField{Name: "Spots", Value: spotsText(*ev), Inline: true},
		&discordgo.MessageEmbedField{Name: "Waitlist", Value: strconv.Itoa(ev.WaitlistCount), Inline: true},
	)

	reg, err := r.engine.Registrations().Find(ctx, u.ID, ev.ID)
	if err != nil {
		return nil, nil, err
	}
	if reg != nil {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "You", Value: registrationText(*reg), Inline: true},
		)
	}
	return &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}}, nil, nil
}

func (r *Rollcall) commandRegister(
	ctx context.Context,
	u *User,
	eventID string,
) (*discordgo.InteractionResponseData, []Notice, error) {
	res, err := r.engine.Register(ctx, u.ID, eventID)
	if err != nil {
		return nil, nil, err
	}
	if res.WaitlistOffered {
		return &discordgo.InteractionResponseData{
			Content: fmt.Sprintf(
				"**%s** is full. Would you like to join the waitlist? (%d waiting)",
				res.Event.Name,
				res.Event.WaitlistCount,
			),
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							Label:    "Join waitlist",
							Style:    discordgo.PrimaryButton,
							CustomID: customIDJoinWaitlist + res.Event.ID,
						},
					},
				},
			},
		}, nil, nil
	}

	msg := fmt.Sprintf("You're registered for **%s**!", res.Event.Name)
	if res.Key != nil {
		msg += fmt.Sprintf("\nYour access key: ||`%s`||", res.Key.Key)
	} else if len(res.Event.AccessKeys) > 0 {
		msg += "\nNo access keys are left, access will be granted on-site."
	}
	return textResponse(msg), res.Notices, nil
}

func (r *Rollcall) commandJoinWaitlist(
	ctx context.Context,
	u *User,
	eventID string,
) (*discordgo.InteractionResponseData, []Notice, error) {
	res, err := r.engine.AddToWaitlist(ctx, u.ID, eventID)
	if err != nil {
		return nil, nil, err
	}
	if res.Registration.Status == StatusConfirmed {
		msg := fmt.Sprintf("A spot opened up, you're registered for **%s**!", res.Event.Name)
		if res.Key != nil {
			msg += fmt.Sprintf("\nYour access key: ||`%s`||", res.Key.Key)
		}
		return textResponse(msg), res.Notices, nil
	}
	msg := fmt.Sprintf(
		"You're #%d on the waitlist for **%s**.",
		res.Registration.Position(),
		res.Event.Name,
	)
	if res.Unchanged {
		msg = "You're already on the waitlist. " + msg
	}
	return textResponse(msg), res.Notices, nil
}

func (r *Rollcall) commandMyRegistrations(
	ctx context.Context,
	u *User,
) (*discordgo.InteractionResponseData, []Notice, error) {
	regs, err := r.engine.Registrations().ListByUser(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(regs) == 0 {
		return textResponse("You aren't registered for any events."), nil, nil
	}

	embed := &discordgo.MessageEmbed{Title: "Your registrations", Color: embedColorInfo}
	for _, reg := range regs {
		if len(embed.Fields) == discordMaxEmbedFields {
			break
		}
		ev, err := r.engine.Events().Get(ctx, reg.EventID)
		if err != nil {
			return nil, nil, err
		}
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:  truncate(ev.Name, 256),
				Value: fmt.Sprintf("%s\n%s", discordTimestamp(ev.StartDate, "f"), registrationText(reg)),
			},
		)
	}
	return &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}}, nil, nil
}

func (r *Rollcall) runAdminCommand(
	ctx context.Context,
	u *User,
	sub string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.InteractionResponseData, []Notice, error) {
	if sub == adminSubcommandCreate {
		spec, err := eventSpecFromOptions(options)
		if err != nil {
			return nil, nil, err
		}
		spec.CreatedBy = u.ID
		ev, err := r.engine.Events().Create(ctx, spec)
		if err != nil {
			return nil, nil, err
		}
		contextLoggerOr(ctx, r.logger).InfoContext(ctx, "created event", "event", ev)
		return &discordgo.InteractionResponseData{
			Content: "Event created.",
			Embeds:  []*discordgo.MessageEmbed{eventEmbed(*ev, ev.Description, embedColorSuccess)},
		}, nil, nil
	}

	eventID, err := requiredEventOption(options)
	if err != nil {
		return nil, nil, err
	}

	switch sub {
	case adminSubcommandPromoteAll:
		res, err := r.engine.PromoteAll(ctx, eventID)
		if err != nil {
			return nil, nil, err
		}
		return textResponse(
			fmt.Sprintf(
				"Promoted %d from the waitlist for **%s** (%d still waiting).",
				len(res.Promoted),
				res.Event.Name,
				res.Event.WaitlistCount,
			),
		), res.Notices, nil
	case adminSubcommandAdd:
		userID, err := requiredUserOption(options)
		if err != nil {
			return nil, nil, err
		}
		res, err := r.engine.AddParticipant(ctx, eventID, userID)
		if err != nil {
			return nil, nil, err
		}
		return textResponse(fmt.Sprintf("Added <@%s> to **%s**.", userID, res.Event.Name)), res.Notices, nil
	case adminSubcommandRemove:
		userID, err := requiredUserOption(options)
		if err != nil {
			return nil, nil, err
		}
		notify := false
		if opt, ok := options[eventOptionNotify]; ok {
			notify = opt.BoolValue()
		}
		res, err := r.engine.RemoveParticipant(ctx, eventID, userID, notify)
		if err != nil {
			return nil, nil, err
		}
		msg := fmt.Sprintf("Removed <@%s> from **%s**.", userID, res.Event.Name)
		if len(res.Promoted) > 0 {
			msg += fmt.Sprintf(" <@%s> was promoted from the waitlist.", res.Promoted[0].UserID)
		}
		return textResponse(msg), res.Notices, nil
	case adminSubcommandClose:
		ev, err := r.scheduler.CloseEvent(ctx, eventID)
		if err != nil {
			return nil, nil, err
		}
		return textResponse(
			fmt.Sprintf("Closed **%s** with %d attendees.", ev.Name, ev.RegistrationsCount),
		), nil, nil
	case adminSubcommandCancel:
		res, err := r.engine.CancelEvent(ctx, eventID)
		if err != nil {
			return nil, nil, err
		}
		return textResponse(
			fmt.Sprintf("Cancelled **%s**, notifying %d members.", res.Event.Name, len(res.Notices)),
		), res.Notices, nil
	case adminSubcommandReconcile:
		rep, err := r.engine.Reconcile(ctx, eventID)
		if err != nil {
			return nil, nil, err
		}
		if !rep.Changed() {
			return textResponse("Nothing to fix, the event is consistent."), nil, nil
		}
		return textResponse(
			fmt.Sprintf(
				"Reconciled: registrations %d → %d, waitlist %d → %d, %d renumbered, %d keys reclaimed.",
				rep.RegistrationsBefore,
				rep.RegistrationsAfter,
				rep.WaitlistBefore,
				rep.WaitlistAfter,
				rep.Renumbered,
				rep.KeysReclaimed,
			),
		), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown subcommand: %s", sub)
	}
}

// runComponent handles button presses. The only component is the
// 'join waitlist' button offered when registering for a full event.
func (r *Rollcall) runComponent(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
	opts CommandOptions,
) (*discordgo.InteractionResponseData, []Notice) {
	logger := contextLoggerOr(ctx, r.logger)
	customID := i.MessageComponentData().CustomID
	eventID, ok := strings.CutPrefix(customID, customIDJoinWaitlist)
	if !ok || eventID == "" {
		logger.WarnContext(ctx, "unknown component", "custom_id", customID)
		return &discordgo.InteractionResponseData{Content: opts.DiscordErrorMessage}, nil
	}
	data, notices, err := r.commandJoinWaitlist(ctx, u, eventID)
	if err != nil {
		logger.WarnContext(ctx, "error joining waitlist", tint.Err(err))
		return &discordgo.InteractionResponseData{Content: commandErrorMessage(err, opts)}, nil
	}
	return data, notices
}

// autocompleteResponse suggests active events matching the focused
// option's current input
func (r *Rollcall) autocompleteResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	var query string
	_, options := subcommand(i)
	if opt, ok := options[eventOptionID]; ok && opt.Focused {
		query = strings.ToLower(opt.StringValue())
	}

	choices := []*discordgo.ApplicationCommandOptionChoice{}
	events, err := r.engine.Events().ListActive(ctx)
	if err != nil {
		contextLoggerOr(ctx, r.logger).ErrorContext(ctx, "error listing events", tint.Err(err))
	}
	for _, ev := range events {
		if len(choices) == discordMaxAutocompleteChoices {
			break
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(ev.Name), query) &&
			!strings.HasPrefix(ev.ID, query) {
			continue
		}
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  truncate(fmt.Sprintf("%s (%s)", ev.Name, ev.StartDate.Format("Jan 2 15:04")), 100),
				Value: ev.ID,
			},
		)
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	}
}

// commandErrorMessage maps an error from a command to the message
// shown to the user
func commandErrorMessage(err error, opts CommandOptions) string {
	switch {
	case errors.Is(err, ErrEventNotFound):
		return "That event doesn't exist."
	case errors.Is(err, ErrEventInactive):
		return "That event isn't open for registration."
	case errors.Is(err, ErrAlreadyConfirmed):
		return "You're already registered for this event."
	case errors.Is(err, ErrAlreadyWaitlisted):
		return "You're already on the waitlist for this event."
	case errors.Is(err, ErrAlreadyRegistered):
		return "That member is already registered."
	case errors.Is(err, ErrNotRegistered):
		return "Not registered for this event."
	case errors.Is(err, ErrCapacityExceeded):
		return "This event is full."
	case errors.Is(err, ErrConcurrentModification):
		return "This event is busy right now, please try again."
	case errors.Is(err, ErrInvalidEvent):
		return "Invalid event: " + truncate(err.Error(), 1500)
	case errors.Is(err, errPermissionDenied):
		return "You need the Manage Events permission to do that."
	default:
		if opts.DiscordErrorMessage != "" {
			return opts.DiscordErrorMessage
		}
		return DefaultDiscordErrorMessage
	}
}

func hasAdminPermission(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&adminPermissions != 0
}

func requiredEventOption(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	opt, ok := options[eventOptionID]
	if !ok || strings.TrimSpace(opt.StringValue()) == "" {
		return "", fmt.Errorf("%w: missing event", ErrEventNotFound)
	}
	return strings.TrimSpace(opt.StringValue()), nil
}

func requiredUserOption(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	opt, ok := options[eventOptionUser]
	if !ok {
		return "", fmt.Errorf("%w: missing user", ErrNotRegistered)
	}
	u := opt.UserValue(nil)
	if u == nil || u.ID == "" {
		return "", fmt.Errorf("%w: missing user", ErrNotRegistered)
	}
	return u.ID, nil
}

// eventSpecFromOptions builds an EventSpec from '/event-admin create'
func eventSpecFromOptions(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (EventSpec, error) {
	var spec EventSpec
	if opt, ok := options[eventOptionName]; ok {
		spec.Name = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := options[eventOptionDescription]; ok {
		spec.Description = opt.StringValue()
	}
	if opt, ok := options[eventOptionCapacity]; ok {
		spec.Capacity = int(opt.IntValue())
	}
	if opt, ok := options[eventOptionChannel]; ok {
		if ch := opt.ChannelValue(nil); ch != nil {
			spec.ChannelID = ch.ID
		}
	}
	if opt, ok := options[eventOptionKeys]; ok {
		spec.AccessKeys = parseAccessKeys(opt.StringValue())
	}

	opt, ok := options[eventOptionStart]
	if !ok {
		return spec, fmt.Errorf("%w: missing start time", ErrInvalidEvent)
	}
	start, err := parseEventTime(opt.StringValue())
	if err != nil {
		return spec, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	spec.StartDate = start

	duration := time.Hour
	if opt, ok = options[eventOptionDuration]; ok {
		duration = time.Duration(opt.IntValue()) * time.Minute
	}
	spec.EndDate = start.Add(duration)
	return spec, nil
}

// parseEventTime parses a start time in one of eventTimeLayouts, or a
// unix timestamp
func parseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (use YYYY-MM-DD HH:MM, in UTC)", s)
}

// parseAccessKeys splits a comma and/or whitespace separated key list,
// dropping empty entries
func parseAccessKeys(s string) []string {
	fields := strings.FieldsFunc(
		s, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n' || r == '\t'
		},
	)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func spotsText(ev Event) string {
	if ev.Capacity == 0 {
		return fmt.Sprintf("%d registered", ev.RegistrationsCount)
	}
	if left := ev.SpotsLeft(); left > 0 {
		return fmt.Sprintf("%d/%d spots left", left, ev.Capacity)
	}
	return fmt.Sprintf("full, %d waiting", ev.WaitlistCount)
}

func registrationText(reg Registration) string {
	switch reg.Status {
	case StatusConfirmed:
		return "registered"
	case StatusWaitlist:
		return fmt.Sprintf("waitlist #%d", reg.Position())
	case StatusCancelled:
		return "cancelled"
	case StatusCompleted:
		return "attended"
	default:
		return reg.Status.String()
	}
}

func textResponse(content string) *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{Content: truncate(content, discordMaxMessageLength)}
}

func messageResponse(opts CommandOptions, content string) *discordgo.InteractionResponse {
	data := textResponse(content)
	if opts.EphemeralResponses {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}
