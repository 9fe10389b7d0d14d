// Package rollcall implements a Discord bot that runs community events:
// registration with a fixed number of spots, a first-come waitlist for
// everyone after that, and a pool of access keys handed out to confirmed
// participants.
//
// Key components of the package include:
//
//   - Rollcall: owns the database, the Discord session and the HTTP servers.
//   - Engine: registers users, maintains the waitlist and issues keys. Every
//     change to an event happens in one transaction, so counters, waitlist
//     positions and key assignments never drift apart.
//   - Scheduler: sends reminders before an event starts, announces the start,
//     and closes events once they've ended.
//   - Notifier: delivers direct messages and channel announcements.
//   - API: admin backend for managing events and the bot's runtime config.
//
// Users interact through the '/event' command (list, info, register,
// waitlist, leave-waitlist, cancel, mine). Moderators use '/event-admin'
// to create events, promote or add participants, and close or cancel events.
//
// Interactions can be received over the gateway, or over HTTP via the
// webhook server.
package rollcall
