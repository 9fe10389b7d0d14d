package rollcall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, time.March, 14, 18, 0, 0, 0, time.UTC)

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(io.Discard, &tint.Options{Level: slog.LevelDebug}),
	).With("test_name", t.Name())
}

// newTestDB returns a write handle for a freshly migrated sqlite
// database in a temp directory
func newTestDB(t testing.TB) DBI {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollcall.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, path)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, testLogger(t), false)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notifierCall struct {
	Method  string
	EventID string
	UserIDs []string
	Old     RegistrationStatus
	New     RegistrationStatus
	Key     *AccessKey
}

// recordingNotifier records every call. Deliveries to users in failFor
// return an error, but the remaining users are still recorded.
type recordingNotifier struct {
	mu      sync.Mutex
	calls   []notifierCall
	failFor map[string]bool
}

func newRecordingNotifier(failFor ...string) *recordingNotifier {
	n := &recordingNotifier{failFor: map[string]bool{}}
	for _, u := range failFor {
		n.failFor[u] = true
	}
	return n
}

func (n *recordingNotifier) record(call notifierCall) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	delivered := make([]string, 0, len(call.UserIDs))
	for _, u := range call.UserIDs {
		if n.failFor[u] {
			errs = append(errs, fmt.Errorf("delivery to %s failed", u))
			continue
		}
		delivered = append(delivered, u)
	}
	call.UserIDs = delivered
	n.calls = append(n.calls, call)
	return errors.Join(errs...)
}

func (n *recordingNotifier) batch(method string, ev Event, regs []Registration) error {
	ids := make([]string, 0, len(regs))
	for _, r := range regs {
		ids = append(ids, r.UserID)
	}
	return n.record(notifierCall{Method: method, EventID: ev.ID, UserIDs: ids})
}

func (n *recordingNotifier) NotifyReminder(_ context.Context, ev Event, regs []Registration) error {
	return n.batch("reminder", ev, regs)
}

func (n *recordingNotifier) NotifyStarted(_ context.Context, ev Event, regs []Registration) error {
	return n.batch("started", ev, regs)
}

func (n *recordingNotifier) NotifyEnded(_ context.Context, ev Event, regs []Registration) error {
	return n.batch("ended", ev, regs)
}

func (n *recordingNotifier) NotifyStatusChanged(
	_ context.Context,
	ev Event,
	reg Registration,
	old RegistrationStatus,
	current RegistrationStatus,
) error {
	return n.record(
		notifierCall{
			Method:  "status_changed",
			EventID: ev.ID,
			UserIDs: []string{reg.UserID},
			Old:     old,
			New:     current,
		},
	)
}

func (n *recordingNotifier) NotifyWaitlistPromoted(
	_ context.Context,
	ev Event,
	reg Registration,
	key *AccessKey,
) error {
	return n.record(
		notifierCall{
			Method:  "waitlist_promoted",
			EventID: ev.ID,
			UserIDs: []string{reg.UserID},
			Key:     key,
		},
	)
}

// Calls returns the recorded calls for method
func (n *recordingNotifier) Calls(method string) []notifierCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	var calls []notifierCall
	for _, c := range n.calls {
		if c.Method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

type testEngine struct {
	*Engine
	clock    *testClock
	notifier *recordingNotifier
}

func newTestEngine(t testing.TB) *testEngine {
	t.Helper()
	clock := newTestClock()
	notifier := newRecordingNotifier()
	e := NewEngine(newTestDB(t), notifier, testLogger(t))
	e.now = clock.Now
	e.events.now = clock.Now
	e.registrations.now = clock.Now
	return &testEngine{Engine: e, clock: clock, notifier: notifier}
}

// createEvent creates an event starting in two hours and lasting one
func (te *testEngine) createEvent(t testing.TB, capacity int, keys ...string) *Event {
	t.Helper()
	start := te.clock.Now().Add(2 * time.Hour)
	ev, err := te.events.Create(
		context.Background(), EventSpec{
			Name:       fmt.Sprintf("%s event", t.Name()),
			Capacity:   capacity,
			StartDate:  start,
			EndDate:    start.Add(time.Hour),
			AccessKeys: keys,
			CreatedBy:  "test",
		},
	)
	require.NoError(t, err)
	return ev
}

func (te *testEngine) getEvent(t testing.TB, id string) *Event {
	t.Helper()
	ev, err := te.events.Get(context.Background(), id)
	require.NoError(t, err)
	return ev
}

// assertInvariants checks an event's counters, waitlist positions and
// key pool against its registrations
func (te *testEngine) assertInvariants(t testing.TB, eventID string) {
	t.Helper()
	ctx := context.Background()
	ev := te.getEvent(t, eventID)

	confirmed, err := te.registrations.ListConfirmed(ctx, eventID)
	require.NoError(t, err)
	completed, err := te.registrations.List(ctx, eventID, StatusCompleted)
	require.NoError(t, err)
	waitlist, err := te.registrations.ListWaitlist(ctx, eventID)
	require.NoError(t, err)

	assert.Equal(t, len(confirmed)+len(completed), ev.RegistrationsCount, "registrations count")
	if ev.Capacity > 0 {
		assert.LessOrEqual(t, ev.RegistrationsCount, ev.Capacity, "over capacity")
	}
	assert.Equal(t, len(waitlist), ev.WaitlistCount, "waitlist count")
	for i, reg := range waitlist {
		require.NotNil(t, reg.WaitlistPosition, "waitlisted without position")
		assert.Equal(t, i+1, *reg.WaitlistPosition, "waitlist positions not contiguous")
	}

	confirmedUsers := map[string]bool{}
	for _, reg := range confirmed {
		assert.Nil(t, reg.WaitlistPosition)
		confirmedUsers[reg.UserID] = true
	}
	for _, reg := range waitlist {
		assert.False(t, confirmedUsers[reg.UserID], "user %s confirmed and waitlisted", reg.UserID)
	}

	holders := map[string]bool{}
	for _, k := range ev.AccessKeys {
		if k.IssuedTo == nil {
			continue
		}
		assert.False(t, holders[*k.IssuedTo], "user %s holds two keys", *k.IssuedTo)
		holders[*k.IssuedTo] = true
	}
}

func TestTestClock(t *testing.T) {
	c := newTestClock()
	assert.Equal(t, testEpoch, c.Now())
	c.Advance(time.Minute)
	assert.Equal(t, testEpoch.Add(time.Minute), c.Now())
}

// newTestConfig returns a config for a bot using a temporary sqlite
// database, with listeners on random ports
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "rollcall.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "test-secret"
	cfg.Discord.WebhookServer.Listen = "127.0.0.1:0"
	cfg.StartupTimeout = 30 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	return cfg
}

// stubInteractionHandler records responses instead of sending them
type stubInteractionHandler struct {
	GatewayHandler
	responses chan *discordgo.InteractionResponse
}

func (s stubInteractionHandler) Respond(_ context.Context, resp *discordgo.InteractionResponse) error {
	s.responses <- resp
	return nil
}

type testBot struct {
	*Rollcall
	session  *mockDiscordSession
	notifier *recordingNotifier
}

// newTestRollcall returns an initialized bot with a mock discord
// session and a recording notifier. Nothing is listening, and the
// scheduler isn't running.
func newTestRollcall(t testing.TB) *testBot {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard

	r, err := New(newTestConfig(t))
	require.NoError(t, err)

	r.logger = testLogger(t)
	session := newMockDiscordSession()
	notifier := newRecordingNotifier()
	r.discord.session = session
	r.discord.logger = testLogger(t)
	r.notifier = notifier

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, r.initRun(ctx, context.Background()))
	t.Cleanup(
		func() {
			r.backgroundWG.Wait()
			if sqlDB, e := r.db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return &testBot{Rollcall: r, session: session, notifier: notifier}
}

// handle runs i through handleInteraction, returning the response
// (or nil, if none was sent)
func (b *testBot) handle(t testing.TB, i *discordgo.InteractionCreate) *discordgo.InteractionResponse {
	t.Helper()
	handler := stubInteractionHandler{
		GatewayHandler: GatewayHandler{
			session:     b.session,
			interaction: i,
			logger:      testLogger(t),
			config:      b.RuntimeConfig().CommandOptions,
		},
		responses: make(chan *discordgo.InteractionResponse, 10),
	}
	b.handleInteraction(context.Background(), handler)
	b.backgroundWG.Wait()
	select {
	case resp := <-handler.responses:
		return resp
	default:
		return nil
	}
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid database type")
}

func TestRollcall_ValidateConfig(t *testing.T) {
	bot := newTestRollcall(t)
	require.NoError(t, bot.ValidateConfig())

	bot.config.Discord.Token = ""
	assert.Error(t, bot.ValidateConfig())
}

func TestRollcall_InitRun(t *testing.T) {
	bot := newTestRollcall(t)

	assert.True(t, bot.pendingSetup.Load(), "no admin credentials yet")
	assert.False(t, bot.paused.Load())
	require.NotNil(t, bot.engine)
	require.NotNil(t, bot.scheduler)
	require.NotNil(t, bot.dbNotifier)
	assert.Nil(t, bot.discordWebhookServer)
	assert.Nil(t, bot.redis)

	cfg := bot.RuntimeConfig()
	assert.Equal(t, DefaultRuntimeConfig().DiscordErrorMessage, cfg.DiscordErrorMessage)
}

func TestRollcall_PauseResume(t *testing.T) {
	bot := newTestRollcall(t)
	ctx := context.Background()

	assert.True(t, bot.Pause(ctx))
	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)
	assert.True(t, bot.scheduler.paused())
	assert.False(t, bot.Pause(ctx), "already paused")

	stored, err := loadRuntimeConfig(ctx, bot.writeDB)
	require.NoError(t, err)
	assert.True(t, stored.Paused)

	assert.True(t, bot.Resume(ctx))
	assert.False(t, bot.paused.Load())
	assert.False(t, bot.Resume(ctx), "not paused")
}

func TestRollcall_PausedInteraction(t *testing.T) {
	bot := newTestRollcall(t)
	require.True(t, bot.Pause(context.Background()))

	resp := bot.handle(t, slashCommand("u1", 0, DiscordSlashCommandEvent, eventSubcommandList))
	require.NotNil(t, resp)
	assert.Equal(t, bot.RuntimeConfig().DiscordPausedMessage, resp.Data.Content)
}

func TestRollcall_UpdateRuntimeConfig(t *testing.T) {
	bot := newTestRollcall(t)
	ctx := context.Background()

	bot.discord.connected.Store(true)
	status := "now registering"
	level := DBLogLevelDebug
	cfg, err := bot.UpdateRuntimeConfig(
		ctx, RuntimeConfigUpdate{
			DiscordCustomStatus: &status,
			SchedulerLogLevel:   &level,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, status, cfg.DiscordCustomStatus)
	assert.Equal(t, status, bot.RuntimeConfig().DiscordCustomStatus)
	assert.Equal(t, slog.LevelDebug, bot.config.Scheduler.LogLevel.Level())

	updates := bot.session.StatusUpdates()
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Activities, 1)
	assert.Equal(t, status, updates[0].Activities[0].State)

	// no change, no status update
	_, err = bot.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{DiscordCustomStatus: &status})
	require.NoError(t, err)
	assert.Len(t, bot.session.StatusUpdates(), 1)

	bad := DBLogLevel("LOUD")
	_, err = bot.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{LogLevel: &bad})
	assert.Error(t, err)
}

func TestRollcall_GatewayToggle(t *testing.T) {
	bot := newTestRollcall(t)
	ctx := context.Background()

	disabled := false
	_, err := bot.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{DiscordGatewayEnabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, 1, bot.session.closed)

	enabled := true
	_, err = bot.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{DiscordGatewayEnabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, 1, bot.session.opened)
}

func TestRollcall_RefreshRuntimeConfig(t *testing.T) {
	bot := newTestRollcall(t)
	ctx := context.Background()

	// another instance pauses the bot
	_, _, err := updateRuntimeConfig(ctx, bot.writeDB, RuntimeConfigUpdate{Paused: ptr(true)})
	require.NoError(t, err)
	assert.False(t, bot.paused.Load())

	bot.refreshRuntimeConfig(ctx, true)
	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)
}

func TestRollcall_DispatchAsync(t *testing.T) {
	bot := newTestRollcall(t)
	ctx := context.Background()

	ev, err := bot.engine.Events().Create(
		ctx, EventSpec{
			Name:      "dispatch",
			Capacity:  1,
			StartDate: time.Now().Add(time.Hour),
			EndDate:   time.Now().Add(2 * time.Hour),
		},
	)
	require.NoError(t, err)
	_, err = bot.engine.Register(ctx, "a", ev.ID)
	require.NoError(t, err)
	_, err = bot.engine.AddToWaitlist(ctx, "b", ev.ID)
	require.NoError(t, err)

	res, err := bot.engine.Cancel(ctx, "a", ev.ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.Notices)

	bot.dispatchAsync(ctx, res.Notices)
	bot.backgroundWG.Wait()

	promoted := bot.notifier.Calls("waitlist_promoted")
	require.Len(t, promoted, 1)
	assert.Equal(t, []string{"b"}, promoted[0].UserIDs)
}

func TestRollcall_RegisterSlashCommands(t *testing.T) {
	bot := newTestRollcall(t)
	created, err := bot.RegisterSlashCommands()
	require.NoError(t, err)
	assert.Len(t, created, 2)
}

func TestRollcall_SetRuntimeLevels(t *testing.T) {
	bot := newTestRollcall(t)
	cfg := DefaultRuntimeConfig()
	cfg.LogLevel = DBLogLevelError
	cfg.APILogLevel = DBLogLevelWarn
	cfg.DatabaseLogLevel = DBLogLevelDebug

	bot.setRuntimeLevels(cfg)
	assert.Equal(t, slog.LevelError, bot.config.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, bot.config.API.LogLevel.Level())
	assert.Equal(t, slog.LevelDebug, bot.config.DatabaseLogLevel.Level())
}

func ptr[T any](v T) *T {
	return &v
}
