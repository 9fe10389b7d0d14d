package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/provnuk88/dsv2-sub000/rollcall.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const (
	runtimeConfigRefreshTimeout = 30 * time.Second
	shutdownAnnounceInterval    = 10 * time.Second
	noticeDispatchTimeout       = 5 * time.Minute
)

// Rollcall is the bot: it owns the database, the registration engine,
// the lifecycle scheduler, the Discord session, and the HTTP servers.
type Rollcall struct {
	config *Config

	// read handle. Writes go through writeDB
	db      *gorm.DB
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	engine    *Engine
	scheduler *Scheduler
	notifier  Notifier
	discord   *Discord
	redis     *redis.Client

	api                  *API
	discordWebhookServer *DiscordWebhookServer
	dbNotifier           DBNotifier

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	triggerRuntimeConfigRefreshCh chan bool

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// While paused, commands get [CommandOptions.DiscordPausedMessage]
	// and scheduler ticks are skipped
	paused atomic.Bool

	// pendingSetup is set while no admin credentials exist. The admin
	// API only accepts the setup endpoint until they're set.
	pendingSetup atomic.Bool

	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// interaction received over the gateway. Webhook interactions wrap
	// its result.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// notices being dispatched after a response
	backgroundWG sync.WaitGroup
}

// New creates a Rollcall from config. Nothing is connected until Run.
func New(config *Config) (*Rollcall, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	r := &Rollcall{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	r.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	r.logger = slog.New(r.logHandler)
	slog.SetDefault(r.logger)

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	disc.httpClient = config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.rc = r
	r.discord = disc

	api, err := newAPI(r, config.API)
	errs = append(errs, err)
	r.api = api

	r.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     r.discord.session,
			interaction: i,
			config:      r.RuntimeConfig().CommandOptions,
			logger:      r.logger.With(loggerNameKey, "interaction"),
		}
	}

	return r, errors.Join(errs...)
}

func (r *Rollcall) ValidateConfig() error {
	return structValidator.Struct(r.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (r *Rollcall) RuntimeConfig() RuntimeConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	if r.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *r.runtimeConfig
}

// Engine returns the registration engine. It's nil until Run has
// initialized the database.
func (r *Rollcall) Engine() *Engine {
	return r.engine
}

// RegisterSlashCommands overwrites the bot's slash commands
func (r *Rollcall) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if r.discord.session == nil {
		session, err := r.discord.newSession()
		if err != nil {
			return nil, err
		}
		r.discord.session = session
	}
	return r.discord.registerCommands(options...)
}

// Sweep runs the reminder, start and closure sweeps once, without
// serving HTTP or connecting to the gateway. Notifications are sent
// over Discord's REST API.
func (r *Rollcall) Sweep(ctx context.Context) (report SweepReport, err error) {
	err = r.runOnce(
		ctx, func(ctx context.Context) error {
			var sweepErr error
			report, sweepErr = r.scheduler.Sweep(ctx)
			return sweepErr
		},
	)
	return report, err
}

// Reconcile repairs the counters, waitlist positions and key
// assignments of a single event. See [Engine.Reconcile].
func (r *Rollcall) Reconcile(ctx context.Context, eventID string) (report *ReconcileReport, err error) {
	err = r.runOnce(
		ctx, func(ctx context.Context) error {
			var reconcileErr error
			report, reconcileErr = r.engine.Reconcile(ctx, eventID)
			return reconcileErr
		},
	)
	return report, err
}

// runOnce initializes the database and engine, calls fn, and waits
// for any notices it queued before returning.
func (r *Rollcall) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if err := r.ValidateConfig(); err != nil {
		return err
	}
	ctx = WithLogger(ctx, r.logger)
	if err := r.initRun(ctx, ctx); err != nil {
		return err
	}
	defer func() {
		r.backgroundWG.Wait()
		if r.redis != nil {
			_ = r.redis.Close()
		}
	}()
	return fn(ctx)
}

// Run starts the bot and blocks until ctx is cancelled or a stop
// signal is received, then shuts down gracefully.
func (r *Rollcall) Run(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.startedAt = time.Now()
	logger := r.logger

	if err := r.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", r.config))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-r.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, r.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- r.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if httpErr := r.api.Serve(ctx); httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()
	if r.pendingSetup.Load() {
		logger.WarnContext(
			ctx,
			fmt.Sprintf("admin credentials not set, pending setup at: %s%s", r.config.API.Listen, apiPathSetup),
		)
	}

	runtimeCfg := r.RuntimeConfig()

	if r.discordWebhookServer != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := r.discordWebhookServer.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
			}
		}()
	} else if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if err := r.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	if err := r.discordInit(ctx, runtimeCfg); err != nil {
		return err
	}

	r.startRuntimeConfigRefresher(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if err := r.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "scheduler stopped", tint.Err(err))
		}
	}()

	for _, channel := range []string{
		r.dbNotifier.RuntimeConfigChannelName(),
		r.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := r.dbNotifier.Listen(ctx, ch); e != nil {
				logger.ErrorContext(ctx, "error listening to channel", "channel", ch, tint.Err(e))
			}
		}(channel)
	}

	select {
	case r.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	<-ctx.Done()
	return r.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads the runtime config and builds the
// components that depend on them
func (r *Rollcall) initRun(startCtx context.Context, ctx context.Context) error {
	if err := r.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	cfg, err := loadRuntimeConfig(startCtx, r.writeDB)
	if err != nil {
		return err
	}
	if err = structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	r.pendingSetup.Store(cfg.AdminUsername == "" || cfg.AdminPassword == "")
	r.paused.Store(cfg.Paused)
	r.cfgMu.Lock()
	r.runtimeConfig = cfg
	r.cfgMu.Unlock()
	r.setRuntimeLevels(*cfg)

	notifier, err := newDBNotifier(r)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	r.dbNotifier = notifier

	if r.discord.session == nil {
		session, sessErr := r.discord.newSession()
		if sessErr != nil {
			return sessErr
		}
		r.discord.session = session
	}

	if r.notifier == nil {
		discordNotifier := NewDiscordNotifier(
			r.discord.session,
			rate.NewLimiter(
				rate.Limit(r.config.Discord.DMRequestsPerSecond),
				r.config.Discord.DMBurst,
			),
			r.discord.logger,
		)
		discordNotifier.announceChannel = func() string {
			return r.RuntimeConfig().DiscordNotificationChannelID
		}
		r.notifier = discordNotifier
	}
	r.engine = NewEngine(r.writeDB, r.notifier, r.logger)

	schedulerLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     r.config.Scheduler.LogLevel,
				AddSource: true,
			},
		),
	)
	locker := NewLocalSweepLocker()
	if r.config.Redis != nil && r.config.Redis.Addr != "" {
		client, redisErr := newRedisClient(startCtx, r.config.Redis)
		if redisErr != nil {
			return redisErr
		}
		r.redis = client
		locker = NewRedisSweepLocker(
			client,
			r.config.Redis.KeyPrefix,
			r.config.Scheduler.LockTTL,
			schedulerLogger,
		)
	}
	r.scheduler = NewScheduler(r.writeDB, r.notifier, locker, *r.config.Scheduler, schedulerLogger)
	r.scheduler.paused = r.paused.Load

	if r.config.Discord.WebhookServer.Enabled && r.discordWebhookServer == nil {
		srv, srvErr := newWebhookServer(ctx, r, r.config.Discord.WebhookServer)
		if srvErr != nil {
			return srvErr
		}
		r.discordWebhookServer = srv
	}
	return nil
}

// initDB opens and migrates the database
func (r *Rollcall) initDB(ctx context.Context) error {
	if r.writeDB != nil {
		r.db = r.writeDB.DB()
		return nil
	}
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     r.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db, err := getDB(
		r.config.DatabaseType,
		r.config.Database,
		newGORMLogger(handler, r.config.DatabaseSlowThreshold),
	)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if r.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	r.logger.DebugContext(ctx, "migrating database")
	if err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(migrateModels...)
		},
	); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}

	r.db = db
	r.writeDB = NewDatabase(db, r.logger, r.config.DatabaseType == dbTypePostgres)
	return nil
}

func (r *Rollcall) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := r.logger.With(loggerNameKey, "discord_session")
	if r.discord.session == nil {
		session, err := r.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		r.discord.session = session
	}
	ctx = WithLogger(ctx, logger)

	for _, h := range r.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	r.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  r.config.Discord.GatewayIntents,
			Presence: identifyPresence(r.RuntimeConfig()),
		},
	)

	r.discord.discordgoRemoveHandlerFuncs = []func(){
		r.discord.session.AddHandler(r.discord.handlerConnect()),
		r.discord.session.AddHandler(r.discord.handlerDisconnect()),
		r.discord.session.AddHandler(r.discord.handlerReady()),
		r.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := r.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					r.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the gateway connection, if enabled
func (r *Rollcall) discordInit(ctx context.Context, runtimeCfg RuntimeConfig) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	r.logger.InfoContext(ctx, "connecting to discord")
	if err := r.discord.session.Open(); err != nil {
		r.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

// dispatchAsync delivers notices in the background, so the caller can
// respond first. Shutdown waits for in-flight dispatches.
func (r *Rollcall) dispatchAsync(ctx context.Context, notices []Notice) {
	if len(notices) == 0 {
		return
	}
	logger := contextLoggerOr(ctx, r.logger)
	r.backgroundWG.Add(1)
	go func() {
		defer r.backgroundWG.Done()
		dispatchCtx, cancel := context.WithTimeout(
			WithLogger(context.WithoutCancel(ctx), logger),
			noticeDispatchTimeout,
		)
		defer cancel()
		if err := r.engine.Dispatch(dispatchCtx, notices); err != nil {
			logger.WarnContext(dispatchCtx, "some notices were not delivered", tint.Err(err))
		}
	}()
}

// Pause stops command handling and scheduler sweeps. Returns false if
// already paused.
func (r *Rollcall) Pause(ctx context.Context) bool {
	paused := true
	_, changed, err := r.updateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: &paused})
	if err != nil {
		r.logger.ErrorContext(ctx, "unable to pause", tint.Err(err))
		return false
	}
	return changed
}

// Resume reverses Pause. Returns false if not paused.
func (r *Rollcall) Resume(ctx context.Context) bool {
	paused := false
	_, changed, err := r.updateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: &paused})
	if err != nil {
		r.logger.ErrorContext(ctx, "unable to resume", tint.Err(err))
		return false
	}
	return changed
}

// UpdateRuntimeConfig persists update, applies it to this instance and
// notifies other instances
func (r *Rollcall) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (*RuntimeConfig, error) {
	cfg, _, err := r.updateRuntimeConfig(ctx, update)
	return cfg, err
}

func (r *Rollcall) updateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (*RuntimeConfig, bool, error) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	cfg, changed, err := updateRuntimeConfig(ctx, r.writeDB, update)
	if err != nil {
		return nil, false, err
	}
	if len(changed) == 0 {
		return cfg, false, nil
	}
	r.logger.InfoContext(ctx, "updated runtime config", "changes", changed)

	previous := r.runtimeConfig
	if previous == nil {
		d := DefaultRuntimeConfig()
		previous = &d
	}
	r.unsafeApplyRuntimeConfig(previous, cfg)

	if r.dbNotifier != nil && r.config.DatabaseType == dbTypePostgres {
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), apiRuntimeConfigNotifyTimeout)
			defer cancel()
			if !r.dbNotifier.ReloadRuntimeConfig(notifyCtx) {
				r.logger.Warn("error sending config update notification")
			}
		}()
	}
	current := *cfg
	return &current, true, nil
}

func (r *Rollcall) startRuntimeConfigRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	if ttl := r.config.RuntimeConfigTTL; ttl > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case r.triggerRuntimeConfigRefreshCh <- false:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-r.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				r.refreshRuntimeConfig(refreshCtx, force)
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the runtime config from the database.
// Unless force is set, the reload is skipped when the stored config
// hasn't changed since it was last loaded.
func (r *Rollcall) refreshRuntimeConfig(ctx context.Context, force bool) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	var refreshed RuntimeConfig
	if err := r.db.WithContext(ctx).Take(&refreshed).Error; err != nil {
		r.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}
	previous := r.runtimeConfig
	if previous == nil {
		d := DefaultRuntimeConfig()
		previous = &d
	}
	if !force && refreshed.UpdatedAt == previous.UpdatedAt {
		r.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	r.unsafeApplyRuntimeConfig(previous, &refreshed)
}

// unsafeApplyRuntimeConfig makes current the active config, updating
// the gateway connection and presence to match. cfgMu must be held.
func (r *Rollcall) unsafeApplyRuntimeConfig(previous *RuntimeConfig, current *RuntimeConfig) {
	r.runtimeConfig = current
	r.setRuntimeLevels(*current)
	r.pendingSetup.Store(current.AdminUsername == "" || current.AdminPassword == "")

	wasPaused := r.paused.Swap(current.Paused)
	switch {
	case wasPaused && !current.Paused:
		r.logger.Info("bot resumed")
	case current.Paused && !wasPaused:
		r.logger.Warn("bot paused")
	}

	session := r.discord.session
	if session == nil {
		return
	}
	switch {
	case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
		if err := session.Close(); err != nil {
			r.logger.Error("error closing discord connection", tint.Err(err))
		}
	case !previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
		session.SetIdentify(
			discordgo.Identify{
				Intents:  r.config.Discord.GatewayIntents,
				Presence: identifyPresence(*current),
			},
		)
		if err := session.Open(); err != nil {
			r.logger.Error("error opening discord connection", tint.Err(err))
		}
	case current.DiscordGatewayEnabled &&
		(previous.Paused != current.Paused ||
			previous.DiscordCustomStatus != current.DiscordCustomStatus):
		if !r.discord.connected.Load() {
			return
		}
		if err := session.UpdateStatusComplex(getDiscordPresenceStatusUpdate(*current)); err != nil {
			r.logger.Error("error updating discord status", tint.Err(err))
		}
	}
}

// setRuntimeLevels sets the log levels of each component
func (r *Rollcall) setRuntimeLevels(state RuntimeConfig) {
	r.config.LogLevel.Set(state.LogLevel.Level())
	r.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	r.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	r.config.Discord.WebhookServer.LogLevel.Set(state.DiscordWebhookLogLevel.Level())
	r.config.API.LogLevel.Set(state.APILogLevel.Level())
	r.config.Scheduler.LogLevel.Set(state.SchedulerLogLevel.Level())
	r.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
}

// shutdown waits for in-flight work, then stops the HTTP servers and
// the discord session. After ShutdownTimeout, everything is closed
// forcefully.
func (r *Rollcall) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	r.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(r.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	announcementTicker := time.NewTicker(shutdownAnnounceInterval)
	defer announcementTicker.Stop()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		stopWG := &sync.WaitGroup{}

		if r.api != nil && r.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = r.api.httpServer.Shutdown(closeCtx)
				r.logger.InfoContext(ctx, "api server stopped")
			}()
		}
		if r.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				_ = r.discordWebhookServer.httpServer.Shutdown(closeCtx)
				r.logger.InfoContext(ctx, "webhook server stopped")
			}()
		}

		runtimeWG.Wait()
		r.backgroundWG.Wait()
		stopWG.Wait()

		if r.discord.session != nil {
			_ = r.discord.session.Close()
			for _, h := range r.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			r.discord.discordgoRemoveHandlerFuncs = nil
			r.logger.InfoContext(ctx, "discord session closed")
		}
		if r.redis != nil {
			_ = r.redis.Close()
		}
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			r.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			r.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			r.logger.Warn("in-flight work did not stop in time, forcing close")
			if r.api != nil && r.api.httpServer != nil {
				_ = r.api.httpServer.Close()
			}
			if r.discordWebhookServer != nil {
				_ = r.discordWebhookServer.httpServer.Close()
			}
			return errors.New("shutdown timed out")
		}
	}
}
