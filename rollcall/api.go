package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiHealthCheck         = "/healthz"
	apiPathLogin           = "/login"
	apiPathLogout          = "/logout"
	apiPathSetup           = "/setup"
	apiPathSetupStatus     = "/setup/status"
	apiDiscordInteractions = "/discord/interactions"

	apiPathLoggedIn         = "/logged_in"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathConfig           = "/config"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathSweep            = "/scheduler/sweep"

	apiPathEvents                 = "/events"
	apiPathEvent                  = "/events/:id"
	apiPathEventRegistrations     = "/events/:id/registrations"
	apiPathEventPromote           = "/events/:id/promote"
	apiPathEventPromoteAll        = "/events/:id/promote_all"
	apiPathEventParticipants      = "/events/:id/participants"
	apiPathEventParticipant       = "/events/:id/participants/:user_id"
	apiPathEventCancel            = "/events/:id/cancel"
	apiPathEventClose             = "/events/:id/close"
	apiPathEventReconcile         = "/events/:id/reconcile"
	apiPathUsers                  = "/users"
	apiPathUser                   = "/users/:id"
	apiPathUserRegistrations      = "/users/:id/registrations"
	apiDefaultListLimit           = 25
	apiLoginRequestsPerSecond     = 1
	apiStopSignalTimeout          = 30 * time.Second
	apiRuntimeConfigNotifyTimeout = 10 * time.Second
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP API. Everything under apiPrefix requires a
// session, created by logging in with the admin credentials stored in
// [RuntimeConfig].
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store and routes
func newAPI(r *Rollcall, config *APIConfig) (*API, error) {
	engine := gin.New()

	api := &API{
		config:              config,
		engine:              engine,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(apiLoginRequestsPerSecond), 1),
		logger:              r.logger.With(loggerNameKey, "api"),
	}
	handlers := NewAPIHandlers(r, api)
	api.handlers = handlers
	api.store = handlers.store

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		engine.Use(gin.Recovery())
	}
	engine.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		sessions.Sessions(sessionVarName, handlers.store),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		engine.Use(cors.New(corsConfig))
	}

	engine.GET(apiHealthCheck, handlers.healthCheck)
	engine.POST(apiPathLogin, handlers.loginHandler)
	engine.POST(apiPathLogout, handlers.logoutHandler)
	engine.POST(apiPathSetup, handlers.adminSetup)
	engine.GET(apiPathSetupStatus, handlers.setupStatus)

	if config.Development {
		ginPprof.Register(engine, pprofPrefix)
	}

	protected := engine.Group(apiPrefix)
	protected.Use(authMiddleware(r, api))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.POST(apiPathPause, handlers.botPause)
	protected.POST(apiPathResume, handlers.botResume)
	protected.POST(apiPathQuit, handlers.botQuit)
	protected.POST(apiPathRegisterCommands, handlers.discordRegisterCommands)
	protected.POST(apiPathSweep, handlers.sweep)

	protected.GET(apiPathEvents, handlers.listEvents)
	protected.POST(apiPathEvents, handlers.createEvent)
	protected.GET(apiPathEvent, handlers.getEvent)
	protected.PATCH(apiPathEvent, handlers.updateEvent)
	protected.GET(apiPathEventRegistrations, handlers.listRegistrations)
	protected.POST(apiPathEventPromote, handlers.promoteFromWaitlist)
	protected.POST(apiPathEventPromoteAll, handlers.promoteAll)
	protected.POST(apiPathEventParticipants, handlers.addParticipant)
	protected.DELETE(apiPathEventParticipant, handlers.removeParticipant)
	protected.POST(apiPathEventCancel, handlers.cancelEvent)
	protected.POST(apiPathEventClose, handlers.closeEvent)
	protected.POST(apiPathEventReconcile, handlers.reconcileEvent)

	protected.GET(apiPathUsers, handlers.getUsers)
	protected.PATCH(apiPathUser, handlers.updateUser)
	protected.GET(apiPathUserRegistrations, handlers.getUserRegistrations)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	if a.httpServer.TLSConfig == nil {
		a.logger.WarnContext(ctx, "starting api without TLS")
		return a.httpServer.Serve(a.listener)
	}
	return a.httpServer.ServeTLS(a.listener, "", "")
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set in session")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	r      *Rollcall
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. Without a configured
// secret, a random key is generated and sessions don't survive a
// restart.
func NewAPIHandlers(r *Rollcall, api *API) *APIHandlers {
	logger := r.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := r.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(r.config.API))
	return &APIHandlers{r: r, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   config.SSL.Enabled() || config.Development,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{Paused: h.r.paused.Load()}
	if h.r.discord != nil {
		resp.DiscordGatewayConnected = h.r.discord.connected.Load()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.r.pendingSetup.Load()})
}

// adminSetup sets the admin credentials, only while none are set
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.r.cfgMu.Lock()
	defer h.r.cfgMu.Unlock()

	if !h.r.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	cfg := h.r.runtimeConfig
	if _, err = h.r.writeDB.Updates(
		c,
		cfg,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.r.pendingSetup.Store(false)
	logger.Info("admin credentials set", "username", payload.Username)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.r.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil && session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	opts := sessionOptions(h.api.config)
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.r.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// then applies the new config to this instance and notifies others
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg, err := h.r.UpdateRuntimeConfig(c, update)
	if err != nil {
		logger.Error("error updating config", tint.Err(err))
		apiReplyError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if h.r.Pause(c) {
		ginContextLogger(c).Warn("bot paused")
		ginReplyMessage(c, "bot paused")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot already paused"})
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if h.r.Resume(c) {
		ginContextLogger(c).Info("bot resumed")
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// botQuit sends a stop signal to every instance sharing the database
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiStopSignalTimeout)
	defer cancel()

	if h.r.dbNotifier == nil || !h.r.dbNotifier.Stop(ctx) {
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "error sending stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := h.r.RegisterSlashCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// sweep runs every scheduler sweep once, now
func (h *APIHandlers) sweep(c *gin.Context) {
	report, err := h.r.scheduler.Sweep(c)
	if err != nil {
		ginContextLogger(c).Error("sweep failed", tint.Err(err))
		c.JSON(http.StatusInternalServerError, sweepResponse{SweepReport: report, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sweepResponse{SweepReport: report})
}

func (h *APIHandlers) listEvents(c *gin.Context) {
	var query GetEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = apiDefaultListLimit
	}
	events, err := h.r.engine.Events().List(c, query.IncludeInactive, query.Limit, query.Offset)
	if err != nil {
		ginContextLogger(c).Error("error listing events", tint.Err(err))
		ginReplyError(c, "error listing events")
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *APIHandlers) createEvent(c *gin.Context) {
	logger := ginContextLogger(c)
	var spec EventSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if spec.CreatedBy == "" {
		if username, err := h.api.getSessionUsername(c); err == nil {
			spec.CreatedBy = username
		}
	}
	ev, err := h.r.engine.Events().Create(c, spec)
	if err != nil {
		logger.Error("error creating event", tint.Err(err))
		apiReplyError(c, err)
		return
	}
	logger.Info("created event", "event", ev)
	c.Header("Location", apiPrefix+apiPathEvents+"/"+ev.ID)
	c.JSON(http.StatusCreated, ev)
}

func (h *APIHandlers) getEvent(c *gin.Context) {
	ev, err := h.r.engine.Events().Get(c, c.Param("id"))
	if err != nil {
		apiReplyError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *APIHandlers) updateEvent(c *gin.Context) {
	logger := ginContextLogger(c)
	var update EventUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ev, err := h.r.engine.Events().Update(c, c.Param("id"), update)
	if err != nil {
		logger.Warn("error updating event", tint.Err(err))
		apiReplyError(c, err)
		return
	}
	logger.Info("updated event", "event", ev)
	c.JSON(http.StatusOK, ev)
}

func (h *APIHandlers) listRegistrations(c *gin.Context) {
	var query GetRegistrationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	eventID := c.Param("id")
	if _, err := h.r.engine.Events().Get(c, eventID); err != nil {
		apiReplyError(c, err)
		return
	}
	regs, err := h.r.engine.Registrations().List(c, eventID, RegistrationStatus(query.Status))
	if err != nil {
		ginContextLogger(c).Error("error listing registrations", tint.Err(err))
		ginReplyError(c, "error listing registrations")
		return
	}
	c.JSON(http.StatusOK, regs)
}

// replyResult responds with an engine operation's result, and
// dispatches its notices in the background
func (h *APIHandlers) replyResult(c *gin.Context, status int, res *Result, err error) {
	if err != nil {
		ginContextLogger(c).Warn("operation failed", tint.Err(err))
		apiReplyError(c, err)
		return
	}
	c.JSON(status, newResultResponse(res))
	h.r.dispatchAsync(context.Background(), res.Notices)
}

func (h *APIHandlers) promoteFromWaitlist(c *gin.Context) {
	res, err := h.r.engine.PromoteFromWaitlist(c, c.Param("id"))
	h.replyResult(c, http.StatusOK, res, err)
}

func (h *APIHandlers) promoteAll(c *gin.Context) {
	res, err := h.r.engine.PromoteAll(c, c.Param("id"))
	h.replyResult(c, http.StatusOK, res, err)
}

func (h *APIHandlers) addParticipant(c *gin.Context) {
	var payload participantPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	res, err := h.r.engine.AddParticipant(c, c.Param("id"), payload.UserID)
	h.replyResult(c, http.StatusCreated, res, err)
}

func (h *APIHandlers) removeParticipant(c *gin.Context) {
	notify, _ := strconv.ParseBool(c.DefaultQuery("notify", "false"))
	res, err := h.r.engine.RemoveParticipant(c, c.Param("id"), c.Param("user_id"), notify)
	h.replyResult(c, http.StatusOK, res, err)
}

func (h *APIHandlers) cancelEvent(c *gin.Context) {
	res, err := h.r.engine.CancelEvent(c, c.Param("id"))
	h.replyResult(c, http.StatusOK, res, err)
}

func (h *APIHandlers) closeEvent(c *gin.Context) {
	ev, err := h.r.scheduler.CloseEvent(c, c.Param("id"))
	if err != nil {
		apiReplyError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *APIHandlers) reconcileEvent(c *gin.Context) {
	report, err := h.r.engine.Reconcile(c, c.Param("id"))
	if err != nil {
		apiReplyError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *APIHandlers) getUsers(c *gin.Context) {
	var query Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if query.Limit == 0 {
		query.Limit = apiDefaultListLimit
	}
	order := columnUserLastSeen + " desc"
	if query.Order == Ascending {
		order = columnUserLastSeen + " asc"
	}

	var users []User
	if err := h.r.db.WithContext(c).
		Limit(query.Limit).
		Offset(query.Offset).
		Order(order).
		Find(&users).Error; err != nil {
		ginContextLogger(c).Error("error getting users", tint.Err(err))
		ginReplyError(c, "error getting users")
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *APIHandlers) updateUser(c *gin.Context) {
	logger := ginContextLogger(c)
	var update apiPatchUser
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if update.Ignored == nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "nothing to update"})
		return
	}

	u, err := setUserIgnored(c, h.r.writeDB, c.Param("id"), *update.Ignored)
	if err != nil {
		logger.Warn("error updating user", columnUserID, c.Param("id"), tint.Err(err))
		apiReplyError(c, err)
		return
	}
	logger.Info("updated user", "user", u)
	c.JSON(http.StatusOK, u)
}

func (h *APIHandlers) getUserRegistrations(c *gin.Context) {
	regs, err := h.r.engine.Registrations().ListByUser(c, c.Param("id"))
	if err != nil {
		ginContextLogger(c).Error("error listing registrations", tint.Err(err))
		ginReplyError(c, "error listing registrations")
		return
	}
	c.JSON(http.StatusOK, regs)
}

// Pagination represents the pagination parameters for API requests
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort is the order in which results are returned, either
// [Ascending] or [Descending]
type Sort string

type GetEventsQuery struct {
	Pagination
	IncludeInactive bool `form:"include_inactive"`
}

type GetRegistrationsQuery struct {
	Status string `form:"status" binding:"omitempty,oneof=confirmed waitlist cancelled completed"`
}

type participantPayload struct {
	UserID string `json:"user_id" binding:"required"`
}

// apiPatchUser accepts payload to update a User. Nil fields are
// left unchanged.
type apiPatchUser struct {
	Ignored *bool `json:"ignored,omitempty" binding:"omitnil"`
}

// resultResponse is the JSON form of a [Result]
type resultResponse struct {
	Event        *Event         `json:"event"`
	Registration *Registration  `json:"registration,omitempty"`
	Key          *AccessKey     `json:"key,omitempty"`
	Promoted     []Registration `json:"promoted,omitempty"`
	Unchanged    bool           `json:"unchanged,omitempty"`
	Notices      int            `json:"notices"`
}

func newResultResponse(res *Result) resultResponse {
	return resultResponse{
		Event:        res.Event,
		Registration: res.Registration,
		Key:          res.Key,
		Promoted:     res.Promoted,
		Unchanged:    res.Unchanged,
		Notices:      len(res.Notices),
	}
}

type sweepResponse struct {
	SweepReport
	Error string `json:"error,omitempty"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse reports whether admin credentials still need to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// apiErrorStatus maps an error to an HTTP status code
func apiErrorStatus(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, ErrEventNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidEvent), errors.As(err, &validationErrs):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrEventInactive),
		errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, ErrNotRegistered),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrDuplicateRegistration),
		errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func apiReplyError(c *gin.Context, err error) {
	status := apiErrorStatus(err)
	if status == http.StatusInternalServerError {
		ginReplyError(c, "internal server error")
		return
	}
	c.AbortWithStatusJSON(status, httpError{Error: err.Error()})
}

// authMiddleware rejects requests without a logged-in session
func authMiddleware(r *Rollcall, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if r.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.Warn("no session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, set
// on the gin context and the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, set by
// ginLoggingMiddleware, or slog.Default with request details
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	logger := requestLogger(c, slog.Default())
	c.Set(string(loggerContextKey), logger)
	return logger
}

func requestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	return base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
}

// ginLoggingMiddleware logs each request once it finishes, with its
// duration and response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := requestLogger(c, base)
		c.Set(string(loggerContextKey), logger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			logger.Error(msg+" with errors", "duration", latency, "errors", errs.String(), response)
			return
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error(msg, "duration", latency, response)
		case status >= http.StatusBadRequest && !strings.HasSuffix(c.Request.URL.Path, apiHealthCheck):
			logger.Warn(msg, "duration", latency, response)
		default:
			logger.Info(msg, "duration", latency, response)
		}
	}
}

// ginReplyMessage responds 200 with {"message": message}
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with 500 and {"error": err}
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateSchedulerConfig, SchedulerConfig{})
}
