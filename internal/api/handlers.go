package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatstate/internal/app"
	"chatstate/internal/auth"
	"chatstate/internal/config"
	"chatstate/internal/models"
	"chatstate/internal/settings"
)

// keyTemperatureSlider accepts the raw [0,100] slider position.
const keyTemperatureSlider = "APITemperatureSlider"

// Handler wires HTTP routes to the app controller.
type Handler struct {
	app           *app.App
	auth          *auth.Service
	defaults      config.ClientDefaults
	streamTimeout time.Duration
}

// NewHandler constructs a Handler instance. defaults must already be the
// client-exposed projection.
func NewHandler(a *app.App, authService *auth.Service, defaults config.ClientDefaults, streamTimeout time.Duration) *Handler {
	if streamTimeout <= 0 {
		streamTimeout = 2 * time.Minute
	}
	return &Handler{
		app:           a,
		auth:          authService,
		defaults:      defaults,
		streamTimeout: streamTimeout,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/login", h.login)
	api.GET("/defaults", h.getDefaults)

	protected := api.Group("")
	protected.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	protected.POST("/logout", h.logout)
	protected.GET("/state", h.getState)
	protected.GET("/events", h.streamEvents)

	protected.POST("/sessions", h.createSession)
	protected.POST("/sessions/:id/switch", h.switchSession)
	protected.DELETE("/sessions/:id", h.deleteSession)

	protected.PATCH("/settings/global", h.updateGlobal)
	protected.PATCH("/settings/session", h.updateSession)

	protected.POST("/messages", h.appendMessage)
	protected.POST("/messages/clear", h.clearMessages)
	protected.PATCH("/messages/:id", h.editMessage)
	protected.DELETE("/messages/:id", h.deleteMessage)
	protected.POST("/messages/:id/lock", h.toggleLock)
	protected.POST("/messages/:id/copy", h.copyMessage)
	protected.POST("/messages/:id/reanswer", h.reAnswer)
	protected.POST("/chat", h.chat)

	protected.POST("/actions/setting", h.setPanel)
	protected.POST("/actions/fake-role", h.setFakeRole)
	protected.POST("/actions/export", h.export)
	protected.POST("/actions/cancel", h.cancelConfirm)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		ae *models.AuthError
		qe *models.QuotaError
		ne *models.NetworkError
	)
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsConfig(err):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &qe):
		return http.StatusTooManyRequests
	case errors.As(err, &ne):
		return http.StatusBadGateway
	case errors.Is(err, app.ErrExportBusy), errors.Is(err, app.ErrSessionChanged):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorKind(err error) string {
	var (
		ae *models.AuthError
		qe *models.QuotaError
		ne *models.NetworkError
	)
	switch {
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &qe):
		return "quota"
	case errors.As(err, &ne):
		return "network"
	case models.IsNotFound(err):
		return "not_found"
	case models.IsConfig(err):
		return "config"
	}
	return "internal"
}

func (h *Handler) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": errorKind(err)})
}

// respond writes body plus any persistence warnings raised since the last response.
func (h *Handler) respond(c *gin.Context, status int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	if w := h.drainWarnings(); len(w) > 0 {
		body["warning"] = w
	}
	c.JSON(status, body)
}

func (h *Handler) drainWarnings() []string {
	var out []string
	ch := h.app.Store.Warnings()
	for {
		select {
		case err := <-ch:
			out = append(out, err.Error())
		default:
			return out
		}
	}
}

type stateResponse struct {
	Session           any                `json:"session"`
	Actions           models.ActionState `json:"actions"`
	TemperatureSlider int                `json:"temperatureSlider"`
	HasAPIKey         bool               `json:"hasAPIKey"`
	HasPassword       bool               `json:"hasPassword"`
}

func (h *Handler) state() stateResponse {
	v := h.app.Store.Snapshot()
	hasKey, hasPassword := v.Global.APIKey != "", v.Global.Password != ""
	v.Global = v.Global.Redacted()
	return stateResponse{
		Session:           v,
		Actions:           h.app.Actions.State(),
		TemperatureSlider: settings.TemperatureToUI(v.Settings.APITemperature),
		HasAPIKey:         hasKey,
		HasPassword:       hasPassword,
	}
}

func (h *Handler) respondState(c *gin.Context, extra gin.H) {
	body := gin.H{"state": h.state()}
	for k, v := range extra {
		body[k] = v
	}
	h.respond(c, http.StatusOK, body)
}

func (h *Handler) getState(c *gin.Context) {
	h.respondState(c, nil)
}

func (h *Handler) getDefaults(c *gin.Context) {
	c.JSON(http.StatusOK, h.defaults)
}

type loginRequest struct {
	Password string `json:"password"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	authToken, err := h.auth.IssueToken(req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{"auth_token": authToken, "csrf_token": csrfToken})
}

func (h *Handler) logout(c *gin.Context) {
	if token, err := c.Cookie(h.auth.AuthCookieName()); err == nil {
		h.auth.RevokeToken(token)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type sessionRequest struct {
	ID string `json:"id"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req sessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	id, err := h.app.CreateSession(c.Request.Context(), strings.TrimSpace(req.ID))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusCreated, gin.H{"id": id, "state": h.state()})
}

func (h *Handler) switchSession(c *gin.Context) {
	if err := h.app.SwitchSession(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	h.respondState(c, nil)
}

func (h *Handler) deleteSession(c *gin.Context) {
	deleted, err := h.app.DeleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondState(c, gin.H{"deleted": deleted})
}

// settingsPatch maps setting keys to values. Invalid values fall back to the
// default and are listed under "invalid" in the response.
type settingsPatch map[string]any

func (h *Handler) updateGlobal(c *gin.Context) {
	var patch settingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	invalid := gin.H{}
	for key, value := range patch {
		if err := h.app.Store.UpdateGlobalSetting(key, value); err != nil {
			invalid[key] = err.Error()
		}
	}
	h.respondState(c, gin.H{"invalid": invalid})
}

func (h *Handler) updateSession(c *gin.Context) {
	var patch settingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	invalid := gin.H{}
	for key, value := range patch {
		if key == keyTemperatureSlider {
			pos, ok := value.(float64)
			if !ok {
				invalid[key] = "slider position must be a number"
				continue
			}
			key, value = settings.KeyAPITemperature, settings.ClampTemperature(int(math.Round(pos)))
		}
		if err := h.app.Store.UpdateSessionSetting(key, value); err != nil {
			invalid[key] = err.Error()
		}
	}
	h.respondState(c, gin.H{"invalid": invalid})
}

type panelRequest struct {
	Panel  models.SettingPanel `json:"panel"`
	Toggle bool                `json:"toggle"`
}

func (h *Handler) setPanel(c *gin.Context) {
	var req panelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var err error
	if req.Toggle {
		err = h.app.Actions.ToggleSetting(req.Panel)
	} else {
		err = h.app.Actions.OpenSetting(req.Panel)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondState(c, nil)
}

type fakeRoleRequest struct {
	Role models.FakeRole `json:"role"`
}

// setFakeRole sets the given role, or steps to the next one without a body.
func (h *Handler) setFakeRole(c *gin.Context) {
	var req fakeRoleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Role == "" {
		h.app.Actions.CycleFakeRole()
	} else if err := h.app.Actions.SetFakeRole(req.Role); err != nil {
		h.fail(c, err)
		return
	}
	h.respondState(c, nil)
}

type exportRequest struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}

// export tracks an image export rendered by the browser.
func (h *Handler) export(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	switch req.Phase {
	case "start":
		if !h.app.Actions.StartExport() {
			h.fail(c, app.ErrExportBusy)
			return
		}
	case "finish":
		var renderErr error
		if req.Error != "" {
			renderErr = errors.New(req.Error)
		}
		h.app.Actions.FinishExport(renderErr)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "phase must be start or finish"})
		return
	}
	h.respondState(c, nil)
}

func (h *Handler) cancelConfirm(c *gin.Context) {
	h.app.Actions.CancelConfirm()
	h.respondState(c, nil)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
