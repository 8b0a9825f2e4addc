package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/mailer"
	xhttp "github.com/nimasrn/campaign-engine/pkg/http"
	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/valyala/fasthttp"
)

const stateCookie = "oauth_state"

type MailAuthorizer interface {
	IsConfigured() bool
	IsAuthenticated() bool
	AuthorizationURL(state string) string
	CompleteAuthorization(ctx context.Context, code string) error
	Revoke(ctx context.Context) error
	UserEmail(ctx context.Context) (string, error)
}

type OAuthConfig struct {
	SuccessRedirect string
	FailureRedirect string
}

type OAuthHandler struct {
	auth MailAuthorizer
	cfg  OAuthConfig
}

func RegisterOAuthRoutes(e *router.Group, h *OAuthHandler) {
	e.GET("/oauth/status", h.Status)
	e.GET("/oauth/authorize", h.Authorize)
	e.GET("/oauth/callback", h.Callback)
	e.POST("/oauth/revoke", h.Revoke)
}

func NewOAuthHandler(auth MailAuthorizer, cfg OAuthConfig) *OAuthHandler {
	return &OAuthHandler{
		auth: auth,
		cfg:  cfg,
	}
}

type oauthStatusResponse struct {
	Configured    bool   `json:"is_configured"`
	Authenticated bool   `json:"is_authenticated"`
	Email         string `json:"user_email,omitempty"`
	Message       string `json:"message"`
}

func (h *OAuthHandler) Status(ctx *xhttp.RequestCtx) {
	res := oauthStatusResponse{
		Configured:    h.auth.IsConfigured(),
		Authenticated: h.auth.IsAuthenticated(),
	}
	switch {
	case !res.Configured:
		res.Message = "Gmail client credentials are not configured"
	case !res.Authenticated:
		res.Message = "Gmail is not authorized"
	default:
		email, err := h.auth.UserEmail(ctx)
		if err != nil {
			logger.Warn("[oauth] mailbox lookup failed", "error", err)
			res.Message = "Gmail is authorized"
			break
		}
		res.Email = email
		res.Message = "Gmail is authorized as " + email
	}
	writeJSON(ctx, xhttp.StatusOK, res)
}

func (h *OAuthHandler) Authorize(ctx *xhttp.RequestCtx) {
	if !h.auth.IsConfigured() {
		writeError(ctx, xhttp.StatusPreconditionFailed, mailer.ErrNotConfigured.Error())
		return
	}
	state := uuid.NewString()

	c := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(c)
	c.SetKey(stateCookie)
	c.SetValue(state)
	c.SetPath("/")
	c.SetHTTPOnly(true)
	c.SetMaxAge(600)
	c.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	ctx.Response.Header.SetCookie(c)

	ctx.Redirect(h.auth.AuthorizationURL(state), xhttp.StatusFound)
}

// Callback finishes the authorization started by Authorize and redirects to
// the configured success or failure page.
func (h *OAuthHandler) Callback(ctx *xhttp.RequestCtx) {
	expected := string(ctx.Request.Header.Cookie(stateCookie))
	ctx.Response.Header.DelClientCookie(stateCookie)

	if e := query(ctx, "error"); e != "" {
		logger.Warn("[oauth] authorization denied", "error", e)
		ctx.Redirect(h.cfg.FailureRedirect, xhttp.StatusFound)
		return
	}
	if expected == "" || query(ctx, "state") != expected {
		logger.Warn("[oauth] state mismatch")
		ctx.Redirect(h.cfg.FailureRedirect, xhttp.StatusFound)
		return
	}

	if err := h.auth.CompleteAuthorization(ctx, query(ctx, "code")); err != nil {
		if !errors.Is(err, mailer.ErrExchangeFailed) {
			logger.Error("[oauth] authorization failed", "error", err)
		} else {
			logger.Warn("[oauth] code exchange failed", "error", err)
		}
		ctx.Redirect(h.cfg.FailureRedirect, xhttp.StatusFound)
		return
	}
	ctx.Redirect(h.cfg.SuccessRedirect, xhttp.StatusFound)
}

func (h *OAuthHandler) Revoke(ctx *xhttp.RequestCtx) {
	if err := h.auth.Revoke(ctx); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]any{"success": true})
}
