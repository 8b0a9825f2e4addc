package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nimasrn/campaign-engine/internal/mailer"
	"github.com/nimasrn/campaign-engine/internal/scheduler"
	"github.com/nimasrn/campaign-engine/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type fakeAuthorizer struct {
	configured    bool
	authenticated bool
	exchangeErr   error
	codes         []string
	revoked       int
}

func (f *fakeAuthorizer) IsConfigured() bool    { return f.configured }
func (f *fakeAuthorizer) IsAuthenticated() bool { return f.authenticated }

func (f *fakeAuthorizer) AuthorizationURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (f *fakeAuthorizer) CompleteAuthorization(_ context.Context, code string) error {
	f.codes = append(f.codes, code)
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	f.authenticated = true
	return nil
}

func (f *fakeAuthorizer) Revoke(context.Context) error {
	f.revoked++
	f.authenticated = false
	return nil
}

func (f *fakeAuthorizer) UserEmail(context.Context) (string, error) {
	return "crm@example.com", nil
}

var oauthCfg = OAuthConfig{SuccessRedirect: "/?oauth=success", FailureRedirect: "/?oauth=failed"}

func authorize(t *testing.T, h *OAuthHandler) string {
	t.Helper()
	ctx := setupTestContext("GET", "http://crm.test/api/v1/oauth/authorize", nil)
	h.Authorize(ctx)
	require.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())

	c := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(c)
	c.SetKey(stateCookie)
	require.True(t, ctx.Response.Header.Cookie(c))
	assert.True(t, c.HTTPOnly())
	state := string(c.Value())
	assert.True(t, strings.HasSuffix(string(ctx.Response.Header.Peek("Location")), "state="+state))
	return state
}

func callback(h *OAuthHandler, cookie, query string) *fasthttp.RequestCtx {
	ctx := setupTestContext("GET", "http://crm.test/api/v1/oauth/callback?"+query, nil)
	if cookie != "" {
		ctx.Request.Header.SetCookie(stateCookie, cookie)
	}
	h.Callback(ctx)
	return ctx
}

func location(ctx *fasthttp.RequestCtx) string {
	return string(ctx.Response.Header.Peek("Location"))
}

func TestOAuthHandler_Flow(t *testing.T) {
	auth := &fakeAuthorizer{configured: true}
	h := NewOAuthHandler(auth, oauthCfg)

	state := authorize(t, h)
	ctx := callback(h, state, fmt.Sprintf("code=good&state=%s", state))
	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	assert.Contains(t, location(ctx), "oauth=success")
	assert.Equal(t, []string{"good"}, auth.codes)

	ctx = setupTestContext("GET", "/api/v1/oauth/status", nil)
	h.Status(ctx)
	assert.JSONEq(t, `{"is_configured":true,"is_authenticated":true,"user_email":"crm@example.com","message":"Gmail is authorized as crm@example.com"}`, string(ctx.Response.Body()))

	ctx = setupTestContext("POST", "/api/v1/oauth/revoke", nil)
	h.Revoke(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, 1, auth.revoked)
}

func TestOAuthHandler_CallbackFailures(t *testing.T) {
	t.Run("state mismatch", func(t *testing.T) {
		auth := &fakeAuthorizer{configured: true}
		h := NewOAuthHandler(auth, oauthCfg)
		state := authorize(t, h)

		ctx := callback(h, state, "code=good&state=forged")
		assert.Contains(t, location(ctx), "oauth=failed")
		assert.Empty(t, auth.codes)
	})

	t.Run("missing cookie", func(t *testing.T) {
		auth := &fakeAuthorizer{configured: true}
		h := NewOAuthHandler(auth, oauthCfg)

		ctx := callback(h, "", "code=good&state=")
		assert.Contains(t, location(ctx), "oauth=failed")
		assert.Empty(t, auth.codes)
	})

	t.Run("provider error", func(t *testing.T) {
		auth := &fakeAuthorizer{configured: true}
		h := NewOAuthHandler(auth, oauthCfg)
		state := authorize(t, h)

		ctx := callback(h, state, "error=access_denied&state="+state)
		assert.Contains(t, location(ctx), "oauth=failed")
		assert.Empty(t, auth.codes)
	})

	t.Run("exchange fails", func(t *testing.T) {
		auth := &fakeAuthorizer{configured: true, exchangeErr: fmt.Errorf("%w: invalid_grant", mailer.ErrExchangeFailed)}
		h := NewOAuthHandler(auth, oauthCfg)
		state := authorize(t, h)

		ctx := callback(h, state, "code=bad&state="+state)
		assert.Contains(t, location(ctx), "oauth=failed")
		assert.False(t, auth.authenticated)
	})
}

func TestOAuthHandler_NotConfigured(t *testing.T) {
	h := NewOAuthHandler(&fakeAuthorizer{}, oauthCfg)

	ctx := setupTestContext("GET", "/api/v1/oauth/authorize", nil)
	h.Authorize(ctx)
	assert.Equal(t, fasthttp.StatusPreconditionFailed, ctx.Response.StatusCode())

	ctx = setupTestContext("GET", "/api/v1/oauth/status", nil)
	h.Status(ctx)
	assert.Contains(t, string(ctx.Response.Body()), `"is_configured":false`)
}

type staticStatus scheduler.Status

func (s staticStatus) Status() scheduler.Status { return scheduler.Status(s) }

func TestSchedulerHandler_GetStatus(t *testing.T) {
	h := NewSchedulerHandler(staticStatus{Running: true, Interval: "1m0s", Ticks: 4})
	ctx := setupTestContext("GET", "/api/v1/scheduler/status", nil)
	h.GetStatus(ctx)
	assert.Contains(t, string(ctx.Response.Body()), `"running":true`)
	assert.Contains(t, string(ctx.Response.Body()), `"ticks":4`)
}

type healthFunc func(context.Context) *services.HealthStatus

func (f healthFunc) Check(ctx context.Context) *services.HealthStatus { return f(ctx) }

func TestHealthHandler_GetHealth(t *testing.T) {
	h := NewHealthHandler(healthFunc(func(context.Context) *services.HealthStatus {
		return &services.HealthStatus{Status: "ok", Checks: map[string]string{"postgres": "ok"}}
	}))
	ctx := setupTestContext("GET", "/api/v1/health", nil)
	h.GetHealth(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	h = NewHealthHandler(healthFunc(func(context.Context) *services.HealthStatus {
		return &services.HealthStatus{Status: "degraded", Checks: map[string]string{"redis": errors.New("refused").Error()}}
	}))
	ctx = setupTestContext("GET", "/api/v1/health", nil)
	h.GetHealth(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}
