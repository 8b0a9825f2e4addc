package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(failureRate float64) (*gin.Engine, *MockMailbox) {
	gin.SetMode(gin.TestMode)
	mb := NewMockMailbox("crm@example.com", failureRate, 0, 0)
	return SetupRouter(NewHandler(mb)), mb
}

func accessToken(t *testing.T, r *gin.Engine) string {
	t.Helper()
	form := url.Values{"grant_type": {"authorization_code"}, "code": {"c"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	return tok.AccessToken
}

func send(r *gin.Engine, token, raw string) *httptest.ResponseRecorder {
	body := `{"raw":"` + base64.URLEncoding.EncodeToString([]byte(raw)) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/gmail/v1/users/me/messages/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthorizeRedirectsWithCode(t *testing.T) {
	r, _ := newRouter(0)
	req := httptest.NewRequest(http.MethodGet, "/o/oauth2/auth?state=abc&redirect_uri="+url.QueryEscape("http://localhost:8000/api/v1/oauth/callback"), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/oauth/callback", loc.Path)
	assert.Equal(t, "abc", loc.Query().Get("state"))
	assert.NotEmpty(t, loc.Query().Get("code"))
}

func TestSendRequiresToken(t *testing.T) {
	r, mb := newRouter(0)
	w := send(r, "", "Subject: hi\r\n\r\nbody")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, mb.sent)
}

func TestSendStoresMessage(t *testing.T) {
	r, mb := newRouter(0)
	tok := accessToken(t, r)

	w := send(r, tok, "Subject: hi\r\n\r\nbody")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"labelIds":["SENT"]`)
	require.Len(t, mb.sent, 1)
	assert.Contains(t, mb.sent[0].Raw, "Subject: hi")
}

func TestSendFailureRate(t *testing.T) {
	r, mb := newRouter(1)
	tok := accessToken(t, r)

	w := send(r, tok, "x")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, mb.sent)
}

func TestTokenRejectsUnknownGrant(t *testing.T) {
	r, _ := newRouter(0)
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("grant_type=password"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
