package mailer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// fakeGmail serves the token endpoint and the two Gmail API calls the
// transport makes.
type fakeGmail struct {
	mu         sync.Mutex
	access     string
	exchanges  int
	refreshes  int
	sendCalls  int
	sendStatus int
	sent       [][]byte
}

func (f *fakeGmail) handler(ctx *fasthttp.RequestCtx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctx.SetContentType("application/json")

	switch string(ctx.Path()) {
	case "/token":
		args := ctx.PostArgs()
		switch string(args.Peek("grant_type")) {
		case "authorization_code":
			if string(args.Peek("code")) != "good-code" {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				ctx.SetBodyString(`{"error":"invalid_grant"}`)
				return
			}
			f.exchanges++
			f.access = fmt.Sprintf("access-%d", f.exchanges)
			ctx.SetBodyString(fmt.Sprintf(`{"access_token":%q,"refresh_token":"refresh-1","token_type":"Bearer","expires_in":3600,"scope":"https://www.googleapis.com/auth/gmail.send"}`, f.access))
		case "refresh_token":
			f.refreshes++
			f.access = fmt.Sprintf("access-r%d", f.refreshes)
			ctx.SetBodyString(fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, f.access))
		default:
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
		}

	case sendPath:
		f.sendCalls++
		if string(ctx.Request.Header.Peek("Authorization")) != "Bearer "+f.access {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString(`{"error":{"code":401}}`)
			return
		}
		if f.sendStatus != 0 {
			ctx.SetStatusCode(f.sendStatus)
			ctx.SetBodyString(`{"error":{"message":"backend error"}}`)
			return
		}
		var body struct {
			Raw string `json:"raw"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		raw, err := base64.URLEncoding.DecodeString(body.Raw)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		f.sent = append(f.sent, raw)
		ctx.SetBodyString(fmt.Sprintf(`{"id":"msg-%d","threadId":"t"}`, len(f.sent)))

	case profilePath:
		ctx.SetBodyString(`{"emailAddress":"crm@example.com","messagesTotal":3}`)

	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (f *fakeGmail) setSendStatus(code int) {
	f.mu.Lock()
	f.sendStatus = code
	f.mu.Unlock()
}

func (f *fakeGmail) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func newTestTransport(t *testing.T, f *fakeGmail, store CredentialStore, configured bool) *GmailTransport {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: f.handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	cfg := Config{
		RedirectURL:      "http://crm.test/api/v1/oauth/callback",
		AuthURL:          "http://gmail.test/o/oauth2/auth",
		TokenURL:         "http://gmail.test/token",
		APIBase:          "http://gmail.test",
		Timeout:          2 * time.Second,
		CircuitThreshold: 3,
		CircuitTimeout:   time.Minute,
		Dial: func(string) (net.Conn, error) {
			return ln.Dial()
		},
	}
	if configured {
		cfg.ClientID = "client-id"
		cfg.ClientSecret = "client-secret"
	}
	return NewGmailTransport(cfg, store)
}

type memoryStore struct {
	mu   sync.Mutex
	cred *Credential
	fail error
}

func (m *memoryStore) Load(context.Context) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, ErrNoCredential
	}
	c := *m.cred
	return &c, nil
}

func (m *memoryStore) Save(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	cp := *c
	m.cred = &cp
	return nil
}

func (m *memoryStore) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	return nil
}

func authorized(t *testing.T, f *fakeGmail) (*GmailTransport, *memoryStore) {
	t.Helper()
	store := &memoryStore{}
	tr := newTestTransport(t, f, store, true)
	require.NoError(t, tr.CompleteAuthorization(context.Background(), "good-code"))
	return tr, store
}

func TestGmailTransport_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		tr := newTestTransport(t, &fakeGmail{}, &memoryStore{}, false)
		assert.False(t, tr.IsConfigured())

		_, err := tr.Send(ctx, "a@example.com", "s", "<p>h</p>", "")
		assert.ErrorIs(t, err, ErrNotConfigured)
		assert.ErrorIs(t, tr.CompleteAuthorization(ctx, "good-code"), ErrNotConfigured)
	})

	t.Run("not authenticated", func(t *testing.T) {
		f := &fakeGmail{}
		tr := newTestTransport(t, f, &memoryStore{}, true)
		require.NoError(t, tr.Load(ctx))
		assert.True(t, tr.IsConfigured())
		assert.False(t, tr.IsAuthenticated())

		_, err := tr.Send(ctx, "a@example.com", "s", "<p>h</p>", "")
		assert.ErrorIs(t, err, ErrNotAuthenticated)
		assert.Zero(t, f.calls())
	})
}

func TestGmailTransport_AuthorizationURL(t *testing.T) {
	tr := newTestTransport(t, &fakeGmail{}, &memoryStore{}, true)

	u, err := url.Parse(tr.AuthorizationURL("state-123"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "gmail.test", u.Host)
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Contains(t, q.Get("scope"), "gmail.send")
	assert.Contains(t, q.Get("scope"), "gmail.readonly")
}

func TestGmailTransport_CompleteAuthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("persists the credential", func(t *testing.T) {
		tr, store := authorized(t, &fakeGmail{})
		assert.True(t, tr.IsAuthenticated())

		cred, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "access-1", cred.AccessToken)
		assert.Equal(t, "refresh-1", cred.RefreshToken)
		assert.Equal(t, []string{"https://www.googleapis.com/auth/gmail.send"}, cred.Scopes)
	})

	t.Run("exchange failure keeps nothing", func(t *testing.T) {
		store := &memoryStore{}
		tr := newTestTransport(t, &fakeGmail{}, store, true)

		err := tr.CompleteAuthorization(ctx, "bad-code")
		assert.ErrorIs(t, err, ErrExchangeFailed)
		assert.False(t, tr.IsAuthenticated())
		_, err = store.Load(ctx)
		assert.ErrorIs(t, err, ErrNoCredential)
	})

	t.Run("exchange failure keeps the previous credential", func(t *testing.T) {
		tr, store := authorized(t, &fakeGmail{})

		err := tr.CompleteAuthorization(ctx, "bad-code")
		assert.ErrorIs(t, err, ErrExchangeFailed)
		assert.True(t, tr.IsAuthenticated())
		cred, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "access-1", cred.AccessToken)
	})

	t.Run("persist failure keeps memory unchanged", func(t *testing.T) {
		store := &memoryStore{fail: fmt.Errorf("disk full")}
		tr := newTestTransport(t, &fakeGmail{}, store, true)

		err := tr.CompleteAuthorization(ctx, "good-code")
		assert.Error(t, err)
		assert.False(t, tr.IsAuthenticated())
	})

	t.Run("empty code", func(t *testing.T) {
		tr := newTestTransport(t, &fakeGmail{}, &memoryStore{}, true)
		assert.ErrorIs(t, tr.CompleteAuthorization(ctx, ""), ErrExchangeFailed)
	})
}

func TestGmailTransport_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := &fakeGmail{}
		tr, _ := authorized(t, f)

		res, err := tr.Send(ctx, "Mei <mei@example.com>", "Hello Mei", "<p>Hello</p>", "Hello")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "msg-1", res.MessageID)
		assert.Empty(t, res.Error)

		require.Len(t, f.sent, 1)
		raw := string(f.sent[0])
		assert.Contains(t, raw, "mei@example.com")
		assert.Contains(t, raw, "Subject: Hello Mei")
		assert.Contains(t, raw, "multipart/alternative")

		stats := tr.Stats()
		assert.Equal(t, int64(1), stats.SuccessfulReqs)
		assert.Equal(t, "closed", stats.State)
	})

	t.Run("provider error is a result", func(t *testing.T) {
		f := &fakeGmail{}
		tr, _ := authorized(t, f)
		f.setSendStatus(fasthttp.StatusInternalServerError)

		res, err := tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "500")
	})

	t.Run("invalid recipient is a result", func(t *testing.T) {
		f := &fakeGmail{}
		tr, _ := authorized(t, f)

		res, err := tr.Send(ctx, "not an address", "s", "<p>h</p>", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Zero(t, f.calls())
	})

	t.Run("circuit opens after consecutive provider faults", func(t *testing.T) {
		f := &fakeGmail{}
		tr, _ := authorized(t, f)
		f.setSendStatus(fasthttp.StatusServiceUnavailable)

		for i := 0; i < 3; i++ {
			res, err := tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
			require.NoError(t, err)
			assert.False(t, res.Success)
		}
		assert.Equal(t, 3, f.calls())
		assert.Equal(t, "open", tr.Stats().State)

		f.setSendStatus(0)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		res, err := tr.Send(cancelled, "mei@example.com", "s", "<p>h</p>", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "circuit")
		assert.Equal(t, 3, f.calls())
	})

	t.Run("send waits for an open circuit", func(t *testing.T) {
		f := &fakeGmail{}
		tr, _ := authorized(t, f)
		f.setSendStatus(fasthttp.StatusTooManyRequests)

		for i := 0; i < 3; i++ {
			res, err := tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
			require.NoError(t, err)
			assert.False(t, res.Success)
		}
		require.Equal(t, "open", tr.Stats().State)

		base := time.Now()
		var slept time.Duration
		tr.now = func() time.Time { return base.Add(slept) }
		tr.sleep = func(_ context.Context, d time.Duration) error {
			slept += d
			return nil
		}

		f.setSendStatus(0)
		res, err := tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 4, f.calls())
		assert.Greater(t, slept, time.Duration(0))
		assert.LessOrEqual(t, slept, time.Minute)
		assert.Equal(t, "closed", tr.Stats().State)
	})

	t.Run("recipient rejections do not open the circuit", func(t *testing.T) {
		f := &fakeGmail{}
		tr, _ := authorized(t, f)
		f.setSendStatus(fasthttp.StatusBadRequest)

		for i := 0; i < 5; i++ {
			res, err := tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, "400")
		}
		stats := tr.Stats()
		assert.Equal(t, "closed", stats.State)
		assert.Zero(t, stats.ConsecutiveFails)
		assert.Equal(t, int64(5), stats.FailedReqs)

		f.setSendStatus(0)
		res, err := tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 6, f.calls())
	})

	t.Run("send interval", func(t *testing.T) {
		f := &fakeGmail{}
		tr, _ := authorized(t, f)
		tr.cfg.SendInterval = 50 * time.Millisecond

		start := time.Now()
		for i := 0; i < 3; i++ {
			res, err := tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
			require.NoError(t, err)
			require.True(t, res.Success)
		}
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})
}

func TestGmailTransport_Refresh(t *testing.T) {
	ctx := context.Background()
	f := &fakeGmail{}
	store := &memoryStore{cred: &Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
		Scopes:       Scopes,
	}}
	tr := newTestTransport(t, f, store, true)
	require.NoError(t, tr.Load(ctx))
	assert.True(t, tr.IsAuthenticated(), "an expired token with a refresh token still counts")

	res, err := tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.refreshes)

	cred, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-r1", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)

	res, err = tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.refreshes, "a valid token is reused")
}

func TestGmailTransport_UserEmailAndRevoke(t *testing.T) {
	ctx := context.Background()
	tr, store := authorized(t, &fakeGmail{})

	email, err := tr.UserEmail(ctx)
	require.NoError(t, err)
	assert.Equal(t, "crm@example.com", email)

	require.NoError(t, tr.Revoke(ctx))
	require.NoError(t, tr.Revoke(ctx))
	assert.False(t, tr.IsAuthenticated())
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = tr.UserEmail(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = tr.Send(ctx, "mei@example.com", "s", "<p>h</p>", "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
