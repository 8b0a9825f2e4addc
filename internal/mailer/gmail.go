package mailer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/nimasrn/campaign-engine/pkg/prom"
	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var (
	ErrNotConfigured    = errors.New("mail transport is not configured")
	ErrNotAuthenticated = errors.New("mail transport is not authenticated")
	ErrExchangeFailed   = errors.New("authorization code exchange failed")
)

var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.readonly",
}

const (
	sendPath    = "/gmail/v1/users/me/messages/send"
	profilePath = "/gmail/v1/users/me/profile"
)

// Result is the outcome of one provider call. Provider failures are reported
// here, never as an error.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthURL and TokenURL replace the Google endpoints when set.
	AuthURL  string
	TokenURL string
	APIBase  string

	Timeout          time.Duration
	SendInterval     time.Duration
	CircuitThreshold int
	CircuitTimeout   time.Duration

	// Dial replaces the network dialer of both the API and the token client.
	Dial fasthttp.DialFunc
}

// GmailTransport sends mail through the Gmail REST API and owns the OAuth
// credential it needs for that.
type GmailTransport struct {
	cfg        Config
	oauth      *oauth2.Config
	store      CredentialStore
	api        *fasthttp.Client
	httpClient *http.Client

	mu     sync.Mutex
	token  *oauth2.Token
	scopes []string

	sendMu   sync.Mutex
	lastSend time.Time

	metrics *ProviderMetrics
	circuit *circuit
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewGmailTransport(cfg Config, store CredentialStore) *GmailTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")

	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.Dial != nil {
		dial := cfg.Dial
		httpClient.Transport = &http.Transport{
			DialContext: func(_ context.Context, _, addr string) (net.Conn, error) {
				return dial(addr)
			},
		}
	}

	t := &GmailTransport{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		store: store,
		api: &fasthttp.Client{
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			MaxConnsPerHost:     16,
			Dial:                cfg.Dial,
		},
		httpClient: httpClient,
		metrics:    NewProviderMetrics(),
		circuit: &circuit{
			threshold: int32(cfg.CircuitThreshold),
			timeout:   cfg.CircuitTimeout,
		},
		now:   time.Now,
		sleep: sleepContext,
	}
	logger.Info("[mailer] gmail transport initialized", "api", cfg.APIBase, "configured", t.IsConfigured())
	return t
}

// Load restores the persisted credential, if any.
func (t *GmailTransport) Load(ctx context.Context) error {
	cred, err := t.store.Load(ctx)
	if errors.Is(err, ErrNoCredential) {
		logger.Info("[mailer] no stored credential, authorization required")
		return nil
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.token = cred.token()
	t.scopes = cred.Scopes
	t.mu.Unlock()
	logger.Info("[mailer] credential loaded", "expiry", cred.Expiry)
	return nil
}

func (t *GmailTransport) IsConfigured() bool {
	return t.cfg.ClientID != "" && t.cfg.ClientSecret != ""
}

func (t *GmailTransport) IsAuthenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token != nil && (t.token.Valid() || t.token.RefreshToken != "")
}

// AuthorizationURL asks for offline access and always shows the consent
// screen, so a refresh token is issued every time.
func (t *GmailTransport) AuthorizationURL(state string) string {
	return t.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// CompleteAuthorization exchanges code and persists the result. Nothing
// changes, in memory or in the store, unless both steps succeed.
func (t *GmailTransport) CompleteAuthorization(ctx context.Context, code string) error {
	if !t.IsConfigured() {
		return ErrNotConfigured
	}
	if code == "" {
		return fmt.Errorf("%w: empty code", ErrExchangeFailed)
	}

	tok, err := t.oauth.Exchange(t.oauthContext(ctx), code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	scopes := Scopes
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		scopes = strings.Fields(granted)
	}
	if err := t.store.Save(ctx, credentialFromToken(tok, scopes)); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}

	t.mu.Lock()
	t.token = tok
	t.scopes = scopes
	t.mu.Unlock()
	logger.Info("[mailer] authorization completed", "scopes", scopes)
	return nil
}

// Revoke forgets the credential. Revoking twice is not an error.
func (t *GmailTransport) Revoke(ctx context.Context) error {
	err := t.store.Delete(ctx)

	t.mu.Lock()
	t.token = nil
	t.scopes = nil
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	logger.Info("[mailer] credential revoked")
	return nil
}

// UserEmail returns the address of the authorized mailbox.
func (t *GmailTransport) UserEmail(ctx context.Context) (string, error) {
	if !t.IsConfigured() {
		return "", ErrNotConfigured
	}
	access, err := t.accessToken(ctx)
	if err != nil {
		return "", err
	}

	body, status, err := t.doRequest(ctx, fasthttp.MethodGet, profilePath, access, nil)
	if err != nil {
		return "", err
	}
	if status != fasthttp.StatusOK {
		return "", fmt.Errorf("gmail profile returned %d: %s", status, snippet(body))
	}
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("decode gmail profile: %w", err)
	}
	return profile.EmailAddress, nil
}

// Send delivers one message. Only missing configuration or credentials are
// returned as errors; everything the provider does wrong is in the Result.
// It never retries.
func (t *GmailTransport) Send(ctx context.Context, to, subject, html, text string) (*Result, error) {
	if !t.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if !t.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}

	addr, err := mail.ParseAddress(to)
	if err != nil {
		return &Result{Error: fmt.Sprintf("invalid recipient %q: %v", to, err)}, nil
	}
	if err := t.waitCircuit(ctx); err != nil {
		return &Result{Error: "mail provider circuit is open"}, nil
	}
	if err := t.throttle(ctx); err != nil {
		return &Result{Error: err.Error()}, nil
	}

	access, err := t.accessToken(ctx)
	if errors.Is(err, ErrNotAuthenticated) {
		return nil, err
	}
	if err != nil {
		return t.failure(0, "token refresh failed: "+err.Error()), nil
	}

	raw, err := buildMessage(addr, subject, html, text, t.now())
	if err != nil {
		return &Result{Error: "build message: " + err.Error()}, nil
	}
	payload, err := json.Marshal(map[string]string{"raw": base64.URLEncoding.EncodeToString(raw)})
	if err != nil {
		return &Result{Error: "encode message: " + err.Error()}, nil
	}

	start := time.Now()
	body, status, err := t.doRequest(ctx, fasthttp.MethodPost, sendPath, access, payload)
	latency := time.Since(start)
	if err != nil {
		return t.failure(latency, err.Error()), nil
	}
	if status == fasthttp.StatusUnauthorized {
		t.expireToken()
	}
	if status < 200 || status > 299 {
		reason := fmt.Sprintf("gmail returned %d: %s", status, snippet(body))
		if !providerFault(status) {
			return t.rejection(latency, reason), nil
		}
		return t.failure(latency, reason), nil
	}

	var sent struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &sent); err != nil {
		logger.Warn("[mailer] unreadable send response", "error", err)
	}
	t.metrics.RecordSuccess(latency.Milliseconds(), t.now())
	prom.AddProviderLatency(latency.Seconds(), "success")
	logger.Debug("[mailer] message sent", "message_id", sent.ID, "latency_ms", latency.Milliseconds())
	return &Result{Success: true, MessageID: sent.ID}, nil
}

func (t *GmailTransport) Stats() ProviderStats {
	m := t.metrics
	return ProviderStats{
		State:            t.circuit.state(t.now()),
		TotalRequests:    m.TotalRequests.Load(),
		SuccessfulReqs:   m.SuccessfulReqs.Load(),
		FailedReqs:       m.FailedReqs.Load(),
		SuccessRate:      m.SuccessRate(),
		AvgLatencyMs:     m.AvgLatencyMs(),
		P95LatencyMs:     m.P95LatencyMs(),
		ConsecutiveFails: m.ConsecutiveFails.Load(),
	}
}

func (t *GmailTransport) failure(latency time.Duration, reason string) *Result {
	now := t.now()
	n := t.metrics.RecordFailure(now)
	t.circuit.onFailure(n, now)
	prom.AddProviderLatency(latency.Seconds(), "failure")
	logger.Warn("[mailer] send failed", "error", reason, "consecutive_fails", n)
	return &Result{Error: reason}
}

// rejection records a refusal of one message. The provider answered, so the
// circuit is not fed.
func (t *GmailTransport) rejection(latency time.Duration, reason string) *Result {
	t.metrics.RecordRejection(t.now())
	prom.AddProviderLatency(latency.Seconds(), "failure")
	logger.Warn("[mailer] message rejected", "error", reason)
	return &Result{Error: reason}
}

// providerFault reports whether a send status says the provider, not the
// message, is the problem.
func providerFault(status int) bool {
	return status >= 500 || status == fasthttp.StatusTooManyRequests || status == fasthttp.StatusUnauthorized
}

// waitCircuit blocks while the circuit is open, for at most one circuit
// timeout. The send that follows is the half-open probe.
func (t *GmailTransport) waitCircuit(ctx context.Context) error {
	wait := t.circuit.remaining(t.now())
	if wait <= 0 {
		return nil
	}
	if wait > t.circuit.timeout {
		wait = t.circuit.timeout
	}
	logger.Info("[mailer] circuit open, waiting", "wait", wait)
	return t.sleep(ctx, wait)
}

// accessToken returns a usable access token, refreshing it when expired.
// Holding mu serializes refreshes.
func (t *GmailTransport) accessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token == nil {
		return "", ErrNotAuthenticated
	}
	tok, err := t.oauth.TokenSource(t.oauthContext(ctx), t.token).Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken != t.token.AccessToken {
		if err := t.store.Save(ctx, credentialFromToken(tok, t.scopes)); err != nil {
			logger.Error("[mailer] failed to persist refreshed credential", "error", err)
		}
		t.token = tok
		logger.Info("[mailer] access token refreshed", "expiry", tok.Expiry)
	}
	return tok.AccessToken, nil
}

func (t *GmailTransport) expireToken() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != nil && t.token.RefreshToken != "" {
		expired := *t.token
		expired.Expiry = time.Unix(1, 0)
		t.token = &expired
	}
}

func (t *GmailTransport) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, t.httpClient)
}

// throttle spaces consecutive sends by at least SendInterval.
func (t *GmailTransport) throttle(ctx context.Context) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if wait := time.Until(t.lastSend.Add(t.cfg.SendInterval)); wait > 0 {
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
	t.lastSend = time.Now()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *GmailTransport) doRequest(ctx context.Context, method, path, access string, body []byte) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(t.cfg.APIBase + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+access)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.Timeout)
	}
	if err := t.api.DoDeadline(req, resp, deadline); err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return result, resp.StatusCode(), nil
}

func snippet(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
