package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SentMessage is one message accepted by the mock mailbox.
type SentMessage struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId"`
	Raw        string    `json:"raw"`
	ReceivedAt time.Time `json:"received_at"`
}

// MockMailbox stands in for Google's OAuth endpoints and the Gmail send API
// during local development.
type MockMailbox struct {
	mu          sync.Mutex
	email       string
	failureRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	rng         *rand.Rand
	tokens      map[string]bool
	sent        []SentMessage
}

func NewMockMailbox(email string, failureRate float64, minDelay, maxDelay time.Duration) *MockMailbox {
	return &MockMailbox{
		email:       email,
		failureRate: failureRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		tokens:      make(map[string]bool),
	}
}

func (m *MockMailbox) issueToken() string {
	tok := "mock-access-" + uuid.NewString()
	m.mu.Lock()
	m.tokens[tok] = true
	m.mu.Unlock()
	return tok
}

func (m *MockMailbox) validToken(header string) bool {
	tok, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[tok]
}

func (m *MockMailbox) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockMailbox) shouldFail() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.failureRate
}

type Handler struct {
	mailbox *MockMailbox
}

func NewHandler(mailbox *MockMailbox) *Handler {
	return &Handler{mailbox: mailbox}
}

// Authorize skips the consent screen and sends the browser straight back
// with a code.
func (h *Handler) Authorize(c *gin.Context) {
	redirect := c.Query("redirect_uri")
	target, err := url.Parse(redirect)
	if redirect == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "redirect_uri is required"})
		return
	}
	q := target.Query()
	q.Set("code", "mock-code-"+uuid.NewString()[:8])
	q.Set("state", c.Query("state"))
	target.RawQuery = q.Encode()

	log.Info().Str("client_id", c.Query("client_id")).Msg("Authorization granted")
	c.Redirect(http.StatusFound, target.String())
}

func (h *Handler) Token(c *gin.Context) {
	grant := c.PostForm("grant_type")
	switch grant {
	case "authorization_code":
		if c.PostForm("code") == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
			return
		}
	case "refresh_token":
		if c.PostForm("refresh_token") == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
		return
	}

	log.Info().Str("grant_type", grant).Msg("Token issued")
	c.JSON(http.StatusOK, gin.H{
		"access_token":  h.mailbox.issueToken(),
		"refresh_token": "mock-refresh",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "https://www.googleapis.com/auth/gmail.send https://www.googleapis.com/auth/gmail.readonly",
	})
}

func (h *Handler) Send(c *gin.Context) {
	if !h.mailbox.validToken(c.GetHeader("Authorization")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": 401, "message": "Invalid Credentials"}})
		return
	}

	var req struct {
		Raw string `json:"raw" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": 400, "message": err.Error()}})
		return
	}
	raw, err := base64.URLEncoding.DecodeString(req.Raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": 400, "message": "raw is not base64url"}})
		return
	}

	time.Sleep(h.mailbox.randomDelay())

	if h.mailbox.shouldFail() {
		log.Warn().Msg("Simulated send failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": 500, "message": "Backend Error"}})
		return
	}

	msg := SentMessage{
		ID:         fmt.Sprintf("%016x", time.Now().UnixNano()),
		Raw:        string(raw),
		ReceivedAt: time.Now(),
	}
	msg.ThreadID = msg.ID

	h.mailbox.mu.Lock()
	h.mailbox.sent = append(h.mailbox.sent, msg)
	h.mailbox.mu.Unlock()

	log.Info().Str("message_id", msg.ID).Int("bytes", len(raw)).Msg("Message accepted")
	c.JSON(http.StatusOK, gin.H{"id": msg.ID, "threadId": msg.ThreadID, "labelIds": []string{"SENT"}})
}

func (h *Handler) Profile(c *gin.Context) {
	if !h.mailbox.validToken(c.GetHeader("Authorization")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": 401, "message": "Invalid Credentials"}})
		return
	}
	h.mailbox.mu.Lock()
	total := len(h.mailbox.sent)
	h.mailbox.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"emailAddress": h.mailbox.email, "messagesTotal": total})
}

// Messages lists everything accepted so far.
func (h *Handler) Messages(c *gin.Context) {
	h.mailbox.mu.Lock()
	out := make([]SentMessage, len(h.mailbox.sent))
	copy(out, h.mailbox.sent)
	h.mailbox.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"messages": out, "total": len(out)})
}

func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		FailureRate *float64 `json:"failure_rate"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	h.mailbox.mu.Lock()
	if config.FailureRate != nil && *config.FailureRate >= 0 && *config.FailureRate <= 1.0 {
		h.mailbox.failureRate = *config.FailureRate
		log.Info().Float64("rate", *config.FailureRate).Msg("Updated failure rate")
	}
	rate := h.mailbox.failureRate
	h.mailbox.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"failure_rate": rate})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "mailbox": h.mailbox.email, "timestamp": time.Now()})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	router.GET("/o/oauth2/auth", handler.Authorize)
	router.POST("/token", handler.Token)

	gmail := router.Group("/gmail/v1/users/me")
	{
		gmail.POST("/messages/send", handler.Send)
		gmail.GET("/profile", handler.Profile)
	}

	router.GET("/messages", handler.Messages)
	router.PUT("/config", handler.UpdateConfig)
	router.GET("/health", handler.HealthCheck)
	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8082")
	email := getEnv("MAILBOX_EMAIL", "crm@example.com")
	failureRate := getEnvFloat("FAILURE_RATE", 0)
	minDelay := getEnvDuration("MIN_DELAY", 50*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 300*time.Millisecond)

	log.Info().
		Str("port", port).
		Str("mailbox", email).
		Float64("failure_rate", failureRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting mock mail provider")

	router := SetupRouter(NewHandler(NewMockMailbox(email, failureRate, minDelay, maxDelay)))
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
