package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/nimasrn/campaign-engine/pkg/redis"
)

var (
	ErrAlreadyDelivered = errors.New("recipient already delivered")
	ErrInFlight         = errors.New("recipient send already in flight")
	ErrRetryLimit       = errors.New("retry limit reached")
)

type Config struct {
	// LockTTL bounds one send attempt.
	LockTTL time.Duration

	// ProcessedTTL is how long delivered markers and attempt counters live.
	ProcessedTTL time.Duration

	MaxAttempts int

	LockKeyPrefix      string
	ProcessedKeyPrefix string
	AttemptKeyPrefix   string
}

func DefaultConfig() Config {
	return Config{
		LockTTL:            2 * time.Minute,
		ProcessedTTL:       30 * 24 * time.Hour,
		MaxAttempts:        3,
		LockKeyPrefix:      "dispatch:lock:",
		ProcessedKeyPrefix: "dispatch:delivered:",
		AttemptKeyPrefix:   "dispatch:attempts:",
	}
}

// Guard makes sure one customer is mailed at most once per campaign, even
// across retries of a failed campaign. Redis being unavailable never blocks a
// send.
type Guard struct {
	redis  redis.RedisAdapter
	config Config
}

func NewGuard(adapter redis.RedisAdapter, config Config) *Guard {
	d := DefaultConfig()
	if config.LockTTL <= 0 {
		config.LockTTL = d.LockTTL
	}
	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = d.ProcessedTTL
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if config.LockKeyPrefix == "" {
		config.LockKeyPrefix = d.LockKeyPrefix
	}
	if config.ProcessedKeyPrefix == "" {
		config.ProcessedKeyPrefix = d.ProcessedKeyPrefix
	}
	if config.AttemptKeyPrefix == "" {
		config.AttemptKeyPrefix = d.AttemptKeyPrefix
	}
	return &Guard{redis: adapter, config: config}
}

// Claim is a granted permission to mail one customer for one campaign.
type Claim struct {
	CampaignID string
	CustomerID string
	// Attempts counts earlier failed attempts.
	Attempts int

	lockValue []byte
	locked    bool
}

func (c *Claim) key() string {
	return c.CampaignID + ":" + c.CustomerID
}

// Acquire grants a claim, or returns ErrAlreadyDelivered, ErrInFlight or
// ErrRetryLimit.
func (g *Guard) Acquire(ctx context.Context, campaignID, customerID string) (*Claim, error) {
	c := &Claim{CampaignID: campaignID, CustomerID: customerID}
	key := c.key()

	exists, err := g.redis.Exist(ctx, g.config.ProcessedKeyPrefix+key)
	if err != nil {
		logger.Warn("[dispatch] delivered check failed, sending anyway", "campaign_id", campaignID, "customer_id", customerID, "error", err)
	} else if exists > 0 {
		return nil, ErrAlreadyDelivered
	}

	attempts, err := g.attempts(ctx, key)
	if err != nil {
		logger.Warn("[dispatch] attempt counter unreadable", "campaign_id", campaignID, "customer_id", customerID, "error", err)
	}
	if attempts >= g.config.MaxAttempts {
		return nil, fmt.Errorf("%w: %d attempts", ErrRetryLimit, attempts)
	}
	c.Attempts = attempts

	c.lockValue = []byte(uuid.NewString())
	acquired, err := g.redis.SetNX(ctx, g.config.LockKeyPrefix+key, c.lockValue, g.config.LockTTL)
	if err != nil {
		logger.Warn("[dispatch] lock unavailable, sending unlocked", "campaign_id", campaignID, "customer_id", customerID, "error", err)
		return c, nil
	}
	if !acquired {
		return nil, ErrInFlight
	}
	c.locked = true
	return c, nil
}

// Delivered marks the customer as mailed and drops the lock and counter.
func (g *Guard) Delivered(ctx context.Context, c *Claim) {
	if c == nil {
		return
	}
	key := c.key()
	if err := g.redis.Set(ctx, g.config.ProcessedKeyPrefix+key, []byte("1"), g.config.ProcessedTTL); err != nil {
		logger.Error("[dispatch] failed to mark delivered", "campaign_id", c.CampaignID, "customer_id", c.CustomerID, "error", err)
	}
	if err := g.redis.Del(ctx, g.config.AttemptKeyPrefix+key); err != nil {
		logger.Warn("[dispatch] failed to clear attempts", "campaign_id", c.CampaignID, "customer_id", c.CustomerID, "error", err)
	}
	g.Release(ctx, c)
}

// Failed counts a failed attempt and releases the lock so a later pass may
// try again.
func (g *Guard) Failed(ctx context.Context, c *Claim, reason string) {
	if c == nil {
		return
	}
	n, err := g.redis.Incr(ctx, g.config.AttemptKeyPrefix+c.key(), g.config.ProcessedTTL)
	if err != nil {
		logger.Error("[dispatch] failed to count attempt", "campaign_id", c.CampaignID, "customer_id", c.CustomerID, "error", err)
	}
	logger.Debug("[dispatch] attempt failed",
		"campaign_id", c.CampaignID,
		"customer_id", c.CustomerID,
		"attempts", n,
		"max_attempts", g.config.MaxAttempts,
		"reason", reason)
	g.Release(ctx, c)
}

// Release drops the lock if this claim still owns it.
func (g *Guard) Release(ctx context.Context, c *Claim) {
	if c == nil || !c.locked {
		return
	}
	if _, err := g.redis.CompareAndDelete(ctx, g.config.LockKeyPrefix+c.key(), c.lockValue); err != nil {
		logger.Warn("[dispatch] failed to release lock", "campaign_id", c.CampaignID, "customer_id", c.CustomerID, "error", err)
		return
	}
	c.locked = false
}

func (g *Guard) Attempts(ctx context.Context, campaignID, customerID string) (int, error) {
	return g.attempts(ctx, campaignID+":"+customerID)
}

func (g *Guard) IsDelivered(ctx context.Context, campaignID, customerID string) (bool, error) {
	n, err := g.redis.Exist(ctx, g.config.ProcessedKeyPrefix+campaignID+":"+customerID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *Guard) attempts(ctx context.Context, key string) (int, error) {
	b, err := g.redis.Get(ctx, g.config.AttemptKeyPrefix+key)
	if errors.Is(err, redis.NilError) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("attempt counter %q: %w", b, err)
	}
	return n, nil
}
