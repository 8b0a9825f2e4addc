package app

import (
	"context"
	"fmt"
	"os"

	"github.com/nimasrn/campaign-engine/internal/config"
	"github.com/nimasrn/campaign-engine/internal/dispatch"
	"github.com/nimasrn/campaign-engine/internal/mailer"
	"github.com/nimasrn/campaign-engine/internal/recipient"
	"github.com/nimasrn/campaign-engine/internal/repository"
	"github.com/nimasrn/campaign-engine/internal/scheduler"
	"github.com/nimasrn/campaign-engine/internal/services"
	"github.com/nimasrn/campaign-engine/internal/templates"
	"github.com/nimasrn/campaign-engine/internal/tracking"
	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/nimasrn/campaign-engine/pkg/pg"
	"github.com/nimasrn/campaign-engine/pkg/prom"
	"github.com/nimasrn/campaign-engine/pkg/redis"
)

const schedulerLockKey = "scheduler:tick"

// App is the wired engine shared by the api server and the cli.
type App struct {
	DB        *pg.DB
	Redis     redis.RedisAdapter
	Mail      *mailer.GmailTransport
	Tracking  *tracking.Service
	Campaigns *services.CampaignService
	Health    *services.HealthService
	Scheduler *scheduler.Scheduler
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.LogLevel != "" {
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			logger.Warn("invalid log level, keeping default", "level", cfg.LogLevel)
		}
	}

	db, err := pg.CreateReadWrite(PostgresRead(cfg), PostgresWrite(cfg), cfg.AppEnv == "dev")
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{cfg.RedisAddr},
		ClientName: cfg.AppName,
		DB:         cfg.RedisDatabase,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	var store mailer.CredentialStore
	switch cfg.CredentialBackend {
	case "redis":
		store = mailer.NewRedisCredentialStore(redisAdap, cfg.CredentialKey)
	default:
		store = mailer.NewFileCredentialStore(cfg.GmailTokenPath)
	}
	transport := mailer.NewGmailTransport(mailer.Config{
		ClientID:         cfg.GoogleClientID,
		ClientSecret:     cfg.GoogleClientSecret,
		RedirectURL:      cfg.GoogleRedirectURI,
		AuthURL:          cfg.GoogleAuthURL,
		TokenURL:         cfg.GoogleTokenURL,
		APIBase:          cfg.GmailAPIBase,
		Timeout:          cfg.MailTimeout,
		SendInterval:     cfg.MailSendInterval,
		CircuitThreshold: cfg.MailCircuitThreshold,
		CircuitTimeout:   cfg.MailCircuitTimeout,
	}, store)
	if err := transport.Load(ctx); err != nil {
		// a broken credential only means authorization has to be redone
		logger.Error("failed to load mail credential", "error", err)
	}

	catalog, err := templates.NewCatalog()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load templates: %w", err)
	}

	campaignRepo := repository.NewCampaignRepository(db)
	customerRepo := repository.NewCustomerRepository(db)
	deliveryRepo := repository.NewDeliveryRecordRepository(db)

	tracker := tracking.NewService(cfg.TrackingBaseURL, deliveryRepo)
	guard := dispatch.NewGuard(redisAdap, dispatch.Config{
		LockTTL:      cfg.DispatchLockTTL,
		ProcessedTTL: cfg.DispatchProcessedTTL,
		MaxAttempts:  cfg.DispatchMaxAttempts,
	})

	campaigns := services.NewCampaignService(
		campaignRepo,
		deliveryRepo,
		recipient.NewResolver(customerRepo),
		transport,
		tracker,
		catalog,
		services.WithGuard(guard),
		services.WithGreeting(cfg.CampaignDefaultGreeting),
	)

	sched := scheduler.New(campaigns, redisAdap, scheduler.Config{
		Interval:   cfg.SchedulerInterval,
		LockTTL:    cfg.SchedulerLockTTL,
		LockKey:    schedulerLockKey,
		StaleAfter: cfg.SchedulerStaleSendingAfter,
	})

	return &App{
		DB:        db,
		Redis:     redisAdap,
		Mail:      transport,
		Tracking:  tracker,
		Campaigns: campaigns,
		Health:    services.NewHealthService(db, redisAdap),
		Scheduler: sched,
	}, nil
}

// EnableMetrics registers the prometheus collectors; without it every
// metric call is a no-op.
func EnableMetrics(cfg *config.Config) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace)
}

func (a *App) Close() {
	a.Scheduler.Stop()
	if err := redis.Forget("default"); err != nil {
		logger.Warn("failed to close redis", "error", err)
	}
	if err := a.DB.Close(); err != nil {
		logger.Warn("failed to close postgres", "error", err)
	}
}

func PostgresRead(cfg *config.Config) pg.Config {
	return pg.Config{
		User:     cfg.PostgresReadUser,
		Host:     cfg.PostgresReadHost,
		Port:     cfg.PostgresReadPort,
		Password: cfg.PostgresReadPassword,
		Database: cfg.PostgresReadDatabase,
	}
}

func PostgresWrite(cfg *config.Config) pg.Config {
	return pg.Config{
		User:     cfg.PostgresWriteUser,
		Host:     cfg.PostgresWriteHost,
		Port:     cfg.PostgresWritePort,
		Password: cfg.PostgresWritePassword,
		Database: cfg.PostgresWriteDatabase,
	}
}
