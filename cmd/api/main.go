package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/campaign-engine/internal/app"
	"github.com/nimasrn/campaign-engine/internal/config"
	"github.com/nimasrn/campaign-engine/internal/handlers"
	xhttp "github.com/nimasrn/campaign-engine/pkg/http"
	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/nimasrn/campaign-engine/pkg/prom"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting campaign engine", "version", version, "commit", commit, "date", date)

	if err = app.EnableMetrics(cfg); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	if cfg.AppDebugMetricsAddr != "" {
		go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to wire the engine", "error", err)
		return
	}
	defer a.Close()

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Server.ReadTimeout = cfg.HttpServerReadTimeout
	s.Server.WriteTimeout = cfg.HttpServerWriteTimeout
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpHandlerTimeout))
	s.Router = xhttp.CreateDefaultRouter()

	// v1 handlers
	g := s.Router.Group("/api/v1")
	handlers.RegisterCampaignRoutes(g, handlers.NewCampaignHandler(a.Campaigns))
	handlers.RegisterEmailRoutes(g, handlers.NewEmailHandler(a.Campaigns))
	handlers.RegisterTrackingRoutes(g, handlers.NewTrackingHandler(a.Tracking))
	handlers.RegisterOAuthRoutes(g, handlers.NewOAuthHandler(a.Mail, handlers.OAuthConfig{
		SuccessRedirect: cfg.OAuthSuccessRedirect,
		FailureRedirect: cfg.OAuthFailureRedirect,
	}))
	handlers.RegisterSchedulerRoutes(g, handlers.NewSchedulerHandler(a.Scheduler))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(a.Health))

	if cfg.SchedulerEnabled {
		a.Scheduler.Start()
	} else {
		logger.Info("scheduler disabled")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(cfg.HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
			c <- syscall.SIGTERM
		}
	}()

	<-c
	a.Scheduler.Stop()
	s.Shutdown()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Stat(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
