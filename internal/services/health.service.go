package services

import (
	"context"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthStatus) Healthy() bool {
	return h.Status == "ok"
}

// HealthService pings every backing store. A nil dependency is skipped.
type HealthService struct {
	deps    map[string]Pinger
	timeout time.Duration
}

func NewHealthService(db Pinger, redis Pinger) *HealthService {
	deps := map[string]Pinger{}
	if db != nil {
		deps["postgres"] = db
	}
	if redis != nil {
		deps["redis"] = redis
	}
	return &HealthService{deps: deps, timeout: 2 * time.Second}
}

func (s *HealthService) Check(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out := &HealthStatus{Status: "ok", Checks: make(map[string]string, len(s.deps))}
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			out.Checks[name] = err.Error()
			out.Status = "degraded"
			continue
		}
		out.Checks[name] = "ok"
	}
	return out
}
