package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/nimasrn/campaign-engine/pkg/prom"
	"github.com/nimasrn/campaign-engine/pkg/redis"
)

const DefaultInterval = 60 * time.Second

type CampaignSender interface {
	DueCampaigns(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	Send(ctx context.Context, id uuid.UUID) (*model.SendSummary, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Config struct {
	Interval time.Duration
	// LockTTL bounds how long one instance may hold the tick lock.
	LockTTL time.Duration
	LockKey string
	// StaleAfter fails sending campaigns whose pass made no progress for longer. Zero disables
	// the sweep.
	StaleAfter time.Duration
}

type TickResult struct {
	Skipped   bool  `json:"skipped"`
	Recovered int64 `json:"recovered"`
	Due       int   `json:"due"`
	Sent      int   `json:"sent"`
	Failed    int   `json:"failed"`
	Err       error `json:"-"`
}

type Status struct {
	Running            bool       `json:"running"`
	Interval           string     `json:"interval"`
	LastTickAt         *time.Time `json:"last_tick_at"`
	NextTickAt         *time.Time `json:"next_tick_at"`
	Ticks              int64      `json:"ticks"`
	CampaignsTriggered int64      `json:"campaigns_triggered"`
	Failures           int64      `json:"failures"`
}

// Scheduler sends scheduled campaigns once their time has come. One
// goroutine drives it and the timer is re-armed only after a tick returns,
// so ticks never overlap.
type Scheduler struct {
	sender CampaignSender
	lock   redis.RedisAdapter
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	lastTick time.Time
	nextTick time.Time

	tickMu sync.Mutex

	ticks     atomic.Int64
	triggered atomic.Int64
	failures  atomic.Int64
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler. lock may be nil, in which case every instance
// ticks on its own.
func New(sender CampaignSender, lock redis.RedisAdapter, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "scheduler:tick"
	}
	s := &Scheduler{
		sender: sender,
		lock:   lock,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop. Starting a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.nextTick = s.now().Add(s.cfg.Interval)
	go s.loop(s.stop, s.done)
	logger.Info("[scheduler] started", "interval", s.cfg.Interval)
}

// Stop ends the loop and waits for a tick in progress to finish. Stopping a
// stopped scheduler does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.nextTick = time.Time{}
	s.mu.Unlock()

	<-done
	logger.Info("[scheduler] stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			s.Tick(context.Background())

			s.mu.Lock()
			if s.running {
				s.nextTick = s.now().Add(s.cfg.Interval)
			}
			s.mu.Unlock()
			timer.Reset(s.cfg.Interval)
		}
	}
}

// Tick runs one pass: recover stale campaigns, then send every due one. A
// failing campaign does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var res TickResult
	token, ok := s.acquire(ctx)
	if !ok {
		res.Skipped = true
		prom.IncSchedulerTick("skipped")
		logger.Debug("[scheduler] tick lock held elsewhere, skipping")
		return res
	}
	defer s.release(ctx, token)

	now := s.now()
	s.ticks.Add(1)
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	if s.cfg.StaleAfter > 0 {
		n, err := s.sender.RecoverStale(ctx, s.cfg.StaleAfter)
		if err != nil {
			logger.Error("[scheduler] stale recovery failed", "error", err)
		}
		res.Recovered = n
	}

	due, err := s.sender.DueCampaigns(ctx, now)
	if err != nil {
		logger.Error("[scheduler] listing due campaigns failed", "error", err)
		s.failures.Add(1)
		prom.IncSchedulerTick("error")
		res.Err = err
		return res
	}
	res.Due = len(due)

	for _, c := range due {
		s.triggered.Add(1)
		summary, err := s.sender.Send(ctx, c.ID)
		if err != nil {
			res.Failed++
			s.failures.Add(1)
			logger.Error("[scheduler] scheduled send failed", "campaign_id", c.ID, "error", err)
			continue
		}
		res.Sent++
		logger.Info("[scheduler] scheduled campaign sent",
			"campaign_id", c.ID,
			"sent", summary.SentCount,
			"failed", summary.FailedCount)
	}

	prom.IncSchedulerTick("ok")
	if res.Due > 0 {
		logger.Info("[scheduler] tick finished", "due", res.Due, "sent", res.Sent, "failed", res.Failed)
	}
	return res
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:            s.running,
		Interval:           s.cfg.Interval.String(),
		Ticks:              s.ticks.Load(),
		CampaignsTriggered: s.triggered.Load(),
		Failures:           s.failures.Load(),
	}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTickAt = &t
	}
	if s.running && !s.nextTick.IsZero() {
		t := s.nextTick
		st.NextTickAt = &t
	}
	return st
}

// acquire takes the cross-instance tick lock. Redis errors let the tick run.
func (s *Scheduler) acquire(ctx context.Context) ([]byte, bool) {
	if s.lock == nil {
		return nil, true
	}
	token := []byte(uuid.NewString())
	ok, err := s.lock.SetNX(ctx, s.cfg.LockKey, token, s.cfg.LockTTL)
	if err != nil {
		logger.Warn("[scheduler] tick lock unavailable, ticking anyway", "error", err)
		return nil, true
	}
	if !ok {
		return nil, false
	}
	return token, true
}

func (s *Scheduler) release(ctx context.Context, token []byte) {
	if s.lock == nil || token == nil {
		return
	}
	if _, err := s.lock.CompareAndDelete(ctx, s.cfg.LockKey, token); err != nil {
		logger.Warn("[scheduler] failed to release tick lock", "error", err)
	}
}
