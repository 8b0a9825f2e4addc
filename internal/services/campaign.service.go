package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/dispatch"
	"github.com/nimasrn/campaign-engine/internal/mailer"
	"github.com/nimasrn/campaign-engine/internal/model"
	"github.com/nimasrn/campaign-engine/internal/repository"
	"github.com/nimasrn/campaign-engine/internal/templates"
	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/nimasrn/campaign-engine/pkg/prom"
)

var (
	ErrCampaignNotFound     = errors.New("campaign not found")
	ErrCampaignSending      = errors.New("campaign is already sending")
	ErrCampaignCompleted    = errors.New("campaign is already completed")
	ErrInvalidTransition    = errors.New("invalid campaign status transition")
	ErrMailNotAuthenticated = errors.New("mail transport is not authenticated")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrSendPassSuperseded   = errors.New("send pass was superseded")
)

// TestRecipientName is used by test emails sent without a name.
const TestRecipientName = "Test User"

type CampaignRepository interface {
	Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, at *time.Time) (*model.Campaign, error)
	BeginSending(ctx context.Context, id uuid.UUID, now time.Time) (*model.Campaign, error)
	Heartbeat(ctx context.Context, id uuid.UUID, pass int, now time.Time) error
	Complete(ctx context.Context, id uuid.UUID, pass, sent, failed int, now time.Time) error
	Abort(ctx context.Context, id uuid.UUID, pass int) error
	ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	RecoverStale(ctx context.Context, idleSince time.Time) (int64, error)
}

type DeliveryRecordRepository interface {
	CreatePending(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	List(ctx context.Context, f model.DeliveryRecordFilter) ([]*model.DeliveryRecord, int64, error)
	Counts(ctx context.Context, campaignID uuid.UUID, pass int) (*model.DeliveryCounts, error)
}

type RecipientResolver interface {
	Resolve(ctx context.Context, spec model.RecipientSpec) ([]*model.Customer, error)
	Count(ctx context.Context, spec model.RecipientSpec) (int, error)
	Preview(ctx context.Context, filter model.RecipientFilter, sample int) (*model.RecipientPreview, error)
}

type MailTransport interface {
	IsAuthenticated() bool
	Send(ctx context.Context, to, subject, html, text string) (*mailer.Result, error)
}

type Tracker interface {
	IssueToken() (string, error)
	Embed(html, token string) string
}

type TemplateCatalog interface {
	List() []model.TemplateInfo
	Render(id, customerName string) (*model.RenderedTemplate, error)
	Source(id string) (*model.RenderedTemplate, error)
}

// RecipientGuard decides whether one customer may be mailed for one
// campaign and remembers the outcome.
type RecipientGuard interface {
	Acquire(ctx context.Context, campaignID, customerID string) (*dispatch.Claim, error)
	Delivered(ctx context.Context, c *dispatch.Claim)
	Failed(ctx context.Context, c *dispatch.Claim, reason string)
	Release(ctx context.Context, c *dispatch.Claim)
}

type CampaignService struct {
	campaigns  CampaignRepository
	deliveries DeliveryRecordRepository
	resolver   RecipientResolver
	transport  MailTransport
	tracker    Tracker
	catalog    TemplateCatalog
	guard      RecipientGuard
	greeting   string
	now        func() time.Time
}

type Option func(*CampaignService)

func WithGuard(g RecipientGuard) Option {
	return func(s *CampaignService) { s.guard = g }
}

func WithClock(now func() time.Time) Option {
	return func(s *CampaignService) { s.now = now }
}

// WithGreeting sets the name used for customers without one.
func WithGreeting(name string) Option {
	return func(s *CampaignService) {
		if strings.TrimSpace(name) != "" {
			s.greeting = name
		}
	}
}

func NewCampaignService(campaigns CampaignRepository, deliveries DeliveryRecordRepository, resolver RecipientResolver, transport MailTransport, tracker Tracker, catalog TemplateCatalog, opts ...Option) *CampaignService {
	s := &CampaignService{
		campaigns:  campaigns,
		deliveries: deliveries,
		resolver:   resolver,
		transport:  transport,
		tracker:    tracker,
		catalog:    catalog,
		guard:      noGuard{},
		greeting:   templates.DefaultCustomerName,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CampaignService) Create(ctx context.Context, req model.CampaignCreateRequest) (*model.Campaign, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Subject = strings.TrimSpace(req.Subject)
	req.TemplateID = strings.TrimSpace(req.TemplateID)

	if req.TemplateID != "" && strings.TrimSpace(req.ContentHTML) == "" {
		src, err := s.catalog.Source(req.TemplateID)
		if errors.Is(err, templates.ErrTemplateNotFound) {
			return nil, fmt.Errorf("%w: unknown template %q", model.ErrInvalidRequest, req.TemplateID)
		}
		if err != nil {
			return nil, err
		}
		req.ContentHTML = src.HTML
		if req.ContentText == "" {
			req.ContentText = src.Text
		}
		if req.Subject == "" {
			req.Subject = src.Subject
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	total, err := s.resolver.Count(ctx, req.Recipients)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}

	c := &model.Campaign{
		Name:            req.Name,
		Subject:         req.Subject,
		TemplateID:      req.TemplateID,
		ContentHTML:     req.ContentHTML,
		ContentText:     req.ContentText,
		Recipients:      req.Recipients,
		Status:          model.CampaignStatusDraft,
		TotalRecipients: total,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(s.now()) {
		at := req.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.Status = model.CampaignStatusScheduled
	}

	created, err := s.campaigns.Create(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	logger.Info("[campaign] created",
		"campaign_id", created.ID,
		"status", created.Status,
		"recipient_mode", created.Recipients.Mode(),
		"total_recipients", created.TotalRecipients)
	return created, nil
}

func (s *CampaignService) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, campaignError(err)
	}
	return c, nil
}

func (s *CampaignService) List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error) {
	return s.campaigns.List(ctx, f)
}

// UpdateSchedule sets (at != nil) or clears (at == nil) the send time of a
// draft or scheduled campaign.
func (s *CampaignService) UpdateSchedule(ctx context.Context, id uuid.UUID, at *time.Time) (*model.Campaign, error) {
	c, err := s.campaigns.UpdateSchedule(ctx, id, at)
	if err != nil {
		return nil, campaignError(err)
	}
	logger.Info("[campaign] schedule updated", "campaign_id", id, "status", c.Status, "scheduled_at", c.ScheduledAt)
	return c, nil
}

// Send runs one synchronous send pass over the live recipient set. The pass
// is not interrupted when the caller goes away.
func (s *CampaignService) Send(ctx context.Context, id uuid.UUID) (*model.SendSummary, error) {
	ctx = context.WithoutCancel(ctx)

	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, campaignError(err)
	}
	switch c.Status {
	case model.CampaignStatusSending:
		return nil, ErrCampaignSending
	case model.CampaignStatusCompleted:
		return nil, ErrCampaignCompleted
	}
	if !s.transport.IsAuthenticated() {
		return nil, ErrMailNotAuthenticated
	}

	retry := c.Status == model.CampaignStatusFailed
	started := time.Now()
	c, err = s.campaigns.BeginSending(ctx, id, s.now())
	if err != nil {
		return nil, campaignError(err)
	}
	logger.Info("[campaign] send pass started", "campaign_id", id, "pass", c.SendPass, "retry", retry)

	summary, err := s.deliver(ctx, c)
	if errors.Is(err, repository.ErrPassSuperseded) {
		prom.AddSendPassDuration(time.Since(started).Seconds(), "superseded")
		logger.Error("[campaign] send pass superseded, stopping", "campaign_id", id, "pass", c.SendPass, "error", err)
		return nil, ErrSendPassSuperseded
	}
	if err != nil {
		if abortErr := s.campaigns.Abort(ctx, id, c.SendPass); abortErr != nil {
			logger.Error("[campaign] failed to abort send pass", "campaign_id", id, "error", abortErr)
		}
		prom.AddSendPassDuration(time.Since(started).Seconds(), "aborted")
		logger.Error("[campaign] send pass aborted", "campaign_id", id, "error", err)
		return nil, err
	}

	if err := s.campaigns.Complete(ctx, id, c.SendPass, summary.SentCount, summary.FailedCount, s.now()); err != nil {
		prom.AddSendPassDuration(time.Since(started).Seconds(), "aborted")
		return nil, fmt.Errorf("complete campaign: %w", campaignError(err))
	}
	prom.AddSendPassDuration(time.Since(started).Seconds(), "completed")
	logger.Info("[campaign] send pass completed",
		"campaign_id", id,
		"sent", summary.SentCount,
		"failed", summary.FailedCount,
		"total", summary.Total,
		"duration", time.Since(started))
	return summary, nil
}

func (s *CampaignService) deliver(ctx context.Context, c *model.Campaign) (*model.SendSummary, error) {
	recipients, err := s.resolver.Resolve(ctx, c.Recipients)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}

	summary := &model.SendSummary{CampaignID: c.ID, Total: len(recipients)}
	for _, customer := range recipients {
		if err := s.campaigns.Heartbeat(ctx, c.ID, c.SendPass, s.now()); err != nil {
			return nil, fmt.Errorf("heartbeat: %w", err)
		}
		sent, err := s.deliverOne(ctx, c, customer)
		if err != nil {
			return nil, err
		}
		if sent {
			summary.SentCount++
		} else {
			summary.FailedCount++
		}
	}
	return summary, nil
}

// deliverOne handles one recipient. Only storage failures are returned;
// everything else is recorded on the delivery record.
func (s *CampaignService) deliverOne(ctx context.Context, c *model.Campaign, customer *model.Customer) (bool, error) {
	claim, refused := s.guard.Acquire(ctx, c.ID.String(), customer.ID.String())
	if errors.Is(refused, dispatch.ErrAlreadyDelivered) {
		logger.Debug("[campaign] recipient already delivered", "campaign_id", c.ID, "customer_id", customer.ID)
		prom.IncDelivery("skipped")
		return true, nil
	}

	token, err := s.tracker.IssueToken()
	if err != nil {
		s.guard.Release(ctx, claim)
		return false, fmt.Errorf("issue tracking token: %w", err)
	}

	name := strings.TrimSpace(customer.Name)
	if name == "" {
		name = s.greeting
	}
	subject := personalize(c.Subject, name)
	html := s.tracker.Embed(personalize(c.ContentHTML, name), token)
	text := personalize(c.ContentText, name)

	rec, err := s.deliveries.CreatePending(ctx, &model.DeliveryRecord{
		CampaignID:     c.ID,
		CustomerID:     customer.ID,
		RecipientEmail: customer.Email,
		RecipientName:  name,
		Subject:        subject,
		TrackingToken:  token,
		SendPass:       c.SendPass,
	})
	if err != nil {
		s.guard.Release(ctx, claim)
		return false, fmt.Errorf("create delivery record: %w", err)
	}

	if refused != nil {
		return false, s.recordFailure(ctx, rec, refused.Error())
	}

	res, err := s.transport.Send(ctx, customer.Email, subject, html, text)
	if err != nil {
		res = &mailer.Result{Error: err.Error()}
	}
	if !res.Success {
		s.guard.Failed(ctx, claim, res.Error)
		return false, s.recordFailure(ctx, rec, res.Error)
	}

	s.guard.Delivered(ctx, claim)
	if err := s.deliveries.MarkSent(ctx, rec.ID, res.MessageID, s.now()); err != nil {
		return false, fmt.Errorf("mark record %s sent: %w", rec.ID, err)
	}
	prom.IncDelivery(string(model.DeliveryStatusSent))
	return true, nil
}

func (s *CampaignService) recordFailure(ctx context.Context, rec *model.DeliveryRecord, reason string) error {
	logger.Warn("[campaign] delivery failed", "campaign_id", rec.CampaignID, "customer_id", rec.CustomerID, "error", reason)
	if err := s.deliveries.MarkFailed(ctx, rec.ID, reason); err != nil {
		return fmt.Errorf("mark record %s failed: %w", rec.ID, err)
	}
	prom.IncDelivery(string(model.DeliveryStatusFailed))
	return nil
}

func (s *CampaignService) Stats(ctx context.Context, id uuid.UUID) (*model.CampaignStats, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, campaignError(err)
	}
	counts, err := s.deliveries.Counts(ctx, id, c.SendPass)
	if err != nil {
		return nil, fmt.Errorf("count delivery records: %w", err)
	}

	stats := &model.CampaignStats{
		CampaignID:      c.ID,
		Name:            c.Name,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		SentCount:       counts.Sent,
		FailedCount:     counts.Failed,
		PendingCount:    counts.Pending,
		OpenedCount:     counts.Opened,
		TotalOpens:      counts.TotalOpens,
	}
	if counts.Sent > 0 {
		stats.OpenRate = float64(counts.Opened) / float64(counts.Sent)
	}
	return stats, nil
}

func (s *CampaignService) DeliveryRecords(ctx context.Context, id uuid.UUID, limit, offset int) ([]*model.DeliveryRecord, int64, error) {
	if _, err := s.campaigns.Get(ctx, id); err != nil {
		return nil, 0, campaignError(err)
	}
	return s.deliveries.List(ctx, model.DeliveryRecordFilter{CampaignID: id, Limit: limit, Offset: offset})
}

func (s *CampaignService) DueCampaigns(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	return s.campaigns.ListDue(ctx, now)
}

// RecoverStale fails sending campaigns whose pass made no progress for
// idleFor. A pass beats before every recipient.
func (s *CampaignService) RecoverStale(ctx context.Context, idleFor time.Duration) (int64, error) {
	n, err := s.campaigns.RecoverStale(ctx, s.now().Add(-idleFor))
	if err != nil {
		return 0, fmt.Errorf("recover stale campaigns: %w", err)
	}
	if n > 0 {
		logger.Warn("[campaign] stale sending campaigns failed", "count", n, "idle_for", idleFor)
	}
	return n, nil
}

func (s *CampaignService) PreviewRecipients(ctx context.Context, filter model.RecipientFilter, sample int) (*model.RecipientPreview, error) {
	return s.resolver.Preview(ctx, filter, sample)
}

func (s *CampaignService) Templates() []model.TemplateInfo {
	return s.catalog.List()
}

func (s *CampaignService) RenderTemplate(id, customerName string) (*model.RenderedTemplate, error) {
	out, err := s.catalog.Render(id, customerName)
	if errors.Is(err, templates.ErrTemplateNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return out, err
}

// SendTestEmail renders a catalog template and mails it once. Nothing is
// recorded.
func (s *CampaignService) SendTestEmail(ctx context.Context, templateID, to, name string) (*mailer.Result, error) {
	if strings.TrimSpace(to) == "" {
		return nil, fmt.Errorf("%w: recipient email is required", model.ErrInvalidRequest)
	}
	if !s.transport.IsAuthenticated() {
		return nil, ErrMailNotAuthenticated
	}
	if strings.TrimSpace(name) == "" {
		name = TestRecipientName
	}
	rendered, err := s.RenderTemplate(templateID, name)
	if err != nil {
		return nil, err
	}
	res, err := s.transport.Send(ctx, strings.TrimSpace(to), rendered.Subject, rendered.HTML, rendered.Text)
	if errors.Is(err, mailer.ErrNotAuthenticated) || errors.Is(err, mailer.ErrNotConfigured) {
		return nil, ErrMailNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	logger.Info("[campaign] test email", "template_id", templateID, "success", res.Success)
	return res, nil
}

func personalize(s, name string) string {
	return strings.ReplaceAll(s, templates.NamePlaceholder, name)
}

func campaignError(err error) error {
	switch {
	case errors.Is(err, repository.ErrPassSuperseded):
		return ErrSendPassSuperseded
	case errors.Is(err, repository.ErrCampaignNotFound):
		return ErrCampaignNotFound
	case errors.Is(err, repository.ErrCampaignSending):
		return ErrCampaignSending
	case errors.Is(err, repository.ErrCampaignCompleted):
		return ErrCampaignCompleted
	case errors.Is(err, repository.ErrInvalidTransition):
		return ErrInvalidTransition
	}
	return err
}

type noGuard struct{}

func (noGuard) Acquire(_ context.Context, campaignID, customerID string) (*dispatch.Claim, error) {
	return &dispatch.Claim{CampaignID: campaignID, CustomerID: customerID}, nil
}
func (noGuard) Delivered(context.Context, *dispatch.Claim)      {}
func (noGuard) Failed(context.Context, *dispatch.Claim, string) {}
func (noGuard) Release(context.Context, *dispatch.Claim)        {}
