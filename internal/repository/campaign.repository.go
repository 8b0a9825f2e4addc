package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
	"github.com/nimasrn/campaign-engine/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrCampaignSending   = errors.New("campaign is already sending")
	ErrCampaignCompleted = errors.New("campaign is already completed")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	// ErrPassSuperseded is returned to a send pass that no longer owns its
	// campaign, because it was recovered as stale or another pass started.
	ErrPassSuperseded = errors.New("send pass no longer owns the campaign")
)

type CampaignRepository struct {
	*pg.DB
}

func NewCampaignRepository(db *pg.DB) *CampaignRepository {
	return &CampaignRepository{
		db,
	}
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	entity, err := toCampaignEntity(c)
	if err != nil {
		return nil, err
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toCampaignModel(entity)
}

func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	return r.get(r.Read(ctx), id)
}

func (r *CampaignRepository) get(db *gorm.DB, id uuid.UUID) (*model.Campaign, error) {
	var entity CampaignEntity
	if err := db.Where("id = ?", id).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return toCampaignModel(&entity)
}

func (r *CampaignRepository) List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error) {
	q := r.Read(ctx).Model(&CampaignEntity{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*CampaignEntity
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}
	models, err := toCampaignModels(entities)
	if err != nil {
		return nil, 0, err
	}
	return models, total, nil
}

// UpdateSchedule moves a draft or scheduled campaign to scheduled (at != nil)
// or back to draft (at == nil).
func (r *CampaignRepository) UpdateSchedule(ctx context.Context, id uuid.UUID, at *time.Time) (*model.Campaign, error) {
	status := model.CampaignStatusDraft
	if at != nil {
		status = model.CampaignStatusScheduled
	}
	res := r.Write(ctx).Model(&CampaignEntity{}).
		Where("id = ? AND status IN ?", id, statuses(model.Reschedulable)).
		Updates(map[string]any{
			"status":       string(status),
			"scheduled_at": utc(at),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		c, err := r.get(r.Write(ctx), id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot reschedule a %s campaign", ErrInvalidTransition, c.Status)
	}
	return r.get(r.Write(ctx), id)
}

// BeginSending is the exclusivity gate of a send pass. Exactly one of any
// number of concurrent callers moves the campaign to sending and gets the
// next pass number; the others get the error matching the state they lost to.
func (r *CampaignRepository) BeginSending(ctx context.Context, id uuid.UUID, now time.Time) (*model.Campaign, error) {
	res := r.Write(ctx).Model(&CampaignEntity{}).
		Where("id = ? AND status IN ?", id, statuses(model.Sendable)).
		Updates(map[string]any{
			"status":       string(model.CampaignStatusSending),
			"started_at":   now.UTC(),
			"heartbeat_at": now.UTC(),
			"completed_at": nil,
			"sent_count":   0,
			"failed_count": 0,
			"send_pass":    gorm.Expr("send_pass + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, r.transitionError(ctx, id)
	}
	return r.get(r.Write(ctx), id)
}

// Heartbeat records progress of a running pass. It fails with
// ErrPassSuperseded once the pass lost the campaign.
func (r *CampaignRepository) Heartbeat(ctx context.Context, id uuid.UUID, pass int, now time.Time) error {
	res := r.Write(ctx).Model(&CampaignEntity{}).
		Where("id = ? AND status = ? AND send_pass = ?", id, string(model.CampaignStatusSending), pass).
		Update("heartbeat_at", now.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.passError(ctx, id)
	}
	return nil
}

// Complete finalizes a send pass. total_recipients is raised to sent+failed
// when the live recipient set outgrew the creation snapshot.
func (r *CampaignRepository) Complete(ctx context.Context, id uuid.UUID, pass, sent, failed int, now time.Time) error {
	attempted := sent + failed
	res := r.Write(ctx).Model(&CampaignEntity{}).
		Where("id = ? AND status = ? AND send_pass = ?", id, string(model.CampaignStatusSending), pass).
		Updates(map[string]any{
			"status":           string(model.CampaignStatusCompleted),
			"sent_count":       sent,
			"failed_count":     failed,
			"completed_at":     now.UTC(),
			"total_recipients": gorm.Expr("CASE WHEN total_recipients < ? THEN ? ELSE total_recipients END", attempted, attempted),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.passError(ctx, id)
	}
	return nil
}

// Abort moves a campaign sending under pass to failed. Counters are left
// untouched.
func (r *CampaignRepository) Abort(ctx context.Context, id uuid.UUID, pass int) error {
	res := r.Write(ctx).Model(&CampaignEntity{}).
		Where("id = ? AND status = ? AND send_pass = ?", id, string(model.CampaignStatusSending), pass).
		Update("status", string(model.CampaignStatusFailed))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.passError(ctx, id)
	}
	return nil
}

// ListDue returns scheduled campaigns whose time has come, oldest first.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	var entities []*CampaignEntity
	err := r.Read(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", string(model.CampaignStatusScheduled), now.UTC()).
		Order("scheduled_at ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toCampaignModels(entities)
}

// RecoverStale fails sending campaigns whose pass made no progress since
// idleSince and returns how many were moved.
func (r *CampaignRepository) RecoverStale(ctx context.Context, idleSince time.Time) (int64, error) {
	res := r.Write(ctx).Model(&CampaignEntity{}).
		Where("status = ? AND (COALESCE(heartbeat_at, started_at) IS NULL OR COALESCE(heartbeat_at, started_at) < ?)", string(model.CampaignStatusSending), idleSince.UTC()).
		Update("status", string(model.CampaignStatusFailed))
	return res.RowsAffected, res.Error
}

func (r *CampaignRepository) passError(ctx context.Context, id uuid.UUID) error {
	err := r.transitionError(ctx, id)
	if errors.Is(err, ErrCampaignNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPassSuperseded, err)
}

func (r *CampaignRepository) transitionError(ctx context.Context, id uuid.UUID) error {
	c, err := r.get(r.Write(ctx), id)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.CampaignStatusSending:
		return ErrCampaignSending
	case model.CampaignStatusCompleted:
		return ErrCampaignCompleted
	}
	return fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
}

func statuses(s []model.CampaignStatus) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}
