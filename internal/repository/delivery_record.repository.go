package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
	"github.com/nimasrn/campaign-engine/pkg/pg"
	"gorm.io/gorm"
)

var (
	ErrDeliveryRecordNotFound = errors.New("delivery record not found")
	// ErrRecordNotPending is returned when finalizing a record twice.
	ErrRecordNotPending = errors.New("delivery record is not pending")
)

type DeliveryRecordRepository struct {
	*pg.DB
}

func NewDeliveryRecordRepository(db *pg.DB) *DeliveryRecordRepository {
	return &DeliveryRecordRepository{
		db,
	}
}

// CreatePending persists the record of an attempt that is about to be made.
func (r *DeliveryRecordRepository) CreatePending(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, error) {
	entity := toDeliveryRecordEntity(rec)
	entity.Status = string(model.DeliveryStatusPending)
	entity.OpenCount = 0
	entity.OpenedAt = nil

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toDeliveryRecordModel(entity), nil
}

func (r *DeliveryRecordRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error {
	return r.finalize(ctx, id, map[string]any{
		"status":              string(model.DeliveryStatusSent),
		"provider_message_id": optional(providerMessageID),
		"sent_at":             at.UTC(),
	})
}

func (r *DeliveryRecordRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.finalize(ctx, id, map[string]any{
		"status":        string(model.DeliveryStatusFailed),
		"error_message": optional(reason),
	})
}

func (r *DeliveryRecordRepository) finalize(ctx context.Context, id uuid.UUID, values map[string]any) error {
	res := r.Write(ctx).Model(&DeliveryRecordEntity{}).
		Where("id = ? AND status = ?", id, string(model.DeliveryStatusPending)).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.Write(ctx).Model(&DeliveryRecordEntity{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrDeliveryRecordNotFound
		}
		return ErrRecordNotPending
	}
	return nil
}

// RecordOpen counts one open of the record carrying token. The first open
// time is written only once. It reports whether a record matched.
func (r *DeliveryRecordRepository) RecordOpen(ctx context.Context, token string, at time.Time) (bool, error) {
	res := r.Write(ctx).Model(&DeliveryRecordEntity{}).
		Where("tracking_token = ?", token).
		UpdateColumns(map[string]any{
			"open_count": gorm.Expr("open_count + 1"),
			"opened_at":  gorm.Expr("COALESCE(opened_at, ?)", at.UTC()),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *DeliveryRecordRepository) FindByToken(ctx context.Context, token string) (*model.DeliveryRecord, error) {
	var entity DeliveryRecordEntity
	if err := r.Read(ctx).Where("tracking_token = ?", token).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryRecordNotFound
		}
		return nil, err
	}
	return toDeliveryRecordModel(&entity), nil
}

// List returns a page of a campaign's records, newest first, and the total.
func (r *DeliveryRecordRepository) List(ctx context.Context, f model.DeliveryRecordFilter) ([]*model.DeliveryRecord, int64, error) {
	q := r.Read(ctx).Model(&DeliveryRecordEntity{}).Where("campaign_id = ?", f.CampaignID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*DeliveryRecordEntity
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}
	return toDeliveryRecordModels(entities), total, nil
}

// Counts aggregates a campaign's records in one query. Failed and pending
// records of passes other than pass are left out; a retry attempts them again.
func (r *DeliveryRecordRepository) Counts(ctx context.Context, campaignID uuid.UUID, pass int) (*model.DeliveryCounts, error) {
	var row struct {
		Sent       int64
		Failed     int64
		Pending    int64
		Opened     int64
		TotalOpens int64
	}
	err := r.Read(ctx).Model(&DeliveryRecordEntity{}).
		Select(`COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = ? AND send_pass = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = ? AND send_pass = ? THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN opened_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS opened,
			COALESCE(SUM(open_count), 0) AS total_opens`,
			string(model.DeliveryStatusSent),
			string(model.DeliveryStatusFailed), pass,
			string(model.DeliveryStatusPending), pass).
		Where("campaign_id = ?", campaignID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &model.DeliveryCounts{
		Sent:       row.Sent,
		Failed:     row.Failed,
		Pending:    row.Pending,
		Opened:     row.Opened,
		TotalOpens: row.TotalOpens,
	}, nil
}
