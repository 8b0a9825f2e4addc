package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
	"gorm.io/gorm"
)

type DeliveryRecordEntity struct {
	ID                uuid.UUID  `db:"id"                  gorm:"primaryKey;type:uuid;column:id"`
	CampaignID        uuid.UUID  `db:"campaign_id"         gorm:"column:campaign_id;type:uuid;not null;index"`
	CustomerID        uuid.UUID  `db:"customer_id"         gorm:"column:customer_id;type:uuid;not null;index"`
	RecipientEmail    string     `db:"recipient_email"     gorm:"column:recipient_email;not null"`
	RecipientName     string     `db:"recipient_name"      gorm:"column:recipient_name"`
	Subject           string     `db:"subject"             gorm:"column:subject;not null"`
	TrackingToken     string     `db:"tracking_token"      gorm:"column:tracking_token;size:64;not null;uniqueIndex"`
	Status            string     `db:"status"              gorm:"column:status;not null;default:pending"`
	ProviderMessageID *string    `db:"provider_message_id" gorm:"column:provider_message_id"`
	ErrorMessage      *string    `db:"error_message"       gorm:"column:error_message;type:text"`
	SentAt            *time.Time `db:"sent_at"             gorm:"column:sent_at"`
	OpenedAt          *time.Time `db:"opened_at"           gorm:"column:opened_at"`
	OpenCount         int        `db:"open_count"          gorm:"column:open_count;not null;default:0"`
	SendPass          int        `db:"send_pass"           gorm:"column:send_pass;not null;default:0;index"`
	CreatedAt         time.Time  `db:"created_at"          gorm:"column:created_at;autoCreateTime"`
}

func (DeliveryRecordEntity) TableName() string {
	return "delivery_records"
}

func (e *DeliveryRecordEntity) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func toDeliveryRecordEntity(m *model.DeliveryRecord) *DeliveryRecordEntity {
	if m == nil {
		return nil
	}
	return &DeliveryRecordEntity{
		ID:                m.ID,
		CampaignID:        m.CampaignID,
		CustomerID:        m.CustomerID,
		RecipientEmail:    m.RecipientEmail,
		RecipientName:     m.RecipientName,
		Subject:           m.Subject,
		TrackingToken:     m.TrackingToken,
		Status:            string(m.Status),
		ProviderMessageID: optional(m.ProviderMessageID),
		ErrorMessage:      optional(m.ErrorMessage),
		SentAt:            utc(m.SentAt),
		OpenedAt:          utc(m.OpenedAt),
		OpenCount:         m.OpenCount,
		SendPass:          m.SendPass,
		CreatedAt:         m.CreatedAt,
	}
}

func toDeliveryRecordModel(e *DeliveryRecordEntity) *model.DeliveryRecord {
	if e == nil {
		return nil
	}
	return &model.DeliveryRecord{
		ID:                e.ID,
		CampaignID:        e.CampaignID,
		CustomerID:        e.CustomerID,
		RecipientEmail:    e.RecipientEmail,
		RecipientName:     e.RecipientName,
		Subject:           e.Subject,
		TrackingToken:     e.TrackingToken,
		Status:            model.DeliveryStatus(e.Status),
		ProviderMessageID: deref(e.ProviderMessageID),
		ErrorMessage:      deref(e.ErrorMessage),
		SentAt:            e.SentAt,
		OpenedAt:          e.OpenedAt,
		OpenCount:         e.OpenCount,
		SendPass:          e.SendPass,
		CreatedAt:         e.CreatedAt,
	}
}

func toDeliveryRecordModels(entities []*DeliveryRecordEntity) []*model.DeliveryRecord {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeliveryRecord, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryRecordModel(e)
	}
	return models
}
