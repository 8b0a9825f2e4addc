package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
	"github.com/nimasrn/campaign-engine/pkg/pg"
)

type CampaignEntity struct {
	pg.Model
	Name            string     `db:"name"             gorm:"column:name;not null"`
	Subject         string     `db:"subject"          gorm:"column:subject;not null"`
	TemplateID      *string    `db:"template_id"      gorm:"column:template_id"`
	ContentHTML     string     `db:"content_html"     gorm:"column:content_html;type:text;not null"`
	ContentText     *string    `db:"content_text"     gorm:"column:content_text;type:text"`
	RecipientMode   string     `db:"recipient_mode"   gorm:"column:recipient_mode;not null;default:filter"`
	RecipientFilter *string    `db:"recipient_filter" gorm:"column:recipient_filter"`
	RecipientIDs    *string    `db:"recipient_ids"    gorm:"column:recipient_ids;type:text"`
	Status          string     `db:"status"           gorm:"column:status;not null;index"`
	TotalRecipients int        `db:"total_recipients" gorm:"column:total_recipients;not null;default:0"`
	SentCount       int        `db:"sent_count"       gorm:"column:sent_count;not null;default:0"`
	FailedCount     int        `db:"failed_count"     gorm:"column:failed_count;not null;default:0"`
	ScheduledAt     *time.Time `db:"scheduled_at"     gorm:"column:scheduled_at"`
	StartedAt       *time.Time `db:"started_at"       gorm:"column:started_at"`
	CompletedAt     *time.Time `db:"completed_at"     gorm:"column:completed_at"`
	SendPass        int        `db:"send_pass"        gorm:"column:send_pass;not null;default:0"`
	HeartbeatAt     *time.Time `db:"heartbeat_at"     gorm:"column:heartbeat_at"`
}

func (CampaignEntity) TableName() string {
	return "email_campaigns"
}

func toCampaignEntity(m *model.Campaign) (*CampaignEntity, error) {
	if m == nil {
		return nil, nil
	}
	e := &CampaignEntity{
		Model: pg.Model{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Name:            m.Name,
		Subject:         m.Subject,
		TemplateID:      optional(m.TemplateID),
		ContentHTML:     m.ContentHTML,
		ContentText:     optional(m.ContentText),
		Status:          string(m.Status),
		TotalRecipients: m.TotalRecipients,
		SentCount:       m.SentCount,
		FailedCount:     m.FailedCount,
		ScheduledAt:     utc(m.ScheduledAt),
		StartedAt:       utc(m.StartedAt),
		CompletedAt:     utc(m.CompletedAt),
		SendPass:        m.SendPass,
		HeartbeatAt:     utc(m.HeartbeatAt),
	}

	switch spec := m.Recipients.(type) {
	case model.ManualSpec:
		raw, err := json.Marshal(spec.CustomerIDs)
		if err != nil {
			return nil, err
		}
		e.RecipientMode = string(model.RecipientModeManual)
		e.RecipientIDs = optional(string(raw))
	case model.FilterSpec:
		e.RecipientMode = string(model.RecipientModeFilter)
		e.RecipientFilter = optional(string(spec.Filter))
	default:
		e.RecipientMode = string(model.RecipientModeFilter)
		e.RecipientFilter = optional(string(model.RecipientFilterAll))
	}
	return e, nil
}

func toCampaignModel(e *CampaignEntity) (*model.Campaign, error) {
	if e == nil {
		return nil, nil
	}
	var ids []uuid.UUID
	if e.RecipientIDs != nil && *e.RecipientIDs != "" {
		if err := json.Unmarshal([]byte(*e.RecipientIDs), &ids); err != nil {
			return nil, err
		}
	}
	spec, err := model.NewRecipientSpec(model.RecipientMode(e.RecipientMode), model.RecipientFilter(deref(e.RecipientFilter)), ids)
	if err != nil {
		return nil, err
	}
	return &model.Campaign{
		ID:              e.ID,
		Name:            e.Name,
		Subject:         e.Subject,
		TemplateID:      deref(e.TemplateID),
		ContentHTML:     e.ContentHTML,
		ContentText:     deref(e.ContentText),
		Recipients:      spec,
		Status:          model.CampaignStatus(e.Status),
		TotalRecipients: e.TotalRecipients,
		SentCount:       e.SentCount,
		FailedCount:     e.FailedCount,
		ScheduledAt:     e.ScheduledAt,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		SendPass:        e.SendPass,
		HeartbeatAt:     e.HeartbeatAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}, nil
}

func toCampaignModels(entities []*CampaignEntity) ([]*model.Campaign, error) {
	if entities == nil {
		return nil, nil
	}
	models := make([]*model.Campaign, len(entities))
	for i, e := range entities {
		m, err := toCampaignModel(e)
		if err != nil {
			return nil, err
		}
		models[i] = m
	}
	return models, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
