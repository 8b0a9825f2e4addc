package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Sendable lists the states a send pass may start from.
var Sendable = []CampaignStatus{CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusFailed}

// Reschedulable lists the states whose schedule may be changed.
var Reschedulable = []CampaignStatus{CampaignStatusDraft, CampaignStatusScheduled}

type Campaign struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	Subject         string         `json:"subject"`
	TemplateID      string         `json:"template_id,omitempty"`
	ContentHTML     string         `json:"content_html"`
	ContentText     string         `json:"content_text,omitempty"`
	Recipients      RecipientSpec  `json:"-"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int            `json:"sent_count"`
	FailedCount     int            `json:"failed_count"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	SendPass        int            `json:"send_pass"`
	HeartbeatAt     *time.Time     `json:"heartbeat_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MarshalJSON flattens Recipients into recipient_mode/recipient_filter/recipient_ids.
func (c Campaign) MarshalJSON() ([]byte, error) {
	type alias Campaign
	out := struct {
		alias
		RecipientMode   RecipientMode   `json:"recipient_mode"`
		RecipientFilter RecipientFilter `json:"recipient_filter,omitempty"`
		RecipientIDs    []uuid.UUID     `json:"recipient_ids,omitempty"`
	}{alias: alias(c)}
	switch spec := c.Recipients.(type) {
	case FilterSpec:
		out.RecipientMode = RecipientModeFilter
		out.RecipientFilter = spec.Filter
	case ManualSpec:
		out.RecipientMode = RecipientModeManual
		out.RecipientIDs = spec.CustomerIDs
	}
	return json.Marshal(out)
}

type CampaignCreateRequest struct {
	Name        string
	Subject     string
	TemplateID  string
	ContentHTML string
	ContentText string
	Recipients  RecipientSpec
	ScheduledAt *time.Time
}

func (r *CampaignCreateRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ContentHTML) == "" {
		return fmt.Errorf("%w: content_html is required", ErrInvalidRequest)
	}
	if r.Recipients == nil {
		return fmt.Errorf("%w: recipients are required", ErrInvalidRequest)
	}
	return r.Recipients.Validate()
}

type CampaignFilter struct {
	Limit  int // default 50, max 1000
	Offset int
}

type SendSummary struct {
	CampaignID  uuid.UUID `json:"campaign_id"`
	SentCount   int       `json:"sent_count"`
	FailedCount int       `json:"failed_count"`
	Total       int       `json:"total"`
}

type CampaignStats struct {
	CampaignID      uuid.UUID      `json:"campaign_id"`
	Name            string         `json:"name"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int64          `json:"sent_count"`
	FailedCount     int64          `json:"failed_count"`
	PendingCount    int64          `json:"pending_count"`
	OpenedCount     int64          `json:"opened_count"`
	TotalOpens      int64          `json:"total_opens"`
	OpenRate        float64        `json:"open_rate"`
}
