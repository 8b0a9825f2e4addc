package model

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// DeliveryRecord is the audit row of one send attempt to one recipient.
// Email, name and subject are snapshots taken at send time.
type DeliveryRecord struct {
	ID                uuid.UUID      `json:"id"`
	CampaignID        uuid.UUID      `json:"campaign_id"`
	CustomerID        uuid.UUID      `json:"customer_id"`
	RecipientEmail    string         `json:"recipient_email"`
	RecipientName     string         `json:"recipient_name"`
	Subject           string         `json:"subject"`
	TrackingToken     string         `json:"-"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	OpenedAt          *time.Time     `json:"opened_at,omitempty"`
	OpenCount         int            `json:"open_count"`
	SendPass          int            `json:"send_pass"`
	CreatedAt         time.Time      `json:"created_at"`
}

type DeliveryRecordFilter struct {
	CampaignID uuid.UUID
	Limit      int // default 100
	Offset     int
}

// DeliveryCounts aggregates the records of one campaign. Sent and opens
// cover every pass; Failed and Pending only the latest one.
type DeliveryCounts struct {
	Sent       int64
	Failed     int64
	Pending    int64
	Opened     int64
	TotalOpens int64
}
