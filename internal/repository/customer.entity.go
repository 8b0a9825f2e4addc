package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
	"github.com/nimasrn/campaign-engine/pkg/pg"
)

type CustomerEntity struct {
	pg.Model
	Email    string `db:"email"     gorm:"column:email;not null;uniqueIndex"`
	Name     string `db:"name"      gorm:"column:name;not null"`
	Phone    string `db:"phone"     gorm:"column:phone"`
	Industry string `db:"industry"  gorm:"column:industry"`
	JobTitle string `db:"job_title" gorm:"column:job_title"`
	AgeRange string `db:"age_range" gorm:"column:age_range"`
}

func (CustomerEntity) TableName() string {
	return "customers"
}

// PurchaseEntity and EventRegistrationEntity are only read for set
// membership; the CRM owns their other columns.
type PurchaseEntity struct {
	pg.Model
	CustomerID  uuid.UUID `db:"customer_id"  gorm:"column:customer_id;type:uuid;not null;index"`
	ProductName string    `db:"product_name" gorm:"column:product_name"`
	Quantity    int       `db:"quantity"     gorm:"column:quantity;not null;default:1"`
	TotalPrice  float64   `db:"total_price"  gorm:"column:total_price;not null;default:0"`
	PurchasedAt time.Time `db:"purchased_at" gorm:"column:purchased_at"`
}

func (PurchaseEntity) TableName() string {
	return "purchases"
}

type EventRegistrationEntity struct {
	pg.Model
	CustomerID   uuid.UUID `db:"customer_id"   gorm:"column:customer_id;type:uuid;not null;index"`
	EventName    string    `db:"event_name"    gorm:"column:event_name"`
	RegisteredAt time.Time `db:"registered_at" gorm:"column:registered_at"`
}

func (EventRegistrationEntity) TableName() string {
	return "event_registrations"
}

func toCustomerEntity(m *model.Customer) *CustomerEntity {
	if m == nil {
		return nil
	}
	return &CustomerEntity{
		Model: pg.Model{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Email:    model.NormalizeEmail(m.Email),
		Name:     m.Name,
		Phone:    m.Phone,
		Industry: m.Industry,
		JobTitle: m.JobTitle,
		AgeRange: m.AgeRange,
	}
}

func toCustomerModel(e *CustomerEntity) *model.Customer {
	if e == nil {
		return nil
	}
	return &model.Customer{
		ID:        e.ID,
		Email:     e.Email,
		Name:      e.Name,
		Phone:     e.Phone,
		Industry:  e.Industry,
		JobTitle:  e.JobTitle,
		AgeRange:  e.AgeRange,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func toCustomerModels(entities []*CustomerEntity) []*model.Customer {
	if entities == nil {
		return nil
	}
	models := make([]*model.Customer, len(entities))
	for i, e := range entities {
		models[i] = toCustomerModel(e)
	}
	return models
}
