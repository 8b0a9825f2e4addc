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
	ErrCustomerNotFound = errors.New("customer not found")
	ErrDuplicateEmail   = errors.New("customer email already exists")
	ErrUnknownFilter    = errors.New("unknown recipient filter")
)

const (
	purchasedClause     = "EXISTS (SELECT 1 FROM purchases p WHERE p.customer_id = customers.id)"
	notPurchasedClause  = "NOT EXISTS (SELECT 1 FROM purchases p WHERE p.customer_id = customers.id)"
	eventAttendedClause = "EXISTS (SELECT 1 FROM event_registrations er WHERE er.customer_id = customers.id)"
)

// CustomerRepository is the read surface over the CRM's customer tables.
// Create, AddPurchase and AddEventRegistration exist for seeding.
type CustomerRepository struct {
	*pg.DB
}

func NewCustomerRepository(db *pg.DB) *CustomerRepository {
	return &CustomerRepository{
		db,
	}
}

func (r *CustomerRepository) Create(ctx context.Context, c *model.Customer) (*model.Customer, error) {
	entity := toCustomerEntity(c)

	var n int64
	if err := r.Read(ctx).Model(&CustomerEntity{}).Where("email = ?", entity.Email).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEmail, entity.Email)
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toCustomerModel(entity), nil
}

func (r *CustomerRepository) AddPurchase(ctx context.Context, customerID uuid.UUID, product string, quantity int, total float64) error {
	return r.Write(ctx).Create(&PurchaseEntity{
		CustomerID:  customerID,
		ProductName: product,
		Quantity:    quantity,
		TotalPrice:  total,
		PurchasedAt: time.Now().UTC(),
	}).Error
}

func (r *CustomerRepository) AddEventRegistration(ctx context.Context, customerID uuid.UUID, event string) error {
	return r.Write(ctx).Create(&EventRegistrationEntity{
		CustomerID:   customerID,
		EventName:    event,
		RegisteredAt: time.Now().UTC(),
	}).Error
}

func (r *CustomerRepository) Get(ctx context.Context, id uuid.UUID) (*model.Customer, error) {
	var entity CustomerEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return toCustomerModel(&entity), nil
}

// All returns every customer ordered by creation.
func (r *CustomerRepository) All(ctx context.Context) ([]*model.Customer, error) {
	return r.ListByFilter(ctx, model.RecipientFilterAll, 0)
}

// ByIDs returns the customers that exist among ids, in no particular order.
func (r *CustomerRepository) ByIDs(ctx context.Context, ids []uuid.UUID) ([]*model.Customer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var entities []*CustomerEntity
	if err := r.Read(ctx).Where("id IN ?", ids).Find(&entities).Error; err != nil {
		return nil, err
	}
	return toCustomerModels(entities), nil
}

func (r *CustomerRepository) PurchasedIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.Read(ctx).Model(&PurchaseEntity{}).Distinct().Pluck("customer_id", &ids).Error
	return ids, err
}

func (r *CustomerRepository) EventAttendedIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.Read(ctx).Model(&EventRegistrationEntity{}).Distinct().Pluck("customer_id", &ids).Error
	return ids, err
}

// ListByFilter returns the customers matching filter ordered by
// created_at, id. A limit <= 0 returns all of them.
func (r *CustomerRepository) ListByFilter(ctx context.Context, filter model.RecipientFilter, limit int) ([]*model.Customer, error) {
	q, err := r.filtered(ctx, filter)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	var entities []*CustomerEntity
	if err := q.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&entities).Error; err != nil {
		return nil, err
	}
	return toCustomerModels(entities), nil
}

func (r *CustomerRepository) CountByFilter(ctx context.Context, filter model.RecipientFilter) (int64, error) {
	q, err := r.filtered(ctx, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *CustomerRepository) filtered(ctx context.Context, filter model.RecipientFilter) (*gorm.DB, error) {
	q := r.Read(ctx).Model(&CustomerEntity{})
	switch filter {
	case model.RecipientFilterAll:
	case model.RecipientFilterPurchased:
		q = q.Where(purchasedClause)
	case model.RecipientFilterEventAttended:
		q = q.Where(eventAttendedClause)
	case model.RecipientFilterNotPurchased:
		q = q.Where(notPurchasedClause)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, filter)
	}
	return q, nil
}
