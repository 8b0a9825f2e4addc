package recipient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
)

const DefaultPreviewSample = 10

var ErrUnknownSpec = errors.New("unknown recipient specification")

// CustomerStore is the read surface the resolver needs from the CRM.
type CustomerStore interface {
	ListByFilter(ctx context.Context, filter model.RecipientFilter, limit int) ([]*model.Customer, error)
	CountByFilter(ctx context.Context, filter model.RecipientFilter) (int64, error)
	ByIDs(ctx context.Context, ids []uuid.UUID) ([]*model.Customer, error)
}

// Resolver turns a RecipientSpec into the concrete customers it names. It
// holds no state and never writes.
type Resolver struct {
	store CustomerStore
}

func NewResolver(store CustomerStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the recipients of spec without duplicates. Filter results
// are ordered by creation time, manual results follow the input list.
// Unknown manual ids are dropped.
func (r *Resolver) Resolve(ctx context.Context, spec model.RecipientSpec) ([]*model.Customer, error) {
	switch s := spec.(type) {
	case model.FilterSpec:
		customers, err := r.store.ListByFilter(ctx, s.Filter, 0)
		if err != nil {
			return nil, fmt.Errorf("resolve %s recipients: %w", s.Filter, err)
		}
		return dedupe(customers), nil
	case model.ManualSpec:
		return r.resolveManual(ctx, s.CustomerIDs)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownSpec, spec)
}

func (r *Resolver) resolveManual(ctx context.Context, ids []uuid.UUID) ([]*model.Customer, error) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	found, err := r.store.ByIDs(ctx, unique)
	if err != nil {
		return nil, fmt.Errorf("resolve manual recipients: %w", err)
	}
	byID := make(map[uuid.UUID]*model.Customer, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}

	out := make([]*model.Customer, 0, len(found))
	for _, id := range unique {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Count is the creation time recipient count. Manual lists are counted as
// given, without looking the ids up.
func (r *Resolver) Count(ctx context.Context, spec model.RecipientSpec) (int, error) {
	switch s := spec.(type) {
	case model.FilterSpec:
		n, err := r.store.CountByFilter(ctx, s.Filter)
		if err != nil {
			return 0, fmt.Errorf("count %s recipients: %w", s.Filter, err)
		}
		return int(n), nil
	case model.ManualSpec:
		return len(s.CustomerIDs), nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnknownSpec, spec)
}

// Preview returns the size of a filter's audience and its first sample
// members.
func (r *Resolver) Preview(ctx context.Context, filter model.RecipientFilter, sample int) (*model.RecipientPreview, error) {
	if err := (model.FilterSpec{Filter: filter}).Validate(); err != nil {
		return nil, err
	}
	if sample <= 0 {
		sample = DefaultPreviewSample
	}

	total, err := r.store.CountByFilter(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count %s recipients: %w", filter, err)
	}
	customers, err := r.store.ListByFilter(ctx, filter, sample)
	if err != nil {
		return nil, fmt.Errorf("sample %s recipients: %w", filter, err)
	}
	if customers == nil {
		customers = []*model.Customer{}
	}
	return &model.RecipientPreview{
		Filter:           filter,
		TotalCount:       int(total),
		SampleRecipients: customers,
	}, nil
}

func dedupe(customers []*model.Customer) []*model.Customer {
	seen := make(map[uuid.UUID]struct{}, len(customers))
	out := customers[:0:0]
	for _, c := range customers {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
