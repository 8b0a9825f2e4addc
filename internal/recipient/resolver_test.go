package recipient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
	"github.com/nimasrn/campaign-engine/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCustomerStore struct {
	mock.Mock
}

func (m *MockCustomerStore) ListByFilter(ctx context.Context, f model.RecipientFilter, limit int) ([]*model.Customer, error) {
	args := m.Called(ctx, f, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Customer), args.Error(1)
}

func (m *MockCustomerStore) CountByFilter(ctx context.Context, f model.RecipientFilter) (int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCustomerStore) ByIDs(ctx context.Context, ids []uuid.UUID) ([]*model.Customer, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Customer), args.Error(1)
}

type fixture struct {
	resolver  *Resolver
	customers []*model.Customer
}

// newFixture seeds five customers: 0 and 3 purchased, 1 and 3 attended an
// event.
func newFixture(t *testing.T) *fixture {
	repo := repository.NewCustomerRepository(repository.NewTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var cs []*model.Customer
	for i := 0; i < 5; i++ {
		c, err := repo.Create(ctx, &model.Customer{
			Email:     fmt.Sprintf("c%d@example.com", i),
			Name:      fmt.Sprintf("Customer %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		cs = append(cs, c)
	}
	require.NoError(t, repo.AddPurchase(ctx, cs[0].ID, "tea", 1, 5))
	require.NoError(t, repo.AddPurchase(ctx, cs[0].ID, "cake", 1, 8))
	require.NoError(t, repo.AddPurchase(ctx, cs[3].ID, "tea", 2, 10))
	require.NoError(t, repo.AddEventRegistration(ctx, cs[1].ID, "launch"))
	require.NoError(t, repo.AddEventRegistration(ctx, cs[3].ID, "launch"))

	return &fixture{resolver: NewResolver(repo), customers: cs}
}

func idsOf(cs []*model.Customer) []uuid.UUID {
	out := make([]uuid.UUID, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestResolver_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.customers

	tests := []struct {
		filter model.RecipientFilter
		want   []uuid.UUID
	}{
		{model.RecipientFilterAll, idsOf(cs)},
		{model.RecipientFilterPurchased, []uuid.UUID{cs[0].ID, cs[3].ID}},
		{model.RecipientFilterEventAttended, []uuid.UUID{cs[1].ID, cs[3].ID}},
		{model.RecipientFilterNotPurchased, []uuid.UUID{cs[1].ID, cs[2].ID, cs[4].ID}},
	}
	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			got, err := f.resolver.Resolve(ctx, model.FilterSpec{Filter: tt.filter})
			require.NoError(t, err)
			assert.Equal(t, tt.want, idsOf(got))

			n, err := f.resolver.Count(ctx, model.FilterSpec{Filter: tt.filter})
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
		})
	}
}

func TestResolver_PurchasedPartitionsAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	all, err := f.resolver.Resolve(ctx, model.FilterSpec{Filter: model.RecipientFilterAll})
	require.NoError(t, err)
	purchased, err := f.resolver.Resolve(ctx, model.FilterSpec{Filter: model.RecipientFilterPurchased})
	require.NoError(t, err)
	notPurchased, err := f.resolver.Resolve(ctx, model.FilterSpec{Filter: model.RecipientFilterNotPurchased})
	require.NoError(t, err)

	union := append(idsOf(purchased), idsOf(notPurchased)...)
	assert.ElementsMatch(t, idsOf(all), union)
	for _, id := range idsOf(purchased) {
		assert.NotContains(t, idsOf(notPurchased), id)
	}
}

func TestResolver_Manual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cs := f.customers
	unknown := uuid.New()

	spec := model.ManualSpec{CustomerIDs: []uuid.UUID{cs[4].ID, unknown, cs[1].ID, cs[4].ID}}

	got, err := f.resolver.Resolve(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{cs[4].ID, cs[1].ID}, idsOf(got))

	n, err := f.resolver.Count(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestResolver_Preview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.resolver.Preview(ctx, model.RecipientFilterNotPurchased, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, p.TotalCount)
	assert.Equal(t, []uuid.UUID{f.customers[1].ID, f.customers[2].ID}, idsOf(p.SampleRecipients))

	_, err = f.resolver.Preview(ctx, "vip", 2)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestResolver_StoreErrors(t *testing.T) {
	store := new(MockCustomerStore)
	r := NewResolver(store)
	ctx := context.Background()
	boom := errors.New("connection reset")

	store.On("ListByFilter", ctx, model.RecipientFilterAll, 0).Return(nil, boom)
	store.On("ByIDs", ctx, mock.Anything).Return(nil, boom)

	_, err := r.Resolve(ctx, model.FilterSpec{Filter: model.RecipientFilterAll})
	assert.ErrorIs(t, err, boom)

	_, err = r.Resolve(ctx, model.ManualSpec{CustomerIDs: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, boom)

	_, err = r.Resolve(ctx, nil)
	assert.ErrorIs(t, err, ErrUnknownSpec)

	store.AssertExpectations(t)
}

func TestResolver_DeduplicatesFilterResults(t *testing.T) {
	store := new(MockCustomerStore)
	r := NewResolver(store)
	ctx := context.Background()

	a := &model.Customer{ID: uuid.New(), Email: "a@example.com"}
	b := &model.Customer{ID: uuid.New(), Email: "b@example.com"}
	store.On("ListByFilter", ctx, model.RecipientFilterEventAttended, 0).Return([]*model.Customer{a, b, a}, nil)

	got, err := r.Resolve(ctx, model.FilterSpec{Filter: model.RecipientFilterEventAttended})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, idsOf(got))
}
