package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestHealthService_Check(t *testing.T) {
	db := new(MockPinger)
	rdb := new(MockPinger)
	db.On("Ping", mock.Anything).Return(nil)
	rdb.On("Ping", mock.Anything).Return(errors.New("connection refused"))

	status := NewHealthService(db, rdb).Check(context.Background())
	assert.False(t, status.Healthy())
	assert.Equal(t, "ok", status.Checks["postgres"])
	assert.Equal(t, "connection refused", status.Checks["redis"])

	db.AssertExpectations(t)
	rdb.AssertExpectations(t)
}

func TestHealthService_SkipsMissingDependencies(t *testing.T) {
	db := new(MockPinger)
	db.On("Ping", mock.Anything).Return(nil)

	status := NewHealthService(db, nil).Check(context.Background())
	assert.True(t, status.Healthy())
	assert.Len(t, status.Checks, 1)
}
