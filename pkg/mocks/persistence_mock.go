package mocks

import (
	"context"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockVerificationRepository is a mock implementation of persistence.VerificationRepository interface.
type MockVerificationRepository struct {
	mock.Mock
}

func (m *MockVerificationRepository) Save(ctx context.Context, record *models.VerificationRecord) (bool, error) {
	args := m.Called(ctx, record)

	return args.Bool(0), args.Error(1)
}

func (m *MockVerificationRepository) GetByStateExecutionID(ctx context.Context, stateExecutionID string) (*models.VerificationRecord, error) {
	args := m.Called(ctx, stateExecutionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.VerificationRecord), args.Error(1)
}

func (m *MockVerificationRepository) SetStatus(
	ctx context.Context,
	stateExecutionID string,
	status models.ExecutionStatus,
	noData, manualOverride bool,
) error {
	args := m.Called(ctx, stateExecutionID, status, noData, manualOverride)

	return args.Error(0)
}
