package mocks

import (
	"context"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockDelegateQueue is a mock implementation of protocol.DelegateQueue interface.
type MockDelegateQueue struct {
	mock.Mock
}

func (m *MockDelegateQueue) QueueTask(ctx context.Context, task *models.DelegateTask) (string, error) {
	args := m.Called(ctx, task)

	return args.String(0), args.Error(1)
}

// MockExpirer is a mock implementation of delegate.Expirer interface.
type MockExpirer struct {
	mock.Mock
}

func (m *MockExpirer) ExpireAfter(correlationID string, d time.Duration) {
	m.Called(correlationID, d)
}

func (m *MockExpirer) CancelExpiry(correlationID string) {
	m.Called(correlationID)
}
