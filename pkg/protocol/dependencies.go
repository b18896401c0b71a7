package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// DelegateQueue hands tasks to remote workers. The returned wait id is the correlation id the
// task's response is delivered under; it is registered with the notify engine before returning.
type DelegateQueue interface {
	QueueTask(ctx context.Context, task *models.DelegateTask) (string, error)
}

// FreezeChecker reports the deployment freeze window active for an environment, if any.
type FreezeChecker interface {
	ActiveFreeze(at time.Time, envID string) (string, bool)
}

// FeatureFlags answers whether a named feature is enabled for an account.
type FeatureFlags interface {
	IsEnabled(flag, accountID string) bool
}

// Dependencies are the services state factories hand to the states they create.
type Dependencies struct {
	Logger        *slog.Logger
	Delegates     DelegateQueue
	Publisher     eventbus.EventPublisher
	Freeze        FreezeChecker
	Features      FeatureFlags
	Verifications persistence.VerificationRepository
}
