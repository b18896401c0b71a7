package cmd

import (
	"log/slog"

	"github.com/dukex/conveyor/pkg/delegate"
	"github.com/dukex/conveyor/pkg/delegate/tasks"
	"github.com/dukex/conveyor/pkg/eventbus"
)

// NewDelegateExecutor creates a delegate executor running every native task type.
func NewDelegateExecutor(delegateID string, publisher eventbus.EventPublisher, log *slog.Logger) *delegate.Executor {
	return delegate.NewExecutor(delegateID, publisher, log,
		tasks.NewShellHandler(log),
		tasks.NewHTTPHandler(log),
		tasks.NewMetricsHandler(log),
	)
}
