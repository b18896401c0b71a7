// Package main provides the conveyor delegate: the remote worker that runs delegate tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/conveyor/pkg/cmd"
	"github.com/dukex/conveyor/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "conveyor-delegate"

func main() {
	cmd := &cli.Command{
		Name:                  serviceName,
		EnableShellCompletion: true,
		Usage:                 "Run delegate tasks queued by the conveyor manager",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "delegate-id",
				Aliases: []string{"id"},
				Usage:   "Custom delegate ID (auto-generated if not provided)",
				Sources: cli.EnvVars("DELEGATE_ID"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (gochannel, kafka)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	delegateID := command.String("delegate-id")
	if delegateID == "" {
		delegateID = "delegate-" + uuid.New().String()[:8]
	}

	logger := log.WithModule(serviceName).With("delegate_id", delegateID)

	logger.InfoContext(ctx, "Initializing Conveyor delegate")

	eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), serviceName, logger)
	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	executor := cmd.NewDelegateExecutor(delegateID, eventBus, logger)
	if err := executor.Register(eventBus); err != nil {
		return err
	}

	if err := eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	logger.InfoContext(ctx, "Conveyor delegate started")

	<-ctx.Done()

	logger.InfoContext(context.WithoutCancel(ctx), "Waiting for running tasks")
	executor.Wait()

	return nil
}
