package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dukex/conveyor/pkg/cmd"
	"github.com/dukex/conveyor/pkg/delegate"
	"github.com/dukex/conveyor/pkg/engine"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/features"
	"github.com/dukex/conveyor/pkg/governance"
	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/notify"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/states/verification"
	"github.com/dukex/conveyor/pkg/sweepingoutput"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort = 9091
	serviceName = "conveyor-manager"
)

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the manager API and resume pending state executions",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file://path or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "sweeping-output-url",
				Usage:   "Optional redis:// URL serving sweeping outputs and notify responses",
				Sources: cli.EnvVars("SWEEPING_OUTPUT_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "feature-flags",
				Usage:   "Enabled feature flags (FLAG or FLAG:account, comma separated)",
				Sources: cli.EnvVars("FEATURE_FLAGS"),
			},
			&cli.StringFlag{
				Name:    "freeze-windows",
				Usage:   "JSON array of deployment freeze windows",
				Sources: cli.EnvVars("FREEZE_WINDOWS"),
			},
			&cli.BoolFlag{
				Name:    "embedded-delegate",
				Usage:   "Run a delegate executor inside the manager",
				Sources: cli.EnvVars("EMBEDDED_DELEGATE"),
			},
			&cli.StringFlag{
				Name:    "delegate-id",
				Usage:   "ID of the embedded delegate (auto-generated if not provided)",
				Sources: cli.EnvVars("DELEGATE_ID"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing state plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "otel-endpoint",
				Usage:   "OTLP/HTTP endpoint; tracing is disabled when empty",
				Sources: cli.EnvVars("OTEL_EXPORTER_OTLP_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := log.WithModule(serviceName)

			logger.InfoContext(ctx, "Initializing Conveyor manager")

			tracer := otelhelper.NoopTracer(serviceName)

			if command.String("otel-endpoint") != "" {
				t, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
					}
				}()

				tracer = t
			}

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("sweeping-output-url"))
			defer func() {
				err := persistence.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), serviceName, logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			windows, err := governance.ParseWindows(command.String("freeze-windows"))
			if err != nil {
				return err
			}

			freeze, err := governance.NewFreezeChecker(logger, windows...)
			if err != nil {
				return err
			}

			notifier := notify.NewEngine(persistence.NotifyResponseRepository(), logger)
			defer notifier.Close()

			if err := eventBus.Handle(events.DelegateTaskRespondedEvent, notifier.HandleDelegateResponse); err != nil {
				return err
			}

			deps := protocol.Dependencies{
				Logger:        logger,
				Delegates:     delegate.NewService(eventBus, notifier, logger),
				Publisher:     eventBus,
				Freeze:        freeze,
				Features:      features.Parse(command.String("feature-flags")),
				Verifications: persistence.VerificationRepository(),
			}

			baselines := verification.NewSweepingOutputBaselines(persistence.SweepingOutputRepository())
			registry := cmd.NewRegistry(logger, deps, baselines, command.String("plugins-path"))
			outputs := sweepingoutput.NewService(persistence.SweepingOutputRepository(), logger)

			executor := engine.NewExecutor(
				registry,
				persistence.StateExecutionRepository(),
				notifier,
				logger,
				engine.WithSweepingOutputs(outputs),
				engine.WithPublisher(eventBus),
				engine.WithTracer(tracer),
			)
			defer executor.Close()

			if command.Bool("embedded-delegate") {
				delegateID := command.String("delegate-id")
				if delegateID == "" {
					delegateID = "delegate-" + uuid.New().String()[:8]
				}

				embedded := cmd.NewDelegateExecutor(delegateID, eventBus, logger)
				if err := embedded.Register(eventBus); err != nil {
					return err
				}

				defer embedded.Wait()

				logger.InfoContext(ctx, "Embedded delegate enabled", "delegate_id", delegateID)
			}

			if err := eventBus.Subscribe(ctx); err != nil {
				return fmt.Errorf("failed to subscribe to event bus: %w", err)
			}

			recovered, err := executor.Recover(ctx)
			if err != nil {
				return fmt.Errorf("failed to recover state executions: %w", err)
			}

			logger.InfoContext(ctx, "Pending state executions recovered", "count", recovered)

			api := NewAPI(logger, persistence, registry, executor, outputs)

			err = api.Start(ctx, command.Int("port"))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(ctx, "Failed to start manager API", "error", err)

				return err
			}

			return nil
		},
	}
}
