package web

import (
	"net/http"
	"time"

	"github.com/dukex/conveyor/pkg/engine"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/sweepingoutput"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	executor    *engine.Executor
	outputs     *sweepingoutput.Service
	persistence persistence.Persistence
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	executor *engine.Executor,
	outputs *sweepingoutput.Service,
	persistence persistence.Persistence,
	registry *registry.Registry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		executor:    executor,
		outputs:     outputs,
		persistence: persistence,
		registry:    registry,
		validator:   validator,
	}
}

// Register mounts every route on app.
func (h *APIHandlers) Register(app fiber.Router) {
	app.Get("/health", h.HealthCheck)
	app.Get("/state-types", h.GetStateTypes)

	e := app.Group("/executions")
	e.Post("/", h.StartExecution)
	e.Get("/:id", h.GetExecution)

	app.Get("/workflow-executions/:id/executions", h.GetWorkflowExecutions)
	app.Post("/workflow-executions/:id/abort", h.AbortWorkflowExecution)

	app.Get("/sweeping-outputs", h.FindSweepingOutput)

	v := app.Group("/verifications")
	v.Get("/:stateExecutionId", h.GetVerification)
	v.Post("/:stateExecutionId/override", h.OverrideVerification)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck := "ok"
	repOk := true

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		repositoryCheck = err.Error()
		repOk = false
	}

	stateTypes := len(h.registry.Factories())

	status := "unhealthy"
	message := "Conveyor manager is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk && stateTypes > 0 {
		status = "healthy"
		message = "Conveyor manager is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"state_types": stateTypes,
			"repository":  repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetStateTypes(c fiber.Ctx) error {
	return c.JSON(TransformStateTypes(h.registry.Factories()))
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req engine.StartRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	instance, err := h.executor.Start(c.Context(), req)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")

	if id == "" {
		return badRequest(c, "State execution ID is required")
	}

	instance, err := h.executor.Get(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	instances, err := h.executor.List(c.Context(), c.Params("id"))
	if err != nil {
		return internalError(c, err)
	}

	if instances == nil {
		instances = []*models.StateExecutionInstance{}
	}

	return c.JSON(instances)
}

func (h *APIHandlers) AbortWorkflowExecution(c fiber.Ctx) error {
	id := c.Params("id")

	aborted, err := h.executor.Abort(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	if aborted == nil {
		aborted = []*models.StateExecutionInstance{}
	}

	return c.JSON(AbortResponse{WorkflowExecutionID: id, Aborted: aborted})
}

func (h *APIHandlers) FindSweepingOutput(c fiber.Ctx) error {
	var inquiry models.SweepingOutputInquiry
	if err := c.Bind().Query(&inquiry); err != nil {
		return badRequest(c, "Invalid query parameters")
	}

	if err := h.validator.Struct(inquiry); err != nil {
		return badRequest(c, err.Error())
	}

	output, err := h.outputs.FindInstance(c.Context(), inquiry)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(output)
}

func (h *APIHandlers) GetVerification(c fiber.Ctx) error {
	record, err := h.persistence.VerificationRepository().GetByStateExecutionID(c.Context(), c.Params("stateExecutionId"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(record)
}

// OverrideVerification pins the verdict of a verification. Later evaluations of the same
// state execution report the pinned status instead of recomputing it.
func (h *APIHandlers) OverrideVerification(c fiber.Ctx) error {
	id := c.Params("stateExecutionId")

	var req OverrideRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	repository := h.persistence.VerificationRepository()

	if err := repository.SetStatus(c.Context(), id, req.Status, false, true); err != nil {
		return handleEngineError(c, err)
	}

	record, err := repository.GetByStateExecutionID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(record)
}
