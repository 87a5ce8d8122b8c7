package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cloudsentry/api/internal/middleware"
	"github.com/cloudsentry/api/internal/model"
	"github.com/cloudsentry/api/internal/service"
	"github.com/cloudsentry/api/internal/store"
	"github.com/cloudsentry/api/pkg/response"
)

// InspectionService is the orchestrator surface the REST API needs
type InspectionService interface {
	Start(ctx context.Context, customerID string, req *model.StartInspectionRequest) (*model.StartInspectionResponse, error)
	Job(customerID, jobID string) (*model.JobStatusResponse, error)
	Batch(customerID, batchID string) (*model.BatchStatusResponse, error)
	Cancel(customerID, jobID string) (*model.Job, error)
}

// ResultReader reads persisted results
type ResultReader interface {
	GetItemResults(ctx context.Context, customerID, jobID string) ([]model.ItemResult, error)
}

type InspectionHandler struct {
	service   InspectionService
	results   ResultReader
	validator *validator.Validate
}

func NewInspectionHandler(svc InspectionService, results ResultReader, v *validator.Validate) *InspectionHandler {
	return &InspectionHandler{
		service:   svc,
		results:   results,
		validator: v,
	}
}

// Start handles POST /api/inspections/start
func (h *InspectionHandler) Start(c *fiber.Ctx) error {
	var req model.StartInspectionRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			return response.ValidationError(c, err.Error(), nil)
		}
		zap.S().Errorf("failed to start inspection: %v", err)
		return response.ServiceError(c, "Failed to start inspection")
	}

	return response.Accepted(c, result)
}

// JobStatus handles GET /api/inspections/jobs/:jobId
func (h *InspectionHandler) JobStatus(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Job(middleware.GetUserID(c), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// BatchStatus handles GET /api/inspections/batches/:batchId
func (h *InspectionHandler) BatchStatus(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	if batchID == "" {
		return response.ValidationError(c, "Batch ID is required", nil)
	}

	result, err := h.service.Batch(middleware.GetUserID(c), batchID)
	if err != nil {
		if errors.Is(err, service.ErrBatchNotFound) {
			return response.NotFound(c, "Batch not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/inspections/jobs/:jobId/cancel
func (h *InspectionHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.Cancel(middleware.GetUserID(c), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		if errors.Is(err, service.ErrJobAlreadyFinished) {
			return response.Conflict(c, "Job already finished")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, model.CancelInspectionResponse{
		Success: true,
		JobID:   job.ID,
		Status:  job.Status,
	})
}

// Results handles GET /api/inspections/jobs/:jobId/results
func (h *InspectionHandler) Results(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	results, err := h.results.GetItemResults(c.UserContext(), middleware.GetUserID(c), jobID)
	if err != nil {
		if errors.Is(err, store.ErrResultsNotFound) {
			return response.NotFound(c, "Results not found")
		}
		zap.S().Errorf("failed to read results of job %s: %v", jobID, err)
		return response.ServiceError(c, "Failed to read results")
	}

	return response.OK(c, model.JobResultsResponse{JobID: jobID, Results: results})
}
