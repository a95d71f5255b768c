package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/levitate/musicgen/internal/model"
	"github.com/levitate/musicgen/internal/service"
	"github.com/levitate/musicgen/pkg/response"
)

type GenerateHandler struct {
	service *service.GenerationService
}

func NewGenerateHandler(svc *service.GenerationService) *GenerateHandler {
	return &GenerateHandler{service: svc}
}

// Generate handles POST /api/generate/:assetId
func (h *GenerateHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}

	job, err := h.service.Submit(c.UserContext(), param(c, "assetId"), req.Params())
	if err != nil {
		return writeError(c, err)
	}

	return response.Accepted(c, &model.GenerateResponse{
		JobID:         job.ID,
		AssetID:       job.SourceAssetID,
		Status:        job.Status,
		EstimatedTime: service.EstimatedTime(job.Parameters),
		CreatedAt:     job.CreatedAt,
	})
}

// Status handles GET /api/status/:jobId
func (h *GenerateHandler) Status(c *fiber.Ctx) error {
	job, err := h.service.Status(c.UserContext(), param(c, "jobId"))
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, model.NewJobStatusResponse(job))
}

// Download handles GET /api/download/:jobId
func (h *GenerateHandler) Download(c *fiber.Ctx) error {
	jobID := param(c, "jobId")
	data, err := h.service.Download(c.UserContext(), jobID)
	if err != nil {
		return writeError(c, err)
	}

	c.Set(fiber.HeaderContentType, "audio/wav")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="generated_%s.wav"`, jobID))
	return c.Send(data)
}
