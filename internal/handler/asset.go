package handler

import (
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/levitate/musicgen/internal/model"
	"github.com/levitate/musicgen/internal/service"
	"github.com/levitate/musicgen/pkg/response"
)

type AssetHandler struct {
	uploads     *service.UploadService
	embeddings  *service.EmbeddingService
	analysis    *service.AnalysisService
	retention   *service.RetentionService
	maxFileSize int64
}

func NewAssetHandler(
	uploads *service.UploadService,
	embeddings *service.EmbeddingService,
	analysis *service.AnalysisService,
	retention *service.RetentionService,
	maxFileSize int64,
) *AssetHandler {
	return &AssetHandler{
		uploads:     uploads,
		embeddings:  embeddings,
		analysis:    analysis,
		retention:   retention,
		maxFileSize: maxFileSize,
	}
}

// Upload handles POST /api/upload
func (h *AssetHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if h.maxFileSize > 0 && file.Size > h.maxFileSize {
		return response.ValidationError(c, "File size exceeds limit", map[string]interface{}{
			"maxSize":  h.maxFileSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return response.ServiceError(c, "Failed to read file")
	}

	asset, err := h.uploads.Upload(c.UserContext(), file.Filename, data)
	if err != nil {
		return writeError(c, err)
	}

	return response.Created(c, model.NewUploadResponse(asset))
}

// Embedding handles GET /api/embedding/:assetId
func (h *AssetHandler) Embedding(c *fiber.Ctx) error {
	rec, err := h.embeddings.GetOrCompute(c.UserContext(), param(c, "assetId"))
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, rec)
}

// Analyze handles GET /api/analyze/:assetId
func (h *AssetHandler) Analyze(c *fiber.Ctx) error {
	result, err := h.analysis.Analyze(c.UserContext(), param(c, "assetId"))
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, result)
}

// Delete handles DELETE /api/assets/:assetId
func (h *AssetHandler) Delete(c *fiber.Ctx) error {
	if err := h.retention.DeleteAsset(c.UserContext(), param(c, "assetId")); err != nil {
		return writeError(c, err)
	}
	return response.NoContent(c)
}
