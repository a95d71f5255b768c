package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/levitate/musicgen/internal/model"
	"github.com/levitate/musicgen/pkg/response"
)

// writeError maps service errors onto the response envelope
func writeError(c *fiber.Ctx, err error) error {
	var failed *model.JobFailedError
	switch {
	case errors.As(err, &failed):
		return response.JobFailed(c, "Job failed", failed.Reason)
	case errors.Is(err, model.ErrValidation):
		return response.ValidationError(c, err.Error(), formatValidationErrors(err))
	case errors.Is(err, model.ErrNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, model.ErrNotReady):
		return response.NotReady(c, err.Error())
	case errors.Is(err, model.ErrDecode):
		return response.DecodeError(c, err.Error())
	case errors.Is(err, model.ErrStorageWrite):
		return response.StorageError(c, err.Error())
	case errors.Is(err, model.ErrModelInference), errors.Is(err, model.ErrEmbeddingCompute):
		return response.ModelError(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}

// param returns a route parameter that is safe to retain after the handler
// returns.
func param(c *fiber.Ctx, name string) string {
	return utils.CopyString(c.Params(name))
}

// ErrorHandler renders errors that escape the handlers, fiber errors included
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
