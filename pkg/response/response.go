package response

import "github.com/gofiber/fiber/v2"

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeNotReady        = "NOT_READY"
	CodeRateLimited     = "RATE_LIMITED"
	CodeJobFailed       = "JOB_FAILED"
	CodeDecodeError     = "DECODE_ERROR"
	CodeServiceError    = "SERVICE_ERROR"
	CodeStorageError    = "STORAGE_ERROR"
	CodeModelError      = "MODEL_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func NotReady(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, CodeNotReady, message, nil)
}

// JobFailed carries the stored job error in details
func JobFailed(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusUnprocessableEntity, CodeJobFailed, message, details)
}

func DecodeError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnprocessableEntity, CodeDecodeError, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

func StorageError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeStorageError, message, nil)
}

func ModelError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadGateway, CodeModelError, message, nil)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
