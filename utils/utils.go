package utils

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"subpilot/apperr"
)

// GenerateRateLimitKey creates a unique key for rate limiting
func GenerateRateLimitKey(scope string, subject, path string) string {
	return fmt.Sprintf("rl:%s:%s:%s", scope, subject, path)
}

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

// AppErrorResponse answers with the status and code matching err's kind.
// Internal errors never leak their cause to the caller.
func AppErrorResponse(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)
	response := fiber.Map{
		"success": false,
		"code":    string(kind),
	}
	var e *apperr.Error
	switch {
	case kind == apperr.KindInternal:
		response["error"] = "internal server error"
	case errors.As(err, &e) && e.Msg != "":
		response["error"] = e.Msg
	default:
		response["error"] = err.Error()
	}
	return c.Status(apperr.HTTPStatus(kind)).JSON(response)
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}
