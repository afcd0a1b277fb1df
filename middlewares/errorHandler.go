package middlewares

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"msgcommerce-backend/metrics"
)

// APIError is a client-visible failure. Code is the stable contract, Message is not.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	// Headers are set on the response before rendering (Retry-After, WWW-Authenticate).
	Headers map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

func (e *APIError) WithDetails(d map[string]any) *APIError {
	e.Details = d
	return e
}

func (e *APIError) WithHeader(k, v string) *APIError {
	if e.Headers == nil {
		e.Headers = make(map[string]string, 1)
	}
	e.Headers[k] = v
	return e
}

// reject counts the rejection against stage and returns err for the error handler.
func reject(stage string, err *APIError) error {
	metrics.Rejections.WithLabelValues(stage, err.Code).Inc()
	return err
}

var fiberCodes = map[int]string{
	fiber.StatusBadRequest:            "BAD_REQUEST",
	fiber.StatusNotFound:              "NOT_FOUND",
	fiber.StatusMethodNotAllowed:      "METHOD_NOT_ALLOWED",
	fiber.StatusRequestEntityTooLarge: "PAYLOAD_TOO_LARGE",
	fiber.StatusUnsupportedMediaType:  "UNSUPPORTED_MEDIA_TYPE",
	fiber.StatusRequestTimeout:        "REQUEST_TIMEOUT",
	fiber.StatusServiceUnavailable:    "SERVICE_UNAVAILABLE",
}

// NewErrorHandler centralizes error responses and keeps messages sanitized.
// Bodies are always {"error", "code"[, "details"]}.
func NewErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		// 1) pipeline and handler errors
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			for k, v := range apiErr.Headers {
				c.Set(k, v)
			}
			return render(c, apiErr.Status, apiErr.Code, apiErr.Message, apiErr.Details)
		}

		// 2) Fiber errors (status from fiber, code from the table)
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code, ok := fiberCodes[fe.Code]
			if !ok {
				code = "REQUEST_FAILED"
			}
			return render(c, fe.Code, code, fe.Message, nil)
		}

		// 3) Validation errors (422 + per-field info)
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]any, len(ve))
			for _, fe := range ve {
				fields[fe.Field()] = fe.Tag()
			}
			return render(c, fiber.StatusUnprocessableEntity, "VALIDATION_FAILED", "validation failed", map[string]any{"fields": fields})
		}

		// 4) Unknown errors (500)
		st := State(c)
		log.Error().Err(err).
			Str("trace_id", st.TraceID).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("internal error")
		return render(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}

func render(c *fiber.Ctx, status int, code, message string, details map[string]any) error {
	body := fiber.Map{"error": message, "code": code}
	if len(details) > 0 {
		body["details"] = details
	}
	return c.Status(status).JSON(body)
}
