package middlewares

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"msgcommerce-backend/utils"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names so 422 details match the request payload
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// BindAndValidate parses the JSON body into dst, trims its string fields and
// validates it, so whitespace-only values fail "required".
// Returns a 400 APIError for parse errors and validator.ValidationErrors for validation issues.
func BindAndValidate(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return NewAPIError(fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	utils.TrimStrings(dst)
	return validate.Struct(dst)
}

// ValidateStruct validates any struct value using the shared validator instance.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}
