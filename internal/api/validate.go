package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"coursebuild/internal/services"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a request body against its struct tags and returns a
// validation error naming each failed field. The IPC server shares it so both
// transports reject the same inputs.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return services.Wrap(services.ErrValidation, "api", "validate", validationMessage(err), nil)
	}
	return nil
}

// validationMessage flattens validator errors into "field: tag" pairs.
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
