package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request's struct constraints and, when a rubric is
// present, that it can be normalized.
func (r *EvaluationRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid evaluation request: %w", err)
	}
	if r.Rubric != nil {
		if _, err := r.Rubric.Normalize(); err != nil {
			return fmt.Errorf("invalid rubric: %w", err)
		}
	}
	return nil
}
