package pipeline

import (
	"fmt"
	"strings"

	"github.com/zakariaf/ragcache/pkg/errors"
)

// Validator enforces the request shape: query length bounds and sane
// generation parameters.
type Validator struct {
	MinLength      int
	MaxLength      int
	MaxTokensLimit int
	MaxTemperature float64
}

// DefaultValidator returns a validator with the exposed request bounds.
func DefaultValidator() *Validator {
	return &Validator{
		MinLength:      1,
		MaxLength:      10000,
		MaxTokensLimit: 4000,
		MaxTemperature: 2.0,
	}
}

// Validate checks a request, returning a ValidationFault on the first
// violated rule.
func (v *Validator) Validate(req Request) error {
	query := req.Query
	if len(query) == 0 {
		return errors.ValidationFault("query cannot be empty")
	}
	if len(strings.TrimSpace(query)) == 0 {
		return errors.ValidationFault("query cannot be whitespace-only")
	}
	if len(query) < v.MinLength {
		return errors.ValidationFault(
			fmt.Sprintf("query too short (min %d characters)", v.MinLength))
	}
	if len(query) > v.MaxLength {
		return errors.ValidationFault(
			fmt.Sprintf("query too long (max %d characters)", v.MaxLength))
	}
	if req.MaxTokens < 0 || req.MaxTokens > v.MaxTokensLimit {
		return errors.ValidationFault(
			fmt.Sprintf("max_tokens must be within 1..%d", v.MaxTokensLimit))
	}
	if req.Temperature < 0 || req.Temperature > v.MaxTemperature {
		return errors.ValidationFault(
			fmt.Sprintf("temperature must be within 0..%g", v.MaxTemperature))
	}
	return nil
}
