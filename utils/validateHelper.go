package utils

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// GetValidator returns the shared validator instance. It is safe for
// concurrent use after package init.
func GetValidator() *validator.Validate {
	return validate
}
