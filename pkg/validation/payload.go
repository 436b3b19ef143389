package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidatePayload validates an RPC payload struct against its `validate`
// tags. Payloads crossing process boundaries (coordinator entries, split
// RPCs) are validated at the receive boundary before any handler runs.
func ValidatePayload(payload any) error {
	if payload == nil {
		return errors.New("payload cannot be nil")
	}
	if err := validate.Struct(payload); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError turns validator's error soup into one readable line.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed %q constraint", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("payload validation failed: %s", strings.Join(parts, "; "))
}
