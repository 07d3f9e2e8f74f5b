package validation

import (
	"context"

	"fhir-gateway/internal/resource/hooks"
	"fhir-gateway/internal/resource/models"
	dErrors "fhir-gateway/pkg/domain-errors"
)

// Hook rejects creates and updates whose payload has error findings.
// Deletes pass through.
type Hook struct {
	hooks.Nop
	validator *Validator
}

// NewHook wraps v as a write hook.
func NewHook(v *Validator) Hook {
	return Hook{validator: v}
}

func (h Hook) PreCreate(ctx context.Context, r *models.Resource) (hooks.AfterAction, error) {
	return hooks.None(), h.check(ctx, r)
}

func (h Hook) PreUpdate(ctx context.Context, r *models.Resource) (hooks.AfterAction, error) {
	return hooks.None(), h.check(ctx, r)
}

func (h Hook) check(ctx context.Context, r *models.Resource) error {
	issues := h.validator.Validate(ctx, r, nil)
	if !models.HasErrors(issues) {
		return nil
	}
	err := dErrors.New(dErrors.CodeValidation, "resource failed validation")
	for _, issue := range issues {
		if issue.Severity == models.SeverityError {
			err = err.WithDetails(issue.Diagnostics)
		}
	}
	return err
}
