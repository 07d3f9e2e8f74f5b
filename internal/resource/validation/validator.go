// Package validation checks resource payloads against the type table.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/pkg/requestcontext"
)

// envelope is the part of every resource the validator understands
// structurally. Elements beyond it are checked per type.
type envelope struct {
	ResourceType string `validate:"required,alpha"`
	ID           string `validate:"omitempty,fhirid"`
	Meta         *meta  `validate:"omitempty"`
}

type meta struct {
	VersionID   string   `validate:"omitempty,numeric"`
	LastUpdated string   `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Profile     []string `validate:"omitempty,dive,url"`
}

// Validator checks resources. It is safe for concurrent use.
type Validator struct {
	types    map[models.ResourceType]models.TypeDefinition
	validate *validator.Validate
	logger   *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// New builds a validator for the given type table.
func New(types []models.TypeDefinition, opts ...Option) *Validator {
	v := &Validator{
		types:    make(map[models.ResourceType]models.TypeDefinition, len(types)),
		validate: validator.New(),
		logger:   slog.Default(),
	}
	for _, t := range types {
		v.types[t.Name] = t
	}
	_ = v.validate.RegisterValidation("fhirid", func(fl validator.FieldLevel) bool {
		return models.IDPattern.MatchString(fl.Field().String())
	})
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns the findings for r. Profiles add to any profiles the
// resource declares in meta.profile. A resource without findings gets one
// informational "All OK" issue.
func (v *Validator) Validate(ctx context.Context, r *models.Resource, profiles []string) []models.Issue {
	env := envelopeOf(r)
	var issues []models.Issue

	if err := v.validate.Struct(env); err != nil {
		issues = append(issues, structureIssues(err)...)
	}
	if r.Type != "" && env.ResourceType != "" && env.ResourceType != r.Type.String() {
		issues = append(issues, models.Issue{
			Severity:    models.SeverityError,
			Code:        "invalid",
			Diagnostics: fmt.Sprintf("resourceType %q does not match %q", env.ResourceType, r.Type),
			Expression:  "resourceType",
		})
	}

	def, ok := v.types[models.ResourceType(env.ResourceType)]
	if !ok {
		issues = append(issues, models.Issue{
			Severity:    models.SeverityError,
			Code:        "not-supported",
			Diagnostics: fmt.Sprintf("resource type %q is not supported", env.ResourceType),
			Expression:  "resourceType",
		})
		return v.finish(ctx, r, issues)
	}

	for _, element := range def.RequiredElements {
		if isEmpty(r.Body[element]) {
			issues = append(issues, models.Issue{
				Severity:    models.SeverityError,
				Code:        "required",
				Diagnostics: fmt.Sprintf("%s.%s is required", def.Name, element),
				Expression:  def.Name.String() + "." + element,
			})
		}
	}

	declared := profiles
	if env.Meta != nil {
		declared = append(slices.Clone(profiles), env.Meta.Profile...)
	}
	slices.Sort(declared)
	for _, profile := range slices.Compact(declared) {
		if !slices.Contains(def.Profiles, profile) {
			issues = append(issues, models.Issue{
				Severity:    models.SeverityWarning,
				Code:        "not-supported",
				Diagnostics: fmt.Sprintf("profile %s is unknown; validated against the base definition of %s", profile, def.Name),
			})
		}
	}
	return v.finish(ctx, r, issues)
}

func (v *Validator) finish(ctx context.Context, r *models.Resource, issues []models.Issue) []models.Issue {
	if len(issues) == 0 {
		return []models.Issue{{Severity: models.SeverityInformation, Code: "informational", Diagnostics: "All OK"}}
	}
	if models.HasErrors(issues) {
		v.logger.DebugContext(ctx, "resource failed validation",
			"resource_type", r.Type.String(),
			"id", r.ID,
			"issues", len(issues),
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return issues
}

func envelopeOf(r *models.Resource) envelope {
	env := envelope{ID: r.ID}
	if r.Body == nil {
		return env
	}
	env.ResourceType, _ = r.Body["resourceType"].(string)
	if env.ResourceType == "" {
		env.ResourceType = r.Type.String()
	}
	if env.ID == "" {
		raw, _ := r.Body["id"].(string)
		env.ID = models.ParseIDRef(raw).IDPart
	}
	if raw, ok := r.Body["meta"].(map[string]any); ok {
		m := &meta{}
		m.VersionID, _ = raw["versionId"].(string)
		m.LastUpdated, _ = raw["lastUpdated"].(string)
		if list, ok := raw["profile"].([]any); ok {
			for _, p := range list {
				if s, ok := p.(string); ok {
					m.Profile = append(m.Profile, s)
				}
			}
		}
		env.Meta = m
	}
	return env
}

func structureIssues(err error) []models.Issue {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []models.Issue{{Severity: models.SeverityError, Code: "structure", Diagnostics: err.Error()}}
	}
	issues := make([]models.Issue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := elementPath(fe.Namespace())
		issues = append(issues, models.Issue{
			Severity:    models.SeverityError,
			Code:        "structure",
			Diagnostics: fmt.Sprintf("%s fails the %q rule", path, fe.Tag()),
			Expression:  path,
		})
	}
	return issues
}

// elementPath turns "envelope.Meta.Profile[0]" into "meta.profile[0]".
func elementPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		switch p {
		case "ID":
			parts[i] = "id"
		case "VersionID":
			parts[i] = "versionId"
		default:
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
