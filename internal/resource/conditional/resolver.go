package conditional

import (
	"context"
	"log/slog"
	"net/url"
	"slices"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/search"
	dErrors "fhir-gateway/pkg/domain-errors"
	"fhir-gateway/pkg/requestcontext"
)

// Policy decides what happens to unsupported parameters.
type Policy int

const (
	// Reject fails with CodeUnsupportedSearchParameter.
	Reject Policy = iota
	// Warn reports the parameters as diagnostics and matches on the rest.
	Warn
)

// Config is fixed at construction.
type Config struct {
	// ControlParameters are paging and formatting parameters that never act
	// as match criteria.
	ControlParameters []string
}

// DefaultConfig strips the standard paging and formatting controls.
func DefaultConfig() Config {
	return Config{ControlParameters: []string{"_page", "_count", "_format", "_pretty"}}
}

// QueryParser turns parameters into a typed query.
type QueryParser interface {
	Parse(t models.ResourceType, params url.Values) (search.Query, []string, error)
}

// Searcher executes a typed query against current versions.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (models.SearchPage, error)
}

// Resolver classifies a conditional query into zero, one or many matches.
type Resolver struct {
	resourceType models.ResourceType
	parser       QueryParser
	searcher     Searcher
	controls     []string
	logger       *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New builds a resolver for one resource type.
func New(t models.ResourceType, parser QueryParser, searcher Searcher, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{
		resourceType: t,
		parser:       parser,
		searcher:     searcher,
		controls:     slices.Clone(cfg.ControlParameters),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve classifies the match count. Only the first page of size one is
// fetched, so Matches holds the match itself for MatchOne and at most one
// resource otherwise. A count with no fetched match means a concurrent
// delete won the race and is reported as CodeVersionConflict.
func (r *Resolver) Resolve(ctx context.Context, params url.Values, policy Policy) (*models.SearchOutcome, error) {
	return r.resolve(ctx, params, policy, 1)
}

// ResolveAll is Resolve with every match fetched. The classification
// follows the fetched matches, not the store's separate count.
func (r *Resolver) ResolveAll(ctx context.Context, params url.Values, policy Policy) (*models.SearchOutcome, error) {
	return r.resolve(ctx, params, policy, search.CountAll)
}

func (r *Resolver) resolve(ctx context.Context, params url.Values, policy Policy, count int) (*models.SearchOutcome, error) {
	criteria, stripped := r.StripControls(params)

	var diagnostics []string
	for _, name := range stripped {
		diagnostics = append(diagnostics, "parameter "+name+" does not apply to conditional matching and was ignored")
	}
	if len(stripped) > 0 {
		r.logger.WarnContext(ctx, "stripped control parameters from conditional query",
			"resource_type", r.resourceType.String(),
			"parameters", stripped,
			"request_id", requestcontext.RequestID(ctx),
		)
	}

	q, unsupported, err := r.parser.Parse(r.resourceType, criteria)
	if err != nil {
		return nil, err
	}
	if len(unsupported) > 0 {
		if policy == Reject {
			return nil, dErrors.New(dErrors.CodeUnsupportedSearchParameter, "unsupported search parameters in conditional query").
				WithDetails(unsupported...)
		}
		for _, name := range unsupported {
			diagnostics = append(diagnostics, "unsupported search parameter "+name+" was ignored")
		}
	}

	if len(q.Predicates) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "conditional query has no search criteria")
	}

	page, err := r.searcher.Search(ctx, q.WithPaging(1, count))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "conditional search failed")
	}

	if page.OverallCount > 0 && len(page.Resources) == 0 {
		r.logger.WarnContext(ctx, "conditional match disappeared during resolution",
			"resource_type", r.resourceType.String(),
			"overall_count", page.OverallCount,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, dErrors.New(dErrors.CodeVersionConflict, "conditional match changed while it was being resolved, retry the request")
	}

	overall := page.OverallCount
	if count == search.CountAll {
		overall = len(page.Resources)
	}

	return &models.SearchOutcome{
		Match:        models.ClassifyMatches(overall),
		OverallCount: overall,
		Matches:      page.Resources,
		Diagnostics:  diagnostics,
	}, nil
}

// StripControls returns a copy of params without the control parameters,
// plus the sorted names that were removed.
func (r *Resolver) StripControls(params url.Values) (url.Values, []string) {
	criteria := make(url.Values, len(params))
	var stripped []string
	for name, values := range params {
		if slices.Contains(r.controls, name) {
			stripped = append(stripped, name)
			continue
		}
		criteria[name] = slices.Clone(values)
	}
	slices.Sort(stripped)
	return criteria, stripped
}
