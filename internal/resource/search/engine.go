package search

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"fhir-gateway/internal/resource/models"
	dErrors "fhir-gateway/pkg/domain-errors"
	fhirstrings "fhir-gateway/pkg/platform/strings"
)

// Engine parses query parameters into typed predicates using a fixed
// per-type parameter table.
type Engine struct {
	types map[models.ResourceType]models.TypeDefinition
}

// NewEngine indexes the given type table.
func NewEngine(types []models.TypeDefinition) *Engine {
	idx := make(map[models.ResourceType]models.TypeDefinition, len(types))
	for _, t := range types {
		idx[t.Name] = t
	}
	return &Engine{types: idx}
}

// Supports reports whether t has a parameter table.
func (e *Engine) Supports(t models.ResourceType) bool {
	_, ok := e.types[t]
	return ok
}

// Parse builds a query for t. Unknown parameter names (and unknown
// modifiers) are returned as unsupported and never cause a failure; an
// unparsable value for a known parameter is a bad request. Paging is left
// unset for the caller to fill in.
func (e *Engine) Parse(t models.ResourceType, params url.Values) (Query, []string, error) {
	def, ok := e.types[t]
	if !ok {
		return Query{}, nil, dErrors.New(dErrors.CodeNotSupported, "resource type "+string(t)+" is not supported")
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)

	q := Query{Type: t}
	var unsupported []string
	for _, raw := range names {
		name, modifier, _ := strings.Cut(raw, ":")
		param, ok := def.SearchParam(name)
		if !ok || !modifierAllowed(param.Kind, modifier) {
			unsupported = append(unsupported, raw)
			continue
		}
		for _, value := range params[raw] {
			p, err := buildPredicate(param, modifier, fhirstrings.SplitList(value, ','))
			if err != nil {
				return Query{}, nil, err
			}
			if p != nil {
				q.Predicates = append(q.Predicates, p)
			}
		}
	}
	return q, unsupported, nil
}

func modifierAllowed(kind models.ParamKind, modifier string) bool {
	switch modifier {
	case "":
		return true
	case "exact", "contains":
		return kind == models.ParamString
	default:
		return false
	}
}

func buildPredicate(param models.SearchParamDef, modifier string, values []string) (Predicate, error) {
	if len(values) == 0 {
		// "name=" carries no criterion.
		return nil, nil
	}
	switch param.Kind {
	case models.ParamToken:
		if param.Name == "_id" {
			return idPredicate{ids: values}, nil
		}
		tokens := make([]token, 0, len(values))
		for _, v := range values {
			tokens = append(tokens, parseToken(v))
		}
		return tokenPredicate{param: param.Name, path: param.Path, tokens: tokens}, nil

	case models.ParamString:
		mode := stringPrefix
		switch modifier {
		case "exact":
			mode = stringExact
		case "contains":
			mode = stringContains
		}
		return stringPredicate{param: param.Name, path: param.Path, mode: mode, values: values}, nil

	case models.ParamDate:
		ranges := make([]dateRange, 0, len(values))
		for _, v := range values {
			d, err := parseDateRange(v)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid value for search parameter "+param.Name)
			}
			ranges = append(ranges, d)
		}
		return lastUpdatedPredicate{ranges: ranges}, nil

	case models.ParamReference:
		refs := make([]models.IDRef, 0, len(values))
		for _, v := range values {
			ref := models.ParseIDRef(v)
			if !ref.HasID() {
				return nil, dErrors.New(dErrors.CodeBadRequest, "invalid value for search parameter "+param.Name)
			}
			refs = append(refs, ref)
		}
		return referencePredicate{param: param.Name, path: param.Path, refs: refs}, nil
	}
	return nil, dErrors.New(dErrors.CodeInternal, "unknown search parameter kind "+string(param.Kind))
}

var dateLayouts = []struct {
	layout string
	step   func(time.Time) time.Time
}{
	{time.RFC3339, func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

func parseDateRange(value string) (dateRange, error) {
	cmp := cmpEq
	if len(value) > 2 {
		switch c := comparator(value[:2]); c {
		case cmpEq, cmpNe, cmpGt, cmpLt, cmpGe, cmpLe:
			cmp = c
			value = value[2:]
		}
	}
	var lastErr error
	for _, l := range dateLayouts {
		t, err := time.ParseInLocation(l.layout, value, time.UTC)
		if err != nil {
			lastErr = err
			continue
		}
		return dateRange{cmp: cmp, lower: t.UTC(), upper: l.step(t).UTC()}, nil
	}
	return dateRange{}, lastErr
}
