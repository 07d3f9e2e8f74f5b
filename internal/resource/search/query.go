package search

import (
	"math"
	"strconv"
	"strings"

	"fhir-gateway/internal/resource/models"
)

// CountAll asks a store for every match instead of one page.
const CountAll = -1

// Query is a parsed, typed search over the current versions of one
// resource type. All predicates must match (AND); each predicate may carry
// several alternative values (OR).
type Query struct {
	Type       models.ResourceType
	Predicates []Predicate
	Page       int
	Count      int
}

// Offset is the number of matches to skip for the requested page. It
// saturates at math.MaxInt instead of overflowing.
func (q Query) Offset() int {
	if q.Count <= 0 || q.Page <= 1 {
		return 0
	}
	if q.Page-1 > math.MaxInt/q.Count {
		return math.MaxInt
	}
	return (q.Page - 1) * q.Count
}

// WithPaging returns a copy of q targeting the given page.
func (q Query) WithPaging(page, count int) Query {
	q.Page = page
	q.Count = count
	return q
}

// Matches reports whether r satisfies every predicate.
func (q Query) Matches(r *models.Resource) bool {
	for _, p := range q.Predicates {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

// Where renders all predicates as one SQL boolean expression over the
// columns id, last_updated and body. It returns "TRUE" when q has no
// predicates.
func (q Query) Where(args *Args) string {
	if len(q.Predicates) == 0 {
		return "TRUE"
	}
	parts := make([]string, 0, len(q.Predicates))
	for _, p := range q.Predicates {
		parts = append(parts, "("+p.SQL(args)+")")
	}
	return strings.Join(parts, " AND ")
}

// Args collects positional SQL arguments.
type Args struct {
	values []any
}

// NewArgs starts numbering after the given number of already-bound arguments.
func NewArgs(bound ...any) *Args {
	return &Args{values: append([]any(nil), bound...)}
}

// Add binds v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

// Values returns the bound arguments in placeholder order.
func (a *Args) Values() []any {
	return a.values
}
