package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"fhir-gateway/internal/resource/models"
)

// Predicate is one typed search criterion.
type Predicate interface {
	// Param is the search parameter name the predicate was parsed from.
	Param() string
	Match(r *models.Resource) bool
	SQL(args *Args) string
}

// -----------------------------------------------------------------------------
// token
// -----------------------------------------------------------------------------

type token struct {
	system    string
	code      string
	hasSystem bool
}

func parseToken(raw string) token {
	system, code, found := strings.Cut(raw, "|")
	if !found {
		return token{code: raw}
	}
	return token{system: system, code: code, hasSystem: true}
}

func (t token) matches(system, code string) bool {
	if t.hasSystem && t.system != system {
		return false
	}
	return t.code == "" || t.code == code
}

type idPredicate struct {
	ids []string
}

func (p idPredicate) Param() string { return "_id" }

func (p idPredicate) Match(r *models.Resource) bool {
	for _, id := range p.ids {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (p idPredicate) SQL(args *Args) string {
	return "id = ANY(" + args.Add(pq.Array(p.ids)) + ")"
}

type tokenPredicate struct {
	param  string
	path   string
	tokens []token
}

func (p tokenPredicate) Param() string { return p.param }

// Match accepts scalar elements (status, active), Identifier-like objects
// with system/value and CodeableConcept-like objects with coding[], or arrays
// of any of those.
func (p tokenPredicate) Match(r *models.Resource) bool {
	pairs := tokenPairs(r.Body[p.path])
	for _, t := range p.tokens {
		for _, pair := range pairs {
			if t.matches(pair[0], pair[1]) {
				return true
			}
		}
	}
	return false
}

func tokenPairs(v any) [][2]string {
	switch e := v.(type) {
	case nil:
		return nil
	case string:
		return [][2]string{{"", e}}
	case bool, float64:
		return [][2]string{{"", fmt.Sprint(e)}}
	case []any:
		var out [][2]string
		for _, item := range e {
			out = append(out, tokenPairs(item)...)
		}
		return out
	case map[string]any:
		if codings, ok := e["coding"].([]any); ok {
			return tokenPairs(codings)
		}
		system, _ := e["system"].(string)
		if value, ok := e["value"].(string); ok {
			return [][2]string{{system, value}}
		}
		if code, ok := e["code"].(string); ok {
			return [][2]string{{system, code}}
		}
	}
	return nil
}

func (p tokenPredicate) SQL(args *Args) string {
	path := quoteLiteral(p.path)
	alternatives := make([]string, 0, len(p.tokens))
	for _, t := range p.tokens {
		if !t.hasSystem {
			alternatives = append(alternatives, fmt.Sprintf("body->>%s = %s", path, args.Add(t.code)))
		}
		alternatives = append(alternatives,
			fmt.Sprintf("body->%s @> %s::jsonb", path, args.Add(identifierJSON(t, true))),
			fmt.Sprintf("body->%s @> %s::jsonb", path, args.Add(identifierJSON(t, false))),
			fmt.Sprintf("body->%s->'coding' @> %s::jsonb", path, args.Add(codingJSON(t))),
		)
	}
	return strings.Join(alternatives, " OR ")
}

func identifierJSON(t token, array bool) string {
	element := map[string]string{}
	if t.hasSystem {
		element["system"] = t.system
	}
	if t.code != "" {
		element["value"] = t.code
	}
	var b []byte
	if array {
		b, _ = json.Marshal([]map[string]string{element})
	} else {
		b, _ = json.Marshal(element)
	}
	return string(b)
}

func codingJSON(t token) string {
	element := map[string]string{}
	if t.hasSystem {
		element["system"] = t.system
	}
	if t.code != "" {
		element["code"] = t.code
	}
	b, _ := json.Marshal([]map[string]string{element})
	return string(b)
}

// -----------------------------------------------------------------------------
// string
// -----------------------------------------------------------------------------

type stringMode int

const (
	stringPrefix stringMode = iota
	stringExact
	stringContains
)

type stringPredicate struct {
	param  string
	path   string
	mode   stringMode
	values []string
}

func (p stringPredicate) Param() string { return p.param }

// Match compares against every string leaf below the element so that both
// "name": "Acme" and HumanName structures are searchable.
func (p stringPredicate) Match(r *models.Resource) bool {
	leaves := stringLeaves(r.Body[p.path], nil)
	for _, want := range p.values {
		for _, leaf := range leaves {
			if p.compare(leaf, want) {
				return true
			}
		}
	}
	return false
}

func (p stringPredicate) compare(have, want string) bool {
	switch p.mode {
	case stringExact:
		return have == want
	case stringContains:
		return strings.Contains(strings.ToLower(have), strings.ToLower(want))
	default:
		return strings.HasPrefix(strings.ToLower(have), strings.ToLower(want))
	}
}

func stringLeaves(v any, acc []string) []string {
	switch e := v.(type) {
	case string:
		return append(acc, e)
	case []any:
		for _, item := range e {
			acc = stringLeaves(item, acc)
		}
	case map[string]any:
		for _, item := range e {
			acc = stringLeaves(item, acc)
		}
	}
	return acc
}

func (p stringPredicate) SQL(args *Args) string {
	leaf := "leaf #>> '{}'"
	alternatives := make([]string, 0, len(p.values))
	for _, v := range p.values {
		switch p.mode {
		case stringExact:
			alternatives = append(alternatives, leaf+" = "+args.Add(v))
		case stringContains:
			alternatives = append(alternatives, "lower("+leaf+") LIKE "+args.Add("%"+escapeLike(strings.ToLower(v))+"%")+` ESCAPE '\'`)
		default:
			alternatives = append(alternatives, "lower("+leaf+") LIKE "+args.Add(escapeLike(strings.ToLower(v))+"%")+` ESCAPE '\'`)
		}
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM jsonb_path_query(body->%s, 'strict $.**') AS leaf WHERE jsonb_typeof(leaf) = 'string' AND (%s))",
		quoteLiteral(p.path), strings.Join(alternatives, " OR "),
	)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// -----------------------------------------------------------------------------
// date (_lastUpdated)
// -----------------------------------------------------------------------------

type comparator string

const (
	cmpEq comparator = "eq"
	cmpNe comparator = "ne"
	cmpGt comparator = "gt"
	cmpLt comparator = "lt"
	cmpGe comparator = "ge"
	cmpLe comparator = "le"
)

// dateRange is the half-open interval [lower, upper) implied by the
// precision of a date value, e.g. "2024-05" covers the whole month.
type dateRange struct {
	cmp   comparator
	lower time.Time
	upper time.Time
}

func (d dateRange) contains(t time.Time) bool {
	switch d.cmp {
	case cmpNe:
		return t.Before(d.lower) || !t.Before(d.upper)
	case cmpGt:
		return !t.Before(d.upper)
	case cmpLt:
		return t.Before(d.lower)
	case cmpGe:
		return !t.Before(d.lower)
	case cmpLe:
		return t.Before(d.upper)
	default:
		return !t.Before(d.lower) && t.Before(d.upper)
	}
}

func (d dateRange) sql(column string, args *Args) string {
	switch d.cmp {
	case cmpNe:
		return fmt.Sprintf("%s < %s OR %s >= %s", column, args.Add(d.lower), column, args.Add(d.upper))
	case cmpGt:
		return fmt.Sprintf("%s >= %s", column, args.Add(d.upper))
	case cmpLt:
		return fmt.Sprintf("%s < %s", column, args.Add(d.lower))
	case cmpGe:
		return fmt.Sprintf("%s >= %s", column, args.Add(d.lower))
	case cmpLe:
		return fmt.Sprintf("%s < %s", column, args.Add(d.upper))
	default:
		return fmt.Sprintf("%s >= %s AND %s < %s", column, args.Add(d.lower), column, args.Add(d.upper))
	}
}

type lastUpdatedPredicate struct {
	ranges []dateRange
}

func (p lastUpdatedPredicate) Param() string { return "_lastUpdated" }

func (p lastUpdatedPredicate) Match(r *models.Resource) bool {
	for _, d := range p.ranges {
		if d.contains(r.LastUpdated) {
			return true
		}
	}
	return false
}

func (p lastUpdatedPredicate) SQL(args *Args) string {
	alternatives := make([]string, 0, len(p.ranges))
	for _, d := range p.ranges {
		alternatives = append(alternatives, "("+d.sql("last_updated", args)+")")
	}
	return strings.Join(alternatives, " OR ")
}

// -----------------------------------------------------------------------------
// reference
// -----------------------------------------------------------------------------

type referencePredicate struct {
	param string
	path  string
	refs  []models.IDRef
}

func (p referencePredicate) Param() string { return p.param }

func (p referencePredicate) Match(r *models.Resource) bool {
	for _, have := range referenceValues(r.Body[p.path]) {
		got := models.ParseIDRef(have)
		for _, want := range p.refs {
			if got.IDPart != want.IDPart {
				continue
			}
			if want.Type != "" && got.Type != want.Type {
				continue
			}
			return true
		}
	}
	return false
}

func referenceValues(v any) []string {
	switch e := v.(type) {
	case map[string]any:
		if ref, ok := e["reference"].(string); ok {
			return []string{ref}
		}
	case []any:
		var out []string
		for _, item := range e {
			out = append(out, referenceValues(item)...)
		}
		return out
	}
	return nil
}

func (p referencePredicate) SQL(args *Args) string {
	column := fmt.Sprintf("body->%s->>'reference'", quoteLiteral(p.path))
	alternatives := make([]string, 0, len(p.refs))
	for _, ref := range p.refs {
		suffix := ref.IDPart
		if ref.Type != "" {
			suffix = string(ref.Type) + "/" + ref.IDPart
		}
		alternatives = append(alternatives,
			column+" = "+args.Add(suffix),
			column+" LIKE "+args.Add("%/"+escapeLike(suffix))+` ESCAPE '\'`,
		)
	}
	return strings.Join(alternatives, " OR ")
}

// quoteLiteral renders a SQL string literal. Paths come from the static
// parameter table, never from request input.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
