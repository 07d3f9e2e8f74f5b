package models

// MatchCount buckets a conditional search result.
type MatchCount string

const (
	MatchZero MatchCount = "zero"
	MatchOne  MatchCount = "one"
	MatchMany MatchCount = "many"
)

// ClassifyMatches maps an overall count onto the zero/one/many buckets.
func ClassifyMatches(overallCount int) MatchCount {
	switch {
	case overallCount <= 0:
		return MatchZero
	case overallCount == 1:
		return MatchOne
	default:
		return MatchMany
	}
}

// SearchPage is what a store returns for one search call.
type SearchPage struct {
	OverallCount int
	Resources    []*Resource
}

// SearchOutcome is the request-scoped result of a conditional search.
type SearchOutcome struct {
	Match        MatchCount
	OverallCount int
	Matches      []*Resource
	Diagnostics  []string
}

// Single returns the one match, or nil when the outcome is not MatchOne or
// the match was not fetched.
func (o *SearchOutcome) Single() *Resource {
	if o == nil || o.Match != MatchOne || len(o.Matches) == 0 {
		return nil
	}
	return o.Matches[0]
}
