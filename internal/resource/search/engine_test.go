package search

import (
	"math"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fhir-gateway/internal/resource/models"
	dErrors "fhir-gateway/pkg/domain-errors"
)

type EngineSuite struct {
	suite.Suite
	engine *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.engine = NewEngine(models.DefaultTypes)
}

func (s *EngineSuite) parse(t models.ResourceType, raw string) Query {
	params, err := url.ParseQuery(raw)
	s.Require().NoError(err)
	q, unsupported, err := s.engine.Parse(t, params)
	s.Require().NoError(err)
	s.Empty(unsupported)
	return q
}

func patient(id string, body map[string]any) *models.Resource {
	return &models.Resource{Type: "Patient", ID: id, Version: 1, LastUpdated: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Body: body}
}

func (s *EngineSuite) TestUnsupportedParameters() {
	params := url.Values{
		"name":      {"smith"},
		"_sort":     {"name"},
		"status":    {"active"},
		"name:text": {"x"},
	}
	q, unsupported, err := s.engine.Parse("Patient", params)
	s.Require().NoError(err)
	s.Equal([]string{"_sort", "name:text", "status"}, unsupported)
	s.Len(q.Predicates, 1)
	s.Equal("name", q.Predicates[0].Param())
}

func (s *EngineSuite) TestUnknownType() {
	_, _, err := s.engine.Parse("Observation", url.Values{})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotSupported))
	s.False(s.engine.Supports("Observation"))
	s.True(s.engine.Supports("Task"))
}

func (s *EngineSuite) TestBadValueOfKnownParameter() {
	_, _, err := s.engine.Parse("Patient", url.Values{"_lastUpdated": {"gt-not-a-date"}})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *EngineSuite) TestIdentifierToken() {
	r := patient("p1", map[string]any{
		"identifier": []any{
			map[string]any{"system": "http://acme/mrn", "value": "42"},
		},
	})

	s.True(s.parse("Patient", "identifier=http://acme/mrn|42").Matches(r))
	s.True(s.parse("Patient", "identifier=42").Matches(r))
	s.True(s.parse("Patient", "identifier=http://acme/mrn|").Matches(r))
	s.False(s.parse("Patient", "identifier=http://other|42").Matches(r))
	s.True(s.parse("Patient", "identifier=7,42").Matches(r))
}

func (s *EngineSuite) TestScalarToken() {
	task := &models.Resource{Type: "Task", ID: "t1", Body: map[string]any{"status": "requested"}}

	s.True(s.parse("Task", "status=requested").Matches(task))
	s.False(s.parse("Task", "status=completed").Matches(task))

	org := &models.Resource{Type: "Organization", ID: "o1", Body: map[string]any{"active": true}}
	s.True(s.parse("Organization", "active=true").Matches(org))
}

func (s *EngineSuite) TestIDParameter() {
	r := patient("abc", nil)
	s.True(s.parse("Patient", "_id=xyz,abc").Matches(r))
	s.False(s.parse("Patient", "_id=xyz").Matches(r))
}

func (s *EngineSuite) TestNameString() {
	r := patient("p1", map[string]any{
		"name": []any{map[string]any{"family": "Smithson", "given": []any{"Anna"}}},
	})

	s.True(s.parse("Patient", "name=smith").Matches(r))
	s.True(s.parse("Patient", "name=ANN").Matches(r))
	s.False(s.parse("Patient", "name=son").Matches(r))
	s.True(s.parse("Patient", "name:contains=son").Matches(r))
	s.False(s.parse("Patient", "name:exact=smithson").Matches(r))
	s.True(s.parse("Patient", "name:exact=Smithson").Matches(r))
}

func (s *EngineSuite) TestLastUpdated() {
	r := patient("p1", nil)

	s.True(s.parse("Patient", "_lastUpdated=2024-05-01").Matches(r))
	s.True(s.parse("Patient", "_lastUpdated=2024-05").Matches(r))
	s.False(s.parse("Patient", "_lastUpdated=ne2024").Matches(r))
	s.True(s.parse("Patient", "_lastUpdated=gt2024-04-30").Matches(r))
	s.False(s.parse("Patient", "_lastUpdated=gt2024-05-01").Matches(r))
	s.True(s.parse("Patient", "_lastUpdated=le2024-05-01").Matches(r))
	s.True(s.parse("Patient", "_lastUpdated=lt2024-05-02").Matches(r))
	s.True(s.parse("Patient", "_lastUpdated=ge2024-05-01T12:00:00Z").Matches(r))
}

func (s *EngineSuite) TestReference() {
	task := &models.Resource{Type: "Task", ID: "t1", Body: map[string]any{
		"requester": map[string]any{"reference": "Organization/o1"},
	}}

	s.True(s.parse("Task", "requester=Organization/o1").Matches(task))
	s.True(s.parse("Task", "requester=o1").Matches(task))
	s.True(s.parse("Task", "requester=http://example.org/fhir/Organization/o1").Matches(task))
	s.False(s.parse("Task", "requester=Practitioner/o1").Matches(task))
}

func (s *EngineSuite) TestRepeatedParametersAreAnded() {
	r := patient("p1", map[string]any{"name": "Smith"})
	q := s.parse("Patient", "name=smi&name=zzz")
	s.Len(q.Predicates, 2)
	s.False(q.Matches(r))
}

func (s *EngineSuite) TestEmptyValueIsIgnored() {
	q := s.parse("Patient", "name=")
	s.Empty(q.Predicates)
	s.True(q.Matches(patient("p1", nil)))
}

func (s *EngineSuite) TestWhereRendering() {
	s.Run("no predicates", func() {
		args := NewArgs()
		s.Equal("TRUE", Query{}.Where(args))
		s.Empty(args.Values())
	})

	s.Run("placeholders continue after bound arguments", func() {
		q := s.parse("Task", "status=requested&_id=t1")
		args := NewArgs("Task")
		where := q.Where(args)

		s.Contains(where, "id = ANY($2)")
		s.Contains(where, "body->>'status' = $3")
		s.Equal("Task", args.Values()[0])
		s.Greater(len(args.Values()), 3)
	})

	s.Run("like patterns are escaped", func() {
		q := s.parse("Patient", "name=50%25_off")
		args := NewArgs()
		where := q.Where(args)

		s.Contains(where, "jsonb_path_query(body->'name'")
		s.Equal(`50\%\_off%`, args.Values()[0])
	})
}

func (s *EngineSuite) TestOffset() {
	s.Equal(0, Query{Page: 1, Count: 10}.Offset())
	s.Equal(20, Query{Page: 3, Count: 10}.Offset())
	s.Equal(0, Query{Page: 3, Count: CountAll}.Offset())
	s.Equal(Query{Page: 2, Count: 5}, Query{}.WithPaging(2, 5))
	s.Equal(math.MaxInt, Query{Page: math.MaxInt/4 + 2, Count: 4}.Offset())
	s.Equal(math.MaxInt, Query{Page: math.MaxInt, Count: math.MaxInt}.Offset())
}
