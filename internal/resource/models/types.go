package models

// ParamKind is the value type of a search parameter.
type ParamKind string

const (
	ParamToken     ParamKind = "token"
	ParamString    ParamKind = "string"
	ParamDate      ParamKind = "date"
	ParamReference ParamKind = "reference"
)

// SearchParamDef declares one search parameter of a resource type. Path is
// the top-level body element the parameter reads; "_id" and "_lastUpdated"
// read resource identity fields instead.
type SearchParamDef struct {
	Name string
	Kind ParamKind
	Path string
}

// TypeDefinition describes the capabilities of one resource type.
type TypeDefinition struct {
	Name             ResourceType
	SearchParams     []SearchParamDef
	RequiredElements []string
	Profiles         []string
}

// SearchParam looks up a parameter definition by name.
func (d TypeDefinition) SearchParam(name string) (SearchParamDef, bool) {
	for _, p := range d.SearchParams {
		if p.Name == name {
			return p, true
		}
	}
	return SearchParamDef{}, false
}

var commonParams = []SearchParamDef{
	{Name: "_id", Kind: ParamToken},
	{Name: "_lastUpdated", Kind: ParamDate},
	{Name: "identifier", Kind: ParamToken, Path: "identifier"},
}

func withCommon(params ...SearchParamDef) []SearchParamDef {
	out := make([]SearchParamDef, 0, len(commonParams)+len(params))
	out = append(out, commonParams...)
	return append(out, params...)
}

// DefaultTypes is the fixed table of resource types served.
var DefaultTypes = []TypeDefinition{
	{
		Name: "Patient",
		SearchParams: withCommon(
			SearchParamDef{Name: "name", Kind: ParamString, Path: "name"},
			SearchParamDef{Name: "organization", Kind: ParamReference, Path: "managingOrganization"},
		),
		Profiles: []string{"http://hl7.org/fhir/StructureDefinition/Patient"},
	},
	{
		Name: "Organization",
		SearchParams: withCommon(
			SearchParamDef{Name: "name", Kind: ParamString, Path: "name"},
			SearchParamDef{Name: "active", Kind: ParamToken, Path: "active"},
		),
		RequiredElements: []string{"name"},
		Profiles:         []string{"http://hl7.org/fhir/StructureDefinition/Organization"},
	},
	{
		Name: "Practitioner",
		SearchParams: withCommon(
			SearchParamDef{Name: "name", Kind: ParamString, Path: "name"},
		),
		Profiles: []string{"http://hl7.org/fhir/StructureDefinition/Practitioner"},
	},
	{
		Name: "Task",
		SearchParams: withCommon(
			SearchParamDef{Name: "status", Kind: ParamToken, Path: "status"},
			SearchParamDef{Name: "requester", Kind: ParamReference, Path: "requester"},
		),
		RequiredElements: []string{"status", "intent"},
		Profiles:         []string{"http://hl7.org/fhir/StructureDefinition/Task"},
	},
}

// LookupType finds a type definition in a table.
func LookupType(types []TypeDefinition, name ResourceType) (TypeDefinition, bool) {
	for _, t := range types {
		if t.Name == name {
			return t, true
		}
	}
	return TypeDefinition{}, false
}
