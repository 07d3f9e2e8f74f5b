package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/service"
	"fhir-gateway/pkg/platform/httputil"
)

// Bundle is a searchset document.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string       `json:"fullUrl,omitempty"`
	Resource any          `json:"resource"`
	Search   *EntrySearch `json:"search,omitempty"`
}

type EntrySearch struct {
	Mode string `json:"mode"`
}

func (h *Handler) writeResource(w http.ResponseWriter, status int, r *models.Resource) {
	setValidators(w, r)
	httputil.WriteJSON(w, status, r.WithMeta())
}

func (h *Handler) writeRead(w http.ResponseWriter, result *service.ReadResult) {
	if result.NotModified {
		setValidators(w, result.Resource)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.writeResource(w, http.StatusOK, result.Resource)
}

func (h *Handler) writeUpdate(w http.ResponseWriter, r *http.Request, result *service.UpdateResult) {
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
		w.Header().Set("Location", h.versionURL(r, result.Resource))
	}
	h.writeResource(w, status, result.Resource)
}

func (h *Handler) writeDelete(w http.ResponseWriter, result *service.DeleteResult) {
	if len(result.Deleted) == 1 {
		w.Header().Set("ETag", result.Deleted[0].VersionTag())
	}
	w.WriteHeader(http.StatusNoContent)
}

func setValidators(w http.ResponseWriter, r *models.Resource) {
	w.Header().Set("ETag", r.VersionTag())
	w.Header().Set("Last-Modified", r.LastUpdated.UTC().Format(http.TimeFormat))
}

// base is the absolute base of this server as seen by the client.
func (h *Handler) base(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}

func (h *Handler) resourceURL(r *http.Request, res *models.Resource) string {
	return h.base(r) + "/" + res.Type.String() + "/" + res.ID
}

func (h *Handler) versionURL(r *http.Request, res *models.Resource) string {
	return h.resourceURL(r, res) + "/_history/" + strconv.FormatInt(res.Version, 10)
}

func (h *Handler) searchBundle(r *http.Request, t models.ResourceType, result *service.SearchResult) *Bundle {
	bundle := &Bundle{ResourceType: "Bundle", Type: "searchset", Total: result.OverallCount}

	pageLink := func(page int) string {
		q := url.Values{}
		for k, v := range r.URL.Query() {
			q[k] = v
		}
		q.Set("_page", strconv.Itoa(page))
		q.Set("_count", strconv.Itoa(result.Count))
		return h.base(r) + "/" + t.String() + "?" + q.Encode()
	}
	bundle.Link = append(bundle.Link, BundleLink{Relation: "self", URL: pageLink(result.Page)})
	if result.Count > 0 {
		if result.Page > 1 {
			bundle.Link = append(bundle.Link, BundleLink{Relation: "previous", URL: pageLink(result.Page - 1)})
		}
		if result.Page*result.Count < result.OverallCount {
			bundle.Link = append(bundle.Link, BundleLink{Relation: "next", URL: pageLink(result.Page + 1)})
		}
	}

	for _, res := range result.Resources {
		bundle.Entry = append(bundle.Entry, BundleEntry{
			FullURL:  h.resourceURL(r, res),
			Resource: res.WithMeta(),
			Search:   &EntrySearch{Mode: "match"},
		})
	}
	if len(result.Diagnostics) > 0 {
		outcome := httputil.NewOutcome()
		for _, d := range result.Diagnostics {
			outcome.Issue = append(outcome.Issue, httputil.OutcomeIssue{Severity: "warning", Code: "not-supported", Diagnostics: d})
		}
		bundle.Entry = append(bundle.Entry, BundleEntry{Resource: outcome, Search: &EntrySearch{Mode: "outcome"}})
	}
	return bundle
}

func outcomeOf(issues []models.Issue) *httputil.OperationOutcome {
	outcome := httputil.NewOutcome()
	for _, i := range issues {
		issue := httputil.OutcomeIssue{Severity: string(i.Severity), Code: i.Code, Diagnostics: i.Diagnostics}
		if i.Expression != "" {
			issue.Expression = []string{i.Expression}
		}
		outcome.Issue = append(outcome.Issue, issue)
	}
	return outcome
}

type capabilityResource struct {
	Type              string                `json:"type"`
	Profile           string                `json:"profile,omitempty"`
	Interaction       []capabilityCode      `json:"interaction"`
	Versioning        string                `json:"versioning"`
	ReadHistory       bool                  `json:"readHistory"`
	UpdateCreate      bool                  `json:"updateCreate"`
	ConditionalCreate bool                  `json:"conditionalCreate"`
	ConditionalUpdate bool                  `json:"conditionalUpdate"`
	ConditionalDelete string                `json:"conditionalDelete"`
	SearchParam       []capabilitySearchDef `json:"searchParam,omitempty"`
}

type capabilityCode struct {
	Code string `json:"code"`
}

type capabilitySearchDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

var interactions = []capabilityCode{
	{Code: "read"}, {Code: "vread"}, {Code: "update"}, {Code: "delete"}, {Code: "create"}, {Code: "search-type"},
}

func capabilityStatement(types []models.TypeDefinition, policies Policies, now time.Time) map[string]any {
	conditionalDelete := "single"
	if policies.ConditionalDeleteMultiple {
		conditionalDelete = "multiple"
	}
	resources := make([]capabilityResource, 0, len(types))
	for _, t := range types {
		res := capabilityResource{
			Type:              t.Name.String(),
			Interaction:       interactions,
			Versioning:        "versioned-update",
			ReadHistory:       true,
			UpdateCreate:      policies.UpdateAsCreate,
			ConditionalCreate: true,
			ConditionalUpdate: true,
			ConditionalDelete: conditionalDelete,
		}
		if len(t.Profiles) > 0 {
			res.Profile = t.Profiles[0]
		}
		for _, p := range t.SearchParams {
			res.SearchParam = append(res.SearchParam, capabilitySearchDef{Name: p.Name, Type: string(p.Kind)})
		}
		resources = append(resources, res)
	}
	return map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         now.UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"rest": []map[string]any{{
			"mode":     "server",
			"resource": resources,
		}},
	}
}
