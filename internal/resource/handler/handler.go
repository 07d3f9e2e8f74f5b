package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/precondition"
	"fhir-gateway/internal/resource/service"
	dErrors "fhir-gateway/pkg/domain-errors"
	"fhir-gateway/pkg/platform/httputil"
	"fhir-gateway/pkg/requestcontext"
)

// Service defines the interactions of one resource type.
type Service interface {
	ResourceType() models.ResourceType
	Create(ctx context.Context, r *models.Resource, pre models.Precondition) (*service.CreateResult, error)
	Read(ctx context.Context, id string, pre models.Precondition) (*service.ReadResult, error)
	VersionRead(ctx context.Context, id string, version int64, pre models.Precondition) (*service.ReadResult, error)
	Update(ctx context.Context, id string, r *models.Resource, pre models.Precondition) (*service.UpdateResult, error)
	ConditionalUpdate(ctx context.Context, params url.Values, r *models.Resource, pre models.Precondition) (*service.UpdateResult, error)
	Delete(ctx context.Context, id string) (*service.DeleteResult, error)
	ConditionalDelete(ctx context.Context, params url.Values) (*service.DeleteResult, error)
	Search(ctx context.Context, params url.Values, page, count int) (*service.SearchResult, error)
	Validate(ctx context.Context, r *models.Resource, profiles []string) ([]models.Issue, error)
	ValidateExisting(ctx context.Context, id, mode string, profiles []string) ([]models.Issue, error)
}

// Handler wires the FHIR REST interactions to one engine per resource type.
type Handler struct {
	services map[models.ResourceType]Service
	types    []models.TypeDefinition
	headers  *precondition.Parser
	logger   *slog.Logger
	baseURL  string
	policies Policies
}

// Policies are the interaction policies advertised in the capability
// statement.
type Policies struct {
	UpdateAsCreate            bool
	ConditionalDeleteMultiple bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithBaseURL fixes the absolute base used in Location headers and bundle
// links. Without it the base is derived from the request.
func WithBaseURL(base string) Option {
	return func(h *Handler) {
		h.baseURL = strings.TrimRight(base, "/")
	}
}

func WithPolicies(p Policies) Option {
	return func(h *Handler) {
		h.policies = p
	}
}

// New constructs a handler serving services. Types describe the capability
// statement; a type without a service is not served.
func New(services []Service, types []models.TypeDefinition, headers *precondition.Parser, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		services: make(map[models.ResourceType]Service, len(services)),
		headers:  headers,
		logger:   logger,
	}
	for _, svc := range services {
		h.services[svc.ResourceType()] = svc
	}
	for _, t := range types {
		if _, ok := h.services[t.Name]; ok {
			h.types = append(h.types, t)
		}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the resource endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/metadata", h.HandleCapabilities)
	r.Route("/{type}", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleSearch)
		r.Put("/", h.HandleConditionalUpdate)
		r.Delete("/", h.HandleConditionalDelete)
		r.Post("/$validate", h.HandleValidate)
		r.Get("/{id}", h.HandleRead)
		r.Put("/{id}", h.HandleUpdate)
		r.Delete("/{id}", h.HandleDelete)
		r.Get("/{id}/_history/{vid}", h.HandleVersionRead)
		r.Get("/{id}/$validate", h.HandleValidateExisting)
	})
}

// HandleCreate handles POST /{type}.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	svc, pre, ok := h.prepare(w, r)
	if !ok {
		return
	}
	body, ok := h.decode(w, r)
	if !ok {
		return
	}

	result, err := svc.Create(r.Context(), &models.Resource{Body: body}, pre)
	if err != nil {
		h.fail(w, r, err, "create failed")
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
		w.Header().Set("Location", h.versionURL(r, result.Resource))
	}
	h.writeResource(w, status, result.Resource)
}

// HandleRead handles GET /{type}/{id}.
func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	svc, pre, ok := h.prepare(w, r)
	if !ok {
		return
	}
	result, err := svc.Read(r.Context(), chi.URLParam(r, "id"), pre)
	if err != nil {
		h.fail(w, r, err, "read failed")
		return
	}
	h.writeRead(w, result)
}

// HandleVersionRead handles GET /{type}/{id}/_history/{vid}.
func (h *Handler) HandleVersionRead(w http.ResponseWriter, r *http.Request) {
	svc, pre, ok := h.prepare(w, r)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(chi.URLParam(r, "vid"), 10, 64)
	if err != nil || version < 1 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "version id must be a positive integer"))
		return
	}
	result, err := svc.VersionRead(r.Context(), chi.URLParam(r, "id"), version, pre)
	if err != nil {
		h.fail(w, r, err, "version read failed")
		return
	}
	h.writeRead(w, result)
}

// HandleUpdate handles PUT /{type}/{id}.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	svc, pre, ok := h.prepare(w, r)
	if !ok {
		return
	}
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	result, err := svc.Update(r.Context(), chi.URLParam(r, "id"), &models.Resource{Body: body}, pre)
	if err != nil {
		h.fail(w, r, err, "update failed")
		return
	}
	h.writeUpdate(w, r, result)
}

// HandleConditionalUpdate handles PUT /{type}?criteria.
func (h *Handler) HandleConditionalUpdate(w http.ResponseWriter, r *http.Request) {
	svc, pre, ok := h.prepare(w, r)
	if !ok {
		return
	}
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	result, err := svc.ConditionalUpdate(r.Context(), r.URL.Query(), &models.Resource{Body: body}, pre)
	if err != nil {
		h.fail(w, r, err, "conditional update failed")
		return
	}
	h.writeUpdate(w, r, result)
}

// HandleDelete handles DELETE /{type}/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	result, err := svc.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "delete failed")
		return
	}
	h.writeDelete(w, result)
}

// HandleConditionalDelete handles DELETE /{type}?criteria.
func (h *Handler) HandleConditionalDelete(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	result, err := svc.ConditionalDelete(r.Context(), r.URL.Query())
	if err != nil {
		h.fail(w, r, err, "conditional delete failed")
		return
	}
	h.writeDelete(w, result)
}

// HandleSearch handles GET /{type}?params.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	page, err := intParam(query, "_page", 1)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	count, err := intParam(query, "_count", -1)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := svc.Search(r.Context(), query, page, count)
	if err != nil {
		h.fail(w, r, err, "search failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.searchBundle(r, svc.ResourceType(), result))
}

// HandleValidate handles POST /{type}/$validate.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	body, ok := h.decode(w, r)
	if !ok {
		return
	}
	issues, err := svc.Validate(r.Context(), &models.Resource{Body: body}, r.URL.Query()["profile"])
	if err != nil {
		h.fail(w, r, err, "validate failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, outcomeOf(issues))
}

// HandleValidateExisting handles GET /{type}/{id}/$validate.
func (h *Handler) HandleValidateExisting(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	issues, err := svc.ValidateExisting(r.Context(), chi.URLParam(r, "id"), query.Get("mode"), query["profile"])
	if err != nil {
		h.fail(w, r, err, "validate failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, outcomeOf(issues))
}

// HandleCapabilities handles GET /metadata.
func (h *Handler) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, capabilityStatement(h.types, h.policies, requestcontext.Now(r.Context())))
}

func (h *Handler) service(w http.ResponseWriter, r *http.Request) (Service, bool) {
	t := models.ResourceType(chi.URLParam(r, "type"))
	svc, ok := h.services[t]
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("resource type %q is not supported", t)))
		return nil, false
	}
	return svc, true
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (Service, models.Precondition, bool) {
	svc, ok := h.service(w, r)
	if !ok {
		return nil, models.Precondition{}, false
	}
	pre, err := h.headers.Parse(r.Context(), r.Header)
	if err != nil {
		httputil.WriteError(w, err)
		return nil, models.Precondition{}, false
	}
	return svc, pre, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	ctx := r.Context()
	body, ok := httputil.DecodeAndPrepare[map[string]any](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return nil, false
	}
	if *body == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "request body must be a JSON object"))
		return nil, false
	}
	return *body, true
}

// fail logs server faults and writes err. Client errors are expected
// outcomes and stay at debug.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	ctx := r.Context()
	level := slog.LevelDebug
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"resource_type", chi.URLParam(r, "type"),
		"id", chi.URLParam(r, "id"),
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteError(w, err)
}

func intParam(query url.Values, name string, fallback int) (int, error) {
	raw := query.Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}
