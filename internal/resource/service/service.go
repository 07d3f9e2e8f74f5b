package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fhir-gateway/internal/resource/conditional"
	"fhir-gateway/internal/resource/hooks"
	"fhir-gateway/internal/resource/metrics"
	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/search"
	dErrors "fhir-gateway/pkg/domain-errors"
	"fhir-gateway/pkg/platform/sentinel"
	"fhir-gateway/pkg/requestcontext"
)

var tracer = otel.Tracer("fhir-gateway/internal/resource/service")

// Store is the version store of one resource type.
type Store interface {
	Create(ctx context.Context, r *models.Resource) (*models.Resource, error)
	ReadLatest(ctx context.Context, id string) (*models.Resource, error)
	ReadVersion(ctx context.Context, id string, version int64) (*models.Resource, error)
	UpdateIfVersion(ctx context.Context, id string, expected int64, body map[string]any) (*models.Resource, error)
	SoftDelete(ctx context.Context, id string) (*models.Resource, error)
	Search(ctx context.Context, q search.Query) (models.SearchPage, error)
}

// Transactor is implemented by stores that can apply several writes
// atomically. The store reads the transaction back from ctx.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxCapability is implemented by store decorators whose transaction support
// depends on the store they wrap.
type TxCapability interface {
	Transactional() bool
}

// Notifier receives change events. It must not block the caller for long
// and has no way to fail the interaction.
type Notifier interface {
	Notify(ctx context.Context, event models.Event)
}

// QueryParser turns search parameters into a typed query.
type QueryParser interface {
	Parse(t models.ResourceType, params url.Values) (search.Query, []string, error)
}

// Validator checks a resource against its type rules and profiles.
type Validator interface {
	Validate(ctx context.Context, r *models.Resource, profiles []string) []models.Issue
}

// Service runs every interaction for one resource type. It holds no mutable
// state of its own; per-id ordering comes from the store's compare-and-swap.
type Service struct {
	resourceType     models.ResourceType
	store            Store
	parser           QueryParser
	resolver         *conditional.Resolver
	resolverConfig   conditional.Config
	notifier         Notifier
	hooks            hooks.Hooks
	validator        Validator
	metrics          *metrics.Metrics
	logger           *slog.Logger
	serverBase       string
	updateAsCreate   bool
	deleteMultiple   bool
	defaultPageCount int
	maxPageCount     int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithHooks(h hooks.Hooks) Option {
	return func(s *Service) {
		s.hooks = h
	}
}

func WithValidator(v Validator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

// WithServerBase sets the absolute base URL absolute payload ids must match.
func WithServerBase(base string) Option {
	return func(s *Service) {
		s.serverBase = normalizeBase(base)
	}
}

// WithUpdateAsCreate lets an update by id create the id when it is absent.
func WithUpdateAsCreate(enabled bool) Option {
	return func(s *Service) {
		s.updateAsCreate = enabled
	}
}

// WithConditionalDeleteMultiple makes a conditional delete matching many
// resources delete all of them instead of failing.
func WithConditionalDeleteMultiple(enabled bool) Option {
	return func(s *Service) {
		s.deleteMultiple = enabled
	}
}

func WithDefaultPageCount(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.defaultPageCount = n
		}
	}
}

// WithMaxPageCount caps the page size a search may request.
func WithMaxPageCount(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPageCount = n
		}
	}
}

func WithResolverConfig(cfg conditional.Config) Option {
	return func(s *Service) {
		s.resolverConfig = cfg
	}
}

// New creates the interaction engine for t.
func New(t models.ResourceType, store Store, parser QueryParser, opts ...Option) (*Service, error) {
	if t == "" {
		return nil, errors.New("resource type is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if parser == nil {
		return nil, errors.New("query parser is required")
	}
	s := &Service{
		resourceType:     t,
		store:            store,
		parser:           parser,
		resolverConfig:   conditional.DefaultConfig(),
		notifier:         nopNotifier{},
		hooks:            hooks.Nop{},
		logger:           slog.Default(),
		defaultPageCount: 20,
		maxPageCount:     1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = conditional.New(t, parser, store, s.resolverConfig, conditional.WithLogger(s.logger))
	return s, nil
}

// ResourceType returns the type this engine serves.
func (s *Service) ResourceType() models.ResourceType {
	return s.resourceType
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Event) {}

// observe opens a span and returns the function that records its outcome.
func (s *Service) observe(ctx context.Context, interaction string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("fhir.resource_type", s.resourceType.String()))
	ctx, span := tracer.Start(ctx, "resource."+interaction, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		outcome := "ok"
		if errp != nil && *errp != nil {
			outcome = string(dErrors.CodeOf(*errp))
			span.RecordError(*errp)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		s.metrics.ObserveInteraction(s.resourceType.String(), interaction, outcome, start)
	}
}

func (s *Service) notify(ctx context.Context, kind models.EventKind, r *models.Resource) {
	event := models.Event{
		Kind:       kind,
		Type:       s.resourceType,
		ID:         r.ID,
		Version:    r.Version,
		OccurredAt: r.LastUpdated,
		RequestID:  requestcontext.RequestID(ctx),
	}
	if kind != models.EventResourceDeleted {
		event.Resource = r.Clone()
	}
	s.notifier.Notify(ctx, event)
}

// storeError translates store sentinels into domain errors. Anything the
// store cannot classify is an opaque storage fault.
func (s *Service) storeError(ctx context.Context, err error, id string) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	ref := s.resourceType.String() + "/" + id
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, ref+" not found")
	case errors.Is(err, sentinel.ErrDeleted):
		return dErrors.New(dErrors.CodeGone, ref+" has been deleted")
	case errors.Is(err, sentinel.ErrAlreadyDeleted):
		return dErrors.New(dErrors.CodeAlreadyDeleted, ref+" is already deleted")
	case errors.Is(err, sentinel.ErrVersionConflict), errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeVersionConflict, ref+" was modified concurrently")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "storage timed out")
	}
	s.logger.ErrorContext(ctx, "resource store failure",
		"resource_type", s.resourceType.String(),
		"id", id,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "resource storage is unavailable")
}

// checkBody rejects a missing payload or one declaring a different type.
func (s *Service) checkBody(r *models.Resource) error {
	if r == nil || r.Body == nil {
		return dErrors.New(dErrors.CodeBadRequest, "resource payload is required")
	}
	if declared, ok := r.Body["resourceType"]; ok {
		if name, _ := declared.(string); name != s.resourceType.String() {
			return dErrors.New(dErrors.CodeBadRequest, "payload resourceType does not match "+s.resourceType.String())
		}
	}
	return nil
}

// payloadID parses the id element of a payload.
func payloadID(r *models.Resource) models.IDRef {
	if r == nil || r.Body == nil {
		return models.IDRef{}
	}
	raw, _ := r.Body["id"].(string)
	return models.ParseIDRef(raw)
}

func normalizeBase(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}

func (s *Service) baseMatches(base string) bool {
	return s.serverBase == "" || normalizeBase(base) == s.serverBase
}
