package precondition

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fhir-gateway/internal/resource/models"
	dErrors "fhir-gateway/pkg/domain-errors"
	"fhir-gateway/pkg/requestcontext"
)

// Parser turns request headers into a models.Precondition. Malformed entity
// tags and dates are logged and treated as absent; they never fail a request.
type Parser struct {
	names  HeaderNames
	logger *slog.Logger
}

// NewParser builds a parser reading the given header names.
func NewParser(names HeaderNames, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{names: names, logger: logger}
}

// Names returns the header names this parser was built with.
func (p *Parser) Names() HeaderNames {
	return p.names
}

// Parse reads all preconditions from h. The only failure is an If-None-Exist
// value that cannot be a search query, since ignoring it could create a
// duplicate resource.
func (p *Parser) Parse(ctx context.Context, h http.Header) (models.Precondition, error) {
	var pre models.Precondition
	pre.IfMatch = p.entityTag(ctx, p.names.IfMatch, h.Get(p.names.IfMatch))
	pre.IfNoneMatch = p.entityTag(ctx, p.names.IfNoneMatch, h.Get(p.names.IfNoneMatch))
	pre.IfModifiedSince = p.date(ctx, p.names.IfModifiedSince, h.Get(p.names.IfModifiedSince))

	if values, ok := h[http.CanonicalHeaderKey(p.names.IfNoneExist)]; ok {
		query, err := ParseIfNoneExist(strings.Join(values, "&"))
		if err != nil {
			return models.Precondition{}, err
		}
		pre.IfNoneExist = query
	}
	return pre, nil
}

func (p *Parser) entityTag(ctx context.Context, header, raw string) *int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	version, err := ParseWeakTag(raw)
	if err != nil {
		p.logger.WarnContext(ctx, "ignoring malformed precondition header",
			"header", header,
			"value", raw,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil
	}
	return &version
}

func (p *Parser) date(ctx context.Context, header, raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		p.logger.WarnContext(ctx, "ignoring malformed precondition header",
			"header", header,
			"value", raw,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil
	}
	t = t.UTC()
	return &t
}

// ParseWeakTag extracts the version from a weak entity tag such as W/"3".
// Strong tags are rejected.
func ParseWeakTag(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	rest, ok := strings.CutPrefix(raw, "W/")
	if !ok {
		return 0, dErrors.New(dErrors.CodeBadRequest, "entity tag is not weak")
	}
	if len(rest) < 2 || rest[0] != '"' || rest[len(rest)-1] != '"' {
		return 0, dErrors.New(dErrors.CodeBadRequest, "entity tag is not quoted")
	}
	version, err := strconv.ParseInt(rest[1:len(rest)-1], 10, 64)
	if err != nil || version < 1 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "entity tag does not carry a version")
	}
	return version, nil
}

// ParseIfNoneExist parses a conditional-create query. A leading "?" is
// optional; a value carrying a path (e.g. "Patient?x=y") is rejected.
func ParseIfNoneExist(raw string) (url.Values, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "If-None-Exist header value is blank")
	}
	path, query, found := strings.Cut(raw, "?")
	if found && path != "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "If-None-Exist header value must not contain a path")
	}
	if !found {
		query = path
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "If-None-Exist header value is not a query")
	}
	if len(values) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "If-None-Exist header value has no parameters")
	}
	return values, nil
}
