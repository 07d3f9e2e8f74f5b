// Package httputil writes FHIR JSON responses and maps domain errors to
// HTTP status codes.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	dErrors "fhir-gateway/pkg/domain-errors"
)

// ContentTypeFHIR is the media type of every response body.
const ContentTypeFHIR = "application/fhir+json"

// MaxBodyBytes bounds decoded request bodies.
const MaxBodyBytes = 4 << 20

// OutcomeIssue is one entry of an OperationOutcome.
type OutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// OperationOutcome is the FHIR error and warning document.
type OperationOutcome struct {
	ResourceType string         `json:"resourceType"`
	Issue        []OutcomeIssue `json:"issue"`
}

// NewOutcome wraps issues in an OperationOutcome.
func NewOutcome(issues ...OutcomeIssue) *OperationOutcome {
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}

// WriteJSON writes v as FHIR JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeFHIR)
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an OperationOutcome. Internal and storage
// failures never expose their message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := StatusFor(code)

	issue := OutcomeIssue{Severity: "error", Code: IssueType(code)}
	if status < http.StatusInternalServerError {
		issue.Diagnostics = message(err)
	}
	issues := []OutcomeIssue{issue}
	if domainErr, ok := dErrors.As(err); ok && status < http.StatusInternalServerError {
		for _, detail := range domainErr.Details {
			issues = append(issues, OutcomeIssue{Severity: "error", Code: IssueType(code), Diagnostics: detail})
		}
	}
	WriteJSON(w, status, NewOutcome(issues...))
}

func message(err error) string {
	if domainErr, ok := dErrors.As(err); ok {
		return domainErr.Message
	}
	return err.Error()
}

// StatusFor maps a domain error code to its HTTP status.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeGone, dErrors.CodeAlreadyDeleted:
		return http.StatusGone
	case dErrors.CodeVersionConflict, dErrors.CodeAmbiguousConditionalMatch:
		return http.StatusPreconditionFailed
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeBadRequest, dErrors.CodeIDMismatch, dErrors.CodeInvalidBase,
		dErrors.CodeIDsNotMatching, dErrors.CodeUnsupportedSearchParameter:
		return http.StatusBadRequest
	case dErrors.CodeUpdateAsCreateNotAllowed:
		return http.StatusMethodNotAllowed
	case dErrors.CodeValidation, dErrors.CodeInvariantViolation:
		return http.StatusUnprocessableEntity
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeNotSupported:
		return http.StatusNotImplemented
	case dErrors.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IssueType maps a domain error code to the OperationOutcome issue type.
func IssueType(code dErrors.Code) string {
	switch code {
	case dErrors.CodeNotFound:
		return "not-found"
	case dErrors.CodeGone, dErrors.CodeAlreadyDeleted:
		return "deleted"
	case dErrors.CodeVersionConflict, dErrors.CodeConflict:
		return "conflict"
	case dErrors.CodeAmbiguousConditionalMatch:
		return "multiple-matches"
	case dErrors.CodeValidation, dErrors.CodeInvariantViolation, dErrors.CodeIDMismatch,
		dErrors.CodeInvalidBase, dErrors.CodeIDsNotMatching, dErrors.CodeBadRequest:
		return "invalid"
	case dErrors.CodeUnsupportedSearchParameter, dErrors.CodeNotSupported, dErrors.CodeUpdateAsCreateNotAllowed:
		return "not-supported"
	case dErrors.CodeUnauthorized:
		return "security"
	case dErrors.CodeTimeout:
		return "timeout"
	case dErrors.CodeStorageUnavailable:
		return "transient"
	default:
		return "exception"
	}
}

// DecodeAndPrepare decodes a JSON request body into T. On failure the
// error response is already written and ok is false.
func DecodeAndPrepare[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (*T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(&v); err != nil {
		logger.WarnContext(ctx, "failed to decode request body",
			"error", err,
			"request_id", requestID,
		)
		msg := "request body is not valid JSON"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body is too large"
		}
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, msg))
		return nil, false
	}
	return &v, true
}
