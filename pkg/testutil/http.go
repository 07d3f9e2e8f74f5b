// Package testutil provides request helpers for handler and router tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FHIRContentType is sent on every request body built here.
const FHIRContentType = "application/fhir+json"

// NewFHIRRequest builds a request whose body is v marshaled to JSON. A nil v
// sends no body; a string is sent verbatim so malformed payloads can be tested.
func NewFHIRRequest(t *testing.T, method, target string, v any, headers map[string]string) *http.Request {
	t.Helper()

	var body io.Reader
	switch b := v.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err, "failed to marshal request body")
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", FHIRContentType)
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	return req
}

// DoRequest executes a request against a handler and returns the recorder.
func DoRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// DecodeJSON decodes the response body as a generic JSON object.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), "failed to decode response")
	return out
}

// AssertOutcome asserts the status and that the body is an OperationOutcome
// whose first issue carries issueCode.
func AssertOutcome(t *testing.T, rr *httptest.ResponseRecorder, status int, issueCode string) {
	t.Helper()
	assert.Equal(t, status, rr.Code, "unexpected status code: %s", rr.Body.String())

	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Code string `json:"code"`
		} `json:"issue"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&outcome), "failed to decode outcome")
	assert.Equal(t, "OperationOutcome", outcome.ResourceType)
	require.NotEmpty(t, outcome.Issue, "outcome has no issues")
	assert.Equal(t, issueCode, outcome.Issue[0].Code, "unexpected issue code")
}
