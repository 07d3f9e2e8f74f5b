package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fhir-gateway/internal/platform/config"
)

func TestBasePath(t *testing.T) {
	assert.Equal(t, "/fhir", basePath("http://localhost:8080/fhir/"))
	assert.Equal(t, "/api/r4", basePath("https://example.org/api/r4"))
	assert.Equal(t, "", basePath("http://localhost:8080"))
	assert.Equal(t, "", basePath("://bad"))
}

// buildApp registers process-wide metrics, so the wiring is exercised once.
func TestBuildApp(t *testing.T) {
	cfg := config.Default()
	cfg.Server.JWTSigningKey = "test-signing-key"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)

	token, err := newTokenService(cfg).GenerateAccessToken("client-1", "system/*.*", time.Minute)
	require.NoError(t, err)

	do := func(method, path, bearer string, body []byte) *http.Response {
		req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/fhir+json")
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	t.Run("health needs no token", func(t *testing.T) {
		resp := do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("resource routes require a token", func(t *testing.T) {
		resp := do(http.MethodGet, "/fhir/Patient/1", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("authorized create then read", func(t *testing.T) {
		resp := do(http.MethodPost, "/fhir/Patient", token, []byte(`{"resourceType":"Patient","active":true}`))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, `W/"1"`, resp.Header.Get("ETag"))

		location, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		require.Contains(t, location.Path, "/_history/1")
		read := do(http.MethodGet, location.Path, token, nil)
		assert.Equal(t, http.StatusOK, read.StatusCode)
	})

	t.Run("events are queued for the async notifier", func(t *testing.T) {
		assert.Positive(t, a.events.Pending())
	})

	t.Run("metrics endpoint", func(t *testing.T) {
		resp := do(http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
