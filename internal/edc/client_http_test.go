// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package edc_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisite/portal/internal/edc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEDCServer fakes the vendor API: token exchange plus site/patient snapshots.
func newEDCServer(t *testing.T, apiKey string, sites []edc.SiteRecord, authCalls *atomic.Int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/auth/token", func(writer http.ResponseWriter, request *http.Request) {
		authCalls.Add(1)
		if request.Header.Get("X-Api-Key") != apiKey {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{"token": "session-1", "expires_in": 3600})
	})
	mux.HandleFunc("GET /api/v2/studies/VS-301/sites", func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer session-1" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{"sites": sites})
	})

	return httptest.NewServer(mux)
}

/*
TestFetchSitesReusesSession verifies the session token is obtained once and
reused for subsequent fetches.
*/
func TestFetchSitesReusesSession(t *testing.T) {
	var authCalls atomic.Int32
	snapshot := []edc.SiteRecord{
		{SiteID: "S1", Name: "Mercy General", Number: "001"},
		{SiteID: "S2", Name: "Lakeside Clinic", Number: "002"},
	}
	server := newEDCServer(t, "secret-key", snapshot, &authCalls)
	defer server.Close()

	client := edc.NewHTTPClient(server.URL, "secret-key", testLogger())

	for i := 0; i < 3; i++ {
		sites, err := client.FetchSites(context.Background(), "VS-301")
		require.NoError(t, err)
		assert.Equal(t, snapshot, sites)
	}

	// One token exchange serves all three fetches.
	assert.Equal(t, int32(1), authCalls.Load())
}

/*
TestFetchSitesErrorKinds checks that each failure mode maps to its distinct
error kind, so the reconciliation engine can branch on the cause.
*/
func TestFetchSitesErrorKinds(t *testing.T) {
	t.Run("auth_rejected", func(t *testing.T) {
		var authCalls atomic.Int32
		server := newEDCServer(t, "expected-key", nil, &authCalls)
		defer server.Close()

		client := edc.NewHTTPClient(server.URL, "wrong-key", testLogger())
		_, err := client.FetchSites(context.Background(), "VS-301")

		var edcErr *edc.Error
		require.True(t, errors.As(err, &edcErr))
		assert.Equal(t, edc.ErrorKindAuth, edcErr.Kind)
	})

	t.Run("network_unreachable", func(t *testing.T) {
		// A closed server yields a transport error.
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()

		client := edc.NewHTTPClient(server.URL, "key", testLogger())
		_, err := client.FetchSites(context.Background(), "VS-301")

		var edcErr *edc.Error
		require.True(t, errors.As(err, &edcErr))
		assert.Equal(t, edc.ErrorKindNetwork, edcErr.Kind)
	})

	t.Run("protocol_malformed_body", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /api/v2/auth/token", func(writer http.ResponseWriter, request *http.Request) {
			_ = json.NewEncoder(writer).Encode(map[string]any{"token": "session-1", "expires_in": 3600})
		})
		mux.HandleFunc("GET /api/v2/studies/VS-301/sites", func(writer http.ResponseWriter, request *http.Request) {
			_, _ = writer.Write([]byte("<html>maintenance</html>"))
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		client := edc.NewHTTPClient(server.URL, "key", testLogger())
		_, err := client.FetchSites(context.Background(), "VS-301")

		var edcErr *edc.Error
		require.True(t, errors.As(err, &edcErr))
		assert.Equal(t, edc.ErrorKindProtocol, edcErr.Kind)
	})

	t.Run("protocol_server_error", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /api/v2/auth/token", func(writer http.ResponseWriter, request *http.Request) {
			_ = json.NewEncoder(writer).Encode(map[string]any{"token": "session-1", "expires_in": 3600})
		})
		mux.HandleFunc("GET /api/v2/studies/VS-301/sites", func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusBadGateway)
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		client := edc.NewHTTPClient(server.URL, "key", testLogger())
		_, err := client.FetchSites(context.Background(), "VS-301")

		var edcErr *edc.Error
		require.True(t, errors.As(err, &edcErr))
		assert.Equal(t, edc.ErrorKindProtocol, edcErr.Kind)
	})
}

/*
TestFetchSitesRefreshesStaleSession verifies the single retry with a fresh
token after the server invalidates the cached session.
*/
func TestFetchSitesRefreshesStaleSession(t *testing.T) {
	var authCalls, dataCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/auth/token", func(writer http.ResponseWriter, request *http.Request) {
		calls := authCalls.Add(1)
		token := "stale"
		if calls > 1 {
			token = "fresh"
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{"token": token, "expires_in": 3600})
	})
	mux.HandleFunc("GET /api/v2/studies/VS-301/sites", func(writer http.ResponseWriter, request *http.Request) {
		dataCalls.Add(1)
		if request.Header.Get("Authorization") != "Bearer fresh" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{"sites": []edc.SiteRecord{{SiteID: "S1"}}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := edc.NewHTTPClient(server.URL, "key", testLogger())
	sites, err := client.FetchSites(context.Background(), "VS-301")

	require.NoError(t, err)
	assert.Len(t, sites, 1)
	assert.Equal(t, int32(2), authCalls.Load())
	assert.Equal(t, int32(2), dataCalls.Load())
}

/*
TestFetchPatients covers the patient snapshot endpoint shape.
*/
func TestFetchPatients(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/auth/token", func(writer http.ResponseWriter, request *http.Request) {
		_ = json.NewEncoder(writer).Encode(map[string]any{"token": "session-1", "expires_in": 3600})
	})
	mux.HandleFunc("GET /api/v2/studies/VS-301/patients", func(writer http.ResponseWriter, request *http.Request) {
		_ = json.NewEncoder(writer).Encode(map[string]any{"patients": []edc.PatientRecord{
			{PatientID: "P-100", SiteID: "S1", SubjectKey: "SUBJ-100"},
		}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := edc.NewHTTPClient(server.URL, "key", testLogger())
	patients, err := client.FetchPatients(context.Background(), "VS-301")

	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "SUBJ-100", patients[0].SubjectKey)
}
