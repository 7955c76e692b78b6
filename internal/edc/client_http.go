// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package edc

import (
	stdctx "context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Opinionated timeouts for the EDC vendor API.
const (
	requestTimeout = 30 * time.Second

	// sessionTokenSafety is subtracted from the reported expiry so a token is
	// refreshed before it can lapse mid-request.
	sessionTokenSafety = 30 * time.Second
)

// HTTPClient implements [Client] against the EDC vendor's REST API.
//
// # Session Handling
//
// The vendor exchanges the long-lived API key for a short-lived session token.
// The token is obtained lazily, cached under a mutex, and reused by all
// goroutines until shortly before expiry. On a 401 the cached token is dropped
// and the request retried once with a fresh one. This preserves the
// "authenticate once, reuse the session" behavior without any global state:
// the client is constructed once at startup and injected where needed.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger

	mu           sync.Mutex
	sessionToken string
	tokenExpiry  time.Time
}

// NewHTTPClient constructs the production EDC client.
func NewHTTPClient(baseURL, apiKey string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		log:     logger,
	}
}

/*
FetchSites returns the complete site snapshot for a study.

Returns:
  - []SiteRecord: Full snapshot (possibly empty; the caller decides whether
    empty is an error).
  - error: [*Error] with kind auth, network, or protocol.
*/
func (client *HTTPClient) FetchSites(ctx stdctx.Context, studyID string) ([]SiteRecord, error) {
	var payload struct {
		Sites []SiteRecord `json:"sites"`
	}
	path := fmt.Sprintf("/api/v2/studies/%s/sites", studyID)
	if err := client.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Sites, nil
}

/*
FetchPatients returns the complete patient snapshot for a study.
*/
func (client *HTTPClient) FetchPatients(ctx stdctx.Context, studyID string) ([]PatientRecord, error) {
	var payload struct {
		Patients []PatientRecord `json:"patients"`
	}
	path := fmt.Sprintf("/api/v2/studies/%s/patients", studyID)
	if err := client.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Patients, nil
}

// # Transport

// getJSON performs an authenticated GET, retrying exactly once on a stale
// session token.
func (client *HTTPClient) getJSON(ctx stdctx.Context, path string, target any) error {
	retried := false
	for {
		token, err := client.ensureSession(ctx)
		if err != nil {
			return err
		}

		statusCode, err := client.doGet(ctx, path, token, target)
		if err != nil {
			return err
		}

		switch {
		case statusCode == http.StatusOK:
			return nil
		case statusCode == http.StatusUnauthorized && !retried:
			// The cached session expired server-side; drop it and retry once.
			client.invalidateSession(token)
			retried = true
		case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
			return newError(ErrorKindAuth, fmt.Sprintf("request rejected with status %d", statusCode), nil)
		default:
			return newError(ErrorKindProtocol, fmt.Sprintf("unexpected status %d from %s", statusCode, path), nil)
		}
	}
}

// doGet executes one request. A 200 also decodes the body into target.
func (client *HTTPClient) doGet(ctx stdctx.Context, path, token string, target any) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+path, nil)
	if err != nil {
		return 0, newError(ErrorKindProtocol, "failed to build request", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")

	response, err := client.http.Do(request)
	if err != nil {
		return 0, newError(ErrorKindNetwork, "request failed", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return response.StatusCode, nil
	}

	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return 0, newError(ErrorKindProtocol, "malformed response body", err)
	}

	return http.StatusOK, nil
}

// # Session Token Cache

// ensureSession returns the cached session token, exchanging the API key for
// a fresh one when missing or near expiry.
func (client *HTTPClient) ensureSession(ctx stdctx.Context) (string, error) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.sessionToken != "" && time.Now().Before(client.tokenExpiry.Add(-sessionTokenSafety)) {
		return client.sessionToken, nil
	}

	token, expiresIn, err := client.authenticate(ctx)
	if err != nil {
		return "", err
	}

	client.sessionToken = token
	client.tokenExpiry = time.Now().Add(expiresIn)
	client.log.Debug("edc_session_established", slog.Duration("expires_in", expiresIn))

	return token, nil
}

// invalidateSession drops the cached token if it is still the stale one.
func (client *HTTPClient) invalidateSession(staleToken string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.sessionToken == staleToken {
		client.sessionToken = ""
	}
}

// authenticate exchanges the API key for a session token.
// Caller must hold the mutex.
func (client *HTTPClient) authenticate(ctx stdctx.Context) (string, time.Duration, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/api/v2/auth/token", nil)
	if err != nil {
		return "", 0, newError(ErrorKindProtocol, "failed to build auth request", err)
	}
	request.Header.Set("X-Api-Key", client.apiKey)

	response, err := client.http.Do(request)
	if err != nil {
		return "", 0, newError(ErrorKindNetwork, "authentication request failed", err)
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
		// Fall through to decode.
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", 0, newError(ErrorKindAuth, "API key rejected", nil)
	default:
		return "", 0, newError(ErrorKindProtocol, fmt.Sprintf("unexpected auth status %d", response.StatusCode), nil)
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", 0, newError(ErrorKindProtocol, "malformed auth response", err)
	}
	if payload.Token == "" {
		return "", 0, newError(ErrorKindProtocol, "auth response missing token", nil)
	}

	return payload.Token, time.Duration(payload.ExpiresIn) * time.Second, nil
}
