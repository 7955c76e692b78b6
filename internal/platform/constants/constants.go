// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

/*
Package constants provides centralized, immutable values for the entire platform.

It defines default timeouts, rate limits, and cross-cutting keys that are shared
between different layers of the system.

Categories:

  - Server Timing: Read/Write/Idle timeouts for the HTTP server.
  - Rate Limiting: Burst capacities and IP tracking TTLs.
  - Security: JWT issuers and activation-code configuration.
  - Synchronization: EDC staleness windows and source identifiers.

Using this package ensures Magic Strings and Magic Numbers are eliminated
from the business logic.
*/
package constants

import "time"

// # Metadata

const (
	AppName    = "verisite-portal"
	AppVersion = "0.1.0-dev"
)

// # Server Timing

const (
	// DefaultReadTimeout is the maximum duration for reading the entire request.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout is the maximum duration before timing out writes of the response.
	// Sync-triggering list endpoints may wait on an EDC round trip, so this is generous.
	DefaultWriteTimeout = 60 * time.Second

	// DefaultIdleTimeout is the maximum amount of time to wait for the next request.
	DefaultIdleTimeout = 120 * time.Second

	// DefaultReadHeaderTimeout is the amount of time allowed to read request headers.
	DefaultReadHeaderTimeout = 2 * time.Second

	// GlobalRequestTimeout is the deadline for the entire request lifecycle.
	GlobalRequestTimeout = 30 * time.Second

	// ShutdownTimeout is how long we wait for in-flight requests to complete during shutdown.
	ShutdownTimeout = 30 * time.Second
)

// # Rate Limiting

const (
	// DefaultRateLimitRPS is the requests per second allowed per IP.
	DefaultRateLimitRPS = 100.0

	// DefaultRateLimitBurst is the maximum burst allowed for the rate limiter.
	DefaultRateLimitBurst = 150

	// RateLimitCleanupInterval is how often old IP entries are removed from memory.
	RateLimitCleanupInterval = 1 * time.Minute

	// RateLimitClientTTL is how long a client must be idle before its entry is deleted.
	RateLimitClientTTL = 3 * time.Minute
)

// # Authentication

const (
	// AuthIssuer is the standard 'iss' claim in JWTs.
	AuthIssuer = "portal.verisite.health"

	// AccessTokenTTL is the lifetime of a signed portal access token.
	AccessTokenTTL = 15 * time.Minute

	// ActivationCodeLength is the byte length of generated activation codes.
	ActivationCodeLength = 32

	// ActivationCodeTTL is how long an activation code stays redeemable.
	ActivationCodeTTL = 72 * time.Hour

	// MailCooldownWindow throttles repeated activation mail to one address.
	MailCooldownWindow = 10 * time.Minute

	// RequestedRoleHeader carries an explicit active-role request for the session.
	RequestedRoleHeader = "X-Portal-Role"
)

// # HTTP Headers

const (
	HeaderXRequestID    = "X-Request-ID"
	// HeaderSyncWarning flags a response built from stale local data after a
	// failed background refresh.
	HeaderSyncWarning = "X-Portal-Sync-Warning"
	HeaderXRealIP       = "X-Real-IP"
	HeaderXForwardedFor = "X-Forwarded-For"
	HeaderOrigin        = "Origin"
)

// # JSON Field Identifiers

const (
	FieldData    = "data"
	FieldMeta    = "meta"
	FieldError   = "error"
	FieldCode    = "code"
	FieldDetails = "details"
	FieldMessage = "message"
	FieldStatus  = "status"
	FieldChecks  = "checks"
)

// # EDC Synchronization

const (
	// EDCSourceSystem identifies the upstream EDC in sync log entries.
	EDCSourceSystem = "edc"

	// DefaultSiteSyncMaxAge is the staleness window before site data is refreshed.
	DefaultSiteSyncMaxAge = 24 * time.Hour

	// DefaultPatientSyncMaxAge is the staleness window before patient data is refreshed.
	DefaultPatientSyncMaxAge = 1 * time.Hour
)

// # Redis Prefixes (Cache Taxonomy)

const (
	RedisPrefixActivation   = "portal:activation:"
	RedisPrefixMailCooldown = "portal:mail_cooldown:"
)

// # Database Schemas

const (
	SchemaPortal = "portal"
	SchemaEDC    = "edc"
)
