// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package reconcile

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/platform/apperr"
	"github.com/verisite/portal/internal/platform/constants"
	"github.com/verisite/portal/internal/platform/middleware"
	"github.com/verisite/portal/internal/platform/respond"
	"github.com/verisite/portal/pkg/pagination"
)

// # Handler Implementation

// Handler implements the HTTP layer for the study-data mirror.
//
// # Routing Strategy
//
//   - Listings: Any authenticated portal user; row-level security trims the
//     rows to what the caller may see. Each listing triggers a refresh when
//     the mirror is stale, but a refresh failure degrades to stale data with
//     a warning header instead of a 5xx.
//   - Forced sync: Administrator or DeveloperAdmin only; here a refresh
//     failure IS the result, so it surfaces as 502.
type Handler struct {
	engine        *Engine
	siteMaxAge    time.Duration
	patientMaxAge time.Duration
	log           *slog.Logger
}

// NewHandler constructs a new [Handler] with its engine dependency and the
// configured staleness horizons.
func NewHandler(engine *Engine, siteMaxAge, patientMaxAge time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		engine:        engine,
		siteMaxAge:    siteMaxAge,
		patientMaxAge: patientMaxAge,
		log:           logger,
	}
}

// SiteRoutes returns a [chi.Router] for the site listing endpoints.
func (handler *Handler) SiteRoutes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequireAuth)
	router.Get("/", handler.listSites)
	return router
}

// PatientRoutes returns a [chi.Router] for the patient listing endpoints.
func (handler *Handler) PatientRoutes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequireAuth)
	router.Get("/", handler.listPatients)
	return router
}

// SyncRoutes returns a [chi.Router] for the operator-forced sync endpoint.
func (handler *Handler) SyncRoutes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequireRole(access.RoleAdministrator, access.RoleDeveloperAdmin))
	router.Post("/{kind}", handler.forceSync)
	return router
}

/*
listSites handles GET /portal/sites.

Query Parameters:
  - all: "true" to include deactivated sites.
  - page, limit: Pagination.

Response:
  - 200: Paginated []Site, with a warning header when the refresh failed.
  - 401: Missing identity.
*/
func (handler *Handler) listSites(writer http.ResponseWriter, request *http.Request) {
	scope, err := middleware.ScopeFrom(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if _, syncErr := handler.engine.SyncSitesIfNeeded(request.Context(), handler.siteMaxAge); syncErr != nil {
		handler.degrade(writer, KindSites, syncErr)
	}

	includeInactive := request.URL.Query().Get("all") == "true"
	params := pagination.FromRequest(request)
	sites, total, err := handler.engine.ListSites(request.Context(), scope, includeInactive, params.Limit, params.Offset())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, sites, pagination.NewMeta(params.Page, params.Limit, total))
}

/*
listPatients handles GET /portal/patients.

Response:
  - 200: Paginated []Patient restricted to the caller's reachable sites,
    with a warning header when the refresh failed.
  - 401: Missing identity.
*/
func (handler *Handler) listPatients(writer http.ResponseWriter, request *http.Request) {
	scope, err := middleware.ScopeFrom(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	if _, syncErr := handler.engine.SyncPatientsIfNeeded(request.Context(), handler.patientMaxAge); syncErr != nil {
		handler.degrade(writer, KindPatients, syncErr)
	}

	params := pagination.FromRequest(request)
	patients, total, err := handler.engine.ListPatients(request.Context(), scope, params.Limit, params.Offset())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, patients, pagination.NewMeta(params.Page, params.Limit, total))
}

/*
forceSync handles POST /portal/sync/{kind}.

Description: Runs a full pass regardless of staleness. Unlike the listing
endpoints, the operator explicitly asked for a refresh, so a failed pass is
reported as 502 instead of degrading to stale data.

Response:
  - 200: SyncResult
  - 400: Unknown kind
  - 401/403: Missing identity or insufficient role
  - 502: EDC fetch or reconcile failure
*/
func (handler *Handler) forceSync(writer http.ResponseWriter, request *http.Request) {
	var result *SyncResult
	var err error

	switch kind := chi.URLParam(request, "kind"); kind {
	case KindSites:
		result, err = handler.engine.SyncSites(request.Context())
	case KindPatients:
		result, err = handler.engine.SyncPatients(request.Context())
	default:
		respond.Error(writer, request, apperr.ValidationError("Unknown sync kind: "+kind))
		return
	}

	if err != nil {
		message := "Sync failed"
		if result != nil && result.Error != "" {
			message = "Sync failed: " + result.Error
		}
		respond.Error(writer, request, apperr.Upstream(message, err))
		return
	}

	respond.OK(writer, result)
}

// degrade records a failed background refresh and marks the response as
// stale. The listing proceeds on local data.
func (handler *Handler) degrade(writer http.ResponseWriter, kind string, syncErr error) {
	handler.log.Warn("sync_degraded_to_stale",
		slog.String("kind", kind),
		slog.Any("error", syncErr),
	)
	writer.Header().Set(constants.HeaderSyncWarning, "refresh failed; serving stale data")
}
