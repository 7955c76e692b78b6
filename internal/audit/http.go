// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/platform/middleware"
	"github.com/verisite/portal/internal/platform/respond"
	"github.com/verisite/portal/pkg/pagination"
)

// # Definitions & Constructors

// Handler exposes the audit trail over HTTP.
//
// # Scope
//
// Read-only: the chain is append-only and entries are written exclusively by
// the recorder. There is no mutation endpoint.
type Handler struct {
	recorder *Recorder
}

// NewHandler constructs a new [Handler] with its recorder dependency.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// Routes returns a [chi.Router] for the audit endpoints.
//
// # Endpoints
//   - GET /sync-log : Paginated chain entries, newest first.
//   - GET /verify   : Full-chain integrity report.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequireRole(access.RoleAuditor, access.RoleAdministrator, access.RoleDeveloperAdmin))
	router.Get("/sync-log", handler.listSyncLog)
	router.Get("/verify", handler.verify)

	return router
}

/*
listSyncLog handles GET /portal/audit/sync-log.

Response:
  - 200: Paginated []Entry
  - 401/403: Missing identity or insufficient role
*/
func (handler *Handler) listSyncLog(writer http.ResponseWriter, request *http.Request) {
	scope, err := middleware.ScopeFrom(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	params := pagination.FromRequest(request)
	entries, total, err := handler.recorder.ListSyncLog(request.Context(), scope, params.Limit, params.Offset())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, entries, pagination.NewMeta(params.Page, params.Limit, total))
}

/*
verify handles GET /portal/audit/verify.

Description: Recomputes the entire hash chain and reports the first point of
divergence, if any. An integrity break is REPORTED, never repaired: the
response is still 200 so auditors can retrieve the damage extent.

Response:
  - 200: VerifyReport
*/
func (handler *Handler) verify(writer http.ResponseWriter, request *http.Request) {
	report, err := handler.recorder.VerifyChain(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, report)
}
