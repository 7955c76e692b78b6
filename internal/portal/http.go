// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package portal

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/platform/constants"
	"github.com/verisite/portal/internal/platform/ctxutil"
	"github.com/verisite/portal/internal/platform/middleware"
	requestutil "github.com/verisite/portal/internal/platform/request"
	"github.com/verisite/portal/internal/platform/respond"
	"github.com/verisite/portal/internal/platform/validate"
	"github.com/verisite/portal/pkg/pagination"
)

// # Handler Implementation

// Handler implements the HTTP layer for account management and sessions.
//
// # Routing Strategy
//
//   - Sessions (Public): Login and activation are reachable without a token.
//   - Identity (Authenticated): /me requires a verified token.
//   - Management (Restricted): The user CRUD surface requires an
//     Administrator or DeveloperAdmin ACTIVE role.
type Handler struct {
	service *Service
}

// NewHandler constructs a new portal [Handler] with its service dependency.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// UserRoutes returns a [chi.Router] for the account management surface.
func (handler *Handler) UserRoutes() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequireRole(access.RoleAdministrator, access.RoleDeveloperAdmin))
	router.Post("/", handler.createUser)
	router.Get("/", handler.listUsers)
	router.Get("/{id}", handler.getUser)
	router.Patch("/{id}", handler.updateUser)

	return router
}

// IdentityRoutes returns a [chi.Router] for identity resolution.
func (handler *Handler) IdentityRoutes() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequireAuth)
	router.Get("/", handler.me)

	return router
}

// # Session Endpoints

/*
Login handles POST /portal/login.

Response:
  - 200: LoginSession with the signed access token
  - 401: Invalid credentials (single generic message)
*/
func (handler *Handler) Login(writer http.ResponseWriter, request *http.Request) {
	var input LoginInput
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	session, err := handler.service.Login(request.Context(), input)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, session)
}

/*
Activate handles POST /portal/activate.

Response:
  - 200: Activated account
  - 400: Invalid payload (missing code, short password)
  - 401: Invalid or expired code (single generic message)
*/
func (handler *Handler) Activate(writer http.ResponseWriter, request *http.Request) {
	var input ActivateInput
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	user, err := handler.service.Activate(request.Context(), input)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, user)
}

// # Identity Endpoints

/*
me handles GET /portal/me.

Description: Resolves the caller's account and current role picture from
the database rather than echoing the token, honoring an optional
X-Portal-Role header as a role-switch request.

Response:
  - 200: Identity
  - 401: Revoked session or non-active account
*/
func (handler *Handler) me(writer http.ResponseWriter, request *http.Request) {
	claims, err := requestutil.RequiredClaims(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}

	identity, err := handler.service.ResolveIdentity(
		request.Context(),
		claims.UserID,
		issuedAt,
		request.Header.Get(constants.RequestedRoleHeader),
	)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, identity)
}

// # Management Endpoints

/*
createUser handles POST /portal/users.

Response:
  - 201: Created account (pending, activation mail on its way)
  - 400/403/409: Validation, role rules, duplicate email
*/
func (handler *Handler) createUser(writer http.ResponseWriter, request *http.Request) {
	scope, err := middleware.ScopeFrom(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input CreateUserInput
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	user, err := handler.service.CreateUser(request.Context(), scope, ctxutil.GetRequestID(request.Context()), input)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, user)
}

// listUsers handles GET /portal/users.
func (handler *Handler) listUsers(writer http.ResponseWriter, request *http.Request) {
	scope, err := middleware.ScopeFrom(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	params := pagination.FromRequest(request)
	users, total, err := handler.service.ListUsers(request.Context(), scope, params.Limit, params.Offset())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, users, pagination.NewMeta(params.Page, params.Limit, total))
}

// getUser handles GET /portal/users/{id}.
func (handler *Handler) getUser(writer http.ResponseWriter, request *http.Request) {
	scope, err := middleware.ScopeFrom(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	user, err := handler.service.GetUser(request.Context(), scope, requestutil.ID(request, "id"))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, user)
}

/*
updateUser handles PATCH /portal/users/{id}.

Response:
  - 200: Mutated account
  - 400: Self-modification or invalid payload
  - 403: Protected target or role rules
  - 404: Unknown account
*/
func (handler *Handler) updateUser(writer http.ResponseWriter, request *http.Request) {
	scope, err := middleware.ScopeFrom(request.Context())
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input UpdateUserInput
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	user, err := handler.service.UpdateUser(
		request.Context(), scope, ctxutil.GetRequestID(request.Context()),
		requestutil.ID(request, "id"), input,
	)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, user)
}
