// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package portal

import (
	stdctx "context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verisite/portal/internal/access"
	"github.com/verisite/portal/internal/audit"
	"github.com/verisite/portal/internal/notify"
	"github.com/verisite/portal/internal/platform/apperr"
	"github.com/verisite/portal/internal/platform/constants"
	"github.com/verisite/portal/internal/platform/sec"
	"github.com/verisite/portal/internal/platform/validate"
	pkguuid "github.com/verisite/portal/pkg/uuid"
)

// # Contracts & Types

// TokenProvider defines the contract for issuing portal access tokens.
type TokenProvider interface {
	// GenerateAccessToken creates a signed JWT carrying the user's identity,
	// the session's active role and the full held-role set.
	GenerateAccessToken(userID, email, activeRole string, roles []string, timeToLive time.Duration) (string, error)
}

// ActionRecorder is the slice of the audit recorder the portal service
// needs: privileged-mutation records written inside the caller's
// transaction.
type ActionRecorder interface {
	RecordAdminAction(ctx stdctx.Context, tx pgx.Tx, action *audit.AdminAction) error
}

// Service implements portal account management use cases.
//
// # Review Process
//
// This service controls who can reach patient data. Any change to the
// protected-target rules or the session-revocation triggers must be reviewed
// by the security team.
type Service struct {
	executor    *access.ScopedExecutor
	users       UserRepository
	activations ActivationRepository
	cooldowns   CooldownRepository
	recorder    ActionRecorder
	tokens      TokenProvider
	mailer      notify.Mailer
	log         *slog.Logger
}

// NewService constructs a new portal [Service] with necessary dependencies.
func NewService(
	executor *access.ScopedExecutor,
	users UserRepository,
	activations ActivationRepository,
	cooldowns CooldownRepository,
	recorder ActionRecorder,
	tokens TokenProvider,
	mailer notify.Mailer,
	logger *slog.Logger,
) *Service {
	return &Service{
		executor:    executor,
		users:       users,
		activations: activations,
		cooldowns:   cooldowns,
		recorder:    recorder,
		tokens:      tokens,
		mailer:      mailer,
		log:         logger,
	}
}

// # Provisioning Flow

// CreateUserInput holds the data required to provision a new account.
type CreateUserInput struct {
	Email    string      `json:"email"`
	FullName string      `json:"full_name"`
	Roles    []string    `json:"roles"`
	SiteIDs  []uuid.UUID `json:"site_ids"`
}

/*
CreateUser provisions a new portal account in pending state.

Description: Validates the assignment against the role rules, writes the
account, its role set, its site set, and the admin-action record in ONE
scoped transaction, then issues the activation credential as a post-commit
side effect. The account cannot log in until the code is redeemed.

Parameters:
  - ctx: Request context.
  - scope: The administrator's access scope; the transaction runs under it.
  - requestID: Correlates the audit record with the request log.
  - input: CreateUserInput.

Returns:
  - *User: Created entity with assignments hydrated.
  - error: Validation, Forbidden, Conflict or storage errors.
*/
func (service *Service) CreateUser(ctx stdctx.Context, scope access.Context, requestID string, input CreateUserInput) (*User, error) {
	if err := (&validate.Validator{}).
		Required("email", input.Email).
		Email("email", input.Email).
		Required("full_name", input.FullName).
		MaxLen("full_name", input.FullName, 200).
		Err(); err != nil {
		return nil, err
	}

	roles, err := service.checkAssignableRoles(scope, input.Roles, input.SiteIDs)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:       pkguuid.New(),
		Email:    input.Email,
		FullName: input.FullName,
		Status:   StatusPending,
		MFAType:  MFANone,
		Roles:    roles,
		SiteIDs:  sortedSiteIDs(input.SiteIDs),
	}

	err = service.executor.RunScoped(ctx, scope, func(tx pgx.Tx) error {
		if err := service.users.Insert(ctx, tx, user); err != nil {
			return err
		}
		if err := service.users.ReplaceRoles(ctx, tx, user.ID, roleNames(user.Roles)); err != nil {
			return err
		}
		if err := service.users.ReplaceSites(ctx, tx, user.ID, user.SiteIDs); err != nil {
			return err
		}

		return service.recorder.RecordAdminAction(ctx, tx, &audit.AdminAction{
			ActorID:      scope.SubjectID(),
			ActorRole:    string(scope.ActiveRole()),
			Action:       "user.create",
			TargetUserID: user.ID,
			After:        user.snapshot(),
			RequestID:    requestID,
		})
	})
	if err != nil {
		return nil, err
	}

	service.issueActivation(ctx, user)
	return user, nil
}

// # Mutation Flow

// UpdateUserInput carries a partial account mutation. Nil fields are left
// untouched.
type UpdateUserInput struct {
	FullName *string      `json:"full_name"`
	Status   *string      `json:"status"`
	Roles    *[]string    `json:"roles"`
	SiteIDs  *[]uuid.UUID `json:"site_ids"`
}

/*
UpdateUser mutates an existing account's profile, status or assignments.

Description: All checks run before any write. Self-modification is rejected
outright; a target holding a protected role (Administrator, DeveloperAdmin)
is untouchable unless the caller is acting as DeveloperAdmin. Any change to
the sorted role set or the sorted site set revokes the target's outstanding
sessions, since their issued tokens embed the old assignment. Moving a
revoked account back toward active resets it to pending and re-issues the
activation credential: a revoked user never silently regains their old
password.

Returns:
  - *User: The mutated entity.
  - error: ValidationError (self-modification, bad input), Forbidden
    (protected target, non-assignable role), NotFound or storage errors.
*/
func (service *Service) UpdateUser(ctx stdctx.Context, scope access.Context, requestID, targetID string, input UpdateUserInput) (*User, error) {
	if scope.SubjectID() == targetID {
		return nil, apperr.ValidationError("Administrators cannot modify their own account")
	}
	if input.Status != nil {
		if err := (&validate.Validator{}).
			OneOf("status", *input.Status, StatusPending, StatusActive, StatusRevoked).
			Err(); err != nil {
			return nil, err
		}
	}

	var user *User
	var reissueActivation, revokeActivation bool

	err := service.executor.RunScoped(ctx, scope, func(tx pgx.Tx) error {
		var findErr error
		user, findErr = service.users.FindByID(ctx, tx, targetID)
		if findErr != nil {
			return findErr
		}

		// Protected targets are checked before ANY write, so a forbidden
		// request leaves no partial state behind.
		if user.HoldsProtectedRole() && scope.ActiveRole() != access.RoleDeveloperAdmin {
			return apperr.Forbidden("Target account is protected")
		}

		before := user.snapshot()
		sessionsRevoked := false

		if input.FullName != nil {
			if err := (&validate.Validator{}).
				Required("full_name", *input.FullName).
				MaxLen("full_name", *input.FullName, 200).
				Err(); err != nil {
				return err
			}
			user.FullName = *input.FullName
		}

		if input.Roles != nil {
			siteIDs := user.SiteIDs
			if input.SiteIDs != nil {
				siteIDs = *input.SiteIDs
			}
			roles, rolesErr := service.checkAssignableRoles(scope, *input.Roles, siteIDs)
			if rolesErr != nil {
				return rolesErr
			}
			if !access.EqualRoleSets(user.Roles, roles) {
				user.Roles = roles
				sessionsRevoked = true
				if err := service.users.ReplaceRoles(ctx, tx, user.ID, roleNames(roles)); err != nil {
					return err
				}
			}
		}

		if input.SiteIDs != nil {
			siteIDs := sortedSiteIDs(*input.SiteIDs)
			// Checked against the resulting role set, so a sites-only patch
			// cannot strip a site-scoped role of its last assignment.
			for _, role := range user.Roles {
				if role.RequiresSiteScope() && len(siteIDs) == 0 {
					return apperr.ValidationError(fmt.Sprintf("Role %q requires at least one site assignment", role))
				}
			}
			if !equalSiteIDs(user.SiteIDs, siteIDs) {
				user.SiteIDs = siteIDs
				sessionsRevoked = true
				if err := service.users.ReplaceSites(ctx, tx, user.ID, siteIDs); err != nil {
					return err
				}
			}
		}

		if input.Status != nil && *input.Status != user.Status {
			switch {
			case user.Status == StatusRevoked && *input.Status == StatusActive:
				// Re-admission goes through activation again.
				user.Status = StatusPending
				user.PasswordHash = ""
				reissueActivation = true
			case *input.Status == StatusRevoked:
				user.Status = StatusRevoked
				sessionsRevoked = true
				revokeActivation = true
			default:
				user.Status = *input.Status
			}
		}

		if sessionsRevoked {
			revokedAt := time.Now()
			user.SessionsRevokedAt = &revokedAt
		}

		if err := service.users.Update(ctx, tx, user); err != nil {
			return err
		}

		return service.recorder.RecordAdminAction(ctx, tx, &audit.AdminAction{
			ActorID:      scope.SubjectID(),
			ActorRole:    string(scope.ActiveRole()),
			Action:       "user.update",
			TargetUserID: user.ID,
			Before:       before,
			After:        user.snapshot(),
			RequestID:    requestID,
		})
	})
	if err != nil {
		return nil, err
	}

	// Post-commit side effects: never inside the transaction, never fatal.
	if revokeActivation {
		if err := service.activations.Revoke(ctx, user.ID); err != nil {
			service.log.Error("activation_revoke_failed", slog.String("user_id", user.ID), slog.Any("error", err))
		}
	}
	if reissueActivation {
		service.issueActivation(ctx, user)
	}
	return user, nil
}

// GetUser returns a single account under the caller's scope.
func (service *Service) GetUser(ctx stdctx.Context, scope access.Context, id string) (*User, error) {
	var user *User
	err := service.executor.RunScoped(ctx, scope, func(tx pgx.Tx) error {
		var findErr error
		user, findErr = service.users.FindByID(ctx, tx, id)
		return findErr
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns accounts under the caller's scope with a total count.
func (service *Service) ListUsers(ctx stdctx.Context, scope access.Context, limit, offset int) ([]*User, int, error) {
	var users []*User
	var total int
	err := service.executor.RunScoped(ctx, scope, func(tx pgx.Tx) error {
		var listErr error
		users, total, listErr = service.users.List(ctx, tx, limit, offset)
		return listErr
	})
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// # Authentication Flow

// LoginInput defines credentials for an authentication attempt.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// RequestedRole optionally names the role to act under for this session.
	// A role the user does not hold falls back silently.
	RequestedRole string `json:"requested_role"`
}

// LoginSession represents a successfully established portal session.
type LoginSession struct {
	AccessToken string        `json:"access_token"`
	ActiveRole  access.Role   `json:"active_role"`
	Roles       []access.Role `json:"roles"`
	User        *User         `json:"user"`
}

/*
Login validates credentials and issues an access token.

Description: Every failure mode (unknown address, wrong password,
non-active account, zero roles) collapses into the same Unauthorized
response so the endpoint cannot be used to enumerate accounts. On success
the active role is selected by the fixed resolution order and baked into
the token; switching roles means logging in again.
*/
func (service *Service) Login(ctx stdctx.Context, input LoginInput) (*LoginSession, error) {
	invalidCredentials := apperr.Unauthorized("Invalid login credentials")

	var user *User
	err := service.executor.RunScoped(ctx, access.NewServiceContext("portal-login"), func(tx pgx.Tx) error {
		var findErr error
		user, findErr = service.users.FindByEmail(ctx, tx, input.Email)
		return findErr
	})
	if err != nil {
		// Only an unknown address collapses into the generic response. A
		// storage outage must surface as such, not as a bad password.
		if appError := apperr.As(err); appError != nil && appError.Code == "NOT_FOUND" {
			return nil, invalidCredentials
		}
		return nil, fmt.Errorf("portal_service_login_lookup_failed: %w", err)
	}

	if user.Status != StatusActive || user.PasswordHash == "" {
		return nil, invalidCredentials
	}
	if !sec.CheckPasswordHash(input.Password, user.PasswordHash) {
		return nil, invalidCredentials
	}

	// Unknown requested-role names fall back like unheld roles do.
	requestedRole, _ := access.ParseRole(input.RequestedRole)

	activeRole, err := access.SelectActiveRole(user.Roles, requestedRole, nil)
	if err != nil {
		return nil, invalidCredentials
	}

	token, err := service.tokens.GenerateAccessToken(
		user.ID, user.Email, string(activeRole), roleNames(access.SortRoles(user.Roles)), constants.AccessTokenTTL,
	)
	if err != nil {
		return nil, fmt.Errorf("portal_service_token_generation_failed: %w", err)
	}

	return &LoginSession{
		AccessToken: token,
		ActiveRole:  activeRole,
		Roles:       access.SortRoles(user.Roles),
		User:        user,
	}, nil
}

// # Activation Flow

// ActivateInput carries an activation-code redemption.
type ActivateInput struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

/*
Activate redeems an activation code and sets the account's password.

Description: The code is consumed atomically, so it works exactly once even
under concurrent submission. Every failure mode (unknown code, expired code,
account no longer pending) collapses into the same Unauthorized response:
the endpoint is unauthenticated and must not reveal which codes exist.
*/
func (service *Service) Activate(ctx stdctx.Context, input ActivateInput) (*User, error) {
	invalidCode := apperr.Unauthorized("Invalid or expired activation code")

	if err := (&validate.Validator{}).
		Required("code", input.Code).
		Required("password", input.Password).
		MinLen("password", input.Password, 12).
		Err(); err != nil {
		return nil, err
	}

	userID, err := service.activations.Consume(ctx, sec.HashToken(input.Code))
	if err != nil {
		if apperr.IsAppError(err) {
			return nil, invalidCode
		}
		return nil, fmt.Errorf("portal_service_activation_lookup_failed: %w", err)
	}

	passwordHash, err := sec.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("portal_service_hash_failed: %w", err)
	}

	var user *User
	err = service.executor.RunScoped(ctx, access.NewServiceContext("portal-activation"), func(tx pgx.Tx) error {
		var findErr error
		user, findErr = service.users.FindByID(ctx, tx, userID)
		if findErr != nil {
			return findErr
		}
		if user.Status != StatusPending {
			return invalidCode
		}

		user.Status = StatusActive
		user.PasswordHash = passwordHash
		return service.users.Update(ctx, tx, user)
	})
	if err != nil {
		if apperr.IsAppError(err) {
			return nil, invalidCode
		}
		return nil, err
	}

	service.log.Info("account_activated", slog.String("user_id", user.ID))
	return user, nil
}

// # Identity Resolution

// Identity is the response of the /me resolution: the account plus the role
// picture of the current session.
type Identity struct {
	User       *User         `json:"user"`
	ActiveRole access.Role   `json:"active_role"`
	Roles      []access.Role `json:"roles"`
}

/*
ResolveIdentity resolves a verified caller's account and session roles.

Description: Re-reads the persisted role set rather than trusting the token,
so an assignment change shows up on the next /me call even before the old
token expires. Tokens issued before sessions_revoked_at are refused here.

Parameters:
  - ctx: Request context.
  - userID: Verified portal user ID from the token.
  - issuedAt: Token issue time, checked against session revocation.
  - requestedRole: Optional role-switch request from the header.

Returns:
  - *Identity: Account plus resolved roles.
  - error: Unauthorized for revoked sessions or non-active accounts.
*/
func (service *Service) ResolveIdentity(ctx stdctx.Context, userID string, issuedAt time.Time, requestedRole string) (*Identity, error) {
	var user *User
	err := service.executor.RunScoped(ctx, access.NewServiceContext("portal-identity"), func(tx pgx.Tx) error {
		var findErr error
		user, findErr = service.users.FindByID(ctx, tx, userID)
		return findErr
	})
	if err != nil {
		return nil, err
	}

	if user.Status != StatusActive {
		return nil, apperr.Unauthorized("Account is not active")
	}
	if user.SessionsRevokedAt != nil && issuedAt.Before(*user.SessionsRevokedAt) {
		return nil, apperr.Unauthorized("Session has been revoked")
	}

	requested, _ := access.ParseRole(requestedRole)
	activeRole, err := access.SelectActiveRole(user.Roles, requested, nil)
	if err != nil {
		return nil, err
	}

	return &Identity{
		User:       user,
		ActiveRole: activeRole,
		Roles:      access.SortRoles(user.Roles),
	}, nil
}

// # Helpers

/*
checkAssignableRoles validates a requested role assignment.

Rules:
  - Every role name must parse.
  - DeveloperAdmin is never assignable through this API, for anyone.
  - Administrator is assignable only by a caller acting as DeveloperAdmin.
  - Roles that are scoped to sites require at least one site assignment.
*/
func (service *Service) checkAssignableRoles(scope access.Context, names []string, siteIDs []uuid.UUID) ([]access.Role, error) {
	if len(names) == 0 {
		return nil, apperr.ValidationError("At least one role is required")
	}

	roles := make([]access.Role, 0, len(names))
	for _, name := range names {
		role, err := access.ParseRole(name)
		if err != nil {
			return nil, err
		}
		if !role.IsAssignable() {
			return nil, apperr.Forbidden(fmt.Sprintf("Role %q cannot be assigned", role))
		}
		if role == access.RoleAdministrator && scope.ActiveRole() != access.RoleDeveloperAdmin {
			return nil, apperr.Forbidden("Only a developer administrator can assign the administrator role")
		}
		if role.RequiresSiteScope() && len(siteIDs) == 0 {
			return nil, apperr.ValidationError(fmt.Sprintf("Role %q requires at least one site assignment", role))
		}
		roles = append(roles, role)
	}
	return access.SortRoles(roles), nil
}

// issueActivation generates, stores and mails a fresh activation code.
// Failures are logged, never propagated: the account exists either way and
// an administrator can re-trigger the mail.
func (service *Service) issueActivation(ctx stdctx.Context, user *User) {
	allowed, err := service.cooldowns.Start(ctx, user.Email, constants.MailCooldownWindow)
	if err != nil {
		service.log.Error("activation_cooldown_failed", slog.String("user_id", user.ID), slog.Any("error", err))
		return
	}
	if !allowed {
		service.log.Warn("activation_mail_throttled", slog.String("user_id", user.ID))
		return
	}

	code, err := sec.GenerateSecureToken(constants.ActivationCodeLength)
	if err != nil {
		service.log.Error("activation_code_generation_failed", slog.String("user_id", user.ID), slog.Any("error", err))
		return
	}

	if err := service.activations.Save(ctx, sec.HashToken(code), user.ID, constants.ActivationCodeTTL); err != nil {
		service.log.Error("activation_code_save_failed", slog.String("user_id", user.ID), slog.Any("error", err))
		return
	}

	if err := service.mailer.SendActivation(ctx, user.Email, user.FullName, code); err != nil {
		service.log.Error("activation_mail_failed", slog.String("user_id", user.ID), slog.Any("error", err))
	}
}

func roleNames(roles []access.Role) []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	return names
}

func sortedSiteIDs(siteIDs []uuid.UUID) []uuid.UUID {
	sorted := make([]uuid.UUID, len(siteIDs))
	copy(sorted, siteIDs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})
	return sorted
}

func equalSiteIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
