package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fleetgate.org/internal/obs"
)

// Authority composes the credential store, lockout guard, token issuer and
// session registry into the login and authorization flows. It is the single
// entry point collaborators use; tests instantiate isolated instances.
type Authority struct {
	store    CredentialStore
	guard    *Guard
	issuer   *Issuer
	sessions *Registry
	now      func() time.Time

	// decoyHash burns a bcrypt comparison for unknown identities so the
	// response time does not reveal whether the identity exists.
	decoyHash string
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthority wires the authority together.
func NewAuthority(store CredentialStore, guard *Guard, issuer *Issuer, sessions *Registry, opts ...AuthorityOption) (*Authority, error) {
	if store == nil || guard == nil || issuer == nil || sessions == nil {
		return nil, errors.New("auth: store, guard, issuer and sessions are required")
	}
	decoy, err := bcrypt.GenerateFromPassword([]byte("fleetgate-decoy"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a := &Authority{
		store:     store,
		guard:     guard,
		issuer:    issuer,
		sessions:  sessions,
		now:       time.Now,
		decoyHash: string(decoy),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Sessions exposes the registry for admin enumeration and revocation.
func (a *Authority) Sessions() *Registry { return a.sessions }

// LoginResult is the outcome of a successful or must-change login. When
// MustChange is set no token is issued; the client has to change the
// password first.
type LoginResult struct {
	Token       string       `json:"token,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at,omitzero"`
	MustChange  bool         `json:"must_change_password,omitempty"`
	Identity    string       `json:"identity"`
	DisplayName string       `json:"display_name"`
	Role        Role         `json:"role"`
	SystemAdmin bool         `json:"is_system_admin,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// Login runs the full flow: source rate limit, per-pair lockout, credential
// verification, lifecycle state, token issuance, session registration.
// Rejection reasons are deliberately coarse.
func (a *Authority) Login(ctx context.Context, identity, password, source, clientDesc string) (LoginResult, error) {
	identity = NormalizeIdentity(identity)

	if !a.guard.AllowSource(source) {
		obs.LoginAttempts.WithLabelValues("locked").Inc()
		return LoginResult{}, ErrTooManyAttempts
	}
	if ok, _ := a.guard.Check(identity, source); !ok {
		obs.LoginAttempts.WithLabelValues("locked").Inc()
		return LoginResult{}, ErrTooManyAttempts
	}

	p, err := a.store.Find(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Equalize timing with the known-identity path.
			_ = bcrypt.CompareHashAndPassword([]byte(a.decoyHash), []byte(password))
			a.guard.RecordFailure(identity, source)
			obs.LoginAttempts.WithLabelValues("rejected").Inc()
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, storeErr(err)
	}

	if err := VerifyPassword(p.PasswordHash, password); err != nil {
		a.guard.RecordFailure(identity, source)
		obs.LoginAttempts.WithLabelValues("rejected").Inc()
		return LoginResult{}, ErrInvalidCredentials
	}
	if p.State == StateDisabled {
		obs.LoginAttempts.WithLabelValues("disabled").Inc()
		return LoginResult{}, ErrAccountDisabled
	}

	a.guard.RecordSuccess(identity, source)

	result := LoginResult{
		Identity:    p.Identity,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		SystemAdmin: p.SystemAdmin,
		Permissions: EffectivePermissions(p.Role, p.SystemAdmin),
	}
	if p.State == StateMustChange {
		obs.LoginAttempts.WithLabelValues("must_change").Inc()
		result.MustChange = true
		result.Permissions = nil
		return result, nil
	}

	token, claims, err := a.issuer.Issue(p)
	if err != nil {
		return LoginResult{}, err
	}
	// Touch before registering: a store failure here must not leave a live
	// session behind a login the client saw fail.
	if err := a.store.TouchLogin(ctx, identity, a.now()); err != nil && !errors.Is(err, ErrNotFound) {
		return LoginResult{}, storeErr(err)
	}
	a.sessions.Register(Session{
		TokenID:    claims.TokenID,
		Identity:   p.Identity,
		Role:       p.Role,
		ClientDesc: clientDesc,
		IssuedAt:   claims.IssuedAt,
		ExpiresAt:  claims.ExpiresAt,
	})

	obs.LoginAttempts.WithLabelValues("ok").Inc()
	result.Token = token
	result.ExpiresAt = claims.ExpiresAt
	return result, nil
}

// ChangePassword verifies the old or temporary password, enforces the
// complexity policy and stores the new hash, clearing the must-change marker.
// The endpoint behind this is reachable without a token, so the flow runs
// through the same guard as Login; otherwise it would be an unthrottled
// guessing oracle for the old password.
func (a *Authority) ChangePassword(ctx context.Context, identity, oldOrTemp, newPassword, source string) error {
	identity = NormalizeIdentity(identity)
	if !a.guard.AllowSource(source) {
		return ErrTooManyAttempts
	}
	if ok, _ := a.guard.Check(identity, source); !ok {
		return ErrTooManyAttempts
	}
	if err := CheckPolicy(newPassword); err != nil {
		return err
	}
	p, err := a.store.Find(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Equalize timing with the known-identity path.
			_ = bcrypt.CompareHashAndPassword([]byte(a.decoyHash), []byte(oldOrTemp))
			a.guard.RecordFailure(identity, source)
			return ErrMismatch
		}
		return storeErr(err)
	}
	if err := VerifyPassword(p.PasswordHash, oldOrTemp); err != nil {
		a.guard.RecordFailure(identity, source)
		return ErrMismatch
	}
	// Only a proven password holder learns the account is disabled.
	if p.State == StateDisabled {
		return ErrAccountDisabled
	}
	a.guard.RecordSuccess(identity, source)
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := a.store.UpdatePassword(ctx, identity, hash, StateActive); err != nil {
		return storeErr(err)
	}
	return nil
}

// CreatePrincipal registers a new identity with a generated temporary
// password. The plaintext temporary password is returned exactly once.
func (a *Authority) CreatePrincipal(ctx context.Context, identity, roleName, displayName string, systemAdmin bool) (*Principal, string, error) {
	role, ok := ParseRole(roleName)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownRole, roleName)
	}
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return nil, "", errors.New("auth: identity is required")
	}
	if displayName == "" {
		displayName = identity
	}
	temp, err := GenerateTempPassword()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashPassword(temp)
	if err != nil {
		return nil, "", err
	}
	p := &Principal{
		Identity:     identity,
		DisplayName:  displayName,
		Role:         role,
		PasswordHash: hash,
		State:        StateMustChange,
		SystemAdmin:  systemAdmin,
	}
	if err := a.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			return nil, "", err
		}
		return nil, "", storeErr(err)
	}
	created, err := a.store.Find(ctx, identity)
	if err != nil {
		return nil, "", storeErr(err)
	}
	return created, temp, nil
}

// AdminResetPassword overwrites the hash with a fresh temporary password and
// re-sets the must-change marker, regardless of the old password.
func (a *Authority) AdminResetPassword(ctx context.Context, identity string) (string, error) {
	identity = NormalizeIdentity(identity)
	if _, err := a.store.Find(ctx, identity); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", storeErr(err)
	}
	temp, err := GenerateTempPassword()
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(temp)
	if err != nil {
		return "", err
	}
	if err := a.store.UpdatePassword(ctx, identity, hash, StateMustChange); err != nil {
		return "", storeErr(err)
	}
	return temp, nil
}

// Disable soft-disables a principal and revokes all of its live sessions.
func (a *Authority) Disable(ctx context.Context, identity string) error {
	identity = NormalizeIdentity(identity)
	if err := a.store.UpdateState(ctx, identity, StateDisabled); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storeErr(err)
	}
	a.sessions.RevokeAll(identity)
	return nil
}

// Enable re-activates a disabled principal.
func (a *Authority) Enable(ctx context.Context, identity string) error {
	if err := a.store.UpdateState(ctx, NormalizeIdentity(identity), StateActive); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storeErr(err)
	}
	return nil
}

// ChangeRole reassigns the principal's role. Live tokens keep their issued
// role snapshot until reissue.
func (a *Authority) ChangeRole(ctx context.Context, identity, roleName string) error {
	role, ok := ParseRole(roleName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, roleName)
	}
	if err := a.store.UpdateRole(ctx, NormalizeIdentity(identity), role); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storeErr(err)
	}
	return nil
}

// GetPrincipal returns one record without its hash exposed to callers.
func (a *Authority) GetPrincipal(ctx context.Context, identity string) (*Principal, error) {
	p, err := a.store.Find(ctx, NormalizeIdentity(identity))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storeErr(err)
	}
	return p, nil
}

// ListPrincipals enumerates all records for administration.
func (a *Authority) ListPrincipals(ctx context.Context) ([]*Principal, error) {
	list, err := a.store.List(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

// Logout revokes the session of the presented token. An already invalid or
// expired token is not an error; the session, if any, is gone either way.
func (a *Authority) Logout(ctx context.Context, rawToken string) {
	claims, err := a.issuer.Validate(rawToken)
	if err != nil {
		return
	}
	a.sessions.Revoke(claims.TokenID)
}

// Authenticate validates the raw token and checks session liveness, touching
// last-seen on success.
func (a *Authority) Authenticate(rawToken string) (Claims, error) {
	claims, err := a.issuer.Validate(rawToken)
	if err != nil {
		return Claims{}, err
	}
	if !a.sessions.Touch(claims.TokenID) {
		return Claims{}, ErrSessionRevoked
	}
	return claims, nil
}

// Authorize checks a permission against verified claims. System admins
// implicitly satisfy every check.
func (a *Authority) Authorize(claims Claims, perm Permission) error {
	if claims.SystemAdmin || Authorize(claims.Role, perm) {
		return nil
	}
	return ErrForbidden
}

// AuthorizeRequest is the end-to-end check for a protected operation:
// validate, then liveness, then permission.
func (a *Authority) AuthorizeRequest(rawToken string, perm Permission) (Claims, error) {
	claims, err := a.Authenticate(rawToken)
	if err != nil {
		return Claims{}, err
	}
	if err := a.Authorize(claims, perm); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// storeErr reports a backend failure as StoreUnavailable so it is never
// conflated with InvalidCredentials.
func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
