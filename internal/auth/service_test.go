package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestAuthority(t *testing.T, clock *fakeClock) *Authority {
	t.Helper()
	issuer, err := NewIssuer("test-secret", WithIssuerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	guard := newTestGuard(clock)
	sessions := NewRegistry(WithRegistryClock(clock.Now))
	a, err := NewAuthority(NewMemoryStore(), guard, issuer, sessions, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	return a
}

// Follows one principal from provisioning through forced password change to an
// authorized request and finally revocation.
func TestAuthorityLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	created, temp, err := a.CreatePrincipal(ctx, "domain\\jean.dupont", "planner", "Jean Dupont", false)
	if err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	if created.Identity != "JEAN.DUPONT" {
		t.Fatalf("Identity = %q", created.Identity)
	}
	if created.State != StateMustChange {
		t.Fatalf("State = %q, want must_change_password", created.State)
	}
	if temp == "" || CheckPolicy(temp) != nil {
		t.Fatalf("temporary password %q must satisfy the policy", temp)
	}

	// First login with the temporary password: no token yet.
	res, err := a.Login(ctx, "jean.dupont", temp, "10.0.0.1", "desk-7")
	if err != nil {
		t.Fatalf("Login with temp password: %v", err)
	}
	if !res.MustChange {
		t.Fatal("first login must demand a password change")
	}
	if res.Token != "" || res.Permissions != nil {
		t.Fatal("must-change login must not issue a token or permissions")
	}

	if err := a.ChangePassword(ctx, "jean.dupont", temp, "Secure123", "10.0.0.1"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	// The temporary password is dead after the change.
	if _, err := a.Login(ctx, "jean.dupont", temp, "10.0.0.1", "desk-7"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for the spent temp password, got %v", err)
	}

	res, err = a.Login(ctx, "jean.dupont", "Secure123", "10.0.0.1", "desk-7")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" || res.MustChange {
		t.Fatalf("login must issue a token: %+v", res)
	}
	if res.Role != RolePlanner {
		t.Fatalf("Role = %q", res.Role)
	}
	if !hasPermission(res.Permissions, PermEditPlanning) {
		t.Fatalf("planner login must list edit_planning: %v", res.Permissions)
	}
	if hasPermission(res.Permissions, PermManageUsers) {
		t.Fatalf("planner login must not list manage_users: %v", res.Permissions)
	}

	claims, err := a.AuthorizeRequest(res.Token, PermEditPlanning)
	if err != nil {
		t.Fatalf("AuthorizeRequest(edit_planning): %v", err)
	}
	if _, err := a.AuthorizeRequest(res.Token, PermManageUsers); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for manage_users, got %v", err)
	}

	// Revocation kills the session while the token still verifies.
	if !a.Sessions().Revoke(claims.TokenID) {
		t.Fatal("Revoke must find the session")
	}
	if _, err := a.issuer.Validate(res.Token); err != nil {
		t.Fatalf("revoked token must still be cryptographically valid: %v", err)
	}
	if _, err := a.AuthorizeRequest(res.Token, PermEditPlanning); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestAuthorityLoginUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, err := a.Login(ctx, "nobody", "Whatever1", "10.0.0.1", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown identity must look like bad credentials, got %v", err)
	}
}

func TestAuthorityLockoutRejectsCorrectPassword(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, temp := mustCreateActive(t, a, "jean.dupont", "planner")

	// Threshold in the test guard is 3 failures.
	for i := 0; i < 3; i++ {
		if _, err := a.Login(ctx, "jean.dupont", "Wrong123", "10.0.0.1", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: got %v", i+1, err)
		}
	}
	if _, err := a.Login(ctx, "jean.dupont", temp, "10.0.0.1", ""); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("locked pair must reject even the correct password, got %v", err)
	}
	// The same identity from another source is untouched.
	if _, err := a.Login(ctx, "jean.dupont", temp, "10.0.0.2", ""); err != nil {
		t.Fatalf("other source must still log in, got %v", err)
	}
	// After the backoff the pair recovers.
	clock.Advance(2 * time.Minute)
	if _, err := a.Login(ctx, "jean.dupont", temp, "10.0.0.1", ""); err != nil {
		t.Fatalf("expired lock must admit the correct password, got %v", err)
	}
}

func TestAuthorityDisabledAccount(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, password := mustCreateActive(t, a, "jean.dupont", "planner")

	res, err := a.Login(ctx, "jean.dupont", password, "10.0.0.1", "desk-7")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := a.Disable(ctx, "jean.dupont"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	// Disabling revokes the live session immediately.
	if _, err := a.AuthorizeRequest(res.Token, PermEditPlanning); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked after disable, got %v", err)
	}
	// A disabled account rejects even the correct password.
	if _, err := a.Login(ctx, "jean.dupont", password, "10.0.0.1", ""); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}

	if err := a.Enable(ctx, "jean.dupont"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := a.Login(ctx, "jean.dupont", password, "10.0.0.1", ""); err != nil {
		t.Fatalf("re-enabled account must log in, got %v", err)
	}
}

func TestAuthorityAdminResetPassword(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, old := mustCreateActive(t, a, "jean.dupont", "planner")

	temp, err := a.AdminResetPassword(ctx, "jean.dupont")
	if err != nil {
		t.Fatalf("AdminResetPassword: %v", err)
	}
	if _, err := a.Login(ctx, "jean.dupont", old, "10.0.0.1", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must be dead after reset, got %v", err)
	}
	res, err := a.Login(ctx, "jean.dupont", temp, "10.0.0.1", "")
	if err != nil {
		t.Fatalf("Login with reset password: %v", err)
	}
	if !res.MustChange {
		t.Fatal("reset must re-arm the must-change marker")
	}

	if _, err := a.AdminResetPassword(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthorityChangePasswordPolicyFirst(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, password := mustCreateActive(t, a, "jean.dupont", "planner")

	// Policy is checked before the old password, so a weak proposal fails
	// even with wrong credentials and does not leak which was wrong first.
	if err := a.ChangePassword(ctx, "jean.dupont", "whatever", "weak", "10.0.0.1"); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected ErrPolicyViolation, got %v", err)
	}
	if err := a.ChangePassword(ctx, "jean.dupont", "Wrong123", "Valid123", "10.0.0.1"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for the wrong old password, got %v", err)
	}
	if err := a.ChangePassword(ctx, "nobody", password, "Valid123", "10.0.0.1"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("unknown identity must look like a mismatch, got %v", err)
	}
}

func TestAuthorityChangeRole(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, password := mustCreateActive(t, a, "jean.dupont", "planner")

	res, err := a.Login(ctx, "jean.dupont", password, "10.0.0.1", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := a.ChangeRole(ctx, "jean.dupont", "viewer"); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}

	// The live token keeps its issued role snapshot.
	if _, err := a.AuthorizeRequest(res.Token, PermEditPlanning); err != nil {
		t.Fatalf("live token must keep its role snapshot, got %v", err)
	}
	// A fresh login sees the new role.
	fresh, err := a.Login(ctx, "jean.dupont", password, "10.0.0.1", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := a.AuthorizeRequest(fresh.Token, PermEditPlanning); !errors.Is(err, ErrForbidden) {
		t.Fatalf("fresh viewer token must be forbidden, got %v", err)
	}

	if err := a.ChangeRole(ctx, "jean.dupont", "superuser"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("unknown role must be rejected, got %v", err)
	}
}

func TestAuthorityLogout(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, password := mustCreateActive(t, a, "jean.dupont", "planner")
	res, err := a.Login(ctx, "jean.dupont", password, "10.0.0.1", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	a.Logout(ctx, res.Token)
	if _, err := a.Authenticate(res.Token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked after logout, got %v", err)
	}
	// Logging out twice, or with garbage, is a no-op.
	a.Logout(ctx, res.Token)
	a.Logout(ctx, "not-a-token")
}

func TestAuthoritySystemAdminBypassesRole(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, temp, err := a.CreatePrincipal(ctx, "root.ops", "viewer", "Ops", true)
	if err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	if err := a.ChangePassword(ctx, "root.ops", temp, "Secure123", "10.0.0.1"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	res, err := a.Login(ctx, "root.ops", "Secure123", "10.0.0.1", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := a.AuthorizeRequest(res.Token, PermManageUsers); err != nil {
		t.Fatalf("system admin must satisfy every permission, got %v", err)
	}
}

func TestChangePasswordGuardedLikeLogin(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, password := mustCreateActive(t, a, "jean.dupont", "planner")

	// Threshold in the test guard is 3 failures.
	for i := 0; i < 3; i++ {
		if err := a.ChangePassword(ctx, "jean.dupont", "Wrong123", "Valid123", "10.0.0.9"); !errors.Is(err, ErrMismatch) {
			t.Fatalf("guess %d: got %v", i+1, err)
		}
	}
	if ok, _ := a.guard.Check("jean.dupont", "10.0.0.9"); ok {
		t.Fatal("repeated wrong old passwords must lock the pair")
	}
	// The locked pair rejects even the correct old password.
	if err := a.ChangePassword(ctx, "jean.dupont", password, "Valid123", "10.0.0.9"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("locked pair must reject the change, got %v", err)
	}
	// The lockout carries over to Login for the same pair.
	if _, err := a.Login(ctx, "jean.dupont", password, "10.0.0.9", ""); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("locked pair must reject login too, got %v", err)
	}
	// Another source is unaffected, and success clears the counter.
	if err := a.ChangePassword(ctx, "jean.dupont", password, "Valid123", "10.0.0.10"); err != nil {
		t.Fatalf("other source must proceed, got %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := a.ChangePassword(ctx, "jean.dupont", "Valid123", "Fresh456a", "10.0.0.9"); err != nil {
		t.Fatalf("expired lock must admit the correct password, got %v", err)
	}

	// Unknown identities burn failures the same way instead of bypassing
	// the guard.
	for i := 0; i < 3; i++ {
		if err := a.ChangePassword(ctx, "nobody", "Wrong123", "Valid123", "10.0.0.9"); !errors.Is(err, ErrMismatch) {
			t.Fatalf("unknown identity guess %d: got %v", i+1, err)
		}
	}
	if err := a.ChangePassword(ctx, "nobody", "Wrong123", "Valid123", "10.0.0.9"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("unknown identity must lock like any other, got %v", err)
	}
}

func TestChangePasswordDisabledNotRevealed(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	_, password := mustCreateActive(t, a, "jean.dupont", "planner")
	if err := a.Disable(ctx, "jean.dupont"); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	// A wrong password against a disabled account looks like any mismatch;
	// only a proven password holder learns the account state.
	if err := a.ChangePassword(ctx, "jean.dupont", "Wrong123", "Valid123", "10.0.0.1"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for a wrong password, got %v", err)
	}
	if err := a.ChangePassword(ctx, "jean.dupont", password, "Valid123", "10.0.0.1"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled for the correct password, got %v", err)
	}
}

// touchFailStore simulates a store that loses its backend between the
// credential lookup and the last-login stamp.
type touchFailStore struct {
	*MemoryStore
}

func (s *touchFailStore) TouchLogin(ctx context.Context, identity string, at time.Time) error {
	return errors.New("connection reset")
}

func TestLoginTouchFailureLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	issuer, err := NewIssuer("test-secret", WithIssuerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	store := &touchFailStore{MemoryStore: NewMemoryStore()}
	sessions := NewRegistry(WithRegistryClock(clock.Now))
	a, err := NewAuthority(store, newTestGuard(clock), issuer, sessions, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	if _, _, err := a.CreatePrincipal(ctx, "jean.dupont", "planner", "", false); err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	// Flip the account to active directly; the failing store only breaks
	// the last-login stamp.
	hash, err := HashPassword("Secure123")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := store.UpdatePassword(ctx, "jean.dupont", hash, StateActive); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}

	if _, err := a.Login(ctx, "jean.dupont", "Secure123", "10.0.0.1", ""); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	// The failed login must not leave a live session behind.
	if live := sessions.ListLive(""); len(live) != 0 {
		t.Fatalf("failed login left %d live sessions", len(live))
	}
}

func TestCreatePrincipalUnknownRole(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthority(t, clock)

	if _, _, err := a.CreatePrincipal(ctx, "jean.dupont", "superuser", "", false); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

// mustCreateActive provisions a principal and walks it through the forced
// password change, returning the principal and its active password.
func mustCreateActive(t *testing.T, a *Authority, identity, role string) (*Principal, string) {
	t.Helper()
	ctx := context.Background()
	_, temp, err := a.CreatePrincipal(ctx, identity, role, "", false)
	if err != nil {
		t.Fatalf("CreatePrincipal(%s): %v", identity, err)
	}
	password := "Secure123"
	if err := a.ChangePassword(ctx, identity, temp, password, "10.0.0.1"); err != nil {
		t.Fatalf("ChangePassword(%s): %v", identity, err)
	}
	p, err := a.GetPrincipal(ctx, identity)
	if err != nil {
		t.Fatalf("GetPrincipal(%s): %v", identity, err)
	}
	return p, password
}

func hasPermission(perms []Permission, want Permission) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
