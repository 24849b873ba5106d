package auth

import "errors"

var (
	// Credential store and password lifecycle.
	ErrDuplicateIdentity = errors.New("auth: identity already exists")
	ErrPolicyViolation   = errors.New("auth: password does not meet policy")
	ErrMismatch          = errors.New("auth: current password does not match")
	ErrNotFound          = errors.New("auth: not found")
	ErrUnknownRole       = errors.New("auth: unknown role")
	ErrStoreUnavailable  = errors.New("auth: store unavailable")

	// Login. Wrong identity and wrong password are deliberately merged so the
	// caller cannot enumerate identities.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTooManyAttempts    = errors.New("auth: too many attempts")
	ErrAccountDisabled    = errors.New("auth: account disabled")

	// Token validation.
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenSignature = errors.New("auth: token signature mismatch")
	ErrTokenExpired   = errors.New("auth: token expired")

	// Request authorization.
	ErrSessionRevoked = errors.New("auth: session revoked")
	ErrForbidden      = errors.New("auth: forbidden")
)
