package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fleetgate.org/internal/ids"
)

const (
	defaultIssuer        = "fleetgate"
	DefaultTokenLifetime = 8 * time.Hour
)

// tokenClaims is the JWT payload. The role is a snapshot taken at issuance;
// a later role change does not alter a live token's authority until reissue.
type tokenClaims struct {
	Role        string `json:"role"`
	DisplayName string `json:"name,omitempty"`
	SystemAdmin bool   `json:"sysadmin,omitempty"`
	jwt.RegisteredClaims
}

// Claims is the verified content of a token.
type Claims struct {
	Identity    string
	DisplayName string
	Role        Role
	SystemAdmin bool
	TokenID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Issuer mints and validates signed, time-bounded tokens. Validation is
// stateless and safe for concurrent use on every request.
type Issuer struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
	now      func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithLifetime overrides the fixed token lifetime.
func WithLifetime(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		if d > 0 {
			i.lifetime = d
		}
	}
}

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) {
		if strings.TrimSpace(name) != "" {
			i.issuer = strings.TrimSpace(name)
		}
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer signing with HS256.
func NewIssuer(secret string, opts ...IssuerOption) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is not configured")
	}
	i := &Issuer{
		secret:   []byte(secret),
		issuer:   defaultIssuer,
		lifetime: DefaultTokenLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a token binding the principal's identity and role snapshot.
// Expiry is always issuance time plus the fixed lifetime; tokens are never
// extended in place.
func (i *Issuer) Issue(p *Principal) (string, Claims, error) {
	now := i.now().UTC()
	claims := tokenClaims{
		Role:        string(p.Role),
		DisplayName: p.DisplayName,
		SystemAdmin: p.SystemAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   p.Identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
			ID:        ids.New(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claimsFrom(&claims), nil
}

// Validate verifies the signature and time bounds of a raw token and decodes
// its claims. It distinguishes malformed tokens, signature mismatches and
// expired tokens; it never consults any store.
func (i *Issuer) Validate(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{},
		func(t *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrTokenSignature
		default:
			return Claims{}, ErrTokenMalformed
		}
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return Claims{}, ErrTokenMalformed
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return Claims{}, ErrTokenMalformed
	}
	// A token is expired at exactly issued-at + lifetime, not one tick later.
	if !claims.ExpiresAt.Time.After(i.now()) {
		return Claims{}, ErrTokenExpired
	}
	return claimsFrom(claims), nil
}

// Lifetime reports the fixed token lifetime.
func (i *Issuer) Lifetime() time.Duration {
	return i.lifetime
}

func claimsFrom(c *tokenClaims) Claims {
	out := Claims{
		Identity:    c.Subject,
		DisplayName: c.DisplayName,
		Role:        Role(c.Role),
		SystemAdmin: c.SystemAdmin,
		TokenID:     c.ID,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}
