package auth

import (
	"strings"
	"time"
)

// AccountState is the password lifecycle state of a principal.
type AccountState string

const (
	StateActive     AccountState = "active"
	StateMustChange AccountState = "must_change_password"
	StateDisabled   AccountState = "disabled"
)

// Principal is one credential store record. Principals are never deleted
// while referenced by historical activity; they are disabled instead.
type Principal struct {
	Identity     string       `json:"identity"`
	DisplayName  string       `json:"display_name"`
	Role         Role         `json:"role"`
	PasswordHash string       `json:"-"`
	State        AccountState `json:"state"`
	SystemAdmin  bool         `json:"is_system_admin"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	LastLogin    time.Time    `json:"last_login,omitzero"`
}

// NormalizeIdentity canonicalizes an identity string. Desk clients send the
// workstation login, which may carry a domain qualifier: DOMAIN\name,
// DOMAIN/name and bare name all normalize to NAME.
func NormalizeIdentity(identity string) string {
	identity = strings.TrimSpace(identity)
	if i := strings.LastIndexAny(identity, `\/`); i >= 0 {
		identity = identity[i+1:]
	}
	return strings.ToUpper(identity)
}
