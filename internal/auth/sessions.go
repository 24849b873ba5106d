package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetgate.org/internal/obs"
)

const (
	defaultSessionIdleMax  = 45 * time.Minute
	defaultSweepInterval   = time.Minute
	sessionIDDisplayLength = 8
)

// Session records that a token is still considered live. Liveness is a
// separate fact from cryptographic validity: revoking the session rejects a
// token that would otherwise verify until its natural expiry.
type Session struct {
	TokenID    string    `json:"token_id"`
	Identity   string    `json:"identity"`
	Role       Role      `json:"role"`
	ClientDesc string    `json:"client,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	LastSeen   time.Time `json:"last_seen"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DisplayID returns the truncated token id shown in admin listings.
func (s Session) DisplayID() string {
	if len(s.TokenID) <= sessionIDDisplayLength {
		return s.TokenID
	}
	return s.TokenID[:sessionIDDisplayLength] + "..."
}

// Registry is the owned, lock-guarded table of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idleMax  time.Duration
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleMax sets the idle ceiling after which a session is swept,
// independent of token expiry.
func WithIdleMax(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idleMax = d
		}
	}
}

// WithRegistryClock overrides the time source (useful for tests).
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs an empty session registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		idleMax:  defaultSessionIdleMax,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a freshly issued token as live.
func (r *Registry) Register(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.LastSeen.IsZero() {
		s.LastSeen = s.IssuedAt
	}
	r.sessions[s.TokenID] = &s
	obs.SessionsLive.Set(float64(len(r.sessions)))
}

// Touch advances last-seen for a live session and reports liveness. The
// timestamp only moves forward, so a touch racing a sweep cannot resurrect
// stale data.
func (r *Registry) Touch(tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tokenID]
	if !ok {
		return false
	}
	if now := r.now(); now.After(s.LastSeen) {
		s.LastSeen = now
	}
	return true
}

// IsLive reports whether the token id has a session.
func (r *Registry) IsLive(tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[tokenID]
	return ok
}

// Revoke removes the session. The token may still cryptographically validate
// afterwards; callers must check both validity and liveness.
func (r *Registry) Revoke(tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[tokenID]; !ok {
		return false
	}
	delete(r.sessions, tokenID)
	obs.SessionsLive.Set(float64(len(r.sessions)))
	return true
}

// RevokeAll removes every session of one identity and returns the count.
func (r *Registry) RevokeAll(identity string) int {
	identity = NormalizeIdentity(identity)
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, s := range r.sessions {
		if s.Identity == identity {
			delete(r.sessions, id)
			count++
		}
	}
	if count > 0 {
		obs.SessionsLive.Set(float64(len(r.sessions)))
	}
	return count
}

// ListLive returns sessions, newest activity first. An empty identity lists
// all sessions; otherwise only that principal's.
func (r *Registry) ListLive(identity string) []Session {
	identity = NormalizeIdentity(identity)
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if identity != "" && s.Identity != identity {
			continue
		}
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Sweep evicts sessions idle beyond the ceiling or past their token expiry
// and returns the number evicted.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	count := 0
	for id, s := range r.sessions {
		if now.Sub(s.LastSeen) > r.idleMax || now.After(s.ExpiresAt) {
			delete(r.sessions, id)
			count++
		}
	}
	if count > 0 {
		obs.SessionsLive.Set(float64(len(r.sessions)))
	}
	return count
}

// StartSweeper runs Sweep on a periodic cycle until the context ends.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}
