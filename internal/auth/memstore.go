package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memRecord pairs a principal with its own lock so concurrent mutations of
// different identities proceed independently.
type memRecord struct {
	mu sync.Mutex
	p  Principal
}

// MemoryStore is the in-process CredentialStore used by tests and
// single-node deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	now     func() time.Time
}

var _ CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, p *Principal) error {
	identity := NormalizeIdentity(p.Identity)
	if identity == "" {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[identity]; ok {
		return ErrDuplicateIdentity
	}
	now := s.now().UTC()
	rec := &memRecord{p: *p}
	rec.p.Identity = identity
	rec.p.CreatedAt = now
	rec.p.UpdatedAt = now
	s.records[identity] = rec
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, identity string) (*Principal, error) {
	rec, err := s.record(identity)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	p := rec.p
	return &p, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Principal, error) {
	s.mu.RLock()
	recs := make([]*memRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]*Principal, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		p := rec.p
		rec.mu.Unlock()
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *MemoryStore) UpdatePassword(ctx context.Context, identity, hash string, state AccountState) error {
	return s.update(identity, func(p *Principal) {
		p.PasswordHash = hash
		p.State = state
	})
}

func (s *MemoryStore) UpdateState(ctx context.Context, identity string, state AccountState) error {
	return s.update(identity, func(p *Principal) {
		p.State = state
	})
}

func (s *MemoryStore) UpdateRole(ctx context.Context, identity string, role Role) error {
	return s.update(identity, func(p *Principal) {
		p.Role = role
	})
}

func (s *MemoryStore) TouchLogin(ctx context.Context, identity string, at time.Time) error {
	return s.update(identity, func(p *Principal) {
		p.LastLogin = at.UTC()
	})
}

func (s *MemoryStore) record(identity string) (*memRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[NormalizeIdentity(identity)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) update(identity string, fn func(*Principal)) error {
	rec, err := s.record(identity)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.p)
	rec.p.UpdatedAt = s.now().UTC()
	return nil
}
