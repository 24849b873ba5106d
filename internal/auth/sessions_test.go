package auth

import (
	"testing"
	"time"
)

func testSession(tokenID, identity string, at time.Time) Session {
	return Session{
		TokenID:   tokenID,
		Identity:  identity,
		Role:      RolePlanner,
		IssuedAt:  at,
		ExpiresAt: at.Add(8 * time.Hour),
	}
}

func TestRegistryRegisterTouchRevoke(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithRegistryClock(clock.Now))

	r.Register(testSession("tok-1", "JEAN.DUPONT", clock.Now()))
	if !r.IsLive("tok-1") {
		t.Fatal("registered session must be live")
	}
	if r.IsLive("tok-2") {
		t.Fatal("unknown token id must not be live")
	}

	clock.Advance(5 * time.Minute)
	if !r.Touch("tok-1") {
		t.Fatal("Touch of a live session must succeed")
	}
	sessions := r.ListLive("JEAN.DUPONT")
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d", len(sessions))
	}
	if !sessions[0].LastSeen.Equal(clock.Now()) {
		t.Fatalf("LastSeen = %v, want %v", sessions[0].LastSeen, clock.Now())
	}

	if !r.Revoke("tok-1") {
		t.Fatal("Revoke of a live session must report true")
	}
	if r.Revoke("tok-1") {
		t.Fatal("second Revoke must report false")
	}
	if r.Touch("tok-1") {
		t.Fatal("Touch of a revoked session must fail")
	}
}

func TestRegistryRevokeAll(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithRegistryClock(clock.Now))

	r.Register(testSession("tok-1", "JEAN.DUPONT", clock.Now()))
	r.Register(testSession("tok-2", "JEAN.DUPONT", clock.Now()))
	r.Register(testSession("tok-3", "ANNA.KELLER", clock.Now()))

	if n := r.RevokeAll("domain\\jean.dupont"); n != 2 {
		t.Fatalf("RevokeAll = %d, want 2", n)
	}
	if r.IsLive("tok-1") || r.IsLive("tok-2") {
		t.Fatal("revoked sessions must be gone")
	}
	if !r.IsLive("tok-3") {
		t.Fatal("other identities must be untouched")
	}
}

func TestRegistryListNewestFirst(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithRegistryClock(clock.Now))

	r.Register(testSession("tok-old", "JEAN.DUPONT", clock.Now()))
	clock.Advance(time.Minute)
	r.Register(testSession("tok-mid", "ANNA.KELLER", clock.Now()))
	clock.Advance(time.Minute)
	r.Touch("tok-old")
	clock.Advance(time.Minute)
	r.Register(testSession("tok-new", "JEAN.DUPONT", clock.Now()))

	all := r.ListLive("")
	if len(all) != 3 {
		t.Fatalf("len(all) = %d", len(all))
	}
	want := []string{"tok-new", "tok-old", "tok-mid"}
	for i, s := range all {
		if s.TokenID != want[i] {
			t.Fatalf("all[%d] = %q, want %q", i, s.TokenID, want[i])
		}
	}

	mine := r.ListLive("jean.dupont")
	if len(mine) != 2 {
		t.Fatalf("len(mine) = %d", len(mine))
	}
}

func TestRegistrySweep(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithIdleMax(30*time.Minute), WithRegistryClock(clock.Now))

	r.Register(testSession("tok-idle", "JEAN.DUPONT", clock.Now()))
	clock.Advance(20 * time.Minute)
	r.Register(testSession("tok-active", "ANNA.KELLER", clock.Now()))
	clock.Advance(15 * time.Minute)
	r.Touch("tok-active")

	// tok-idle has been silent for 35 minutes, tok-active was just touched.
	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if r.IsLive("tok-idle") {
		t.Fatal("idle session must be swept")
	}
	if !r.IsLive("tok-active") {
		t.Fatal("active session must survive the sweep")
	}
}

func TestRegistrySweepEvictsExpiredTokens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(WithIdleMax(24*time.Hour), WithRegistryClock(clock.Now))

	s := testSession("tok-1", "JEAN.DUPONT", clock.Now())
	s.ExpiresAt = clock.Now().Add(time.Hour)
	r.Register(s)

	clock.Advance(30 * time.Minute)
	r.Touch("tok-1")
	if n := r.Sweep(); n != 0 {
		t.Fatalf("Sweep before expiry = %d, want 0", n)
	}

	clock.Advance(31 * time.Minute)
	r.Touch("tok-1")
	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep after token expiry = %d, want 1", n)
	}
}

func TestSessionDisplayID(t *testing.T) {
	s := Session{TokenID: "01JD0EXAMPLEULID26CHARSXX"}
	if got := s.DisplayID(); got != "01JD0EXA..." {
		t.Fatalf("DisplayID = %q", got)
	}
	short := Session{TokenID: "abc"}
	if got := short.DisplayID(); got != "abc" {
		t.Fatalf("DisplayID = %q", got)
	}
}
