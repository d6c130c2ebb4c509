package handlers

import (
	"testing"
	"time"
)

func TestStateStoreSingleUse(t *testing.T) {
	s := NewStateStore()
	token := s.issue("fam-1", "member-1")

	familyID, memberID, ok := s.consume(token)
	if !ok || familyID != "fam-1" || memberID != "member-1" {
		t.Fatalf("consume = %q/%q/%v", familyID, memberID, ok)
	}

	if _, _, ok := s.consume(token); ok {
		t.Error("state token accepted twice")
	}
}

func TestStateStoreUnknownToken(t *testing.T) {
	s := NewStateStore()
	if _, _, ok := s.consume("never-issued"); ok {
		t.Error("unknown state token accepted")
	}
}

func TestStateStoreExpiry(t *testing.T) {
	s := NewStateStore()
	token := s.issue("fam-1", "member-1")

	s.mu.Lock()
	st := s.states[token]
	st.expiresAt = time.Now().Add(-time.Minute)
	s.states[token] = st
	s.mu.Unlock()

	if _, _, ok := s.consume(token); ok {
		t.Error("expired state token accepted")
	}
}

func TestStateStoreTokensAreUnique(t *testing.T) {
	s := NewStateStore()
	if s.issue("fam-1", "member-1") == s.issue("fam-1", "member-1") {
		t.Error("issued identical state tokens")
	}
}
