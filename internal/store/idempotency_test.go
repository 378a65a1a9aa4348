package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisIdempotencyClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisIdempotencyStore(mr.Addr(), "", time.Hour)

	id, claimed, err := s.Claim("key-1", "conv-a")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claimed || id != "conv-a" {
		t.Fatalf("first claim should win: claimed=%v id=%q", claimed, id)
	}

	id, claimed, err = s.Claim("key-1", "conv-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed || id != "conv-a" {
		t.Fatalf("second claim should resolve the first mapping: claimed=%v id=%q", claimed, id)
	}

	id, claimed, err = s.Claim("key-2", "conv-b")
	if err != nil {
		t.Fatalf("distinct key: %v", err)
	}
	if !claimed || id != "conv-b" {
		t.Fatalf("distinct key should win: claimed=%v id=%q", claimed, id)
	}
}

func TestRedisIdempotencyClaimExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisIdempotencyStore(mr.Addr(), "", time.Minute)

	if _, _, err := s.Claim("key-1", "conv-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	id, claimed, err := s.Claim("key-1", "conv-b")
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if !claimed || id != "conv-b" {
		t.Fatalf("expired key should be reclaimable: claimed=%v id=%q", claimed, id)
	}
}

func TestIdempotencyClaimRequiresKey(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisIdempotencyStore(mr.Addr(), "", time.Hour)
	if _, _, err := s.Claim("  ", "conv-a"); err == nil {
		t.Fatal("expected error for blank key")
	}
	if _, _, err := NewMemoryIdempotencyStore().Claim("", "conv-a"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestMemoryIdempotencyClaim(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	if id, claimed, _ := s.Claim("k", "a"); !claimed || id != "a" {
		t.Fatalf("first claim: claimed=%v id=%q", claimed, id)
	}
	if id, claimed, _ := s.Claim("k", "b"); claimed || id != "a" {
		t.Fatalf("replay: claimed=%v id=%q", claimed, id)
	}
}

func TestRedisTokenRevoker(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisTokenRevoker(mr.Addr(), "")

	if revoked, err := r.IsRevoked("jti-1"); err != nil || revoked {
		t.Fatalf("fresh jti: revoked=%v err=%v", revoked, err)
	}
	if err := r.Revoke("jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked("jti-1"); !revoked {
		t.Fatal("jti should be revoked")
	}
	mr.FastForward(2 * time.Minute)
	if revoked, _ := r.IsRevoked("jti-1"); revoked {
		t.Fatal("revocation should lapse with token expiry")
	}
}
