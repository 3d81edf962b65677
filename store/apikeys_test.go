package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestCreateAPIKeyFormat(t *testing.T) {
	// WHAT: A minted key is mdwb_ plus 32 hex chars, with the display prefix
	// taken from its head; the plaintext never lands in the database.
	// WHY: Clients and dashboards depend on the key shape; the hash at rest
	// is what makes a database leak survivable.
	s := testStore(t)
	ctx := context.Background()

	k, err := s.CreateAPIKey(ctx, "key-1", "ci pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if len(k.Key) != 37 || !strings.HasPrefix(k.Key, "mdwb_") {
		t.Errorf("key shape: %q", k.Key)
	}
	if k.Prefix != k.Key[:12] {
		t.Errorf("prefix: got %q, want %q", k.Prefix, k.Key[:12])
	}
	if !k.Active {
		t.Error("new key not active")
	}

	var stored string
	if err := s.db.QueryRow(`SELECT key_hash FROM api_keys WHERE id = 'key-1'`).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored == k.Key || strings.Contains(stored, k.Key) {
		t.Error("plaintext key stored at rest")
	}
}

func TestVerifyAPIKeyRoundTrip(t *testing.T) {
	// WHAT: The plaintext returned at creation verifies, and verification
	// stamps last_used_at.
	// WHY: Create-then-use is the whole credential lifecycle.
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateAPIKey(ctx, "key-1", "agent")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.VerifyAPIKey(ctx, created.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "key-1" {
		t.Errorf("verified id: %q", got.ID)
	}

	list, err := s.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].LastUsedAt.IsZero() {
		t.Errorf("last_used_at not stamped: %+v", list)
	}
	if list[0].Key != "" {
		t.Error("listing leaked a plaintext key")
	}
}

func TestVerifyAPIKeyRejectsMalformedAndUnknown(t *testing.T) {
	// WHAT: Wrong prefix, wrong length, and unknown-but-well-formed keys all
	// fail with ErrInvalidAPIKey.
	// WHY: The gate must not distinguish malformed from unknown to callers.
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.CreateAPIKey(ctx, "key-1", "agent"); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{
		"",
		"mdwb_short",
		"nope_000102030405060708090a0b0c0d0e0f",
		"mdwb_000102030405060708090a0b0c0d0e0f",
	} {
		if _, err := s.VerifyAPIKey(ctx, key); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("key %q: got %v, want ErrInvalidAPIKey", key, err)
		}
	}
}

func TestRevokeAPIKey(t *testing.T) {
	// WHAT: A revoked key stops verifying but stays listed as inactive;
	// revoking twice or revoking an unknown id is ErrNotFound.
	// WHY: Revocation must be immediate and auditable.
	s := testStore(t)
	ctx := context.Background()

	k, err := s.CreateAPIKey(ctx, "key-1", "agent")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeAPIKey(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.VerifyAPIKey(ctx, k.Key); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("revoked key verified: %v", err)
	}

	list, err := s.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Active {
		t.Errorf("revoked key listing: %+v", list)
	}

	if err := s.RevokeAPIKey(ctx, "key-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double revoke: got %v, want ErrNotFound", err)
	}
	if err := s.RevokeAPIKey(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown revoke: got %v, want ErrNotFound", err)
	}
}
