// CLAUDE:SUMMARY API key CRUD: random mdwb_ keys, SHA-256 hashes at rest, prefix for display, verify updates last_used_at.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidAPIKey is returned when a presented key is unknown, revoked,
// or malformed.
var ErrInvalidAPIKey = errors.New("store: invalid api key")

const (
	apiKeyPrefix = "mdwb_"
	// apiKeyLen is the full plaintext length: prefix + 32 hex chars.
	apiKeyLen = len(apiKeyPrefix) + 32
	// displayPrefixLen is how much of the plaintext is kept for listings.
	displayPrefixLen = 12
)

// APIKey is one credential. Key carries the plaintext only in the response
// to CreateAPIKey; at rest only its SHA-256 hash is stored.
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Key        string    `json:"key,omitempty"`
	Prefix     string    `json:"key_prefix"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	Active     bool      `json:"active"`
}

// CreateAPIKey mints a new key under the given id and name. The returned
// APIKey is the only place the plaintext ever appears.
func (s *Store) CreateAPIKey(ctx context.Context, id, name string) (*APIKey, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("store: generate api key: %w", err)
	}
	key := apiKeyPrefix + hex.EncodeToString(raw[:])
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, name, hashAPIKey(key), key[:displayPrefixLen], now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: create api key: %w", err)
	}
	return &APIKey{
		ID: id, Name: name, Key: key, Prefix: key[:displayPrefixLen],
		CreatedAt: now, Active: true,
	}, nil
}

// VerifyAPIKey checks a presented plaintext against the active keys and, on
// a match, stamps last_used_at. Returns ErrInvalidAPIKey otherwise.
func (s *Store) VerifyAPIKey(ctx context.Context, key string) (*APIKey, error) {
	if len(key) != apiKeyLen || !strings.HasPrefix(key, apiKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, `
		SELECT id, name, key_prefix, created_at, last_used_at, active
		FROM api_keys WHERE key_hash = ? AND active = 1`, hashAPIKey(key)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		s.now().UTC().UnixMilli(), k.ID); err != nil {
		return nil, fmt.Errorf("store: stamp api key use: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns every key, newest first, plaintext omitted.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_prefix, created_at, last_used_at, active
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey deactivates a key. The row is kept so listings still show
// what existed and when it was last used.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = 0 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(scan func(...any) error) (*APIKey, error) {
	var k APIKey
	var created, lastUsed int64
	var active int
	if err := scan(&k.ID, &k.Name, &k.Prefix, &created, &lastUsed, &active); err != nil {
		return nil, err
	}
	k.CreatedAt = time.UnixMilli(created).UTC()
	if lastUsed > 0 {
		k.LastUsedAt = time.UnixMilli(lastUsed).UTC()
	}
	k.Active = active == 1
	return &k, nil
}
