package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// KeyPrefix starts every issued API key.
	KeyPrefix = "amp_"

	// keyPrefixLen is how much of a key is kept in clear for display.
	keyPrefixLen = 12

	keySecretBytes = 32
)

var (
	// ErrKeyNotFound is returned when revoking an unknown key.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrInvalidKey is returned by VerifyKey for unknown, revoked or
	// expired keys.
	ErrInvalidKey = errors.New("invalid api key")

	// ErrKeyName is returned when a key is created without a name.
	ErrKeyName = errors.New("api key name is required")
)

// APIKey describes an issued key. The secret itself is never stored; only
// its SHA-256 hash and a short display prefix.
type APIKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	DeviceID  string    `json:"device_id,omitempty"`
	Prefix    string    `json:"prefix"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	LastUsed  time.Time `json:"last_used,omitzero"`
	Revoked   bool      `json:"revoked"`
}

// Active reports whether the key is usable at now.
func (k APIKey) Active(now time.Time) bool {
	return !k.Revoked && (k.ExpiresAt.IsZero() || now.Before(k.ExpiresAt))
}

// NewKey describes a key to issue. A zero TTL never expires.
type NewKey struct {
	Name     string
	DeviceID string
	TTL      time.Duration
}

func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func unixOrZero(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// CreateKey issues a key and returns its record with the secret. The secret
// is only available here.
func (s *Store) CreateKey(ctx context.Context, req NewKey) (APIKey, string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return APIKey{}, "", ErrKeyName
	}
	if req.TTL < 0 {
		return APIKey{}, "", fmt.Errorf("api key ttl must not be negative: %s", req.TTL)
	}

	raw := make([]byte, keySecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return APIKey{}, "", fmt.Errorf("failed to generate api key: %w", err)
	}
	secret := KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	k := APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		DeviceID:  strings.TrimSpace(req.DeviceID),
		Prefix:    secret[:keyPrefixLen],
		CreatedAt: now,
	}
	if req.TTL > 0 {
		k.ExpiresAt = now.Add(req.TTL)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, device_id, prefix, key_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.DeviceID, k.Prefix, hashKey(secret), k.CreatedAt.UnixNano(), nanosOrZero(k.ExpiresAt),
	)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("failed to store api key %s: %w", k.Name, err)
	}
	return k, secret, nil
}

// ListKeys returns every issued key, oldest first, revoked ones included.
func (s *Store) ListKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, device_id, prefix, created_at, expires_at, last_used, revoked
		FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (APIKey, error) {
	var (
		k                      APIKey
		created, expires, used int64
		revoked                int
	)
	if err := row.Scan(&k.ID, &k.Name, &k.DeviceID, &k.Prefix, &created, &expires, &used, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIKey{}, err
		}
		return APIKey{}, fmt.Errorf("failed to scan api key: %w", err)
	}
	k.CreatedAt = unixOrZero(created)
	k.ExpiresAt = unixOrZero(expires)
	k.LastUsed = unixOrZero(used)
	k.Revoked = revoked != 0
	return k, nil
}

// RevokeKey disables the key with id. Revoking twice is not an error.
func (s *Store) RevokeKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return nil
}

// VerifyKey resolves secret to an active key and stamps its last use.
func (s *Store) VerifyKey(ctx context.Context, secret string) (APIKey, error) {
	if !strings.HasPrefix(secret, KeyPrefix) {
		return APIKey{}, ErrInvalidKey
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, device_id, prefix, created_at, expires_at, last_used, revoked
		FROM api_keys WHERE key_hash = ?`, hashKey(secret))
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrInvalidKey
	}
	if err != nil {
		return APIKey{}, err
	}

	now := time.Now().UTC()
	if !k.Active(now) {
		return APIKey{}, ErrInvalidKey
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`, now.UnixNano(), k.ID); err != nil {
		return APIKey{}, fmt.Errorf("failed to touch api key %s: %w", k.ID, err)
	}
	k.LastUsed = now
	return k, nil
}
