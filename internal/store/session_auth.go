package store

import (
	"context"
	"time"
)

// RevokeToken adds a token ID to the denylist until the token would have expired anyway.
func (s *Store) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING`,
		jti, millis(expiresAt),
	)
	return err
}

// IsTokenRevoked reports whether a token ID is on the denylist.
func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revoked_tokens WHERE jti = $1`, jti).Scan(&n)
	return n > 0, err
}

// CleanupRevokedTokens drops denylist entries for tokens that have expired.
func (s *Store) CleanupRevokedTokens(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, millis(s.now()))
	return err
}
