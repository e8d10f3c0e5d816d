package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/levelup/internal/model"
)

const userColumns = `id, external_id, role, display_name, email, password_hash, created_at`

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = model.UserRoleStudent
	}
	u.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, external_id, role, display_name, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.ExternalID, string(u.Role), u.DisplayName, u.Email, u.PasswordHash, millis(u.CreatedAt),
	)
	if err != nil {
		slog.Error("failed to create user", "external_id", u.ExternalID, "error", err)
		return u, err
	}
	slog.Info("created user", "id", u.ID, "external_id", u.ExternalID, "role", u.Role)
	return u, nil
}

// GetOrCreateUser returns the user with the given external ID, creating a user
// with the given role on first sight.
func (s *Store) GetOrCreateUser(ctx context.Context, externalID string, role model.UserRole) (model.User, error) {
	if role == "" {
		role = model.UserRoleStudent
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, external_id, role, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (external_id) DO NOTHING`,
		uuid.NewString(), externalID, string(role), millis(s.now()),
	)
	if err != nil {
		return model.User{}, err
	}
	return s.GetUserByExternalID(ctx, externalID)
}

// SetPassword stores a bcrypt hash for a user.
func (s *Store) SetPassword(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// GetUserByExternalID returns a user by external ID or model.ErrNotFound.
func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
}

// GetUserByID returns a user by ID or model.ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id string) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserCount returns the total number of users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

func scanUser(r rowScanner) (model.User, error) {
	var u model.User
	var role string
	var created int64
	err := r.Scan(&u.ID, &u.ExternalID, &role, &u.DisplayName, &u.Email, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return u, model.ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = model.UserRole(role)
	u.CreatedAt = fromMillis(created)
	return u, nil
}
