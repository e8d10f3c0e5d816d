package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/google/uuid"

	"github.com/pavelanni/levelup/internal/db"
	"github.com/pavelanni/levelup/internal/model"
)

const progressColumns = `id, user_id, scope_type, branch_id, scope_id, current_level, skill, total_answered,
	total_correct, streak, last_session_at, recent_json, version, created_at, updated_at`

// GetOrCreateProgress returns the progress record for key, creating it with the
// given initial skill and level if it does not exist yet.
func (s *Store) GetOrCreateProgress(ctx context.Context, key model.ProgressKey, skill float64, level int) (model.Progress, error) {
	now := millis(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress (id, user_id, scope_type, branch_id, scope_id, current_level, skill,
			recent_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '[]', $8, $9)
		 ON CONFLICT (user_id, scope_type, branch_id, scope_id) DO NOTHING`,
		uuid.NewString(), key.UserID, string(key.ScopeType), key.BranchID, key.ScopeID, level, skill, now, now,
	)
	if err != nil {
		return model.Progress{}, fmt.Errorf("create progress %s: %w", key, err)
	}
	return s.GetProgress(ctx, key)
}

// GetProgress returns the progress record for key or model.ErrNotFound.
func (s *Store) GetProgress(ctx context.Context, key model.ProgressKey) (model.Progress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM progress
		 WHERE user_id = $1 AND scope_type = $2 AND branch_id = $3 AND scope_id = $4`,
		key.UserID, string(key.ScopeType), key.BranchID, key.ScopeID,
	)
	p, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Progress{}, model.ErrNotFound
	}
	return p, err
}

// TouchProgress records that a session was started in the scope.
func (s *Store) TouchProgress(ctx context.Context, key model.ProgressKey) error {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE progress SET last_session_at = $1, updated_at = $2, version = version + 1
		 WHERE user_id = $3 AND scope_type = $4 AND branch_id = $5 AND scope_id = $6`,
		now, now, key.UserID, string(key.ScopeType), key.BranchID, key.ScopeID,
	)
	if err != nil {
		return fmt.Errorf("touch progress %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// UpdateProgress applies fn to the current record and writes the result in one
// transaction. The row is locked for the whole read-modify-write (FOR UPDATE on
// PostgreSQL, the immediate write lock on SQLite), so concurrent updates of the same
// key queue instead of overwriting each other.
func (s *Store) UpdateProgress(ctx context.Context, key model.ProgressKey, fn func(*model.Progress) error) (model.Progress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Progress{}, fmt.Errorf("update progress %s: %w", key, err)
	}
	defer tx.Rollback()

	query := `SELECT ` + progressColumns + ` FROM progress
		 WHERE user_id = $1 AND scope_type = $2 AND branch_id = $3 AND scope_id = $4`
	if s.driver == db.DriverPostgres {
		query += ` FOR UPDATE`
	}
	p, err := scanProgress(tx.QueryRowContext(ctx, query,
		key.UserID, string(key.ScopeType), key.BranchID, key.ScopeID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Progress{}, model.ErrNotFound
	}
	if err != nil {
		return model.Progress{}, fmt.Errorf("read progress %s: %w", key, err)
	}

	if err := fn(&p); err != nil {
		return model.Progress{}, err
	}
	p.Version++
	p.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE progress SET current_level = $1, skill = $2, total_answered = $3, total_correct = $4,
			streak = $5, last_session_at = $6, recent_json = $7, version = $8, updated_at = $9
		 WHERE id = $10`,
		p.CurrentLevel, p.Skill, p.TotalAnswered, p.TotalCorrect, p.Streak,
		nullMillis(p.LastSessionAt), marshalStrings(p.RecentQuestionIDs), p.Version, millis(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return model.Progress{}, fmt.Errorf("update progress %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Progress{}, fmt.Errorf("commit progress %s: %w", key, err)
	}
	return p, nil
}

// ListProgress returns a user's progress records in a branch, broadest scope first.
func (s *Store) ListProgress(ctx context.Context, userID, branchID string) ([]model.Progress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM progress WHERE user_id = $1 AND branch_id = $2
		 ORDER BY CASE scope_type WHEN 'branch' THEN 0 WHEN 'subject' THEN 1 ELSE 2 END, created_at, id`,
		userID, branchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProgress(r rowScanner) (model.Progress, error) {
	var p model.Progress
	var scopeType, recent string
	var last sql.NullInt64
	var created, updated int64
	err := r.Scan(&p.ID, &p.UserID, &scopeType, &p.BranchID, &p.ScopeID, &p.CurrentLevel, &p.Skill,
		&p.TotalAnswered, &p.TotalCorrect, &p.Streak, &last, &recent, &p.Version, &created, &updated)
	if err != nil {
		return p, err
	}
	p.ScopeType = model.ScopeType(scopeType)
	p.LastSessionAt = fromNullMillis(last)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	if p.RecentQuestionIDs, err = unmarshalStrings(recent); err != nil {
		return p, fmt.Errorf("decode recent questions of %s: %w", p.ID, err)
	}
	return p, nil
}
