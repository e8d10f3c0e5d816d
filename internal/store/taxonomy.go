package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/levelup/internal/model"
)

// UpsertBranch inserts a branch or updates the name and order of the branch with the same key.
func (s *Store) UpsertBranch(ctx context.Context, b model.Branch) (model.Branch, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (id, key, name, ord) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET name = excluded.name, ord = excluded.ord`,
		b.ID, b.Key, b.Name, b.Order,
	)
	if err != nil {
		return b, fmt.Errorf("upsert branch %s: %w", b.Key, err)
	}
	return s.GetBranchByKey(ctx, b.Key)
}

// GetBranchByKey returns the branch with the given key or model.ErrNotFound.
func (s *Store) GetBranchByKey(ctx context.Context, key string) (model.Branch, error) {
	var b model.Branch
	err := s.db.QueryRowContext(ctx, `SELECT id, key, name, ord FROM branches WHERE key = $1`, key).
		Scan(&b.ID, &b.Key, &b.Name, &b.Order)
	if errors.Is(err, sql.ErrNoRows) {
		return b, model.ErrNotFound
	}
	return b, err
}

// ListBranches returns all branches in display order.
func (s *Store) ListBranches(ctx context.Context) ([]model.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key, name, ord FROM branches ORDER BY ord, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Branch
	for rows.Next() {
		var b model.Branch
		if err := rows.Scan(&b.ID, &b.Key, &b.Name, &b.Order); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertSubject inserts or updates a subject keyed by (branch, key).
func (s *Store) UpsertSubject(ctx context.Context, sub model.Subject) (model.Subject, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, branch_id, key, name, ord) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (branch_id, key) DO UPDATE SET name = excluded.name, ord = excluded.ord`,
		sub.ID, sub.BranchID, sub.Key, sub.Name, sub.Order,
	)
	if err != nil {
		return sub, fmt.Errorf("upsert subject %s: %w", sub.Key, err)
	}
	return s.GetSubjectByKey(ctx, sub.BranchID, sub.Key)
}

// GetSubjectByKey returns the subject with the given key in a branch.
func (s *Store) GetSubjectByKey(ctx context.Context, branchID, key string) (model.Subject, error) {
	var sub model.Subject
	err := s.db.QueryRowContext(ctx,
		`SELECT id, branch_id, key, name, ord, topic_count FROM subjects WHERE branch_id = $1 AND key = $2`,
		branchID, key,
	).Scan(&sub.ID, &sub.BranchID, &sub.Key, &sub.Name, &sub.Order, &sub.TopicCount)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, model.ErrNotFound
	}
	return sub, err
}

// ListSubjects returns the subjects of a branch in display order.
func (s *Store) ListSubjects(ctx context.Context, branchID string) ([]model.Subject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, branch_id, key, name, ord, topic_count FROM subjects WHERE branch_id = $1 ORDER BY ord, key`,
		branchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subject
	for rows.Next() {
		var sub model.Subject
		if err := rows.Scan(&sub.ID, &sub.BranchID, &sub.Key, &sub.Name, &sub.Order, &sub.TopicCount); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpsertTopic inserts or updates a topic keyed by (branch, subject, key) and refreshes
// the subject's topic count.
func (s *Store) UpsertTopic(ctx context.Context, t model.Topic) (model.Topic, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO topics (id, branch_id, subject_id, key, name, syllabus_json, ord)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (branch_id, subject_id, key) DO UPDATE SET
			name = excluded.name, syllabus_json = excluded.syllabus_json, ord = excluded.ord`,
		t.ID, t.BranchID, t.SubjectID, t.Key, t.Name, marshalStrings(t.SyllabusPath), t.Order,
	)
	if err != nil {
		return t, fmt.Errorf("upsert topic %s: %w", t.Key, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE subjects SET topic_count = (SELECT COUNT(*) FROM topics WHERE subject_id = $1) WHERE id = $2`,
		t.SubjectID, t.SubjectID,
	)
	if err != nil {
		return t, fmt.Errorf("refresh topic count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return s.GetTopicByKey(ctx, t.SubjectID, t.Key)
}

// GetTopicByKey returns the topic with the given key in a subject.
func (s *Store) GetTopicByKey(ctx context.Context, subjectID, key string) (model.Topic, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, branch_id, subject_id, key, name, syllabus_json, ord FROM topics WHERE subject_id = $1 AND key = $2`,
		subjectID, key,
	)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, model.ErrNotFound
	}
	return t, err
}

// ListTopics returns the topics of a subject in display order.
func (s *Store) ListTopics(ctx context.Context, subjectID string) ([]model.Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, branch_id, subject_id, key, name, syllabus_json, ord FROM topics
		 WHERE subject_id = $1 ORDER BY ord, key`,
		subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTopic(r rowScanner) (model.Topic, error) {
	var t model.Topic
	var syllabus string
	if err := r.Scan(&t.ID, &t.BranchID, &t.SubjectID, &t.Key, &t.Name, &syllabus, &t.Order); err != nil {
		return t, err
	}
	var err error
	if t.SyllabusPath, err = unmarshalStrings(syllabus); err != nil {
		return t, fmt.Errorf("decode syllabus of %s: %w", t.ID, err)
	}
	return t, nil
}
