package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/levelup/internal/model"
)

const sessionColumns = `id, user_id, mode, branch_id, subject_id, topic_id, level_number, target_difficulty,
	score, completed, started_at, completed_at`

// CreateSession persists a new, uncompleted session and its question snapshot.
func (s *Store) CreateSession(ctx context.Context, sess model.TestSession) (model.TestSession, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.now().UTC()
	}
	sess.Completed = false
	sess.Score = nil
	sess.CompletedAt = nil
	sess.Responses = nil

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sess, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_sessions (id, user_id, mode, branch_id, subject_id, topic_id, level_number,
			target_difficulty, completed, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)`,
		sess.ID, sess.UserID, string(sess.Mode), sess.BranchID, sess.SubjectID, sess.TopicID,
		sess.LevelNumber, sess.TargetDifficulty, millis(sess.StartedAt),
	)
	if err != nil {
		return sess, fmt.Errorf("insert session: %w", err)
	}
	for i, it := range sess.Items {
		if it.CorrectIndex == nil {
			return sess, fmt.Errorf("session item %s has no answer key", it.QuestionID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_items (session_id, position, question_id, stem, options_json, difficulty, correct_index)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sess.ID, i, it.QuestionID, it.Stem, marshalStrings(it.Options), it.Difficulty, *it.CorrectIndex,
		)
		if err != nil {
			return sess, fmt.Errorf("insert session item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sess, err
	}
	slog.Debug("session stored", "session_id", sess.ID, "items", len(sess.Items))
	return sess, nil
}

// GetSession returns a session with its items (answer keys included) and responses.
func (s *Store) GetSession(ctx context.Context, id string) (model.TestSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TestSession{}, model.ErrNotFound
	}
	if err != nil {
		return model.TestSession{}, err
	}
	if err := s.loadSessionDetail(ctx, &sess); err != nil {
		return model.TestSession{}, err
	}
	return sess, nil
}

// CompleteSession stores the graded responses and flips the session to completed.
// The flip is a conditional update, so of two concurrent callers exactly one succeeds;
// the other gets model.ErrAlreadyCompleted.
func (s *Store) CompleteSession(ctx context.Context, id string, c model.Completion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE test_sessions SET completed = 1, score = $1, completed_at = $2 WHERE id = $3 AND completed = 0`,
		c.Score, millis(c.CompletedAt), id,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var completed int
		err := tx.QueryRowContext(ctx, `SELECT completed FROM test_sessions WHERE id = $1`, id).Scan(&completed)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		return model.ErrAlreadyCompleted
	}
	for i, r := range c.Responses {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_responses (session_id, position, question_id, selected_index, correct, time_sec)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, i, r.QuestionID, r.SelectedIndex, boolInt(r.Correct), r.TimeSec,
		)
		if err != nil {
			return fmt.Errorf("insert response: %w", err)
		}
	}
	return tx.Commit()
}

// ListSessions returns a user's sessions, newest first, without items or responses.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]model.TestSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE user_id = $1 ORDER BY started_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TestSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) loadSessionDetail(ctx context.Context, sess *model.TestSession) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, stem, options_json, difficulty, correct_index
		 FROM session_items WHERE session_id = $1 ORDER BY position`, sess.ID)
	if err != nil {
		return fmt.Errorf("load session items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it model.QuestionItem
		var options string
		var correct int
		if err := rows.Scan(&it.QuestionID, &it.Stem, &options, &it.Difficulty, &correct); err != nil {
			return err
		}
		if it.Options, err = unmarshalStrings(options); err != nil {
			return fmt.Errorf("decode options of %s: %w", it.QuestionID, err)
		}
		it.CorrectIndex = &correct
		sess.Items = append(sess.Items, it)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rrows, err := s.db.QueryContext(ctx,
		`SELECT question_id, selected_index, correct, time_sec
		 FROM session_responses WHERE session_id = $1 ORDER BY position`, sess.ID)
	if err != nil {
		return fmt.Errorf("load session responses: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var r model.Response
		var correct int
		if err := rrows.Scan(&r.QuestionID, &r.SelectedIndex, &correct, &r.TimeSec); err != nil {
			return err
		}
		r.Correct = correct != 0
		sess.Responses = append(sess.Responses, r)
	}
	return rrows.Err()
}

func scanSession(r rowScanner) (model.TestSession, error) {
	var sess model.TestSession
	var mode string
	var score sql.NullFloat64
	var completed int
	var started int64
	var completedAt sql.NullInt64
	err := r.Scan(&sess.ID, &sess.UserID, &mode, &sess.BranchID, &sess.SubjectID, &sess.TopicID,
		&sess.LevelNumber, &sess.TargetDifficulty, &score, &completed, &started, &completedAt)
	if err != nil {
		return sess, err
	}
	sess.Mode = model.Mode(mode)
	if score.Valid {
		v := score.Float64
		sess.Score = &v
	}
	sess.Completed = completed != 0
	sess.StartedAt = fromMillis(started)
	sess.CompletedAt = fromNullMillis(completedAt)
	return sess, nil
}
