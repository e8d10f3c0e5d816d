package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/levelup/internal/model"
)

// ExportCompletedSessions builds export-ready results for every completed session,
// oldest first. An empty branchID exports all branches.
func (s *Store) ExportCompletedSessions(ctx context.Context, branchID string) ([]model.StudentResult, error) {
	var a args
	query := `SELECT ` + sessionColumns + ` FROM test_sessions WHERE completed = 1`
	if branchID != "" {
		query += ` AND branch_id = ` + a.add(branchID)
	}
	query += ` ORDER BY started_at, id`

	rows, err := s.db.QueryContext(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var sessions []model.TestSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Track session count per student for session_number.
	studentSessionCount := make(map[string]int)
	users := make(map[string]model.User)

	results := make([]model.StudentResult, 0, len(sessions))
	for _, sess := range sessions {
		studentSessionCount[sess.UserID]++

		if err := s.loadSessionDetail(ctx, &sess); err != nil {
			return nil, fmt.Errorf("get session %s: %w", sess.ID, err)
		}

		user, ok := users[sess.UserID]
		if !ok {
			user, err = s.GetUserByID(ctx, sess.UserID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return nil, fmt.Errorf("get user %s: %w", sess.UserID, err)
			}
			users[sess.UserID] = user
		}

		answered := make(map[string]model.Response, len(sess.Responses))
		for _, r := range sess.Responses {
			answered[r.QuestionID] = r
		}
		questions := make([]model.QuestionResult, 0, len(sess.Items))
		for _, it := range sess.Items {
			qr := model.QuestionResult{
				QuestionID: it.QuestionID,
				Stem:       it.Stem,
				Difficulty: it.Difficulty,
			}
			if it.CorrectIndex != nil {
				qr.CorrectIndex = *it.CorrectIndex
			}
			if r, ok := answered[it.QuestionID]; ok {
				sel := r.SelectedIndex
				qr.SelectedIndex = &sel
				qr.Correct = r.Correct
				qr.TimeSec = r.TimeSec
			}
			questions = append(questions, qr)
		}

		var score float64
		if sess.Score != nil {
			score = *sess.Score
		}

		results = append(results, model.StudentResult{
			SessionID:        sess.ID,
			ExternalID:       user.ExternalID,
			DisplayName:      user.DisplayName,
			SessionNumber:    studentSessionCount[sess.UserID],
			Mode:             sess.Mode,
			BranchID:         sess.BranchID,
			SubjectID:        sess.SubjectID,
			TopicID:          sess.TopicID,
			LevelNumber:      sess.LevelNumber,
			TargetDifficulty: sess.TargetDifficulty,
			StartedAt:        sess.StartedAt,
			CompletedAt:      sess.CompletedAt,
			Score:            score,
			Questions:        questions,
		})
	}

	return results, nil
}
