package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/levelup/internal/model"
)

const questionColumns = `q.id, q.branch_id, q.subject_id, q.source, q.status, q.stem, q.options_json,
	q.correct_index, q.solution, q.difficulty, q.tags_json, q.attempt_count, q.correct_count,
	q.avg_time_sec, q.created_at, q.updated_at`

// InsertQuestion validates and stores a question with its topic tags.
// Missing ID, status, source and timestamps are filled in.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (string, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Status == "" {
		q.Status = model.StatusApproved
	}
	if q.Source == "" {
		q.Source = model.SourceDB
	}
	if err := q.Validate(); err != nil {
		return "", err
	}
	now := s.now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = q.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO questions (id, branch_id, subject_id, source, status, stem, options_json, correct_index,
			solution, difficulty, tags_json, attempt_count, correct_count, avg_time_sec, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		q.ID, q.BranchID, q.SubjectID, string(q.Source), string(q.Status), q.Stem, marshalStrings(q.Options),
		q.CorrectIndex, q.Solution, q.Difficulty, marshalStrings(q.Tags), q.Stats.AttemptCount,
		q.Stats.CorrectCount, q.Stats.AvgTimeSec, millis(q.CreatedAt), millis(q.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert question: %w", err)
	}
	for i, topicID := range q.TopicIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO question_topics (question_id, topic_id, position) VALUES ($1, $2, $3)`,
			q.ID, topicID, i,
		); err != nil {
			return "", fmt.Errorf("insert question topic: %w", err)
		}
	}
	return q.ID, tx.Commit()
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions q WHERE q.id = $1`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Question{}, model.ErrNotFound
	}
	if err != nil {
		return model.Question{}, err
	}
	qs := []model.Question{q}
	if err := s.attachTopics(ctx, qs); err != nil {
		return model.Question{}, err
	}
	return qs[0], nil
}

// QueryQuestions returns approved questions matching the query in the query's order.
func (s *Store) QueryQuestions(ctx context.Context, qq model.QuestionQuery) ([]model.Question, error) {
	var a args
	var b strings.Builder
	b.WriteString(`SELECT ` + questionColumns + ` FROM questions q WHERE q.status = `)
	b.WriteString(a.add(string(model.StatusApproved)))
	b.WriteString(` AND q.branch_id = ` + a.add(qq.BranchID))
	if qq.SubjectID != "" {
		b.WriteString(` AND q.subject_id = ` + a.add(qq.SubjectID))
	}
	if qq.TopicID != "" {
		b.WriteString(` AND EXISTS (SELECT 1 FROM question_topics qt WHERE qt.question_id = q.id AND qt.topic_id = ` +
			a.add(qq.TopicID) + `)`)
	}
	if m := qq.MinDifficulty; m != nil {
		op := " >= "
		if m.Exclusive {
			op = " > "
		}
		b.WriteString(` AND q.difficulty` + op + a.add(m.Value))
	}
	if m := qq.MaxDifficulty; m != nil {
		op := " <= "
		if m.Exclusive {
			op = " < "
		}
		b.WriteString(` AND q.difficulty` + op + a.add(m.Value))
	}
	if qq.CreatedBefore != nil {
		b.WriteString(` AND q.created_at < ` + a.add(millis(*qq.CreatedBefore)))
	}
	if len(qq.ExcludeIDs) > 0 {
		b.WriteString(` AND q.id NOT IN (` + a.list(qq.ExcludeIDs) + `)`)
	}
	switch qq.Order {
	case model.OrderClosestToTarget:
		b.WriteString(` ORDER BY ABS(q.difficulty - ` + a.add(qq.Target) + `) ASC, q.attempt_count ASC, q.created_at DESC`)
	case model.OrderLeastAttempted:
		b.WriteString(` ORDER BY q.attempt_count ASC, q.created_at DESC`)
	default:
		b.WriteString(` ORDER BY q.created_at DESC`)
	}
	b.WriteString(`, q.id ASC`)
	if qq.Limit > 0 {
		b.WriteString(` LIMIT ` + a.add(qq.Limit))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), a...)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachTopics(ctx, questions); err != nil {
		return nil, err
	}
	return questions, nil
}

// RecordAttempt folds one graded response into a question's statistics in a single
// statement, so concurrent sessions never lose increments.
func (s *Store) RecordAttempt(ctx context.Context, questionID string, correct bool, timeSec float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET
			avg_time_sec = (avg_time_sec * attempt_count + $1) / (attempt_count + 1),
			attempt_count = attempt_count + 1,
			correct_count = correct_count + $2,
			updated_at = $3
		 WHERE id = $4`,
		timeSec, boolInt(correct), millis(s.now()), questionID,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(r rowScanner) (model.Question, error) {
	var q model.Question
	var source, status, options, tags string
	var created, updated int64
	err := r.Scan(&q.ID, &q.BranchID, &q.SubjectID, &source, &status, &q.Stem, &options,
		&q.CorrectIndex, &q.Solution, &q.Difficulty, &tags, &q.Stats.AttemptCount, &q.Stats.CorrectCount,
		&q.Stats.AvgTimeSec, &created, &updated)
	if err != nil {
		return q, err
	}
	q.Source = model.QuestionSource(source)
	q.Status = model.QuestionStatus(status)
	q.CreatedAt = fromMillis(created)
	q.UpdatedAt = fromMillis(updated)
	if q.Options, err = unmarshalStrings(options); err != nil {
		return q, fmt.Errorf("decode options of %s: %w", q.ID, err)
	}
	if q.Tags, err = unmarshalStrings(tags); err != nil {
		return q, fmt.Errorf("decode tags of %s: %w", q.ID, err)
	}
	return q, nil
}

// attachTopics loads topic tags for the given questions in one query.
func (s *Store) attachTopics(ctx context.Context, qs []model.Question) error {
	if len(qs) == 0 {
		return nil
	}
	ids := make([]string, len(qs))
	index := make(map[string]int, len(qs))
	for i, q := range qs {
		ids[i] = q.ID
		index[q.ID] = i
	}
	var a args
	query := `SELECT question_id, topic_id FROM question_topics WHERE question_id IN (` + a.list(ids) +
		`) ORDER BY question_id, position`
	rows, err := s.db.QueryContext(ctx, query, a...)
	if err != nil {
		return fmt.Errorf("load question topics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qid, tid string
		if err := rows.Scan(&qid, &tid); err != nil {
			return err
		}
		i := index[qid]
		qs[i].TopicIDs = append(qs[i].TopicIDs, tid)
	}
	return rows.Err()
}
