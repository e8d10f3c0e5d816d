// Package practice runs the lifecycle of adaptive practice sessions: creation from a
// student's skill estimate, grading on submission, and the follow-up updates to question
// statistics and the student's progress record.
package practice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/pavelanni/levelup/internal/model"
	"github.com/pavelanni/levelup/internal/progress"
	"github.com/pavelanni/levelup/internal/selection"
)

// Errors returned by Service. Match them with errors.Is.
var (
	ErrInvalidScopeForMode      = errors.New("invalid scope for mode")
	ErrNoQuestionsAvailable     = selection.ErrNoQuestionsAvailable
	ErrSessionNotFound          = errors.New("session not found")
	ErrSessionAlreadyCompleted  = errors.New("session already completed")
	ErrUnknownQuestionInSession = errors.New("question not in session")
	ErrEmptyResponseSet         = errors.New("no responses submitted")
	ErrDuplicateResponse        = errors.New("question answered more than once")
	ErrProgressRecordMissing    = errors.New("progress record missing")
)

// QuestionRepository queries questions and accumulates their usage statistics.
type QuestionRepository interface {
	selection.QuestionRepository
	RecordAttempt(ctx context.Context, questionID string, correct bool, timeSec float64) error
}

// ProgressRepository stores one progress record per user and scope.
// UpdateProgress must serialize concurrent updates of the same key.
type ProgressRepository interface {
	GetOrCreateProgress(ctx context.Context, key model.ProgressKey, skill float64, level int) (model.Progress, error)
	TouchProgress(ctx context.Context, key model.ProgressKey) error
	UpdateProgress(ctx context.Context, key model.ProgressKey, fn func(*model.Progress) error) (model.Progress, error)
	ListProgress(ctx context.Context, userID, branchID string) ([]model.Progress, error)
}

// SessionRepository stores session snapshots. CompleteSession must be a check-and-set
// that fails with model.ErrAlreadyCompleted for all but one caller.
type SessionRepository interface {
	CreateSession(ctx context.Context, sess model.TestSession) (model.TestSession, error)
	GetSession(ctx context.Context, id string) (model.TestSession, error)
	CompleteSession(ctx context.Context, id string, c model.Completion) error
}

// Service creates, grades and reads practice sessions.
type Service struct {
	questions QuestionRepository
	progress  ProgressRepository
	sessions  SessionRepository
	selector  *selection.Selector
	cfg       model.Config
	now       func() time.Time

	statWorkers int
}

// NewService wires a service over the given repositories.
func NewService(questions QuestionRepository, prog ProgressRepository, sessions SessionRepository, cfg model.Config) *Service {
	return &Service{
		questions:   questions,
		progress:    prog,
		sessions:    sessions,
		selector:    selection.New(questions, cfg),
		cfg:         cfg,
		now:         time.Now,
		statWorkers: 8,
	}
}

// CreateRequest asks for a new session. UserID is the internal user ID.
type CreateRequest struct {
	UserID    string
	Mode      model.Mode
	BranchID  string
	SubjectID string
	TopicID   string
}

// Scope validates the request and returns its scope. IDs finer than the mode are dropped.
func (r CreateRequest) Scope() (model.Scope, error) {
	if r.BranchID == "" {
		return model.Scope{}, fmt.Errorf("%w: branch is required", ErrInvalidScopeForMode)
	}
	sc := model.Scope{Mode: r.Mode, BranchID: r.BranchID}
	switch r.Mode {
	case model.ModeAll:
	case model.ModeSubject:
		if r.SubjectID == "" {
			return model.Scope{}, fmt.Errorf("%w: subject mode needs a subject", ErrInvalidScopeForMode)
		}
		sc.SubjectID = r.SubjectID
	case model.ModeTopic:
		if r.SubjectID == "" || r.TopicID == "" {
			return model.Scope{}, fmt.Errorf("%w: topic mode needs a subject and a topic", ErrInvalidScopeForMode)
		}
		sc.SubjectID = r.SubjectID
		sc.TopicID = r.TopicID
	default:
		return model.Scope{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidScopeForMode, r.Mode)
	}
	return sc, nil
}

// CreateSession selects questions for the user's current skill in the requested scope
// and stores an uncompleted session. The returned session carries no answer keys.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (model.TestSession, error) {
	scope, err := req.Scope()
	if err != nil {
		return model.TestSession{}, err
	}
	key := model.KeyFor(req.UserID, scope)
	p, err := s.progress.GetOrCreateProgress(ctx, key, s.cfg.InitialSkill, s.cfg.InitialLevel)
	if err != nil {
		return model.TestSession{}, fmt.Errorf("load progress: %w", err)
	}

	band := selection.TargetRange(p.Skill, s.cfg)
	questions, err := s.selector.Select(ctx, selection.Request{
		Scope:      scope,
		Target:     band.Target,
		ExcludeIDs: p.RecentQuestionIDs,
		Count:      s.cfg.QuestionsPerSession,
	})
	if err != nil {
		return model.TestSession{}, err
	}
	if len(questions) == 0 {
		return model.TestSession{}, ErrNoQuestionsAvailable
	}

	items := make([]model.QuestionItem, len(questions))
	for i, q := range questions {
		correct := q.CorrectIndex
		items[i] = model.QuestionItem{
			QuestionID:   q.ID,
			Stem:         q.Stem,
			Options:      append([]string(nil), q.Options...),
			Difficulty:   q.Difficulty,
			CorrectIndex: &correct,
		}
	}

	sess, err := s.sessions.CreateSession(ctx, model.TestSession{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Mode:             scope.Mode,
		BranchID:         scope.BranchID,
		SubjectID:        scope.SubjectID,
		TopicID:          scope.TopicID,
		LevelNumber:      p.CurrentLevel,
		TargetDifficulty: band.Target,
		Items:            items,
		StartedAt:        s.now().UTC(),
	})
	if err != nil {
		return model.TestSession{}, fmt.Errorf("store session: %w", err)
	}
	if err := s.progress.TouchProgress(ctx, key); err != nil {
		slog.Warn("failed to record session start", "key", key.String(), "error", err)
	}

	slog.Info("session created", "session_id", sess.ID, "user_id", req.UserID, "mode", scope.Mode,
		"level", p.CurrentLevel, "target", band.Target, "questions", len(items))
	return sess.WithoutAnswers(), nil
}

// ResponseInput is one answer as submitted by the client.
type ResponseInput struct {
	QuestionID    string  `json:"questionId"`
	SelectedIndex int     `json:"selectedIndex"`
	TimeSec       float64 `json:"timeSec"`
}

// Result is the outcome of a submission.
type Result struct {
	Session  model.TestSession `json:"session"`
	Score    float64           `json:"score"`
	Correct  int               `json:"correct"`
	Total    int               `json:"total"`
	Passed   bool              `json:"passed"`
	Progress model.Progress    `json:"progress"`
}

// SubmitSession grades responses against the session's snapshot and completes it.
// The completion is atomic; statistics are then updated best-effort and the scope's
// progress record is advanced.
func (s *Service) SubmitSession(ctx context.Context, sessionID string, inputs []ResponseInput) (Result, error) {
	if len(inputs) == 0 {
		return Result{}, ErrEmptyResponseSet
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return Result{}, ErrSessionNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load session: %w", err)
	}
	if sess.Completed {
		return Result{}, ErrSessionAlreadyCompleted
	}

	responses, correct, err := grade(sess, inputs)
	if err != nil {
		return Result{}, err
	}
	var score float64
	if len(sess.Items) > 0 {
		score = float64(correct) / float64(len(sess.Items))
	}
	completedAt := s.now().UTC()

	err = s.sessions.CompleteSession(ctx, sessionID, model.Completion{
		Responses:   responses,
		Score:       score,
		CompletedAt: completedAt,
	})
	switch {
	case errors.Is(err, model.ErrAlreadyCompleted):
		return Result{}, ErrSessionAlreadyCompleted
	case errors.Is(err, model.ErrNotFound):
		return Result{}, ErrSessionNotFound
	case err != nil:
		return Result{}, fmt.Errorf("complete session: %w", err)
	}

	s.recordStats(ctx, sessionID, responses)

	outcome := progress.Outcome{
		QuestionIDs: sess.QuestionIDs(),
		Answered:    len(sess.Items),
		Correct:     correct,
		Accuracy:    score,
	}
	key := model.KeyFor(sess.UserID, sess.Scope())
	p, err := s.progress.UpdateProgress(ctx, key, func(p *model.Progress) error {
		progress.Apply(p, outcome, s.cfg, completedAt)
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		slog.Error("progress record missing for completed session", "session_id", sessionID, "key", key.String())
		return Result{}, ErrProgressRecordMissing
	}
	if err != nil {
		return Result{}, fmt.Errorf("update progress: %w", err)
	}

	sess.Responses = responses
	sess.Score = &score
	sess.Completed = true
	sess.CompletedAt = &completedAt

	passed := outcome.Passed(s.cfg)
	slog.Info("session submitted", "session_id", sessionID, "user_id", sess.UserID, "score", score,
		"passed", passed, "level", p.CurrentLevel, "skill", p.Skill)
	return Result{
		Session:  sess.WithoutAnswers(),
		Score:    score,
		Correct:  correct,
		Total:    len(sess.Items),
		Passed:   passed,
		Progress: p,
	}, nil
}

// grade checks every input against the session snapshot. An out-of-range selection is
// simply wrong.
func grade(sess model.TestSession, inputs []ResponseInput) ([]model.Response, int, error) {
	keys := make(map[string]int, len(sess.Items))
	for _, it := range sess.Items {
		k := -1
		if it.CorrectIndex != nil {
			k = *it.CorrectIndex
		}
		keys[it.QuestionID] = k
	}

	seen := make(map[string]bool, len(inputs))
	responses := make([]model.Response, 0, len(inputs))
	correct := 0
	for _, in := range inputs {
		key, ok := keys[in.QuestionID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnknownQuestionInSession, in.QuestionID)
		}
		if seen[in.QuestionID] {
			return nil, 0, fmt.Errorf("%w: %s", ErrDuplicateResponse, in.QuestionID)
		}
		seen[in.QuestionID] = true

		ok = key >= 0 && in.SelectedIndex == key
		if ok {
			correct++
		}
		responses = append(responses, model.Response{
			QuestionID:    in.QuestionID,
			SelectedIndex: in.SelectedIndex,
			Correct:       ok,
			TimeSec:       max(0, in.TimeSec),
		})
	}
	return responses, correct, nil
}

// recordStats updates per-question statistics concurrently. Failures are logged only.
func (s *Service) recordStats(ctx context.Context, sessionID string, responses []model.Response) {
	p := pool.New().WithMaxGoroutines(s.statWorkers)
	for _, r := range responses {
		p.Go(func() {
			if err := s.questions.RecordAttempt(ctx, r.QuestionID, r.Correct, r.TimeSec); err != nil {
				slog.Warn("failed to update question stats", "session_id", sessionID,
					"question_id", r.QuestionID, "error", err)
			}
		})
	}
	p.Wait()
}

// GetSession returns a session. Answer keys are included only for completed sessions
// and only when includeAnswers is set.
func (s *Service) GetSession(ctx context.Context, sessionID string, includeAnswers bool) (model.TestSession, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return model.TestSession{}, ErrSessionNotFound
	}
	if err != nil {
		return model.TestSession{}, fmt.Errorf("load session: %w", err)
	}
	if !sess.Completed || !includeAnswers {
		return sess.WithoutAnswers(), nil
	}
	return sess, nil
}

// ListProgress returns the user's progress records in a branch, broadest scope first.
func (s *Service) ListProgress(ctx context.Context, userID, branchID string) ([]model.Progress, error) {
	return s.progress.ListProgress(ctx, userID, branchID)
}
