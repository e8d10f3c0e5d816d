package practice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/levelup/internal/memstore"
	"github.com/pavelanni/levelup/internal/model"
)

const correctIndex = 2

func newTestService(t *testing.T, questions int) (*Service, *memstore.Store) {
	t.Helper()
	m := memstore.New()
	for i := 0; i < questions; i++ {
		topic := []string{"mechanics", "optics", "waves"}[i%3]
		_, err := m.InsertQuestion(context.Background(), model.Question{
			ID:           fmt.Sprintf("q%03d", i),
			BranchID:     "jee",
			SubjectID:    "physics",
			TopicIDs:     []string{topic},
			Stem:         fmt.Sprintf("question %d", i),
			Options:      []string{"a", "b", "c", "d"},
			CorrectIndex: correctIndex,
			Difficulty:   0.4 + float64(i%20)*0.01,
		})
		require.NoError(t, err)
	}
	return NewService(m, m, m, model.DefaultConfig()), m
}

// answers returns one response per session item; the first `right` are correct.
func answers(sess model.TestSession, right int) []ResponseInput {
	out := make([]ResponseInput, len(sess.Items))
	for i, it := range sess.Items {
		sel := 0
		if i < right {
			sel = correctIndex
		}
		out[i] = ResponseInput{QuestionID: it.QuestionID, SelectedIndex: sel, TimeSec: 20}
	}
	return out
}

var physics = CreateRequest{UserID: "u1", Mode: model.ModeSubject, BranchID: "jee", SubjectID: "physics"}

func TestCreateRequestScope(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want model.Scope
		err  bool
	}{
		{"all", CreateRequest{Mode: model.ModeAll, BranchID: "jee", SubjectID: "ignored"}, model.Scope{Mode: model.ModeAll, BranchID: "jee"}, false},
		{"subject", CreateRequest{Mode: model.ModeSubject, BranchID: "jee", SubjectID: "physics", TopicID: "ignored"}, model.Scope{Mode: model.ModeSubject, BranchID: "jee", SubjectID: "physics"}, false},
		{"topic", CreateRequest{Mode: model.ModeTopic, BranchID: "jee", SubjectID: "physics", TopicID: "optics"}, model.Scope{Mode: model.ModeTopic, BranchID: "jee", SubjectID: "physics", TopicID: "optics"}, false},
		{"subject without subject", CreateRequest{Mode: model.ModeSubject, BranchID: "jee"}, model.Scope{}, true},
		{"topic without topic", CreateRequest{Mode: model.ModeTopic, BranchID: "jee", SubjectID: "physics"}, model.Scope{}, true},
		{"topic without subject", CreateRequest{Mode: model.ModeTopic, BranchID: "jee", TopicID: "optics"}, model.Scope{}, true},
		{"no branch", CreateRequest{Mode: model.ModeAll}, model.Scope{}, true},
		{"unknown mode", CreateRequest{Mode: "chapter", BranchID: "jee"}, model.Scope{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.Scope()
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidScopeForMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateSession(t *testing.T) {
	svc, m := newTestService(t, 40)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)
	assert.Len(t, sess.Items, 30)
	assert.False(t, sess.Completed)
	assert.Nil(t, sess.Score)
	assert.Equal(t, 1, sess.LevelNumber)
	assert.InDelta(t, 0.5, sess.TargetDifficulty, 1e-9)
	for _, it := range sess.Items {
		assert.Nil(t, it.CorrectIndex, "answer key leaked for %s", it.QuestionID)
	}

	// The stored snapshot keeps the keys.
	stored, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Items[0].CorrectIndex)
	assert.Equal(t, correctIndex, *stored.Items[0].CorrectIndex)

	p, err := m.GetProgress(ctx, model.KeyFor("u1", model.Scope{Mode: model.ModeSubject, BranchID: "jee", SubjectID: "physics"}))
	require.NoError(t, err)
	assert.NotNil(t, p.LastSessionAt)
	assert.Equal(t, 0.5, p.Skill)

	_, err = svc.CreateSession(ctx, CreateRequest{UserID: "u1", Mode: model.ModeSubject, BranchID: "jee"})
	assert.ErrorIs(t, err, ErrInvalidScopeForMode)
}

func TestCreateSessionNoQuestions(t *testing.T) {
	svc, _ := newTestService(t, 0)
	_, err := svc.CreateSession(context.Background(), physics)
	assert.ErrorIs(t, err, ErrNoQuestionsAvailable)
}

func TestSubmitSessionLevelsUpAtThreshold(t *testing.T) {
	svc, m := newTestService(t, 40)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)

	res, err := svc.SubmitSession(ctx, sess.ID, answers(sess, 18))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Score, 1e-9)
	assert.Equal(t, 18, res.Correct)
	assert.Equal(t, 30, res.Total)
	assert.True(t, res.Passed)
	assert.True(t, res.Session.Completed)
	assert.Len(t, res.Session.Responses, 30)

	p := res.Progress
	assert.Equal(t, 2, p.CurrentLevel)
	assert.Equal(t, 1, p.Streak)
	assert.Equal(t, 30, p.TotalAnswered)
	assert.Equal(t, 18, p.TotalCorrect)
	assert.InDelta(t, 0.5, p.Skill, 1e-9)
	assert.Equal(t, sess.QuestionIDs(), p.RecentQuestionIDs)

	q, err := m.GetQuestion(ctx, sess.Items[0].QuestionID)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Stats.AttemptCount)
	assert.Equal(t, 1, q.Stats.CorrectCount)
	assert.Equal(t, 20.0, q.Stats.AvgTimeSec)
}

func TestSubmitSessionScores(t *testing.T) {
	tests := []struct {
		name      string
		right     int
		wantScore float64
		wantLevel int
	}{
		{"all correct", 30, 1.0, 2},
		{"all incorrect", 0, 0.0, 1},
		{"just below threshold", 17, 17.0 / 30, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, 40)
			ctx := context.Background()
			sess, err := svc.CreateSession(ctx, physics)
			require.NoError(t, err)

			res, err := svc.SubmitSession(ctx, sess.ID, answers(sess, tt.right))
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Equal(t, tt.wantLevel, res.Progress.CurrentLevel)
		})
	}
}

func TestSubmitSessionPartialAnswers(t *testing.T) {
	svc, _ := newTestService(t, 40)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)

	// 15 answered, all correct: the score is over all 30 assigned items.
	res, err := svc.SubmitSession(ctx, sess.ID, answers(sess, 30)[:15])
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Score)
	assert.False(t, res.Passed)
	assert.Equal(t, 30, res.Progress.TotalAnswered)
	assert.Equal(t, 15, res.Progress.TotalCorrect)
}

func TestSubmitSessionErrors(t *testing.T) {
	svc, m := newTestService(t, 40)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)

	_, err = svc.SubmitSession(ctx, sess.ID, nil)
	assert.ErrorIs(t, err, ErrEmptyResponseSet)

	_, err = svc.SubmitSession(ctx, "missing", answers(sess, 1))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	bad := append(answers(sess, 1)[:2], ResponseInput{QuestionID: "not-in-session"})
	_, err = svc.SubmitSession(ctx, sess.ID, bad)
	assert.ErrorIs(t, err, ErrUnknownQuestionInSession)

	dup := answers(sess, 1)[:2]
	dup = append(dup, dup[0])
	_, err = svc.SubmitSession(ctx, sess.ID, dup)
	assert.ErrorIs(t, err, ErrDuplicateResponse)

	// Rejected submissions leave no trace.
	stored, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.Completed)
	assert.Empty(t, stored.Responses)
	q, _ := m.GetQuestion(ctx, sess.Items[0].QuestionID)
	assert.Zero(t, q.Stats.AttemptCount)

	// Out-of-range selections are graded wrong, not rejected.
	wild := answers(sess, 0)
	wild[0].SelectedIndex = 99
	res, err := svc.SubmitSession(ctx, sess.ID, wild)
	require.NoError(t, err)
	assert.False(t, res.Session.Responses[0].Correct)
}

func TestSubmitSessionTwice(t *testing.T) {
	svc, _ := newTestService(t, 40)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)

	first, err := svc.SubmitSession(ctx, sess.ID, answers(sess, 20))
	require.NoError(t, err)

	_, err = svc.SubmitSession(ctx, sess.ID, answers(sess, 30))
	assert.ErrorIs(t, err, ErrSessionAlreadyCompleted)

	got, err := svc.GetSession(ctx, sess.ID, true)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, first.Score, *got.Score)
	assert.Len(t, got.Responses, 30)
}

func TestSubmitSessionConcurrent(t *testing.T) {
	svc, m := newTestService(t, 40)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.SubmitSession(ctx, sess.ID, answers(sess, 30))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrSessionAlreadyCompleted)
	}
	assert.Equal(t, 1, succeeded)

	p, err := m.GetProgress(ctx, model.KeyFor("u1", sess.Scope()))
	require.NoError(t, err)
	assert.Equal(t, 30, p.TotalAnswered)
	assert.Equal(t, 2, p.CurrentLevel)
	q, _ := m.GetQuestion(ctx, sess.Items[0].QuestionID)
	assert.Equal(t, 1, q.Stats.AttemptCount)
}

func TestGetSessionAnswerVisibility(t *testing.T) {
	svc, _ := newTestService(t, 40)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)

	open, err := svc.GetSession(ctx, sess.ID, true)
	require.NoError(t, err)
	assert.Nil(t, open.Items[0].CorrectIndex, "open session must not reveal answers")

	_, err = svc.SubmitSession(ctx, sess.ID, answers(sess, 10))
	require.NoError(t, err)

	hidden, err := svc.GetSession(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.Nil(t, hidden.Items[0].CorrectIndex)

	shown, err := svc.GetSession(ctx, sess.ID, true)
	require.NoError(t, err)
	require.NotNil(t, shown.Items[0].CorrectIndex)
	assert.Equal(t, correctIndex, *shown.Items[0].CorrectIndex)

	_, err = svc.GetSession(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNextSessionAvoidsRecentQuestions(t *testing.T) {
	svc, _ := newTestService(t, 60)
	ctx := context.Background()

	first, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)
	_, err = svc.SubmitSession(ctx, first.ID, answers(first, 30))
	require.NoError(t, err)

	second, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)
	assert.Equal(t, 2, second.LevelNumber)
	seen := map[string]bool{}
	for _, id := range first.QuestionIDs() {
		seen[id] = true
	}
	for _, id := range second.QuestionIDs() {
		assert.False(t, seen[id], "question %s repeated", id)
	}
}

func TestListProgress(t *testing.T) {
	svc, _ := newTestService(t, 40)
	ctx := context.Background()
	_, err := svc.CreateSession(ctx, CreateRequest{UserID: "u1", Mode: model.ModeAll, BranchID: "jee"})
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, physics)
	require.NoError(t, err)

	list, err := svc.ListProgress(ctx, "u1", "jee")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.ScopeBranch, list[0].ScopeType)
	assert.Equal(t, model.ScopeSubject, list[1].ScopeType)
}

type failingStats struct {
	*memstore.Store
	fail string
}

func (f failingStats) RecordAttempt(ctx context.Context, id string, correct bool, timeSec float64) error {
	if id == f.fail {
		return errors.New("disk full")
	}
	return f.Store.RecordAttempt(ctx, id, correct, timeSec)
}

func TestSubmitSessionStatFailureIsNonFatal(t *testing.T) {
	svc, m := newTestService(t, 40)
	ctx := context.Background()
	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)

	broken := sess.Items[0].QuestionID
	flaky := NewService(failingStats{Store: m, fail: broken}, m, m, model.DefaultConfig())
	res, err := flaky.SubmitSession(ctx, sess.ID, answers(sess, 30))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score)

	for _, id := range sess.QuestionIDs() {
		q, err := m.GetQuestion(ctx, id)
		require.NoError(t, err)
		if id == broken {
			assert.Zero(t, q.Stats.AttemptCount)
		} else {
			assert.Equal(t, 1, q.Stats.AttemptCount, id)
		}
	}
}

type lostProgress struct {
	*memstore.Store
}

func (lostProgress) UpdateProgress(context.Context, model.ProgressKey, func(*model.Progress) error) (model.Progress, error) {
	return model.Progress{}, model.ErrNotFound
}

func TestSubmitSessionProgressMissing(t *testing.T) {
	_, m := newTestService(t, 40)
	ctx := context.Background()
	svc := NewService(m, lostProgress{m}, m, model.DefaultConfig())

	sess, err := svc.CreateSession(ctx, physics)
	require.NoError(t, err)
	_, err = svc.SubmitSession(ctx, sess.ID, answers(sess, 30))
	assert.ErrorIs(t, err, ErrProgressRecordMissing)

	// The completion itself stands.
	stored, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.Completed)
}
