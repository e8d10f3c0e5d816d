package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/levelup/internal/model"
)

func TestQuestionsAreCopied(t *testing.T) {
	ctx := context.Background()
	m := New()
	id, err := m.InsertQuestion(ctx, model.Question{
		BranchID: "b", SubjectID: "s", TopicIDs: []string{"t"},
		Stem: "stem", Options: []string{"a", "b"}, Difficulty: 0.5,
	})
	require.NoError(t, err)

	q, err := m.GetQuestion(ctx, id)
	require.NoError(t, err)
	q.Options[0] = "mutated"
	q.TopicIDs[0] = "mutated"

	again, err := m.GetQuestion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, again.Options)
	assert.Equal(t, []string{"t"}, again.TopicIDs)

	_, err = m.InsertQuestion(ctx, model.Question{BranchID: "b", SubjectID: "s", Stem: "x", Options: []string{"only"}})
	assert.ErrorIs(t, err, model.ErrInvalidQuestion)
}

func TestUpdateProgressSerializes(t *testing.T) {
	ctx := context.Background()
	m := New()
	key := model.ProgressKey{UserID: "u", ScopeType: model.ScopeBranch, BranchID: "b"}
	_, err := m.GetOrCreateProgress(ctx, key, 0.5, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UpdateProgress(ctx, key, func(p *model.Progress) error {
				p.TotalAnswered++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := m.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 50, p.TotalAnswered)

	_, err = m.UpdateProgress(ctx, model.ProgressKey{UserID: "nobody"}, func(*model.Progress) error { return nil })
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompleteSessionOnce(t *testing.T) {
	ctx := context.Background()
	m := New()
	idx := 1
	sess, err := m.CreateSession(ctx, model.TestSession{
		ID: "s1", UserID: "u", Mode: model.ModeAll, BranchID: "b",
		Items: []model.QuestionItem{{QuestionID: "q", CorrectIndex: &idx}},
	})
	require.NoError(t, err)

	done := model.Completion{Score: 1, CompletedAt: time.Now(), Responses: []model.Response{{QuestionID: "q", SelectedIndex: 1, Correct: true}}}
	require.NoError(t, m.CompleteSession(ctx, sess.ID, done))
	assert.ErrorIs(t, m.CompleteSession(ctx, sess.ID, model.Completion{Score: 0}), model.ErrAlreadyCompleted)
	assert.ErrorIs(t, m.CompleteSession(ctx, "missing", done), model.ErrNotFound)

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 1.0, *got.Score)
	assert.True(t, got.Completed)
}

func TestRevokedTokensExpire(t *testing.T) {
	ctx := context.Background()
	m := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.RevokeToken(ctx, "old", now.Add(-time.Minute)))
	require.NoError(t, m.RevokeToken(ctx, "live", now.Add(time.Hour)))
	require.NoError(t, m.CleanupRevokedTokens(ctx))

	revoked, _ := m.IsTokenRevoked(ctx, "old")
	assert.False(t, revoked)
	revoked, _ = m.IsTokenRevoked(ctx, "live")
	assert.True(t, revoked)
}
