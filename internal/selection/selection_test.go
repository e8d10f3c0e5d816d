package selection_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/levelup/internal/memstore"
	"github.com/pavelanni/levelup/internal/model"
	"github.com/pavelanni/levelup/internal/selection"
)

var base = time.Now().Add(-time.Hour)

type seed struct {
	id         string
	subject    string
	topics     []string
	difficulty float64
	attempts   int
	age        time.Duration
}

func newRepo(t *testing.T, seeds ...seed) *memstore.Store {
	t.Helper()
	m := memstore.New()
	for i, s := range seeds {
		subject := s.subject
		if subject == "" {
			subject = "physics"
		}
		topics := s.topics
		if topics == nil {
			topics = []string{"mechanics"}
		}
		_, err := m.InsertQuestion(context.Background(), model.Question{
			ID:         s.id,
			BranchID:   "jee",
			SubjectID:  subject,
			TopicIDs:   topics,
			Stem:       "stem " + s.id,
			Options:    []string{"a", "b", "c", "d"},
			Difficulty: s.difficulty,
			Stats:      model.QuestionStats{AttemptCount: s.attempts},
			// Later seeds are newer unless an explicit age is given.
			CreatedAt: base.Add(-s.age + time.Duration(i)*time.Second),
		})
		require.NoError(t, err)
	}
	return m
}

func ids(qs []model.Question) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.ID
	}
	return out
}

func TestTargetRange(t *testing.T) {
	cfg := model.DefaultConfig()

	r := selection.TargetRange(0.5, cfg)
	assert.InDelta(t, 0.5, r.Target, 1e-9)
	assert.InDelta(t, 0.4, r.Min, 1e-9)
	assert.InDelta(t, 0.6, r.Max, 1e-9)

	low := selection.TargetRange(0, cfg)
	assert.InDelta(t, 0.2, low.Target, 1e-9)
	assert.InDelta(t, 0.1, low.Min, 1e-9)

	high := selection.TargetRange(1, cfg)
	assert.InDelta(t, 0.9, high.Target, 1e-9)
	assert.LessOrEqual(t, high.Max, 1.0)

	for s := -0.5; s <= 1.5; s += 0.01 {
		r := selection.TargetRange(s, cfg)
		assert.GreaterOrEqual(t, r.Target, 0.2, "skill %.2f", s)
		assert.LessOrEqual(t, r.Target, 0.9, "skill %.2f", s)
		assert.LessOrEqual(t, r.Min, r.Target, "skill %.2f", s)
		assert.LessOrEqual(t, r.Target, r.Max, "skill %.2f", s)
		assert.GreaterOrEqual(t, r.Min, 0.0)
		assert.LessOrEqual(t, r.Max, 1.0)
	}
}

func TestSelectTopicModeTakesFirstInPoolOrder(t *testing.T) {
	var seeds []seed
	for i := 0; i < 40; i++ {
		seeds = append(seeds, seed{
			id:         fmt.Sprintf("q%02d", i),
			topics:     []string{"mechanics"},
			difficulty: 0.4 + float64(i%20)*0.01,
			attempts:   i % 3,
		})
	}
	// Outside the window.
	seeds = append(seeds, seed{id: "too-hard", difficulty: 0.95}, seed{id: "too-easy", difficulty: 0.05})
	repo := newRepo(t, seeds...)
	ctx := context.Background()
	cfg := model.DefaultConfig()

	target := selection.TargetRange(0.5, cfg).Target
	scope := model.Scope{Mode: model.ModeTopic, BranchID: "jee", SubjectID: "physics", TopicID: "mechanics"}
	got, err := selection.New(repo, cfg).Select(ctx, selection.Request{Scope: scope, Target: target, Count: cfg.QuestionsPerSession})
	require.NoError(t, err)
	require.Len(t, got, 30)

	pool, err := repo.QueryQuestions(ctx, model.QuestionQuery{
		BranchID: "jee", SubjectID: "physics", TopicID: "mechanics",
		MinDifficulty: &model.Bound{Value: 0.35}, MaxDifficulty: &model.Bound{Value: 0.65},
		Order: model.OrderClosestToTarget, Target: target, Limit: cfg.PoolLimit,
	})
	require.NoError(t, err)
	require.Len(t, pool, 40)
	assert.Equal(t, ids(pool[:30]), ids(got))
	assert.NotContains(t, ids(got), "too-hard")
	assert.NotContains(t, ids(got), "too-easy")
}

func TestSelectExcludesRecentQuestions(t *testing.T) {
	repo := newRepo(t,
		seed{id: "seen", difficulty: 0.5},
		seed{id: "fresh", difficulty: 0.5},
	)
	cfg := model.DefaultConfig()
	scope := model.Scope{Mode: model.ModeSubject, BranchID: "jee", SubjectID: "physics"}

	got, err := selection.New(repo, cfg).Select(context.Background(), selection.Request{
		Scope: scope, Target: 0.5, ExcludeIDs: []string{"seen"}, Count: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(got))
}

func TestSelectEmptyPool(t *testing.T) {
	// Backfill candidates exist, but an empty primary pool is terminal.
	repo := newRepo(t, seed{id: "easy", difficulty: 0.25})
	cfg := model.DefaultConfig()
	scope := model.Scope{Mode: model.ModeAll, BranchID: "jee"}

	_, err := selection.New(repo, cfg).Select(context.Background(), selection.Request{Scope: scope, Target: 0.5, Count: 30})
	assert.ErrorIs(t, err, selection.ErrNoQuestionsAvailable)

	_, err = selection.New(repo, cfg).Select(context.Background(), selection.Request{
		Scope: model.Scope{Mode: model.ModeAll, BranchID: "neet"}, Target: 0.25, Count: 30,
	})
	assert.ErrorIs(t, err, selection.ErrNoQuestionsAvailable)
}

func TestSelectBackfillTiers(t *testing.T) {
	repo := newRepo(t,
		seed{id: "in-1", difficulty: 0.5},
		seed{id: "in-2", difficulty: 0.55},
		seed{id: "easier-tried", difficulty: 0.25, attempts: 5},
		seed{id: "easier-fresh", difficulty: 0.3},
		seed{id: "harder-1", difficulty: 0.7},
		seed{id: "harder-2", difficulty: 0.75},
		seed{id: "way-too-hard", difficulty: 0.95},
		seed{id: "other-subject", subject: "chemistry", topics: []string{"organic"}, difficulty: 0.3},
	)
	cfg := model.DefaultConfig()
	scope := model.Scope{Mode: model.ModeSubject, BranchID: "jee", SubjectID: "physics"}
	sel := selection.New(repo, cfg)

	t.Run("easier first, least attempted first", func(t *testing.T) {
		got, err := sel.Select(context.Background(), selection.Request{Scope: scope, Target: 0.5, Count: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"in-1", "in-2", "easier-fresh"}, ids(got))
	})

	t.Run("then harder", func(t *testing.T) {
		got, err := sel.Select(context.Background(), selection.Request{Scope: scope, Target: 0.5, Count: 5})
		require.NoError(t, err)
		assert.Equal(t, []string{"in-1", "in-2", "easier-fresh", "easier-tried", "harder-2"}, ids(got)[:5])
	})

	t.Run("short result is not an error", func(t *testing.T) {
		got, err := sel.Select(context.Background(), selection.Request{Scope: scope, Target: 0.5, Count: 30})
		require.NoError(t, err)
		assert.Len(t, got, 6)
		assert.NotContains(t, ids(got), "way-too-hard")
		assert.NotContains(t, ids(got), "other-subject")
	})
}

func TestSelectStaleTier(t *testing.T) {
	month := 31 * 24 * time.Hour
	repo := newRepo(t,
		seed{id: "current", difficulty: 0.5},
		seed{id: "old-seen", difficulty: 0.95, age: month},
		seed{id: "older-seen", difficulty: 0.05, age: 2 * month},
		seed{id: "recent-far", difficulty: 0.05},
	)
	cfg := model.DefaultConfig()
	scope := model.Scope{Mode: model.ModeAll, BranchID: "jee"}

	got, err := selection.New(repo, cfg).Select(context.Background(), selection.Request{
		Scope: scope, Target: 0.5, Count: 10,
		ExcludeIDs: []string{"old-seen", "older-seen"},
	})
	require.NoError(t, err)
	// Stale questions ignore difficulty and the recent window, newest first.
	assert.Equal(t, []string{"current", "old-seen", "older-seen"}, ids(got))
}

func TestSelectNoDuplicates(t *testing.T) {
	var seeds []seed
	for i := 0; i < 12; i++ {
		seeds = append(seeds, seed{id: fmt.Sprintf("q%02d", i), difficulty: 0.3 + float64(i)*0.04, age: 40 * 24 * time.Hour})
	}
	repo := newRepo(t, seeds...)
	cfg := model.DefaultConfig()

	got, err := selection.New(repo, cfg).Select(context.Background(), selection.Request{
		Scope: model.Scope{Mode: model.ModeAll, BranchID: "jee"}, Target: 0.5, Count: 30,
	})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, q := range got {
		assert.False(t, seen[q.ID], "duplicate %s", q.ID)
		seen[q.ID] = true
	}
	assert.Len(t, got, 12)
}
