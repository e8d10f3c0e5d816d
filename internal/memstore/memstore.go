// Package memstore is an in-memory implementation of the repositories used by the
// practice engine and the HTTP API. It backs `serve --db-driver memory` and the tests
// of packages that should not depend on SQL.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/levelup/internal/model"
)

// Store keeps all state behind one mutex. Read-modify-write operations hold the write
// lock for their whole duration, which is what makes completion and progress updates atomic.
type Store struct {
	mu sync.RWMutex

	questions map[string]model.Question
	progress  map[model.ProgressKey]model.Progress
	sessions  map[string]model.TestSession
	users     map[string]model.User // by ID
	branches  map[string]model.Branch
	subjects  map[string]model.Subject
	topics    map[string]model.Topic
	metadata  map[string]string
	revoked   map[string]time.Time

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		questions: map[string]model.Question{},
		progress:  map[model.ProgressKey]model.Progress{},
		sessions:  map[string]model.TestSession{},
		users:     map[string]model.User{},
		branches:  map[string]model.Branch{},
		subjects:  map[string]model.Subject{},
		topics:    map[string]model.Topic{},
		metadata:  map[string]string{},
		revoked:   map[string]time.Time{},
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests use it to control creation timestamps.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Store) Close() error { return nil }

// Questions

func (m *Store) InsertQuestion(_ context.Context, q model.Question) (string, error) {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = m.now().UTC()
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = q.CreatedAt
	}
	m.questions[q.ID] = cloneQuestion(q)
	return q.ID, nil
}

func (m *Store) GetQuestion(_ context.Context, id string) (model.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questions[id]
	if !ok {
		return model.Question{}, model.ErrNotFound
	}
	return cloneQuestion(q), nil
}

// QueryQuestions filters with QuestionQuery.Matches and orders with QuestionQuery.Less.
func (m *Store) QueryQuestions(_ context.Context, qq model.QuestionQuery) ([]model.Question, error) {
	m.mu.RLock()
	var out []model.Question
	for _, q := range m.questions {
		if qq.Matches(q) {
			out = append(out, cloneQuestion(q))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return qq.Less(out[i], out[j]) })
	if qq.Limit > 0 && len(out) > qq.Limit {
		out = out[:qq.Limit]
	}
	return out, nil
}

func (m *Store) RecordAttempt(_ context.Context, questionID string, correct bool, timeSec float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return model.ErrNotFound
	}
	st := &q.Stats
	st.AvgTimeSec = (st.AvgTimeSec*float64(st.AttemptCount) + timeSec) / float64(st.AttemptCount+1)
	st.AttemptCount++
	if correct {
		st.CorrectCount++
	}
	q.UpdatedAt = m.now().UTC()
	m.questions[questionID] = q
	return nil
}

func (m *Store) QuestionCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.questions), nil
}

// Progress

func (m *Store) GetOrCreateProgress(_ context.Context, key model.ProgressKey, skill float64, level int) (model.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.progress[key]; ok {
		return cloneProgress(p), nil
	}
	now := m.now().UTC()
	p := model.Progress{
		ID:                uuid.NewString(),
		UserID:            key.UserID,
		ScopeType:         key.ScopeType,
		BranchID:          key.BranchID,
		ScopeID:           key.ScopeID,
		CurrentLevel:      level,
		Skill:             skill,
		RecentQuestionIDs: []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.progress[key] = p
	return cloneProgress(p), nil
}

func (m *Store) GetProgress(_ context.Context, key model.ProgressKey) (model.Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[key]
	if !ok {
		return model.Progress{}, model.ErrNotFound
	}
	return cloneProgress(p), nil
}

func (m *Store) TouchProgress(_ context.Context, key model.ProgressKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[key]
	if !ok {
		return model.ErrNotFound
	}
	now := m.now().UTC()
	p.LastSessionAt = &now
	p.UpdatedAt = now
	p.Version++
	m.progress[key] = p
	return nil
}

// UpdateProgress runs fn under the write lock, so updates to one key never interleave.
func (m *Store) UpdateProgress(_ context.Context, key model.ProgressKey, fn func(*model.Progress) error) (model.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[key]
	if !ok {
		return model.Progress{}, model.ErrNotFound
	}
	p = cloneProgress(p)
	if err := fn(&p); err != nil {
		return model.Progress{}, err
	}
	p.Version++
	p.UpdatedAt = m.now().UTC()
	m.progress[key] = cloneProgress(p)
	return p, nil
}

func (m *Store) ListProgress(_ context.Context, userID, branchID string) ([]model.Progress, error) {
	m.mu.RLock()
	var out []model.Progress
	for _, p := range m.progress {
		if p.UserID == userID && p.BranchID == branchID {
			out = append(out, cloneProgress(p))
		}
	}
	m.mu.RUnlock()

	rank := map[model.ScopeType]int{model.ScopeBranch: 0, model.ScopeSubject: 1, model.ScopeTopic: 2}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if rank[a.ScopeType] != rank[b.ScopeType] {
			return rank[a.ScopeType] < rank[b.ScopeType]
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// Sessions

func (m *Store) CreateSession(_ context.Context, sess model.TestSession) (model.TestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = m.now().UTC()
	}
	sess.Completed = false
	sess.Score = nil
	sess.CompletedAt = nil
	sess.Responses = nil
	m.sessions[sess.ID] = cloneSession(sess)
	return cloneSession(sess), nil
}

func (m *Store) GetSession(_ context.Context, id string) (model.TestSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return model.TestSession{}, model.ErrNotFound
	}
	return cloneSession(sess), nil
}

// CompleteSession is a check-and-set on the completed flag.
func (m *Store) CompleteSession(_ context.Context, id string, c model.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	if sess.Completed {
		return model.ErrAlreadyCompleted
	}
	score := c.Score
	at := c.CompletedAt.UTC()
	sess.Completed = true
	sess.Score = &score
	sess.CompletedAt = &at
	sess.Responses = append([]model.Response(nil), c.Responses...)
	m.sessions[id] = sess
	return nil
}

func (m *Store) ListSessions(_ context.Context, userID string) ([]model.TestSession, error) {
	m.mu.RLock()
	var out []model.TestSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.Items = nil
			s.Responses = nil
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneQuestion(q model.Question) model.Question {
	q.TopicIDs = append([]string(nil), q.TopicIDs...)
	q.Options = append([]string(nil), q.Options...)
	q.Tags = append([]string(nil), q.Tags...)
	return q
}

func cloneProgress(p model.Progress) model.Progress {
	p.RecentQuestionIDs = append([]string{}, p.RecentQuestionIDs...)
	if p.LastSessionAt != nil {
		t := *p.LastSessionAt
		p.LastSessionAt = &t
	}
	return p
}

func cloneSession(s model.TestSession) model.TestSession {
	items := make([]model.QuestionItem, len(s.Items))
	for i, it := range s.Items {
		it.Options = append([]string(nil), it.Options...)
		if it.CorrectIndex != nil {
			ci := *it.CorrectIndex
			it.CorrectIndex = &ci
		}
		items[i] = it
	}
	s.Items = items
	s.Responses = append([]model.Response(nil), s.Responses...)
	if s.Score != nil {
		v := *s.Score
		s.Score = &v
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}
