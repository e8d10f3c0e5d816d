package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/levelup/internal/model"
)

// Taxonomy

func (m *Store) UpsertBranch(_ context.Context, b model.Branch) (model.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.branches {
		if existing.Key == b.Key {
			b.ID = id
			break
		}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	m.branches[b.ID] = b
	return b, nil
}

func (m *Store) GetBranchByKey(_ context.Context, key string) (model.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.branches {
		if b.Key == key {
			return b, nil
		}
	}
	return model.Branch{}, model.ErrNotFound
}

func (m *Store) ListBranches(_ context.Context) ([]model.Branch, error) {
	m.mu.RLock()
	out := make([]model.Branch, 0, len(m.branches))
	for _, b := range m.branches {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *Store) UpsertSubject(_ context.Context, sub model.Subject) (model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.subjects {
		if existing.BranchID == sub.BranchID && existing.Key == sub.Key {
			sub.ID = id
			sub.TopicCount = existing.TopicCount
			break
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	m.subjects[sub.ID] = sub
	return sub, nil
}

func (m *Store) GetSubjectByKey(_ context.Context, branchID, key string) (model.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subjects {
		if s.BranchID == branchID && s.Key == key {
			return s, nil
		}
	}
	return model.Subject{}, model.ErrNotFound
}

func (m *Store) ListSubjects(_ context.Context, branchID string) ([]model.Subject, error) {
	m.mu.RLock()
	var out []model.Subject
	for _, s := range m.subjects {
		if s.BranchID == branchID {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *Store) UpsertTopic(_ context.Context, t model.Topic) (model.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.topics {
		if existing.BranchID == t.BranchID && existing.SubjectID == t.SubjectID && existing.Key == t.Key {
			t.ID = id
			break
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SyllabusPath = append([]string{}, t.SyllabusPath...)
	m.topics[t.ID] = t

	if sub, ok := m.subjects[t.SubjectID]; ok {
		n := 0
		for _, other := range m.topics {
			if other.SubjectID == t.SubjectID {
				n++
			}
		}
		sub.TopicCount = n
		m.subjects[sub.ID] = sub
	}
	return t, nil
}

func (m *Store) GetTopicByKey(_ context.Context, subjectID, key string) (model.Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.topics {
		if t.SubjectID == subjectID && t.Key == key {
			return t, nil
		}
	}
	return model.Topic{}, model.ErrNotFound
}

func (m *Store) ListTopics(_ context.Context, subjectID string) ([]model.Topic, error) {
	m.mu.RLock()
	var out []model.Topic
	for _, t := range m.topics {
		if t.SubjectID == subjectID {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Users

func (m *Store) CreateUser(_ context.Context, u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createUserLocked(u)
}

func (m *Store) createUserLocked(u model.User) (model.User, error) {
	for _, existing := range m.users {
		if existing.ExternalID == u.ExternalID {
			return model.User{}, model.ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = model.UserRoleStudent
	}
	u.CreatedAt = m.now().UTC()
	m.users[u.ID] = u
	return u, nil
}

func (m *Store) GetOrCreateUser(_ context.Context, externalID string, role model.UserRole) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return m.createUserLocked(model.User{ExternalID: externalID, Role: role})
}

func (m *Store) SetPassword(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.ErrNotFound
	}
	u.PasswordHash = hash
	m.users[id] = u
	return nil
}

func (m *Store) GetUserByExternalID(_ context.Context, externalID string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return model.User{}, model.ErrNotFound
}

func (m *Store) GetUserByID(_ context.Context, id string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return u, nil
}

// Metadata and token denylist

func (m *Store) GetImportedFileHash(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata["imported_file:"+name], nil
}

func (m *Store) SetImportedFileHash(_ context.Context, name, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata["imported_file:"+name] = hash
	return nil
}

func (m *Store) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *Store) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

func (m *Store) CleanupRevokedTokens(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for jti, exp := range m.revoked {
		if exp.Before(now) {
			delete(m.revoked, jti)
		}
	}
	return nil
}
