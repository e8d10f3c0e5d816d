package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by repositories. Services translate them into their own error kinds.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("concurrent modification")
	ErrAlreadyCompleted  = errors.New("already completed")
	ErrInvalidQuestion   = errors.New("invalid question")
	ErrDuplicateCatalog  = errors.New("catalog already imported")
	ErrUnknownTaxonomyID = errors.New("unknown taxonomy reference")
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user. ExternalID is the subject claim of the bearer token.
type User struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id"`
	Role         UserRole  `json:"role"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Branch is a top-level exam track such as JEE or NEET.
type Branch struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// Subject belongs to a branch.
type Subject struct {
	ID         string `json:"id"`
	BranchID   string `json:"branch_id"`
	Key        string `json:"key"`
	Name       string `json:"name"`
	Order      int    `json:"order"`
	TopicCount int    `json:"topic_count"`
}

// Topic belongs to a subject.
type Topic struct {
	ID           string   `json:"id"`
	BranchID     string   `json:"branch_id"`
	SubjectID    string   `json:"subject_id"`
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	SyllabusPath []string `json:"syllabus_path"`
	Order        int      `json:"order"`
}

// QuestionStatus is the moderation state of a question. Only approved questions are selectable.
type QuestionStatus string

const (
	StatusApproved QuestionStatus = "approved"
	StatusPending  QuestionStatus = "pending"
	StatusRejected QuestionStatus = "rejected"
)

// QuestionSource records where a question came from.
type QuestionSource string

const (
	SourceDB QuestionSource = "db"
	SourceAI QuestionSource = "ai"
)

// QuestionStats are rolling usage statistics, updated once per graded response.
type QuestionStats struct {
	AttemptCount int     `json:"attempt_count"`
	CorrectCount int     `json:"correct_count"`
	AvgTimeSec   float64 `json:"avg_time_sec"`
}

// Question is a multiple-choice question.
type Question struct {
	ID           string         `json:"id"`
	BranchID     string         `json:"branch_id"`
	SubjectID    string         `json:"subject_id"`
	TopicIDs     []string       `json:"topic_ids"`
	Source       QuestionSource `json:"source"`
	Status       QuestionStatus `json:"status"`
	Stem         string         `json:"stem"`
	Options      []string       `json:"options"`
	CorrectIndex int            `json:"correct_index"`
	Solution     string         `json:"solution,omitempty"`
	Difficulty   float64        `json:"difficulty"`
	Tags         []string       `json:"tags,omitempty"`
	Stats        QuestionStats  `json:"stats"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Validate checks the structural invariants of a question.
func (q Question) Validate() error {
	switch {
	case q.BranchID == "" || q.SubjectID == "":
		return fmt.Errorf("%w: branch and subject are required", ErrInvalidQuestion)
	case q.Stem == "":
		return fmt.Errorf("%w: empty stem", ErrInvalidQuestion)
	case len(q.Options) < 2:
		return fmt.Errorf("%w: need at least 2 options, got %d", ErrInvalidQuestion, len(q.Options))
	case q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options):
		return fmt.Errorf("%w: correct index %d out of range", ErrInvalidQuestion, q.CorrectIndex)
	case q.Difficulty < 0 || q.Difficulty > 1:
		return fmt.Errorf("%w: difficulty %.2f outside [0,1]", ErrInvalidQuestion, q.Difficulty)
	}
	switch q.Status {
	case StatusApproved, StatusPending, StatusRejected:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidQuestion, q.Status)
	}
	return nil
}

// HasTopic reports whether the question is tagged with topicID.
func (q Question) HasTopic(topicID string) bool {
	for _, t := range q.TopicIDs {
		if t == topicID {
			return true
		}
	}
	return false
}

// Mode is the granularity a practice session is requested at.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeSubject Mode = "subject"
	ModeTopic   Mode = "topic"
)

// ScopeType is the granularity skill is tracked at.
type ScopeType string

const (
	ScopeBranch  ScopeType = "branch"
	ScopeSubject ScopeType = "subject"
	ScopeTopic   ScopeType = "topic"
)

// Scope identifies what a session or progress record covers.
type Scope struct {
	Mode      Mode   `json:"mode"`
	BranchID  string `json:"branch_id"`
	SubjectID string `json:"subject_id,omitempty"`
	TopicID   string `json:"topic_id,omitempty"`
}

// Type returns the progress scope type matching the session mode.
func (s Scope) Type() ScopeType {
	switch s.Mode {
	case ModeTopic:
		return ScopeTopic
	case ModeSubject:
		return ScopeSubject
	default:
		return ScopeBranch
	}
}

// ScopeID is the subject or topic id for narrower scopes and empty for branch scope.
func (s Scope) ScopeID() string {
	switch s.Mode {
	case ModeTopic:
		return s.TopicID
	case ModeSubject:
		return s.SubjectID
	default:
		return ""
	}
}

// ProgressKey is the unique identity of a progress record.
type ProgressKey struct {
	UserID    string
	ScopeType ScopeType
	BranchID  string
	ScopeID   string
}

// KeyFor builds the progress key for a user practicing in scope.
func KeyFor(userID string, s Scope) ProgressKey {
	return ProgressKey{UserID: userID, ScopeType: s.Type(), BranchID: s.BranchID, ScopeID: s.ScopeID()}
}

// String renders the key for logging.
func (k ProgressKey) String() string {
	if k.ScopeID == "" {
		return fmt.Sprintf("%s/%s/%s", k.UserID, k.ScopeType, k.BranchID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.UserID, k.ScopeType, k.BranchID, k.ScopeID)
}

// Progress is a student's skill record for one scope.
type Progress struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	ScopeType         ScopeType  `json:"scope_type"`
	BranchID          string     `json:"branch_id"`
	ScopeID           string     `json:"scope_id,omitempty"`
	CurrentLevel      int        `json:"current_level"`
	Skill             float64    `json:"skill"`
	TotalAnswered     int        `json:"total_answered"`
	TotalCorrect      int        `json:"total_correct"`
	Streak            int        `json:"streak"`
	LastSessionAt     *time.Time `json:"last_session_at,omitempty"`
	RecentQuestionIDs []string   `json:"recent_question_ids"`
	Version           int64      `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Key returns the identity of the record.
func (p Progress) Key() ProgressKey {
	return ProgressKey{UserID: p.UserID, ScopeType: p.ScopeType, BranchID: p.BranchID, ScopeID: p.ScopeID}
}

// QuestionItem is one question as frozen into a session. CorrectIndex is kept server-side
// and stripped from client views until the session is complete.
type QuestionItem struct {
	QuestionID   string   `json:"question_id"`
	Stem         string   `json:"stem"`
	Options      []string `json:"options"`
	Difficulty   float64  `json:"difficulty"`
	CorrectIndex *int     `json:"correct_index,omitempty"`
}

// Response is a graded answer to one session item.
type Response struct {
	QuestionID    string  `json:"question_id"`
	SelectedIndex int     `json:"selected_index"`
	Correct       bool    `json:"correct"`
	TimeSec       float64 `json:"time_sec"`
}

// TestSession is a batch of questions served to a student.
type TestSession struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Mode             Mode           `json:"mode"`
	BranchID         string         `json:"branch_id"`
	SubjectID        string         `json:"subject_id,omitempty"`
	TopicID          string         `json:"topic_id,omitempty"`
	LevelNumber      int            `json:"level_number"`
	TargetDifficulty float64        `json:"target_difficulty"`
	Items            []QuestionItem `json:"question_items"`
	Responses        []Response     `json:"responses"`
	Score            *float64       `json:"score,omitempty"`
	Completed        bool           `json:"completed"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Scope returns the scope the session was created for.
func (s TestSession) Scope() Scope {
	return Scope{Mode: s.Mode, BranchID: s.BranchID, SubjectID: s.SubjectID, TopicID: s.TopicID}
}

// QuestionIDs returns the ids of the session items in order.
func (s TestSession) QuestionIDs() []string {
	ids := make([]string, len(s.Items))
	for i, it := range s.Items {
		ids[i] = it.QuestionID
	}
	return ids
}

// WithoutAnswers returns a copy of the session with correct indices removed.
func (s TestSession) WithoutAnswers() TestSession {
	items := make([]QuestionItem, len(s.Items))
	for i, it := range s.Items {
		it.CorrectIndex = nil
		items[i] = it
	}
	s.Items = items
	return s
}

// Completion is what a store persists when a session is submitted.
type Completion struct {
	Responses   []Response
	Score       float64
	CompletedAt time.Time
}
