package model

import (
	"math"
	"time"
)

// Order is the sort order requested from a question repository.
type Order int

const (
	// OrderClosestToTarget sorts by |difficulty - target| asc, attempts asc, created desc.
	OrderClosestToTarget Order = iota
	// OrderLeastAttempted sorts by attempts asc, created desc.
	OrderLeastAttempted
	// OrderNewest sorts by created desc.
	OrderNewest
)

// Bound is one end of a difficulty interval.
type Bound struct {
	Value     float64
	Exclusive bool
}

// QuestionQuery is a filtered, ordered, limited question lookup. Only approved questions
// are ever returned.
type QuestionQuery struct {
	BranchID      string
	SubjectID     string // optional exact filter
	TopicID       string // optional, matches any of the question's topics
	MinDifficulty *Bound
	MaxDifficulty *Bound
	ExcludeIDs    []string
	CreatedBefore *time.Time
	Order         Order
	Target        float64 // used by OrderClosestToTarget
	Limit         int
}

// Matches reports whether q satisfies the query's filters.
func (qq QuestionQuery) Matches(q Question) bool {
	if q.Status != StatusApproved || q.BranchID != qq.BranchID {
		return false
	}
	if qq.SubjectID != "" && q.SubjectID != qq.SubjectID {
		return false
	}
	if qq.TopicID != "" && !q.HasTopic(qq.TopicID) {
		return false
	}
	if b := qq.MinDifficulty; b != nil {
		if q.Difficulty < b.Value || (b.Exclusive && q.Difficulty == b.Value) {
			return false
		}
	}
	if b := qq.MaxDifficulty; b != nil {
		if q.Difficulty > b.Value || (b.Exclusive && q.Difficulty == b.Value) {
			return false
		}
	}
	if qq.CreatedBefore != nil && !q.CreatedAt.Before(*qq.CreatedBefore) {
		return false
	}
	for _, id := range qq.ExcludeIDs {
		if id == q.ID {
			return false
		}
	}
	return true
}

// Less is the comparator for the query's Order.
func (qq QuestionQuery) Less(a, b Question) bool {
	if qq.Order == OrderClosestToTarget {
		da, db := math.Abs(a.Difficulty-qq.Target), math.Abs(b.Difficulty-qq.Target)
		if da != db {
			return da < db
		}
	}
	if qq.Order != OrderNewest && a.Stats.AttemptCount != b.Stats.AttemptCount {
		return a.Stats.AttemptCount < b.Stats.AttemptCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}
