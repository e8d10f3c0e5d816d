// Package selection picks the questions for a practice session: it turns a skill estimate
// into a target difficulty, fetches a candidate pool around it, spreads the pick across
// topics or subjects, and widens the search when the pool runs short.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/pavelanni/levelup/internal/model"
)

// ErrNoQuestionsAvailable means the primary candidate pool for a scope was empty.
var ErrNoQuestionsAvailable = errors.New("no questions available")

// QuestionRepository is the read side of the question store the selector needs.
type QuestionRepository interface {
	QueryQuestions(ctx context.Context, q model.QuestionQuery) ([]model.Question, error)
}

// DifficultyRange is the targeting band derived from a skill estimate.
type DifficultyRange struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Target float64 `json:"target"`
}

// TargetRange maps skill to a target difficulty kept within [TargetFloor, TargetCeiling],
// with a band of ±TargetJitter clamped to [0,1].
func TargetRange(skill float64, cfg model.Config) DifficultyRange {
	target := clamp(skill, cfg.TargetFloor, cfg.TargetCeiling)
	return DifficultyRange{
		Min:    math.Max(0, target-cfg.TargetJitter),
		Max:    math.Min(1, target+cfg.TargetJitter),
		Target: target,
	}
}

// Request describes one selection.
type Request struct {
	Scope      model.Scope
	Target     float64
	ExcludeIDs []string // recently seen questions
	Count      int
}

// Selector runs pool fetch, balancing and backfill against a repository.
type Selector struct {
	repo QuestionRepository
	cfg  model.Config
	now  func() time.Time
}

// New returns a selector using cfg for its window radius, pool limit and staleness cut-off.
func New(repo QuestionRepository, cfg model.Config) *Selector {
	return &Selector{repo: repo, cfg: cfg, now: time.Now}
}

// Select returns up to req.Count questions. It fails with ErrNoQuestionsAvailable only
// when the primary pool is empty; a short result after backfill is returned as is.
func (s *Selector) Select(ctx context.Context, req Request) ([]model.Question, error) {
	lo := math.Max(0, req.Target-s.cfg.DifficultyRadius)
	hi := math.Min(1, req.Target+s.cfg.DifficultyRadius)

	pool, err := s.fetchPool(ctx, req, lo, hi)
	if err != nil {
		return nil, err
	}

	selected := Balance(req.Scope.Mode, pool, req.Count)
	if short := req.Count - len(selected); short > 0 {
		extra, err := s.backfill(ctx, req, lo, hi, selected, short)
		if err != nil {
			return nil, err
		}
		selected = append(selected, extra...)
		if len(selected) < req.Count {
			slog.Info("selection short after backfill",
				"branch_id", req.Scope.BranchID, "mode", req.Scope.Mode,
				"want", req.Count, "got", len(selected))
		}
	}
	return selected, nil
}

func (s *Selector) fetchPool(ctx context.Context, req Request, lo, hi float64) ([]model.Question, error) {
	q := s.baseQuery(req.Scope)
	q.MinDifficulty = &model.Bound{Value: lo}
	q.MaxDifficulty = &model.Bound{Value: hi}
	q.ExcludeIDs = req.ExcludeIDs
	q.Order = model.OrderClosestToTarget
	q.Target = req.Target
	q.Limit = s.cfg.PoolLimit

	pool, err := s.repo.QueryQuestions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fetch candidate pool: %w", err)
	}
	if len(pool) == 0 {
		return nil, ErrNoQuestionsAvailable
	}
	slog.Debug("candidate pool fetched", "branch_id", req.Scope.BranchID, "mode", req.Scope.Mode,
		"target", req.Target, "size", len(pool))
	return pool, nil
}

// backfill widens the search in three tiers until short questions are found:
// easier, harder, then stale questions regardless of difficulty.
func (s *Selector) backfill(ctx context.Context, req Request, lo, hi float64, selected []model.Question, short int) ([]model.Question, error) {
	taken := make([]string, 0, len(selected))
	for _, q := range selected {
		taken = append(taken, q.ID)
	}
	var found []model.Question
	take := func(tier string, q model.QuestionQuery) error {
		q.Limit = short - len(found)
		qs, err := s.repo.QueryQuestions(ctx, q)
		if err != nil {
			return fmt.Errorf("backfill %s: %w", tier, err)
		}
		for _, bq := range qs {
			found = append(found, bq)
			taken = append(taken, bq.ID)
		}
		slog.Debug("backfill tier", "tier", tier, "found", len(qs))
		return nil
	}
	excluded := func() []string {
		return append(append([]string{}, req.ExcludeIDs...), taken...)
	}

	wide := 2 * s.cfg.DifficultyRadius
	if easiest := math.Max(0, req.Target-wide); easiest < lo {
		q := s.baseQuery(req.Scope)
		q.MinDifficulty = &model.Bound{Value: easiest}
		q.MaxDifficulty = &model.Bound{Value: lo, Exclusive: true}
		q.ExcludeIDs = excluded()
		q.Order = model.OrderLeastAttempted
		if err := take("easier", q); err != nil {
			return nil, err
		}
	}

	if hardest := math.Min(1, req.Target+wide); len(found) < short && hardest > hi {
		q := s.baseQuery(req.Scope)
		q.MinDifficulty = &model.Bound{Value: hi, Exclusive: true}
		q.MaxDifficulty = &model.Bound{Value: hardest}
		q.ExcludeIDs = excluded()
		q.Order = model.OrderLeastAttempted
		if err := take("harder", q); err != nil {
			return nil, err
		}
	}

	if len(found) < short {
		// Stale questions may repeat recently seen ones; only this session's picks are excluded.
		cutoff := s.now().Add(-s.cfg.StaleAfter)
		q := s.baseQuery(req.Scope)
		q.CreatedBefore = &cutoff
		q.ExcludeIDs = append([]string{}, taken...)
		q.Order = model.OrderNewest
		if err := take("stale", q); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (s *Selector) baseQuery(scope model.Scope) model.QuestionQuery {
	q := model.QuestionQuery{BranchID: scope.BranchID}
	switch scope.Mode {
	case model.ModeSubject:
		q.SubjectID = scope.SubjectID
	case model.ModeTopic:
		q.SubjectID = scope.SubjectID
		q.TopicID = scope.TopicID
	}
	return q
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
