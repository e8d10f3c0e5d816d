// Package progress updates a student's per-scope skill record from a session outcome.
package progress

import (
	"math"
	"time"

	"github.com/pavelanni/levelup/internal/model"
)

// Outcome summarizes one completed session.
type Outcome struct {
	QuestionIDs []string // session items in order
	Answered    int      // number of items assigned
	Correct     int      // responses graded correct
	Accuracy    float64  // session score in [0,1]
}

// Passed reports whether the outcome meets the level-up threshold. The boundary passes.
func (o Outcome) Passed(cfg model.Config) bool {
	return o.Accuracy >= cfg.PassThreshold
}

// Apply folds an outcome into p. It nudges skill by LearningRate × (accuracy − threshold),
// extends or resets the streak, levels up on a pass, and prepends the session's questions
// to the recently-seen window.
func Apply(p *model.Progress, o Outcome, cfg model.Config, now time.Time) {
	p.TotalAnswered += o.Answered
	p.TotalCorrect += o.Correct
	p.Skill = math.Max(0, math.Min(1, p.Skill+cfg.LearningRate*(o.Accuracy-cfg.PassThreshold)))

	if o.Passed(cfg) {
		p.Streak++
		p.CurrentLevel++
	} else {
		p.Streak = 0
	}

	p.RecentQuestionIDs = Rotate(p.RecentQuestionIDs, o.QuestionIDs, cfg.RecentQuestionsCap)
	at := now.UTC()
	p.LastSessionAt = &at
}

// Rotate returns latest followed by previous, truncated to limit entries.
func Rotate(previous, latest []string, limit int) []string {
	out := make([]string, 0, min(limit, len(previous)+len(latest)))
	for _, ids := range [][]string{latest, previous} {
		for _, id := range ids {
			if len(out) == limit {
				return out
			}
			out = append(out, id)
		}
	}
	return out
}
