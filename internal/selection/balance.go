package selection

import "github.com/pavelanni/levelup/internal/model"

// Balance picks min(n, len(pool)) questions from a pool already sorted by preference.
//
// Topic-mode sessions, and pools no larger than n, are truncated in order. Otherwise
// questions are grouped by topic (subject mode) or by subject (all mode) and each group,
// in order of first appearance, contributes up to max(1, n/groups) questions before the
// remaining slots are filled from the pool in order. A question tagged with several topics
// is a member of each of their groups but is picked at most once.
func Balance(mode model.Mode, pool []model.Question, n int) []model.Question {
	if n <= 0 {
		return nil
	}
	if mode == model.ModeTopic || len(pool) <= n {
		if len(pool) > n {
			pool = pool[:n]
		}
		return append([]model.Question(nil), pool...)
	}

	var order []string
	groups := make(map[string][]int)
	add := func(key string, i int) {
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}
	for i, q := range pool {
		if mode == model.ModeSubject {
			for _, t := range q.TopicIDs {
				add(t, i)
			}
		} else {
			add(q.SubjectID, i)
		}
	}
	if len(order) == 0 {
		return append([]model.Question(nil), pool[:n]...)
	}

	perGroup := max(1, n/len(order))
	out := make([]model.Question, 0, n)
	used := make(map[string]bool, n)

	for _, key := range order {
		took := 0
		for _, i := range groups[key] {
			if len(out) == n || took == perGroup {
				break
			}
			if used[pool[i].ID] {
				continue
			}
			used[pool[i].ID] = true
			out = append(out, pool[i])
			took++
		}
	}
	for _, q := range pool {
		if len(out) == n {
			break
		}
		if !used[q.ID] {
			used[q.ID] = true
			out = append(out, q)
		}
	}
	return out
}
