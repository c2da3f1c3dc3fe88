package app

import (
	"sort"
	"strings"

	"liveroom/internal/domain"
)

// ScoringConfig parameterises the speed-decay reward.
type ScoringConfig struct {
	Baseline      int
	DecayStep     int
	DecayWindowMs int64
	MinimumPoints int
}

// DefaultScoring is used when no scoring section is configured.
var DefaultScoring = ScoringConfig{
	Baseline:      1000,
	DecayStep:     50,
	DecayWindowMs: 1000,
	MinimumPoints: 100,
}

// Points computes max(baseline - floor(timeUsed/window)*step, minimum) for a correct answer and 0
// otherwise. A question's own Points value replaces the baseline when set.
func (c ScoringConfig) Points(q domain.Question, correct bool, timeUsedMs int64) int {
	if !correct {
		return 0
	}
	baseline := c.Baseline
	if q.Points > 0 {
		baseline = q.Points
	}
	if timeUsedMs < 0 {
		timeUsedMs = 0
	}
	decay := 0
	if c.DecayWindowMs > 0 {
		decay = int(timeUsedMs/c.DecayWindowMs) * c.DecayStep
	}
	minimum := c.MinimumPoints
	if minimum > baseline {
		minimum = baseline
	}
	if pts := baseline - decay; pts > minimum {
		return pts
	}
	return minimum
}

// IsCorrect compares an answer payload against the question's correct answer spec.
func IsCorrect(q domain.Question, p domain.AnswerPayload) bool {
	switch q.Type {
	case domain.QuestionText:
		got := normalizeText(p.Text)
		if got == "" {
			return false
		}
		for _, accepted := range q.Accepted {
			if normalizeText(accepted) == got {
				return true
			}
		}
		return false
	case domain.QuestionMulti:
		return sameSet(selectedOptions(p), q.CorrectOptionIDs())
	default:
		selected := selectedOptions(p)
		if len(selected) != 1 {
			return false
		}
		return sameSet(selected, q.CorrectOptionIDs())
	}
}

// Score evaluates a submission: correctness first, then the decayed award.
func (c ScoringConfig) Score(q domain.Question, p domain.AnswerPayload, timeUsedMs int64) (bool, int) {
	correct := IsCorrect(q, p)
	return correct, c.Points(q, correct, timeUsedMs)
}

func selectedOptions(p domain.AnswerPayload) []string {
	if len(p.OptionIDs) > 0 {
		return p.OptionIDs
	}
	if p.OptionID != "" {
		return []string{p.OptionID}
	}
	return nil
}

// sameSet is order independent; duplicates in a are collapsed.
func sameSet(a, b []string) bool {
	if len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	if len(seen) != len(b) {
		return false
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			return false
		}
	}
	return true
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Rank orders participants by score descending, then earlier join, then id for a total order.
func Rank(participants []domain.Participant) []domain.RankingEntry {
	sorted := make([]domain.Participant, len(participants))
	copy(sorted, participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if !sorted[i].JoinedAt.Equal(sorted[j].JoinedAt) {
			return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	entries := make([]domain.RankingEntry, 0, len(sorted))
	for i, p := range sorted {
		entries = append(entries, domain.RankingEntry{
			Rank:          i + 1,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Score:         p.Score,
			CorrectCount:  p.CorrectCount,
		})
	}
	return entries
}
