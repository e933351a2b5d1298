package app

import (
	"sort"
	"time"

	"live-quiz-service/internal/domain"
)

// ComputeLeaderboard ranks participants by score using standard competition
// ranking: equal scores share a rank and the next distinct score skips by the
// size of the tie group ([10,10,7] ranks as [1,1,3]).
func ComputeLeaderboard(participants []domain.Participant) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:   p.UserID,
			Username: p.Username,
			Avatar:   p.Avatar,
			Score:    p.Score,
			Attempt:  p.BestAttempt,
		})
	}

	// Display order inside a tie group is by name, then id, so that repeated
	// computations over the same set are identical.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Username != entries[j].Username {
			return entries[i].Username < entries[j].Username
		}
		return entries[i].UserID < entries[j].UserID
	})

	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
	return entries
}

// SnapshotLeaderboard computes the leaderboard once and freezes it.
func SnapshotLeaderboard(participants []domain.Participant, at time.Time) domain.LeaderboardSnapshot {
	return domain.NewLeaderboardSnapshot(ComputeLeaderboard(participants), at)
}
