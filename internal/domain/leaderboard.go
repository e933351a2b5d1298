package domain

import (
	"encoding/json"
	"time"
)

// LeaderboardSnapshot is a frozen leaderboard captured at reveal time.
// Its entries cannot be modified after construction.
type LeaderboardSnapshot struct {
	entries    []LeaderboardEntry
	capturedAt time.Time
}

// NewLeaderboardSnapshot copies entries into a new snapshot.
func NewLeaderboardSnapshot(entries []LeaderboardEntry, capturedAt time.Time) LeaderboardSnapshot {
	frozen := make([]LeaderboardEntry, len(entries))
	copy(frozen, entries)
	return LeaderboardSnapshot{entries: frozen, capturedAt: capturedAt}
}

// Entries returns a copy of the snapshot rows.
func (s LeaderboardSnapshot) Entries() []LeaderboardEntry {
	out := make([]LeaderboardEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// CapturedAt is when the snapshot was taken.
func (s LeaderboardSnapshot) CapturedAt() time.Time {
	return s.capturedAt
}

// Len is the number of rows.
func (s LeaderboardSnapshot) Len() int {
	return len(s.entries)
}

type snapshotJSON struct {
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	CapturedAt  time.Time          `json:"capturedAt"`
}

func (s LeaderboardSnapshot) MarshalJSON() ([]byte, error) {
	entries := s.entries
	if entries == nil {
		entries = []LeaderboardEntry{}
	}
	return json.Marshal(snapshotJSON{Leaderboard: entries, CapturedAt: s.capturedAt})
}

func (s *LeaderboardSnapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewLeaderboardSnapshot(raw.Leaderboard, raw.CapturedAt)
	return nil
}
