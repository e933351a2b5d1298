package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
)

// StateStore is an in-memory implementation of app.StateStore for a single
// process. Writes are serialized by one mutex, so UpdateState never reports
// a conflict. TTLs are ignored.
type StateStore struct {
	mu           sync.RWMutex
	states       map[domain.Scope]domain.GameState
	participants map[string]map[string]domain.Participant
	deferred     map[string]map[string]domain.Participant
	attempts     map[string]map[string]int
	answers      map[domain.Scope]map[string]map[string]domain.Answer
	snapshots    map[string]domain.LeaderboardSnapshot
}

func NewStateStore() *StateStore {
	return &StateStore{
		states:       make(map[domain.Scope]domain.GameState),
		participants: make(map[string]map[string]domain.Participant),
		deferred:     make(map[string]map[string]domain.Participant),
		attempts:     make(map[string]map[string]int),
		answers:      make(map[domain.Scope]map[string]map[string]domain.Answer),
		snapshots:    make(map[string]domain.LeaderboardSnapshot),
	}
}

func (s *StateStore) CreateState(_ context.Context, scope domain.Scope, state domain.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[scope]; ok {
		return fmt.Errorf("state %s already exists: %w", scope.AccessCode, domain.ErrValidation)
	}
	state.Version = 1
	s.states[scope] = cloneState(state)
	return nil
}

func (s *StateStore) State(_ context.Context, scope domain.Scope) (domain.GameState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[scope]
	if !ok {
		return domain.GameState{}, domain.ErrSessionNotFound
	}
	return cloneState(state), nil
}

func (s *StateStore) UpdateState(_ context.Context, scope domain.Scope, fn func(*domain.GameState) error) (domain.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[scope]
	if !ok {
		return domain.GameState{}, domain.ErrSessionNotFound
	}
	next := cloneState(current)
	if err := fn(&next); err != nil {
		return domain.GameState{}, err
	}
	next.Version = current.Version + 1
	s.states[scope] = cloneState(next)
	return next, nil
}

func (s *StateStore) ExpireSession(context.Context, string, time.Duration) error {
	return nil
}

func (s *StateStore) PutParticipant(_ context.Context, accessCode string, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.participants[accessCode]
	if !ok {
		byUser = make(map[string]domain.Participant)
		s.participants[accessCode] = byUser
	}
	p.Score = 0
	byUser[p.UserID] = p
	return nil
}

func (s *StateStore) Participant(_ context.Context, accessCode, userID string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[accessCode][userID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	p.Score = s.liveScore(accessCode, userID)
	return p, nil
}

func (s *StateStore) UpdateParticipant(_ context.Context, accessCode, userID string, fn func(*domain.Participant) error) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[accessCode][userID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err := fn(&p); err != nil {
		return domain.Participant{}, err
	}
	p.UserID = userID
	p.Score = 0
	s.participants[accessCode][userID] = p
	p.Score = s.liveScore(accessCode, userID)
	return p, nil
}

func (s *StateStore) Participants(_ context.Context, accessCode string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0, len(s.participants[accessCode]))
	for userID, p := range s.participants[accessCode] {
		p.Score = s.liveScore(accessCode, userID)
		out = append(out, p)
	}
	return out, nil
}

func (s *StateStore) DeferredStandings(_ context.Context, accessCode string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0, len(s.deferred[accessCode]))
	for userID, p := range s.deferred[accessCode] {
		p.AttemptCount = s.attempts[accessCode][userID]
		p.Score, p.BestAttempt = 0, 0
		for attempt := 1; attempt <= p.AttemptCount; attempt++ {
			score := s.scopeScore(domain.Scope{AccessCode: accessCode, UserID: userID, Attempt: attempt}, userID)
			if p.BestAttempt == 0 || score > p.Score {
				p.Score, p.BestAttempt = score, attempt
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *StateStore) NextAttempt(_ context.Context, accessCode string, player domain.Participant) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deferred[accessCode] == nil {
		s.deferred[accessCode] = make(map[string]domain.Participant)
		s.attempts[accessCode] = make(map[string]int)
	}
	if existing, ok := s.deferred[accessCode][player.UserID]; ok {
		player.JoinedAt = existing.JoinedAt
	}
	s.deferred[accessCode][player.UserID] = player
	s.attempts[accessCode][player.UserID]++
	return s.attempts[accessCode][player.UserID], nil
}

func (s *StateStore) RecordAnswer(_ context.Context, scope domain.Scope, grade func(domain.GameState) (domain.Answer, error)) (domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[scope]
	if !ok {
		return domain.Answer{}, domain.ErrSessionNotFound
	}
	answer, err := grade(cloneState(state))
	if err != nil {
		return domain.Answer{}, err
	}
	byQuestion, ok := s.answers[scope]
	if !ok {
		byQuestion = make(map[string]map[string]domain.Answer)
		s.answers[scope] = byQuestion
	}
	if byQuestion[answer.QuestionUID] == nil {
		byQuestion[answer.QuestionUID] = make(map[string]domain.Answer)
	}
	byQuestion[answer.QuestionUID][answer.UserID] = answer
	return answer, nil
}

func (s *StateStore) Answers(_ context.Context, scope domain.Scope, questionUID string) (map[string]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Answer, len(s.answers[scope][questionUID]))
	for userID, a := range s.answers[scope][questionUID] {
		out[userID] = a
	}
	return out, nil
}

func (s *StateStore) SaveSnapshot(_ context.Context, accessCode string, snapshot domain.LeaderboardSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[accessCode] = snapshot
	return nil
}

func (s *StateStore) Snapshot(_ context.Context, accessCode string) (domain.LeaderboardSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[accessCode]
	return snapshot, ok, nil
}

// liveScore sums the stored per-question contributions, so a replaced answer
// never counts twice. Callers hold mu.
func (s *StateStore) liveScore(accessCode, userID string) int {
	return s.scopeScore(domain.LiveScope(accessCode), userID)
}

func (s *StateStore) scopeScore(scope domain.Scope, userID string) int {
	total := 0
	for _, byUser := range s.answers[scope] {
		total += byUser[userID].Points
	}
	return total
}

func cloneState(st domain.GameState) domain.GameState {
	out := st
	out.QuestionUIDs = append([]string(nil), st.QuestionUIDs...)
	if st.Timer != nil {
		timer := *st.Timer
		out.Timer = &timer
	}
	out.Terminated = make(map[string]bool, len(st.Terminated))
	for uid, closed := range st.Terminated {
		out.Terminated[uid] = closed
	}
	return out
}
