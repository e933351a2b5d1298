package memory

import (
	"context"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
)

// InstanceStore keeps game instances and their scores in memory. It serves as
// both app.InstanceRepository and app.ScoreWriter when no database is configured.
type InstanceStore struct {
	mu        sync.RWMutex
	instances map[string]domain.GameInstance // by access code
	joins     map[string]map[string]domain.Participant
	final     map[string][]domain.FinalScore
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		instances: make(map[string]domain.GameInstance),
		joins:     make(map[string]map[string]domain.Participant),
		final:     make(map[string][]domain.FinalScore),
	}
}

func (s *InstanceStore) CreateInstance(_ context.Context, instance domain.GameInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instance.AccessCode]; ok {
		return domain.ErrAccessCodeExhausted
	}
	s.instances[instance.AccessCode] = instance
	return nil
}

func (s *InstanceStore) InstanceByAccessCode(_ context.Context, accessCode string) (domain.GameInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[accessCode]
	if !ok {
		return domain.GameInstance{}, domain.ErrSessionNotFound
	}
	return instance, nil
}

func (s *InstanceStore) AccessCodeExists(_ context.Context, accessCode string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.instances[accessCode]
	return ok, nil
}

func (s *InstanceStore) CompleteInstance(_ context.Context, instanceID string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, instance := range s.instances {
		if instance.ID != instanceID {
			continue
		}
		instance.Status = domain.StatusCompleted
		at := completedAt
		instance.CompletedAt = &at
		s.instances[code] = instance
		return nil
	}
	return domain.ErrSessionNotFound
}

func (s *InstanceStore) RecordJoin(_ context.Context, instanceID string, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joins[instanceID] == nil {
		s.joins[instanceID] = make(map[string]domain.Participant)
	}
	s.joins[instanceID][p.UserID] = p
	return nil
}

// SaveFinalScores replaces any earlier final scores of the instance.
func (s *InstanceStore) SaveFinalScores(_ context.Context, instanceID string, scores []domain.FinalScore, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final[instanceID] = append([]domain.FinalScore(nil), scores...)
	return nil
}

// FinalScores returns what SaveFinalScores stored.
func (s *InstanceStore) FinalScores(instanceID string) []domain.FinalScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.FinalScore(nil), s.final[instanceID]...)
}

// Joined reports whether RecordJoin saw userID for the instance.
func (s *InstanceStore) Joined(instanceID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.joins[instanceID][userID]
	return ok
}
