package app

import (
	"context"
	"fmt"
	"log"

	"live-quiz-service/internal/domain"
)

// DeferredSession is a freshly started replay attempt.
type DeferredSession struct {
	Attempt int      `json:"attempt"`
	View    GameView `json:"view"`
}

// DeferredProgress is the outcome of moving through a replay attempt.
type DeferredProgress struct {
	View        GameView                  `json:"view"`
	Completed   bool                      `json:"completed"`
	Score       int                       `json:"score,omitempty"`
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard,omitempty"`
}

// StartDeferred opens a new isolated attempt at a completed tournament.
// Every attempt gets its own state, answers and score; the live run's
// records are never touched.
func (s *GameService) StartDeferred(ctx context.Context, id domain.Identity, accessCode string) (DeferredSession, error) {
	if id.UserID == "" {
		return DeferredSession{}, domain.ErrNotAuthorized
	}
	now := s.now()
	instance, err := s.instances.InstanceByAccessCode(ctx, accessCode)
	if err != nil {
		return DeferredSession{}, err
	}
	if !instance.DeferredAvailable(now) {
		return DeferredSession{}, domain.ErrDeferredUnavailable
	}
	qs, err := s.questionSet(ctx, instance.TemplateID)
	if err != nil {
		return DeferredSession{}, err
	}
	if len(instance.QuestionUIDs) == 0 {
		return DeferredSession{}, domain.ErrQuestionOutOfRange
	}

	attempt, err := s.store.NextAttempt(ctx, accessCode, domain.Participant{
		UserID:   id.UserID,
		Username: id.Username,
		JoinedAt: now,
	})
	if err != nil {
		return DeferredSession{}, err
	}

	state := domain.NewGameState(instance, now)
	state.Status = domain.StatusActive
	s.moveTo(&state, qs, 0, now.UnixMilli())

	scope := domain.Scope{AccessCode: accessCode, UserID: id.UserID, Attempt: attempt}
	if err := s.store.CreateState(ctx, scope, state); err != nil {
		return DeferredSession{}, err
	}
	log.Printf("deferred attempt %d of %s started by %s", attempt, accessCode, id.UserID)

	view := s.buildView(state, qs)
	view.Attempt = attempt
	return DeferredSession{Attempt: attempt, View: view}, nil
}

// DeferredNext moves a replay attempt to its next question, completing it
// after the last one. fromQuestionUID guards against double advances.
func (s *GameService) DeferredNext(ctx context.Context, id domain.Identity, accessCode string, attempt int, fromQuestionUID string) (DeferredProgress, error) {
	if id.UserID == "" || attempt <= 0 {
		return DeferredProgress{}, fmt.Errorf("deferred next: %w", domain.ErrValidation)
	}
	now := s.now()
	instance, err := s.instances.InstanceByAccessCode(ctx, accessCode)
	if err != nil {
		return DeferredProgress{}, err
	}
	if !instance.DeferredAvailable(now) {
		return DeferredProgress{}, domain.ErrDeferredUnavailable
	}
	qs, err := s.questionSet(ctx, instance.TemplateID)
	if err != nil {
		return DeferredProgress{}, err
	}

	scope := domain.Scope{AccessCode: accessCode, UserID: id.UserID, Attempt: attempt}
	state, err := s.mutate(ctx, scope, func(st *domain.GameState) error {
		if st.Status == domain.StatusCompleted {
			return domain.ErrGameCompleted
		}
		if fromQuestionUID != "" && fromQuestionUID != st.CurrentQuestionUID {
			return domain.ErrStaleQuestion
		}
		next := st.CurrentQuestionIndex + 1
		if next >= len(st.QuestionUIDs) {
			st.Terminate(st.CurrentQuestionUID)
			if st.Timer != nil {
				st.Timer = stopTimer(st.Timer, st.CurrentQuestionUID, st.Timer.DurationMs, now.UnixMilli())
			}
			st.AnswersLocked = true
			st.Status = domain.StatusCompleted
			return nil
		}
		s.moveTo(st, qs, next, now.UnixMilli())
		return nil
	})
	if err != nil {
		return DeferredProgress{}, err
	}

	view := s.buildView(state, qs)
	view.Attempt = attempt
	progress := DeferredProgress{View: view, Completed: state.Status == domain.StatusCompleted}
	if !progress.Completed {
		return progress, nil
	}

	standings, err := s.store.DeferredStandings(ctx, accessCode)
	if err != nil {
		return DeferredProgress{}, err
	}
	progress.Leaderboard = ComputeLeaderboard(standings)
	for _, p := range standings {
		if p.UserID == id.UserID {
			progress.Score = p.Score
		}
	}
	log.Printf("deferred attempt %d of %s completed by %s", attempt, accessCode, id.UserID)
	return progress, nil
}

// moveTo makes question index current on st, closing the previous one.
func (s *GameService) moveTo(st *domain.GameState, qs domain.QuestionSet, index int, nowMs int64) {
	st.Terminate(st.CurrentQuestionUID)
	uid := st.QuestionUIDs[index]
	st.CurrentQuestionIndex = index
	st.CurrentQuestionUID = uid
	st.AnswersLocked = false
	st.Timer = nil
	if q, _, ok := qs.ByUID(uid); ok && q.TimeLimitMs > 0 {
		st.Timer = runTimer(nil, uid, q.TimeLimitMs, nowMs)
	}
}
