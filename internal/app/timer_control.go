package app

import (
	"context"
	"fmt"

	"live-quiz-service/internal/domain"
)

// ControlTimer applies a teacher timer command to the current question.
// durationMs is the new total budget for edit; for run and pause a zero
// value falls back to the question's time limit.
func (s *GameService) ControlTimer(ctx context.Context, id domain.Identity, accessCode string, action TimerAction, questionUID string, durationMs int64) (domain.TimerView, error) {
	if !action.Valid() {
		return domain.TimerView{}, fmt.Errorf("timer action %q: %w", action, domain.ErrValidation)
	}
	if durationMs < 0 || (action == TimerActionEdit && durationMs == 0) {
		return domain.TimerView{}, fmt.Errorf("timer duration %d: %w", durationMs, domain.ErrValidation)
	}

	unlock := s.seq.lock(accessCode)
	defer unlock()

	scope := domain.LiveScope(accessCode)
	current, err := s.store.State(ctx, scope)
	if err != nil {
		return domain.TimerView{}, err
	}
	if err := authorizeOwner(id, current); err != nil {
		return domain.TimerView{}, err
	}
	qs, err := s.questionSet(ctx, current.TemplateID)
	if err != nil {
		return domain.TimerView{}, err
	}

	nowMs := s.now().UnixMilli()
	var previous domain.GameStatus
	state, err := s.mutate(ctx, scope, func(st *domain.GameState) error {
		if err := authorizeOwner(id, *st); err != nil {
			return err
		}
		if st.Status == domain.StatusCompleted || st.Status == domain.StatusPending {
			return fmt.Errorf("timer %s while %s: %w", action, st.Status, domain.ErrIllegalTransition)
		}
		if questionUID == "" || questionUID != st.CurrentQuestionUID {
			return domain.ErrStaleQuestion
		}
		if st.IsTerminated(questionUID) && (action == TimerActionRun || action == TimerActionEdit) {
			return domain.ErrQuestionClosed
		}
		q, _, ok := qs.ByUID(questionUID)
		if !ok {
			return domain.ErrQuestionOutOfRange
		}
		budget := durationMs
		if budget == 0 {
			budget = q.TimeLimitMs
		}

		previous = st.Status
		switch action {
		case TimerActionRun:
			st.Timer = runTimer(st.Timer, questionUID, budget, nowMs)
			if st.Status == domain.StatusPaused {
				st.Status = domain.StatusActive
			}
		case TimerActionPause:
			st.Timer = pauseTimer(st.Timer, questionUID, budget, nowMs)
		case TimerActionStop:
			st.Timer = stopTimer(st.Timer, questionUID, budget, nowMs)
		case TimerActionEdit:
			st.Timer = editTimer(st.Timer, questionUID, budget, nowMs)
		}
		return nil
	})
	if err != nil {
		return domain.TimerView{}, err
	}

	if previous != state.Status {
		s.emitStatus(ctx, state)
	}
	s.emitTimer(ctx, state)
	return timerView(state.Timer, nowMs), nil
}
