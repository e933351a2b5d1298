package app

import (
	"context"
	"errors"
	"fmt"

	"live-quiz-service/internal/domain"
)

// SubmitRequest is one answer submission. Attempt is zero for the live run.
type SubmitRequest struct {
	AccessCode      string
	QuestionUID     string
	Value           domain.AnswerValue
	ClientTimestamp int64
	Attempt         int
}

// SubmitAnswer records an answer for the caller. Checks run in a fixed
// order: the session and participant must exist, the question must be the
// current one (stale), it must still accept answers (closed), and only then
// is the answer itself validated. Nothing is written unless all pass.
func (s *GameService) SubmitAnswer(ctx context.Context, id domain.Identity, req SubmitRequest) (AnswerReceipt, error) {
	if id.UserID == "" || req.AccessCode == "" || req.QuestionUID == "" || req.Attempt < 0 {
		return AnswerReceipt{}, fmt.Errorf("submit answer: %w", domain.ErrValidation)
	}

	now := s.now()
	scope := domain.LiveScope(req.AccessCode)
	if req.Attempt > 0 {
		instance, err := s.instances.InstanceByAccessCode(ctx, req.AccessCode)
		if err != nil {
			return AnswerReceipt{}, err
		}
		if !instance.DeferredAvailable(now) {
			return AnswerReceipt{}, domain.ErrDeferredUnavailable
		}
		scope = domain.Scope{AccessCode: req.AccessCode, UserID: id.UserID, Attempt: req.Attempt}
	}

	state, err := s.store.State(ctx, scope)
	if err != nil {
		return AnswerReceipt{}, err
	}
	if !scope.Deferred() {
		if _, err := s.store.Participant(ctx, req.AccessCode, id.UserID); err != nil {
			return AnswerReceipt{}, err
		}
	}
	qs, err := s.questionSet(ctx, state.TemplateID)
	if err != nil {
		return AnswerReceipt{}, err
	}

	var graded domain.GameState
	grade := func(st domain.GameState) (domain.Answer, error) {
		graded = st
		if req.QuestionUID != st.CurrentQuestionUID {
			return domain.Answer{}, domain.ErrStaleQuestion
		}
		if st.IsTerminated(req.QuestionUID) || st.AnswersLocked || st.Status != domain.StatusActive ||
			!acceptingAnswers(st.Timer, req.QuestionUID, now.UnixMilli()) {
			return domain.Answer{}, domain.ErrQuestionClosed
		}
		q, _, ok := qs.ByUID(req.QuestionUID)
		if !ok {
			return domain.Answer{}, domain.ErrStaleQuestion
		}
		correct, points, err := gradeAnswer(q, req.Value)
		if err != nil {
			return domain.Answer{}, err
		}
		return domain.Answer{
			UserID:          id.UserID,
			QuestionUID:     req.QuestionUID,
			Value:           req.Value,
			ClientTimestamp: req.ClientTimestamp,
			ReceivedAt:      now,
			Attempt:         req.Attempt,
			Correct:         correct,
			Points:          points,
		}, nil
	}
	answer, err := s.store.RecordAnswer(ctx, scope, grade)
	if errors.Is(err, domain.ErrConcurrentMutation) {
		// re-run every check against the state that won
		answer, err = s.store.RecordAnswer(ctx, scope, grade)
	}
	if err != nil {
		return AnswerReceipt{}, err
	}

	if !scope.Deferred() && graded.DashboardOnline {
		answers, err := s.store.Answers(ctx, scope, answer.QuestionUID)
		if err == nil {
			s.emitDashboard(ctx, graded, EventDashboardAnswers, AnswersCountPayload{QuestionUID: answer.QuestionUID, Count: len(answers)})
		}
	}
	return AnswerReceipt{QuestionUID: answer.QuestionUID, Accepted: true, Attempt: answer.Attempt}, nil
}
