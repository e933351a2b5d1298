package app

import (
	"context"
	"log"

	"live-quiz-service/internal/domain"
)

// GameView is the resync payload of a player. It is computed from state on
// every read and never stored.
type GameView struct {
	AccessCode    string                 `json:"accessCode"`
	Status        domain.GameStatus      `json:"status"`
	QuestionIndex int                    `json:"questionIndex"`
	Total         int                    `json:"total"`
	Question      *domain.PublicQuestion `json:"question,omitempty"`
	Timer         *domain.TimerView      `json:"timer,omitempty"`
	AnswersLocked bool                   `json:"answersLocked"`
	Closed        bool                   `json:"closed"`
	Attempt       int                    `json:"attempt,omitempty"`
	Version       int64                  `json:"version"`
}

// DashboardView is the teacher's resync payload.
type DashboardView struct {
	InstanceID      string               `json:"instanceId"`
	AccessCode      string               `json:"accessCode"`
	Status          domain.GameStatus    `json:"status"`
	QuestionIndex   int                  `json:"questionIndex"`
	Total           int                  `json:"total"`
	Question        *domain.Question     `json:"question,omitempty"`
	Timer           *domain.TimerView    `json:"timer,omitempty"`
	AnswersLocked   bool                 `json:"answersLocked"`
	Closed          bool                 `json:"closed"`
	AnswersCount    int                  `json:"answersCount"`
	Participants    []ParticipantSummary `json:"participants"`
	DashboardOnline bool                 `json:"dashboardOnline"`
	Version         int64                `json:"version"`
}

// ProjectorView is the projector's resync payload. Leaderboard is the last
// revealed snapshot, not the live standings.
type ProjectorView struct {
	GameView
	InstanceID   string                      `json:"instanceId"`
	Participants int                         `json:"participants"`
	Leaderboard  *domain.LeaderboardSnapshot `json:"leaderboard,omitempty"`
}

// PlayerView returns the current view of a scope.
func (s *GameService) PlayerView(ctx context.Context, scope domain.Scope) (GameView, error) {
	state, err := s.store.State(ctx, scope)
	if err != nil {
		return GameView{}, err
	}
	view, err := s.playerView(ctx, state)
	if err != nil {
		return GameView{}, err
	}
	view.Attempt = scope.Attempt
	return view, nil
}

func (s *GameService) playerView(ctx context.Context, state domain.GameState) (GameView, error) {
	if state.CurrentQuestionUID == "" {
		return s.buildView(state, domain.QuestionSet{}), nil
	}
	qs, err := s.questionSet(ctx, state.TemplateID)
	if err != nil {
		return GameView{}, err
	}
	return s.buildView(state, qs), nil
}

// DashboardView returns the teacher's view of the live run.
func (s *GameService) DashboardView(ctx context.Context, id domain.Identity, accessCode string) (DashboardView, error) {
	state, err := s.store.State(ctx, domain.LiveScope(accessCode))
	if err != nil {
		return DashboardView{}, err
	}
	if err := authorizeOwner(id, state); err != nil {
		return DashboardView{}, err
	}
	return s.dashboardView(ctx, state)
}

func (s *GameService) dashboardView(ctx context.Context, state domain.GameState) (DashboardView, error) {
	participants, err := s.store.Participants(ctx, state.AccessCode)
	if err != nil {
		return DashboardView{}, err
	}
	view := DashboardView{
		InstanceID:      state.InstanceID,
		AccessCode:      state.AccessCode,
		Status:          state.Status,
		QuestionIndex:   state.CurrentQuestionIndex,
		Total:           len(state.QuestionUIDs),
		AnswersLocked:   state.AnswersLocked,
		Closed:          state.IsTerminated(state.CurrentQuestionUID),
		Participants:    summarize(participants),
		DashboardOnline: state.DashboardOnline,
		Version:         state.Version,
	}
	if state.CurrentQuestionUID == "" {
		return view, nil
	}
	qs, err := s.questionSet(ctx, state.TemplateID)
	if err != nil {
		return DashboardView{}, err
	}
	if q, _, ok := qs.ByUID(state.CurrentQuestionUID); ok {
		view.Question = &q
		tv := s.currentTimer(state, q)
		view.Timer = &tv
	}
	answers, err := s.store.Answers(ctx, domain.LiveScope(state.AccessCode), state.CurrentQuestionUID)
	if err != nil {
		return DashboardView{}, err
	}
	view.AnswersCount = len(answers)
	return view, nil
}

// ProjectorView returns the classroom display's view.
func (s *GameService) ProjectorView(ctx context.Context, id domain.Identity, accessCode string) (ProjectorView, error) {
	state, err := s.store.State(ctx, domain.LiveScope(accessCode))
	if err != nil {
		return ProjectorView{}, err
	}
	if err := authorizeOwner(id, state); err != nil {
		return ProjectorView{}, err
	}
	return s.projectorView(ctx, state)
}

func (s *GameService) projectorView(ctx context.Context, state domain.GameState) (ProjectorView, error) {
	game, err := s.playerView(ctx, state)
	if err != nil {
		return ProjectorView{}, err
	}
	participants, err := s.store.Participants(ctx, state.AccessCode)
	if err != nil {
		return ProjectorView{}, err
	}
	view := ProjectorView{GameView: game, InstanceID: state.InstanceID, Participants: len(participants)}
	snapshot, ok, err := s.store.Snapshot(ctx, state.AccessCode)
	if err != nil {
		return ProjectorView{}, err
	}
	if ok {
		view.Leaderboard = &snapshot
	}
	return view, nil
}

func (s *GameService) buildView(state domain.GameState, qs domain.QuestionSet) GameView {
	view := GameView{
		AccessCode:    state.AccessCode,
		Status:        state.Status,
		QuestionIndex: state.CurrentQuestionIndex,
		Total:         len(state.QuestionUIDs),
		AnswersLocked: state.AnswersLocked,
		Closed:        state.IsTerminated(state.CurrentQuestionUID),
		Version:       state.Version,
	}
	if q, _, ok := qs.ByUID(state.CurrentQuestionUID); ok && state.CurrentQuestionUID != "" {
		public := q.Public()
		view.Question = &public
		tv := s.currentTimer(state, q)
		view.Timer = &tv
	}
	return view
}

// currentTimer derives the timer view of q. A question without its own timer
// gets a patched view built from its time limit.
func (s *GameService) currentTimer(state domain.GameState, q domain.Question) domain.TimerView {
	if state.Timer != nil && state.Timer.QuestionUID == q.UID {
		return timerView(state.Timer, s.now().UnixMilli())
	}
	return patchedTimerView(q)
}

func (s *GameService) emit(ctx context.Context, room domain.Room, eventType string, version int64, payload any) {
	if err := s.rooms.Emit(ctx, room, Event{Type: eventType, Version: version, Payload: payload}); err != nil {
		log.Printf("emit %s to %s: %v", eventType, room.Name(), err)
	}
}

// emitDashboard is suspended while the teacher has no connected dashboard;
// the dashboard resyncs from a full view when it reconnects.
func (s *GameService) emitDashboard(ctx context.Context, state domain.GameState, eventType string, payload any) {
	if !state.DashboardOnline {
		return
	}
	s.emit(ctx, domain.DashboardRoom(state.InstanceID), eventType, state.Version, payload)
}

func (s *GameService) emitStatus(ctx context.Context, state domain.GameState) {
	payload := StatusPayload{Status: state.Status}
	s.emit(ctx, domain.PlayerRoom(state.AccessCode), EventStatusChanged, state.Version, payload)
	s.emitDashboard(ctx, state, EventStatusChanged, payload)
	s.emit(ctx, domain.ProjectorRoom(state.InstanceID), EventStatusChanged, state.Version, payload)
}

func (s *GameService) emitTimer(ctx context.Context, state domain.GameState) {
	if state.Timer == nil {
		return
	}
	payload := TimerPayload{Timer: timerView(state.Timer, s.now().UnixMilli())}
	s.emit(ctx, domain.PlayerRoom(state.AccessCode), EventTimerUpdated, state.Version, payload)
	s.emitDashboard(ctx, state, EventDashboardTimer, payload)
	s.emit(ctx, domain.ProjectorRoom(state.InstanceID), EventProjectionTimer, state.Version, payload)
}

func (s *GameService) emitQuestion(ctx context.Context, state domain.GameState, qs domain.QuestionSet) {
	q, _, ok := qs.ByUID(state.CurrentQuestionUID)
	if !ok {
		return
	}
	tv := s.currentTimer(state, q)
	public := QuestionPayload{
		Question: q.Public(),
		Index:    state.CurrentQuestionIndex,
		Total:    len(state.QuestionUIDs),
		Timer:    &tv,
	}
	s.emit(ctx, domain.PlayerRoom(state.AccessCode), EventGameQuestion, state.Version, public)
	s.emit(ctx, domain.ProjectorRoom(state.InstanceID), EventProjectionQuestion, state.Version, public)
	s.emitDashboard(ctx, state, EventDashboardQuestion, DashboardQuestionPayload{
		Question: q,
		Index:    state.CurrentQuestionIndex,
		Total:    len(state.QuestionUIDs),
		Timer:    &tv,
	})
}

func (s *GameService) emitParticipants(ctx context.Context, state domain.GameState) {
	if !state.DashboardOnline {
		return
	}
	participants, err := s.store.Participants(ctx, state.AccessCode)
	if err != nil {
		log.Printf("list participants of %s: %v", state.AccessCode, err)
		return
	}
	s.emitDashboard(ctx, state, EventDashboardParticipants, ParticipantsPayload{Participants: summarize(participants)})
}
