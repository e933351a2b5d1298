package app

import (
	"live-quiz-service/internal/domain"
)

// Server -> client event names.
const (
	EventGameJoined            = "game_joined"
	EventGameQuestion          = "game_question"
	EventQuestionClosed        = "question_closed"
	EventAnswerReceived        = "answer_received"
	EventQuestionResults       = "question_results"
	EventProjectionLeaderboard = "projection_leaderboard_update"
	EventStatusChanged         = "game_status_changed"
	EventTimerUpdated          = "game_timer_updated"
	EventDashboardQuestion     = "dashboard_question_changed"
	EventDashboardTimer        = "dashboard_timer_updated"
	EventDashboardAnswers      = "dashboard_answers_count"
	EventDashboardParticipants = "dashboard_participants_update"
	EventProjectionQuestion    = "projection_question"
	EventProjectionTimer       = "projection_timer_updated"
	EventParticipantJoined     = "participant_joined"
	EventGameState             = "game_state"
	EventDeferredStarted       = "deferred_started"
	EventDeferredCompleted     = "deferred_completed"
	EventError                 = "error"
)

// Event is one outbound message. Version is the state version the payload
// was built from; clients drop events older than what they already applied.
// Broadcasts are at-most-once.
type Event struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
	Payload any    `json:"payload"`
}

// QuestionPayload is sent to players and the projector; answers are stripped.
type QuestionPayload struct {
	Question domain.PublicQuestion `json:"question"`
	Index    int                   `json:"index"`
	Total    int                   `json:"total"`
	Timer    *domain.TimerView     `json:"timer,omitempty"`
}

// DashboardQuestionPayload carries the full question for the teacher.
type DashboardQuestionPayload struct {
	Question domain.Question   `json:"question"`
	Index    int               `json:"index"`
	Total    int               `json:"total"`
	Timer    *domain.TimerView `json:"timer,omitempty"`
}

// QuestionClosedPayload tells players a question no longer takes answers.
type QuestionClosedPayload struct {
	QuestionUID string `json:"questionUid"`
}

// AnswerReceipt acknowledges a submission to its sender only.
type AnswerReceipt struct {
	QuestionUID string `json:"questionUid"`
	Accepted    bool   `json:"accepted"`
	Attempt     int    `json:"attempt,omitempty"`
	Message     string `json:"message,omitempty"`
}

// QuestionResults reveals the correct answers to the dashboard and projector.
type QuestionResults struct {
	QuestionUID    string                    `json:"questionUid"`
	CorrectAnswers []int                     `json:"correctAnswers,omitempty"`
	Numeric        *domain.NumericAnswer     `json:"numeric,omitempty"`
	Leaderboard    []domain.LeaderboardEntry `json:"leaderboard,omitempty"`
}

// StatusPayload announces a lifecycle change.
type StatusPayload struct {
	Status domain.GameStatus `json:"status"`
}

// TimerPayload announces a timer change.
type TimerPayload struct {
	Timer domain.TimerView `json:"timer"`
}

// AnswersCountPayload is the dashboard's live answer counter.
type AnswersCountPayload struct {
	QuestionUID string `json:"questionUid"`
	Count       int    `json:"count"`
}

// ParticipantsPayload lists participants for the dashboard and lobby.
type ParticipantsPayload struct {
	Participants []ParticipantSummary `json:"participants"`
}

// ParticipantSummary is a participant without socket details.
type ParticipantSummary struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Score    int    `json:"score"`
	Online   bool   `json:"online"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func summarize(participants []domain.Participant) []ParticipantSummary {
	out := make([]ParticipantSummary, 0, len(participants))
	for _, p := range participants {
		out = append(out, ParticipantSummary{
			UserID:   p.UserID,
			Username: p.Username,
			Avatar:   p.Avatar,
			Score:    p.Score,
			Online:   p.Online,
		})
	}
	return out
}
