package domain

import (
	"fmt"
	"strings"
	"time"
)

// PlayMode is how a game instance is played.
type PlayMode string

const (
	ModeQuiz       PlayMode = "quiz"
	ModeTournament PlayMode = "tournament"
	ModePractice   PlayMode = "practice"
	ModeDeferred   PlayMode = "deferred"
)

// Valid reports whether m is a known play mode.
func (m PlayMode) Valid() bool {
	switch m {
	case ModeQuiz, ModeTournament, ModePractice, ModeDeferred:
		return true
	}
	return false
}

// GameStatus is the lifecycle status of a session.
type GameStatus string

const (
	StatusPending   GameStatus = "pending"
	StatusActive    GameStatus = "active"
	StatusPaused    GameStatus = "paused"
	StatusCompleted GameStatus = "completed"
)

// CanTransition reports whether a session may move from s to next.
// Repeating the current status is allowed and treated as a no-op by callers,
// except completed -> completed which re-runs finalization.
func (s GameStatus) CanTransition(next GameStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCompleted
	case StatusActive:
		return next == StatusPaused || next == StatusCompleted
	case StatusPaused:
		return next == StatusActive || next == StatusCompleted
	}
	return false
}

// Role is the role carried by a resolved identity.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleGuest   Role = "guest"
)

// Identity is a resolved caller.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// QuestionType selects how answers are checked.
type QuestionType string

const (
	SingleChoice   QuestionType = "single_choice"
	MultipleChoice QuestionType = "multiple_choice"
	Numeric        QuestionType = "numeric"
)

// NumericAnswer is the expected value of a numeric question.
type NumericAnswer struct {
	Value     float64 `json:"value"`
	Tolerance float64 `json:"tolerance"`
}

// Question is one entry of a question template, correct answers included.
type Question struct {
	UID            string         `json:"uid"`
	Type           QuestionType   `json:"type"`
	Text           string         `json:"text"`
	Options        []string       `json:"options,omitempty"`
	CorrectAnswers []bool         `json:"correctAnswers,omitempty"`
	Numeric        *NumericAnswer `json:"numeric,omitempty"`
	TimeLimitMs    int64          `json:"timeLimitMs"`
	Points         int            `json:"points"` // defaults to 1 if zero
}

// Public strips everything a player must not see.
func (q Question) Public() PublicQuestion {
	options := make([]string, len(q.Options))
	copy(options, q.Options)
	return PublicQuestion{
		UID:         q.UID,
		Type:        q.Type,
		Text:        q.Text,
		Options:     options,
		TimeLimitMs: q.TimeLimitMs,
	}
}

// CorrectIndexes lists the indexes of the correct options.
func (q Question) CorrectIndexes() []int {
	indexes := make([]int, 0, len(q.CorrectAnswers))
	for i, ok := range q.CorrectAnswers {
		if ok {
			indexes = append(indexes, i)
		}
	}
	return indexes
}

// PublicQuestion is a question as shown in the player and projector rooms.
type PublicQuestion struct {
	UID         string       `json:"uid"`
	Type        QuestionType `json:"type"`
	Text        string       `json:"text"`
	Options     []string     `json:"options,omitempty"`
	TimeLimitMs int64        `json:"timeLimitMs"`
}

// QuestionSet is the ordered, immutable question list of a template.
type QuestionSet struct {
	TemplateID string     `json:"templateId"`
	Questions  []Question `json:"questions"`
}

// ByUID returns the question with the given uid and its index.
func (s QuestionSet) ByUID(uid string) (Question, int, bool) {
	for i, q := range s.Questions {
		if q.UID == uid {
			return q, i, true
		}
	}
	return Question{}, -1, false
}

// UIDs returns the question uids in order.
func (s QuestionSet) UIDs() []string {
	uids := make([]string, len(s.Questions))
	for i, q := range s.Questions {
		uids[i] = q.UID
	}
	return uids
}

// CheckUIDs rejects sets with empty or repeated uids, or uids containing
// "|", which separates user and question in score fields.
func (s QuestionSet) CheckUIDs() error {
	seen := make(map[string]bool, len(s.Questions))
	for i, q := range s.Questions {
		switch {
		case q.UID == "":
			return fmt.Errorf("question %d of %s has no uid: %w", i, s.TemplateID, ErrValidation)
		case strings.Contains(q.UID, "|"):
			return fmt.Errorf("question uid %q of %s contains '|': %w", q.UID, s.TemplateID, ErrValidation)
		case seen[q.UID]:
			return fmt.Errorf("question uid %q repeated in %s: %w", q.UID, s.TemplateID, ErrValidation)
		}
		seen[q.UID] = true
	}
	return nil
}

// GameInstance is one quiz or tournament run, stored durably.
type GameInstance struct {
	ID           string     `json:"id"`
	AccessCode   string     `json:"accessCode"`
	TemplateID   string     `json:"templateId"`
	OwnerID      string     `json:"ownerId"`
	Mode         PlayMode   `json:"mode"`
	Status       GameStatus `json:"status"`
	QuestionUIDs []string   `json:"questionUids"`
	DeferredFrom *time.Time `json:"deferredFrom,omitempty"`
	DeferredTo   *time.Time `json:"deferredTo,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// DeferredAvailable reports whether the instance can be replayed at now.
// It must be evaluated on every access, never cached.
func (g GameInstance) DeferredAvailable(now time.Time) bool {
	if g.Mode != ModeTournament || g.Status != StatusCompleted {
		return false
	}
	if g.DeferredFrom == nil || g.DeferredTo == nil {
		return false
	}
	return !now.Before(*g.DeferredFrom) && !now.After(*g.DeferredTo)
}

// Scope identifies one play-through keyspace: the live run (Attempt 0) or a
// single participant's deferred attempt.
type Scope struct {
	AccessCode string
	UserID     string
	Attempt    int
}

// LiveScope returns the scope of the live run of a session.
func LiveScope(accessCode string) Scope {
	return Scope{AccessCode: accessCode}
}

// Deferred reports whether the scope is a deferred attempt.
func (s Scope) Deferred() bool {
	return s.Attempt > 0
}

// GameState is the persisted, authoritative state of a scope. Everything
// computed for display lives in GameView instead and is never written back.
type GameState struct {
	AccessCode           string          `json:"accessCode"`
	InstanceID           string          `json:"instanceId"`
	TemplateID           string          `json:"templateId"`
	OwnerID              string          `json:"ownerId"`
	Mode                 PlayMode        `json:"mode"`
	Status               GameStatus      `json:"status"`
	QuestionUIDs         []string        `json:"questionUids"`
	CurrentQuestionIndex int             `json:"currentQuestionIndex"`
	CurrentQuestionUID   string          `json:"currentQuestionUid"`
	Timer                *Timer          `json:"timer,omitempty"`
	AnswersLocked        bool            `json:"answersLocked"`
	Terminated           map[string]bool `json:"terminated,omitempty"`
	DashboardSockets     []string        `json:"dashboardSockets,omitempty"`
	DashboardOnline      bool            `json:"dashboardOnline"`
	Version              int64           `json:"version"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// NewGameState builds the initial pending state for a scope.
func NewGameState(instance GameInstance, now time.Time) GameState {
	uids := make([]string, len(instance.QuestionUIDs))
	copy(uids, instance.QuestionUIDs)
	return GameState{
		AccessCode:           instance.AccessCode,
		InstanceID:           instance.ID,
		TemplateID:           instance.TemplateID,
		OwnerID:              instance.OwnerID,
		Mode:                 instance.Mode,
		Status:               StatusPending,
		QuestionUIDs:         uids,
		CurrentQuestionIndex: -1,
		Terminated:           map[string]bool{},
		UpdatedAt:            now,
	}
}

// IsTerminated reports whether a question has been closed for good.
func (s GameState) IsTerminated(questionUID string) bool {
	return s.Terminated[questionUID]
}

// Terminate marks a question closed.
func (s *GameState) Terminate(questionUID string) {
	if questionUID == "" {
		return
	}
	if s.Terminated == nil {
		s.Terminated = map[string]bool{}
	}
	s.Terminated[questionUID] = true
}

// Participant is a player's presence record in a session.
// Score is derived from per-question contributions when read.
type Participant struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar,omitempty"`
	Score        int       `json:"score"`
	SocketID     string    `json:"socketId,omitempty"`
	Online       bool      `json:"online"`
	JoinedAt     time.Time `json:"joinedAt"`
	AttemptCount int       `json:"attemptCount,omitempty"`
	BestAttempt  int       `json:"bestAttempt,omitempty"`
}

// AnswerValue is either a set of chosen option indexes or a numeric value.
type AnswerValue struct {
	Choices []int    `json:"choices,omitempty"`
	Numeric *float64 `json:"numeric,omitempty"`
}

// Empty reports whether nothing was answered.
func (v AnswerValue) Empty() bool {
	return len(v.Choices) == 0 && v.Numeric == nil
}

// Answer is one stored submission. There is exactly one per
// (participant, question, attempt); a resubmission replaces it.
type Answer struct {
	UserID          string      `json:"userId"`
	QuestionUID     string      `json:"questionUid"`
	Value           AnswerValue `json:"value"`
	ClientTimestamp int64       `json:"clientTimestamp"`
	ReceivedAt      time.Time   `json:"receivedAt"`
	Attempt         int         `json:"attempt,omitempty"`
	Correct         bool        `json:"correct"`
	Points          int         `json:"points"`
}

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
	Attempt  int    `json:"attempt,omitempty"`
}

// FinalScore is what gets written to durable storage when a session completes.
type FinalScore struct {
	UserID   string
	Username string
	Avatar   string
	Score    int
	Rank     int
	JoinedAt time.Time
}
