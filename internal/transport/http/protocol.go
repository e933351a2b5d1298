package http

import (
	"bytes"
	"encoding/json"
	"fmt"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// Inbound message types.
const (
	msgJoinGame          = "join_game"
	msgJoinDashboard     = "join_dashboard"
	msgJoinProjection    = "join_projection"
	msgGameAnswer        = "game_answer"
	msgTimerAction       = "timer_action"
	msgSetQuestion       = "set_question"
	msgNextQuestion      = "next_question"
	msgSetStatus         = "set_status"
	msgCloseQuestion     = "close_question"
	msgLockAnswers       = "lock_answers"
	msgRevealLeaderboard = "reveal_leaderboard"
	msgRequestState      = "request_state"
	msgStartDeferred     = "start_deferred"
	msgDeferredNext      = "deferred_next"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is one decoded inbound payload.
type command interface {
	Validate() error
}

type joinGameCmd struct {
	AccessCode string `json:"accessCode"`
	Username   string `json:"username"`
	Avatar     string `json:"avatar"`
}

type joinDashboardCmd struct {
	AccessCode string `json:"accessCode"`
}

type joinProjectionCmd struct {
	AccessCode string `json:"accessCode"`
}

type gameAnswerCmd struct {
	AccessCode      string             `json:"accessCode"`
	QuestionUID     string             `json:"questionUid"`
	Answer          domain.AnswerValue `json:"answer"`
	ClientTimestamp int64              `json:"clientTimestamp"`
	Attempt         int                `json:"attempt"`
}

type timerActionCmd struct {
	AccessCode  string          `json:"accessCode"`
	Action      app.TimerAction `json:"action"`
	QuestionUID string          `json:"questionUid"`
	DurationMs  int64           `json:"durationMs"`
}

type setQuestionCmd struct {
	AccessCode    string `json:"accessCode"`
	QuestionIndex *int   `json:"questionIndex"`
}

type nextQuestionCmd struct {
	AccessCode      string `json:"accessCode"`
	FromQuestionUID string `json:"fromQuestionUid"`
}

type setStatusCmd struct {
	AccessCode string            `json:"accessCode"`
	Status     domain.GameStatus `json:"status"`
}

type closeQuestionCmd struct {
	AccessCode  string `json:"accessCode"`
	QuestionUID string `json:"questionUid"`
}

type lockAnswersCmd struct {
	AccessCode string `json:"accessCode"`
	Locked     bool   `json:"locked"`
}

type revealLeaderboardCmd struct {
	AccessCode string `json:"accessCode"`
}

type requestStateCmd struct {
	AccessCode string `json:"accessCode"`
	Attempt    int    `json:"attempt"`
}

type startDeferredCmd struct {
	AccessCode string `json:"accessCode"`
}

type deferredNextCmd struct {
	AccessCode      string `json:"accessCode"`
	Attempt         int    `json:"attempt"`
	FromQuestionUID string `json:"fromQuestionUid"`
}

func requireCode(code string) error {
	if code == "" {
		return fmt.Errorf("accessCode required: %w", domain.ErrValidation)
	}
	return nil
}

func (c *joinGameCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	if len(c.Username) > 64 || len(c.Avatar) > 256 {
		return fmt.Errorf("profile too long: %w", domain.ErrValidation)
	}
	return requireCode(c.AccessCode)
}

func (c *joinDashboardCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	return requireCode(c.AccessCode)
}

func (c *joinProjectionCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	return requireCode(c.AccessCode)
}

func (c *gameAnswerCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	if c.QuestionUID == "" || c.Answer.Empty() || c.Attempt < 0 {
		return fmt.Errorf("answer: %w", domain.ErrValidation)
	}
	return requireCode(c.AccessCode)
}

func (c *timerActionCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	if !c.Action.Valid() || c.QuestionUID == "" || c.DurationMs < 0 {
		return fmt.Errorf("timer action: %w", domain.ErrValidation)
	}
	return requireCode(c.AccessCode)
}

func (c *setQuestionCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	if c.QuestionIndex == nil {
		return fmt.Errorf("questionIndex required: %w", domain.ErrValidation)
	}
	return requireCode(c.AccessCode)
}

func (c *nextQuestionCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	return requireCode(c.AccessCode)
}

func (c *setStatusCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	switch c.Status {
	case domain.StatusActive, domain.StatusPaused, domain.StatusCompleted:
	default:
		return fmt.Errorf("status %q: %w", c.Status, domain.ErrValidation)
	}
	return requireCode(c.AccessCode)
}

func (c *closeQuestionCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	if c.QuestionUID == "" {
		return fmt.Errorf("questionUid required: %w", domain.ErrValidation)
	}
	return requireCode(c.AccessCode)
}

func (c *lockAnswersCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	return requireCode(c.AccessCode)
}

func (c *revealLeaderboardCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	return requireCode(c.AccessCode)
}

func (c *requestStateCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	if c.Attempt < 0 {
		return fmt.Errorf("attempt: %w", domain.ErrValidation)
	}
	return requireCode(c.AccessCode)
}

func (c *startDeferredCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	return requireCode(c.AccessCode)
}

func (c *deferredNextCmd) Validate() error {
	c.AccessCode = domain.NormalizeAccessCode(c.AccessCode)
	if c.Attempt <= 0 {
		return fmt.Errorf("attempt: %w", domain.ErrValidation)
	}
	return requireCode(c.AccessCode)
}

var commandFactories = map[string]func() command{
	msgJoinGame:          func() command { return &joinGameCmd{} },
	msgJoinDashboard:     func() command { return &joinDashboardCmd{} },
	msgJoinProjection:    func() command { return &joinProjectionCmd{} },
	msgGameAnswer:        func() command { return &gameAnswerCmd{} },
	msgTimerAction:       func() command { return &timerActionCmd{} },
	msgSetQuestion:       func() command { return &setQuestionCmd{} },
	msgNextQuestion:      func() command { return &nextQuestionCmd{} },
	msgSetStatus:         func() command { return &setStatusCmd{} },
	msgCloseQuestion:     func() command { return &closeQuestionCmd{} },
	msgLockAnswers:       func() command { return &lockAnswersCmd{} },
	msgRevealLeaderboard: func() command { return &revealLeaderboardCmd{} },
	msgRequestState:      func() command { return &requestStateCmd{} },
	msgStartDeferred:     func() command { return &startDeferredCmd{} },
	msgDeferredNext:      func() command { return &deferredNextCmd{} },
}

// decodeCommand parses an envelope into one of the known commands. Unknown
// types, unknown fields and trailing data are all validation errors.
func decodeCommand(raw []byte) (string, command, error) {
	var msg inboundMessage
	if err := strictUnmarshal(raw, &msg); err != nil {
		return "", nil, fmt.Errorf("envelope: %v: %w", err, domain.ErrValidation)
	}
	factory, ok := commandFactories[msg.Type]
	if !ok {
		return msg.Type, nil, fmt.Errorf("unsupported message type %q: %w", msg.Type, domain.ErrValidation)
	}
	cmd := factory()
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := strictUnmarshal(payload, cmd); err != nil {
		return msg.Type, nil, fmt.Errorf("%s payload: %v: %w", msg.Type, err, domain.ErrValidation)
	}
	if err := cmd.Validate(); err != nil {
		return msg.Type, nil, err
	}
	return msg.Type, cmd, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data")
	}
	return nil
}
