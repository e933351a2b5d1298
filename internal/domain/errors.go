package domain

import "errors"

var (
	// ErrValidation is returned for malformed or out-of-shape payloads.
	ErrValidation = errors.New("invalid payload")
	// ErrNotAuthorized is returned when the caller may not perform an action.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrStaleQuestion is returned when an action targets a question that is no longer current.
	ErrStaleQuestion = errors.New("question is no longer current")
	// ErrQuestionClosed is returned when answers are no longer accepted for a question.
	ErrQuestionClosed = errors.New("question is closed")
	// ErrSessionNotFound is returned when a quiz session has not been initialized.
	ErrSessionNotFound = errors.New("game session not found")
	// ErrConcurrentMutation is returned when an optimistic write lost a race.
	ErrConcurrentMutation = errors.New("session changed concurrently")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in game")
	// ErrIllegalTransition is returned for status changes the lifecycle forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrQuestionOutOfRange is returned for question indexes outside the question list.
	ErrQuestionOutOfRange = errors.New("question index out of range")
	// ErrDeferredUnavailable is returned when a deferred replay is not open.
	ErrDeferredUnavailable = errors.New("deferred play is not available")
	// ErrSessionFull is returned when a session reached its participant limit.
	ErrSessionFull = errors.New("game session is full")
	// ErrTemplateNotFound indicates the question template could not be loaded.
	ErrTemplateNotFound = errors.New("question template not found")
	// ErrAccessCodeExhausted is returned when no free access code could be generated.
	ErrAccessCodeExhausted = errors.New("could not allocate access code")
	// ErrGameCompleted is returned when a new participant joins a finished game.
	ErrGameCompleted = errors.New("game already completed")
	// ErrStaleSocket is returned when a presence update comes from a replaced socket.
	ErrStaleSocket = errors.New("socket no longer owns this presence")
)

// Wire error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotAuthorized      = "NOT_AUTHORIZED"
	CodeStaleQuestion      = "STALE_QUESTION"
	CodeQuestionClosed     = "QUESTION_CLOSED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeConcurrentMutation = "CONCURRENT_MUTATION_CONFLICT"
	CodeParticipant        = "PARTICIPANT_NOT_FOUND"
	CodeIllegalTransition  = "ILLEGAL_TRANSITION"
	CodeOutOfRange         = "QUESTION_OUT_OF_RANGE"
	CodeDeferred           = "DEFERRED_UNAVAILABLE"
	CodeSessionFull        = "SESSION_FULL"
	CodeTemplateNotFound   = "TEMPLATE_NOT_FOUND"
	CodeGameCompleted      = "GAME_COMPLETED"
	CodeInternal           = "INTERNAL_ERROR"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrValidation, CodeValidation},
	{ErrNotAuthorized, CodeNotAuthorized},
	{ErrStaleQuestion, CodeStaleQuestion},
	{ErrQuestionClosed, CodeQuestionClosed},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrConcurrentMutation, CodeConcurrentMutation},
	{ErrParticipantNotFound, CodeParticipant},
	{ErrIllegalTransition, CodeIllegalTransition},
	{ErrQuestionOutOfRange, CodeOutOfRange},
	{ErrDeferredUnavailable, CodeDeferred},
	{ErrSessionFull, CodeSessionFull},
	{ErrTemplateNotFound, CodeTemplateNotFound},
	{ErrGameCompleted, CodeGameCompleted},
}

// CodeOf maps an error to its wire code.
func CodeOf(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
