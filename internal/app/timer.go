package app

import "live-quiz-service/internal/domain"

// TimerAction is a teacher timer command.
type TimerAction string

const (
	TimerActionRun   TimerAction = "run"
	TimerActionPause TimerAction = "pause"
	TimerActionStop  TimerAction = "stop"
	TimerActionEdit  TimerAction = "edit"
)

// Valid reports whether a is a known timer action.
func (a TimerAction) Valid() bool {
	switch a {
	case TimerActionRun, TimerActionPause, TimerActionStop, TimerActionEdit:
		return true
	}
	return false
}

// The timer functions below never mutate their input; each returns the next
// persisted timer. While running, TimerEndDateMs always equals
// LastStateChangeMs + DurationMs - ElapsedMs.

// runTimer starts or resumes the timer of questionUID.
func runTimer(cur *domain.Timer, questionUID string, durationMs, nowMs int64) *domain.Timer {
	if cur != nil && cur.QuestionUID == questionUID {
		switch cur.Status {
		case domain.TimerRun:
			if nowMs < cur.TimerEndDateMs {
				next := *cur
				return &next
			}
		case domain.TimerPause:
			next := *cur
			next.Status = domain.TimerRun
			next.TimerEndDateMs = nowMs + remainingMs(cur.DurationMs, cur.ElapsedMs)
			next.LastStateChangeMs = nowMs
			return &next
		}
	}
	if durationMs < 0 {
		durationMs = 0
	}
	return &domain.Timer{
		Status:            domain.TimerRun,
		QuestionUID:       questionUID,
		DurationMs:        durationMs,
		TimerEndDateMs:    nowMs + durationMs,
		LastStateChangeMs: nowMs,
	}
}

// pauseTimer freezes played time. Without a timer it creates a held one with
// the full budget so a later run starts from the beginning.
func pauseTimer(cur *domain.Timer, questionUID string, durationMs, nowMs int64) *domain.Timer {
	if cur == nil || cur.QuestionUID != questionUID {
		return &domain.Timer{
			Status:            domain.TimerPause,
			QuestionUID:       questionUID,
			DurationMs:        durationMs,
			LastStateChangeMs: nowMs,
		}
	}
	next := *cur
	if cur.Status != domain.TimerRun {
		return &next
	}
	next.ElapsedMs = elapsedMs(cur, nowMs)
	next.Status = domain.TimerPause
	next.TimerEndDateMs = 0
	next.LastStateChangeMs = nowMs
	return &next
}

// stopTimer zeroes the remaining time.
func stopTimer(cur *domain.Timer, questionUID string, durationMs, nowMs int64) *domain.Timer {
	next := domain.Timer{QuestionUID: questionUID, DurationMs: durationMs}
	if cur != nil && cur.QuestionUID == questionUID {
		next = *cur
	}
	next.Status = domain.TimerStop
	next.ElapsedMs = next.DurationMs
	next.TimerEndDateMs = 0
	next.LastStateChangeMs = nowMs
	return &next
}

// editTimer replaces the total budget, keeping played time as is.
func editTimer(cur *domain.Timer, questionUID string, newDurationMs, nowMs int64) *domain.Timer {
	if newDurationMs < 0 {
		newDurationMs = 0
	}
	if cur == nil || cur.QuestionUID != questionUID {
		return runTimer(nil, questionUID, newDurationMs, nowMs)
	}
	next := *cur
	next.DurationMs = newDurationMs
	if cur.Status == domain.TimerRun {
		next.ElapsedMs = elapsedMs(cur, nowMs)
		next.LastStateChangeMs = nowMs
		next.TimerEndDateMs = nowMs + remainingMs(newDurationMs, next.ElapsedMs)
	}
	return &next
}

// elapsedMs is the played time of t at nowMs.
func elapsedMs(t *domain.Timer, nowMs int64) int64 {
	if t == nil {
		return 0
	}
	if t.Status != domain.TimerRun {
		return t.ElapsedMs
	}
	delta := nowMs - t.LastStateChangeMs
	if delta < 0 {
		delta = 0
	}
	return t.ElapsedMs + delta
}

func remainingMs(durationMs, elapsed int64) int64 {
	if left := durationMs - elapsed; left > 0 {
		return left
	}
	return 0
}

// timerView derives what clients see from the persisted timer.
func timerView(t *domain.Timer, nowMs int64) domain.TimerView {
	view := domain.TimerView{
		Status:      t.Status,
		QuestionUID: t.QuestionUID,
		DurationMs:  t.DurationMs,
	}
	switch t.Status {
	case domain.TimerRun:
		view.TimerEndDateMs = t.TimerEndDateMs
		if left := t.TimerEndDateMs - nowMs; left > 0 {
			view.TimeLeftMs = left
		} else {
			view.Status = domain.TimerStop
		}
	case domain.TimerPause:
		view.TimeLeftMs = remainingMs(t.DurationMs, t.ElapsedMs)
	}
	return view
}

// patchedTimerView covers a question that has no timer yet. The result is
// display-only: it is flagged Derived and never written to the store.
func patchedTimerView(q domain.Question) domain.TimerView {
	return domain.TimerView{
		Status:      domain.TimerStop,
		QuestionUID: q.UID,
		DurationMs:  q.TimeLimitMs,
		TimeLeftMs:  q.TimeLimitMs,
		Derived:     true,
	}
}

// acceptingAnswers reports whether the timer allows submissions at nowMs.
// Untimed questions accept answers until they are closed.
func acceptingAnswers(t *domain.Timer, questionUID string, nowMs int64) bool {
	if t == nil || t.QuestionUID != questionUID {
		return true
	}
	return t.Status == domain.TimerRun && nowMs < t.TimerEndDateMs
}
