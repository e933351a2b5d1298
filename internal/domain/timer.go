package domain

// TimerStatus is the persisted status of a question timer.
type TimerStatus string

const (
	TimerRun   TimerStatus = "run"
	TimerPause TimerStatus = "pause"
	TimerStop  TimerStatus = "stop"
)

// Timer is the canonical, persisted timer of the current question.
// TimerEndDateMs is only set while running; remaining time is always derived.
type Timer struct {
	Status            TimerStatus `json:"status"`
	QuestionUID       string      `json:"questionUid"`
	DurationMs        int64       `json:"durationMs"`
	ElapsedMs         int64       `json:"elapsedMs"`
	TimerEndDateMs    int64       `json:"timerEndDateMs,omitempty"`
	LastStateChangeMs int64       `json:"lastStateChangeMs"`
}

// TimerView is what clients receive. It is computed from a Timer (or patched
// from the current question when none exists) and must never be persisted.
type TimerView struct {
	Status         TimerStatus `json:"status"`
	QuestionUID    string      `json:"questionUid"`
	DurationMs     int64       `json:"durationMs"`
	TimeLeftMs     int64       `json:"timeLeftMs"`
	TimerEndDateMs int64       `json:"timerEndDateMs,omitempty"`
	Derived        bool        `json:"derived,omitempty"`
}
