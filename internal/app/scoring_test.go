package app

import (
	"errors"
	"testing"

	"live-quiz-service/internal/domain"
)

func TestGradeAnswer(t *testing.T) {
	single := domain.Question{UID: "q1", Type: domain.SingleChoice, Options: []string{"a", "b", "c"}, CorrectAnswers: []bool{false, true, false}}
	multi := domain.Question{UID: "q2", Type: domain.MultipleChoice, Options: []string{"a", "b", "c"}, CorrectAnswers: []bool{true, false, true}, Points: 3}
	numeric := domain.Question{UID: "q3", Type: domain.Numeric, Numeric: &domain.NumericAnswer{Value: 3.14, Tolerance: 0.01}}
	pi := 3.145

	cases := []struct {
		name    string
		q       domain.Question
		value   domain.AnswerValue
		correct bool
		points  int
	}{
		{"single correct", single, domain.AnswerValue{Choices: []int{1}}, true, 1},
		{"single wrong", single, domain.AnswerValue{Choices: []int{0}}, false, 0},
		{"multi any order", multi, domain.AnswerValue{Choices: []int{2, 0}}, true, 3},
		{"multi partial", multi, domain.AnswerValue{Choices: []int{0}}, false, 0},
		{"numeric within tolerance", numeric, domain.AnswerValue{Numeric: &pi}, true, 1},
	}
	for _, c := range cases {
		correct, points, err := gradeAnswer(c.q, c.value)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if correct != c.correct || points != c.points {
			t.Fatalf("%s: got (%v, %d), want (%v, %d)", c.name, correct, points, c.correct, c.points)
		}
	}

	invalid := []struct {
		name  string
		q     domain.Question
		value domain.AnswerValue
	}{
		{"two options on single", single, domain.AnswerValue{Choices: []int{0, 1}}},
		{"out of range", single, domain.AnswerValue{Choices: []int{7}}},
		{"duplicate option", multi, domain.AnswerValue{Choices: []int{0, 0}}},
		{"numeric for choice", single, domain.AnswerValue{Numeric: &pi}},
		{"choice for numeric", numeric, domain.AnswerValue{Choices: []int{0}}},
	}
	for _, c := range invalid {
		if _, _, err := gradeAnswer(c.q, c.value); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", c.name, err)
		}
	}
}

func TestComputeLeaderboardSharesRanks(t *testing.T) {
	board := ComputeLeaderboard([]domain.Participant{
		{UserID: "u3", Username: "Cleo", Score: 7},
		{UserID: "u2", Username: "Bob", Score: 10},
		{UserID: "u1", Username: "Alice", Score: 10},
		{UserID: "u4", Username: "Dan", Score: 2},
	})
	wantRanks := []int{1, 1, 3, 4}
	wantUsers := []string{"u1", "u2", "u3", "u4"}
	for i, e := range board {
		if e.Rank != wantRanks[i] || e.UserID != wantUsers[i] {
			t.Fatalf("entry %d: got %s rank %d, want %s rank %d", i, e.UserID, e.Rank, wantUsers[i], wantRanks[i])
		}
	}

	if len(ComputeLeaderboard(nil)) != 0 {
		t.Fatalf("empty input must give an empty board")
	}
}
