package app

import (
	"fmt"
	"math"
	"sort"

	"live-quiz-service/internal/domain"
)

// gradeAnswer validates an answer against the question and returns (correct, points).
// The result depends only on the answer, so re-grading a resubmission from
// scratch always gives the same contribution.
func gradeAnswer(q domain.Question, value domain.AnswerValue) (bool, int, error) {
	points := q.Points
	if points == 0 {
		points = 1
	}

	switch q.Type {
	case domain.Numeric:
		if value.Numeric == nil || len(value.Choices) > 0 {
			return false, 0, fmt.Errorf("numeric answer expected: %w", domain.ErrValidation)
		}
		if q.Numeric == nil {
			return false, 0, nil
		}
		if math.Abs(*value.Numeric-q.Numeric.Value) <= q.Numeric.Tolerance {
			return true, points, nil
		}
		return false, 0, nil

	case domain.SingleChoice, domain.MultipleChoice, "":
		if value.Numeric != nil || len(value.Choices) == 0 {
			return false, 0, fmt.Errorf("choice answer expected: %w", domain.ErrValidation)
		}
		if q.Type == domain.SingleChoice && len(value.Choices) != 1 {
			return false, 0, fmt.Errorf("single choice takes one option: %w", domain.ErrValidation)
		}
		chosen := make([]int, 0, len(value.Choices))
		seen := make(map[int]bool, len(value.Choices))
		for _, c := range value.Choices {
			if c < 0 || c >= len(q.Options) {
				return false, 0, fmt.Errorf("option %d out of range: %w", c, domain.ErrValidation)
			}
			if seen[c] {
				return false, 0, fmt.Errorf("option %d chosen twice: %w", c, domain.ErrValidation)
			}
			seen[c] = true
			chosen = append(chosen, c)
		}
		sort.Ints(chosen)
		correct := q.CorrectIndexes()
		if len(correct) == 0 || len(correct) != len(chosen) {
			return false, 0, nil
		}
		for i := range correct {
			if correct[i] != chosen[i] {
				return false, 0, nil
			}
		}
		return true, points, nil
	}
	return false, 0, fmt.Errorf("unknown question type %q: %w", q.Type, domain.ErrValidation)
}
