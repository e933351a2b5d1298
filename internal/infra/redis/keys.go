package redis

import (
	"strconv"
	"strings"

	"live-quiz-service/internal/domain"
)

func stateKey(scope domain.Scope) string {
	if scope.Deferred() {
		return "game:" + scope.AccessCode + ":deferred:" + scope.UserID + ":" + strconv.Itoa(scope.Attempt)
	}
	return "game:" + scope.AccessCode
}

func participantsKey(code string) string {
	return "game:participants:" + code
}

func answersKey(scope domain.Scope, questionUID string) string {
	key := "game:answers:" + scope.AccessCode + ":" + questionUID
	if scope.Deferred() {
		key += ":" + strconv.Itoa(scope.Attempt)
	}
	return key
}

func scoresKey(code string) string {
	return "game:scores:" + code
}

func deferredScoresKey(code string) string {
	return "game:scores:" + code + ":deferred"
}

func attemptsKey(code string) string {
	return "game:attempts:" + code
}

func deferredPlayersKey(code string) string {
	return "game:deferred:players:" + code
}

func leaderboardKey(code string) string {
	return "game:leaderboard:" + code
}

// expiryKey marks a torn-down session; its TTL is the session's remaining life.
func expiryKey(code string) string {
	return "game:expiry:" + code
}

func questionsKey(templateID string) string {
	return "game:questions:" + templateID
}

// scoreField identifies one score contribution inside the scores hashes.
func scoreField(scope domain.Scope, userID, questionUID string) string {
	if scope.Deferred() {
		return userID + "|" + strconv.Itoa(scope.Attempt) + "|" + questionUID
	}
	return userID + "|" + questionUID
}

// parseLiveField splits "user|question". User ids may contain the separator,
// question uids may not.
func parseLiveField(field string) (string, bool) {
	i := strings.LastIndex(field, "|")
	if i <= 0 {
		return "", false
	}
	return field[:i], true
}

// parseDeferredField splits "user|attempt|question".
func parseDeferredField(field string) (string, int, bool) {
	i := strings.LastIndex(field, "|")
	if i <= 0 {
		return "", 0, false
	}
	rest := field[:i]
	j := strings.LastIndex(rest, "|")
	if j <= 0 {
		return "", 0, false
	}
	attempt, err := strconv.Atoi(rest[j+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:j], attempt, true
}
