package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/redis/go-redis/v9"
)

const participantRetries = 3

// StateStore keeps session state in Redis so that every process serving a
// session sees the same data. State writes are optimistic: the state key is
// WATCHed, and a concurrent write makes the transaction fail with
// domain.ErrConcurrentMutation instead of being overwritten.
//
// Session keys carry no TTL while the session runs. ExpireSession sets the
// teardown expiry once, and keys written after it (deferred attempts,
// rejoins) take whatever remains of that expiry.
type StateStore struct {
	client *redis.Client
}

func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{client: client}
}

func (s *StateStore) CreateState(ctx context.Context, scope domain.Scope, state domain.GameState) error {
	state.Version = 1
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	ttl, err := retention(ctx, s.client, scope.AccessCode)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, stateKey(scope), payload, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("state %s already exists: %w", stateKey(scope), domain.ErrValidation)
	}
	return nil
}

func (s *StateStore) State(ctx context.Context, scope domain.Scope) (domain.GameState, error) {
	return readState(ctx, s.client, stateKey(scope))
}

func (s *StateStore) UpdateState(ctx context.Context, scope domain.Scope, fn func(*domain.GameState) error) (domain.GameState, error) {
	key := stateKey(scope)
	var out domain.GameState
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		state, err := readState(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&state); err != nil {
			return err
		}
		state.Version++
		payload, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		out = state
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.GameState{}, domain.ErrConcurrentMutation
	}
	if err != nil {
		return domain.GameState{}, err
	}
	return out, nil
}

// ExpireSession puts a TTL on every key of the session, deferred attempts
// included. An expiry already in place is only ever extended.
func (s *StateStore) ExpireSession(ctx context.Context, accessCode string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	current, err := retention(ctx, s.client, accessCode)
	if err != nil {
		return err
	}
	if current > ttl {
		ttl = current
	}
	keys := []string{
		stateKey(domain.LiveScope(accessCode)),
		participantsKey(accessCode),
		scoresKey(accessCode),
		deferredScoresKey(accessCode),
		attemptsKey(accessCode),
		deferredPlayersKey(accessCode),
		leaderboardKey(accessCode),
	}
	for _, pattern := range []string{"game:answers:" + accessCode + ":*", "game:" + accessCode + ":deferred:*"} {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, expiryKey(accessCode), time.Now().Add(ttl).UnixMilli(), ttl)
	for _, key := range keys {
		pipe.PExpire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *StateStore) PutParticipant(ctx context.Context, accessCode string, p domain.Participant) error {
	p.Score = 0
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	ttl, err := retention(ctx, s.client, accessCode)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, participantsKey(accessCode), p.UserID, payload)
	expire(ctx, pipe, participantsKey(accessCode), ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *StateStore) Participant(ctx context.Context, accessCode, userID string) (domain.Participant, error) {
	p, err := readParticipant(ctx, s.client, accessCode, userID)
	if err != nil {
		return domain.Participant{}, err
	}
	scores, err := s.client.HGetAll(ctx, scoresKey(accessCode)).Result()
	if err != nil {
		return domain.Participant{}, err
	}
	p.Score = liveTotals(scores)[userID]
	return p, nil
}

// UpdateParticipant retries a few times on conflict; presence updates from
// one user rarely race with anything but that user's own reconnects.
func (s *StateStore) UpdateParticipant(ctx context.Context, accessCode, userID string, fn func(*domain.Participant) error) (domain.Participant, error) {
	key := participantsKey(accessCode)
	var out domain.Participant
	txf := func(tx *redis.Tx) error {
		p, err := readParticipant(ctx, tx, accessCode, userID)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.UserID = userID
		p.Score = 0
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal participant: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, payload)
			return nil
		})
		out = p
		return err
	}

	var err error
	for i := 0; i < participantRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		return domain.Participant{}, domain.ErrConcurrentMutation
	}
	if err != nil {
		return domain.Participant{}, err
	}
	scores, err := s.client.HGetAll(ctx, scoresKey(accessCode)).Result()
	if err != nil {
		return domain.Participant{}, err
	}
	out.Score = liveTotals(scores)[userID]
	return out, nil
}

func (s *StateStore) Participants(ctx context.Context, accessCode string) ([]domain.Participant, error) {
	pipe := s.client.Pipeline()
	rawParticipants := pipe.HGetAll(ctx, participantsKey(accessCode))
	rawScores := pipe.HGetAll(ctx, scoresKey(accessCode))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	totals := liveTotals(rawScores.Val())
	out := make([]domain.Participant, 0, len(rawParticipants.Val()))
	for userID, raw := range rawParticipants.Val() {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode participant %s: %w", userID, err)
		}
		p.Score = totals[userID]
		out = append(out, p)
	}
	return out, nil
}

func (s *StateStore) DeferredStandings(ctx context.Context, accessCode string) ([]domain.Participant, error) {
	pipe := s.client.Pipeline()
	rawPlayers := pipe.HGetAll(ctx, deferredPlayersKey(accessCode))
	rawAttempts := pipe.HGetAll(ctx, attemptsKey(accessCode))
	rawScores := pipe.HGetAll(ctx, deferredScoresKey(accessCode))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	type attemptKey struct {
		userID  string
		attempt int
	}
	totals := make(map[attemptKey]int)
	for field, raw := range rawScores.Val() {
		userID, attempt, ok := parseDeferredField(field)
		if !ok {
			continue
		}
		points, _ := strconv.Atoi(raw)
		totals[attemptKey{userID, attempt}] += points
	}

	out := make([]domain.Participant, 0, len(rawPlayers.Val()))
	for userID, raw := range rawPlayers.Val() {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode deferred player %s: %w", userID, err)
		}
		p.AttemptCount, _ = strconv.Atoi(rawAttempts.Val()[userID])
		p.Score, p.BestAttempt = 0, 0
		for attempt := 1; attempt <= p.AttemptCount; attempt++ {
			score := totals[attemptKey{userID, attempt}]
			if p.BestAttempt == 0 || score > p.Score {
				p.Score, p.BestAttempt = score, attempt
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *StateStore) NextAttempt(ctx context.Context, accessCode string, player domain.Participant) (int, error) {
	player.Score = 0
	payload, err := json.Marshal(player)
	if err != nil {
		return 0, fmt.Errorf("marshal deferred player: %w", err)
	}
	ttl, err := retention(ctx, s.client, accessCode)
	if err != nil {
		return 0, err
	}
	var attempt *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, deferredPlayersKey(accessCode), player.UserID, payload)
		attempt = pipe.HIncrBy(ctx, attemptsKey(accessCode), player.UserID, 1)
		expire(ctx, pipe, deferredPlayersKey(accessCode), ttl)
		expire(ctx, pipe, attemptsKey(accessCode), ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(attempt.Val()), nil
}

// RecordAnswer grades against the state read under WATCH and writes the
// answer and its score in one MULTI, so a state change in between (a close,
// a next question) discards the write.
func (s *StateStore) RecordAnswer(ctx context.Context, scope domain.Scope, grade func(domain.GameState) (domain.Answer, error)) (domain.Answer, error) {
	key := stateKey(scope)
	var out domain.Answer
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		state, err := readState(ctx, tx, key)
		if err != nil {
			return err
		}
		answer, err := grade(state)
		if err != nil {
			return err
		}
		ttl, err := retention(ctx, tx, scope.AccessCode)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(answer)
		if err != nil {
			return fmt.Errorf("marshal answer: %w", err)
		}
		aKey := answersKey(scope, answer.QuestionUID)
		sKey := scoresKey(scope.AccessCode)
		if scope.Deferred() {
			sKey = deferredScoresKey(scope.AccessCode)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, aKey, answer.UserID, payload)
			pipe.HSet(ctx, sKey, scoreField(scope, answer.UserID, answer.QuestionUID), answer.Points)
			expire(ctx, pipe, aKey, ttl)
			expire(ctx, pipe, sKey, ttl)
			return nil
		})
		out = answer
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.Answer{}, domain.ErrConcurrentMutation
	}
	if err != nil {
		return domain.Answer{}, err
	}
	return out, nil
}

func (s *StateStore) Answers(ctx context.Context, scope domain.Scope, questionUID string) (map[string]domain.Answer, error) {
	raw, err := s.client.HGetAll(ctx, answersKey(scope, questionUID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Answer, len(raw))
	for userID, payload := range raw {
		var a domain.Answer
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("decode answer of %s: %w", userID, err)
		}
		out[userID] = a
	}
	return out, nil
}

func (s *StateStore) SaveSnapshot(ctx context.Context, accessCode string, snapshot domain.LeaderboardSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ttl, err := retention(ctx, s.client, accessCode)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, leaderboardKey(accessCode), payload, ttl).Err()
}

func (s *StateStore) Snapshot(ctx context.Context, accessCode string) (domain.LeaderboardSnapshot, bool, error) {
	raw, err := s.client.Get(ctx, leaderboardKey(accessCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.LeaderboardSnapshot{}, false, nil
	}
	if err != nil {
		return domain.LeaderboardSnapshot{}, false, err
	}
	var snapshot domain.LeaderboardSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return domain.LeaderboardSnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, true, nil
}

// retention is the TTL new keys of a session must carry: zero while the
// session runs, the rest of the teardown expiry once ExpireSession ran.
func retention(ctx context.Context, c redis.Cmdable, accessCode string) (time.Duration, error) {
	ttl, err := c.PTTL(ctx, expiryKey(accessCode)).Result()
	if err != nil {
		return 0, err
	}
	// -2 for a missing marker, -1 for one without expiry
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func expire(ctx context.Context, pipe redis.Pipeliner, key string, ttl time.Duration) {
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
}

func readState(ctx context.Context, c redis.Cmdable, key string) (domain.GameState, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.GameState{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.GameState{}, err
	}
	var state domain.GameState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.GameState{}, fmt.Errorf("decode state %s: %w", key, err)
	}
	return state, nil
}

func readParticipant(ctx context.Context, c redis.Cmdable, accessCode, userID string) (domain.Participant, error) {
	raw, err := c.HGet(ctx, participantsKey(accessCode), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, err
	}
	var p domain.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Participant{}, fmt.Errorf("decode participant %s: %w", userID, err)
	}
	return p, nil
}

// liveTotals sums "user|question" contributions per user.
func liveTotals(scores map[string]string) map[string]int {
	totals := make(map[string]int)
	for field, raw := range scores {
		userID, ok := parseLiveField(field)
		if !ok {
			continue
		}
		points, _ := strconv.Atoi(raw)
		totals[userID] += points
	}
	return totals
}
