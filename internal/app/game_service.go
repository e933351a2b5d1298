package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/google/uuid"
)

// StateStore is the shared, multi-writer store holding per-session state.
// It is the single source of truth; implementations must make UpdateState
// and RecordAnswer optimistic and fail with domain.ErrConcurrentMutation
// instead of overwriting a newer state.
type StateStore interface {
	CreateState(ctx context.Context, scope domain.Scope, state domain.GameState) error
	State(ctx context.Context, scope domain.Scope) (domain.GameState, error)
	// UpdateState re-reads the state, applies fn and commits only if nothing
	// else wrote in between. A non-nil error from fn aborts without writing.
	UpdateState(ctx context.Context, scope domain.Scope, fn func(*domain.GameState) error) (domain.GameState, error)
	ExpireSession(ctx context.Context, accessCode string, ttl time.Duration) error

	PutParticipant(ctx context.Context, accessCode string, p domain.Participant) error
	Participant(ctx context.Context, accessCode, userID string) (domain.Participant, error)
	UpdateParticipant(ctx context.Context, accessCode, userID string, fn func(*domain.Participant) error) (domain.Participant, error)
	// Participants returns everyone in the live run, Score summed over the
	// live per-question contributions.
	Participants(ctx context.Context, accessCode string) ([]domain.Participant, error)
	// DeferredStandings returns deferred players with Score set to their
	// best attempt.
	DeferredStandings(ctx context.Context, accessCode string) ([]domain.Participant, error)
	// NextAttempt records player as a deferred player of the session and
	// returns their next attempt number, starting at 1.
	NextAttempt(ctx context.Context, accessCode string, player domain.Participant) (int, error)

	// RecordAnswer runs grade against the current state of scope and stores
	// the returned answer together with its score contribution, atomically,
	// replacing any earlier answer of the same user to the same question.
	RecordAnswer(ctx context.Context, scope domain.Scope, grade func(domain.GameState) (domain.Answer, error)) (domain.Answer, error)
	Answers(ctx context.Context, scope domain.Scope, questionUID string) (map[string]domain.Answer, error)

	SaveSnapshot(ctx context.Context, accessCode string, snapshot domain.LeaderboardSnapshot) error
	Snapshot(ctx context.Context, accessCode string) (domain.LeaderboardSnapshot, bool, error)
}

// QuestionRepository loads question sets (from cache/backing store).
type QuestionRepository interface {
	QuestionSet(ctx context.Context, templateID string) (domain.QuestionSet, error)
}

// InstanceRepository is the durable record of game instances.
type InstanceRepository interface {
	CreateInstance(ctx context.Context, instance domain.GameInstance) error
	InstanceByAccessCode(ctx context.Context, accessCode string) (domain.GameInstance, error)
	AccessCodeExists(ctx context.Context, accessCode string) (bool, error)
	CompleteInstance(ctx context.Context, instanceID string, completedAt time.Time) error
}

// ScoreWriter persists participants at join and final scores at completion.
type ScoreWriter interface {
	RecordJoin(ctx context.Context, instanceID string, p domain.Participant) error
	SaveFinalScores(ctx context.Context, instanceID string, scores []domain.FinalScore, completedAt time.Time) error
}

// Broadcaster fans an event out to every socket in a room.
type Broadcaster interface {
	Emit(ctx context.Context, room domain.Room, event Event) error
}

// Options tunes a GameService.
type Options struct {
	MaxParticipants  int
	AccessCodeLength int
	SessionTTL       time.Duration
}

const accessCodeAttempts = 10

// GameService is the session orchestration engine. Every method is a short,
// independent unit of work against the shared store.
type GameService struct {
	store     StateStore
	questions QuestionRepository
	instances InstanceRepository
	scores    ScoreWriter
	rooms     Broadcaster
	opts      Options
	now       func() time.Time
	seq       *sequencer
}

func NewGameService(store StateStore, questions QuestionRepository, instances InstanceRepository, scores ScoreWriter, rooms Broadcaster, opts Options) *GameService {
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 200
	}
	if opts.AccessCodeLength <= 0 {
		opts.AccessCodeLength = domain.DefaultAccessCodeLength
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	return &GameService{
		store:     store,
		questions: questions,
		instances: instances,
		scores:    scores,
		rooms:     rooms,
		opts:      opts,
		now:       time.Now,
		seq:       &sequencer{},
	}
}

// WithClock is test-only for deterministic timestamps.
func (s *GameService) WithClock(now func() time.Time) *GameService {
	s.now = now
	return s
}

// CreateGameRequest describes a new session.
type CreateGameRequest struct {
	TemplateID   string          `json:"templateId"`
	Mode         domain.PlayMode `json:"mode"`
	DeferredFrom *time.Time      `json:"deferredFrom,omitempty"`
	DeferredTo   *time.Time      `json:"deferredTo,omitempty"`
}

// CreateGame registers a new instance with a fresh access code and seeds its
// pending state.
func (s *GameService) CreateGame(ctx context.Context, owner domain.Identity, req CreateGameRequest) (domain.GameInstance, error) {
	if owner.UserID == "" || owner.Role == domain.RoleGuest {
		return domain.GameInstance{}, domain.ErrNotAuthorized
	}
	if req.Mode == "" {
		req.Mode = domain.ModeQuiz
	}
	if !req.Mode.Valid() || req.TemplateID == "" {
		return domain.GameInstance{}, fmt.Errorf("create game: %w", domain.ErrValidation)
	}
	if req.Mode != domain.ModePractice && owner.Role != domain.RoleTeacher {
		return domain.GameInstance{}, domain.ErrNotAuthorized
	}
	if (req.DeferredFrom == nil) != (req.DeferredTo == nil) {
		return domain.GameInstance{}, fmt.Errorf("deferred window needs both ends: %w", domain.ErrValidation)
	}
	if req.DeferredFrom != nil && req.DeferredTo.Before(*req.DeferredFrom) {
		return domain.GameInstance{}, fmt.Errorf("deferred window ends before it starts: %w", domain.ErrValidation)
	}

	qs, err := s.questions.QuestionSet(ctx, req.TemplateID)
	if err != nil {
		return domain.GameInstance{}, err
	}
	if len(qs.Questions) == 0 {
		return domain.GameInstance{}, fmt.Errorf("template has no questions: %w", domain.ErrValidation)
	}
	if err := qs.CheckUIDs(); err != nil {
		return domain.GameInstance{}, err
	}

	code, err := s.allocateAccessCode(ctx)
	if err != nil {
		return domain.GameInstance{}, err
	}

	now := s.now()
	instance := domain.GameInstance{
		ID:           uuid.NewString(),
		AccessCode:   code,
		TemplateID:   req.TemplateID,
		OwnerID:      owner.UserID,
		Mode:         req.Mode,
		Status:       domain.StatusPending,
		QuestionUIDs: qs.UIDs(),
		DeferredFrom: req.DeferredFrom,
		DeferredTo:   req.DeferredTo,
		CreatedAt:    now,
	}
	if err := s.instances.CreateInstance(ctx, instance); err != nil {
		return domain.GameInstance{}, err
	}
	if err := s.store.CreateState(ctx, domain.LiveScope(code), domain.NewGameState(instance, now)); err != nil {
		return domain.GameInstance{}, err
	}
	log.Printf("game %s created by %s (code %s, %d questions)", instance.ID, owner.UserID, code, len(qs.Questions))
	return instance, nil
}

func (s *GameService) allocateAccessCode(ctx context.Context) (string, error) {
	for i := 0; i < accessCodeAttempts; i++ {
		code, err := domain.NewAccessCode(s.opts.AccessCodeLength)
		if err != nil {
			return "", err
		}
		taken, err := s.instances.AccessCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", domain.ErrAccessCodeExhausted
}

// JoinResult is returned to a joining socket.
type JoinResult struct {
	Participant domain.Participant `json:"participant"`
	Rooms       []domain.Room      `json:"-"`
	View        GameView           `json:"view"`
}

// Join registers a participant, or re-attaches a returning one to a new
// socket. Either way the caller gets a full resync of the current state.
func (s *GameService) Join(ctx context.Context, id domain.Identity, accessCode, username, avatar, socketID string) (JoinResult, error) {
	if id.UserID == "" || accessCode == "" {
		return JoinResult{}, fmt.Errorf("join: %w", domain.ErrValidation)
	}
	if username == "" {
		username = id.Username
	}
	state, err := s.store.State(ctx, domain.LiveScope(accessCode))
	if err != nil {
		return JoinResult{}, err
	}

	now := s.now()
	participant, err := s.store.UpdateParticipant(ctx, accessCode, id.UserID, func(p *domain.Participant) error {
		if username != "" {
			p.Username = username
		}
		if avatar != "" {
			p.Avatar = avatar
		}
		p.SocketID = socketID
		p.Online = true
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrParticipantNotFound):
		if state.Status == domain.StatusCompleted {
			return JoinResult{}, domain.ErrGameCompleted
		}
		existing, err := s.store.Participants(ctx, accessCode)
		if err != nil {
			return JoinResult{}, err
		}
		if len(existing) >= s.opts.MaxParticipants {
			return JoinResult{}, domain.ErrSessionFull
		}
		participant = domain.Participant{
			UserID:   id.UserID,
			Username: username,
			Avatar:   avatar,
			SocketID: socketID,
			Online:   true,
			JoinedAt: now,
		}
		if err := s.store.PutParticipant(ctx, accessCode, participant); err != nil {
			return JoinResult{}, err
		}
		if err := s.scores.RecordJoin(ctx, state.InstanceID, participant); err != nil {
			log.Printf("record join of %s in %s: %v", id.UserID, accessCode, err)
		}
		if state.Status == domain.StatusPending {
			s.emit(ctx, domain.LobbyRoom(accessCode), EventParticipantJoined, state.Version, summarize([]domain.Participant{participant})[0])
		}
	default:
		return JoinResult{}, err
	}

	view, err := s.playerView(ctx, state)
	if err != nil {
		return JoinResult{}, err
	}
	// Lobby sockets are player sockets too, so the lobby only carries joins.
	rooms := []domain.Room{domain.PlayerRoom(accessCode)}
	if state.Status == domain.StatusPending {
		rooms = append(rooms, domain.LobbyRoom(accessCode))
	}
	s.emitParticipants(ctx, state)
	return JoinResult{Participant: participant, Rooms: rooms, View: view}, nil
}

// AdvanceToQuestion makes question index current. The previous question is
// terminated, the lock flag reset and the timer replaced. A pending or paused
// session becomes active.
func (s *GameService) AdvanceToQuestion(ctx context.Context, id domain.Identity, accessCode string, index int) (GameView, error) {
	unlock := s.seq.lock(accessCode)
	defer unlock()
	return s.advance(ctx, id, accessCode, func(st *domain.GameState) (int, error) {
		return index, nil
	})
}

// NextQuestion advances by one. fromQuestionUID, when set, must still be the
// current question so that a repeated click cannot skip a question. Past
// the last question the session completes.
func (s *GameService) NextQuestion(ctx context.Context, id domain.Identity, accessCode, fromQuestionUID string) (GameView, error) {
	unlock := s.seq.lock(accessCode)
	defer unlock()

	var finished bool
	view, err := s.advance(ctx, id, accessCode, func(st *domain.GameState) (int, error) {
		if fromQuestionUID != "" && fromQuestionUID != st.CurrentQuestionUID {
			return 0, domain.ErrStaleQuestion
		}
		next := st.CurrentQuestionIndex + 1
		if next >= len(st.QuestionUIDs) {
			finished = true
			return 0, errNoChange
		}
		return next, nil
	})
	if finished {
		return s.setStatus(ctx, id, accessCode, domain.StatusCompleted)
	}
	return view, err
}

func (s *GameService) advance(ctx context.Context, id domain.Identity, accessCode string, target func(*domain.GameState) (int, error)) (GameView, error) {
	scope := domain.LiveScope(accessCode)
	current, err := s.store.State(ctx, scope)
	if err != nil {
		return GameView{}, err
	}
	if err := authorizeOwner(id, current); err != nil {
		return GameView{}, err
	}
	qs, err := s.questionSet(ctx, current.TemplateID)
	if err != nil {
		return GameView{}, err
	}

	nowMs := s.now().UnixMilli()
	var previousUID string
	var previousStatus domain.GameStatus
	state, err := s.mutate(ctx, scope, func(st *domain.GameState) error {
		if err := authorizeOwner(id, *st); err != nil {
			return err
		}
		if st.Status == domain.StatusCompleted {
			return domain.ErrIllegalTransition
		}
		index, err := target(st)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(st.QuestionUIDs) {
			return domain.ErrQuestionOutOfRange
		}
		uid := st.QuestionUIDs[index]
		q, _, ok := qs.ByUID(uid)
		if !ok {
			return fmt.Errorf("question %s missing from template %s: %w", uid, st.TemplateID, domain.ErrQuestionOutOfRange)
		}

		previousUID = st.CurrentQuestionUID
		previousStatus = st.Status
		if previousUID != uid {
			st.Terminate(previousUID)
		}
		st.CurrentQuestionIndex = index
		st.CurrentQuestionUID = uid
		st.AnswersLocked = false
		st.Timer = nil
		if q.TimeLimitMs > 0 && !st.IsTerminated(uid) {
			st.Timer = runTimer(nil, uid, q.TimeLimitMs, nowMs)
		}
		st.Status = domain.StatusActive
		return nil
	})
	if err != nil {
		return GameView{}, err
	}

	if previousUID != "" && previousUID != state.CurrentQuestionUID {
		s.emit(ctx, domain.PlayerRoom(accessCode), EventQuestionClosed, state.Version, QuestionClosedPayload{QuestionUID: previousUID})
	}
	if previousStatus != state.Status {
		s.emitStatus(ctx, state)
	}
	s.emitQuestion(ctx, state, qs)
	return s.buildView(state, qs), nil
}

// SetStatus moves the session through its lifecycle. Completing a session
// persists final scores and cannot be undone; repeating it re-runs the
// persistence, so a failed durable write can be retried.
func (s *GameService) SetStatus(ctx context.Context, id domain.Identity, accessCode string, status domain.GameStatus) (GameView, error) {
	unlock := s.seq.lock(accessCode)
	defer unlock()
	return s.setStatus(ctx, id, accessCode, status)
}

func (s *GameService) setStatus(ctx context.Context, id domain.Identity, accessCode string, status domain.GameStatus) (GameView, error) {
	switch status {
	case domain.StatusActive, domain.StatusPaused, domain.StatusCompleted:
	default:
		return GameView{}, fmt.Errorf("status %q: %w", status, domain.ErrValidation)
	}

	scope := domain.LiveScope(accessCode)
	nowMs := s.now().UnixMilli()
	var previous domain.GameStatus
	state, err := s.mutate(ctx, scope, func(st *domain.GameState) error {
		if err := authorizeOwner(id, *st); err != nil {
			return err
		}
		if !st.Status.CanTransition(status) {
			return fmt.Errorf("%s -> %s: %w", st.Status, status, domain.ErrIllegalTransition)
		}
		previous = st.Status
		if st.Status == status && status != domain.StatusCompleted {
			return errNoChange
		}
		uid := st.CurrentQuestionUID
		switch status {
		case domain.StatusPaused:
			if st.Timer != nil && st.Timer.Status == domain.TimerRun {
				st.Timer = pauseTimer(st.Timer, uid, st.Timer.DurationMs, nowMs)
			}
		case domain.StatusActive:
			if st.Timer != nil && st.Timer.Status == domain.TimerPause && !st.IsTerminated(uid) {
				st.Timer = runTimer(st.Timer, uid, st.Timer.DurationMs, nowMs)
			}
		case domain.StatusCompleted:
			if uid != "" {
				st.Terminate(uid)
				if st.Timer != nil {
					st.Timer = stopTimer(st.Timer, uid, st.Timer.DurationMs, nowMs)
				}
			}
			st.AnswersLocked = true
		}
		st.Status = status
		return nil
	})
	if errors.Is(err, errNoChange) {
		return s.PlayerView(ctx, scope)
	}
	if err != nil {
		return GameView{}, err
	}

	if previous != state.Status {
		s.emitStatus(ctx, state)
		if state.Timer != nil {
			s.emitTimer(ctx, state)
		}
	}
	if state.Status == domain.StatusCompleted {
		if err := s.finalize(ctx, state); err != nil {
			return GameView{}, err
		}
	}
	return s.PlayerView(ctx, scope)
}

// finalize writes final scores durably and schedules teardown of the live
// keys. Instances that can be replayed keep their state until the window ends.
func (s *GameService) finalize(ctx context.Context, state domain.GameState) error {
	now := s.now()
	participants, err := s.store.Participants(ctx, state.AccessCode)
	if err != nil {
		return err
	}
	board := ComputeLeaderboard(participants)
	joined := make(map[string]time.Time, len(participants))
	for _, p := range participants {
		joined[p.UserID] = p.JoinedAt
	}
	final := make([]domain.FinalScore, 0, len(board))
	for _, e := range board {
		final = append(final, domain.FinalScore{
			UserID:   e.UserID,
			Username: e.Username,
			Avatar:   e.Avatar,
			Score:    e.Score,
			Rank:     e.Rank,
			JoinedAt: joined[e.UserID],
		})
	}
	if err := s.scores.SaveFinalScores(ctx, state.InstanceID, final, now); err != nil {
		log.Printf("save final scores for %s: %v", state.AccessCode, err)
		return err
	}
	if err := s.instances.CompleteInstance(ctx, state.InstanceID, now); err != nil {
		log.Printf("complete instance %s: %v", state.InstanceID, err)
		return err
	}

	ttl := s.opts.SessionTTL
	if instance, err := s.instances.InstanceByAccessCode(ctx, state.AccessCode); err == nil && instance.DeferredTo != nil {
		if keep := instance.DeferredTo.Sub(now); keep > ttl {
			ttl = keep
		}
	}
	if err := s.store.ExpireSession(ctx, state.AccessCode, ttl); err != nil {
		log.Printf("expire session %s: %v", state.AccessCode, err)
	}
	log.Printf("game %s completed with %d participants", state.AccessCode, len(final))
	return nil
}

// CloseQuestion terminates the current question and reveals its results to
// the dashboard and projector. Players only learn that it closed.
func (s *GameService) CloseQuestion(ctx context.Context, id domain.Identity, accessCode, questionUID string) (QuestionResults, error) {
	unlock := s.seq.lock(accessCode)
	defer unlock()

	scope := domain.LiveScope(accessCode)
	nowMs := s.now().UnixMilli()
	state, err := s.mutate(ctx, scope, func(st *domain.GameState) error {
		if err := authorizeOwner(id, *st); err != nil {
			return err
		}
		if questionUID == "" || questionUID != st.CurrentQuestionUID {
			return domain.ErrStaleQuestion
		}
		st.Terminate(questionUID)
		st.AnswersLocked = true
		if st.Timer != nil && st.Timer.QuestionUID == questionUID && st.Timer.Status != domain.TimerStop {
			st.Timer = stopTimer(st.Timer, questionUID, st.Timer.DurationMs, nowMs)
		}
		return nil
	})
	if err != nil {
		return QuestionResults{}, err
	}

	qs, err := s.questionSet(ctx, state.TemplateID)
	if err != nil {
		return QuestionResults{}, err
	}
	q, _, _ := qs.ByUID(questionUID)
	participants, err := s.store.Participants(ctx, accessCode)
	if err != nil {
		return QuestionResults{}, err
	}
	results := QuestionResults{
		QuestionUID:    questionUID,
		CorrectAnswers: q.CorrectIndexes(),
		Numeric:        q.Numeric,
		Leaderboard:    ComputeLeaderboard(participants),
	}

	s.emit(ctx, domain.PlayerRoom(accessCode), EventQuestionClosed, state.Version, QuestionClosedPayload{QuestionUID: questionUID})
	if state.Timer != nil {
		s.emitTimer(ctx, state)
	}
	s.emitDashboard(ctx, state, EventQuestionResults, results)
	s.emit(ctx, domain.ProjectorRoom(state.InstanceID), EventQuestionResults, state.Version, results)
	return results, nil
}

// LockAnswers toggles the lock flag of the current question.
func (s *GameService) LockAnswers(ctx context.Context, id domain.Identity, accessCode string, locked bool) (GameView, error) {
	unlock := s.seq.lock(accessCode)
	defer unlock()

	scope := domain.LiveScope(accessCode)
	_, err := s.mutate(ctx, scope, func(st *domain.GameState) error {
		if err := authorizeOwner(id, *st); err != nil {
			return err
		}
		if st.Status == domain.StatusCompleted {
			return domain.ErrIllegalTransition
		}
		if st.AnswersLocked == locked {
			return errNoChange
		}
		if !locked && st.IsTerminated(st.CurrentQuestionUID) {
			return domain.ErrQuestionClosed
		}
		st.AnswersLocked = locked
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return GameView{}, err
	}
	return s.PlayerView(ctx, scope)
}

// RevealLeaderboard freezes the current leaderboard and shows it on the
// projector. Later score changes do not alter what the projector shows
// until the next reveal.
func (s *GameService) RevealLeaderboard(ctx context.Context, id domain.Identity, accessCode string) (domain.LeaderboardSnapshot, error) {
	unlock := s.seq.lock(accessCode)
	defer unlock()

	state, err := s.store.State(ctx, domain.LiveScope(accessCode))
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	if err := authorizeOwner(id, state); err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	participants, err := s.store.Participants(ctx, accessCode)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	snapshot := SnapshotLeaderboard(participants, s.now())
	if err := s.store.SaveSnapshot(ctx, accessCode, snapshot); err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	s.emit(ctx, domain.ProjectorRoom(state.InstanceID), EventProjectionLeaderboard, state.Version, snapshot)
	s.emitDashboard(ctx, state, EventProjectionLeaderboard, snapshot)
	return snapshot, nil
}

// errNoChange aborts a mutation that would not change anything.
var errNoChange = errors.New("no change")

// mutate commits fn against the latest state, retrying once when another
// writer got there first.
func (s *GameService) mutate(ctx context.Context, scope domain.Scope, fn func(*domain.GameState) error) (domain.GameState, error) {
	apply := func(st *domain.GameState) error {
		if err := fn(st); err != nil {
			return err
		}
		st.UpdatedAt = s.now()
		return nil
	}
	state, err := s.store.UpdateState(ctx, scope, apply)
	if errors.Is(err, domain.ErrConcurrentMutation) {
		state, err = s.store.UpdateState(ctx, scope, apply)
	}
	return state, err
}

func (s *GameService) questionSet(ctx context.Context, templateID string) (domain.QuestionSet, error) {
	qs, err := s.questions.QuestionSet(ctx, templateID)
	if err != nil {
		return domain.QuestionSet{}, fmt.Errorf("load questions %s: %w", templateID, err)
	}
	return qs, nil
}

func authorizeOwner(id domain.Identity, state domain.GameState) error {
	if id.UserID == "" || id.UserID != state.OwnerID {
		return domain.ErrNotAuthorized
	}
	return nil
}
