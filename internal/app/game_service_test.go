package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

var (
	owner = domain.Identity{UserID: "t1", Username: "Ms Smith", Role: domain.RoleTeacher}
	alice = domain.Identity{UserID: "u1", Username: "Alice", Role: domain.RoleStudent}
	bob   = domain.Identity{UserID: "u2", Username: "Bob", Role: domain.RoleStudent}
)

type recorded struct {
	room  domain.Room
	event Event
}

// recorder is a Broadcaster that remembers everything it was asked to send.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Emit(_ context.Context, room domain.Room, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{room: room, event: event})
	return nil
}

func (r *recorder) count(room domain.Room, eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.room == room && e.event.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) inRoom(room domain.Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.room == room {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	service   *GameService
	store     *memory.StateStore
	instances *memory.InstanceStore
	rooms     *recorder
	clock     *clock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStateStore(),
		instances: memory.NewInstanceStore(),
		rooms:     &recorder{},
		clock:     &clock{now: time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)},
	}
	questions := memory.NewQuestionRepository(memory.NewStaticQuestionLoader(testSets()), time.Hour)
	h.service = NewGameService(h.store, questions, h.instances, h.instances, h.rooms, opts).WithClock(h.clock.Now)
	return h
}

// seed registers an instance under a fixed access code, the way CreateGame
// would, so scenarios can refer to the code directly.
func (h *harness) seed(t *testing.T, code string, mutate func(*domain.GameInstance)) domain.GameInstance {
	t.Helper()
	ctx := context.Background()
	instance := domain.GameInstance{
		ID:           "inst-" + code,
		AccessCode:   code,
		TemplateID:   "tpl-1",
		OwnerID:      owner.UserID,
		Mode:         domain.ModeQuiz,
		Status:       domain.StatusPending,
		QuestionUIDs: []string{"q1", "q2", "q3"},
		CreatedAt:    h.clock.Now(),
	}
	if mutate != nil {
		mutate(&instance)
	}
	if err := h.instances.CreateInstance(ctx, instance); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := h.store.CreateState(ctx, domain.LiveScope(code), domain.NewGameState(instance, h.clock.Now())); err != nil {
		t.Fatalf("create state: %v", err)
	}
	return instance
}

func (h *harness) join(t *testing.T, code string, ids ...domain.Identity) {
	t.Helper()
	for _, id := range ids {
		if _, err := h.service.Join(context.Background(), id, code, "", "", "sock-"+id.UserID); err != nil {
			t.Fatalf("join %s: %v", id.UserID, err)
		}
	}
}

func (h *harness) answer(id domain.Identity, code, questionUID string, choices ...int) error {
	_, err := h.service.SubmitAnswer(context.Background(), id, SubmitRequest{
		AccessCode:  code,
		QuestionUID: questionUID,
		Value:       domain.AnswerValue{Choices: choices},
	})
	return err
}

func (h *harness) scores(t *testing.T, code string) map[string]int {
	t.Helper()
	participants, err := h.store.Participants(context.Background(), code)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	out := make(map[string]int, len(participants))
	for _, p := range participants {
		out[p.UserID] = p.Score
	}
	return out
}

func TestCreateGame(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	instance, err := h.service.CreateGame(ctx, owner, CreateGameRequest{TemplateID: "tpl-1", Mode: domain.ModeTournament})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(instance.AccessCode) != domain.DefaultAccessCodeLength || len(instance.QuestionUIDs) != 3 {
		t.Fatalf("unexpected instance: %+v", instance)
	}
	state, err := h.store.State(ctx, domain.LiveScope(instance.AccessCode))
	if err != nil || state.Status != domain.StatusPending || state.CurrentQuestionIndex != -1 {
		t.Fatalf("expected pending state, got %+v (%v)", state, err)
	}

	if _, err := h.service.CreateGame(ctx, alice, CreateGameRequest{TemplateID: "tpl-1", Mode: domain.ModeQuiz}); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("students cannot host quizzes, got %v", err)
	}
	if _, err := h.service.CreateGame(ctx, alice, CreateGameRequest{TemplateID: "tpl-1", Mode: domain.ModePractice}); err != nil {
		t.Fatalf("students can start practice: %v", err)
	}
	if _, err := h.service.CreateGame(ctx, owner, CreateGameRequest{TemplateID: "missing"}); !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Fatalf("expected template not found, got %v", err)
	}
	from := h.clock.Now()
	if _, err := h.service.CreateGame(ctx, owner, CreateGameRequest{TemplateID: "tpl-1", DeferredFrom: &from}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("half a deferred window must be rejected, got %v", err)
	}
	if _, err := h.service.CreateGame(ctx, owner, CreateGameRequest{TemplateID: "tpl-pipe"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("a uid with the score separator must be rejected, got %v", err)
	}
}

func TestLateAnswerAfterAdvanceIsStale(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)
	h.join(t, "ABC123", alice)

	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance to 0: %v", err)
	}
	if err := h.answer(alice, "ABC123", "q1", 1); err != nil {
		t.Fatalf("answer q1: %v", err)
	}

	h.clock.advance(3 * time.Second)
	view, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 1)
	if err != nil {
		t.Fatalf("advance to 1: %v", err)
	}
	if view.Question == nil || view.Question.UID != "q2" || view.AnswersLocked {
		t.Fatalf("unexpected view after advance: %+v", view)
	}

	if err := h.answer(alice, "ABC123", "q1", 0); !errors.Is(err, domain.ErrStaleQuestion) {
		t.Fatalf("expected stale question, got %v", err)
	}
	answers, _ := h.store.Answers(ctx, domain.LiveScope("ABC123"), "q1")
	if got := answers[alice.UserID].Value.Choices; len(got) != 1 || got[0] != 1 {
		t.Fatalf("closed answer was changed: %v", got)
	}
	if h.scores(t, "ABC123")[alice.UserID] != 1 {
		t.Fatalf("score changed after a rejected answer")
	}

	state, _ := h.store.State(ctx, domain.LiveScope("ABC123"))
	if !state.IsTerminated("q1") {
		t.Fatalf("q1 must be terminated once the teacher moved on")
	}
	if h.rooms.count(domain.PlayerRoom("ABC123"), EventQuestionClosed) != 1 {
		t.Fatalf("players must be told q1 closed")
	}

	// going back does not reopen a terminated question
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance back: %v", err)
	}
	if err := h.answer(alice, "ABC123", "q1", 1); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("expected closed question, got %v", err)
	}
}

func TestResubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)
	h.join(t, "ABC123", alice, bob)
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 1); err != nil {
		t.Fatalf("advance: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := h.answer(alice, "ABC123", "q2", 0, 2); err != nil {
			t.Fatalf("answer: %v", err)
		}
	}
	if got := h.scores(t, "ABC123")[alice.UserID]; got != 2 {
		t.Fatalf("duplicate delivery must count once, got %d", got)
	}

	// the last write by server receipt wins
	if err := h.answer(alice, "ABC123", "q2", 0); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := h.scores(t, "ABC123")[alice.UserID]; got != 0 {
		t.Fatalf("expected the wrong resubmission to replace the right one, got %d", got)
	}
	if err := h.answer(bob, "ABC123", "q2", 5); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	answers, _ := h.store.Answers(ctx, domain.LiveScope("ABC123"), "q2")
	if len(answers) != 1 {
		t.Fatalf("invalid answer must not be stored: %v", answers)
	}

	outsider := domain.Identity{UserID: "u9", Role: domain.RoleStudent}
	if err := h.answer(outsider, "ABC123", "q2", 0); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected participant not found, got %v", err)
	}
}

func TestAnswersRespectTimerAndLock(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)
	h.join(t, "ABC123", alice)
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if _, err := h.service.LockAnswers(ctx, owner, "ABC123", true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := h.answer(alice, "ABC123", "q1", 1); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("expected closed while locked, got %v", err)
	}
	if _, err := h.service.LockAnswers(ctx, owner, "ABC123", false); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	h.clock.advance(31 * time.Second)
	if err := h.answer(alice, "ABC123", "q1", 1); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("expected closed after the timer ran out, got %v", err)
	}
	state, _ := h.store.State(ctx, domain.LiveScope("ABC123"))
	if state.Timer.Status != domain.TimerRun {
		t.Fatalf("lazy expiry must not write the timer, got %s", state.Timer.Status)
	}
}

func TestLateJoinerReceivesRemainingTime(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance: %v", err)
	}

	h.clock.advance(10 * time.Second)
	res, err := h.service.Join(ctx, alice, "ABC123", "", "", "sock-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.View.Timer == nil || res.View.Timer.TimeLeftMs != 20000 {
		t.Fatalf("expected 20000ms left, got %+v", res.View.Timer)
	}
	if res.View.Question == nil || res.View.Question.UID != "q1" {
		t.Fatalf("expected the running question, got %+v", res.View.Question)
	}
	if len(res.Rooms) != 1 || res.Rooms[0] != domain.PlayerRoom("ABC123") {
		t.Fatalf("an active game has no lobby, got rooms %v", res.Rooms)
	}
}

func TestUntimedQuestionGetsPatchedTimer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 1); err != nil {
		t.Fatalf("advance: %v", err)
	}

	view, err := h.service.PlayerView(ctx, domain.LiveScope("ABC123"))
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Timer == nil || !view.Timer.Derived {
		t.Fatalf("expected a derived timer, got %+v", view.Timer)
	}
	state, _ := h.store.State(ctx, domain.LiveScope("ABC123"))
	if state.Timer != nil {
		t.Fatalf("patched timer was persisted: %+v", state.Timer)
	}
}

func TestControlTimer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)

	if _, err := h.service.ControlTimer(ctx, owner, "ABC123", TimerActionRun, "q1", 0); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("timer on a pending game must fail, got %v", err)
	}
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance: %v", err)
	}

	h.clock.advance(5 * time.Second)
	paused, err := h.service.ControlTimer(ctx, owner, "ABC123", TimerActionPause, "q1", 0)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != domain.TimerPause || paused.TimeLeftMs != 25000 {
		t.Fatalf("unexpected paused view: %+v", paused)
	}

	h.clock.advance(time.Minute)
	edited, err := h.service.ControlTimer(ctx, owner, "ABC123", TimerActionEdit, "q1", 60000)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.TimeLeftMs != 55000 {
		t.Fatalf("edit must keep played time, got %+v", edited)
	}
	running, err := h.service.ControlTimer(ctx, owner, "ABC123", TimerActionRun, "q1", 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if running.Status != domain.TimerRun || running.TimeLeftMs != 55000 {
		t.Fatalf("unexpected running view: %+v", running)
	}

	if _, err := h.service.ControlTimer(ctx, owner, "ABC123", TimerActionRun, "q2", 0); !errors.Is(err, domain.ErrStaleQuestion) {
		t.Fatalf("expected stale question, got %v", err)
	}
	if _, err := h.service.ControlTimer(ctx, alice, "ABC123", TimerActionStop, "q1", 0); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("only the owner drives the timer, got %v", err)
	}
	if _, err := h.service.ControlTimer(ctx, owner, "ABC123", TimerActionEdit, "q1", 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("edit needs a duration, got %v", err)
	}

	if _, err := h.service.CloseQuestion(ctx, owner, "ABC123", "q1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.service.ControlTimer(ctx, owner, "ABC123", TimerActionEdit, "q1", 10000); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("closed question timers cannot be edited, got %v", err)
	}
	if h.rooms.count(domain.PlayerRoom("ABC123"), EventTimerUpdated) < 3 {
		t.Fatalf("timer changes must reach players")
	}
}

func TestPauseAndResumeGame(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)
	h.join(t, "ABC123", alice)
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance: %v", err)
	}

	h.clock.advance(10 * time.Second)
	view, err := h.service.SetStatus(ctx, owner, "ABC123", domain.StatusPaused)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if view.Status != domain.StatusPaused || view.Timer.Status != domain.TimerPause {
		t.Fatalf("unexpected paused view: %+v", view)
	}
	if err := h.answer(alice, "ABC123", "q1", 1); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("a paused game takes no answers, got %v", err)
	}

	h.clock.advance(time.Hour)
	view, err = h.service.SetStatus(ctx, owner, "ABC123", domain.StatusActive)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if view.Timer.TimeLeftMs != 20000 {
		t.Fatalf("expected the remaining 20000ms after resume, got %d", view.Timer.TimeLeftMs)
	}
	if _, err := h.service.SetStatus(ctx, owner, "ABC123", domain.StatusPending); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("pending is not a target status, got %v", err)
	}
}

func TestGameCompletionPersistsFinalScores(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	instance := h.seed(t, "ABC123", nil)
	h.join(t, "ABC123", alice, bob)

	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	_ = h.answer(alice, "ABC123", "q1", 1)
	_ = h.answer(bob, "ABC123", "q1", 0)
	for _, uid := range []string{"q1", "q2"} {
		if _, err := h.service.NextQuestion(ctx, owner, "ABC123", uid); err != nil {
			t.Fatalf("next from %s: %v", uid, err)
		}
	}
	if _, err := h.service.NextQuestion(ctx, owner, "ABC123", "q1"); !errors.Is(err, domain.ErrStaleQuestion) {
		t.Fatalf("a repeated next must not skip a question, got %v", err)
	}

	view, err := h.service.NextQuestion(ctx, owner, "ABC123", "q3")
	if err != nil {
		t.Fatalf("next past the end: %v", err)
	}
	if view.Status != domain.StatusCompleted || !view.AnswersLocked {
		t.Fatalf("expected a completed game, got %+v", view)
	}

	final := h.instances.FinalScores(instance.ID)
	if len(final) != 2 || final[0].UserID != alice.UserID || final[0].Score != 1 || final[0].Rank != 1 || final[1].Rank != 2 {
		t.Fatalf("unexpected final scores: %+v", final)
	}
	stored, _ := h.instances.InstanceByAccessCode(ctx, "ABC123")
	if stored.Status != domain.StatusCompleted || stored.CompletedAt == nil {
		t.Fatalf("instance not completed: %+v", stored)
	}

	if _, err := h.service.SetStatus(ctx, owner, "ABC123", domain.StatusActive); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("completed is terminal, got %v", err)
	}
	if _, err := h.service.Join(ctx, domain.Identity{UserID: "u3", Username: "Cleo"}, "ABC123", "", "", "s"); !errors.Is(err, domain.ErrGameCompleted) {
		t.Fatalf("new players cannot join a finished game, got %v", err)
	}
	if _, err := h.service.Join(ctx, alice, "ABC123", "", "", "sock-again"); err != nil {
		t.Fatalf("returning players may still resync: %v", err)
	}
}

func TestJoinLimitsAndReconnect(t *testing.T) {
	h := newHarness(t, Options{MaxParticipants: 2})
	ctx := context.Background()
	instance := h.seed(t, "ABC123", nil)
	h.join(t, "ABC123", alice, bob)

	if !h.instances.Joined(instance.ID, alice.UserID) {
		t.Fatalf("join must be recorded durably")
	}
	if h.rooms.count(domain.LobbyRoom("ABC123"), EventParticipantJoined) != 2 {
		t.Fatalf("lobby must see both joins")
	}
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.rooms.count(domain.LobbyRoom("ABC123"), EventStatusChanged); got != 0 {
		t.Fatalf("status changes reach lobby sockets through the player room, lobby got %d", got)
	}
	if got := h.rooms.count(domain.PlayerRoom("ABC123"), EventStatusChanged); got != 1 {
		t.Fatalf("expected one status change for players, got %d", got)
	}
	if _, err := h.service.Join(ctx, domain.Identity{UserID: "u3", Username: "Cleo"}, "ABC123", "", "", "s3"); !errors.Is(err, domain.ErrSessionFull) {
		t.Fatalf("expected session full, got %v", err)
	}

	// a new socket replaces the old one; the old socket's disconnect is ignored
	res, err := h.service.Join(ctx, alice, "ABC123", "Ali", "", "sock-new")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.Participant.Username != "Ali" || !res.Participant.Online {
		t.Fatalf("unexpected participant: %+v", res.Participant)
	}
	if err := h.service.Disconnect(ctx, "ABC123", alice.UserID, "sock-"+alice.UserID); err != nil {
		t.Fatalf("stale disconnect: %v", err)
	}
	p, _ := h.store.Participant(ctx, "ABC123", alice.UserID)
	if !p.Online {
		t.Fatalf("stale disconnect marked the player offline")
	}
	if err := h.service.Disconnect(ctx, "ABC123", alice.UserID, "sock-new"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	p, _ = h.store.Participant(ctx, "ABC123", alice.UserID)
	if p.Online {
		t.Fatalf("expected the player offline")
	}

	if _, err := h.service.Join(ctx, alice, "NOPE00", "", "", "s"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestDashboardBroadcastsSuspendWhileOffline(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	instance := h.seed(t, "ABC123", nil)
	dashboard := domain.DashboardRoom(instance.ID)

	if _, _, err := h.service.JoinDashboard(ctx, alice, "ABC123", "dash-x"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("only the owner opens the dashboard, got %v", err)
	}
	view, rooms, err := h.service.JoinDashboard(ctx, owner, "ABC123", "dash-1")
	if err != nil {
		t.Fatalf("join dashboard: %v", err)
	}
	if !view.DashboardOnline || len(rooms) != 1 || rooms[0] != dashboard {
		t.Fatalf("unexpected dashboard join: %+v %v", view, rooms)
	}

	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if h.rooms.count(dashboard, EventDashboardQuestion) != 1 {
		t.Fatalf("online dashboard must get the question")
	}

	if err := h.service.DashboardDisconnect(ctx, "ABC123", "dash-old"); err != nil {
		t.Fatalf("stale dashboard disconnect: %v", err)
	}

	// a second tab closing leaves the first one served
	if _, _, err := h.service.JoinDashboard(ctx, owner, "ABC123", "dash-tab"); err != nil {
		t.Fatalf("second dashboard tab: %v", err)
	}
	if err := h.service.DashboardDisconnect(ctx, "ABC123", "dash-tab"); err != nil {
		t.Fatalf("close second tab: %v", err)
	}
	h.join(t, "ABC123", alice)
	if h.rooms.count(dashboard, EventDashboardParticipants) != 1 {
		t.Fatalf("dashboard went quiet while its first tab is still open")
	}

	if err := h.service.DashboardDisconnect(ctx, "ABC123", "dash-1"); err != nil {
		t.Fatalf("dashboard disconnect: %v", err)
	}
	before := h.rooms.inRoom(dashboard)
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if h.rooms.inRoom(dashboard) != before {
		t.Fatalf("dashboard events were sent while it was offline")
	}
	if h.rooms.count(domain.PlayerRoom("ABC123"), EventGameQuestion) != 2 {
		t.Fatalf("players keep receiving questions")
	}

	view, _, err = h.service.JoinDashboard(ctx, owner, "ABC123", "dash-2")
	if err != nil {
		t.Fatalf("rejoin dashboard: %v", err)
	}
	if view.Question == nil || view.Question.UID != "q2" || view.Question.CorrectAnswers == nil {
		t.Fatalf("dashboard resync must carry the full current question: %+v", view.Question)
	}
}

func TestRevealedLeaderboardIsFrozen(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)
	h.join(t, "ABC123", alice, bob)
	if _, err := h.service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	_ = h.answer(alice, "ABC123", "q1", 1)

	snapshot, err := h.service.RevealLeaderboard(ctx, owner, "ABC123")
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if snapshot.Len() != 2 || snapshot.Entries()[0].UserID != alice.UserID {
		t.Fatalf("unexpected snapshot: %+v", snapshot.Entries())
	}

	_ = h.answer(bob, "ABC123", "q1", 1)
	projector, err := h.service.ProjectorView(ctx, owner, "ABC123")
	if err != nil {
		t.Fatalf("projector view: %v", err)
	}
	entries := projector.Leaderboard.Entries()
	if entries[1].UserID != bob.UserID || entries[1].Score != 0 || entries[1].Rank != 2 {
		t.Fatalf("revealed leaderboard changed after reveal: %+v", entries)
	}
	if _, err := h.service.RevealLeaderboard(ctx, bob, "ABC123"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
}

func TestDeferredAttemptsAreIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	from := h.clock.Now().Add(-time.Hour)
	to := h.clock.Now().Add(24 * time.Hour)
	h.seed(t, "TRN234", func(g *domain.GameInstance) {
		g.Mode = domain.ModeTournament
		g.Status = domain.StatusCompleted
		g.DeferredFrom, g.DeferredTo = &from, &to
	})

	a1, err := h.service.StartDeferred(ctx, alice, "TRN234")
	if err != nil {
		t.Fatalf("start alice: %v", err)
	}
	b1, err := h.service.StartDeferred(ctx, bob, "TRN234")
	if err != nil {
		t.Fatalf("start bob: %v", err)
	}
	if a1.Attempt != 1 || b1.Attempt != 1 || a1.View.Question.UID != "q1" {
		t.Fatalf("unexpected attempts: %+v %+v", a1, b1)
	}

	submit := func(id domain.Identity, attempt int, choice int) {
		t.Helper()
		_, err := h.service.SubmitAnswer(ctx, id, SubmitRequest{
			AccessCode:  "TRN234",
			QuestionUID: "q1",
			Value:       domain.AnswerValue{Choices: []int{choice}},
			Attempt:     attempt,
		})
		if err != nil {
			t.Fatalf("deferred answer of %s: %v", id.UserID, err)
		}
	}
	submit(alice, 1, 1)
	submit(bob, 1, 0)

	aliceAnswers, _ := h.store.Answers(ctx, domain.Scope{AccessCode: "TRN234", UserID: alice.UserID, Attempt: 1}, "q1")
	if _, leaked := aliceAnswers[bob.UserID]; leaked || len(aliceAnswers) != 1 {
		t.Fatalf("attempt answers collided: %v", aliceAnswers)
	}
	if live, _ := h.store.Participants(ctx, "TRN234"); len(live) != 0 {
		t.Fatalf("deferred players must not join the live run: %v", live)
	}

	// a worse second attempt does not replace the best one
	a2, err := h.service.StartDeferred(ctx, alice, "TRN234")
	if err != nil || a2.Attempt != 2 {
		t.Fatalf("second attempt: %+v %v", a2, err)
	}
	submit(alice, 2, 2)

	var progress DeferredProgress
	for _, uid := range []string{"q1", "q2", "q3"} {
		progress, err = h.service.DeferredNext(ctx, alice, "TRN234", 2, uid)
		if err != nil {
			t.Fatalf("deferred next from %s: %v", uid, err)
		}
	}
	if !progress.Completed || progress.Score != 1 {
		t.Fatalf("expected completion with the best score, got %+v", progress)
	}
	for _, e := range progress.Leaderboard {
		if e.UserID == alice.UserID && e.Attempt != 1 {
			t.Fatalf("best attempt should be 1, got %d", e.Attempt)
		}
		if e.UserID == bob.UserID && e.Score != 0 {
			t.Fatalf("bob's score leaked: %+v", e)
		}
	}

	if _, err := h.service.StartDeferred(ctx, alice, "ABC123"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	h.clock.advance(48 * time.Hour)
	if _, err := h.service.StartDeferred(ctx, alice, "TRN234"); !errors.Is(err, domain.ErrDeferredUnavailable) {
		t.Fatalf("window closed, got %v", err)
	}
}

func TestValidatePageAccess(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)

	cases := []struct {
		id     domain.Identity
		page   Page
		allow  bool
		reason string
	}{
		{owner, PageDashboard, true, ""},
		{alice, PageProjection, false, ReasonNotOwner},
		{alice, PageLobby, true, ""},
		{alice, PageLive, false, ReasonNotStarted},
		{alice, PageDeferred, false, ReasonNotDeferrable},
	}
	for _, c := range cases {
		res, err := h.service.ValidatePageAccess(ctx, c.id, "ABC123", c.page)
		if err != nil {
			t.Fatalf("%s: %v", c.page, err)
		}
		if res.Allowed != c.allow || res.Reason != c.reason {
			t.Fatalf("%s for %s: got %+v", c.page, c.id.UserID, res)
		}
	}

	res, err := h.service.ValidatePageAccess(ctx, alice, "ZZZ999", PageLobby)
	if err != nil || res.Allowed || res.Reason != ReasonNotFound {
		t.Fatalf("unknown code: %+v %v", res, err)
	}
	if _, err := h.service.ValidatePageAccess(ctx, alice, "ABC123", Page("admin")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown page must be rejected, got %v", err)
	}
}

// conflictingStore loses the optimistic race a fixed number of times.
type conflictingStore struct {
	*memory.StateStore
	conflicts int
}

func (s *conflictingStore) UpdateState(ctx context.Context, scope domain.Scope, fn func(*domain.GameState) error) (domain.GameState, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return domain.GameState{}, domain.ErrConcurrentMutation
	}
	return s.StateStore.UpdateState(ctx, scope, fn)
}

func TestConcurrentMutationRetriesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seed(t, "ABC123", nil)
	store := &conflictingStore{StateStore: h.store, conflicts: 1}
	questions := memory.NewQuestionRepository(memory.NewStaticQuestionLoader(testSets()), time.Hour)
	service := NewGameService(store, questions, h.instances, h.instances, h.rooms, Options{}).WithClock(h.clock.Now)

	if _, err := service.AdvanceToQuestion(ctx, owner, "ABC123", 0); err != nil {
		t.Fatalf("one conflict should be retried: %v", err)
	}

	store.conflicts = 2
	_, err := service.LockAnswers(ctx, owner, "ABC123", true)
	if !errors.Is(err, domain.ErrConcurrentMutation) || domain.CodeOf(err) != domain.CodeConcurrentMutation {
		t.Fatalf("a second conflict must surface, got %v", err)
	}
	state, _ := h.store.State(ctx, domain.LiveScope("ABC123"))
	if state.AnswersLocked {
		t.Fatalf("failed mutation must not be applied")
	}
}

func testSets() map[string]domain.QuestionSet {
	return map[string]domain.QuestionSet{
		"tpl-1": {
			TemplateID: "tpl-1",
			Questions: []domain.Question{
				{UID: "q1", Type: domain.SingleChoice, Text: "2 + 2?", Options: []string{"3", "4", "5"}, CorrectAnswers: []bool{false, true, false}, TimeLimitMs: 30000},
				{UID: "q2", Type: domain.MultipleChoice, Text: "Primes?", Options: []string{"2", "4", "5"}, CorrectAnswers: []bool{true, false, true}, Points: 2},
				{UID: "q3", Type: domain.SingleChoice, Text: "Capital of France?", Options: []string{"Paris", "Rome"}, CorrectAnswers: []bool{true, false}, TimeLimitMs: 20000},
			},
		},
		"tpl-pipe": {
			TemplateID: "tpl-pipe",
			Questions: []domain.Question{
				{UID: "q|1", Type: domain.SingleChoice, Text: "2 + 2?", Options: []string{"3", "4"}, CorrectAnswers: []bool{false, true}},
			},
		},
	}
}
