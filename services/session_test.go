package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"quizarena/models"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

type fakeStore struct {
	mu      sync.Mutex
	rooms   map[string]*models.Room
	deleted []string
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rooms: make(map[string]*models.Room)}
}

func (f *fakeStore) Get(_ context.Context, code string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[code]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return room.Clone(), nil
}

func (f *fakeStore) Put(_ context.Context, room *models.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.rooms[room.Code] = room.Clone()
	return nil
}

func (f *fakeStore) Delete(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, code)
	f.deleted = append(f.deleted, code)
	return nil
}

func (f *fakeStore) Exists(_ context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rooms[code]
	return ok, nil
}

func (f *fakeStore) setPutErr(err error) {
	f.mu.Lock()
	f.putErr = err
	f.mu.Unlock()
}

func (f *fakeStore) deletedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeQuestions struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeQuestions) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeQuestions) FetchQuestions(_ context.Context, settings models.RoomSettings) ([]models.Question, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: upstream unavailable", models.ErrQuestionSupply)
	}

	questions := make([]models.Question, settings.NumberOfQuestions)
	for i := range questions {
		questions[i] = models.Question{
			ID:            fmt.Sprintf("q%d", i+1),
			Question:      fmt.Sprintf("question %d", i+1),
			Options:       []string{"a", "b", "c", "d"},
			CorrectAnswer: "a",
		}
	}
	return questions, nil
}

type busEvent struct {
	room    string
	event   string
	payload gin.H
}

type busRecorder struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *busRecorder) BroadcastToRoom(roomCode string, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, _ := payload.(gin.H)
	b.events = append(b.events, busEvent{room: roomCode, event: event, payload: p})
}

func (b *busRecorder) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (b *busRecorder) last(event string) (gin.H, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].event == event {
			return b.events[i].payload, true
		}
	}
	return nil, false
}

type statsRecorder struct {
	mu    sync.Mutex
	rooms []*models.Room
}

func (r *statsRecorder) RecordGameResults(room *models.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, room)
}

func (r *statsRecorder) recorded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

type sessionEnv struct {
	clock *clockwork.FakeClock
	store *fakeStore
	qs    *fakeQuestions
	bus   *busRecorder
	stats *statsRecorder
	reg   *Registry
}

func newSessionEnv() *sessionEnv {
	clock := clockwork.NewFakeClock()
	store := newFakeStore()
	qs := &fakeQuestions{}
	bus := &busRecorder{}
	stats := &statsRecorder{}
	reg := NewRegistry(SessionDeps{
		Store:     store,
		Questions: qs,
		Timers:    NewTimerScheduler(clock),
		Bus:       bus,
		Clock:     clock,
		Stats:     stats,
	})
	return &sessionEnv{clock: clock, store: store, qs: qs, bus: bus, stats: stats, reg: reg}
}

func ident(id uint, name string) Identity {
	return Identity{UserID: id, Username: name, DisplayName: name}
}

func (e *sessionEnv) createRoom(t *testing.T, host Identity, settings models.RoomSettings) *RoomSession {
	t.Helper()
	room, err := e.reg.CreateRoom(context.Background(), host, settings)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	session, ok := e.reg.Get(room.Code)
	if !ok {
		t.Fatalf("no session registered for %s", room.Code)
	}
	return session
}

// startGame drives a waiting room through the lobby countdown into its first
// question.
func (e *sessionEnv) startGame(t *testing.T, session *RoomSession, host Identity) {
	t.Helper()
	if err := session.Start(context.Background(), host.UserID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sent := e.bus.count("question-sent")
	stepSeconds(e.clock, LobbyCountdownSeconds)
	waitFor(t, "first question", func() bool { return e.bus.count("question-sent") > sent })
}

func TestFullGameLifecycle(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")
	guest := ident(2, "grace")

	session := env.createRoom(t, host, models.RoomSettings{NumberOfQuestions: 1, TimePerQuestion: 5})
	code := session.Code()

	if _, err := session.Join(ctx, guest); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := session.SetReady(ctx, guest); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	if err := session.Start(ctx, host.UserID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := session.Snapshot().Status; got != models.StatusStarting {
		t.Fatalf("status after Start = %q, want %q", got, models.StatusStarting)
	}
	if payload, ok := env.bus.last("game-starting"); !ok || payload["countdownSeconds"] != LobbyCountdownSeconds {
		t.Fatalf("game-starting payload = %v", payload)
	}

	stepSeconds(env.clock, LobbyCountdownSeconds)
	waitFor(t, "question-sent", func() bool { return env.bus.count("question-sent") == 1 })

	snap := session.Snapshot()
	if snap.Status != models.StatusInProgress {
		t.Fatalf("status = %q, want %q", snap.Status, models.StatusInProgress)
	}
	if snap.StartedAt == nil {
		t.Fatal("StartedAt not set")
	}
	if len(snap.Questions) != 1 || snap.Questions[0].CorrectAnswer != "" {
		t.Fatalf("snapshot questions leaked answers: %+v", snap.Questions)
	}

	payload, _ := env.bus.last("question-sent")
	if q := payload["question"].(models.Question); q.CorrectAnswer != "" {
		t.Errorf("live question broadcast leaked the answer: %+v", q)
	}
	if payload["timeBudgetSeconds"] != 5 {
		t.Errorf("timeBudgetSeconds = %v, want 5", payload["timeBudgetSeconds"])
	}

	correct, points, err := session.SubmitAnswer(ctx, host, "q1", "a", 2)
	if err != nil || !correct || points != 106 {
		t.Fatalf("host answer = (%v, %d, %v), want (true, 106, nil)", correct, points, err)
	}
	correct, points, err = session.SubmitAnswer(ctx, guest, "q1", "b", 1)
	if err != nil || correct || points != 0 {
		t.Fatalf("guest answer = (%v, %d, %v), want (false, 0, nil)", correct, points, err)
	}

	stepSeconds(env.clock, 5)
	waitFor(t, "question-ended", func() bool { return env.bus.count("question-ended") == 1 })
	if payload, _ := env.bus.last("question-ended"); payload["correctAnswer"] != "a" {
		t.Errorf("question-ended payload = %v, want correctAnswer a", payload)
	}

	stepSeconds(env.clock, RevealWindowSeconds)
	waitFor(t, "game-finished", func() bool { return env.bus.count("game-finished") == 1 })

	payload, _ = env.bus.last("game-finished")
	ranked := payload["rankedPlayers"].([]models.Player)
	if len(ranked) != 2 || ranked[0].UserID != host.UserID || ranked[0].Score != 106 {
		t.Fatalf("rankedPlayers = %+v", ranked)
	}
	if ranked[1].UserID != guest.UserID || ranked[1].Score != 0 {
		t.Fatalf("rankedPlayers = %+v", ranked)
	}

	waitFor(t, "registry cleanup", func() bool { return env.reg.Count() == 0 })
	waitFor(t, "stats recorded", func() bool { return env.stats.recorded() == 1 })

	stored, err := env.store.Get(ctx, code)
	if err != nil {
		t.Fatalf("stored room: %v", err)
	}
	if stored.Status != models.StatusFinished || stored.FinishedAt == nil {
		t.Errorf("stored room = status %q, finishedAt %v", stored.Status, stored.FinishedAt)
	}

	if _, err := session.Join(ctx, ident(3, "late")); !errors.Is(err, models.ErrRoomNotFound) {
		t.Errorf("Join on finished session = %v, want ErrRoomNotFound", err)
	}
}

func TestRejoinReturnsCurrentState(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")
	guest := ident(2, "grace")

	session := env.createRoom(t, host, models.RoomSettings{})
	if _, err := session.Join(ctx, guest); err != nil {
		t.Fatalf("Join: %v", err)
	}

	room, err := session.Join(ctx, guest)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if len(room.Players) != 2 {
		t.Errorf("rejoin duplicated player: %d players", len(room.Players))
	}
	if env.bus.count("player-joined") != 1 {
		t.Errorf("player-joined broadcast %d times, want 1", env.bus.count("player-joined"))
	}
}

func TestJoinAfterStartRejected(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")

	session := env.createRoom(t, host, models.RoomSettings{})
	if err := session.Start(ctx, host.UserID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := session.Join(ctx, ident(2, "late")); !errors.Is(err, models.ErrRoomAlreadyStarted) {
		t.Errorf("Join after start = %v, want ErrRoomAlreadyStarted", err)
	}
}

func TestStartGuards(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")
	guest := ident(2, "grace")

	session := env.createRoom(t, host, models.RoomSettings{})
	if _, err := session.Join(ctx, guest); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := session.Start(ctx, guest.UserID); !errors.Is(err, models.ErrNotHost) {
		t.Errorf("non-host Start = %v, want ErrNotHost", err)
	}
	if err := session.Start(ctx, host.UserID); !errors.Is(err, models.ErrPlayersNotReady) {
		t.Errorf("Start with unready player = %v, want ErrPlayersNotReady", err)
	}

	if _, err := session.SetReady(ctx, guest); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	if err := session.Start(ctx, host.UserID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.Start(ctx, host.UserID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("double Start = %v, want ErrInvalidState", err)
	}
}

func TestSetReadyIdempotent(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")
	guest := ident(2, "grace")

	session := env.createRoom(t, host, models.RoomSettings{})
	if _, err := session.Join(ctx, guest); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if _, err := session.SetReady(ctx, guest); err != nil {
		t.Fatalf("SetReady: %v", err)
	}
	if _, err := session.SetReady(ctx, guest); err != nil {
		t.Fatalf("second SetReady: %v", err)
	}
	if env.bus.count("player-ready") != 1 {
		t.Errorf("player-ready broadcast %d times, want 1", env.bus.count("player-ready"))
	}

	if _, err := session.SetReady(ctx, ident(9, "ghost")); !errors.Is(err, models.ErrPlayerNotInRoom) {
		t.Errorf("SetReady by outsider = %v, want ErrPlayerNotInRoom", err)
	}
}

func TestSubmitAnswerGuards(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")

	session := env.createRoom(t, host, models.RoomSettings{NumberOfQuestions: 2, TimePerQuestion: 5})

	if _, _, err := session.SubmitAnswer(ctx, host, "q1", "a", 1); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("answer before start = %v, want ErrInvalidState", err)
	}

	env.startGame(t, session, host)

	if _, _, err := session.SubmitAnswer(ctx, ident(9, "ghost"), "q1", "a", 1); !errors.Is(err, models.ErrPlayerNotInRoom) {
		t.Errorf("answer by outsider = %v, want ErrPlayerNotInRoom", err)
	}
	if _, _, err := session.SubmitAnswer(ctx, host, "q2", "a", 1); !errors.Is(err, models.ErrUnknownQuestion) {
		t.Errorf("answer to future question = %v, want ErrUnknownQuestion", err)
	}

	if _, _, err := session.SubmitAnswer(ctx, host, "q1", "a", 1); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if _, _, err := session.SubmitAnswer(ctx, host, "q1", "b", 2); !errors.Is(err, models.ErrAlreadyAnswered) {
		t.Errorf("duplicate answer = %v, want ErrAlreadyAnswered", err)
	}
	if got := session.Snapshot().FindPlayer(host.UserID).Score; got != 108 {
		t.Errorf("score after duplicate attempt = %d, want 108", got)
	}

	stepSeconds(env.clock, 5)
	waitFor(t, "question-ended", func() bool { return env.bus.count("question-ended") == 1 })

	// Reveal window: the question is closed but the game has not advanced.
	if _, _, err := session.SubmitAnswer(ctx, host, "q1", "a", 4); !errors.Is(err, models.ErrQuestionClosed) {
		t.Errorf("answer during reveal = %v, want ErrQuestionClosed", err)
	}

	stepSeconds(env.clock, RevealWindowSeconds)
	waitFor(t, "second question", func() bool { return env.bus.count("question-sent") == 2 })

	if _, _, err := session.SubmitAnswer(ctx, host, "q1", "a", 1); !errors.Is(err, models.ErrUnknownQuestion) {
		t.Errorf("answer to previous question = %v, want ErrUnknownQuestion", err)
	}
	if _, _, err := session.SubmitAnswer(ctx, host, "q2", "a", 1); err != nil {
		t.Errorf("answer to current question: %v", err)
	}
}

func TestSubmitAnswerStoreFailureLeavesStateClean(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")

	session := env.createRoom(t, host, models.RoomSettings{NumberOfQuestions: 1, TimePerQuestion: 30})
	env.startGame(t, session, host)

	env.store.setPutErr(errors.New("redis down"))
	if _, _, err := session.SubmitAnswer(ctx, host, "q1", "a", 1); !errors.Is(err, models.ErrStorageUnavailable) {
		t.Fatalf("SubmitAnswer with dead store = %v, want ErrStorageUnavailable", err)
	}

	snap := session.Snapshot()
	if got := snap.FindPlayer(host.UserID).Score; got != 0 {
		t.Errorf("score after failed write = %d, want 0", got)
	}
	if snap.FindPlayer(host.UserID).HasAnswered("q1") {
		t.Error("answer recorded despite failed write")
	}

	// Recovery: once the store is back the same submission goes through.
	env.store.setPutErr(nil)
	if _, points, err := session.SubmitAnswer(ctx, host, "q1", "a", 1); err != nil || points != 158 {
		t.Errorf("retry after recovery = (%d, %v), want (158, nil)", points, err)
	}
}

func TestHostLeaveReassignsHost(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")
	guest := ident(2, "grace")

	session := env.createRoom(t, host, models.RoomSettings{})
	if _, err := session.Join(ctx, guest); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := session.Leave(ctx, host); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	snap := session.Snapshot()
	if snap.HostID != guest.UserID {
		t.Errorf("hostID = %d, want %d", snap.HostID, guest.UserID)
	}
	if len(snap.Players) != 1 {
		t.Errorf("players = %d, want 1", len(snap.Players))
	}
	if env.bus.count("player-left") != 1 {
		t.Errorf("player-left broadcast %d times, want 1", env.bus.count("player-left"))
	}

	stored, err := env.store.Get(ctx, session.Code())
	if err != nil {
		t.Fatalf("stored room: %v", err)
	}
	if stored.HostID != guest.UserID {
		t.Errorf("stored hostID = %d, want %d", stored.HostID, guest.UserID)
	}
}

func TestLastPlayerLeaveDeletesRoom(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")

	session := env.createRoom(t, host, models.RoomSettings{})
	code := session.Code()

	if err := session.Leave(ctx, host); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	if deleted := env.store.deletedCodes(); len(deleted) != 1 || deleted[0] != code {
		t.Errorf("deleted codes = %v, want [%s]", deleted, code)
	}
	if env.reg.Count() != 0 {
		t.Errorf("registry still holds %d sessions", env.reg.Count())
	}
	if _, err := session.Join(ctx, ident(2, "late")); !errors.Is(err, models.ErrRoomNotFound) {
		t.Errorf("Join after deletion = %v, want ErrRoomNotFound", err)
	}
	if err := session.Leave(ctx, host); !errors.Is(err, models.ErrRoomNotFound) {
		t.Errorf("Leave after deletion = %v, want ErrRoomNotFound", err)
	}
}

func TestLeaveByNonMember(t *testing.T) {
	env := newSessionEnv()
	host := ident(1, "ada")

	session := env.createRoom(t, host, models.RoomSettings{})
	if err := session.Leave(context.Background(), ident(9, "ghost")); !errors.Is(err, models.ErrPlayerNotInRoom) {
		t.Errorf("Leave by outsider = %v, want ErrPlayerNotInRoom", err)
	}
}

func TestStartFailureRevertsToWaiting(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	host := ident(1, "ada")

	session := env.createRoom(t, host, models.RoomSettings{})
	env.qs.setFail(true)

	if err := session.Start(ctx, host.UserID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stepSeconds(env.clock, LobbyCountdownSeconds)
	waitFor(t, "game-start-failed", func() bool { return env.bus.count("game-start-failed") == 1 })

	snap := session.Snapshot()
	if snap.Status != models.StatusWaiting {
		t.Fatalf("status after failed start = %q, want %q", snap.Status, models.StatusWaiting)
	}
	if len(snap.Questions) != 0 {
		t.Errorf("questions attached despite failed start: %d", len(snap.Questions))
	}

	// The host can retry once the supply recovers.
	env.qs.setFail(false)
	env.startGame(t, session, host)
	if got := session.Snapshot().Status; got != models.StatusInProgress {
		t.Errorf("status after retry = %q, want %q", got, models.StatusInProgress)
	}
}
