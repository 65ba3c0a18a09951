package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quizarena/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Game pacing. Monotonicity and non-negativity of scores are structural; these
// values are policy.
const (
	LobbyCountdownSeconds = 3
	RevealWindowSeconds   = 3

	questionFetchTimeout  = 10 * time.Second
	persistAttempts       = 3
	defaultPersistBackoff = time.Second
)

// SessionDeps bundles the collaborators a RoomSession needs.
type SessionDeps struct {
	Store     RoomStore
	Questions QuestionSource
	Timers    *TimerScheduler
	Bus       Broadcaster
	Clock     Clock
	Stats     GameRecorder

	// PersistBackoff is the base delay between persist retries on the timer
	// expiry path. Tests set it to zero.
	PersistBackoff time.Duration
}

// Clock is the subset of clockwork.Clock the session reads directly.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// GameRecorder persists per-player results after a room finishes. Invoked
// outside the room's serialization point.
type GameRecorder interface {
	RecordGameResults(room *models.Room)
}

// RoomSession is the authoritative in-process actor for one room. Every
// mutating operation, client-originated or timer-originated, runs under the
// session mutex for its full logical extent, including the suspensions into
// the store and the question service, so no two operations on the same room
// ever interleave.
//
// Mutations are applied to a clone of the room and the clone is swapped in
// only after the store accepted it; a failed write leaves both views unchanged.
type RoomSession struct {
	mu   sync.Mutex // held for each full logical operation
	room *models.Room

	// questionClosed is set between a question's expiry and the next
	// question-sent: the answer-reveal window, during which submissions are
	// rejected. Transient, never persisted.
	questionClosed bool
	closed         bool // room deleted or finished; session is inert

	deps    SessionDeps
	onClose func(code string)
}

func newRoomSession(room *models.Room, deps SessionDeps, onClose func(code string)) *RoomSession {
	if deps.PersistBackoff == 0 {
		deps.PersistBackoff = defaultPersistBackoff
	}
	return &RoomSession{
		room:    room,
		deps:    deps,
		onClose: onClose,
	}
}

// Code returns the immutable room code.
func (s *RoomSession) Code() string {
	return s.room.Code
}

// Snapshot returns a sanitized copy of the room for responses and resyncs.
func (s *RoomSession) Snapshot() *models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Sanitized()
}

// Join adds the identity to a waiting room. Rejoining is a no-op that returns
// current state, so a client that lost its connection can recover.
func (s *RoomSession) Join(ctx context.Context, id Identity) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, models.ErrRoomNotFound
	}
	if p := s.room.FindPlayer(id.UserID); p != nil {
		return s.room.Sanitized(), nil
	}
	if s.room.Status != models.StatusWaiting {
		return nil, models.ErrRoomAlreadyStarted
	}

	next := s.room.Clone()
	player := models.Player{
		UserID:      id.UserID,
		Username:    id.Username,
		DisplayName: id.DisplayName,
		JoinedAt:    s.deps.Clock.Now(),
	}
	next.Players = append(next.Players, player)

	if err := s.deps.Store.Put(ctx, next); err != nil {
		return nil, models.ErrStorageUnavailable
	}
	s.room = next

	snapshot := next.Sanitized()
	s.deps.Bus.BroadcastToRoom(s.room.Code, "player-joined", gin.H{
		"player": player,
		"room":   snapshot,
	})
	return snapshot, nil
}

// SetReady flags the caller ready. No-op when already ready or when the room
// has left the lobby.
func (s *RoomSession) SetReady(ctx context.Context, id Identity) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, models.ErrRoomNotFound
	}
	player := s.room.FindPlayer(id.UserID)
	if player == nil {
		return nil, models.ErrPlayerNotInRoom
	}
	if s.room.Status != models.StatusWaiting || player.Ready {
		return s.room.Sanitized(), nil
	}

	next := s.room.Clone()
	next.FindPlayer(id.UserID).Ready = true

	if err := s.deps.Store.Put(ctx, next); err != nil {
		return nil, models.ErrStorageUnavailable
	}
	s.room = next

	snapshot := next.Sanitized()
	s.deps.Bus.BroadcastToRoom(s.room.Code, "player-ready", gin.H{
		"identity": id.UserID,
		"room":     snapshot,
	})
	return snapshot, nil
}

// Start begins the lobby countdown. Host-only, and only once every player is
// ready.
func (s *RoomSession) Start(ctx context.Context, callerID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.ErrRoomNotFound
	}
	if s.room.Status != models.StatusWaiting {
		return models.ErrInvalidState
	}
	if callerID != s.room.HostID {
		return models.ErrNotHost
	}
	if !s.room.AllReady() {
		return models.ErrPlayersNotReady
	}

	next := s.room.Clone()
	next.Status = models.StatusStarting

	if err := s.deps.Store.Put(ctx, next); err != nil {
		return models.ErrStorageUnavailable
	}
	s.room = next

	s.deps.Bus.BroadcastToRoom(s.room.Code, "game-starting", gin.H{
		"countdownSeconds": LobbyCountdownSeconds,
	})
	s.deps.Timers.Start(s.room.Code, LobbyCountdownSeconds, nil, s.beginGame)
	return nil
}

// beginGame runs when the lobby countdown expires: fetch questions and enter
// in-progress. A question-supply or storage failure reverts the room to
// waiting so the host can retry; the room is never wedged in starting.
func (s *RoomSession) beginGame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.room.Status != models.StatusStarting {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), questionFetchTimeout)
	defer cancel()

	questions, err := s.deps.Questions.FetchQuestions(ctx, s.room.Settings)
	if err != nil {
		log.Error().Err(err).Str("room", s.room.Code).Msg("question fetch failed, reverting to waiting")
		s.revertToWaiting(ctx, "question service unavailable, try again")
		return
	}

	now := s.deps.Clock.Now()
	next := s.room.Clone()
	next.Questions = questions
	next.CurrentQuestionIndex = 0
	next.StartedAt = &now
	next.Status = models.StatusInProgress

	if err := s.persistWithRetry(ctx, next); err != nil {
		log.Error().Err(err).Str("room", s.room.Code).Msg("failed to persist game start, reverting to waiting")
		s.revertToWaiting(ctx, "room storage unavailable, try again")
		return
	}
	s.room = next
	s.questionClosed = false

	s.sendCurrentQuestion()
}

// revertToWaiting is the starting-state failure path. Callers hold the lock.
func (s *RoomSession) revertToWaiting(ctx context.Context, reason string) {
	next := s.room.Clone()
	next.Status = models.StatusWaiting

	if err := s.deps.Store.Put(ctx, next); err != nil {
		log.Error().Err(err).Str("room", s.room.Code).Msg("failed to persist start revert")
	}
	s.room = next

	s.deps.Bus.BroadcastToRoom(s.room.Code, "game-start-failed", gin.H{"error": reason})
	s.deps.Bus.BroadcastToRoom(s.room.Code, "room-updated", gin.H{"room": next.Sanitized()})
}

// sendCurrentQuestion broadcasts the live question (answer withheld) and arms
// its countdown. Callers hold the lock.
func (s *RoomSession) sendCurrentQuestion() {
	question := s.room.CurrentQuestion()
	if question == nil {
		return
	}

	code := s.room.Code
	budget := s.room.Settings.TimePerQuestion
	s.deps.Bus.BroadcastToRoom(code, "question-sent", gin.H{
		"question":          question.WithoutAnswer(),
		"questionIndex":     s.room.CurrentQuestionIndex,
		"timeBudgetSeconds": budget,
		"serverTimestamp":   s.deps.Clock.Now().UnixMilli(),
	})

	bus := s.deps.Bus
	s.deps.Timers.Start(code, budget, func(remaining int) {
		bus.BroadcastToRoom(code, "timer-update", gin.H{"secondsRemaining": remaining})
	}, s.handleQuestionExpiry)
}

// SubmitAnswer records the identity's answer to the current question.
// Submitting twice for the same question never double-scores: the second
// attempt fails with ErrAlreadyAnswered regardless of payload.
func (s *RoomSession) SubmitAnswer(ctx context.Context, id Identity, questionID, answer string, elapsedSeconds float64) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, 0, models.ErrRoomNotFound
	}
	if s.room.Status != models.StatusInProgress {
		return false, 0, models.ErrInvalidState
	}
	if s.questionClosed {
		return false, 0, models.ErrQuestionClosed
	}
	player := s.room.FindPlayer(id.UserID)
	if player == nil {
		return false, 0, models.ErrPlayerNotInRoom
	}
	question := s.room.CurrentQuestion()
	if question == nil || question.ID != questionID {
		return false, 0, models.ErrUnknownQuestion
	}
	if player.HasAnswered(questionID) {
		return false, 0, models.ErrAlreadyAnswered
	}

	correct := answer == question.CorrectAnswer
	elapsed := ClampElapsed(s.room.Settings.TimePerQuestion, elapsedSeconds)
	points := CalculatePoints(correct, s.room.Settings.TimePerQuestion, elapsed)

	next := s.room.Clone()
	p := next.FindPlayer(id.UserID)
	p.Answers = append(p.Answers, models.AnswerRecord{
		QuestionID: questionID,
		Answer:     answer,
		Correct:    correct,
		TimeSpent:  elapsed,
	})
	p.Score += points

	if err := s.deps.Store.Put(ctx, next); err != nil {
		return false, 0, models.ErrStorageUnavailable
	}
	s.room = next

	s.deps.Bus.BroadcastToRoom(s.room.Code, "answer-submitted", gin.H{
		"identity":      id.UserID,
		"username":      id.Username,
		"correct":       correct,
		"points":        points,
		"newTotalScore": p.Score,
	})
	s.deps.Bus.BroadcastToRoom(s.room.Code, "room-updated", gin.H{"room": next.Sanitized()})

	return correct, points, nil
}

// Leave removes the identity from the room. Host departure reassigns the host
// to the earliest remaining joiner in the same step; the last player leaving
// deletes the room outright, whatever its status.
func (s *RoomSession) Leave(ctx context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.ErrRoomNotFound
	}

	idx := -1
	for i := range s.room.Players {
		if s.room.Players[i].UserID == id.UserID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return models.ErrPlayerNotInRoom
	}

	next := s.room.Clone()
	next.Players = append(next.Players[:idx], next.Players[idx+1:]...)

	if len(next.Players) == 0 {
		if err := s.deps.Store.Delete(ctx, next.Code); err != nil {
			log.Error().Err(err).Str("room", next.Code).Msg("failed to delete empty room")
		}
		s.room = next
		s.shutdown()
		return nil
	}

	if id.UserID == next.HostID {
		next.HostID = next.Players[0].UserID
	}

	if err := s.deps.Store.Put(ctx, next); err != nil {
		return models.ErrStorageUnavailable
	}
	s.room = next

	s.deps.Bus.BroadcastToRoom(s.room.Code, "player-left", gin.H{
		"identity": id.UserID,
		"room":     next.Sanitized(),
	})
	return nil
}

// handleQuestionExpiry is the only path that advances the game. It reveals the
// correct answer, holds the reveal window, then advances or finishes. It runs
// through the same lock as client operations, so an expiry and a last-moment
// answer resolve in arrival order.
func (s *RoomSession) handleQuestionExpiry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.room.Status != models.StatusInProgress || s.questionClosed {
		return
	}
	question := s.room.CurrentQuestion()
	if question == nil {
		return
	}

	s.questionClosed = true
	s.deps.Bus.BroadcastToRoom(s.room.Code, "question-ended", gin.H{
		"correctAnswer": question.CorrectAnswer,
	})
	s.deps.Timers.Start(s.room.Code, RevealWindowSeconds, nil, s.advanceQuestion)
}

// advanceQuestion runs when the reveal window closes.
func (s *RoomSession) advanceQuestion() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.room.Status != models.StatusInProgress {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), questionFetchTimeout)
	defer cancel()

	nextIndex := s.room.CurrentQuestionIndex + 1
	if nextIndex >= len(s.room.Questions) {
		s.finishGame(ctx)
		return
	}

	next := s.room.Clone()
	next.CurrentQuestionIndex = nextIndex

	if err := s.persistWithRetry(ctx, next); err != nil {
		log.Error().Err(err).Str("room", s.room.Code).Msg("failed to persist question advance")
		s.failGame(ctx)
		return
	}
	s.room = next
	s.questionClosed = false

	s.sendCurrentQuestion()
}

// finishGame is terminal: ranking, broadcast, stats, teardown. Callers hold
// the lock.
func (s *RoomSession) finishGame(ctx context.Context) {
	now := s.deps.Clock.Now()
	next := s.room.Clone()
	next.Status = models.StatusFinished
	next.FinishedAt = &now

	if err := s.persistWithRetry(ctx, next); err != nil {
		// The game still ends; the durable copy is best-effort at this point.
		log.Error().Err(err).Str("room", next.Code).Msg("failed to persist finished room")
		s.deps.Bus.BroadcastToRoom(next.Code, "room-error", gin.H{"error": "room storage unavailable"})
	}
	s.room = next

	s.deps.Bus.BroadcastToRoom(next.Code, "game-finished", gin.H{
		"rankedPlayers": next.RankedPlayers(),
	})

	if s.deps.Stats != nil {
		// Account updates happen outside the room's serialization point.
		snapshot := next.Clone()
		go s.deps.Stats.RecordGameResults(snapshot)
	}

	log.Info().
		Str("room", next.Code).
		Int("players", len(next.Players)).
		Msg("game finished")
	s.shutdown()
}

// failGame marks the room finished defensively after repeated storage failures
// mid-game, rather than leaving it inconsistent. Callers hold the lock.
func (s *RoomSession) failGame(ctx context.Context) {
	now := s.deps.Clock.Now()
	next := s.room.Clone()
	next.Status = models.StatusFinished
	next.FinishedAt = &now
	s.room = next

	s.deps.Bus.BroadcastToRoom(next.Code, "room-error", gin.H{
		"error": "room storage unavailable, game ended",
	})
	s.deps.Bus.BroadcastToRoom(next.Code, "game-finished", gin.H{
		"rankedPlayers": next.RankedPlayers(),
	})
	s.shutdown()
}

// shutdown makes the session inert and releases its room-level resources.
// Callers hold the lock.
func (s *RoomSession) shutdown() {
	s.closed = true
	s.deps.Timers.Cancel(s.room.Code)
	if s.onClose != nil {
		s.onClose(s.room.Code)
	}
}

// persistWithRetry is for timer-driven transitions, which have no client
// request to bounce an error back to.
func (s *RoomSession) persistWithRetry(ctx context.Context, room *models.Room) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = s.deps.Store.Put(ctx, room); err == nil {
			return nil
		}
		log.Warn().
			Err(err).
			Str("room", room.Code).
			Int("attempt", attempt).
			Msg("room persist failed")
		if attempt < persistAttempts {
			s.deps.Clock.Sleep(s.deps.PersistBackoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("persist failed after %d attempts: %w", persistAttempts, err)
}
