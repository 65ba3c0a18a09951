package services

import (
	"context"
	"sync"

	"quizarena/models"

	"github.com/rs/zerolog/log"
)

const maxCodeAttempts = 10

// Registry is the process-wide map from room code to live RoomSession. It is
// the only global mutable state in the orchestrator; its own locking is
// independent of the per-room serialization inside each session.
//
// Entries are created by CreateRoom and removed when a room is deleted or
// finishes; finished rooms remain readable from the store until they age out.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*RoomSession
	deps     SessionDeps
}

func NewRegistry(deps SessionDeps) *Registry {
	return &Registry{
		sessions: make(map[string]*RoomSession),
		deps:     deps,
	}
}

// CreateRoom allocates a unique code, persists the new room with the host as
// its only (ready) player, and registers a session for it. Code allocation
// re-draws on collision; exhausting the attempt budget is a fatal allocation
// error.
func (r *Registry) CreateRoom(ctx context.Context, host Identity, settings models.RoomSettings) (*models.Room, error) {
	settings.ApplyDefaults()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := models.GenerateRoomCode()

		if _, taken := r.Get(code); taken {
			continue
		}
		exists, err := r.deps.Store.Exists(ctx, code)
		if err != nil {
			return nil, models.ErrStorageUnavailable
		}
		if exists {
			continue
		}

		hostPlayer := models.Player{
			UserID:      host.UserID,
			Username:    host.Username,
			DisplayName: host.DisplayName,
		}
		room := models.NewRoom(code, hostPlayer, settings, r.deps.Clock.Now())
		session := newRoomSession(room, r.deps, r.Remove)

		if !r.insertIfAbsent(code, session) {
			continue
		}
		if err := r.deps.Store.Put(ctx, room); err != nil {
			r.Remove(code)
			return nil, models.ErrStorageUnavailable
		}

		log.Info().
			Str("room", code).
			Uint("host", host.UserID).
			Str("subject", settings.Subject).
			Int("questions", settings.NumberOfQuestions).
			Msg("room created")
		return room.Sanitized(), nil
	}

	return nil, models.ErrCodeExhausted
}

// Get returns the live session for a code, if any.
func (r *Registry) Get(code string) (*RoomSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[code]
	return session, ok
}

// Remove drops the session for a code. Called by sessions on room deletion
// and on finish.
func (r *Registry) Remove(code string) {
	r.mu.Lock()
	delete(r.sessions, code)
	r.mu.Unlock()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) insertIfAbsent(code string, session *RoomSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.sessions[code]; taken {
		return false
	}
	r.sessions[code] = session
	return true
}
