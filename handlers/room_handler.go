package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"quizarena/models"
	"quizarena/services"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the thin read-only HTTP surface around the orchestrator:
// room lookup, leaderboard, health.
type RoomHandler struct {
	registry *services.Registry
	store    services.RoomStore
	stats    *services.StatsService
}

func NewRoomHandler(registry *services.Registry, store services.RoomStore, stats *services.StatsService) *RoomHandler {
	return &RoomHandler{
		registry: registry,
		store:    store,
		stats:    stats,
	}
}

// GetRoom returns the sanitized state of one room. Live rooms come from their
// session; finished rooms fall back to the store until they age out.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	code := normalizeCode(c.Param("code"))

	if session, ok := h.registry.Get(code); ok {
		c.JSON(http.StatusOK, gin.H{"room": session.Snapshot()})
		return
	}

	room, err := h.store.Get(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, models.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room.Sanitized()})
}

// Leaderboard returns the top users by total score.
func (h *RoomHandler) Leaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	users, err := h.stats.TopPlayers(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaderboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": users})
}

// Health reports liveness and the number of active rooms.
func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"activeRooms": h.registry.Count(),
	})
}
