package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"quizarena/models"
	"quizarena/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client request types. Dispatch is an exhaustive switch over these; adding a
// request type without a handler arm fails the default branch loudly in logs
// and with an error reply.
type RequestType string

const (
	RequestCreateRoom   RequestType = "create-room"
	RequestJoinRoom     RequestType = "join-room"
	RequestPlayerReady  RequestType = "player-ready"
	RequestStartGame    RequestType = "start-game"
	RequestSubmitAnswer RequestType = "submit-answer"
	RequestLeaveRoom    RequestType = "leave-room"
	RequestGetRoom      RequestType = "get-room"
)

const operationTimeout = 15 * time.Second

type clientMessage struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type createRoomRequest struct {
	Settings models.RoomSettings `json:"settings"`
}

type roomRequest struct {
	RoomCode string `json:"roomCode"`
}

type submitAnswerRequest struct {
	RoomCode       string  `json:"roomCode"`
	QuestionID     string  `json:"questionId"`
	Answer         string  `json:"answer"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// WSHandler is the connection gateway: it authenticates a realtime connection
// once, then routes every request it carries to the session for the named
// room code.
type WSHandler struct {
	auth     *services.AuthService
	hub      *services.Hub
	registry *services.Registry
	store    services.RoomStore
}

func NewWSHandler(auth *services.AuthService, hub *services.Hub, registry *services.Registry, store services.RoomStore) *WSHandler {
	return &WSHandler{
		auth:     auth,
		hub:      hub,
		registry: registry,
		store:    store,
	}
}

// Handle upgrades an authenticated connection and pumps its requests until it
// drops. Token comes from the `token` query parameter or a bearer header.
func (h *WSHandler) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	identity, err := h.auth.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Uint("user", identity.UserID).Msg("websocket upgrade failed")
		return
	}

	client := h.hub.RegisterClient(conn, *identity)
	client.ConfigureRead()
	h.readLoop(client)
}

func (h *WSHandler) readLoop(client *services.Client) {
	defer func() {
		h.hub.UnregisterClient(client)
		client.Close()
	}()

	for {
		data, err := client.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", client.ID).Msg("websocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.Send("error", gin.H{"error": "malformed message"})
			continue
		}
		h.dispatch(client, msg)
	}
}

// dispatch routes one client request to the owning room session and answers
// on the same connection with "<type>-result".
func (h *WSHandler) dispatch(client *services.Client, msg clientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	switch msg.Type {
	case RequestCreateRoom:
		var req createRoomRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			h.sendError(client, msg.Type, models.ErrBadRequest)
			return
		}
		room, err := h.registry.CreateRoom(ctx, client.Identity, req.Settings)
		if err != nil {
			h.sendError(client, msg.Type, err)
			return
		}
		h.hub.JoinRoom(client, room.Code)
		h.sendResult(client, msg.Type, gin.H{"success": true, "roomCode": room.Code, "room": room})

	case RequestJoinRoom:
		code, ok := h.roomCode(client, msg)
		if !ok {
			return
		}
		session, ok := h.registry.Get(code)
		if !ok {
			h.sendError(client, msg.Type, models.ErrRoomNotFound)
			return
		}
		room, err := session.Join(ctx, client.Identity)
		if err != nil {
			h.sendError(client, msg.Type, err)
			return
		}
		h.hub.JoinRoom(client, code)
		h.sendResult(client, msg.Type, gin.H{"success": true, "room": room})

	case RequestPlayerReady:
		code, ok := h.roomCode(client, msg)
		if !ok {
			return
		}
		session, ok := h.registry.Get(code)
		if !ok {
			h.sendError(client, msg.Type, models.ErrRoomNotFound)
			return
		}
		room, err := session.SetReady(ctx, client.Identity)
		if err != nil {
			h.sendError(client, msg.Type, err)
			return
		}
		h.sendResult(client, msg.Type, gin.H{"success": true, "room": room})

	case RequestStartGame:
		code, ok := h.roomCode(client, msg)
		if !ok {
			return
		}
		session, ok := h.registry.Get(code)
		if !ok {
			h.sendError(client, msg.Type, models.ErrRoomNotFound)
			return
		}
		if err := session.Start(ctx, client.Identity.UserID); err != nil {
			h.sendError(client, msg.Type, err)
			return
		}
		h.sendResult(client, msg.Type, gin.H{"success": true})

	case RequestSubmitAnswer:
		var req submitAnswerRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			h.sendError(client, msg.Type, models.ErrBadRequest)
			return
		}
		session, ok := h.registry.Get(normalizeCode(req.RoomCode))
		if !ok {
			h.sendError(client, msg.Type, models.ErrRoomNotFound)
			return
		}
		correct, points, err := session.SubmitAnswer(ctx, client.Identity, req.QuestionID, req.Answer, req.ElapsedSeconds)
		if err != nil {
			h.sendError(client, msg.Type, err)
			return
		}
		h.sendResult(client, msg.Type, gin.H{"success": true, "correct": correct, "points": points})

	case RequestLeaveRoom:
		// Fire-and-forget: no result frame.
		var req roomRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return
		}
		if session, ok := h.registry.Get(normalizeCode(req.RoomCode)); ok {
			if err := session.Leave(ctx, client.Identity); err != nil {
				log.Debug().Err(err).Str("room", req.RoomCode).
					Uint("user", client.Identity.UserID).Msg("leave-room ignored")
			}
		}
		h.hub.LeaveRoom(client)

	case RequestGetRoom:
		code, ok := h.roomCode(client, msg)
		if !ok {
			return
		}
		if session, found := h.registry.Get(code); found {
			h.sendResult(client, msg.Type, gin.H{"success": true, "room": session.Snapshot()})
			return
		}
		room, err := h.store.Get(ctx, code)
		if err != nil {
			h.sendError(client, msg.Type, err)
			return
		}
		h.sendResult(client, msg.Type, gin.H{"success": true, "room": room.Sanitized()})

	default:
		log.Warn().
			Str("type", string(msg.Type)).
			Str("connection_id", client.ID).
			Msg("unknown request type")
		client.Send("error", gin.H{"error": "unknown request type: " + string(msg.Type)})
	}
}

func (h *WSHandler) roomCode(client *services.Client, msg clientMessage) (string, bool) {
	var req roomRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.RoomCode == "" {
		h.sendError(client, msg.Type, models.ErrBadRequest)
		return "", false
	}
	return normalizeCode(req.RoomCode), true
}

func (h *WSHandler) sendResult(client *services.Client, reqType RequestType, payload gin.H) {
	client.Send(string(reqType)+"-result", payload)
}

func (h *WSHandler) sendError(client *services.Client, reqType RequestType, err error) {
	client.Send(string(reqType)+"-result", gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    models.ErrorCode(err),
	})
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
