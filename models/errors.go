package models

import "errors"

// Errors returned by room operations. Every client-initiated failure maps to
// one of these and is reported back on the same request, never silently dropped.
var (
	ErrBadRequest         = errors.New("malformed request payload")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomAlreadyStarted = errors.New("room already started")
	ErrInvalidState       = errors.New("operation not allowed in current room state")
	ErrQuestionClosed     = errors.New("question is closed")
	ErrUnknownQuestion    = errors.New("question is not the current question")
	ErrAlreadyAnswered    = errors.New("answer already submitted")
	ErrNotHost            = errors.New("only the host can do that")
	ErrPlayersNotReady    = errors.New("not all players are ready")
	ErrPlayerNotInRoom    = errors.New("player is not in this room")
	ErrCodeExhausted      = errors.New("could not allocate a unique room code")
	ErrQuestionSupply     = errors.New("question service unavailable")
	ErrStorageUnavailable = errors.New("room storage unavailable")
)

// ErrorCode maps an operation error to the short machine-readable code sent on
// the wire alongside the human-readable message.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "BAD_REQUEST"
	case errors.Is(err, ErrRoomNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrRoomAlreadyStarted), errors.Is(err, ErrInvalidState), errors.Is(err, ErrQuestionClosed):
		return "INVALID_STATE"
	case errors.Is(err, ErrUnknownQuestion):
		return "UNKNOWN_QUESTION"
	case errors.Is(err, ErrAlreadyAnswered):
		return "ALREADY_ANSWERED"
	case errors.Is(err, ErrNotHost):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrPlayersNotReady):
		return "PRECONDITION_FAILED"
	case errors.Is(err, ErrPlayerNotInRoom):
		return "NOT_IN_ROOM"
	case errors.Is(err, ErrQuestionSupply):
		return "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
