package services

import (
	"errors"
	"fmt"
)

const (
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeInvalidTokenType   = "INVALID_TOKEN_TYPE"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeUserBanned         = "USER_BANNED"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeNotAMember         = "NOT_A_MEMBER"
	CodeUserMuted          = "USER_MUTED"
	CodeNotInRoom          = "NOT_IN_ROOM"
	CodeInvalidContent     = "INVALID_CONTENT"
	CodeContentTooLong     = "CONTENT_TOO_LONG"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeUnknownCommand     = "UNKNOWN_COMMAND"
	CodeNotRoomOwner       = "NOT_ROOM_OWNER"
	CodeNotYourTurn        = "NOT_YOUR_TURN"
	CodeCellOccupied       = "CELL_OCCUPIED"
	CodeInvalidMove        = "INVALID_MOVE"
	CodeGameInProgress     = "GAME_IN_PROGRESS"
	CodeGameNotFound       = "GAME_NOT_FOUND"
	CodeGameNotOpen        = "GAME_NOT_OPEN"
	CodeNotEnoughPlayers   = "NOT_ENOUGH_PLAYERS"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUserBlocked        = "USER_BLOCKED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Error is the typed failure returned to a command's acknowledgment.
// Two errors are equal under errors.Is when their codes match.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithDetails returns a copy carrying extra machine readable fields.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	c := *e
	c.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		c.Details[k] = v
	}
	for k, v := range details {
		c.Details[k] = v
	}
	return &c
}

func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

var (
	ErrAuthRequired       = NewError(CodeAuthRequired, "authentication required")
	ErrInvalidToken       = NewError(CodeInvalidToken, "invalid token")
	ErrTokenExpired       = NewError(CodeTokenExpired, "token expired")
	ErrInvalidTokenType   = NewError(CodeInvalidTokenType, "token type not accepted")
	ErrUserNotFound       = NewError(CodeUserNotFound, "user not found")
	ErrUserBanned         = NewError(CodeUserBanned, "user is banned")
	ErrRoomNotFound       = NewError(CodeRoomNotFound, "room not found")
	ErrNotAMember         = NewError(CodeNotAMember, "not a member of this room")
	ErrUserMuted          = NewError(CodeUserMuted, "you are muted in this room")
	ErrNotInRoom          = NewError(CodeNotInRoom, "join the room first")
	ErrInvalidContent     = NewError(CodeInvalidContent, "message content is empty")
	ErrContentTooLong     = NewError(CodeContentTooLong, "message content is too long")
	ErrInvalidPayload     = NewError(CodeInvalidPayload, "invalid payload")
	ErrUnknownCommand     = NewError(CodeUnknownCommand, "unknown command")
	ErrNotRoomOwner       = NewError(CodeNotRoomOwner, "only the room owner can do that")
	ErrNotYourTurn        = NewError(CodeNotYourTurn, "not your turn")
	ErrCellOccupied       = NewError(CodeCellOccupied, "cell already occupied")
	ErrInvalidMove        = NewError(CodeInvalidMove, "invalid move")
	ErrGameInProgress     = NewError(CodeGameInProgress, "a game is already in progress")
	ErrGameNotFound       = NewError(CodeGameNotFound, "game not found")
	ErrGameNotOpen        = NewError(CodeGameNotOpen, "this game is not open for requests")
	ErrNotEnoughPlayers   = NewError(CodeNotEnoughPlayers, "not enough players")
	ErrRateLimited        = NewError(CodeRateLimited, "slow down")
	ErrUserBlocked        = NewError(CodeUserBlocked, "you cannot message this user")
	ErrServiceUnavailable = NewError(CodeServiceUnavailable, "service temporarily unavailable")
)

// Internal wraps an infrastructure failure so the ack only shows a generic code.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: cause}
}

// AsError converts any error into the typed form sent to clients.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
