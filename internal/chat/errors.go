package chat

import (
	"errors"
)

type Code string

const (
	CodeAuthenticationRequired Code = "authentication-required"
	CodeChannelNotFound        Code = "channel-not-found"
	CodeRoomFull               Code = "room-full"
	CodeNotAMember             Code = "not-a-member"
	CodeMalformedEvent         Code = "malformed-event"
	CodePersistenceUnavailable Code = "persistence-unavailable"
	CodeNotFound               Code = "not-found"
	CodeForbidden              Code = "forbidden"
	CodeMuted                  Code = "muted"
	CodeAlreadyJoined          Code = "already-joined"
	CodeInternal               Code = "internal"
)

// Error is a request-scoped failure. It is reported to the originating
// connection only and never ends the session.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

var (
	ErrAuthenticationRequired = &Error{Code: CodeAuthenticationRequired, Message: "an authenticated user is required"}
	ErrChannelNotFound        = &Error{Code: CodeChannelNotFound, Message: "channel not found"}
	ErrRoomFull               = &Error{Code: CodeRoomFull, Message: "room is full"}
	ErrNotAMember             = &Error{Code: CodeNotAMember, Message: "not a member of the channel"}
	ErrMalformedEvent         = &Error{Code: CodeMalformedEvent, Message: "malformed event"}
	ErrPersistenceUnavailable = &Error{Code: CodePersistenceUnavailable, Message: "store unavailable, try again", Retryable: true}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrForbidden              = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrMuted                  = &Error{Code: CodeMuted, Message: "participant is muted"}
	ErrAlreadyJoined          = &Error{Code: CodeAlreadyJoined, Message: "user already joined from another connection"}
)

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is matches errors by code, so a copy made with With still satisfies
// errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Retryable: e.Retryable}
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
