package domain

import "errors"

// Kind groups error codes by how they are handled.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindPermission        Kind = "permission"
	KindState             Kind = "state"
	KindNotFound          Kind = "not_found"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTransport         Kind = "transport"
	KindInternal          Kind = "internal"
)

// Error is a client-safe, coded error. Message is shown to controllers and ParticipantMessage to
// participants; neither carries identifiers or internals.
type Error struct {
	Kind               Kind
	Code               string
	Message            string
	ParticipantMessage string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Is matches on code so errors carrying a custom message still compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// MessageFor returns the text appropriate for the given role.
func (e *Error) MessageFor(role Role) string {
	if role == RoleParticipant && e.ParticipantMessage != "" {
		return e.ParticipantMessage
	}
	return e.Message
}

func newError(kind Kind, code, msg, participantMsg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, ParticipantMessage: participantMsg}
}

var (
	// ErrValidation is returned for malformed message shapes.
	ErrValidation = newError(KindValidation, "ValidationError", "the message is malformed", "something was wrong with that request")
	// ErrUnknownMessageType is returned for message types outside the protocol.
	ErrUnknownMessageType = newError(KindValidation, "UnknownMessageType", "unsupported message type", "")
	// ErrUnsupportedAction is returned for classroom actions sent to a game room.
	ErrUnsupportedAction = newError(KindValidation, "UnsupportedAction", "this action is only available in classroom sessions", "")
	// ErrAlreadyJoined is returned when a bound connection sends join again.
	ErrAlreadyJoined = newError(KindValidation, "AlreadyJoined", "this connection already joined a room", "you already joined")
	// ErrNotJoined is returned when an unbound connection sends anything but join.
	ErrNotJoined = newError(KindValidation, "NotJoined", "join a room first", "join a room first")

	ErrNotController   = newError(KindPermission, "NotController", "only the room controller can do that", "only the host can do that")
	ErrNotParticipant  = newError(KindPermission, "NotParticipant", "only participants can do that", "")
	ErrUnauthenticated = newError(KindPermission, "Unauthenticated", "could not verify your identity", "could not verify your identity")
	ErrKicked          = newError(KindPermission, "ParticipantKicked", "this participant was removed from the room", "you were removed from this room")
	// ErrDuplicateController is returned when another controller connection is already bound.
	ErrDuplicateController = newError(KindPermission, "DuplicateController", "the room already has a controller connected; close the other session first", "")

	ErrInvalidTransition = newError(KindState, "InvalidTransition", "that action is not allowed in the room's current state", "that is not possible right now")
	ErrAlreadyStarted    = newError(KindState, "AlreadyStarted", "the room has already started", "")
	ErrRoomFinished      = newError(KindState, "RoomFinished", "the session has finished; only status and results are available", "the game is over")
	ErrRoomClosed        = newError(KindState, "RoomClosed", "the room is closed", "this room is closed")
	ErrNoActiveQuestion  = newError(KindState, "NoActiveQuestion", "there is no active question", "there is no question to answer right now")
	// ErrDuplicateSubmission is returned for a second answer to the same question.
	ErrDuplicateSubmission = newError(KindState, "DuplicateSubmission", "the participant already answered this question", "this answer was already submitted")
	ErrRoomLocked          = newError(KindState, "RoomLocked", "answers are locked", "answers are locked right now")
	ErrLateJoinDisabled    = newError(KindState, "LateJoinDisabled", "the room does not accept late joiners", "this game has already started")
	ErrTimerNotFound       = newError(KindNotFound, "TimerNotFound", "no such timer", "")
	ErrParticipantNotFound = newError(KindNotFound, "ParticipantNotFound", "no such participant in this room", "")

	ErrRoomNotFound = newError(KindNotFound, "RoomNotFound", "no active room matches that code", "no room matches that code")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = newError(KindNotFound, "QuizNotFound", "quiz not found", "")

	// ErrCodeSpaceExhausted is fatal for the createRoom call that hit it.
	ErrCodeSpaceExhausted = newError(KindResourceExhausted, "CodeSpaceExhausted", "could not allocate a join code", "")

	ErrSendFailed = newError(KindTransport, "SendFailed", "message could not be delivered", "")

	errInternal = newError(KindInternal, "InternalError", "something went wrong", "something went wrong")
)

// AsError converts any error into a client-safe *Error. Errors outside the taxonomy collapse into
// a generic internal error so nothing internal leaks to clients.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return errInternal
}

// Validation returns a validation error with a specific message.
func Validation(msg string) *Error {
	return newError(KindValidation, ErrValidation.Code, msg, "")
}
