// Package server defines the wire envelopes, event payload types, and error
// codes shared across the hub, client, and bridge logic.
package server

import (
	"encoding/json"
	"strings"
	"time"
)

// Event kinds stored in a room's history buffer.
const (
	kindMessage  = "message"
	kindSystem   = "system"
	kindPresence = "presence"
)

// Error codes delivered to regular clients via the "error" event.
const (
	codeValidationError   = "validation_error"
	codeDuplicateUsername = "duplicate_username"
	codeNotAuthenticated  = "not_authenticated"
	codeTargetNotFound    = "target_not_found"
)

// Event is a single entry in a room's history buffer. The payload is the
// exact JSON object that was broadcast to the room, so replay delivers what
// the original recipients saw.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Room      string          `json:"room"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// envelope is the framing shared by all regular-client traffic, inbound and
// outbound: one JSON object per text frame.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// eventError carries a client-facing error code alongside the message. Event
// handlers return it so the hub can unicast a matching "error" event.
type eventError struct {
	Code    string
	Message string
}

func (e *eventError) Error() string {
	return e.Message
}

func validationError(message string) *eventError {
	return &eventError{Code: codeValidationError, Message: message}
}

// Inbound payloads.

type joinRequest struct {
	Username   string `json:"username"`
	Room       string `json:"room"`
	ExternalID string `json:"externalId"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type privateMessageRequest struct {
	TargetUsername string `json:"targetUsername"`
	Content        string `json:"content"`
}

type changeRoomRequest struct {
	NewRoom string `json:"newRoom"`
}

type roomUsersRequest struct {
	Room string `json:"room"`
}

// Outbound payloads.

type joinedPayload struct {
	Username    string    `json:"username"`
	Room        string    `json:"room"`
	MemberCount int       `json:"memberCount"`
	Timestamp   time.Time `json:"timestamp"`
}

type historyPayload struct {
	Room     string            `json:"room"`
	Messages []json.RawMessage `json:"messages"`
}

type memberNoticePayload struct {
	Username    string    `json:"username"`
	Room        string    `json:"room"`
	MemberCount int       `json:"memberCount"`
	Timestamp   time.Time `json:"timestamp"`
}

type usersUpdatePayload struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type receiveMessagePayload struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

type privateMessagePayload struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type privateSentPayload struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type typingPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
	Typing   bool   `json:"typing"`
}

type roomChangedPayload struct {
	Room        string    `json:"room"`
	MemberCount int       `json:"memberCount"`
	Timestamp   time.Time `json:"timestamp"`
}

// RoomInfo is a point-in-time view of one room's membership, used by the
// rooms_list event and the stats surface.
type RoomInfo struct {
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount"`
}

type roomsListPayload struct {
	Rooms []RoomInfo `json:"rooms"`
}

type roomUsersPayload struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

type presenceChangedPayload struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Room      string    `json:"room,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type roomCreatedPayload struct {
	Room      string    `json:"room"`
	Type      string    `json:"type"`
	NewUser   string    `json:"newUser"`
	Timestamp time.Time `json:"timestamp"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
