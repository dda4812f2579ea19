// Package server tracks which user occupies each connection and enforces
// case-insensitive username uniqueness across all connected regular clients.
package server

import (
	"fmt"
	"time"
)

// User is the presence record for one connected regular client. Exactly one
// User exists per joined connection; the record is destroyed on leave or
// disconnect.
type User struct {
	Username   string
	Room       string
	ExternalID string
	JoinedAt   time.Time
}

// presenceRegistry maps connection identities to User records and keeps a
// canonical-case index of usernames for uniqueness checks and lookups. It is
// not safe for concurrent use; the hub serializes access.
type presenceRegistry struct {
	users map[string]*User
	names map[string]string
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{
		users: make(map[string]*User),
		names: make(map[string]string),
	}
}

// join validates the username and room, enforces username uniqueness, and
// creates the User record for the connection. No state is mutated on any
// validation failure.
func (p *presenceRegistry) join(connID, username, room, externalID string) (*User, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateRoomName(room); err != nil {
		return nil, err
	}

	canonical := canonicalUsername(username)
	if _, taken := p.names[canonical]; taken {
		return nil, &eventError{
			Code:    codeDuplicateUsername,
			Message: fmt.Sprintf("username %q is already taken", username),
		}
	}

	user := &User{
		Username:   username,
		Room:       room,
		ExternalID: externalID,
		JoinedAt:   time.Now().UTC(),
	}
	p.users[connID] = user
	p.names[canonical] = connID
	return user, nil
}

// leave removes and returns the connection's User record, or nil if the
// connection never joined.
func (p *presenceRegistry) leave(connID string) *User {
	user, ok := p.users[connID]
	if !ok {
		return nil
	}
	delete(p.users, connID)
	delete(p.names, canonicalUsername(user.Username))
	return user
}

// get returns the connection's User record without removing it.
func (p *presenceRegistry) get(connID string) *User {
	return p.users[connID]
}

// changeRoom validates the new room name and updates the User's room field.
// The caller performs the corresponding room-membership move.
func (p *presenceRegistry) changeRoom(connID, newRoom string) error {
	if err := validateRoomName(newRoom); err != nil {
		return err
	}
	user, ok := p.users[connID]
	if !ok {
		return &eventError{Code: codeNotAuthenticated, Message: "join a room before changing rooms"}
	}
	user.Room = newRoom
	return nil
}

// findByUsername looks up a connected user by name, case-insensitively.
func (p *presenceRegistry) findByUsername(username string) (string, *User, bool) {
	connID, ok := p.names[canonicalUsername(username)]
	if !ok {
		return "", nil, false
	}
	return connID, p.users[connID], true
}

// count reports the number of currently joined users.
func (p *presenceRegistry) count() int {
	return len(p.users)
}
