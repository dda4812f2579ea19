// Package server routes structured events from regular clients through the
// per-event handlers that drive the presence and room state machine.
package server

import (
	"encoding/json"
	"log"
	"time"
)

// handleClientFrame decodes a regular client's event envelope and dispatches
// to the matching handler. Handler failures are isolated per invocation: an
// error event goes back to the sender and nothing else changes.
func (h *Hub) handleClientFrame(client *Client, payload []byte) {
	if !client.rateLimiter.allow() {
		log.Printf("Rate limit exceeded for %s (%d messages per %s); discarding frame",
			client.addr, client.rateLimit.Burst, client.rateLimit.RefillInterval)
		return
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("Invalid frame from %s: %v", client.addr, err)
		h.sendError(client, validationError("malformed event frame"))
		return
	}

	var err error
	switch env.Event {
	case "join":
		err = h.handleJoin(client, env.Data)
	case "send_message":
		err = h.handleSendMessage(client, env.Data)
	case "send_private_message":
		err = h.handleSendPrivateMessage(client, env.Data)
	case "typing":
		err = h.handleTyping(client, true)
	case "stop_typing":
		err = h.handleTyping(client, false)
	case "change_room":
		err = h.handleChangeRoom(client, env.Data)
	case "get_rooms":
		h.handleGetRooms(client)
	case "get_room_users":
		h.handleGetRoomUsers(client, env.Data)
	default:
		log.Printf("Unknown event %q from %s; ignoring", env.Event, client.addr)
		return
	}

	if err != nil {
		h.sendError(client, err)
	}
}

// joinedUser resolves the connection's User record, failing with a
// not_authenticated error for connections that have not joined yet.
func (h *Hub) joinedUser(client *Client) (*User, error) {
	h.mutex.RLock()
	user := h.presence.get(client.id)
	h.mutex.RUnlock()
	if user == nil {
		return nil, &eventError{Code: codeNotAuthenticated, Message: "join a room first"}
	}
	return user, nil
}

// handleJoin registers presence and room membership, replays the room's
// recent history to the caller, confirms the join, and announces the new
// member to the room.
func (h *Hub) handleJoin(client *Client, data json.RawMessage) error {
	var req joinRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return validationError("malformed join payload")
		}
	}
	if req.Room == "" {
		req.Room = h.defaultRoom
	}

	h.mutex.Lock()
	if h.presence.get(client.id) != nil {
		h.mutex.Unlock()
		return validationError("already joined; use change_room to move")
	}
	user, err := h.presence.join(client.id, req.Username, req.Room, req.ExternalID)
	if err != nil {
		h.mutex.Unlock()
		return err
	}
	memberCount := h.rooms.join(req.Room, client.id)
	h.mutex.Unlock()

	log.Printf("User %q joined room %q (%d members)", user.Username, req.Room, memberCount)

	h.replayHistory(client, req.Room)
	h.sendToConnection(client.id, "joined", joinedPayload{
		Username:    user.Username,
		Room:        req.Room,
		MemberCount: memberCount,
		Timestamp:   time.Now().UTC(),
	})
	h.announceArrival(user.Username, req.Room, memberCount)
	return nil
}

// replayHistory unicasts the room's buffered events to a newly joined
// member, oldest first.
func (h *Hub) replayHistory(client *Client, room string) {
	h.mutex.RLock()
	events := h.history.snapshot(room)
	h.mutex.RUnlock()

	messages := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		messages = append(messages, event.Payload)
	}
	h.sendToConnection(client.id, "message_history", historyPayload{
		Room:     room,
		Messages: messages,
	})
}

// announceArrival room-broadcasts the system join notice, appends it to
// history, and follows with a member-list snapshot.
func (h *Hub) announceArrival(username, room string, memberCount int) {
	notice := memberNoticePayload{
		Username:    username,
		Room:        room,
		MemberCount: memberCount,
		Timestamp:   time.Now().UTC(),
	}
	h.appendHistory(room, kindSystem, notice.Timestamp, notice)
	h.sendToRoom(room, "user_joined", notice)
	h.sendUsersUpdate(room)
}

// handleSendMessage sanitizes the content, broadcasts the message to the
// sender's room, and appends it to that room's history.
func (h *Hub) handleSendMessage(client *Client, data json.RawMessage) error {
	user, err := h.joinedUser(client)
	if err != nil {
		return err
	}

	var req messageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return validationError("malformed message payload")
	}
	content := sanitizeContent(req.Content, h.maxContentLength)
	if content == "" {
		return validationError("message content is empty")
	}

	message := receiveMessagePayload{
		ID:        eventID(client.id),
		Username:  user.Username,
		Content:   content,
		Room:      user.Room,
		Timestamp: time.Now().UTC(),
	}
	h.appendHistory(user.Room, kindMessage, message.Timestamp, message)
	h.sendToRoom(user.Room, "receive_message", message)
	return nil
}

// handleSendPrivateMessage delivers a private message to the target user and
// confirms delivery to the sender. Private traffic never lands in history.
func (h *Hub) handleSendPrivateMessage(client *Client, data json.RawMessage) error {
	user, err := h.joinedUser(client)
	if err != nil {
		return err
	}

	var req privateMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return validationError("malformed private message payload")
	}
	content := sanitizeContent(req.Content, h.maxContentLength)
	if content == "" {
		return validationError("message content is empty")
	}

	h.mutex.RLock()
	targetID, target, found := h.presence.findByUsername(req.TargetUsername)
	h.mutex.RUnlock()
	if !found {
		return &eventError{Code: codeTargetNotFound, Message: "user " + req.TargetUsername + " is not connected"}
	}

	now := time.Now().UTC()
	id := eventID(client.id)
	h.sendToConnection(targetID, "receive_private_message", privateMessagePayload{
		ID:        id,
		From:      user.Username,
		Content:   content,
		Timestamp: now,
	})
	h.sendToConnection(client.id, "private_message_sent", privateSentPayload{
		ID:        id,
		To:        target.Username,
		Content:   content,
		Timestamp: now,
	})
	return nil
}

// handleTyping broadcasts an ephemeral typing-state notice to the rest of
// the sender's room. Never persisted.
func (h *Hub) handleTyping(client *Client, typing bool) error {
	user, err := h.joinedUser(client)
	if err != nil {
		return err
	}

	h.sendToRoomExcept(user.Room, client.id, "user_typing", typingPayload{
		Username: user.Username,
		Room:     user.Room,
		Typing:   typing,
	})
	return nil
}

// handleChangeRoom moves the user from their current room to the requested
// one: leave notices and a member snapshot go to the old room, a history
// replay and arrival notices go to the new room, then the caller gets a
// confirmation with the new member count.
func (h *Hub) handleChangeRoom(client *Client, data json.RawMessage) error {
	user, err := h.joinedUser(client)
	if err != nil {
		return err
	}

	var req changeRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return validationError("malformed change_room payload")
	}
	if err := validateRoomName(req.NewRoom); err != nil {
		return err
	}
	oldRoom := user.Room
	if req.NewRoom == oldRoom {
		h.mutex.RLock()
		memberCount := h.rooms.memberCount(oldRoom)
		h.mutex.RUnlock()
		h.sendToConnection(client.id, "room_changed", roomChangedPayload{
			Room:        oldRoom,
			MemberCount: memberCount,
			Timestamp:   time.Now().UTC(),
		})
		return nil
	}

	h.mutex.Lock()
	emptied := h.rooms.leave(oldRoom, client.id)
	oldCount := h.rooms.memberCount(oldRoom)
	if err := h.presence.changeRoom(client.id, req.NewRoom); err != nil {
		// Roll the membership move back; validation happened above so this
		// is unreachable in practice.
		h.rooms.join(oldRoom, client.id)
		h.mutex.Unlock()
		return err
	}
	newCount := h.rooms.join(req.NewRoom, client.id)
	h.mutex.Unlock()

	log.Printf("User %q moved from room %q to %q", user.Username, oldRoom, req.NewRoom)

	departure := memberNoticePayload{
		Username:    user.Username,
		Room:        oldRoom,
		MemberCount: oldCount,
		Timestamp:   time.Now().UTC(),
	}
	h.appendHistory(oldRoom, kindSystem, departure.Timestamp, departure)
	h.sendToRoom(oldRoom, "user_left", departure)
	h.sendUsersUpdate(oldRoom)
	if emptied {
		h.schedulePurge(oldRoom)
	}

	h.replayHistory(client, req.NewRoom)
	h.announceArrival(user.Username, req.NewRoom, newCount)
	h.sendToConnection(client.id, "room_changed", roomChangedPayload{
		Room:        req.NewRoom,
		MemberCount: newCount,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// handleGetRooms unicasts a snapshot of all rooms and their member counts.
func (h *Hub) handleGetRooms(client *Client) {
	h.mutex.RLock()
	rooms := h.rooms.list()
	h.mutex.RUnlock()

	h.sendToConnection(client.id, "rooms_list", roomsListPayload{Rooms: rooms})
}

// handleGetRoomUsers unicasts the member names of the requested room,
// defaulting to the caller's current room.
func (h *Hub) handleGetRoomUsers(client *Client, data json.RawMessage) {
	var req roomUsersRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			h.sendError(client, validationError("malformed get_room_users payload"))
			return
		}
	}

	h.mutex.RLock()
	room := req.Room
	if room == "" {
		if user := h.presence.get(client.id); user != nil {
			room = user.Room
		}
	}
	members := h.rooms.members(room)
	users := make([]string, 0, len(members))
	for _, connID := range members {
		if user := h.presence.get(connID); user != nil {
			users = append(users, user.Username)
		}
	}
	h.mutex.RUnlock()

	h.sendToConnection(client.id, "room_users", roomUsersPayload{
		Room:  room,
		Users: users,
	})
}
