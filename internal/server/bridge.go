// Package server adapts the privileged bridge channel: newline-delimited
// JSON control messages from an external authoritative system are reassembled
// from raw frames and translated into registry and dispatch operations.
package server

import (
	"bytes"
	"encoding/json"
	"log"
	"time"
)

// bridgeMessage is the decoded shape of one control line. Room is kept raw
// because emit_to_room carries a plain string while room_created carries an
// object.
type bridgeMessage struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Room    json.RawMessage `json:"room"`
	NewUser string          `json:"new_user"`
	UserID  string          `json:"user_id"`
	Status  string          `json:"status"`
}

// bridgeRoom is the room descriptor attached to room_created messages.
type bridgeRoom struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// messageReceivedEvent is the canonical "message received" event kind; bridge
// fan-outs under this name are the ones that land in room history.
const messageReceivedEvent = "receive_message"

func trimLine(line []byte) []byte {
	return bytes.TrimSpace(line)
}

// handleBridgeFrame appends the raw frame to the connection's reassembly
// buffer, hands every complete line to the control-message adapter, and
// retains any trailing incomplete line for the next frame.
func (h *Hub) handleBridgeFrame(client *Client, frame []byte) {
	client.pending = append(client.pending, frame...)

	for {
		idx := bytes.IndexByte(client.pending, '\n')
		if idx < 0 {
			return
		}
		line := trimLine(client.pending[:idx])
		client.pending = client.pending[idx+1:]
		if len(line) == 0 {
			continue
		}
		h.handleBridgeLine(client, line)
	}
}

// handleBridgeLine parses one candidate JSON control message and performs
// the corresponding operation. The channel is trusted, so no username or
// room validation applies. A line that fails to parse is logged and
// discarded without touching the connection or any other state.
func (h *Hub) handleBridgeLine(client *Client, line []byte) {
	var msg bridgeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Printf("Malformed control message from bridge %s: %v", client.addr, err)
		return
	}

	switch msg.Type {
	case "emit":
		h.bridgeEmit(msg)
	case "emit_to_room":
		h.bridgeEmitToRoom(client, msg)
	case "room_created":
		h.bridgeRoomCreated(client, msg)
	case "presence_update":
		h.bridgePresenceUpdate(msg)
	case "ping":
		h.sendBridgeLine(client, map[string]string{
			"type": "pong",
			"time": time.Now().UTC().Format(time.RFC3339),
		})
	case "heartbeat", "disconnect":
		log.Printf("Bridge %s sent %s", client.addr, msg.Type)
	default:
		log.Printf("Bridge %s sent unknown control message type %q; ignoring", client.addr, msg.Type)
	}
}

// bridgeEmit fans an event out to every regular client.
func (h *Hub) bridgeEmit(msg bridgeMessage) {
	if msg.Event == "" {
		log.Printf("Bridge emit without event name; ignoring")
		return
	}
	h.sendGlobal(msg.Event, rawOrEmpty(msg.Data))
}

// bridgeEmitToRoom fans an event out to a room's members, ensuring room
// tracking exists first. The canonical message event also lands in history
// so late joiners replay it.
func (h *Hub) bridgeEmitToRoom(client *Client, msg bridgeMessage) {
	var room string
	if err := json.Unmarshal(msg.Room, &room); err != nil || room == "" {
		log.Printf("Bridge emit_to_room from %s without a room; ignoring", client.addr)
		return
	}
	if msg.Event == "" {
		log.Printf("Bridge emit_to_room for room %q without event name; ignoring", room)
		return
	}

	h.mutex.Lock()
	h.rooms.ensure(room)
	h.mutex.Unlock()

	if msg.Event == messageReceivedEvent {
		h.mutex.Lock()
		h.history.append(room, Event{
			ID:        eventID(room),
			Kind:      kindMessage,
			Room:      room,
			Timestamp: time.Now().UTC(),
			Payload:   rawOrEmpty(msg.Data),
		})
		h.mutex.Unlock()
	}

	h.sendToRoom(room, msg.Event, rawOrEmpty(msg.Data))
}

// bridgeRoomCreated ensures tracking for the new room. Collaboration rooms
// are announced to every client; direct rooms are intentionally log-only.
func (h *Hub) bridgeRoomCreated(client *Client, msg bridgeMessage) {
	var room bridgeRoom
	if len(msg.Room) > 0 {
		if err := json.Unmarshal(msg.Room, &room); err != nil {
			log.Printf("Bridge room_created from %s with malformed room descriptor: %v", client.addr, err)
			return
		}
	}
	name := room.Name
	if name == "" {
		name = room.ID
	}
	if name == "" {
		log.Printf("Bridge room_created from %s without a room name; ignoring", client.addr)
		return
	}

	h.mutex.Lock()
	h.rooms.ensure(name)
	h.mutex.Unlock()

	if room.Type != "collaboration" {
		log.Printf("Bridge created %s room %q for %q; no broadcast", room.Type, name, msg.NewUser)
		return
	}

	h.sendGlobal("room_created", roomCreatedPayload{
		Room:      name,
		Type:      room.Type,
		NewUser:   msg.NewUser,
		Timestamp: time.Now().UTC(),
	})
}

// bridgePresenceUpdate broadcasts a presence-changed event, scoped to a room
// when one is named, global otherwise. Room-scoped presence notices land in
// that room's history.
func (h *Hub) bridgePresenceUpdate(msg bridgeMessage) {
	payload := presenceChangedPayload{
		UserID:    msg.UserID,
		Status:    msg.Status,
		Timestamp: time.Now().UTC(),
	}
	if len(msg.Room) > 0 {
		// Ignore a non-string room field; presence rooms arrive as names.
		_ = json.Unmarshal(msg.Room, &payload.Room)
	}

	if payload.Room == "" {
		h.sendGlobal("presence_changed", payload)
		return
	}
	h.appendHistory(payload.Room, kindPresence, payload.Timestamp, payload)
	h.sendToRoom(payload.Room, "presence_changed", payload)
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
