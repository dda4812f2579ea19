// Package server coordinates connection registration, protocol
// classification, room state, and event fan-out via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// inboundFrame is one raw frame read from a connection, queued for
// sequential processing on the hub goroutine.
type inboundFrame struct {
	client  *Client
	payload []byte
}

// Hub owns the three registries (connections, presence, rooms) plus the
// history buffers, and processes every inbound frame to completion before
// the next one. Keeping all mutation on the run-loop goroutine keeps the
// registries mutually consistent without per-registry locking; the mutex
// only guards the snapshot accessors used by the HTTP surface and the
// best-effort send path.
type Hub struct {
	clients  map[string]*Client
	bridges  map[string]*Client
	presence *presenceRegistry
	rooms    *roomRegistry
	history  *historyBuffer

	inbound    chan inboundFrame
	register   chan *Client
	unregister chan *Client
	purges     chan string

	historyGrace     time.Duration
	bridgeToken      string
	defaultRoom      string
	maxContentLength int

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub configured from the active configuration. The
// returned Hub is ready to accept connections once Run is started.
func NewHub() *Hub {
	cfg := currentConfig()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:          make(map[string]*Client),
		bridges:          make(map[string]*Client),
		presence:         newPresenceRegistry(),
		rooms:            newRoomRegistry(),
		history:          newHistoryBuffer(cfg.HistoryLimit),
		inbound:          make(chan inboundFrame),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		purges:           make(chan string, 32),
		historyGrace:     cfg.HistoryGrace,
		bridgeToken:      cfg.BridgeToken,
		defaultRoom:      cfg.DefaultRoom,
		maxContentLength: cfg.MaxContentLength,
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Every frame, registration, and
// deferred purge is handled to completion before the next, which is what
// keeps the registries consistent under arbitrary interleavings. This method
// should be called in a separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleDisconnect(client)

		case frame := <-h.inbound:
			h.handleInbound(frame.client, frame.payload)

		case room := <-h.purges:
			h.handlePurge(room)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()
	log.Printf("Connection %s registered from %s. Total connections: %d", client.id, client.addr, clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// handleInbound classifies the connection if needed, then routes the frame
// to the bridge reassembler or the structured-event dispatcher.
func (h *Hub) handleInbound(client *Client, payload []byte) {
	switch client.class {
	case classUnclassified:
		if h.classifyFirstFrame(client, payload) {
			return
		}
		h.handleClientFrame(client, payload)
	case classBridge:
		h.handleBridgeFrame(client, payload)
	case classRegular:
		h.handleClientFrame(client, payload)
	}
}

// classifyFirstFrame inspects a connection's first frame. A frame equal to
// the bridge sentinel token reclassifies the connection as the privileged
// bridge and is consumed; anything else marks the connection as a regular
// client and the frame flows on to the event dispatcher.
func (h *Hub) classifyFirstFrame(client *Client, payload []byte) bool {
	if string(trimLine(payload)) == h.bridgeToken {
		client.class = classBridge
		h.mutex.Lock()
		h.bridges[client.id] = client
		h.mutex.Unlock()
		log.Printf("Connection %s from %s classified as bridge", client.id, client.addr)
		h.sendBridgeLine(client, map[string]string{"type": "bridge_ack"})
		return true
	}
	client.class = classRegular
	return false
}

// handleDisconnect routes a closing connection to the appropriate cleanup:
// bridge-set removal for bridge connections, presence and room cleanup for
// regular clients.
func (h *Hub) handleDisconnect(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	delete(h.bridges, client.id)
	client.closed = true
	user := h.presence.leave(client.id)
	emptied := false
	memberCount := 0
	if user != nil {
		emptied = h.rooms.leave(user.Room, client.id)
		memberCount = h.rooms.memberCount(user.Room)
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	log.Printf("Connection %s from %s unregistered. Total connections: %d", client.id, client.addr, clientCount)

	if user == nil {
		return
	}

	h.broadcastDeparture(user, memberCount)
	if emptied {
		h.schedulePurge(user.Room)
	}
}

// broadcastDeparture notifies the departed user's room and refreshes its
// member list. The leave notice is a system event and lands in history.
func (h *Hub) broadcastDeparture(user *User, memberCount int) {
	notice := memberNoticePayload{
		Username:    user.Username,
		Room:        user.Room,
		MemberCount: memberCount,
		Timestamp:   time.Now().UTC(),
	}
	h.appendHistory(user.Room, kindSystem, notice.Timestamp, notice)
	h.sendToRoom(user.Room, "user_left", notice)
	h.sendUsersUpdate(user.Room)
}

// schedulePurge arms the deferred history purge for a room that just
// emptied. The purge fires as an independent event on the run loop after the
// grace window; handlePurge re-checks that the room is still absent, so a
// rejoin in the meantime neutralizes the stale purge.
func (h *Hub) schedulePurge(room string) {
	time.AfterFunc(h.historyGrace, func() {
		select {
		case h.purges <- room:
		case <-h.ctx.Done():
		}
	})
}

// handlePurge drops a room's history only if the room is still absent at
// fire time. Intervening joins may have legitimately recreated it.
func (h *Hub) handlePurge(room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.rooms.exists(room) {
		return
	}
	h.history.purge(room)
	log.Printf("Purged history for room %q after grace window", room)
}

// appendHistory marshals the payload and appends it to the room's history
// buffer with a derived event identifier.
func (h *Hub) appendHistory(room, kind string, timestamp time.Time, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshaling history payload for room %q: %v", room, err)
		return
	}
	h.mutex.Lock()
	h.history.append(room, Event{
		ID:        eventID(room),
		Kind:      kind,
		Room:      room,
		Timestamp: timestamp,
		Payload:   raw,
	})
	h.mutex.Unlock()
}

// eventID derives an event identifier from the current time and the
// originating entity (a connection id or room name).
func eventID(origin string) string {
	if len(origin) > 8 {
		origin = origin[:8]
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), origin)
}

// Dispatcher. All sends are best effort: targets that have disconnected or
// whose buffers are full are silently skipped, and delivery failure never
// reaches the caller.

func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client.id]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

func marshalEvent(event string, data any) ([]byte, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("Error marshaling %q event payload: %v", event, err)
		return nil, false
	}
	frame, err := json.Marshal(envelope{Event: event, Data: raw})
	if err != nil {
		log.Printf("Error marshaling %q event envelope: %v", event, err)
		return nil, false
	}
	return frame, true
}

// sendToConnection unicasts an event to a single connection.
func (h *Hub) sendToConnection(connID, event string, data any) {
	h.mutex.RLock()
	client, ok := h.clients[connID]
	h.mutex.RUnlock()
	if !ok {
		return
	}
	if frame, ok := marshalEvent(event, data); ok {
		h.safeSend(client, frame)
	}
}

// sendToRoom fans an event out to every member of a room.
func (h *Hub) sendToRoom(room, event string, data any) {
	h.sendToRoomExcept(room, "", event, data)
}

// sendToRoomExcept fans an event out to a room's members, skipping the
// excluded connection. Used for ephemeral notices like typing indicators.
func (h *Hub) sendToRoomExcept(room, exclude, event string, data any) {
	frame, ok := marshalEvent(event, data)
	if !ok {
		return
	}

	h.mutex.RLock()
	members := h.rooms.members(room)
	targets := make([]*Client, 0, len(members))
	for _, connID := range members {
		if connID == exclude {
			continue
		}
		if client, exists := h.clients[connID]; exists {
			targets = append(targets, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range targets {
		h.safeSend(client, frame)
	}
}

// sendGlobal fans an event out to every regular client.
func (h *Hub) sendGlobal(event string, data any) {
	frame, ok := marshalEvent(event, data)
	if !ok {
		return
	}

	h.mutex.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if client.class == classBridge {
			continue
		}
		targets = append(targets, client)
	}
	h.mutex.RUnlock()

	for _, client := range targets {
		h.safeSend(client, frame)
	}
}

// sendError unicasts an error event to the triggering connection, mapping
// coded handler errors onto the client-facing taxonomy.
func (h *Hub) sendError(client *Client, err error) {
	payload := errorPayload{Code: codeValidationError, Message: err.Error()}
	if coded, ok := err.(*eventError); ok {
		payload.Code = coded.Code
	}
	if frame, ok := marshalEvent("error", payload); ok {
		h.safeSend(client, frame)
	}
}

// sendBridgeLine writes one newline-delimited JSON message to a bridge
// connection.
func (h *Hub) sendBridgeLine(client *Client, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error marshaling bridge reply: %v", err)
		return
	}
	h.safeSend(client, append(raw, '\n'))
}

// sendUsersUpdate broadcasts a fresh member-list snapshot to a room.
func (h *Hub) sendUsersUpdate(room string) {
	h.mutex.RLock()
	members := h.rooms.members(room)
	users := make([]string, 0, len(members))
	for _, connID := range members {
		if user := h.presence.get(connID); user != nil {
			users = append(users, user.Username)
		}
	}
	h.mutex.RUnlock()

	h.sendToRoom(room, "users_update", usersUpdatePayload{
		Room:  room,
		Users: users,
		Count: len(users),
	})
}

// Snapshot accessors consumed by the HTTP stats surface.

// ClientCount reports the number of open connections, bridge included.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// UserCount reports the number of joined regular users.
func (h *Hub) UserCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.presence.count()
}

// RoomStats describes one room for the stats surface.
type RoomStats struct {
	Name     string `json:"name"`
	Members  int    `json:"members"`
	Messages int    `json:"messages"`
}

// StatsSnapshot is a point-in-time view of the hub for the stats surface.
type StatsSnapshot struct {
	Connections int         `json:"connections"`
	Users       int         `json:"users"`
	Rooms       []RoomStats `json:"rooms"`
}

// Stats returns a point-in-time snapshot of connections, users, and rooms.
func (h *Hub) Stats() StatsSnapshot {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	rooms := h.rooms.list()
	stats := StatsSnapshot{
		Connections: len(h.clients),
		Users:       h.presence.count(),
		Rooms:       make([]RoomStats, 0, len(rooms)),
	}
	for _, info := range rooms {
		stats.Rooms = append(stats.Rooms, RoomStats{
			Name:     info.Name,
			Members:  info.MemberCount,
			Messages: h.history.size(info.Name),
		})
	}
	return stats
}

// shutdownClients closes all active connections during hub shutdown.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
