package server

import (
	"encoding/json"
	"testing"
	"time"
)

// addTestBridge registers a connection and classifies it as the bridge via
// the sentinel handshake, discarding the acknowledgment.
func addTestBridge(t *testing.T, h *Hub) *Client {
	t.Helper()
	bridge := addTestClient(h)
	h.handleInbound(bridge, []byte(currentConfig().BridgeToken))
	select {
	case <-bridge.send:
	case <-time.After(time.Second):
		t.Fatal("bridge handshake produced no acknowledgment")
	}
	return bridge
}

// nextBridgeLine reads the next NDJSON reply queued for the bridge.
func nextBridgeLine(t *testing.T, bridge *Client) map[string]any {
	t.Helper()
	select {
	case payload := <-bridge.send:
		reply := map[string]any{}
		if err := json.Unmarshal(payload, &reply); err != nil {
			t.Fatalf("Failed to decode bridge line %q: %v", payload, err)
		}
		return reply
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for bridge reply")
	}
	return nil
}

// TestBridgeLineReassembly tests the byte-stream reassembly: messages split
// across frames are stitched together on newline boundaries, multiple
// messages in one frame are all handled, and a trailing incomplete line is
// retained for the next frame.
func TestBridgeLineReassembly(t *testing.T) {
	h := newTestHub(t, nil)
	bridge := addTestBridge(t, h)

	h.handleBridgeFrame(bridge, []byte(`{"type":"pi`))
	expectNoEvent(t, bridge)

	h.handleBridgeFrame(bridge, []byte("ng\"}\n{\"type\":\"ping\"}\n{\"type\":\"pi"))

	if reply := nextBridgeLine(t, bridge); reply["type"] != "pong" {
		t.Errorf("first reply type = %v, want pong", reply["type"])
	}
	if reply := nextBridgeLine(t, bridge); reply["type"] != "pong" {
		t.Errorf("second reply type = %v, want pong", reply["type"])
	}
	expectNoEvent(t, bridge)

	h.handleBridgeFrame(bridge, []byte("ng\"}\n"))
	if reply := nextBridgeLine(t, bridge); reply["type"] != "pong" {
		t.Errorf("reassembled tail reply type = %v, want pong", reply["type"])
	}
}

// TestBridgeMalformedLineDiscarded tests that a line that fails to parse is
// logged and discarded without closing the connection or affecting later
// messages.
func TestBridgeMalformedLineDiscarded(t *testing.T) {
	h := newTestHub(t, nil)
	bridge := addTestBridge(t, h)

	h.handleBridgeFrame(bridge, []byte("this is not json\n"))
	expectNoEvent(t, bridge)

	if _, ok := h.clients[bridge.id]; !ok {
		t.Fatal("malformed line dropped the bridge connection")
	}

	h.handleBridgeFrame(bridge, []byte("{\"type\":\"ping\"}\n"))
	if reply := nextBridgeLine(t, bridge); reply["type"] != "pong" {
		t.Errorf("reply after malformed line = %v, want pong", reply["type"])
	}
}

// TestBridgePingPong tests the ping control message: an immediate unicast
// pong carrying the server time.
func TestBridgePingPong(t *testing.T) {
	h := newTestHub(t, nil)
	bridge := addTestBridge(t, h)

	h.handleBridgeFrame(bridge, []byte("{\"type\":\"ping\"}\n"))

	reply := nextBridgeLine(t, bridge)
	if reply["type"] != "pong" {
		t.Fatalf("reply type = %v, want pong", reply["type"])
	}
	stamp, ok := reply["time"].(string)
	if !ok {
		t.Fatal("pong missing time field")
	}
	if _, err := time.Parse(time.RFC3339, stamp); err != nil {
		t.Errorf("pong time %q is not RFC3339: %v", stamp, err)
	}
}

// TestBridgeEmitToRoom tests the room-scoped fan-out: every member of the
// room receives the event, and the canonical message event grows that
// room's history by one entry.
func TestBridgeEmitToRoom(t *testing.T) {
	h := newTestHub(t, nil)
	alice := addTestClient(h)
	joinAs(t, h, alice, "A", "r1")
	bridge := addTestBridge(t, h)
	historyBefore := h.history.size("r1")

	h.handleBridgeFrame(bridge, []byte(`{"type":"emit_to_room","room":"r1","event":"receive_message","data":{"username":"ext","content":"hello","room":"r1"}}`+"\n"))

	received := expectEvent(t, alice, "receive_message")
	if received["content"] != "hello" {
		t.Errorf("relayed payload = %v", received)
	}
	if h.history.size("r1") != historyBefore+1 {
		t.Errorf("history size = %d, want %d", h.history.size("r1"), historyBefore+1)
	}

	// A non-message event is relayed but never stored.
	h.handleBridgeFrame(bridge, []byte(`{"type":"emit_to_room","room":"r1","event":"announcement","data":{"text":"maintenance"}}`+"\n"))
	expectEvent(t, alice, "announcement")
	if h.history.size("r1") != historyBefore+1 {
		t.Error("non-message bridge event landed in history")
	}
}

// TestBridgeEmitToRoomEnsuresTracking tests that a bridge fan-out to an
// unknown room creates its tracking entry without any members.
func TestBridgeEmitToRoomEnsuresTracking(t *testing.T) {
	h := newTestHub(t, nil)
	bridge := addTestBridge(t, h)

	h.handleBridgeFrame(bridge, []byte(`{"type":"emit_to_room","room":"fresh","event":"receive_message","data":{"content":"x"}}`+"\n"))

	if !h.rooms.exists("fresh") {
		t.Error("bridge fan-out did not create room tracking")
	}
	if h.history.size("fresh") != 1 {
		t.Errorf("history size = %d, want 1", h.history.size("fresh"))
	}
}

// TestBridgeEmitGlobal tests the global fan-out: every regular client
// receives the event; the bridge itself does not.
func TestBridgeEmitGlobal(t *testing.T) {
	h := newTestHub(t, nil)
	alice := addTestClient(h)
	bob := addTestClient(h)
	joinAs(t, h, alice, "A", "lobby")
	joinAs(t, h, bob, "B", "den")
	drainEvents(alice)
	bridge := addTestBridge(t, h)

	h.handleBridgeFrame(bridge, []byte(`{"type":"emit","event":"server_notice","data":{"text":"restart soon"}}`+"\n"))

	if notice := expectEvent(t, alice, "server_notice"); notice["text"] != "restart soon" {
		t.Errorf("notice payload = %v", notice)
	}
	expectEvent(t, bob, "server_notice")
	expectNoEvent(t, bridge)
}

// TestBridgeRoomCreated tests the room-creation asymmetry: collaboration
// rooms are announced to every client, direct rooms are log-only, and both
// get a tracking entry.
func TestBridgeRoomCreated(t *testing.T) {
	h := newTestHub(t, nil)
	alice := addTestClient(h)
	joinAs(t, h, alice, "A", "lobby")
	bridge := addTestBridge(t, h)

	h.handleBridgeFrame(bridge, []byte(`{"type":"room_created","room":{"name":"projects","type":"collaboration"},"new_user":"carol"}`+"\n"))

	created := expectEvent(t, alice, "room_created")
	if created["room"] != "projects" || created["newUser"] != "carol" {
		t.Errorf("room_created payload = %v", created)
	}
	if !h.rooms.exists("projects") {
		t.Error("collaboration room not tracked")
	}

	h.handleBridgeFrame(bridge, []byte(`{"type":"room_created","room":{"id":"dm-7","type":"direct"},"new_user":"carol"}`+"\n"))
	expectNoEvent(t, alice)
	if !h.rooms.exists("dm-7") {
		t.Error("direct room not tracked")
	}
}

// TestBridgePresenceUpdate tests presence broadcasts: room-scoped when a
// room is named (and recorded in that room's history), global otherwise.
func TestBridgePresenceUpdate(t *testing.T) {
	h := newTestHub(t, nil)
	alice := addTestClient(h)
	bob := addTestClient(h)
	joinAs(t, h, alice, "A", "lobby")
	joinAs(t, h, bob, "B", "den")
	drainEvents(alice)
	bridge := addTestBridge(t, h)

	h.handleBridgeFrame(bridge, []byte(`{"type":"presence_update","user_id":"u-1","status":"away","room":"lobby"}`+"\n"))

	presence := expectEvent(t, alice, "presence_changed")
	if presence["userId"] != "u-1" || presence["status"] != "away" || presence["room"] != "lobby" {
		t.Errorf("presence_changed payload = %v", presence)
	}
	expectNoEvent(t, bob)
	if countKind(h, "lobby", kindPresence) != 1 {
		t.Errorf("presence entries in history = %d, want 1", countKind(h, "lobby", kindPresence))
	}

	h.handleBridgeFrame(bridge, []byte(`{"type":"presence_update","user_id":"u-2","status":"online"}`+"\n"))
	expectEvent(t, alice, "presence_changed")
	expectEvent(t, bob, "presence_changed")
}

// TestBridgeInformationalMessages tests that heartbeat, disconnect, and
// unknown control types are consumed without replies or state changes.
func TestBridgeInformationalMessages(t *testing.T) {
	h := newTestHub(t, nil)
	bridge := addTestBridge(t, h)

	h.handleBridgeFrame(bridge, []byte("{\"type\":\"heartbeat\"}\n{\"type\":\"disconnect\"}\n{\"type\":\"mystery\"}\n"))

	expectNoEvent(t, bridge)
	if len(h.rooms.list()) != 0 {
		t.Error("informational messages created rooms")
	}
}
