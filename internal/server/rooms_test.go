package server

import "testing"

// TestRoomRegistryJoinAndLeave tests lazy room creation on first join, the
// post-join member count, and that the registry entry disappears the moment
// membership empties.
func TestRoomRegistryJoinAndLeave(t *testing.T) {
	rooms := newRoomRegistry()

	if rooms.exists("lobby") {
		t.Fatal("room exists before any join")
	}

	if count := rooms.join("lobby", "conn-1"); count != 1 {
		t.Errorf("first join count = %d, want 1", count)
	}
	if count := rooms.join("lobby", "conn-2"); count != 2 {
		t.Errorf("second join count = %d, want 2", count)
	}
	if !rooms.exists("lobby") {
		t.Fatal("room missing after joins")
	}

	if emptied := rooms.leave("lobby", "conn-1"); emptied {
		t.Error("leave reported empty with one member remaining")
	}
	if emptied := rooms.leave("lobby", "conn-2"); !emptied {
		t.Error("leave did not report empty after last member left")
	}
	if rooms.exists("lobby") {
		t.Error("room entry survives with no members")
	}
}

// TestRoomRegistryLeaveUnknown tests that leaving a room that does not
// exist is a harmless no-op.
func TestRoomRegistryLeaveUnknown(t *testing.T) {
	rooms := newRoomRegistry()
	if emptied := rooms.leave("ghost", "conn-1"); emptied {
		t.Error("leave of unknown room reported empty")
	}
}

// TestRoomRegistryEnsure tests the bridge path that creates tracking for a
// room without members.
func TestRoomRegistryEnsure(t *testing.T) {
	rooms := newRoomRegistry()

	rooms.ensure("r1")
	if !rooms.exists("r1") {
		t.Fatal("ensured room missing")
	}
	if rooms.memberCount("r1") != 0 {
		t.Errorf("ensured room has %d members, want 0", rooms.memberCount("r1"))
	}

	// ensure must not clobber existing membership.
	rooms.join("r1", "conn-1")
	rooms.ensure("r1")
	if rooms.memberCount("r1") != 1 {
		t.Error("ensure reset an existing room's membership")
	}
}

// TestRoomRegistrySnapshots tests the point-in-time list and member
// snapshots used by queries and the stats surface.
func TestRoomRegistrySnapshots(t *testing.T) {
	rooms := newRoomRegistry()
	rooms.join("lobby", "conn-1")
	rooms.join("lobby", "conn-2")
	rooms.join("den", "conn-3")

	list := rooms.list()
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0].Name != "den" || list[1].Name != "lobby" {
		t.Errorf("list not sorted by name: %+v", list)
	}
	if list[1].MemberCount != 2 {
		t.Errorf("lobby member count = %d, want 2", list[1].MemberCount)
	}

	members := rooms.members("lobby")
	if len(members) != 2 {
		t.Errorf("members length = %d, want 2", len(members))
	}
	if len(rooms.members("ghost")) != 0 {
		t.Error("unknown room returned members")
	}
}
