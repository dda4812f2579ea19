// Package server owns room lifecycle: lazy creation on first join, immediate
// deletion once membership empties, and point-in-time membership snapshots.
package server

import "sort"

// roomRegistry maps room names to their member connection identities. It is
// not safe for concurrent use; the hub serializes access.
type roomRegistry struct {
	rooms map[string]map[string]struct{}
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms: make(map[string]map[string]struct{}),
	}
}

// join adds the connection to the room, creating the room entry if absent,
// and returns the post-join member count.
func (r *roomRegistry) join(room, connID string) int {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	return len(members)
}

// leave removes the connection from the room. When membership empties the
// room entry is deleted immediately; the caller schedules the deferred
// history purge. Reports whether the room became empty.
func (r *roomRegistry) leave(room, connID string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
		return true
	}
	return false
}

// ensure creates a tracking entry for the room if one is absent. Used by the
// bridge, which may reference rooms that have no connected members yet.
func (r *roomRegistry) ensure(room string) {
	if _, ok := r.rooms[room]; !ok {
		r.rooms[room] = make(map[string]struct{})
	}
}

// exists reports whether the room currently has a registry entry.
func (r *roomRegistry) exists(room string) bool {
	_, ok := r.rooms[room]
	return ok
}

// memberCount reports the room's current membership size.
func (r *roomRegistry) memberCount(room string) int {
	return len(r.rooms[room])
}

// members returns a point-in-time snapshot of the room's member connection ids.
func (r *roomRegistry) members(room string) []string {
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// list returns a point-in-time snapshot of all rooms and their member
// counts, sorted by room name for stable output.
func (r *roomRegistry) list() []RoomInfo {
	out := make([]RoomInfo, 0, len(r.rooms))
	for name, members := range r.rooms {
		out = append(out, RoomInfo{Name: name, MemberCount: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
