// Package server maintains the per-room bounded history buffers used to
// replay recent context to newly joined members.
package server

// historyBuffer keeps an ordered window of recent events per room. When a
// room's sequence exceeds the limit the oldest entry is dropped first; there
// is no recency re-ranking. The buffer is not safe for concurrent use; the
// hub serializes access.
type historyBuffer struct {
	limit  int
	events map[string][]Event
}

func newHistoryBuffer(limit int) *historyBuffer {
	if limit <= 0 {
		limit = 50
	}
	return &historyBuffer{
		limit:  limit,
		events: make(map[string][]Event),
	}
}

// append pushes an event onto the room's sequence, evicting the oldest entry
// once the limit is exceeded.
func (b *historyBuffer) append(room string, event Event) {
	sequence := append(b.events[room], event)
	if len(sequence) > b.limit {
		sequence = sequence[len(sequence)-b.limit:]
	}
	b.events[room] = sequence
}

// snapshot returns an ordered copy of the room's events. A room with no
// stored history yields an empty slice.
func (b *historyBuffer) snapshot(room string) []Event {
	sequence := b.events[room]
	out := make([]Event, len(sequence))
	copy(out, sequence)
	return out
}

// size reports the number of buffered events for a room.
func (b *historyBuffer) size(room string) int {
	return len(b.events[room])
}

// purge drops the stored sequence for a room. Invoked only by the deferred
// purge path after the grace window elapses.
func (b *historyBuffer) purge(room string) {
	delete(b.events, room)
}
