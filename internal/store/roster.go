package store

import (
	"sort"
	"sync"

	"github.com/luciancaetano/kephaschat"
)

// Roster is the operator's list of rooms. It is never patched: every join
// replaces it.
type Roster struct {
	mu    sync.RWMutex
	rooms []kephaschat.RoomRosterEntry
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{}
}

// Replace swaps in rooms sorted by UpdatedAt, newest first. Ties keep room id
// order so the result does not depend on input order.
func (r *Roster) Replace(rooms []kephaschat.RoomRosterEntry) {
	sorted := make([]kephaschat.RoomRosterEntry, len(rooms))
	copy(sorted, rooms)
	SortRooms(sorted)

	r.mu.Lock()
	r.rooms = sorted
	r.mu.Unlock()
}

// All returns a copy of the roster.
func (r *Roster) All() []kephaschat.RoomRosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]kephaschat.RoomRosterEntry, len(r.rooms))
	copy(out, r.rooms)
	return out
}

// Lookup returns the entry for roomID.
func (r *Roster) Lookup(roomID string) (kephaschat.RoomRosterEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, room := range r.rooms {
		if room.RoomID == roomID {
			return room, true
		}
	}
	return kephaschat.RoomRosterEntry{}, false
}

// Len returns the number of rooms.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SortRooms orders rooms by UpdatedAt descending, then by RoomID.
func SortRooms(rooms []kephaschat.RoomRosterEntry) {
	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i].UpdatedAt, rooms[j].UpdatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
}
