// Package rooms tracks which client channels are subscribed to which lists.
package rooms

import (
	"sort"
	"sync"

	"github.com/astromechza/listsync/pkg/protocol"
)

type membership struct {
	channel protocol.Channel
	seq     uint64
}

// Registry maps a list id to the channels that joined it. A channel may be a
// member of any number of lists.
type Registry struct {
	lock  sync.RWMutex
	seq   uint64
	rooms map[string]map[string]membership
}

func New() *Registry {
	return &Registry{rooms: make(map[string]map[string]membership)}
}

// Join adds the channel to the list's room. Joining twice keeps the original
// position in the room.
func (r *Registry) Join(ch protocol.Channel, listID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	room, ok := r.rooms[listID]
	if !ok {
		room = make(map[string]membership)
		r.rooms[listID] = room
	}
	if _, ok := room[ch.ID()]; ok {
		return
	}
	r.seq++
	room[ch.ID()] = membership{channel: ch, seq: r.seq}
}

// MembersOf returns the channels in the list's room in join order.
func (r *Registry) MembersOf(listID string) []protocol.Channel {
	r.lock.RLock()
	room := r.rooms[listID]
	members := make([]membership, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	r.lock.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	out := make([]protocol.Channel, len(members))
	for i, m := range members {
		out[i] = m.channel
	}
	return out
}

// Leave removes the channel from every room. It is safe to call more than once.
func (r *Registry) Leave(ch protocol.Channel) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for listID, room := range r.rooms {
		delete(room, ch.ID())
		if len(room) == 0 {
			delete(r.rooms, listID)
		}
	}
}

// ListsOf returns the ids of the lists the channel has joined, sorted.
func (r *Registry) ListsOf(ch protocol.Channel) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]string, 0)
	for listID, room := range r.rooms {
		if _, ok := room[ch.ID()]; ok {
			out = append(out, listID)
		}
	}
	sort.Strings(out)
	return out
}

// Rooms returns the member count of every non-empty room.
func (r *Registry) Rooms() map[string]int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make(map[string]int, len(r.rooms))
	for listID, room := range r.rooms {
		out[listID] = len(room)
	}
	return out
}
