// Package router delivers chat messages and typing indicators to live
// connections. Delivery is best effort: an offline recipient simply misses
// the realtime copy.
package router

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pufferblow/realtime-core/internal/metrics"
	"github.com/pufferblow/realtime-core/internal/protocol"
)

// Directory resolves a user id to its live connection handle.
type Directory interface {
	Lookup(userID string) (string, bool)
}

type Router struct {
	dir     Directory
	out     protocol.Outbox
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	rooms   map[string]map[string]struct{} // room -> handles
	members map[string]map[string]struct{} // handle -> rooms
}

func New(dir Directory, out protocol.Outbox, m *metrics.Metrics, log *zap.Logger) *Router {
	return &Router{
		dir:     dir,
		out:     out,
		metrics: m,
		log:     log.Named("router"),
		now:     time.Now,
		rooms:   map[string]map[string]struct{}{},
		members: map[string]map[string]struct{}{},
	}
}

// Route delivers message from senderID to recipientID's live connection.
// It reports whether a connection accepted the frame.
func (r *Router) Route(senderID, recipientID string, message json.RawMessage) bool {
	return r.route(senderID, recipientID, message, r.now().UnixMilli())
}

func (r *Router) route(senderID, recipientID string, message json.RawMessage, ts int64) bool {
	handle, ok := r.dir.Lookup(recipientID)
	if !ok {
		r.metrics.Delivery("message", false)
		return false
	}

	delivered := r.out.Deliver(handle, protocol.ReceiveMessage{
		SenderID:  senderID,
		Message:   message,
		Timestamp: ts,
	})
	r.metrics.Delivery("message", delivered)
	return delivered
}

// SendMessage handles a send-message frame: a direct copy to the recipient
// plus a new-message fan-out to the room, the sender's own connection
// included.
func (r *Router) SendMessage(senderID string, msg protocol.SendMessage) bool {
	ts := r.now().UnixMilli()

	delivered := false
	if msg.RecipientID != "" {
		delivered = r.route(senderID, msg.RecipientID, msg.Message, ts)
	}

	if msg.RoomID != "" {
		r.Broadcast(msg.RoomID, protocol.NewMessage{
			SenderID:  senderID,
			Message:   msg.Message,
			Timestamp: ts,
			RoomID:    msg.RoomID,
		})
	}
	return delivered
}

// Broadcast pushes ev to every member of roomID and returns how many
// connections accepted it.
func (r *Router) Broadcast(roomID string, ev protocol.Event) int {
	r.mu.RLock()
	handles := make([]string, 0, len(r.rooms[roomID]))
	for h := range r.rooms[roomID] {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sent := 0
	for _, h := range handles {
		ok := r.out.Deliver(h, ev)
		r.metrics.Delivery("room", ok)
		if ok {
			sent++
		}
	}
	return sent
}

// Typing relays a typing or stop-typing indicator. Nothing is recorded.
func (r *Router) Typing(senderID, recipientID string, typing bool) bool {
	handle, ok := r.dir.Lookup(recipientID)
	if !ok {
		return false
	}

	var ev protocol.Event = protocol.StopTypingNotice{UserID: senderID}
	if typing {
		ev = protocol.TypingNotice{UserID: senderID}
	}
	delivered := r.out.Deliver(handle, ev)
	r.metrics.Delivery("typing", delivered)
	return delivered
}

// Join subscribes handle to roomID. Joining twice is a no-op; it reports
// whether the membership is new.
func (r *Router) Join(handle, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = map[string]struct{}{}
		r.rooms[roomID] = room
		r.metrics.ActiveRooms.Inc()
	}
	if _, joined := room[handle]; joined {
		return false
	}
	room[handle] = struct{}{}

	rooms, ok := r.members[handle]
	if !ok {
		rooms = map[string]struct{}{}
		r.members[handle] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

func (r *Router) Leave(handle, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(handle, roomID)
}

// LeaveAll drops handle from every room it joined. Called on disconnect.
func (r *Router) LeaveAll(handle string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := make([]string, 0, len(r.members[handle]))
	for roomID := range r.members[handle] {
		if r.leaveLocked(handle, roomID) {
			left = append(left, roomID)
		}
	}
	return left
}

func (r *Router) leaveLocked(handle, roomID string) bool {
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, joined := room[handle]; !joined {
		return false
	}

	delete(room, handle)
	if len(room) == 0 {
		delete(r.rooms, roomID)
		r.metrics.ActiveRooms.Dec()
	}

	if rooms := r.members[handle]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.members, handle)
		}
	}
	return true
}

// Members returns the handles currently in roomID.
func (r *Router) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rooms[roomID]))
	for h := range r.rooms[roomID] {
		out = append(out, h)
	}
	return out
}

func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
