package services

import (
	"errors"
	"sync"
	"time"

	"chorus/realtime/models"
)

// ErrBackpressure is returned by a Sender whose outbound buffer is full.
var ErrBackpressure = errors.New("send buffer full")

// Sender is the transport side of a socket.
type Sender interface {
	Send(event string, payload interface{}) error
	Close(code int, reason string)
}

// Connection is one authenticated socket owned by this process.
type Connection struct {
	SocketID    string
	UserID      string
	Profile     models.Profile
	ConnectedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	rooms         map[string]struct{}
	sender        Sender
}

func NewConnection(socketID string, profile models.Profile, sender Sender, now time.Time) *Connection {
	return &Connection{
		SocketID:      socketID,
		UserID:        profile.UserID,
		Profile:       profile,
		ConnectedAt:   now,
		lastHeartbeat: now,
		rooms:         make(map[string]struct{}),
		sender:        sender,
	}
}

func (c *Connection) Send(event string, payload interface{}) error {
	return c.sender.Send(event, payload)
}

func (c *Connection) Close(code int, reason string) {
	c.sender.Close(code, reason)
}

func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Connection) HasRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Connection) JoinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Connection) addRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Connection) removeRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// Registry indexes this process's sockets by id, user and room. It is never
// consulted for another process's state.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*Connection
	users   map[string]map[string]*Connection
	rooms   map[string]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		sockets: make(map[string]*Connection),
		users:   make(map[string]map[string]*Connection),
		rooms:   make(map[string]map[string]*Connection),
	}
}

func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sockets[c.SocketID] = c
	if r.users[c.UserID] == nil {
		r.users[c.UserID] = make(map[string]*Connection)
	}
	r.users[c.UserID][c.SocketID] = c
}

// Remove drops a socket from every index and returns it, or nil if unknown.
func (r *Registry) Remove(socketID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.sockets[socketID]
	if !ok {
		return nil
	}
	delete(r.sockets, socketID)
	if set := r.users[c.UserID]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(r.users, c.UserID)
		}
	}
	for _, roomID := range c.JoinedRooms() {
		r.unindexRoom(roomID, socketID)
	}
	return c
}

func (r *Registry) Get(socketID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sockets[socketID]
}

func (r *Registry) SocketsOf(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.users[userID])
}

func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// JoinRoom marks the socket as present in roomID. It returns false when the
// socket had already joined.
func (r *Registry) JoinRoom(socketID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.sockets[socketID]
	if !ok || !c.addRoom(roomID) {
		return false
	}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*Connection)
	}
	r.rooms[roomID][socketID] = c
	return true
}

func (r *Registry) LeaveRoom(socketID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.sockets[socketID]
	if !ok || !c.removeRoom(roomID) {
		return false
	}
	r.unindexRoom(roomID, socketID)
	return true
}

func (r *Registry) unindexRoom(roomID, socketID string) {
	if set := r.rooms[roomID]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

func (r *Registry) RoomSockets(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.rooms[roomID])
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

func (r *Registry) EmitToSocket(socketID, event string, payload interface{}) bool {
	c := r.Get(socketID)
	if c == nil {
		return false
	}
	return c.Send(event, payload) == nil
}

// EmitToUser sends to every local socket of userID except exceptSocket and
// returns how many sends were accepted.
func (r *Registry) EmitToUser(userID, event string, payload interface{}, exceptSocket string) int {
	return emit(r.SocketsOf(userID), event, payload, exceptSocket)
}

func (r *Registry) EmitToRoom(roomID, event string, payload interface{}, exceptSocket string) int {
	return emit(r.RoomSockets(roomID), event, payload, exceptSocket)
}

// The target list is copied out of the lock before sending.
func emit(conns []*Connection, event string, payload interface{}, exceptSocket string) int {
	sent := 0
	for _, c := range conns {
		if c.SocketID == exceptSocket {
			continue
		}
		if c.Send(event, payload) == nil {
			sent++
		}
	}
	return sent
}

func collect(set map[string]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
