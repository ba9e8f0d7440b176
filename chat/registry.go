package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/alwitt/roomcast/common"
	"github.com/apex/log"
)

// Conn one live client connection. Implemented against websockets in
// production; tests substitute fakes.
type Conn interface {
	// Send enqueue a payload for transmission. Must not block on network I/O;
	// an error means the connection is no longer usable.
	Send(payload []byte) error
	// Receive block for the next inbound client frame
	Receive(ctxt context.Context) ([]byte, error)
	// Close tear the connection down. Safe to call multiple times.
	Close()
}

// connEntry registry bookkeeping for one connection
type connEntry struct {
	roomID   string
	username string
}

// Registry per-instance map from room to the set of live local connections.
//
// The registry owns the connection-to-room mapping exclusively. Structural
// mutation happens under a short-held lock which is never held across
// network I/O; fan-out iterates over a snapshot of the socket set.
type Registry struct {
	common.Component
	lock  *sync.Mutex
	rooms map[string]map[Conn]string
	conns map[Conn]connEntry
}

// GetRegistry define a new connection Registry
func GetRegistry(instance string) *Registry {
	logTags := log.Fields{
		"module":    "chat",
		"component": "connection-registry",
		"instance":  instance,
	}
	return &Registry{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.Mutex{},
		rooms:     make(map[string]map[Conn]string),
		conns:     make(map[Conn]connEntry),
	}
}

// Register add a connection to a room's local set. Returns whether the room
// was newly active locally, i.e. this is its first local connection.
func (r *Registry) Register(roomID, username string, conn Conn) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	members, active := r.rooms[roomID]
	if !active {
		members = make(map[Conn]string)
		r.rooms[roomID] = members
	}
	members[conn] = username
	r.conns[conn] = connEntry{roomID: roomID, username: username}
	log.WithFields(r.LogTags).Debugf(
		"Registered %s in room %s (%d local)", username, roomID, len(members),
	)
	return !active
}

// Unregister remove a connection. Safe to call repeatedly for the same
// connection; only the first call finds it. Returns the room and username
// which were removed, whether the room became newly inactive locally, and
// whether the connection was present at all.
func (r *Registry) Unregister(conn Conn) (roomID, username string, last, found bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, present := r.conns[conn]
	if !present {
		return "", "", false, false
	}
	delete(r.conns, conn)
	members := r.rooms[entry.roomID]
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, entry.roomID)
		last = true
	}
	log.WithFields(r.LogTags).Debugf(
		"Unregistered %s from room %s (%d local)", entry.username, entry.roomID, len(members),
	)
	return entry.roomID, entry.username, last, true
}

// FanoutLocal deliver a payload to every connection currently registered under
// a room on this instance. Send failure on one connection never blocks the
// others; failed connections are returned for the caller to reap through the
// normal unregister path.
func (r *Registry) FanoutLocal(roomID string, payload []byte) []Conn {
	r.lock.Lock()
	targets := make([]Conn, 0, len(r.rooms[roomID]))
	for conn := range r.rooms[roomID] {
		targets = append(targets, conn)
	}
	r.lock.Unlock()

	var failed []Conn
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			log.WithError(err).WithFields(r.LogTags).Debugf(
				"Dropping unreachable connection in room %s", roomID,
			)
			failed = append(failed, conn)
		}
	}
	return failed
}

// RoomConns snapshot of the connections currently in a room on this instance
func (r *Registry) RoomConns(roomID string) []Conn {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]Conn, 0, len(r.rooms[roomID]))
	for conn := range r.rooms[roomID] {
		result = append(result, conn)
	}
	return result
}

// LocalPresence usernames currently connected to a room on this instance.
// This is not authoritative room-wide presence.
func (r *Registry) LocalPresence(roomID string) []string {
	r.lock.Lock()
	seen := make(map[string]bool)
	for _, username := range r.rooms[roomID] {
		seen[username] = true
	}
	r.lock.Unlock()
	result := make([]string, 0, len(seen))
	for username := range seen {
		result = append(result, username)
	}
	sort.Strings(result)
	return result
}

// LocalConnections number of connections in a room on this instance
func (r *Registry) LocalConnections(roomID string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.rooms[roomID])
}
