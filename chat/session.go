package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/roomcast/common"
	"github.com/alwitt/roomcast/pubsub"
	"github.com/alwitt/roomcast/ratelimit"
	"github.com/alwitt/roomcast/storage"
	"github.com/apex/log"
)

// SessionManager orchestrates room sessions on one server instance.
//
// Each client connection is driven through Connecting, Active, Closed by one
// call to Run. The manager wires the connection registry, the pub/sub bridge
// and the message store together: every event is persisted first, then
// published; the bridge delivery path performs the local fan-out, on this and
// every other instance, including back to the sender.
type SessionManager struct {
	common.Component
	registry     *Registry
	bridge       pubsub.Bridge
	store        storage.MessageStore
	limiter      ratelimit.Limiter
	historyLimit int
	// transition serializes register+subscribe and unregister+unsubscribe
	// pairs. Without it a stale unsubscribe racing a fresh join could tear
	// down the new subscription and leave a populated room with no listener.
	transition *sync.Mutex
}

// GetSessionManager define a new SessionManager
func GetSessionManager(
	registry *Registry,
	bridge pubsub.Bridge,
	store storage.MessageStore,
	limiter ratelimit.Limiter,
	historyLimit int,
	instance string,
) (*SessionManager, error) {
	logTags := log.Fields{
		"module":    "chat",
		"component": "session-manager",
		"instance":  instance,
	}
	if registry == nil || bridge == nil || store == nil || limiter == nil {
		err := fmt.Errorf("session manager missing a collaborator")
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return nil, err
	}
	if historyLimit < 1 {
		err := fmt.Errorf("history replay limit must be at least one")
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return nil, err
	}
	return &SessionManager{
		Component:    common.Component{LogTags: logTags},
		registry:     registry,
		bridge:       bridge,
		store:        store,
		limiter:      limiter,
		historyLimit: historyLimit,
		transition:   &sync.Mutex{},
	}, nil
}

// Run drive one connection's session until the connection dies or the context
// is cancelled. Blocks for the session lifetime.
func (m *SessionManager) Run(ctxt context.Context, roomID, username string, conn Conn) error {
	logTags := log.Fields{}
	for lt, lv := range m.LogTags {
		logTags[lt] = lv
	}
	logTags["room"] = roomID
	logTags["user"] = username

	if err := m.joinRoom(ctxt, roomID, username, conn, logTags); err != nil {
		m.closeSession(ctxt, roomID, username, conn, false, logTags)
		return err
	}

	// Active. Inbound frames are handled strictly in receipt order.
	for {
		payload, err := conn.Receive(ctxt)
		if err != nil {
			log.WithError(err).WithFields(logTags).Debug("Session receive loop ended")
			break
		}
		m.handleInbound(ctxt, roomID, username, conn, payload, logTags)
	}

	m.closeSession(ctxt, roomID, username, conn, true, logTags)
	return nil
}

// joinRoom take a connection from Connecting to Active: register, subscribe
// the room channel if newly active locally, replay history, then persist and
// publish the join announcement. History is sent before the join event so the
// client never sees its own join out of order relative to the backlog.
func (m *SessionManager) joinRoom(
	ctxt context.Context, roomID, username string, conn Conn, logTags log.Fields,
) error {
	m.transition.Lock()
	first := m.registry.Register(roomID, username, conn)
	if first {
		if err := m.bridge.Subscribe(roomID, m.deliveryHandler(roomID)); err != nil {
			// Degraded mode. History still works, live fan-out from other
			// instances does not. Not fatal for the session.
			log.WithError(err).WithFields(logTags).Error("Room channel subscribe failed")
		}
	}
	m.transition.Unlock()

	backlog, err := m.store.Recent(ctxt, roomID, m.historyLimit)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("History replay read failed")
		return err
	}
	for _, record := range backlog {
		serialized, err := FrameFromRecord(record).Serialize()
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to serialize history frame")
			return err
		}
		if err := conn.Send(serialized); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Connection died during history replay")
			return err
		}
	}

	if err := m.recordAndPublish(
		ctxt,
		roomID,
		username,
		fmt.Sprintf("%s joined the room", username),
		storage.KindUserJoined,
		logTags,
	); err != nil {
		return err
	}

	log.WithFields(logTags).Infof("User %s joined room %s", username, roomID)
	return nil
}

// handleInbound process one inbound client frame: rate limit, parse, persist,
// then publish. No failure here terminates the session.
func (m *SessionManager) handleInbound(
	ctxt context.Context, roomID, username string, conn Conn, payload []byte,
	logTags log.Fields,
) {
	var inbound InboundFrame
	if err := json.Unmarshal(payload, &inbound); err != nil {
		// One malformed frame is dropped. The connection stays open.
		log.WithError(err).WithFields(logTags).Warn("Dropping malformed inbound frame")
		return
	}

	allowed, err := m.limiter.Allow(ctxt, fmt.Sprintf("%s/%s", roomID, username))
	if err != nil {
		// Limiter backend failure fails open. Messages keep flowing.
		log.WithError(err).WithFields(logTags).Error("Rate limit check failed. Allowing")
	} else if !allowed {
		log.WithFields(logTags).Warnf("Rate limited message from %s in %s", username, roomID)
		return
	}

	// Persist first. A storage failure is fatal only for this one message;
	// other participants and this connection are unaffected.
	if err := m.recordAndPublish(
		ctxt, roomID, username, inbound.Content, storage.KindMessage, logTags,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Inbound message was not accepted")
	}
}

// recordAndPublish append an event to the durable log, then broadcast it on
// the room channel. A publish failure after a successful append is logged and
// tolerated; the event remains recoverable through history replay.
func (m *SessionManager) recordAndPublish(
	ctxt context.Context, roomID, username, content, kind string, logTags log.Fields,
) error {
	record, err := m.store.Append(ctxt, roomID, username, content, kind)
	if err != nil {
		return err
	}
	serialized, err := FrameFromRecord(record).Serialize()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to serialize frame for publish")
		return nil
	}
	receipt, err := m.bridge.Publish(ctxt, roomID, serialized)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Publish of %s event failed. Event remains in history", kind,
		)
		return nil
	}
	log.WithFields(logTags).Debugf(
		"Published %s event to %d instances", kind, receipt.Subscribers,
	)
	return nil
}

// closeSession take a connection to Closed: unregister, drop the channel
// subscription if the room became locally empty, and announce the leave on a
// best-effort basis. Safe to call on a connection another path already reaped.
func (m *SessionManager) closeSession(
	ctxt context.Context, roomID, username string, conn Conn, announce bool,
	logTags log.Fields,
) {
	m.transition.Lock()
	_, _, last, found := m.registry.Unregister(conn)
	if found && last {
		if err := m.bridge.Unsubscribe(roomID); err != nil {
			log.WithError(err).WithFields(logTags).Error("Room channel unsubscribe failed")
		}
	}
	m.transition.Unlock()
	conn.Close()
	if !found {
		// Already removed, e.g. reaped after a fan-out send failure. The
		// removal path that got here first owns the bookkeeping.
		return
	}
	if announce {
		// Failure to announce a leave never escalates; the room stays usable.
		if err := m.recordAndPublish(
			ctxt,
			roomID,
			username,
			fmt.Sprintf("%s left the room", username),
			storage.KindUserLeft,
			logTags,
		); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Leave announcement was not recorded")
		}
	}
	log.WithFields(logTags).Infof("User %s left room %s", username, roomID)
}

// deliveryHandler build the bridge delivery callback for a room. Broker
// payloads are fanned out to all local connections; connections that fail to
// take the payload are reaped through the normal unregister path.
func (m *SessionManager) deliveryHandler(roomID string) pubsub.DeliveryHandlerCB {
	return func(ctxt context.Context, payload []byte) {
		for _, conn := range m.registry.FanoutLocal(roomID, payload) {
			m.reapConnection(roomID, conn)
		}
	}
}

// reapConnection silently remove a connection that failed a local send
func (m *SessionManager) reapConnection(roomID string, conn Conn) {
	m.transition.Lock()
	_, _, last, found := m.registry.Unregister(conn)
	if found && last {
		if err := m.bridge.Unsubscribe(roomID); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Room channel unsubscribe failed")
		}
	}
	m.transition.Unlock()
	conn.Close()
}

// TeardownRoom force the local subscription for a room down and disconnect
// its local connections. Used when the room itself is deleted.
func (m *SessionManager) TeardownRoom(ctxt context.Context, roomID string) {
	m.transition.Lock()
	if err := m.bridge.Unsubscribe(roomID); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unsubscribe during teardown of room %s failed", roomID,
		)
	}
	evicted := m.registry.RoomConns(roomID)
	for _, conn := range evicted {
		m.registry.Unregister(conn)
	}
	m.transition.Unlock()
	for _, conn := range evicted {
		conn.Close()
	}
	log.WithFields(m.LogTags).Infof("Tore down local state of room %s", roomID)
}

// LocalPresence usernames connected to a room on this instance only
func (m *SessionManager) LocalPresence(roomID string) []string {
	return m.registry.LocalPresence(roomID)
}
