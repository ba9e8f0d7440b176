package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/roomcast/pubsub"
	"github.com/alwitt/roomcast/ratelimit"
	"github.com/alwitt/roomcast/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// mockConn scriptable in-memory Conn
type mockConn struct {
	lock    sync.Mutex
	sent    [][]byte
	sendErr error
	inbound chan []byte
	closed  bool
}

func newMockConn() *mockConn {
	return &mockConn{inbound: make(chan []byte, 16)}
}

func (c *mockConn) Send(payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return fmt.Errorf("connection already closed")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *mockConn) Receive(ctxt context.Context) ([]byte, error) {
	select {
	case <-ctxt.Done():
		return nil, ctxt.Err()
	case payload, ok := <-c.inbound:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return payload, nil
	}
}

func (c *mockConn) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
}

func (c *mockConn) setSendError(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sendErr = err
}

func (c *mockConn) sentFrames() []Frame {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]Frame, 0, len(c.sent))
	for _, payload := range c.sent {
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err == nil {
			result = append(result, frame)
		}
	}
	return result
}

func (c *mockConn) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// mockBridge scriptable in-memory Bridge
type mockBridge struct {
	lock             sync.Mutex
	handlers         map[string]pubsub.DeliveryHandlerCB
	published        []Frame
	subscribeCalls   map[string]int
	unsubscribeCalls map[string]int
	publishErr       error
	subscribeErr     error
}

func newMockBridge() *mockBridge {
	return &mockBridge{
		handlers:         make(map[string]pubsub.DeliveryHandlerCB),
		subscribeCalls:   make(map[string]int),
		unsubscribeCalls: make(map[string]int),
	}
}

func (b *mockBridge) Publish(
	ctxt context.Context, roomID string, payload []byte,
) (pubsub.Receipt, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.publishErr != nil {
		return pubsub.Receipt{}, b.publishErr
	}
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return pubsub.Receipt{}, err
	}
	b.published = append(b.published, frame)
	return pubsub.Receipt{Subscribers: 1}, nil
}

func (b *mockBridge) Subscribe(roomID string, handler pubsub.DeliveryHandlerCB) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.subscribeCalls[roomID]++
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.handlers[roomID] = handler
	return nil
}

func (b *mockBridge) Unsubscribe(roomID string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.unsubscribeCalls[roomID]++
	delete(b.handlers, roomID)
	return nil
}

func (b *mockBridge) Close(ctxt context.Context) {}

// deliver simulate one broker delivery to the installed room handler
func (b *mockBridge) deliver(roomID string, frame Frame) error {
	b.lock.Lock()
	handler := b.handlers[roomID]
	b.lock.Unlock()
	if handler == nil {
		return fmt.Errorf("no handler for room %s", roomID)
	}
	payload, err := frame.Serialize()
	if err != nil {
		return err
	}
	handler(context.Background(), payload)
	return nil
}

func (b *mockBridge) publishedFrames() []Frame {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := make([]Frame, len(b.published))
	copy(result, b.published)
	return result
}

func (b *mockBridge) hasHandler(roomID string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.handlers[roomID] != nil
}

func (b *mockBridge) subscribes(roomID string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.subscribeCalls[roomID]
}

func (b *mockBridge) unsubscribes(roomID string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.unsubscribeCalls[roomID]
}

// denyLimiter rejects everything
type denyLimiter struct{}

func (l denyLimiter) Allow(ctxt context.Context, key string) (bool, error) {
	return false, nil
}

func getChatTestStore(t *testing.T) storage.MessageStore {
	dsn := fmt.Sprintf("file:ut-%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	assert.Nil(t, err)
	store, err := storage.GetMessageStore(db, "ut-session")
	assert.Nil(t, err)
	return store
}

func TestSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry := GetRegistry("ut-session")
	bridge := newMockBridge()
	store := getChatTestStore(t)

	uut, err := GetSessionManager(
		registry, bridge, store, ratelimit.GetAlwaysAllowLimiter(), 50, "ut-session",
	)
	assert.Nil(err)

	roomID := uuid.New().String()

	// Alice joins an empty room
	connA := newMockConn()
	aliceDone := make(chan error, 1)
	go func() {
		aliceDone <- uut.Run(utCtxt, roomID, "alice", connA)
	}()

	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 1
	}, time.Second, time.Millisecond*10)
	assert.Equal(1, bridge.subscribes(roomID))
	published := bridge.publishedFrames()
	assert.Equal(storage.KindUserJoined, published[0].Type)
	assert.Equal("alice", published[0].Username)
	assert.Equal("alice joined the room", published[0].Content)

	// The join event comes back through the broker to its own sender
	assert.Nil(bridge.deliver(roomID, published[0]))
	assert.Eventually(func() bool {
		return len(connA.sentFrames()) == 1
	}, time.Second, time.Millisecond*10)

	// Bob joins, sees alice's join in history, and one broker subscription
	// remains for the room
	connB := newMockConn()
	bobDone := make(chan error, 1)
	go func() {
		bobDone <- uut.Run(utCtxt, roomID, "bob", connB)
	}()

	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 2
	}, time.Second, time.Millisecond*10)
	assert.Equal(1, bridge.subscribes(roomID))
	history := connB.sentFrames()
	assert.Len(history, 1)
	assert.Equal(storage.KindUserJoined, history[0].Type)
	assert.Equal("alice", history[0].Username)

	// Bob sends a message; it is persisted then published
	connB.inbound <- []byte(`{"content":"hello"}`)
	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 3
	}, time.Second, time.Millisecond*10)
	published = bridge.publishedFrames()
	assert.Equal(storage.KindMessage, published[2].Type)
	assert.Equal("bob", published[2].Username)
	assert.Equal("hello", published[2].Content)
	backlog, err := store.Recent(utCtxt, roomID, 50)
	assert.Nil(err)
	assert.Len(backlog, 3)

	// Broker delivery fans out to all local connections
	assert.Nil(bridge.deliver(roomID, published[2]))
	assert.Eventually(func() bool {
		return len(connA.sentFrames()) == 2 && len(connB.sentFrames()) == 2
	}, time.Second, time.Millisecond*10)

	// A malformed frame is dropped but the session stays up
	connB.inbound <- []byte("this is not json")
	connB.inbound <- []byte(`{"content":"still here"}`)
	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 4
	}, time.Second, time.Millisecond*10)
	assert.Equal("still here", bridge.publishedFrames()[3].Content)

	// Bob disconnects. His leave is announced; the room is still locally
	// active through alice so the subscription remains.
	connB.Close()
	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 5
	}, time.Second, time.Millisecond*10)
	assert.Nil(<-bobDone)
	published = bridge.publishedFrames()
	assert.Equal(storage.KindUserLeft, published[4].Type)
	assert.Equal("bob", published[4].Username)
	assert.Equal("bob left the room", published[4].Content)
	assert.Equal(0, bridge.unsubscribes(roomID))

	// Alice disconnects. The room is now locally empty so the subscription
	// is dropped exactly once.
	connA.Close()
	assert.Nil(<-aliceDone)
	assert.Eventually(func() bool {
		return bridge.unsubscribes(roomID) == 1
	}, time.Second, time.Millisecond*10)
	assert.Equal(0, registry.LocalConnections(roomID))
	published = bridge.publishedFrames()
	assert.Len(published, 6)
	assert.Equal(storage.KindUserLeft, published[5].Type)
	assert.Equal("alice", published[5].Username)
}

func TestSessionPublishFailureTolerated(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry := GetRegistry("ut-session")
	bridge := newMockBridge()
	bridge.publishErr = fmt.Errorf("broker on fire")
	store := getChatTestStore(t)

	uut, err := GetSessionManager(
		registry, bridge, store, ratelimit.GetAlwaysAllowLimiter(), 50, "ut-session",
	)
	assert.Nil(err)

	roomID := uuid.New().String()
	conn := newMockConn()
	done := make(chan error, 1)
	go func() {
		done <- uut.Run(utCtxt, roomID, "alice", conn)
	}()

	// The join is persisted even though the publish failed
	assert.Eventually(func() bool {
		backlog, err := store.Recent(utCtxt, roomID, 50)
		return err == nil && len(backlog) == 1
	}, time.Second, time.Millisecond*10)

	// Messages keep being accepted into the durable log
	conn.inbound <- []byte(`{"content":"am I still heard"}`)
	assert.Eventually(func() bool {
		backlog, err := store.Recent(utCtxt, roomID, 50)
		return err == nil && len(backlog) == 2
	}, time.Second, time.Millisecond*10)
	assert.False(conn.isClosed())
	assert.Empty(bridge.publishedFrames())

	conn.Close()
	assert.Nil(<-done)
}

func TestSessionSubscribeFailureNotFatal(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry := GetRegistry("ut-session")
	bridge := newMockBridge()
	bridge.subscribeErr = fmt.Errorf("broker unreachable")
	store := getChatTestStore(t)

	uut, err := GetSessionManager(
		registry, bridge, store, ratelimit.GetAlwaysAllowLimiter(), 50, "ut-session",
	)
	assert.Nil(err)

	roomID := uuid.New().String()
	conn := newMockConn()
	done := make(chan error, 1)
	go func() {
		done <- uut.Run(utCtxt, roomID, "alice", conn)
	}()

	// The session reaches active despite the degraded fan-out
	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 1
	}, time.Second, time.Millisecond*10)
	assert.False(conn.isClosed())

	conn.Close()
	assert.Nil(<-done)
}

func TestSessionInboundRateLimited(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry := GetRegistry("ut-session")
	bridge := newMockBridge()
	store := getChatTestStore(t)

	uut, err := GetSessionManager(registry, bridge, store, denyLimiter{}, 50, "ut-session")
	assert.Nil(err)

	roomID := uuid.New().String()
	conn := newMockConn()
	done := make(chan error, 1)
	go func() {
		done <- uut.Run(utCtxt, roomID, "alice", conn)
	}()

	// Join announcements bypass the limiter
	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 1
	}, time.Second, time.Millisecond*10)

	// The inbound message is silently dropped
	conn.inbound <- []byte(`{"content":"too chatty"}`)
	time.Sleep(time.Millisecond * 100)
	backlog, err := store.Recent(utCtxt, roomID, 50)
	assert.Nil(err)
	assert.Len(backlog, 1)
	assert.False(conn.isClosed())

	conn.Close()
	assert.Nil(<-done)
}

func TestSessionSubscriptionTransitionRace(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.WarnLevel)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry := GetRegistry("ut-session")
	bridge := newMockBridge()
	store := getChatTestStore(t)

	uut, err := GetSessionManager(
		registry, bridge, store, ratelimit.GetAlwaysAllowLimiter(), 50, "ut-session",
	)
	assert.Nil(err)

	roomID := uuid.New().String()

	// The last participant leaving and a new one joining at the same moment
	// must never strand the occupied room without a channel subscription.
	for round := 0; round < 25; round++ {
		connA := newMockConn()
		aliceDone := make(chan error, 1)
		go func() {
			aliceDone <- uut.Run(utCtxt, roomID, "alice", connA)
		}()
		assert.Eventually(func() bool {
			return registry.LocalConnections(roomID) == 1 && bridge.hasHandler(roomID)
		}, time.Second, time.Millisecond)

		connB := newMockConn()
		bobDone := make(chan error, 1)
		start := make(chan struct{})
		go func() {
			<-start
			connA.Close()
		}()
		go func() {
			<-start
			bobDone <- uut.Run(utCtxt, roomID, "bob", connB)
		}()
		close(start)

		assert.Nil(<-aliceDone)
		assert.Eventually(func() bool {
			return registry.LocalConnections(roomID) == 1
		}, time.Second, time.Millisecond)
		if !assert.True(bridge.hasHandler(roomID)) {
			assert.FailNow("occupied room lost its channel subscription", "round %d", round)
		}

		connB.Close()
		assert.Nil(<-bobDone)
		assert.Eventually(func() bool {
			return registry.LocalConnections(roomID) == 0 && !bridge.hasHandler(roomID)
		}, time.Second, time.Millisecond)
	}
}

func TestSessionReapOnFanoutFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry := GetRegistry("ut-session")
	bridge := newMockBridge()
	store := getChatTestStore(t)

	uut, err := GetSessionManager(
		registry, bridge, store, ratelimit.GetAlwaysAllowLimiter(), 50, "ut-session",
	)
	assert.Nil(err)

	roomID := uuid.New().String()

	connA := newMockConn()
	aliceDone := make(chan error, 1)
	go func() {
		aliceDone <- uut.Run(utCtxt, roomID, "alice", connA)
	}()
	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 1
	}, time.Second, time.Millisecond*10)

	connB := newMockConn()
	bobDone := make(chan error, 1)
	go func() {
		bobDone <- uut.Run(utCtxt, roomID, "bob", connB)
	}()
	assert.Eventually(func() bool {
		return len(bridge.publishedFrames()) == 2
	}, time.Second, time.Millisecond*10)

	// Alice's socket dies. The next delivery reaps her connection without a
	// leave announcement, since the fan-out path cleaned her up first.
	connA.setSendError(fmt.Errorf("broken pipe"))
	assert.Nil(bridge.deliver(roomID, bridge.publishedFrames()[1]))

	assert.Eventually(func() bool {
		return registry.LocalConnections(roomID) == 1
	}, time.Second, time.Millisecond*10)
	assert.True(connA.isClosed())
	assert.Nil(<-aliceDone)
	for _, frame := range bridge.publishedFrames() {
		if frame.Type == storage.KindUserLeft {
			assert.NotEqual("alice", frame.Username)
		}
	}
	// Bob is still registered, so the room subscription survived the reap
	assert.Equal(0, bridge.unsubscribes(roomID))

	// Bob leaves normally
	connB.Close()
	assert.Nil(<-bobDone)
	assert.Eventually(func() bool {
		return bridge.unsubscribes(roomID) == 1
	}, time.Second, time.Millisecond*10)
	published := bridge.publishedFrames()
	assert.Equal(storage.KindUserLeft, published[len(published)-1].Type)
	assert.Equal("bob", published[len(published)-1].Username)
}
