package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/roomcast/common"
	"github.com/alwitt/roomcast/core"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// DeliveryHandlerCB callback used to forward broker payloads to the local fan-out
type DeliveryHandlerCB func(ctxt context.Context, payload []byte)

// Receipt broker publish receipt
type Receipt struct {
	// Subscribers number of broker subscribers the payload was delivered to
	Subscribers int64
}

// Bridge broker-backed broadcast primitive connecting server instances.
//
// One logical broker channel exists per room. Every instance holding at least
// one local connection for a room keeps exactly one subscription on that
// room's channel, regardless of local connection count.
type Bridge interface {
	// Publish send a payload on a room's channel. Delivery to subscribed
	// instances is at-least-once and best-effort; a failed publish is
	// reported to the caller but never retried here.
	Publish(ctxt context.Context, roomID string, payload []byte) (Receipt, error)
	// Subscribe start listening on a room's channel. Idempotent per room per
	// instance; calling again while subscribed swaps the delivery callback in
	// place without creating a second broker subscription.
	Subscribe(roomID string, handler DeliveryHandlerCB) error
	// Unsubscribe stop listening on a room's channel. A no-op when the room
	// has no active subscription.
	Unsubscribe(roomID string) error
	// Close tear down every active subscription
	Close(ctxt context.Context)
}

// redisBridgeImpl implements Bridge against Redis pub/sub
type redisBridgeImpl struct {
	common.Component
	client        *redis.Client
	channelPrefix string
	baseContext   context.Context
	wg            *sync.WaitGroup
	lock          *sync.Mutex
	listeners     map[string]*roomListener
	handlers      map[string]DeliveryHandlerCB
}

// roomListener one background listening task on a room's channel
type roomListener struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// GetRedisBridge define a new Redis backed Bridge
func GetRedisBridge(
	baseContext context.Context,
	broker core.RedisClient,
	channelPrefix string,
	instance string,
	wg *sync.WaitGroup,
) (Bridge, error) {
	logTags := log.Fields{
		"module":    "pubsub",
		"component": "redis-bridge",
		"instance":  instance,
	}
	if channelPrefix == "" {
		err := fmt.Errorf("channel prefix can not be empty")
		log.WithError(err).WithFields(logTags).Error("Unable to define bridge")
		return nil, err
	}
	return &redisBridgeImpl{
		Component:     common.Component{LogTags: logTags},
		client:        broker.Client(),
		channelPrefix: channelPrefix,
		baseContext:   baseContext,
		wg:            wg,
		lock:          &sync.Mutex{},
		listeners:     make(map[string]*roomListener),
		handlers:      make(map[string]DeliveryHandlerCB),
	}, nil
}

// channelName broker channel for a room, namespaced away from unrelated traffic
func (b *redisBridgeImpl) channelName(roomID string) string {
	return fmt.Sprintf("%s%s", b.channelPrefix, roomID)
}

// Publish send a payload on a room's channel
func (b *redisBridgeImpl) Publish(
	ctxt context.Context, roomID string, payload []byte,
) (Receipt, error) {
	channel := b.channelName(roomID)
	receivers, err := b.client.Publish(ctxt, channel, payload).Result()
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to publish on channel %s", channel,
		)
		return Receipt{}, err
	}
	log.WithFields(b.LogTags).Debugf(
		"Published %dB to %d subscribers of %s", len(payload), receivers, channel,
	)
	return Receipt{Subscribers: receivers}, nil
}

// Subscribe start listening on a room's channel
func (b *redisBridgeImpl) Subscribe(roomID string, handler DeliveryHandlerCB) error {
	channel := b.channelName(roomID)
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[roomID] = handler
	if _, subscribed := b.listeners[roomID]; subscribed {
		// Already listening. The new handler is picked up on next delivery.
		log.WithFields(b.LogTags).Debugf("Refreshed delivery handler of %s", channel)
		return nil
	}
	listenCtxt, cancel := context.WithCancel(b.baseContext)
	pubsub := b.client.Subscribe(listenCtxt, channel)
	b.listeners[roomID] = &roomListener{pubsub: pubsub, cancel: cancel}
	b.wg.Add(1)
	go b.listenLoop(listenCtxt, roomID, channel, pubsub)
	log.WithFields(b.LogTags).Infof("Subscribed to channel %s", channel)
	return nil
}

// listenLoop one background task multiplexing a room channel into the handler
func (b *redisBridgeImpl) listenLoop(
	ctxt context.Context, roomID, channel string, pubsub *redis.PubSub,
) {
	defer b.wg.Done()
	defer log.WithFields(b.LogTags).Infof("Stopped listening on channel %s", channel)
	deliveries := pubsub.Channel()
	for {
		select {
		case <-ctxt.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			handler := b.currentHandler(roomID)
			if handler == nil {
				// No receiver installed. Payload is dropped, never requeued.
				log.WithFields(b.LogTags).Warnf(
					"No delivery handler for channel %s. Dropped %dB",
					channel, len(msg.Payload),
				)
				continue
			}
			handler(ctxt, []byte(msg.Payload))
		}
	}
}

// currentHandler fetch the handler registered for a room at this moment
func (b *redisBridgeImpl) currentHandler(roomID string) DeliveryHandlerCB {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.handlers[roomID]
}

// Unsubscribe stop listening on a room's channel
func (b *redisBridgeImpl) Unsubscribe(roomID string) error {
	b.lock.Lock()
	listener, subscribed := b.listeners[roomID]
	delete(b.listeners, roomID)
	delete(b.handlers, roomID)
	b.lock.Unlock()
	if !subscribed {
		return nil
	}
	listener.cancel()
	if err := listener.pubsub.Close(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unsubscribe failed on channel %s", b.channelName(roomID),
		)
		return err
	}
	log.WithFields(b.LogTags).Infof("Unsubscribed from channel %s", b.channelName(roomID))
	return nil
}

// Close tear down every active subscription
func (b *redisBridgeImpl) Close(ctxt context.Context) {
	b.lock.Lock()
	remaining := make([]string, 0, len(b.listeners))
	for roomID := range b.listeners {
		remaining = append(remaining, roomID)
	}
	b.lock.Unlock()
	for _, roomID := range remaining {
		if err := b.Unsubscribe(roomID); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to unsubscribe room %s on close", roomID,
			)
		}
	}
	log.WithFields(b.LogTags).Info("Closed pub/sub bridge")
}
